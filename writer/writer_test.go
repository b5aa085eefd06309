package writer

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"visit-counter/matrix"
	"visit-counter/tokens"
)

const domain = "https://example.org/"

func row(url, date string) string {
	return domain + url + "," + date + "T00:00:00+00:00\n"
}

func tables(t *testing.T, catalog []string, input, prefix string) *tokens.Tables {
	t.Helper()
	tb, err := tokens.Setup(catalog, strings.NewReader(input), tokens.Options{
		DomainLength: len(domain),
		DateWidth:    25,
		Years:        1,
		OutputPrefix: prefix,
		End:          time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatal(err)
	}
	return tb
}

func date(t *testing.T, tb *tokens.Tables, s string) int {
	t.Helper()
	d, ok := tb.DateToken([]byte(s))
	if !ok {
		t.Fatalf("no token for %s", s)
	}
	return int(d)
}

func TestWriteLayout(t *testing.T) {
	input := row("urlA", "2024-01-01") + row("urlB", "2024-01-02")
	tb := tables(t, []string{domain + "urlA", domain + "urlB"}, input, "")
	m := matrix.New(tb.URLs(), tb.Dates())
	m.Counts[0*m.Dates+date(t, tb, "2024-01-02")] = 1
	m.Counts[0*m.Dates+date(t, tb, "2024-01-01")] = 2

	var buf bytes.Buffer
	if err := Write(&buf, tb, m, 4096); err != nil {
		t.Fatal(err)
	}
	want := `{
  "https://example.org/urlA": {
    "2024-01-01": 2,
    "2024-01-02": 1
  }
}
`
	if buf.String() != want {
		t.Fatalf("got\n%s\nwant\n%s", buf.String(), want)
	}
}

func TestWriteEmpty(t *testing.T) {
	tb := tables(t, []string{domain + "urlA"}, row("urlA", "2024-01-01"), "")
	var buf bytes.Buffer
	if err := Write(&buf, tb, matrix.New(tb.URLs(), tb.Dates()), 4096); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "{}\n" {
		t.Fatalf("got %q", buf.String())
	}

	none := tables(t, nil, "", "")
	buf.Reset()
	if err := Write(&buf, none, matrix.New(0, none.Dates()), 4096); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "{}\n" {
		t.Fatalf("got %q", buf.String())
	}
}

func TestWriteRoundTrip(t *testing.T) {
	urls := []string{"blog/a", "blog/\"quoted\"", "blog/ünïcode", "blog/<tag>&amp"}
	var input strings.Builder
	var catalog []string
	for _, u := range urls {
		catalog = append(catalog, domain+u)
		input.WriteString(row(u, "2024-03-01"))
	}
	tb := tables(t, catalog, input.String(), "/blog/")

	m := matrix.New(tb.URLs(), tb.Dates())
	want := map[string]map[string]uint32{}
	for u := 0; u < m.URLs; u++ {
		if u == 2 {
			continue
		}
		for i, d := range []string{"2023-07-01", "2024-03-01", "2024-06-30"} {
			n := uint32((u+1)*10 + i)
			m.Counts[u*m.Dates+date(t, tb, d)] = n
			key := tb.Key(uint32(u))
			if want[key] == nil {
				want[key] = map[string]uint32{}
			}
			want[key][d] = n
		}
	}
	// larger than the buffer, so it gets flushed mid-stream
	m.Counts[0] = 1 << 31

	want[tb.Key(0)][tb.Date(0)] = 1 << 31

	var buf bytes.Buffer
	if err := Write(&buf, tb, m, 16); err != nil {
		t.Fatal(err)
	}
	var got map[string]map[string]uint32
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("invalid json: %v\n%s", err, buf.String())
	}
	if len(got) != len(want) {
		t.Fatalf("got %d urls, want %d", len(got), len(want))
	}
	for k, dates := range want {
		for d, n := range dates {
			if got[k][d] != n {
				t.Errorf("%s %s = %d, want %d", k, d, got[k][d], n)
			}
		}
		if len(got[k]) != len(dates) {
			t.Errorf("%s has %d dates, want %d", k, len(got[k]), len(dates))
		}
	}
	if _, ok := got["/blog/blog/a"]; !ok {
		t.Errorf("prefixed key missing: %v", got)
	}
}

func TestWriteShapeMismatch(t *testing.T) {
	tb := tables(t, []string{domain + "urlA"}, row("urlA", "2024-01-01"), "")
	if err := Write(&bytes.Buffer{}, tb, matrix.New(2, 2), 4096); !errors.Is(err, matrix.ErrShape) {
		t.Fatalf("err = %v", err)
	}
}

type failWriter struct{}

func (failWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestWriteError(t *testing.T) {
	tb := tables(t, []string{domain + "urlA"}, row("urlA", "2024-01-01"), "")
	m := matrix.New(tb.URLs(), tb.Dates())
	m.Counts[0] = 1
	if err := Write(failWriter{}, tb, m, 4096); err == nil {
		t.Fatal("expected error")
	}
}
