package tokens

import (
	"fmt"
	"slices"
	"strings"
	"testing"
	"testing/iotest"
	"time"
)

var end = time.Date(2026, 3, 15, 17, 30, 0, 0, time.UTC)

func opts() Options {
	return Options{
		DomainLength:  len("https://example.org/"),
		DateWidth:     25,
		Years:         5,
		BufferMonths:  6,
		PrescanBuffer: 64,
		End:           end,
	}
}

func row(url, ts string) string {
	return "https://example.org/" + url + "," + ts + "\n"
}

func TestDateTable(t *testing.T) {
	tb, err := Setup(nil, nil, opts())
	if err != nil {
		t.Fatal(err)
	}
	first := time.Date(2020, 9, 15, 0, 0, 0, 0, time.UTC)
	want := int(end.Sub(first).Hours()/24) + 1
	if tb.Dates() != want {
		t.Fatalf("dates = %d, want %d", tb.Dates(), want)
	}
	if tb.Date(0) != "2020-09-15" || tb.Date(uint16(tb.Dates()-1)) != "2026-03-15" {
		t.Fatalf("range = %s..%s", tb.Date(0), tb.Date(uint16(tb.Dates()-1)))
	}
	for i := 1; i < tb.Dates(); i++ {
		if tb.Date(uint16(i-1)) >= tb.Date(uint16(i)) {
			t.Fatalf("dates not ascending at %d", i)
		}
	}
	for i := 0; i < tb.Dates(); i++ {
		tok, ok := tb.DateToken([]byte(tb.Date(uint16(i)) + "T00:00:00+00:00"))
		if !ok || int(tok) != i {
			t.Fatalf("DateToken(%s) = %d, %v", tb.Date(uint16(i)), tok, ok)
		}
	}
}

func TestDateTokenRejects(t *testing.T) {
	tb, err := Setup(nil, nil, opts())
	if err != nil {
		t.Fatal(err)
	}
	for _, in := range []string{
		"2020-09-14", // day before the window
		"2026-03-16", // day after
		"2019-01-01",
		"2027-01-01",
		"2024-02-30",
		"2024-13-01",
		"2024-00-10",
		"2024-01-00",
		"2024/01/01",
		"20x4-01-01",
		"2024-01-0",
		"",
	} {
		if tok, ok := tb.DateToken([]byte(in)); ok {
			t.Errorf("DateToken(%q) = %d, want rejection", in, tok)
		}
	}
	if _, ok := tb.DateToken([]byte("2024-02-29")); !ok {
		t.Error("leap day rejected")
	}
}

func TestTag(t *testing.T) {
	for _, tok := range []uint16{0, 1, 255, 256, 2007, 65534} {
		tag := Tag(tok)
		if got := uint16(tag[0]) | uint16(tag[1])<<8; got != tok {
			t.Errorf("Tag(%d) decodes to %d", tok, got)
		}
	}
}

func TestSetupOrdersByFirstAppearance(t *testing.T) {
	catalog := []string{
		"https://example.org/blog/alpha",
		"https://example.org/blog/beta",
		"https://example.org/blog/gamma",
		"https://example.org/blog/never-seen",
	}
	input := row("blog/gamma", "2024-01-01T10:00:00+00:00") +
		row("blog/unknown", "2024-01-01T10:00:00+00:00") +
		row("blog/alpha", "2024-01-02T10:00:00+00:00") +
		row("blog/gamma", "2024-01-03T10:00:00+00:00") +
		row("blog/beta", "2024-01-03T10:00:00+00:00")

	tb, err := Setup(catalog, strings.NewReader(input), opts())
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for i := 0; i < tb.URLs(); i++ {
		got = append(got, tb.URL(uint32(i)))
	}
	if want := []string{"blog/gamma", "blog/alpha", "blog/beta"}; !slices.Equal(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
	if tb.Key(0) != "https://example.org/blog/gamma" {
		t.Errorf("key = %q", tb.Key(0))
	}
	if tok, ok := tb.URLToken([]byte("blog/beta")); !ok || tok != 2 {
		t.Errorf("URLToken(beta) = %d, %v", tok, ok)
	}
	if _, ok := tb.URLToken([]byte("blog/never-seen")); ok {
		t.Error("never-seen URL got a token")
	}
	if want := len("blog/beta") + 1 + 25; tb.MinLineLength != want {
		t.Errorf("MinLineLength = %d, want %d", tb.MinLineLength, want)
	}
}

func TestSetupIdempotent(t *testing.T) {
	var catalog []string
	var b strings.Builder
	for i := 0; i < 50; i++ {
		catalog = append(catalog, fmt.Sprintf("https://example.org/p/%d", i))
	}
	for i := 0; i < 500; i++ {
		fmt.Fprintf(&b, "https://example.org/p/%d,2025-06-%02dT00:00:00+00:00\n", (i*7)%50, i%28+1)
	}
	input := b.String()

	a, err := Setup(catalog, strings.NewReader(input), opts())
	if err != nil {
		t.Fatal(err)
	}
	// one byte at a time exercises the carried tail
	c, err := Setup(catalog, iotest.OneByteReader(strings.NewReader(input)), opts())
	if err != nil {
		t.Fatal(err)
	}
	if a.URLs() != c.URLs() || a.Dates() != c.Dates() {
		t.Fatalf("sizes differ: %d/%d vs %d/%d", a.URLs(), a.Dates(), c.URLs(), c.Dates())
	}
	for i := 0; i < a.URLs(); i++ {
		if a.URL(uint32(i)) != c.URL(uint32(i)) {
			t.Fatalf("token %d: %s vs %s", i, a.URL(uint32(i)), c.URL(uint32(i)))
		}
	}
	for i := 0; i < a.Dates(); i++ {
		if a.Date(uint16(i)) != c.Date(uint16(i)) {
			t.Fatalf("date token %d differs", i)
		}
	}
}

func TestSetupEdgeCases(t *testing.T) {
	t.Run("empty catalog", func(t *testing.T) {
		tb, err := Setup(nil, strings.NewReader(row("a", "2024-01-01T00:00:00+00:00")), opts())
		if err != nil {
			t.Fatal(err)
		}
		if tb.URLs() != 0 {
			t.Fatalf("urls = %d", tb.URLs())
		}
	})
	t.Run("short file", func(t *testing.T) {
		tb, err := Setup([]string{"https://example.org/a"}, strings.NewReader("https://ex"), opts())
		if err != nil {
			t.Fatal(err)
		}
		if tb.URLs() != 0 {
			t.Fatalf("urls = %d", tb.URLs())
		}
	})
	t.Run("unterminated last row", func(t *testing.T) {
		in := strings.TrimSuffix(row("a", "2024-01-01T00:00:00+00:00"), "\n")
		tb, err := Setup([]string{"https://example.org/a"}, strings.NewReader(in), opts())
		if err != nil {
			t.Fatal(err)
		}
		if tb.URLs() != 0 {
			t.Fatalf("urls = %d", tb.URLs())
		}
	})
	t.Run("output prefix", func(t *testing.T) {
		o := opts()
		o.OutputPrefix = "/blog/"
		tb, err := Setup([]string{"https://example.org/a"}, strings.NewReader(row("a", "2024-01-01T00:00:00+00:00")), o)
		if err != nil {
			t.Fatal(err)
		}
		if tb.Key(0) != "/blog/a" {
			t.Fatalf("key = %q", tb.Key(0))
		}
	})
	t.Run("narrow date width", func(t *testing.T) {
		o := opts()
		o.DateWidth = 8
		if _, err := Setup(nil, nil, o); err == nil {
			t.Fatal("expected error")
		}
	})
	t.Run("range too wide", func(t *testing.T) {
		o := opts()
		o.Years = 200
		if _, err := Setup(nil, nil, o); err != ErrDateRange {
			t.Fatalf("err = %v", err)
		}
	})
}
