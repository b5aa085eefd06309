// Package tokens builds the dense integer identifiers the scanner aggregates
// on: one per catalog URL, in order of first appearance in the input, and one
// per calendar day of a fixed window ending today.
//
// A Tables value is built once by Setup and is read-only afterwards, so it may
// be shared by any number of scanning goroutines.
package tokens

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"time"
	"unsafe"

	"github.com/dolthub/swiss"
)

// DateLength is the width of the "YYYY-MM-DD" prefix of the timestamp field.
const DateLength = 10

// slots per year in the calendar index: 12 months of 31 days.
const yearSlots = 12 * 31

var ErrDateRange = errors.New("date range does not fit in 16-bit tokens")

type Options struct {
	DomainLength  int
	DateWidth     int
	Years         int
	BufferMonths  int
	PrescanBuffer int
	// OutputPrefix, when set, replaces the stripped domain in output keys.
	OutputPrefix string
	// End is the last day of the date window. Zero means today.
	End time.Time
}

type Tables struct {
	DomainLength  int
	DateWidth     int
	MinLineLength int

	urlTokens *swiss.Map[string, uint32]
	urls      []string
	keys      []string

	dates     []string
	startYear int
	endYear   int
	// calendar slot -> date token + 1, zero when the day is outside the window
	dateIndex []uint16
}

// Setup builds the date table, then prescans input to order the catalog URLs
// by first appearance. Catalog URLs that never appear get no token.
func Setup(catalog []string, input io.Reader, opts Options) (*Tables, error) {
	if opts.DateWidth < DateLength {
		return nil, fmt.Errorf("date width %d shorter than %d", opts.DateWidth, DateLength)
	}
	if opts.PrescanBuffer <= 0 {
		opts.PrescanBuffer = 256 << 10
	}
	t := &Tables{
		DomainLength: opts.DomainLength,
		DateWidth:    opts.DateWidth,
	}
	if err := t.buildDates(opts); err != nil {
		return nil, err
	}

	pool, minURL := buildPool(catalog, opts.DomainLength)
	t.MinLineLength = minURL + 1 + opts.DateWidth

	t.urlTokens = swiss.NewMap[string, uint32](uint32(max(len(pool), 1)))
	if len(pool) > 0 && input != nil {
		if err := t.prescan(input, pool, opts); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *Tables) buildDates(opts Options) error {
	end := opts.End
	if end.IsZero() {
		end = time.Now()
	}
	last := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, time.UTC)
	first := last.AddDate(0, -(opts.Years*12 + opts.BufferMonths), 0)

	t.startYear = first.Year()
	t.endYear = last.Year()
	t.dateIndex = make([]uint16, (t.endYear-t.startYear+1)*yearSlots)

	for d := first; !d.After(last); d = d.AddDate(0, 0, 1) {
		if len(t.dates) >= math.MaxUint16 {
			return ErrDateRange
		}
		slot := t.slot(d.Year(), int(d.Month()), d.Day())
		t.dates = append(t.dates, d.Format(time.DateOnly))
		t.dateIndex[slot] = uint16(len(t.dates))
	}
	return nil
}

// buildPool maps each stripped URL to the catalog entry it came from.
func buildPool(catalog []string, domainLength int) (map[string]string, int) {
	pool := make(map[string]string, len(catalog))
	minURL := 0
	for _, u := range catalog {
		if len(u) <= domainLength {
			continue
		}
		suffix := u[domainLength:]
		if _, ok := pool[suffix]; ok {
			continue
		}
		pool[suffix] = u
		if minURL == 0 || len(suffix) < minURL {
			minURL = len(suffix)
		}
	}
	return pool, minURL
}

func (t *Tables) prescan(input io.Reader, pool map[string]string, opts Options) error {
	buf := make([]byte, opts.PrescanBuffer)
	carry := make([]byte, 0, 1024)

	for {
		n, err := input.Read(buf)
		data := buf[:n]
		if len(carry) > 0 {
			carry = append(carry, data...)
			data = carry
		}
		for {
			nl := bytes.IndexByte(data, '\n')
			if nl < 0 {
				break
			}
			t.observe(data[:nl], pool, opts)
			if len(t.urls) == len(pool) {
				return nil
			}
			data = data[nl+1:]
		}
		// the unterminated tail waits for the next read; at EOF it is dropped
		carry = append(carry[:0], data...)

		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("prescan: %w", err)
		}
	}
}

func (t *Tables) observe(line []byte, pool map[string]string, opts Options) {
	if len(line) < opts.DomainLength+opts.DateWidth+2 {
		return
	}
	url := line[opts.DomainLength : len(line)-opts.DateWidth-1]
	full, ok := pool[string(url)]
	if !ok {
		return
	}
	if _, ok := t.urlTokens.Get(string(url)); ok {
		return
	}
	s := string(url)
	t.urlTokens.Put(s, uint32(len(t.urls)))
	t.urls = append(t.urls, s)
	if opts.OutputPrefix != "" {
		t.keys = append(t.keys, opts.OutputPrefix+s)
	} else {
		t.keys = append(t.keys, full)
	}
}

func (t *Tables) URLs() int  { return len(t.urls) }
func (t *Tables) Dates() int { return len(t.dates) }

// URL returns the URL suffix (domain stripped) for token.
func (t *Tables) URL(token uint32) string { return t.urls[token] }

// Key returns the output form of the URL for token.
func (t *Tables) Key(token uint32) string { return t.keys[token] }

func (t *Tables) Date(token uint16) string { return t.dates[token] }

// URLToken looks up a URL suffix. b is not retained.
func (t *Tables) URLToken(b []byte) (uint32, bool) {
	return t.urlTokens.Get(unsafe.String(unsafe.SliceData(b), len(b)))
}

// DateToken looks up the leading "YYYY-MM-DD" of b without allocating.
func (t *Tables) DateToken(b []byte) (uint16, bool) {
	if len(b) < DateLength || b[4] != '-' || b[7] != '-' {
		return 0, false
	}
	y, ok1 := digits(b[0:4])
	m, ok2 := digits(b[5:7])
	d, ok3 := digits(b[8:10])
	if !(ok1 && ok2 && ok3) || m < 1 || m > 12 || d < 1 || d > 31 {
		return 0, false
	}
	if y < t.startYear || y > t.endYear {
		return 0, false
	}
	v := t.dateIndex[t.slot(y, m, d)]
	if v == 0 {
		return 0, false
	}
	return v - 1, true
}

// Tag is the compact accumulation form of a date token.
func Tag(token uint16) [2]byte {
	return [2]byte{byte(token), byte(token >> 8)}
}

func (t *Tables) slot(y, m, d int) int {
	return (y-t.startYear)*yearSlots + (m-1)*31 + (d - 1)
}

func digits(b []byte) (int, bool) {
	n := 0
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, true
}
