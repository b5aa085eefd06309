// Package scanner turns one partition of the input into a partial count
// matrix using fixed-offset row arithmetic.
//
// Rows have the shape
//
//	<DomainLength bytes><url suffix>,<DateWidth bytes, starting YYYY-MM-DD>\n
//
// The row end is found by searching for '\n' from MinLineLength bytes past the
// row start. Everything else is derived from that position.
package scanner

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"golang.org/x/sys/unix"

	"visit-counter/matrix"
	"visit-counter/partition"
	"visit-counter/tokens"
)

type Stats struct {
	Rows    int64
	Skipped int64
	Bytes   int64
	Windows int
}

type Scanner struct {
	tables *tokens.Tables
	window int
}

func New(t *tokens.Tables, window int) *Scanner {
	if window < 4096 {
		window = 4096
	}
	return &Scanner{tables: t, window: window}
}

// Scan reads p from f in windows and returns the partial matrix for it. f is
// positioned by Scan; callers must not share it with another goroutine.
func (s *Scanner) Scan(f io.ReadSeeker, p partition.Partition) (*matrix.Matrix, Stats, error) {
	var st Stats
	buckets := make([][]byte, s.tables.URLs())
	if p.Len() <= 0 {
		return s.tally(buckets), st, nil
	}

	if fd, ok := f.(interface{ Fd() uintptr }); ok {
		_ = unix.Fadvise(int(fd.Fd()), p.Start, p.Len(), unix.FADV_SEQUENTIAL)
	}
	if _, err := f.Seek(p.Start, io.SeekStart); err != nil {
		return nil, st, fmt.Errorf("seek %d: %w", p.Start, err)
	}

	buf := make([]byte, min(int64(s.window), p.Len()))
	remaining := p.Len()
	// set while the rest of a row longer than the window is skipped
	discard := false
	for remaining > 0 {
		n, err := io.ReadFull(f, buf[:min(remaining, int64(len(buf)))])
		short := errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
		if err != nil && !short {
			return nil, st, fmt.Errorf("read at %d: %w", p.End-remaining, err)
		}
		if n == 0 {
			break
		}
		st.Windows++

		w := buf[:n]
		last := bytes.LastIndexByte(w, '\n')
		if last < 0 {
			remaining -= int64(n)
			st.Bytes += int64(n)
			discard = !short
			continue
		}
		if tail := n - last - 1; tail > 0 && !short {
			if _, err := f.Seek(int64(-tail), io.SeekCurrent); err != nil {
				return nil, st, fmt.Errorf("rewind: %w", err)
			}
		}
		remaining -= int64(last + 1)
		st.Bytes += int64(last + 1)

		from := 0
		if discard {
			from = bytes.IndexByte(w, '\n') + 1
			st.Rows++
			st.Skipped++
			discard = false
		}
		rows, skipped := s.scanRows(w[from:last+1], buckets)
		st.Rows += rows
		st.Skipped += skipped

		if short {
			break
		}
	}
	return s.tally(buckets), st, nil
}

// scanRows appends one date tag per valid row of w to the bucket of its URL.
// w must end with '\n'.
func (s *Scanner) scanRows(w []byte, buckets [][]byte) (rows, skipped int64) {
	t := s.tables
	skip, dom, dw := t.MinLineLength, t.DomainLength, t.DateWidth

	start := 0
	for start < len(w) {
		from := start + skip
		if from >= len(w) {
			// what is left is shorter than any valid row
			skipped++
			rows++
			break
		}
		i := bytes.IndexByte(w[from:], '\n')
		if i < 0 {
			break
		}
		end := from + i
		rows++

		if urlStart, urlEnd := start+dom, end-dw-1; urlEnd >= urlStart {
			if u, ok := t.URLToken(w[urlStart:urlEnd]); ok {
				if d, ok := t.DateToken(w[end-dw : end]); ok {
					buckets[u] = append(buckets[u], byte(d), byte(d>>8))
					start = end + 1
					continue
				}
			}
		}
		skipped++

		// short row swallowed by the skip-ahead
		if j := bytes.IndexByte(w[start:from], '\n'); j >= 0 {
			start += j + 1
			continue
		}
		start = end + 1
	}
	return rows, skipped
}

func (s *Scanner) tally(buckets [][]byte) *matrix.Matrix {
	m := matrix.New(s.tables.URLs(), s.tables.Dates())
	for u, b := range buckets {
		if len(b) == 0 {
			continue
		}
		row := m.Row(u)
		for i := 0; i+1 < len(b); i += 2 {
			row[uint16(b[i])|uint16(b[i+1])<<8]++
		}
	}
	return m
}
