package scanner

import (
	"strings"
	"time"

	"visit-counter/tokens"
)

const calibrationRows = 100

// Calibrate measures how many rows the calling goroutine's core can scan in
// budget. It runs the scanner's row loop over an in-memory window of synthetic
// rows shaped like the real ones, 100 rows between clock checks. The result is
// only meaningful relative to other calls made at the same time.
func Calibrate(t *tokens.Tables, budget time.Duration) int {
	s := &Scanner{tables: t}
	w := []byte(syntheticWindow(t, calibrationRows))
	buckets := make([][]byte, t.URLs())

	var n int
	deadline := time.Now().Add(budget)
	for time.Now().Before(deadline) {
		rows, _ := s.scanRows(w, buckets)
		n += int(rows)
		for i := range buckets {
			buckets[i] = buckets[i][:0]
		}
	}
	return n
}

func syntheticWindow(t *tokens.Tables, rows int) string {
	url := strings.Repeat("y", max(t.MinLineLength-1-t.DateWidth, 1)+10)
	if t.URLs() > 0 {
		url = t.URL(0)
	}
	date := t.Date(uint16(t.Dates()-1)) + strings.Repeat("z", t.DateWidth-tokens.DateLength)
	row := strings.Repeat("x", t.DomainLength) + url + "," + date + "\n"
	return strings.Repeat(row, rows)
}
