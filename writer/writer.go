// Package writer renders a count matrix as one nested JSON object:
//
//	{
//	  "<url key>": {
//	    "YYYY-MM-DD": n,
//	    ...
//	  },
//	  ...
//	}
//
// URLs appear in token order, dates ascending. Zero counts and URLs with no
// counts are left out.
package writer

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"visit-counter/matrix"
	"visit-counter/tokens"
)

// Write streams m to w through a buffer of bufSize bytes.
func Write(w io.Writer, t *tokens.Tables, m *matrix.Matrix, bufSize int) error {
	if m.URLs != t.URLs() || m.Dates != t.Dates() {
		return fmt.Errorf("%w: matrix %dx%d, tables %dx%d", matrix.ErrShape, m.URLs, m.Dates, t.URLs(), t.Dates())
	}
	bw := bufio.NewWriterSize(w, bufSize)

	// `    "YYYY-MM-DD": ` for every date, built once
	dateKeys := make([][]byte, t.Dates())
	for d := range dateKeys {
		dateKeys[d] = append(quote(t.Date(uint16(d)), []byte("    ")), ": "...)
	}

	var num []byte
	first := true
	bw.WriteByte('{')
	for u := 0; u < m.URLs; u++ {
		row := m.Row(u)
		if !hasCounts(row) {
			continue
		}
		if !first {
			bw.WriteByte(',')
		}
		first = false
		bw.Write(quote(t.Key(uint32(u)), []byte("\n  ")))
		bw.WriteString(": {")

		firstDate := true
		for d, n := range row {
			if n == 0 {
				continue
			}
			if !firstDate {
				bw.WriteByte(',')
			}
			firstDate = false
			bw.WriteByte('\n')
			bw.Write(dateKeys[d])
			num = strconv.AppendUint(num[:0], uint64(n), 10)
			bw.Write(num)
		}
		bw.WriteString("\n  }")
	}
	if !first {
		bw.WriteByte('\n')
	}
	bw.WriteString("}\n")
	return bw.Flush()
}

func hasCounts(row []uint32) bool {
	for _, n := range row {
		if n != 0 {
			return true
		}
	}
	return false
}

// quote appends s as a JSON string literal to dst.
func quote(s string, dst []byte) []byte {
	b, err := json.Marshal(s)
	if err != nil {
		// strings always marshal
		panic(err)
	}
	return append(dst, b...)
}
