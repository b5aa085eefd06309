package partition

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/bits"
)

// PeekSize is how far past a raw boundary is read at a time when looking for
// the end of the row it falls in.
const PeekSize = 256

// Partition is the half-open byte range [Start, End) of the input.
type Partition struct {
	Start int64
	End   int64
}

func (p Partition) Len() int64 { return p.End - p.Start }

func (p Partition) String() string { return fmt.Sprintf("[%d,%d)", p.Start, p.End) }

// Split divides [0, size) into len(scores) line-aligned partitions whose
// lengths are proportional to scores, in score order. Negative scores count as
// zero. When no unit has a positive score the last unit takes the whole file.
func Split(r io.ReaderAt, size int64, scores []int) ([]Partition, error) {
	if len(scores) == 0 {
		return []Partition{{0, size}}, nil
	}
	var total int64
	for _, s := range scores {
		total += int64(max(s, 0))
	}

	parts := make([]Partition, len(scores))
	if total == 0 {
		parts[len(parts)-1] = Partition{0, size}
		return parts, nil
	}

	peek := make([]byte, PeekSize)
	var cursor, cum int64
	for i, s := range scores {
		start := cursor
		if i == len(scores)-1 {
			parts[i] = Partition{start, size}
			break
		}
		cum += int64(max(s, 0))
		raw := proportional(size, cum, total)
		end := start
		if raw > start {
			var err error
			end, err = alignToNextNewline(r, raw, size, peek)
			if err != nil {
				return nil, fmt.Errorf("partition %d: %w", i, err)
			}
		}
		parts[i] = Partition{start, end}
		cursor = end
	}
	return parts, nil
}

// proportional is floor(size*cum/total) computed in 128 bits; cum <= total so
// the quotient always fits.
func proportional(size, cum, total int64) int64 {
	hi, lo := bits.Mul64(uint64(size), uint64(cum))
	q, _ := bits.Div64(hi, lo, uint64(total))
	return int64(q)
}

// alignToNextNewline returns the offset just past the first '\n' at or after
// pos, or limit when there is none. A boundary already sitting at a line start
// is left alone.
func alignToNextNewline(r io.ReaderAt, pos, limit int64, peek []byte) (int64, error) {
	if pos <= 0 {
		return 0, nil
	}
	if pos >= limit {
		return limit, nil
	}
	off := pos - 1
	for off < limit {
		n, err := r.ReadAt(peek, off)
		if i := bytes.IndexByte(peek[:n], '\n'); i >= 0 {
			return off + int64(i) + 1, nil
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}
		if n == 0 || errors.Is(err, io.EOF) {
			break
		}
		off += int64(n)
	}
	return limit, nil
}
