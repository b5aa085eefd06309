// Package matrix holds the dense url × date count grid and its wire form.
package matrix

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/zeebo/xxh3"
)

var (
	ErrTruncated = errors.New("partial matrix truncated")
	ErrChecksum  = errors.New("partial matrix checksum mismatch")
	ErrShape     = errors.New("matrix shape mismatch")
	ErrTrailing  = errors.New("trailing bytes after partial matrix")
)

const (
	headerSize  = 1
	trailerSize = 8
)

// Matrix is a flattened URLs × Dates grid, indexed url*Dates + date.
type Matrix struct {
	URLs   int
	Dates  int
	Counts []uint32
}

func New(urls, dates int) *Matrix {
	return &Matrix{URLs: urls, Dates: dates, Counts: make([]uint32, urls*dates)}
}

func (m *Matrix) At(url, date int) uint32 { return m.Counts[url*m.Dates+date] }

// Row returns the date counts of one URL.
func (m *Matrix) Row(url int) []uint32 {
	return m.Counts[url*m.Dates : (url+1)*m.Dates]
}

// Merge adds o element-wise into m.
func (m *Matrix) Merge(o *Matrix) error {
	if o.URLs != m.URLs || o.Dates != m.Dates {
		return fmt.Errorf("%w: %dx%d into %dx%d", ErrShape, o.URLs, o.Dates, m.URLs, m.Dates)
	}
	dst := m.Counts
	for i, v := range o.Counts {
		dst[i] += v
	}
	return nil
}

func (m *Matrix) Total() uint64 {
	var n uint64
	for _, v := range m.Counts {
		n += uint64(v)
	}
	return n
}

func (m *Matrix) maxCount() uint32 {
	var mx uint32
	for _, v := range m.Counts {
		if v > mx {
			mx = v
		}
	}
	return mx
}

// MaxEncodedSize is the largest Encode output for a urls × dates matrix.
func MaxEncodedSize(urls, dates int) int {
	return headerSize + urls*dates*4 + trailerSize
}

// Encode serializes m as a width byte (2 or 4), the little-endian counts at
// that width and an xxh3 checksum of everything before it. Counts are packed
// to 16 bits when they all fit.
func Encode(m *Matrix) []byte {
	return AppendEncode(nil, m)
}

func AppendEncode(dst []byte, m *Matrix) []byte {
	width := 4
	if m.maxCount() <= math.MaxUint16 {
		width = 2
	}
	start := len(dst)
	dst = append(dst, byte(width))
	if width == 2 {
		for _, v := range m.Counts {
			dst = binary.LittleEndian.AppendUint16(dst, uint16(v))
		}
	} else {
		for _, v := range m.Counts {
			dst = binary.LittleEndian.AppendUint32(dst, v)
		}
	}
	return binary.LittleEndian.AppendUint64(dst, xxh3.Hash(dst[start:]))
}

// Decode is the inverse of Encode for a matrix of the given shape.
func Decode(b []byte, urls, dates int) (*Matrix, error) {
	if len(b) < headerSize+trailerSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTruncated, len(b))
	}
	width := int(b[0])
	if width != 2 && width != 4 {
		return nil, fmt.Errorf("%w: bad width %d", ErrChecksum, width)
	}
	want := headerSize + urls*dates*width + trailerSize
	if len(b) < want {
		return nil, fmt.Errorf("%w: have %d bytes, want %d", ErrTruncated, len(b), want)
	}
	if len(b) > want {
		return nil, fmt.Errorf("%w: have %d bytes, want %d", ErrTrailing, len(b), want)
	}
	body := b[:want-trailerSize]
	if xxh3.Hash(body) != binary.LittleEndian.Uint64(b[want-trailerSize:]) {
		return nil, ErrChecksum
	}

	m := New(urls, dates)
	p := body[headerSize:]
	if width == 2 {
		for i := range m.Counts {
			m.Counts[i] = uint32(binary.LittleEndian.Uint16(p[i*2:]))
		}
	} else {
		for i := range m.Counts {
			m.Counts[i] = binary.LittleEndian.Uint32(p[i*4:])
		}
	}
	return m, nil
}
