package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/klauspost/compress/zstd"

	"visit-counter/matrix"
)

// file writes each partial to its own temp file. The collector reads and
// removes each file once its unit reports it written.
type file struct {
	layout   Layout
	dir      string
	compress bool
	ready    chan int

	mu     sync.Mutex
	sent   sentSet
	paths  []string
	closed bool
	life   sync.RWMutex
}

func newFile(l Layout, opts Options) (*file, error) {
	return &file{
		layout:   l,
		dir:      opts.Dir,
		compress: opts.Compress,
		ready:    make(chan int, l.Units),
		sent:     make(sentSet, l.Units),
		paths:    make([]string, l.Units),
	}, nil
}

func (t *file) Send(unit int, m *matrix.Matrix) error {
	t.life.RLock()
	defer t.life.RUnlock()

	t.mu.Lock()
	err := t.sent.mark(unit)
	if err == nil && t.closed {
		err = &PartialError{Unit: unit, Err: ErrClosed}
	}
	t.mu.Unlock()
	if err != nil {
		return err
	}
	if m.URLs != t.layout.URLs || m.Dates != t.layout.Dates {
		return &PartialError{Unit: unit, Err: matrix.ErrShape}
	}

	f, err := os.CreateTemp(t.dir, fmt.Sprintf("visit-counter-%d-unit%d-*.bin", os.Getpid(), unit))
	if err != nil {
		return &PartialError{Unit: unit, Err: err}
	}
	t.mu.Lock()
	t.paths[unit] = f.Name()
	t.mu.Unlock()

	if err := t.write(f, matrix.Encode(m)); err != nil {
		f.Close()
		return &PartialError{Unit: unit, Err: fmt.Errorf("write %s: %w", f.Name(), err)}
	}
	if err := f.Close(); err != nil {
		return &PartialError{Unit: unit, Err: err}
	}
	t.ready <- unit
	return nil
}

func (t *file) write(f *os.File, b []byte) error {
	if !t.compress {
		_, err := f.Write(b)
		return err
	}
	w := bufio.NewWriterSize(f, 1<<20)
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedFastest), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return err
	}
	if _, err := enc.Write(b); err != nil {
		enc.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return w.Flush()
}

func (t *file) Receive(ctx context.Context) ([]*matrix.Matrix, error) {
	var dec *zstd.Decoder
	if t.compress {
		var err error
		dec, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		defer dec.Close()
	}
	return awaitReady(ctx, t.layout, t.ready, func(unit int) (*matrix.Matrix, error) {
		t.mu.Lock()
		path := t.paths[unit]
		t.mu.Unlock()

		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		var r io.Reader = f
		if dec != nil {
			if err := dec.Reset(f); err != nil {
				f.Close()
				return nil, err
			}
			r = dec
		}
		raw, err := io.ReadAll(r)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		m, err := matrix.Decode(raw, t.layout.URLs, t.layout.Dates)
		if err != nil {
			return nil, err
		}
		if err := os.Remove(path); err != nil {
			return nil, err
		}
		t.mu.Lock()
		t.paths[unit] = ""
		t.mu.Unlock()
		return m, nil
	})
}

// Close removes temp files that were written but never collected.
func (t *file) Close() error {
	t.life.Lock()
	defer t.life.Unlock()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	var first error
	for i, p := range t.paths {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) && first == nil {
			first = err
		}
		t.paths[i] = ""
	}
	return first
}
