package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"visit-counter/matrix"
)

const slotAlign = 128

// shm hands out one fixed-size slot per unit in a MAP_SHARED mapping. A slot
// holds a 4-byte length followed by the encoded matrix.
type shm struct {
	layout Layout
	file   *os.File
	data   []byte
	slot   int
	ready  chan int

	mu   sync.Mutex
	sent sentSet

	life   sync.RWMutex
	closed bool
}

func newShm(l Layout, opts Options) (*shm, error) {
	slot := align(4+matrix.MaxEncodedSize(l.URLs, l.Dates), slotAlign)
	s := &shm{
		layout: l,
		slot:   slot,
		ready:  make(chan int, l.Units),
		sent:   make(sentSet, l.Units),
	}
	size := slot * l.Units
	if size == 0 {
		return s, nil
	}

	f, err := os.CreateTemp(opts.Dir, "visit-counter-*.shm")
	if err != nil {
		return nil, fmt.Errorf("shm segment: %w", err)
	}
	// unlinked; the mapping keeps it alive
	_ = os.Remove(f.Name())

	if err := unix.Fallocate(int(f.Fd()), 0, 0, int64(size)); err != nil {
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, fmt.Errorf("size shm segment: %w", err)
		}
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap shm segment: %w", err)
	}
	_ = unix.Madvise(data, unix.MADV_SEQUENTIAL)

	s.file = f
	s.data = data
	opts.Log.Debug("shm segment mapped", "units", l.Units, "slot", slot, "size", size)
	return s, nil
}

func (s *shm) Send(unit int, m *matrix.Matrix) error {
	s.life.RLock()
	defer s.life.RUnlock()
	if s.closed {
		return &PartialError{Unit: unit, Err: ErrClosed}
	}

	s.mu.Lock()
	err := s.sent.mark(unit)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if m.URLs != s.layout.URLs || m.Dates != s.layout.Dates {
		return &PartialError{Unit: unit, Err: matrix.ErrShape}
	}

	slot := s.data[unit*s.slot : (unit+1)*s.slot]
	enc := matrix.AppendEncode(slot[4:4], m)
	if len(enc) > len(slot)-4 || &enc[0] != &slot[4] {
		return &PartialError{Unit: unit, Err: fmt.Errorf("encoded partial overflows %d byte slot", s.slot)}
	}
	binary.LittleEndian.PutUint32(slot[:4], uint32(len(enc)))
	s.ready <- unit
	return nil
}

func (s *shm) Receive(ctx context.Context) ([]*matrix.Matrix, error) {
	return awaitReady(ctx, s.layout, s.ready, func(unit int) (*matrix.Matrix, error) {
		slot := s.data[unit*s.slot : (unit+1)*s.slot]
		n := int(binary.LittleEndian.Uint32(slot[:4]))
		if n > len(slot)-4 {
			return nil, fmt.Errorf("%w: slot length %d", matrix.ErrTruncated, n)
		}
		return matrix.Decode(slot[4:4+n], s.layout.URLs, s.layout.Dates)
	})
}

func (s *shm) Close() error {
	s.life.Lock()
	defer s.life.Unlock()
	s.closed = true
	var err error
	if s.data != nil {
		err = unix.Munmap(s.data)
		s.data = nil
	}
	if s.file != nil {
		if cerr := s.file.Close(); err == nil {
			err = cerr
		}
		s.file = nil
	}
	return err
}

func align(n, to int) int {
	return (n + to - 1) / to * to
}

func scratchDir() string {
	if unix.Access("/dev/shm", unix.W_OK) == nil {
		return "/dev/shm"
	}
	return os.TempDir()
}
