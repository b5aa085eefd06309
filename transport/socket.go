package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"visit-counter/matrix"
)

const pollTimeout = 50 // ms

// socket connects each unit to the collector with its own AF_UNIX stream
// pair. A unit writes its encoded partial and closes its end; the collector
// reads all pairs non-blocking and decodes each one at end of stream.
type socket struct {
	layout  Layout
	readers []int

	mu      sync.Mutex
	writers []int
	sent    sentSet
}

func newSocket(l Layout, opts Options) (*socket, error) {
	s := &socket{
		layout:  l,
		readers: make([]int, l.Units),
		writers: make([]int, l.Units),
		sent:    make(sentSet, l.Units),
	}
	for i := range s.readers {
		s.readers[i], s.writers[i] = -1, -1
	}
	for i := 0; i < l.Units; i++ {
		fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("socketpair for unit %d: %w", i, err)
		}
		unix.CloseOnExec(fds[0])
		unix.CloseOnExec(fds[1])
		if err := unix.SetNonblock(fds[0], true); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			s.Close()
			return nil, err
		}
		s.readers[i], s.writers[i] = fds[0], fds[1]
	}
	opts.Log.Debug("socket pairs opened", "units", l.Units)
	return s, nil
}

func (s *socket) Send(unit int, m *matrix.Matrix) error {
	s.mu.Lock()
	err := s.sent.mark(unit)
	var fd int
	if err == nil {
		// from here on the fd belongs to this call
		fd = s.writers[unit]
		s.writers[unit] = -1
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	defer unix.Close(fd)

	if m.URLs != s.layout.URLs || m.Dates != s.layout.Dates {
		return &PartialError{Unit: unit, Err: matrix.ErrShape}
	}
	b := matrix.Encode(m)
	for len(b) > 0 {
		n, err := unix.Write(fd, b)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return &PartialError{Unit: unit, Err: fmt.Errorf("write: %w", err)}
		}
		b = b[n:]
	}
	return nil
}

func (s *socket) Receive(ctx context.Context) ([]*matrix.Matrix, error) {
	out := make([]*matrix.Matrix, s.layout.Units)
	bufs := make([][]byte, s.layout.Units)
	chunk := make([]byte, 256<<10)

	pending := make([]int, 0, s.layout.Units)
	for u := 0; u < s.layout.Units; u++ {
		pending = append(pending, u)
	}
	pfds := make([]unix.PollFd, 0, len(pending))

	for len(pending) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%d of %d partials missing: %w", len(pending), s.layout.Units, err)
		}
		pfds = pfds[:0]
		for _, u := range pending {
			pfds = append(pfds, unix.PollFd{Fd: int32(s.readers[u]), Events: unix.POLLIN})
		}
		n, err := unix.Poll(pfds, pollTimeout)
		if errors.Is(err, unix.EINTR) || n == 0 {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("poll: %w", err)
		}

		still := pending[:0]
		for i, u := range pending {
			if pfds[i].Revents == 0 {
				still = append(still, u)
				continue
			}
			eof, err := drain(s.readers[u], &bufs[u], chunk)
			if err != nil {
				return nil, &PartialError{Unit: u, Err: err}
			}
			if !eof {
				still = append(still, u)
				continue
			}
			m, err := matrix.Decode(bufs[u], s.layout.URLs, s.layout.Dates)
			if err != nil {
				return nil, &PartialError{Unit: u, Err: err}
			}
			out[u] = m
			bufs[u] = nil
			unix.Close(s.readers[u])
			s.readers[u] = -1
		}
		pending = still
	}
	return out, nil
}

// drain reads everything currently available on fd into buf. It reports
// whether the peer has closed its end.
func drain(fd int, buf *[]byte, chunk []byte) (bool, error) {
	for {
		n, err := unix.Read(fd, chunk)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return false, nil
		case err != nil:
			return false, fmt.Errorf("read: %w", err)
		case n == 0:
			return true, nil
		}
		*buf = append(*buf, chunk[:n]...)
	}
}

func (s *socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, fd := range s.readers {
		if fd >= 0 {
			unix.Close(fd)
			s.readers[i] = -1
		}
	}
	for i, fd := range s.writers {
		if fd >= 0 {
			unix.Close(fd)
			s.writers[i] = -1
		}
	}
	return nil
}
