// Package transport moves partial count matrices from scanning workers to the
// collector. The three implementations differ only in mechanism; each delivers
// exactly one matrix per sending unit, in whatever order units finish.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"visit-counter/matrix"
)

const (
	Shm    = "shm"
	Socket = "socket"
	File   = "file"
)

var (
	ErrUnit        = errors.New("unit out of range")
	ErrAlreadySent = errors.New("partial already sent")
	ErrClosed      = errors.New("transport closed")
)

// Layout is the shape shared by every partial: how many units send and the
// matrix dimensions.
type Layout struct {
	Units int
	URLs  int
	Dates int
}

type Transport interface {
	// Send delivers the partial of one unit. It is called at most once per
	// unit and may be called from any goroutine.
	Send(unit int, m *matrix.Matrix) error
	// Receive blocks until every unit's partial has arrived or ctx is done.
	// The result is indexed by unit.
	Receive(ctx context.Context) ([]*matrix.Matrix, error)
	// Close releases the transport. Sends still in flight fail instead of
	// blocking. It must not race with Receive.
	Close() error
}

type Options struct {
	// Dir holds shared-memory backing files and temp files. Empty picks
	// /dev/shm when writable, otherwise os.TempDir.
	Dir string
	// Compress zstd-compresses temp files.
	Compress bool
	Log      *slog.Logger
}

// PartialError attributes a failure to the unit whose partial could not be
// received.
type PartialError struct {
	Unit int
	Err  error
}

func (e *PartialError) Error() string { return fmt.Sprintf("unit %d: %v", e.Unit, e.Err) }
func (e *PartialError) Unwrap() error { return e.Err }

func New(kind string, l Layout, opts Options) (Transport, error) {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Dir == "" {
		opts.Dir = scratchDir()
	}
	switch kind {
	case Shm:
		return newShm(l, opts)
	case Socket:
		return newSocket(l, opts)
	case File:
		return newFile(l, opts)
	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}
}

// sentSet guards against a unit sending twice.
type sentSet []bool

func (s sentSet) mark(unit int) error {
	if unit < 0 || unit >= len(s) {
		return fmt.Errorf("%w: %d", ErrUnit, unit)
	}
	if s[unit] {
		return &PartialError{Unit: unit, Err: ErrAlreadySent}
	}
	s[unit] = true
	return nil
}

// awaitReady collects one partial per unit as units signal on ready.
func awaitReady(ctx context.Context, l Layout, ready <-chan int, read func(unit int) (*matrix.Matrix, error)) ([]*matrix.Matrix, error) {
	out := make([]*matrix.Matrix, l.Units)
	for got := 0; got < l.Units; got++ {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%d of %d partials missing: %w", l.Units-got, l.Units, ctx.Err())
		case u := <-ready:
			m, err := read(u)
			if err != nil {
				return nil, &PartialError{Unit: u, Err: err}
			}
			out[u] = m
		}
	}
	return out, nil
}
