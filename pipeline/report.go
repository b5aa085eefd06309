package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// MemoryUsage is a point-in-time view of the process's memory, logged as a
// group of human-readable sizes.
type MemoryUsage struct {
	HeapAlloc uint64
	HeapSys   uint64
	PeakRSS   uint64
	NumGC     uint32
}

func ReadMemoryUsage() MemoryUsage {
	alloc, sys, numGC := heapSnapshot()
	return MemoryUsage{HeapAlloc: alloc, HeapSys: sys, PeakRSS: peakRSS(), NumGC: numGC}
}

func (m MemoryUsage) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("heap_alloc", humanBytes(m.HeapAlloc)),
		slog.String("heap_sys", humanBytes(m.HeapSys)),
		slog.String("peak_rss", humanBytes(m.PeakRSS)),
		slog.Uint64("gc", uint64(m.NumGC)),
	)
}

// watchMemory logs memory usage every interval at debug level until ctx is
// done or the returned stop is called.
func watchMemory(ctx context.Context, log *slog.Logger, every time.Duration) (stop func()) {
	if !log.Enabled(ctx, slog.LevelDebug) {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				log.Debug("mem", "usage", ReadMemoryUsage())
			}
		}
	}()
	return func() { close(done) }
}

func formatNumber(n int64) string {
	s := fmt.Sprintf("%d", n)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	if len(s) <= 3 {
		if neg {
			return "-" + s
		}
		return s
	}
	var out strings.Builder
	if neg {
		out.WriteByte('-')
	}
	rem := len(s) % 3
	if rem == 0 {
		rem = 3
	}
	out.WriteString(s[:rem])
	for i := rem; i < len(s); i += 3 {
		out.WriteByte(',')
		out.WriteString(s[i : i+3])
	}
	return out.String()
}

func humanBytes(b uint64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := uint64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}

func heapSnapshot() (alloc, sys uint64, numGC uint32) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.Alloc, m.Sys, m.NumGC
}

// peakRSS is the high-water resident set size; zero if unavailable.
func peakRSS() uint64 {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return 0
	}
	// kilobytes on Linux
	return uint64(ru.Maxrss) * 1024
}
