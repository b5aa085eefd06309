// Package pipeline runs one aggregation: token setup, calibration, partition
// assignment, parallel scanning and collection of the partial matrices.
//
// Units 0..n-2 are worker goroutines that send their partial through a
// transport. The calling goroutine is the coordinator: it calibrates with a
// handicap, splits the file, scans the last partition itself and merges
// everything into one matrix.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"visit-counter/config"
	"visit-counter/matrix"
	"visit-counter/partition"
	"visit-counter/scanner"
	"visit-counter/tokens"
	"visit-counter/transport"
)

const (
	StageCalibrate = "calibrate"
	StageScan      = "scan"
	StageSend      = "send"
	StageCollect   = "collect"
)

var ErrEmptyCatalog = errors.New("catalog is empty")

// UnitError attributes a failure to one unit and the partition it owned. The
// coordinator is unit Units-1.
type UnitError struct {
	Stage     string
	Unit      int
	Partition partition.Partition
	Err       error
}

func (e *UnitError) Error() string {
	return fmt.Sprintf("%s failed on unit %d %v: %v", e.Stage, e.Unit, e.Partition, e.Err)
}

func (e *UnitError) Unwrap() error { return e.Err }

type Pipeline struct {
	cfg config.Config
	log *slog.Logger
	// end of the date window; zero means today
	today time.Time
}

func New(cfg config.Config, log *slog.Logger) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{cfg: cfg, log: log}, nil
}

// Result is the merged matrix plus what it took to produce it.
type Result struct {
	Counts     *matrix.Matrix
	Scores     []int
	Partitions []partition.Partition
	Stats      []scanner.Stats
	Elapsed    time.Duration
}

// Rows sums the rows seen by every unit.
func (r *Result) Rows() (rows, skipped int64) {
	for _, st := range r.Stats {
		rows += st.Rows
		skipped += st.Skipped
	}
	return rows, skipped
}

// Setup builds the token tables for the file at path.
func (p *Pipeline) Setup(catalog []string, path string) (*tokens.Tables, error) {
	if len(catalog) == 0 {
		return nil, ErrEmptyCatalog
	}
	start := time.Now()
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	t, err := tokens.Setup(catalog, f, tokens.Options{
		DomainLength:  p.cfg.DomainLength,
		DateWidth:     p.cfg.DateWidth,
		Years:         p.cfg.DateRangeYears,
		BufferMonths:  p.cfg.DateRangeBufferM,
		PrescanBuffer: p.cfg.PrescanBuffer,
		OutputPrefix:  p.cfg.OutputPrefix,
		End:           p.today,
	})
	if err != nil {
		return nil, fmt.Errorf("token setup: %w", err)
	}
	p.log.Info("Setup complete",
		"catalog", len(catalog),
		"urls", t.URLs(),
		"dates", t.Dates(),
		"min_line", t.MinLineLength,
		"elapsed", time.Since(start),
	)
	return t, nil
}

// Load scans the file at path with cfg.Workers units and returns the merged
// counts. It must be called with tables built from the same file.
func (p *Pipeline) Load(ctx context.Context, path string, t *tokens.Tables) (*Result, error) {
	start := time.Now()
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}

	old := debug.SetGCPercent(200)
	defer debug.SetGCPercent(old)

	units := p.cfg.Workers
	senders := units - 1

	tr, err := transport.New(p.cfg.Transport,
		transport.Layout{Units: senders, URLs: t.URLs(), Dates: t.Dates()},
		transport.Options{Dir: p.cfg.TempDir, Compress: p.cfg.CompressFile, Log: p.log})
	if err != nil {
		return nil, err
	}
	defer tr.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopWatch := watchMemory(ctx, p.log, 2*time.Second)
	defer stopWatch()

	res := &Result{
		Scores: make([]int, units),
		Stats:  make([]scanner.Stats, units),
	}
	scores := make(chan unitScore, senders)
	assign := make([]chan partition.Partition, senders)
	for i := range assign {
		assign[i] = make(chan partition.Partition, 1)
	}

	g, gctx := errgroup.WithContext(ctx)
	for u := 0; u < senders; u++ {
		u := u
		g.Go(func() (err error) {
			stage, part := StageCalibrate, partition.Partition{}
			defer recoverUnit(u, &stage, &part, &err)
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()

			scores <- unitScore{unit: u, score: p.calibrate(t)}
			select {
			case part = <-assign[u]:
			case <-gctx.Done():
				return nil
			}

			stage = StageScan
			m, st, err := p.scanPartition(path, t, part)
			if err != nil {
				return &UnitError{Stage: stage, Unit: u, Partition: part, Err: err}
			}
			res.Stats[u] = st

			stage = StageSend
			if err := tr.Send(u, m); err != nil {
				return &UnitError{Stage: stage, Unit: u, Partition: part, Err: err}
			}
			return nil
		})
	}

	own, err := p.coordinate(gctx, f, fi.Size(), t, tr, scores, assign, res)
	if err != nil {
		cancel()
		werr := g.Wait()
		if werr != nil && errors.Is(err, context.Canceled) {
			return nil, werr
		}
		return nil, err
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for u, m := range own.partials {
		if err := own.counts.Merge(m); err != nil {
			return nil, &UnitError{Stage: StageCollect, Unit: u, Partition: res.Partitions[u], Err: err}
		}
	}
	res.Counts = own.counts
	res.Elapsed = time.Since(start)

	for u, st := range res.Stats {
		p.log.Debug("unit finished",
			"unit", u,
			"partition", res.Partitions[u],
			"rows", st.Rows,
			"skipped", st.Skipped,
			"bytes", st.Bytes,
			"windows", st.Windows,
		)
	}
	rows, skipped := res.Rows()
	p.log.Info("Load complete",
		"units", units,
		"transport", p.cfg.Transport,
		"rows", formatNumber(rows),
		"skipped", formatNumber(skipped),
		"counted", formatNumber(int64(res.Counts.Total())),
		"elapsed", res.Elapsed,
	)
	return res, nil
}

type unitScore struct {
	unit  int
	score int
}

type coordinated struct {
	counts   *matrix.Matrix
	partials []*matrix.Matrix
}

// coordinate runs on the calling goroutine. It gathers every score, assigns
// partitions, scans the last one and collects the workers' partials. On
// return every worker either has its partition or has seen gctx cancelled.
func (p *Pipeline) coordinate(
	gctx context.Context,
	f *os.File,
	size int64,
	t *tokens.Tables,
	tr transport.Transport,
	scores <-chan unitScore,
	assign []chan partition.Partition,
	res *Result,
) (out *coordinated, err error) {
	coord := len(res.Scores) - 1
	stage, part := StageCalibrate, partition.Partition{}
	defer recoverUnit(coord, &stage, &part, &err)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	calStart := time.Now()
	own := p.calibrate(t)
	if p.cfg.Calibrate {
		own = int(float64(own) * p.cfg.CoordinatorFactor)
	}
	res.Scores[coord] = own
	for got := 0; got < len(assign); got++ {
		select {
		case s := <-scores:
			res.Scores[s.unit] = s.score
		case <-gctx.Done():
			return nil, gctx.Err()
		}
	}
	p.log.Debug("calibrated", "scores", res.Scores, "elapsed", time.Since(calStart))

	parts, err := partition.Split(f, size, res.Scores)
	if err != nil {
		return nil, &UnitError{Stage: stage, Unit: coord, Err: fmt.Errorf("split: %w", err)}
	}
	res.Partitions = parts
	for u, ch := range assign {
		ch <- parts[u]
	}
	p.log.Debug("partitioned", "size", size, "partitions", parts)

	type received struct {
		partials []*matrix.Matrix
		err      error
	}
	recv := make(chan received, 1)
	go func() {
		m, err := tr.Receive(gctx)
		recv <- received{m, err}
	}()

	stage, part = StageScan, parts[coord]
	m, st, scanErr := p.scanPartition(f.Name(), t, part)
	res.Stats[coord] = st

	r := <-recv
	if r.err != nil {
		// release workers still blocked writing to the transport
		_ = tr.Close()
	}
	var pe *transport.PartialError
	switch {
	case scanErr != nil:
		return nil, &UnitError{Stage: stage, Unit: coord, Partition: part, Err: scanErr}
	case r.err == nil:
		return &coordinated{counts: m, partials: r.partials}, nil
	case errors.As(r.err, &pe):
		return nil, &UnitError{Stage: StageCollect, Unit: pe.Unit, Partition: parts[pe.Unit], Err: r.err}
	case gctx.Err() != nil:
		return nil, gctx.Err()
	default:
		return nil, &UnitError{Stage: StageCollect, Unit: coord, Partition: part, Err: r.err}
	}
}

func (p *Pipeline) calibrate(t *tokens.Tables) int {
	if !p.cfg.Calibrate {
		return 1
	}
	return scanner.Calibrate(t, p.cfg.CalibrationDur)
}

// scanPartition opens its own handle so units never share a file offset. A
// panic in the scan comes back as an error.
func (p *Pipeline) scanPartition(path string, t *tokens.Tables, part partition.Partition) (m *matrix.Matrix, st scanner.Stats, err error) {
	defer func() {
		if r := recover(); r != nil {
			m, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	f, err := os.Open(path)
	if err != nil {
		return nil, st, err
	}
	defer f.Close()
	return scanner.New(t, p.cfg.ReadWindow).Scan(f, part)
}

func recoverUnit(unit int, stage *string, part *partition.Partition, err *error) {
	if r := recover(); r != nil {
		*err = &UnitError{Stage: *stage, Unit: unit, Partition: *part, Err: fmt.Errorf("panic: %v", r)}
	}
}
