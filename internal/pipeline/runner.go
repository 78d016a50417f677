// Package pipeline drives postal codes through normalization, lookup and
// dispatch on a bounded worker pool.
package pipeline

import (
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"github.com/sirupsen/logrus"

	"cep-etl/internal/dispatch"
	"cep-etl/internal/metrics"
	"cep-etl/internal/provider"
)

const (
	DefaultWorkers   = 15
	DefaultBatchSize = 50
	DefaultLogEvery  = 200
)

// ErrAlreadyStarted is returned when Run is called more than once.
var ErrAlreadyStarted = errors.New("runner already started")

// State is the lifecycle of a Runner: Idle -> Running -> Draining -> Done.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateDraining
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateDone:
		return "done"
	}
	return "unknown"
}

// Options tunes a Runner. Zero values take the package defaults.
type Options struct {
	Workers int
	// BatchSize is the depth of the queue between the input reader and the
	// workers.
	BatchSize int
	// LogEvery is the progress log cadence in completed lookups.
	LogEvery int
	Metrics  *metrics.Metrics
}

// Stats are live counters of a run.
type Stats struct {
	Processed int64 `json:"processed"`
	OK        int64 `json:"ok"`
	Errors    int64 `json:"errors"`
}

// Summary describes a finished run.
type Summary struct {
	Stats
	Submitted int64
	// Stopped is set when submission ended before the input was exhausted.
	Stopped bool
	Elapsed time.Duration
}

// Runner owns the worker pool of one pipeline run. A Runner runs once.
type Runner struct {
	provider provider.Provider
	success  *dispatch.Dispatcher
	failure  *dispatch.Dispatcher
	opts     Options
	metrics  *metrics.Metrics

	state     atomic.Int32
	stop      chan struct{}
	stopOnce  sync.Once
	processed atomic.Int64
	ok        atomic.Int64
	errors    atomic.Int64
}

// New wires a runner. The dispatchers are opened by Run and closed when it
// returns.
func New(p provider.Provider, success, failure *dispatch.Dispatcher, opts Options) *Runner {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.LogEvery <= 0 {
		opts.LogEvery = DefaultLogEvery
	}
	return &Runner{
		provider: p,
		success:  success,
		failure:  failure,
		opts:     opts,
		metrics:  opts.Metrics,
		stop:     make(chan struct{}),
	}
}

func (r *Runner) State() State {
	return State(r.state.Load())
}

func (r *Runner) Stats() Stats {
	return Stats{
		Processed: r.processed.Load(),
		OK:        r.ok.Load(),
		Errors:    r.errors.Load(),
	}
}

// Stop ends submission. Lookups already handed to a worker finish and are
// dispatched; Run then drains and returns. Safe to call at any time, more
// than once.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *Runner) stopped(ctx context.Context) bool {
	select {
	case <-r.stop:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// Run consumes codes until the sequence ends, Stop is called or ctx is
// cancelled, and blocks until every submitted code has been dispatched and
// the sinks are closed. Every submitted code produces exactly one outcome on
// one of the two dispatchers.
//
// Cancelling ctx only stops submission: lookups in flight run to completion
// on a detached context, bounded by the provider's own timeouts.
func (r *Runner) Run(ctx context.Context, codes iter.Seq[string]) (Summary, error) {
	if !r.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return Summary{}, ErrAlreadyStarted
	}
	started := time.Now()

	if err := r.open(ctx); err != nil {
		r.state.Store(int32(StateDone))
		return Summary{}, err
	}

	logrus.Infof("Starting pipeline | workers=%d batch=%d", r.opts.Workers, r.opts.BatchSize)

	jobs := make(chan string, r.opts.BatchSize)
	work := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for w := 0; w < r.opts.Workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for raw := range jobs {
				r.process(work, worker, raw)
			}
		}(w)
	}

	var submitted int64
	stopped := false
enqueue:
	for raw := range codes {
		if r.stopped(ctx) {
			stopped = true
			break
		}
		select {
		case jobs <- raw:
			submitted++
		case <-r.stop:
			stopped = true
			break enqueue
		case <-ctx.Done():
			stopped = true
			break enqueue
		}
	}
	close(jobs)
	wg.Wait()

	r.state.Store(int32(StateDraining))
	closeErr := r.close()
	r.state.Store(int32(StateDone))

	sum := Summary{Stats: r.Stats(), Submitted: submitted, Stopped: stopped, Elapsed: time.Since(started)}
	logrus.Infof("[DONE] processed=%d ok=%d errors=%d elapsed=%s", sum.Processed, sum.OK, sum.Errors, sum.Elapsed.Round(time.Millisecond))

	if closeErr != nil {
		return sum, closeErr
	}
	if ctx.Err() != nil {
		return sum, eris.Wrap(ctx.Err(), "pipeline: interrupted")
	}
	return sum, nil
}

func (r *Runner) process(ctx context.Context, worker int, raw string) {
	rec, ok := r.resolve(ctx, worker, raw)
	if ok {
		// Sink failures are logged and counted by the dispatcher.
		_ = r.success.Dispatch(ctx, rec)
		r.ok.Add(1)
	} else {
		_ = r.failure.Dispatch(ctx, rec)
		r.errors.Add(1)
	}

	if n := r.processed.Add(1); n%int64(r.opts.LogEvery) == 0 {
		logrus.Infof("[PROGRESS] processed=%d ok=%d errors=%d", n, r.ok.Load(), r.errors.Load())
	}
}

func (r *Runner) open(ctx context.Context) error {
	if err := r.success.Open(ctx); err != nil {
		r.close()
		return eris.Wrap(err, "pipeline: open success sinks")
	}
	if err := r.failure.Open(ctx); err != nil {
		r.close()
		return eris.Wrap(err, "pipeline: open failure sinks")
	}
	return nil
}

func (r *Runner) close() error {
	var errs []error
	for _, d := range []*dispatch.Dispatcher{r.success, r.failure} {
		if err := d.Close(); err != nil {
			logrus.WithField("dispatcher", d.Name()).Errorf("closing sinks: %v", err)
			errs = append(errs, err)
		}
	}
	return eris.Wrap(errors.Join(errs...), "pipeline: close sinks")
}
