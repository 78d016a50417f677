package sink

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// RetrySink decorates another Sink adding automatic retry capabilities.
// It attempts to write the record up to the configured number of attempts,
// waiting the specified delay between retries. It is meant for network-backed
// sinks (document store, Redis, Kafka) where failures are often transient.
//
// If attempts is < 1, it defaults to 1 (no retries).
// If delayMs is 0, it defaults to 1000ms.
//
// Records without a key are never retried: ErrNoKey will not go away.
type RetrySink struct {
	inner    Sink
	attempts int
	delay    time.Duration
}

// NewRetrySink builds a new Sink with retry behaviour around the provided
// inner sink. Open, Close and Name are forwarded to the inner sink. A nil
// inner sink gives a nil Sink.
func NewRetrySink(inner Sink, attempts int, delayMs int) Sink {
	if inner == nil {
		return nil
	}
	if attempts < 1 {
		attempts = 1
	}
	if delayMs == 0 {
		delayMs = 1000
	}
	return &RetrySink{
		inner:    inner,
		attempts: attempts,
		delay:    time.Duration(delayMs) * time.Millisecond,
	}
}

// Write forwards the call to the wrapped sink retrying on failure.
func (r *RetrySink) Write(ctx context.Context, rec *Record) error {
	var err error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		err = r.inner.Write(ctx, rec)
		if err == nil || errors.Is(err, ErrNoKey) {
			return err
		}

		logrus.WithField("sink", r.Name()).Warnf("sink write failed (attempt %d/%d): %v", attempt, r.attempts, err)

		if attempt < r.attempts {
			select {
			case <-ctx.Done():
				return err
			case <-time.After(r.delay):
			}
		}
	}
	return err
}

func (r *RetrySink) Name() string {
	if n, ok := r.inner.(Namer); ok {
		return n.Name()
	}
	return "retry"
}

func (r *RetrySink) Open(ctx context.Context) error {
	if o, ok := r.inner.(Opener); ok {
		return o.Open(ctx)
	}
	return nil
}

func (r *RetrySink) Close() error {
	if c, ok := r.inner.(Closer); ok {
		return c.Close()
	}
	return nil
}
