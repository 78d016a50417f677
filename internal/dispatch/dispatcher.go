// Package dispatch broadcasts outcome records to a fixed, ordered set of
// sinks.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/sirupsen/logrus"

	"cep-etl/internal/metrics"
	"cep-etl/internal/sink"
)

// SinkError reports the failure of one sink during a broadcast.
type SinkError struct {
	Sink string
	Err  error
}

func (e *SinkError) Error() string { return e.Sink + ": " + e.Err.Error() }

func (e *SinkError) Unwrap() error { return e.Err }

// Dispatcher holds a sink list that is set at construction and never changes.
// It is safe for concurrent use as long as its sinks are.
type Dispatcher struct {
	name    string
	sinks   []sink.Sink
	names   []string
	metrics *metrics.Metrics
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithMetrics counts sink failures on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// New builds a dispatcher named name (used in logs and metric labels).
// Nil sinks are skipped so optional destinations can be passed unconditionally.
func New(name string, sinks []sink.Sink, opts ...Option) *Dispatcher {
	d := &Dispatcher{name: name}
	for _, s := range sinks {
		if s == nil {
			continue
		}
		d.sinks = append(d.sinks, s)
		d.names = append(d.names, sinkName(s))
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func sinkName(s sink.Sink) string {
	if n, ok := s.(sink.Namer); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", s)
}

func (d *Dispatcher) Name() string { return d.name }

// Sinks returns the names of the registered sinks in broadcast order.
func (d *Dispatcher) Sinks() []string {
	return append([]string(nil), d.names...)
}

// Dispatch writes rec to every sink in registration order. A failing or
// panicking sink is logged and counted, and the remaining sinks still
// receive the record. The returned error joins every *SinkError; callers
// are not expected to act on it beyond reporting.
func (d *Dispatcher) Dispatch(ctx context.Context, rec *sink.Record) error {
	var errs []error
	for i, s := range d.sinks {
		if err := d.write(ctx, s, rec); err != nil {
			d.metrics.SinkFailure(d.name, d.names[i])
			logrus.WithFields(logrus.Fields{
				"dispatcher": d.name,
				"sink":       d.names[i],
			}).Errorf("sink write failed: %v", err)
			errs = append(errs, &SinkError{Sink: d.names[i], Err: err})
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) write(ctx context.Context, s sink.Sink, rec *sink.Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("panic: %v", r)
		}
	}()
	return s.Write(ctx, rec)
}

// Open opens every sink that needs framing. It stops at the first failure.
func (d *Dispatcher) Open(ctx context.Context) error {
	for i, s := range d.sinks {
		o, ok := s.(sink.Opener)
		if !ok {
			continue
		}
		if err := o.Open(ctx); err != nil {
			return eris.Wrapf(err, "%s: open sink %s", d.name, d.names[i])
		}
	}
	return nil
}

// Close closes every sink, continuing past failures.
func (d *Dispatcher) Close() error {
	var errs []error
	for i, s := range d.sinks {
		c, ok := s.(sink.Closer)
		if !ok {
			continue
		}
		if err := c.Close(); err != nil {
			errs = append(errs, &SinkError{Sink: d.names[i], Err: err})
		}
	}
	return errors.Join(errs...)
}
