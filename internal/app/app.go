// Package app assembles a lookup pipeline from configuration.
package app

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"github.com/sirupsen/logrus"

	"cep-etl/internal/config"
	"cep-etl/internal/dispatch"
	"cep-etl/internal/metrics"
	"cep-etl/internal/pipeline"
	"cep-etl/internal/provider"
	"cep-etl/internal/sink"
	"cep-etl/internal/source"
	"cep-etl/internal/store"
)

// Pipeline is one fully wired run: input, provider, sinks and runner.
type Pipeline struct {
	Source   *source.CSV
	Provider *provider.ViaCEP
	Store    store.Store
	Runner   *pipeline.Runner

	success *dispatch.Dispatcher
	failure *dispatch.Dispatcher
}

// Build opens every collaborator named by cfg. Any failure here is fatal for
// the run and everything opened so far is released.
func Build(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (p *Pipeline, err error) {
	var cleanup []func() error
	defer func() {
		if err != nil {
			for i := len(cleanup) - 1; i >= 0; i-- {
				_ = cleanup[i]()
			}
		}
	}()

	src, err := source.Open(cfg.Input.Path, source.Options{
		Column:    cfg.Input.Column,
		Delimiter: cfg.Delimiter(),
		Encoding:  cfg.Input.Encoding,
	})
	if err != nil {
		return nil, err
	}
	cleanup = append(cleanup, src.Close)

	prov, err := provider.NewViaCEP(provider.ViaCEPOptions{
		URLTemplate:       cfg.Lookup.URLTemplate,
		ConnectTimeout:    time.Duration(cfg.Lookup.ConnectTimeoutMS) * time.Millisecond,
		ReadTimeout:       time.Duration(cfg.Lookup.ReadTimeoutMS) * time.Millisecond,
		RequestsPerSecond: cfg.Lookup.RequestsPerSecond,
	})
	if err != nil {
		return nil, err
	}

	st, err := store.Open(ctx, cfg.Store.URI, cfg.Store.Database, cfg.Store.Collection)
	if err != nil {
		return nil, err
	}
	cleanup = append(cleanup, st.Close)

	retry := func(s sink.Sink) sink.Sink {
		return sink.NewRetrySink(s, cfg.Retry.Attempts, cfg.Retry.DelayMS)
	}

	successSinks := []sink.Sink{
		sink.NewJSONLinesSink(cfg.Output.JSONLPath),
		sink.NewXMLSink(cfg.Output.XMLPath, cfg.Output.XMLRoot, cfg.Output.XMLItem),
		retry(sink.NewDocumentSink(st)),
	}

	if cfg.Redis.Addr != "" {
		rdb := goredis.NewClient(&goredis.Options{Addr: cfg.Redis.Addr})
		cleanup = append(cleanup, rdb.Close)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return nil, eris.Wrapf(err, "redis: ping %s", cfg.Redis.Addr)
		}
		successSinks = append(successSinks, retry(sink.NewRedisSink(rdb, cfg.Redis.Prefix)))
	}

	if len(cfg.Kafka.Brokers) > 0 {
		w := sink.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic, time.Duration(cfg.Kafka.BatchTimeoutMS)*time.Millisecond)
		cleanup = append(cleanup, w.Close)
		successSinks = append(successSinks, retry(sink.NewKafkaSink(w)))
	}

	success := dispatch.New("success", successSinks, dispatch.WithMetrics(m))
	failure := dispatch.New("failure", []sink.Sink{sink.NewErrorCSVSink(cfg.Output.ErrorsPath)}, dispatch.WithMetrics(m))

	runner := pipeline.New(prov, success, failure, pipeline.Options{
		Workers:   cfg.Workers,
		BatchSize: cfg.BatchSize,
		LogEvery:  cfg.LogEvery,
		Metrics:   m,
	})

	logrus.WithFields(logrus.Fields{
		"input":   cfg.Input.Path,
		"column":  cfg.Input.Column,
		"success": success.Sinks(),
		"failure": failure.Sinks(),
	}).Info("pipeline ready")

	return &Pipeline{
		Source:   src,
		Provider: prov,
		Store:    st,
		Runner:   runner,
		success:  success,
		failure:  failure,
	}, nil
}

// Run feeds the input column to the runner. A read error that cut the input
// short is reported after the submitted codes have been processed.
func (p *Pipeline) Run(ctx context.Context) (pipeline.Summary, error) {
	sum, err := p.Runner.Run(ctx, p.Source.Codes(ctx))
	if srcErr := p.Source.Err(); srcErr != nil {
		err = errors.Join(err, srcErr)
	}
	return sum, err
}

// Stop ends submission; see pipeline.Runner.Stop.
func (p *Pipeline) Stop() { p.Runner.Stop() }

// Close releases the input and the store. Sinks are closed by Run.
func (p *Pipeline) Close() error {
	// A pipeline that never ran still owns its sinks.
	if p.Runner.State() == pipeline.StateIdle {
		_ = p.success.Close()
		_ = p.failure.Close()
	}
	p.Provider.CloseIdleConnections()
	return errors.Join(
		p.Source.Close(),
		p.Store.Close(),
	)
}
