package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"cep-etl/internal/app"
	"cep-etl/internal/config"
	"cep-etl/internal/metrics"
	"cep-etl/internal/pipeline"
)

// errInterrupted makes the command exit non-zero when a signal stopped the
// run before the input was exhausted.
var errInterrupted = eris.New("run: interrupted before the input was exhausted")

var runFlags struct {
	input       string
	column      string
	workers     int
	metricsAddr string
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the lookup pipeline over the input file once",
	RunE: func(cmd *cobra.Command, args []string) error {
		applyRunFlags(cfg)

		reg := prometheus.NewRegistry()
		m := metrics.New(reg)

		p, err := app.Build(cmd.Context(), cfg, m)
		if err != nil {
			return err
		}
		defer func() {
			if err := p.Close(); err != nil {
				logrus.Warnf("closing pipeline: %v", err)
			}
		}()

		g, ctx := errgroup.WithContext(cmd.Context())
		done := make(chan struct{})
		var interrupted atomic.Bool

		// A signal stops submission; lookups in flight finish and the sinks
		// are closed before Run returns.
		g.Go(func() error {
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigCh)
			select {
			case <-sigCh:
				logrus.Info("interrupt received, finishing in-flight lookups…")
				interrupted.Store(true)
				p.Stop()
			case <-ctx.Done():
				p.Stop()
			case <-done:
			}
			return nil
		})

		if runFlags.metricsAddr != "" {
			srv := &http.Server{
				Addr:              runFlags.metricsAddr,
				Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
				ReadHeaderTimeout: 5 * time.Second,
			}
			g.Go(func() error {
				logrus.Infof("metrics on %s/metrics", runFlags.metricsAddr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return eris.Wrap(err, "metrics listen")
				}
				return nil
			})
			g.Go(func() error {
				select {
				case <-done:
				case <-ctx.Done():
				}
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
		}

		g.Go(func() error {
			defer close(done)
			sum, err := p.Run(context.WithoutCancel(ctx))
			return runResult(sum, err, interrupted.Load())
		})

		return g.Wait()
	},
}

// runResult maps the outcome of a run to the command's error.
func runResult(sum pipeline.Summary, err error, interrupted bool) error {
	if sum.Stopped {
		logrus.Warnf("stopped early after %d of the input codes", sum.Submitted)
	}
	if err != nil {
		return err
	}
	if interrupted && sum.Stopped {
		return errInterrupted
	}
	return nil
}

func applyRunFlags(c *config.Config) {
	if runFlags.input != "" {
		c.Input.Path = runFlags.input
	}
	if runFlags.column != "" {
		c.Input.Column = runFlags.column
	}
	if runFlags.workers > 0 {
		c.Workers = runFlags.workers
	}
}

func init() {
	runCmd.Flags().StringVar(&runFlags.input, "input", "", "input CSV path (default from config)")
	runCmd.Flags().StringVar(&runFlags.column, "column", "", "column holding the postal codes (default from config)")
	runCmd.Flags().IntVar(&runFlags.workers, "workers", 0, "concurrent lookups (default from config)")
	runCmd.Flags().StringVar(&runFlags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running, e.g. :9102")
	rootCmd.AddCommand(runCmd)
}
