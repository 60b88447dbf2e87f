package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/orizon-lang/memcx/internal/config"
	"github.com/orizon-lang/memcx/internal/logging"
	"github.com/orizon-lang/memcx/internal/metrics"
	"github.com/orizon-lang/memcx/internal/workload"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd(a *app) *cobra.Command {
	var (
		listen   string
		interval time.Duration
	)
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scenarios periodically and export metrics",
		Long: `Run every scenario on an interval and serve the resulting allocation,
region and fault metrics in the Prometheus text format on /metrics. A
config file given with --config is watched and log settings are applied
on change.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if listen == "" {
				listen = a.cfg.Metrics.Listen
			}
			if interval <= 0 {
				return errors.Errorf("interval must be positive, got %s", interval)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, a, listen, interval)
		},
	}
	serveCmd.Flags().StringVar(&listen, "listen", "", "metrics listen address (default metrics.listen)")
	serveCmd.Flags().DurationVar(&interval, "interval", 10*time.Second, "time between scenario runs")
	return serveCmd
}

func serve(ctx context.Context, a *app, listen string, interval time.Duration) error {
	log := logging.Component(a.logger, "serve")
	collector := metrics.New(a.cfg.Metrics.Namespace)
	runner := workload.NewRunner(a.cfg, a.logger, collector)

	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	srv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("listen", listen).Info("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "metrics server")
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		runLoop(ctx, runner, interval, log)
		return nil
	})
	if a.cfgFile != "" {
		g.Go(func() error {
			return config.Watch(ctx, a.cfgFile, log, func(c *config.Config) {
				logging.Apply(a.logger, c.Log)
			})
		})
	}

	err := g.Wait()
	log.Info("stopped")
	return err
}

func runLoop(ctx context.Context, runner *workload.Runner, interval time.Duration, log *logrus.Entry) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		results, err := runner.Run()
		if err != nil {
			log.WithError(err).Error("scenario run aborted")
		} else {
			failed := 0
			for _, res := range results {
				if !res.Passed {
					failed++
				}
			}
			log.WithFields(logrus.Fields{"scenarios": len(results), "failed": failed}).Debug("scenario round finished")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
