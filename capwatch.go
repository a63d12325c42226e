// Package capwatch wires the capture watcher, the analysis pipeline and the
// query API into one embeddable application.
package capwatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/capwatch/internal/config"
	"github.com/loykin/capwatch/internal/cron"
	"github.com/loykin/capwatch/internal/history"
	"github.com/loykin/capwatch/internal/history/factory"
	"github.com/loykin/capwatch/internal/ingest"
	"github.com/loykin/capwatch/internal/ledger"
	"github.com/loykin/capwatch/internal/metrics"
	"github.com/loykin/capwatch/internal/record"
	"github.com/loykin/capwatch/internal/runner"
	"github.com/loykin/capwatch/internal/server"
	"github.com/loykin/capwatch/internal/store"
)

// Re-export core types for external consumers.

type Config = config.Config

type Record = record.Record

type HistoryEvent = history.Event

type HistorySink = history.Sink

type Stats = ingest.Stats

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// App owns every long-lived component built from a Config.
type App struct {
	cfg      *Config
	store    *store.FileStore
	ledger   *ledger.Ledger
	analyzer *runner.Command
	history  *history.Fanout
	ctrl     *ingest.Controller
	router   *server.Router
	sched    *cron.Scheduler

	closeOnce sync.Once
}

// NewApp opens the result store, the ledger and the history sinks and builds
// the ingestion controller. Extra sinks are added after the configured ones.
func NewApp(ctx context.Context, cfg *Config, extra ...HistorySink) (*App, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	fs, err := store.NewFileStore(cfg.OutputDir)
	if err != nil {
		return nil, err
	}
	led, err := ledger.Open(cfg.LedgerPath)
	if err != nil {
		return nil, err
	}
	analyzer, err := runner.NewCommand(cfg.Analyzer.Config)
	if err != nil {
		return nil, err
	}
	fan, err := factory.Open(ctx, cfg.HistoryDSNs())
	if err != nil {
		_ = analyzer.Close()
		return nil, err
	}
	for i, s := range extra {
		fan.Add(fmt.Sprintf("extra-%d", i), s)
	}
	ctrl, err := ingest.New(cfg.IngestOptions(), analyzer, fs, led, fan)
	if err != nil {
		_ = analyzer.Close()
		_ = fan.Close()
		return nil, err
	}

	a := &App{
		cfg:      cfg,
		store:    fs,
		ledger:   led,
		analyzer: analyzer,
		history:  fan,
		ctrl:     ctrl,
		router:   server.NewRouter(fs, cfg.CaptureDir, cfg.Server.BasePath).WithCORS(cfg.Server.CORSOrigins),
	}
	if cfg.Rescan != "" {
		a.sched = cron.NewScheduler()
		job := &cron.Job{Name: "rescan", Schedule: cfg.Rescan, Run: a.rescan}
		if err := a.sched.Add(job); err != nil {
			_ = a.Close()
			return nil, err
		}
	}
	return a, nil
}

func (a *App) Controller() *ingest.Controller { return a.ctrl }

func (a *App) Store() *store.FileStore { return a.store }

func (a *App) Stats() Stats { return a.ctrl.Stats() }

// Handler returns the query API handler.
func (a *App) Handler() http.Handler { return a.router.Handler() }

func (a *App) rescan(ctx context.Context) {
	n, err := a.ctrl.Scan(ctx)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("Rescan failed", "error", err)
		}
		return
	}
	if n > 0 {
		slog.Info("Rescan dispatched captures", "count", n)
	}
}

// Watch runs the ingestion pipeline, and the rescan schedule if configured,
// until ctx ends.
func (a *App) Watch(ctx context.Context) error {
	slog.Info("Starting capture watcher",
		"watch_dir", a.cfg.WatchDir,
		"output_dir", a.cfg.OutputDir,
		"ledger", a.ledger.Path(),
		"processed", a.ctrl.Stats().Processed,
		"analyzer_timeout", a.analyzer.Timeout(),
	)
	if a.sched != nil {
		if err := a.sched.Start(ctx); err != nil {
			return err
		}
		defer a.sched.Stop()
	}
	return a.ctrl.Run(ctx)
}

// Serve runs the query API until ctx ends.
func (a *App) Serve(ctx context.Context) error {
	srv := server.NewServer(a.cfg.Server, a.Handler())
	return server.Serve(ctx, srv, a.cfg.Server.TLS)
}

// ScanOnce analyzes every unprocessed capture currently in the watch
// directory and returns once they have all concluded.
func (a *App) ScanOnce(ctx context.Context) (int, error) {
	defer a.ctrl.Stop()
	return a.ctrl.Scan(ctx)
}

// Run serves the API and watches the directory. The first component to fail
// stops the other.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- a.Watch(ctx) }()
	go func() { errCh <- a.Serve(ctx) }()

	var errs []error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			errs = append(errs, err)
		}
		cancel()
	}
	return errors.Join(errs...)
}

// Close releases the analyzer logs and the history sinks.
func (a *App) Close() error {
	var err error
	a.closeOnce.Do(func() {
		err = errors.Join(a.analyzer.Close(), a.history.Close())
	})
	return err
}

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }

func RegisterMetricsDefault() error { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics serves /metrics on addr until ctx ends.
func ServeMetrics(ctx context.Context, addr string) error {
	if err := RegisterMetricsDefault(); err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := server.NewServer(server.Config{Listen: addr}, mux)
	return server.Serve(ctx, srv, server.TLSConfig{})
}
