package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/loykin/capwatch"
	"github.com/loykin/capwatch/internal/logger"
	"github.com/loykin/capwatch/internal/record"
	"github.com/loykin/capwatch/internal/store"
	"github.com/loykin/capwatch/pkg/client"
)

type daemonMode int

const (
	modeRun daemonMode = iota
	modeWatch
	modeServe
)

func (m daemonMode) String() string {
	switch m {
	case modeWatch:
		return "watch"
	case modeServe:
		return "serve"
	default:
		return "run"
	}
}

// command carries what every subcommand needs; flags are read at run time.
type command struct {
	global *GlobalFlags
	out    io.Writer
}

func (c command) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(c.out, format, args...)
}

// setup loads the configuration and installs the daemon logger.
func (c command) setup() (*capwatch.Config, io.Closer, error) {
	cfg, err := capwatch.LoadConfig(c.global.ConfigPath)
	if err != nil {
		return nil, nil, fmt.Errorf("error loading config: %w", err)
	}
	closer, err := logger.Setup(cfg.Log)
	if err != nil {
		return nil, nil, fmt.Errorf("setup logging: %w", err)
	}
	return cfg, closer, nil
}

// Daemon runs the long-lived part selected by mode until ctx ends.
func (c command) Daemon(ctx context.Context, mode daemonMode) error {
	cfg, logCloser, err := c.setup()
	if err != nil {
		return err
	}
	defer func() { _ = logCloser.Close() }()

	app, err := capwatch.NewApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			slog.Warn("Closing application", "error", err)
		}
	}()

	if cfg.Metrics.Enabled {
		go func() {
			slog.Info("Metrics endpoint enabled", "listen", cfg.Metrics.Listen)
			if err := capwatch.ServeMetrics(ctx, cfg.Metrics.Listen); err != nil {
				slog.Error("Metrics server failed", "error", err)
			}
		}()
	}

	slog.Info("capwatch starting", "version", version, "mode", mode.String(), "config", c.global.ConfigPath)
	switch mode {
	case modeWatch:
		err = app.Watch(ctx)
	case modeServe:
		err = app.Serve(ctx)
	default:
		err = app.Run(ctx)
	}
	if err != nil {
		return err
	}
	slog.Info("capwatch stopped")
	return nil
}

// Scan performs one pass over the watch directory and waits for it.
func (c command) Scan(ctx context.Context) error {
	cfg, logCloser, err := c.setup()
	if err != nil {
		return err
	}
	defer func() { _ = logCloser.Close() }()

	app, err := capwatch.NewApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	n, err := app.ScanOnce(ctx)
	if err != nil {
		return err
	}
	st := app.Stats()
	c.printf("Dispatched %d capture(s): %d completed, %d recovered, %d failed\n", n, st.Completed, st.Recovered, st.Failed)
	return nil
}

// localStore opens the configured result store for read-only queries.
func (c command) localStore() (*store.FileStore, error) {
	cfg, err := capwatch.LoadConfig(c.global.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	if _, err := os.Stat(cfg.OutputDir); err != nil {
		return nil, fmt.Errorf("output directory %s: %w", cfg.OutputDir, err)
	}
	return store.NewFileStore(cfg.OutputDir)
}

func (f QueryFlags) client() *client.Client {
	return client.New(client.Config{BaseURL: f.APIUrl, Timeout: f.APITimeout})
}

// List prints all analyses, newest first.
func (c command) List(ctx context.Context, f QueryFlags) error {
	var (
		list []record.Summary
		err  error
	)
	if f.APIUrl != "" {
		list, err = f.client().ListAnalyses(ctx)
	} else {
		var fs *store.FileStore
		if fs, err = c.localStore(); err == nil {
			list, err = fs.List(ctx)
		}
	}
	if err != nil {
		return err
	}
	if list == nil {
		list = []record.Summary{}
	}
	if f.JSON {
		return c.writeJSON(list)
	}
	if len(list) == 0 {
		c.printf("No analyses found\n")
		return nil
	}
	tw := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tDATE\tSTATUS\tEXIT")
	for _, s := range list {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.ID, s.Date, s.Status, exitCode(s.ExitCode))
	}
	return tw.Flush()
}

// Show prints one analysis with the analyzer output.
func (c command) Show(ctx context.Context, f QueryFlags, id string) error {
	var d record.Detail
	if f.APIUrl != "" {
		got, err := f.client().GetAnalysis(ctx, id)
		if err != nil {
			if errors.Is(err, client.ErrNotFound) {
				return fmt.Errorf("analysis %s not found", id)
			}
			return err
		}
		d = *got
	} else {
		fs, err := c.localStore()
		if err != nil {
			return err
		}
		rec, err := fs.Get(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("analysis %s not found", id)
			}
			return err
		}
		d = rec.Detail(id)
	}
	if f.JSON {
		return c.writeJSON(d)
	}
	c.printf("ID:        %s\n", d.ID)
	c.printf("File:      %s\n", d.Filename)
	c.printf("Date:      %s\n", record.HumanDate(d.Timestamp))
	c.printf("Status:    %s\n", d.Status)
	c.printf("Exit code: %s\n", exitCode(d.ExitCode))
	if d.DurationMS > 0 {
		c.printf("Duration:  %dms\n", d.DurationMS)
	}
	if d.Error != nil {
		c.printf("Error:     %s\n", *d.Error)
	}
	if d.RawOutput != "" {
		c.printf("\n--- output ---\n%s", ensureNewline(d.RawOutput))
	}
	if d.Stderr != "" {
		c.printf("\n--- stderr ---\n%s", ensureNewline(d.Stderr))
	}
	return nil
}

// Download fetches a capture from a running daemon into output.
func (c command) Download(ctx context.Context, f QueryFlags, name, output string) error {
	if output == "" {
		output = filepath.Base(name)
	}
	tmp := output + ".part"
	// #nosec G304
	fh, err := os.Create(tmp)
	if err != nil {
		return err
	}
	n, err := f.client().Download(ctx, name, fh)
	if cerr := fh.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		if errors.Is(err, client.ErrNotFound) {
			return fmt.Errorf("capture %s not found", name)
		}
		return err
	}
	if err := os.Rename(tmp, output); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	c.printf("Saved %s (%d bytes)\n", output, n)
	return nil
}

func (c command) writeJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func exitCode(code int) string {
	if code == record.NoExitCode {
		return "-"
	}
	return fmt.Sprint(code)
}

func ensureNewline(s string) string {
	if strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}
