// Package ingest turns capture files appearing in the watch directory into
// analysis records, processing every filename at most once across
// concurrent events, rescans and restarts.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/capwatch/internal/history"
	"github.com/loykin/capwatch/internal/metrics"
	"github.com/loykin/capwatch/internal/record"
	"github.com/loykin/capwatch/internal/runner"
)

const (
	DefaultGracePeriod = 2 * time.Second
	DefaultWorkers     = 2
	DefaultQueueSize   = 64
	DefaultSettleMax   = 30 * time.Second
)

// DefaultExtensions are matched case-insensitively.
var DefaultExtensions = []string{".pcap", ".pcapng"}

// RecordStore is the subset of the result store the controller writes to.
type RecordStore interface {
	Put(ctx context.Context, id string, rec record.Record) error
	Exists(ctx context.Context, id string) (bool, error)
}

// Ledger is the durable processed-set log.
type Ledger interface {
	Append(name string) error
	Load() (map[string]struct{}, error)
}

// SettleConfig enables an optional wait for a file's size to stop changing
// before analysis. Interval 0 disables it.
type SettleConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Max      time.Duration `mapstructure:"max"`
}

type Options struct {
	WatchDir    string
	Extensions  []string
	GracePeriod time.Duration
	Settle      SettleConfig
	Workers     int
	QueueSize   int
}

// Result tells what Process did with a file.
type Result int

const (
	// ResultSkipped: not a capture, already processed, or in flight elsewhere.
	ResultSkipped Result = iota
	// ResultRecovered: a record already existed; only the processed state was repaired.
	ResultRecovered
	// ResultCompleted: the analyzer ran and its record was written.
	ResultCompleted
	// ResultFailed: nothing was recorded and the file stays unmarked.
	ResultFailed
)

func (r Result) String() string {
	switch r {
	case ResultSkipped:
		return "skipped"
	case ResultRecovered:
		return "recovered"
	case ResultCompleted:
		return "completed"
	default:
		return "failed"
	}
}

// Stats is a point-in-time view of the controller.
type Stats struct {
	Processed int
	InFlight  int
	Pending   int
	Queued    int
	Completed uint64
	Recovered uint64
	Failed    uint64
	Skipped   uint64
}

// Controller owns the dedup set and drives analyses.
type Controller struct {
	opts     Options
	exts     map[string]struct{}
	analyzer runner.Analyzer
	store    RecordStore
	ledger   Ledger
	sink     history.Sink

	mu       sync.Mutex
	done     map[string]struct{}
	inflight map[string]struct{}
	pending  map[string]*pendingCapture
	rejected map[string]struct{}
	stopping bool
	quit     chan struct{}

	queue       chan job
	startOnce   sync.Once
	stopWorkers context.CancelFunc
	workers     sync.WaitGroup
	timers      sync.WaitGroup

	completed atomic.Uint64
	recovered atomic.Uint64
	failed    atomic.Uint64
	skipped   atomic.Uint64
}

// New builds a controller and loads the processed set from the ledger.
// sink may be nil.
func New(opts Options, analyzer runner.Analyzer, store RecordStore, ledger Ledger, sink history.Sink) (*Controller, error) {
	if strings.TrimSpace(opts.WatchDir) == "" {
		return nil, errors.New("watch dir is required")
	}
	if analyzer == nil || store == nil || ledger == nil {
		return nil, errors.New("analyzer, store and ledger are required")
	}
	if len(opts.Extensions) == 0 {
		opts.Extensions = DefaultExtensions
	}
	if opts.GracePeriod < 0 {
		opts.GracePeriod = 0
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Settle.Interval > 0 && opts.Settle.Max <= 0 {
		opts.Settle.Max = DefaultSettleMax
	}

	done, err := ledger.Load()
	if err != nil {
		return nil, fmt.Errorf("load processed ledger: %w", err)
	}
	c := &Controller{
		opts:     opts,
		exts:     make(map[string]struct{}, len(opts.Extensions)),
		analyzer: analyzer,
		store:    store,
		ledger:   ledger,
		sink:     sink,
		done:     done,
		inflight: make(map[string]struct{}),
		pending:  make(map[string]*pendingCapture),
		rejected: make(map[string]struct{}),
		quit:     make(chan struct{}),
		queue:    make(chan job, opts.QueueSize),
	}
	for _, e := range opts.Extensions {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" && !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		c.exts[e] = struct{}{}
	}
	metrics.SetProcessedFiles(len(done))
	slog.Info("Loaded processed captures", "count", len(done))
	return c, nil
}

// Matches reports whether name carries one of the capture extensions.
func (c *Controller) Matches(name string) bool {
	_, ok := c.exts[strings.ToLower(filepath.Ext(name))]
	return ok
}

// Processed reports whether name is in the dedup set.
func (c *Controller) Processed(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.done[name]
	return ok
}

func (c *Controller) Stats() Stats {
	c.mu.Lock()
	s := Stats{Processed: len(c.done), InFlight: len(c.inflight), Pending: len(c.pending)}
	c.mu.Unlock()
	s.Queued = len(c.queue)
	s.Completed = c.completed.Load()
	s.Recovered = c.recovered.Load()
	s.Failed = c.failed.Load()
	s.Skipped = c.skipped.Load()
	return s
}

// busyLocked reports why name needs no new dispatch. Caller holds c.mu.
func (c *Controller) busyLocked(name string) (string, bool) {
	if _, ok := c.done[name]; ok {
		return "processed", true
	}
	if _, ok := c.inflight[name]; ok {
		return "in_flight", true
	}
	if _, ok := c.pending[name]; ok {
		return "pending", true
	}
	return "", false
}

// claim reserves name for this caller. It fails when the name is already
// processed or being processed.
func (c *Controller) claim(name string) (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.done[name]; ok {
		return false, "processed"
	}
	if _, ok := c.inflight[name]; ok {
		return false, "in_flight"
	}
	c.inflight[name] = struct{}{}
	return true, ""
}

// admissible reports whether name can serve as an analysis id. Unusable
// names are never analyzed; each is logged once.
func (c *Controller) admissible(name string) bool {
	if record.ValidID(record.IDFor(name)) {
		return true
	}
	c.mu.Lock()
	_, seen := c.rejected[name]
	c.rejected[name] = struct{}{}
	c.mu.Unlock()
	if !seen {
		slog.Warn("Ignoring capture with unusable file name", "file", name)
	}
	c.skipped.Add(1)
	metrics.IncSkipped("invalid_name")
	return false
}

func (c *Controller) release(name string) {
	c.mu.Lock()
	delete(c.inflight, name)
	c.mu.Unlock()
}

// markDone adds name to the dedup set, then to the ledger. A ledger failure
// keeps the in-memory mark; the record on disk lets the next start repair it.
func (c *Controller) markDone(name string) {
	c.mu.Lock()
	c.done[name] = struct{}{}
	n := len(c.done)
	c.mu.Unlock()
	metrics.SetProcessedFiles(n)

	if err := c.ledger.Append(name); err != nil {
		metrics.IncFailure("ledger")
		slog.Error("Failed to append to processed ledger", "file", name, "error", err)
	}
}

func (c *Controller) skip(name, reason string) (Result, error) {
	c.skipped.Add(1)
	metrics.IncSkipped(reason)
	slog.Debug("Skipping capture", "file", name, "reason", reason)
	return ResultSkipped, nil
}

func (c *Controller) fail(ctx context.Context, name, phase string, err error) (Result, error) {
	c.failed.Add(1)
	if errors.Is(err, runner.ErrCanceled) || errors.Is(err, context.Canceled) {
		slog.Info("Analysis abandoned at shutdown", "file", name)
		return ResultFailed, err
	}
	metrics.IncFailure(phase)
	slog.Error("Error processing capture", "file", name, "phase", phase, "error", err)
	c.emit(ctx, history.Abandoned(record.IDFor(name), name, err))
	return ResultFailed, err
}

func (c *Controller) emit(ctx context.Context, e history.Event) {
	if c.sink == nil {
		return
	}
	// the event describes work already done; deliver it even during shutdown
	if err := c.sink.Send(context.WithoutCancel(ctx), e); err != nil {
		slog.Debug("History delivery incomplete", "analysis", e.AnalysisID, "error", err)
	}
}

// Process analyzes the capture at path unless its filename was already
// processed or is being processed concurrently. A nil error with
// ResultCompleted means a record was written and the file marked.
func (c *Controller) Process(ctx context.Context, path string) (Result, error) {
	name := filepath.Base(path)
	if !c.Matches(name) || !c.admissible(name) {
		return ResultSkipped, nil
	}
	ok, reason := c.claim(name)
	if !ok {
		return c.skip(name, reason)
	}
	defer c.release(name)

	id := record.IDFor(name)
	exists, err := c.store.Exists(ctx, id)
	if err != nil {
		return c.fail(ctx, name, "store", err)
	}
	if exists {
		slog.Info("Record already present, repairing processed state", "file", name)
		c.markDone(name)
		c.recovered.Add(1)
		metrics.IncSkipped("recovered")
		return ResultRecovered, nil
	}

	if err := c.waitSettled(ctx, path); err != nil {
		return c.fail(ctx, name, "settle", err)
	}

	slog.Info("Processing capture file", "file", name)
	out, err := c.analyzer.Analyze(ctx, path)
	if err != nil {
		return c.fail(ctx, name, "analyzer", err)
	}

	rec := record.Record{
		Filename:   name,
		Timestamp:  record.EpochSeconds(time.Now()),
		Status:     out.Kind,
		ExitCode:   out.ExitCode,
		Stdout:     out.Stdout,
		Stderr:     out.Stderr,
		DurationMS: out.Duration.Milliseconds(),
	}
	if out.Kind != record.StatusSuccess {
		msg := out.Message()
		rec.Error = &msg
	}
	if err := c.store.Put(ctx, id, rec); err != nil {
		return c.fail(ctx, name, "store", err)
	}
	c.markDone(name)
	c.completed.Add(1)
	metrics.ObserveAnalysis(string(out.Kind), out.Duration.Seconds())
	logOutcome(name, out)
	c.emit(ctx, history.Completed(id, rec))
	return ResultCompleted, nil
}

func logOutcome(name string, out runner.Outcome) {
	switch out.Kind {
	case record.StatusSuccess:
		slog.Info("Analysis complete", "file", name, "output_lines", countLines(out.Stdout), "duration", out.Duration)
	case record.StatusTimeout:
		slog.Warn("Analysis timed out", "file", name, "duration", out.Duration)
	default:
		slog.Warn("Analysis failed", "file", name, "exit_code", out.ExitCode, "stderr", head(out.Stderr, 200))
	}
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	n := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		n++
	}
	return n
}

func head(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
