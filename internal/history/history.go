package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/capwatch/internal/metrics"
	"github.com/loykin/capwatch/internal/record"
)

// EventType defines the kind of analysis event.
type EventType string

const (
	// EventCompleted is emitted once a terminal record was written.
	EventCompleted EventType = "completed"
	// EventAbandoned is emitted when the pipeline gave up on a file without
	// marking it; a later scan may pick it up again.
	EventAbandoned EventType = "abandoned"
)

// Event represents an analysis outcome exported to external systems.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	AnalysisID string    `json:"analysis_id"`
	Filename   string    `json:"filename"`
	Status     string    `json:"status,omitempty"`
	ExitCode   int       `json:"exit_code"`
	DurationMS int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}

// Completed builds the event for a written record.
func Completed(id string, rec record.Record) Event {
	e := Event{
		ID:         uuid.NewString(),
		Type:       EventCompleted,
		OccurredAt: time.Now().UTC(),
		AnalysisID: id,
		Filename:   rec.Filename,
		Status:     string(rec.Status),
		ExitCode:   rec.ExitCode,
		DurationMS: rec.DurationMS,
	}
	if rec.Error != nil {
		e.Error = *rec.Error
	}
	return e
}

// Abandoned builds the event for a file left unmarked after err.
func Abandoned(id, filename string, err error) Event {
	e := Event{
		ID:         uuid.NewString(),
		Type:       EventAbandoned,
		OccurredAt: time.Now().UTC(),
		AnalysisID: id,
		Filename:   filename,
		ExitCode:   record.NoExitCode,
	}
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// DefaultSendTimeout bounds a single Send on one sink.
const DefaultSendTimeout = 5 * time.Second

type namedSink struct {
	name string
	sink Sink
}

// Fanout delivers each event to every registered sink. A failing sink is
// logged and counted; it never blocks delivery to the others.
type Fanout struct {
	sinks   []namedSink
	timeout time.Duration
}

func NewFanout() *Fanout { return &Fanout{timeout: DefaultSendTimeout} }

// Add registers s under name, used as the metrics label.
func (f *Fanout) Add(name string, s Sink) {
	f.sinks = append(f.sinks, namedSink{name: name, sink: s})
}

func (f *Fanout) Len() int { return len(f.sinks) }

func (f *Fanout) Send(ctx context.Context, e Event) error {
	var errs []error
	for _, ns := range f.sinks {
		sctx, cancel := context.WithTimeout(ctx, f.timeout)
		err := ns.sink.Send(sctx, e)
		cancel()
		if err != nil {
			slog.Warn("History sink rejected event", "sink", ns.name, "analysis", e.AnalysisID, "error", err)
			metrics.IncHistorySendError(ns.name)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink that holds resources.
func (f *Fanout) Close() error {
	var errs []error
	for _, ns := range f.sinks {
		if c, ok := ns.sink.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
