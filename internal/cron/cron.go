// Package cron runs periodic maintenance jobs such as the directory rescan
// that retries captures left unmarked by transient failures.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	rcron "github.com/robfig/cron/v3"
)

var parser = rcron.NewParser(rcron.SecondOptional | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor)

// ParseSchedule accepts standard five-field expressions, an optional leading
// seconds field, and descriptors such as "@hourly" or "@every 10m".
func ParseSchedule(expr string) (rcron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New("empty schedule")
	}
	s, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return s, nil
}

// Job is a named function fired on a schedule. A tick that arrives while the
// previous run is still going is skipped.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context)

	running atomic.Bool
	runs    atomic.Uint64
	skipped atomic.Uint64
}

// Runs is the number of completed runs.
func (j *Job) Runs() uint64 { return j.runs.Load() }

// Skipped is the number of ticks dropped because a run was in progress.
func (j *Job) Skipped() uint64 { return j.skipped.Load() }

func (j *Job) validate() error {
	if j.Name == "" {
		return errors.New("cron job requires a name")
	}
	if j.Run == nil {
		return fmt.Errorf("cron job %s has no function", j.Name)
	}
	_, err := ParseSchedule(j.Schedule)
	return err
}

// Scheduler drives jobs with robfig/cron.
type Scheduler struct {
	c       *rcron.Cron
	jobs    []*Job
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

func NewScheduler() *Scheduler {
	return &Scheduler{c: rcron.New(rcron.WithParser(parser))}
}

func (s *Scheduler) Add(j *Job) error {
	if err := j.validate(); err != nil {
		return err
	}
	for _, existing := range s.jobs {
		if existing.Name == j.Name {
			return fmt.Errorf("cron job %s already registered", j.Name)
		}
	}
	s.jobs = append(s.jobs, j)
	return nil
}

// Start registers all jobs and begins firing them. Jobs receive a context
// that ends on Stop or when ctx ends.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.started {
		return errors.New("scheduler already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	for _, j := range s.jobs {
		j := j
		if _, err := s.c.AddFunc(j.Schedule, func() { s.fire(j) }); err != nil {
			s.cancel()
			return fmt.Errorf("job %s: %w", j.Name, err)
		}
		slog.Info("Scheduled job", "job", j.Name, "schedule", j.Schedule)
	}
	s.started = true
	s.c.Start()
	return nil
}

func (s *Scheduler) fire(j *Job) {
	if s.ctx.Err() != nil {
		return
	}
	if !j.running.CompareAndSwap(false, true) {
		j.skipped.Add(1)
		slog.Debug("Skipping tick, previous run still active", "job", j.Name)
		return
	}
	defer j.running.Store(false)
	j.Run(s.ctx)
	j.runs.Add(1)
}

// Stop cancels running jobs, halts scheduling and waits for the jobs to return.
func (s *Scheduler) Stop() {
	if !s.started {
		return
	}
	s.cancel()
	<-s.c.Stop().Done()
}
