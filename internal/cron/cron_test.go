package cron

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestParseSchedule(t *testing.T) {
	for _, expr := range []string{"@every 100ms", "*/5 * * * *", "0 */10 * * * *", "@hourly"} {
		if _, err := ParseSchedule(expr); err != nil {
			t.Fatalf("ParseSchedule(%q): %v", expr, err)
		}
	}
	for _, expr := range []string{"", "every 5m", "61 * * * *"} {
		if _, err := ParseSchedule(expr); err == nil {
			t.Fatalf("expected error for %q", expr)
		}
	}
}

func TestAddValidates(t *testing.T) {
	s := NewScheduler()
	if err := s.Add(&Job{Name: "", Schedule: "@every 1s", Run: func(context.Context) {}}); err == nil {
		t.Fatalf("expected error for missing name")
	}
	if err := s.Add(&Job{Name: "rescan", Schedule: "@every 1s"}); err == nil {
		t.Fatalf("expected error for missing func")
	}
	if err := s.Add(&Job{Name: "rescan", Schedule: "@every 1s", Run: func(context.Context) {}}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Add(&Job{Name: "rescan", Schedule: "@every 2s", Run: func(context.Context) {}}); err == nil {
		t.Fatalf("expected duplicate name error")
	}
}

func TestSchedulerRunsAndNonOverlap(t *testing.T) {
	s := NewScheduler()
	var active, maxActive atomic.Int32
	job := &Job{
		Name:     "rescan",
		Schedule: "@every 1s",
		Run: func(ctx context.Context) {
			n := active.Add(1)
			for {
				m := maxActive.Load()
				if n <= m || maxActive.CompareAndSwap(m, n) {
					break
				}
			}
			select {
			case <-time.After(1500 * time.Millisecond):
			case <-ctx.Done():
			}
			active.Add(-1)
		},
	}
	if err := s.Add(job); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for job.Runs() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	s.Stop()
	if job.Runs() == 0 {
		t.Fatalf("expected the job to run at least once")
	}
	if maxActive.Load() != 1 {
		t.Fatalf("runs overlapped: max concurrent %d", maxActive.Load())
	}
	if job.Skipped() == 0 {
		t.Fatalf("expected at least one skipped tick while the run was active")
	}
}

func TestStopCancelsRunningJob(t *testing.T) {
	s := NewScheduler()
	started := make(chan struct{})
	var once atomic.Bool
	job := &Job{Name: "long", Schedule: "@every 1s", Run: func(ctx context.Context) {
		if once.CompareAndSwap(false, true) {
			close(started)
		}
		<-ctx.Done()
	}}
	if err := s.Add(job); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}
	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not cancel the running job")
	}
}
