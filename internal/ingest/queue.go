package ingest

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loykin/capwatch/internal/metrics"
)

type job struct {
	path string
	done func()
}

// Start launches the worker pool. Workers stop when ctx ends or the
// controller shuts down; calling Start again is a no-op.
func (c *Controller) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		ctx, c.stopWorkers = context.WithCancel(ctx)
		for i := 0; i < c.opts.Workers; i++ {
			c.workers.Add(1)
			go c.worker(ctx)
		}
	})
}

// Wait blocks until workers and grace timers have stopped. It only returns
// after the context passed to Start has ended or Stop was called.
func (c *Controller) Wait() {
	c.workers.Wait()
	c.timers.Wait()
}

func (c *Controller) worker(ctx context.Context) {
	defer c.workers.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-c.queue:
			metrics.SetQueueDepth(len(c.queue))
			_, _ = c.Process(ctx, j.path)
			if j.done != nil {
				j.done()
			}
		}
	}
}

// enqueue blocks while the queue is full. It gives up when ctx ends or the
// controller is stopping.
func (c *Controller) enqueue(ctx context.Context, j job) bool {
	select {
	case <-c.quit:
		return false
	default:
	}
	select {
	case c.queue <- j:
		metrics.SetQueueDepth(len(c.queue))
		return true
	case <-ctx.Done():
		return false
	case <-c.quit:
		return false
	}
}

// drainQueue releases jobs no worker will pick up anymore.
func (c *Controller) drainQueue() {
	for {
		select {
		case j := <-c.queue:
			if j.done != nil {
				j.done()
			}
		default:
			metrics.SetQueueDepth(0)
			return
		}
	}
}

// pendingCapture is a file waiting out its grace period.
type pendingCapture struct {
	timer *time.Timer
	done  func()
}

// OnCreated schedules path for processing after the grace period. Repeated
// events for a file that is pending, in flight, or done are dropped.
func (c *Controller) OnCreated(ctx context.Context, path string) {
	name := filepath.Base(path)
	if !c.Matches(name) || !c.admissible(name) {
		return
	}
	if c.schedule(ctx, name, path, c.opts.GracePeriod, nil) {
		slog.Info("New capture detected", "file", name, "grace", c.opts.GracePeriod)
	}
}

// schedule queues path once delay has passed. done, when set, runs after the
// job finished or was dropped. It reports false, without calling done, when
// name is processed, in flight or already pending, or the controller is
// stopping.
func (c *Controller) schedule(ctx context.Context, name, path string, delay time.Duration, done func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopping {
		return false
	}
	if reason, busy := c.busyLocked(name); busy {
		if reason != "pending" {
			c.skipped.Add(1)
		}
		metrics.IncSkipped(reason)
		return false
	}
	c.timers.Add(1)
	c.pending[name] = &pendingCapture{
		done: done,
		timer: time.AfterFunc(delay, func() {
			defer c.timers.Done()
			c.mu.Lock()
			delete(c.pending, name)
			c.mu.Unlock()
			if !c.enqueue(ctx, job{path: path, done: done}) {
				if done != nil {
					done()
				}
				slog.Debug("Dropped pending capture at shutdown", "file", name)
			}
		}),
	}
	return true
}

// graceLeft is how much of the grace period a file modified at mod still
// has to wait out.
func (c *Controller) graceLeft(mod time.Time) time.Duration {
	left := c.opts.GracePeriod - time.Since(mod)
	switch {
	case left <= 0:
		return 0
	case left > c.opts.GracePeriod:
		return c.opts.GracePeriod
	default:
		return left
	}
}

// stopTimers cancels grace timers that have not fired yet and refuses new
// ones from then on.
func (c *Controller) stopTimers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.stopping {
		c.stopping = true
		close(c.quit)
	}
	for name, p := range c.pending {
		if p.timer.Stop() {
			c.timers.Done()
			if p.done != nil {
				p.done()
			}
		}
		delete(c.pending, name)
	}
}

// waitSettled polls the file size until two consecutive observations match
// or Settle.Max has passed.
func (c *Controller) waitSettled(ctx context.Context, path string) error {
	interval := c.opts.Settle.Interval
	if interval <= 0 {
		return nil
	}
	deadline := time.Now().Add(c.opts.Settle.Max)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	prev := int64(-1)
	for {
		st, err := os.Stat(path)
		if err != nil {
			return err
		}
		if st.Size() == prev {
			return nil
		}
		prev = st.Size()
		if time.Now().After(deadline) {
			slog.Warn("Capture still growing, analyzing anyway", "file", filepath.Base(path), "size", prev)
			return nil
		}
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-ticker.C:
		}
	}
}

var errNotDir = errors.New("watch path is not a directory")
