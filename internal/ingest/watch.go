package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Scan dispatches every unprocessed capture in the watch directory to the
// worker pool and waits for the batch. It returns the number dispatched.
func (c *Controller) Scan(ctx context.Context) (int, error) {
	n, _, err := c.scan(ctx, nil)
	return n, err
}

// scan skips names in exclude and returns the set of names it saw.
func (c *Controller) scan(ctx context.Context, exclude map[string]struct{}) (int, map[string]struct{}, error) {
	entries, err := os.ReadDir(c.opts.WatchDir)
	if err != nil {
		return 0, nil, fmt.Errorf("scan %s: %w", c.opts.WatchDir, err)
	}
	c.Start(ctx)

	seen := make(map[string]struct{})
	var batch sync.WaitGroup
	dispatched := 0
	for _, e := range entries {
		name := e.Name()
		if !c.Matches(name) {
			continue
		}
		if _, ok := exclude[name]; ok {
			continue
		}
		path := filepath.Join(c.opts.WatchDir, name)
		st, err := os.Stat(path)
		if err != nil || !st.Mode().IsRegular() {
			continue
		}
		seen[name] = struct{}{}
		if !c.admissible(name) {
			continue
		}
		// files still inside their grace period wait it out like watched ones
		if wait := c.graceLeft(st.ModTime()); wait > 0 {
			batch.Add(1)
			if c.schedule(ctx, name, path, wait, batch.Done) {
				slog.Info("Recent capture found, waiting for grace period", "file", name, "wait", wait)
				dispatched++
			} else {
				batch.Done()
			}
			continue
		}
		c.mu.Lock()
		_, busy := c.busyLocked(name)
		c.mu.Unlock()
		if busy {
			continue
		}
		slog.Info("Processing existing capture", "file", name)
		batch.Add(1)
		if !c.enqueue(ctx, job{path: path, done: batch.Done}) {
			batch.Done()
			break
		}
		dispatched++
	}

	finished := make(chan struct{})
	go func() {
		batch.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return dispatched, seen, nil
	case <-ctx.Done():
		return dispatched, seen, ctx.Err()
	}
}

// Run performs the startup scan, then watches the directory until ctx ends.
// On return no analysis is running and no grace timer is pending.
func (c *Controller) Run(ctx context.Context) error {
	if st, err := os.Stat(c.opts.WatchDir); err != nil {
		return err
	} else if !st.IsDir() {
		return fmt.Errorf("%w: %s", errNotDir, c.opts.WatchDir)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer c.Stop()
	defer cancel()

	c.Start(ctx)
	slog.Info("Scanning for existing captures", "dir", c.opts.WatchDir)
	n, seen, err := c.scan(ctx, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	slog.Info("Startup scan finished", "dispatched", n)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()
	if err := watcher.Add(c.opts.WatchDir); err != nil {
		return fmt.Errorf("watch %s: %w", c.opts.WatchDir, err)
	}
	slog.Info("Watching for new captures", "dir", c.opts.WatchDir)

	// files that landed between the scan and the subscription
	var catchUp sync.WaitGroup
	catchUp.Add(1)
	go func() {
		defer catchUp.Done()
		if n, _, err := c.scan(ctx, seen); err == nil && n > 0 {
			slog.Info("Catch-up scan dispatched captures", "count", n)
		}
	}()
	defer func() {
		cancel()
		catchUp.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				c.OnCreated(ctx, ev.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("Watcher error", "error", err)
		}
	}
}

// Stop cancels pending grace timers and in-flight analyses and waits for the
// workers. No workers start and no timers are armed afterwards.
func (c *Controller) Stop() {
	c.stopTimers()
	c.startOnce.Do(func() {})
	if c.stopWorkers != nil {
		c.stopWorkers()
	}
	c.Wait()
	c.drainQueue()
	slog.Info("Ingestion stopped", "processed", c.Stats().Processed)
}
