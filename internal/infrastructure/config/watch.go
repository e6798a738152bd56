package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the burst of events editors emit for one save.
const reloadDebounce = 500 * time.Millisecond

// Logger is the subset of logging used by the watcher.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Watch re-loads the configuration file whenever it changes and passes the
// result to onChange. A file that fails to load or validate is logged and
// skipped; onChange only ever sees a valid Config.
//
// The parent directory is watched rather than the file itself so that
// atomic rename-on-save keeps working. Watching stops when ctx is cancelled.
func Watch(ctx context.Context, path string, logger Logger, onChange func(*Config)) error {
	if logger == nil {
		logger = noopLogger{}
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving config path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close() //nolint:errcheck // Best effort cleanup on error path
		return fmt.Errorf("watching config directory: %w", err)
	}

	go watchLoop(ctx, watcher, abs, logger, onChange)

	logger.Info("watching config file", "path", abs)
	return nil
}

func watchLoop(ctx context.Context, watcher *fsnotify.Watcher, path string, logger Logger, onChange func(*Config)) {
	reloads := newDebouncer(reloadDebounce, func() {
		if ctx.Err() != nil {
			return
		}
		cfg, err := Load(path)
		if err != nil {
			logger.Error("config reload rejected", "path", path, "error", err)
			return
		}
		logger.Info("config reloaded", "path", path, "systems", len(cfg.Systems))
		onChange(cfg)
	})
	defer func() {
		reloads.stop()
		watcher.Close() //nolint:errcheck // Shutdown path
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			reloads.trigger()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("config watcher error", "error", err)
		}
	}
}

// debouncer runs fn once delay has passed without another trigger.
// fn runs under mu, so once stop returns fn is neither running nor due.
type debouncer struct {
	delay time.Duration
	fn    func()

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

func newDebouncer(delay time.Duration, fn func()) *debouncer {
	return &debouncer{delay: delay, fn: fn}
}

func (d *debouncer) trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, d.fire)
}

func (d *debouncer) fire() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.fn()
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
}
