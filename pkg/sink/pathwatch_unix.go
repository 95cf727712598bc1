//go:build !windows

package sink

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// awaitPath waits up to wait for path to exist. It watches the parent
// directory for create events and keeps a slow stat poll as a fallback in
// case the watcher misses something or cannot be set up.
func awaitPath(path string, wait time.Duration, running *atomic.Bool) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	var events chan fsnotify.Event
	if w, err := fsnotify.NewWatcher(); err == nil {
		defer w.Close()
		if err := w.Add(filepath.Dir(path)); err == nil {
			events = w.Events
			go func() {
				for range w.Errors {
				}
			}()
		}
	}

	// Re-check after the watch is in place; the create may have raced the
	// first stat.
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	poll := time.NewTicker(100 * time.Millisecond)
	defer poll.Stop()

	for {
		select {
		case ev := <-events:
			if ev.Name == path && ev.Op&fsnotify.Create != 0 {
				return nil
			}
		case <-poll.C:
			if !running.Load() {
				return ErrSinkEnded
			}
			if _, err := os.Stat(path); err == nil {
				return nil
			}
		case <-deadline.C:
			return ErrSinkUnavailable
		}
	}
}
