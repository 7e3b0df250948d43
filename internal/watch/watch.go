// Package watch re-runs a build whenever a watched context directory
// changes.
package watch

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/conjury/conjury/internal/journal"
)

// Rerun executes one build iteration and returns the directories to watch
// for the next one.
type Rerun func() ([]string, error)

// Run watches dirs and calls rerun after a short debounce whenever
// something inside them changes. Journal rewrites are filtered out so a
// build does not retrigger itself. Run blocks until the watcher fails.
func Run(dirs []string, rerun Rerun, warnf func(format string, args ...any)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("starting watcher: %w", err)
	}
	defer w.Close()

	watched := make(map[string]bool)
	add := func(ds []string) {
		for _, d := range ds {
			if watched[d] {
				continue
			}
			if err := w.Add(d); err != nil {
				warnf("watching %s: %v", d, err)
				continue
			}
			watched[d] = true
		}
	}
	add(dirs)

	const debounce = 300 * time.Millisecond
	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			base := filepath.Base(ev.Name)
			if base == journal.DefaultBasename() {
				continue
			}
			timer.Reset(debounce)
		case werr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			warnf("watcher: %v", werr)
		case <-timer.C:
			next, err := rerun()
			if err != nil {
				warnf("rebuild: %v", err)
				continue
			}
			add(next)
		}
	}
}
