// Package scheduler runs the periodic background work of a daemon:
// a single task function invoked on an interval, on demand through
// Kick (the kick command), or when a watched directory changes (a new
// wdiff landing in a volume directory).
package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/marmos91/blockcdp/internal/logger"
)

// Runner drives one task. Runs never overlap: a kick during a run
// schedules exactly one follow-up run.
type Runner struct {
	interval time.Duration
	task     func()

	kick chan struct{}
	stop chan struct{}
	done chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once

	watcher *fsnotify.Watcher
}

// New builds a runner. The task must tolerate being called from a
// single background goroutine at any time.
func New(interval time.Duration, task func()) *Runner {
	return &Runner{
		interval: interval,
		task:     task,
		kick:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the loop.
func (r *Runner) Start() {
	r.startOnce.Do(func() {
		go r.loop()
	})
}

// Kick requests an immediate run. Never blocks.
func (r *Runner) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Stop terminates the loop and waits for a running task to return.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
	if r.watcher != nil {
		r.watcher.Close()
	}
}

func (r *Runner) loop() {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
		case <-r.kick:
		}
		r.task()
	}
}

// Watch kicks the runner whenever a file is created or renamed under
// dir. Used to react to published wdiffs without waiting a full
// interval.
func (r *Runner) Watch(dir string) error {
	if r.watcher == nil {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("scheduler watch: %w", err)
		}
		r.watcher = w
		go func() {
			for {
				select {
				case ev, ok := <-w.Events:
					if !ok {
						return
					}
					if ev.Op&(fsnotify.Create|fsnotify.Rename) != 0 {
						r.Kick()
					}
				case err, ok := <-w.Errors:
					if !ok {
						return
					}
					logger.Warn("scheduler watcher", logger.KeyError, err.Error())
				}
			}
		}()
	}
	if err := r.watcher.Add(dir); err != nil {
		return fmt.Errorf("scheduler watch %s: %w", dir, err)
	}
	return nil
}
