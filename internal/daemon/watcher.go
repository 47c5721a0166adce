package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"git.home.luguber.info/inful/watchdog/internal/logfields"
)

// sourcesWatcher monitors the seed file and re-applies it, debounced,
// when it changes. Watching the directory instead of the file keeps
// working across editor rename-and-replace saves.
type sourcesWatcher struct {
	path     string
	apply    func(context.Context) error
	watcher  *fsnotify.Watcher
	reload   chan struct{}
	debounce time.Duration
	log      *slog.Logger
}

func newSourcesWatcher(path string, apply func(context.Context) error) (*sourcesWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("resolve seed path: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch seed directory: %w", err)
	}
	return &sourcesWatcher{
		path:     abs,
		apply:    apply,
		watcher:  w,
		reload:   make(chan struct{}, 1),
		debounce: 2 * time.Second,
		log:      slog.Default().With("seed_file", abs),
	}, nil
}

// run blocks until ctx is cancelled.
func (sw *sourcesWatcher) run(ctx context.Context) {
	defer sw.watcher.Close()
	go sw.applyLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(sw.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				select {
				case sw.reload <- struct{}{}:
				default:
				}
			}
		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			sw.log.Error("seed watcher error", logfields.Error(err))
		}
	}
}

func (sw *sourcesWatcher) applyLoop(ctx context.Context) {
	var timer *time.Timer
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-sw.reload:
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(sw.debounce, func() {
				sw.log.Info("seed file changed, re-applying")
				if err := sw.apply(ctx); err != nil {
					sw.log.Error("seed apply failed", logfields.Error(err))
				}
			})
		}
	}
}
