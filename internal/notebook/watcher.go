package notebook

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 250 * time.Millisecond

// Watch emits a notification whenever the notebook's markdown files change.
// Bursts of events (editors write several times per save) are debounced into
// one notification. The channel closes when ctx is cancelled.
func (n *Notebook) Watch(ctx context.Context) (<-chan struct{}, error) {
	return n.watch(ctx, defaultDebounce)
}

func (n *Notebook) watch(ctx context.Context, debounce time.Duration) (<-chan struct{}, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, dir := range []string{n.dir, filepath.Join(n.dir, automationsDir), filepath.Join(n.dir, cuesDir)} {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return nil, err
		}
	}

	out := make(chan struct{}, 1)
	logger := slog.Default().With("component", "notebook")

	go func() {
		defer close(out)
		defer watcher.Close()

		var mu sync.Mutex
		var timer *time.Timer
		notify := func() {
			mu.Lock()
			defer mu.Unlock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				select {
				case out <- struct{}{}:
				default:
				}
			})
		}
		defer func() {
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			mu.Unlock()
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				name := filepath.Base(event.Name)
				if !strings.HasSuffix(name, ".md") || strings.HasPrefix(name, ".") {
					continue
				}
				notify()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("notebook watch error", "error", err)
			}
		}
	}()

	return out, nil
}
