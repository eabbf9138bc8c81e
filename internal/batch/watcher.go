package batch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-hclog"
)

// Watcher re-runs the batch when songs are added under the input root.
// Bursts of file events are debounced into one run, and runs never overlap.
type Watcher struct {
	logger   hclog.Logger
	watcher  *fsnotify.Watcher
	root     string
	debounce time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	trigger chan struct{}
}

// NewWatcher watches root and its immediate subdirectories
func NewWatcher(logger hclog.Logger, root string, debounce time.Duration) (*Watcher, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if debounce <= 0 {
		debounce = 2 * time.Second
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	w := &Watcher{
		logger:   logger.Named("watch"),
		watcher:  watcher,
		root:     root,
		debounce: debounce,
		trigger:  make(chan struct{}, 1),
	}

	if err := w.addWatches(); err != nil {
		watcher.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) addWatches() error {
	if err := w.watcher.Add(w.root); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.root, err)
	}

	entries, err := os.ReadDir(w.root)
	if err != nil {
		return fmt.Errorf("failed to read input directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			w.addDir(filepath.Join(w.root, entry.Name()))
		}
	}
	return nil
}

func (w *Watcher) addDir(path string) {
	if err := w.watcher.Add(path); err != nil {
		w.logger.Error("failed to add watch for song directory", "path", path, "error", err)
		return
	}
	w.logger.Debug("added watch for song directory", "path", path)
}

// Run blocks until ctx is cancelled, calling fn after each debounced burst
// of changes. Errors from fn are logged and do not stop watching.
func (w *Watcher) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	defer w.stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.eventLoop(ctx)
	}()

	w.logger.Info("watching for new songs", "dir", w.root, "debounce", w.debounce)
	for {
		select {
		case <-ctx.Done():
			w.watcher.Close()
			wg.Wait()
			return nil
		case <-w.trigger:
			if err := fn(ctx); err != nil {
				w.logger.Error("batch run failed", "error", err)
			}
		}
	}
}

func (w *Watcher) eventLoop(ctx context.Context) {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("file watcher error", "error", err)

		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !relevant(event) {
		return
	}

	if event.Op&fsnotify.Create == fsnotify.Create && filepath.Dir(event.Name) == filepath.Clean(w.root) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			w.addDir(event.Name)
		}
	}

	w.logger.Debug("file system event detected", "operation", event.Op, "path", event.Name)
	w.schedule()
}

// relevant filters out editor droppings and metadata-only changes
func relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return false
	}
	name := filepath.Base(event.Name)
	if strings.HasPrefix(name, ".") {
		return false
	}
	for _, pattern := range []string{"*.tmp", "*.swp", "*.part", "*~"} {
		if matched, _ := filepath.Match(pattern, name); matched {
			return false
		}
	}
	return true
}

// schedule restarts the debounce timer
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case w.trigger <- struct{}{}:
		default:
		}
	})
}

func (w *Watcher) stop() {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	w.watcher.Close()
}
