package agents

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce collapses editor write bursts into one invalidation per file.
const watchDebounce = time.Second

// dirWatcher monitors the agents directory and pushes the name of any agent
// directory whose files change onto the events channel. It never mutates cache
// state itself; the liveness cache's drain goroutine owns that.
type dirWatcher struct {
	root    string
	exclude []string
	events  chan<- string
	logger  *slog.Logger
	watcher *fsnotify.Watcher

	mu     sync.Mutex
	timers map[string]*time.Timer

	done chan struct{}
	once sync.Once
}

func newDirWatcher(root string, exclude []string, events chan<- string, logger *slog.Logger) (*dirWatcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("agents: resolve watch root: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("agents: watch agents folder: %w", err)
	}

	w := &dirWatcher{
		root:    abs,
		exclude: exclude,
		events:  events,
		logger:  logger.With(slog.String("component", "agent_watcher")),
		watcher: watcher,
		timers:  make(map[string]*time.Timer),
		done:    make(chan struct{}),
	}
	if err := w.addTree(abs); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	go w.run()
	return w, nil
}

// addTree registers the root and every non-excluded subdirectory.
func (w *dirWatcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			w.logger.Warn("watch walk error", slog.String("path", path), slog.Any("error", walkErr))
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && excluded(d.Name(), w.exclude) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			return fmt.Errorf("agents: watch add %s: %w", path, err)
		}
		return nil
	})
}

func (w *dirWatcher) run() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", slog.Any("error", err))
		}
	}
}

func (w *dirWatcher) handle(event fsnotify.Event) {
	name := filepath.Clean(event.Name)

	// A new agent directory needs its own watch before any manifest inside
	// it can be seen.
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(name); err == nil && info.IsDir() {
			if !excluded(filepath.Base(name), w.exclude) {
				if err := w.watcher.Add(name); err != nil {
					w.logger.Warn("watch add failed", slog.String("path", name), slog.Any("error", err))
				}
			}
			return
		}
	}

	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) == 0 {
		return
	}
	dir, ok := agentDirFromPath(w.root, name)
	if !ok {
		return
	}
	w.schedule(name, dir)
}

// schedule arms (or re-arms) the per-file debounce timer. The timer fires on
// its own goroutine and only pushes onto the events channel.
func (w *dirWatcher) schedule(path, dir string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.timers[path]; ok {
		timer.Reset(watchDebounce)
		return
	}
	w.timers[path] = time.AfterFunc(watchDebounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		select {
		case w.events <- dir:
		case <-w.done:
		}
	})
}

// Stop closes the fsnotify watcher and stops every pending debounce timer.
func (w *dirWatcher) Stop() error {
	var err error
	w.once.Do(func() {
		err = w.watcher.Close()
		<-w.done
		w.mu.Lock()
		for path, timer := range w.timers {
			timer.Stop()
			delete(w.timers, path)
		}
		w.mu.Unlock()
	})
	return err
}

// agentDirFromPath maps a file inside the agents tree to the agent directory
// that owns it. The directory name is not the cache key: manifests may declare
// an id different from their directory, so consumers match entries by manifest
// path. Files directly in the root (or outside it) belong to no directory.
func agentDirFromPath(root, path string) (string, bool) {
	abs := path
	if !filepath.IsAbs(abs) {
		resolved, err := filepath.Abs(abs)
		if err != nil {
			return "", false
		}
		abs = resolved
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", false
	}
	rel, err := filepath.Rel(rootAbs, abs)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	parts := strings.Split(rel, string(os.PathSeparator))
	if len(parts) < 2 {
		// A file directly in the root belongs to no single agent.
		return "", false
	}
	return parts[0], true
}
