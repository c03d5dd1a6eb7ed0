package watcher

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"
)

// Watcher triggers re-scans when transcript files change, with a periodic
// tick as a safety net for events fsnotify misses. Scans always run on the
// watcher's own goroutine, never on the caller's.
type Watcher struct {
	roots    []string
	interval time.Duration
	logger   *slog.Logger
	onChange func(projectDir string)
	onTick   func()

	// Claude Code appends to transcripts in rapid bursts while a response
	// streams; one limiter per project collapses each burst into a single
	// scan.
	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds a watcher over the given transcript roots. onChange fires for
// the project directory owning a changed file; onTick fires every interval.
func New(roots []string, interval time.Duration, logger *slog.Logger, onChange func(string), onTick func()) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		roots:    roots,
		interval: interval,
		logger:   logger,
		onChange: onChange,
		onTick:   onTick,
		limiters: make(map[string]*rate.Limiter),
		stop:     make(chan struct{}),
	}
}

// Start launches the event and tick loops.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		// Degrade to tick-only operation; the periodic sweep still
		// picks changes up.
		w.logger.Warn("fsnotify unavailable, relying on periodic scan", "error", err)
		fsw = nil
	}

	if fsw != nil {
		for _, root := range w.roots {
			w.watchTree(fsw, root)
		}
		w.wg.Add(1)
		go w.eventLoop(fsw)
	}

	w.wg.Add(1)
	go w.tickLoop()
	return nil
}

// Stop signals both loops to exit and waits for them.
func (w *Watcher) Stop() {
	close(w.stop)
	w.wg.Wait()
}

func (w *Watcher) watchTree(fsw *fsnotify.Watcher, root string) {
	_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err == nil && info.IsDir() {
			if err := fsw.Add(path); err != nil {
				w.logger.Warn("watch failed", "dir", path, "error", err)
			}
		}
		return nil
	})
}

func (w *Watcher) eventLoop(fsw *fsnotify.Watcher) {
	defer w.wg.Done()
	defer fsw.Close()

	for {
		select {
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(fsw, event)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err)
		case <-w.stop:
			return
		}
	}
}

func (w *Watcher) handleEvent(fsw *fsnotify.Watcher, event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}

	// New project directories appear when a session starts in a fresh
	// project; watch them as they show up.
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			w.watchTree(fsw, event.Name)
			return
		}
	}

	if filepath.Ext(event.Name) != ".jsonl" {
		return
	}
	dir, ok := w.projectDir(event.Name)
	if !ok {
		return
	}
	if w.limiter(dir).Allow() {
		w.onChange(dir)
	}
}

func (w *Watcher) tickLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.onTick()
		case <-w.stop:
			return
		}
	}
}

// projectDir maps a changed file to the project directory owning it: the
// first path element under whichever root contains the file.
func (w *Watcher) projectDir(path string) (string, bool) {
	for _, root := range w.roots {
		rel, err := filepath.Rel(root, path)
		if err != nil || strings.HasPrefix(rel, "..") {
			continue
		}
		parts := strings.Split(rel, string(filepath.Separator))
		if len(parts) < 2 {
			return root, true
		}
		return filepath.Join(root, parts[0]), true
	}
	return "", false
}

func (w *Watcher) limiter(dir string) *rate.Limiter {
	w.mu.Lock()
	defer w.mu.Unlock()
	l, ok := w.limiters[dir]
	if !ok {
		l = rate.NewLimiter(rate.Every(5*time.Second), 1)
		w.limiters[dir] = l
	}
	return l
}
