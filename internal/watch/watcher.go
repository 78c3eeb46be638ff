// Package watch turns filesystem notifications into hub events. Changes are
// debounced per path and published under the "change" category and under a
// category for each operation involved.
package watch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/tunnelmesh/linkwatch/internal/hub"
)

// Categories published by the watcher.
const (
	CategoryChange = "change"
	CategoryWrite  = "write"
	CategoryCreate = "create"
	CategoryRemove = "remove"
	CategoryRename = "rename"
	CategoryChmod  = "chmod"
)

var (
	// ErrWatcherFailed indicates the filesystem watcher could not be created.
	ErrWatcherFailed = errors.New("failed to initialize filesystem watcher")

	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("watcher already started")
)

// Change is the payload of every published event.
type Change struct {
	Path string
	Op   fsnotify.Op
	Time time.Time
}

// Categories returns the op categories that apply to c, in a fixed order.
func (c Change) Categories() []string {
	var cats []string
	for _, m := range opCategories {
		if c.Op.Has(m.op) {
			cats = append(cats, m.category)
		}
	}
	return cats
}

var opCategories = []struct {
	op       fsnotify.Op
	category string
}{
	{fsnotify.Create, CategoryCreate},
	{fsnotify.Write, CategoryWrite},
	{fsnotify.Remove, CategoryRemove},
	{fsnotify.Rename, CategoryRename},
	{fsnotify.Chmod, CategoryChmod},
}

// Config controls a Watcher.
type Config struct {
	// Debounce is the per-path quiet period. Zero means DefaultDebounce;
	// negative disables debouncing.
	Debounce time.Duration
}

// Watcher publishes filesystem changes to a hub.
type Watcher struct {
	hub *hub.Hub[Change]
	fsw *fsnotify.Watcher
	cfg Config

	mu      sync.Mutex
	started bool
	done    chan struct{}
	stop    chan struct{}
	once    sync.Once
}

// New creates a watcher that publishes to h.
func New(h *hub.Hub[Change], cfg Config) (*Watcher, error) {
	if cfg.Debounce == 0 {
		cfg.Debounce = DefaultDebounce
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	return &Watcher{
		hub:  h,
		fsw:  fsw,
		cfg:  cfg,
		done: make(chan struct{}),
		stop: make(chan struct{}),
	}, nil
}

// Add starts watching path. Directories are watched non-recursively.
func (w *Watcher) Add(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", path, err)
	}
	if err := w.fsw.Add(abs); err != nil {
		return fmt.Errorf("watching %s: %w", abs, err)
	}
	log.Debug().Str("path", abs).Msg("watching path")
	return nil
}

// Paths returns the paths currently watched.
func (w *Watcher) Paths() []string {
	return w.fsw.WatchList()
}

// Start begins publishing in the background until ctx is done or Close is
// called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return ErrAlreadyStarted
	}
	w.started = true

	raw := make(chan Change, 64)
	go w.readEvents(ctx, raw)
	out := NewDebouncer(raw, w.cfg.Debounce).Run(ctx)
	go w.publish(ctx, out)
	return nil
}

// Done is closed once a started watcher has stopped publishing.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

// Close stops the watcher and waits for pending changes to be published.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.stop)
		err = w.fsw.Close()
	})

	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if started {
		<-w.done
	}
	return err
}

func (w *Watcher) readEvents(ctx context.Context, raw chan<- Change) {
	defer close(raw)

	errs := w.fsw.Errors
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			c := Change{Path: ev.Name, Op: ev.Op, Time: time.Now()}
			select {
			case raw <- c:
			case <-ctx.Done():
				return
			case <-w.stop:
				return
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			log.Warn().Err(err).Msg("filesystem watcher error")
		}
	}
}

func (w *Watcher) publish(ctx context.Context, changes <-chan Change) {
	defer close(w.done)

	for c := range changes {
		// Delivery errors are logged by the hub
		_ = w.hub.Publish(ctx, CategoryChange, c)
		for _, cat := range c.Categories() {
			_ = w.hub.Publish(ctx, cat, c)
		}
	}
}
