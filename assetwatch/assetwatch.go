// Package assetwatch tells connected sessions when files under the static
// asset directory change, so development front ends can reload.
package assetwatch

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ggoodman/livegate/internal/logctx"
	"github.com/ggoodman/livegate/lifecycle"
	"github.com/ggoodman/livegate/sessions"
)

// FrameType is the type of the frame broadcast after a change.
const FrameType = "assets.changed"

// DefaultDebounce coalesces bursts of file events into one frame.
const DefaultDebounce = 250 * time.Millisecond

var ErrNoDir = errors.New("assetwatch: directory is required")

// ChangedFrame lists the paths, relative to the watched directory, that
// changed since the previous frame.
type ChangedFrame struct {
	Type  string   `json:"type"`
	Paths []string `json:"paths"`
}

// Broadcaster is the part of the session registry the watcher needs.
type Broadcaster interface {
	Broadcast(ctx context.Context, msg any, pred sessions.Predicate) error
}

type Option func(*Watcher)

func WithLogger(log *slog.Logger) Option {
	return func(w *Watcher) { w.log = logctx.Wrap(log) }
}

func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

type Watcher struct {
	dir      string
	to       Broadcaster
	log      *slog.Logger
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]struct{}
	timer   *time.Timer
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(dir string, to Broadcaster, opts ...Option) *Watcher {
	w := &Watcher{
		dir:      dir,
		to:       to,
		log:      logctx.Wrap(nil),
		debounce: DefaultDebounce,
		pending:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run watches the directory tree until ctx is done. Directories created
// while running are watched too.
func (w *Watcher) Run(ctx context.Context) error {
	if w.dir == "" {
		return ErrNoDir
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = fw.Close() }()

	if err := addTree(fw, w.dir); err != nil {
		return err
	}
	w.log.InfoContext(ctx, "assets.watch.start", slog.String("dir", w.dir))

	defer w.stopTimer()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					_ = addTree(fw, ev.Name)
				}
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				w.mark(ctx, ev.Name)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.WarnContext(ctx, "assets.watch.error", slog.String("err", err.Error()))
		}
	}
}

func addTree(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		return fw.Add(p)
	})
}

func (w *Watcher) mark(ctx context.Context, name string) {
	rel, err := filepath.Rel(w.dir, name)
	if err != nil {
		rel = name
	}
	rel = filepath.ToSlash(rel)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[rel] = struct{}{}
	if w.debounce <= 0 {
		go w.flush(ctx)
		return
	}
	if w.timer == nil {
		w.timer = time.AfterFunc(w.debounce, func() { w.flush(ctx) })
	}
}

func (w *Watcher) flush(ctx context.Context) {
	w.mu.Lock()
	w.timer = nil
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	clear(w.pending)
	w.mu.Unlock()

	slices.Sort(paths)
	if err := w.to.Broadcast(context.WithoutCancel(ctx), ChangedFrame{Type: FrameType, Paths: paths}, sessions.All()); err != nil {
		w.log.WarnContext(ctx, "assets.notify.partial", slog.String("err", err.Error()))
		return
	}
	w.log.DebugContext(ctx, "assets.notify", slog.Int("paths", len(paths)))
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

// Resource runs the watcher between Initialize and Dispose.
func (w *Watcher) Resource() lifecycle.Resource {
	return lifecycle.Resource{
		Name: "assetwatch",
		Initialize: func(context.Context) error {
			if w.dir == "" {
				return ErrNoDir
			}
			if _, err := os.Stat(w.dir); err != nil {
				return err
			}
			w.mu.Lock()
			defer w.mu.Unlock()
			if w.cancel != nil {
				return nil
			}
			ctx, cancel := context.WithCancel(context.Background())
			w.cancel = cancel
			w.done = make(chan struct{})
			go func(done chan struct{}) {
				defer close(done)
				if err := w.Run(ctx); err != nil {
					w.log.ErrorContext(ctx, "assets.watch.fail", slog.String("err", err.Error()))
				}
			}(w.done)
			return nil
		},
		Dispose: func(ctx context.Context) error {
			w.mu.Lock()
			cancel, done := w.cancel, w.done
			w.cancel = nil
			w.mu.Unlock()
			if cancel == nil {
				return nil
			}
			cancel()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
}
