package changes

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"tributary/internal/logging"
)

// Watch defaults.
const (
	DefaultDebounce     = 200 * time.Millisecond
	DefaultRenameWindow = 500 * time.Millisecond
)

// WatchOptions tunes event coalescing.
type WatchOptions struct {
	// Debounce delays created/modified records until writes to a path have
	// been quiet this long.
	Debounce time.Duration
	// RenameWindow is how long a rename waits for its matching create
	// before it is reported as a deletion.
	RenameWindow time.Duration
	Logger       *slog.Logger
}

// Watcher is the infinite Source backed by fsnotify.
type Watcher struct {
	rules *Rules
	opts  WatchOptions
	fsw   *fsnotify.Watcher
	out   chan Record

	closeOnce sync.Once
	closed    chan struct{}

	// ready holds records produced while handling an event. Only the Run
	// goroutine touches it.
	ready []Record

	mu      sync.Mutex
	dirs    map[string]bool
	pending map[string]*pendingWrite
	rename  *pendingRename
}

type pendingWrite struct {
	kind  Kind
	timer *time.Timer
}

type pendingRename struct {
	rel   string
	isDir bool
	timer *time.Timer
}

// NewWatcher subscribes to filesystem events under rules.Root().
func NewWatcher(rules *Rules, opts WatchOptions) (*Watcher, error) {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.RenameWindow <= 0 {
		opts.RenameWindow = DefaultRenameWindow
	}
	if opts.Logger == nil {
		opts.Logger = logging.WithComponent("watch")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		rules:   rules,
		opts:    opts,
		fsw:     fsw,
		out:     make(chan Record, 64),
		closed:  make(chan struct{}),
		dirs:    make(map[string]bool),
		pending: make(map[string]*pendingWrite),
	}, nil
}

func (w *Watcher) Name() string { return "watch" }

// Close stops the subscription. Run returns shortly after.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.closed)
		w.mu.Lock()
		for _, p := range w.pending {
			p.timer.Stop()
		}
		if w.rename != nil {
			w.rename.timer.Stop()
		}
		w.mu.Unlock()
		err = w.fsw.Close()
	})
	return err
}

// Run watches the workspace until ctx ends or Close is called.
func (w *Watcher) Run(ctx context.Context, sink Sink) error {
	defer w.Close()

	if err := w.addTree(w.rules.Root(), nil); err != nil {
		return err
	}
	w.opts.Logger.Info("watching", "root", w.rules.Root())

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.closed:
			return nil
		case rec := <-w.out:
			if err := sink(ctx, rec); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ev)
			if err := w.flush(ctx, sink); err != nil {
				return err
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.opts.Logger.Warn("watch error", "error", err)
		}
	}
}

func (w *Watcher) flush(ctx context.Context, sink Sink) error {
	for len(w.ready) > 0 {
		rec := w.ready[0]
		w.ready = w.ready[1:]
		if err := sink(ctx, rec); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
	return nil
}

func (w *Watcher) rel(abs string) (string, bool) {
	rel, err := filepath.Rel(w.rules.Root(), abs)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

func (w *Watcher) abs(rel string) string {
	return filepath.Join(w.rules.Root(), filepath.FromSlash(rel))
}

func (w *Watcher) handle(ev fsnotify.Event) {
	rel, ok := w.rel(ev.Name)
	if !ok {
		return
	}
	if IsIgnoreFile(rel) && !ev.Has(fsnotify.Chmod) {
		w.opts.Logger.Debug("ignore rules changed, reloading", "file", rel)
		w.rules.Reload()
	}

	switch {
	case ev.Has(fsnotify.Create):
		w.onCreate(rel)
	case ev.Has(fsnotify.Write):
		w.onWrite(rel)
	case ev.Has(fsnotify.Rename):
		w.onRename(rel)
	case ev.Has(fsnotify.Remove):
		w.onRemove(rel)
	}
}

func (w *Watcher) onCreate(rel string) {
	abs := w.abs(rel)
	info, err := os.Lstat(abs)
	if err != nil {
		return
	}

	w.mu.Lock()
	pr := w.rename
	if pr != nil {
		pr.timer.Stop()
		w.rename = nil
	}
	w.mu.Unlock()

	if info.IsDir() {
		if w.rules.SkipDir(rel) {
			if pr != nil {
				w.emitNow(w.record(pr.rel, KindDeleted, ""))
			}
			return
		}
		if pr != nil {
			// Directory moves are reported as removal of the old tree plus
			// creation of every file in the new one.
			w.emitNow(w.record(pr.rel, KindDeleted, ""))
		}
		w.addTree(abs, func(fileRel string) {
			w.emitNow(w.record(fileRel, KindCreated, ""))
		})
		return
	}

	if !info.Mode().IsRegular() || w.rules.SkipFile(rel, -1) {
		if pr != nil {
			w.emitNow(w.record(pr.rel, KindDeleted, ""))
		}
		return
	}
	if pr != nil && !pr.isDir {
		w.emitNow(w.record(rel, KindRenamed, pr.rel))
		return
	}
	if pr != nil {
		w.emitNow(w.record(pr.rel, KindDeleted, ""))
	}
	w.debounce(rel, KindCreated)
}

func (w *Watcher) onWrite(rel string) {
	if w.rules.SkipFile(rel, -1) {
		return
	}
	w.debounce(rel, KindModified)
}

func (w *Watcher) onRename(rel string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	isDir := w.dirs[rel]
	if !isDir && w.rules.SkipFile(rel, -1) {
		return
	}
	w.forget(rel)
	if prev := w.rename; prev != nil {
		prev.timer.Stop()
		w.emitNow(w.record(prev.rel, KindDeleted, ""))
	}
	pr := &pendingRename{rel: rel, isDir: isDir}
	pr.timer = time.AfterFunc(w.opts.RenameWindow, func() {
		w.mu.Lock()
		if w.rename != pr {
			w.mu.Unlock()
			return
		}
		w.rename = nil
		w.mu.Unlock()
		w.deliver(w.record(pr.rel, KindDeleted, ""))
	})
	w.rename = pr
}

func (w *Watcher) onRemove(rel string) {
	w.mu.Lock()
	isDir := w.dirs[rel]
	w.forget(rel)
	w.mu.Unlock()

	if !isDir && w.rules.SkipFile(rel, -1) {
		return
	}
	w.emitNow(w.record(rel, KindDeleted, ""))
}

// forget drops pending writes and watched directories at or below rel.
// Callers hold w.mu.
func (w *Watcher) forget(rel string) {
	if p, ok := w.pending[rel]; ok {
		p.timer.Stop()
		delete(w.pending, rel)
	}
	prefix := rel + "/"
	for d := range w.dirs {
		if d == rel || strings.HasPrefix(d, prefix) {
			delete(w.dirs, d)
		}
	}
}

// debounce (re)arms the quiet-period timer for rel. A created record stays
// created when writes follow it.
func (w *Watcher) debounce(rel string, kind Kind) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if p, ok := w.pending[rel]; ok {
		p.timer.Reset(w.opts.Debounce)
		return
	}
	p := &pendingWrite{kind: kind}
	p.timer = time.AfterFunc(w.opts.Debounce, func() {
		w.mu.Lock()
		if w.pending[rel] != p {
			w.mu.Unlock()
			return
		}
		delete(w.pending, rel)
		w.mu.Unlock()
		w.deliver(w.record(rel, p.kind, ""))
	})
	w.pending[rel] = p
}

func (w *Watcher) record(rel string, kind Kind, oldPath string) Record {
	return Record{
		Path:       rel,
		Kind:       kind,
		AbsPath:    w.abs(rel),
		OldPath:    oldPath,
		ObservedAt: time.Now(),
		Origin:     OriginWatch,
	}
}

func (w *Watcher) emitNow(rec Record) {
	w.ready = append(w.ready, rec)
}

// deliver hands rec to the Run loop, giving up once the watcher is closed.
func (w *Watcher) deliver(rec Record) {
	select {
	case w.out <- rec:
	case <-w.closed:
	}
}

// addTree watches root and every non-ignored directory below it. When
// onFile is set it is called for each indexable file found.
func (w *Watcher) addTree(root string, onFile func(rel string)) error {
	return filepath.WalkDir(root, func(abs string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, inside := w.rel(abs)
		if d.IsDir() {
			if inside && w.rules.SkipDir(rel) {
				return filepath.SkipDir
			}
			if err := w.fsw.Add(abs); err != nil {
				if errors.Is(err, fsnotify.ErrClosed) {
					return err
				}
				w.opts.Logger.Warn("cannot watch directory", "path", abs, "error", err)
				return nil
			}
			if inside {
				w.mu.Lock()
				w.dirs[rel] = true
				w.mu.Unlock()
			}
			return nil
		}
		if onFile == nil || !inside || !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil || w.rules.SkipFile(rel, info.Size()) {
			return nil
		}
		onFile(rel)
		return nil
	})
}
