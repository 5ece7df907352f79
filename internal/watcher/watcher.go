// Package watcher watches transcript directories with fsnotify and hands changed
// files to an importer after a debounce period.
package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultDebounce = 400 * time.Millisecond

// root is one watched transcript directory and every directory beneath it
// that has been registered with fsnotify.
type root struct {
	path    string
	watched map[string]struct{}
}

// extensionSet matches file names by lower-cased extension without the dot.
// An empty set matches everything.
type extensionSet map[string]struct{}

func newExtensionSet(exts []string) extensionSet {
	set := make(extensionSet, len(exts))
	for _, e := range exts {
		set[strings.TrimPrefix(strings.ToLower(e), ".")] = struct{}{}
	}
	return set
}

func (s extensionSet) match(path string) bool {
	if len(s) == 0 {
		return true
	}
	_, ok := s[strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")]
	return ok
}

// Watcher watches transcript directories and invokes callbacks when a
// transcript settles after writes or disappears.
type Watcher struct {
	mu        sync.Mutex
	notify    *fsnotify.Watcher
	roots     map[string]*root
	initial   []string
	exts      extensionSet
	recursive bool
	debounce  time.Duration
	pending   map[string]*time.Timer
	onChange  func(path string)
	onRemove  func(path string)
	done      chan struct{}
	stopOnce  sync.Once
	logger    *zap.Logger
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithLogger sets a logger for debug output (directory changes, file events, etc.).
func WithLogger(l *zap.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithDebounce sets how long a file must be quiet before onChange fires.
// Transcripts are appended line by line, so bursts of writes collapse into one import.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// NewWatcher creates a watcher. onChange is called once a matching file has settled
// and onRemove when it is deleted or renamed away; either may be nil. roots are
// watched from Start; extensions filter which files are reported (empty = all).
func NewWatcher(roots []string, extensions []string, recursive bool, onChange, onRemove func(path string), opts ...WatcherOption) *Watcher {
	w := &Watcher{
		roots:     make(map[string]*root),
		initial:   append([]string(nil), roots...),
		exts:      newExtensionSet(extensions),
		recursive: recursive,
		debounce:  defaultDebounce,
		pending:   make(map[string]*time.Timer),
		onChange:  onChange,
		onRemove:  onRemove,
		done:      make(chan struct{}),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start registers the initial roots, creating any that do not exist yet, and
// processes events until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.notify != nil {
		return nil
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.notify = fw
	for _, path := range w.initial {
		if _, err := w.addRootLocked(path); err != nil {
			_ = fw.Close()
			w.notify = nil
			w.roots = make(map[string]*root)
			return err
		}
	}
	w.logger.Debug("watcher started",
		zap.Strings("roots", w.directoriesLocked()),
		zap.Bool("recursive", w.recursive),
		zap.Duration("debounce", w.debounce))
	go w.run(ctx, fw)
	return nil
}

func (w *Watcher) run(ctx context.Context, fw *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.done:
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)
	r := w.rootFor(path)
	if r == nil {
		return
	}
	switch {
	case ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write):
		info, err := os.Stat(path)
		if err != nil {
			return
		}
		if info.IsDir() {
			if ev.Has(fsnotify.Create) && w.recursive {
				w.watchNewDirectory(r, path)
			}
			return
		}
		if w.exts.match(path) {
			w.schedule(path)
		}
	case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
		w.forget(r, path)
		if w.exts.match(path) && w.onRemove != nil {
			w.onRemove(path)
		}
	}
}

// rootFor returns the watched root containing path, or nil.
func (w *Watcher) rootFor(path string) *root {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, r := range w.roots {
		if inDir(r.path, path) {
			return r
		}
	}
	return nil
}

func inDir(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// watchNewDirectory registers a project directory created after Start and
// reports transcripts that were written before the registration took effect.
func (w *Watcher) watchNewDirectory(r *root, dir string) {
	w.mu.Lock()
	if w.notify == nil {
		w.mu.Unlock()
		return
	}
	added, err := w.watchTreeLocked(r, dir)
	w.mu.Unlock()
	if err != nil {
		w.logger.Warn("failed to watch new directory", zap.String("path", dir), zap.Error(err))
	}
	w.logger.Debug("watching new directory", zap.String("path", dir), zap.Int("directories", added))
	w.syncDirectory(dir)
}

// forget drops pending work for a removed file and, when path was a watched
// directory, the bookkeeping for it and everything below it.
func (w *Watcher) forget(r *root, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Stop()
		delete(w.pending, path)
	}
	for dir := range r.watched {
		if dir != r.path && inDir(path, dir) {
			delete(r.watched, dir)
		}
	}
}

// schedule (re)starts the quiet-period timer for path.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Reset(w.debounce)
		return
	}
	w.pending[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.logger.Debug("transcript settled", zap.String("path", path))
		if w.onChange != nil {
			w.onChange(path)
		}
	})
}

// watchTreeLocked adds dir (and its subdirectories when recursive) to fsnotify
// and records them under r. It returns how many directories were added.
func (w *Watcher) watchTreeLocked(r *root, dir string) (int, error) {
	if !w.recursive {
		if err := w.notify.Add(dir); err != nil {
			return 0, err
		}
		r.watched[dir] = struct{}{}
		return 1, nil
	}
	added := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if _, ok := r.watched[path]; ok {
			return nil
		}
		if err := w.notify.Add(path); err != nil {
			return err
		}
		r.watched[path] = struct{}{}
		added++
		return nil
	})
	return added, err
}

func (w *Watcher) addRootLocked(path string) (*root, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if r, ok := w.roots[abs]; ok {
		return r, nil
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, err
	}
	r := &root{path: abs, watched: make(map[string]struct{})}
	if _, err := w.watchTreeLocked(r, abs); err != nil {
		for dir := range r.watched {
			_ = w.notify.Remove(dir)
		}
		return nil, err
	}
	w.roots[abs] = r
	return r, nil
}

// syncDirectory reports every matching transcript under dir to onChange.
func (w *Watcher) syncDirectory(dir string) {
	if w.onChange == nil {
		return
	}
	found := 0
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != dir && !w.recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if w.exts.match(path) {
			found++
			w.onChange(path)
		}
		return nil
	})
	w.logger.Debug("synced directory", zap.String("path", dir), zap.Int("transcripts", found))
}

// AddDirectory starts watching root. When syncExisting is set, transcripts
// already present are reported to onChange in the background. Adding a root
// that is already watched is a no-op.
func (w *Watcher) AddDirectory(path string, syncExisting bool) error {
	w.mu.Lock()
	if w.notify == nil {
		w.mu.Unlock()
		return nil
	}
	before := len(w.roots)
	r, err := w.addRootLocked(path)
	isNew := len(w.roots) > before
	w.mu.Unlock()
	if err != nil {
		return err
	}
	if isNew {
		w.logger.Info("watching directory", zap.String("path", r.path), zap.Int("directories", len(r.watched)))
		if syncExisting {
			go w.syncDirectory(r.path)
		}
	}
	return nil
}

// RemoveDirectory stops watching the given root and every directory found
// beneath it. Imported messages are kept.
func (w *Watcher) RemoveDirectory(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.roots[abs]
	if !ok || w.notify == nil {
		return nil
	}
	for dir := range r.watched {
		_ = w.notify.Remove(dir)
	}
	for file, t := range w.pending {
		if inDir(abs, file) {
			t.Stop()
			delete(w.pending, file)
		}
	}
	delete(w.roots, abs)
	w.logger.Info("stopped watching directory", zap.String("path", abs))
	return nil
}

// Directories returns the watched roots in sorted order.
func (w *Watcher) Directories() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.directoriesLocked()
}

func (w *Watcher) directoriesLocked() []string {
	dirs := make([]string, 0, len(w.roots))
	for path := range w.roots {
		dirs = append(dirs, path)
	}
	sort.Strings(dirs)
	return dirs
}

// SyncExistingFiles reports every existing transcript under the watched roots
// to onChange. Call it after Start to import files written while kioku was down.
func (w *Watcher) SyncExistingFiles() {
	for _, dir := range w.Directories() {
		w.syncDirectory(dir)
	}
}

// Stop stops the watcher, cancels pending callbacks and releases resources.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.notify == nil {
		w.mu.Unlock()
		return
	}
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
	_ = w.notify.Close()
	w.notify = nil
	w.mu.Unlock()
	w.stopOnce.Do(func() { close(w.done) })
}
