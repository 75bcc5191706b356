// Package document tracks the on-disk source backing a preview session.
//
// Editors normally push buffer contents straight into the session; the
// watcher covers the other path, where the file changes underneath the
// editor (git checkout, external tools, atomic saves). It watches the
// file's parent directory so rename-based save strategies are seen, and
// debounces bursts so one recompile follows a flurry of writes.
package document

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dshills/marksync/internal/schedule"
)

// DefaultDebounceWindow collapses bursts of filesystem events.
const DefaultDebounceWindow = 100 * time.Millisecond

// ErrWatcherClosed is returned when using a closed watcher.
var ErrWatcherClosed = errors.New("document watcher is closed")

// Config configures a Watcher.
type Config struct {
	// OnChange receives the file's new contents after a change settles.
	// Required.
	OnChange func(source string)

	// OnRemove fires when the watched file disappears without replacement.
	OnRemove func()

	// OnError receives watch and read failures.
	OnError func(err error)

	// DebounceWindow overrides the settle window. Zero means the default.
	DebounceWindow time.Duration

	// Clock drives the debounce timer. Nil means the system clock.
	Clock schedule.Clock
}

// Watcher follows one document file on disk.
type Watcher struct {
	path string
	name string
	cfg  Config

	fsw       *fsnotify.Watcher
	debouncer *schedule.Debouncer

	closed    atomic.Bool
	closeOnce sync.Once
	doneWg    sync.WaitGroup

	changesSeen atomic.Uint64
}

// Watch starts following path. The file must exist when the watch begins.
func Watch(path string, cfg Config) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(absPath); err != nil {
		return nil, err
	}

	window := cfg.DebounceWindow
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	clock := cfg.Clock
	if clock == nil {
		clock = schedule.SystemClock()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watching the parent directory keeps the watch alive across the
	// remove-then-rename dance editors and tools use for atomic saves.
	if err := fsw.Add(filepath.Dir(absPath)); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	w := &Watcher{
		path:      absPath,
		name:      filepath.Base(absPath),
		cfg:       cfg,
		fsw:       fsw,
		debouncer: schedule.NewDebouncer(window, schedule.WithClock(clock)),
	}

	w.doneWg.Add(1)
	go w.loop()
	return w, nil
}

// Path returns the watched file's absolute path.
func (w *Watcher) Path() string {
	return w.path
}

// ChangesSeen returns how many settled change notifications fired.
func (w *Watcher) ChangesSeen() uint64 {
	return w.changesSeen.Load()
}

// Close stops the watch. Pending debounced changes are discarded.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.closed.Store(true)
		w.debouncer.Cancel()
		err = w.fsw.Close()
		w.doneWg.Wait()
	})
	return err
}

// loop consumes raw filesystem events until the watcher closes.
func (w *Watcher) loop() {
	defer w.doneWg.Done()
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if w.cfg.OnError != nil {
				w.cfg.OnError(err)
			}
		}
	}
}

// handle filters directory events down to the watched file and debounces
// content changes.
func (w *Watcher) handle(event fsnotify.Event) {
	if filepath.Base(event.Name) != w.name {
		return
	}

	switch {
	case event.Op&(fsnotify.Write|fsnotify.Create) != 0:
		w.debouncer.Trigger(w.fireChange)
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		// Atomic saves remove then recreate; only report removals that
		// stick once the settle window passes.
		w.debouncer.Trigger(w.fireRemoveOrChange)
	}
}

// fireChange reads the settled file and reports its contents.
func (w *Watcher) fireChange() {
	if w.closed.Load() {
		return
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		if w.cfg.OnError != nil {
			w.cfg.OnError(err)
		}
		return
	}
	w.changesSeen.Add(1)
	if w.cfg.OnChange != nil {
		w.cfg.OnChange(string(data))
	}
}

// fireRemoveOrChange distinguishes a real removal from an atomic-save
// replacement.
func (w *Watcher) fireRemoveOrChange() {
	if w.closed.Load() {
		return
	}
	if _, err := os.Stat(w.path); err != nil {
		if os.IsNotExist(err) {
			if w.cfg.OnRemove != nil {
				w.cfg.OnRemove()
			}
			return
		}
		if w.cfg.OnError != nil {
			w.cfg.OnError(err)
		}
		return
	}
	w.fireChange()
}
