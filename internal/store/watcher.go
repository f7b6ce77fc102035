package store

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pelletier/go-toml/v2"
)

// debounceDelay coalesces bursts of filesystem events into one reload.
const debounceDelay = 100 * time.Millisecond

// Watcher reloads the store when the config file is edited externally
// (for example, a token pasted in by hand). The file's directory is watched
// rather than the file itself so that atomic rename-over writes are seen.
type Watcher struct {
	store   *Store
	watcher *fsnotify.Watcher
	onLoad  func(Config)

	debounceMu    sync.Mutex
	debounceTimer *time.Timer

	done    chan struct{}
	stopped chan struct{}
}

// Watch starts watching the store's config file. onLoad, if non-nil, is called
// with the freshly loaded config after each external change.
func (s *Store) Watch(onLoad func(Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		fw.Close()
		return nil, err
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		store:   s,
		watcher: fw,
		onLoad:  onLoad,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Close stops the watcher and waits for its event loop to exit.
func (w *Watcher) Close() error {
	close(w.done)
	err := w.watcher.Close()
	<-w.stopped
	return err
}

func (w *Watcher) loop() {
	defer close(w.stopped)
	target := filepath.Base(w.store.path)
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			w.scheduleReload()
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(debounceDelay, w.reload)
}

func (w *Watcher) reload() {
	s := w.store
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("config reload failed", "error", err)
		}
		return
	}
	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		// A half-written or hand-mangled file must not clobber live state.
		s.log.Warn("ignoring unparsable config file", "error", err)
		return
	}

	s.mu.Lock()
	s.applyLoaded(fc.Yuewen)
	cfg := s.cfg
	s.mu.Unlock()

	s.log.Debug("config reloaded from disk", "path", s.path)
	if w.onLoad != nil {
		w.onLoad(cfg)
	}
}
