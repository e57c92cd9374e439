package watch

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/tabchat/server/settings"
)

const debounceInterval = 100 * time.Millisecond

// SettingsWatcher reloads the settings file when it changes on disk and
// forwards every effective change to the onChange callback.
// Change events are queued so the store's mutex is never held while the
// callback runs.
type SettingsWatcher struct {
	store   *settings.Store
	watcher *fsnotify.Watcher
	eventCh chan settings.Settings

	onChangeMu sync.RWMutex
	onChange   func(settings.Settings)

	timerMu sync.Mutex
	timer   *time.Timer

	ctx    context.Context
	cancel context.CancelFunc
}

func NewSettingsWatcher(store *settings.Store) *SettingsWatcher {
	ctx, cancel := context.WithCancel(context.Background())
	w := &SettingsWatcher{
		store:   store,
		eventCh: make(chan settings.Settings, 16),
		ctx:     ctx,
		cancel:  cancel,
	}
	store.SetOnChangeListener(w)
	return w
}

// Start watches the directory holding the settings file; atomic saves
// replace the file, which would drop a watch on the file itself.
func (w *SettingsWatcher) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(w.store.Path())); err != nil {
		watcher.Close()
		return err
	}
	w.watcher = watcher

	go w.fsLoop()
	go w.eventLoop()
	slog.Info("SettingsWatcher started", "path", w.store.Path())
	return nil
}

func (w *SettingsWatcher) Stop() {
	w.cancel()
	if w.watcher != nil {
		w.watcher.Close()
	}

	w.timerMu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timerMu.Unlock()

	slog.Info("SettingsWatcher stopped")
}

// SetOnChange sets a callback that is invoked when settings change.
func (w *SettingsWatcher) SetOnChange(fn func(settings.Settings)) {
	w.onChangeMu.Lock()
	defer w.onChangeMu.Unlock()
	w.onChange = fn
}

func (w *SettingsWatcher) fsLoop() {
	target := filepath.Clean(w.store.Path())
	for {
		select {
		case <-w.ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.scheduleReload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("settings watcher error", "error", err)
		}
	}
}

func (w *SettingsWatcher) scheduleReload() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(debounceInterval, w.reload)
}

func (w *SettingsWatcher) reload() {
	if w.ctx.Err() != nil {
		return
	}
	if _, err := w.store.Reload(); err != nil {
		slog.Warn("failed to reload settings", "path", w.store.Path(), "error", err)
		return
	}
	slog.Debug("settings reloaded", "path", w.store.Path())
}

func (w *SettingsWatcher) eventLoop() {
	for {
		select {
		case <-w.ctx.Done():
			return
		case s := <-w.eventCh:
			w.onChangeMu.RLock()
			onChange := w.onChange
			w.onChangeMu.RUnlock()
			if onChange != nil {
				onChange(s)
			}
		}
	}
}

// OnSettingsChange implements settings.OnChangeListener.
// This method is called from the settings store's mutex, so it must not block.
func (w *SettingsWatcher) OnSettingsChange(s settings.Settings) {
	if w.ctx.Err() != nil {
		return
	}

	select {
	case w.eventCh <- s:
	default:
		slog.Warn("settings change event dropped (buffer full)")
	}
}
