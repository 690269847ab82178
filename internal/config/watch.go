package config

import (
	"context"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a config file on change and hands the parsed result
// to a callback. Invalid intermediate states (editors writing in two
// steps) are skipped rather than surfaced.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func(*Config)
	onError  func(error)

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWatcher builds a watcher for path. onError may be nil.
func NewWatcher(path string, debounce time.Duration, onChange func(*Config), onError func(error)) *Watcher {
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	if onError == nil {
		onError = func(error) {}
	}
	return &Watcher{path: path, debounce: debounce, onChange: onChange, onError: onError}
}

// Start begins watching until ctx ends or Close is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.watcher != nil {
		w.mu.Unlock()
		return nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	if err := fsw.Add(w.path); err != nil {
		_ = fsw.Close()
		w.mu.Unlock()
		return err
	}
	w.watcher = fsw
	watchCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.mu.Unlock()

	w.wg.Add(1)
	go w.loop(watchCtx, fsw)
	return nil
}

// Close stops the watcher and waits for the loop to exit.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	fsw := w.watcher
	w.watcher = nil
	w.mu.Unlock()

	if fsw != nil {
		_ = fsw.Close()
	}
	w.wg.Wait()
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer w.wg.Done()

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.onError(err)
		case <-timerC:
			cfg, err := Load(w.path)
			if err != nil {
				w.onError(err)
				continue
			}
			w.onChange(cfg)
		}
	}
}
