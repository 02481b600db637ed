package config

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/moolen/sentinel/internal/logging"
)

// PolicyCallback receives the healing section of a reloaded config file.
type PolicyCallback func(HealingConfig) error

// PolicyWatcher reloads the config file on change and hands the healing
// policy to a callback. Invalid files are logged and the previous policy stays
// in force. It implements lifecycle.Component.
type PolicyWatcher struct {
	path     string
	debounce time.Duration
	callback PolicyCallback
	logger   *logging.Logger

	mu            sync.Mutex
	cancel        context.CancelFunc
	stopped       chan struct{}
	ready         chan struct{}
	debounceTimer *time.Timer
}

// NewPolicyWatcher creates a watcher for path. A zero debounce defaults to 500ms.
func NewPolicyWatcher(path string, debounce time.Duration, callback PolicyCallback) (*PolicyWatcher, error) {
	if path == "" {
		return nil, fmt.Errorf("path cannot be empty")
	}
	if callback == nil {
		return nil, fmt.Errorf("callback cannot be nil")
	}
	if debounce == 0 {
		debounce = 500 * time.Millisecond
	}
	return &PolicyWatcher{
		path:     path,
		debounce: debounce,
		callback: callback,
		logger:   logging.GetLogger("config.watcher"),
		stopped:  make(chan struct{}),
		ready:    make(chan struct{}),
	}, nil
}

func (w *PolicyWatcher) Name() string {
	return "Policy Watcher"
}

// Start begins watching. The initial policy is applied by whoever loaded the
// config, so Start only reacts to later changes.
func (w *PolicyWatcher) Start(ctx context.Context) error {
	watchCtx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	go w.watchLoop(watchCtx)

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	case <-time.After(5 * time.Second):
		cancel()
		return fmt.Errorf("timeout waiting for file watcher to initialize")
	}
}

func (w *PolicyWatcher) signalReady() {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.ready:
	default:
		close(w.ready)
	}
}

func (w *PolicyWatcher) watchLoop(ctx context.Context) {
	defer close(w.stopped)
	defer w.signalReady()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.ErrorWithErr("failed to create file watcher", err)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(w.path); err != nil {
		w.logger.Error("failed to watch %s: %v", w.path, err)
		return
	}
	w.logger.Info("watching %s for policy changes (debounce %s)", w.path, w.debounce)
	w.signalReady()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			// Editors replace files atomically; the old inode's watch is gone.
			if event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
				time.Sleep(50 * time.Millisecond)
				if err := watcher.Add(w.path); err != nil {
					w.logger.Warn("failed to re-add watch after %s: %v", event.Op, err)
				}
			}
			w.scheduleReload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error: %v", err)
		}
	}
}

func (w *PolicyWatcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.debounce, w.reload)
}

func (w *PolicyWatcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("keeping previous healing policy, reload failed: %v", err)
		return
	}
	if err := w.callback(cfg.Healing); err != nil {
		w.logger.Warn("healing policy callback failed: %v", err)
		return
	}
	w.logger.InfoWithFields("healing policy reloaded",
		logging.Field("rate_limit", cfg.Healing.RateLimit),
		logging.Field("cooldown", cfg.Healing.Cooldown.String()),
		logging.Field("blast_radius", cfg.Healing.BlastRadius),
	)
}

// Stop ends the watch loop and waits up to the context deadline.
func (w *PolicyWatcher) Stop(ctx context.Context) error {
	if w.cancel == nil {
		return nil
	}
	w.cancel()

	w.mu.Lock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.mu.Unlock()

	select {
	case <-w.stopped:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting for policy watcher to stop: %w", ctx.Err())
	}
}
