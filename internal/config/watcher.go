package config

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the configuration when config.json changes on disk, so
// preference edits apply without restarting. Events are debounced because
// editors typically fire several writes per save.
type Watcher struct {
	manager      *Manager
	watcher      *fsnotify.Watcher
	onReload     func(*Config)
	debounceTime time.Duration

	mu      sync.Mutex
	pending bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher creates a watcher over the manager's config file. onReload
// receives every successfully reloaded config.
func NewWatcher(manager *Manager, onReload func(*Config)) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		manager:      manager,
		watcher:      watcher,
		onReload:     onReload,
		debounceTime: 500 * time.Millisecond,
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

// Start begins watching. The config directory is watched rather than the
// file itself because editors replace files by rename, which drops a watch
// on the inode.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.manager.GetConfigPath())
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch config dir %s: %w", dir, err)
	}

	w.wg.Add(2)
	go w.eventLoop()
	go w.debounceLoop()
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	w.cancel()
	w.wg.Wait()
	return w.watcher.Close()
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()

	configPath := w.manager.GetConfigPath()
	for {
		select {
		case <-w.ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != configPath {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.mu.Lock()
				w.pending = true
				w.mu.Unlock()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("⚠️  Config watcher error: %v", err)
		}
	}
}

func (w *Watcher) debounceLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.debounceTime)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.mu.Lock()
			pending := w.pending
			w.pending = false
			w.mu.Unlock()
			if !pending {
				continue
			}

			cfg, err := w.manager.Load()
			if err != nil {
				// Keep the previous config; a half-written or invalid file
				// must not wipe working settings.
				log.Printf("⚠️  Config reload skipped: %v", err)
				continue
			}
			log.Printf("🔄 Config reloaded from %s", w.manager.GetConfigPath())
			if w.onReload != nil {
				w.onReload(cfg)
			}
		}
	}
}
