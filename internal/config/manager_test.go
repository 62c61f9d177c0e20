package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lecternapp/lectern/internal/store"
)

func TestLoadReturnsDefaultsWhenMissing(t *testing.T) {
	m := NewManagerAt(t.TempDir())

	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.EmbeddingProvider != store.ProviderLocalTransformers {
		t.Errorf("expected local_transformers default, got %q", cfg.EmbeddingProvider)
	}
	if cfg.EmbeddingModel != "Xenova/all-MiniLM-L6-v2" {
		t.Errorf("unexpected default model: %q", cfg.EmbeddingModel)
	}
	if cfg.EmbeddingDimension != 384 {
		t.Errorf("expected dimension 384, got %d", cfg.EmbeddingDimension)
	}
	if cfg.TopK != 8 {
		t.Errorf("expected top_k 8, got %d", cfg.TopK)
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	m := NewManagerAt(t.TempDir())

	cfg := DefaultConfig()
	cfg.EmbeddingProvider = store.ProviderLMStudio
	cfg.EmbeddingModel = "nomic-embed-text"
	cfg.EmbeddingDimension = 768
	cfg.LMStudioURL = "http://localhost:1234/v1"
	if err := m.Save(cfg); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if !m.Exists() {
		t.Fatal("expected config file to exist after Save")
	}

	loaded, err := m.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.EmbeddingProvider != store.ProviderLMStudio || loaded.EmbeddingModel != "nomic-embed-text" {
		t.Errorf("round trip mismatch: %+v", loaded)
	}
	if loaded.EmbeddingDimension != 768 {
		t.Errorf("expected dimension 768, got %d", loaded.EmbeddingDimension)
	}
}

func TestLoadRejectsInvalidProvider(t *testing.T) {
	dir := t.TempDir()
	m := NewManagerAt(dir)
	if err := os.WriteFile(filepath.Join(dir, "config.json"),
		[]byte(`{"embedding_provider": "carrier_pigeon"}`), 0600); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	_, err := m.Load()
	if err == nil {
		t.Fatal("expected validation error for unknown provider")
	}
	if !strings.Contains(err.Error(), "invalid config") {
		t.Errorf("expected schema error, got: %v", err)
	}
}

func TestLoadRejectsBadDimension(t *testing.T) {
	dir := t.TempDir()
	m := NewManagerAt(dir)
	if err := os.WriteFile(filepath.Join(dir, "config.json"),
		[]byte(`{"embedding_dimension": 0}`), 0600); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	if _, err := m.Load(); err == nil {
		t.Fatal("expected validation error for zero dimension")
	}
}

func TestProfile(t *testing.T) {
	cfg := DefaultConfig()
	profile := cfg.Profile()
	if profile.Provider != store.ProviderLocalTransformers {
		t.Errorf("unexpected provider: %q", profile.Provider)
	}
	if profile.Dimension != 384 {
		t.Errorf("unexpected dimension: %d", profile.Dimension)
	}
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	m := NewManagerAt(dir)
	if err := m.Save(DefaultConfig()); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	var mu sync.Mutex
	var reloaded *Config
	w, err := NewWatcher(m, func(cfg *Config) {
		mu.Lock()
		reloaded = cfg
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	w.debounceTime = 50 * time.Millisecond
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	updated := DefaultConfig()
	updated.TopK = 17
	if err := m.Save(updated); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		mu.Lock()
		got := reloaded
		mu.Unlock()
		if got != nil && got.TopK == 17 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("watcher did not reload config in time")
		case <-time.After(20 * time.Millisecond):
		}
	}
}
