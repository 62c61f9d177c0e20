package search

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/lecternapp/lectern/internal/modelfiles"
	"github.com/lecternapp/lectern/internal/store"
)

type fakeSettings struct {
	settings Settings
	err      error
}

func (f *fakeSettings) Load(_ context.Context) (Settings, error) {
	return f.settings, f.err
}

type fakeEmbedder struct {
	called bool
	vector []float32
	err    error
	delay  time.Duration
}

func (f *fakeEmbedder) EmbedQuery(ctx context.Context, _ string, _ store.EmbeddingProfile, _ string) ([]float32, error) {
	f.called = true
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.vector, f.err
}

type fakeVectors struct {
	called  bool
	results []store.SearchResult
	err     error
}

func (f *fakeVectors) SearchByEmbedding(_ context.Context, _ store.EmbeddingProfile, _ []float32, _ int, _, _ string) ([]store.SearchResult, error) {
	f.called = true
	return f.results, f.err
}

type fakeKeyword struct {
	called  bool
	results []store.SearchResult
	err     error
}

func (f *fakeKeyword) Search(_, _ string, _ int) ([]store.SearchResult, error) {
	f.called = true
	return f.results, f.err
}

func localSettings() Settings {
	return Settings{
		Provider:  store.ProviderLocalTransformers,
		Model:     "Xenova/all-MiniLM-L6-v2",
		Dimension: 384,
		TopK:      8,
	}
}

func semanticResults() []store.SearchResult {
	return []store.SearchResult{{ParagraphID: "p1", Snippet: "semantic hit", Score: 0.9}}
}

func keywordResults() []store.SearchResult {
	return []store.SearchResult{{ParagraphID: "p2", Snippet: "keyword hit", Score: 1.2}}
}

func newTestOrchestrator(settings *fakeSettings, embedder *fakeEmbedder, vectors *fakeVectors, kw *fakeKeyword) *Orchestrator {
	o := NewOrchestrator(settings, embedder, vectors, kw, nil)
	o.validate = func(string) modelfiles.ValidationResult {
		return modelfiles.ValidationResult{Valid: true}
	}
	return o
}

func TestSemanticPathSuccess(t *testing.T) {
	embedder := &fakeEmbedder{vector: []float32{1, 0}}
	vectors := &fakeVectors{results: semanticResults()}
	kw := &fakeKeyword{results: keywordResults()}
	o := newTestOrchestrator(&fakeSettings{settings: localSettings()}, embedder, vectors, kw)

	var highlighted []string
	o.highlight = func(ids []string) { highlighted = ids }

	resp, err := o.Search(context.Background(), "machine learning", Options{})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if resp.Mode != ModeSemantic {
		t.Errorf("expected semantic mode, got %s", resp.Mode)
	}
	if resp.Hint != nil {
		t.Errorf("expected no hint on success, got %+v", resp.Hint)
	}
	if len(resp.Results) != 1 || resp.Results[0].ParagraphID != "p1" {
		t.Errorf("unexpected results: %+v", resp.Results)
	}
	if kw.called {
		t.Error("keyword search should not run when the semantic path succeeds")
	}
	if len(highlighted) != 1 || highlighted[0] != "p1" {
		t.Errorf("expected highlight for p1, got %v", highlighted)
	}
}

func TestFallbackOnVectorSearchFailure(t *testing.T) {
	embedder := &fakeEmbedder{vector: []float32{1, 0}}
	vectors := &fakeVectors{err: errors.New("connection refused")}
	kw := &fakeKeyword{results: keywordResults()}
	o := newTestOrchestrator(&fakeSettings{settings: localSettings()}, embedder, vectors, kw)

	resp, err := o.Search(context.Background(), "machine learning", Options{})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if resp.Mode != ModeKeyword {
		t.Errorf("expected keyword mode, got %s", resp.Mode)
	}
	if len(resp.Results) != 1 || resp.Results[0].ParagraphID != "p2" {
		t.Errorf("expected keyword results, got %+v", resp.Results)
	}
	if resp.Hint == nil || resp.Hint.Category != CategoryServiceUnavailable {
		t.Errorf("expected service-unavailable hint, got %+v", resp.Hint)
	}
}

func TestFallbackOnEmbeddingFailure(t *testing.T) {
	embedder := &fakeEmbedder{err: errors.New("no models loaded")}
	vectors := &fakeVectors{results: semanticResults()}
	kw := &fakeKeyword{results: keywordResults()}
	o := newTestOrchestrator(&fakeSettings{settings: localSettings()}, embedder, vectors, kw)

	resp, err := o.Search(context.Background(), "machine learning", Options{})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if resp.Mode != ModeKeyword {
		t.Errorf("expected keyword mode, got %s", resp.Mode)
	}
	if vectors.called {
		t.Error("vector search should not run after an embedding failure")
	}
	if resp.Hint == nil || resp.Hint.Category != CategoryNoModelsLoaded {
		t.Errorf("expected no-models-loaded hint, got %+v", resp.Hint)
	}
}

func TestRemoteProviderSkipsSemanticPath(t *testing.T) {
	embedder := &fakeEmbedder{vector: []float32{1, 0}}
	vectors := &fakeVectors{results: semanticResults()}
	kw := &fakeKeyword{results: keywordResults()}
	settings := localSettings()
	settings.Provider = store.ProviderLMStudio
	o := newTestOrchestrator(&fakeSettings{settings: settings}, embedder, vectors, kw)

	resp, err := o.Search(context.Background(), "machine learning", Options{})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if resp.Mode != ModeKeyword {
		t.Errorf("expected keyword mode, got %s", resp.Mode)
	}
	if embedder.called || vectors.called {
		t.Error("semantic path should not run for remote providers")
	}
	if resp.Hint != nil {
		t.Errorf("expected no hint for a deliberate keyword route, got %+v", resp.Hint)
	}
}

func TestInvalidLocalPathFallsBackWithHint(t *testing.T) {
	embedder := &fakeEmbedder{vector: []float32{1, 0}}
	vectors := &fakeVectors{results: semanticResults()}
	kw := &fakeKeyword{results: keywordResults()}
	settings := localSettings()
	settings.LocalModelPath = "/models/broken"
	o := newTestOrchestrator(&fakeSettings{settings: settings}, embedder, vectors, kw)
	o.validate = func(string) modelfiles.ValidationResult {
		return modelfiles.ValidationResult{
			Valid:        false,
			CheckedPath:  "/models/broken",
			MissingFiles: []string{"onnx/model_quantized.onnx (or onnx/model.onnx)"},
		}
	}

	resp, err := o.Search(context.Background(), "machine learning", Options{})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if embedder.called || vectors.called {
		t.Error("semantic path should not run when the local path is invalid")
	}
	if resp.Mode != ModeKeyword {
		t.Errorf("expected keyword mode, got %s", resp.Mode)
	}
	if resp.Hint == nil || resp.Hint.Category != CategoryMissingModelFiles {
		t.Fatalf("expected missing-model-files hint, got %+v", resp.Hint)
	}
	if resp.Hint.Remediation != RemediationDownloadModel {
		t.Errorf("expected download remediation, got %q", resp.Hint.Remediation)
	}
}

func TestBothPathsFailing(t *testing.T) {
	embedder := &fakeEmbedder{err: errors.New("connection refused")}
	vectors := &fakeVectors{}
	kw := &fakeKeyword{err: errors.New("index corrupted")}
	o := newTestOrchestrator(&fakeSettings{settings: localSettings()}, embedder, vectors, kw)

	_, err := o.Search(context.Background(), "machine learning", Options{})
	if err == nil {
		t.Fatal("expected error when both paths fail")
	}
	if !strings.Contains(err.Error(), "keyword search failed") {
		t.Errorf("expected the final failure surfaced, got: %v", err)
	}
}

func TestStageTimeoutTriggersFallback(t *testing.T) {
	embedder := &fakeEmbedder{vector: []float32{1, 0}, delay: time.Second}
	vectors := &fakeVectors{results: semanticResults()}
	kw := &fakeKeyword{results: keywordResults()}
	o := newTestOrchestrator(&fakeSettings{settings: localSettings()}, embedder, vectors, kw)
	o.stageTimeout = 50 * time.Millisecond

	resp, err := o.Search(context.Background(), "machine learning", Options{})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if resp.Mode != ModeKeyword {
		t.Errorf("expected keyword fallback after timeout, got %s", resp.Mode)
	}
	if resp.Hint == nil || resp.Hint.Category != CategoryServiceUnavailable {
		t.Errorf("expected service-unavailable hint for timeout, got %+v", resp.Hint)
	}
}

func TestForceKeyword(t *testing.T) {
	embedder := &fakeEmbedder{vector: []float32{1, 0}}
	vectors := &fakeVectors{results: semanticResults()}
	kw := &fakeKeyword{results: keywordResults()}
	o := newTestOrchestrator(&fakeSettings{settings: localSettings()}, embedder, vectors, kw)

	resp, err := o.Search(context.Background(), "machine learning", Options{ForceKeyword: true})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if resp.Mode != ModeKeyword || embedder.called {
		t.Error("expected a direct keyword route with ForceKeyword")
	}
}

func TestConfigLoadFailureIsFatal(t *testing.T) {
	kw := &fakeKeyword{results: keywordResults()}
	o := newTestOrchestrator(&fakeSettings{err: errors.New("config file unreadable")}, &fakeEmbedder{}, &fakeVectors{}, kw)

	_, err := o.Search(context.Background(), "machine learning", Options{})
	if err == nil {
		t.Fatal("expected error when config cannot load")
	}
	if kw.called {
		t.Error("keyword search should not run without config")
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		message  string
		category Category
	}{
		{"connect: connection refused", CategoryServiceUnavailable},
		{"502 bad gateway", CategoryServiceUnavailable},
		{"embedding query timed out after 20s", CategoryServiceUnavailable},
		{"received HTML body instead of model file (possible proxy interception)", CategoryProxyInterception},
		{"Unexpected token < in JSON", CategoryProxyInterception},
		{"no models loaded", CategoryNoModelsLoaded},
		{"failed to load local model from /x: missing files: config.json", CategoryMissingModelFiles},
		{"embedding cancelled", CategoryCancelled},
		{"something odd happened", CategoryUnknown},
	}
	for _, c := range cases {
		got := Classify(errors.New(c.message))
		if got.Category != c.category {
			t.Errorf("Classify(%q) = %s, want %s", c.message, got.Category, c.category)
		}
	}
}
