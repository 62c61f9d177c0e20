package search

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/lecternapp/lectern/internal/modelfiles"
	"github.com/lecternapp/lectern/internal/store"
)

// defaultStageTimeout bounds every network/compute stage of one search.
const defaultStageTimeout = 20 * time.Second

const defaultTopK = 8

// Mode records which path produced the results. It is informational only;
// both paths share the same result shape.
type Mode string

const (
	ModeSemantic Mode = "semantic"
	ModeKeyword  Mode = "keyword"
)

// Settings is the slice of reader configuration one search needs.
type Settings struct {
	Provider       string
	Model          string
	Dimension      int
	LocalModelPath string
	TopK           int
}

// SettingsLoader supplies current settings at query time, so config edits
// apply without restarting a search session.
type SettingsLoader interface {
	Load(ctx context.Context) (Settings, error)
}

// QueryEmbedder turns a query string into a vector under a profile.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, query string, profile store.EmbeddingProfile, localModelPath string) ([]float32, error)
}

// VectorSearcher ranks paragraphs by vector similarity.
type VectorSearcher interface {
	SearchByEmbedding(ctx context.Context, profile store.EmbeddingProfile, queryVector []float32, topK int, docID, queryText string) ([]store.SearchResult, error)
}

// KeywordSearcher is the lexical fallback path.
type KeywordSearcher interface {
	Search(query, docID string, topK int) ([]store.SearchResult, error)
}

// Options scope a single search call.
type Options struct {
	DocID        string
	TopK         int
	ForceKeyword bool
}

// Response is the outcome of one search. Hint is set when the semantic path
// failed and keyword results were served instead; it carries the remediation
// the UI should offer.
type Response struct {
	Results []store.SearchResult
	Mode    Mode
	Hint    *Classified
}

// Orchestrator resolves queries with a semantic-first, keyword-fallback
// protocol. A semantic-path failure is logged and degraded, never surfaced,
// unless the keyword fallback fails too.
type Orchestrator struct {
	settings     SettingsLoader
	embedder     QueryEmbedder
	vectors      VectorSearcher
	keyword      KeywordSearcher
	validate     func(path string) modelfiles.ValidationResult
	highlight    func(paragraphIDs []string)
	stageTimeout time.Duration
}

// NewOrchestrator wires the search pipeline. highlight may be nil; it is
// called with the matched paragraph ids after every successful search,
// whichever path produced them.
func NewOrchestrator(settings SettingsLoader, embedder QueryEmbedder, vectors VectorSearcher, keyword KeywordSearcher, highlight func(paragraphIDs []string)) *Orchestrator {
	return &Orchestrator{
		settings:     settings,
		embedder:     embedder,
		vectors:      vectors,
		keyword:      keyword,
		validate:     modelfiles.Validate,
		highlight:    highlight,
		stageTimeout: defaultStageTimeout,
	}
}

// Search runs the full protocol for one query.
func (o *Orchestrator) Search(ctx context.Context, query string, opts Options) (*Response, error) {
	var settings Settings
	err := o.runStage(ctx, "loading config", func(stageCtx context.Context) error {
		var loadErr error
		settings, loadErr = o.settings.Load(stageCtx)
		return loadErr
	})
	if err != nil {
		// Without config there is no provider and no topK; nothing to degrade
		// to.
		return nil, fmt.Errorf("failed to load search config: %w", err)
	}

	topK := opts.TopK
	if topK <= 0 {
		topK = settings.TopK
	}
	if topK <= 0 {
		topK = defaultTopK
	}

	if opts.ForceKeyword || settings.Provider != store.ProviderLocalTransformers {
		// Semantic search is a local-only feature; remote providers go
		// straight to the lexical path.
		return o.keywordSearch(ctx, query, opts.DocID, topK, nil)
	}

	// Local path validation is synchronous and cheap, so it runs outside the
	// stage timeout.
	if settings.LocalModelPath != "" {
		if result := o.validate(settings.LocalModelPath); !result.Valid {
			validationErr := fmt.Errorf("failed to load local model from %s: missing files: %v",
				result.CheckedPath, result.MissingFiles)
			log.Printf("⚠️  Semantic search skipped: %v", validationErr)
			hint := Classify(validationErr)
			return o.keywordSearch(ctx, query, opts.DocID, topK, &hint)
		}
	}

	profile := store.EmbeddingProfile{
		Provider:  settings.Provider,
		Model:     settings.Model,
		Dimension: settings.Dimension,
	}

	var queryVector []float32
	err = o.runStage(ctx, "embedding query", func(stageCtx context.Context) error {
		var embedErr error
		queryVector, embedErr = o.embedder.EmbedQuery(stageCtx, query, profile, settings.LocalModelPath)
		return embedErr
	})
	if err != nil {
		log.Printf("⚠️  Query embedding failed, falling back to keyword search: %v", err)
		hint := Classify(err)
		return o.keywordSearch(ctx, query, opts.DocID, topK, &hint)
	}

	var results []store.SearchResult
	err = o.runStage(ctx, "vector search", func(stageCtx context.Context) error {
		var searchErr error
		results, searchErr = o.vectors.SearchByEmbedding(stageCtx, profile, queryVector, topK, opts.DocID, query)
		return searchErr
	})
	if err != nil {
		log.Printf("⚠️  Vector search failed, falling back to keyword search: %v", err)
		hint := Classify(err)
		return o.keywordSearch(ctx, query, opts.DocID, topK, &hint)
	}

	o.emitHighlights(results)
	return &Response{Results: results, Mode: ModeSemantic}, nil
}

// keywordSearch is the degradation target. hint carries the semantic
// failure's classification for informational display; it does not change the
// result shape.
func (o *Orchestrator) keywordSearch(ctx context.Context, query, docID string, topK int, hint *Classified) (*Response, error) {
	var results []store.SearchResult
	err := o.runStage(ctx, "keyword search", func(context.Context) error {
		var searchErr error
		results, searchErr = o.keyword.Search(query, docID, topK)
		return searchErr
	})
	if err != nil {
		// Both paths failed: surface the final, most-degraded failure.
		classified := Classify(err)
		return nil, fmt.Errorf("keyword search failed: %s", classified.Message)
	}

	o.emitHighlights(results)
	return &Response{Results: results, Mode: ModeKeyword, Hint: hint}, nil
}

func (o *Orchestrator) emitHighlights(results []store.SearchResult) {
	if o.highlight == nil || len(results) == 0 {
		return
	}
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.ParagraphID
	}
	o.highlight(ids)
}

// runStage runs fn under the per-stage timeout and labels a timeout with the
// stage name.
func (o *Orchestrator) runStage(ctx context.Context, stage string, fn func(context.Context) error) error {
	stageCtx, cancel := context.WithTimeout(ctx, o.stageTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(stageCtx) }()

	select {
	case err := <-done:
		return err
	case <-stageCtx.Done():
		return fmt.Errorf("%s timed out after %s", stage, o.stageTimeout)
	}
}
