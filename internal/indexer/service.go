// Package indexer runs the document indexing pipeline: fetch paragraphs,
// embed them in batches, and upsert the vectors and keyword index entries.
package indexer

import (
	"context"
	"log"

	"github.com/lecternapp/lectern/internal/embed"
	"github.com/lecternapp/lectern/internal/keyword"
	"github.com/lecternapp/lectern/internal/store"
)

// batchSize bounds the vector payload per upsert and paces progress events.
const batchSize = 16

// Phase labels the stage an indexing run is in.
type Phase string

const (
	PhaseLoadingModel Phase = "loading_model"
	PhaseEmbedding    Phase = "embedding"
	PhaseStoring      Phase = "storing"
)

// Progress is a transient snapshot of one indexing run.
type Progress struct {
	Phase Phase
	Done  int
	Total int
}

// IndexOptions configures one IndexDocument call.
type IndexOptions struct {
	OnProgress     func(Progress)
	LocalModelPath string
}

// Service orchestrates full-document (re)indexing.
type Service struct {
	store    *store.Store
	keyword  *keyword.Index
	embedder Embedder
}

// NewService creates an indexing service. keywordIndex may be nil when
// keyword indexing is handled elsewhere.
func NewService(st *store.Store, keywordIndex *keyword.Index, embedder Embedder) *Service {
	return &Service{store: st, keyword: keywordIndex, embedder: embedder}
}

// IndexDocument embeds and stores vectors for every paragraph of a document,
// in batches. Cancelling ctx stops at the next batch boundary; batches
// already upserted stay committed. Returns the number of paragraphs
// upserted.
func (s *Service) IndexDocument(ctx context.Context, docID string, profile store.EmbeddingProfile, opts IndexOptions) (int, error) {
	emit := func(p Progress) {
		if opts.OnProgress != nil {
			opts.OnProgress(p)
		}
	}

	emit(Progress{Phase: PhaseLoadingModel, Done: 0, Total: 1})
	if err := s.embedder.Prepare(ctx, profile, opts.LocalModelPath); err != nil {
		return 0, err
	}

	paragraphs, err := s.store.ListParagraphs(ctx, docID)
	if err != nil {
		return 0, err
	}
	total := len(paragraphs)
	if total == 0 {
		// An empty document is a valid terminal state, not an error.
		return 0, nil
	}

	log.Printf("🔍 Indexing document %s: %d paragraphs under %s/%s", docID, total, profile.Provider, profile.Model)

	upserted := 0
	for processed := 0; processed < total; processed += batchSize {
		if ctx.Err() != nil {
			return upserted, embed.ErrCancelled
		}

		end := processed + batchSize
		if end > total {
			end = total
		}
		batch := paragraphs[processed:end]

		texts := make([]string, len(batch))
		for i, p := range batch {
			texts[i] = p.Text
		}

		base := processed
		vectors, err := s.embedder.EmbedBatch(ctx, texts, func(done, _ int) {
			emit(Progress{Phase: PhaseEmbedding, Done: base + done, Total: total})
		})
		if err != nil {
			// Cancellation propagates as-is so callers can tell a clean stop
			// from a failure.
			return upserted, err
		}

		items := make([]store.EmbeddingItem, len(batch))
		for i, p := range batch {
			items[i] = store.EmbeddingItem{ParagraphID: p.ID, Vector: vectors[i]}
		}

		emit(Progress{Phase: PhaseStoring, Done: processed, Total: total})
		count, err := s.store.UpsertEmbeddingsBatch(ctx, profile, items)
		if err != nil {
			return upserted, err
		}
		upserted += count

		if s.keyword != nil {
			if err := s.keyword.IndexBatch(batch); err != nil {
				log.Printf("⚠️  Keyword indexing failed for batch at %d: %v", processed, err)
			}
		}
	}

	log.Printf("✅ Indexed document %s: %d paragraphs", docID, upserted)
	return upserted, nil
}

// Status reports indexed/total/stale counts for a document, or for the whole
// library when docID is empty. Staleness detection lives in the store, which
// holds the content hashes.
func (s *Service) Status(ctx context.Context, profile store.EmbeddingProfile, docID string) (store.EmbeddingStatus, error) {
	return s.store.ProfileStatus(ctx, profile, docID)
}

// EmbedQuery embeds a single query string, returning an empty vector if the
// embedder produced nothing.
func (s *Service) EmbedQuery(ctx context.Context, query string, profile store.EmbeddingProfile, localModelPath string) ([]float32, error) {
	if err := s.embedder.Prepare(ctx, profile, localModelPath); err != nil {
		return nil, err
	}
	vectors, err := s.embedder.EmbedBatch(ctx, []string{query}, nil)
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return []float32{}, nil
	}
	return vectors[0], nil
}
