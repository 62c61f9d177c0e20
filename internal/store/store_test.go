package store

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "store_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	s, err := NewStore(context.Background(), filepath.Join(tmpDir, "library.db"))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedDocument(t *testing.T, s *Store, texts []string) (Document, []Paragraph) {
	t.Helper()
	ctx := context.Background()

	doc, err := s.InsertDocument(ctx, Document{
		Title:    "Test Book",
		FilePath: "/books/" + t.Name() + ".epub",
		FileType: "epub",
	})
	if err != nil {
		t.Fatalf("InsertDocument failed: %v", err)
	}

	sec, err := s.InsertSection(ctx, Section{DocID: doc.ID, Title: "Chapter 1"})
	if err != nil {
		t.Fatalf("InsertSection failed: %v", err)
	}

	paragraphs := make([]Paragraph, 0, len(texts))
	for i, text := range texts {
		p, err := s.InsertParagraph(ctx, Paragraph{
			DocID:      doc.ID,
			SectionID:  sec.ID,
			OrderIndex: i,
			Text:       text,
			Location:   "loc-" + text[:1],
		})
		if err != nil {
			t.Fatalf("InsertParagraph failed: %v", err)
		}
		paragraphs = append(paragraphs, p)
	}
	return doc, paragraphs
}

var testProfile = EmbeddingProfile{
	Provider:  ProviderLocalTransformers,
	Model:     "Xenova/all-MiniLM-L6-v2",
	Dimension: 4,
}

func TestVectorRoundTrip(t *testing.T) {
	vec := []float32{0.1, -2.5, 3.75, 0}
	decoded, err := DecodeVector(EncodeVector(vec))
	if err != nil {
		t.Fatalf("DecodeVector failed: %v", err)
	}
	if len(decoded) != len(vec) {
		t.Fatalf("length mismatch: %d vs %d", len(decoded), len(vec))
	}
	for i := range vec {
		if decoded[i] != vec[i] {
			t.Errorf("element %d: %f != %f", i, decoded[i], vec[i])
		}
	}

	if _, err := DecodeVector([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for misaligned blob")
	}
}

func TestNormalizeL2(t *testing.T) {
	v := NormalizeL2([]float32{3, 4})
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if math.Abs(math.Sqrt(sum)-1.0) > 1e-6 {
		t.Errorf("norm = %f, want 1.0", math.Sqrt(sum))
	}
}

func TestListParagraphsOrder(t *testing.T) {
	s := newTestStore(t)
	doc, _ := seedDocument(t, s, []string{"alpha", "bravo", "charlie"})

	got, err := s.ListParagraphs(context.Background(), doc.ID)
	if err != nil {
		t.Fatalf("ListParagraphs failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 paragraphs, got %d", len(got))
	}
	for i, want := range []string{"alpha", "bravo", "charlie"} {
		if got[i].Text != want {
			t.Errorf("paragraph %d = %q, want %q", i, got[i].Text, want)
		}
	}
}

func TestUpsertEmbeddingsBatch(t *testing.T) {
	s := newTestStore(t)
	_, paragraphs := seedDocument(t, s, []string{"alpha", "bravo"})
	ctx := context.Background()

	items := []EmbeddingItem{
		{ParagraphID: paragraphs[0].ID, Vector: []float32{1, 0, 0, 0}},
		{ParagraphID: paragraphs[1].ID, Vector: []float32{0, 1, 0, 0}},
	}
	n, err := s.UpsertEmbeddingsBatch(ctx, testProfile, items)
	if err != nil {
		t.Fatalf("UpsertEmbeddingsBatch failed: %v", err)
	}
	if n != 2 {
		t.Errorf("upserted = %d, want 2", n)
	}

	// second upsert overwrites, never duplicates
	n, err = s.UpsertEmbeddingsBatch(ctx, testProfile, items)
	if err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}
	if n != 2 {
		t.Errorf("re-upserted = %d, want 2", n)
	}

	status, err := s.ProfileStatus(ctx, testProfile, "")
	if err != nil {
		t.Fatalf("ProfileStatus failed: %v", err)
	}
	if status.Indexed != 2 || status.Total != 2 || status.Stale != 0 {
		t.Errorf("status = %+v, want indexed=2 total=2 stale=0", status)
	}
}

func TestUpsertRejectsDimensionMismatch(t *testing.T) {
	s := newTestStore(t)
	_, paragraphs := seedDocument(t, s, []string{"alpha"})

	_, err := s.UpsertEmbeddingsBatch(context.Background(), testProfile, []EmbeddingItem{
		{ParagraphID: paragraphs[0].ID, Vector: []float32{1, 0}},
	})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}

	zeroDim := testProfile
	zeroDim.Dimension = 0
	_, err = s.UpsertEmbeddingsBatch(context.Background(), zeroDim, nil)
	if !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for zero dimension, got %v", err)
	}
}

func TestStalenessOnProfileChange(t *testing.T) {
	s := newTestStore(t)
	_, paragraphs := seedDocument(t, s, []string{"alpha", "bravo"})
	ctx := context.Background()

	_, err := s.UpsertEmbeddingsBatch(ctx, testProfile, []EmbeddingItem{
		{ParagraphID: paragraphs[0].ID, Vector: []float32{1, 0, 0, 0}},
		{ParagraphID: paragraphs[1].ID, Vector: []float32{0, 1, 0, 0}},
	})
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	other := testProfile
	other.Model = "some/other-model"
	status, err := s.ProfileStatus(ctx, other, "")
	if err != nil {
		t.Fatalf("ProfileStatus failed: %v", err)
	}
	if status.Indexed != 0 || status.Stale != 2 {
		t.Errorf("status under new profile = %+v, want indexed=0 stale=2", status)
	}
}

func TestStalenessOnContentChange(t *testing.T) {
	s := newTestStore(t)
	_, paragraphs := seedDocument(t, s, []string{"alpha"})
	ctx := context.Background()

	_, err := s.UpsertEmbeddingsBatch(ctx, testProfile, []EmbeddingItem{
		{ParagraphID: paragraphs[0].ID, Vector: []float32{1, 0, 0, 0}},
	})
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	if err := s.UpdateParagraphText(ctx, paragraphs[0].ID, "rewritten"); err != nil {
		t.Fatalf("UpdateParagraphText failed: %v", err)
	}

	status, err := s.ProfileStatus(ctx, testProfile, "")
	if err != nil {
		t.Fatalf("ProfileStatus failed: %v", err)
	}
	if status.Indexed != 0 || status.Stale != 1 {
		t.Errorf("status after edit = %+v, want indexed=0 stale=1", status)
	}
}

func TestSearchByEmbedding(t *testing.T) {
	s := newTestStore(t)
	_, paragraphs := seedDocument(t, s, []string{
		"search engines rank documents",
		"other unrelated text entirely",
	})
	ctx := context.Background()

	_, err := s.UpsertEmbeddingsBatch(ctx, testProfile, []EmbeddingItem{
		{ParagraphID: paragraphs[0].ID, Vector: NormalizeL2([]float32{0.9, 0.1, 0, 0})},
		{ParagraphID: paragraphs[1].ID, Vector: NormalizeL2([]float32{0, 1, 0, 0})},
	})
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	results, err := s.SearchByEmbedding(ctx, testProfile, []float32{1, 0, 0, 0}, 2, "", "search")
	if err != nil {
		t.Fatalf("SearchByEmbedding failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].ParagraphID != paragraphs[0].ID {
		t.Errorf("expected the aligned paragraph first, got %s", results[0].ParagraphID)
	}
	if results[0].Location == "" {
		t.Error("location should be passed through to results")
	}

	// empty query vector is a valid no-op
	results, err = s.SearchByEmbedding(ctx, testProfile, nil, 2, "", "")
	if err != nil || len(results) != 0 {
		t.Errorf("empty vector: results=%v err=%v, want empty and nil", results, err)
	}

	// dimension mismatch is a caller bug, reported loudly
	_, err = s.SearchByEmbedding(ctx, testProfile, []float32{1, 0}, 2, "", "")
	if !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestSearchLexicalBoostPromotesLiteralMatch(t *testing.T) {
	s := newTestStore(t)
	_, paragraphs := seedDocument(t, s, []string{
		"the quick brown fox jumps",
		"quantum mechanics for readers",
	})
	ctx := context.Background()

	// nearly identical cosine scores: the literal hit must win via boost
	_, err := s.UpsertEmbeddingsBatch(ctx, testProfile, []EmbeddingItem{
		{ParagraphID: paragraphs[0].ID, Vector: NormalizeL2([]float32{0.99, 0.14, 0, 0})},
		{ParagraphID: paragraphs[1].ID, Vector: NormalizeL2([]float32{1, 0, 0, 0})},
	})
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	results, err := s.SearchByEmbedding(ctx, testProfile, []float32{1, 0, 0, 0}, 1, "", "quick brown fox")
	if err != nil {
		t.Fatalf("SearchByEmbedding failed: %v", err)
	}
	if len(results) != 1 || results[0].ParagraphID != paragraphs[0].ID {
		t.Errorf("lexical boost should promote the literal match, got %+v", results)
	}
}

func TestClearEmbeddingsByProfile(t *testing.T) {
	s := newTestStore(t)
	_, paragraphs := seedDocument(t, s, []string{"alpha", "bravo"})
	ctx := context.Background()

	_, err := s.UpsertEmbeddingsBatch(ctx, testProfile, []EmbeddingItem{
		{ParagraphID: paragraphs[0].ID, Vector: []float32{1, 0, 0, 0}},
		{ParagraphID: paragraphs[1].ID, Vector: []float32{0, 1, 0, 0}},
	})
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	deleted, err := s.ClearEmbeddingsByProfile(ctx, testProfile)
	if err != nil {
		t.Fatalf("ClearEmbeddingsByProfile failed: %v", err)
	}
	if deleted != 2 {
		t.Errorf("deleted = %d, want 2", deleted)
	}

	status, _ := s.ProfileStatus(ctx, testProfile, "")
	if status.Indexed != 0 {
		t.Errorf("indexed after clear = %d, want 0", status.Indexed)
	}
}
