// Package keyword provides BM25 full-text search over paragraphs. It is the
// degradation target of the search pipeline: whenever the semantic path is
// unavailable or fails, queries land here, and its results share the exact
// result shape of vector search so consumers stay path-agnostic.
package keyword

import (
	"fmt"
	"log"
	"os"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/lecternapp/lectern/internal/store"
	"github.com/lecternapp/lectern/internal/textutil"
)

// Index provides BM25 keyword search over reader paragraphs.
type Index struct {
	index bleve.Index
	path  string
}

// NewIndex creates or opens a keyword index at the given path. A corrupted
// index is deleted and rebuilt rather than failing startup; keyword search is
// a safety net and must come up even after a crash mid-write.
func NewIndex(indexPath string) (*Index, error) {
	idx, err := bleve.Open(indexPath)
	if err == bleve.ErrorIndexPathDoesNotExist {
		idx, err = bleve.New(indexPath, buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("failed to create keyword index: %w", err)
		}
	} else if err != nil {
		log.Printf("⚠️  Keyword index appears corrupted (error: %v), recreating...", err)
		if idx != nil {
			idx.Close()
		}
		if err := os.RemoveAll(indexPath); err != nil {
			log.Printf("⚠️  Failed to remove corrupted index directory: %v", err)
		}
		idx, err = bleve.New(indexPath, buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("failed to recreate keyword index: %w", err)
		}
	}

	return &Index{index: idx, path: indexPath}, nil
}

func buildIndexMapping() mapping.IndexMapping {
	indexMapping := bleve.NewIndexMapping()

	paragraphMapping := bleve.NewDocumentMapping()

	docIDField := bleve.NewTextFieldMapping()
	docIDField.Analyzer = keyword.Name
	docIDField.Store = true
	docIDField.Index = true
	paragraphMapping.AddFieldMappingsAt("doc_id", docIDField)

	locationField := bleve.NewTextFieldMapping()
	locationField.Analyzer = keyword.Name
	locationField.Store = true
	locationField.Index = false
	paragraphMapping.AddFieldMappingsAt("location", locationField)

	textField := bleve.NewTextFieldMapping()
	textField.Analyzer = standard.Name
	textField.Store = true
	textField.Index = true
	paragraphMapping.AddFieldMappingsAt("text", textField)

	indexMapping.DefaultMapping = paragraphMapping
	return indexMapping
}

// IndexParagraph adds or replaces a paragraph in the keyword index.
func (k *Index) IndexParagraph(p store.Paragraph) error {
	doc := map[string]interface{}{
		"doc_id":   p.DocID,
		"location": p.Location,
		"text":     p.Text,
	}
	return k.index.Index(p.ID, doc)
}

// IndexBatch indexes multiple paragraphs in one bleve batch.
func (k *Index) IndexBatch(paragraphs []store.Paragraph) error {
	batch := k.index.NewBatch()
	for i := range paragraphs {
		p := &paragraphs[i]
		doc := map[string]interface{}{
			"doc_id":   p.DocID,
			"location": p.Location,
			"text":     p.Text,
		}
		if err := batch.Index(p.ID, doc); err != nil {
			return fmt.Errorf("failed to add paragraph %s to batch: %w", p.ID, err)
		}
	}
	return k.index.Batch(batch)
}

// DeleteParagraph removes a paragraph from the keyword index.
func (k *Index) DeleteParagraph(paragraphID string) error {
	return k.index.Delete(paragraphID)
}

// Search runs a BM25 match query over paragraph text and returns up to topK
// results in the shared search result shape. An empty docID searches the
// whole library.
func (k *Index) Search(query string, docID string, topK int) ([]store.SearchResult, error) {
	if topK < 1 {
		topK = 1
	}

	matchQuery := bleve.NewMatchQuery(query)
	matchQuery.SetField("text")

	var searchRequest *bleve.SearchRequest
	if docID != "" {
		docQuery := bleve.NewTermQuery(docID)
		docQuery.SetField("doc_id")
		searchRequest = bleve.NewSearchRequest(bleve.NewConjunctionQuery(matchQuery, docQuery))
	} else {
		searchRequest = bleve.NewSearchRequest(matchQuery)
	}
	searchRequest.Size = topK
	searchRequest.Fields = []string{"text", "location"}

	searchResult, err := k.index.Search(searchRequest)
	if err != nil {
		return nil, fmt.Errorf("keyword search failed: %w", err)
	}

	results := make([]store.SearchResult, 0, len(searchResult.Hits))
	for _, hit := range searchResult.Hits {
		result := store.SearchResult{
			ParagraphID: hit.ID,
			Score:       float32(hit.Score),
		}
		if text, ok := hit.Fields["text"].(string); ok {
			result.Snippet = textutil.Snippet(text)
		}
		if location, ok := hit.Fields["location"].(string); ok {
			result.Location = location
		}
		results = append(results, result)
	}
	return results, nil
}

// Close closes the underlying bleve index.
func (k *Index) Close() error {
	return k.index.Close()
}
