package store

import "errors"

// Embedding provider names accepted in reader configuration. Only the local
// transformer provider computes vectors in-process; the others address an
// OpenAI-compatible embeddings endpoint.
const (
	ProviderLocalTransformers = "local_transformers"
	ProviderLMStudio          = "lmstudio"
	ProviderOpenAICompatible  = "openai_compatible"
	ProviderOllama            = "ollama"
)

// Common errors returned by the store.
var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")
)

// EmbeddingProfile identifies the vector space a stored embedding belongs to.
// Profiles are compared by value: any field change makes stored vectors stale.
type EmbeddingProfile struct {
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	Dimension int    `json:"dimension"`
}

// Document is a book or article in the reader library.
type Document struct {
	ID       string
	Title    string
	Author   string
	Language string
	FilePath string
	FileType string
}

// Section is a chapter-level division of a document.
type Section struct {
	ID         string
	DocID      string
	Title      string
	OrderIndex int
	Href       string
}

// Paragraph is the unit of indexing and retrieval. Location is an opaque
// reader position (CFI, page anchor, ...) passed through to search results.
type Paragraph struct {
	ID         string `json:"id"`
	DocID      string `json:"doc_id"`
	SectionID  string `json:"section_id"`
	OrderIndex int    `json:"order_index"`
	Text       string `json:"text"`
	Location   string `json:"location"`
}

// EmbeddingItem pairs a paragraph with its computed vector for a batch upsert.
type EmbeddingItem struct {
	ParagraphID string    `json:"paragraph_id"`
	Vector      []float32 `json:"vector"`
}

// EmbeddingStatus is the store's view of index coverage for a profile.
// Stale counts vectors computed under a different profile or over paragraph
// text that has changed since vectoring.
type EmbeddingStatus struct {
	Indexed int              `json:"indexed"`
	Total   int              `json:"total"`
	Stale   int              `json:"stale"`
	Profile EmbeddingProfile `json:"profile"`
}

// SearchResult is the shared result shape of the vector and keyword search
// paths; UI code consuming it never needs to know which path produced it.
type SearchResult struct {
	ParagraphID string  `json:"paragraph_id"`
	Snippet     string  `json:"snippet"`
	Score       float32 `json:"score"`
	Location    string  `json:"location"`
}
