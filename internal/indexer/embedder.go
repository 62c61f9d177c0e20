package indexer

import (
	"context"
	"fmt"

	openai "github.com/meguminnnnnnnnn/go-openai"

	"github.com/lecternapp/lectern/internal/embed"
	"github.com/lecternapp/lectern/internal/store"
)

// Embedder turns paragraph texts into vectors. The local engine and the
// remote API providers both satisfy it, so the indexing pipeline is
// provider-agnostic.
type Embedder interface {
	// Prepare makes the embedder ready for the given profile. For the local
	// engine this loads the model; remote providers have nothing to load.
	Prepare(ctx context.Context, profile store.EmbeddingProfile, localModelPath string) error
	// EmbedBatch embeds texts in order, reporting (done, total) progress.
	EmbedBatch(ctx context.Context, texts []string, onProgress func(done, total int)) ([][]float32, error)
}

// EngineEmbedder adapts the local embedding engine to the Embedder
// interface.
type EngineEmbedder struct {
	engine *embed.Engine
}

// NewEngineEmbedder wraps a local embedding engine.
func NewEngineEmbedder(engine *embed.Engine) *EngineEmbedder {
	return &EngineEmbedder{engine: engine}
}

func (e *EngineEmbedder) Prepare(ctx context.Context, profile store.EmbeddingProfile, localModelPath string) error {
	return e.engine.Init(ctx, profile.Model, localModelPath)
}

func (e *EngineEmbedder) EmbedBatch(ctx context.Context, texts []string, onProgress func(done, total int)) ([][]float32, error) {
	return e.engine.Embed(ctx, texts, embed.EmbedOptions{OnProgress: onProgress})
}

// RemoteEmbedder calls an OpenAI-compatible embeddings endpoint. LM Studio
// and Ollama both expose this API shape locally.
type RemoteEmbedder struct {
	client *openai.Client
	model  string
}

// NewRemoteEmbedder creates an embedder against an OpenAI-compatible base
// URL. An empty baseURL targets the OpenAI API itself.
func NewRemoteEmbedder(baseURL, apiKey, model string) *RemoteEmbedder {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &RemoteEmbedder{
		client: openai.NewClientWithConfig(config),
		model:  model,
	}
}

func (e *RemoteEmbedder) Prepare(_ context.Context, profile store.EmbeddingProfile, _ string) error {
	if profile.Model != "" {
		e.model = profile.Model
	}
	return nil
}

func (e *RemoteEmbedder) EmbedBatch(ctx context.Context, texts []string, onProgress func(done, total int)) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input: texts,
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, fmt.Errorf("embeddings API call failed: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embeddings API returned %d vectors for %d texts", len(resp.Data), len(texts))
	}
	vectors := make([][]float32, len(texts))
	for _, item := range resp.Data {
		if item.Index < 0 || item.Index >= len(vectors) {
			return nil, fmt.Errorf("embeddings API returned out-of-range index %d", item.Index)
		}
		vectors[item.Index] = store.NormalizeL2(item.Embedding)
	}
	if onProgress != nil {
		onProgress(len(texts), len(texts))
	}
	return vectors, nil
}

// NewEmbedderForProfile picks the embedder implementation for a provider.
// engine backs local_transformers; everything else goes through the
// OpenAI-compatible API at the provider's base URL.
func NewEmbedderForProfile(profile store.EmbeddingProfile, engine *embed.Engine, baseURL, apiKey string) (Embedder, error) {
	switch profile.Provider {
	case store.ProviderLocalTransformers:
		return NewEngineEmbedder(engine), nil
	case store.ProviderLMStudio:
		if baseURL == "" {
			baseURL = "http://localhost:1234/v1"
		}
		return NewRemoteEmbedder(baseURL, apiKey, profile.Model), nil
	case store.ProviderOllama:
		if baseURL == "" {
			baseURL = "http://localhost:11434/v1"
		}
		return NewRemoteEmbedder(baseURL, apiKey, profile.Model), nil
	case store.ProviderOpenAICompatible:
		return NewRemoteEmbedder(baseURL, apiKey, profile.Model), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", profile.Provider)
	}
}
