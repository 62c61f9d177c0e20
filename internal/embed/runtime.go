package embed

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/lecternapp/lectern/internal/modelfiles"
	"github.com/lecternapp/lectern/internal/store"
	"github.com/lecternapp/lectern/internal/textutil"
)

// Runtime loads embedding models for the worker. LoadLocal must never fall
// back to remote fetching; LoadRemote may download into the local model
// cache.
type Runtime interface {
	LoadLocal(ctx context.Context, baseDir, modelName string) (Model, error)
	LoadRemote(ctx context.Context, model string) (Model, error)
}

// Model computes one embedding at a time. Implementations are not required
// to be safe for concurrent calls; the worker serializes access.
type Model interface {
	Embed(text string) ([]float32, error)
	Dimension() int
}

const defaultDimension = 384

// defaultModel is the hardcoded fallback for embed calls issued before any
// init.
const defaultModel = modelfiles.DefaultModel

// LocalRuntime loads models from local directories in the Hugging Face
// layout. Remote loads fetch the model files into dataDir/models first and
// then load from disk, so repeat loads are offline.
type LocalRuntime struct {
	dataDir    string
	downloader *modelfiles.Downloader
}

// NewLocalRuntime creates a runtime rooted at dataDir. downloader may be nil,
// in which case remote loads fail for models not already cached.
func NewLocalRuntime(dataDir string, downloader *modelfiles.Downloader) *LocalRuntime {
	return &LocalRuntime{dataDir: dataDir, downloader: downloader}
}

// LoadLocal loads a model strictly from baseDir/modelName. Remote fetching is
// never attempted: a broken path must surface as an error, not a download.
func (r *LocalRuntime) LoadLocal(_ context.Context, baseDir, modelName string) (Model, error) {
	dir := filepath.Join(baseDir, modelName)
	result := modelfiles.Validate(dir)
	if !result.Valid {
		return nil, fmt.Errorf("failed to load local model from %s: missing files: %s",
			dir, strings.Join(result.MissingFiles, ", "))
	}
	return loadModelDir(dir)
}

// LoadRemote loads a named model from the local cache, downloading it first
// if the cached copy is absent or incomplete.
func (r *LocalRuntime) LoadRemote(ctx context.Context, model string) (Model, error) {
	dir := filepath.Join(r.dataDir, "models", strings.ReplaceAll(model, "/", "_"))
	if result := modelfiles.Validate(dir); !result.Valid {
		if r.downloader == nil {
			return nil, fmt.Errorf("model %s not cached at %s and no downloader configured", model, dir)
		}
		log.Printf("📥 Fetching model %s", model)
		if _, err := r.downloader.Download(ctx, model); err != nil {
			return nil, fmt.Errorf("failed to fetch model %s: %w", model, err)
		}
	}
	return loadModelDir(dir)
}

type modelConfig struct {
	HiddenSize int `json:"hidden_size"`
}

type tokenizerFile struct {
	Model struct {
		Vocab map[string]int `json:"vocab"`
	} `json:"model"`
}

func loadModelDir(dir string) (Model, error) {
	configData, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read model config at %s: %w", dir, err)
	}
	var config modelConfig
	if err := json.Unmarshal(configData, &config); err != nil {
		return nil, fmt.Errorf("failed to parse model config at %s: %w", dir, err)
	}
	dim := config.HiddenSize
	if dim <= 0 {
		dim = defaultDimension
	}

	tokenizerData, err := os.ReadFile(filepath.Join(dir, "tokenizer.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read tokenizer at %s: %w", dir, err)
	}
	var tokenizer tokenizerFile
	if err := json.Unmarshal(tokenizerData, &tokenizer); err != nil {
		return nil, fmt.Errorf("failed to parse tokenizer at %s: %w", dir, err)
	}

	log.Printf("🧠 Loaded model from %s (dimension=%d, vocab=%d)", dir, dim, len(tokenizer.Model.Vocab))
	return &hashedModel{dim: dim, vocab: tokenizer.Model.Vocab}, nil
}

// hashedModel is a deterministic feature extractor: each token maps to a
// fixed pseudo-random vector seeded by its hash, and a text embeds as the
// mean-pooled, L2-normalized sum of its token vectors. Similar texts share
// tokens and therefore land near each other in the vector space.
type hashedModel struct {
	dim   int
	vocab map[string]int
}

func (m *hashedModel) Dimension() int { return m.dim }

func (m *hashedModel) Embed(text string) ([]float32, error) {
	tokens := textutil.TokenizeQuery(textutil.CleanText(text))
	vector := make([]float32, m.dim)
	if len(tokens) == 0 {
		return vector, nil
	}
	for _, token := range tokens {
		m.addTokenVector(vector, token)
	}
	inv := 1.0 / float32(len(tokens))
	for i := range vector {
		vector[i] *= inv
	}
	return store.NormalizeL2(vector), nil
}

func (m *hashedModel) addTokenVector(acc []float32, token string) {
	h := fnv.New64a()
	h.Write([]byte(token))
	seed := h.Sum64()
	for i := range acc {
		seed = splitmix64(seed)
		// map the top 24 bits to [-1, 1)
		acc[i] += float32(seed>>40)/float32(1<<23) - 1.0
	}
}

func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}
