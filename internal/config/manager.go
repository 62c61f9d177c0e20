// Package config persists reader preferences as JSON in the user config
// directory. Files are validated against a schema on load so a hand-edited
// config fails loudly instead of half-applying.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/lecternapp/lectern/internal/store"
)

// Config holds the user's persistent configuration preferences.
type Config struct {
	EmbeddingProvider        string `json:"embedding_provider,omitempty"`          // local_transformers, lmstudio, openai_compatible, ollama
	EmbeddingModel           string `json:"embedding_model,omitempty"`             // Model name or id
	EmbeddingDimension       int    `json:"embedding_dimension,omitempty"`         // Vector length for the selected model
	EmbeddingLocalModelPath  string `json:"embedding_local_model_path,omitempty"`  // Local model directory, forces strict local loading
	EmbeddingDownloadBaseURL string `json:"embedding_download_base_url,omitempty"` // Mirror endpoint for model downloads
	LMStudioURL              string `json:"lm_studio_url,omitempty"`               // OpenAI-compatible base URL for remote providers
	APIKey                   string `json:"api_key,omitempty"`                     // API key for openai_compatible
	TopK                     int    `json:"top_k,omitempty"`                       // Default result count for search
}

const configSchema = `{
	"type": "object",
	"properties": {
		"embedding_provider": {
			"type": "string",
			"enum": ["local_transformers", "lmstudio", "openai_compatible", "ollama"]
		},
		"embedding_model": {"type": "string"},
		"embedding_dimension": {"type": "integer", "minimum": 1},
		"embedding_local_model_path": {"type": "string"},
		"embedding_download_base_url": {"type": "string"},
		"lm_studio_url": {"type": "string"},
		"api_key": {"type": "string"},
		"top_k": {"type": "integer", "minimum": 1}
	},
	"additionalProperties": true
}`

// DefaultConfig returns the configuration used before the user saves
// anything.
func DefaultConfig() *Config {
	return &Config{
		EmbeddingProvider:  store.ProviderLocalTransformers,
		EmbeddingModel:     "Xenova/all-MiniLM-L6-v2",
		EmbeddingDimension: 384,
		LMStudioURL:        "http://localhost:1234/v1",
		TopK:               8,
	}
}

// Profile derives the embedding profile the config currently selects.
func (c *Config) Profile() store.EmbeddingProfile {
	return store.EmbeddingProfile{
		Provider:  c.EmbeddingProvider,
		Model:     c.EmbeddingModel,
		Dimension: c.EmbeddingDimension,
	}
}

// Manager handles loading and saving the configuration.
type Manager struct {
	configDir string
}

// NewManager creates a configuration manager rooted at the user config
// directory.
func NewManager() (*Manager, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get user config dir: %w", err)
	}
	return &Manager{configDir: filepath.Join(configDir, "lectern")}, nil
}

// NewManagerAt creates a configuration manager rooted at an explicit
// directory.
func NewManagerAt(dir string) *Manager {
	return &Manager{configDir: dir}
}

// GetConfigPath returns the absolute path to the config.json file.
func (m *Manager) GetConfigPath() string {
	return filepath.Join(m.configDir, "config.json")
}

// Load reads the configuration from disk. A missing file yields the
// defaults; a file that fails schema validation is an error.
func (m *Manager) Load() (*Config, error) {
	path := m.GetConfigPath()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := validateConfig(data); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config json: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration to disk with restricted permissions (0600).
func (m *Manager) Save(cfg *Config) error {
	if err := os.MkdirAll(m.configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := validateConfig(data); err != nil {
		return err
	}

	// 0600: the file may hold an API key.
	if err := os.WriteFile(m.GetConfigPath(), data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Exists checks if the configuration file has been created.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.GetConfigPath())
	return !os.IsNotExist(err)
}

func validateConfig(data []byte) error {
	schemaLoader := gojsonschema.NewStringLoader(configSchema)
	docLoader := gojsonschema.NewBytesLoader(data)

	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return fmt.Errorf("failed to validate config: %w", err)
	}
	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
