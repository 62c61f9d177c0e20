// Package modelfiles manages local embedding model directories: validating
// that a user-supplied path holds a usable model, and fetching model files
// from Hugging Face style endpoints into the app data directory.
package modelfiles

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// DefaultModel is fetched when no model is named explicitly.
	DefaultModel = "Xenova/all-MiniLM-L6-v2"

	userAgent      = "lectern/0.2.0"
	requestTimeout = 45 * time.Second
	retryBackoffMs = 800
	maxSniffBytes  = 256
)

var requiredFiles = []string{
	"config.json",
	"tokenizer.json",
	"tokenizer_config.json",
	"onnx/model_quantized.onnx",
}

var optionalFiles = []string{
	"special_tokens_map.json",
	"onnx/model.onnx",
}

// ValidationResult reports whether a local model directory is complete.
type ValidationResult struct {
	Valid        bool     `json:"valid"`
	CheckedPath  string   `json:"checked_path"`
	MissingFiles []string `json:"missing_files"`
}

// DownloadResult reports what a model download fetched and where.
type DownloadResult struct {
	Model     string   `json:"model"`
	TargetDir string   `json:"target_dir"`
	Files     []string `json:"files"`
}

// NormalizePath cleans a user-supplied model path: strips a file:// scheme,
// trailing slashes, and a trailing config.json component, leaving the model
// directory itself.
func NormalizePath(raw string) string {
	normalized := strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(raw), "file://"), "/")
	if strings.HasSuffix(normalized, "config.json") {
		normalized = filepath.Dir(normalized)
	}
	return normalized
}

// Validate checks that a local model directory contains every file the local
// embedding runtime needs. Either ONNX weight variant satisfies the weights
// requirement.
func Validate(path string) ValidationResult {
	raw := strings.TrimSpace(path)
	if raw == "" {
		return ValidationResult{
			Valid:        false,
			CheckedPath:  "",
			MissingFiles: []string{"path is empty"},
		}
	}

	modelDir := NormalizePath(raw)

	var missing []string
	for _, file := range []string{"config.json", "tokenizer.json", "tokenizer_config.json"} {
		if _, err := os.Stat(filepath.Join(modelDir, file)); err != nil {
			missing = append(missing, file)
		}
	}

	_, quantErr := os.Stat(filepath.Join(modelDir, "onnx", "model_quantized.onnx"))
	_, fullErr := os.Stat(filepath.Join(modelDir, "onnx", "model.onnx"))
	if quantErr != nil && fullErr != nil {
		missing = append(missing, "onnx/model_quantized.onnx (or onnx/model.onnx)")
	}

	return ValidationResult{
		Valid:        len(missing) == 0,
		CheckedPath:  modelDir,
		MissingFiles: missing,
	}
}

// Downloader fetches embedding model files into a data directory.
type Downloader struct {
	client    *http.Client
	dataDir   string
	endpoints []string
}

// NewDownloader creates a downloader that writes under dataDir/models.
// configuredBase (from config) and the HF_ENDPOINT environment variable take
// priority over the built-in endpoints; duplicates are dropped
// case-insensitively.
func NewDownloader(dataDir string, configuredBase string) *Downloader {
	return &Downloader{
		client:    &http.Client{Timeout: requestTimeout},
		dataDir:   dataDir,
		endpoints: ResolveEndpoints(configuredBase, os.Getenv("HF_ENDPOINT")),
	}
}

// ResolveEndpoints builds the ordered, deduplicated endpoint list tried for
// each file: configured base, HF_ENDPOINT, huggingface.co, hf-mirror.com.
func ResolveEndpoints(configuredBase, envEndpoint string) []string {
	candidates := []string{}
	if trimmed := strings.TrimSpace(configuredBase); trimmed != "" {
		candidates = append(candidates, trimmed)
	}
	if trimmed := strings.TrimSpace(envEndpoint); trimmed != "" {
		candidates = append(candidates, trimmed)
	}
	candidates = append(candidates, "https://huggingface.co", "https://hf-mirror.com")

	var unique []string
	for _, candidate := range candidates {
		duplicate := false
		for _, existing := range unique {
			if strings.EqualFold(existing, candidate) {
				duplicate = true
				break
			}
		}
		if !duplicate {
			unique = append(unique, candidate)
		}
	}
	return unique
}

// Download fetches all model files for the given model (DefaultModel when
// empty) into dataDir/models/<model with / replaced by _>. Required files get
// three attempts per endpoint and fail the download; optional files get two
// attempts and are skipped with a warning.
func (d *Downloader) Download(ctx context.Context, model string) (*DownloadResult, error) {
	if model == "" {
		model = DefaultModel
	}
	targetDir := filepath.Join(d.dataDir, "models", strings.ReplaceAll(model, "/", "_"))
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create model directory: %w", err)
	}

	var downloaded []string
	for _, file := range requiredFiles {
		data, err := d.fetchWithRetry(ctx, model, file, 3)
		if err != nil {
			return nil, err
		}
		path, err := writeModelFile(targetDir, file, data)
		if err != nil {
			return nil, err
		}
		downloaded = append(downloaded, path)
	}

	for _, file := range optionalFiles {
		data, err := d.fetchWithRetry(ctx, model, file, 2)
		if err != nil {
			log.Printf("⚠️  Optional model file download skipped (%s): %v", file, err)
			continue
		}
		path, err := writeModelFile(targetDir, file, data)
		if err != nil {
			return nil, err
		}
		downloaded = append(downloaded, path)
	}

	return &DownloadResult{Model: model, TargetDir: targetDir, Files: downloaded}, nil
}

func writeModelFile(targetDir, file string, data []byte) (string, error) {
	path := filepath.Join(targetDir, filepath.FromSlash(file))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory for %s: %w", file, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", file, err)
	}
	return path, nil
}

// fetchWithRetry tries each endpoint in order with linear backoff between
// attempts. HTML responses are treated as failures even on HTTP 200: captive
// portals and intercepting proxies serve HTML where a model file should be.
func (d *Downloader) fetchWithRetry(ctx context.Context, model, file string, maxAttempts int) ([]byte, error) {
	var endpointErrors []string

	for _, endpoint := range d.endpoints {
		base := strings.TrimRight(endpoint, "/")
		url := fmt.Sprintf("%s/%s/resolve/main/%s", base, model, file)
		var lastErr string

		for attempt := 1; attempt <= maxAttempts; attempt++ {
			data, errMsg := d.fetchOnce(ctx, url)
			if errMsg == "" {
				return data, nil
			}
			lastErr = errMsg
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if attempt < maxAttempts {
				select {
				case <-time.After(time.Duration(attempt*retryBackoffMs) * time.Millisecond):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
		}
		endpointErrors = append(endpointErrors, fmt.Sprintf("%s -> %s", endpoint, lastErr))
	}

	return nil, fmt.Errorf("failed to download %s after trying endpoints [%s]. Details: %s",
		file, strings.Join(d.endpoints, ", "), strings.Join(endpointErrors, " | "))
}

// fetchOnce performs a single GET. It returns a non-empty error string on any
// failure so the caller can aggregate per-endpoint diagnostics.
func (d *Downloader) fetchOnce(ctx context.Context, url string) ([]byte, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err.Error()
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/octet-stream,application/json;q=0.9,*/*;q=0.8")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err.Error()
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); strings.Contains(strings.ToLower(ct), "text/html") {
		return nil, fmt.Sprintf("received HTML instead of model file (possible proxy interception): %s", ct)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Sprintf("failed to read %s: %v", url, err)
	}
	if len(data) == 0 {
		return nil, "empty response"
	}
	if looksLikeHTML(data) {
		return nil, "received HTML body instead of model file (possible proxy interception)"
	}
	return data, ""
}

func looksLikeHTML(data []byte) bool {
	sample := data
	if len(sample) > maxSniffBytes {
		sample = sample[:maxSniffBytes]
	}
	text := strings.TrimLeft(strings.ToLower(string(sample)), " \t\r\n")
	return strings.HasPrefix(text, "<!doctype html") ||
		strings.HasPrefix(text, "<html") ||
		strings.HasPrefix(text, "<head") ||
		strings.HasPrefix(text, "<body")
}
