// Package search drives the end-to-end query flow: configuration, local
// model validation, query embedding, vector search, and degradation to
// keyword search when any semantic stage fails.
package search

import (
	"strings"
)

// Category is the user-facing classification of a search failure.
type Category string

const (
	CategoryServiceUnavailable Category = "service_unavailable"
	CategoryProxyInterception  Category = "proxy_interception"
	CategoryNoModelsLoaded     Category = "no_models_loaded"
	CategoryMissingModelFiles  Category = "missing_model_files"
	CategoryCancelled          Category = "cancelled"
	CategoryUnknown            Category = "unknown"
)

// Remediation names the action the UI should offer for a failure.
type Remediation string

const (
	RemediationNone            Remediation = ""
	RemediationDownloadModel   Remediation = "download_model"
	RemediationConfigureMirror Remediation = "configure_mirror"
	RemediationLoadModel       Remediation = "load_model"
)

// Classified is a failure mapped to a user-facing category with a
// remediation action. The orchestrator is the only layer that produces
// user-facing phrasing; lower layers keep raw messages.
type Classified struct {
	Category    Category
	Message     string
	Remediation Remediation
}

// Classify maps a raw error message to a user-facing category by substring
// matching on the normalized message. This is a best-effort UX heuristic
// coupled to upstream message text, not a strict contract.
func Classify(err error) Classified {
	if err == nil {
		return Classified{Category: CategoryUnknown}
	}
	msg := strings.ToLower(err.Error())

	if strings.Contains(msg, "cancel") {
		return Classified{
			Category: CategoryCancelled,
			Message:  "Search cancelled.",
		}
	}

	// Missing local model files before anything was attempted remotely.
	if strings.Contains(msg, "missing files") ||
		strings.Contains(msg, "missing model files") ||
		strings.Contains(msg, "failed to load local model") {
		return Classified{
			Category:    CategoryMissingModelFiles,
			Message:     "Local embedding model files are missing or incomplete. Redownload the model.",
			Remediation: RemediationDownloadModel,
		}
	}

	// HTML where a model binary or JSON was expected points at an
	// intercepting proxy or captive portal.
	if strings.Contains(msg, "proxy interception") ||
		strings.Contains(msg, "received html") ||
		strings.Contains(msg, "unexpected token") ||
		strings.Contains(msg, "malformed") ||
		strings.Contains(msg, "invalid json") {
		return Classified{
			Category:    CategoryProxyInterception,
			Message:     "Model download appears to be intercepted by a proxy. Configure a mirror endpoint, or download the default model.",
			Remediation: RemediationConfigureMirror,
		}
	}

	if strings.Contains(msg, "no models loaded") {
		return Classified{
			Category:    CategoryNoModelsLoaded,
			Message:     "No embedding model is loaded. Load an embedding model and try again.",
			Remediation: RemediationLoadModel,
		}
	}

	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "bad gateway") ||
		strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "service unavailable") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "timed out") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded") {
		return Classified{
			Category: CategoryServiceUnavailable,
			Message:  "The embedding service is unavailable. Semantic search will be back once it is reachable.",
		}
	}

	return Classified{
		Category: CategoryUnknown,
		Message:  "Search failed: " + err.Error(),
	}
}
