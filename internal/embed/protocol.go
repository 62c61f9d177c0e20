// Package embed contains the embedding compute stack: a background worker
// that owns the loaded model, a serializing engine that presents a
// request/response API over the worker's event protocol, and the model
// runtimes the worker loads.
package embed

import "errors"

// ErrCancelled marks a clean abandonment of an embed request. Callers must
// distinguish it from failure: the worker emits no completion and no error
// for a cancelled request.
var ErrCancelled = errors.New("embedding cancelled")

// RequestKind tags requests sent to the worker.
type RequestKind string

const (
	RequestInit   RequestKind = "init"
	RequestEmbed  RequestKind = "embed"
	RequestCancel RequestKind = "cancel"
)

// EventKind tags events emitted by the worker.
type EventKind string

const (
	EventLoaded    EventKind = "loaded"
	EventProgress  EventKind = "embedding"
	EventCompleted EventKind = "completed"
	EventError     EventKind = "error"
)

// Request is the envelope sent to the worker. Exactly one payload field is
// set, selected by Kind.
type Request struct {
	Kind   RequestKind
	Init   *InitRequest
	Embed  *EmbedRequest
	Cancel *CancelRequest
}

// InitRequest asks the worker to load a model. When both LocalBaseURL and
// LocalModelName are set the load is strictly local with remote fetching
// disabled.
type InitRequest struct {
	Model          string
	LocalBaseURL   string
	LocalModelName string
}

// EmbedRequest asks the worker to embed a batch of texts. RequestID
// correlates the eventual progress, completion and error events.
type EmbedRequest struct {
	RequestID string
	Texts     []string
}

// CancelRequest marks a request id for cancellation at the worker's next
// per-text checkpoint.
type CancelRequest struct {
	RequestID string
}

// Event is the envelope emitted by the worker. Key correlates a loaded event
// to the init that requested it; RequestID correlates progress, completion
// and errors to an embed call. An error event with an empty RequestID comes
// from a model load.
type Event struct {
	Kind      EventKind
	Key       string
	RequestID string
	Done      int
	Total     int
	Vectors   [][]float32
	Message   string
}

// CacheKey identifies a loaded model configuration. Two init calls with the
// same key refer to the same hot model and must not trigger a reload.
func CacheKey(model, localBaseURL, localModelName string) string {
	return model + "|" + localBaseURL + "|" + localModelName
}
