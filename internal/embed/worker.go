package embed

import (
	"context"
	"fmt"
	"log"
	"sync"
)

const requestQueueSize = 64

// Worker owns the hot model and computes embeddings on a dedicated
// goroutine. At most one model is loaded at a time; init with a different
// cache key replaces it. Texts within a request are embedded strictly
// sequentially, with a cancellation checkpoint and a progress event after
// every text.
type Worker struct {
	runtime  Runtime
	ctx      context.Context
	requests chan Request
	events   chan Event

	mu        sync.Mutex
	cancelled map[string]struct{}

	loadedKey string
	model     Model

	closeOnce sync.Once
	done      chan struct{}
}

// NewWorker starts a worker goroutine backed by the given runtime. ctx bounds
// model loads; it does not cancel in-flight embed loops, which are cancelled
// per request instead.
func NewWorker(ctx context.Context, runtime Runtime) *Worker {
	w := &Worker{
		runtime:   runtime,
		ctx:       ctx,
		requests:  make(chan Request, requestQueueSize),
		events:    make(chan Event, requestQueueSize),
		cancelled: make(map[string]struct{}),
		done:      make(chan struct{}),
	}
	go w.run()
	return w
}

// Events returns the worker's event stream. The worker blocks when the
// stream's buffer fills, so a consumer must drain it.
func (w *Worker) Events() <-chan Event {
	return w.events
}

// Send delivers a request to the worker. Cancel requests take effect
// immediately by marking the cancellation set; init and embed requests queue
// behind any in-flight work.
func (w *Worker) Send(req Request) {
	if req.Kind == RequestCancel && req.Cancel != nil {
		w.mu.Lock()
		w.cancelled[req.Cancel.RequestID] = struct{}{}
		w.mu.Unlock()
		return
	}
	select {
	case w.requests <- req:
	case <-w.done:
	}
}

// Close stops the worker goroutine. Queued requests are dropped.
func (w *Worker) Close() {
	w.closeOnce.Do(func() { close(w.done) })
}

func (w *Worker) run() {
	for {
		select {
		case <-w.done:
			return
		case req := <-w.requests:
			switch req.Kind {
			case RequestInit:
				if req.Init != nil {
					w.handleInit(*req.Init)
				}
			case RequestEmbed:
				if req.Embed != nil {
					w.handleEmbed(*req.Embed)
				}
			}
		}
	}
}

func (w *Worker) handleInit(req InitRequest) {
	key := CacheKey(req.Model, req.LocalBaseURL, req.LocalModelName)
	if w.model != nil && w.loadedKey == key {
		w.emit(Event{Kind: EventLoaded, Key: key})
		return
	}

	// Switching profiles invalidates the previous load even if the new one
	// fails.
	w.model = nil
	w.loadedKey = ""

	var (
		model Model
		err   error
	)
	if req.LocalBaseURL != "" && req.LocalModelName != "" {
		model, err = w.runtime.LoadLocal(w.ctx, req.LocalBaseURL, req.LocalModelName)
	} else {
		model, err = w.runtime.LoadRemote(w.ctx, req.Model)
	}
	if err != nil {
		w.emit(Event{Kind: EventError, Message: err.Error()})
		return
	}

	w.model = model
	w.loadedKey = key
	w.emit(Event{Kind: EventLoaded, Key: key})
}

func (w *Worker) handleEmbed(req EmbedRequest) {
	if w.model == nil {
		log.Printf("⚠️  Embed requested before init, loading default model %s", defaultModel)
		model, err := w.runtime.LoadRemote(w.ctx, defaultModel)
		if err != nil {
			w.emit(Event{
				Kind:      EventError,
				RequestID: req.RequestID,
				Message:   fmt.Sprintf("failed to load default model: %v", err),
			})
			return
		}
		w.model = model
		w.loadedKey = CacheKey(defaultModel, "", "")
	}

	total := len(req.Texts)
	vectors := make([][]float32, 0, total)
	for i, text := range req.Texts {
		if w.isCancelled(req.RequestID) {
			w.clearCancelled(req.RequestID)
			return
		}
		vector, err := w.model.Embed(text)
		if err != nil {
			w.emit(Event{
				Kind:      EventError,
				RequestID: req.RequestID,
				Message:   fmt.Sprintf("embedding failed at text %d: %v", i, err),
			})
			return
		}
		vectors = append(vectors, vector)
		if w.isCancelled(req.RequestID) {
			w.clearCancelled(req.RequestID)
			return
		}
		w.emit(Event{Kind: EventProgress, RequestID: req.RequestID, Done: i + 1, Total: total})
	}
	w.emit(Event{Kind: EventCompleted, RequestID: req.RequestID, Vectors: vectors})
}

func (w *Worker) isCancelled(requestID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.cancelled[requestID]
	return ok
}

func (w *Worker) clearCancelled(requestID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.cancelled, requestID)
}

func (w *Worker) emit(ev Event) {
	select {
	case w.events <- ev:
	case <-w.done:
	}
}
