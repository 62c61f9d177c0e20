package embed

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const taskQueueSize = 128

// EmbedOptions configures a single embed call.
type EmbedOptions struct {
	// OnProgress receives (done, total) after each embedded text.
	OnProgress func(done, total int)
}

type embedResult struct {
	vectors [][]float32
	err     error
}

// Engine presents a request/response API over the worker's event protocol.
// Every init and embed call runs through one dispatcher goroutine, so the
// worker observes at most one operation at a time, in strict submission
// order. Construct one engine per process and share it; the single queue is
// what keeps the worker's loaded-model state race-free.
type Engine struct {
	worker *Worker
	tasks  chan func()

	mu             sync.Mutex
	initializedKey string
	initWaiter     chan Event
	embedWaiters   map[string]chan Event

	closeOnce sync.Once
	done      chan struct{}
}

// NewEngine starts an engine over a fresh worker backed by the given
// runtime.
func NewEngine(ctx context.Context, runtime Runtime) *Engine {
	e := &Engine{
		worker:       NewWorker(ctx, runtime),
		tasks:        make(chan func(), taskQueueSize),
		embedWaiters: make(map[string]chan Event),
		done:         make(chan struct{}),
	}
	go e.dispatch()
	go e.route()
	return e
}

// Close stops the engine and its worker.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.done)
		e.worker.Close()
	})
}

// dispatch runs queued tasks one at a time. Each task performs a full worker
// round-trip before returning, which is what guarantees at most one in-flight
// worker operation.
func (e *Engine) dispatch() {
	for {
		select {
		case <-e.done:
			return
		case task := <-e.tasks:
			task()
		}
	}
}

// route fans worker events out to waiters. Loaded events and errors without a
// request id go to the pending init; everything else is matched by request
// id. Events with no registered waiter are dropped, which is how cancelled
// requests' stragglers are silenced.
func (e *Engine) route() {
	for {
		select {
		case <-e.done:
			return
		case ev := <-e.worker.Events():
			e.mu.Lock()
			var waiter chan Event
			if ev.Kind == EventLoaded || (ev.Kind == EventError && ev.RequestID == "") {
				waiter = e.initWaiter
			} else {
				waiter = e.embedWaiters[ev.RequestID]
			}
			e.mu.Unlock()
			if waiter == nil {
				continue
			}
			select {
			case waiter <- ev:
			case <-e.done:
				return
			}
		}
	}
}

// DeriveLocal splits a local model path into the (baseURL, modelName) pair
// the worker loads from. A trailing config.json segment and a file:// scheme
// are stripped first.
func DeriveLocal(localModelPath string) (baseURL, modelName string) {
	trimmed := strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(localModelPath), "file://"), "/")
	if trimmed == "" {
		return "", ""
	}
	if strings.HasSuffix(trimmed, "config.json") {
		trimmed = filepath.Dir(trimmed)
	}
	return filepath.Dir(trimmed), filepath.Base(trimmed)
}

// Init ensures the worker has the given model hot. A localModelPath forces a
// strict local load. Repeat calls with an already-initialized key return
// without a worker round-trip.
func (e *Engine) Init(ctx context.Context, model, localModelPath string) error {
	select {
	case err := <-e.submitInit(model, localModelPath):
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// submitInit enqueues an init and returns the channel its result will arrive
// on. Submission order is the order the worker will observe.
func (e *Engine) submitInit(model, localModelPath string) <-chan error {
	result := make(chan error, 1)

	var baseURL, modelName string
	if localModelPath != "" {
		baseURL, modelName = DeriveLocal(localModelPath)
	}
	key := CacheKey(model, baseURL, modelName)

	e.mu.Lock()
	if e.initializedKey == key {
		e.mu.Unlock()
		result <- nil
		return result
	}
	e.mu.Unlock()

	task := func() {
		// Re-check: an earlier queued init may have already loaded this key.
		e.mu.Lock()
		if e.initializedKey == key {
			e.mu.Unlock()
			result <- nil
			return
		}
		waiter := make(chan Event, 1)
		e.initWaiter = waiter
		// The worker is about to drop its current model; forget ours too so a
		// failure here cannot leave us believing a stale key is hot.
		e.initializedKey = ""
		e.mu.Unlock()

		defer func() {
			e.mu.Lock()
			e.initWaiter = nil
			e.mu.Unlock()
		}()

		e.worker.Send(Request{Kind: RequestInit, Init: &InitRequest{
			Model:          model,
			LocalBaseURL:   baseURL,
			LocalModelName: modelName,
		}})

		for {
			select {
			case <-e.done:
				result <- fmt.Errorf("engine closed")
				return
			case ev := <-waiter:
				switch ev.Kind {
				case EventLoaded:
					if ev.Key != key {
						// A stale loaded event from a superseded init; keep
						// waiting for ours.
						continue
					}
					e.mu.Lock()
					e.initializedKey = key
					e.mu.Unlock()
					result <- nil
					return
				case EventError:
					// A failed load leaves the key unset so the next call
					// retries instead of assuming success.
					result <- fmt.Errorf("model load failed: %s", ev.Message)
					return
				}
			}
		}
	}

	select {
	case e.tasks <- task:
	case <-e.done:
		result <- fmt.Errorf("engine closed")
	}
	return result
}

// Embed computes one vector per text, in order. Progress is reported through
// opts.OnProgress after each text. Cancelling ctx sends a fire-and-forget
// cancel to the worker and returns ErrCancelled without waiting for
// acknowledgment.
func (e *Engine) Embed(ctx context.Context, texts []string, opts EmbedOptions) ([][]float32, error) {
	res := <-e.submitEmbed(ctx, texts, opts)
	return res.vectors, res.err
}

// submitEmbed enqueues an embed and returns the channel its result will
// arrive on.
func (e *Engine) submitEmbed(ctx context.Context, texts []string, opts EmbedOptions) <-chan embedResult {
	result := make(chan embedResult, 1)
	if len(texts) == 0 {
		result <- embedResult{vectors: [][]float32{}}
		return result
	}

	requestID := uuid.NewString()

	task := func() {
		if ctx.Err() != nil {
			result <- embedResult{err: ErrCancelled}
			return
		}

		waiter := make(chan Event, requestQueueSize)
		e.mu.Lock()
		e.embedWaiters[requestID] = waiter
		e.mu.Unlock()

		defer func() {
			e.mu.Lock()
			delete(e.embedWaiters, requestID)
			e.mu.Unlock()
		}()

		e.worker.Send(Request{Kind: RequestEmbed, Embed: &EmbedRequest{
			RequestID: requestID,
			Texts:     texts,
		}})

		for {
			select {
			case <-e.done:
				result <- embedResult{err: fmt.Errorf("engine closed")}
				return
			case <-ctx.Done():
				e.worker.Send(Request{Kind: RequestCancel, Cancel: &CancelRequest{RequestID: requestID}})
				result <- embedResult{err: ErrCancelled}
				return
			case ev := <-waiter:
				switch ev.Kind {
				case EventProgress:
					if opts.OnProgress != nil {
						opts.OnProgress(ev.Done, ev.Total)
					}
				case EventCompleted:
					result <- embedResult{vectors: ev.Vectors}
					return
				case EventError:
					log.Printf("❌ Embed request %s failed: %s", requestID, ev.Message)
					result <- embedResult{err: fmt.Errorf("embedding failed: %s", ev.Message)}
					return
				}
			}
		}
	}

	select {
	case e.tasks <- task:
	case <-e.done:
		result <- embedResult{err: fmt.Errorf("engine closed")}
	}
	return result
}
