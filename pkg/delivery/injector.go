package delivery

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/cccc-dev/cccc/pkg/models"
)

// Sink is where injections land, implemented by the actor supervisor.
type Sink interface {
	Inject(actorID string, data []byte) error
}

// inlineInjectLimit is the largest payload injected directly; anything
// bigger is written to the group work dir and replaced by a pointer line.
const inlineInjectLimit = 8 * 1024

// InjectorOptions configures an Injector.
type InjectorOptions struct {
	GroupID     string
	Sink        Sink
	WorkDir     string
	MinInterval time.Duration
	QueueCap    int

	// Runner returns the actor's runner tag, which picks the submit
	// sequence (carriage return for PTY TUIs, newline for headless).
	Runner func(actorID string) string

	// OnDrop reports queue overflow so the pipeline can append a
	// delivery_dropped notification.
	OnDrop func(actorID string, dropped int)
}

// Injector delivers formatted payloads into running actors, one FIFO per
// actor, rate-limited and best-effort: a failed or dropped injection never
// affects the durable event.
type Injector struct {
	opts InjectorOptions

	mu     sync.Mutex
	queues map[string]*actorQueue
	closed bool
}

type actorQueue struct {
	actorID string

	mu      sync.Mutex
	pending [][]byte
	wake    chan struct{}
	done    chan struct{}
}

// NewInjector returns an injector writing through sink.
func NewInjector(opts InjectorOptions) *Injector {
	if opts.QueueCap <= 0 {
		opts.QueueCap = 32
	}
	return &Injector{opts: opts, queues: make(map[string]*actorQueue)}
}

// Enqueue schedules one payload for the actor. On overflow the oldest
// pending payload is dropped; the ledger already holds the message, so the
// actor recovers it from its inbox.
func (in *Injector) Enqueue(actorID string, payload []byte) {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return
	}
	q := in.queues[actorID]
	if q == nil {
		q = &actorQueue{
			actorID: actorID,
			wake:    make(chan struct{}, 1),
			done:    make(chan struct{}),
		}
		in.queues[actorID] = q
		go in.run(q)
	}
	in.mu.Unlock()

	q.mu.Lock()
	q.pending = append(q.pending, payload)
	dropped := 0
	for len(q.pending) > in.opts.QueueCap {
		q.pending = q.pending[1:]
		dropped++
	}
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}

	if dropped > 0 {
		slog.Warn("Injection queue overflow",
			"group_id", in.opts.GroupID, "actor_id", actorID, "dropped", dropped)
		if in.opts.OnDrop != nil {
			in.opts.OnDrop(actorID, dropped)
		}
	}
}

func (in *Injector) run(q *actorQueue) {
	var lastInject time.Time
	for {
		q.mu.Lock()
		var payload []byte
		if len(q.pending) > 0 {
			payload = q.pending[0]
			q.pending = q.pending[1:]
		}
		q.mu.Unlock()

		if payload == nil {
			select {
			case <-q.wake:
				continue
			case <-q.done:
				return
			}
		}

		if wait := in.opts.MinInterval - time.Since(lastInject); wait > 0 {
			select {
			case <-time.After(wait):
			case <-q.done:
				return
			}
		}

		if err := in.opts.Sink.Inject(q.actorID, in.frame(q.actorID, payload)); err != nil {
			slog.Debug("Injection skipped",
				"group_id", in.opts.GroupID, "actor_id", q.actorID, "error", err)
		}
		lastInject = time.Now()
	}
}

// frame wraps the payload for the actor's terminal: spill oversized text to
// a file pointer, bracketed paste for PTY runtimes, then the submit key.
func (in *Injector) frame(actorID string, payload []byte) []byte {
	if len(payload) > inlineInjectLimit && in.opts.WorkDir != "" {
		if path, err := in.spill(payload); err == nil {
			payload = []byte(fmt.Sprintf("[cccc] message too large for terminal, read it from: %s", path))
		}
	}

	runner := models.RunnerPTY
	if in.opts.Runner != nil {
		runner = in.opts.Runner(actorID)
	}
	if runner == models.RunnerHeadless {
		return append(payload, '\n')
	}
	framed := make([]byte, 0, len(payload)+16)
	framed = append(framed, "\x1b[200~"...)
	framed = append(framed, payload...)
	framed = append(framed, "\x1b[201~"...)
	return append(framed, '\r')
}

func (in *Injector) spill(payload []byte) (string, error) {
	if err := os.MkdirAll(in.opts.WorkDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(in.opts.WorkDir, fmt.Sprintf("inject-%s.txt", ulid.Make()))
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// PendingCount returns the queued payloads for one actor, for tests and
// introspection.
func (in *Injector) PendingCount(actorID string) int {
	in.mu.Lock()
	q := in.queues[actorID]
	in.mu.Unlock()
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close stops all queue workers. Pending payloads are abandoned; the
// ledger remains the source of truth.
func (in *Injector) Close() {
	in.mu.Lock()
	queues := in.queues
	in.queues = make(map[string]*actorQueue)
	in.closed = true
	in.mu.Unlock()
	for _, q := range queues {
		close(q.done)
	}
}
