package audit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/consentcore/internal/platform/telemetry"
)

const (
	DefaultBufferSize   = 1024
	defaultWriteTimeout = 5 * time.Second
)

// Logger is the fire-and-forget audit writer. Write enqueues onto a bounded
// channel drained by one worker goroutine; when the queue is full the entry
// is dropped and counted. Store errors and panics are logged and swallowed.
type Logger struct {
	store        Store
	queue        chan Entry
	done         chan struct{}
	logger       zerolog.Logger
	metrics      *telemetry.Metrics
	now          func() time.Time
	writeTimeout time.Duration

	dropped atomic.Uint64

	mu     sync.RWMutex
	closed bool
}

type LoggerOption func(*Logger)

func WithBufferSize(n int) LoggerOption {
	return func(l *Logger) {
		if n > 0 {
			l.queue = make(chan Entry, n)
		}
	}
}

func WithLogger(zl zerolog.Logger) LoggerOption {
	return func(l *Logger) { l.logger = zl }
}

func WithMetrics(m *telemetry.Metrics) LoggerOption {
	return func(l *Logger) { l.metrics = m }
}

func WithClock(now func() time.Time) LoggerOption {
	return func(l *Logger) { l.now = now }
}

// WithWriteTimeout bounds each Store.Append call.
func WithWriteTimeout(d time.Duration) LoggerOption {
	return func(l *Logger) { l.writeTimeout = d }
}

// NewLogger starts the worker. Call Close to drain and stop it.
func NewLogger(store Store, opts ...LoggerOption) *Logger {
	l := &Logger{
		store:        store,
		queue:        make(chan Entry, DefaultBufferSize),
		done:         make(chan struct{}),
		logger:       zerolog.Nop(),
		now:          time.Now,
		writeTimeout: defaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With().Str("component", "audit").Logger()
	go l.run()
	return l
}

// Write records an audit entry. It returns immediately.
func (l *Logger) Write(actorID uuid.UUID, action, resource string, metadata map[string]interface{}) {
	e := Entry{
		ID:        uuid.New(),
		ActorID:   actorID,
		Action:    action,
		Resource:  resource,
		Metadata:  copyMetadata(metadata),
		Timestamp: l.now().UTC(),
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		l.drop(e, "logger closed")
		return
	}
	select {
	case l.queue <- e:
	default:
		l.drop(e, "queue full")
	}
}

func (l *Logger) drop(e Entry, reason string) {
	l.dropped.Add(1)
	l.metrics.AuditDropped()
	l.logger.Warn().
		Str("action", e.Action).
		Str("actor_id", e.ActorID.String()).
		Str("reason", reason).
		Msg("audit entry dropped")
}

func (l *Logger) run() {
	defer close(l.done)
	for e := range l.queue {
		l.persist(e)
	}
}

// persist writes one entry. Writes are detached from any request context so
// they complete even if the originating request was cancelled.
func (l *Logger) persist(e Entry) {
	defer func() {
		if r := recover(); r != nil {
			l.metrics.AuditFailed()
			l.logger.Error().
				Str("panic", fmt.Sprintf("%v", r)).
				Str("action", e.Action).
				Msg("audit store panicked")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), l.writeTimeout)
	defer cancel()

	if err := l.store.Append(ctx, e); err != nil {
		l.metrics.AuditFailed()
		l.logger.Error().Err(err).
			Str("action", e.Action).
			Str("actor_id", e.ActorID.String()).
			Msg("audit write failed")
		return
	}
	l.metrics.AuditWritten()
}

// Dropped returns how many entries were discarded since start.
func (l *Logger) Dropped() uint64 {
	return l.dropped.Load()
}

// ListByActor reads the actor's trail from the underlying store.
func (l *Logger) ListByActor(ctx context.Context, actorID uuid.UUID, limit, offset int) ([]Entry, int, error) {
	return l.store.ListByActor(ctx, actorID, limit, offset)
}

// Close stops accepting entries and waits for the queue to drain or ctx to
// end. It is safe to call more than once.
func (l *Logger) Close(ctx context.Context) error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.queue)
	}
	l.mu.Unlock()

	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain audit queue: %w", ctx.Err())
	}
}
