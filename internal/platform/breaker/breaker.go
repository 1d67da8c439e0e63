// Package breaker guards calls to unreliable dependencies (AI inference, the
// national health gateway) with a per-dependency circuit breaker and fallback.
//
// It must never wrap the consent ledger or the access decision engine: those
// are the security boundary and have to fail loudly.
package breaker

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/consentcore/internal/platform/telemetry"
)

const (
	DefaultThreshold = 5
	DefaultCooldown  = 60 * time.Second
)

// ErrOpen is returned when the breaker short-circuits and no fallback is given.
var ErrOpen = errors.New("circuit breaker open")

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state by name in JSON output.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

type Settings struct {
	// Threshold is the number of consecutive failures that opens the breaker.
	Threshold int
	// Cooldown is how long the breaker stays open before a trial call.
	Cooldown time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.Threshold <= 0 {
		s.Threshold = DefaultThreshold
	}
	if s.Cooldown <= 0 {
		s.Cooldown = DefaultCooldown
	}
	return s
}

// Snapshot is a point-in-time copy of a breaker's state.
type Snapshot struct {
	Name          string     `json:"name"`
	State         State      `json:"state"`
	FailureCount  int        `json:"failure_count"`
	LastFailureAt *time.Time `json:"last_failure_at,omitempty"`
}

// Breaker is the state for one named dependency. All fields below mu are
// read and written only while holding it.
type Breaker struct {
	name     string
	settings Settings
	now      func() time.Time
	metrics  *telemetry.Metrics
	logger   zerolog.Logger

	mu            sync.Mutex
	state         State
	failures      int
	lastFailureAt time.Time
	openedAt      time.Time
	probing       bool
}

func (b *Breaker) Name() string { return b.name }

// Snapshot returns the current state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Snapshot{Name: b.name, State: b.state, FailureCount: b.failures}
	if !b.lastFailureAt.IsZero() {
		t := b.lastFailureAt
		s.LastFailureAt = &t
	}
	return s
}

// acquire decides whether the caller may invoke the primary. probe is true
// when the caller holds the single half-open trial slot.
func (b *Breaker) acquire() (allowed, probe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true, false
	case Open:
		if b.now().Sub(b.openedAt) < b.settings.Cooldown {
			return false, false
		}
		b.setState(HalfOpen)
		b.probing = true
		return true, true
	case HalfOpen:
		if b.probing {
			return false, false
		}
		b.probing = true
		return true, true
	}
	return false, false
}

// record applies the outcome of a primary call.
func (b *Breaker) record(err error, probe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.probing = false
	}

	if err == nil {
		switch {
		case probe:
			b.failures = 0
			b.setState(Closed)
		case b.state == Closed:
			b.failures = 0
		}
		// A late success from a call admitted before the breaker opened does
		// not close it; only the half-open probe can.
		return
	}

	b.failures++
	b.lastFailureAt = b.now()

	switch {
	case probe:
		b.trip()
	case b.state == Closed && b.failures >= b.settings.Threshold:
		b.trip()
	}
}

func (b *Breaker) trip() {
	b.openedAt = b.now()
	b.setState(Open)
	b.logger.Warn().
		Str("dependency", b.name).
		Int("failure_count", b.failures).
		Dur("cooldown", b.settings.Cooldown).
		Msg("circuit breaker opened")
}

func (b *Breaker) setState(s State) {
	if b.state == s {
		return
	}
	b.state = s
	b.metrics.SetBreakerState(b.name, int(s))
	b.metrics.BreakerTransition(b.name, s.String())
}

// Run invokes primary through b. When the breaker is open, or the primary
// fails, fallback supplies the result. With a nil fallback the error is
// returned instead (ErrOpen when short-circuited).
//
// The breaker imposes no deadline; primary must bound its own call.
func Run[T any](b *Breaker, primary func() (T, error), fallback func() T) (T, error) {
	var zero T

	allowed, probe := b.acquire()
	if !allowed {
		b.metrics.BreakerFallback(b.name)
		if fallback == nil {
			return zero, fmt.Errorf("%s: %w", b.name, ErrOpen)
		}
		return fallback(), nil
	}

	v, err := call(primary)
	b.record(err, probe)
	if err != nil {
		if fallback == nil {
			return zero, err
		}
		b.metrics.BreakerFallback(b.name)
		return fallback(), nil
	}
	return v, nil
}

// call converts a panicking primary into an error so the half-open slot is
// always released.
func call[T any](primary func() (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("primary panicked: %v", r)
		}
	}()
	return primary()
}

// Registry owns one Breaker per dependency name, created on first use.
// Breakers for different names never share a lock.
type Registry struct {
	defaults  Settings
	overrides map[string]Settings
	now       func() time.Time
	metrics   *telemetry.Metrics
	logger    zerolog.Logger

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

type Option func(*Registry)

// WithClock replaces time.Now; used by tests to step through cooldowns.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithSettings overrides the defaults for a single dependency.
func WithSettings(name string, s Settings) Option {
	return func(r *Registry) { r.overrides[name] = s.withDefaults() }
}

func NewRegistry(defaults Settings, opts ...Option) *Registry {
	r := &Registry{
		defaults:  defaults.withDefaults(),
		overrides: make(map[string]Settings),
		now:       time.Now,
		logger:    zerolog.Nop(),
		breakers:  make(map[string]*Breaker),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the breaker for name, creating it in the CLOSED state if needed.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	settings, ok := r.overrides[name]
	if !ok {
		settings = r.defaults
	}
	b = &Breaker{
		name:     name,
		settings: settings,
		now:      r.now,
		metrics:  r.metrics,
		logger:   r.logger.With().Str("component", "breaker").Logger(),
		state:    Closed,
	}
	r.breakers[name] = b
	r.metrics.SetBreakerState(name, int(Closed))
	return b
}

// Snapshots returns the state of every breaker created so far, sorted by name.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(list))
	for _, b := range list {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute runs primary through the breaker registered under name.
func Execute[T any](r *Registry, name string, primary func() (T, error), fallback func() T) (T, error) {
	return Run(r.Get(name), primary, fallback)
}
