package breaker

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ehr/consentcore/internal/platform/telemetry"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

var errBoom = errors.New("boom")

func fail() (string, error)    { return "", errBoom }
func succeed() (string, error) { return "primary", nil }
func fallback() string         { return "fallback" }

func newTestRegistry(clk *fakeClock) *Registry {
	return NewRegistry(Settings{Threshold: 3, Cooldown: 10 * time.Second}, WithClock(clk.Now))
}

func TestExecute_ClosedReturnsPrimary(t *testing.T) {
	r := newTestRegistry(newFakeClock())
	got, err := Execute(r, "AI_INFERENCE", succeed, fallback)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "primary" {
		t.Errorf("expected primary, got %q", got)
	}
	if s := r.Get("AI_INFERENCE").Snapshot(); s.State != Closed || s.FailureCount != 0 {
		t.Errorf("unexpected snapshot: %+v", s)
	}
}

func TestExecute_FailureUsesFallbackAndCounts(t *testing.T) {
	r := newTestRegistry(newFakeClock())
	got, err := Execute(r, "AI_INFERENCE", fail, fallback)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "fallback" {
		t.Errorf("expected fallback, got %q", got)
	}
	s := r.Get("AI_INFERENCE").Snapshot()
	if s.FailureCount != 1 {
		t.Errorf("expected 1 failure, got %d", s.FailureCount)
	}
	if s.LastFailureAt == nil {
		t.Error("expected last failure time to be set")
	}
}

func TestExecute_OpensAtThreshold(t *testing.T) {
	r := newTestRegistry(newFakeClock())
	for i := 0; i < 3; i++ {
		Execute(r, "dep", fail, fallback)
	}
	if s := r.Get("dep").Snapshot(); s.State != Open {
		t.Fatalf("expected OPEN after 3 failures, got %s", s.State)
	}

	var calls int32
	got, _ := Execute(r, "dep", func() (string, error) {
		atomic.AddInt32(&calls, 1)
		return "primary", nil
	}, fallback)
	if calls != 0 {
		t.Error("primary must not be invoked while OPEN")
	}
	if got != "fallback" {
		t.Errorf("expected fallback, got %q", got)
	}
}

func TestExecute_SuccessResetsConsecutiveFailures(t *testing.T) {
	r := newTestRegistry(newFakeClock())
	Execute(r, "dep", fail, fallback)
	Execute(r, "dep", fail, fallback)
	Execute(r, "dep", succeed, fallback)
	Execute(r, "dep", fail, fallback)
	Execute(r, "dep", fail, fallback)

	if s := r.Get("dep").Snapshot(); s.State != Closed || s.FailureCount != 2 {
		t.Errorf("expected CLOSED with 2 failures, got %+v", s)
	}
}

func TestExecute_OpenWithoutFallbackReturnsErrOpen(t *testing.T) {
	r := newTestRegistry(newFakeClock())
	for i := 0; i < 3; i++ {
		Execute(r, "dep", fail, fallback)
	}
	_, err := Execute[string](r, "dep", succeed, nil)
	if !errors.Is(err, ErrOpen) {
		t.Errorf("expected ErrOpen, got %v", err)
	}
}

func TestExecute_FailureWithoutFallbackReturnsPrimaryError(t *testing.T) {
	r := newTestRegistry(newFakeClock())
	_, err := Execute[string](r, "dep", fail, nil)
	if !errors.Is(err, errBoom) {
		t.Errorf("expected primary error, got %v", err)
	}
}

func TestExecute_HalfOpenProbeSuccessCloses(t *testing.T) {
	clk := newFakeClock()
	r := newTestRegistry(clk)
	for i := 0; i < 3; i++ {
		Execute(r, "dep", fail, fallback)
	}

	clk.Advance(9 * time.Second)
	if got, _ := Execute(r, "dep", succeed, fallback); got != "fallback" {
		t.Fatalf("expected fallback before cooldown elapsed, got %q", got)
	}

	clk.Advance(time.Second)
	got, err := Execute(r, "dep", succeed, fallback)
	if err != nil || got != "primary" {
		t.Fatalf("expected probe to reach primary, got %q, %v", got, err)
	}
	if s := r.Get("dep").Snapshot(); s.State != Closed || s.FailureCount != 0 {
		t.Errorf("expected CLOSED with 0 failures, got %+v", s)
	}
}

func TestExecute_HalfOpenProbeFailureReopens(t *testing.T) {
	clk := newFakeClock()
	r := newTestRegistry(clk)
	for i := 0; i < 3; i++ {
		Execute(r, "dep", fail, fallback)
	}

	clk.Advance(10 * time.Second)
	Execute(r, "dep", fail, fallback)
	if s := r.Get("dep").Snapshot(); s.State != Open {
		t.Fatalf("expected OPEN after failed probe, got %s", s.State)
	}

	// The cooldown restarts from the failed probe.
	clk.Advance(5 * time.Second)
	var calls int32
	Execute(r, "dep", func() (string, error) {
		atomic.AddInt32(&calls, 1)
		return "primary", nil
	}, fallback)
	if calls != 0 {
		t.Error("primary must not be invoked before the restarted cooldown elapses")
	}
}

func TestExecute_HalfOpenAdmitsSingleProbe(t *testing.T) {
	clk := newFakeClock()
	r := newTestRegistry(clk)
	for i := 0; i < 3; i++ {
		Execute(r, "dep", fail, fallback)
	}
	clk.Advance(10 * time.Second)

	release := make(chan struct{})
	entered := make(chan struct{})
	var calls int32
	probe := func() (string, error) {
		atomic.AddInt32(&calls, 1)
		close(entered)
		<-release
		return "primary", nil
	}

	done := make(chan string)
	go func() {
		got, _ := Execute(r, "dep", probe, fallback)
		done <- got
	}()
	<-entered

	if s := r.Get("dep").Snapshot(); s.State != HalfOpen {
		t.Fatalf("expected HALF_OPEN during probe, got %s", s.State)
	}
	for i := 0; i < 5; i++ {
		got, _ := Execute(r, "dep", succeed, fallback)
		if got != "fallback" {
			t.Errorf("concurrent caller during probe should get fallback, got %q", got)
		}
	}

	close(release)
	if got := <-done; got != "primary" {
		t.Errorf("probe caller expected primary, got %q", got)
	}
	if calls != 1 {
		t.Errorf("expected exactly one probe, got %d", calls)
	}
	if s := r.Get("dep").Snapshot(); s.State != Closed {
		t.Errorf("expected CLOSED after probe, got %s", s.State)
	}
}

func TestExecute_ConcurrentFailuresCountedExactly(t *testing.T) {
	r := NewRegistry(Settings{Threshold: 1000, Cooldown: time.Minute})
	const n = 200

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			Execute(r, "dep", fail, fallback)
		}()
	}
	wg.Wait()

	if s := r.Get("dep").Snapshot(); s.FailureCount != n {
		t.Errorf("expected %d failures, got %d", n, s.FailureCount)
	}
}

func TestExecute_BreakersAreIndependent(t *testing.T) {
	r := newTestRegistry(newFakeClock())
	for i := 0; i < 3; i++ {
		Execute(r, "EXTERNAL_GATEWAY", fail, fallback)
	}
	got, _ := Execute(r, "AI_INFERENCE", succeed, fallback)
	if got != "primary" {
		t.Errorf("AI_INFERENCE should be unaffected, got %q", got)
	}
	if s := r.Get("AI_INFERENCE").Snapshot(); s.State != Closed {
		t.Errorf("expected AI_INFERENCE CLOSED, got %s", s.State)
	}
}

func TestExecute_PanicCountsAsFailure(t *testing.T) {
	r := newTestRegistry(newFakeClock())
	got, err := Execute(r, "dep", func() (string, error) { panic("kaboom") }, fallback)
	if err != nil || got != "fallback" {
		t.Fatalf("expected fallback, got %q, %v", got, err)
	}
	if s := r.Get("dep").Snapshot(); s.FailureCount != 1 {
		t.Errorf("expected 1 failure, got %d", s.FailureCount)
	}
}

func TestRegistry_SettingsOverride(t *testing.T) {
	r := NewRegistry(Settings{Threshold: 5}, WithSettings("dep", Settings{Threshold: 1}))
	Execute(r, "dep", fail, fallback)
	if s := r.Get("dep").Snapshot(); s.State != Open {
		t.Errorf("expected OPEN with threshold 1, got %s", s.State)
	}
	Execute(r, "other", fail, fallback)
	if s := r.Get("other").Snapshot(); s.State != Closed {
		t.Errorf("expected other to stay CLOSED, got %s", s.State)
	}
}

func TestRegistry_SnapshotsSorted(t *testing.T) {
	r := NewRegistry(Settings{})
	r.Get("b")
	r.Get("a")
	snaps := r.Snapshots()
	if len(snaps) != 2 || snaps[0].Name != "a" || snaps[1].Name != "b" {
		t.Errorf("unexpected snapshots: %+v", snaps)
	}
}

func TestRegistry_WithMetrics(t *testing.T) {
	clk := newFakeClock()
	m := telemetry.New()
	r := NewRegistry(Settings{Threshold: 1, Cooldown: time.Second}, WithClock(clk.Now), WithMetrics(m))
	Execute(r, "dep", fail, fallback)
	Execute(r, "dep", fail, fallback)
	if s := r.Get("dep").Snapshot(); s.State != Open {
		t.Errorf("expected OPEN, got %s", s.State)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{Closed, "CLOSED"},
		{Open, "OPEN"},
		{HalfOpen, "HALF_OPEN"},
		{State(42), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
