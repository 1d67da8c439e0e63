package emergency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/consentcore/internal/platform/cache"
)

type countingSource struct {
	*MemorySource
	mu    sync.Mutex
	reads int
	err   error
}

func (s *countingSource) ProfileByPublicID(ctx context.Context, publicID string) (*Profile, error) {
	s.mu.Lock()
	s.reads++
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.MemorySource.ProfileByPublicID(ctx, publicID)
}

func (s *countingSource) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

type brokenCache struct{}

func (brokenCache) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("redis: connection refused")
}
func (brokenCache) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("redis: connection refused")
}
func (brokenCache) Invalidate(context.Context, string) error {
	return errors.New("redis: connection refused")
}

type auditCall struct {
	action   string
	metadata map[string]interface{}
}

type recordingWriter struct {
	mu    sync.Mutex
	calls []auditCall
}

func (w *recordingWriter) Write(_ uuid.UUID, action, _ string, metadata map[string]interface{}) {
	w.mu.Lock()
	w.calls = append(w.calls, auditCall{action, metadata})
	w.mu.Unlock()
}

func seed(t *testing.T) (*countingSource, *Profile) {
	t.Helper()
	src := &countingSource{MemorySource: NewMemorySource()}
	p := &Profile{
		PatientID: uuid.New(), PublicID: "EMR-42", Name: "Meera", BloodType: "O-",
		Allergies:         []string{"penicillin"},
		ActiveMedications: []string{"metformin"},
		EmergencyContacts: []Contact{{Name: "Ravi", Relation: "spouse", Phone: "+91-99"}},
	}
	require.NoError(t, src.Save(context.Background(), p))
	return src, p
}

func TestGetEmergencyProfile_CachesWithinTTL(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := cache.NewMemoryStore().WithClock(func() time.Time { return now })
	src, p := seed(t)
	w := &recordingWriter{}
	svc := NewService(src, store, w)
	ctx := context.Background()

	got, err := svc.GetEmergencyProfile(ctx, p.PublicID)
	require.NoError(t, err)
	assert.Equal(t, "O-", got.BloodType)
	assert.Equal(t, []string{"penicillin"}, got.Allergies)

	now = now.Add(4 * time.Minute)
	_, err = svc.GetEmergencyProfile(ctx, p.PublicID)
	require.NoError(t, err)
	assert.Equal(t, 1, src.count(), "second read inside TTL must be served from cache")

	now = now.Add(2 * time.Minute)
	_, err = svc.GetEmergencyProfile(ctx, p.PublicID)
	require.NoError(t, err)
	assert.Equal(t, 2, src.count(), "read after TTL must go to the source")

	require.Len(t, w.calls, 3)
	assert.Equal(t, "EMERGENCY_PROFILE_READ", w.calls[0].action)
	assert.Equal(t, "miss", w.calls[0].metadata["cache"])
	assert.Equal(t, "hit", w.calls[1].metadata["cache"])
}

func TestGetEmergencyProfile_StaleUntilInvalidated(t *testing.T) {
	src, p := seed(t)
	svc := NewService(src, cache.NewMemoryStore(), &recordingWriter{})
	ctx := context.Background()

	_, err := svc.GetEmergencyProfile(ctx, p.PublicID)
	require.NoError(t, err)

	changed := *p
	changed.BloodType = "AB+"
	require.NoError(t, src.Save(ctx, &changed))

	got, _ := svc.GetEmergencyProfile(ctx, p.PublicID)
	assert.Equal(t, "O-", got.BloodType, "cached copy may be stale")

	require.NoError(t, svc.Invalidate(ctx, p.PublicID))
	got, _ = svc.GetEmergencyProfile(ctx, p.PublicID)
	assert.Equal(t, "AB+", got.BloodType)
}

func TestUpdateProfile_InvalidatesCache(t *testing.T) {
	src, p := seed(t)
	svc := NewService(src, cache.NewMemoryStore(), &recordingWriter{})
	ctx := context.Background()

	_, err := svc.GetEmergencyProfile(ctx, p.PublicID)
	require.NoError(t, err)

	updated := *p
	updated.Allergies = []string{"latex"}
	require.NoError(t, svc.UpdateProfile(ctx, &updated))

	got, err := svc.GetEmergencyProfile(ctx, p.PublicID)
	require.NoError(t, err)
	assert.Equal(t, []string{"latex"}, got.Allergies)

	assert.ErrorIs(t, svc.UpdateProfile(ctx, &Profile{}), ErrInvalidProfile)
}

func TestUpdateProfile_GlobCharactersInvalidateOnlyThatProfile(t *testing.T) {
	store := cache.NewMemoryStore()
	src, p := seed(t)
	svc := NewService(src, store, &recordingWriter{})
	ctx := context.Background()

	_, err := svc.GetEmergencyProfile(ctx, p.PublicID)
	require.NoError(t, err)
	require.Equal(t, 1, store.Len())

	for _, id := range []string{"*", "EMR-?2", "EMR-[", `EMR-\`} {
		t.Run(id, func(t *testing.T) {
			odd := &Profile{PatientID: uuid.New(), PublicID: id, Name: "Odd"}
			require.NoError(t, svc.UpdateProfile(ctx, odd))

			got, err := svc.GetEmergencyProfile(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, "Odd", got.Name)
		})
	}

	// The original entry survives every invalidation above.
	reads := src.count()
	_, err = svc.GetEmergencyProfile(ctx, p.PublicID)
	require.NoError(t, err)
	assert.Equal(t, reads, src.count())

	// And an odd id is still evicted by its own update.
	odd := &Profile{PatientID: uuid.New(), PublicID: "EMR-[", Name: "Renamed"}
	require.NoError(t, svc.UpdateProfile(ctx, odd))
	got, err := svc.GetEmergencyProfile(ctx, "EMR-[")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Name)
}

func TestInvalidateAll(t *testing.T) {
	store := cache.NewMemoryStore()
	src, p := seed(t)
	other := &Profile{PatientID: uuid.New(), PublicID: "EMR-43"}
	require.NoError(t, src.Save(context.Background(), other))
	require.NoError(t, store.Set(context.Background(), "session:1", []byte("x"), time.Minute))

	svc := NewService(src, store, &recordingWriter{})
	ctx := context.Background()
	svc.GetEmergencyProfile(ctx, p.PublicID)
	svc.GetEmergencyProfile(ctx, other.PublicID)
	assert.Equal(t, 3, store.Len())

	require.NoError(t, svc.InvalidateAll(ctx))
	assert.Equal(t, 1, store.Len(), "only emergency keys are dropped")
}

func TestGetEmergencyProfile_CacheFailureFallsThrough(t *testing.T) {
	src, p := seed(t)
	svc := NewService(src, brokenCache{}, &recordingWriter{})

	got, err := svc.GetEmergencyProfile(context.Background(), p.PublicID)
	require.NoError(t, err)
	assert.Equal(t, p.PatientID, got.PatientID)
}

func TestGetEmergencyProfile_NotFoundIsNotCached(t *testing.T) {
	src, _ := seed(t)
	store := cache.NewMemoryStore()
	w := &recordingWriter{}
	svc := NewService(src, store, w)

	_, err := svc.GetEmergencyProfile(context.Background(), "EMR-missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, store.Len())
	assert.Empty(t, w.calls)
}

func TestGetEmergencyProfile_SourceError(t *testing.T) {
	src, p := seed(t)
	src.err = errors.New("db down")
	svc := NewService(src, cache.NewMemoryStore(), &recordingWriter{})

	_, err := svc.GetEmergencyProfile(context.Background(), p.PublicID)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestMemorySource_ReturnsCopies(t *testing.T) {
	src, p := seed(t)
	got, err := src.ProfileByPublicID(context.Background(), p.PublicID)
	require.NoError(t, err)
	got.Allergies[0] = "mutated"

	again, _ := src.ProfileByPublicID(context.Background(), p.PublicID)
	assert.Equal(t, "penicillin", again.Allergies[0])
}
