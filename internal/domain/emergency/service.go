package emergency

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/consentcore/internal/platform/audit"
	"github.com/ehr/consentcore/internal/platform/cache"
	"github.com/ehr/consentcore/internal/platform/telemetry"
)

const (
	DefaultTTL = 5 * time.Minute
	keyPrefix  = "emergency:"
	cacheName  = "emergency"
)

type Service struct {
	source  Source
	cache   cache.Store
	audit   audit.Writer
	metrics *telemetry.Metrics
	logger  zerolog.Logger
	ttl     time.Duration
	now     func() time.Time
}

type Option func(*Service)

func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(source Source, store cache.Store, auditW audit.Writer, opts ...Option) *Service {
	s := &Service{
		source: source,
		cache:  store,
		audit:  auditW,
		logger: zerolog.Nop(),
		ttl:    DefaultTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func cacheKey(publicID string) string { return keyPrefix + publicID }

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

// exactPattern matches only the cache key of publicID under both the memory
// and the Redis glob dialects.
func exactPattern(publicID string) string { return keyPrefix + globEscaper.Replace(publicID) }

// GetEmergencyProfile returns the profile for publicID, from cache when
// possible. A failing cache degrades to the source; it never fails the read.
func (s *Service) GetEmergencyProfile(ctx context.Context, publicID string) (*Profile, error) {
	key := cacheKey(publicID)

	if p, ok := s.cached(ctx, key); ok {
		s.metrics.CacheHit(cacheName)
		s.record(p, "hit")
		return p, nil
	}
	s.metrics.CacheMiss(cacheName)

	p, err := s.source.ProfileByPublicID(ctx, publicID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(p); err == nil {
		if err := s.cache.Set(ctx, key, data, s.ttl); err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("emergency cache set failed")
		}
	}
	s.record(p, "miss")
	return p, nil
}

func (s *Service) cached(ctx context.Context, key string) (*Profile, bool) {
	data, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("emergency cache get failed")
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("discarding undecodable cache entry")
		return nil, false
	}
	return &p, true
}

// UpdateProfile writes p to the source and drops its cached copy.
func (s *Service) UpdateProfile(ctx context.Context, p *Profile) error {
	if p.PublicID == "" || p.PatientID == uuid.Nil {
		return ErrInvalidProfile
	}
	p.UpdatedAt = s.now().UTC()
	if err := s.source.Save(ctx, p); err != nil {
		return err
	}
	return s.Invalidate(ctx, p.PublicID)
}

func (s *Service) Invalidate(ctx context.Context, publicID string) error {
	if err := s.cache.Invalidate(ctx, exactPattern(publicID)); err != nil {
		return fmt.Errorf("invalidate emergency profile: %w", err)
	}
	return nil
}

func (s *Service) InvalidateAll(ctx context.Context) error {
	if err := s.cache.Invalidate(ctx, keyPrefix+"*"); err != nil {
		return fmt.Errorf("invalidate emergency profiles: %w", err)
	}
	return nil
}

// record audits the read. The endpoint is unauthenticated, so the actor is
// the nil id.
func (s *Service) record(p *Profile, cacheResult string) {
	s.audit.Write(uuid.Nil, audit.ActionEmergencyProfileRead, "patient/"+p.PatientID.String(), map[string]interface{}{
		"publicId": p.PublicID,
		"cache":    cacheResult,
	})
}
