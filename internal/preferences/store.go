package preferences

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/cliniscribe/notegen-backend/internal/apperr"
	"github.com/cliniscribe/notegen-backend/internal/domain"
	"github.com/cliniscribe/notegen-backend/internal/platform/envutil"
	"github.com/cliniscribe/notegen-backend/internal/platform/logger"
)

// DefaultApplyThreshold is the minimum confidence for a stored preference to
// be applied to generation.
const DefaultApplyThreshold = 0.7

// Confidence assigned to entries written through the API. Request-supplied
// overlays are trusted outright.
const (
	writtenConfidence = 0.9
	overlayConfidence = 1.0
)

// Store holds per-doctor terminology preferences. Reads are snapshotted at
// job start; writes land out-of-band and never affect a running job.
type Store interface {
	Get(ctx context.Context, doctorID string) (domain.DoctorPreferences, error)
	Put(ctx context.Context, doctorID string, terms map[string]string) (domain.DoctorPreferences, error)
	// Snapshot resolves the applied map for one job: stored entries at or
	// above the threshold, overlaid by the request-supplied map.
	Snapshot(ctx context.Context, doctorID string, overlay map[string]string, threshold float64) (map[string]string, error)
	Ping(ctx context.Context) error
	Close() error
}

// ---------- redis-backed store ----------

type redisStore struct {
	log       *logger.Logger
	rdb       *goredis.Client
	keyPrefix string
	now       func() time.Time
}

// NewFromEnv returns a redis-backed store when PREFERENCES_REDIS_ADDR (or
// REDIS_ADDR) is set, otherwise an in-memory store. The in-memory fallback
// keeps single-node deployments working without a redis dependency.
func NewFromEnv(log *logger.Logger) (Store, error) {
	if log == nil {
		return nil, fmt.Errorf("preferences: logger required")
	}

	addr := strings.TrimSpace(envutil.Str("PREFERENCES_REDIS_ADDR", envutil.Str("REDIS_ADDR", "")))
	if addr == "" {
		log.Info("Preference store running in-memory (no redis address configured)")
		return NewMemoryStore(), nil
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("preferences: redis ping: %w", err)
	}

	log.Info("Preference store connected to redis", "addr", addr)
	return &redisStore{
		log:       log.With("service", "PreferenceStore"),
		rdb:       rdb,
		keyPrefix: strings.TrimSpace(envutil.Str("PREFERENCES_KEY_PREFIX", "notegen:prefs")),
		now:       time.Now,
	}, nil
}

func (s *redisStore) key(doctorID string) string {
	return s.keyPrefix + ":" + doctorID
}

func (s *redisStore) Get(ctx context.Context, doctorID string) (domain.DoctorPreferences, error) {
	doctorID = strings.TrimSpace(doctorID)
	if doctorID == "" {
		return domain.DoctorPreferences{}, apperr.Invalid("doctor id required")
	}

	fields, err := s.rdb.HGetAll(ctx, s.key(doctorID)).Result()
	if err != nil {
		return domain.DoctorPreferences{}, fmt.Errorf("%w: preference read: %v", apperr.ErrDependencyUnavailable, err)
	}

	out := domain.DoctorPreferences{DoctorID: doctorID, Terms: make(map[string]domain.PreferenceEntry, len(fields))}
	for original, raw := range fields {
		var entry domain.PreferenceEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			s.log.Warn("Skipping malformed preference entry", "doctor_id", doctorID, "error", err)
			continue
		}
		out.Terms[original] = entry
	}
	return out, nil
}

func (s *redisStore) Put(ctx context.Context, doctorID string, terms map[string]string) (domain.DoctorPreferences, error) {
	doctorID = strings.TrimSpace(doctorID)
	if doctorID == "" {
		return domain.DoctorPreferences{}, apperr.Invalid("doctor id required")
	}
	if len(terms) == 0 {
		return s.Get(ctx, doctorID)
	}

	existing, err := s.Get(ctx, doctorID)
	if err != nil {
		return domain.DoctorPreferences{}, err
	}

	merged := mergeTerms(existing.Terms, terms, s.now())
	payload := make(map[string]any, len(terms))
	for original := range terms {
		raw, err := json.Marshal(merged[original])
		if err != nil {
			return domain.DoctorPreferences{}, fmt.Errorf("%w: encode preference: %v", apperr.ErrInternal, err)
		}
		payload[original] = string(raw)
	}
	if err := s.rdb.HSet(ctx, s.key(doctorID), payload).Err(); err != nil {
		return domain.DoctorPreferences{}, fmt.Errorf("%w: preference write: %v", apperr.ErrDependencyUnavailable, err)
	}

	existing.Terms = merged
	return existing, nil
}

func (s *redisStore) Snapshot(ctx context.Context, doctorID string, overlay map[string]string, threshold float64) (map[string]string, error) {
	stored, err := s.Get(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	return applySnapshot(stored.Terms, overlay, threshold), nil
}

func (s *redisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *redisStore) Close() error {
	return s.rdb.Close()
}

// ---------- in-memory store ----------

type memoryStore struct {
	mu   sync.RWMutex
	data map[string]map[string]domain.PreferenceEntry
	now  func() time.Time
}

func NewMemoryStore() Store {
	return &memoryStore{
		data: make(map[string]map[string]domain.PreferenceEntry),
		now:  time.Now,
	}
}

func (s *memoryStore) Get(ctx context.Context, doctorID string) (domain.DoctorPreferences, error) {
	doctorID = strings.TrimSpace(doctorID)
	if doctorID == "" {
		return domain.DoctorPreferences{}, apperr.Invalid("doctor id required")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := domain.DoctorPreferences{DoctorID: doctorID, Terms: make(map[string]domain.PreferenceEntry)}
	for original, entry := range s.data[doctorID] {
		out.Terms[original] = entry
	}
	return out, nil
}

func (s *memoryStore) Put(ctx context.Context, doctorID string, terms map[string]string) (domain.DoctorPreferences, error) {
	doctorID = strings.TrimSpace(doctorID)
	if doctorID == "" {
		return domain.DoctorPreferences{}, apperr.Invalid("doctor id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	merged := mergeTerms(s.data[doctorID], terms, s.now())
	s.data[doctorID] = merged

	out := domain.DoctorPreferences{DoctorID: doctorID, Terms: make(map[string]domain.PreferenceEntry, len(merged))}
	for original, entry := range merged {
		out.Terms[original] = entry
	}
	return out, nil
}

func (s *memoryStore) Snapshot(ctx context.Context, doctorID string, overlay map[string]string, threshold float64) (map[string]string, error) {
	stored, err := s.Get(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	return applySnapshot(stored.Terms, overlay, threshold), nil
}

func (s *memoryStore) Ping(ctx context.Context) error { return nil }
func (s *memoryStore) Close() error                   { return nil }

// ---------- shared merge/snapshot logic ----------

// mergeTerms folds a write into the stored map. Re-asserting the same
// preferred form nudges confidence up; changing it resets to the written
// baseline.
func mergeTerms(existing map[string]domain.PreferenceEntry, terms map[string]string, now time.Time) map[string]domain.PreferenceEntry {
	merged := make(map[string]domain.PreferenceEntry, len(existing)+len(terms))
	for original, entry := range existing {
		merged[original] = entry
	}
	for original, preferred := range terms {
		original = strings.TrimSpace(original)
		preferred = strings.TrimSpace(preferred)
		if original == "" || preferred == "" {
			continue
		}
		entry := domain.PreferenceEntry{Preferred: preferred, Confidence: writtenConfidence, LastUpdated: now}
		if prev, ok := merged[original]; ok && prev.Preferred == preferred {
			entry.Confidence = prev.Confidence + 0.05
			if entry.Confidence > 1.0 {
				entry.Confidence = 1.0
			}
		}
		merged[original] = entry
	}
	return merged
}

// applySnapshot produces the deterministic applied map for one job:
// stored entries at or above the threshold, then the request overlay with
// request precedence.
func applySnapshot(stored map[string]domain.PreferenceEntry, overlay map[string]string, threshold float64) map[string]string {
	if threshold <= 0 {
		threshold = DefaultApplyThreshold
	}
	out := make(map[string]string)
	for original, entry := range stored {
		if entry.Confidence >= threshold && entry.Preferred != "" {
			out[original] = entry.Preferred
		}
	}
	for original, preferred := range overlay {
		original = strings.TrimSpace(original)
		preferred = strings.TrimSpace(preferred)
		if original == "" || preferred == "" {
			continue
		}
		out[original] = preferred
	}
	return out
}

// SortedOriginals is a helper for deterministic prompt assembly.
func SortedOriginals(applied map[string]string) []string {
	out := make([]string, 0, len(applied))
	for original := range applied {
		out = append(out, original)
	}
	sort.Strings(out)
	return out
}
