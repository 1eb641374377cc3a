package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-service/internal/apperrors"
	"github.com/akylbek/payment-system/payment-service/internal/interfaces"
	"github.com/akylbek/payment-system/payment-service/internal/models"
)

const DefaultTTL = 24 * time.Hour

type State int

const (
	Absent State = iota
	Fresh
	Expired
)

func (s State) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Expired:
		return "expired"
	default:
		return "absent"
	}
}

// Lookup is the outcome of consulting the store for a key. Record is set only when Fresh.
type Lookup struct {
	State  State
	Record *models.IdempotencyRecord
}

type Store struct {
	repo   interfaces.IdempotencyRepository
	cache  *redis.Client
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger
}

type Option func(*Store)

// WithCache puts a Redis read-through cache in front of the repository.
func WithCache(client *redis.Client) Option {
	return func(s *Store) { s.cache = client }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func NewStore(repo interfaces.IdempotencyRepository, ttl time.Duration, logger *zap.Logger, opts ...Option) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &Store{repo: repo, ttl: ttl, now: time.Now, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func cacheKey(key string) string {
	return fmt.Sprintf("idempotency:%s", key)
}

func (s *Store) Lookup(ctx context.Context, key string) (Lookup, error) {
	now := s.now()

	if rec := s.cached(ctx, key); rec != nil && !rec.Expired(now) {
		return Lookup{State: Fresh, Record: rec}, nil
	}

	rec, err := s.repo.GetIdempotencyRecord(ctx, key)
	if errors.Is(err, apperrors.ErrNotFound) {
		return Lookup{State: Absent}, nil
	}
	if err != nil {
		return Lookup{}, fmt.Errorf("lookup idempotency key: %w", err)
	}

	if rec.Expired(now) {
		if err := s.repo.DeleteExpiredIdempotencyRecord(ctx, key, now); err != nil {
			s.logger.Warn("Failed to delete expired idempotency record", zap.String("idempotency_key", key), zap.Error(err))
		}
		s.evict(ctx, key)
		return Lookup{State: Expired}, nil
	}

	s.Cache(ctx, rec)
	return Lookup{State: Fresh, Record: rec}, nil
}

// NewRecord stamps a record for key with the store's clock and TTL.
func (s *Store) NewRecord(key, requestHash, paymentID string, statusCode int, body []byte) *models.IdempotencyRecord {
	now := s.now()
	return &models.IdempotencyRecord{
		Key:          key,
		RequestHash:  requestHash,
		PaymentID:    paymentID,
		ResponseBody: body,
		StatusCode:   statusCode,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.ttl),
	}
}

// Record persists rec through w, which is either the repository or an open unit of work.
// It fails with apperrors.ErrKeyConflict when a fresh record already holds the key.
func (s *Store) Record(ctx context.Context, w interfaces.IdempotencyWriter, rec *models.IdempotencyRecord) error {
	inserted, err := w.InsertIdempotencyRecord(ctx, rec)
	if err != nil {
		return fmt.Errorf("record idempotency key: %w", err)
	}
	if !inserted {
		return apperrors.Newf(apperrors.KindKeyConflict, "Idempotency key %s already recorded", rec.Key)
	}
	return nil
}

// Cache writes a committed record to Redis. Failures only cost a repository read later.
func (s *Store) Cache(ctx context.Context, rec *models.IdempotencyRecord) {
	if s.cache == nil {
		return
	}
	ttl := rec.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, cacheKey(rec.Key), data, ttl).Err(); err != nil {
		s.logger.Debug("Failed to cache idempotency record", zap.String("idempotency_key", rec.Key), zap.Error(err))
	}
}

func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	return s.repo.PurgeExpiredIdempotencyRecords(ctx, s.now())
}

func (s *Store) cached(ctx context.Context, key string) *models.IdempotencyRecord {
	if s.cache == nil {
		return nil
	}
	data, err := s.cache.Get(ctx, cacheKey(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Debug("Idempotency cache read failed", zap.String("idempotency_key", key), zap.Error(err))
		}
		return nil
	}
	var rec models.IdempotencyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil
	}
	return &rec
}

func (s *Store) evict(ctx context.Context, key string) {
	if s.cache == nil {
		return
	}
	s.cache.Del(ctx, cacheKey(key))
}
