// Package store implements the shared KV store adapter (C1): a typed facade
// over a Redis-compatible remote tier plus a local L1 in-process LRU with
// independent TTL.
package store

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/gzip"

	"github.com/mlgclan/perfcore/infrastructure/errors"
	"github.com/mlgclan/perfcore/infrastructure/logging"
	"github.com/mlgclan/perfcore/infrastructure/metrics"
	"github.com/mlgclan/perfcore/infrastructure/resilience"
)

// Config configures the store.
type Config struct {
	// CompressionThreshold is the serialized-value size at or above which values
	// are transparently gzip-compressed before being written to the
	// remote tier. Zero disables compression.
	CompressionThreshold int
	CompressionLevel     int

	L1MaxEntries    int
	L1MaxEntryBytes int
	L1MaxTTL        time.Duration
}

// DefaultConfig returns the §4.1 defaults.
func DefaultConfig() Config {
	return Config{
		CompressionThreshold: 1024,
		CompressionLevel:     6,
		L1MaxEntries:         10000,
		L1MaxEntryBytes:      64 * 1024,
		L1MaxTTL:             60 * time.Second,
	}
}

// l1Entry is the value held in the L1 LRU: raw bytes plus an absolute expiry
// timestamp, since golang-lru has no native per-entry TTL.
type l1Entry struct {
	value     []byte
	expiresAt time.Time
}

// Store is the C1 shared KV store adapter.
type Store struct {
	cfg Config

	redis *redis.Client
	l1    *lru.Cache[string, l1Entry]
	cb    *resilience.CircuitBreaker

	logger  *logging.Logger
	metrics *metrics.Metrics

	mu              sync.Mutex
	compressionSave int64
}

// New constructs a Store. redisClient may be nil, in which case the store
// operates L1-only and skips the remote tier without error: Get and MGet
// miss on an L1 miss, Set writes L1 only, Del and Scan touch no remote
// keys, and Ping reports healthy (useful for tests and for embedders that
// disable the remote tier).
func New(cfg Config, redisClient *redis.Client, logger *logging.Logger, m *metrics.Metrics) (*Store, error) {
	if cfg.L1MaxEntries <= 0 {
		cfg.L1MaxEntries = 10000
	}
	l1, err := lru.New[string, l1Entry](cfg.L1MaxEntries)
	if err != nil {
		return nil, fmt.Errorf("store: new L1 LRU: %w", err)
	}

	cb := resilience.New(resilience.Config{
		MaxFailures: 5,
		Timeout:     15 * time.Second,
		HalfOpenMax: 3,
		OnStateChange: func(from, to resilience.State) {
			if logger != nil {
				logger.WithFields(map[string]interface{}{
					"from_state": from.String(),
					"to_state":   to.String(),
				}).Warn("store: shared-store circuit breaker state changed")
			}
		},
	})

	return &Store{
		cfg:     cfg,
		redis:   redisClient,
		l1:      l1,
		cb:      cb,
		logger:  logger,
		metrics: m,
	}, nil
}

// envelope is the on-wire format for a stored value: one compression flag
// byte followed by the (possibly compressed) payload.
const (
	flagPlain      byte = 0
	flagCompressed byte = 1
)

func encodeEnvelope(value []byte, threshold, level int) []byte {
	if threshold <= 0 || len(value) < threshold {
		return append([]byte{flagPlain}, value...)
	}

	var buf bytes.Buffer
	buf.WriteByte(flagCompressed)
	w, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return append([]byte{flagPlain}, value...)
	}
	if _, err := w.Write(value); err != nil {
		return append([]byte{flagPlain}, value...)
	}
	if err := w.Close(); err != nil {
		return append([]byte{flagPlain}, value...)
	}

	// Testable property 3: compression idempotence / never store a
	// compressed form that is not actually smaller.
	if buf.Len() >= len(value)+1 {
		return append([]byte{flagPlain}, value...)
	}
	return buf.Bytes()
}

func decodeEnvelope(raw []byte) (value []byte, compressed bool, err error) {
	if len(raw) == 0 {
		return nil, false, nil
	}
	flag, body := raw[0], raw[1:]
	switch flag {
	case flagPlain:
		return body, false, nil
	case flagCompressed:
		r, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, true, err
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, true, err
		}
		return out, true, nil
	default:
		return nil, false, fmt.Errorf("store: unknown envelope flag %d", flag)
	}
}

// Get fetches a value, checking L1 first and repopulating it on a remote hit.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if entry, ok := s.l1.Get(key); ok {
		if time.Now().Before(entry.expiresAt) {
			s.recordTierHit("l1")
			return entry.value, true, nil
		}
		s.l1.Remove(key)
	}

	if s.redis == nil {
		return nil, false, nil
	}

	raw, err := s.remoteGet(ctx, key)
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		return nil, false, errors.StoreUnavailable("get", err)
	}
	if raw == nil {
		return nil, false, nil
	}

	value, compressed, decErr := decodeEnvelope(raw)
	if decErr != nil {
		return nil, false, errors.DecompressFailed(key, decErr)
	}
	_ = compressed

	s.recordTierHit("remote")
	s.repopulateL1(key, value, s.cfg.L1MaxTTL)
	return value, true, nil
}

// Set writes value to the remote tier with ttl, and to L1 when eligible.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	envelope := encodeEnvelope(value, s.cfg.CompressionThreshold, s.cfg.CompressionLevel)
	if len(envelope) < len(value)+1 {
		s.addCompressionSavings(len(value) + 1 - len(envelope))
	}

	if s.redis != nil {
		if err := s.remoteSet(ctx, key, envelope, ttl); err != nil {
			if s.logger != nil {
				s.logger.Warnf("store: remote set failed for %s: %v", key, err)
			}
			return errors.StoreUnavailable("set", err)
		}
	}

	if len(value) <= s.cfg.L1MaxEntryBytes || s.cfg.L1MaxEntryBytes <= 0 {
		l1TTL := ttl
		if s.cfg.L1MaxTTL > 0 && (l1TTL <= 0 || l1TTL > s.cfg.L1MaxTTL) {
			l1TTL = s.cfg.L1MaxTTL
		}
		s.repopulateL1(key, value, l1TTL)
	}
	return nil
}

// MGet fetches multiple keys, order-preserving, batching the remote round
// trip for keys missing from L1.
func (s *Store) MGet(ctx context.Context, keys []string) ([][]byte, []bool, error) {
	values := make([][]byte, len(keys))
	found := make([]bool, len(keys))
	missing := make([]int, 0, len(keys))

	for i, key := range keys {
		if entry, ok := s.l1.Get(key); ok && time.Now().Before(entry.expiresAt) {
			values[i] = entry.value
			found[i] = true
			s.recordTierHit("l1")
			continue
		}
		missing = append(missing, i)
	}

	if len(missing) == 0 || s.redis == nil {
		return values, found, nil
	}

	missingKeys := make([]string, len(missing))
	for j, idx := range missing {
		missingKeys[j] = keys[idx]
	}

	raws, err := s.remoteMGet(ctx, missingKeys)
	if err != nil {
		return values, found, errors.StoreUnavailable("mget", err)
	}

	for j, idx := range missing {
		raw := raws[j]
		if raw == nil {
			continue
		}
		value, _, decErr := decodeEnvelope(raw)
		if decErr != nil {
			continue
		}
		values[idx] = value
		found[idx] = true
		s.recordTierHit("remote")
		s.repopulateL1(keys[idx], value, s.cfg.L1MaxTTL)
	}

	return values, found, nil
}

// Del deletes keys from both tiers, returning the number removed remotely.
func (s *Store) Del(ctx context.Context, keys ...string) (int, error) {
	for _, key := range keys {
		s.l1.Remove(key)
	}
	if s.redis == nil || len(keys) == 0 {
		return 0, nil
	}
	n, err := s.remoteDel(ctx, keys)
	if err != nil {
		return 0, errors.StoreUnavailable("del", err)
	}
	return n, nil
}

// Scan returns a finite, non-restartable list of keys matching pattern,
// using a non-blocking cursor (SCAN, never KEYS).
func (s *Store) Scan(ctx context.Context, pattern string) ([]string, error) {
	if s.redis == nil {
		return nil, nil
	}
	var keys []string
	var cursor uint64
	for {
		var batch []string
		var err error
		batch, cursor, err = s.execScan(ctx, cursor, pattern, 200)
		if err != nil {
			return nil, errors.StoreUnavailable("scan", err)
		}
		keys = append(keys, batch...)
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

// Ping reports remote-tier health.
func (s *Store) Ping(ctx context.Context) error {
	if s.redis == nil {
		return nil
	}
	err := s.cb.Execute(ctx, func() error {
		return s.redis.Ping(ctx).Err()
	})
	if err != nil {
		return errors.StoreUnavailable("ping", err)
	}
	return nil
}

// L1Len reports the current L1 entry count, for metrics/health.
func (s *Store) L1Len() int {
	return s.l1.Len()
}

// CompressionSavedBytes reports cumulative bytes saved by compression.
func (s *Store) CompressionSavedBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compressionSave
}

func (s *Store) addCompressionSavings(n int) {
	s.mu.Lock()
	s.compressionSave += int64(n)
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.RecordCompressionSaved(n)
	}
}

func (s *Store) recordTierHit(tier string) {
	if s.metrics != nil {
		s.metrics.RecordCacheTierHit(tier)
	}
}

func (s *Store) repopulateL1(key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = s.cfg.L1MaxTTL
	}
	if ttl <= 0 {
		return
	}
	s.l1.Add(key, l1Entry{value: value, expiresAt: time.Now().Add(ttl)})
}

func (s *Store) remoteGet(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.cb.Execute(ctx, func() error {
		b, err := s.redis.Get(ctx, key).Bytes()
		if err != nil {
			return err
		}
		out = b
		return nil
	})
	if err != nil {
		if err == redis.Nil {
			return nil, redis.Nil
		}
		return nil, err
	}
	return out, nil
}

func (s *Store) remoteSet(ctx context.Context, key string, envelope []byte, ttl time.Duration) error {
	return s.cb.Execute(ctx, func() error {
		return s.redis.Set(ctx, key, envelope, ttl).Err()
	})
}

func (s *Store) remoteMGet(ctx context.Context, keys []string) ([][]byte, error) {
	var raw []interface{}
	err := s.cb.Execute(ctx, func() error {
		res, err := s.redis.MGet(ctx, keys...).Result()
		if err != nil {
			return err
		}
		raw = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(raw))
	for i, v := range raw {
		if v == nil {
			continue
		}
		if str, ok := v.(string); ok {
			out[i] = []byte(str)
		}
	}
	return out, nil
}

func (s *Store) remoteDel(ctx context.Context, keys []string) (int, error) {
	var n int64
	err := s.cb.Execute(ctx, func() error {
		res, err := s.redis.Del(ctx, keys...).Result()
		if err != nil {
			return err
		}
		n = res
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *Store) execScan(ctx context.Context, cursor uint64, pattern string, count int64) ([]string, uint64, error) {
	var keys []string
	var next uint64
	err := s.cb.Execute(ctx, func() error {
		k, c, err := s.redis.Scan(ctx, cursor, pattern, count).Result()
		if err != nil {
			return err
		}
		keys, next = k, c
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return keys, next, nil
}

// RandomSuffix returns n random hex characters, used by callers that need a
// collision-resistant key suffix (e.g. oversized-key hashing fallbacks).
func RandomSuffix(n int) string {
	buf := make([]byte, (n+1)/2)
	if _, err := rand.Read(buf); err != nil {
		return "0000000000000000"[:n]
	}
	return hex.EncodeToString(buf)[:n]
}
