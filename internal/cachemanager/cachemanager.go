// Package cachemanager implements the cache manager (C2): it turns a
// (namespace, logical key, options) triple into a CacheKey, applies
// per-namespace TTL defaults, and routes through the C1 shared store.
package cachemanager

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mlgclan/perfcore/infrastructure/metrics"
	"github.com/mlgclan/perfcore/internal/store"
)

// maxKeyTail is the longest allowed length for the query/hash tail segment
// of a derived key before it is collapsed into a hash.
const maxKeyTail = 100

// defaultNamespaceTTLs is the closed set of per-namespace defaults (§4.2).
var defaultNamespaceTTLs = map[string]time.Duration{
	"api:voting":      5 * time.Second,
	"api:leaderboard": 30 * time.Second,
	"api:clan":        120 * time.Second,
	"api:user":        300 * time.Second,
	"api:content":     60 * time.Second,
	"api:tournament":  60 * time.Second,
	"session":         300 * time.Second,
	"general":         300 * time.Second,
	"static":          3600 * time.Second,
}

const globalDefaultTTL = 300 * time.Second

// Manager is the C2 cache manager.
type Manager struct {
	store     *store.Store
	metrics   *metrics.Metrics
	envPrefix string
	appPrefix string
	batchSize int
}

// Config configures a Manager.
type Config struct {
	// EnvPrefix, when non-empty, prefixes every derived key (e.g. "prod").
	EnvPrefix string
	// AppPrefix identifies this application in the key namespace.
	AppPrefix string
	// InvalidatePatternBatchSize bounds deletes per invalidatePattern sweep.
	InvalidatePatternBatchSize int
}

// New constructs a Manager.
func New(cfg Config, s *store.Store, m *metrics.Metrics) *Manager {
	batch := cfg.InvalidatePatternBatchSize
	if batch <= 0 {
		batch = 100
	}
	if cfg.AppPrefix == "" {
		cfg.AppPrefix = "mlg"
	}
	return &Manager{
		store:     s,
		metrics:   m,
		envPrefix: cfg.EnvPrefix,
		appPrefix: cfg.AppPrefix,
		batchSize: batch,
	}
}

// Options configures an individual Set/Get call.
type Options struct {
	// TTL overrides the namespace default when non-zero.
	TTL time.Duration
	// Version is appended to the derived key, letting callers invalidate
	// by bumping a version rather than deleting.
	Version int
	// Principal identifies the caller (user/session id); empty means
	// "anonymous" for key-derivation purposes.
	Principal string
}

// NamespaceDefaultTTL returns the configured default TTL for namespace,
// falling back to the global default for namespaces outside the closed set.
func NamespaceDefaultTTL(namespace string) time.Duration {
	if ttl, ok := defaultNamespaceTTLs[namespace]; ok {
		return ttl
	}
	return globalDefaultTTL
}

// DeriveKey implements the §4.2 key derivation rule:
// {envPrefix?}:{appPrefix}:{namespace}:{principal|anonymous}:{canonicalQueryOrHash}[:v{version}]
func (m *Manager) DeriveKey(namespace, key string, opts Options) string {
	principal := opts.Principal
	if principal == "" {
		principal = "anonymous"
	}

	tail := canonicalize(key)
	if len(tail) > maxKeyTail {
		sum := sha1.Sum([]byte(tail))
		tail = hex.EncodeToString(sum[:])[:16]
	}

	var b strings.Builder
	if m.envPrefix != "" {
		b.WriteString(m.envPrefix)
		b.WriteByte(':')
	}
	b.WriteString(m.appPrefix)
	b.WriteByte(':')
	b.WriteString(namespace)
	b.WriteByte(':')
	b.WriteString(principal)
	b.WriteByte(':')
	b.WriteString(tail)
	if opts.Version > 0 {
		fmt.Fprintf(&b, ":v%d", opts.Version)
	}
	return b.String()
}

// canonicalize sorts a "&"-delimited set of "k=v" query fragments
// lexicographically by key so semantically equal queries derive the same
// key regardless of parameter order.
func canonicalize(key string) string {
	if !strings.Contains(key, "&") && !strings.Contains(key, "=") {
		return key
	}
	parts := strings.Split(key, "&")
	sort.Strings(parts)
	return strings.Join(parts, "&")
}

// Set stores value under namespace/key, applying the TTL precedence rule
// (explicit opts.TTL, else namespace default).
func (m *Manager) Set(ctx context.Context, namespace, key string, value []byte, opts Options) error {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = NamespaceDefaultTTL(namespace)
	}
	fullKey := m.DeriveKey(namespace, key, opts)
	err := m.store.Set(ctx, fullKey, value, ttl)
	m.recordOp(namespace, "set", err)
	return err
}

// Get fetches the value stored at namespace/key.
func (m *Manager) Get(ctx context.Context, namespace, key string, opts Options) ([]byte, bool, error) {
	fullKey := m.DeriveKey(namespace, key, opts)
	value, found, err := m.store.Get(ctx, fullKey)
	result := "miss"
	if found {
		result = "hit"
	}
	if err != nil {
		result = "error"
	}
	m.recordResult(namespace, "get", result)
	return value, found, err
}

// GetMultiple fetches several logical keys in one call, order-preserving.
func (m *Manager) GetMultiple(ctx context.Context, namespace string, keys []string, opts Options) ([][]byte, []bool, error) {
	fullKeys := make([]string, len(keys))
	for i, k := range keys {
		fullKeys[i] = m.DeriveKey(namespace, k, opts)
	}
	values, found, err := m.store.MGet(ctx, fullKeys)
	for _, ok := range found {
		result := "miss"
		if ok {
			result = "hit"
		}
		m.recordResult(namespace, "get", result)
	}
	return values, found, err
}

// Delete removes one or more logical keys from namespace.
func (m *Manager) Delete(ctx context.Context, namespace string, opts Options, keys ...string) error {
	fullKeys := make([]string, len(keys))
	for i, k := range keys {
		fullKeys[i] = m.DeriveKey(namespace, k, opts)
	}
	_, err := m.store.Del(ctx, fullKeys...)
	m.recordOp(namespace, "delete", err)
	return err
}

// InvalidatePattern deletes every stored key under namespace whose logical
// key matches pattern (a store.Scan glob), for any principal, using the
// shared store's cursor-based scan and deleting in bounded batches.
func (m *Manager) InvalidatePattern(ctx context.Context, namespace, pattern string) (int, error) {
	prefix := m.namespacePrefix(namespace)
	// Stored keys are prefix + principal + ":" + logical key (see DeriveKey).
	scanPattern := prefix + "*:" + pattern

	keys, err := m.store.Scan(ctx, scanPattern)
	if err != nil {
		m.recordOp(namespace, "invalidate_pattern", err)
		return 0, err
	}

	deleted := 0
	for start := 0; start < len(keys); start += m.batchSize {
		end := start + m.batchSize
		if end > len(keys) {
			end = len(keys)
		}
		n, err := m.store.Del(ctx, keys[start:end]...)
		deleted += n
		if err != nil {
			m.recordOp(namespace, "invalidate_pattern", err)
			return deleted, err
		}
	}
	m.recordOp(namespace, "invalidate_pattern", nil)
	return deleted, nil
}

func (m *Manager) namespacePrefix(namespace string) string {
	var b strings.Builder
	if m.envPrefix != "" {
		b.WriteString(m.envPrefix)
		b.WriteByte(':')
	}
	b.WriteString(m.appPrefix)
	b.WriteByte(':')
	b.WriteString(namespace)
	b.WriteByte(':')
	return b.String()
}

func (m *Manager) recordOp(namespace, op string, err error) {
	if m.metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.metrics.RecordCacheOp(namespace, op, result)
}

func (m *Manager) recordResult(namespace, op, result string) {
	if m.metrics == nil {
		return
	}
	m.metrics.RecordCacheOp(namespace, op, result)
}
