// Package responsecache implements the response cache (C3): it memoizes
// whole HTTP responses for safe methods and transparently serves
// conditional requests (ETag / Last-Modified).
package responsecache

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mlgclan/perfcore/infrastructure/errors"
	"github.com/mlgclan/perfcore/infrastructure/metrics"
	"github.com/mlgclan/perfcore/internal/cachemanager"
)

// Entry is a memoized response.
type Entry struct {
	Status       int               `json:"status"`
	Header       map[string]string `json:"header"`
	Body         []byte            `json:"body"`
	Compressed   bool              `json:"compressed"`
	ETag         string            `json:"etag"`
	LastModified time.Time         `json:"last_modified"`
	TTL          time.Duration     `json:"ttl"`
}

// endpointTTLTable is the closed TTL-by-endpoint-pattern table (§4.3's
// TTL selection precedence, second tier after an explicit caller TTL).
var endpointTTLTable = []struct {
	substr string
	ttl    time.Duration
}{
	{"voting", 5 * time.Second},
	{"leaderboard", 30 * time.Second},
	{"clan-stats", 120 * time.Second},
	{"user-profile", 300 * time.Second},
	{"stats", 300 * time.Second},
	{"static", 3600 * time.Second},
	{"live", 60 * time.Second},
	{"realtime", 60 * time.Second},
}

// privatePathMarkers is the closed set of substrings that make an endpoint
// ineligible for caching regardless of method/status.
var privatePathMarkers = []string{"admin", "private", "auth/me"}

// Config configures a Cache.
type Config struct {
	Namespace       string
	MaxResponseSize int
	DefaultTTL      time.Duration
}

// Cache is the C3 response cache.
type Cache struct {
	cfg     Config
	manager *cachemanager.Manager
	metrics *metrics.Metrics
}

// New constructs a Cache.
func New(cfg Config, m *cachemanager.Manager, mx *metrics.Metrics) *Cache {
	if cfg.Namespace == "" {
		cfg.Namespace = "response"
	}
	if cfg.MaxResponseSize <= 0 {
		cfg.MaxResponseSize = 1 << 20
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 300 * time.Second
	}
	return &Cache{cfg: cfg, manager: m, metrics: mx}
}

// TTLForEndpoint applies the §4.3 TTL precedence rule for a given path,
// given an optional explicit caller TTL (zero means "not supplied").
func (c *Cache) TTLForEndpoint(path string, explicitTTL time.Duration) time.Duration {
	if explicitTTL > 0 {
		return explicitTTL
	}
	lower := strings.ToLower(path)
	for _, entry := range endpointTTLTable {
		if strings.Contains(lower, entry.substr) {
			return entry.ttl
		}
	}
	return c.cfg.DefaultTTL
}

// Cacheable implements the §4.3 caching predicate.
func Cacheable(r *http.Request, statusCode int, bodySize, maxResponseSize int) bool {
	if r.Method != http.MethodGet {
		return false
	}
	if statusCode != http.StatusOK {
		return false
	}
	if strings.Contains(r.Header.Get("Cache-Control"), "no-cache") {
		return false
	}
	if r.URL.Query().Get("nocache") == "true" {
		return false
	}
	lowerPath := strings.ToLower(r.URL.Path)
	for _, marker := range privatePathMarkers {
		if strings.Contains(lowerPath, marker) {
			return false
		}
	}
	return bodySize <= maxResponseSize
}

// Key derives the logical cache key for a request: method is implicit (only
// GET is ever cached), so it is path + canonical query. Key does not use
// principal; Lookup and Store pass the principal to the manager, which adds
// it to the derived key.
func Key(r *http.Request, principal string) string {
	q := r.URL.Query()
	var parts []string
	for k, vs := range q {
		for _, v := range vs {
			parts = append(parts, k+"="+v)
		}
	}
	sort.Strings(parts)
	return r.URL.Path + "?" + strings.Join(parts, "&")
}

// Lookup returns a cached entry for path/principal, or (Entry{}, false) on
// miss. Shared-store unavailability degrades to a miss (fail-open read).
func (c *Cache) Lookup(r *http.Request, principal string) (Entry, bool, error) {
	raw, found, err := c.manager.Get(r.Context(), c.cfg.Namespace, Key(r, principal), cachemanager.Options{Principal: principal})
	if err != nil {
		return Entry{}, false, err
	}
	if !found {
		return Entry{}, false, nil
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return Entry{}, false, errors.Serialization("decode_entry", err)
	}
	return entry, true, nil
}

// Store writes a candidate (status, header, body) after the handler's
// response has already been sent to the client, subject to the caching
// predicate. It is idempotent and a no-op if the predicate fails.
func (c *Cache) Store(r *http.Request, principal string, status int, header http.Header, body []byte, explicitTTL time.Duration) error {
	if !Cacheable(r, status, len(body), c.cfg.MaxResponseSize) {
		return nil
	}

	ttl := c.TTLForEndpoint(r.URL.Path, explicitTTL)
	now := time.Now()
	entry := Entry{
		Status:       status,
		Header:       flattenHeader(header),
		Body:         body,
		ETag:         etagFor(body),
		LastModified: now,
		TTL:          ttl,
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		return errors.Serialization("encode_entry", err)
	}
	return c.manager.Set(r.Context(), c.cfg.Namespace, Key(r, principal), raw, cachemanager.Options{TTL: ttl, Principal: principal})
}

// Serve writes entry to w, honoring conditional request headers: a matching
// If-None-Match or a sufficiently recent If-Modified-Since short-circuits
// to 304 with no body.
func (c *Cache) Serve(w http.ResponseWriter, r *http.Request, entry Entry) {
	if notModified(r, entry) {
		w.Header().Set("ETag", entry.ETag)
		w.Header().Set("X-Cache", "HIT-304")
		w.WriteHeader(http.StatusNotModified)
		return
	}

	for k, v := range entry.Header {
		w.Header().Set(k, v)
	}
	w.Header().Set("ETag", entry.ETag)
	w.Header().Set("Last-Modified", entry.LastModified.UTC().Format(http.TimeFormat))
	w.Header().Set("Cache-Control", "max-age="+strconv.Itoa(int(entry.TTL.Seconds())))
	w.Header().Set("X-Cache", "HIT")
	if entry.Compressed {
		w.Header().Set("Content-Encoding", "gzip")
	}
	w.WriteHeader(entry.Status)
	_, _ = w.Write(entry.Body)
}

func notModified(r *http.Request, entry Entry) bool {
	if inm := r.Header.Get("If-None-Match"); inm != "" && inm == entry.ETag {
		return true
	}
	if ims := r.Header.Get("If-Modified-Since"); ims != "" {
		if t, err := http.ParseTime(ims); err == nil && !entry.LastModified.After(t) {
			return true
		}
	}
	return false
}

func etagFor(body []byte) string {
	sum := sha1.Sum(body)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) == 0 {
			continue
		}
		if k == "Etag" || k == "Last-Modified" || k == "Cache-Control" || k == "X-Cache" || k == "Content-Encoding" {
			continue
		}
		out[k] = v[0]
	}
	return out
}

// WarmRequest is one synthetic request the warming worker replays to
// populate the cache ahead of demand.
type WarmRequest struct {
	Endpoint  string
	Params    map[string]string
	Principal string
	Priority  int
}

// Warmer drains a bounded priority queue of WarmRequest at bounded
// concurrency, invoking fetch (the in-process equivalent of a GET) for
// each and relying on fetch to call Store.
type Warmer struct {
	queue       chan WarmRequest
	concurrency int
	fetch       func(WarmRequest)
	done        chan struct{}
}

// NewWarmer constructs a Warmer. queueSize bounds how many pending warm
// requests may be buffered before Enqueue blocks; concurrency bounds how
// many drainers run at once.
func NewWarmer(queueSize, concurrency int, fetch func(WarmRequest)) *Warmer {
	if queueSize <= 0 {
		queueSize = 500
	}
	if concurrency <= 0 {
		concurrency = 5
	}
	return &Warmer{
		queue:       make(chan WarmRequest, queueSize),
		concurrency: concurrency,
		fetch:       fetch,
		done:        make(chan struct{}),
	}
}

// Start launches the bounded drainer pool.
func (w *Warmer) Start() {
	for i := 0; i < w.concurrency; i++ {
		go w.drain()
	}
}

func (w *Warmer) drain() {
	for {
		select {
		case req := <-w.queue:
			w.fetch(req)
		case <-w.done:
			return
		}
	}
}

// Stop halts all drainers.
func (w *Warmer) Stop() {
	close(w.done)
}

// Enqueue adds a synthetic request to the warming queue. It blocks if the
// queue is full; callers on a hot path should select with a default case
// instead of depending on this blocking behavior.
func (w *Warmer) Enqueue(req WarmRequest) {
	w.queue <- req
}

// TryEnqueue is the non-blocking variant, returning false if the queue is full.
func (w *Warmer) TryEnqueue(req WarmRequest) bool {
	select {
	case w.queue <- req:
		return true
	default:
		return false
	}
}
