// Package optimizer implements the request optimizer (C5): request
// identification, priority classification, GET deduplication, safe-read
// batching, and response compression. CORS and security headers are the
// ambient middleware chain's concern (infrastructure/middleware), not this
// package's.
package optimizer

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"github.com/mlgclan/perfcore/infrastructure/metrics"
)

// Config configures the optimizer pipeline.
type Config struct {
	DeduplicationWindow  time.Duration
	EnableDeduplication  bool
	EnableBatching       bool
	BatchSize            int
	BatchWindow          time.Duration
	MaxBatchWait         time.Duration
	CompressionThreshold int
	CompressionLevel     int
}

// priorityTable is the closed endpoint-substring → priority map (§4.5 step 4).
var priorityTable = []struct {
	substr   string
	priority int
}{
	{"voting", 10},
	{"leaderboard", 8},
	{"tournament", 8},
	{"live", 7},
	{"realtime", 7},
	{"user", 5},
	{"clan", 5},
	{"content", 3},
}

const defaultPriority = 1

// Priority classifies a request path into its gaming priority (0-10), an
// explicit X-Gaming-Priority header taking precedence and being clipped.
func Priority(r *http.Request) int {
	if raw := r.Header.Get("X-Gaming-Priority"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			return clip(v, 0, 10)
		}
	}
	lower := strings.ToLower(r.URL.Path)
	for _, entry := range priorityTable {
		if strings.Contains(lower, entry.substr) {
			return entry.priority
		}
	}
	return defaultPriority
}

func clip(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// requestCounter is a monotonic per-process counter feeding RequestID.
var requestCounter atomic.Uint64

// RequestID assigns a request identifier: wall-clock nanoseconds, the
// per-process counter, and a 9-hex-char slice of a fresh UUID.
func RequestID() string {
	n := requestCounter.Add(1)
	u := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("%d-%d-%s", time.Now().UnixNano(), n, u[:9])
}

// inFlight tracks one outstanding deduplicated GET.
type inFlight struct {
	startedAt time.Time
	done      chan struct{}
	status    int
	header    http.Header
	body      []byte
	err       error
}

// Optimizer is the C5 request optimizer.
type Optimizer struct {
	cfg     Config
	metrics *metrics.Metrics

	mu       sync.Mutex
	inflight map[string]*inFlight

	batchMu sync.Mutex
	batches map[string]*pendingBatch
}

type pendingBatch struct {
	waiters []chan struct{}
	timer   *time.Timer
}

// New constructs an Optimizer.
func New(cfg Config, m *metrics.Metrics) *Optimizer {
	if cfg.DeduplicationWindow <= 0 {
		cfg.DeduplicationWindow = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.BatchWindow <= 0 {
		cfg.BatchWindow = 100 * time.Millisecond
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = 500 * time.Millisecond
	}
	if cfg.CompressionLevel <= 0 {
		cfg.CompressionLevel = 6
	}
	return &Optimizer{
		cfg:      cfg,
		metrics:  m,
		inflight: make(map[string]*inFlight),
		batches:  make(map[string]*pendingBatch),
	}
}

// DedupKey derives the §4.5 step 3 coalescing key. Only GET requests
// should ever be deduplicated; callers enforce that before calling this.
func DedupKey(r *http.Request, principal string) string {
	return r.Method + ":" + r.URL.Path + "?" + canonicalQuery(r) + ":" + principal
}

func canonicalQuery(r *http.Request) string {
	q := r.URL.Query()
	var parts []string
	for k, vs := range q {
		for _, v := range vs {
			parts = append(parts, k+"="+v)
		}
	}
	// small N; simple insertion sort avoids importing sort for one call site
	for i := 1; i < len(parts); i++ {
		for j := i; j > 0 && parts[j-1] > parts[j]; j-- {
			parts[j-1], parts[j] = parts[j], parts[j-1]
		}
	}
	return strings.Join(parts, "&")
}

// Result carries either a coalesced response (from an in-flight original
// caller) or an instruction for the caller to execute the handler itself.
type Result struct {
	Deduplicated bool
	Status       int
	Header       http.Header
	Body         []byte
}

// Deduplicate implements §4.5 step 3. If an in-flight record exists for
// dedupKey younger than DeduplicationWindow, the caller suspends until it
// settles (or ctx's deadline expires) and receives its response. Otherwise
// the caller becomes the originator: fn is invoked and its result is
// published to any suspended waiters.
func (o *Optimizer) Deduplicate(ctx context.Context, dedupKey string, fn func() (int, http.Header, []byte, error)) (Result, error) {
	if !o.cfg.EnableDeduplication {
		status, header, body, err := fn()
		return Result{Status: status, Header: header, Body: body}, err
	}

	o.mu.Lock()
	existing, ok := o.inflight[dedupKey]
	if ok && time.Since(existing.startedAt) < o.cfg.DeduplicationWindow {
		o.mu.Unlock()
		if o.metrics != nil {
			o.metrics.RecordDedupHit()
		}
		select {
		case <-existing.done:
			return Result{Deduplicated: true, Status: existing.status, Header: existing.header, Body: existing.body}, existing.err
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}

	record := &inFlight{startedAt: time.Now(), done: make(chan struct{})}
	o.inflight[dedupKey] = record
	o.mu.Unlock()

	status, header, body, err := fn()
	record.status, record.header, record.body, record.err = status, header, body, err
	close(record.done)

	o.mu.Lock()
	if o.inflight[dedupKey] == record {
		delete(o.inflight, dedupKey)
	}
	o.mu.Unlock()

	return Result{Status: status, Header: header, Body: body}, err
}

// Compress gzips body at the configured level when contentType is
// text-like and body is at least CompressionThreshold bytes. It returns
// the original body unchanged, false otherwise.
func (o *Optimizer) Compress(contentType string, body []byte) ([]byte, bool) {
	if o.cfg.CompressionThreshold <= 0 || len(body) < o.cfg.CompressionThreshold {
		return body, false
	}
	if !isTextLike(contentType) {
		return body, false
	}

	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, o.cfg.CompressionLevel)
	if err != nil {
		return body, false
	}
	if _, err := w.Write(body); err != nil {
		return body, false
	}
	if err := w.Close(); err != nil {
		return body, false
	}
	if buf.Len() >= len(body) {
		return body, false
	}
	return buf.Bytes(), true
}

func isTextLike(contentType string) bool {
	lower := strings.ToLower(contentType)
	return strings.Contains(lower, "text") ||
		strings.Contains(lower, "json") ||
		strings.Contains(lower, "xml") ||
		strings.Contains(lower, "javascript")
}

// AwaitBatch implements §4.5 step 5: a caller whose request matches
// batchPattern waits to be released either when BatchSize peers have
// joined the same pattern, when BatchWindow elapses, or at the latest when
// MaxBatchWait elapses (the liveness ceiling), whichever comes first.
func (o *Optimizer) AwaitBatch(ctx context.Context, batchPattern string) {
	if !o.cfg.EnableBatching {
		return
	}

	o.batchMu.Lock()
	pb, ok := o.batches[batchPattern]
	if !ok {
		pb = &pendingBatch{}
		o.batches[batchPattern] = pb
		pb.timer = time.AfterFunc(o.cfg.BatchWindow, func() { o.releaseBatch(batchPattern) })
	}
	release := make(chan struct{})
	pb.waiters = append(pb.waiters, release)
	full := len(pb.waiters) >= o.cfg.BatchSize
	o.batchMu.Unlock()

	if full {
		o.releaseBatch(batchPattern)
	}

	if o.metrics != nil {
		o.metrics.RecordBatchedRequest()
	}

	select {
	case <-release:
	case <-time.After(o.cfg.MaxBatchWait):
	case <-ctx.Done():
	}
}

func (o *Optimizer) releaseBatch(batchPattern string) {
	o.batchMu.Lock()
	pb, ok := o.batches[batchPattern]
	if !ok {
		o.batchMu.Unlock()
		return
	}
	delete(o.batches, batchPattern)
	if pb.timer != nil {
		pb.timer.Stop()
	}
	waiters := pb.waiters
	o.batchMu.Unlock()

	for _, w := range waiters {
		close(w)
	}
}

// InFlightCount reports the number of outstanding dedup records, for
// health/metrics.
func (o *Optimizer) InFlightCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.inflight)
}
