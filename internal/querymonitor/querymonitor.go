// Package querymonitor implements the query performance monitor (C6): a
// passive observer of every DB call made by handlers. It classifies,
// tracks percentiles, detects SLA breaches and regressions, and emits
// optimization hints.
package querymonitor

import (
	"context"
	"crypto/md5" //nolint:gosec // used only as a stable fingerprint, not for security
	"encoding/hex"
	"math"
	"math/rand"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mlgclan/perfcore/infrastructure/errors"
	"github.com/mlgclan/perfcore/infrastructure/logging"
	"github.com/mlgclan/perfcore/infrastructure/metrics"
)

// Class is the closed set of query classifications (§4.6 step 3).
type Class string

const (
	ClassVoting      Class = "voting"
	ClassLeaderboard Class = "leaderboard"
	ClassTournament  Class = "tournament"
	ClassUser        Class = "user"
	ClassClan        Class = "clan"
	ClassContent     Class = "content"
	ClassOther       Class = "other"
)

// Priority reflects how urgently breaches for a class should be treated.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

func (c Class) Priority() Priority {
	switch c {
	case ClassVoting, ClassLeaderboard:
		return PriorityHigh
	case ClassTournament, ClassUser, ClassClan:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// slaThresholds is the §4.6 step 6 per-class SLA table.
var slaThresholds = map[Class]time.Duration{
	ClassVoting:      100 * time.Millisecond,
	ClassLeaderboard: 500 * time.Millisecond,
	ClassTournament:  1000 * time.Millisecond,
	ClassOther:       1000 * time.Millisecond,
}

const verySlowThreshold = 5000 * time.Millisecond

var literalRegexp = regexp.MustCompile(`'[^']*'|\b\d+\b`)
var whitespaceRegexp = regexp.MustCompile(`\s+`)

// Normalize implements §4.6 step 2: lowercase, collapse whitespace,
// replace numeric/quoted literals with '?', truncate to 1000 chars.
func Normalize(sql string) string {
	s := strings.ToLower(sql)
	s = literalRegexp.ReplaceAllString(s, "?")
	s = whitespaceRegexp.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)
	if len(s) > 1000 {
		s = s[:1000]
	}
	return s
}

// Hash returns the first 16 hex chars of the MD5 of the normalized SQL.
func Hash(normalized string) string {
	sum := md5.Sum([]byte(normalized)) //nolint:gosec
	return hex.EncodeToString(sum[:])[:16]
}

// Classify implements §4.6 step 3's ordered substring rules.
func Classify(normalized string) Class {
	switch {
	case strings.Contains(normalized, "voting"):
		return ClassVoting
	case strings.Contains(normalized, "leaderboard"), strings.Contains(normalized, "order by") && strings.Contains(normalized, "desc"):
		return ClassLeaderboard
	case strings.Contains(normalized, "tournament"):
		return ClassTournament
	case strings.Contains(normalized, "users"), strings.Contains(normalized, "user_"):
		return ClassUser
	case strings.Contains(normalized, "clan"):
		return ClassClan
	case strings.Contains(normalized, "content"):
		return ClassContent
	default:
		return ClassOther
	}
}

// Verb reports the leading SQL verb of normalized, used to sub-categorize
// the "other" class as read or write.
func Verb(normalized string) string {
	fields := strings.Fields(normalized)
	if len(fields) == 0 {
		return ""
	}
	switch fields[0] {
	case "select":
		return "read"
	case "insert", "update", "delete":
		return "write"
	default:
		return "read"
	}
}

// Hint is one optimization suggestion (§4.6 step 7).
type Hint struct {
	Impact string // "high" | "medium"
	Detail string
}

// Hints is a pure function of the normalized SQL and timing.
func Hints(normalized string, class Class, execTime time.Duration) []Hint {
	var hints []Hint

	isSelect := strings.HasPrefix(normalized, "select")
	hasWhere := strings.Contains(normalized, "where")
	hasLimit := strings.Contains(normalized, "limit")
	if isSelect && !hasWhere && !hasLimit {
		hints = append(hints, Hint{Impact: "high", Detail: "bounded scan: SELECT without WHERE or LIMIT"})
	}

	if n := countInListLiterals(normalized); n > 20 {
		hints = append(hints, Hint{Impact: "medium", Detail: "possible N+1 pattern: large IN (...) list"})
	}

	if hasFunctionOnWhereColumn(normalized) {
		hints = append(hints, Hint{Impact: "medium", Detail: "non-sargable predicate: function call on a WHERE column"})
	}

	if strings.Contains(normalized, "order by") && execTime > 2*time.Second {
		hints = append(hints, Hint{Impact: "high", Detail: "missing index: ORDER BY exceeding 2s"})
	}

	switch class {
	case ClassVoting:
		if execTime > 500*time.Millisecond {
			hints = append(hints, Hint{Impact: "high", Detail: "cache results or use a materialized view for voting queries"})
		}
	case ClassLeaderboard:
		if execTime > time.Second {
			hints = append(hints, Hint{Impact: "high", Detail: "use a precomputed table or sorted set for leaderboard queries"})
		}
	}

	return hints
}

var inListRegexp = regexp.MustCompile(`in\s*\(([^)]*)\)`)

func countInListLiterals(normalized string) int {
	max := 0
	for _, m := range inListRegexp.FindAllStringSubmatch(normalized, -1) {
		n := strings.Count(m[1], "?")
		if n > max {
			max = n
		}
	}
	return max
}

var funcOnWhereColRegexp = regexp.MustCompile(`where[^;]*\b[a-z_]+\s*\([a-z_][a-z0-9_.]*\)`)

func hasFunctionOnWhereColumn(normalized string) bool {
	return funcOnWhereColRegexp.MatchString(normalized)
}

// Record is one observed query execution.
type Record struct {
	SQL        string
	Normalized string
	Hash       string
	Class      Class
	Verb       string
	Duration   time.Duration
	At         time.Time
}

// SlowQuery is a Record that breached its class's SLA.
type SlowQuery struct {
	Record
	VerySlow bool
}

// RegressionEvent reports a queryHash whose recent mean regressed past the
// baseline by more than RegressionThreshold.
type RegressionEvent struct {
	Hash       string
	Class      Class
	Baseline   time.Duration
	Current    time.Duration
	DetectedAt time.Time
}

type hashStats struct {
	count       int64
	sum         time.Duration
	recent      []time.Duration // bounded ring for percentile computation
	baseline    time.Duration
	hasBaseline bool

	windowSum   time.Duration // accumulator for the current (non-overlapping) window
	windowCount int64
}

const recentRingSize = 1000
const slowRingSize = 100
const baselineMinSamples = 10

// Config configures a Monitor.
type Config struct {
	SamplingRate           float64
	EnableRegressionDetect bool
	RegressionThreshold    float64
	AlertThreshold         int
	AlertWindow            time.Duration
	RetentionPeriod        time.Duration
}

// Monitor is the C6 query performance monitor.
type Monitor struct {
	cfg     Config
	logger  *logging.Logger
	metrics *metrics.Metrics

	mu          sync.Mutex
	stats       map[string]*hashStats
	slowQueries []SlowQuery
	regressions []RegressionEvent

	alertMu          sync.Mutex
	alertWindowStart time.Time
	alertCount       int

	rand *rand.Rand
}

// New constructs a Monitor.
func New(cfg Config, logger *logging.Logger, m *metrics.Metrics) *Monitor {
	if cfg.SamplingRate <= 0 {
		cfg.SamplingRate = 0.1
	}
	if cfg.RegressionThreshold <= 0 {
		cfg.RegressionThreshold = 0.5
	}
	if cfg.AlertThreshold <= 0 {
		cfg.AlertThreshold = 10
	}
	if cfg.AlertWindow <= 0 {
		cfg.AlertWindow = 5 * time.Minute
	}
	if cfg.RetentionPeriod <= 0 {
		cfg.RetentionPeriod = 24 * time.Hour
	}
	return &Monitor{
		cfg:              cfg,
		logger:           logger,
		metrics:          m,
		stats:            make(map[string]*hashStats),
		alertWindowStart: time.Now(),
		rand:             rand.New(rand.NewSource(1)),
	}
}

// Record implements the §4.6 recording path: record(sql, params, execMillis, ctx).
func (m *Monitor) Record(ctx context.Context, sql string, execTime time.Duration) {
	normalized := Normalize(sql)
	hash := Hash(normalized)
	class := Classify(normalized)
	verb := Verb(normalized)

	slaThreshold := slaThresholds[class]
	if slaThreshold == 0 {
		slaThreshold = slaThresholds[ClassOther]
	}
	isSlow := execTime > slaThreshold

	if !isSlow && m.rand.Float64() > m.cfg.SamplingRate {
		return
	}

	rec := Record{
		SQL:        sql,
		Normalized: normalized,
		Hash:       hash,
		Class:      class,
		Verb:       verb,
		Duration:   execTime,
		At:         time.Now(),
	}

	m.mu.Lock()
	stat, ok := m.stats[hash]
	if !ok {
		stat = &hashStats{}
		m.stats[hash] = stat
	}
	stat.count++
	stat.sum += execTime
	stat.recent = append(stat.recent, execTime)
	if len(stat.recent) > recentRingSize {
		stat.recent = stat.recent[len(stat.recent)-recentRingSize:]
	}

	// Baseline and regression detection run over the current window (the
	// last baselineMinSamples recordings), not the full-history mean: a
	// non-overlapping window of fixed size, reset every time it fills,
	// whether or not that fill set a baseline or flagged a regression.
	stat.windowSum += execTime
	stat.windowCount++
	if stat.windowCount >= baselineMinSamples {
		windowMean := stat.windowSum / time.Duration(stat.windowCount)
		if !stat.hasBaseline {
			stat.baseline = windowMean
			stat.hasBaseline = true
		} else if m.cfg.EnableRegressionDetect && stat.baseline > 0 {
			delta := float64(windowMean-stat.baseline) / float64(stat.baseline)
			if delta > m.cfg.RegressionThreshold {
				m.regressions = append(m.regressions, RegressionEvent{
					Hash: hash, Class: class, Baseline: stat.baseline, Current: windowMean, DetectedAt: time.Now(),
				})
				stat.baseline = windowMean
				if m.metrics != nil {
					m.metrics.RecordRegression(string(class))
				}
			}
		}
		stat.windowSum = 0
		stat.windowCount = 0
	}
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordQuery(string(class), execTime)
	}

	if isSlow {
		m.recordSlow(rec, execTime > verySlowThreshold)
	}
}

func (m *Monitor) recordSlow(rec Record, verySlow bool) {
	m.mu.Lock()
	m.slowQueries = append(m.slowQueries, SlowQuery{Record: rec, VerySlow: verySlow})
	if len(m.slowQueries) > slowRingSize {
		m.slowQueries = m.slowQueries[len(m.slowQueries)-slowRingSize:]
	}
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordSlowQuery(string(rec.Class))
	}
	if m.logger != nil {
		m.logger.Warnf("querymonitor: slow query class=%s hash=%s duration=%s", rec.Class, rec.Hash, rec.Duration)
	}

	m.checkAlert()
}

// checkAlert implements §4.6 step 9: within a sliding AlertWindow, once the
// slow-query count reaches AlertThreshold, emit one alert and reset.
func (m *Monitor) checkAlert() {
	m.alertMu.Lock()
	defer m.alertMu.Unlock()

	if time.Since(m.alertWindowStart) > m.cfg.AlertWindow {
		m.alertWindowStart = time.Now()
		m.alertCount = 0
	}
	m.alertCount++
	if m.alertCount >= m.cfg.AlertThreshold {
		alertErr := errors.AlertCondition("slow_queries_threshold", "slow query count reached AlertThreshold within AlertWindow")
		if m.logger != nil {
			m.logger.Warnf("querymonitor: %v", alertErr)
		}
		m.alertCount = 0
		m.alertWindowStart = time.Now()
	}
}

// Percentile returns the p-th percentile (0-100) execution time over the
// recent ring for queryHash, or 0 if no samples exist.
func (m *Monitor) Percentile(queryHash string, p float64) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	stat, ok := m.stats[queryHash]
	if !ok || len(stat.recent) == 0 {
		return 0
	}
	sorted := append([]time.Duration{}, stat.recent...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Mean returns the full-history running mean for queryHash.
func (m *Monitor) Mean(queryHash string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	stat, ok := m.stats[queryHash]
	if !ok || stat.count == 0 {
		return 0
	}
	return stat.sum / time.Duration(stat.count)
}

// SlowQueries returns a snapshot of the bounded slow-query ring.
func (m *Monitor) SlowQueries() []SlowQuery {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SlowQuery, len(m.slowQueries))
	copy(out, m.slowQueries)
	return out
}

// Regressions returns a snapshot of detected regression events.
func (m *Monitor) Regressions() []RegressionEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RegressionEvent, len(m.regressions))
	copy(out, m.regressions)
	return out
}

// Retain evicts slow queries and regressions older than RetentionPeriod.
// Per-hash stats are not evicted: they carry no timestamps, and only their
// recent-sample ring is bounded (by size, not age).
func (m *Monitor) Retain(now time.Time) {
	cutoff := now.Add(-m.cfg.RetentionPeriod)

	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.slowQueries[:0:0]
	for _, sq := range m.slowQueries {
		if sq.At.After(cutoff) {
			kept = append(kept, sq)
		}
	}
	m.slowQueries = kept

	keptRegressions := m.regressions[:0:0]
	for _, r := range m.regressions {
		if r.DetectedAt.After(cutoff) {
			keptRegressions = append(keptRegressions, r)
		}
	}
	m.regressions = keptRegressions
}
