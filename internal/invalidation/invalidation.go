// Package invalidation implements the invalidation bus (C4): it translates
// domain events into cache-key deletions, under cascade, batching, event
// filtering, and retry with a dead-letter fallback.
package invalidation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"github.com/mlgclan/perfcore/infrastructure/errors"
	"github.com/mlgclan/perfcore/infrastructure/logging"
	"github.com/mlgclan/perfcore/infrastructure/metrics"
	"github.com/mlgclan/perfcore/infrastructure/utils"
	"github.com/mlgclan/perfcore/internal/cachemanager"
	"github.com/mlgclan/perfcore/internal/events"
)

// Action is one resolved cache mutation: either an exact key delete, or a
// pattern sweep (IsPattern) executed via cachemanager.InvalidatePattern.
type Action struct {
	Namespace string
	Key       string
	IsPattern bool
}

// node identifies one point in the cascade dependency graph.
type node string

const (
	nodeUserProfile     node = "user_profile"
	nodeClanMembership  node = "clan_membership"
	nodeClanLeaderboard node = "clan_leaderboard"
	nodeContent         node = "content"
	nodeTrending        node = "trending"
	nodeSearch          node = "search"
)

// cascadeGraph encodes §4.4.2's dependency edges. Traversal is a
// visited-set BFS so cyclic edges (user_profile <-> clan_membership) still
// terminate, visiting each node at most once per root event.
var cascadeGraph = map[node][]node{
	nodeUserProfile:    {nodeClanMembership, nodeContent},
	nodeClanMembership: {nodeUserProfile, nodeClanLeaderboard},
	nodeContent:        {nodeTrending, nodeSearch},
}

// binding carries the entity ids an event supplies, used both to seed the
// direct rule actions and to resolve cascaded nodes into concrete Actions.
type binding struct {
	userID    string
	clanID    string
	contentID string
}

// resolveNode turns a cascade graph node plus a binding into a concrete
// Action. Nodes whose binding is incomplete are skipped (e.g. a vote event
// has no clanID, so clan_leaderboard cannot be resolved and is dropped).
func resolveNode(n node, b binding) (Action, bool) {
	switch n {
	case nodeUserProfile:
		if b.userID == "" {
			return Action{}, false
		}
		return Action{Namespace: "api:user", Key: "profile/" + b.userID}, true
	case nodeClanMembership:
		if b.clanID == "" {
			return Action{}, false
		}
		return Action{Namespace: "api:clan", Key: "members/" + b.clanID}, true
	case nodeClanLeaderboard:
		if b.clanID == "" {
			return Action{}, false
		}
		return Action{Namespace: "api:leaderboard", Key: "clans/" + b.clanID}, true
	case nodeContent:
		if b.contentID == "" {
			return Action{}, false
		}
		return Action{Namespace: "api:content", Key: "stats/" + b.contentID}, true
	case nodeTrending:
		return Action{Namespace: "api:content", Key: "trending"}, true
	case nodeSearch:
		return Action{Namespace: "api:content", Key: "search", IsPattern: true}, true
	}
	return Action{}, false
}

// cascade runs a visited-set BFS from roots over cascadeGraph, resolving
// every reachable node into an Action with b. Each node is visited at most
// once (testable property: cascade termination).
func cascade(roots []node, b binding) []Action {
	visited := make(map[node]bool, len(roots))
	queue := append([]node{}, roots...)
	var actions []Action

	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if visited[n] {
			continue
		}
		visited[n] = true

		if a, ok := resolveNode(n, b); ok {
			actions = append(actions, a)
		}
		queue = append(queue, cascadeGraph[n]...)
	}
	return actions
}

// ruleActions returns the direct (non-cascaded) actions for ev plus its
// cascade closure, per the §4.4.1 rule table.
func ruleActions(ev events.Event) []Action {
	switch e := ev.(type) {
	case events.UserProfileUpdated:
		actions := []Action{
			{Namespace: "api:user", Key: "profile/" + e.UserID},
			{Namespace: "api:leaderboard", Key: "users/*", IsPattern: true},
		}
		for _, clanID := range e.ClanIDs {
			actions = append(actions, Action{Namespace: "api:clan", Key: "members/" + clanID})
		}
		actions = append(actions, cascade([]node{nodeUserProfile}, binding{userID: e.UserID})...)
		return dedupeActions(actions)

	case events.VoteCast:
		actions := []Action{
			{Namespace: "api:voting", Key: "results/" + e.ContentID},
			{Namespace: "api:content", Key: "stats/" + e.ContentID},
			{Namespace: "api:leaderboard", Key: "*", IsPattern: true},
		}
		if e.UserID != "" {
			actions = append(actions, Action{Namespace: "api:user", Key: "stats/" + e.UserID})
		}
		if e.ClanID != "" {
			actions = append(actions, Action{Namespace: "api:clan", Key: "stats/" + e.ClanID})
		}
		return dedupeActions(actions)

	case events.ClanMemberAdded:
		actions := []Action{
			{Namespace: "api:clan", Key: "members/" + e.ClanID},
			{Namespace: "api:clan", Key: "stats/" + e.ClanID},
			{Namespace: "api:user", Key: "profile/" + e.UserID},
			{Namespace: "api:leaderboard", Key: "clans/" + e.ClanID},
		}
		actions = append(actions, cascade([]node{nodeClanMembership}, binding{userID: e.UserID, clanID: e.ClanID})...)
		return dedupeActions(actions)

	case events.ContentCreated:
		actions := []Action{
			{Namespace: "api:content", Key: "trending"},
		}
		for _, tag := range e.Tags {
			actions = append(actions, Action{Namespace: "api:content", Key: "tag/" + tag})
		}
		actions = append(actions, cascade([]node{nodeContent}, binding{contentID: e.ContentID})...)
		return dedupeActions(actions)

	case events.TournamentUpdated:
		actions := []Action{
			{Namespace: "api:tournament", Key: "brackets/" + e.TournamentID},
			{Namespace: "api:tournament", Key: "leaderboard/" + e.TournamentID},
		}
		for _, p := range e.ParticipantIDs {
			actions = append(actions, Action{Namespace: "api:user", Key: "profile/" + p})
		}
		return dedupeActions(actions)

	case events.LeaderboardRefresh:
		return []Action{{Namespace: "api:leaderboard", Key: "*", IsPattern: true}}
	}
	return nil
}

func dedupeActions(actions []Action) []Action {
	seen := make(map[Action]bool, len(actions))
	out := make([]Action, 0, len(actions))
	for _, a := range actions {
		if seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	return out
}

// Config configures a Bus.
type Config struct {
	BatchWindow        time.Duration
	InvalidationDelay  time.Duration
	MaxBatchSize       int
	MaxRetries         int
	RetryDelay         time.Duration
	EnableEventFilter  bool
	EventFilterWindow  time.Duration
	DeadLetterCapacity int
}

// RetryBudget is MaxRetries x RetryDelay (worst-case bound; see DESIGN.md
// Open Question 1).
func (c Config) RetryBudget() time.Duration {
	return time.Duration(c.MaxRetries) * c.RetryDelay
}

// DeadLetter is a failed action moved out of the retry path after
// exhausting MaxRetries.
type DeadLetter struct {
	EventType string
	Action    Action
	Attempts  int
	Err       error
	At        time.Time
}

type pendingBatch struct {
	eventType string
	actions   []Action
	timer     *time.Timer
	count     int
}

// Bus is the C4 invalidation bus.
type Bus struct {
	cfg     Config
	manager *cachemanager.Manager
	logger  *logging.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	batches map[string]*pendingBatch // keyed by batchKey = eventType+":"+primaryEntityId

	filterMu sync.Mutex
	filters  map[string]*rate.Limiter // keyed by eventType+":"+primaryEntityId

	deadLetterMu sync.Mutex
	deadLetters  []DeadLetter

	now func() time.Time
}

// New constructs a Bus.
func New(cfg Config, m *cachemanager.Manager, logger *logging.Logger, mx *metrics.Metrics) *Bus {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 100
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Bus{
		cfg:     cfg,
		manager: m,
		logger:  logger,
		metrics: mx,
		batches: make(map[string]*pendingBatch),
		filters: make(map[string]*rate.Limiter),
		now:     time.Now,
	}
}

// Publish accepts a domain event. High-priority event types are dispatched
// within InvalidationDelay; batchable types are coalesced by
// (eventType, primaryEntityId) over BatchWindow or until MaxBatchSize.
func (b *Bus) Publish(ctx context.Context, ev events.Event) {
	if b.metrics != nil {
		b.metrics.RecordInvalidationEvent(ev.EventType())
	}

	if b.cfg.EnableEventFilter && b.filtered(ev) {
		return
	}

	actions := ruleActions(ev)
	if len(actions) == 0 {
		return
	}

	if events.IsHighPriority(ev.EventType()) {
		delay := b.cfg.InvalidationDelay
		if delay <= 0 {
			utils.SafeGo(func() { b.execute(ctx, ev.EventType(), actions) }, b.logPanic)
			return
		}
		utils.SafeGo(func() {
			time.Sleep(delay)
			b.execute(context.Background(), ev.EventType(), actions)
		}, b.logPanic)
		return
	}

	b.enqueueBatch(ev.EventType(), ev.PrimaryEntityID(), actions)
}

// filtered applies the per-entity token filter (§4.4.4): at most one
// accepted event per (eventType, entity) within EventFilterWindow. Rejected
// events are counted but never processed; correctness is unaffected since a
// later accepted event for the same entity still carries the invalidation.
func (b *Bus) filtered(ev events.Event) bool {
	key := ev.EventType() + ":" + ev.PrimaryEntityID()

	b.filterMu.Lock()
	limiter, ok := b.filters[key]
	if !ok {
		window := b.cfg.EventFilterWindow
		if window <= 0 {
			window = time.Second
		}
		limiter = rate.NewLimiter(rate.Every(window), 1)
		b.filters[key] = limiter
	}
	b.filterMu.Unlock()

	return !limiter.Allow()
}

func (b *Bus) enqueueBatch(eventType, entityID string, actions []Action) {
	batchKey := eventType + ":" + entityID

	b.mu.Lock()
	pb, ok := b.batches[batchKey]
	if !ok {
		pb = &pendingBatch{eventType: eventType}
		b.batches[batchKey] = pb
		window := b.cfg.BatchWindow
		if window <= 0 {
			window = time.Second
		}
		pb.timer = time.AfterFunc(window, func() { b.flushBatch(batchKey) })
	}
	pb.actions = dedupeActions(append(pb.actions, actions...))
	pb.count++
	flushNow := len(pb.actions) >= b.cfg.MaxBatchSize
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.RecordInvalidationBatch(len(pb.actions))
	}

	if flushNow {
		b.flushBatch(batchKey)
	}
}

func (b *Bus) flushBatch(batchKey string) {
	b.mu.Lock()
	pb, ok := b.batches[batchKey]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.batches, batchKey)
	if pb.timer != nil {
		pb.timer.Stop()
	}
	b.mu.Unlock()

	b.execute(context.Background(), pb.eventType, pb.actions)
}

// logPanic recovers a dispatch goroutine from a panic so one bad action
// can't take down the process, logging it the same way a dead-lettered
// action is logged.
func (b *Bus) logPanic(err error) {
	if b.logger != nil {
		b.logger.Errorf("invalidation: dispatch goroutine recovered: %v", err)
	}
}

// execute runs every action independently with linear back-off retry,
// logging exhausted actions to the dead-letter list without aborting the
// rest of the batch.
func (b *Bus) execute(ctx context.Context, eventType string, actions []Action) {
	for _, action := range actions {
		if err := b.executeAction(ctx, eventType, action); err != nil {
			b.deadLetterMu.Lock()
			b.deadLetters = append(b.deadLetters, DeadLetter{
				EventType: eventType,
				Action:    action,
				Attempts:  b.cfg.MaxRetries,
				Err:       err,
				At:        b.now(),
			})
			if b.cfg.DeadLetterCapacity > 0 && len(b.deadLetters) > b.cfg.DeadLetterCapacity {
				b.deadLetters = b.deadLetters[len(b.deadLetters)-b.cfg.DeadLetterCapacity:]
			}
			b.deadLetterMu.Unlock()

			if b.metrics != nil {
				b.metrics.RecordDeadLetter()
			}
			if b.logger != nil {
				b.logger.Warnf("invalidation: dead-lettering %s action %s/%s after %d attempts: %v",
					eventType, action.Namespace, action.Key, b.cfg.MaxRetries, err)
			}
			continue
		}
		if b.metrics != nil {
			b.metrics.RecordInvalidationAction("success")
		}
	}
}

func (b *Bus) executeAction(ctx context.Context, eventType string, action Action) error {
	var lastErr error
	for attempt := 1; attempt <= b.cfg.MaxRetries; attempt++ {
		var err error
		if action.IsPattern {
			_, err = b.manager.InvalidatePattern(ctx, action.Namespace, action.Key)
		} else {
			err = b.manager.Delete(ctx, action.Namespace, cachemanager.Options{}, action.Key)
		}
		if err == nil {
			return nil
		}
		lastErr = err
		if b.metrics != nil {
			b.metrics.RecordInvalidationAction("retry")
		}
		if attempt < b.cfg.MaxRetries {
			time.Sleep(b.cfg.RetryDelay * time.Duration(attempt))
		}
	}
	return errors.InvalidationFailed(eventType, action.Namespace+"/"+action.Key, b.cfg.MaxRetries, lastErr)
}

// DeadLetters returns a snapshot of the dead-letter log, newest last.
func (b *Bus) DeadLetters() []DeadLetter {
	b.deadLetterMu.Lock()
	defer b.deadLetterMu.Unlock()
	out := make([]DeadLetter, len(b.deadLetters))
	copy(out, b.deadLetters)
	return out
}

// PendingBatchCount reports the number of in-flight coalescing batches, for
// health/metrics.
func (b *Bus) PendingBatchCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.batches)
}

// AutoRefresh registers a periodic LeaderboardRefresh publish for boardID on
// sched (Open Question 2 in DESIGN.md): a safety net against missed
// invalidation events, not the primary invalidation path, since event-driven
// invalidation already covers every write that affects a leaderboard.
func (b *Bus) AutoRefresh(sched *cron.Cron, boardID string, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	_, err := sched.AddFunc(fmt.Sprintf("@every %s", interval.String()), func() {
		b.Publish(context.Background(), events.LeaderboardRefresh{BoardID: boardID})
	})
	return err
}
