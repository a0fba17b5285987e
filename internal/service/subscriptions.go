package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/wirepulse/wirepulse/internal/domain"
	"github.com/wirepulse/wirepulse/internal/observability"
	"github.com/wirepulse/wirepulse/internal/protocol"
	"github.com/wirepulse/wirepulse/internal/ratelimit"
	"github.com/wirepulse/wirepulse/internal/sqlparse"
)

var (
	ErrNotSelect     = errors.New("service: only SELECT statements can be subscribed")
	ErrNoTables      = errors.New("service: mutation references no recognizable table")
	ErrNoExecutor    = errors.New("service: no query executor configured")
	ErrCycleThrottle = errors.New("service: invalidation cycle rate limit tripped")
)

// registryView is the slice of the registry the engines need: pushing
// to a session and resolving live sessions by id.
type registryView interface {
	Push(sessionID string, msg protocol.ServerMessage) bool
	Lookup(sessionID string) (*domain.Session, bool)
}

// SubscribeOutcome is what a SUB request produces: the immediate
// query result plus whether a standing subscription was registered.
type SubscribeOutcome struct {
	SubID      string
	Result     any
	Registered bool
}

// SubscriptionEngine indexes subscriptions by table name across all
// sessions and fans out invalidations on mutation.
type SubscriptionEngine struct {
	mu      sync.RWMutex
	byTable map[string]map[subKey]*domain.Subscription

	view    registryView
	exec    QueryExecutor
	arbiter Arbiter
	// limiter guards whole Update cycles; nil means unthrottled.
	limiter *ratelimit.FixedWindow
	clock   clockwork.Clock
	logger  *slog.Logger
	strict  bool
}

type subKey struct {
	sessionID string
	subID     string
}

type SubscriptionEngineOptions struct {
	View     registryView
	Executor QueryExecutor
	Arbiter  Arbiter
	Limiter  *ratelimit.FixedWindow
	Clock    clockwork.Clock
	Logger   *slog.Logger
	Strict   bool
}

func NewSubscriptionEngine(opts SubscriptionEngineOptions) *SubscriptionEngine {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &SubscriptionEngine{
		byTable: make(map[string]map[subKey]*domain.Subscription),
		view:    opts.View,
		exec:    opts.Executor,
		arbiter: opts.Arbiter,
		limiter: opts.Limiter,
		clock:   opts.Clock,
		logger:  opts.Logger,
		strict:  opts.Strict,
	}
}

// Subscribe validates and runs the query once, registering a standing
// subscription when the statement's table set is non-empty. A SELECT
// whose tables cannot be parsed is answered once and not registered;
// otherwise it could never be invalidated.
func (e *SubscriptionEngine) Subscribe(ctx context.Context, s *domain.Session, subID, sql string, params []any, rl *ratelimit.Spec) (*SubscribeOutcome, error) {
	if !sqlparse.IsSelect(sql) {
		return nil, ErrNotSelect
	}
	if e.exec == nil {
		return nil, ErrNoExecutor
	}
	var limiter *ratelimit.FixedWindow
	if rl != nil {
		var err error
		limiter, err = ratelimit.FromSpec(*rl, e.clock)
		if err != nil {
			return nil, err
		}
	}
	if subID == "" {
		subID = uuid.NewString()
	}

	result, err := e.exec(ctx, s.ID(), subID, sql, params)
	if err != nil {
		return nil, err
	}

	tables := sqlparse.Tables(sql)
	if len(tables) == 0 {
		return &SubscribeOutcome{SubID: subID, Result: result, Registered: false}, nil
	}

	sub := domain.NewSubscription(subID, s.ID(), sql, params, tables, limiter)
	s.AddSubscription(sub)
	e.mu.Lock()
	key := subKey{s.ID(), subID}
	// Re-subscribing an existing id replaces the query, so the old
	// entry has to leave the index or it keeps receiving pushes.
	e.dropIndexedLocked(key)
	for _, t := range tables {
		idx, ok := e.byTable[t]
		if !ok {
			idx = make(map[subKey]*domain.Subscription)
			e.byTable[t] = idx
		}
		idx[key] = sub
	}
	e.mu.Unlock()
	return &SubscribeOutcome{SubID: subID, Result: result, Registered: true}, nil
}

// Unsubscribe removes one subscription, reporting whether it existed.
func (e *SubscriptionEngine) Unsubscribe(s *domain.Session, subID string) bool {
	if !s.RemoveSubscription(subID) {
		return false
	}
	e.dropIndexed(subKey{s.ID(), subID})
	return true
}

// ClearSession removes every subscription held under a session id, so
// stale invalidations stop immediately on disconnect.
func (e *SubscriptionEngine) ClearSession(sessionID string) {
	e.mu.Lock()
	for table, idx := range e.byTable {
		for key := range idx {
			if key.sessionID == sessionID {
				delete(idx, key)
			}
		}
		if len(idx) == 0 {
			delete(e.byTable, table)
		}
	}
	e.mu.Unlock()
	if s, ok := e.view.Lookup(sessionID); ok {
		s.ClearSubscriptions()
	}
}

func (e *SubscriptionEngine) dropIndexed(key subKey) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dropIndexedLocked(key)
}

func (e *SubscriptionEngine) dropIndexedLocked(key subKey) {
	for table, idx := range e.byTable {
		delete(idx, key)
		if len(idx) == 0 {
			delete(e.byTable, table)
		}
	}
}

// Update runs one invalidation cycle for a mutating statement: every
// subscription whose table set intersects the statement's tables is
// re-queried and pushed the fresh result. Within the cycle identical
// (sql, params) pairs execute once and share the result. Delivery
// across subscribers is concurrent and unordered.
func (e *SubscriptionEngine) Update(ctx context.Context, initiator *domain.Session, sql string, params []any) error {
	if e.limiter != nil && e.limiter.CheckLimit() {
		observability.RecordRateLimitDecision("update_cycle", "deny")
		observability.RecordInvalidationCycle("throttled")
		e.logger.Warn("invalidation cycle skipped, global rate limit tripped", "sql_verb", sqlparse.Verb(sql))
		return ErrCycleThrottle
	}
	tables := sqlparse.Tables(sql)
	if len(tables) == 0 {
		observability.RecordInvalidationCycle("no_tables")
		e.logger.Error("mutation could not be correlated to any table", "sql", sql)
		if e.strict {
			panic("subscription engine: mutation references no recognizable table")
		}
		return ErrNoTables
	}

	targets := e.collect(tables, initiator, sql, params)
	if len(targets) == 0 {
		observability.RecordInvalidationCycle("no_subscribers")
		return nil
	}

	// Per-cycle result cache, scoped to this call only.
	groups := make(map[string][]*domain.Subscription)
	for _, sub := range targets {
		groups[sub.CacheKey] = append(groups[sub.CacheKey], sub)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, subs := range groups {
		subs := subs
		g.Go(func() error {
			lead := subs[0]
			result, err := e.exec(gctx, lead.SessionID, lead.ID, lead.SQL, lead.Params)
			for _, sub := range subs {
				data := protocol.UpdData{SubID: sub.ID, Status: "ok", Result: result}
				if err != nil {
					// A failing query is reported to the affected
					// subscriber only; the cycle continues.
					data = protocol.UpdData{SubID: sub.ID, Status: "error", Error: err.Error()}
				}
				if e.view.Push(sub.SessionID, protocol.ServerMessage{Kind: protocol.KindUpd, Data: data}) {
					observability.RecordPush(protocol.KindUpd)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	observability.RecordInvalidationCycle("ok")
	return nil
}

// collect snapshots the subscriptions affected by the given tables,
// applying per-subscription limiters and the arbiter.
func (e *SubscriptionEngine) collect(tables []string, initiator *domain.Session, sql string, params []any) []*domain.Subscription {
	e.mu.RLock()
	seen := make(map[subKey]*domain.Subscription)
	for _, t := range tables {
		for key, sub := range e.byTable[t] {
			seen[key] = sub
		}
	}
	e.mu.RUnlock()

	out := make([]*domain.Subscription, 0, len(seen))
	for _, sub := range seen {
		if sub.Limiter != nil && sub.Limiter.CheckLimit() {
			observability.RecordRateLimitDecision("subscription_push", "deny")
			continue
		}
		if e.arbiter != nil {
			candidate, ok := e.view.Lookup(sub.SessionID)
			if !ok {
				continue
			}
			if !e.arbiter(
				Initiator{Session: initiator, SQL: sql, Params: params},
				Candidate{Session: candidate, Subscription: sub},
			) {
				continue
			}
		}
		out = append(out, sub)
	}
	return out
}
