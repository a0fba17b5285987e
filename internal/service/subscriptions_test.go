package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/wirepulse/wirepulse/internal/domain"
	"github.com/wirepulse/wirepulse/internal/protocol"
	"github.com/wirepulse/wirepulse/internal/ratelimit"
)

func newTestEngine(view *fakeView, exec *countingExecutor, clock clockwork.Clock, arbiter Arbiter, limiter *ratelimit.FixedWindow) *SubscriptionEngine {
	return NewSubscriptionEngine(SubscriptionEngineOptions{
		View:     view,
		Executor: exec.exec,
		Arbiter:  arbiter,
		Limiter:  limiter,
		Clock:    clock,
	})
}

func TestSubscribeRejectsNonSelect(t *testing.T) {
	clock := clockwork.NewFakeClock()
	view := newFakeView()
	engine := newTestEngine(view, newCountingExecutor(nil), clock, nil, nil)
	s, _ := view.add("s1", clock)

	_, err := engine.Subscribe(context.Background(), s, "", "INSERT INTO Users VALUES (1)", nil, nil)
	if !errors.Is(err, ErrNotSelect) {
		t.Fatalf("expected ErrNotSelect, got %v", err)
	}
}

func TestSubscribeRunsQueryOnceAndRegisters(t *testing.T) {
	clock := clockwork.NewFakeClock()
	view := newFakeView()
	exec := newCountingExecutor([]map[string]any{{"id": 1}})
	engine := newTestEngine(view, exec, clock, nil, nil)
	s, _ := view.add("s1", clock)

	out, err := engine.Subscribe(context.Background(), s, "sub-1", "SELECT * FROM Users", nil, nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if !out.Registered || out.SubID != "sub-1" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if exec.count() != 1 {
		t.Fatalf("expected 1 execution, got %d", exec.count())
	}
	if len(s.Subscriptions()) != 1 {
		t.Fatalf("expected subscription on session, got %d", len(s.Subscriptions()))
	}
}

func TestSubscribeUnparsableSelectAnsweredButNotRegistered(t *testing.T) {
	clock := clockwork.NewFakeClock()
	view := newFakeView()
	exec := newCountingExecutor(42)
	engine := newTestEngine(view, exec, clock, nil, nil)
	s, _ := view.add("s1", clock)

	out, err := engine.Subscribe(context.Background(), s, "", "SELECT 1", nil, nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if out.Registered {
		t.Fatal("tableless SELECT must not register a standing subscription")
	}
	if len(s.Subscriptions()) != 0 {
		t.Fatal("session should hold no subscription")
	}
}

func TestUpdateFansOutToDependentSubscriptions(t *testing.T) {
	clock := clockwork.NewFakeClock()
	view := newFakeView()
	exec := newCountingExecutor("rows")
	engine := newTestEngine(view, exec, clock, nil, nil)

	s1, p1 := view.add("s1", clock)
	s2, p2 := view.add("s2", clock)
	s3, p3 := view.add("s3", clock)

	mustSubscribe(t, engine, s1, "a", "SELECT * FROM Users")
	mustSubscribe(t, engine, s2, "b", "SELECT * FROM Users")
	mustSubscribe(t, engine, s3, "c", "SELECT * FROM Orders")
	execsAfterSubscribe := exec.count()

	if err := engine.Update(context.Background(), s1, "INSERT INTO Users VALUES (1)", nil); err != nil {
		t.Fatalf("update: %v", err)
	}

	// Both Users subscriptions share one (sql, params) pair, so the
	// cycle runs the query exactly once for the two of them.
	if got := exec.count() - execsAfterSubscribe; got != 1 {
		t.Fatalf("expected 1 execution in cycle, got %d", got)
	}
	if got := p1.byKind(protocol.KindUpd); len(got) != 1 {
		t.Fatalf("s1 expected 1 UPD, got %d", len(got))
	}
	if got := p2.byKind(protocol.KindUpd); len(got) != 1 {
		t.Fatalf("s2 expected 1 UPD, got %d", len(got))
	}
	if got := p3.byKind(protocol.KindUpd); len(got) != 0 {
		t.Fatalf("s3 must not be invalidated, got %d UPDs", len(got))
	}
}

func TestResubscribeSameIDReplacesIndexedTables(t *testing.T) {
	clock := clockwork.NewFakeClock()
	view := newFakeView()
	exec := newCountingExecutor("rows")
	engine := newTestEngine(view, exec, clock, nil, nil)

	s, p := view.add("s1", clock)
	writer, _ := view.add("s2", clock)

	mustSubscribe(t, engine, s, "a", "SELECT * FROM Users")
	mustSubscribe(t, engine, s, "a", "SELECT * FROM Numbers")
	if len(s.Subscriptions()) != 1 {
		t.Fatalf("expected 1 subscription after replacement, got %d", len(s.Subscriptions()))
	}

	if err := engine.Update(context.Background(), writer, "INSERT INTO Users VALUES (1)", nil); err != nil {
		t.Fatalf("update users: %v", err)
	}
	if got := p.byKind(protocol.KindUpd); len(got) != 0 {
		t.Fatalf("replaced query must not be invalidated, got %d UPDs", len(got))
	}

	if err := engine.Update(context.Background(), writer, "INSERT INTO Numbers VALUES (1)", nil); err != nil {
		t.Fatalf("update numbers: %v", err)
	}
	if got := p.byKind(protocol.KindUpd); len(got) != 1 {
		t.Fatalf("replacement query expected 1 UPD, got %d", len(got))
	}
}

func TestUpdateDistinctQueriesExecuteSeparately(t *testing.T) {
	clock := clockwork.NewFakeClock()
	view := newFakeView()
	exec := newCountingExecutor("rows")
	engine := newTestEngine(view, exec, clock, nil, nil)

	s1, _ := view.add("s1", clock)
	mustSubscribe(t, engine, s1, "a", "SELECT * FROM Users")
	mustSubscribe(t, engine, s1, "b", "SELECT name FROM Users")
	base := exec.count()

	if err := engine.Update(context.Background(), s1, "UPDATE Users SET name = 'x'", nil); err != nil {
		t.Fatalf("update: %v", err)
	}
	if got := exec.count() - base; got != 2 {
		t.Fatalf("expected 2 executions for distinct statements, got %d", got)
	}
}

func TestUpdateWithNoParsableTables(t *testing.T) {
	clock := clockwork.NewFakeClock()
	view := newFakeView()
	engine := newTestEngine(view, newCountingExecutor(nil), clock, nil, nil)
	s, _ := view.add("s1", clock)

	err := engine.Update(context.Background(), s, "GIBBERISH STATEMENT", nil)
	if !errors.Is(err, ErrNoTables) {
		t.Fatalf("expected ErrNoTables, got %v", err)
	}
}

func TestUpdateStrictModePanicsOnNoTables(t *testing.T) {
	clock := clockwork.NewFakeClock()
	view := newFakeView()
	exec := newCountingExecutor(nil)
	engine := NewSubscriptionEngine(SubscriptionEngineOptions{
		View: view, Executor: exec.exec, Clock: clock, Strict: true,
	})
	s, _ := view.add("s1", clock)

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic in strict mode")
		}
	}()
	_ = engine.Update(context.Background(), s, "GIBBERISH STATEMENT", nil)
}

func TestGlobalCycleLimiter(t *testing.T) {
	clock := clockwork.NewFakeClock()
	view := newFakeView()
	exec := newCountingExecutor(nil)
	limiter, err := ratelimit.New(time.Second, 1, clock)
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}
	engine := newTestEngine(view, exec, clock, nil, limiter)
	s, _ := view.add("s1", clock)

	if err := engine.Update(context.Background(), s, "INSERT INTO Users VALUES (1)", nil); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	if err := engine.Update(context.Background(), s, "INSERT INTO Users VALUES (2)", nil); !errors.Is(err, ErrCycleThrottle) {
		t.Fatalf("expected ErrCycleThrottle, got %v", err)
	}
	clock.Advance(2 * time.Second)
	if err := engine.Update(context.Background(), s, "INSERT INTO Users VALUES (3)", nil); err != nil {
		t.Fatalf("cycle after window reset: %v", err)
	}
}

func TestPerSubscriptionLimiterSkipsPush(t *testing.T) {
	clock := clockwork.NewFakeClock()
	view := newFakeView()
	exec := newCountingExecutor("rows")
	engine := newTestEngine(view, exec, clock, nil, nil)
	s, p := view.add("s1", clock)

	spec := &ratelimit.Spec{Seconds: 1, Max: 1}
	if _, err := engine.Subscribe(context.Background(), s, "a", "SELECT * FROM Users", nil, spec); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	engine.Update(context.Background(), s, "INSERT INTO Users VALUES (1)", nil)
	engine.Update(context.Background(), s, "INSERT INTO Users VALUES (2)", nil)
	if got := p.byKind(protocol.KindUpd); len(got) != 1 {
		t.Fatalf("limiter should allow exactly 1 push, got %d", len(got))
	}

	clock.Advance(2 * time.Second)
	engine.Update(context.Background(), s, "INSERT INTO Users VALUES (3)", nil)
	if got := p.byKind(protocol.KindUpd); len(got) != 2 {
		t.Fatalf("expected push after window reset, got %d total", len(got))
	}
}

func TestArbiterSuppressesPush(t *testing.T) {
	clock := clockwork.NewFakeClock()
	view := newFakeView()
	exec := newCountingExecutor("rows")
	// Never push back to the session that caused the mutation.
	arbiter := func(in Initiator, cand Candidate) bool {
		return in.Session == nil || cand.Session.ID() != in.Session.ID()
	}
	engine := newTestEngine(view, exec, clock, arbiter, nil)

	s1, p1 := view.add("s1", clock)
	s2, p2 := view.add("s2", clock)
	mustSubscribe(t, engine, s1, "a", "SELECT * FROM Users")
	mustSubscribe(t, engine, s2, "b", "SELECT * FROM Users")

	engine.Update(context.Background(), s1, "INSERT INTO Users VALUES (1)", nil)
	if got := p1.byKind(protocol.KindUpd); len(got) != 0 {
		t.Fatalf("arbiter should mute the initiator, got %d", len(got))
	}
	if got := p2.byKind(protocol.KindUpd); len(got) != 1 {
		t.Fatalf("other session expected 1 UPD, got %d", len(got))
	}
}

func TestUnsubscribeStopsInvalidation(t *testing.T) {
	clock := clockwork.NewFakeClock()
	view := newFakeView()
	exec := newCountingExecutor("rows")
	engine := newTestEngine(view, exec, clock, nil, nil)
	s, p := view.add("s1", clock)

	mustSubscribe(t, engine, s, "a", "SELECT * FROM Users")
	if !engine.Unsubscribe(s, "a") {
		t.Fatal("unsubscribe failed")
	}
	if engine.Unsubscribe(s, "a") {
		t.Fatal("second unsubscribe should report missing")
	}
	engine.Update(context.Background(), s, "INSERT INTO Users VALUES (1)", nil)
	if got := p.byKind(protocol.KindUpd); len(got) != 0 {
		t.Fatalf("expected no UPD after unsubscribe, got %d", len(got))
	}
}

func TestClearSessionRemovesAllSubscriptions(t *testing.T) {
	clock := clockwork.NewFakeClock()
	view := newFakeView()
	exec := newCountingExecutor("rows")
	engine := newTestEngine(view, exec, clock, nil, nil)
	s, p := view.add("s1", clock)

	mustSubscribe(t, engine, s, "a", "SELECT * FROM Users")
	mustSubscribe(t, engine, s, "b", "SELECT * FROM Orders")
	engine.ClearSession(s.ID())

	if len(s.Subscriptions()) != 0 {
		t.Fatal("session subscriptions should be cleared")
	}
	engine.Update(context.Background(), s, "INSERT INTO Users VALUES (1)", nil)
	engine.Update(context.Background(), s, "INSERT INTO Orders VALUES (1)", nil)
	if got := p.byKind(protocol.KindUpd); len(got) != 0 {
		t.Fatalf("expected no UPD after clear, got %d", len(got))
	}
}

func TestUpdateReportsQueryFailureToAffectedSubscriber(t *testing.T) {
	clock := clockwork.NewFakeClock()
	view := newFakeView()
	exec := newCountingExecutor("rows")
	engine := newTestEngine(view, exec, clock, nil, nil)
	s, p := view.add("s1", clock)

	mustSubscribe(t, engine, s, "a", "SELECT * FROM Users")
	exec.err = errors.New("table is locked")

	if err := engine.Update(context.Background(), s, "INSERT INTO Users VALUES (1)", nil); err != nil {
		t.Fatalf("cycle itself must not fail: %v", err)
	}
	upds := p.byKind(protocol.KindUpd)
	if len(upds) != 1 {
		t.Fatalf("expected 1 UPD, got %d", len(upds))
	}
	data := upds[0].Data.(protocol.UpdData)
	if data.Status != "error" || data.Error == "" {
		t.Fatalf("expected error UPD, got %+v", data)
	}
}

func mustSubscribe(t *testing.T, engine *SubscriptionEngine, s *domain.Session, subID, sql string) {
	t.Helper()
	out, err := engine.Subscribe(context.Background(), s, subID, sql, nil, nil)
	if err != nil {
		t.Fatalf("subscribe %s: %v", subID, err)
	}
	if !out.Registered {
		t.Fatalf("subscribe %s: not registered", subID)
	}
}
