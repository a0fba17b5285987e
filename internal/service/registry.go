package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/wirepulse/wirepulse/internal/domain"
	"github.com/wirepulse/wirepulse/internal/observability"
	"github.com/wirepulse/wirepulse/internal/protocol"
	"github.com/wirepulse/wirepulse/internal/ratelimit"
	"github.com/wirepulse/wirepulse/internal/sqlparse"
)

// Registry owns the session table and routes every inbound message.
// It is the registryView both engines push through, so all
// server→client traffic funnels past the session's live/disconnected
// state check in one place.
type Registry struct {
	sessions *sessionTable

	engine *SubscriptionEngine
	props  *PropStore
	recon  *Reconnector

	hooks     Hooks
	decrypter Decrypter

	clock  clockwork.Clock
	logger *slog.Logger
	idgen  func() string

	deleteDelay time.Duration
	sessionTTL  time.Duration
	sweepEvery  time.Duration
	strict      bool
}

type RegistryOptions struct {
	Executor  QueryExecutor
	Arbiter   Arbiter
	Decrypter Decrypter
	Hooks     Hooks
	Recon     *Reconnector

	// UpdateLimit throttles whole invalidation cycles; nil disables.
	UpdateLimit *ratelimit.Spec

	// DeleteDelay is the grace period a disconnected session waits
	// for reconnection before it is destroyed.
	DeleteDelay time.Duration
	// SessionTTL idles out silent connections; SweepEvery is how
	// often the sweep runs. Zero disables the sweep.
	SessionTTL time.Duration
	SweepEvery time.Duration

	PropSendAsDiffDefault bool
	PropReapGrace         time.Duration

	// Strict escalates server-side correlation failures to panics
	// instead of per-request errors.
	Strict bool

	Clock       clockwork.Clock
	Logger      *slog.Logger
	IDGenerator func() string
}

func NewRegistry(opts RegistryOptions) (*Registry, error) {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.IDGenerator == nil {
		opts.IDGenerator = uuid.NewString
	}
	if opts.DeleteDelay <= 0 {
		opts.DeleteDelay = 10 * time.Second
	}
	var cycleLimiter *ratelimit.FixedWindow
	if opts.UpdateLimit != nil {
		var err error
		cycleLimiter, err = ratelimit.FromSpec(*opts.UpdateLimit, opts.Clock)
		if err != nil {
			return nil, fmt.Errorf("update cycle limiter: %w", err)
		}
	}
	r := &Registry{
		sessions:    newSessionTable(),
		recon:       opts.Recon,
		hooks:       opts.Hooks,
		decrypter:   opts.Decrypter,
		clock:       opts.Clock,
		logger:      opts.Logger,
		idgen:       opts.IDGenerator,
		deleteDelay: opts.DeleteDelay,
		sessionTTL:  opts.SessionTTL,
		sweepEvery:  opts.SweepEvery,
		strict:      opts.Strict,
	}
	r.engine = NewSubscriptionEngine(SubscriptionEngineOptions{
		View:     r,
		Executor: opts.Executor,
		Arbiter:  opts.Arbiter,
		Limiter:  cycleLimiter,
		Clock:    opts.Clock,
		Logger:   opts.Logger,
		Strict:   opts.Strict,
	})
	r.props = NewPropStore(PropStoreOptions{
		View:              r,
		SendAsDiffDefault: opts.PropSendAsDiffDefault,
		ReapGrace:         opts.PropReapGrace,
		Clock:             opts.Clock,
		Logger:            opts.Logger,
		NameGenerator:     opts.Hooks.GeneratedPropName,
	})
	return r, nil
}

// Engine exposes the subscription engine for server-side mutations.
func (r *Registry) Engine() *SubscriptionEngine { return r.engine }

// Props exposes the prop store for server-side registration.
func (r *Registry) Props() *PropStore { return r.props }

// Push implements registryView.
func (r *Registry) Push(sessionID string, msg protocol.ServerMessage) bool {
	s, ok := r.sessions.get(sessionID)
	if !ok {
		return false
	}
	return s.Send(msg)
}

// Lookup implements registryView.
func (r *Registry) Lookup(sessionID string) (*domain.Session, bool) {
	return r.sessions.get(sessionID)
}

// Len reports the live session count, for readiness reporting.
func (r *Registry) Len() int { return r.sessions.len() }

// Connect admits a new peer: allocates a session id, registers the
// session, and announces the id with a CON push unless the connect
// hook claims the handshake.
func (r *Registry) Connect(peer domain.Peer, ip string) *domain.Session {
	now := r.clock.Now()
	id := r.idgen()
	var s *domain.Session
	for {
		s = domain.NewSession(id, ip, peer, now)
		if r.sessions.putIfAbsent(s) {
			break
		}
		// Generator collision; fall back to a fresh uuid.
		id = uuid.NewString()
	}
	observability.RecordSessionEvent("connected")
	observability.Audit(r.logger, "session_connected", s.ID(), slog.String("ip", ip))
	if r.hooks.Connect != nil && r.hooks.Connect(s) {
		return s
	}
	s.Send(protocol.ServerMessage{Kind: protocol.KindCon, Data: protocol.ConData{SessionID: s.ID()}})
	return s
}

// Dispatch routes one inbound message. Replies and errors go straight
// back to the originating session; Dispatch itself never fails.
func (r *Registry) Dispatch(ctx context.Context, s *domain.Session, msg protocol.ClientMessage) {
	s.Touch(r.clock.Now())
	if r.hooks.Message != nil && r.hooks.Message(s, msg) {
		observability.RecordDispatch(msg.Kind, "intercepted")
		return
	}

	var ok bool
	switch msg.Kind {
	case protocol.KindPing:
		ok = s.Send(protocol.ServerMessage{Kind: protocol.KindPong, ID: msg.ID})
	case protocol.KindSub:
		ok = r.handleSub(ctx, s, msg)
	case protocol.KindUnsub:
		ok = r.handleUnsub(s, msg)
	case protocol.KindSQL:
		ok = r.handleSQL(ctx, s, msg)
	case protocol.KindAuth:
		ok = r.handleAuth(ctx, s, msg)
	case protocol.KindGetPerm:
		ok = r.handleGetPerm(s, msg)
	case protocol.KindPropSub:
		ok = r.handlePropSub(s, msg)
	case protocol.KindPropUnsub:
		ok = r.handlePropUnsub(s, msg)
	case protocol.KindPropGet:
		ok = r.handlePropGet(s, msg)
	case protocol.KindPropSet:
		ok = r.handlePropSet(s, msg)
	case protocol.KindPropReg:
		ok = r.handlePropReg(s, msg)
	case protocol.KindRecon:
		ok = r.handleRecon(s, msg)
	default:
		s.Send(protocol.Err(msg.ID, protocol.ErrUnknownKind, "unknown message kind "+msg.Kind))
		observability.RecordDispatch(msg.Kind, "unknown")
		return
	}
	if ok {
		observability.RecordDispatch(msg.Kind, "ok")
	} else {
		observability.RecordDispatch(msg.Kind, "error")
	}
}

func decode[T any](s *domain.Session, msg protocol.ClientMessage) (T, bool) {
	var req T
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.Send(protocol.Err(msg.ID, protocol.ErrMalformedPayload, err.Error()))
			return req, false
		}
	}
	return req, true
}

// resolveStatement applies the decrypter and its markers to an
// encrypted statement. The verb for a requires-permission marker
// without its own verb is taken from the decrypted statement.
func (r *Registry) resolveStatement(s *domain.Session, requestID, sql string, encrypted bool) (string, bool) {
	if !encrypted {
		return sql, true
	}
	if r.decrypter == nil {
		s.Send(protocol.Err(requestID, protocol.ErrHookMissing, "no statement decrypter configured"))
		return "", false
	}
	plain, markers, err := r.decrypter(sql)
	if err != nil {
		s.Send(protocol.Err(requestID, protocol.ErrMalformedPayload, "statement decryption failed"))
		return "", false
	}
	for _, marker := range markers {
		if marker == MarkerRequiresAuth {
			if !s.IsAuthenticated() {
				s.Send(protocol.Err(requestID, protocol.ErrAuthRequired, "statement requires authentication"))
				return "", false
			}
			continue
		}
		if verb, ok := PermissionMarkerVerb(marker); ok {
			if verb == "" {
				verb = sqlparse.Verb(plain)
			}
			for _, table := range sqlparse.Tables(plain) {
				if !s.HasPermission(verb, table) {
					s.Send(protocol.Err(requestID, protocol.ErrPermissionDenied, "missing permission "+verb+" on "+table))
					return "", false
				}
			}
		}
	}
	return plain, true
}

func (r *Registry) handleSub(ctx context.Context, s *domain.Session, msg protocol.ClientMessage) bool {
	req, ok := decode[protocol.SubRequest](s, msg)
	if !ok {
		return false
	}
	sql, ok := r.resolveStatement(s, msg.ID, req.SQL, req.Encrypted)
	if !ok {
		return false
	}
	if r.hooks.Subscribe != nil && r.hooks.Subscribe(s, req.SubID, sql) {
		return true
	}
	var spec *ratelimit.Spec
	if req.RateLimit != nil {
		spec = &ratelimit.Spec{
			Millis:  req.RateLimit.Millis,
			Seconds: req.RateLimit.Seconds,
			Minutes: req.RateLimit.Minutes,
			Max:     req.RateLimit.Max,
		}
	}
	out, err := r.engine.Subscribe(ctx, s, req.SubID, sql, req.Params, spec)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotSelect):
			s.Send(protocol.Err(msg.ID, protocol.ErrNotSelect, "only SELECT statements can be subscribed"))
		case errors.Is(err, ratelimit.ErrNoWindow), errors.Is(err, ratelimit.ErrBadCount):
			s.Send(protocol.Err(msg.ID, protocol.ErrMalformedPayload, err.Error()))
		default:
			s.Send(protocol.ServerMessage{Kind: protocol.KindRes, ID: msg.ID, Data: protocol.ResData{
				SubID: req.SubID, Status: "error", Error: err.Error(),
			}})
		}
		return false
	}
	s.Send(protocol.ServerMessage{Kind: protocol.KindRes, ID: msg.ID, Data: protocol.ResData{
		SubID: out.SubID, Status: "ok", Result: out.Result,
	}})
	return true
}

func (r *Registry) handleUnsub(s *domain.Session, msg protocol.ClientMessage) bool {
	req, ok := decode[protocol.UnsubRequest](s, msg)
	if !ok {
		return false
	}
	if r.hooks.Unsubscribe != nil && r.hooks.Unsubscribe(s, req.SubID) {
		return true
	}
	if !r.engine.Unsubscribe(s, req.SubID) {
		s.Send(protocol.Err(msg.ID, protocol.ErrUnknownSub, "no subscription "+req.SubID))
		return false
	}
	s.Send(protocol.ServerMessage{Kind: protocol.KindRes, ID: msg.ID, Data: protocol.ResData{
		SubID: req.SubID, Status: "ok",
	}})
	return true
}

// handleSQL runs a one-shot statement; a mutating verb then drives an
// invalidation cycle over every affected subscription.
func (r *Registry) handleSQL(ctx context.Context, s *domain.Session, msg protocol.ClientMessage) bool {
	req, ok := decode[protocol.SQLRequest](s, msg)
	if !ok {
		return false
	}
	sql, ok := r.resolveStatement(s, msg.ID, req.SQL, req.Encrypted)
	if !ok {
		return false
	}
	result, err := r.engine.exec(ctx, s.ID(), msg.ID, sql, req.Params)
	if err != nil {
		s.Send(protocol.Err(msg.ID, protocol.ErrQueryFailed, err.Error()))
		return false
	}
	s.Send(protocol.ServerMessage{Kind: protocol.KindRes, ID: msg.ID, Data: protocol.ResData{
		Status: "ok", Result: result,
	}})
	if verb := sqlparse.Verb(sql); verb != "" && verb != sqlparse.VerbSelect {
		if err := r.engine.Update(ctx, s, sql, req.Params); err != nil {
			r.logger.Warn("invalidation cycle failed",
				"session_id", s.ID(), "verb", verb, "error", err)
		}
	}
	return true
}

func (r *Registry) handleAuth(ctx context.Context, s *domain.Session, msg protocol.ClientMessage) bool {
	req, ok := decode[protocol.AuthRequest](s, msg)
	if !ok {
		return false
	}
	if r.hooks.Authenticate == nil {
		s.Send(protocol.Err(msg.ID, protocol.ErrHookMissing, "no authenticate hook configured"))
		return false
	}
	cred, err := r.hooks.Authenticate(ctx, req)
	if err != nil {
		s.Send(protocol.Err(msg.ID, protocol.ErrAuthRequired, err.Error()))
		observability.Audit(r.logger, "auth_rejected", s.ID(), slog.String("error", err.Error()))
		return false
	}
	s.SetAuthenticated(cred)
	if granter, ok := cred.(PermissionGranter); ok {
		for verb, tables := range granter.Grants() {
			s.Grant(verb, tables...)
		}
	}
	authed := s.IsAuthenticated()
	observability.Audit(r.logger, "auth_accepted", s.ID(), slog.Bool("authenticated", authed))
	s.Send(protocol.ServerMessage{Kind: protocol.KindAuth, ID: msg.ID, Data: protocol.AuthData{Authenticated: authed}})
	return true
}

func (r *Registry) handleGetPerm(s *domain.Session, msg protocol.ClientMessage) bool {
	req, ok := decode[protocol.PermRequest](s, msg)
	if !ok {
		return false
	}
	granted := false
	if req.Grant != nil {
		if r.hooks.GrantPermission == nil {
			s.Send(protocol.Err(msg.ID, protocol.ErrHookMissing, "no grant hook configured"))
			return false
		}
		if r.hooks.GrantPermission(s, *req.Grant) {
			s.Grant(req.Grant.Verb, req.Grant.Tables...)
			granted = true
			observability.Audit(r.logger, "permission_granted", s.ID(),
				slog.String("verb", req.Grant.Verb), slog.Any("tables", req.Grant.Tables))
		}
	}
	s.Send(protocol.ServerMessage{Kind: protocol.KindGetPerm, ID: msg.ID, Data: protocol.PermData{
		Granted: granted, Permissions: s.Permissions(),
	}})
	return true
}

func (r *Registry) handlePropSub(s *domain.Session, msg protocol.ClientMessage) bool {
	req, ok := decode[protocol.PropSubRequest](s, msg)
	if !ok {
		return false
	}
	var limiter *ratelimit.FixedWindow
	if req.RateLimit != nil {
		var err error
		limiter, err = ratelimit.FromSpec(ratelimit.Spec{
			Millis:  req.RateLimit.Millis,
			Seconds: req.RateLimit.Seconds,
			Minutes: req.RateLimit.Minutes,
			Max:     req.RateLimit.Max,
		}, r.clock)
		if err != nil {
			s.Send(protocol.Err(msg.ID, protocol.ErrMalformedPayload, err.Error()))
			return false
		}
	}
	subID := req.SubID
	if subID == "" {
		subID = uuid.NewString()
	}
	if err := r.props.Subscribe(req.Key, s, subID, limiter, req.InitialValue); err != nil {
		s.Send(protocol.Err(msg.ID, protocol.ErrUnknownProp, "no prop "+req.Key))
		return false
	}
	s.Send(protocol.ServerMessage{Kind: protocol.KindRes, ID: msg.ID, Data: protocol.ResData{
		SubID: subID, Status: "ok",
	}})
	return true
}

func (r *Registry) handlePropUnsub(s *domain.Session, msg protocol.ClientMessage) bool {
	req, ok := decode[protocol.PropUnsubRequest](s, msg)
	if !ok {
		return false
	}
	if !r.props.Unsubscribe(req.Key, s.ID()) {
		s.Send(protocol.Err(msg.ID, protocol.ErrUnknownProp, "no prop subscription on "+req.Key))
		return false
	}
	s.Send(protocol.ServerMessage{Kind: protocol.KindRes, ID: msg.ID, Data: protocol.ResData{Status: "ok"}})
	return true
}

func (r *Registry) handlePropGet(s *domain.Session, msg protocol.ClientMessage) bool {
	req, ok := decode[protocol.PropGetRequest](s, msg)
	if !ok {
		return false
	}
	value, exists := r.props.Get(req.Key)
	if !exists {
		s.Send(protocol.Err(msg.ID, protocol.ErrUnknownProp, "no prop "+req.Key))
		return false
	}
	s.Send(protocol.ServerMessage{Kind: protocol.KindRes, ID: msg.ID, Data: protocol.ResData{
		Status: "ok", Result: protocol.PropValueData{Key: req.Key, Value: value},
	}})
	return true
}

func (r *Registry) handlePropSet(s *domain.Session, msg protocol.ClientMessage) bool {
	req, ok := decode[protocol.PropSetRequest](s, msg)
	if !ok {
		return false
	}
	prop, exists := r.props.Describe(req.Key)
	if !exists {
		s.Send(protocol.Err(msg.ID, protocol.ErrUnknownProp, "no prop "+req.Key))
		return false
	}
	if !prop.ClientWritable {
		s.Send(protocol.Err(msg.ID, protocol.ErrPropReadOnly, "prop "+req.Key+" is not client writable"))
		return false
	}
	accepted, err := r.props.Update(req.Key, req.Value, s, req.SendAsDiff)
	if err != nil {
		s.Send(protocol.Err(msg.ID, protocol.ErrUnknownProp, "no prop "+req.Key))
		return false
	}
	if !accepted {
		s.Send(protocol.Err(msg.ID, protocol.ErrPropRejected, "assigner rejected the write"))
		return false
	}
	s.Send(protocol.ServerMessage{Kind: protocol.KindRes, ID: msg.ID, Data: protocol.ResData{
		Status: "ok", Result: protocol.PropValueData{Key: req.Key, Accepted: true},
	}})
	return true
}

// handlePropReg registers an ad hoc client prop. Client props are
// always writable and temporary, so they vanish with their audience.
func (r *Registry) handlePropReg(s *domain.Session, msg protocol.ClientMessage) bool {
	req, ok := decode[protocol.PropRegRequest](s, msg)
	if !ok {
		return false
	}
	key, err := r.props.Register(req.Key, req.Value, PropRegisterOptions{
		ClientWritable: true,
		SendAsDiff:     req.SendAsDiff,
		EmitToSender:   req.EmitToSender,
		Temporary:      true,
	})
	if err != nil {
		s.Send(protocol.Err(msg.ID, protocol.ErrPropExists, "prop "+req.Key+" already registered"))
		return false
	}
	s.Send(protocol.ServerMessage{Kind: protocol.KindRes, ID: msg.ID, Data: protocol.ResData{
		Status: "ok", Result: protocol.PropValueData{Key: key, Accepted: true},
	}})
	return true
}

// handleRecon either issues a token for this session or redeems one,
// migrating the old session's identity onto the current connection.
func (r *Registry) handleRecon(s *domain.Session, msg protocol.ClientMessage) bool {
	req, ok := decode[protocol.ReconRequest](s, msg)
	if !ok {
		return false
	}
	if r.recon == nil {
		s.Send(protocol.Err(msg.ID, protocol.ErrReconDisabled, "reconnection tokens disabled"))
		return false
	}
	if req.Issue || req.Token == "" {
		token, err := r.recon.Issue(s.ID(), s.IP())
		if err != nil {
			s.Send(protocol.Err(msg.ID, protocol.ErrReconDisabled, err.Error()))
			return false
		}
		observability.RecordReconOutcome("issued")
		s.Send(protocol.ServerMessage{Kind: protocol.KindRecon, ID: msg.ID, Data: protocol.ReconData{Token: token}})
		return true
	}
	return r.redeem(s, msg.ID, req.Token)
}

func (r *Registry) redeem(s *domain.Session, requestID, token string) bool {
	oldID, err := r.recon.Validate(token, s.IP())
	if err != nil {
		code, outcome := reconErrCode(err)
		observability.RecordReconOutcome(outcome)
		observability.Audit(r.logger, "reconnect_rejected", s.ID(), slog.String("reason", outcome))
		s.Send(protocol.Err(requestID, code, err.Error()))
		return false
	}
	old, ok := r.sessions.get(oldID)
	if !ok || old.State() == domain.SessionDestroyed {
		observability.RecordReconOutcome("session_gone")
		s.Send(protocol.Err(requestID, protocol.ErrReconNoSession, "original session no longer exists"))
		return false
	}

	// The old session's clock stops: its pending destroy is cancelled,
	// its identity moves here, and whatever subscriptions either side
	// held are gone. The old shell is then destroyed on the normal
	// grace schedule in case a stale transport still references it.
	old.CancelDestroy()
	s.AdoptIdentity(old)
	r.engine.ClearSession(oldID)
	r.props.ClearSession(oldID)
	r.engine.ClearSession(s.ID())
	r.props.ClearSession(s.ID())
	r.scheduleDestroy(old)

	observability.RecordReconOutcome("restored")
	observability.RecordSessionEvent("restored")
	observability.Audit(r.logger, "session_restored", s.ID(), slog.String("old_session_id", oldID))
	s.Send(protocol.ServerMessage{Kind: protocol.KindRecon, ID: requestID, Data: protocol.ReconData{
		OldSessionID:  oldID,
		NewSessionID:  s.ID(),
		Authenticated: s.IsAuthenticated(),
	}})
	return true
}

func reconErrCode(err error) (code, outcome string) {
	switch {
	case errors.Is(err, ErrInvalidToken):
		return protocol.ErrReconInvalid, "unknown_token"
	case errors.Is(err, ErrInvalidFormat):
		return protocol.ErrReconFormat, "bad_format"
	case errors.Is(err, ErrTokenIPMismatch):
		return protocol.ErrReconIPChanged, "ip_changed"
	case errors.Is(err, ErrTokenExpired):
		return protocol.ErrReconExpired, "expired"
	case errors.Is(err, ErrReconDisabled):
		return protocol.ErrReconDisabled, "disabled"
	default:
		return protocol.ErrReconInvalid, "error"
	}
}

// Disconnect moves a session into the pending-destroy grace period.
// Its subscriptions are cleared immediately so invalidation cycles
// stop touching it; identity survives until the grace timer fires.
func (r *Registry) Disconnect(s *domain.Session) {
	if !s.MarkDisconnected() {
		return
	}
	if r.hooks.Disconnect != nil {
		r.hooks.Disconnect(s)
	}
	r.engine.ClearSession(s.ID())
	r.props.ClearSession(s.ID())
	r.scheduleDestroy(s)
	observability.RecordSessionEvent("disconnected")
	observability.Audit(r.logger, "session_disconnected", s.ID())
}

func (r *Registry) scheduleDestroy(s *domain.Session) {
	s.SetDestroyTimer(r.clock.AfterFunc(r.deleteDelay, func() {
		r.destroySession(s)
	}))
}

func (r *Registry) destroySession(s *domain.Session) {
	if s.State() == domain.SessionDestroyed {
		return
	}
	s.MarkDestroyed()
	r.sessions.remove(s.ID())
	if r.recon != nil {
		r.recon.Revoke(s.ID())
	}
	observability.RecordSessionEvent("destroyed")
	observability.Audit(r.logger, "session_destroyed", s.ID())
}

// RunSweep periodically closes sessions idle past the TTL, pushing a
// best-effort TIMEOUT first. Blocks until ctx is done; a zero TTL or
// interval disables the sweep.
func (r *Registry) RunSweep(ctx context.Context) {
	if r.sessionTTL <= 0 || r.sweepEvery <= 0 {
		return
	}
	ticker := r.clock.NewTicker(r.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			r.sweepIdle()
		}
	}
}

func (r *Registry) sweepIdle() {
	now := r.clock.Now()
	for _, s := range r.sessions.snapshot() {
		if s.State() != domain.SessionActive {
			continue
		}
		idle := now.Sub(s.LastSeen())
		if idle <= r.sessionTTL {
			continue
		}
		s.Send(protocol.ServerMessage{Kind: protocol.KindTimeout, Data: protocol.TimeoutData{
			IdleFor: idle.Round(time.Millisecond).String(),
		}})
		s.ClosePeer()
		r.Disconnect(s)
		observability.RecordSessionEvent("timed_out")
	}
}

// Shutdown force-closes every session without grace timers, for
// server teardown.
func (r *Registry) Shutdown() {
	for _, s := range r.sessions.snapshot() {
		s.ClosePeer()
		if s.MarkDisconnected() {
			r.engine.ClearSession(s.ID())
			r.props.ClearSession(s.ID())
		}
		r.destroySession(s)
	}
}
