package service

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/wirepulse/wirepulse/internal/domain"
	"github.com/wirepulse/wirepulse/internal/observability"
	"github.com/wirepulse/wirepulse/internal/protocol"
	"github.com/wirepulse/wirepulse/internal/ratelimit"
)

var (
	ErrPropExists  = errors.New("service: prop key already registered")
	ErrUnknownProp = errors.New("service: unknown prop key")
)

// PropRegisterOptions mirror the per-prop flags.
type PropRegisterOptions struct {
	ClientWritable bool
	SendAsDiff     *bool
	EmitToSender   bool
	Temporary      bool
	Assigner       domain.Assigner
}

// PropStore holds the named server-side values and their subscriber
// sets, diffing values on update and broadcasting changes.
type PropStore struct {
	mu    sync.Mutex
	props map[string]*domain.Prop

	view        registryView
	clock       clockwork.Clock
	logger      *slog.Logger
	diffDefault bool
	reapGrace   time.Duration
	namegen     func() string
}

type PropStoreOptions struct {
	View registryView
	// SendAsDiffDefault is the store-wide flag a prop may override.
	SendAsDiffDefault bool
	// ReapGrace is how long a never-subscribed temporary prop lives.
	ReapGrace time.Duration
	Clock     clockwork.Clock
	Logger    *slog.Logger
	// NameGenerator supplies keys for ad hoc props; defaults to uuid.
	NameGenerator func() string
}

func NewPropStore(opts PropStoreOptions) *PropStore {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NameGenerator == nil {
		opts.NameGenerator = uuid.NewString
	}
	if opts.ReapGrace <= 0 {
		opts.ReapGrace = 30 * time.Second
	}
	return &PropStore{
		props:       make(map[string]*domain.Prop),
		view:        opts.View,
		clock:       opts.Clock,
		logger:      opts.Logger,
		diffDefault: opts.SendAsDiffDefault,
		reapGrace:   opts.ReapGrace,
		namegen:     opts.NameGenerator,
	}
}

// Register creates a prop. An empty key gets a generated one. Keys
// are immutable identity: re-registering an existing key fails rather
// than silently replacing it, preserving client continuity.
func (p *PropStore) Register(key string, initial any, opts PropRegisterOptions) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if key == "" {
		key = p.namegen()
		for _, taken := p.props[key]; taken; _, taken = p.props[key] {
			key = uuid.NewString()
		}
	} else if _, taken := p.props[key]; taken {
		return "", ErrPropExists
	}
	prop := &domain.Prop{
		Key:            key,
		Value:          initial,
		Assigner:       opts.Assigner,
		Subscribers:    make(map[string]*domain.PropSubscriber),
		ClientWritable: opts.ClientWritable,
		SendAsDiff:     opts.SendAsDiff,
		EmitToSender:   opts.EmitToSender,
		Temporary:      opts.Temporary,
	}
	if prop.Assigner == nil {
		prop.Assigner = p.defaultAssigner
	}
	p.props[key] = prop
	if prop.Temporary {
		// If nobody subscribes within the grace window the prop is
		// reaped; the first subscriber cancels this.
		prop.ReapTimer = p.clock.AfterFunc(p.reapGrace, func() { p.reapIfUnobserved(key) })
	}
	return key, nil
}

// defaultAssigner is SetRaw behind the Assigner signature.
func (p *PropStore) defaultAssigner(key string, value any, _ *domain.Session) bool {
	return p.SetRaw(key, value)
}

// Get reads a prop value.
func (p *PropStore) Get(key string) (any, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prop, ok := p.props[key]
	if !ok {
		return nil, false
	}
	return prop.Value, true
}

// PropInfo is a point-in-time description of a prop.
type PropInfo struct {
	Key            string
	ClientWritable bool
	Temporary      bool
	Subscribers    int
}

// Describe reports a prop's flags without exposing its value.
func (p *PropStore) Describe(key string) (PropInfo, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prop, ok := p.props[key]
	if !ok {
		return PropInfo{}, false
	}
	return PropInfo{
		Key:            prop.Key,
		ClientWritable: prop.ClientWritable,
		Temporary:      prop.Temporary,
		Subscribers:    len(prop.Subscribers),
	}, true
}

// SetRaw unconditionally stores a value, bypassing the assigner. For
// trusted server-side writes; emits no notifications.
func (p *PropStore) SetRaw(key string, value any) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	prop, ok := p.props[key]
	if !ok {
		return false
	}
	prop.Value = value
	return true
}

// Update routes a write through the prop's assigner and, when the
// stored value actually changed, broadcasts the change to
// subscribers. An accepted write that leaves the value structurally
// identical notifies nobody, preventing feedback storms.
func (p *PropStore) Update(key string, value any, requester *domain.Session, sendAsDiff *bool) (bool, error) {
	p.mu.Lock()
	prop, ok := p.props[key]
	if !ok {
		p.mu.Unlock()
		return false, ErrUnknownProp
	}
	assigner := prop.Assigner
	before := prop.Value
	p.mu.Unlock()

	// The assigner may call back into SetRaw/Get, so it runs outside
	// the store lock.
	if !assigner(key, value, requester) {
		observability.RecordPropUpdate("rejected")
		return false, nil
	}

	p.mu.Lock()
	prop, ok = p.props[key]
	if !ok {
		// Unregistered while the assigner ran; accepted but nothing
		// to broadcast.
		p.mu.Unlock()
		return true, nil
	}
	after := prop.Value
	patch := Diff(before, after)
	if len(patch) == 0 {
		p.mu.Unlock()
		observability.RecordPropUpdate("noop")
		return true, nil
	}
	asDiff := p.diffDefault
	if prop.SendAsDiff != nil {
		asDiff = *prop.SendAsDiff
	}
	if sendAsDiff != nil {
		asDiff = *sendAsDiff
	}
	subs, stale := p.deliverableSubscribers(prop, requester)
	p.mu.Unlock()

	for _, id := range stale {
		p.dropSubscriber(key, id)
	}
	observability.RecordPropUpdate("accepted")
	for _, sub := range subs {
		data := protocol.PropUpdData{Key: key, SubID: sub.SubID}
		if asDiff {
			data.Diff = patch
		} else {
			data.Value = after
		}
		if p.view.Push(sub.SessionID, protocol.ServerMessage{Kind: protocol.KindPropUpd, Data: data}) {
			observability.RecordPush(protocol.KindPropUpd)
		}
	}
	return true, nil
}

// deliverableSubscribers filters the subscriber set under the lock:
// the requester is skipped unless the prop emits to its sender, dead
// sessions are collected for pruning, and per-subscriber limiters are
// applied.
func (p *PropStore) deliverableSubscribers(prop *domain.Prop, requester *domain.Session) (out []*domain.PropSubscriber, stale []string) {
	for sessionID, sub := range prop.Subscribers {
		if requester != nil && sessionID == requester.ID() && !prop.EmitToSender {
			continue
		}
		if _, alive := p.view.Lookup(sessionID); !alive {
			stale = append(stale, sessionID)
			continue
		}
		if sub.Limiter != nil && sub.Limiter.CheckLimit() {
			observability.RecordRateLimitDecision("prop_push", "deny")
			continue
		}
		out = append(out, sub)
	}
	return out, stale
}

// Subscribe registers a session on a prop, optionally pushing the
// current value right away.
func (p *PropStore) Subscribe(key string, s *domain.Session, subID string, limiter *ratelimit.FixedWindow, wantInitial bool) error {
	p.mu.Lock()
	prop, ok := p.props[key]
	if !ok {
		p.mu.Unlock()
		return ErrUnknownProp
	}
	if subID == "" {
		subID = uuid.NewString()
	}
	prop.Subscribers[s.ID()] = &domain.PropSubscriber{SessionID: s.ID(), SubID: subID, Limiter: limiter}
	if prop.ReapTimer != nil {
		prop.ReapTimer.Stop()
		prop.ReapTimer = nil
	}
	value := prop.Value
	p.mu.Unlock()

	if wantInitial {
		p.view.Push(s.ID(), protocol.ServerMessage{
			Kind: protocol.KindPropUpd,
			Data: protocol.PropUpdData{Key: key, SubID: subID, Value: value},
		})
	}
	return nil
}

// Unsubscribe drops a session from a prop. Temporary props whose
// subscriber count hits zero are unregistered on the spot.
func (p *PropStore) Unsubscribe(key, sessionID string) bool {
	p.mu.Lock()
	prop, ok := p.props[key]
	if !ok {
		p.mu.Unlock()
		return false
	}
	if _, had := prop.Subscribers[sessionID]; !had {
		p.mu.Unlock()
		return false
	}
	delete(prop.Subscribers, sessionID)
	reap := prop.Temporary && len(prop.Subscribers) == 0
	p.mu.Unlock()
	if reap {
		p.Unregister(key)
	}
	return true
}

// Unregister removes the prop first, so no new subscription can race
// in, then tells the prior subscribers it is gone.
func (p *PropStore) Unregister(key string) bool {
	p.mu.Lock()
	prop, ok := p.props[key]
	if !ok {
		p.mu.Unlock()
		return false
	}
	delete(p.props, key)
	if prop.ReapTimer != nil {
		prop.ReapTimer.Stop()
		prop.ReapTimer = nil
	}
	subs := make([]*domain.PropSubscriber, 0, len(prop.Subscribers))
	for _, sub := range prop.Subscribers {
		subs = append(subs, sub)
	}
	p.mu.Unlock()

	for _, sub := range subs {
		if p.view.Push(sub.SessionID, protocol.ServerMessage{
			Kind: protocol.KindPropDrop,
			Data: protocol.PropDropData{Key: key},
		}) {
			observability.RecordPush(protocol.KindPropDrop)
		}
	}
	return true
}

// ClearSession removes a session from every subscriber set, reaping
// temporary props it was the last subscriber of.
func (p *PropStore) ClearSession(sessionID string) {
	p.mu.Lock()
	var reap []string
	for key, prop := range p.props {
		if _, had := prop.Subscribers[sessionID]; !had {
			continue
		}
		delete(prop.Subscribers, sessionID)
		if prop.Temporary && len(prop.Subscribers) == 0 {
			reap = append(reap, key)
		}
	}
	p.mu.Unlock()
	for _, key := range reap {
		p.Unregister(key)
	}
}

func (p *PropStore) dropSubscriber(key, sessionID string) {
	p.mu.Lock()
	if prop, ok := p.props[key]; ok {
		delete(prop.Subscribers, sessionID)
	}
	p.mu.Unlock()
}

// reapIfUnobserved deletes a temporary prop that never attracted a
// subscriber within the grace window.
func (p *PropStore) reapIfUnobserved(key string) {
	p.mu.Lock()
	prop, ok := p.props[key]
	if !ok || !prop.Temporary || len(prop.Subscribers) > 0 {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.logger.Debug("reaping unobserved temporary prop", "key", key)
	p.Unregister(key)
}

// Keys returns the registered prop keys, for readiness reporting.
func (p *PropStore) Keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.props))
	for k := range p.props {
		out = append(out, k)
	}
	return out
}
