package domain

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/wirepulse/wirepulse/internal/protocol"
	"github.com/wirepulse/wirepulse/internal/ratelimit"
)

// SessionState tracks the lifecycle of one client connection.
type SessionState int

const (
	SessionActive SessionState = iota
	SessionDisconnected
	SessionDestroyed
)

// Peer is the transport side of a session. Sending to a closed peer
// must be a no-op, not an error.
type Peer interface {
	Send(msg protocol.ServerMessage) bool
	Close()
}

// Session is the server-side state for one logical client.
// Authenticated holds whatever opaque credential the authenticate
// hook produced; the wire only ever sees its truthiness.
type Session struct {
	mu            sync.Mutex
	id            string
	ip            string
	peer          Peer
	state         SessionState
	authenticated any
	permissions   map[string]map[string]struct{}
	subscriptions map[string]*Subscription
	lastSeen      time.Time
	destroyTimer  clockwork.Timer
}

func NewSession(id, ip string, peer Peer, now time.Time) *Session {
	return &Session{
		id:            id,
		ip:            ip,
		peer:          peer,
		state:         SessionActive,
		permissions:   make(map[string]map[string]struct{}),
		subscriptions: make(map[string]*Subscription),
		lastSeen:      now,
	}
}

func (s *Session) ID() string { return s.id }
func (s *Session) IP() string { return s.ip }

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Send delivers a message to the client. Disconnected and destroyed
// sessions swallow the message silently.
func (s *Session) Send(msg protocol.ServerMessage) bool {
	s.mu.Lock()
	peer := s.peer
	active := s.state == SessionActive
	s.mu.Unlock()
	if !active || peer == nil {
		return false
	}
	return peer.Send(msg)
}

// ClosePeer tears down the transport without touching session state.
func (s *Session) ClosePeer() {
	s.mu.Lock()
	peer := s.peer
	s.mu.Unlock()
	if peer != nil {
		peer.Close()
	}
}

// Touch records inbound activity for the timeout sweep.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

func (s *Session) SetAuthenticated(cred any) {
	s.mu.Lock()
	s.authenticated = cred
	s.mu.Unlock()
}

func (s *Session) Credential() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

// IsAuthenticated normalizes the opaque credential to a boolean for
// the wire: nil, false, empty string and zero numbers are falsy,
// everything else is truthy.
func (s *Session) IsAuthenticated() bool {
	return Truthy(s.Credential())
}

// Truthy applies the wire normalization rule to any credential value.
func Truthy(v any) bool {
	switch c := v.(type) {
	case nil:
		return false
	case bool:
		return c
	case string:
		return c != ""
	case int:
		return c != 0
	case int64:
		return c != 0
	case float64:
		return c != 0
	default:
		return true
	}
}

// Grant adds tables to a verb's permission set.
func (s *Session) Grant(verb string, tables ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.permissions[verb]
	if !ok {
		set = make(map[string]struct{})
		s.permissions[verb] = set
	}
	for _, t := range tables {
		set[t] = struct{}{}
	}
}

// HasPermission reports whether the verb/table pair is granted.
func (s *Session) HasPermission(verb, table string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.permissions[verb]
	if !ok {
		return false
	}
	_, ok = set[table]
	return ok
}

// Permissions returns a copy of the grants as verb → table list.
func (s *Session) Permissions() map[string][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]string, len(s.permissions))
	for verb, set := range s.permissions {
		tables := make([]string, 0, len(set))
		for t := range set {
			tables = append(tables, t)
		}
		out[verb] = tables
	}
	return out
}

// AdoptIdentity copies authentication state and grants from another
// session, used when a reconnection token is redeemed.
func (s *Session) AdoptIdentity(from *Session) {
	cred := from.Credential()
	perms := from.Permissions()
	s.mu.Lock()
	s.authenticated = cred
	s.permissions = make(map[string]map[string]struct{}, len(perms))
	for verb, tables := range perms {
		set := make(map[string]struct{}, len(tables))
		for _, t := range tables {
			set[t] = struct{}{}
		}
		s.permissions[verb] = set
	}
	s.mu.Unlock()
}

// AddSubscription registers a subscription under its id, replacing
// any previous one with the same id.
func (s *Session) AddSubscription(sub *Subscription) {
	s.mu.Lock()
	s.subscriptions[sub.ID] = sub
	s.mu.Unlock()
}

// RemoveSubscription drops a subscription, reporting whether it
// existed.
func (s *Session) RemoveSubscription(subID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subscriptions[subID]; !ok {
		return false
	}
	delete(s.subscriptions, subID)
	return true
}

// Subscriptions returns a snapshot of the session's subscriptions.
func (s *Session) Subscriptions() []*Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Subscription, 0, len(s.subscriptions))
	for _, sub := range s.subscriptions {
		out = append(out, sub)
	}
	return out
}

// ClearSubscriptions empties the subscription map and returns what
// was removed.
func (s *Session) ClearSubscriptions() []*Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Subscription, 0, len(s.subscriptions))
	for _, sub := range s.subscriptions {
		out = append(out, sub)
	}
	s.subscriptions = make(map[string]*Subscription)
	return out
}

// MarkDisconnected moves an active session into the grace period.
func (s *Session) MarkDisconnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SessionActive {
		return false
	}
	s.state = SessionDisconnected
	s.peer = nil
	return true
}

// MarkDestroyed is terminal.
func (s *Session) MarkDestroyed() {
	s.mu.Lock()
	s.state = SessionDestroyed
	s.destroyTimer = nil
	s.mu.Unlock()
}

// SetDestroyTimer stores the pending-destroy cancel handle.
func (s *Session) SetDestroyTimer(t clockwork.Timer) {
	s.mu.Lock()
	s.destroyTimer = t
	s.mu.Unlock()
}

// CancelDestroy stops a pending destroy, reporting whether one was
// outstanding. Used by reconnection redemption ("restore").
func (s *Session) CancelDestroy() bool {
	s.mu.Lock()
	t := s.destroyTimer
	s.destroyTimer = nil
	s.mu.Unlock()
	if t == nil {
		return false
	}
	t.Stop()
	return true
}

// Subscription is a standing SELECT query plus the table set it
// depends on, replayed verbatim on invalidation.
type Subscription struct {
	ID        string
	SessionID string
	SQL       string
	Params    []any
	Tables    []string
	Limiter   *ratelimit.FixedWindow
	CacheKey  string
}

func NewSubscription(id, sessionID, sql string, params []any, tables []string, limiter *ratelimit.FixedWindow) *Subscription {
	return &Subscription{
		ID:        id,
		SessionID: sessionID,
		SQL:       sql,
		Params:    params,
		Tables:    tables,
		Limiter:   limiter,
		CacheKey:  QueryCacheKey(sql, params),
	}
}

// QueryCacheKey dedupes query execution within one invalidation
// cycle: identical (sql, params) pairs share a key.
func QueryCacheKey(sql string, params []any) string {
	raw, err := json.Marshal(params)
	if err != nil {
		raw = []byte("?")
	}
	return sql + "\x00" + string(raw)
}

// DependsOnAny reports whether the subscription's table set
// intersects the given tables.
func (sub *Subscription) DependsOnAny(tables []string) bool {
	for _, t := range tables {
		for _, own := range sub.Tables {
			if t == own {
				return true
			}
		}
	}
	return false
}
