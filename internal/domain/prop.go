package domain

import (
	"github.com/jonboulle/clockwork"

	"github.com/wirepulse/wirepulse/internal/ratelimit"
)

// Assigner decides whether a prop write is accepted and how the
// stored value changes. It is not required to store the proposed
// value literally; the store re-reads the value after it runs.
type Assigner func(key string, value any, requester *Session) bool

// PropSubscriber links a prop to one session's prop subscription.
type PropSubscriber struct {
	SessionID string
	SubID     string
	Limiter   *ratelimit.FixedWindow
}

// Prop is a named server-held value broadcast to subscribers on
// change. Key identity is immutable once registered.
type Prop struct {
	Key      string
	Value    any
	Assigner Assigner

	// Subscribers is keyed by session id; one subscription per
	// session and prop.
	Subscribers map[string]*PropSubscriber

	ClientWritable bool
	// SendAsDiff overrides the store-wide default when non-nil.
	SendAsDiff   *bool
	EmitToSender bool
	// Temporary props are deleted when their subscriber count drops
	// to zero, or after a registration grace window if never
	// subscribed.
	Temporary bool

	ReapTimer clockwork.Timer
}
