package service

import (
	"context"
	"strings"

	"github.com/wirepulse/wirepulse/internal/domain"
	"github.com/wirepulse/wirepulse/internal/protocol"
)

// QueryExecutor is the sole way SQL is ever run; the core never
// touches a database directly.
type QueryExecutor func(ctx context.Context, sessionID, requestID, sql string, params []any) (any, error)

// Arbiter may suppress an individual invalidation push. It sees the
// mutating side and the candidate subscriber and returns false to
// skip the push.
type Arbiter func(initiator Initiator, candidate Candidate) bool

// Initiator describes the mutation that triggered an Update cycle.
type Initiator struct {
	Session *domain.Session
	SQL     string
	Params  []any
}

// Candidate describes one subscriber the cycle is about to push to.
type Candidate struct {
	Session      *domain.Session
	Subscription *domain.Subscription
}

// Decrypter turns an encrypted statement into plaintext plus the
// markers gating its execution.
type Decrypter func(ciphertext string) (plaintext string, markers []string, err error)

// Markers understood by the dispatcher.
const (
	MarkerRequiresAuth       = "requires-auth"
	MarkerRequiresPermission = "requires-permission"
)

// PermissionMarkerVerb extracts the verb of a requires-permission
// marker ("requires-permission:INSERT"); empty verb means "the
// statement's own verb".
func PermissionMarkerVerb(marker string) (string, bool) {
	if marker == MarkerRequiresPermission {
		return "", true
	}
	rest, ok := strings.CutPrefix(marker, MarkerRequiresPermission+":")
	if !ok {
		return "", false
	}
	return strings.ToUpper(rest), true
}

// PermissionGranter lets an authenticate credential carry its own
// verb/table grants, applied to the session on AUTH.
type PermissionGranter interface {
	Grants() map[string][]string
}

// Hooks are the optional lifecycle collaborators. Boolean-returning
// hooks short-circuit default handling by returning true.
type Hooks struct {
	Connect    func(s *domain.Session) bool
	Disconnect func(s *domain.Session)

	// Message is the generic interceptor consulted before domain
	// routing; returning true claims the message.
	Message func(s *domain.Session, msg protocol.ClientMessage) bool

	Subscribe   func(s *domain.Session, subID, sql string) bool
	Unsubscribe func(s *domain.Session, subID string) bool

	// Authenticate turns AUTH params into an opaque credential. A nil
	// hook makes AUTH a hard per-request failure.
	Authenticate func(ctx context.Context, req protocol.AuthRequest) (any, error)

	// GrantPermission approves or denies a grant request.
	GrantPermission func(s *domain.Session, req protocol.GrantRequest) bool

	// GeneratedPropName overrides the generated key for ad hoc props.
	GeneratedPropName func() string
}
