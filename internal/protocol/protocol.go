// Package protocol defines the JSON wire format spoken over the
// websocket: a flat envelope of kind, request id and kind-specific
// payload. Direct responses echo the request id; pushes carry the
// subscription id inside their payload instead.
package protocol

import "encoding/json"

// Client → server message kinds.
const (
	KindSub       = "SUB"
	KindUnsub     = "UNSUB"
	KindSQL       = "SQL"
	KindPing      = "PING"
	KindAuth      = "AUTH"
	KindGetPerm   = "GET_PERM"
	KindPropSub   = "PROP_SUB"
	KindPropUnsub = "PROP_UNSUB"
	KindPropGet   = "PROP_GET"
	KindPropSet   = "PROP_SET"
	KindPropReg   = "PROP_REG"
	KindRecon     = "RECON"
)

// Server → client message kinds.
const (
	KindCon      = "CON"
	KindUpd      = "UPD"
	KindPong     = "PONG"
	KindRes      = "RES"
	KindErr      = "ERR"
	KindPropUpd  = "PROP_UPD"
	KindPropDrop = "PROP_DROP"
	KindTimeout  = "TIMEOUT"
)

// Stable error codes carried in ERR payloads.
const (
	ErrUnknownKind      = "UNKNOWN_KIND"
	ErrMalformedPayload = "MALFORMED_PAYLOAD"
	ErrRateLimited      = "RATE_LIMITED"
	ErrNotSelect        = "NOT_SELECT"
	ErrUnknownSub       = "UNKNOWN_SUBSCRIPTION"
	ErrUnknownProp      = "UNKNOWN_PROP"
	ErrPropExists       = "PROP_EXISTS"
	ErrPropReadOnly     = "PROP_READ_ONLY"
	ErrPropRejected     = "PROP_REJECTED"
	ErrQueryFailed      = "QUERY_FAILED"
	ErrAuthRequired     = "AUTH_REQUIRED"
	ErrPermissionDenied = "PERMISSION_DENIED"
	ErrHookMissing      = "HOOK_MISSING"
	ErrReconDisabled    = "RECON_DISABLED"
	ErrReconInvalid     = "RECON_INVALID_TOKEN"
	ErrReconFormat      = "RECON_INVALID_FORMAT"
	ErrReconIPChanged   = "RECON_IP_CHANGED"
	ErrReconExpired     = "RECON_EXPIRED"
	ErrReconNoSession   = "RECON_SESSION_NOT_FOUND"
)

// ClientMessage is the inbound envelope. Data stays raw until the
// dispatcher knows the kind.
type ClientMessage struct {
	Kind string          `json:"kind"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ServerMessage is the outbound envelope.
type ServerMessage struct {
	Kind string `json:"kind"`
	ID   string `json:"id,omitempty"`
	Data any    `json:"data,omitempty"`
}

// ErrorData is the payload of an ERR message.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Err builds an ERR response for the given request id.
func Err(requestID, code, message string) ServerMessage {
	return ServerMessage{Kind: KindErr, ID: requestID, Data: ErrorData{Code: code, Message: message}}
}

// ConData announces the assigned session id on connect.
type ConData struct {
	SessionID string `json:"session_id"`
}

// SubRequest subscribes a SELECT query, optionally throttled.
type SubRequest struct {
	SubID     string     `json:"sub_id,omitempty"`
	SQL       string     `json:"sql"`
	Params    []any      `json:"params,omitempty"`
	RateLimit *RateLimit `json:"rate_limit,omitempty"`
	Encrypted bool       `json:"encrypted,omitempty"`
}

// RateLimit mirrors ratelimit.Spec on the wire.
type RateLimit struct {
	Millis  int64 `json:"ms,omitempty"`
	Seconds int64 `json:"s,omitempty"`
	Minutes int64 `json:"m,omitempty"`
	Max     int   `json:"max"`
}

// UnsubRequest removes a subscription by id.
type UnsubRequest struct {
	SubID string `json:"sub_id"`
}

// SQLRequest runs a one-shot statement.
type SQLRequest struct {
	SQL       string `json:"sql"`
	Params    []any  `json:"params,omitempty"`
	Encrypted bool   `json:"encrypted,omitempty"`
}

// ResData answers SUB and SQL requests.
type ResData struct {
	SubID  string `json:"sub_id,omitempty"`
	Status string `json:"status"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// UpdData is an invalidation push for one subscription.
type UpdData struct {
	SubID  string `json:"sub_id"`
	Status string `json:"status"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// AuthRequest carries opaque credentials for the authenticate hook.
type AuthRequest struct {
	Params map[string]any `json:"params,omitempty"`
	Token  string         `json:"token,omitempty"`
}

// AuthData reports the normalized authentication state.
type AuthData struct {
	Authenticated bool `json:"authenticated"`
}

// PermRequest asks for the session's grants, optionally requesting a
// new grant first.
type PermRequest struct {
	Grant *GrantRequest `json:"grant,omitempty"`
}

// GrantRequest names a verb/table pair to grant.
type GrantRequest struct {
	Verb   string   `json:"verb"`
	Tables []string `json:"tables"`
}

// PermData lists grants as verb → table names.
type PermData struct {
	Granted     bool                `json:"granted,omitempty"`
	Permissions map[string][]string `json:"permissions"`
}

// PropSubRequest subscribes to a prop.
type PropSubRequest struct {
	Key          string     `json:"key"`
	SubID        string     `json:"sub_id,omitempty"`
	RateLimit    *RateLimit `json:"rate_limit,omitempty"`
	InitialValue bool       `json:"initial_value,omitempty"`
}

// PropUnsubRequest drops a prop subscription.
type PropUnsubRequest struct {
	Key string `json:"key"`
}

// PropGetRequest reads a prop value.
type PropGetRequest struct {
	Key string `json:"key"`
}

// PropSetRequest writes a prop through its assigner.
type PropSetRequest struct {
	Key        string `json:"key"`
	Value      any    `json:"value"`
	SendAsDiff *bool  `json:"send_as_diff,omitempty"`
}

// PropRegRequest registers an ad hoc client prop. Such props are
// observationally temporary and reaped when nobody subscribes.
type PropRegRequest struct {
	Key          string `json:"key,omitempty"`
	Value        any    `json:"value"`
	SendAsDiff   *bool  `json:"send_as_diff,omitempty"`
	EmitToSender bool   `json:"emit_to_sender,omitempty"`
}

// PropUpdData pushes a prop change, either the full value or a diff.
type PropUpdData struct {
	Key   string `json:"key"`
	SubID string `json:"sub_id,omitempty"`
	Value any    `json:"value,omitempty"`
	Diff  any    `json:"diff,omitempty"`
}

// PropDropData tells subscribers a prop was unregistered.
type PropDropData struct {
	Key string `json:"key"`
}

// PropValueData is the RES result payload answering PROP_GET,
// PROP_SET and PROP_REG.
type PropValueData struct {
	Key      string `json:"key"`
	Value    any    `json:"value,omitempty"`
	Accepted bool   `json:"accepted,omitempty"`
}

// ReconRequest either asks for a token or redeems one.
type ReconRequest struct {
	Issue bool   `json:"issue,omitempty"`
	Token string `json:"token,omitempty"`
}

// ReconData answers both RECON forms.
type ReconData struct {
	Token         string `json:"token,omitempty"`
	OldSessionID  string `json:"old_session_id,omitempty"`
	NewSessionID  string `json:"new_session_id,omitempty"`
	Authenticated bool   `json:"authenticated,omitempty"`
}

// TimeoutData is the best-effort notice pushed before an idle session
// is force-closed.
type TimeoutData struct {
	IdleFor string `json:"idle_for"`
}
