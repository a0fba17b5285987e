package service

import (
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/wirepulse/wirepulse/internal/security"
)

var (
	ErrReconDisabled   = errors.New("service: reconnection tokens disabled")
	ErrInvalidToken    = errors.New("service: unknown or already redeemed token")
	ErrInvalidFormat   = errors.New("service: token failed decryption or shape check")
	ErrTokenIPMismatch = errors.New("service: token bound to a different ip")
	ErrTokenExpired    = errors.New("service: token past its ttl")
)

const reconNonceBytes = 12

// Reconnector issues and redeems single-use encrypted reconnection
// tokens. A token is only honored if the server still remembers
// handing it out: the outstanding set is authoritative, and every
// presented token is removed from it before validation so that even a
// token that fails a later check can never be replayed.
type Reconnector struct {
	mu          sync.Mutex
	outstanding map[string]struct{}

	cipher security.TokenCipher
	ttl    time.Duration
	clock  clockwork.Clock
}

func NewReconnector(cipher security.TokenCipher, ttl time.Duration, clock clockwork.Clock) *Reconnector {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Reconnector{
		outstanding: make(map[string]struct{}),
		cipher:      cipher,
		ttl:         ttl,
		clock:       clock,
	}
}

// Issue mints a token bound to the session and its remote IP.
func (r *Reconnector) Issue(sessionID, ip string) (string, error) {
	if r.cipher == nil {
		return "", ErrReconDisabled
	}
	head, err := security.RandomToken(reconNonceBytes)
	if err != nil {
		return "", err
	}
	tail, err := security.RandomToken(reconNonceBytes)
	if err != nil {
		return "", err
	}
	plain := strings.Join([]string{
		head,
		ip,
		sessionID,
		strconv.FormatInt(r.clock.Now().UnixMilli(), 10),
		tail,
	}, "|")
	token, err := r.cipher.Encrypt([]byte(plain))
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	r.outstanding[token] = struct{}{}
	r.mu.Unlock()
	return token, nil
}

// Validate redeems a token, returning the session id it names. The
// token is consumed no matter what: any failure past the outstanding
// check still burns it.
func (r *Reconnector) Validate(token, ip string) (string, error) {
	if r.cipher == nil {
		return "", ErrReconDisabled
	}
	r.mu.Lock()
	_, known := r.outstanding[token]
	delete(r.outstanding, token)
	r.mu.Unlock()
	if !known {
		return "", ErrInvalidToken
	}
	plain, err := r.cipher.Decrypt(token)
	if err != nil {
		return "", ErrInvalidFormat
	}
	parts := strings.Split(string(plain), "|")
	if len(parts) != 5 {
		return "", ErrInvalidFormat
	}
	boundIP, sessionID, stamp := parts[1], parts[2], parts[3]
	issuedMilli, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil || sessionID == "" {
		return "", ErrInvalidFormat
	}
	if boundIP != ip {
		return "", ErrTokenIPMismatch
	}
	issued := time.UnixMilli(issuedMilli)
	if r.ttl > 0 && r.clock.Now().Sub(issued) > r.ttl {
		return "", ErrTokenExpired
	}
	return sessionID, nil
}

// Revoke forgets any outstanding tokens for a session. Tokens embed
// the session id only inside the ciphertext, so this decrypts each
// one; the outstanding set stays small because tokens are single-use.
func (r *Reconnector) Revoke(sessionID string) {
	if r.cipher == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for token := range r.outstanding {
		plain, err := r.cipher.Decrypt(token)
		if err != nil {
			delete(r.outstanding, token)
			continue
		}
		parts := strings.Split(string(plain), "|")
		if len(parts) == 5 && parts[2] == sessionID {
			delete(r.outstanding, token)
		}
	}
}

// Outstanding reports how many unredeemed tokens exist.
func (r *Reconnector) Outstanding() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.outstanding)
}
