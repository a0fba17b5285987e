package security

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the access-token shape the default authenticate hook
// verifies. Permissions use "VERB:table" entries.
type Claims struct {
	Permissions []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuthenticator verifies bearer tokens presented in AUTH messages.
// The parsed claims become the session's opaque credential and seed
// its permission grants.
type JWTAuthenticator struct {
	issuer   string
	audience string
	secret   []byte
}

func NewJWTAuthenticator(issuer, audience, secret string) *JWTAuthenticator {
	return &JWTAuthenticator{issuer: issuer, audience: audience, secret: []byte(secret)}
}

// Sign mints a token, used by tests and the loadgen tool.
func (a *JWTAuthenticator) Sign(subject string, permissions []string, ttl time.Duration) (string, error) {
	claims := Claims{
		Permissions: permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			Subject:   subject,
			Audience:  []string{a.audience},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Verify parses and validates a token.
func (a *JWTAuthenticator) Verify(raw string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithIssuer(a.issuer), jwt.WithAudience(a.audience))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// Grants splits "VERB:table" permission entries into verb → tables.
func (c *Claims) Grants() map[string][]string {
	out := make(map[string][]string)
	for _, p := range c.Permissions {
		verb, table, ok := strings.Cut(p, ":")
		if !ok || verb == "" || table == "" {
			continue
		}
		verb = strings.ToUpper(verb)
		out[verb] = append(out[verb], table)
	}
	return out
}
