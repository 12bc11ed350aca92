// Package auth issues and validates the short-lived signed tokens that
// sandboxed workflow code uses to authenticate its completion callback.
// Tokens are stateless: there is no revocation list, so a running invocation
// is bounded only by the token's expiry window.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Fixed token parameters. TTL is deliberately short; the callback must land
// within this window.
const (
	TokenTTL = 300 * time.Second

	audience = "conduit-invocation"
	issuer   = "conduit"
)

// ErrUnauthenticated is the only error Verify returns for a bad token. Which
// check failed (signature, audience, issuer, expiry) is never disclosed to
// the caller.
var ErrUnauthenticated = errors.New("unauthenticated")

// InvocationClaims scope a token to exactly one (workflow, namespace,
// invocation) triple.
type InvocationClaims struct {
	WorkflowID   string `json:"workflow_id"`
	NamespaceID  string `json:"namespace_id"`
	InvocationID string `json:"invocation_id"`
	jwt.RegisteredClaims
}

// TokenIssuer issues and verifies HMAC-signed invocation tokens.
type TokenIssuer struct {
	secret []byte
	now    func() time.Time
}

// NewTokenIssuer creates a token issuer signing with the given secret.
func NewTokenIssuer(secret []byte) *TokenIssuer {
	return &TokenIssuer{secret: secret, now: time.Now}
}

// Issue returns a compact signed token for one invocation of the given
// workflow. InvocationID correlates the callback with its execution record.
func (ti *TokenIssuer) Issue(workflowID, namespaceID, invocationID string) (string, error) {
	now := ti.now().UTC()
	claims := InvocationClaims{
		WorkflowID:   workflowID,
		NamespaceID:  namespaceID,
		InvocationID: invocationID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   fmt.Sprintf("workflow:%s", workflowID),
			Audience:  jwt.ClaimStrings{audience},
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenTTL)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ti.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks signature, audience, issuer, and expiry together and returns
// the workflow id the token was issued for. Any failure collapses to
// ErrUnauthenticated.
func (ti *TokenIssuer) Verify(token string) (string, error) {
	claims := &InvocationClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (any, error) { return ti.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(audience),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return ti.now() }),
	)
	if err != nil || !parsed.Valid || claims.WorkflowID == "" {
		return "", ErrUnauthenticated
	}
	return claims.WorkflowID, nil
}
