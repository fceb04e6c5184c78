// Package identity verifies the access tokens issued by the external
// identity layer. Domus never issues tokens; it only consumes them.
package identity

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// EnvHMACKey is the environment variable holding the shared signing key.
	EnvHMACKey = "DOMUS_TOKEN_HMAC_KEY"

	// MinHMACKeyBytes is the minimum signing key length (HMAC-SHA256 secret).
	// Measured in bytes, not runes, because the key is used as raw bytes.
	MinHMACKeyBytes = 32

	// RoleManager marks tokens allowed to dispatch notifications and run votes.
	RoleManager = "manager"
	// RoleResident is the default role for unit residents.
	RoleResident = "resident"
)

// Claims is the minimal identity envelope propagated through the gateway.
type Claims struct {
	UserID    string
	Role      string
	Unit      int
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// IsManager reports whether the claims authorize administrative operations.
func (c Claims) IsManager() bool { return c.Role == RoleManager }

// Verifier validates HS256 identity tokens against a shared key.
type Verifier struct {
	key       []byte
	issuer    string
	clockSkew time.Duration
}

// HMACKeyFromEnv reads and validates the shared signing key.
func HMACKeyFromEnv(minBytes int) ([]byte, error) {
	raw := strings.TrimSpace(os.Getenv(EnvHMACKey))
	if raw == "" {
		return nil, ErrHMACKeyMissing
	}
	if len(raw) < minBytes {
		return nil, ErrHMACKeyTooShort
	}
	return []byte(raw), nil
}

// NewVerifier constructs a Verifier. The issuer is enforced when non-empty.
func NewVerifier(key []byte, issuer string, clockSkew time.Duration) (*Verifier, error) {
	if len(key) < MinHMACKeyBytes {
		return nil, ErrHMACKeyTooShort
	}
	if clockSkew < 0 {
		clockSkew = 0
	}
	return &Verifier{key: key, issuer: issuer, clockSkew: clockSkew}, nil
}

// Verify parses and validates a token at time "now" and returns its claims.
//
// Any failure maps to ErrInvalidToken or ErrTokenExpired; callers must refuse
// the connection before touching the registry (zero side effects on failure).
func (v *Verifier) Verify(token string, now time.Time) (Claims, error) {
	if v == nil || len(v.key) == 0 {
		return Claims{}, ErrInvalidToken
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, ErrInvalidToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithLeeway(v.clockSkew),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	parsed, err := jwt.ParseWithClaims(token, &tokenClaims{}, func(t *jwt.Token) (any, error) {
		return v.key, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrTokenExpired
		}
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	tc, ok := parsed.Claims.(*tokenClaims)
	if !ok || !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}
	if strings.TrimSpace(tc.Subject) == "" {
		return Claims{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	out := Claims{
		UserID: tc.Subject,
		Role:   tc.Role,
		Unit:   tc.Unit,
	}
	if out.Role == "" {
		out.Role = RoleResident
	}
	if tc.IssuedAt != nil {
		out.IssuedAt = tc.IssuedAt.Time
	}
	if tc.ExpiresAt != nil {
		out.ExpiresAt = tc.ExpiresAt.Time
	}
	return out, nil
}

// tokenClaims is the on-wire JWT claim set.
type tokenClaims struct {
	Role string `json:"role,omitempty"`
	Unit int    `json:"unit,omitempty"`
	jwt.RegisteredClaims
}
