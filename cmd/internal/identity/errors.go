package identity

import "errors"

var (
	// ErrInvalidToken is returned when an identity token fails verification or validation.
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenExpired is returned when the token is structurally valid but expired.
	ErrTokenExpired = errors.New("token expired")

	// ErrHMACKeyMissing is returned when the signing key env var is unset.
	ErrHMACKeyMissing = errors.New("token HMAC key missing")

	// ErrHMACKeyTooShort is returned when the signing key is below the minimum length.
	ErrHMACKeyTooShort = errors.New("token HMAC key too short")
)
