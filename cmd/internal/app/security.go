package app

import (
	"errors"
	"fmt"

	"domus/cmd/internal/identity"
)

// ValidateSecurityConfig enforces the startup security policy.
//
// The gateway refuses every session without a verified token, so a missing
// or weak signing key must stop the process before it binds a socket.
func ValidateSecurityConfig(_ Config) error {
	if _, err := identity.HMACKeyFromEnv(identity.MinHMACKeyBytes); err != nil {
		switch {
		case errors.Is(err, identity.ErrHMACKeyMissing):
			return fmt.Errorf("security policy: %s is not set", identity.EnvHMACKey)
		case errors.Is(err, identity.ErrHMACKeyTooShort):
			return fmt.Errorf("security policy: %s is too short (min %d bytes)", identity.EnvHMACKey, identity.MinHMACKeyBytes)
		default:
			return err
		}
	}
	return nil
}
