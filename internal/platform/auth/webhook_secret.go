package auth

import "golang.org/x/crypto/bcrypt"

// WebhookSecret verifies the shared secret the gateway sends with each
// callback against a bcrypt hash from configuration, so the plaintext never
// lives in the environment. Generate hashes with cmd/credhash.
type WebhookSecret struct {
	hash []byte
}

// NewWebhookSecret returns nil when no hash is configured, which disables
// the check (development mode).
func NewWebhookSecret(bcryptHash string) *WebhookSecret {
	if bcryptHash == "" {
		return nil
	}
	return &WebhookSecret{hash: []byte(bcryptHash)}
}

func (s *WebhookSecret) Verify(candidate string) bool {
	if s == nil {
		return true
	}
	if candidate == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(s.hash, []byte(candidate)) == nil
}
