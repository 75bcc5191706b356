package gateway

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// nonceBytes yields 128 bits of entropy per session nonce.
const nonceBytes = 16

// Nonce is a per-session execution nonce for the surface's content policy.
type Nonce string

// NewNonce generates a cryptographically random nonce. A nonce is scoped to
// one rendering-surface session and never reused.
func NewNonce() (Nonce, error) {
	buf := make([]byte, nonceBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	return Nonce(base64.RawStdEncoding.EncodeToString(buf)), nil
}

// ContentPolicy renders the execution-policy directive for a surface session.
// Scripts run only when carrying the session nonce; all non-self network
// sources are forbidden.
func ContentPolicy(nonce Nonce) string {
	return fmt.Sprintf(
		"default-src 'none'; script-src 'nonce-%s'; style-src 'self' 'unsafe-inline'; img-src 'self' data:; connect-src 'none'; object-src 'none'; base-uri 'none'",
		nonce,
	)
}
