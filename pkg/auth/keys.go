// Package auth generates and verifies the relay API key.
//
// The relay accepts one static key (rly_ prefix) as an alternative to a
// GitHub OAuth token, for clients that cannot run the OAuth flow. The key is
// generated with crypto/rand and hashed with Argon2id; only the hash is
// configured on the server (RELAY_API_KEY_HASH).
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
)

// PrefixRelay marks relay API keys.
const PrefixRelay = "rly_"

// GeneratedKey holds a newly generated key and its Argon2id hash.
// The plaintext Key is shown once. Only the Hash is stored.
type GeneratedKey struct {
	Key  string
	Hash string
}

// GenerateRelayKey creates a new relay API key.
func GenerateRelayKey() (*GeneratedKey, error) {
	// 32 random bytes → 43 base64url characters
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generating random bytes: %w", err)
	}

	key := PrefixRelay + base64.RawURLEncoding.EncodeToString(secret)

	hash, err := HashKey(key)
	if err != nil {
		return nil, fmt.Errorf("hashing key: %w", err)
	}
	return &GeneratedKey{Key: key, Hash: hash}, nil
}

// LooksLikeRelayKey reports whether token has the relay key shape. Bearer
// tokens without the prefix are OAuth tokens and skip Argon2 entirely.
func LooksLikeRelayKey(token string) bool {
	return strings.HasPrefix(token, PrefixRelay) && len(token) > len(PrefixRelay)
}
