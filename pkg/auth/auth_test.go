package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestGenerateRelayKey(t *testing.T) {
	gen, err := GenerateRelayKey()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.HasPrefix(gen.Key, PrefixRelay) {
		t.Errorf("relay key should start with %q, got %q", PrefixRelay, gen.Key[:10])
	}
	if !strings.HasPrefix(gen.Hash, "$argon2id$") {
		t.Errorf("hash should be PHC format, got %q", gen.Hash[:20])
	}

	valid, err := VerifyKey(gen.Key, gen.Hash)
	if err != nil {
		t.Fatalf("verifying: %v", err)
	}
	if !valid {
		t.Error("generated key should verify against its own hash")
	}
}

func TestGenerateKeyUniqueness(t *testing.T) {
	key1, err := GenerateRelayKey()
	if err != nil {
		t.Fatalf("generating key 1: %v", err)
	}
	key2, err := GenerateRelayKey()
	if err != nil {
		t.Fatalf("generating key 2: %v", err)
	}

	if key1.Key == key2.Key {
		t.Error("two generated keys should not be identical")
	}
	if key1.Hash == key2.Hash {
		t.Error("two generated hashes should not be identical (different salts)")
	}
}

func TestLooksLikeRelayKey(t *testing.T) {
	tests := []struct {
		token string
		want  bool
	}{
		{"rly_abc123", true},
		{"rly_", false},
		{"gho_abc123", false},
		{"abc123", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.token, func(t *testing.T) {
			if got := LooksLikeRelayKey(tt.token); got != tt.want {
				t.Errorf("LooksLikeRelayKey(%q) = %v, want %v", tt.token, got, tt.want)
			}
		})
	}
}

// --- Argon2 hash/verify tests ---

func TestHashAndVerify(t *testing.T) {
	key := "rly_test_key_for_hashing"

	hash, err := HashKey(key)
	if err != nil {
		t.Fatalf("hashing: %v", err)
	}

	valid, err := VerifyKey(key, hash)
	if err != nil {
		t.Fatalf("verifying: %v", err)
	}
	if !valid {
		t.Error("correct key should verify as valid")
	}

	valid, err = VerifyKey("wrong_key", hash)
	if err != nil {
		t.Fatalf("verifying wrong key: %v", err)
	}
	if valid {
		t.Error("wrong key should verify as invalid")
	}
}

func TestHashProducesPHCFormat(t *testing.T) {
	hash, err := HashKey("test_key")
	if err != nil {
		t.Fatalf("hashing: %v", err)
	}

	if !strings.HasPrefix(hash, "$argon2id$v=19$m=65536,t=3,p=4$") {
		t.Errorf("hash should match PHC format with expected params, got: %s", hash)
	}
	if parts := strings.Split(hash, "$"); len(parts) != 6 {
		t.Errorf("PHC string should have 6 $-separated parts, got %d", len(parts))
	}
}

func TestVerifyMalformedHash(t *testing.T) {
	tests := []struct {
		name string
		hash string
	}{
		{"empty string", ""},
		{"not PHC format", "just_a_string"},
		{"wrong algorithm", "$argon2i$v=19$m=65536,t=3,p=4$c2FsdA$aGFzaA"},
		{"missing parts", "$argon2id$v=19$m=65536,t=3,p=4$c2FsdA"},
		{"invalid base64 salt", "$argon2id$v=19$m=65536,t=3,p=4$!!!invalid!!!$aGFzaA"},
		{"old version", "$argon2id$v=16$m=65536,t=3,p=4$c2FsdA$aGFzaA"},
		{"zero passes", "$argon2id$v=19$m=65536,t=0,p=4$c2FsdA$aGFzaA"},
		{"empty digest", "$argon2id$v=19$m=65536,t=3,p=4$c2FsdA$"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := VerifyKey("any_key", tt.hash)
			if !errors.Is(err, errBadHash) {
				t.Fatalf("err = %v, want errBadHash", err)
			}
		})
	}
}

// --- Verifier (cached) tests ---

func TestVerifier(t *testing.T) {
	gen, err := GenerateRelayKey()
	if err != nil {
		t.Fatalf("generating: %v", err)
	}
	v := NewVerifier(gen.Hash, 5*time.Minute)

	if !v.Configured() {
		t.Error("verifier with a hash should be configured")
	}

	valid, err := v.Verify(gen.Key)
	if err != nil {
		t.Fatalf("verifying: %v", err)
	}
	if !valid {
		t.Error("relay key should be valid")
	}

	valid, err = v.Verify("rly_wrong_key")
	if err != nil {
		t.Fatalf("verifying wrong key: %v", err)
	}
	if valid {
		t.Error("wrong key should be invalid")
	}
}

func TestVerifier_NotConfigured(t *testing.T) {
	v := NewVerifier("", 5*time.Minute)
	if v.Configured() {
		t.Error("verifier without a hash should not be configured")
	}
	if _, err := v.Verify("rly_anything"); err == nil {
		t.Error("should error when no hash is configured")
	}
}

func TestVerifier_CacheHit(t *testing.T) {
	gen, err := GenerateRelayKey()
	if err != nil {
		t.Fatalf("generating: %v", err)
	}
	v := NewVerifier(gen.Hash, 5*time.Minute)

	start := time.Now()
	valid1, err := v.Verify(gen.Key)
	if err != nil {
		t.Fatalf("first verify: %v", err)
	}
	firstDuration := time.Since(start)

	start = time.Now()
	valid2, err := v.Verify(gen.Key)
	if err != nil {
		t.Fatalf("second verify: %v", err)
	}
	secondDuration := time.Since(start)

	if !valid1 || !valid2 {
		t.Error("both verifications should succeed")
	}
	if secondDuration > firstDuration/5 {
		t.Errorf("cache hit should be much faster: first=%v, second=%v", firstDuration, secondDuration)
	}
}

func TestVerifier_CacheExpiry(t *testing.T) {
	gen, err := GenerateRelayKey()
	if err != nil {
		t.Fatalf("generating: %v", err)
	}
	v := NewVerifier(gen.Hash, time.Minute)

	now := time.Now()
	v.now = func() time.Time { return now }

	if valid, _ := v.Verify(gen.Key); !valid {
		t.Fatal("first verify should succeed")
	}

	v.now = func() time.Time { return now.Add(2 * time.Minute) }
	valid, err := v.Verify(gen.Key)
	if err != nil {
		t.Fatalf("verify after expiry: %v", err)
	}
	if !valid {
		t.Error("should still verify after cache expires")
	}
	if got := v.cache[gen.Key].expiresAt; !got.After(now.Add(2 * time.Minute)) {
		t.Errorf("cache entry should be refreshed, expires at %v", got)
	}
}

func TestVerifier_CacheIsBounded(t *testing.T) {
	v := NewVerifier("$argon2id$v=19$m=8,t=1,p=1$c2FsdHNhbHQ$aGFzaGhhc2hoYXNoaGFzaA", time.Hour)
	for i := 0; i < maxCacheEntries+10; i++ {
		v.Verify("rly_" + strings.Repeat("x", i%50) + string(rune('a'+i%26)) + time.Duration(i).String())
	}
	if len(v.cache) > maxCacheEntries {
		t.Errorf("cache grew to %d entries, limit %d", len(v.cache), maxCacheEntries)
	}
}
