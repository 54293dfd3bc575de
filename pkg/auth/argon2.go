package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/argon2"
)

// Cost of a fresh relay key hash: 64 MiB, 3 passes, 4 lanes.
const (
	hashMemoryKiB = 64 * 1024
	hashPasses    = 3
	hashLanes     = 4
	hashBytes     = 32
	saltBytes     = 16
)

var errBadHash = errors.New("malformed relay key hash")

// phc is a decoded "$argon2id$v=19$m=..,t=..,p=..$salt$sum" string.
type phc struct {
	memory uint32
	passes uint32
	lanes  uint8
	salt   []byte
	sum    []byte
}

func (h phc) String() string {
	enc := base64.RawStdEncoding
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.memory, h.passes, h.lanes,
		enc.EncodeToString(h.salt), enc.EncodeToString(h.sum))
}

func (h phc) derive(key string) []byte {
	return argon2.IDKey([]byte(key), h.salt, h.passes, h.memory, h.lanes, uint32(len(h.sum)))
}

// HashKey returns the value to put in RELAY_API_KEY_HASH for key. Each call
// uses a new random salt, so hashing the same key twice gives different
// strings that both verify.
func HashKey(key string) (string, error) {
	h := phc{memory: hashMemoryKiB, passes: hashPasses, lanes: hashLanes, salt: make([]byte, saltBytes)}
	if _, err := rand.Read(h.salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	h.sum = argon2.IDKey([]byte(key), h.salt, h.passes, h.memory, h.lanes, hashBytes)
	return h.String(), nil
}

// VerifyKey reports whether key is the relay key hashed into encoded. The
// cost parameters are taken from encoded, not from the current defaults.
// A malformed hash is an error; a wrong key is just false.
func VerifyKey(key, encoded string) (bool, error) {
	h, err := decodePHC(encoded)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(h.derive(key), h.sum) == 1, nil
}

func decodePHC(s string) (phc, error) {
	// "", "argon2id", "v=19", "m=..,t=..,p=..", salt, sum
	fields := strings.Split(s, "$")
	if len(fields) != 6 || fields[0] != "" {
		return phc{}, fmt.Errorf("%w: want 6 $-separated fields, got %d", errBadHash, len(fields))
	}
	if fields[1] != "argon2id" {
		return phc{}, fmt.Errorf("%w: algorithm %q, only argon2id is accepted", errBadHash, fields[1])
	}
	if fields[2] != fmt.Sprintf("v=%d", argon2.Version) {
		return phc{}, fmt.Errorf("%w: unsupported version %q", errBadHash, fields[2])
	}

	var h phc
	if n, err := fmt.Sscanf(fields[3], "m=%d,t=%d,p=%d", &h.memory, &h.passes, &h.lanes); err != nil || n != 3 {
		return phc{}, fmt.Errorf("%w: cost parameters %q", errBadHash, fields[3])
	}
	if h.memory == 0 || h.passes == 0 || h.lanes == 0 {
		return phc{}, fmt.Errorf("%w: zero cost parameter in %q", errBadHash, fields[3])
	}

	var err error
	if h.salt, err = base64.RawStdEncoding.DecodeString(fields[4]); err != nil {
		return phc{}, fmt.Errorf("%w: salt: %v", errBadHash, err)
	}
	if h.sum, err = base64.RawStdEncoding.DecodeString(fields[5]); err != nil || len(h.sum) == 0 {
		return phc{}, fmt.Errorf("%w: digest", errBadHash)
	}
	return h, nil
}

// Verifier checks bearer tokens against the configured relay key hash and
// remembers results for a TTL, so only the first request with a given key
// pays for Argon2id (~100ms).
type Verifier struct {
	hash string

	cache   map[string]cacheEntry
	cacheMu sync.RWMutex
	ttl     time.Duration
	now     func() time.Time
}

type cacheEntry struct {
	valid     bool
	expiresAt time.Time
}

// maxCacheEntries bounds the cache. Invalid keys are cached too, so a client
// spraying random keys must not grow it without limit.
const maxCacheEntries = 1024

// NewVerifier creates a Verifier for hash. An empty hash means no relay key
// is configured and every key is rejected.
func NewVerifier(hash string, cacheTTL time.Duration) *Verifier {
	return &Verifier{
		hash:  hash,
		cache: make(map[string]cacheEntry),
		ttl:   cacheTTL,
		now:   time.Now,
	}
}

// Configured reports whether a relay key hash is set.
func (v *Verifier) Configured() bool { return v.hash != "" }

// Verify checks key against the relay key hash. Both positive and negative
// results are cached.
func (v *Verifier) Verify(key string) (bool, error) {
	if v.hash == "" {
		return false, fmt.Errorf("relay API key not configured")
	}

	v.cacheMu.RLock()
	entry, ok := v.cache[key]
	v.cacheMu.RUnlock()

	if ok && v.now().Before(entry.expiresAt) {
		return entry.valid, nil
	}

	valid, err := VerifyKey(key, v.hash)
	if err != nil {
		return false, err
	}

	v.cacheMu.Lock()
	if len(v.cache) >= maxCacheEntries {
		v.pruneLocked()
	}
	v.cache[key] = cacheEntry{
		valid:     valid,
		expiresAt: v.now().Add(v.ttl),
	}
	v.cacheMu.Unlock()

	return valid, nil
}

// pruneLocked drops expired entries, or everything if none had expired.
func (v *Verifier) pruneLocked() {
	now := v.now()
	for k, e := range v.cache {
		if !now.Before(e.expiresAt) {
			delete(v.cache, k)
		}
	}
	if len(v.cache) >= maxCacheEntries {
		v.cache = make(map[string]cacheEntry)
	}
}
