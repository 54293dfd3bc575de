// Package tokenstore keeps OAuth access tokens and pending authorize states
// in Redis.
//
// Key layout (prefix is usually "relay:"):
//
//	{prefix}oauth:tokens          hash   login → Token JSON
//	{prefix}oauth:access:{token}  string login (lookup index)
//	{prefix}oauth:state:{state}   string scope, expires after the state TTL
//
// Tokens persist until overwritten; states are single-use and expire.
package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultLogin is used when the identity provider returns no login.
const DefaultLogin = "default"

// Token is a stored access token and the user it belongs to.
type Token struct {
	AccessToken string          `json:"access_token"`
	TokenType   string          `json:"token_type,omitempty"`
	Scope       string          `json:"scope,omitempty"`
	User        json.RawMessage `json:"user,omitempty"`
	Login       string          `json:"login"`
	SavedAt     time.Time       `json:"saved_at"`
}

// Store is a Redis-backed token and state store.
type Store struct {
	client   *redis.Client
	prefix   string
	stateTTL time.Duration
}

// New creates a store. stateTTL bounds how long an authorize state stays
// redeemable.
func New(client *redis.Client, prefix string, stateTTL time.Duration) *Store {
	return &Store{
		client:   client,
		prefix:   prefix,
		stateTTL: stateTTL,
	}
}

func (s *Store) tokensKey() string { return s.prefix + "oauth:tokens" }
func (s *Store) accessKey(tok string) string { return s.prefix + "oauth:access:" + tok }
func (s *Store) stateKey(st string) string { return s.prefix + "oauth:state:" + st }

// Save stores t under its login, replacing any previous token for that
// login. The previous token stops authenticating.
func (s *Store) Save(ctx context.Context, t Token) error {
	if t.AccessToken == "" {
		return errors.New("saving token: empty access token")
	}
	if t.Login == "" {
		t.Login = DefaultLogin
	}
	if t.SavedAt.IsZero() {
		t.SavedAt = time.Now().UTC()
	}

	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encoding token for %s: %w", t.Login, err)
	}

	prev, err := s.get(ctx, t.Login)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	if prev != nil && prev.AccessToken != t.AccessToken {
		pipe.Del(ctx, s.accessKey(prev.AccessToken))
	}
	pipe.HSet(ctx, s.tokensKey(), t.Login, data)
	pipe.Set(ctx, s.accessKey(t.AccessToken), t.Login, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("saving token for %s: %w", t.Login, err)
	}
	return nil
}

func (s *Store) get(ctx context.Context, login string) (*Token, error) {
	data, err := s.client.HGet(ctx, s.tokensKey(), login).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading token for %s: %w", login, err)
	}
	var t Token
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decoding token for %s: %w", login, err)
	}
	return &t, nil
}

// Lookup returns the token record whose access token equals accessToken.
// Returns nil (no error) when none matches.
func (s *Store) Lookup(ctx context.Context, accessToken string) (*Token, error) {
	if accessToken == "" {
		return nil, nil
	}
	login, err := s.client.Get(ctx, s.accessKey(accessToken)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up access token: %w", err)
	}

	t, err := s.get(ctx, login)
	if err != nil || t == nil || t.AccessToken != accessToken {
		return nil, err
	}
	return t, nil
}

// Any returns one stored token, or nil when the store is empty. The /token
// endpoint hands this to clients that completed the GitHub flow.
func (s *Store) Any(ctx context.Context) (*Token, error) {
	all, err := s.client.HGetAll(ctx, s.tokensKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("listing tokens: %w", err)
	}

	var newest *Token
	for login, data := range all {
		var t Token
		if err := json.Unmarshal([]byte(data), &t); err != nil {
			return nil, fmt.Errorf("decoding token for %s: %w", login, err)
		}
		if t.AccessToken == "" {
			continue
		}
		if newest == nil || t.SavedAt.After(newest.SavedAt) {
			newest = &t
		}
	}
	return newest, nil
}

// Count returns the number of stored tokens.
func (s *Store) Count(ctx context.Context) (int64, error) {
	n, err := s.client.HLen(ctx, s.tokensKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("counting tokens: %w", err)
	}
	return n, nil
}

// PutState records an authorize state with its requested scope.
func (s *Store) PutState(ctx context.Context, state, scope string) error {
	if err := s.client.Set(ctx, s.stateKey(state), scope, s.stateTTL).Err(); err != nil {
		return fmt.Errorf("storing oauth state: %w", err)
	}
	return nil
}

// TakeState redeems a state. ok is false when the state is unknown or has
// expired. A state can be taken once.
func (s *Store) TakeState(ctx context.Context, state string) (scope string, ok bool, err error) {
	scope, err = s.client.GetDel(ctx, s.stateKey(state)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redeeming oauth state: %w", err)
	}
	return scope, true, nil
}
