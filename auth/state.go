package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kellnr/kellnr/db"
	"github.com/kellnr/kellnr/kellnrerr"
)

// stateTTL bounds how long an authorization-code exchange may stay in
// flight before its state is swept.
const stateTTL = 10 * time.Minute

// StateStore holds the single-use {state -> pkce_verifier, nonce}
// entries of in-flight OAuth2 logins. The database rows are the source
// of truth; when a Redis client is attached the entries are also kept
// there under a TTL, so a multi-instance deployment can complete a
// callback on a different instance than the one that started the login
// without waiting on the slower DB path.
type StateStore struct {
	provider db.DbProvider
	cache    *redis.Client
	prefix   string
}

type stateEntry struct {
	PkceVerifier string `json:"pkce_verifier"`
	Nonce        string `json:"nonce"`
}

// NewStateStore builds a DB-backed store. cache may be nil.
func NewStateStore(provider db.DbProvider, cache *redis.Client) *StateStore {
	return &StateStore{provider: provider, cache: cache, prefix: "oauth2state:"}
}

// Put records a new in-flight exchange.
func (s *StateStore) Put(ctx context.Context, state, pkceVerifier, nonce string) error {
	if err := s.provider.AddOAuth2State(ctx, state, pkceVerifier, nonce); err != nil {
		return err
	}
	if s.cache != nil {
		body, err := json.Marshal(stateEntry{PkceVerifier: pkceVerifier, Nonce: nonce})
		if err != nil {
			return fmt.Errorf("marshal oauth2 state: %w", err)
		}
		// Cache failure is not fatal; the DB row still completes the flow.
		s.cache.Set(ctx, s.prefix+state, body, stateTTL)
	}
	return nil
}

// Take atomically consumes a state entry: the first caller gets the
// verifier and nonce, every later caller fails. The cached copy is
// consumed with GETDEL; the DB row is always deleted too, so the two
// stores cannot hand out the same state twice.
func (s *StateStore) Take(ctx context.Context, state string) (pkceVerifier, nonce string, err error) {
	if s.cache != nil {
		if body, cacheErr := s.cache.GetDel(ctx, s.prefix+state).Bytes(); cacheErr == nil {
			var entry stateEntry
			if jsonErr := json.Unmarshal(body, &entry); jsonErr == nil {
				// Consume the durable row as well; a failure here means
				// another instance already took it, and the GETDEL above
				// was the loser of that race.
				if _, dbErr := s.provider.TakeOAuth2State(ctx, state); dbErr != nil {
					return "", "", kellnrerr.Authorization("unknown or already used oauth2 state", dbErr)
				}
				return entry.PkceVerifier, entry.Nonce, nil
			}
		}
	}
	row, dbErr := s.provider.TakeOAuth2State(ctx, state)
	if dbErr != nil {
		return "", "", kellnrerr.Authorization("unknown or already used oauth2 state", dbErr)
	}
	return row.PkceVerifier, row.Nonce, nil
}

// Sweep removes expired entries; the Redis copies expire on their own
// TTL. Meant to be called periodically from the server's housekeeping
// loop alongside the session sweep.
func (s *StateStore) Sweep(ctx context.Context) (int64, error) {
	return s.provider.SweepOAuth2States(ctx)
}
