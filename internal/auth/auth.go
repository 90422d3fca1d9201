package auth

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/datagen24/dshield-mcp-sub002/internal/models"
	"github.com/datagen24/dshield-mcp-sub002/internal/rpcerr"
)

// ApiKey is the identity entity of spec.md §3. It is created at issuance
// (by the genkey CLI, out of band) and mutated only by usage tracking and
// revocation.
type ApiKey struct {
	ID                string
	Salt              string
	Hash              string
	CreatedAt         time.Time
	ExpiresAt         *time.Time
	Permissions       map[models.Permission]bool
	RequestsPerMinute int
	Burst             int

	mu        sync.Mutex
	calls     int64
	lastUsed  time.Time
	revoked   bool
}

func (k *ApiKey) touch() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.calls++
	k.lastUsed = time.Now()
}

func (k *ApiKey) isRevoked() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.revoked
}

func (k *ApiKey) hasPermission(p models.Permission) bool {
	return k.Permissions[p]
}

func (k *ApiKey) expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// Session is the authenticated binding created by Authenticate and owned by
// the Authenticator, per spec.md §3 ownership rules.
type Session struct {
	ID             string
	KeyID          string
	ConnID         string
	CreatedAt      time.Time
	LastActivity   time.Time
	Permissions    map[models.Permission]bool
	revokedCh      chan struct{}
}

// Revoked returns a channel closed when the session is revoked, so an
// in-flight handler can select on it for cooperative cancellation.
func (s *Session) Revoked() <-chan struct{} {
	return s.revokedCh
}

// Authenticator validates opaque bearer keys and manages sessions.
type Authenticator struct {
	mu       sync.RWMutex
	keys     map[string]*ApiKey // keyed by ApiKey.ID, not secret
	sessions map[string]*Session
	byKey    map[string]map[string]bool // keyID -> set of session IDs, for revoke fan-out
	idleTimeout time.Duration
}

func NewAuthenticator(idleTimeout time.Duration) *Authenticator {
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Minute
	}
	return &Authenticator{
		keys:        make(map[string]*ApiKey),
		sessions:    make(map[string]*Session),
		byKey:       make(map[string]map[string]bool),
		idleTimeout: idleTimeout,
	}
}

// LoadKey registers an ApiKey, as resolved by config + the secrets resolver
// at startup.
func (a *Authenticator) LoadKey(k *ApiKey) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys[k.ID] = k
}

// lookupBySecret finds the ApiKey whose (salt, hash) matches the given
// plaintext secret. Opaque keys carry no embedded id, so this is a linear
// scan over loaded keys -- acceptable given the expected key-table size
// (tens to low hundreds of keys per deployment, not a hot path itself since
// sessions are cached after the first authenticate call).
func (a *Authenticator) lookupBySecret(secret string) *ApiKey {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, k := range a.keys {
		if CompareToken(secret, k.Salt, k.Hash) {
			return k
		}
	}
	return nil
}

// Authenticate validates apiKey and, on success, creates a Session bound to
// connID (spec.md §4.4).
func (a *Authenticator) Authenticate(apiKey, connID string) (*Session, *rpcerr.Error) {
	if len(apiKey) < 32 {
		return nil, rpcerr.NewAuthRequired("malformed api key")
	}

	key := a.lookupBySecret(apiKey)
	if key == nil {
		return nil, rpcerr.NewAuthRequired("invalid api key")
	}
	if key.isRevoked() {
		return nil, rpcerr.NewAuthRequired("api key revoked")
	}
	now := time.Now()
	if key.expired(now) {
		return nil, rpcerr.NewExpiredKey()
	}

	key.touch()

	session := &Session{
		ID:           uuid.NewString(),
		KeyID:        key.ID,
		ConnID:       connID,
		CreatedAt:    now,
		LastActivity: now,
		Permissions:  copyPermissions(key.Permissions),
		revokedCh:    make(chan struct{}),
	}

	a.mu.Lock()
	a.sessions[session.ID] = session
	if a.byKey[key.ID] == nil {
		a.byKey[key.ID] = make(map[string]bool)
	}
	a.byKey[key.ID][session.ID] = true
	a.mu.Unlock()

	return session, nil
}

func copyPermissions(p map[models.Permission]bool) map[models.Permission]bool {
	out := make(map[models.Permission]bool, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// CheckPermission reports whether sessionID currently holds permission p.
func (a *Authenticator) CheckPermission(sessionID string, p models.Permission) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.sessions[sessionID]
	if !ok {
		return false
	}
	return s.Permissions[p]
}

// Session returns the live session for sessionID, if any, and refreshes its
// last-activity stamp.
func (a *Authenticator) Session(sessionID string) (*Session, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[sessionID]
	if ok {
		s.LastActivity = time.Now()
	}
	return s, ok
}

// Revoke destroys all sessions bound to keyID and closes their revokedCh, so
// in-flight requests observe cancellation (spec.md §4.4).
func (a *Authenticator) Revoke(keyID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if key, ok := a.keys[keyID]; ok {
		key.mu.Lock()
		key.revoked = true
		key.mu.Unlock()
	}
	for sessionID := range a.byKey[keyID] {
		if s, ok := a.sessions[sessionID]; ok {
			close(s.revokedCh)
			delete(a.sessions, sessionID)
		}
	}
	delete(a.byKey, keyID)
}

// CloseConnection destroys the session (if any) bound to connID, per
// spec.md §3's Session lifecycle ("destroyed on connection close").
func (a *Authenticator) CloseConnection(connID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for id, s := range a.sessions {
		if s.ConnID == connID {
			close(s.revokedCh)
			delete(a.sessions, id)
			if set, ok := a.byKey[s.KeyID]; ok {
				delete(set, id)
			}
		}
	}
}

// SweepIdle destroys sessions that have been idle longer than the
// configured idle timeout.
func (a *Authenticator) SweepIdle() {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := time.Now().Add(-a.idleTimeout)
	for id, s := range a.sessions {
		if s.LastActivity.Before(cutoff) {
			close(s.revokedCh)
			delete(a.sessions, id)
			if set, ok := a.byKey[s.KeyID]; ok {
				delete(set, id)
			}
		}
	}
}
