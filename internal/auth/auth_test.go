package auth

import (
	"testing"
	"time"

	"github.com/datagen24/dshield-mcp-sub002/internal/models"
	"github.com/datagen24/dshield-mcp-sub002/internal/rpcerr"
)

func newTestKey(t *testing.T, id string, perms ...models.Permission) (*ApiKey, string) {
	t.Helper()
	plaintext, salt, hash, err := NewCredential()
	if err != nil {
		t.Fatalf("NewCredential: %v", err)
	}
	permSet := make(map[models.Permission]bool)
	for _, p := range perms {
		permSet[p] = true
	}
	return &ApiKey{
		ID:                id,
		Salt:              salt,
		Hash:              hash,
		CreatedAt:         time.Now(),
		Permissions:       permSet,
		RequestsPerMinute: 60,
		Burst:             10,
	}, plaintext
}

func TestAuthenticate_ValidKeyCreatesSession(t *testing.T) {
	a := NewAuthenticator(0)
	key, plaintext := newTestKey(t, "key1", models.PermissionReadTools)
	a.LoadKey(key)

	session, rerr := a.Authenticate(plaintext, "conn1")
	if rerr != nil {
		t.Fatalf("unexpected error: %v", rerr)
	}
	if session.KeyID != "key1" {
		t.Errorf("expected session bound to key1, got %s", session.KeyID)
	}
	if !a.CheckPermission(session.ID, models.PermissionReadTools) {
		t.Error("expected session to inherit read_tools permission")
	}
	if a.CheckPermission(session.ID, models.PermissionAdmin) {
		t.Error("expected session to not have admin permission")
	}
}

func TestAuthenticate_RejectsUnknownKey(t *testing.T) {
	a := NewAuthenticator(0)
	_, rerr := a.Authenticate("0000000000000000000000000000000000000000000000000000000000000000", "conn1")
	if rerr == nil {
		t.Fatal("expected error for unknown key")
	}
	if rerr.Code != rpcerr.AuthOrNotFound {
		t.Errorf("expected AuthOrNotFound code, got %d", rerr.Code)
	}
	if rerr.Data["kind"] != "auth_required" {
		t.Errorf("expected kind=auth_required, got %v", rerr.Data["kind"])
	}
}

func TestAuthenticate_RejectsMalformedKey(t *testing.T) {
	a := NewAuthenticator(0)
	_, rerr := a.Authenticate("short", "conn1")
	if rerr == nil {
		t.Fatal("expected error for malformed key")
	}
}

func TestAuthenticate_RejectsExpiredKey(t *testing.T) {
	a := NewAuthenticator(0)
	key, plaintext := newTestKey(t, "key-exp", models.PermissionReadTools)
	past := time.Now().Add(-time.Hour)
	key.ExpiresAt = &past
	a.LoadKey(key)

	_, rerr := a.Authenticate(plaintext, "conn1")
	if rerr == nil {
		t.Fatal("expected error for expired key")
	}
}

func TestRevoke_ClosesExistingSessionsAndBlocksFutureAuth(t *testing.T) {
	a := NewAuthenticator(0)
	key, plaintext := newTestKey(t, "key2", models.PermissionReadTools)
	a.LoadKey(key)

	session, rerr := a.Authenticate(plaintext, "conn2")
	if rerr != nil {
		t.Fatalf("unexpected error: %v", rerr)
	}

	a.Revoke("key2")

	select {
	case <-session.Revoked():
	default:
		t.Error("expected session revocation channel to be closed")
	}

	if _, ok := a.Session(session.ID); ok {
		t.Error("expected session to be removed after revoke")
	}

	if _, rerr := a.Authenticate(plaintext, "conn3"); rerr == nil {
		t.Error("expected authenticate to fail for a revoked key")
	}
}

func TestCloseConnection_DestroysBoundSession(t *testing.T) {
	a := NewAuthenticator(0)
	key, plaintext := newTestKey(t, "key3", models.PermissionReadTools)
	a.LoadKey(key)

	session, _ := a.Authenticate(plaintext, "conn4")
	a.CloseConnection("conn4")

	if _, ok := a.Session(session.ID); ok {
		t.Error("expected session destroyed on connection close")
	}
}

func TestSweepIdle_EvictsStaleSessions(t *testing.T) {
	a := NewAuthenticator(10 * time.Millisecond)
	key, plaintext := newTestKey(t, "key4", models.PermissionReadTools)
	a.LoadKey(key)

	session, _ := a.Authenticate(plaintext, "conn5")
	time.Sleep(20 * time.Millisecond)
	a.SweepIdle()

	if _, ok := a.Session(session.ID); ok {
		t.Error("expected idle session to be swept")
	}
}
