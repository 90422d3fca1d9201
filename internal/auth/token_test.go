package auth

import (
	"errors"
	"strings"
	"testing"
)

func TestNewCredential_RoundTripsThroughCompareToken(t *testing.T) {
	plaintext, salt, hash, err := NewCredential()
	if err != nil {
		t.Fatalf("NewCredential: %v", err)
	}
	if len(plaintext) != 64 {
		t.Fatalf("expected 64 hex chars (32 bytes), got %d", len(plaintext))
	}
	if !CompareToken(plaintext, salt, hash) {
		t.Fatal("expected the generated plaintext to verify against its own hash")
	}
}

func TestCompareToken_RejectsWrongToken(t *testing.T) {
	_, salt, hash, err := NewCredential()
	if err != nil {
		t.Fatalf("NewCredential: %v", err)
	}
	if CompareToken("not-the-right-token", salt, hash) {
		t.Fatal("expected mismatched token to fail comparison")
	}
}

func TestCompareToken_RejectsEmptyInputs(t *testing.T) {
	if CompareToken("", "salt", "hash") {
		t.Fatal("expected empty token to fail")
	}
	if CompareToken("token", "salt", "") {
		t.Fatal("expected empty expected hash to fail")
	}
}

func TestHashToken_DeterministicAndSaltSensitive(t *testing.T) {
	a := HashToken("salt-1", "same-token")
	b := HashToken("salt-1", "same-token")
	if a != b {
		t.Fatal("expected HashToken to be deterministic for the same inputs")
	}
	c := HashToken("salt-2", "same-token")
	if a == c {
		t.Fatal("expected a different salt to produce a different hash")
	}
}

func TestGenerateAPIToken_PropagatesRandError(t *testing.T) {
	prev := randRead
	defer func() { randRead = prev }()
	randRead = func(b []byte) (int, error) { return 0, errors.New("entropy source unavailable") }

	if _, err := GenerateAPIToken(); err == nil {
		t.Fatal("expected GenerateAPIToken to propagate a rand.Read error")
	}
	if _, _, _, err := NewCredential(); err == nil {
		t.Fatal("expected NewCredential to propagate a rand.Read error")
	}
}

func TestGenerateAPIToken_LooksLikeHex(t *testing.T) {
	tok, err := GenerateAPIToken()
	if err != nil {
		t.Fatalf("GenerateAPIToken: %v", err)
	}
	if strings.ToLower(tok) != tok {
		t.Fatal("expected lowercase hex encoding")
	}
	for _, r := range tok {
		if !strings.ContainsRune("0123456789abcdef", r) {
			t.Fatalf("unexpected character %q in token", r)
		}
	}
}
