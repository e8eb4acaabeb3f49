package auth

import (
	"net/http/httptest"
	"testing"
	"time"
)

func TestPasswordHash(t *testing.T) {
	hash, err := HashPassword("pw")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if hash == "pw" || !CheckPassword(hash, "pw") {
		t.Fatalf("hash does not verify")
	}
	if CheckPassword(hash, "PW") {
		t.Fatalf("wrong password accepted")
	}
}

func TestSessionRoundTrip(t *testing.T) {
	s := NewSessions("secret", time.Hour)
	token, err := s.Issue("alice")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	user, err := s.Parse(token)
	if err != nil || user != "alice" {
		t.Fatalf("expected alice, got %q %v", user, err)
	}
	if _, err := NewSessions("other", time.Hour).Parse(token); err == nil {
		t.Fatalf("token signed with another secret must be rejected")
	}
}

func TestSessionExpiry(t *testing.T) {
	s := NewSessions("secret", time.Minute)
	base := time.Now()
	s.now = func() time.Time { return base }
	token, err := s.Issue("alice")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	s.now = func() time.Time { return base.Add(2 * time.Minute) }
	if _, err := s.Parse(token); err != ErrInvalidToken {
		t.Fatalf("expected expired token to be rejected, got %v", err)
	}
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/relays", nil)
	if TokenFromRequest(r) != "" {
		t.Fatalf("expected no token")
	}
	s := NewSessions("secret", time.Hour)
	r.AddCookie(s.Cookie("from-cookie"))
	if got := TokenFromRequest(r); got != "from-cookie" {
		t.Fatalf("expected cookie token, got %q", got)
	}
	r.Header.Set("Authorization", "Bearer from-header")
	if got := TokenFromRequest(r); got != "from-header" {
		t.Fatalf("expected header token to win, got %q", got)
	}
}
