package auth

import (
	"errors"
	"testing"
	"time"
)

func TestMintVerify(t *testing.T) {
	now := time.Now()
	tok, err := Mint("s3cret", "reproserver", "builder-1", []string{RoleWorker}, time.Hour, now)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	p, err := Verify(tok, "s3cret", "reproserver")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if p.Subject != "builder-1" || !p.HasRole(RoleWorker) || p.HasRole("admin") {
		t.Fatalf("unexpected principal %+v", p)
	}
}

func TestVerifyRejects(t *testing.T) {
	now := time.Now()
	good, _ := Mint("s3cret", "reproserver", "w", []string{RoleWorker}, time.Hour, now)
	expired, _ := Mint("s3cret", "reproserver", "w", []string{RoleWorker}, time.Minute, now.Add(-time.Hour))
	cases := map[string]struct {
		token, secret, issuer string
	}{
		"wrong secret": {good, "other", "reproserver"},
		"wrong issuer": {good, "s3cret", "someone-else"},
		"expired":      {expired, "s3cret", "reproserver"},
		"garbage":      {"not.a.jwt", "s3cret", ""},
	}
	for name, tc := range cases {
		if _, err := Verify(tc.token, tc.secret, tc.issuer); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s: expected invalid token, got %v", name, err)
		}
	}
	if _, err := Verify(good, "", ""); !errors.Is(err, ErrNoSecret) {
		t.Fatalf("expected missing secret error, got %v", err)
	}
	if _, err := Mint("", "", "w", nil, 0, now); !errors.Is(err, ErrNoSecret) {
		t.Fatalf("expected missing secret error on mint, got %v", err)
	}
}

func TestBearerToken(t *testing.T) {
	if tok, ok := BearerToken("Bearer abc"); !ok || tok != "abc" {
		t.Fatalf("unexpected %q %v", tok, ok)
	}
	for _, bad := range []string{"", "abc", "Basic abc", "Bearer a b"} {
		if _, ok := BearerToken(bad); ok {
			t.Fatalf("%q accepted", bad)
		}
	}
}
