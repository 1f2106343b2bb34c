package storage

import (
	"errors"
	"testing"
	"time"

	"proofwork/core"
	"proofwork/models"
)

func TestCreateOrgValidatesFeeBps(t *testing.T) {
	s := setupStore(t)
	err := s.CreateOrg(&models.Org{Name: "Over the line", PlatformFeeBps: 10_001})
	if !errors.Is(err, ErrInvariant) {
		t.Fatalf("expected invariant, got %v", err)
	}
	err = s.CreateOrg(&models.Org{Name: "Negative", PlatformFeeBps: -1})
	if !errors.Is(err, ErrInvariant) {
		t.Fatalf("expected invariant, got %v", err)
	}
}

func TestCreateOrgProvisionsBillingAccount(t *testing.T) {
	s := setupStore(t)
	org := &models.Org{Name: "Acme Research", PlatformFeeBps: 250}
	if err := s.CreateOrg(org); err != nil {
		t.Fatalf("create org: %v", err)
	}
	account := billingAccount(t, s, org.ID)
	if account.BalanceCents != 0 || account.ReservedCents != 0 {
		t.Fatalf("fresh account = %+v", account)
	}

	org.PlatformFeeBps = 12_000
	if err := s.UpdateOrg(org); !errors.Is(err, ErrInvariant) {
		t.Fatalf("expected invariant on update, got %v", err)
	}
	org.PlatformFeeBps = 500
	org.PlatformFeeWallet = "0x8ba1f109551bD432803012645Ac136ddd64DBA72"
	if err := s.UpdateOrg(org); err != nil {
		t.Fatalf("update org: %v", err)
	}
	reloaded, err := s.GetOrg(org.ID)
	if err != nil {
		t.Fatalf("get org: %v", err)
	}
	if reloaded.PlatformFeeBps != 500 || reloaded.PlatformFeeWallet == "" {
		t.Fatalf("reloaded = %+v", reloaded)
	}
}

func TestOrgUserEmailNormalized(t *testing.T) {
	s := setupStore(t)
	org := seedOrg(t, s, 0)

	user := &models.OrgUser{
		OrgID:        org.ID,
		Email:        "  Ops@Example.COM ",
		PasswordHash: "hash",
		PasswordSalt: "salt",
	}
	if err := s.CreateOrgUser(user); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if user.Email != "ops@example.com" {
		t.Fatalf("stored email = %q", user.Email)
	}
	found, err := s.GetOrgUserByEmail("OPS@example.com")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if found.ID != user.ID {
		t.Fatalf("lookup found %s", found.ID)
	}

	dup := &models.OrgUser{OrgID: org.ID, Email: "ops@example.com", PasswordHash: "h", PasswordSalt: "s"}
	if err := s.CreateOrgUser(dup); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := s.CreateOrgUser(&models.OrgUser{OrgID: org.ID, Email: "   "}); !errors.Is(err, ErrInvariant) {
		t.Fatalf("expected invariant for blank email, got %v", err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	now := time.Now().UTC()
	s := setupStoreClock(t, func() time.Time { return now })
	org := seedOrg(t, s, 0)

	session := &models.Session{
		OrgID:     org.ID,
		UserID:    "user_1",
		CSRFToken: core.NewNonce(),
		ExpiresAt: now.Add(12 * time.Hour),
	}
	if err := s.CreateSession(session); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := s.GetSession(session.ID); err != nil {
		t.Fatalf("get session: %v", err)
	}

	now = now.Add(13 * time.Hour)
	if _, err := s.GetSession(session.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected expired session to vanish, got %v", err)
	}

	now = now.Add(-13 * time.Hour)
	if err := s.RevokeSession(session.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := s.GetSession(session.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected revoked session to vanish, got %v", err)
	}
	if err := s.RevokeSession(session.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found on double revoke, got %v", err)
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	s := setupStore(t)
	org := seedOrg(t, s, 0)

	key := &models.APIKey{OrgID: org.ID, Kind: "org", TokenHash: core.NewNonce(), Label: "ci"}
	if err := s.CreateAPIKey(key); err != nil {
		t.Fatalf("create key: %v", err)
	}
	found, err := s.GetAPIKeyByHash(key.TokenHash)
	if err != nil {
		t.Fatalf("by hash: %v", err)
	}
	if found.ID != key.ID || found.Kind != "org" {
		t.Fatalf("found = %+v", found)
	}

	used := time.Now().UTC()
	if err := s.TouchAPIKey(key.ID, used); err != nil {
		t.Fatalf("touch: %v", err)
	}
	found, err = s.GetAPIKeyByHash(key.TokenHash)
	if err != nil {
		t.Fatalf("by hash: %v", err)
	}
	if found.LastUsedAt == nil {
		t.Fatal("expected last_used_at set")
	}

	if err := s.RevokeAPIKey(key.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := s.GetAPIKeyByHash(key.TokenHash); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected revoked key hidden, got %v", err)
	}
	if err := s.RevokeAPIKey(key.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found on double revoke, got %v", err)
	}
}
