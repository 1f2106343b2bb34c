package storage

import (
	"errors"
	"testing"

	"proofwork/core"
	"proofwork/models"
)

func TestOriginVerificationLifecycle(t *testing.T) {
	s := setupStore(t)
	org := seedOrg(t, s, 0)

	origin := &models.Origin{
		OrgID:          org.ID,
		OriginURL:      "https://app.example.com",
		ChallengeToken: "pw_verify_" + core.NewNonce(),
	}
	if err := s.CreateOrigin(origin); err != nil {
		t.Fatalf("create origin: %v", err)
	}
	if origin.State != core.OriginPending {
		t.Fatalf("fresh origin = %s", origin.State)
	}

	// The same URL under the same org collides, another org may claim it.
	dup := &models.Origin{OrgID: org.ID, OriginURL: "https://app.example.com", ChallengeToken: "pw_verify_x"}
	if err := s.CreateOrigin(dup); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	other := &models.Org{Name: "Other Org"}
	if err := s.CreateOrg(other); err != nil {
		t.Fatalf("create org: %v", err)
	}
	cross := &models.Origin{OrgID: other.ID, OriginURL: "https://app.example.com", ChallengeToken: "pw_verify_y"}
	if err := s.CreateOrigin(cross); err != nil {
		t.Fatalf("cross-org origin: %v", err)
	}

	if err := s.MarkOriginVerified(org.ID, origin.ID, "dns_txt"); err != nil {
		t.Fatalf("verify: %v", err)
	}
	verified, err := s.GetOrigin(org.ID, origin.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if verified.State != core.OriginVerified || verified.Method != "dns_txt" || verified.VerifiedAt == nil {
		t.Fatalf("verified = %+v", verified)
	}
	if err := s.MarkOriginVerified(org.ID, origin.ID, "http_file"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict reverifying, got %v", err)
	}

	states, err := s.OriginStates(org.ID, []string{"https://app.example.com", "https://unknown.example.com"})
	if err != nil {
		t.Fatalf("states: %v", err)
	}
	if states["https://app.example.com"] != core.OriginVerified {
		t.Fatalf("state = %s", states["https://app.example.com"])
	}
	if _, ok := states["https://unknown.example.com"]; ok {
		t.Fatal("unknown origin should be absent")
	}

	if err := s.RevokeOrigin(org.ID, origin.ID, "admin@ops"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	revoked, err := s.GetOrigin(org.ID, origin.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if revoked.State != core.OriginRevoked || revoked.RevokedAt == nil {
		t.Fatalf("revoked = %+v", revoked)
	}
	if err := s.RevokeOrigin(org.ID, origin.ID, "admin@ops"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found on double revoke, got %v", err)
	}
	// Revocation is terminal: verification cannot resurrect the origin.
	if err := s.MarkOriginVerified(org.ID, origin.ID, "dns_txt"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestBlockedDomainSuffixMatch(t *testing.T) {
	s := setupStore(t)

	if err := s.AddBlockedDomain("tracker.example", "malware distribution", "admin@ops"); err != nil {
		t.Fatalf("add: %v", err)
	}
	// Idempotent re-add keeps a single row and a single audit line.
	if err := s.AddBlockedDomain("tracker.example", "seen again", "admin@ops"); err != nil {
		t.Fatalf("re-add: %v", err)
	}
	domains, err := s.ListBlockedDomains()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(domains) != 1 || domains[0].Reason != "malware distribution" {
		t.Fatalf("domains = %+v", domains)
	}

	cases := map[string]bool{
		"tracker.example":     true,
		"cdn.tracker.example": true,
		"nottracker.example":  false,
		"tracker.example.com": false,
		"app.example.com":     false,
		"TRACKER.example":     true,
	}
	for host, want := range cases {
		got, err := s.IsDomainBlocked(host)
		if err != nil {
			t.Fatalf("check %s: %v", host, err)
		}
		if got != want {
			t.Fatalf("IsDomainBlocked(%q) = %v, want %v", host, got, want)
		}
	}

	if err := s.RemoveBlockedDomain("tracker.example", "admin@ops"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := s.RemoveBlockedDomain("tracker.example", "admin@ops"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	blocked, err := s.IsDomainBlocked("cdn.tracker.example")
	if err != nil || blocked {
		t.Fatalf("after remove = %v, %v", blocked, err)
	}
}

func TestAuditCursorPaging(t *testing.T) {
	s := setupStore(t)
	for _, action := range []string{"worker.ban", "payout.mark", "blocked_domain.add"} {
		if err := s.AppendAudit("admin@ops", action, "entity", "", ""); err != nil {
			t.Fatalf("append %s: %v", action, err)
		}
	}
	first, err := s.ListAuditEvents(0, 2)
	if err != nil {
		t.Fatalf("page 1: %v", err)
	}
	if len(first) != 2 || first[0].Action != "worker.ban" {
		t.Fatalf("page 1 = %+v", first)
	}
	rest, err := s.ListAuditEvents(first[len(first)-1].ID, 2)
	if err != nil {
		t.Fatalf("page 2: %v", err)
	}
	if len(rest) != 1 || rest[0].Action != "blocked_domain.add" {
		t.Fatalf("page 2 = %+v", rest)
	}
}
