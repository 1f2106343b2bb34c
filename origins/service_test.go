package origins

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"proofwork/core"
	"proofwork/models"
	"proofwork/storage"
)

func setupStore(t *testing.T) *storage.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return storage.New(db)
}

func seedOrg(t *testing.T, store *storage.Store) *models.Org {
	t.Helper()
	org := &models.Org{Name: "Acme Research"}
	if err := store.CreateOrg(org); err != nil {
		t.Fatalf("create org: %v", err)
	}
	return org
}

type staticResolver struct {
	records map[string][]string
	err     error
}

func (r staticResolver) LookupTXT(_ context.Context, fqdn string) ([]string, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.records[fqdn], nil
}

func TestAddNormalizesAndIssuesToken(t *testing.T) {
	store := setupStore(t)
	org := seedOrg(t, store)
	svc := New(store)

	origin, err := svc.Add(org.ID, "HTTPS://Example.COM:443/")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if origin.OriginURL != "https://example.com" {
		t.Fatalf("origin url = %q", origin.OriginURL)
	}
	if origin.State != core.OriginPending {
		t.Fatalf("state = %s", origin.State)
	}
	if !strings.HasPrefix(origin.ChallengeToken, ChallengePrefix) {
		t.Fatalf("token %q lacks prefix", origin.ChallengeToken)
	}

	// Same (org, url) pair again conflicts.
	if _, err := svc.Add(org.ID, "https://example.com"); err == nil {
		t.Fatal("duplicate origin accepted")
	}
}

func TestAddRefusesBlockedDomain(t *testing.T) {
	store := setupStore(t)
	org := seedOrg(t, store)
	if err := store.AddBlockedDomain("evil.example", "abuse", "admin"); err != nil {
		t.Fatalf("blocklist: %v", err)
	}
	svc := New(store)

	if _, err := svc.Add(org.ID, "https://shop.evil.example"); !errors.Is(err, ErrBlockedDomain) {
		t.Fatalf("subdomain of blocked err = %v", err)
	}
	// Label-aligned matching only: a lookalike suffix is not blocked.
	if _, err := svc.Add(org.ID, "https://notevil.example"); err != nil {
		t.Fatalf("lookalike refused: %v", err)
	}
}

func TestVerifyDNSTXT(t *testing.T) {
	store := setupStore(t)
	org := seedOrg(t, store)
	svc := New(store)
	origin, err := svc.Add(org.ID, "https://example.com")
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	resolver := staticResolver{records: map[string][]string{
		"_proofwork.example.com": {"unrelated", origin.ChallengeToken},
	}}
	svc = New(store, WithResolver(resolver))

	verified, err := svc.Verify(context.Background(), org.ID, origin.ID, MethodDNSTXT)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if verified.State != core.OriginVerified || verified.Method != MethodDNSTXT {
		t.Fatalf("state=%s method=%s", verified.State, verified.Method)
	}
	if verified.VerifiedAt == nil {
		t.Fatal("verified_at not set")
	}
}

func TestVerifyDNSTXTMissingRecordFails(t *testing.T) {
	store := setupStore(t)
	org := seedOrg(t, store)
	svc := New(store, WithResolver(staticResolver{records: map[string][]string{}}))
	origin, err := svc.Add(org.ID, "https://example.com")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := svc.Verify(context.Background(), org.ID, origin.ID, MethodDNSTXT); !errors.Is(err, ErrChallengeFailed) {
		t.Fatalf("err = %v, want ErrChallengeFailed", err)
	}
	reloaded, _ := store.GetOrigin(org.ID, origin.ID)
	if reloaded.State != core.OriginPending {
		t.Fatalf("state = %s, want pending", reloaded.State)
	}
}

func TestVerifyHTTPFile(t *testing.T) {
	store := setupStore(t)
	org := seedOrg(t, store)

	var token string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != WellKnownPath {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintf(w, "%s\n", token)
	}))
	defer server.Close()

	svc := New(store)
	origin, err := svc.Add(org.ID, server.URL)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	token = origin.ChallengeToken

	verified, err := svc.Verify(context.Background(), org.ID, origin.ID, MethodHTTPFile)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if verified.Method != MethodHTTPFile {
		t.Fatalf("method = %s", verified.Method)
	}
}

func TestVerifyHeader(t *testing.T) {
	store := setupStore(t)
	org := seedOrg(t, store)

	var token string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(HeaderName, token)
	}))
	defer server.Close()

	svc := New(store)
	origin, err := svc.Add(org.ID, server.URL)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	token = origin.ChallengeToken

	if _, err := svc.Verify(context.Background(), org.ID, origin.ID, MethodHeader); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerifyHeaderMismatchFails(t *testing.T) {
	store := setupStore(t)
	org := seedOrg(t, store)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(HeaderName, "pw_verify_someone_else")
	}))
	defer server.Close()

	svc := New(store)
	origin, err := svc.Add(org.ID, server.URL)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := svc.Verify(context.Background(), org.ID, origin.ID, MethodHeader); !errors.Is(err, ErrChallengeFailed) {
		t.Fatalf("err = %v, want ErrChallengeFailed", err)
	}
}

func TestVerifyRejectsUnknownMethodAndNonPending(t *testing.T) {
	store := setupStore(t)
	org := seedOrg(t, store)
	svc := New(store, WithResolver(staticResolver{}))
	origin, err := svc.Add(org.ID, "https://example.com")
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	if _, err := svc.Verify(context.Background(), org.ID, origin.ID, "carrier_pigeon"); !errors.Is(err, ErrUnknownMethod) {
		t.Fatalf("err = %v, want ErrUnknownMethod", err)
	}

	if err := store.MarkOriginVerified(org.ID, origin.ID, MethodDNSTXT); err != nil {
		t.Fatalf("mark verified: %v", err)
	}
	if _, err := svc.Verify(context.Background(), org.ID, origin.ID, MethodDNSTXT); !errors.Is(err, ErrNotPending) {
		t.Fatalf("err = %v, want ErrNotPending", err)
	}
}

func TestRevokeIsTerminal(t *testing.T) {
	store := setupStore(t)
	org := seedOrg(t, store)
	svc := New(store, WithResolver(staticResolver{}))
	origin, err := svc.Add(org.ID, "https://example.com")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := svc.Revoke(org.ID, origin.ID, "admin"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	reloaded, _ := store.GetOrigin(org.ID, origin.ID)
	if reloaded.State != core.OriginRevoked || reloaded.RevokedAt == nil {
		t.Fatalf("state=%s revoked_at=%v", reloaded.State, reloaded.RevokedAt)
	}
	if _, err := svc.Verify(context.Background(), org.ID, origin.ID, MethodDNSTXT); !errors.Is(err, ErrNotPending) {
		t.Fatalf("verify after revoke err = %v", err)
	}
}
