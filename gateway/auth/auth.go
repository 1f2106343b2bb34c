// Package auth resolves bearer credentials into request principals. Tokens
// are opaque, prefixed by role, and stored only as blake3 hashes.
package auth

import (
	"errors"
	"fmt"
	"strings"

	"proofwork/core"
	"proofwork/models"
	"proofwork/storage"
)

// Token prefixes. The prefix routes the lookup; the rest is opaque.
const (
	PrefixBuyer    = "pw_bu_"
	PrefixWorker   = "pw_wk_"
	PrefixVerifier = "pw_vf_"
	PrefixAdmin    = "pw_adm_"
)

// API key kinds as stored.
const (
	KeyKindBuyer    = "buyer"
	KeyKindVerifier = "verifier"
	KeyKindAdmin    = "admin"
)

// ErrUnauthorized covers every credential failure; the gateway never leaks
// which part of the lookup failed.
var ErrUnauthorized = errors.New("auth: invalid or missing credentials")

// Kind tags a principal variant.
type Kind string

const (
	KindBuyer    Kind = "buyer"
	KindWorker   Kind = "worker"
	KindVerifier Kind = "verifier"
	KindAdmin    Kind = "admin"
	KindSession  Kind = "session"
)

// Principal is the authenticated caller of one request.
type Principal struct {
	Kind Kind

	// Buyer and Session principals are scoped to an org.
	OrgID string
	KeyID string

	// Worker principals carry the loaded row; scheduling needs ban state
	// and capabilities anyway.
	Worker *models.Worker

	// Verifier principals carry a stable instance id for vote counting.
	InstanceID string

	// Session principals.
	UserID    string
	SessionID string
	CSRFToken string
}

// CanReadOrg reports whether the principal may read rows owned by orgID.
func (p *Principal) CanReadOrg(orgID string) bool {
	switch p.Kind {
	case KindAdmin:
		return true
	case KindBuyer, KindSession:
		return p.OrgID == orgID
	default:
		return false
	}
}

// CanWriteOrg reports whether the principal may mutate rows owned by orgID.
func (p *Principal) CanWriteOrg(orgID string) bool {
	return p.CanReadOrg(orgID)
}

// CanVerify reports whether the principal may claim and judge submissions.
func (p *Principal) CanVerify() bool {
	return p.Kind == KindVerifier || p.Kind == KindAdmin
}

// IsAdmin reports whether the principal holds the admin surface.
func (p *Principal) IsAdmin() bool {
	return p.Kind == KindAdmin
}

// WorkerID returns the worker id or "".
func (p *Principal) WorkerID() string {
	if p.Worker == nil {
		return ""
	}
	return p.Worker.ID
}

// Authenticator resolves bearer tokens against the store plus the two
// env-configured service tokens.
type Authenticator struct {
	store         *storage.Store
	adminToken    string
	verifierToken string
}

// NewAuthenticator builds the resolver. The env tokens are accepted alongside
// database-issued keys of the matching kind.
func NewAuthenticator(store *storage.Store, adminToken, verifierToken string) *Authenticator {
	return &Authenticator{store: store, adminToken: adminToken, verifierToken: verifierToken}
}

// Resolve maps one bearer token to its principal.
func (a *Authenticator) Resolve(token string) (*Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrUnauthorized
	}
	if a.adminToken != "" && token == a.adminToken {
		return &Principal{Kind: KindAdmin}, nil
	}
	if a.verifierToken != "" && token == a.verifierToken {
		return &Principal{Kind: KindVerifier, InstanceID: instanceFromToken(token)}, nil
	}

	switch {
	case strings.HasPrefix(token, PrefixWorker):
		worker, err := a.store.GetWorkerByTokenHash(core.HashToken(token))
		if err != nil {
			return nil, ErrUnauthorized
		}
		return &Principal{Kind: KindWorker, Worker: worker}, nil
	case strings.HasPrefix(token, PrefixBuyer):
		key, err := a.lookupKey(token, KeyKindBuyer)
		if err != nil {
			return nil, err
		}
		return &Principal{Kind: KindBuyer, OrgID: key.OrgID, KeyID: key.ID}, nil
	case strings.HasPrefix(token, PrefixVerifier):
		key, err := a.lookupKey(token, KeyKindVerifier)
		if err != nil {
			return nil, err
		}
		return &Principal{Kind: KindVerifier, KeyID: key.ID, InstanceID: instanceFromToken(token)}, nil
	case strings.HasPrefix(token, PrefixAdmin):
		key, err := a.lookupKey(token, KeyKindAdmin)
		if err != nil {
			return nil, err
		}
		return &Principal{Kind: KindAdmin, KeyID: key.ID}, nil
	}
	return nil, ErrUnauthorized
}

func (a *Authenticator) lookupKey(token, kind string) (*models.APIKey, error) {
	key, err := a.store.GetAPIKeyByHash(core.HashToken(token))
	if err != nil {
		return nil, ErrUnauthorized
	}
	if key.Kind != kind || key.RevokedAt != nil {
		return nil, ErrUnauthorized
	}
	if err := a.store.TouchAPIKey(key.ID, a.store.Now()); err != nil {
		return nil, fmt.Errorf("auth: touch key: %w", err)
	}
	return key, nil
}

// instanceFromToken derives a stable verifier instance id so votes from the
// same credential never count twice.
func instanceFromToken(token string) string {
	return "vfi_" + core.HashToken(token)[:16]
}

// NewToken mints a raw bearer token with the given prefix.
func NewToken(prefix string) string {
	return prefix + core.NewNonce()
}
