package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/scrypt"

	"proofwork/core"
	"proofwork/models"
	"proofwork/storage"
)

// SessionTTL bounds console sessions.
const SessionTTL = 24 * time.Hour

// SessionCookie is the console session cookie name.
const SessionCookie = "pw_session"

// CSRFHeader must match the session's token on unsafe methods.
const CSRFHeader = "X-CSRF-Token"

// scrypt parameters; interactive-login grade.
const (
	scryptN      = 1 << 15
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
)

// Session failures all surface as one error to the client.
var (
	ErrSessionInvalid = errors.New("auth: session invalid or expired")
	ErrCSRFMismatch   = errors.New("auth: csrf token mismatch")
	ErrBadCredentials = errors.New("auth: email or password incorrect")
)

// HashPassword derives the stored form of a console password.
func HashPassword(password, saltHex string) (string, error) {
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("auth: bad salt: %w", err)
	}
	key, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(key), nil
}

// NewSalt returns a fresh random salt in hex.
func NewSalt() (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	return hex.EncodeToString(salt), nil
}

// VerifyPassword compares a candidate password in constant time.
func VerifyPassword(password, saltHex, storedHash string) bool {
	derived, err := HashPassword(password, saltHex)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(derived), []byte(storedHash)) == 1
}

// sessionClaims is the JWT payload behind the console cookie.
type sessionClaims struct {
	SessionID string `json:"sid"`
	OrgID     string `json:"org"`
	UserID    string `json:"uid"`
	CSRF      string `json:"csrf"`
	jwt.RegisteredClaims
}

// SessionManager issues and validates console sessions: a DB row for
// revocation plus an HS256 cookie for the browser.
type SessionManager struct {
	store  *storage.Store
	secret []byte
	now    func() time.Time
}

// NewSessionManager builds the manager. An empty secret disables the console
// surface; Issue then fails.
func NewSessionManager(store *storage.Store, secret string) *SessionManager {
	return &SessionManager{store: store, secret: []byte(secret), now: time.Now}
}

// WithClock injects a deterministic clock for tests.
func (m *SessionManager) WithClock(now func() time.Time) *SessionManager {
	if now != nil {
		m.now = now
	}
	return m
}

// Issue creates a session row and returns the signed cookie value.
func (m *SessionManager) Issue(user *models.OrgUser) (*models.Session, string, error) {
	if len(m.secret) == 0 {
		return nil, "", fmt.Errorf("auth: SESSION_JWT_SECRET not configured")
	}
	now := m.now().UTC()
	session := &models.Session{
		ID:        core.NewID(core.PrefixSession),
		OrgID:     user.OrgID,
		UserID:    user.ID,
		CSRFToken: core.NewNonce(),
		ExpiresAt: now.Add(SessionTTL),
		CreatedAt: now,
	}
	if err := m.store.CreateSession(session); err != nil {
		return nil, "", err
	}
	claims := sessionClaims{
		SessionID: session.ID,
		OrgID:     session.OrgID,
		UserID:    session.UserID,
		CSRF:      session.CSRFToken,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(session.ExpiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return nil, "", err
	}
	return session, signed, nil
}

// Validate parses a cookie value and checks the backing row is live. Unsafe
// methods additionally require the CSRF header to match.
func (m *SessionManager) Validate(cookieValue, csrfHeader string, unsafe bool) (*Principal, error) {
	if len(m.secret) == 0 {
		return nil, ErrSessionInvalid
	}
	var claims sessionClaims
	token, err := jwt.ParseWithClaims(cookieValue, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithTimeFunc(m.now))
	if err != nil || !token.Valid {
		return nil, ErrSessionInvalid
	}
	session, err := m.store.GetSession(claims.SessionID)
	if err != nil {
		return nil, ErrSessionInvalid
	}
	if session.RevokedAt != nil || m.now().UTC().After(session.ExpiresAt) {
		return nil, ErrSessionInvalid
	}
	if unsafe && subtle.ConstantTimeCompare([]byte(csrfHeader), []byte(session.CSRFToken)) != 1 {
		return nil, ErrCSRFMismatch
	}
	return &Principal{
		Kind:      KindSession,
		OrgID:     session.OrgID,
		UserID:    session.UserID,
		SessionID: session.ID,
		CSRFToken: session.CSRFToken,
	}, nil
}

// Revoke terminates a session.
func (m *SessionManager) Revoke(sessionID string) error {
	return m.store.RevokeSession(sessionID)
}

// Cookie wraps a signed value for the browser.
func Cookie(value string, expires time.Time, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     SessionCookie,
		Value:    value,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// UnsafeMethod reports whether a method mutates state for CSRF purposes.
func UnsafeMethod(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	default:
		return true
	}
}
