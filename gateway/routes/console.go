package routes

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"proofwork/gateway/auth"
	"proofwork/gateway/middleware"
	"proofwork/models"
	"proofwork/storage"
)

type signupRequest struct {
	OrgName  string `json:"orgName"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (a *api) consoleSignup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if !decodeBody(w, r, &req, maxBodyBytes) {
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if req.OrgName == "" || email == "" || len(req.Password) < 8 {
		respondError(w, http.StatusBadRequest, "schema", "orgName, email, and a password of 8+ chars are required")
		return
	}
	if _, err := a.Store.GetOrgUserByEmail(email); err == nil {
		respondError(w, http.StatusConflict, "conflict", "email already registered")
		return
	} else if !errors.Is(err, storage.ErrNotFound) {
		respondErr(w, r, a.Logger, err)
		return
	}
	salt, err := auth.NewSalt()
	if err != nil {
		respondErr(w, r, a.Logger, err)
		return
	}
	hash, err := auth.HashPassword(req.Password, salt)
	if err != nil {
		respondErr(w, r, a.Logger, err)
		return
	}
	org := &models.Org{Name: req.OrgName}
	if err := a.Store.CreateOrg(org); err != nil {
		respondErr(w, r, a.Logger, err)
		return
	}
	user := &models.OrgUser{
		OrgID:        org.ID,
		Email:        email,
		PasswordHash: hash,
		PasswordSalt: salt,
	}
	if err := a.Store.CreateOrgUser(user); err != nil {
		respondErr(w, r, a.Logger, err)
		return
	}
	if err := a.Store.EnsureBillingAccount(org.ID); err != nil {
		respondErr(w, r, a.Logger, err)
		return
	}
	a.issueSession(w, r, user, map[string]any{"orgId": org.ID, "userId": user.ID})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (a *api) consoleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeBody(w, r, &req, maxBodyBytes) {
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	user, err := a.Store.GetOrgUserByEmail(email)
	if errors.Is(err, storage.ErrNotFound) {
		respondErr(w, r, a.Logger, auth.ErrBadCredentials)
		return
	}
	if err != nil {
		respondErr(w, r, a.Logger, err)
		return
	}
	if !auth.VerifyPassword(req.Password, user.PasswordSalt, user.PasswordHash) {
		respondErr(w, r, a.Logger, auth.ErrBadCredentials)
		return
	}
	a.issueSession(w, r, user, map[string]any{"orgId": user.OrgID, "userId": user.ID})
}

func (a *api) issueSession(w http.ResponseWriter, r *http.Request, user *models.OrgUser, extra map[string]any) {
	session, signed, err := a.Sessions.Issue(user)
	if err != nil {
		respondErr(w, r, a.Logger, err)
		return
	}
	http.SetCookie(w, auth.Cookie(signed, session.ExpiresAt, a.Config.Environment != "development"))
	extra["csrfToken"] = session.CSRFToken
	extra["expiresAt"] = session.ExpiresAt
	respondData(w, extra)
}

func (a *api) consoleLogout(w http.ResponseWriter, r *http.Request) {
	principal := middleware.PrincipalFrom(r.Context())
	if principal == nil || principal.Kind != auth.KindSession {
		respondError(w, http.StatusUnauthorized, "auth", "session required")
		return
	}
	if err := a.Sessions.Revoke(principal.SessionID); err != nil {
		respondErr(w, r, a.Logger, err)
		return
	}
	http.SetCookie(w, auth.Cookie("", time.Unix(0, 0), a.Config.Environment != "development"))
	respondOK(w)
}

func (a *api) consoleMe(w http.ResponseWriter, r *http.Request) {
	principal := middleware.PrincipalFrom(r.Context())
	if principal == nil || principal.Kind != auth.KindSession {
		respondError(w, http.StatusUnauthorized, "auth", "session required")
		return
	}
	org, err := a.Store.GetOrg(principal.OrgID)
	if err != nil {
		respondErr(w, r, a.Logger, err)
		return
	}
	respondData(w, map[string]any{
		"orgId":     org.ID,
		"orgName":   org.Name,
		"userId":    principal.UserID,
		"csrfToken": principal.CSRFToken,
	})
}
