package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"proofwork/models"
)

type addOriginRequest struct {
	URL string `json:"url"`
}

func (a *api) addOrigin(w http.ResponseWriter, r *http.Request) {
	principal := a.orgPrincipal(w, r)
	if principal == nil {
		return
	}
	var req addOriginRequest
	if !decodeBody(w, r, &req, maxBodyBytes) {
		return
	}
	origin, err := a.Origins.Add(principal.OrgID, req.URL)
	if err != nil {
		respondErr(w, r, a.Logger, err)
		return
	}
	// The challenge token is shown on add and never again.
	view := originView(origin)
	view["challengeToken"] = origin.ChallengeToken
	respondData(w, map[string]any{"origin": view})
}

func (a *api) listOrigins(w http.ResponseWriter, r *http.Request) {
	principal := a.orgPrincipal(w, r)
	if principal == nil {
		return
	}
	list, err := a.Origins.List(principal.OrgID)
	if err != nil {
		respondErr(w, r, a.Logger, err)
		return
	}
	views := make([]map[string]any, 0, len(list))
	for i := range list {
		views = append(views, originView(&list[i]))
	}
	respondData(w, map[string]any{"origins": views})
}

type verifyOriginRequest struct {
	Method string `json:"method"`
}

func (a *api) verifyOrigin(w http.ResponseWriter, r *http.Request) {
	principal := a.orgPrincipal(w, r)
	if principal == nil {
		return
	}
	var req verifyOriginRequest
	if !decodeBody(w, r, &req, maxBodyBytes) {
		return
	}
	origin, err := a.Origins.Verify(r.Context(), principal.OrgID, chi.URLParam(r, "id"), req.Method)
	if err != nil {
		respondErr(w, r, a.Logger, err)
		return
	}
	respondData(w, map[string]any{"origin": originView(origin)})
}

func (a *api) revokeOrigin(w http.ResponseWriter, r *http.Request) {
	principal := a.orgPrincipal(w, r)
	if principal == nil {
		return
	}
	if err := a.Origins.Revoke(principal.OrgID, chi.URLParam(r, "id"), actorLabel(principal)); err != nil {
		respondErr(w, r, a.Logger, err)
		return
	}
	respondOK(w)
}

func originView(origin *models.Origin) map[string]any {
	return map[string]any{
		"originId":   origin.ID,
		"url":        origin.OriginURL,
		"status":     origin.State,
		"method":     origin.Method,
		"verifiedAt": origin.VerifiedAt,
		"createdAt":  origin.CreatedAt,
	}
}
