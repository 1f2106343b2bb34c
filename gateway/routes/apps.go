package routes

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"proofwork/core"
	"proofwork/models"
)

type createAppRequest struct {
	Slug              string `json:"slug"`
	TaskType          string `json:"taskType"`
	DefaultDescriptor string `json:"defaultDescriptor"`
	UISchema          string `json:"uiSchema"`
}

func (a *api) createApp(w http.ResponseWriter, r *http.Request) {
	principal := a.orgPrincipal(w, r)
	if principal == nil {
		return
	}
	var req createAppRequest
	if !decodeBody(w, r, &req, maxBodyBytes) {
		return
	}
	if strings.TrimSpace(req.Slug) == "" || strings.TrimSpace(req.TaskType) == "" {
		respondError(w, http.StatusBadRequest, "schema", "slug and taskType are required")
		return
	}
	if req.DefaultDescriptor != "" {
		if !a.Config.EnableTaskDescriptor {
			respondError(w, http.StatusConflict, "feature_disabled", "task descriptors are disabled")
			return
		}
		if _, err := core.ParseDescriptor([]byte(req.DefaultDescriptor), a.Config.TaskDescriptorStrict); err != nil {
			respondErr(w, r, a.Logger, err)
			return
		}
	}
	app := &models.App{
		OrgID:             principal.OrgID,
		Slug:              strings.TrimSpace(req.Slug),
		TaskType:          strings.TrimSpace(req.TaskType),
		DefaultDescriptor: req.DefaultDescriptor,
		UISchema:          req.UISchema,
		Status:            "enabled",
	}
	if err := a.Store.CreateApp(app); err != nil {
		respondErr(w, r, a.Logger, err)
		return
	}
	respondData(w, map[string]any{"app": appView(app)})
}

func (a *api) listApps(w http.ResponseWriter, r *http.Request) {
	principal := a.orgPrincipal(w, r)
	if principal == nil {
		return
	}
	apps, err := a.Store.ListApps(principal.OrgID)
	if err != nil {
		respondErr(w, r, a.Logger, err)
		return
	}
	views := make([]map[string]any, 0, len(apps))
	for i := range apps {
		views = append(views, appView(&apps[i]))
	}
	respondData(w, map[string]any{"apps": views})
}

type appStatusRequest struct {
	Status string `json:"status"`
}

func (a *api) setAppStatus(w http.ResponseWriter, r *http.Request) {
	principal := a.orgPrincipal(w, r)
	if principal == nil {
		return
	}
	var req appStatusRequest
	if !decodeBody(w, r, &req, maxBodyBytes) {
		return
	}
	if req.Status != "enabled" && req.Status != "disabled" {
		respondError(w, http.StatusBadRequest, "schema", `status must be "enabled" or "disabled"`)
		return
	}
	id := chi.URLParam(r, "id")
	if err := a.Store.SetAppStatus(principal.OrgID, id, req.Status, actorLabel(principal)); err != nil {
		respondErr(w, r, a.Logger, err)
		return
	}
	app, err := a.Store.GetApp(principal.OrgID, id)
	if err != nil {
		respondErr(w, r, a.Logger, err)
		return
	}
	respondData(w, map[string]any{"app": appView(app)})
}

func appView(app *models.App) map[string]any {
	return map[string]any{
		"appId":             app.ID,
		"slug":              app.Slug,
		"taskType":          app.TaskType,
		"defaultDescriptor": app.DefaultDescriptor,
		"uiSchema":          app.UISchema,
		"status":            app.Status,
		"createdAt":         app.CreatedAt,
	}
}
