package routes

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"proofwork/core"
	"proofwork/gateway/auth"
	"proofwork/models"
	"proofwork/origins"
	"proofwork/storage"
)

type createBountyRequest struct {
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	TaskType           string   `json:"taskType"`
	AllowedOrigins     []string `json:"allowedOrigins"`
	PayoutCents        int64    `json:"payoutCents"`
	RequiredProofs     int      `json:"requiredProofs"`
	FingerprintClasses []string `json:"fingerprintClasses"`
	TaskDescriptor     string   `json:"taskDescriptor"`
}

func (a *api) createBounty(w http.ResponseWriter, r *http.Request) {
	principal := a.orgPrincipal(w, r)
	if principal == nil {
		return
	}
	var req createBountyRequest
	if !decodeBody(w, r, &req, maxBodyBytes) {
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		respondError(w, http.StatusBadRequest, "schema", "title is required")
		return
	}
	if req.PayoutCents < a.Config.MinPayoutCents {
		respondErr(w, r, a.Logger, fmt.Errorf("%w: payoutCents %d below minimum %d",
			errMinPayout, req.PayoutCents, a.Config.MinPayoutCents))
		return
	}
	if strings.TrimSpace(req.TaskDescriptor) != "" {
		if !a.Config.EnableTaskDescriptor {
			respondErr(w, r, a.Logger, fmt.Errorf("%w: task descriptors are disabled", errFeatureDisabled))
			return
		}
		if _, err := core.ParseDescriptor([]byte(req.TaskDescriptor), a.Config.TaskDescriptorStrict); err != nil {
			respondErr(w, r, a.Logger, err)
			return
		}
	}
	if err := a.checkBountyApp(principal.OrgID, req.TaskType); err != nil {
		respondErr(w, r, a.Logger, err)
		return
	}
	normalized, err := a.normalizeAllowedOrigins(req.AllowedOrigins)
	if err != nil {
		// Declaring a denylisted host is a policy refusal, not a malformed
		// request.
		if errors.Is(err, origins.ErrBlockedDomain) {
			respondError(w, http.StatusForbidden, "blocked_domain", err.Error())
			return
		}
		respondErr(w, r, a.Logger, err)
		return
	}

	bounty := &models.Bounty{
		OrgID:              principal.OrgID,
		Title:              strings.TrimSpace(req.Title),
		Description:        req.Description,
		TaskType:           req.TaskType,
		AllowedOrigins:     storage.EncodeStrings(normalized),
		PayoutCents:        req.PayoutCents,
		RequiredProofs:     req.RequiredProofs,
		FingerprintClasses: storage.EncodeStrings(req.FingerprintClasses),
		TaskDescriptor:     req.TaskDescriptor,
	}
	if err := a.Store.CreateBounty(bounty); err != nil {
		respondErr(w, r, a.Logger, err)
		return
	}
	respondData(w, map[string]any{"bounty": bountyView(bounty)})
}

// checkBountyApp refuses publishing under a disabled app. Task types with no
// app registration stay permitted; apps are a gate, not a catalogue.
func (a *api) checkBountyApp(orgID, taskType string) error {
	if strings.TrimSpace(taskType) == "" {
		return nil
	}
	app, err := a.Store.GetAppByTaskType(orgID, taskType)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if app.Status != "enabled" {
		return fmt.Errorf("%w: app %s is %s", errAppDisabled, app.Slug, app.Status)
	}
	return nil
}

// normalizeAllowedOrigins canonicalizes each origin and refuses denylisted
// hosts at declaration time.
func (a *api) normalizeAllowedOrigins(raw []string) ([]string, error) {
	normalized := make([]string, 0, len(raw))
	for _, origin := range raw {
		canonical, err := core.NormalizeOrigin(origin)
		if err != nil {
			return nil, err
		}
		host, err := core.OriginHost(canonical)
		if err != nil {
			return nil, err
		}
		blocked, err := a.Store.IsDomainBlocked(host)
		if err != nil {
			return nil, err
		}
		if blocked {
			return nil, fmt.Errorf("%w: %s", origins.ErrBlockedDomain, host)
		}
		normalized = append(normalized, canonical)
	}
	return normalized, nil
}

func (a *api) listBounties(w http.ResponseWriter, r *http.Request) {
	principal := a.orgPrincipal(w, r)
	if principal == nil {
		return
	}
	status := core.BountyState(r.URL.Query().Get("status"))
	bounties, err := a.Store.ListBounties(principal.OrgID, status, 100)
	if err != nil {
		respondErr(w, r, a.Logger, err)
		return
	}
	views := make([]map[string]any, 0, len(bounties))
	for i := range bounties {
		views = append(views, bountyView(&bounties[i]))
	}
	respondData(w, map[string]any{"bounties": views})
}

func (a *api) getBounty(w http.ResponseWriter, r *http.Request) {
	principal := a.orgPrincipal(w, r)
	if principal == nil {
		return
	}
	bounty, err := a.Store.GetBountyForOrg(chi.URLParam(r, "id"), principal.OrgID)
	if err != nil {
		respondErr(w, r, a.Logger, err)
		return
	}
	counts, err := a.Store.JobCounts(bounty.ID)
	if err != nil {
		respondErr(w, r, a.Logger, err)
		return
	}
	view := bountyView(bounty)
	view["jobCounts"] = counts
	respondData(w, map[string]any{"bounty": view})
}

func (a *api) publishBounty(w http.ResponseWriter, r *http.Request) {
	a.mutateBounty(w, r, func(id, orgID, actor string) (*models.Bounty, error) {
		bounty, err := a.Store.GetBountyForOrg(id, orgID)
		if err != nil {
			return nil, err
		}
		// Every allowed origin must be verified before the bounty goes live.
		origins := storage.DecodeStrings(bounty.AllowedOrigins)
		if len(origins) > 0 {
			states, err := a.Store.OriginStates(orgID, origins)
			if err != nil {
				return nil, err
			}
			for _, origin := range origins {
				if states[origin] != core.OriginVerified {
					return nil, fmt.Errorf("%w: origin %s is not verified", errForbidden, origin)
				}
			}
		}
		return a.Store.PublishBounty(id, orgID, actor)
	})
}

func (a *api) pauseBounty(w http.ResponseWriter, r *http.Request) {
	a.mutateBounty(w, r, a.Store.PauseBounty)
}

func (a *api) resumeBounty(w http.ResponseWriter, r *http.Request) {
	a.mutateBounty(w, r, a.Store.ResumeBounty)
}

func (a *api) completeBounty(w http.ResponseWriter, r *http.Request) {
	a.mutateBounty(w, r, a.Store.CompleteBounty)
}

func (a *api) mutateBounty(w http.ResponseWriter, r *http.Request, op func(id, orgID, actor string) (*models.Bounty, error)) {
	principal := a.orgPrincipal(w, r)
	if principal == nil {
		return
	}
	bounty, err := op(chi.URLParam(r, "id"), principal.OrgID, actorLabel(principal))
	if err != nil {
		respondErr(w, r, a.Logger, err)
		return
	}
	respondData(w, map[string]any{"bounty": bountyView(bounty)})
}

func (a *api) listBountyJobs(w http.ResponseWriter, r *http.Request) {
	principal := a.orgPrincipal(w, r)
	if principal == nil {
		return
	}
	// Ownership check first: foreign bounties are forbidden, not empty.
	if _, err := a.Store.GetBountyForOrg(chi.URLParam(r, "id"), principal.OrgID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, http.StatusForbidden, "forbidden", "bounty belongs to another tenant")
			return
		}
		respondErr(w, r, a.Logger, err)
		return
	}
	jobs, err := a.Store.ListJobs(chi.URLParam(r, "id"), 200)
	if err != nil {
		respondErr(w, r, a.Logger, err)
		return
	}
	views := make([]map[string]any, 0, len(jobs))
	for i := range jobs {
		views = append(views, jobView(&jobs[i], nil, false))
	}
	respondData(w, map[string]any{"jobs": views})
}

func (a *api) listBountySubmissions(w http.ResponseWriter, r *http.Request) {
	principal := a.orgPrincipal(w, r)
	if principal == nil {
		return
	}
	subs, err := a.Store.ListSubmissionsForBounty(chi.URLParam(r, "id"), principal.OrgID, 200)
	if err != nil {
		respondErr(w, r, a.Logger, err)
		return
	}
	views := make([]map[string]any, 0, len(subs))
	for i := range subs {
		views = append(views, submissionView(&subs[i]))
	}
	respondData(w, map[string]any{"submissions": views})
}

func bountyView(bounty *models.Bounty) map[string]any {
	return map[string]any{
		"bountyId":           bounty.ID,
		"title":              bounty.Title,
		"description":        bounty.Description,
		"taskType":           bounty.TaskType,
		"allowedOrigins":     storage.DecodeStrings(bounty.AllowedOrigins),
		"payoutCents":        bounty.PayoutCents,
		"requiredProofs":     bounty.RequiredProofs,
		"fingerprintClasses": storage.DecodeStrings(bounty.FingerprintClasses),
		"status":             bounty.Status,
		"publishedAt":        bounty.PublishedAt,
		"completedAt":        bounty.CompletedAt,
		"createdAt":          bounty.CreatedAt,
	}
}

func actorLabel(principal *auth.Principal) string {
	switch principal.Kind {
	case auth.KindSession:
		return principal.UserID
	case auth.KindBuyer:
		return principal.KeyID
	case auth.KindAdmin:
		return "admin"
	default:
		return string(principal.Kind)
	}
}
