package routes

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"proofwork/gateway/auth"
	"proofwork/gateway/middleware"
	"proofwork/models"
	"proofwork/scheduler"
	"proofwork/submissions"
)

// nextResponse is the one documented departure from the envelope: workers
// poll it and branch on state.
type nextResponse struct {
	OK        bool      `json:"ok"`
	State     string    `json:"state"`
	Data      *nextData `json:"data,omitempty"`
	NextSteps []string  `json:"next_steps,omitempty"`
}

type nextData struct {
	Job       map[string]any `json:"job"`
	LeaseHint string         `json:"leaseHint"`
}

func (a *api) jobsNext(w http.ResponseWriter, r *http.Request) {
	principal := a.workerPrincipal(w, r)
	if principal == nil {
		return
	}
	if !a.jobsLimiter.Allow(principal.WorkerID()) {
		respondError(w, http.StatusTooManyRequests, "rate_limit", "poll slower")
		return
	}
	query := r.URL.Query()
	filters := scheduler.Filters{
		RequireJobID:    query.Get("require_job_id"),
		RequireBountyID: query.Get("require_bounty_id"),
		TaskType:        query.Get("task_type"),
		ExcludeJobIDs:   splitCSV(query.Get("exclude_job_ids")),
		CapabilityTags:  splitCSV(query.Get("capability_tags")),
	}
	if tag := query.Get("capability_tag"); tag != "" {
		filters.CapabilityTags = append(filters.CapabilityTags, tag)
	}
	result, err := a.Scheduler.NextJob(principal.Worker, filters)
	if err != nil {
		respondErr(w, r, a.Logger, err)
		return
	}
	if result.Job == nil {
		writeJSON(w, http.StatusOK, nextResponse{OK: true, State: "idle", NextSteps: result.NextSteps})
		return
	}
	writeJSON(w, http.StatusOK, nextResponse{
		OK:    true,
		State: "claimable",
		Data: &nextData{
			Job:       jobView(result.Job, result.Descriptor, true),
			LeaseHint: "Lease held; submit before leaseExpiresAt or release early.",
		},
	})
}

func (a *api) getJob(w http.ResponseWriter, r *http.Request) {
	principal := middleware.PrincipalFrom(r.Context())
	if principal == nil {
		respondError(w, http.StatusUnauthorized, "auth", "credentials required")
		return
	}
	jobID := chi.URLParam(r, "id")
	job, err := a.Store.GetJob(jobID)
	if err != nil {
		respondErr(w, r, a.Logger, err)
		return
	}
	if !a.mayReadJob(principal, job) {
		respondError(w, http.StatusForbidden, "forbidden", "job belongs to another tenant")
		return
	}
	respondData(w, map[string]any{"job": jobView(job, nil, principal.Kind == auth.KindWorker)})
}

// mayReadJob admits the owning org, admins, and the worker attached to the
// job through its lease or a submission.
func (a *api) mayReadJob(principal *auth.Principal, job *models.Job) bool {
	if principal.IsAdmin() || principal.CanReadOrg(job.OrgID) {
		return true
	}
	if principal.Kind != auth.KindWorker {
		return false
	}
	workerID := principal.WorkerID()
	if job.LeaseWorkerID != nil && *job.LeaseWorkerID == workerID {
		return true
	}
	var count int64
	err := a.Store.DB().Model(&models.Submission{}).
		Where("job_id = ? AND worker_id = ?", job.ID, workerID).
		Count(&count).Error
	return err == nil && count > 0
}

func (a *api) claimJob(w http.ResponseWriter, r *http.Request) {
	principal := a.workerPrincipal(w, r)
	if principal == nil {
		return
	}
	job, err := a.Scheduler.ClaimJob(chi.URLParam(r, "id"), principal.Worker)
	if err != nil {
		respondErr(w, r, a.Logger, err)
		return
	}
	respondData(w, map[string]any{
		"leaseNonce":     deref(job.LeaseNonce),
		"leaseExpiresAt": job.LeaseExpiresAt,
	})
}

type releaseRequest struct {
	LeaseNonce string `json:"leaseNonce"`
	Reason     string `json:"reason"`
}

func (a *api) releaseJob(w http.ResponseWriter, r *http.Request) {
	principal := a.workerPrincipal(w, r)
	if principal == nil {
		return
	}
	var req releaseRequest
	if !decodeBody(w, r, &req, maxBodyBytes) {
		return
	}
	err := a.Scheduler.Release(chi.URLParam(r, "id"), principal.WorkerID(), req.LeaseNonce, req.Reason)
	if err != nil {
		respondErr(w, r, a.Logger, err)
		return
	}
	respondOK(w)
}

type submitRequest struct {
	LeaseNonce    string          `json:"leaseNonce"`
	Manifest      json.RawMessage `json:"manifest"`
	ArtifactIndex json.RawMessage `json:"artifactIndex"`
}

func (a *api) submitJob(w http.ResponseWriter, r *http.Request) {
	principal := a.workerPrincipal(w, r)
	if principal == nil {
		return
	}
	var req submitRequest
	if !decodeBody(w, r, &req, maxBodyBytes) {
		return
	}
	if len(req.Manifest) == 0 {
		respondError(w, http.StatusBadRequest, "schema", "manifest is required")
		return
	}
	outcome, err := a.Engine.Submit(submissions.Request{
		JobID:          chi.URLParam(r, "id"),
		WorkerID:       principal.WorkerID(),
		LeaseNonce:     req.LeaseNonce,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		Manifest:       req.Manifest,
		ArtifactIndex:  req.ArtifactIndex,
	})
	if err != nil {
		respondErr(w, r, a.Logger, err)
		return
	}
	state := "verifying"
	if outcome.Duplicate {
		state = "done"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":    true,
		"state": state,
		"data": map[string]any{
			"submission": submissionView(outcome.Submission),
			"replayed":   outcome.Replayed,
		},
	})
}

func jobView(job *models.Job, descriptor map[string]any, includeLease bool) map[string]any {
	view := map[string]any{
		"jobId":            job.ID,
		"bountyId":         job.BountyID,
		"taskType":         job.TaskType,
		"fingerprintClass": job.FingerprintClass,
		"status":           job.Status,
		"finalVerdict":     job.FinalVerdict,
		"createdAt":        job.CreatedAt,
	}
	if descriptor != nil {
		view["descriptor"] = descriptor
	}
	if includeLease && job.LeaseNonce != nil {
		view["leaseNonce"] = *job.LeaseNonce
		view["leaseExpiresAt"] = job.LeaseExpiresAt
	}
	return view
}

func submissionView(sub *models.Submission) map[string]any {
	return map[string]any{
		"submissionId": sub.ID,
		"jobId":        sub.JobID,
		"bountyId":     sub.BountyID,
		"status":       sub.Status,
		"payoutStatus": sub.PayoutStatus,
		"createdAt":    sub.CreatedAt,
	}
}

func splitCSV(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
