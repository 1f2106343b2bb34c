package routes

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"proofwork/artifacts"
	"proofwork/gateway/auth"
	"proofwork/gateway/middleware"
	"proofwork/models"
)

type presignRequest struct {
	ContentType string `json:"contentType"`
	SizeBytes   int64  `json:"sizeBytes"`
	// OrgID scopes worker uploads to the bounty's tenant.
	OrgID string `json:"orgId"`
}

func (a *api) presignUpload(w http.ResponseWriter, r *http.Request) {
	principal := middleware.PrincipalFrom(r.Context())
	if principal == nil {
		respondError(w, http.StatusUnauthorized, "auth", "credentials required")
		return
	}
	var req presignRequest
	if !decodeBody(w, r, &req, maxBodyBytes) {
		return
	}
	spec := artifacts.PresignRequest{
		ContentType: req.ContentType,
		SizeBytes:   req.SizeBytes,
	}
	switch principal.Kind {
	case auth.KindWorker:
		spec.WorkerID = principal.WorkerID()
		spec.OrgID = req.OrgID
	case auth.KindBuyer, auth.KindSession:
		spec.OrgID = principal.OrgID
	default:
		respondError(w, http.StatusForbidden, "forbidden", "worker or buyer credentials required")
		return
	}
	presigned, err := a.Artifacts.Presign(spec)
	if err != nil {
		respondErr(w, r, a.Logger, err)
		return
	}
	respondData(w, map[string]any{
		"artifactId": presigned.Artifact.ID,
		"putUrl":     presigned.PutURL,
		"expiresAt":  presigned.ExpiresAt,
	})
}

type completeUploadRequest struct {
	ArtifactID string `json:"artifactId"`
	SHA256     string `json:"sha256"`
	SizeBytes  int64  `json:"sizeBytes"`
}

func (a *api) completeUpload(w http.ResponseWriter, r *http.Request) {
	principal := middleware.PrincipalFrom(r.Context())
	if principal == nil {
		respondError(w, http.StatusUnauthorized, "auth", "credentials required")
		return
	}
	var req completeUploadRequest
	if !decodeBody(w, r, &req, maxBodyBytes) {
		return
	}
	if req.ArtifactID == "" {
		respondError(w, http.StatusBadRequest, "schema", "artifactId is required")
		return
	}
	art, err := a.Artifacts.Complete(req.ArtifactID, req.SHA256, req.SizeBytes)
	if err != nil {
		respondErr(w, r, a.Logger, err)
		return
	}
	respondData(w, map[string]any{"artifact": artifactView(art)})
}

// downloadArtifact authorizes access and hands back the storage reference.
// Blob bytes live in object storage; callers fetch them with the key.
func (a *api) downloadArtifact(w http.ResponseWriter, r *http.Request) {
	principal := middleware.PrincipalFrom(r.Context())
	if principal == nil {
		respondError(w, http.StatusUnauthorized, "auth", "credentials required")
		return
	}
	art, err := a.Store.GetArtifact(chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, r, a.Logger, err)
		return
	}
	orgID := ""
	if principal.Kind == auth.KindBuyer || principal.Kind == auth.KindSession {
		orgID = principal.OrgID
	}
	workerID := ""
	if principal.Kind == auth.KindWorker {
		workerID = principal.WorkerID()
	}
	if !principal.IsAdmin() {
		if err := a.Artifacts.AuthorizeDownload(art, orgID, workerID); err != nil {
			respondErr(w, r, a.Logger, err)
			return
		}
	}
	respondData(w, map[string]any{"artifact": artifactView(art)})
}

// putUpload is the proxy target for presigned PUT URLs. The body is accepted
// and discarded; real deployments front this path with the blob store.
func (a *api) putUpload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	query := r.URL.Query()
	if err := a.Artifacts.VerifyPutURL(id, query.Get("exp"), query.Get("sig")); err != nil {
		respondError(w, http.StatusForbidden, "forbidden", "bad or expired upload signature")
		return
	}
	if _, err := io.Copy(io.Discard, http.MaxBytesReader(w, r.Body, a.Config.MaxUploadBytes)); err != nil {
		respondError(w, http.StatusBadRequest, "oversize", "upload exceeds the size cap")
		return
	}
	w.WriteHeader(http.StatusOK)
}

type scanResultRequest struct {
	Clean  bool   `json:"clean"`
	Detail string `json:"detail"`
}

// scanResult lets an external scanner report its verdict.
func (a *api) scanResult(w http.ResponseWriter, r *http.Request) {
	principal := middleware.PrincipalFrom(r.Context())
	if principal == nil || !principal.IsAdmin() {
		respondError(w, http.StatusUnauthorized, "auth", "admin token required")
		return
	}
	var req scanResultRequest
	if !decodeBody(w, r, &req, maxBodyBytes) {
		return
	}
	art, err := a.Artifacts.ResolveScan(chi.URLParam(r, "id"), req.Clean, req.Detail)
	if err != nil {
		respondErr(w, r, a.Logger, err)
		return
	}
	respondData(w, map[string]any{"artifact": artifactView(art)})
}

func artifactView(art *models.Artifact) map[string]any {
	return map[string]any{
		"artifactId":  art.ID,
		"sha256":      art.SHA256,
		"sizeBytes":   art.SizeBytes,
		"contentType": art.ContentType,
		"storageKey":  art.StorageKey,
		"bucket":      art.BucketKind,
		"status":      art.Status,
		"scanResult":  art.ScanResult,
		"createdAt":   art.CreatedAt,
	}
}
