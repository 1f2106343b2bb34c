package routes

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"

	"proofwork/artifacts"
	"proofwork/core"
	"proofwork/gateway/auth"
	"proofwork/origins"
	"proofwork/scheduler"
	"proofwork/storage"
	"proofwork/submissions"
)

// envelope is the uniform response shape. Either data or error is set.
type envelope struct {
	OK    bool      `json:"ok"`
	Data  any       `json:"data,omitempty"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Gateway-local sentinels for taxonomy codes no inner package owns.
var (
	errForbidden       = errors.New("forbidden")
	errFeatureDisabled = errors.New("feature_disabled")
	errAppDisabled     = errors.New("app_disabled")
	errMinPayout       = errors.New("min_payout")
	errRateLimited     = errors.New("rate_limit")
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func respondData(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{OK: true, Data: data})
}

func respondOK(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, envelope{OK: true})
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, envelope{Error: &apiError{Code: code, Message: message}})
}

// respondErr maps a domain error onto the HTTP taxonomy. Unrecognized errors
// are opaque 500s; the request id header is the operator's correlation handle.
func respondErr(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status, code := classify(err)
	if status >= 500 {
		logger.Error("request failed",
			"path", r.URL.Path, "request_id", chimw.GetReqID(r.Context()), "error", err.Error())
		respondError(w, status, "internal", "internal error")
		return
	}
	respondError(w, status, code, err.Error())
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, auth.ErrUnauthorized),
		errors.Is(err, auth.ErrSessionInvalid),
		errors.Is(err, auth.ErrBadCredentials):
		return http.StatusUnauthorized, "auth"
	case errors.Is(err, auth.ErrCSRFMismatch),
		errors.Is(err, errForbidden),
		errors.Is(err, artifacts.ErrForbidden),
		errors.Is(err, scheduler.ErrWorkerBanned):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, "not_found"

	case errors.Is(err, scheduler.ErrStaleJob), errors.Is(err, submissions.ErrStaleJob):
		return http.StatusConflict, "stale_job"
	case errors.Is(err, scheduler.ErrLeaseTaken):
		return http.StatusConflict, "lease_taken"
	case errors.Is(err, storage.ErrLeaseInvalid), errors.Is(err, storage.ErrClaimInvalid):
		return http.StatusConflict, "lease_invalid"
	case errors.Is(err, storage.ErrIdempotencyConflict):
		return http.StatusConflict, "idempotency_conflict"
	case errors.Is(err, storage.ErrAttemptClaimed):
		return http.StatusConflict, "attempt_claimed"
	case errors.Is(err, storage.ErrInsufficientFunds):
		return http.StatusConflict, "insufficient_funds"
	case errors.Is(err, errFeatureDisabled):
		return http.StatusConflict, "feature_disabled"
	case errors.Is(err, errAppDisabled):
		return http.StatusConflict, "app_disabled"
	case errors.Is(err, origins.ErrNotPending), errors.Is(err, storage.ErrConflict):
		return http.StatusConflict, "conflict"

	case errors.Is(err, submissions.ErrOriginViolation):
		return http.StatusBadRequest, "origin_violation"
	case errors.Is(err, submissions.ErrInvalidArtifact):
		return http.StatusBadRequest, "invalid_artifact"
	case errors.Is(err, artifacts.ErrBlockedContentType):
		return http.StatusBadRequest, "blocked_content_type"
	case errors.Is(err, artifacts.ErrOversize):
		return http.StatusBadRequest, "oversize"
	case errors.Is(err, core.ErrDescriptorSensitive):
		return http.StatusBadRequest, "task_descriptor_sensitive"
	case errors.Is(err, core.ErrDescriptorInvalid):
		return http.StatusBadRequest, "invalid_task_descriptor"
	case errors.Is(err, errMinPayout):
		return http.StatusBadRequest, "min_payout"
	case errors.Is(err, origins.ErrBlockedDomain):
		return http.StatusBadRequest, "blocked_domain"
	case errors.Is(err, core.ErrInvalidOrigin),
		errors.Is(err, origins.ErrChallengeFailed),
		errors.Is(err, origins.ErrUnknownMethod),
		errors.Is(err, submissions.ErrSchema),
		errors.Is(err, storage.ErrInvariant):
		return http.StatusBadRequest, "schema"

	case errors.Is(err, errRateLimited):
		return http.StatusTooManyRequests, "rate_limit"
	}
	return http.StatusInternalServerError, "internal"
}

// decodeBody parses a JSON request body into dst with a hard size cap.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any, maxBytes int64) bool {
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "schema", "malformed JSON body: "+err.Error())
		return false
	}
	return true
}
