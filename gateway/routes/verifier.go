package routes

import (
	"encoding/json"
	"net/http"
)

type verifierClaimRequest struct {
	SubmissionID string `json:"submissionId"`
	AttemptNo    int    `json:"attemptNo"`
	ClaimTTLSec  int    `json:"claimTtlSec"`
	// InstanceID overrides the token-derived instance for fleets that pin
	// their own identities.
	InstanceID string `json:"verifierInstanceId"`
}

func (a *api) verifierClaim(w http.ResponseWriter, r *http.Request) {
	principal := a.verifierPrincipal(w, r)
	if principal == nil {
		return
	}
	var req verifierClaimRequest
	if !decodeBody(w, r, &req, maxBodyBytes) {
		return
	}
	if req.SubmissionID == "" {
		respondError(w, http.StatusBadRequest, "schema", "submissionId is required")
		return
	}
	instanceID := req.InstanceID
	if instanceID == "" {
		instanceID = principal.InstanceID
	}
	result, err := a.Verifications.Claim(req.SubmissionID, instanceID, req.ClaimTTLSec)
	if err != nil {
		respondErr(w, r, a.Logger, err)
		return
	}
	var manifest json.RawMessage
	if result.Submission.Manifest != "" {
		manifest = json.RawMessage(result.Submission.Manifest)
	}
	respondData(w, map[string]any{
		"verificationId": result.Verification.ID,
		"claimToken":     result.Verification.ClaimToken,
		"attemptNo":      result.Verification.AttemptNo,
		"claimExpiresAt": result.Verification.ClaimExpiresAt,
		"jobSpec":        result.JobSpec,
		"submission": map[string]any{
			"submissionId":  result.Submission.ID,
			"jobId":         result.Submission.JobID,
			"bountyId":      result.Submission.BountyID,
			"manifest":      manifest,
			"artifactIndex": json.RawMessage(orEmptyJSON(result.Submission.ArtifactIndex)),
		},
	})
}

type verifierVerdictRequest struct {
	VerificationID string          `json:"verificationId"`
	ClaimToken     string          `json:"claimToken"`
	Verdict        string          `json:"verdict"`
	Scorecard      json.RawMessage `json:"scorecard"`
	Reason         string          `json:"reason"`
}

func (a *api) verifierVerdict(w http.ResponseWriter, r *http.Request) {
	principal := a.verifierPrincipal(w, r)
	if principal == nil {
		return
	}
	var req verifierVerdictRequest
	if !decodeBody(w, r, &req, maxBodyBytes) {
		return
	}
	if req.VerificationID == "" || req.ClaimToken == "" {
		respondError(w, http.StatusBadRequest, "schema", "verificationId and claimToken are required")
		return
	}
	if req.Verdict != "pass" && req.Verdict != "fail" {
		respondError(w, http.StatusBadRequest, "schema", `verdict must be "pass" or "fail"`)
		return
	}
	var scorecard any
	if len(req.Scorecard) > 0 {
		if err := json.Unmarshal(req.Scorecard, &scorecard); err != nil {
			respondError(w, http.StatusBadRequest, "schema", "scorecard is not valid JSON")
			return
		}
	}
	result, err := a.Verifications.Verdict(req.VerificationID, req.ClaimToken, req.Verdict, scorecard, req.Reason)
	if err != nil {
		respondErr(w, r, a.Logger, err)
		return
	}
	respondData(w, map[string]any{
		"accepted":  result.Accepted,
		"passVotes": result.PassVotes,
		"jobStatus": result.JobStatus,
	})
}

func orEmptyJSON(raw string) string {
	if raw == "" {
		return "null"
	}
	return raw
}
