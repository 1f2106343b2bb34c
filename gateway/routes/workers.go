package routes

import (
	"net/http"
	"strings"

	"proofwork/core"
	"proofwork/gateway/auth"
	"proofwork/models"
	"proofwork/scheduler"
	"proofwork/storage"
)

type registerWorkerRequest struct {
	Capabilities       []string `json:"capabilities"`
	FingerprintClasses []string `json:"fingerprintClasses"`
}

// registerWorker mints an anonymous worker identity. The raw token is
// returned exactly once; only its hash persists.
func (a *api) registerWorker(w http.ResponseWriter, r *http.Request) {
	if !a.registerLimiter.Allow(scheduler.ClientIP(r)) {
		respondError(w, http.StatusTooManyRequests, "rate_limit", "too many registrations from this address")
		return
	}
	var req registerWorkerRequest
	if !decodeBody(w, r, &req, maxBodyBytes) {
		return
	}
	token := auth.NewToken(auth.PrefixWorker)
	worker := &models.Worker{
		TokenHash:          core.HashToken(token),
		Capabilities:       storage.EncodeStrings(req.Capabilities),
		FingerprintClasses: storage.EncodeStrings(req.FingerprintClasses),
	}
	if err := a.Store.CreateWorker(worker); err != nil {
		respondErr(w, r, a.Logger, err)
		return
	}
	respondData(w, map[string]string{"workerId": worker.ID, "token": token})
}

type payoutAddressRequest struct {
	Chain   string `json:"chain"`
	Address string `json:"address"`
	// Verified is an attestation step handled out of band today; the flag
	// mirrors what the address-verification worker writes.
	Verified bool `json:"verified"`
}

// upsertPayoutAddress registers or replaces the worker's settlement address
// and revives payouts that previously failed for the missing address.
func (a *api) upsertPayoutAddress(w http.ResponseWriter, r *http.Request) {
	principal := a.workerPrincipal(w, r)
	if principal == nil {
		return
	}
	var req payoutAddressRequest
	if !decodeBody(w, r, &req, maxBodyBytes) {
		return
	}
	if strings.TrimSpace(req.Address) == "" {
		respondError(w, http.StatusBadRequest, "schema", "address is required")
		return
	}
	chain := req.Chain
	if chain == "" {
		chain = "base"
	}
	addr := &models.WorkerPayoutAddress{
		WorkerID: principal.WorkerID(),
		Chain:    chain,
		Address:  strings.TrimSpace(req.Address),
		Status:   "unverified",
	}
	if req.Verified {
		now := a.Store.Now()
		addr.Status = "verified"
		addr.VerifiedAt = &now
	}
	if err := a.Store.UpsertPayoutAddress(addr); err != nil {
		respondErr(w, r, a.Logger, err)
		return
	}
	revived := 0
	if addr.VerifiedAt != nil {
		n, err := a.Payouts.RetryMissingAddress(principal.WorkerID())
		if err != nil {
			respondErr(w, r, a.Logger, err)
			return
		}
		revived = n
	}
	respondData(w, map[string]any{
		"addressId":      addr.ID,
		"status":         addr.Status,
		"revivedPayouts": revived,
	})
}

func (a *api) workerEarnings(w http.ResponseWriter, r *http.Request) {
	principal := a.workerPrincipal(w, r)
	if principal == nil {
		return
	}
	rows, err := a.Store.WorkerEarnings(principal.WorkerID(), 100)
	if err != nil {
		respondErr(w, r, a.Logger, err)
		return
	}
	earnings := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		earnings = append(earnings, map[string]any{
			"submissionId":   row.SubmissionID,
			"jobId":          row.JobID,
			"bountyId":       row.BountyID,
			"status":         row.Status,
			"payoutId":       row.PayoutID,
			"netAmountCents": row.NetAmountCents,
			"payoutStatus":   row.PayoutStatus,
			"createdAt":      row.CreatedAt,
		})
	}
	respondData(w, map[string]any{"earnings": earnings})
}
