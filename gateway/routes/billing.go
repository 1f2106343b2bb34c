package routes

import (
	"errors"
	"io"
	"net/http"

	"proofwork/billing"
	"proofwork/storage"
)

func (a *api) billingBalance(w http.ResponseWriter, r *http.Request) {
	principal := a.orgPrincipal(w, r)
	if principal == nil {
		return
	}
	account, err := a.Store.GetBillingAccount(principal.OrgID)
	if errors.Is(err, storage.ErrNotFound) {
		if err := a.Store.EnsureBillingAccount(principal.OrgID); err != nil {
			respondErr(w, r, a.Logger, err)
			return
		}
		account, err = a.Store.GetBillingAccount(principal.OrgID)
	}
	if err != nil {
		respondErr(w, r, a.Logger, err)
		return
	}
	quota, err := a.Store.QuotaUsage(principal.OrgID, a.Store.Now())
	if err != nil {
		respondErr(w, r, a.Logger, err)
		return
	}
	respondData(w, map[string]any{
		"balanceCents":  account.BalanceCents,
		"reservedCents": account.ReservedCents,
		"quota": map[string]int64{
			"dayCents":   quota.DayCents,
			"monthCents": quota.MonthCents,
			"openJobs":   quota.OpenJobs,
		},
	})
}

// stripeWebhook verifies the provider signature over the raw body before any
// parsing. Replays acknowledge 200 without a second credit.
func (a *api) stripeWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "oversize", "payload too large")
		return
	}
	sig := r.Header.Get("Stripe-Signature")
	if err := billing.VerifyStripeSignature(sig, body, a.Config.StripeWebhookSecret, a.Store.Now()); err != nil {
		a.Logger.Warn("stripe webhook rejected", "error", err)
		respondError(w, http.StatusBadRequest, "stripe_signature_mismatch", "signature verification failed")
		return
	}
	result, err := a.Billing.IngestStripeEvent(body)
	if err != nil {
		respondErr(w, r, a.Logger, err)
		return
	}
	respondData(w, map[string]any{
		"eventId":  result.EventID,
		"credited": result.Credited,
	})
}

func (a *api) githubWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "oversize", "payload too large")
		return
	}
	sig := r.Header.Get("X-Hub-Signature-256")
	if err := billing.VerifyGitHubSignature(sig, body, a.Config.GitHubWebhookSecret); err != nil {
		a.Logger.Warn("github webhook rejected", "error", err)
		respondError(w, http.StatusUnauthorized, "auth", "signature verification failed")
		return
	}
	stored, err := a.Billing.IngestGitHubEvent(
		r.Header.Get("X-GitHub-Delivery"),
		r.Header.Get("X-GitHub-Event"),
		body,
	)
	if err != nil {
		respondErr(w, r, a.Logger, err)
		return
	}
	respondData(w, map[string]any{"stored": stored})
}
