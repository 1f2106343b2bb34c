package routes

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"proofwork/core"
	"proofwork/gateway/middleware"
	"proofwork/outbox"
)

type banWorkerRequest struct {
	Reason string `json:"reason"`
}

func (a *api) banWorker(w http.ResponseWriter, r *http.Request) {
	var req banWorkerRequest
	if !decodeBody(w, r, &req, maxBodyBytes) {
		return
	}
	if err := a.Store.BanWorker(chi.URLParam(r, "id"), req.Reason, "admin"); err != nil {
		respondErr(w, r, a.Logger, err)
		return
	}
	respondOK(w)
}

type topupRequest struct {
	AmountCents int64  `json:"amountCents"`
	Reference   string `json:"reference"`
}

func (a *api) adminTopup(w http.ResponseWriter, r *http.Request) {
	var req topupRequest
	if !decodeBody(w, r, &req, maxBodyBytes) {
		return
	}
	if req.AmountCents <= 0 || strings.TrimSpace(req.Reference) == "" {
		respondError(w, http.StatusBadRequest, "schema", "amountCents must be positive and reference is required")
		return
	}
	credited, err := a.Billing.AdminTopup(chi.URLParam(r, "id"), req.Reference, req.AmountCents)
	if err != nil {
		respondErr(w, r, a.Logger, err)
		return
	}
	respondData(w, map[string]any{"credited": credited})
}

func (a *api) listBlockedDomains(w http.ResponseWriter, r *http.Request) {
	domains, err := a.Store.ListBlockedDomains()
	if err != nil {
		respondErr(w, r, a.Logger, err)
		return
	}
	views := make([]map[string]any, 0, len(domains))
	for _, d := range domains {
		views = append(views, map[string]any{
			"domain":    d.Domain,
			"reason":    d.Reason,
			"createdAt": d.CreatedAt,
		})
	}
	respondData(w, map[string]any{"domains": views})
}

type blockDomainRequest struct {
	Domain string `json:"domain"`
	Reason string `json:"reason"`
}

func (a *api) addBlockedDomain(w http.ResponseWriter, r *http.Request) {
	var req blockDomainRequest
	if !decodeBody(w, r, &req, maxBodyBytes) {
		return
	}
	if strings.TrimSpace(req.Domain) == "" {
		respondError(w, http.StatusBadRequest, "schema", "domain is required")
		return
	}
	if err := a.Store.AddBlockedDomain(req.Domain, req.Reason, "admin"); err != nil {
		respondErr(w, r, a.Logger, err)
		return
	}
	respondOK(w)
}

func (a *api) removeBlockedDomain(w http.ResponseWriter, r *http.Request) {
	domain, err := url.PathUnescape(chi.URLParam(r, "domain"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "schema", "bad domain encoding")
		return
	}
	if err := a.Store.RemoveBlockedDomain(domain, "admin"); err != nil {
		respondErr(w, r, a.Logger, err)
		return
	}
	respondOK(w)
}

// approveOrigin records an out-of-band verification decided by an operator.
func (a *api) approveOrigin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrgID string `json:"orgId"`
	}
	if !decodeBody(w, r, &req, maxBodyBytes) {
		return
	}
	if req.OrgID == "" {
		respondError(w, http.StatusBadRequest, "schema", "orgId is required")
		return
	}
	if err := a.Store.MarkOriginVerified(req.OrgID, chi.URLParam(r, "id"), "manual"); err != nil {
		respondErr(w, r, a.Logger, err)
		return
	}
	respondOK(w)
}

func (a *api) rejectOrigin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrgID  string `json:"orgId"`
		Reason string `json:"reason"`
	}
	if !decodeBody(w, r, &req, maxBodyBytes) {
		return
	}
	if req.OrgID == "" {
		respondError(w, http.StatusBadRequest, "schema", "orgId is required")
		return
	}
	actor := "admin"
	if req.Reason != "" {
		actor = "admin: " + req.Reason
	}
	if err := a.Store.RevokeOrigin(req.OrgID, chi.URLParam(r, "id"), actor); err != nil {
		respondErr(w, r, a.Logger, err)
		return
	}
	respondOK(w)
}

type markPayoutRequest struct {
	Status      string `json:"status"`
	Provider    string `json:"provider"`
	ProviderRef string `json:"providerRef"`
	Reason      string `json:"reason"`
}

// markPayout reconciles a payout settled or failed outside the pipeline.
func (a *api) markPayout(w http.ResponseWriter, r *http.Request) {
	var req markPayoutRequest
	if !decodeBody(w, r, &req, maxBodyBytes) {
		return
	}
	status := core.PayoutState(req.Status)
	if status != core.PayoutPaid && status != core.PayoutFailed {
		respondError(w, http.StatusBadRequest, "schema", `status must be "paid" or "failed"`)
		return
	}
	payout, err := a.Store.MarkPayoutAdmin(chi.URLParam(r, "id"), status, req.Provider, req.ProviderRef, req.Reason, "admin")
	if err != nil {
		respondErr(w, r, a.Logger, err)
		return
	}
	respondData(w, map[string]any{
		"payoutId": payout.ID,
		"status":   payout.Status,
	})
}

func (a *api) listAlarms(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	alarms, err := a.Store.ListAlarms(limit)
	if err != nil {
		respondErr(w, r, a.Logger, err)
		return
	}
	views := make([]map[string]any, 0, len(alarms))
	for _, alarm := range alarms {
		views = append(views, map[string]any{
			"alarmId":    alarm.ID,
			"topicArn":   alarm.TopicARN,
			"messageId":  alarm.SNSMessageID,
			"kind":       alarm.Kind,
			"subject":    alarm.Subject,
			"message":    alarm.Message,
			"receivedAt": alarm.ReceivedAt,
		})
	}
	respondData(w, map[string]any{"alarms": views})
}

// peekOutbox surfaces the queue for operators; deadletters by default.
func (a *api) peekOutbox(w http.ResponseWriter, r *http.Request) {
	status := core.OutboxStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = core.OutboxDeadletter
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := outbox.List(a.Store.DB(), status, limit)
	if err != nil {
		respondErr(w, r, a.Logger, err)
		return
	}
	views := make([]map[string]any, 0, len(events))
	for _, evt := range events {
		view := map[string]any{
			"eventId":   evt.ID,
			"topic":     evt.Topic,
			"status":    evt.Status,
			"attempts":  evt.Attempts,
			"lastError": evt.LastError,
			"createdAt": evt.CreatedAt,
		}
		if evt.IdempotencyKey != nil {
			view["idempotencyKey"] = *evt.IdempotencyKey
		}
		views = append(views, view)
	}
	respondData(w, map[string]any{"events": views})
}

type retryOutboxRequest struct {
	Topic          string `json:"topic"`
	IdempotencyKey string `json:"idempotencyKey"`
}

func (a *api) retryOutbox(w http.ResponseWriter, r *http.Request) {
	var req retryOutboxRequest
	if !decodeBody(w, r, &req, maxBodyBytes) {
		return
	}
	if req.Topic == "" || req.IdempotencyKey == "" {
		respondError(w, http.StatusBadRequest, "schema", "topic and idempotencyKey are required")
		return
	}
	requeued, err := outbox.Requeue(a.Store.DB(), req.Topic, req.IdempotencyKey)
	if err != nil {
		respondErr(w, r, a.Logger, err)
		return
	}
	respondData(w, map[string]any{"requeued": requeued})
}

// reapLeases is the operational hook behind the periodic reaper; exposed so
// deployments can drive it from cron instead.
func (a *api) reapLeases(w http.ResponseWriter, r *http.Request) {
	principal := middleware.PrincipalFrom(r.Context())
	if principal == nil || !principal.IsAdmin() {
		respondError(w, http.StatusUnauthorized, "auth", "admin token required")
		return
	}
	reaped, err := a.Scheduler.Reap()
	if err != nil {
		respondErr(w, r, a.Logger, err)
		return
	}
	respondData(w, map[string]any{"reaped": reaped})
}
