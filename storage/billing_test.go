package storage

import (
	"errors"
	"strings"
	"testing"
	"time"

	"proofwork/core"
	"proofwork/models"
	"proofwork/outbox"
)

func TestApplyBillingEventCreditsOnce(t *testing.T) {
	s := setupStore(t)
	org := seedOrg(t, s, 0)

	topup := &models.BillingEvent{
		ID:          "evt_stripe_cs_1",
		OrgID:       org.ID,
		Kind:        "topup",
		AmountCents: 5000,
	}
	applied, err := s.ApplyBillingEvent(topup)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !applied {
		t.Fatal("expected first apply to credit")
	}
	if account := billingAccount(t, s, org.ID); account.BalanceCents != 5000 {
		t.Fatalf("balance = %d, want 5000", account.BalanceCents)
	}
	evt := outboxEvent(t, s, outbox.TopicBillingTopupCredited, outbox.TopupKey(topup.ID))
	if evt.Status != core.OutboxPending {
		t.Fatalf("topup event = %s", evt.Status)
	}

	// Provider webhooks redeliver. The event ID makes the credit land once.
	replay := &models.BillingEvent{ID: "evt_stripe_cs_1", OrgID: org.ID, Kind: "topup", AmountCents: 5000}
	applied, err = s.ApplyBillingEvent(replay)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if applied {
		t.Fatal("expected replay to be ignored")
	}
	if account := billingAccount(t, s, org.ID); account.BalanceCents != 5000 {
		t.Fatalf("balance after replay = %d", account.BalanceCents)
	}
	if n := outboxCount(t, s, outbox.TopicBillingTopupCredited); n != 1 {
		t.Fatalf("topup events = %d, want 1", n)
	}

	// Adjustments are signed and carry no topup notification.
	debit := &models.BillingEvent{ID: "evt_adjust_1", OrgID: org.ID, Kind: "adjustment", AmountCents: -200}
	if _, err := s.ApplyBillingEvent(debit); err != nil {
		t.Fatalf("debit: %v", err)
	}
	if account := billingAccount(t, s, org.ID); account.BalanceCents != 4800 {
		t.Fatalf("balance after debit = %d, want 4800", account.BalanceCents)
	}
	if n := outboxCount(t, s, outbox.TopicBillingTopupCredited); n != 1 {
		t.Fatalf("topup events after debit = %d", n)
	}

	events, err := s.ListBillingEvents(org.ID, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("ledger rows = %d, want 2", len(events))
	}
}

func TestApplyBillingEventValidation(t *testing.T) {
	s := setupStore(t)
	seedOrg(t, s, 0)

	_, err := s.ApplyBillingEvent(&models.BillingEvent{OrgID: "org_x", Kind: "topup", AmountCents: 100})
	if !errors.Is(err, ErrInvariant) {
		t.Fatalf("expected invariant for missing id, got %v", err)
	}
	_, err = s.ApplyBillingEvent(&models.BillingEvent{ID: "evt_orphan", OrgID: "org_missing", Kind: "topup", AmountCents: 100})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for unknown org, got %v", err)
	}
}

func TestQuotaUsageWindows(t *testing.T) {
	s := setupStore(t)
	org := seedOrg(t, s, 10_000)
	at := time.Date(2026, time.August, 24, 12, 0, 0, 0, time.UTC)

	rows := []models.Payout{
		{ID: "payout_today", SubmissionID: "sub_a", OrgID: org.ID, WorkerID: "wk_x",
			AmountCents: 300, Status: core.PayoutPaid,
			CreatedAt: time.Date(2026, time.August, 24, 8, 0, 0, 0, time.UTC)},
		{ID: "payout_today_failed", SubmissionID: "sub_b", OrgID: org.ID, WorkerID: "wk_x",
			AmountCents: 200, Status: core.PayoutFailed,
			CreatedAt: time.Date(2026, time.August, 24, 9, 0, 0, 0, time.UTC)},
		{ID: "payout_month", SubmissionID: "sub_c", OrgID: org.ID, WorkerID: "wk_x",
			AmountCents: 500, Status: core.PayoutPending,
			CreatedAt: time.Date(2026, time.August, 19, 9, 0, 0, 0, time.UTC)},
		{ID: "payout_last_month", SubmissionID: "sub_d", OrgID: org.ID, WorkerID: "wk_x",
			AmountCents: 400, Status: core.PayoutPaid,
			CreatedAt: time.Date(2026, time.July, 15, 9, 0, 0, 0, time.UTC)},
	}
	for _, row := range rows {
		if err := s.DB().Create(&row).Error; err != nil {
			t.Fatalf("seed payout %s: %v", row.ID, err)
		}
	}

	_, jobs := seedPublishedBounty(t, s, org.ID, 500, "chrome", "firefox")
	worker := seedWorker(t, s)
	if _, err := s.ClaimJob(jobs[0].ID, worker.ID, time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}

	usage, err := s.QuotaUsage(org.ID, at)
	if err != nil {
		t.Fatalf("quota: %v", err)
	}
	if usage.DayCents != 300 {
		t.Fatalf("day cents = %d, want 300", usage.DayCents)
	}
	if usage.MonthCents != 800 {
		t.Fatalf("month cents = %d, want 800", usage.MonthCents)
	}
	// Claimed jobs still count as open capacity.
	if usage.OpenJobs != 2 {
		t.Fatalf("open jobs = %d, want 2", usage.OpenJobs)
	}
}

func TestPaymentIntentLifecycle(t *testing.T) {
	s := setupStore(t)
	org := seedOrg(t, s, 0)

	intent := &models.PaymentIntent{
		OrgID:       org.ID,
		Provider:    "stripe",
		ProviderRef: "cs_test_123",
		AmountCents: 2500,
		Status:      "created",
	}
	if err := s.CreatePaymentIntent(intent); err != nil {
		t.Fatalf("create intent: %v", err)
	}
	if !strings.HasPrefix(intent.ID, "pi_") {
		t.Fatalf("intent id = %q", intent.ID)
	}

	byRef, err := s.GetPaymentIntentByRef("stripe", "cs_test_123")
	if err != nil {
		t.Fatalf("by ref: %v", err)
	}
	if byRef.ID != intent.ID || byRef.AmountCents != 2500 {
		t.Fatalf("by ref = %+v", byRef)
	}
	if _, err := s.GetPaymentIntentByRef("stripe", "cs_other"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	if err := s.SetPaymentIntentStatus(intent.ID, "succeeded"); err != nil {
		t.Fatalf("set status: %v", err)
	}
	reloaded, err := s.GetPaymentIntentByRef("stripe", "cs_test_123")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Status != "succeeded" {
		t.Fatalf("status = %s", reloaded.Status)
	}
	if err := s.SetPaymentIntentStatus("pi_missing", "succeeded"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
