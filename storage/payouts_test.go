package storage

import (
	"errors"
	"testing"
	"time"

	"proofwork/core"
	"proofwork/models"
	"proofwork/outbox"
)

// acceptWork drives one job through claim, submission, and a passing verdict
// so a payout can be created for it.
func acceptWork(t *testing.T, s *Store, jobID, workerID, dedupeKey string) *models.Submission {
	t.Helper()
	sub := submitWork(t, s, jobID, workerID, dedupeKey)
	passVerdict(t, s, sub.ID, "inst-a")
	return sub
}

func TestCreatePayoutWritesLegsAndSettlesReservation(t *testing.T) {
	s := setupStore(t)
	org := seedOrg(t, s, 20_000)
	worker := seedWorker(t, s)
	_, jobs := seedPublishedBounty(t, s, org.ID, 10_000)
	sub := acceptWork(t, s, jobs[0].ID, worker.ID, "obs-1")

	split, err := core.SplitFees(10_000, 250, 500)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	payout, transfers, err := s.CreatePayout(PayoutSpec{
		SubmissionID:     sub.ID,
		OrgID:            org.ID,
		WorkerID:         worker.ID,
		Split:            split,
		NetAddress:       "0x1111111111111111111111111111111111111111",
		PlatformAddress:  "0x2222222222222222222222222222222222222222",
		ProofworkAddress: "0x3333333333333333333333333333333333333333",
	})
	if err != nil {
		t.Fatalf("create payout: %v", err)
	}
	if payout.Status != core.PayoutPending {
		t.Fatalf("status = %s", payout.Status)
	}
	if payout.AmountCents != 10_000 || payout.PlatformFeeCents != 250 ||
		payout.ProofworkFeeCents != 487 || payout.NetAmountCents != 9263 {
		t.Fatalf("amounts = %d/%d/%d/%d", payout.AmountCents, payout.PlatformFeeCents,
			payout.ProofworkFeeCents, payout.NetAmountCents)
	}
	if len(transfers) != 3 {
		t.Fatalf("expected 3 transfer legs, got %d", len(transfers))
	}
	byKind := map[string]models.PayoutTransfer{}
	for _, tr := range transfers {
		byKind[tr.Kind] = tr
	}
	if net := byKind[core.TransferKindNet]; net.AmountCents != 9263 || net.Status != core.TransferPending {
		t.Fatalf("net leg = %+v", net)
	}
	if fee := byKind[core.TransferKindPlatformFee]; fee.AmountCents != 250 ||
		fee.DestAddress != "0x2222222222222222222222222222222222222222" {
		t.Fatalf("platform leg = %+v", fee)
	}
	if fee := byKind[core.TransferKindProofworkFee]; fee.AmountCents != 487 {
		t.Fatalf("proofwork leg = %+v", fee)
	}

	account := billingAccount(t, s, org.ID)
	if account.BalanceCents != 10_000 || account.ReservedCents != 0 {
		t.Fatalf("account = balance %d reserved %d", account.BalanceCents, account.ReservedCents)
	}
	reloaded, err := s.GetSubmission(sub.ID)
	if err != nil {
		t.Fatalf("get submission: %v", err)
	}
	if reloaded.PayoutStatus != string(core.PayoutPending) {
		t.Fatalf("submission payout status = %s", reloaded.PayoutStatus)
	}

	// Replays return the stored rows and settle nothing further.
	replay, replayTransfers, err := s.CreatePayout(PayoutSpec{
		SubmissionID: sub.ID,
		OrgID:        org.ID,
		WorkerID:     worker.ID,
		Split:        split,
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replay.ID != payout.ID || len(replayTransfers) != 3 {
		t.Fatalf("replay = %s with %d legs", replay.ID, len(replayTransfers))
	}
	account = billingAccount(t, s, org.ID)
	if account.BalanceCents != 10_000 || account.ReservedCents != 0 {
		t.Fatalf("account after replay = balance %d reserved %d", account.BalanceCents, account.ReservedCents)
	}
}

func TestCreatePayoutConfirmsZeroLegsImmediately(t *testing.T) {
	s := setupStore(t)
	org := seedOrg(t, s, 5000)
	worker := seedWorker(t, s)
	_, jobs := seedPublishedBounty(t, s, org.ID, 1000)
	sub := acceptWork(t, s, jobs[0].ID, worker.ID, "obs-1")

	split, err := core.SplitFees(1000, 0, 0)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	_, transfers, err := s.CreatePayout(PayoutSpec{
		SubmissionID: sub.ID,
		OrgID:        org.ID,
		WorkerID:     worker.ID,
		Split:        split,
		NetAddress:   "0x1111111111111111111111111111111111111111",
	})
	if err != nil {
		t.Fatalf("create payout: %v", err)
	}
	for _, tr := range transfers {
		if tr.AmountCents == 0 {
			if tr.Status != core.TransferConfirmed || tr.ConfirmedAt == nil {
				t.Fatalf("zero leg %s = %s", tr.Kind, tr.Status)
			}
			continue
		}
		if tr.Status != core.TransferPending {
			t.Fatalf("net leg = %s, want pending", tr.Status)
		}
	}
}

func TestPayoutLifecycleToPaid(t *testing.T) {
	s := setupStore(t)
	org := seedOrg(t, s, 5000)
	worker := seedWorker(t, s)
	_, jobs := seedPublishedBounty(t, s, org.ID, 1000)
	sub := acceptWork(t, s, jobs[0].ID, worker.ID, "obs-1")

	split, err := core.SplitFees(1000, 0, 0)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	payout, transfers, err := s.CreatePayout(PayoutSpec{
		SubmissionID: sub.ID,
		OrgID:        org.ID,
		WorkerID:     worker.ID,
		Split:        split,
		NetAddress:   "0x1111111111111111111111111111111111111111",
	})
	if err != nil {
		t.Fatalf("create payout: %v", err)
	}
	netLeg := transfers[0]
	if netLeg.Kind != core.TransferKindNet {
		t.Fatalf("first leg = %s", netLeg.Kind)
	}

	if _, err := s.FinalizePaid(payout.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict with unconfirmed legs, got %v", err)
	}

	if _, err := s.TransitionPayout(payout.ID, core.PayoutRequested, nil); err != nil {
		t.Fatalf("to requested: %v", err)
	}
	if _, err := s.TransitionPayout(payout.ID, core.PayoutBroadcast, nil); err != nil {
		t.Fatalf("to broadcast: %v", err)
	}
	_, err = s.UpdateTransfer(netLeg.ID, func(tr *models.PayoutTransfer) error {
		tr.Status = core.TransferBroadcast
		tr.TxHash = "0xdeadbeef"
		return nil
	})
	if err != nil {
		t.Fatalf("broadcast leg: %v", err)
	}
	confirmedAt := time.Now().UTC()
	_, err = s.UpdateTransfer(netLeg.ID, func(tr *models.PayoutTransfer) error {
		tr.Status = core.TransferConfirmed
		tr.ConfirmedAt = &confirmedAt
		return nil
	})
	if err != nil {
		t.Fatalf("confirm leg: %v", err)
	}

	paid, err := s.FinalizePaid(payout.ID)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if paid.Status != core.PayoutPaid || paid.PaidAt == nil {
		t.Fatalf("paid = %s paid_at=%v", paid.Status, paid.PaidAt)
	}
	reloaded, err := s.GetSubmission(sub.ID)
	if err != nil {
		t.Fatalf("get submission: %v", err)
	}
	if reloaded.PayoutStatus != string(core.PayoutPaid) {
		t.Fatalf("submission payout status = %s", reloaded.PayoutStatus)
	}
	var ledger models.BillingEvent
	if err := s.DB().First(&ledger, "id = ?", "payout_settle_"+payout.ID).Error; err != nil {
		t.Fatalf("ledger row: %v", err)
	}
	if ledger.Kind != "payout" || ledger.AmountCents != -1000 {
		t.Fatalf("ledger = %s %d", ledger.Kind, ledger.AmountCents)
	}
	// The balance moved when the reservation settled, not at finalize.
	if account := billingAccount(t, s, org.ID); account.BalanceCents != 4000 {
		t.Fatalf("balance = %d, want 4000", account.BalanceCents)
	}

	// Finalizing again is a no-op and the ledger stays single-entry.
	if _, err := s.FinalizePaid(payout.ID); err != nil {
		t.Fatalf("refinalize: %v", err)
	}
	var ledgerCount int64
	if err := s.DB().Model(&models.BillingEvent{}).Where("kind = ?", "payout").Count(&ledgerCount).Error; err != nil {
		t.Fatalf("count ledger: %v", err)
	}
	if ledgerCount != 1 {
		t.Fatalf("ledger rows = %d, want 1", ledgerCount)
	}

	if _, err := s.MarkPayoutFailed(payout.ID, "too late"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict failing a paid payout, got %v", err)
	}
}

func TestTransitionPayoutValidates(t *testing.T) {
	s := setupStore(t)
	org := seedOrg(t, s, 5000)
	worker := seedWorker(t, s)
	_, jobs := seedPublishedBounty(t, s, org.ID, 1000)
	sub := acceptWork(t, s, jobs[0].ID, worker.ID, "obs-1")
	split, _ := core.SplitFees(1000, 0, 0)
	payout, transfers, err := s.CreatePayout(PayoutSpec{
		SubmissionID: sub.ID, OrgID: org.ID, WorkerID: worker.ID, Split: split,
		NetAddress: "0x1111111111111111111111111111111111111111",
	})
	if err != nil {
		t.Fatalf("create payout: %v", err)
	}
	if _, err := s.TransitionPayout(payout.ID, core.PayoutConfirmed, nil); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict skipping states, got %v", err)
	}
	// A confirmed leg cannot be walked back.
	zeroLeg := transfers[1]
	if zeroLeg.Status != core.TransferConfirmed {
		t.Fatalf("expected confirmed zero leg, got %s", zeroLeg.Status)
	}
	_, err = s.UpdateTransfer(zeroLeg.ID, func(tr *models.PayoutTransfer) error {
		tr.Status = core.TransferPending
		return nil
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict reverting a confirmed leg, got %v", err)
	}
}

func TestMarkPayoutFailedFlagsLegsAndSubmission(t *testing.T) {
	s := setupStore(t)
	org := seedOrg(t, s, 5000)
	worker := seedWorker(t, s)
	_, jobs := seedPublishedBounty(t, s, org.ID, 1000)
	sub := acceptWork(t, s, jobs[0].ID, worker.ID, "obs-1")
	split, _ := core.SplitFees(1000, 0, 0)
	payout, _, err := s.CreatePayout(PayoutSpec{
		SubmissionID: sub.ID, OrgID: org.ID, WorkerID: worker.ID, Split: split,
		NetAddress: "0x1111111111111111111111111111111111111111",
	})
	if err != nil {
		t.Fatalf("create payout: %v", err)
	}
	failed, err := s.MarkPayoutFailed(payout.ID, "payout_address_missing")
	if err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if failed.Status != core.PayoutFailed || failed.FailureReason != "payout_address_missing" {
		t.Fatalf("failed = %s reason=%s", failed.Status, failed.FailureReason)
	}
	transfers, err := s.ListTransfers(payout.ID)
	if err != nil {
		t.Fatalf("list transfers: %v", err)
	}
	for _, tr := range transfers {
		switch tr.Kind {
		case core.TransferKindNet:
			if tr.Status != core.TransferFailed || tr.LastError != "payout_address_missing" {
				t.Fatalf("net leg = %s err=%s", tr.Status, tr.LastError)
			}
		default:
			// Zero legs confirmed at create stay confirmed.
			if tr.Status != core.TransferConfirmed {
				t.Fatalf("leg %s = %s", tr.Kind, tr.Status)
			}
		}
	}
	reloaded, err := s.GetSubmission(sub.ID)
	if err != nil {
		t.Fatalf("get submission: %v", err)
	}
	if reloaded.PayoutStatus != string(core.PayoutFailed) {
		t.Fatalf("submission payout status = %s", reloaded.PayoutStatus)
	}
}

func TestMarkPayoutAdminSilencesOutbox(t *testing.T) {
	s := setupStore(t)
	org := seedOrg(t, s, 5000)
	worker := seedWorker(t, s)
	_, jobs := seedPublishedBounty(t, s, org.ID, 1000)
	sub := acceptWork(t, s, jobs[0].ID, worker.ID, "obs-1")
	split, _ := core.SplitFees(1000, 0, 0)
	payout, _, err := s.CreatePayout(PayoutSpec{
		SubmissionID: sub.ID, OrgID: org.ID, WorkerID: worker.ID, Split: split,
		NetAddress: "0x1111111111111111111111111111111111111111",
	})
	if err != nil {
		t.Fatalf("create payout: %v", err)
	}
	if evt := outboxEvent(t, s, outbox.TopicPayoutRequested, outbox.PayoutKey(sub.ID)); evt.Status != core.OutboxPending {
		t.Fatalf("outbox before mark = %s", evt.Status)
	}

	marked, err := s.MarkPayoutAdmin(payout.ID, core.PayoutPaid, "circle", "transfer-789", "", "admin@ops")
	if err != nil {
		t.Fatalf("admin mark: %v", err)
	}
	if marked.Status != core.PayoutPaid || marked.Provider != "circle" || marked.ProviderRef != "transfer-789" {
		t.Fatalf("marked = %+v", marked)
	}
	if marked.PaidAt == nil {
		t.Fatal("expected paid_at set")
	}
	if evt := outboxEvent(t, s, outbox.TopicPayoutRequested, outbox.PayoutKey(sub.ID)); evt.Status != core.OutboxSent {
		t.Fatalf("outbox after mark = %s, want sent", evt.Status)
	}
	transfers, err := s.ListTransfers(payout.ID)
	if err != nil {
		t.Fatalf("list transfers: %v", err)
	}
	for _, tr := range transfers {
		if tr.Status != core.TransferConfirmed {
			t.Fatalf("leg %s = %s, want confirmed", tr.Kind, tr.Status)
		}
	}

	if _, err := s.MarkPayoutAdmin(payout.ID, core.PayoutFailed, "", "", "", "admin@ops"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict re-marking terminal payout, got %v", err)
	}
}

func TestDailyPayoutCents(t *testing.T) {
	s := setupStore(t)
	at := time.Date(2026, time.August, 24, 12, 0, 0, 0, time.UTC)
	rows := []models.Payout{
		{ID: "payout_day", SubmissionID: "sub_day", OrgID: "org_x", WorkerID: "wk_x",
			AmountCents: 300, Status: core.PayoutPaid, CreatedAt: at.Add(-2 * time.Hour)},
		{ID: "payout_failed", SubmissionID: "sub_failed", OrgID: "org_x", WorkerID: "wk_x",
			AmountCents: 200, Status: core.PayoutFailed, CreatedAt: at.Add(-3 * time.Hour)},
		{ID: "payout_yesterday", SubmissionID: "sub_yesterday", OrgID: "org_x", WorkerID: "wk_x",
			AmountCents: 400, Status: core.PayoutPending, CreatedAt: at.Add(-13 * time.Hour)},
	}
	for _, row := range rows {
		if err := s.DB().Create(&row).Error; err != nil {
			t.Fatalf("seed payout %s: %v", row.ID, err)
		}
	}
	total, err := s.DailyPayoutCents(at)
	if err != nil {
		t.Fatalf("daily: %v", err)
	}
	if total != 300 {
		t.Fatalf("daily cents = %d, want 300", total)
	}
}
