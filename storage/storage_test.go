package storage

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"proofwork/core"
	"proofwork/models"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	return setupStoreClock(t, nil)
}

func setupStoreClock(t *testing.T, now func() time.Time) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	var opts []Option
	if now != nil {
		opts = append(opts, WithNow(now))
	}
	return New(db, opts...)
}

// seedOrg creates a tenant and, when balanceCents is positive, credits its
// funding account through the ledger.
func seedOrg(t *testing.T, s *Store, balanceCents int64) *models.Org {
	t.Helper()
	org := &models.Org{Name: "Acme Research"}
	if err := s.CreateOrg(org); err != nil {
		t.Fatalf("create org: %v", err)
	}
	if balanceCents > 0 {
		evt := &models.BillingEvent{
			ID:          "seed_" + org.ID,
			OrgID:       org.ID,
			Kind:        "adjustment",
			AmountCents: balanceCents,
		}
		if _, err := s.ApplyBillingEvent(evt); err != nil {
			t.Fatalf("seed balance: %v", err)
		}
	}
	return org
}

func seedWorker(t *testing.T, s *Store) *models.Worker {
	t.Helper()
	worker := &models.Worker{TokenHash: core.NewNonce()}
	if err := s.CreateWorker(worker); err != nil {
		t.Fatalf("create worker: %v", err)
	}
	return worker
}

// seedPublishedBounty creates and publishes a bounty, returning it together
// with the fanned-out jobs.
func seedPublishedBounty(t *testing.T, s *Store, orgID string, payoutCents int64, classes ...string) (*models.Bounty, []models.Job) {
	t.Helper()
	bounty := &models.Bounty{
		OrgID:       orgID,
		Title:       "Reproduce the checkout crash",
		TaskType:    "web.flow",
		PayoutCents: payoutCents,
	}
	if len(classes) > 0 {
		bounty.FingerprintClasses = EncodeStrings(classes)
	}
	if err := s.CreateBounty(bounty); err != nil {
		t.Fatalf("create bounty: %v", err)
	}
	published, err := s.PublishBounty(bounty.ID, orgID, "user_test")
	if err != nil {
		t.Fatalf("publish bounty: %v", err)
	}
	jobs, err := s.ListJobs(bounty.ID, 0)
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	return published, jobs
}

// submitWork claims the job for the worker and files a submission carrying
// the given dedupe key. Fails the test if the intake does not resolve to a
// fresh submitted row.
func submitWork(t *testing.T, s *Store, jobID, workerID, dedupeKey string) *models.Submission {
	t.Helper()
	claimed, err := s.ClaimJob(jobID, workerID, time.Minute)
	if err != nil {
		t.Fatalf("claim job: %v", err)
	}
	sub := &models.Submission{
		JobID:       claimed.ID,
		BountyID:    claimed.BountyID,
		Manifest:    `{"finalUrl":"https://app.example.com/checkout"}`,
		DedupeKey:   dedupeKey,
		PayloadHash: "hash_" + dedupeKey,
	}
	outcome, err := s.AddSubmission(sub, workerID, *claimed.LeaseNonce)
	if err != nil {
		t.Fatalf("add submission: %v", err)
	}
	if outcome.Replayed || outcome.Duplicate {
		t.Fatalf("expected fresh submission, got replayed=%v duplicate=%v", outcome.Replayed, outcome.Duplicate)
	}
	return outcome.Submission
}

// passVerdict claims the submission for a verifier instance and records a
// pass.
func passVerdict(t *testing.T, s *Store, submissionID, instance string) *VerdictResult {
	t.Helper()
	claim, err := s.ClaimVerification(submissionID, instance, time.Minute)
	if err != nil {
		t.Fatalf("claim verification: %v", err)
	}
	result, err := s.RecordVerdict(claim.ID, claim.ClaimToken, core.VerdictPass, map[string]int{"checks": 3}, "", 3)
	if err != nil {
		t.Fatalf("record verdict: %v", err)
	}
	return result
}

func outboxEvent(t *testing.T, s *Store, topic, key string) models.OutboxEvent {
	t.Helper()
	var evt models.OutboxEvent
	if err := s.DB().Where("topic = ? AND idempotency_key = ?", topic, key).First(&evt).Error; err != nil {
		t.Fatalf("outbox event %s/%s: %v", topic, key, err)
	}
	return evt
}

func outboxCount(t *testing.T, s *Store, topic string) int64 {
	t.Helper()
	var count int64
	if err := s.DB().Model(&models.OutboxEvent{}).Where("topic = ?", topic).Count(&count).Error; err != nil {
		t.Fatalf("count outbox %s: %v", topic, err)
	}
	return count
}

func billingAccount(t *testing.T, s *Store, orgID string) *models.BillingAccount {
	t.Helper()
	account, err := s.GetBillingAccount(orgID)
	if err != nil {
		t.Fatalf("billing account: %v", err)
	}
	return account
}

func TestRunMigrationsRecordsLedgerOnce(t *testing.T) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := RunMigrations(db); err != nil {
		t.Fatalf("run migrations: %v", err)
	}
	applied, err := AppliedMigrations(db)
	if err != nil {
		t.Fatalf("applied: %v", err)
	}
	if len(applied) == 0 {
		t.Fatal("expected applied migrations")
	}
	if applied[0] != "0001_identity.sql" {
		t.Fatalf("first migration = %s", applied[0])
	}
	// A second run converges without duplicating ledger rows.
	if err := RunMigrations(db); err != nil {
		t.Fatalf("rerun migrations: %v", err)
	}
	again, err := AppliedMigrations(db)
	if err != nil {
		t.Fatalf("applied after rerun: %v", err)
	}
	if len(again) != len(applied) {
		t.Fatalf("ledger grew from %d to %d rows", len(applied), len(again))
	}
	// The migrated schema accepts domain writes.
	s := New(db)
	if err := s.CreateOrg(&models.Org{Name: "Migrated"}); err != nil {
		t.Fatalf("write after migrate: %v", err)
	}
}

func TestRecordAlarmDeduplicates(t *testing.T) {
	s := setupStore(t)
	first := &models.AlarmNotification{
		TopicARN:     "arn:aws:sns:us-east-1:123:proofwork-alerts",
		SNSMessageID: "msg-1",
		Kind:         "Notification",
		Subject:      "ALARM: outbox lag",
	}
	inserted, err := s.RecordAlarm(first)
	if err != nil {
		t.Fatalf("record alarm: %v", err)
	}
	if !inserted {
		t.Fatal("expected first alarm to insert")
	}
	replay := &models.AlarmNotification{
		TopicARN:     first.TopicARN,
		SNSMessageID: first.SNSMessageID,
		Kind:         "Notification",
	}
	inserted, err = s.RecordAlarm(replay)
	if err != nil {
		t.Fatalf("record replay: %v", err)
	}
	if inserted {
		t.Fatal("expected replayed SNS message to collapse")
	}
	other := &models.AlarmNotification{
		TopicARN:     first.TopicARN,
		SNSMessageID: "msg-2",
		Kind:         "Notification",
	}
	if inserted, err = s.RecordAlarm(other); err != nil || !inserted {
		t.Fatalf("second message: inserted=%v err=%v", inserted, err)
	}
	alarms, err := s.ListAlarms(0)
	if err != nil {
		t.Fatalf("list alarms: %v", err)
	}
	if len(alarms) != 2 {
		t.Fatalf("expected 2 alarms, got %d", len(alarms))
	}
}

func TestRecordGitHubEventDeduplicates(t *testing.T) {
	s := setupStore(t)
	evt := &models.GitHubEvent{DeliveryID: "6e38b1c0-guid", EventType: "issues", Payload: "{}"}
	inserted, err := s.RecordGitHubEvent(evt)
	if err != nil || !inserted {
		t.Fatalf("first delivery: inserted=%v err=%v", inserted, err)
	}
	replay := &models.GitHubEvent{DeliveryID: "6e38b1c0-guid", EventType: "issues", Payload: "{}"}
	inserted, err = s.RecordGitHubEvent(replay)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if inserted {
		t.Fatal("expected replayed delivery GUID to collapse")
	}
}

func TestResetStoreClearsTables(t *testing.T) {
	s := setupStore(t)
	org := seedOrg(t, s, 1000)
	if err := s.ResetStore("test"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, err := s.GetOrg(org.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected org wiped, got %v", err)
	}
	if _, err := s.GetBillingAccount(org.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected billing account wiped, got %v", err)
	}
}
