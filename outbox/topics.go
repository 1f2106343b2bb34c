package outbox

// Topics carried by the outbox. Handlers register under these names.
const (
	TopicVerificationRequested  = "verification.requested"
	TopicPayoutRequested        = "payout.requested"
	TopicPayoutConfirmRequested = "payout.confirm.requested"
	TopicArtifactScanRequested  = "artifact.scan.requested"
	TopicBillingTopupCredited   = "billing.topup.credited"
)

// Idempotency keys are derived from the entity the event represents so that
// duplicate emissions collapse.
func VerificationKey(submissionID string) string { return "verify:" + submissionID }

// PayoutKey keys payout.requested events.
func PayoutKey(submissionID string) string { return "payout:" + submissionID }

// PayoutConfirmKey keys payout.confirm.requested events.
func PayoutConfirmKey(payoutID string) string { return "payout_confirm:" + payoutID }

// ArtifactScanKey keys artifact.scan.requested events.
func ArtifactScanKey(artifactID string) string { return "artifact_scan:" + artifactID }

// TopupKey keys billing.topup.credited events.
func TopupKey(eventID string) string { return "topup:" + eventID }

// VerificationRequested is the payload of verification.requested.
type VerificationRequested struct {
	SubmissionID string `json:"submissionId"`
	JobID        string `json:"jobId"`
	BountyID     string `json:"bountyId"`
}

// PayoutRequested is the payload of payout.requested.
type PayoutRequested struct {
	SubmissionID string `json:"submissionId"`
	WorkerID     string `json:"workerId"`
	OrgID        string `json:"orgId"`
}

// PayoutConfirmRequested is the payload of payout.confirm.requested.
type PayoutConfirmRequested struct {
	PayoutID string `json:"payoutId"`
}

// ArtifactScanRequested is the payload of artifact.scan.requested.
type ArtifactScanRequested struct {
	ArtifactID string `json:"artifactId"`
	StorageKey string `json:"storageKey"`
}

// BillingTopupCredited is the payload of billing.topup.credited.
type BillingTopupCredited struct {
	OrgID       string `json:"orgId"`
	EventID     string `json:"eventId"`
	AmountCents int64  `json:"amountCents"`
}
