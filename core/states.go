package core

import "fmt"

// BountyState tracks a bounty from draft through completion.
type BountyState string

// All bounty states.
const (
	BountyDraft     BountyState = "draft"
	BountyPublished BountyState = "published"
	BountyPaused    BountyState = "paused"
	BountyCompleted BountyState = "completed"
)

// JobState tracks one schedulable unit of a bounty.
type JobState string

// All job states.
const (
	JobOpen      JobState = "open"
	JobClaimed   JobState = "claimed"
	JobVerifying JobState = "verifying"
	JobDone      JobState = "done"
	JobExpired   JobState = "expired"
	JobFailed    JobState = "failed"
)

// SubmissionState tracks a worker manifest through resolution.
type SubmissionState string

// All submission states.
const (
	SubmissionSubmitted SubmissionState = "submitted"
	SubmissionAccepted  SubmissionState = "accepted"
	SubmissionDuplicate SubmissionState = "duplicate"
	SubmissionRejected  SubmissionState = "rejected"
)

// VerificationState tracks a single verifier attempt.
type VerificationState string

// All verification states.
const (
	VerificationQueued    VerificationState = "queued"
	VerificationClaimed   VerificationState = "claimed"
	VerificationDecided   VerificationState = "decided"
	VerificationFinalized VerificationState = "finalized"
	VerificationExpired   VerificationState = "expired"
)

// PayoutState tracks settlement of an accepted submission.
type PayoutState string

// All payout states.
const (
	PayoutPending   PayoutState = "pending"
	PayoutRequested PayoutState = "requested"
	PayoutBroadcast PayoutState = "broadcast"
	PayoutConfirmed PayoutState = "confirmed"
	PayoutPaid      PayoutState = "paid"
	PayoutFailed    PayoutState = "failed"
)

// TransferState tracks one on-chain or provider transfer of a payout.
type TransferState string

// All transfer states.
const (
	TransferPending   TransferState = "pending"
	TransferBroadcast TransferState = "broadcast"
	TransferConfirmed TransferState = "confirmed"
	TransferFailed    TransferState = "failed"
)

// OutboxStatus tracks one durable side-effect record.
type OutboxStatus string

// All outbox statuses.
const (
	OutboxPending    OutboxStatus = "pending"
	OutboxProcessing OutboxStatus = "processing"
	OutboxSent       OutboxStatus = "sent"
	OutboxDeadletter OutboxStatus = "deadletter"
)

// ArtifactStatus tracks an uploaded artifact through scanning.
type ArtifactStatus string

// All artifact statuses.
const (
	ArtifactUploaded ArtifactStatus = "uploaded"
	ArtifactScanned  ArtifactStatus = "scanned"
	ArtifactBlocked  ArtifactStatus = "blocked"
)

// BucketKind names the storage class an artifact currently lives in.
type BucketKind string

// All bucket kinds.
const (
	BucketStaging    BucketKind = "staging"
	BucketClean      BucketKind = "clean"
	BucketQuarantine BucketKind = "quarantine"
)

// Verdicts a verifier may return.
const (
	VerdictPass = "pass"
	VerdictFail = "fail"
)

// Transfer legs of one payout.
const (
	TransferKindNet          = "net"
	TransferKindPlatformFee  = "platform_fee"
	TransferKindProofworkFee = "proofwork_fee"
)

// OriginState tracks ownership verification of a supported origin.
type OriginState string

// All origin states.
const (
	OriginPending  OriginState = "pending"
	OriginVerified OriginState = "verified"
	OriginRevoked  OriginState = "revoked"
)

var bountyTransitions = map[BountyState][]BountyState{
	BountyDraft:     {BountyPublished},
	BountyPublished: {BountyPaused, BountyCompleted},
	BountyPaused:    {BountyPublished, BountyCompleted},
}

var jobTransitions = map[JobState][]JobState{
	JobOpen:      {JobClaimed, JobExpired, JobFailed},
	JobClaimed:   {JobOpen, JobVerifying, JobDone, JobExpired, JobFailed},
	JobVerifying: {JobOpen, JobDone, JobExpired, JobFailed},
}

var submissionTransitions = map[SubmissionState][]SubmissionState{
	SubmissionSubmitted: {SubmissionAccepted, SubmissionDuplicate, SubmissionRejected},
}

var verificationTransitions = map[VerificationState][]VerificationState{
	VerificationQueued:  {VerificationClaimed, VerificationExpired},
	VerificationClaimed: {VerificationDecided, VerificationExpired},
	VerificationDecided: {VerificationFinalized},
}

var payoutTransitions = map[PayoutState][]PayoutState{
	PayoutPending:   {PayoutRequested, PayoutFailed},
	PayoutRequested: {PayoutBroadcast, PayoutPaid, PayoutFailed},
	PayoutBroadcast: {PayoutConfirmed, PayoutPaid, PayoutFailed},
	PayoutConfirmed: {PayoutPaid, PayoutFailed},
}

var transferTransitions = map[TransferState][]TransferState{
	TransferPending:   {TransferBroadcast, TransferConfirmed, TransferFailed},
	TransferBroadcast: {TransferConfirmed, TransferFailed},
}

func validateTransition[S ~string](allowed map[S][]S, current, next S) error {
	if current == next {
		return nil
	}
	states, ok := allowed[current]
	if !ok {
		return fmt.Errorf("no transitions allowed from %s", current)
	}
	for _, state := range states {
		if state == next {
			return nil
		}
	}
	return fmt.Errorf("transition from %s to %s is not permitted", current, next)
}

// ValidateBountyTransition ensures the transition follows the bounty state machine.
func ValidateBountyTransition(current, next BountyState) error {
	return validateTransition(bountyTransitions, current, next)
}

// ValidateJobTransition ensures the transition follows the job state machine.
func ValidateJobTransition(current, next JobState) error {
	return validateTransition(jobTransitions, current, next)
}

// ValidateSubmissionTransition ensures the transition follows the submission state machine.
func ValidateSubmissionTransition(current, next SubmissionState) error {
	return validateTransition(submissionTransitions, current, next)
}

// ValidateVerificationTransition ensures the transition follows the verification state machine.
func ValidateVerificationTransition(current, next VerificationState) error {
	return validateTransition(verificationTransitions, current, next)
}

// ValidatePayoutTransition ensures the transition follows the payout state machine.
func ValidatePayoutTransition(current, next PayoutState) error {
	return validateTransition(payoutTransitions, current, next)
}

// ValidateTransferTransition ensures the transition follows the transfer state machine.
func ValidateTransferTransition(current, next TransferState) error {
	return validateTransition(transferTransitions, current, next)
}

// TerminalJob reports whether a job can no longer change state.
func TerminalJob(state JobState) bool {
	return state == JobDone || state == JobExpired || state == JobFailed
}

// TerminalPayout reports whether a payout can no longer change state.
func TerminalPayout(state PayoutState) bool {
	return state == PayoutPaid || state == PayoutFailed
}
