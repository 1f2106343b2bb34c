// Package models defines the persisted schema of the Proofwork control
// plane. Columns that hold JSON documents (manifests, descriptors, payloads)
// are stored as text; encoding and decoding happen in the storage layer.
package models

import (
	"time"

	"gorm.io/gorm"

	"proofwork/core"
)

// Org is the tenant boundary. Every non-global row is owned by exactly one org.
type Org struct {
	ID                string `gorm:"size:64;primaryKey"`
	Name              string `gorm:"size:256;not null"`
	PlatformFeeBps    int64  `gorm:"not null;default:0"`
	PlatformFeeWallet string `gorm:"size:128"`
	CORSAllowOrigins  string `gorm:"type:text"`
	DailyCentsCap     int64  `gorm:"not null;default:0"`
	MonthlyCentsCap   int64  `gorm:"not null;default:0"`
	MaxOpenJobs       int    `gorm:"not null;default:0"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// OrgUser is a console login. Email uniqueness is on the lowercased form.
type OrgUser struct {
	ID           string `gorm:"size:64;primaryKey"`
	OrgID        string `gorm:"size:64;index;not null"`
	Email        string `gorm:"size:320;uniqueIndex;not null"`
	PasswordHash string `gorm:"size:256;not null"`
	PasswordSalt string `gorm:"size:64;not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// APIKey is a long-lived bearer credential. Only the hash is stored.
type APIKey struct {
	ID         string `gorm:"size:64;primaryKey"`
	OrgID      string `gorm:"size:64;index"`
	Kind       string `gorm:"size:16;index;not null"`
	TokenHash  string `gorm:"size:64;uniqueIndex;not null"`
	Label      string `gorm:"size:128"`
	RevokedAt  *time.Time
	CreatedAt  time.Time
	LastUsedAt *time.Time
}

// Session is a console cookie session; revocation is terminal.
type Session struct {
	ID        string `gorm:"size:64;primaryKey"`
	OrgID     string `gorm:"size:64;index;not null"`
	UserID    string `gorm:"size:64;index;not null"`
	CSRFToken string `gorm:"size:64;not null"`
	ExpiresAt time.Time
	RevokedAt *time.Time
	CreatedAt time.Time
}

// Worker is an anonymous agent identified by its registration token hash.
type Worker struct {
	ID                 string `gorm:"size:64;primaryKey"`
	TokenHash          string `gorm:"size:64;uniqueIndex;not null"`
	Capabilities       string `gorm:"type:text"`
	FingerprintClasses string `gorm:"type:text"`
	BannedAt           *time.Time
	BanReason          string `gorm:"size:256"`
	CreatedAt          time.Time
	LastSeenAt         *time.Time
}

// WorkerPayoutAddress binds a worker to a settlement address per chain.
type WorkerPayoutAddress struct {
	ID         string `gorm:"size:64;primaryKey"`
	WorkerID   string `gorm:"size:64;uniqueIndex:idx_worker_chain;not null"`
	Chain      string `gorm:"size:32;uniqueIndex:idx_worker_chain;not null"`
	Address    string `gorm:"size:128;not null"`
	Status     string `gorm:"size:16;not null"`
	VerifiedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Origin is a (org, url) pair whose ownership is proven by challenge.
type Origin struct {
	ID             string           `gorm:"size:64;primaryKey"`
	OrgID          string           `gorm:"size:64;uniqueIndex:idx_org_origin;not null"`
	OriginURL      string           `gorm:"size:512;uniqueIndex:idx_org_origin;not null"`
	State          core.OriginState `gorm:"size:16;index;not null"`
	Method         string           `gorm:"size:16"`
	ChallengeToken string           `gorm:"size:128;not null"`
	VerifiedAt     *time.Time
	RevokedAt      *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// App declares a task type an org may publish bounties under.
type App struct {
	ID                string `gorm:"size:64;primaryKey"`
	OrgID             string `gorm:"size:64;uniqueIndex:idx_org_slug;not null"`
	Slug              string `gorm:"size:128;uniqueIndex:idx_org_slug;not null"`
	TaskType          string `gorm:"size:128;index;not null"`
	DefaultDescriptor string `gorm:"type:text"`
	UISchema          string `gorm:"type:text"`
	Status            string `gorm:"size:16;index;not null"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Bounty is the buyer-declared unit of work; publishing fans out jobs.
type Bounty struct {
	ID                 string           `gorm:"size:64;primaryKey"`
	OrgID              string           `gorm:"size:64;index;not null"`
	Title              string           `gorm:"size:256;not null"`
	Description        string           `gorm:"type:text"`
	TaskType           string           `gorm:"size:128;index"`
	AllowedOrigins     string           `gorm:"type:text"`
	PayoutCents        int64            `gorm:"not null"`
	RequiredProofs     int              `gorm:"not null;default:1"`
	FingerprintClasses string           `gorm:"type:text"`
	TaskDescriptor     string           `gorm:"type:text"`
	Status             core.BountyState `gorm:"size:16;index;not null"`
	PublishedAt        *time.Time
	CompletedAt        *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Job is one schedulable instance of a bounty scoped to a fingerprint class.
type Job struct {
	ID                  string        `gorm:"size:64;primaryKey"`
	BountyID            string        `gorm:"size:64;index;not null"`
	OrgID               string        `gorm:"size:64;index;not null"`
	TaskType            string        `gorm:"size:128;index"`
	FingerprintClass    string        `gorm:"size:64;index;not null"`
	Status              core.JobState `gorm:"size:16;index;not null"`
	LeaseWorkerID       *string       `gorm:"size:64;index"`
	LeaseNonce          *string       `gorm:"size:64"`
	LeaseExpiresAt      *time.Time    `gorm:"index"`
	CurrentSubmissionID *string       `gorm:"size:64"`
	TaskDescriptor      string        `gorm:"type:text"`
	FinalVerdict        string        `gorm:"size:16"`
	FailedAttempts      int           `gorm:"not null;default:0"`
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Submission is a worker manifest plus artifact index for one job.
type Submission struct {
	ID             string               `gorm:"size:64;primaryKey"`
	JobID          string               `gorm:"size:64;uniqueIndex:idx_job_idem;not null"`
	BountyID       string               `gorm:"size:64;index;not null"`
	OrgID          string               `gorm:"size:64;index;not null"`
	WorkerID       string               `gorm:"size:64;index;not null"`
	Manifest       string               `gorm:"type:text;not null"`
	ArtifactIndex  string               `gorm:"type:text"`
	Status         core.SubmissionState `gorm:"size:16;index;not null"`
	DedupeKey      string               `gorm:"size:64;index;not null"`
	PayoutStatus   string               `gorm:"size:16"`
	IdempotencyKey *string              `gorm:"size:128;uniqueIndex:idx_job_idem"`
	PayloadHash    string               `gorm:"size:64"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Artifact records metadata and scan lifecycle for one uploaded blob.
type Artifact struct {
	ID          string              `gorm:"size:64;primaryKey"`
	OrgID       string              `gorm:"size:64;index;not null"`
	WorkerID    string              `gorm:"size:64;index"`
	SHA256      string              `gorm:"column:sha256;size:64;index"`
	SizeBytes   int64               `gorm:"not null;default:0"`
	ContentType string              `gorm:"size:128;not null"`
	StorageKey  string              `gorm:"size:256;uniqueIndex;not null"`
	BucketKind  core.BucketKind     `gorm:"size:16;not null"`
	Status      core.ArtifactStatus `gorm:"size:16;index;not null"`
	ScanResult  string              `gorm:"size:256"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Verification is one verifier attempt at judging a submission.
type Verification struct {
	ID                 string                 `gorm:"size:64;primaryKey"`
	SubmissionID       string                 `gorm:"size:64;uniqueIndex:idx_sub_attempt;not null"`
	AttemptNo          int                    `gorm:"uniqueIndex:idx_sub_attempt;not null"`
	Status             core.VerificationState `gorm:"size:16;index;not null"`
	ClaimToken         string                 `gorm:"size:64;index"`
	ClaimExpiresAt     *time.Time
	VerifierInstanceID string `gorm:"size:64"`
	Verdict            string `gorm:"size:8"`
	Scorecard          string `gorm:"type:text"`
	Reason             string `gorm:"size:512"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Payout is the settlement obligation created by a pass verdict.
type Payout struct {
	ID                string           `gorm:"size:64;primaryKey"`
	SubmissionID      string           `gorm:"size:64;uniqueIndex;not null"`
	OrgID             string           `gorm:"size:64;index;not null"`
	WorkerID          string           `gorm:"size:64;index;not null"`
	AmountCents       int64            `gorm:"not null"`
	PlatformFeeCents  int64            `gorm:"not null"`
	ProofworkFeeCents int64            `gorm:"not null"`
	NetAmountCents    int64            `gorm:"not null"`
	Status            core.PayoutState `gorm:"size:16;index;not null"`
	FailureReason     string           `gorm:"size:256"`
	Provider          string           `gorm:"size:64"`
	ProviderRef       string           `gorm:"size:128"`
	PaidAt            *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// PayoutTransfer is one of the (net, platform_fee, proofwork_fee) legs.
type PayoutTransfer struct {
	ID          string             `gorm:"size:64;primaryKey"`
	PayoutID    string             `gorm:"size:64;uniqueIndex:idx_payout_kind;not null"`
	Kind        string             `gorm:"size:16;uniqueIndex:idx_payout_kind;not null"`
	AmountCents int64              `gorm:"not null"`
	DestAddress string             `gorm:"size:128"`
	Status      core.TransferState `gorm:"size:16;index;not null"`
	TxHash      string             `gorm:"size:66;index"`
	TxNonce     *uint64
	LastError   string `gorm:"size:512"`
	ConfirmedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// BillingAccount holds an org's funding balance in integer cents.
type BillingAccount struct {
	OrgID         string `gorm:"size:64;primaryKey"`
	BalanceCents  int64  `gorm:"not null;default:0"`
	ReservedCents int64  `gorm:"not null;default:0"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// BillingEvent is the append-only funding ledger. The primary key carries the
// external id (for example stripe_evt_<id>) so re-ingestion is a no-op.
type BillingEvent struct {
	ID          string `gorm:"size:128;primaryKey"`
	OrgID       string `gorm:"size:64;index;not null"`
	Kind        string `gorm:"size:32;index;not null"`
	AmountCents int64  `gorm:"not null"`
	Currency    string `gorm:"size:8;not null;default:usd"`
	Payload     string `gorm:"type:text"`
	CreatedAt   time.Time
}

// PaymentIntent mirrors a provider checkout attached to an org top-up.
type PaymentIntent struct {
	ID          string `gorm:"size:64;primaryKey"`
	OrgID       string `gorm:"size:64;index;not null"`
	Provider    string `gorm:"size:32;not null"`
	ProviderRef string `gorm:"size:128;index"`
	AmountCents int64  `gorm:"not null"`
	Status      string `gorm:"size:16;index;not null"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// BlockedDomain is the global deny-list entry.
type BlockedDomain struct {
	Domain    string `gorm:"size:256;primaryKey"`
	Reason    string `gorm:"size:256"`
	AddedBy   string `gorm:"size:64"`
	CreatedAt time.Time
}

// AlarmNotification records one inbound SNS envelope.
type AlarmNotification struct {
	ID           string `gorm:"size:64;primaryKey"`
	TopicARN     string `gorm:"size:256;uniqueIndex:idx_topic_message;not null"`
	SNSMessageID string `gorm:"size:128;uniqueIndex:idx_topic_message;not null"`
	Kind         string `gorm:"size:64"`
	Subject      string `gorm:"size:256"`
	Message      string `gorm:"type:text"`
	Raw          string `gorm:"type:text"`
	ReceivedAt   time.Time
}

// GitHubEvent records one inbound GitHub webhook delivery.
type GitHubEvent struct {
	DeliveryID string `gorm:"size:64;primaryKey"`
	EventType  string `gorm:"size:64;index"`
	Payload    string `gorm:"type:text"`
	ReceivedAt time.Time
}

// OutboxEvent is the durable side-effect record emitted with domain writes.
type OutboxEvent struct {
	ID             string            `gorm:"size:64;primaryKey"`
	Topic          string            `gorm:"size:64;uniqueIndex:idx_topic_idem;index:idx_status_avail"`
	IdempotencyKey *string           `gorm:"size:128;uniqueIndex:idx_topic_idem"`
	Payload        string            `gorm:"type:text;not null"`
	Status         core.OutboxStatus `gorm:"size:16;index:idx_status_avail;not null"`
	Attempts       int               `gorm:"not null;default:0"`
	AvailableAt    time.Time         `gorm:"index:idx_status_avail"`
	LockedAt       *time.Time
	LockedBy       string `gorm:"size:64"`
	LastError      string `gorm:"size:1024"`
	CreatedAt      time.Time
	SentAt         *time.Time
}

// AuditEvent is an append-only trail of privileged and lifecycle actions.
type AuditEvent struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Actor     string `gorm:"size:64;index;not null"`
	Action    string `gorm:"size:64;index;not null"`
	EntityID  string `gorm:"size:128;index"`
	OrgID     string `gorm:"size:64;index"`
	Notes     string `gorm:"size:1024"`
	CreatedAt time.Time
}

// SchemaMigration records one applied migration file.
type SchemaMigration struct {
	Filename  string `gorm:"size:256;primaryKey"`
	AppliedAt time.Time
}

// AutoMigrate creates or updates all Proofwork tables. Production schemas are
// managed by the SQL migration runner; this path serves tests and sqlite dev
// mode.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Org{},
		&OrgUser{},
		&APIKey{},
		&Session{},
		&Worker{},
		&WorkerPayoutAddress{},
		&Origin{},
		&App{},
		&Bounty{},
		&Job{},
		&Submission{},
		&Artifact{},
		&Verification{},
		&Payout{},
		&PayoutTransfer{},
		&BillingAccount{},
		&BillingEvent{},
		&PaymentIntent{},
		&BlockedDomain{},
		&AlarmNotification{},
		&GitHubEvent{},
		&OutboxEvent{},
		&AuditEvent{},
		&SchemaMigration{},
	)
}
