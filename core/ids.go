package core

import (
	"strings"

	"github.com/google/uuid"
)

// Identifier prefixes for every persisted entity.
const (
	PrefixOrg          = "org_"
	PrefixOrgUser      = "user_"
	PrefixAPIKey       = "key_"
	PrefixSession      = "sess_"
	PrefixOrigin       = "origin_"
	PrefixApp          = "app_"
	PrefixBounty       = "bounty_"
	PrefixJob          = "job_"
	PrefixSubmission   = "sub_"
	PrefixArtifact     = "art_"
	PrefixVerification = "ver_"
	PrefixPayout       = "payout_"
	PrefixTransfer     = "tr_"
	PrefixWorker       = "wk_"
	PrefixOutboxEvent  = "evt_"
	PrefixAlarm        = "alarm_"
	PrefixIntent       = "pi_"
	PrefixPayoutAddr   = "wkaddr_"
)

// SystemOrgID owns the built-in task types every tenant may use.
const SystemOrgID = "org_system"

// NewID returns a fresh opaque identifier carrying the given prefix.
func NewID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// InstanceID identifies one running process, used for outbox locks and
// verifier bookkeeping.
func InstanceID() string {
	return "inst_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// NewNonce returns an unprefixed opaque value for lease nonces and claim
// tokens.
func NewNonce() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
