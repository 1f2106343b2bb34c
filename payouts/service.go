// Package payouts drives settlement of accepted submissions: fee splits,
// transfer legs on the Base rail, confirmation polling, and the payout state
// machine around them.
package payouts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"proofwork/core"
	"proofwork/models"
	"proofwork/observability"
	"proofwork/outbox"
	"proofwork/payouts/wallet"
	"proofwork/storage"
)

// Failure reasons recorded on terminally failed payouts.
const (
	ReasonAddressMissing = "payout_address_missing"
	ReasonTxReverted     = "tx_reverted"
)

// Retryable confirmation outcomes: the dispatcher backs off and polls again.
var (
	ErrReceiptPending         = errors.New("payouts: tx_receipt_pending")
	ErrNotEnoughConfirmations = errors.New("payouts: tx_not_enough_confirmations")
)

// SettlementRail is the broadcast/confirm surface the service drives.
// *wallet.Rail satisfies it; tests substitute fakes.
type SettlementRail interface {
	Transfer(ctx context.Context, dest string, amountCents int64) (*wallet.Broadcast, error)
	Confirm(ctx context.Context, txHash string) (*wallet.Confirmation, error)
}

// Config tunes the settlement pipeline.
type Config struct {
	// Chain keys worker payout address lookups.
	Chain string
	// Asset keys policy rules.
	Asset                 string
	ProofworkFeeBps       int64
	ProofworkFeeWallet    string
	ConfirmationsRequired uint64
	// ConfirmDelay spaces the broadcast from the first receipt poll.
	ConfirmDelay time.Duration
}

// Service owns the payout pipeline.
type Service struct {
	store   *storage.Store
	rail    SettlementRail
	policy  *Policy
	cfg     Config
	logger  *slog.Logger
	metrics *observability.PayoutMetrics
}

// Option configures the service.
type Option func(*Service)

// WithLogger attaches a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithPolicy attaches a settlement policy.
func WithPolicy(policy *Policy) Option {
	return func(s *Service) {
		if policy != nil {
			s.policy = policy
		}
	}
}

// New constructs the payout service.
func New(store *storage.Store, rail SettlementRail, cfg Config, opts ...Option) *Service {
	if cfg.Chain == "" {
		cfg.Chain = "base"
	}
	if cfg.Asset == "" {
		cfg.Asset = "usdc"
	}
	if cfg.ConfirmationsRequired == 0 {
		cfg.ConfirmationsRequired = 3
	}
	if cfg.ConfirmDelay <= 0 {
		cfg.ConfirmDelay = 5 * time.Second
	}
	s := &Service{
		store:   store,
		rail:    rail,
		policy:  &Policy{rules: map[string]PolicyRule{}},
		cfg:     cfg,
		logger:  slog.Default(),
		metrics: observability.Payouts(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RequestedHandler returns the outbox handler for payout.requested: it
// creates the payout with its fee split, broadcasts the non-zero legs, and
// schedules confirmation.
func (s *Service) RequestedHandler() outbox.Handler {
	return func(ctx context.Context, evt outbox.Event) error {
		var payload outbox.PayoutRequested
		if err := json.Unmarshal(evt.Payload, &payload); err != nil {
			return outbox.Terminal(fmt.Errorf("payout.requested payload: %w", err))
		}

		payout, err := s.store.GetPayoutBySubmission(payload.SubmissionID)
		switch {
		case err == nil:
			if core.TerminalPayout(payout.Status) {
				return nil
			}
		case errors.Is(err, storage.ErrNotFound):
			payout, err = s.createPayout(payload)
			if err != nil {
				return err
			}
			if payout == nil {
				// Failed terminally inside createPayout (missing address).
				return nil
			}
		default:
			return err
		}

		if err := s.broadcastPending(ctx, payout.ID); err != nil {
			return err
		}
		_, err = outbox.Insert(s.store.DB(), outbox.TopicPayoutConfirmRequested,
			outbox.PayoutConfirmKey(payout.ID),
			outbox.PayoutConfirmRequested{PayoutID: payout.ID},
			outbox.WithAvailableAt(s.store.Now().Add(s.cfg.ConfirmDelay)))
		return err
	}
}

// createPayout computes the split and writes the payout rows. Returns
// (nil, nil) when the payout was created and immediately failed for a
// missing address.
func (s *Service) createPayout(payload outbox.PayoutRequested) (*models.Payout, error) {
	sub, err := s.store.GetSubmission(payload.SubmissionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, outbox.Terminal(err)
		}
		return nil, err
	}
	bounty, err := s.store.GetBounty(sub.BountyID)
	if err != nil {
		return nil, err
	}
	org, err := s.store.GetOrg(sub.OrgID)
	if err != nil {
		return nil, err
	}
	split, err := core.SplitFees(bounty.PayoutCents, org.PlatformFeeBps, s.cfg.ProofworkFeeBps)
	if err != nil {
		return nil, outbox.Terminal(err)
	}

	used, err := s.store.DailyPayoutCents(s.store.Now())
	if err != nil {
		return nil, err
	}
	// Policy breaches defer rather than fail; the dispatcher retries after
	// the cap window rolls or inventory is replenished.
	if err := s.policy.Admit(s.cfg.Asset, split.AmountCents, used); err != nil {
		return nil, err
	}

	netAddress := ""
	addr, err := s.store.GetPayoutAddress(sub.WorkerID, s.cfg.Chain)
	switch {
	case err == nil && addr.VerifiedAt != nil:
		netAddress = addr.Address
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		return nil, err
	}

	payout, _, err := s.store.CreatePayout(storage.PayoutSpec{
		SubmissionID:     sub.ID,
		OrgID:            sub.OrgID,
		WorkerID:         sub.WorkerID,
		Split:            split,
		NetAddress:       netAddress,
		PlatformAddress:  org.PlatformFeeWallet,
		ProofworkAddress: s.cfg.ProofworkFeeWallet,
	})
	if err != nil {
		return nil, err
	}
	s.metrics.RecordTransition(string(core.PayoutPending))

	if netAddress == "" {
		if _, err := s.store.MarkPayoutFailed(payout.ID, ReasonAddressMissing); err != nil {
			return nil, err
		}
		s.metrics.RecordFailure(ReasonAddressMissing)
		s.logger.Warn("payout failed, no verified address",
			"payout_id", payout.ID, "worker_id", sub.WorkerID, "chain", s.cfg.Chain)
		return nil, nil
	}
	return payout, nil
}

// broadcastPending signs and sends every pending non-zero transfer leg.
func (s *Service) broadcastPending(ctx context.Context, payoutID string) error {
	payout, err := s.store.GetPayout(payoutID)
	if err != nil {
		return err
	}
	transfers, err := s.store.ListTransfers(payoutID)
	if err != nil {
		return err
	}
	broadcastAny := false
	for _, transfer := range transfers {
		if transfer.Status == core.TransferBroadcast {
			broadcastAny = true
		}
		if transfer.Status != core.TransferPending || transfer.AmountCents == 0 {
			continue
		}
		started := s.store.Now()
		sent, err := s.rail.Transfer(ctx, transfer.DestAddress, transfer.AmountCents)
		s.metrics.RecordRailCall("transfer", err)
		if err != nil {
			if terminalRailError(err) {
				reason := truncateReason(err.Error())
				if _, failErr := s.store.MarkPayoutFailed(payoutID, reason); failErr != nil {
					return failErr
				}
				s.metrics.RecordFailure("rail_terminal")
				s.logger.Error("payout failed on broadcast",
					"payout_id", payoutID, "transfer_id", transfer.ID, "error", err.Error())
				return nil
			}
			return fmt.Errorf("broadcast %s: %w", transfer.ID, err)
		}
		s.metrics.ObserveBroadcast(s.store.Now().Sub(started))
		nonce := sent.Nonce
		_, err = s.store.UpdateTransfer(transfer.ID, func(t *models.PayoutTransfer) error {
			t.Status = core.TransferBroadcast
			t.TxHash = sent.TxHash.Hex()
			t.TxNonce = &nonce
			return nil
		})
		if err != nil {
			return err
		}
		broadcastAny = true
		s.logger.Info("transfer broadcast",
			"payout_id", payoutID, "transfer_id", transfer.ID, "tx_hash", sent.TxHash.Hex())
	}

	if broadcastAny && payout.Status == core.PayoutPending {
		if _, err := s.store.TransitionPayout(payoutID, core.PayoutRequested, nil); err != nil {
			return err
		}
		if _, err := s.store.TransitionPayout(payoutID, core.PayoutBroadcast, nil); err != nil {
			return err
		}
		s.metrics.RecordTransition(string(core.PayoutBroadcast))
	}
	if !broadcastAny {
		// Every leg settled without touching the rail.
		if _, err := s.store.FinalizePaid(payoutID); err != nil {
			return err
		}
		s.metrics.RecordTransition(string(core.PayoutPaid))
	}
	return nil
}

// ConfirmHandler returns the outbox handler for payout.confirm.requested: it
// polls receipts for broadcast legs and finalizes the payout once every leg
// reaches the required depth.
func (s *Service) ConfirmHandler() outbox.Handler {
	required := s.policy.Confirmations(s.cfg.Asset, s.cfg.ConfirmationsRequired)
	return func(ctx context.Context, evt outbox.Event) error {
		var payload outbox.PayoutConfirmRequested
		if err := json.Unmarshal(evt.Payload, &payload); err != nil {
			return outbox.Terminal(fmt.Errorf("payout.confirm.requested payload: %w", err))
		}
		payout, err := s.store.GetPayout(payload.PayoutID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return outbox.Terminal(err)
			}
			return err
		}
		if core.TerminalPayout(payout.Status) {
			return nil
		}

		// A crash between create and broadcast leaves pending legs behind;
		// drive them before polling.
		if err := s.broadcastPending(ctx, payout.ID); err != nil {
			return err
		}
		payout, err = s.store.GetPayout(payload.PayoutID)
		if err != nil {
			return err
		}
		if core.TerminalPayout(payout.Status) {
			return nil
		}

		transfers, err := s.store.ListTransfers(payout.ID)
		if err != nil {
			return err
		}
		for _, transfer := range transfers {
			if transfer.Status != core.TransferBroadcast {
				continue
			}
			conf, err := s.rail.Confirm(ctx, transfer.TxHash)
			s.metrics.RecordRailCall("confirm", err)
			if err != nil {
				return err
			}
			if !conf.Mined {
				return fmt.Errorf("%w: %s", ErrReceiptPending, transfer.TxHash)
			}
			if conf.Reverted {
				if _, err := s.store.MarkPayoutFailed(payout.ID, ReasonTxReverted); err != nil {
					return err
				}
				s.metrics.RecordFailure(ReasonTxReverted)
				s.logger.Error("transfer reverted",
					"payout_id", payout.ID, "transfer_id", transfer.ID, "tx_hash", transfer.TxHash)
				return nil
			}
			if conf.Depth < required {
				return fmt.Errorf("%w: %s at depth %d of %d",
					ErrNotEnoughConfirmations, transfer.TxHash, conf.Depth, required)
			}
			_, err = s.store.UpdateTransfer(transfer.ID, func(t *models.PayoutTransfer) error {
				now := s.store.Now()
				t.Status = core.TransferConfirmed
				t.ConfirmedAt = &now
				return nil
			})
			if err != nil {
				return err
			}
		}

		if _, err := s.store.FinalizePaid(payout.ID); err != nil {
			return err
		}
		s.metrics.RecordTransition(string(core.PayoutPaid))
		s.logger.Info("payout paid", "payout_id", payout.ID, "net_cents", payout.NetAmountCents)
		return nil
	}
}

// RetryMissingAddress revives payouts that failed for want of an address,
// called after a worker registers a verified payout address.
func (s *Service) RetryMissingAddress(workerID string) (int, error) {
	addr, err := s.store.GetPayoutAddress(workerID, s.cfg.Chain)
	if err != nil {
		return 0, err
	}
	if addr.VerifiedAt == nil {
		return 0, nil
	}
	failed, err := s.store.ListFailedPayoutsForWorker(workerID, ReasonAddressMissing)
	if err != nil {
		return 0, err
	}
	revived := 0
	for _, payout := range failed {
		if _, err := s.store.ReopenPayout(payout.ID, addr.Address); err != nil {
			return revived, err
		}
		if _, err := outbox.Requeue(s.store.DB(), outbox.TopicPayoutRequested,
			outbox.PayoutKey(payout.SubmissionID)); err != nil {
			return revived, err
		}
		revived++
	}
	return revived, nil
}

// terminalRailError classifies broadcast failures that retrying cannot fix.
func terminalRailError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"insufficient funds",
		"transfer amount exceeds balance",
		"nonce too low",
		"invalid sender",
		"not an address",
		"sign:",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func truncateReason(reason string) string {
	if len(reason) > 250 {
		return reason[:250]
	}
	return reason
}
