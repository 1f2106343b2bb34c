package core

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

// BpsDenominator is the basis-point scale for all fee math.
const BpsDenominator = 10000

// ErrFeeBpsRange reports a basis-point value outside [0, 10000].
var ErrFeeBpsRange = errors.New("core: fee bps out of range")

// ErrNegativeAmount reports a negative cent amount.
var ErrNegativeAmount = errors.New("core: negative amount")

// FeeSplit is the settlement breakdown of a gross payout amount. All values
// are integer cents and always satisfy
// PlatformFeeCents + ProofworkFeeCents + NetCents == AmountCents.
type FeeSplit struct {
	AmountCents       int64
	PlatformFeeCents  int64
	ProofworkFeeCents int64
	NetCents          int64
}

// SplitFees divides a gross amount into platform fee, Proofwork fee and the
// worker's net. Fees round down, the net absorbs the remainder.
func SplitFees(amountCents, platformFeeBps, proofworkFeeBps int64) (FeeSplit, error) {
	if amountCents < 0 {
		return FeeSplit{}, ErrNegativeAmount
	}
	if platformFeeBps < 0 || platformFeeBps > BpsDenominator {
		return FeeSplit{}, fmt.Errorf("%w: platform %d", ErrFeeBpsRange, platformFeeBps)
	}
	if proofworkFeeBps < 0 || proofworkFeeBps > BpsDenominator {
		return FeeSplit{}, fmt.Errorf("%w: proofwork %d", ErrFeeBpsRange, proofworkFeeBps)
	}
	platform := amountCents * platformFeeBps / BpsDenominator
	workerPortion := amountCents - platform
	proofwork := workerPortion * proofworkFeeBps / BpsDenominator
	net := workerPortion - proofwork
	return FeeSplit{
		AmountCents:       amountCents,
		PlatformFeeCents:  platform,
		ProofworkFeeCents: proofwork,
		NetCents:          net,
	}, nil
}

// CentsToBaseUnits converts integer cents into on-chain base units for a
// token with the given decimal precision: cents * 10^(decimals-2).
func CentsToBaseUnits(cents int64, decimals int) (*uint256.Int, error) {
	if cents < 0 {
		return nil, ErrNegativeAmount
	}
	if decimals < 2 {
		return nil, fmt.Errorf("core: token decimals %d below cent precision", decimals)
	}
	multiplier := new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(decimals-2)))
	return new(uint256.Int).Mul(uint256.NewInt(uint64(cents)), multiplier), nil
}
