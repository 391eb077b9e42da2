package perp

import (
	"sync"

	"github.com/shopspring/decimal"
)

// CollateralVault is custody for trader collateral and the single
// source of truth for the total locked value. TokenBalance covers all
// tokens held; LockedBalance is the portion attributed to open
// positions. TokenBalance >= LockedBalance must hold at all times.
type CollateralVault struct {
	tokenBalance  decimal.Decimal
	lockedBalance decimal.Decimal
	mu            sync.Mutex
}

// NewCollateralVault creates an empty vault
func NewCollateralVault() *CollateralVault {
	return &CollateralVault{
		tokenBalance:  decimal.Zero,
		lockedBalance: decimal.Zero,
	}
}

// Fund deposits free (unlocked) tokens, e.g. the insurance reserve
// seed. Free balance backs payouts that exceed locked collateral.
func (v *CollateralVault) Fund(amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	v.tokenBalance = v.tokenBalance.Add(amount)
	return nil
}

// Lock records an inbound collateral deposit: tokens arrive and are
// locked in the same step.
func (v *CollateralVault) Lock(amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	v.tokenBalance = v.tokenBalance.Add(amount)
	v.lockedBalance = v.lockedBalance.Add(amount)
	return nil
}

// Release settles a position: unlocks collateral and pays out tokens
// in one atomic step. payout may exceed collateral (profit funded by
// free balance) or fall short of it (loss stays in the vault as free
// balance). Fails without mutation if the vault cannot cover payout
// while keeping TokenBalance >= LockedBalance.
func (v *CollateralVault) Release(collateral, payout decimal.Decimal) error {
	if collateral.Sign() < 0 || payout.Sign() < 0 {
		return ErrInvalidAmount
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if collateral.GreaterThan(v.lockedBalance) {
		return ErrInsufficientBalance
	}

	newLocked := v.lockedBalance.Sub(collateral)
	newToken := v.tokenBalance.Sub(payout)
	if newToken.LessThan(newLocked) {
		return ErrInsufficientBalance
	}

	v.lockedBalance = newLocked
	v.tokenBalance = newToken
	return nil
}

// TokenBalance returns the total tokens held by the vault
func (v *CollateralVault) TokenBalance() decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.tokenBalance
}

// LockedBalance returns the total collateral locked for open positions
func (v *CollateralVault) LockedBalance() decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lockedBalance
}

// FreeBalance returns tokens not attributed to open positions
func (v *CollateralVault) FreeBalance() decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.tokenBalance.Sub(v.lockedBalance)
}
