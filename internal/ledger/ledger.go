// Package ledger computes spendable credit from a user's quota record.
// Everything here is pure: no I/O, and the evaluation instant is passed in.
package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/bobarin/adreel/internal/models"
)

// DefaultUpsellThreshold blocks buying a new plan while more than this many
// credits remain spendable in the pool.
const DefaultUpsellThreshold = 10

const (
	CodeInsufficientCredits = "insufficient_credits"
	CodeUnusedCredits       = "unused_credits"
)

// Error is a structured ledger rejection.
type Error struct {
	Code      string
	Pool      models.CreditPool
	Available int
	Required  int
}

func (e *Error) Error() string {
	switch e.Code {
	case CodeInsufficientCredits:
		return fmt.Sprintf("insufficient %s credits: %d available, %d required", e.Pool, e.Available, e.Required)
	case CodeUnusedCredits:
		return fmt.Sprintf("%d unused %s credits must be consumed before purchasing a new plan", e.Available, e.Pool)
	}
	return e.Code
}

// Balance is the spendable amount of one pool at an instant.
type Balance struct {
	Available    int  `json:"available"`
	HasCarryover bool `json:"has_carryover"`
}

// Available applies the same formula to either pool:
// max(0, allowed-used) plus carryover while now is strictly before its expiry.
// A nil expiry means carryover never applies.
func Available(acct models.CreditAccount, pool models.CreditPool, now time.Time) Balance {
	return poolBalance(acct.Pool(pool), now)
}

func poolBalance(b models.PoolBalance, now time.Time) Balance {
	remaining := b.Allowed - b.Used
	if remaining < 0 {
		remaining = 0
	}

	carry := 0
	if b.Carryover > 0 && b.CarryoverExpiry != nil && now.Before(*b.CarryoverExpiry) {
		carry = b.Carryover
	}

	return Balance{
		Available:    remaining + carry,
		HasCarryover: carry > 0,
	}
}

// CheckAdmission gates paid work. A pool with nothing available, or less than
// the job's cost, is rejected.
func CheckAdmission(acct models.CreditAccount, pool models.CreditPool, cost int, now time.Time) error {
	bal := Available(acct, pool, now)
	if bal.Available == 0 || bal.Available < cost {
		return &Error{Code: CodeInsufficientCredits, Pool: pool, Available: bal.Available, Required: cost}
	}
	return nil
}

// CheckUpsell blocks plan purchase while more than threshold credits are unused.
func CheckUpsell(acct models.CreditAccount, pool models.CreditPool, threshold int, now time.Time) error {
	bal := Available(acct, pool, now)
	if bal.Available > threshold {
		return &Error{Code: CodeUnusedCredits, Pool: pool, Available: bal.Available}
	}
	return nil
}

// ParsePool maps a request value onto a pool. Empty selects primary.
func ParsePool(raw string) (models.CreditPool, error) {
	switch models.CreditPool(strings.ToLower(strings.TrimSpace(raw))) {
	case "", models.CreditPoolPrimary:
		return models.CreditPoolPrimary, nil
	case models.CreditPoolSecondary:
		return models.CreditPoolSecondary, nil
	}
	return "", fmt.Errorf("unknown credit pool %q", raw)
}
