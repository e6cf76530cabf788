package core

import (
	"errors"

	"github.com/gary322/flashbets-sub012/internal/priority"
)

// Policy rejections are expected "not yet" outcomes: the caller may retry
// later. They are distinct from validation errors (caller bugs) and from
// arithmetic errors (fatal to the call, no partial mutation).
var (
	ErrPositionNotAtRisk = errors.New("core: position not at risk")
	ErrPositionNotFound  = errors.New("core: position not found")
	ErrAlreadyLiquidated = errors.New("core: position already liquidated or closed")
	ErrAlreadyClaimed    = errors.New("core: entry already claimed by another keeper")
	ErrNoActiveKeepers   = errors.New("core: no active keepers")
	ErrUnknownKeeper     = errors.New("core: unknown keeper")
	ErrKeeperSuspended   = errors.New("core: keeper suspended")
	ErrHalted            = errors.New("core: liquidations halted by circuit breaker")
	ErrBudgetExhausted   = errors.New("core: per-tick liquidation budget exhausted")
	ErrBelowMinimumSize  = errors.New("core: liquidation amount below minimum size")
	ErrUnknownMarket     = errors.New("core: unknown market")
)

// IsPolicyRejection reports whether an error is an expected rejection
// rather than a processing failure.
func IsPolicyRejection(err error) bool {
	for _, target := range []error{
		ErrPositionNotAtRisk,
		ErrPositionNotFound,
		ErrAlreadyLiquidated,
		ErrAlreadyClaimed,
		ErrNoActiveKeepers,
		ErrUnknownKeeper,
		ErrKeeperSuspended,
		ErrHalted,
		ErrBudgetExhausted,
		ErrBelowMinimumSize,
		priority.ErrStaleRandomness,
		priority.ErrRandomnessMismatch,
		priority.ErrNoRequestPending,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
