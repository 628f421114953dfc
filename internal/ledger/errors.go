package ledger

import "errors"

// Validation-style errors are raised before any gateway call and abort the
// operation with no side effects.
var (
	ErrAccountNotFound              = errors.New("account not found")
	ErrMasterAccountNotFound        = errors.New("master account not found")
	ErrMasterAccountExists          = errors.New("master account already exists for currency")
	ErrInsufficientFunds            = errors.New("insufficient spendable balance")
	ErrInsufficientAvailableBalance = errors.New("lock exceeds available balance")
	ErrOverUnlock                   = errors.New("unlock exceeds locked balance")
)
