package ledger

import "errors"

// Sentinel errors. Operations wrap them with the account ids involved;
// match with errors.Is.
var (
	ErrInvalidArgument = errors.New("ledger: invalid argument")
	ErrInactiveAccount = errors.New("ledger: account is inactive")
	ErrOverdrawn       = errors.New("ledger: insufficient funds")
	ErrAccountNotFound = errors.New("ledger: account not found")
)

// errBalanceNotZero explains a refused CloseAccount. CloseAccount reports
// through its bool result, so this only reaches observers and metrics.
var errBalanceNotZero = errors.New("ledger: balance is not zero")

// reason maps an operation error to a short metrics label.
func reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrInactiveAccount):
		return "inactive"
	case errors.Is(err, ErrOverdrawn):
		return "overdrawn"
	case errors.Is(err, ErrAccountNotFound):
		return "not_found"
	case errors.Is(err, errBalanceNotZero):
		return "nonzero_balance"
	default:
		return "error"
	}
}
