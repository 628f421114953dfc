package gateway

import "errors"

// ErrGatewayIndeterminate means a call timed out and the transfer may or may
// not have landed. It must never be handled like Error: re-sending with a new
// nonce could double-pay. Resolution goes through FindTransactions.
var ErrGatewayIndeterminate = errors.New("gateway call outcome unknown")

// Error is a definite rejection or transport failure from the gateway.
type Error struct {
	Status int    // HTTP status, 0 for transport errors
	Code   string // gateway error code, e.g. "NONCE_CONFLICT"
	Msg    string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return "gateway: " + e.Code + ": " + e.Msg
	}
	return "gateway: " + e.Msg
}

// IsNonceConflict reports whether the gateway rejected a stale or reused
// nonce; the local counter for that address must be re-seeded.
func (e *Error) IsNonceConflict() bool {
	return e.Code == "NONCE_CONFLICT"
}
