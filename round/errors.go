package round

import "errors"

// RejectError is a request refused by the engine. Code is the wire code
// clients switch on.
type RejectError struct {
	Code string
	msg  string
}

func (e *RejectError) Error() string {
	return e.msg
}

var (
	ErrNoActiveRound      = &RejectError{Code: "no_active_round", msg: "round: no round is taking bets"}
	ErrNoRunningRound     = &RejectError{Code: "no_running_round", msg: "round: no running round"}
	ErrBetNotFound        = &RejectError{Code: "bet_not_found", msg: "round: bet not found"}
	ErrAlreadyCashed      = &RejectError{Code: "already_cashed", msg: "round: bet already cashed out"}
	ErrInvalidAmount      = &RejectError{Code: "invalid_amount", msg: "round: invalid bet amount"}
	ErrInvalidAutoCashout = &RejectError{Code: "invalid_auto_cashout", msg: "round: invalid auto cash-out multiplier"}
	ErrInsufficientFunds  = &RejectError{Code: "insufficient_funds", msg: "round: insufficient funds"}
	ErrWalletUnavailable  = &RejectError{Code: "wallet_unavailable", msg: "round: wallet unavailable"}
)

var (
	// ErrEntropyUnavailable stops Run after repeated commit failures.
	ErrEntropyUnavailable = errors.New("round: entropy source unavailable, scheduling halted")
	ErrEngineStopped      = errors.New("round: engine stopped")
	ErrEngineRunning      = errors.New("round: engine already running")
)

// CodeInternal is reported for errors that are not a RejectError.
const CodeInternal = "internal_error"

// Code returns the wire code carried by err.
func Code(err error) string {
	var re *RejectError
	if errors.As(err, &re) {
		return re.Code
	}
	return CodeInternal
}
