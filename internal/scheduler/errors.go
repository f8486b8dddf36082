package scheduler

import "net/http"

// Reason classifies why the whole pool failed to yield an account.
// Per-account failures never surface here; the scheduler absorbs them by
// failing over to the next candidate.
type Reason int

const (
	// ReasonPoolEmpty: no active account exists, or every one is cooling down.
	ReasonPoolEmpty Reason = iota
	// ReasonQuotaExhausted: accounts exist but none admits the estimated cost.
	ReasonQuotaExhausted
	// ReasonRefreshFailed: every remaining candidate failed token refresh.
	ReasonRefreshFailed
)

func (r Reason) String() string {
	switch r {
	case ReasonQuotaExhausted:
		return "quota_exhausted"
	case ReasonRefreshFailed:
		return "refresh_failed"
	default:
		return "no_eligible_account"
	}
}

// Error is a terminal, whole-pool scheduling failure.
type Error struct {
	Reason Reason
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Reason.String()
	}
	return e.Reason.String() + ": " + e.Detail
}

// HTTPStatus maps the failure to the status returned to the caller.
func (e *Error) HTTPStatus() int {
	if e.Reason == ReasonQuotaExhausted {
		return http.StatusTooManyRequests
	}
	return http.StatusServiceUnavailable
}
