package source

import "errors"

// Unit executor failures carry one of these classes so the scheduler and the
// progress ledger can tell retriable conditions from dead ends.
var (
	ErrRateLimited = errors.New("rate limited by provider")
	ErrAuthFailed  = errors.New("provider authentication failed")
	ErrTransient   = errors.New("transient provider failure")
	ErrPermanent   = errors.New("permanent provider failure")
)

// classifyStatus maps an HTTP status onto an error class.
func classifyStatus(status int) error {
	switch {
	case status == 429:
		return ErrRateLimited
	case status == 401 || status == 403:
		return ErrAuthFailed
	case status >= 500:
		return ErrTransient
	default:
		return ErrPermanent
	}
}
