package referral

import "errors"

var (
	ErrInvalidState           = errors.New("invalid state transition")
	ErrForbidden              = errors.New("forbidden")
	ErrNotFound               = errors.New("request not found")
	ErrValidationFailed       = errors.New("validation failed")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrDuplicate              = errors.New("duplicate request")
)

// errStale is returned by Repository.Update when no row matched the expected
// state and version. The service resolves it to one of the exported errors.
var errStale = errors.New("stale request version")
