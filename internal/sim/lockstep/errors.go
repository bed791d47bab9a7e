package lockstep

import "errors"

// ErrStopped is returned by Step after a shutdown request has been
// honored. It is not a failure.
var ErrStopped = errors.New("lockstep: manager stopped")
