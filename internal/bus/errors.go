package bus

import "errors"

// ErrArbiterClosed is returned for work submitted after Close, and for work
// still queued when Close was called.
var ErrArbiterClosed = errors.New("bus arbiter closed")
