package tickbus

import "errors"

// ErrTimeout is returned by Subscription.Receive when no payload arrived
// within the requested window. The worker treats it as an idle iteration.
var ErrTimeout = errors.New("tickbus: receive timeout")

// ErrClosed is returned when the subscription or bus has been closed.
var ErrClosed = errors.New("tickbus: closed")
