package localgate

import "errors"

// ErrInboxFull is returned by Put when the receiving node's inbox buffer
// is full, mirroring messaging.ErrChannelFull.
var ErrInboxFull = errors.New("localgate: inbox is full")
