package addr

import "errors"

// ErrUnknownAlias is returned by Resolve when nothing in the registry
// matches the requested address (spec.md §4.1: "Raw form marked 'unknown
// alias' when nothing matches").
var ErrUnknownAlias = errors.New("addr: unknown alias")
