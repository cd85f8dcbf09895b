package types

import "encoding/json"

// NotifyFunc receives subscription updates. Exactly one of result and err is
// set. Callbacks run on the socket's read goroutine and must not block.
type NotifyFunc func(result json.RawMessage, err error)
