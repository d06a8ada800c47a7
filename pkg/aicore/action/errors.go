package action

import "errors"

// ErrMalformedAction is returned by Validate when a well-formedness rule is
// violated.
var ErrMalformedAction = errors.New("malformed_payload")
