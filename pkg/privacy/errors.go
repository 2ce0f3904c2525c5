package privacy

import "errors"

// ErrInvalidCommand is returned when a raw command payload cannot be parsed.
var ErrInvalidCommand = errors.New("invalid privacy command")
