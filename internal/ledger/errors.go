package ledger

import "errors"

// ErrMalformed reports a newline-terminated ledger line that is not a
// valid entry. It indicates on-disk corruption, as opposed to an I/O
// failure reading the file.
var ErrMalformed = errors.New("malformed ledger entry")
