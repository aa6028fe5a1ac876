// Package diskstore holds what the persistent cache backends share.
package diskstore

import "errors"

// ErrNotFound is returned by Load when no record exists for a key.
var ErrNotFound = errors.New("cache record not found")
