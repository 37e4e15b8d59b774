package model

import "github.com/oklog/ulid/v2"

// NewID returns a fresh ULID string. Tasks, workers, and monitor refs all
// share this identifier scheme.
func NewID() string {
	return ulid.Make().String()
}
