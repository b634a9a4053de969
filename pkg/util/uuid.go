package util

import "github.com/google/uuid"

// NewRunID mints a fresh collector run identifier. Version 7 keeps the
// identifiers time-ordered, which makes session logs sortable.
func NewRunID() string {
	return uuid.Must(uuid.NewV7()).String()
}
