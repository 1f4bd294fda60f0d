// Package uuid generates and validates the local identifiers assigned to
// captured records before the remote store has seen them.
package uuid

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"

	"github.com/solarcrm/fieldsync/internal/models"
)

// UUID v4 format: xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx
// where y is one of [8, 9, a, b] (variant bits)
var uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// New generates a new UUID v4.
func New() string {
	return uuid.New().String()
}

// NewLocalID generates a local identifier for a pending record, attachment
// or duplicate candidate.
func NewLocalID() models.UUID {
	return models.UUID(uuid.New().String())
}

// ShortToken returns 8 random hex characters, enough to separate blobs
// captured within the same second.
func ShortToken() string {
	id := uuid.New()
	return fmt.Sprintf("%x", id[:4])
}

// IsValid checks if a string is a valid UUID v4.
func IsValid(s string) bool {
	return uuidV4Regex.MatchString(s)
}

// Validate returns an error if the string is not a valid local identifier.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid local id %q: expected UUID v4", s)
	}
	return nil
}
