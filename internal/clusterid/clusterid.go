// Package clusterid generates and validates the immutable cluster
// identifier every journal is stamped with at creation time.
package clusterid

import (
	"fmt"

	"github.com/google/uuid"
)

// New returns a freshly generated cluster ID for a brand-new deployment.
func New() string {
	return uuid.New().String()
}

// Validate checks that s is a well-formed cluster ID.
func Validate(s string) error {
	if _, err := uuid.Parse(s); err != nil {
		return fmt.Errorf("clusterid: invalid cluster id %q: %w", s, err)
	}
	return nil
}
