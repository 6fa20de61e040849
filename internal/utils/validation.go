package utils

import (
	"errors"
	"regexp"
)

var (
	// Ids become file names, so only allow a path safe alphabet
	validIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// ValidateID validates that an agency or offer id is safe to use as a storage key
func ValidateID(id string) error {
	if id == "" {
		return errors.New("id cannot be empty")
	}

	if len(id) > 256 {
		return errors.New("id too long (max 256 characters)")
	}

	if !validIDPattern.MatchString(id) {
		return errors.New("id contains invalid characters")
	}

	return nil
}
