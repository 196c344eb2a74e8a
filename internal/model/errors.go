package model

import "strings"

// ValidationError reports a malformed footprint, proofing document or proof
// record. It is never retried internally.
type ValidationError struct {
	Entity   string
	Problems []string
}

// NewValidationError builds a ValidationError for entity.
func NewValidationError(entity string, problems ...string) *ValidationError {
	return &ValidationError{Entity: entity, Problems: problems}
}

func (e *ValidationError) Error() string {
	return "invalid " + e.Entity + ": " + strings.Join(e.Problems, "; ")
}
