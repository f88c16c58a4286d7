// Package sqlutil holds small helpers for building SQL parameters.
package sqlutil

import "github.com/google/uuid"

// NullableUUID maps the zero UUID to SQL NULL for optional filter params.
func NullableUUID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}

// NullableString maps the empty string to SQL NULL for optional filter
// params.
func NullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
