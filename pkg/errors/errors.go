// Package errors provides the error wrapping helper used across the service.
package errors

import "fmt"

// Wrap annotates err with context. It returns nil when err is nil so
// callers can wrap unconditionally.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}
