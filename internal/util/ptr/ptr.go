// Package ptr provides helper functions for creating pointers to primitive types.
package ptr

// Int returns a pointer to the given int value.
func Int(i int) *int { return &i }

// Bool returns a pointer to the given bool value.
func Bool(b bool) *bool { return &b }
