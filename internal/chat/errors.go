package chat

import "errors"

// Error taxonomy for the messaging engine. Callers match with errors.Is;
// the store and session wrap these with context via fmt.Errorf and %w.
var (
	ErrNotAuthenticated = errors.New("no authenticated actor")
	ErrPermissionDenied = errors.New("permission denied")
	ErrNotFound         = errors.New("not found")
	// ErrConflict marks a uniqueness violation. Reaction toggles resolve it
	// internally; it never reaches session callers.
	ErrConflict    = errors.New("conflict")
	ErrTransientIO = errors.New("transient i/o failure")
	ErrValidation  = errors.New("validation failed")
)
