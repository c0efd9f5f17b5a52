package authz

import "errors"

// Engine-wide error taxonomy. Mutations fail outright with one of these;
// permission-check denials are never errors (see Decision).
var (
	ErrNotFound     = errors.New("authz: not found")
	ErrConflict     = errors.New("authz: conflict")
	ErrInvalidInput = errors.New("authz: invalid input")
	ErrInternal     = errors.New("authz: internal")
)
