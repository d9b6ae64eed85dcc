package engine

import "errors"

// Error taxonomy of the DDL and streaming surfaces. Callers match with
// errors.Is; messages carry the specifics.
var (
	// ErrBadArguments: invalid or missing settings on create.
	ErrBadArguments = errors.New("bad arguments")
	// ErrBadQueryParameter: object path shape invalid.
	ErrBadQueryParameter = errors.New("bad query parameter")
	// ErrQueryNotAllowed: direct select refused.
	ErrQueryNotAllowed = errors.New("query not allowed")
	// ErrSupportDisabled: alter of a non-mutable setting, or buckets with
	// attached views. The queue log is one sink shared by all storage types,
	// so no queue-log type check exists and none returns this error.
	ErrSupportDisabled = errors.New("support is disabled")
	// ErrLogicalError: internal invariant violation.
	ErrLogicalError = errors.New("logical error")
	// ErrUnknownException: fail-point injections and unclassified collaborator
	// failures.
	ErrUnknownException = errors.New("unknown exception")
)
