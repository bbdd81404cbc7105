package errors

import "errors"

// Sentinel errors shared by the service and API layers. Services wrap them
// with context; the API layer matches them with errors.Is and picks the
// HTTP status, so no HTTP concern leaks into the business logic.

var (
	// ErrNotFound signifies that a requested resource could not be located,
	// or that it exists under a different owner. Mapped to 404.
	ErrNotFound = errors.New("resource not found")

	// ErrValidation signifies that input data failed business rule
	// validation. Mapped to 400 with the wrapped, user-safe message.
	ErrValidation = errors.New("validation failed")

	// ErrConflict signifies that an operation conflicts with the current
	// state of a resource. Mapped to 409.
	ErrConflict = errors.New("resource conflict")

	// ErrPermission signifies that the caller is not allowed to perform the
	// action. Mapped to 403.
	ErrPermission = errors.New("permission denied")

	// ErrUnavailable signifies a transient storage failure on a write the
	// caller must not lose (e.g. the user message). The request is safe to
	// retry with the same client message id. Mapped to 503.
	ErrUnavailable = errors.New("temporarily unavailable")

	// ErrUnauthenticated signifies that the request carries no usable owner
	// credential. Mapped to 401.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrInternal is the generic server error. Mapped to 500.
	ErrInternal = errors.New("internal server error")
)
