package registry

import "errors"

// The storage and lifecycle error taxonomy. Backends translate their native
// failures into these sentinels so callers never branch on driver errors.
var (
	// ErrNotFound means the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidID means the identifier fails the id grammar and no
	// storage lookup was attempted.
	ErrInvalidID = errors.New("invalid identifier")

	// ErrParentNotFound means the record a new child references does not
	// exist. Nothing is written when this is returned.
	ErrParentNotFound = errors.New("parent record not found")

	// ErrBackendUnavailable wraps infrastructure failures from the
	// storage backend. Operations that return it made no partial writes
	// unless they also report ErrPartialDeletion.
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	// ErrPartialDeletion means a cascading delete removed some but not
	// all of its targets. Retrying the same delete is safe and resumes
	// where the failure occurred.
	ErrPartialDeletion = errors.New("deletion partially completed")

	// ErrDuplicateID means a create collided with an existing record id.
	ErrDuplicateID = errors.New("duplicate identifier")

	// ErrForbidden means the session is not allowed to act on the
	// target record's clinic.
	ErrForbidden = errors.New("operation not permitted for this session")

	// ErrValidation means a request field other than an identifier was
	// missing or malformed.
	ErrValidation = errors.New("invalid input")
)
