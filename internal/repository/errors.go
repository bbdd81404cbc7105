package repository

import "errors"

// Repository sentinels let backends report outcomes without leaking driver
// errors (sql.ErrNoRows, redis.Nil) to the service layer.

// ErrNotFound is returned when a single entity lookup finds nothing.
var ErrNotFound = errors.New("repository: not found")

// ErrOwnerMismatch is returned when a conversation id is already indexed
// under a different owner.
var ErrOwnerMismatch = errors.New("repository: conversation belongs to another owner")
