package tables

import "errors"

var (
	// ErrTableExists indicates a create collided with an existing table id.
	ErrTableExists = errors.New("tables: table already exists")
	// ErrTableNotFound indicates the referenced table does not exist.
	ErrTableNotFound = errors.New("tables: table does not exist")
	// ErrRowNotFound indicates the referenced row does not exist.
	ErrRowNotFound = errors.New("tables: row does not exist")
	// ErrRowExists indicates an insert collided with an existing row id.
	ErrRowExists = errors.New("tables: row already exists")
	// ErrRowETagMismatch indicates the caller's row version is stale. The
	// stored row is left unchanged; the caller must re-fetch and retry.
	ErrRowETagMismatch = errors.New("tables: row etag mismatch")
	// ErrModificationConflict indicates a modification number update that
	// would decrease or skip the counter.
	ErrModificationConflict = errors.New("tables: modification number out of sync")
	// ErrLockNotHeld indicates a structural change attempted without the
	// table's task lock.
	ErrLockNotHeld = errors.New("tables: task lock not held")
	// ErrTableHasSubscription indicates a delete refused because an external
	// publisher subscription still references the table.
	ErrTableHasSubscription = errors.New("tables: external subscription still references table")
	// ErrUnknownColumn indicates a row value named a column absent from the
	// table schema.
	ErrUnknownColumn = errors.New("tables: unknown column")
)
