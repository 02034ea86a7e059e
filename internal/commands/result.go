package commands

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/tabular/backend/internal/tables"
	"github.com/MarcoPoloResearchLab/tabular/backend/internal/users"
)

// FailureReason enumerates the exact cause of a failed command. Every failed
// result carries exactly one reason; a bare generic failure is never
// returned.
type FailureReason string

const (
	ReasonTableAlreadyExists  FailureReason = "TABLE_ALREADY_EXISTS"
	ReasonTableDoesNotExist   FailureReason = "TABLE_DOES_NOT_EXIST"
	ReasonRowAlreadyExists    FailureReason = "ROW_ALREADY_EXISTS"
	ReasonRowOutOfSynch       FailureReason = "ROW_OUT_OF_SYNCH"
	ReasonOutOfSynch          FailureReason = "OUT_OF_SYNCH"
	ReasonPermissionDenied    FailureReason = "PERMISSION_DENIED"
	ReasonColumnDoesNotExist  FailureReason = "COLUMN_DOES_NOT_EXIST"
	ReasonUserAlreadyExists   FailureReason = "USER_ALREADY_EXISTS"
	ReasonUserDoesNotExist    FailureReason = "USER_DOES_NOT_EXIST"
	ReasonLockContention      FailureReason = "LOCK_CONTENTION"
	ReasonExternalServiceSync FailureReason = "EXTERNAL_SERVICE_REGISTERED"
)

var knownReasons = map[FailureReason]struct{}{
	ReasonTableAlreadyExists:  {},
	ReasonTableDoesNotExist:   {},
	ReasonRowAlreadyExists:    {},
	ReasonRowOutOfSynch:       {},
	ReasonOutOfSynch:          {},
	ReasonPermissionDenied:    {},
	ReasonColumnDoesNotExist:  {},
	ReasonUserAlreadyExists:   {},
	ReasonUserDoesNotExist:    {},
	ReasonLockContention:      {},
	ReasonExternalServiceSync: {},
}

var (
	// ErrInvalidResult indicates an attempt to construct a result that is
	// successful with a reason or failed without one.
	ErrInvalidResult = errors.New("commands: invalid result construction")
)

// Retryable reports whether a failure is transient: the caller may retry the
// identical command. Conflicts are not retryable as-is; the caller must
// re-fetch current state first.
func (r FailureReason) Retryable() bool {
	return r == ReasonLockContention
}

// CommandResult is the tagged outcome of a command: either successful with a
// typed payload, or failed with exactly one FailureReason. The invariant is
// enforced at construction.
type CommandResult struct {
	successful  bool
	reason      FailureReason
	payload     interface{}
	failedRowID string
}

// NewSuccess constructs a successful result carrying a payload.
func NewSuccess(payload interface{}) CommandResult {
	return CommandResult{successful: true, payload: payload}
}

// NewFailure constructs a failed result. An empty or unknown reason fails
// construction.
func NewFailure(reason FailureReason) (CommandResult, error) {
	if _, ok := knownReasons[reason]; !ok {
		return CommandResult{}, fmt.Errorf("%w: reason %q", ErrInvalidResult, reason)
	}
	return CommandResult{successful: false, reason: reason}, nil
}

// NewRowFailure constructs a failed result naming the offending row, so bulk
// operations report which row collided or conflicted.
func NewRowFailure(reason FailureReason, rowID string) (CommandResult, error) {
	result, err := NewFailure(reason)
	if err != nil {
		return CommandResult{}, err
	}
	result.failedRowID = rowID
	return result, nil
}

// Successful reports whether the command succeeded.
func (r CommandResult) Successful() bool {
	return r.successful
}

// Reason returns the failure reason of an unsuccessful result.
func (r CommandResult) Reason() FailureReason {
	return r.reason
}

// FailedRowID names the offending row of a failed bulk operation, when known.
func (r CommandResult) FailedRowID() string {
	return r.failedRowID
}

// Payload returns the typed payload of a successful result.
func (r CommandResult) Payload() interface{} {
	return r.payload
}

// CreateTableResult is the payload of a successful CreateTable.
type CreateTableResult struct {
	TableID    string
	SchemaETag string
	DataETag   string
}

// InsertedRow reports one accepted row of an InsertRows command.
type InsertedRow struct {
	RowID   string
	RowETag string
}

// InsertRowsResult is the payload of a successful InsertRows.
type InsertRowsResult struct {
	TableID            string
	Rows               []InsertedRow
	DataETag           string
	ModificationNumber int64
}

// QueryForRowsResult is the payload of a successful QueryForRows.
type QueryForRowsResult struct {
	TableID  string
	DataETag string
	Rows     []tables.Row
}

// QueryForTablesResult is the payload of a successful QueryForTables.
type QueryForTablesResult struct {
	Entries []tables.TableEntry
}

// UserResult is the payload of a successful user command.
type UserResult struct {
	User users.User
}
