package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/tabular/backend/internal/acl"
	"github.com/MarcoPoloResearchLab/tabular/backend/internal/tables"
	"github.com/MarcoPoloResearchLab/tabular/backend/internal/tasklock"
	"github.com/MarcoPoloResearchLab/tabular/backend/internal/users"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	errMissingTableService = errors.New("table service dependency required")
	errMissingACLManager   = errors.New("acl manager dependency required")
	errMissingUserService  = errors.New("user service dependency required")
	errMissingLockManager  = errors.New("lock manager dependency required")
	noOpLogger             = zap.NewNop()

	// ErrUnknownCommand indicates a command type outside the dispatch table.
	// This is a programming or configuration error, not a user failure.
	ErrUnknownCommand = errors.New("commands: unknown command type")
)

// DispatcherConfig describes the collaborators of the dispatch layer.
type DispatcherConfig struct {
	Tables *tables.Service
	ACLs   *acl.Manager
	Users  *users.Service
	Locks  *tasklock.Manager
	Logger *zap.Logger
}

// Dispatcher routes commands to their logic handlers. Handlers validate
// preconditions (existence, permission, ETag) before any mutation and wrap
// modification-number updates in the table's task lock.
type Dispatcher struct {
	tables *tables.Service
	acls   *acl.Manager
	users  *users.Service
	locks  *tasklock.Manager
	logger *zap.Logger
}

// NewDispatcher constructs the dispatcher.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Tables == nil {
		return nil, errMissingTableService
	}
	if cfg.ACLs == nil {
		return nil, errMissingACLManager
	}
	if cfg.Users == nil {
		return nil, errMissingUserService
	}
	if cfg.Locks == nil {
		return nil, errMissingLockManager
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Dispatcher{
		tables: cfg.Tables,
		acls:   cfg.ACLs,
		users:  cfg.Users,
		locks:  cfg.Locks,
		logger: logger,
	}, nil
}

// Dispatch resolves the handler for a command and executes it for the given
// caller. A failed result carries exactly one reason; a returned error means
// the request could not be processed at all (infrastructure failure or a
// malformed command).
func (d *Dispatcher) Dispatch(ctx context.Context, caller acl.Caller, command Command) (CommandResult, error) {
	started := time.Now()
	result, err := d.route(ctx, caller, command)
	if err != nil {
		d.logger.Error("command failed",
			zap.String("command", string(command.CommandType())),
			zap.String("user_id", caller.UserID),
			zap.Duration("elapsed", time.Since(started)),
			zap.Error(err))
		return CommandResult{}, err
	}
	if !result.Successful() {
		d.logger.Info("command rejected",
			zap.String("command", string(command.CommandType())),
			zap.String("user_id", caller.UserID),
			zap.String("reason", string(result.Reason())))
	}
	return result, nil
}

func (d *Dispatcher) route(ctx context.Context, caller acl.Caller, command Command) (CommandResult, error) {
	switch cmd := command.(type) {
	case CreateTable:
		return d.createTable(ctx, caller, cmd)
	case DeleteTable:
		return d.deleteTable(ctx, caller, cmd)
	case InsertRows:
		return d.insertRows(ctx, caller, cmd)
	case QueryForRows:
		return d.queryForRows(ctx, caller, cmd)
	case QueryForTables:
		return d.queryForTables(ctx, caller, cmd)
	case CreateUser:
		return d.createUser(ctx, cmd)
	case DeleteUser:
		return d.deleteUser(ctx, cmd)
	case GetUser:
		return d.getUser(ctx, cmd)
	default:
		return CommandResult{}, fmt.Errorf("%w: %T", ErrUnknownCommand, command)
	}
}

func (d *Dispatcher) createTable(ctx context.Context, caller acl.Caller, cmd CreateTable) (CommandResult, error) {
	tableID, err := tables.NewTableID(cmd.TableID)
	if err != nil {
		return CommandResult{}, err
	}

	var entry tables.TableEntry
	lockErr := d.withTableLock(ctx, tableID, func(lease *tasklock.Lease) error {
		created, err := d.tables.CreateTable(ctx, tableID, cmd.Columns)
		if err != nil {
			return err
		}
		entry = created
		return nil
	})
	if lockErr != nil {
		return d.failure(lockErr)
	}

	// The creator administers the table it created.
	if _, err := d.acls.SetGrant(ctx, tableID, tables.UserScope(caller.UserID), acl.RoleAdministrator); err != nil {
		return CommandResult{}, err
	}

	return NewSuccess(CreateTableResult{
		TableID:    entry.TableID,
		SchemaETag: entry.SchemaETag,
		DataETag:   entry.DataETag,
	}), nil
}

func (d *Dispatcher) deleteTable(ctx context.Context, caller acl.Caller, cmd DeleteTable) (CommandResult, error) {
	tableID, err := tables.NewTableID(cmd.TableID)
	if err != nil {
		return CommandResult{}, err
	}

	filter, err := acl.NewAuthFilter(ctx, d.acls, tableID, caller)
	if err != nil {
		return CommandResult{}, err
	}
	if err := filter.CheckPermission(acl.PermissionDeleteTable); err != nil {
		return d.failure(err)
	}

	lockErr := d.withTableLock(ctx, tableID, func(lease *tasklock.Lease) error {
		return d.tables.DeleteTable(ctx, tableID)
	})
	if lockErr != nil {
		return d.failure(lockErr)
	}

	if err := d.acls.DeleteAllGrants(ctx, tableID); err != nil {
		return CommandResult{}, err
	}
	return NewSuccess(nil), nil
}

func (d *Dispatcher) insertRows(ctx context.Context, caller acl.Caller, cmd InsertRows) (CommandResult, error) {
	tableID, err := tables.NewTableID(cmd.TableID)
	if err != nil {
		return CommandResult{}, err
	}

	filter, err := acl.NewAuthFilter(ctx, d.acls, tableID, caller)
	if err != nil {
		return CommandResult{}, err
	}
	if err := filter.CheckPermission(acl.PermissionWriteTable); err != nil {
		return d.failure(err)
	}

	if _, err := d.tables.GetTable(ctx, tableID); err != nil {
		return d.failure(err)
	}

	inserted := make([]InsertedRow, 0, len(cmd.Rows))
	for _, rowInsert := range cmd.Rows {
		rowID, err := tables.NewRowID(rowInsert.RowID)
		if err != nil {
			return CommandResult{}, err
		}
		if err := filter.CheckFilterScope(acl.PermissionWriteRow, rowID, rowInsert.FilterScope); err != nil {
			return d.rowFailure(err, rowID.String())
		}
		row, err := d.tables.InsertRow(ctx, tableID, rowID, tables.RowUpsert{
			Values:           rowInsert.Values,
			FilterScope:      rowInsert.FilterScope,
			FormID:           rowInsert.FormID,
			Locale:           rowInsert.Locale,
			SavepointCreator: caller.UserID,
		})
		if err != nil {
			return d.rowFailure(err, rowID.String())
		}
		inserted = append(inserted, InsertedRow{RowID: row.RowID, RowETag: row.RowETag})
	}

	// Row inserts are a sync-visible change; the modification counter moves
	// under the table's task lock.
	var modificationNumber int64
	lockErr := d.withTableLock(ctx, tableID, func(lease *tasklock.Lease) error {
		current, err := d.tables.GetTable(ctx, tableID)
		if err != nil {
			return err
		}
		accepted, err := d.tables.IncrementModificationNumber(ctx, lease, tableID, current.ModificationNumber+1)
		if err != nil {
			return err
		}
		modificationNumber = accepted
		return nil
	})
	if lockErr != nil {
		return d.failure(lockErr)
	}

	refreshed, err := d.tables.GetTable(ctx, tableID)
	if err != nil {
		return d.failure(err)
	}

	return NewSuccess(InsertRowsResult{
		TableID:            tableID.String(),
		Rows:               inserted,
		DataETag:           refreshed.DataETag,
		ModificationNumber: modificationNumber,
	}), nil
}

func (d *Dispatcher) queryForRows(ctx context.Context, caller acl.Caller, cmd QueryForRows) (CommandResult, error) {
	tableID, err := tables.NewTableID(cmd.TableID)
	if err != nil {
		return CommandResult{}, err
	}

	filter, err := acl.NewAuthFilter(ctx, d.acls, tableID, caller)
	if err != nil {
		return CommandResult{}, err
	}
	if err := filter.CheckPermission(acl.PermissionReadTable); err != nil {
		return d.failure(err)
	}

	entry, err := d.tables.GetTable(ctx, tableID)
	if err != nil {
		return d.failure(err)
	}

	rows, err := d.tables.GetRows(ctx, tableID, filter)
	if err != nil {
		return d.failure(err)
	}
	return NewSuccess(QueryForRowsResult{
		TableID:  tableID.String(),
		DataETag: entry.DataETag,
		Rows:     rows,
	}), nil
}

func (d *Dispatcher) queryForTables(ctx context.Context, caller acl.Caller, _ QueryForTables) (CommandResult, error) {
	entries, err := d.tables.ListTables(ctx)
	if err != nil {
		return CommandResult{}, err
	}

	// Genuine filter: tables the caller cannot read are excluded, not listed.
	readable := make([]tables.TableEntry, 0, len(entries))
	for _, entry := range entries {
		tableID := tables.TableID(entry.TableID)
		filter, err := acl.NewAuthFilter(ctx, d.acls, tableID, caller)
		if err != nil {
			return CommandResult{}, err
		}
		if filter.HasPermission(acl.PermissionReadTable) {
			readable = append(readable, entry)
		}
	}
	return NewSuccess(QueryForTablesResult{Entries: readable}), nil
}

func (d *Dispatcher) createUser(ctx context.Context, cmd CreateUser) (CommandResult, error) {
	userID, err := users.NewUserID(cmd.UserID)
	if err != nil {
		return CommandResult{}, err
	}
	user, err := d.users.CreateUser(ctx, userID, cmd.DisplayName, cmd.Groups)
	if err != nil {
		return d.failure(err)
	}
	return NewSuccess(UserResult{User: user}), nil
}

func (d *Dispatcher) deleteUser(ctx context.Context, cmd DeleteUser) (CommandResult, error) {
	userID, err := users.NewUserID(cmd.UserID)
	if err != nil {
		return CommandResult{}, err
	}
	if err := d.users.DeleteUser(ctx, userID); err != nil {
		return d.failure(err)
	}
	return NewSuccess(nil), nil
}

func (d *Dispatcher) getUser(ctx context.Context, cmd GetUser) (CommandResult, error) {
	userID, err := users.NewUserID(cmd.UserID)
	if err != nil {
		return CommandResult{}, err
	}
	user, err := d.users.GetUser(ctx, userID)
	if err != nil {
		return d.failure(err)
	}
	return NewSuccess(UserResult{User: user}), nil
}

func (d *Dispatcher) withTableLock(ctx context.Context, tableID tables.TableID, fn func(lease *tasklock.Lease) error) error {
	lockID, err := uuid.NewV7()
	if err != nil {
		return err
	}
	return d.locks.WithLock(ctx, lockID.String(), tableID.String(), tasklock.LockTypeModifyTable, fn)
}

// failure translates a domain error into a failed CommandResult.
// Infrastructure errors are returned unchanged and propagate to the
// transport layer.
func (d *Dispatcher) failure(err error) (CommandResult, error) {
	return d.rowFailure(err, "")
}

func (d *Dispatcher) rowFailure(err error, rowID string) (CommandResult, error) {
	reason, ok := reasonForError(err)
	if !ok {
		return CommandResult{}, err
	}
	result, buildErr := NewRowFailure(reason, rowID)
	if buildErr != nil {
		return CommandResult{}, buildErr
	}
	return result, nil
}

func reasonForError(err error) (FailureReason, bool) {
	switch {
	case errors.Is(err, tables.ErrTableExists):
		return ReasonTableAlreadyExists, true
	case errors.Is(err, tables.ErrTableNotFound):
		return ReasonTableDoesNotExist, true
	case errors.Is(err, tables.ErrRowExists):
		return ReasonRowAlreadyExists, true
	case errors.Is(err, tables.ErrRowETagMismatch):
		return ReasonRowOutOfSynch, true
	case errors.Is(err, tables.ErrModificationConflict):
		return ReasonOutOfSynch, true
	case errors.Is(err, tables.ErrUnknownColumn):
		return ReasonColumnDoesNotExist, true
	case errors.Is(err, tables.ErrTableHasSubscription):
		return ReasonExternalServiceSync, true
	case errors.Is(err, acl.ErrPermissionDenied):
		return ReasonPermissionDenied, true
	case errors.Is(err, tasklock.ErrLockContention):
		return ReasonLockContention, true
	case errors.Is(err, users.ErrUserExists):
		return ReasonUserAlreadyExists, true
	case errors.Is(err, users.ErrUserNotFound):
		return ReasonUserDoesNotExist, true
	default:
		return "", false
	}
}
