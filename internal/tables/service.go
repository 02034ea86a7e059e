package tables

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/tabular/backend/internal/etag"
	"github.com/MarcoPoloResearchLab/tabular/backend/internal/tasklock"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingETagIssuer = errors.New("etag issuer is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError wraps infrastructure failures with a stable operation code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew       = "tables.service.new"
	opCreateTable      = "tables.create_table"
	opDeleteTable      = "tables.delete_table"
	opListTables       = "tables.list_tables"
	opGetTable         = "tables.get_table"
	opGetRow           = "tables.get_row"
	opGetRows          = "tables.get_rows"
	opWriteRow         = "tables.write_row"
	opDeleteRow        = "tables.delete_row"
	opIncrementModNum  = "tables.increment_modification_number"
	opManifest         = "tables.manifest_etag"
	opAddSubscription  = "tables.add_subscription"
	opDropSubscription = "tables.drop_subscription"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// RowVisibility decides whether a caller may see a row at all. Rows it
// rejects are excluded from enumeration, not merely write-protected.
type RowVisibility interface {
	VisibleRow(row Row) bool
}

// ServiceConfig describes the dependencies of the table service.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	ETags    etag.Issuer
	Logger   *zap.Logger
}

// Service implements the row store and table entry operations.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	etags  etag.Issuer
	logger *zap.Logger
}

// NewService constructs the table service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.ETags == nil {
		return nil, newServiceError(opServiceNew, "missing_etag_issuer", errMissingETagIssuer)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:     cfg.Database,
		clock:  clock,
		etags:  cfg.ETags,
		logger: logger,
	}, nil
}

// CreateTable creates a table entry with a fresh schema and data ETag.
// A duplicate table id fails with ErrTableExists, never silently succeeds.
func (s *Service) CreateTable(ctx context.Context, tableID TableID, columns []ColumnDefinition) (TableEntry, error) {
	columnsJSON, err := EncodeColumns(columns)
	if err != nil {
		return TableEntry{}, err
	}
	schemaETag, err := s.etags.Issue()
	if err != nil {
		return TableEntry{}, newServiceError(opCreateTable, "etag_issue_failed", err)
	}
	dataETag, err := s.etags.Issue()
	if err != nil {
		return TableEntry{}, newServiceError(opCreateTable, "etag_issue_failed", err)
	}

	entry := TableEntry{
		TableID:            tableID.String(),
		SchemaETag:         schemaETag,
		DataETag:           dataETag,
		ModificationNumber: 0,
		ColumnsJSON:        columnsJSON,
		CreatedAtSeconds:   s.clock().UTC().Unix(),
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing TableEntry
		err := tx.Where("table_id = ?", tableID.String()).Take(&existing).Error
		if err == nil {
			return ErrTableExists
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opCreateTable, "entry_select_failed", err)
		}
		if err := tx.Create(&entry).Error; err != nil {
			return newServiceError(opCreateTable, "entry_insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		if !errors.Is(txErr, ErrTableExists) {
			s.logError(opCreateTable, "transaction_failed", txErr, zap.String("table_id", tableID.String()))
		}
		return TableEntry{}, txErr
	}

	s.logger.Info("table created",
		zap.String("table_id", tableID.String()),
		zap.String("schema_etag", entry.SchemaETag))
	return entry, nil
}

// DeleteTable removes the table entry and cascades to its rows and manifest
// ETags. The delete is refused while an external publisher subscription still
// references the table; orphaning a subscription silently is never acceptable.
func (s *Service) DeleteTable(ctx context.Context, tableID TableID) error {
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var entry TableEntry
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("table_id = ?", tableID.String()).
			Take(&entry).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrTableNotFound
		}
		if err != nil {
			return newServiceError(opDeleteTable, "entry_select_failed", err)
		}

		var subscriptions int64
		if err := tx.Model(&PublisherSubscription{}).
			Where("table_id = ?", tableID.String()).
			Count(&subscriptions).Error; err != nil {
			return newServiceError(opDeleteTable, "subscription_count_failed", err)
		}
		if subscriptions > 0 {
			return ErrTableHasSubscription
		}

		if err := tx.Where("table_id = ?", tableID.String()).Delete(&Row{}).Error; err != nil {
			return newServiceError(opDeleteTable, "row_delete_failed", err)
		}
		if err := tx.Where("table_id = ?", tableID.String()).Delete(&ManifestETag{}).Error; err != nil {
			return newServiceError(opDeleteTable, "manifest_delete_failed", err)
		}
		if err := tx.Where("table_id = ?", tableID.String()).Delete(&TableEntry{}).Error; err != nil {
			return newServiceError(opDeleteTable, "entry_delete_failed", err)
		}
		return nil
	})
	if txErr != nil {
		if !errors.Is(txErr, ErrTableNotFound) && !errors.Is(txErr, ErrTableHasSubscription) {
			s.logError(opDeleteTable, "transaction_failed", txErr, zap.String("table_id", tableID.String()))
		}
		return txErr
	}

	s.logger.Info("table deleted", zap.String("table_id", tableID.String()))
	return nil
}

// ListTables returns every table entry.
func (s *Service) ListTables(ctx context.Context) ([]TableEntry, error) {
	var entries []TableEntry
	if err := s.db.WithContext(ctx).Order("table_id ASC").Find(&entries).Error; err != nil {
		s.logError(opListTables, "query_failed", err)
		return nil, newServiceError(opListTables, "query_failed", err)
	}
	return entries, nil
}

// GetTable returns the table entry or ErrTableNotFound.
func (s *Service) GetTable(ctx context.Context, tableID TableID) (TableEntry, error) {
	var entry TableEntry
	err := s.db.WithContext(ctx).Where("table_id = ?", tableID.String()).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return TableEntry{}, ErrTableNotFound
	}
	if err != nil {
		s.logError(opGetTable, "query_failed", err, zap.String("table_id", tableID.String()))
		return TableEntry{}, newServiceError(opGetTable, "query_failed", err)
	}
	return entry, nil
}

// GetRow returns the row, including soft-deleted rows, or ErrRowNotFound.
// A deleted row keeps its identity and latest ETag; only its values are void.
func (s *Service) GetRow(ctx context.Context, tableID TableID, rowID RowID) (Row, error) {
	if _, err := s.GetTable(ctx, tableID); err != nil {
		return Row{}, err
	}
	var row Row
	err := s.db.WithContext(ctx).
		Where("table_id = ? AND row_id = ?", tableID.String(), rowID.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Row{}, ErrRowNotFound
	}
	if err != nil {
		s.logError(opGetRow, "query_failed", err,
			zap.String("table_id", tableID.String()),
			zap.String("row_id", rowID.String()))
		return Row{}, newServiceError(opGetRow, "query_failed", err)
	}
	return row, nil
}

// GetRows returns the active rows of a table the caller may see. Rows whose
// filter scope matches none of the caller's scopes are excluded entirely,
// not merely write-protected.
func (s *Service) GetRows(ctx context.Context, tableID TableID, visibility RowVisibility) ([]Row, error) {
	if _, err := s.GetTable(ctx, tableID); err != nil {
		return nil, err
	}
	var rows []Row
	if err := s.db.WithContext(ctx).
		Where("table_id = ? AND deleted = ?", tableID.String(), false).
		Order("row_id ASC").
		Find(&rows).Error; err != nil {
		s.logError(opGetRows, "query_failed", err, zap.String("table_id", tableID.String()))
		return nil, newServiceError(opGetRows, "query_failed", err)
	}
	if visibility == nil {
		return rows, nil
	}
	visible := make([]Row, 0, len(rows))
	for _, row := range rows {
		if visibility.VisibleRow(row) {
			visible = append(visible, row)
		}
	}
	return visible, nil
}

// RowUpsert describes the client-supplied content of a row write.
type RowUpsert struct {
	Values           []ColumnValue
	FilterScope      Scope
	Deleted          bool
	FormID           string
	Locale           string
	SavepointCreator string
	SavepointType    string
}

// InsertRow creates a row that must not already exist. A colliding row id
// fails with ErrRowExists so bulk inserts can report the offending row.
func (s *Service) InsertRow(ctx context.Context, tableID TableID, rowID RowID, input RowUpsert) (Row, error) {
	return s.writeRow(ctx, tableID, rowID, input, "", true)
}

// CreateOrUpdateRow applies a row write under the optimistic-concurrency
// contract: when the row exists, expectedRowETag must byte-exactly match the
// stored row ETag or the write fails with ErrRowETagMismatch and mutates
// nothing. At most one writer's update is accepted per observed row version.
// When the row does not exist the expected ETag is ignored and the row is
// created. Every accepted write issues a fresh row ETag and bumps the table's
// data ETag.
func (s *Service) CreateOrUpdateRow(ctx context.Context, tableID TableID, rowID RowID, input RowUpsert, expectedRowETag string) (Row, error) {
	return s.writeRow(ctx, tableID, rowID, input, expectedRowETag, false)
}

// DeleteRow soft-deletes a row under the same conflict rule as updates. The
// row keeps its identity and receives a fresh row ETag so sync clients that
// have not yet observed the deletion can still detect it.
func (s *Service) DeleteRow(ctx context.Context, tableID TableID, rowID RowID, expectedRowETag string) (Row, error) {
	var deletedRow Row
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entry, err := lockTableEntry(tx, tableID)
		if err != nil {
			return err
		}
		var row Row
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("table_id = ? AND row_id = ?", tableID.String(), rowID.String()).
			Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrRowNotFound
		}
		if err != nil {
			return newServiceError(opDeleteRow, "row_select_failed", err)
		}
		if !etag.Validate(expectedRowETag, row.RowETag) {
			return fmt.Errorf("%w: row %s", ErrRowETagMismatch, rowID.String())
		}

		newETag, err := s.etags.Issue()
		if err != nil {
			return newServiceError(opDeleteRow, "etag_issue_failed", err)
		}
		row.Deleted = true
		row.RowETag = newETag
		row.SavepointTimestamp = s.clock().UTC().Unix()
		if err := tx.Save(&row).Error; err != nil {
			return newServiceError(opDeleteRow, "row_save_failed", err)
		}
		if err := s.bumpDataETag(tx, entry); err != nil {
			return err
		}
		deletedRow = row
		return nil
	})
	if txErr != nil {
		if isInfrastructureError(txErr) {
			s.logError(opDeleteRow, "transaction_failed", txErr,
				zap.String("table_id", tableID.String()),
				zap.String("row_id", rowID.String()))
		}
		return Row{}, txErr
	}
	return deletedRow, nil
}

func (s *Service) writeRow(ctx context.Context, tableID TableID, rowID RowID, input RowUpsert, expectedRowETag string, mustNotExist bool) (Row, error) {
	var savedRow Row
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entry, err := lockTableEntry(tx, tableID)
		if err != nil {
			return err
		}
		if err := validateValues(entry, input.Values); err != nil {
			return err
		}

		var existing Row
		var existingPtr *Row
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("table_id = ? AND row_id = ?", tableID.String(), rowID.String()).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			existingPtr = nil
		} else if err != nil {
			return newServiceError(opWriteRow, "row_select_failed", err)
		} else {
			existingPtr = &existing
		}

		if existingPtr != nil && mustNotExist {
			return fmt.Errorf("%w: row %s", ErrRowExists, rowID.String())
		}
		if existingPtr != nil && !etag.Validate(expectedRowETag, existingPtr.RowETag) {
			return fmt.Errorf("%w: row %s", ErrRowETagMismatch, rowID.String())
		}

		valuesJSON, err := EncodeValues(input.Values)
		if err != nil {
			return newServiceError(opWriteRow, "values_encode_failed", err)
		}
		newETag, err := s.etags.Issue()
		if err != nil {
			return newServiceError(opWriteRow, "etag_issue_failed", err)
		}

		scope := input.FilterScope
		if scope.Type == "" {
			scope = DefaultScope()
		}

		row := Row{
			TableID:            tableID.String(),
			RowID:              rowID.String(),
			RowETag:            newETag,
			FilterType:         scope.Type,
			FilterValue:        scope.Value,
			Deleted:            input.Deleted,
			ValuesJSON:         valuesJSON,
			FormID:             input.FormID,
			Locale:             input.Locale,
			SavepointTimestamp: s.clock().UTC().Unix(),
			SavepointCreator:   input.SavepointCreator,
			SavepointType:      input.SavepointType,
		}
		if err := tx.Save(&row).Error; err != nil {
			return newServiceError(opWriteRow, "row_save_failed", err)
		}
		if err := s.bumpDataETag(tx, entry); err != nil {
			return err
		}
		savedRow = row
		return nil
	})
	if txErr != nil {
		if isInfrastructureError(txErr) {
			s.logError(opWriteRow, "transaction_failed", txErr,
				zap.String("table_id", tableID.String()),
				zap.String("row_id", rowID.String()))
		}
		return Row{}, txErr
	}
	return savedRow, nil
}

// IncrementModificationNumber records a new modification number for the
// table. It is accepted only while holding the table's task lock, and the
// counter never decreases or repeats: a stale newValue fails with
// ErrModificationConflict rather than being silently double-applied.
func (s *Service) IncrementModificationNumber(ctx context.Context, lease *tasklock.Lease, tableID TableID, newValue int64) (int64, error) {
	if !lease.Covers(tableID.String(), tasklock.LockTypeModifyTable) {
		return 0, fmt.Errorf("%w: table %s", ErrLockNotHeld, tableID.String())
	}

	var accepted int64
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entry, err := lockTableEntry(tx, tableID)
		if err != nil {
			return err
		}
		if newValue <= entry.ModificationNumber {
			return fmt.Errorf("%w: have %d, proposed %d", ErrModificationConflict, entry.ModificationNumber, newValue)
		}
		if err := tx.Model(&TableEntry{}).
			Where("table_id = ?", tableID.String()).
			Update("modification_number", newValue).Error; err != nil {
			return newServiceError(opIncrementModNum, "entry_update_failed", err)
		}
		accepted = newValue
		return nil
	})
	if txErr != nil {
		if isInfrastructureError(txErr) {
			s.logError(opIncrementModNum, "transaction_failed", txErr, zap.String("table_id", tableID.String()))
		}
		return 0, txErr
	}
	return accepted, nil
}

// ManifestETagFor returns the attachment manifest ETag for a table (empty
// rowID) or a single row, issuing one when none exists yet.
func (s *Service) ManifestETagFor(ctx context.Context, tableID TableID, rowID string) (string, error) {
	var value string
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := lockTableEntry(tx, tableID); err != nil {
			return err
		}
		var manifest ManifestETag
		err := tx.Where("table_id = ? AND row_id = ?", tableID.String(), rowID).Take(&manifest).Error
		if err == nil {
			value = manifest.ETag
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opManifest, "query_failed", err)
		}
		issued, err := s.etags.Issue()
		if err != nil {
			return newServiceError(opManifest, "etag_issue_failed", err)
		}
		manifest = ManifestETag{
			TableID:          tableID.String(),
			RowID:            rowID,
			ETag:             issued,
			UpdatedAtSeconds: s.clock().UTC().Unix(),
		}
		if err := tx.Create(&manifest).Error; err != nil {
			return newServiceError(opManifest, "insert_failed", err)
		}
		value = issued
		return nil
	})
	if txErr != nil {
		return "", txErr
	}
	return value, nil
}

// BumpManifestETag issues a fresh manifest ETag for a table or row after an
// attachment change. Attachment versions are deliberately separate from row
// and data ETags.
func (s *Service) BumpManifestETag(ctx context.Context, tableID TableID, rowID string) (string, error) {
	issued, err := s.etags.Issue()
	if err != nil {
		return "", newServiceError(opManifest, "etag_issue_failed", err)
	}
	manifest := ManifestETag{
		TableID:          tableID.String(),
		RowID:            rowID,
		ETag:             issued,
		UpdatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Save(&manifest).Error; err != nil {
		s.logError(opManifest, "save_failed", err, zap.String("table_id", tableID.String()))
		return "", newServiceError(opManifest, "save_failed", err)
	}
	return issued, nil
}

// AddSubscription registers an external publisher against a table. While one
// exists the table cannot be deleted.
func (s *Service) AddSubscription(ctx context.Context, tableID TableID, subscriptionID, target string) (PublisherSubscription, error) {
	if _, err := s.GetTable(ctx, tableID); err != nil {
		return PublisherSubscription{}, err
	}
	subscription := PublisherSubscription{
		SubscriptionID:   subscriptionID,
		TableID:          tableID.String(),
		Target:           target,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&subscription).Error; err != nil {
		s.logError(opAddSubscription, "insert_failed", err, zap.String("table_id", tableID.String()))
		return PublisherSubscription{}, newServiceError(opAddSubscription, "insert_failed", err)
	}
	return subscription, nil
}

// DropSubscription removes an external publisher registration.
func (s *Service) DropSubscription(ctx context.Context, subscriptionID string) error {
	result := s.db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Delete(&PublisherSubscription{})
	if result.Error != nil {
		s.logError(opDropSubscription, "delete_failed", result.Error, zap.String("subscription_id", subscriptionID))
		return newServiceError(opDropSubscription, "delete_failed", result.Error)
	}
	return nil
}

func (s *Service) bumpDataETag(tx *gorm.DB, entry TableEntry) error {
	newDataETag, err := s.etags.Issue()
	if err != nil {
		return newServiceError(opWriteRow, "etag_issue_failed", err)
	}
	if err := tx.Model(&TableEntry{}).
		Where("table_id = ?", entry.TableID).
		Update("data_etag", newDataETag).Error; err != nil {
		return newServiceError(opWriteRow, "data_etag_update_failed", err)
	}
	return nil
}

func lockTableEntry(tx *gorm.DB, tableID TableID) (TableEntry, error) {
	var entry TableEntry
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("table_id = ?", tableID.String()).
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return TableEntry{}, ErrTableNotFound
	}
	if err != nil {
		return TableEntry{}, newServiceError(opGetTable, "entry_select_failed", err)
	}
	return entry, nil
}

func validateValues(entry TableEntry, values []ColumnValue) error {
	columns, err := entry.Columns()
	if err != nil {
		return newServiceError(opWriteRow, "columns_decode_failed", err)
	}
	known := make(map[string]struct{}, len(columns))
	for _, column := range columns {
		known[column.Name] = struct{}{}
	}
	for _, value := range values {
		if _, ok := known[value.Name]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownColumn, value.Name)
		}
	}
	return nil
}

func isInfrastructureError(err error) bool {
	var serviceErr *ServiceError
	return errors.As(err, &serviceErr)
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("table service error", attrs...)
}
