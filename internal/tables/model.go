package tables

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidTableID indicates that a table identifier is empty or exceeds storage bounds.
	ErrInvalidTableID = errors.New("tables: invalid table id")
	// ErrInvalidRowID indicates that a row identifier is empty or exceeds storage bounds.
	ErrInvalidRowID = errors.New("tables: invalid row id")
	// ErrInvalidColumnName indicates that a column name is empty or exceeds storage bounds.
	ErrInvalidColumnName = errors.New("tables: invalid column name")
	// ErrInvalidScope indicates that a filter scope is malformed.
	ErrInvalidScope = errors.New("tables: invalid filter scope")
)

// TableID represents a validated table identifier.
type TableID string

// NewTableID validates raw input and returns a TableID.
func NewTableID(rawInput string) (TableID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidTableID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidTableID, maxIdentifierLength)
	}
	return TableID(trimmed), nil
}

// String returns the underlying string identifier.
func (id TableID) String() string {
	return string(id)
}

// RowID represents a validated row identifier.
type RowID string

// NewRowID validates raw input and returns a RowID.
func NewRowID(rawInput string) (RowID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRowID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidRowID, maxIdentifierLength)
	}
	return RowID(trimmed), nil
}

// String returns the underlying string identifier.
func (id RowID) String() string {
	return string(id)
}

// ScopeType enumerates the grant boundaries a row filter scope can name.
type ScopeType string

const (
	// ScopeTypeDefault makes a row visible to every caller holding the table grant.
	ScopeTypeDefault ScopeType = "DEFAULT"
	// ScopeTypeUser restricts a row to a single user.
	ScopeTypeUser ScopeType = "USER"
	// ScopeTypeGroup restricts a row to members of a group.
	ScopeTypeGroup ScopeType = "GROUP"
)

// Scope is a grant boundary attached to a row or an access-control entry.
type Scope struct {
	Type  ScopeType `json:"type"`
	Value string    `json:"value"`
}

// DefaultScope returns the scope shared by all callers.
func DefaultScope() Scope {
	return Scope{Type: ScopeTypeDefault}
}

// UserScope returns the scope owned by a single user.
func UserScope(userID string) Scope {
	return Scope{Type: ScopeTypeUser, Value: userID}
}

// GroupScope returns the scope owned by a group.
func GroupScope(group string) Scope {
	return Scope{Type: ScopeTypeGroup, Value: group}
}

// NewScope validates a raw type/value pair and returns a Scope.
func NewScope(rawType, value string) (Scope, error) {
	switch ScopeType(strings.ToUpper(strings.TrimSpace(rawType))) {
	case ScopeTypeDefault, "":
		return DefaultScope(), nil
	case ScopeTypeUser:
		if strings.TrimSpace(value) == "" {
			return Scope{}, fmt.Errorf("%w: user scope requires a value", ErrInvalidScope)
		}
		return UserScope(strings.TrimSpace(value)), nil
	case ScopeTypeGroup:
		if strings.TrimSpace(value) == "" {
			return Scope{}, fmt.Errorf("%w: group scope requires a value", ErrInvalidScope)
		}
		return GroupScope(strings.TrimSpace(value)), nil
	default:
		return Scope{}, fmt.Errorf("%w: unknown type %q", ErrInvalidScope, rawType)
	}
}

// Equal reports whether two scopes name the same boundary.
func (s Scope) Equal(other Scope) bool {
	return s.Type == other.Type && s.Value == other.Value
}

// ColumnDefinition describes one column of a table schema.
type ColumnDefinition struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// ColumnValue pairs a column name with its stored value, preserving order.
type ColumnValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// TableEntry models the persisted table header with version metadata.
type TableEntry struct {
	TableID            string `gorm:"column:table_id;primaryKey;size:190;not null"`
	SchemaETag         string `gorm:"column:schema_etag;size:64;not null"`
	DataETag           string `gorm:"column:data_etag;size:64;not null"`
	ModificationNumber int64  `gorm:"column:modification_number;not null;default:0"`
	ColumnsJSON        string `gorm:"column:columns_json;type:text;not null"`
	CreatedAtSeconds   int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (TableEntry) TableName() string {
	return "table_entries"
}

// Columns decodes the persisted schema definition.
func (e TableEntry) Columns() ([]ColumnDefinition, error) {
	if e.ColumnsJSON == "" {
		return nil, nil
	}
	var columns []ColumnDefinition
	if err := json.Unmarshal([]byte(e.ColumnsJSON), &columns); err != nil {
		return nil, fmt.Errorf("tables: decode columns for %s: %w", e.TableID, err)
	}
	return columns, nil
}

// EncodeColumns serializes a schema definition for storage.
func EncodeColumns(columns []ColumnDefinition) (string, error) {
	for _, column := range columns {
		trimmed := strings.TrimSpace(column.Name)
		if trimmed == "" || len(trimmed) > maxIdentifierLength {
			return "", fmt.Errorf("%w: %q", ErrInvalidColumnName, column.Name)
		}
	}
	encoded, err := json.Marshal(columns)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

// Row models one persisted row with its version token and filter scope.
type Row struct {
	TableID            string    `gorm:"column:table_id;primaryKey;size:190;not null;index:idx_rows_table_deleted,priority:1"`
	RowID              string    `gorm:"column:row_id;primaryKey;size:190;not null"`
	RowETag            string    `gorm:"column:row_etag;size:64;not null"`
	FilterType         ScopeType `gorm:"column:filter_type;size:16;not null;default:DEFAULT"`
	FilterValue        string    `gorm:"column:filter_value;size:190;not null;default:''"`
	Deleted            bool      `gorm:"column:deleted;not null;default:false;index:idx_rows_table_deleted,priority:2"`
	ValuesJSON         string    `gorm:"column:values_json;type:text;not null"`
	FormID             string    `gorm:"column:form_id;size:190;not null;default:''"`
	Locale             string    `gorm:"column:locale;size:32;not null;default:''"`
	SavepointTimestamp int64     `gorm:"column:savepoint_timestamp_s;not null;default:0"`
	SavepointCreator   string    `gorm:"column:savepoint_creator;size:190;not null;default:''"`
	SavepointType      string    `gorm:"column:savepoint_type;size:32;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (Row) TableName() string {
	return "table_rows"
}

// FilterScope returns the row's scope as a value type.
func (r Row) FilterScope() Scope {
	if r.FilterType == "" {
		return DefaultScope()
	}
	return Scope{Type: r.FilterType, Value: r.FilterValue}
}

// Values decodes the persisted column values, preserving column order.
func (r Row) Values() ([]ColumnValue, error) {
	if r.ValuesJSON == "" {
		return nil, nil
	}
	var values []ColumnValue
	if err := json.Unmarshal([]byte(r.ValuesJSON), &values); err != nil {
		return nil, fmt.Errorf("tables: decode values for %s/%s: %w", r.TableID, r.RowID, err)
	}
	return values, nil
}

// EncodeValues serializes column values for storage.
func EncodeValues(values []ColumnValue) (string, error) {
	encoded, err := json.Marshal(values)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

// ManifestETag tracks the attachment manifest version for a table or a single
// row, kept distinct from the row and data ETags so attachment changes do not
// collide with data changes. RowID is empty for table-level manifests.
type ManifestETag struct {
	TableID          string `gorm:"column:table_id;primaryKey;size:190;not null"`
	RowID            string `gorm:"column:row_id;primaryKey;size:190;not null;default:''"`
	ETag             string `gorm:"column:etag;size:64;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ManifestETag) TableName() string {
	return "manifest_etags"
}

// PublisherSubscription records an external publisher still bound to a table.
// A table cannot be deleted while one exists.
type PublisherSubscription struct {
	SubscriptionID   string `gorm:"column:subscription_id;primaryKey;size:190;not null"`
	TableID          string `gorm:"column:table_id;size:190;not null;index"`
	Target           string `gorm:"column:target;size:512;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (PublisherSubscription) TableName() string {
	return "publisher_subscriptions"
}
