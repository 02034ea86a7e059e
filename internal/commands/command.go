package commands

import "github.com/MarcoPoloResearchLab/tabular/backend/internal/tables"

// CommandType tags the operation a command carries.
type CommandType string

const (
	CommandTypeCreateTable    CommandType = "CREATE_TABLE"
	CommandTypeDeleteTable    CommandType = "DELETE_TABLE"
	CommandTypeInsertRows     CommandType = "INSERT_ROWS"
	CommandTypeQueryForRows   CommandType = "QUERY_FOR_ROWS"
	CommandTypeQueryForTables CommandType = "QUERY_FOR_TABLES"
	CommandTypeCreateUser     CommandType = "CREATE_USER"
	CommandTypeDeleteUser     CommandType = "DELETE_USER"
	CommandTypeGetUser        CommandType = "GET_USER"
)

// Command is an inbound operation deserialized by the transport layer.
type Command interface {
	CommandType() CommandType
}

// CreateTable creates a table with the given schema.
type CreateTable struct {
	TableID string
	Columns []tables.ColumnDefinition
}

func (CreateTable) CommandType() CommandType { return CommandTypeCreateTable }

// DeleteTable deletes a table and everything it cascades to.
type DeleteTable struct {
	TableID string
}

func (DeleteTable) CommandType() CommandType { return CommandTypeDeleteTable }

// RowInsert is one row of an InsertRows command.
type RowInsert struct {
	RowID       string
	Values      []tables.ColumnValue
	FilterScope tables.Scope
	FormID      string
	Locale      string
}

// InsertRows inserts new rows into a table. Each row must not already exist.
type InsertRows struct {
	TableID string
	Rows    []RowInsert
}

func (InsertRows) CommandType() CommandType { return CommandTypeInsertRows }

// QueryForRows returns the active rows of a table visible to the caller.
type QueryForRows struct {
	TableID string
}

func (QueryForRows) CommandType() CommandType { return CommandTypeQueryForRows }

// QueryForTables returns the tables the caller may read.
type QueryForTables struct{}

func (QueryForTables) CommandType() CommandType { return CommandTypeQueryForTables }

// CreateUser registers a caller in the user registry.
type CreateUser struct {
	UserID      string
	DisplayName string
	Groups      []string
}

func (CreateUser) CommandType() CommandType { return CommandTypeCreateUser }

// DeleteUser removes a caller from the user registry.
type DeleteUser struct {
	UserID string
}

func (DeleteUser) CommandType() CommandType { return CommandTypeDeleteUser }

// GetUser fetches a registered caller.
type GetUser struct {
	UserID string
}

func (GetUser) CommandType() CommandType { return CommandTypeGetUser }
