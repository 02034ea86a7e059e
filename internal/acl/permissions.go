package acl

import (
	"errors"
	"fmt"
	"strings"
)

// TablePermission enumerates the actions a grant can allow on a table.
type TablePermission string

const (
	PermissionReadTable   TablePermission = "READ_TABLE"
	PermissionWriteTable  TablePermission = "WRITE_TABLE"
	PermissionDeleteTable TablePermission = "DELETE_TABLE"
	PermissionReadRow     TablePermission = "READ_ROW"
	PermissionWriteRow    TablePermission = "WRITE_ROW"
	PermissionDeleteRow   TablePermission = "DELETE_ROW"
	PermissionSetACL      TablePermission = "SET_ACL"
)

// TableRole bundles permissions into the grantable units stored per scope.
type TableRole string

const (
	RoleNone          TableRole = "NONE"
	RoleReader        TableRole = "READER"
	RoleWriter        TableRole = "WRITER"
	RoleAdministrator TableRole = "ADMINISTRATOR"
)

// ErrUnknownRole indicates a persisted or supplied role outside the known set.
var ErrUnknownRole = errors.New("acl: unknown table role")

// ParseRole validates raw input and returns a TableRole.
func ParseRole(rawInput string) (TableRole, error) {
	switch TableRole(strings.ToUpper(strings.TrimSpace(rawInput))) {
	case RoleNone:
		return RoleNone, nil
	case RoleReader:
		return RoleReader, nil
	case RoleWriter:
		return RoleWriter, nil
	case RoleAdministrator:
		return RoleAdministrator, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, rawInput)
	}
}

// Permissions expands a role into the permission set it grants.
func (r TableRole) Permissions() []TablePermission {
	switch r {
	case RoleReader:
		return []TablePermission{PermissionReadTable, PermissionReadRow}
	case RoleWriter:
		return []TablePermission{
			PermissionReadTable, PermissionReadRow,
			PermissionWriteTable, PermissionWriteRow, PermissionDeleteRow,
		}
	case RoleAdministrator:
		return []TablePermission{
			PermissionReadTable, PermissionReadRow,
			PermissionWriteTable, PermissionWriteRow, PermissionDeleteRow,
			PermissionDeleteTable, PermissionSetACL,
		}
	default:
		return nil
	}
}

// RowLevel reports whether the permission is checked per row against the
// row's filter scope in addition to the table-level grant.
func (p TablePermission) RowLevel() bool {
	switch p {
	case PermissionReadRow, PermissionWriteRow, PermissionDeleteRow:
		return true
	default:
		return false
	}
}
