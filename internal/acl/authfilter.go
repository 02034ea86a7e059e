package acl

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/tabular/backend/internal/tables"
)

// ErrPermissionDenied indicates the caller lacks a required grant. It is
// always raised before any mutation.
var ErrPermissionDenied = errors.New("acl: permission denied")

// Caller identifies the requesting user and the groups they belong to, as
// supplied by the identity layer.
type Caller struct {
	UserID string
	Groups []string
}

// EffectiveScopes returns the caller's scope set: the default scope, the
// caller's own user scope, and one group scope per membership. Any matching
// scope grants access; there is no precedence order between them.
func (c Caller) EffectiveScopes() []tables.Scope {
	scopes := make([]tables.Scope, 0, len(c.Groups)+2)
	scopes = append(scopes, tables.DefaultScope())
	if c.UserID != "" {
		scopes = append(scopes, tables.UserScope(c.UserID))
	}
	for _, group := range c.Groups {
		if group != "" {
			scopes = append(scopes, tables.GroupScope(group))
		}
	}
	return scopes
}

// AuthFilter evaluates one caller's grants against one table. It is built
// per request and must not be reused across requests: grants can change
// between them.
type AuthFilter struct {
	tableID     tables.TableID
	caller      Caller
	scopes      []tables.Scope
	permissions map[TablePermission]struct{}
}

// NewAuthFilter loads the caller's effective permission set for the table.
func NewAuthFilter(ctx context.Context, manager *Manager, tableID tables.TableID, caller Caller) (*AuthFilter, error) {
	if manager == nil {
		return nil, errMissingDatabase
	}
	scopes := caller.EffectiveScopes()
	grants, err := manager.grantsForScopes(ctx, tableID, scopes)
	if err != nil {
		return nil, err
	}
	permissions := make(map[TablePermission]struct{})
	for _, grant := range grants {
		for _, permission := range grant.Role.Permissions() {
			permissions[permission] = struct{}{}
		}
	}
	return &AuthFilter{
		tableID:     tableID,
		caller:      caller,
		scopes:      scopes,
		permissions: permissions,
	}, nil
}

// HasPermission reports whether any grant bound to the caller's scopes
// includes the permission.
func (f *AuthFilter) HasPermission(permission TablePermission) bool {
	_, ok := f.permissions[permission]
	return ok
}

// CheckPermission fails with ErrPermissionDenied when the caller lacks the
// permission.
func (f *AuthFilter) CheckPermission(permission TablePermission) error {
	if !f.HasPermission(permission) {
		return fmt.Errorf("%w: %s on table %s for user %s",
			ErrPermissionDenied, permission, f.tableID.String(), f.caller.UserID)
	}
	return nil
}

// HasFilterScope reports whether the caller may perform a row-level action
// against a row carrying the given filter scope. The caller must hold the
// table-level grant, and the row's scope must be the default scope or match
// one of the caller's scopes. A row whose scope matches nothing the caller
// holds is invisible to them for every operation.
func (f *AuthFilter) HasFilterScope(permission TablePermission, rowScope tables.Scope) bool {
	if !f.HasPermission(permission) {
		return false
	}
	if !permission.RowLevel() {
		return true
	}
	if rowScope.Type == "" || rowScope.Type == tables.ScopeTypeDefault {
		return true
	}
	for _, scope := range f.scopes {
		if scope.Equal(rowScope) {
			return true
		}
	}
	return false
}

// CheckFilterScope fails with ErrPermissionDenied when HasFilterScope does.
func (f *AuthFilter) CheckFilterScope(permission TablePermission, rowID tables.RowID, rowScope tables.Scope) error {
	if !f.HasFilterScope(permission, rowScope) {
		return fmt.Errorf("%w: %s on row %s of table %s for user %s",
			ErrPermissionDenied, permission, rowID.String(), f.tableID.String(), f.caller.UserID)
	}
	return nil
}

// VisibleRow implements tables.RowVisibility for enumeration: rows outside
// the caller's read scope are excluded entirely, not merely write-protected.
func (f *AuthFilter) VisibleRow(row tables.Row) bool {
	return f.HasFilterScope(PermissionReadRow, row.FilterScope())
}
