package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tabular/backend/internal/acl"
	"github.com/MarcoPoloResearchLab/tabular/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/tabular/backend/internal/commands"
	"github.com/MarcoPoloResearchLab/tabular/backend/internal/etag"
	"github.com/MarcoPoloResearchLab/tabular/backend/internal/tables"
	"github.com/MarcoPoloResearchLab/tabular/backend/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const callerContextKey = "tabular_caller"

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingDispatcher       = errors.New("command dispatcher dependency required")
	errMissingTableService     = errors.New("table service dependency required")
	errMissingACLManager       = errors.New("acl manager dependency required")
	errMissingUserService      = errors.New("user service dependency required")
	errMissingTokenIssuer      = errors.New("token issuer dependency required")
)

// SessionValidator validates inbound sessions and yields caller claims.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// TokenIssuer mints fresh session tokens for authenticated callers.
type TokenIssuer interface {
	IssueToken(ctx context.Context, userID string, groups []string) (string, int64, error)
}

// Dependencies wires the HTTP surface to the sync core.
type Dependencies struct {
	SessionValidator SessionValidator
	TokenIssuer      TokenIssuer
	Dispatcher       *commands.Dispatcher
	TableService     *tables.Service
	ACLManager       *acl.Manager
	UserService      *users.Service
	Realtime         *RealtimeDispatcher
	Logger           *zap.Logger
}

// NewHTTPHandler builds the REST surface over the command dispatcher. The
// wire format here is transport glue; the sync semantics live in the
// dispatcher and the table service.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Dispatcher == nil {
		return nil, errMissingDispatcher
	}
	if deps.TableService == nil {
		return nil, errMissingTableService
	}
	if deps.ACLManager == nil {
		return nil, errMissingACLManager
	}
	if deps.UserService == nil {
		return nil, errMissingUserService
	}
	if deps.TokenIssuer == nil {
		return nil, errMissingTokenIssuer
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "If-Match"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		sessions:   deps.SessionValidator,
		tokens:     deps.TokenIssuer,
		dispatcher: deps.Dispatcher,
		tables:     deps.TableService,
		acls:       deps.ACLManager,
		users:      deps.UserService,
		realtime:   realtime,
		logger:     logger,
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/tables", handler.handleQueryForTables)
	protected.POST("/tables", handler.handleCreateTable)
	protected.DELETE("/tables/:tableId", handler.handleDeleteTable)
	protected.GET("/tables/:tableId/rows", handler.handleQueryForRows)
	protected.POST("/tables/:tableId/rows", handler.handleInsertRows)
	protected.GET("/tables/:tableId/rows/:rowId", handler.handleGetRow)
	protected.PUT("/tables/:tableId/rows/:rowId", handler.handleUpsertRow)
	protected.DELETE("/tables/:tableId/rows/:rowId", handler.handleDeleteRow)
	protected.PUT("/tables/:tableId/acl", handler.handleSetGrant)
	protected.DELETE("/tables/:tableId/acl", handler.handleDeleteGrant)
	protected.GET("/tables/:tableId/manifest", handler.handleTableManifest)
	protected.GET("/tables/:tableId/rows/:rowId/manifest", handler.handleRowManifest)
	protected.GET("/tables/:tableId/events", handler.handleTableEvents)
	protected.POST("/users", handler.handleCreateUser)
	protected.GET("/users/:userId", handler.handleGetUser)
	protected.DELETE("/users/:userId", handler.handleDeleteUser)
	protected.PUT("/users/:userId/groups", handler.handleSetUserGroups)
	protected.POST("/auth/refresh", handler.handleRefreshToken)

	return router, nil
}

type httpHandler struct {
	sessions   SessionValidator
	tokens     TokenIssuer
	dispatcher *commands.Dispatcher
	tables     *tables.Service
	acls       *acl.Manager
	users      *users.Service
	realtime   *RealtimeDispatcher
	logger     *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		h.logger.Warn("session validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	// The token carries a group snapshot from issue time; the registry holds
	// the current memberships. The effective caller is the union of both.
	groups := claims.UserGroups
	if userID, idErr := users.NewUserID(claims.UserID); idErr == nil {
		registryGroups, groupsErr := h.users.GroupsFor(c.Request.Context(), userID)
		if groupsErr != nil {
			h.logger.Error("group lookup failed", zap.String("user_id", claims.UserID), zap.Error(groupsErr))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
			return
		}
		groups = mergeGroups(claims.UserGroups, registryGroups)
	}

	c.Set(callerContextKey, acl.Caller{
		UserID: claims.UserID,
		Groups: groups,
	})
	c.Next()
}

func mergeGroups(tokenGroups, registryGroups []string) []string {
	if len(registryGroups) == 0 {
		return tokenGroups
	}
	seen := make(map[string]struct{}, len(tokenGroups)+len(registryGroups))
	merged := make([]string, 0, len(tokenGroups)+len(registryGroups))
	for _, group := range tokenGroups {
		if _, duplicate := seen[group]; !duplicate {
			seen[group] = struct{}{}
			merged = append(merged, group)
		}
	}
	for _, group := range registryGroups {
		if _, duplicate := seen[group]; !duplicate {
			seen[group] = struct{}{}
			merged = append(merged, group)
		}
	}
	return merged
}

func (h *httpHandler) caller(c *gin.Context) (acl.Caller, bool) {
	value, ok := c.Get(callerContextKey)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return acl.Caller{}, false
	}
	caller, ok := value.(acl.Caller)
	if !ok || caller.UserID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return acl.Caller{}, false
	}
	return caller, true
}

type columnPayload struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type createTablePayload struct {
	TableID string          `json:"table_id"`
	Columns []columnPayload `json:"columns"`
}

func (h *httpHandler) handleCreateTable(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	var request createTablePayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.TableID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	columns := make([]tables.ColumnDefinition, 0, len(request.Columns))
	for _, column := range request.Columns {
		columns = append(columns, tables.ColumnDefinition{Name: column.Name, Type: column.Type})
	}
	h.dispatch(c, caller, commands.CreateTable{TableID: request.TableID, Columns: columns}, http.StatusCreated)
}

func (h *httpHandler) handleDeleteTable(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	h.dispatch(c, caller, commands.DeleteTable{TableID: c.Param("tableId")}, http.StatusOK)
}

func (h *httpHandler) handleQueryForTables(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	h.dispatch(c, caller, commands.QueryForTables{}, http.StatusOK)
}

type scopePayload struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type rowValuePayload struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type insertRowPayload struct {
	RowID       string            `json:"row_id"`
	Values      []rowValuePayload `json:"values"`
	FilterScope *scopePayload     `json:"filter_scope"`
	FormID      string            `json:"form_id"`
	Locale      string            `json:"locale"`
}

type insertRowsPayload struct {
	Rows []insertRowPayload `json:"rows"`
}

func (h *httpHandler) handleInsertRows(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	var request insertRowsPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Rows) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	rowInserts := make([]commands.RowInsert, 0, len(request.Rows))
	rowIDs := make([]string, 0, len(request.Rows))
	for _, row := range request.Rows {
		scope, err := parseScope(row.FilterScope)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_filter_scope"})
			return
		}
		rowInserts = append(rowInserts, commands.RowInsert{
			RowID:       row.RowID,
			Values:      decodeValues(row.Values),
			FilterScope: scope,
			FormID:      row.FormID,
			Locale:      row.Locale,
		})
		rowIDs = append(rowIDs, row.RowID)
	}

	tableID := c.Param("tableId")
	result, err := h.dispatcher.Dispatch(c.Request.Context(), caller, commands.InsertRows{TableID: tableID, Rows: rowInserts})
	if err != nil {
		h.internalError(c, err)
		return
	}
	if result.Successful() {
		if payload, ok := result.Payload().(commands.InsertRowsResult); ok {
			h.realtime.Publish(RealtimeMessage{
				TableID:   tableID,
				EventType: RealtimeEventTableChanged,
				DataETag:  payload.DataETag,
				RowIDs:    rowIDs,
				Timestamp: time.Now().UTC(),
			})
		}
	}
	h.renderResult(c, result, http.StatusCreated)
}

func (h *httpHandler) handleQueryForRows(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	h.dispatch(c, caller, commands.QueryForRows{TableID: c.Param("tableId")}, http.StatusOK)
}

type rowPayload struct {
	RowID       string            `json:"row_id"`
	RowETag     string            `json:"row_etag"`
	FilterScope scopePayload      `json:"filter_scope"`
	Deleted     bool              `json:"deleted"`
	Values      []rowValuePayload `json:"values,omitempty"`
}

func (h *httpHandler) handleGetRow(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	tableID, rowID, filter, ok := h.rowRequest(c, caller)
	if !ok {
		return
	}

	row, err := h.tables.GetRow(c.Request.Context(), tableID, rowID)
	if err != nil {
		h.renderServiceError(c, err)
		return
	}
	// A row outside the caller's scopes is indistinguishable from an
	// absent one.
	if !filter.HasFilterScope(acl.PermissionReadRow, row.FilterScope()) {
		c.JSON(http.StatusNotFound, gin.H{"error": "row_not_found"})
		return
	}
	// Conditional fetch: a client already holding the current version gets
	// 304 instead of the row body.
	if expected := c.GetHeader("If-None-Match"); etag.HasPrecondition(expected) && etag.Validate(expected, row.RowETag) {
		c.Status(http.StatusNotModified)
		return
	}
	c.JSON(http.StatusOK, encodeRow(row))
}

type upsertRowPayload struct {
	Values      []rowValuePayload `json:"values"`
	FilterScope *scopePayload     `json:"filter_scope"`
	Deleted     bool              `json:"deleted"`
	FormID      string            `json:"form_id"`
	Locale      string            `json:"locale"`
}

func (h *httpHandler) handleUpsertRow(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	tableID, rowID, filter, ok := h.rowRequest(c, caller)
	if !ok {
		return
	}

	var request upsertRowPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	scope, err := parseScope(request.FilterScope)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_filter_scope"})
		return
	}

	// The permission check runs against the stored row's scope when the row
	// exists, before any mutation.
	existing, err := h.tables.GetRow(c.Request.Context(), tableID, rowID)
	if err == nil {
		if cErr := filter.CheckFilterScope(acl.PermissionWriteRow, rowID, existing.FilterScope()); cErr != nil {
			c.JSON(http.StatusForbidden, gin.H{"error": "permission_denied"})
			return
		}
	} else if !errors.Is(err, tables.ErrRowNotFound) {
		h.renderServiceError(c, err)
		return
	} else if cErr := filter.CheckFilterScope(acl.PermissionWriteRow, rowID, scope); cErr != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "permission_denied"})
		return
	}

	row, err := h.tables.CreateOrUpdateRow(c.Request.Context(), tableID, rowID, tables.RowUpsert{
		Values:           decodeValues(request.Values),
		FilterScope:      scope,
		Deleted:          request.Deleted,
		FormID:           request.FormID,
		Locale:           request.Locale,
		SavepointCreator: caller.UserID,
	}, c.GetHeader("If-Match"))
	if err != nil {
		h.renderServiceError(c, err)
		return
	}

	h.publishRowChange(c, tableID, row)
	c.JSON(http.StatusOK, encodeRow(row))
}

func (h *httpHandler) handleDeleteRow(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	tableID, rowID, filter, ok := h.rowRequest(c, caller)
	if !ok {
		return
	}

	existing, err := h.tables.GetRow(c.Request.Context(), tableID, rowID)
	if err != nil {
		h.renderServiceError(c, err)
		return
	}
	if cErr := filter.CheckFilterScope(acl.PermissionDeleteRow, rowID, existing.FilterScope()); cErr != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "permission_denied"})
		return
	}

	row, err := h.tables.DeleteRow(c.Request.Context(), tableID, rowID, c.GetHeader("If-Match"))
	if err != nil {
		h.renderServiceError(c, err)
		return
	}

	h.publishRowChange(c, tableID, row)
	c.JSON(http.StatusOK, encodeRow(row))
}

type grantPayload struct {
	Scope scopePayload `json:"scope"`
	Role  string       `json:"role"`
}

func (h *httpHandler) handleSetGrant(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	tableID, ok := h.aclRequest(c, caller)
	if !ok {
		return
	}
	var request grantPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	scope, err := tables.NewScope(request.Scope.Type, request.Scope.Value)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_scope"})
		return
	}
	role, err := acl.ParseRole(request.Role)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_role"})
		return
	}
	grant, err := h.acls.SetGrant(c.Request.Context(), tableID, scope, role)
	if err != nil {
		h.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"table_id": grant.TableID,
		"scope":    scopePayload{Type: string(grant.ScopeType), Value: grant.ScopeValue},
		"role":     string(grant.Role),
	})
}

func (h *httpHandler) handleDeleteGrant(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	tableID, ok := h.aclRequest(c, caller)
	if !ok {
		return
	}
	scope, err := tables.NewScope(c.Query("scope_type"), c.Query("scope_value"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_scope"})
		return
	}
	if err := h.acls.DeleteGrant(c.Request.Context(), tableID, scope); err != nil {
		h.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (h *httpHandler) aclRequest(c *gin.Context, caller acl.Caller) (tables.TableID, bool) {
	tableID, err := tables.NewTableID(c.Param("tableId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_table_id"})
		return "", false
	}
	filter, err := acl.NewAuthFilter(c.Request.Context(), h.acls, tableID, caller)
	if err != nil {
		h.internalError(c, err)
		return "", false
	}
	if err := filter.CheckPermission(acl.PermissionSetACL); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "permission_denied"})
		return "", false
	}
	return tableID, true
}

func (h *httpHandler) handleTableManifest(c *gin.Context) {
	h.manifest(c, "")
}

func (h *httpHandler) handleRowManifest(c *gin.Context) {
	h.manifest(c, c.Param("rowId"))
}

func (h *httpHandler) manifest(c *gin.Context, rowID string) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	tableID, err := tables.NewTableID(c.Param("tableId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_table_id"})
		return
	}
	filter, err := acl.NewAuthFilter(c.Request.Context(), h.acls, tableID, caller)
	if err != nil {
		h.internalError(c, err)
		return
	}
	if err := filter.CheckPermission(acl.PermissionReadTable); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "permission_denied"})
		return
	}
	manifestETag, err := h.tables.ManifestETagFor(c.Request.Context(), tableID, rowID)
	if err != nil {
		h.renderServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"manifest_etag": manifestETag})
}

func (h *httpHandler) handleTableEvents(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	tableID, err := tables.NewTableID(c.Param("tableId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_table_id"})
		return
	}
	filter, err := acl.NewAuthFilter(c.Request.Context(), h.acls, tableID, caller)
	if err != nil {
		h.internalError(c, err)
		return
	}
	if err := filter.CheckPermission(acl.PermissionReadTable); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "permission_denied"})
		return
	}

	stream, cleanup := h.realtime.Subscribe(c.Request.Context(), tableID.String())
	defer cleanup()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case message, open := <-stream:
			if !open {
				return false
			}
			c.SSEvent(message.EventType, gin.H{
				"table_id":  message.TableID,
				"data_etag": message.DataETag,
				"row_ids":   message.RowIDs,
				"source":    realtimeSourceBackend,
			})
			return true
		case <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"source": realtimeSourceBackend})
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

type createUserPayload struct {
	UserID      string   `json:"user_id"`
	DisplayName string   `json:"display_name"`
	Groups      []string `json:"groups"`
}

func (h *httpHandler) handleCreateUser(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	var request createUserPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.UserID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	h.dispatch(c, caller, commands.CreateUser{
		UserID:      request.UserID,
		DisplayName: request.DisplayName,
		Groups:      request.Groups,
	}, http.StatusCreated)
}

func (h *httpHandler) handleGetUser(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	h.dispatch(c, caller, commands.GetUser{UserID: c.Param("userId")}, http.StatusOK)
}

func (h *httpHandler) handleDeleteUser(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	h.dispatch(c, caller, commands.DeleteUser{UserID: c.Param("userId")}, http.StatusOK)
}

type setGroupsPayload struct {
	Groups []string `json:"groups"`
}

func (h *httpHandler) handleSetUserGroups(c *gin.Context) {
	if _, ok := h.caller(c); !ok {
		return
	}
	userID, err := users.NewUserID(c.Param("userId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user_id"})
		return
	}
	var request setGroupsPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	user, err := h.users.SetGroups(c.Request.Context(), userID, request.Groups)
	if err != nil {
		if errors.Is(err, users.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user_not_found"})
			return
		}
		h.internalError(c, err)
		return
	}
	groups, err := user.Groups()
	if err != nil {
		h.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id":      user.UserID,
		"display_name": user.DisplayName,
		"groups":       groups,
	})
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// handleRefreshToken exchanges a valid session for a fresh token carrying the
// caller's current effective group memberships.
func (h *httpHandler) handleRefreshToken(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	token, expiresIn, err := h.tokens.IssueToken(c.Request.Context(), caller.UserID, caller.Groups)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}
	c.JSON(http.StatusOK, tokenResponse{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) rowRequest(c *gin.Context, caller acl.Caller) (tables.TableID, tables.RowID, *acl.AuthFilter, bool) {
	tableID, err := tables.NewTableID(c.Param("tableId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_table_id"})
		return "", "", nil, false
	}
	rowID, err := tables.NewRowID(c.Param("rowId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_row_id"})
		return "", "", nil, false
	}
	filter, err := acl.NewAuthFilter(c.Request.Context(), h.acls, tableID, caller)
	if err != nil {
		h.internalError(c, err)
		return "", "", nil, false
	}
	return tableID, rowID, filter, true
}

func (h *httpHandler) dispatch(c *gin.Context, caller acl.Caller, command commands.Command, successStatus int) {
	result, err := h.dispatcher.Dispatch(c.Request.Context(), caller, command)
	if err != nil {
		h.internalError(c, err)
		return
	}
	h.renderResult(c, result, successStatus)
}

func (h *httpHandler) renderResult(c *gin.Context, result commands.CommandResult, successStatus int) {
	if result.Successful() {
		c.JSON(successStatus, gin.H{"result": encodePayload(result.Payload())})
		return
	}
	response := gin.H{"failure_reason": string(result.Reason())}
	if result.FailedRowID() != "" {
		response["row_id"] = result.FailedRowID()
	}
	c.JSON(statusForReason(result.Reason()), response)
}

func (h *httpHandler) renderServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, tables.ErrTableNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "table_not_found"})
	case errors.Is(err, tables.ErrRowNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "row_not_found"})
	case errors.Is(err, tables.ErrRowETagMismatch):
		c.JSON(http.StatusPreconditionFailed, gin.H{"error": "row_out_of_synch"})
	case errors.Is(err, tables.ErrUnknownColumn):
		c.JSON(http.StatusBadRequest, gin.H{"error": "column_does_not_exist"})
	default:
		h.internalError(c, err)
	}
}

func (h *httpHandler) internalError(c *gin.Context, err error) {
	h.logger.Error("request failed", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
}

func (h *httpHandler) publishRowChange(c *gin.Context, tableID tables.TableID, row tables.Row) {
	entry, err := h.tables.GetTable(c.Request.Context(), tableID)
	dataETag := ""
	if err == nil {
		dataETag = entry.DataETag
	}
	h.realtime.Publish(RealtimeMessage{
		TableID:   tableID.String(),
		EventType: RealtimeEventTableChanged,
		DataETag:  dataETag,
		RowIDs:    []string{row.RowID},
		Timestamp: time.Now().UTC(),
	})
}

func statusForReason(reason commands.FailureReason) int {
	switch reason {
	case commands.ReasonTableAlreadyExists, commands.ReasonRowAlreadyExists,
		commands.ReasonUserAlreadyExists, commands.ReasonExternalServiceSync:
		return http.StatusConflict
	case commands.ReasonTableDoesNotExist, commands.ReasonUserDoesNotExist:
		return http.StatusNotFound
	case commands.ReasonRowOutOfSynch, commands.ReasonOutOfSynch:
		return http.StatusPreconditionFailed
	case commands.ReasonPermissionDenied:
		return http.StatusForbidden
	case commands.ReasonColumnDoesNotExist:
		return http.StatusBadRequest
	case commands.ReasonLockContention:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func parseScope(payload *scopePayload) (tables.Scope, error) {
	if payload == nil {
		return tables.DefaultScope(), nil
	}
	return tables.NewScope(payload.Type, payload.Value)
}

func decodeValues(payloads []rowValuePayload) []tables.ColumnValue {
	values := make([]tables.ColumnValue, 0, len(payloads))
	for _, payload := range payloads {
		values = append(values, tables.ColumnValue{Name: payload.Name, Value: payload.Value})
	}
	return values
}

func encodeRow(row tables.Row) rowPayload {
	payload := rowPayload{
		RowID:   row.RowID,
		RowETag: row.RowETag,
		FilterScope: scopePayload{
			Type:  string(row.FilterScope().Type),
			Value: row.FilterScope().Value,
		},
		Deleted: row.Deleted,
	}
	// Deleted rows keep identity and ETag; their values are void.
	if !row.Deleted {
		if values, err := row.Values(); err == nil {
			payload.Values = make([]rowValuePayload, 0, len(values))
			for _, value := range values {
				payload.Values = append(payload.Values, rowValuePayload{Name: value.Name, Value: value.Value})
			}
		}
	}
	return payload
}

func encodePayload(payload interface{}) interface{} {
	switch typed := payload.(type) {
	case commands.QueryForRowsResult:
		rows := make([]rowPayload, 0, len(typed.Rows))
		for _, row := range typed.Rows {
			rows = append(rows, encodeRow(row))
		}
		return gin.H{"table_id": typed.TableID, "data_etag": typed.DataETag, "rows": rows}
	case commands.CreateTableResult:
		return gin.H{"table_id": typed.TableID, "schema_etag": typed.SchemaETag, "data_etag": typed.DataETag}
	case commands.InsertRowsResult:
		rows := make([]gin.H, 0, len(typed.Rows))
		for _, row := range typed.Rows {
			rows = append(rows, gin.H{"row_id": row.RowID, "row_etag": row.RowETag})
		}
		return gin.H{
			"table_id":            typed.TableID,
			"rows":                rows,
			"data_etag":           typed.DataETag,
			"modification_number": typed.ModificationNumber,
		}
	case commands.QueryForTablesResult:
		entries := make([]gin.H, 0, len(typed.Entries))
		for _, entry := range typed.Entries {
			entries = append(entries, gin.H{
				"table_id":            entry.TableID,
				"schema_etag":         entry.SchemaETag,
				"data_etag":           entry.DataETag,
				"modification_number": entry.ModificationNumber,
			})
		}
		return gin.H{"tables": entries}
	default:
		return payload
	}
}
