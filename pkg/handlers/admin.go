package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-router/pkg/auth"
	"github.com/ekaya-inc/ekaya-router/pkg/models"
	"github.com/ekaya-inc/ekaya-router/pkg/services"
)

// maxImportBodyBytes bounds YAML import bundles.
const maxImportBodyBytes = 1 << 20

// InstallCommandRequest for POST /api/admin/entities/{entity_id}/commands
type InstallCommandRequest struct {
	CommandID       uuid.UUID      `json:"command_id"`
	IsEnabled       *bool          `json:"is_enabled,omitempty"`
	ConfigOverrides map[string]any `json:"config_overrides,omitempty"`
}

// UpdatePermissionRequest for PUT /api/admin/entities/{entity_id}/commands/{cmd_id}
type UpdatePermissionRequest struct {
	IsEnabled       bool           `json:"is_enabled"`
	ConfigOverrides map[string]any `json:"config_overrides,omitempty"`
}

// SetEntityActiveRequest for PUT /api/admin/entities/{entity_id}/active
type SetEntityActiveRequest struct {
	Active bool `json:"active"`
}

// CommandListResponse lists commands.
type CommandListResponse struct {
	Commands []*models.Command `json:"commands"`
	Total    int               `json:"total"`
}

// PermissionListResponse lists an entity's installed commands.
type PermissionListResponse struct {
	Permissions []*models.CommandPermission `json:"permissions"`
	Total       int                         `json:"total"`
}

// RuleListResponse lists string-match rules.
type RuleListResponse struct {
	Rules []*models.StringMatchRule `json:"rules"`
	Total int                       `json:"total"`
}

// AdminHandler handles command, permission and rule administration.
type AdminHandler struct {
	admin  services.RuleAdminService
	logger *zap.Logger
}

// NewAdminHandler creates a new admin handler.
func NewAdminHandler(admin services.RuleAdminService, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		admin:  admin,
		logger: logger,
	}
}

// RegisterRoutes registers the admin handler's routes on the given mux.
func (h *AdminHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware) {
	base := "/api/admin"
	admin := authMiddleware.RequireRole(auth.RoleAdmin)

	mux.HandleFunc("GET "+base+"/commands", admin(h.ListCommands))
	mux.HandleFunc("POST "+base+"/commands", admin(h.CreateCommand))
	mux.HandleFunc("GET "+base+"/commands/{cmd_id}", admin(h.GetCommand))
	mux.HandleFunc("PUT "+base+"/commands/{cmd_id}", admin(h.UpdateCommand))
	mux.HandleFunc("DELETE "+base+"/commands/{cmd_id}", admin(h.DeleteCommand))
	mux.HandleFunc("POST "+base+"/commands/{cmd_id}/activate", admin(h.ActivateCommand))
	mux.HandleFunc("POST "+base+"/commands/{cmd_id}/deactivate", admin(h.DeactivateCommand))
	mux.HandleFunc("GET "+base+"/commands/{cmd_id}/versions", admin(h.ListCommandVersions))

	mux.HandleFunc("GET "+base+"/entities/{entity_id}/commands", admin(h.ListPermissions))
	mux.HandleFunc("POST "+base+"/entities/{entity_id}/commands", admin(h.InstallCommand))
	mux.HandleFunc("PUT "+base+"/entities/{entity_id}/commands/{cmd_id}", admin(h.UpdatePermission))
	mux.HandleFunc("DELETE "+base+"/entities/{entity_id}/commands/{cmd_id}", admin(h.UninstallCommand))
	mux.HandleFunc("PUT "+base+"/entities/{entity_id}/active", admin(h.SetEntityActive))

	mux.HandleFunc("GET "+base+"/rules", admin(h.ListRules))
	mux.HandleFunc("POST "+base+"/rules", admin(h.CreateRule))
	mux.HandleFunc("GET "+base+"/rules/{rule_id}", admin(h.GetRule))
	mux.HandleFunc("PUT "+base+"/rules/{rule_id}", admin(h.UpdateRule))
	mux.HandleFunc("DELETE "+base+"/rules/{rule_id}", admin(h.DeleteRule))

	mux.HandleFunc("POST "+base+"/import", admin(h.Import))
}

// ListCommands handles GET /api/admin/commands?active=true
func (h *AdminHandler) ListCommands(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"

	commands, err := h.admin.ListCommands(r.Context(), activeOnly)
	if err != nil {
		writeServiceError(w, h.logger, "list commands", err)
		return
	}

	writeData(w, h.logger, http.StatusOK, CommandListResponse{Commands: commands, Total: len(commands)})
}

// CreateCommand handles POST /api/admin/commands
func (h *AdminHandler) CreateCommand(w http.ResponseWriter, r *http.Request) {
	var cmd models.Command
	if !decodeBody(w, r, h.logger, &cmd) {
		return
	}

	created, err := h.admin.CreateCommand(r.Context(), &cmd)
	if err != nil {
		writeServiceError(w, h.logger, "create command", err)
		return
	}

	h.logger.Info("Command created",
		zap.String("command_id", created.ID.String()),
		zap.String("name", created.Name),
		zap.Int("version", created.Version),
		zap.String("subject", auth.GetSubjectFromContext(r.Context())))

	writeData(w, h.logger, http.StatusCreated, created)
}

// GetCommand handles GET /api/admin/commands/{cmd_id}
func (h *AdminHandler) GetCommand(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseCommandID(w, r, h.logger)
	if !ok {
		return
	}

	cmd, err := h.admin.GetCommand(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.logger, "get command", err)
		return
	}

	writeData(w, h.logger, http.StatusOK, cmd)
}

// UpdateCommand handles PUT /api/admin/commands/{cmd_id}
func (h *AdminHandler) UpdateCommand(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseCommandID(w, r, h.logger)
	if !ok {
		return
	}

	var cmd models.Command
	if !decodeBody(w, r, h.logger, &cmd) {
		return
	}
	cmd.ID = id

	updated, err := h.admin.UpdateCommand(r.Context(), &cmd)
	if err != nil {
		writeServiceError(w, h.logger, "update command", err)
		return
	}

	writeData(w, h.logger, http.StatusOK, updated)
}

// DeleteCommand handles DELETE /api/admin/commands/{cmd_id}
func (h *AdminHandler) DeleteCommand(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseCommandID(w, r, h.logger)
	if !ok {
		return
	}

	if err := h.admin.DeleteCommand(r.Context(), id); err != nil {
		writeServiceError(w, h.logger, "delete command", err)
		return
	}

	h.logger.Info("Command deleted",
		zap.String("command_id", id.String()),
		zap.String("subject", auth.GetSubjectFromContext(r.Context())))

	writeData(w, h.logger, http.StatusOK, nil)
}

// ActivateCommand handles POST /api/admin/commands/{cmd_id}/activate
func (h *AdminHandler) ActivateCommand(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseCommandID(w, r, h.logger)
	if !ok {
		return
	}

	cmd, err := h.admin.ActivateCommand(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.logger, "activate command", err)
		return
	}

	h.logger.Info("Command version activated",
		zap.String("command_id", id.String()),
		zap.String("name", cmd.Name),
		zap.Int("version", cmd.Version))

	writeData(w, h.logger, http.StatusOK, cmd)
}

// DeactivateCommand handles POST /api/admin/commands/{cmd_id}/deactivate
func (h *AdminHandler) DeactivateCommand(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseCommandID(w, r, h.logger)
	if !ok {
		return
	}

	if err := h.admin.DeactivateCommand(r.Context(), id); err != nil {
		writeServiceError(w, h.logger, "deactivate command", err)
		return
	}

	writeData(w, h.logger, http.StatusOK, nil)
}

// ListCommandVersions handles GET /api/admin/commands/{cmd_id}/versions
func (h *AdminHandler) ListCommandVersions(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseCommandID(w, r, h.logger)
	if !ok {
		return
	}

	cmd, err := h.admin.GetCommand(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.logger, "get command", err)
		return
	}

	versions, err := h.admin.ListCommandVersions(r.Context(), cmd.Name)
	if err != nil {
		writeServiceError(w, h.logger, "list command versions", err)
		return
	}

	writeData(w, h.logger, http.StatusOK, CommandListResponse{Commands: versions, Total: len(versions)})
}

// ListPermissions handles GET /api/admin/entities/{entity_id}/commands
func (h *AdminHandler) ListPermissions(w http.ResponseWriter, r *http.Request) {
	entityID, ok := ParseEntityID(w, r, h.logger)
	if !ok {
		return
	}

	perms, err := h.admin.ListPermissions(r.Context(), entityID)
	if err != nil {
		writeServiceError(w, h.logger, "list permissions", err)
		return
	}

	writeData(w, h.logger, http.StatusOK, PermissionListResponse{Permissions: perms, Total: len(perms)})
}

// InstallCommand handles POST /api/admin/entities/{entity_id}/commands
func (h *AdminHandler) InstallCommand(w http.ResponseWriter, r *http.Request) {
	entityID, ok := ParseEntityID(w, r, h.logger)
	if !ok {
		return
	}

	var req InstallCommandRequest
	if !decodeBody(w, r, h.logger, &req) {
		return
	}

	enabled := true
	if req.IsEnabled != nil {
		enabled = *req.IsEnabled
	}

	perm, err := h.admin.InstallCommand(r.Context(), &models.CommandPermission{
		CommandID:       req.CommandID,
		EntityID:        entityID,
		IsEnabled:       enabled,
		ConfigOverrides: req.ConfigOverrides,
	})
	if err != nil {
		writeServiceError(w, h.logger, "install command", err)
		return
	}

	writeData(w, h.logger, http.StatusCreated, perm)
}

// UpdatePermission handles PUT /api/admin/entities/{entity_id}/commands/{cmd_id}
func (h *AdminHandler) UpdatePermission(w http.ResponseWriter, r *http.Request) {
	entityID, ok := ParseEntityID(w, r, h.logger)
	if !ok {
		return
	}
	commandID, ok := ParseCommandID(w, r, h.logger)
	if !ok {
		return
	}

	var req UpdatePermissionRequest
	if !decodeBody(w, r, h.logger, &req) {
		return
	}

	perm, err := h.admin.UpdatePermission(r.Context(), &models.CommandPermission{
		CommandID:       commandID,
		EntityID:        entityID,
		IsEnabled:       req.IsEnabled,
		ConfigOverrides: req.ConfigOverrides,
	})
	if err != nil {
		writeServiceError(w, h.logger, "update permission", err)
		return
	}

	writeData(w, h.logger, http.StatusOK, perm)
}

// UninstallCommand handles DELETE /api/admin/entities/{entity_id}/commands/{cmd_id}
func (h *AdminHandler) UninstallCommand(w http.ResponseWriter, r *http.Request) {
	entityID, ok := ParseEntityID(w, r, h.logger)
	if !ok {
		return
	}
	commandID, ok := ParseCommandID(w, r, h.logger)
	if !ok {
		return
	}

	if err := h.admin.UninstallCommand(r.Context(), commandID, entityID); err != nil {
		writeServiceError(w, h.logger, "uninstall command", err)
		return
	}

	writeData(w, h.logger, http.StatusOK, nil)
}

// SetEntityActive handles PUT /api/admin/entities/{entity_id}/active
func (h *AdminHandler) SetEntityActive(w http.ResponseWriter, r *http.Request) {
	entityID, ok := ParseEntityID(w, r, h.logger)
	if !ok {
		return
	}

	var req SetEntityActiveRequest
	if !decodeBody(w, r, h.logger, &req) {
		return
	}

	entity, err := h.admin.SetEntityActive(r.Context(), entityID, req.Active)
	if err != nil {
		writeServiceError(w, h.logger, "update entity", err)
		return
	}

	writeData(w, h.logger, http.StatusOK, entity)
}

// ListRules handles GET /api/admin/rules
func (h *AdminHandler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.admin.ListRules(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, "list rules", err)
		return
	}

	writeData(w, h.logger, http.StatusOK, RuleListResponse{Rules: rules, Total: len(rules)})
}

// CreateRule handles POST /api/admin/rules
func (h *AdminHandler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var rule models.StringMatchRule
	if !decodeBody(w, r, h.logger, &rule) {
		return
	}

	created, err := h.admin.CreateRule(r.Context(), &rule)
	if err != nil {
		writeServiceError(w, h.logger, "create rule", err)
		return
	}

	writeData(w, h.logger, http.StatusCreated, created)
}

// GetRule handles GET /api/admin/rules/{rule_id}
func (h *AdminHandler) GetRule(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseRuleID(w, r, h.logger)
	if !ok {
		return
	}

	rule, err := h.admin.GetRule(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.logger, "get rule", err)
		return
	}

	writeData(w, h.logger, http.StatusOK, rule)
}

// UpdateRule handles PUT /api/admin/rules/{rule_id}
func (h *AdminHandler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseRuleID(w, r, h.logger)
	if !ok {
		return
	}

	var rule models.StringMatchRule
	if !decodeBody(w, r, h.logger, &rule) {
		return
	}
	rule.ID = id

	updated, err := h.admin.UpdateRule(r.Context(), &rule)
	if err != nil {
		writeServiceError(w, h.logger, "update rule", err)
		return
	}

	writeData(w, h.logger, http.StatusOK, updated)
}

// DeleteRule handles DELETE /api/admin/rules/{rule_id}
func (h *AdminHandler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseRuleID(w, r, h.logger)
	if !ok {
		return
	}

	if err := h.admin.DeleteRule(r.Context(), id); err != nil {
		writeServiceError(w, h.logger, "delete rule", err)
		return
	}

	writeData(w, h.logger, http.StatusOK, nil)
}

// Import handles POST /api/admin/import with a YAML bundle body.
func (h *AdminHandler) Import(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, maxImportBodyBytes)

	result, err := h.admin.Import(r.Context(), body)
	if err != nil {
		writeServiceError(w, h.logger, "import bundle", err)
		return
	}

	h.logger.Info("Imported bundle",
		zap.Int("commands", len(result.Commands)),
		zap.Int("rules", len(result.Rules)),
		zap.String("subject", auth.GetSubjectFromContext(r.Context())))

	writeData(w, h.logger, http.StatusCreated, result)
}
