package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-router/pkg/auth"
	"github.com/ekaya-inc/ekaya-router/pkg/models"
	"github.com/ekaya-inc/ekaya-router/pkg/services"
)

// ClaimRequest for POST .../claim and .../release-offline
type ClaimRequest struct {
	MaxClaims int `json:"max_claims"`
}

// HeartbeatRequest for POST .../heartbeat
type HeartbeatRequest struct {
	EntityID uuid.UUID `json:"entity_id"`
	models.ClaimStatusFields
}

// ReleaseRequest for POST .../release
type ReleaseRequest struct {
	EntityIDs []uuid.UUID `json:"entity_ids"`
}

// ErrorReportRequest for POST .../errors
type ErrorReportRequest struct {
	EntityID uuid.UUID `json:"entity_id"`
}

// ErrorReportResponse for POST .../errors
type ErrorReportResponse struct {
	ErrorCount int  `json:"error_count"`
	Released   bool `json:"released"`
}

// CountResponse reports how many claims an operation touched.
type CountResponse struct {
	Count int64 `json:"count"`
}

// ClaimListResponse lists claims.
type ClaimListResponse struct {
	Claims []*models.CoordinationClaim `json:"claims"`
	Total  int                         `json:"total"`
}

// CoordinationHandler handles collector fleet coordination requests.
type CoordinationHandler struct {
	coordination services.CoordinationService
	logger       *zap.Logger
}

// NewCoordinationHandler creates a new coordination handler.
func NewCoordinationHandler(coordination services.CoordinationService, logger *zap.Logger) *CoordinationHandler {
	return &CoordinationHandler{
		coordination: coordination,
		logger:       logger,
	}
}

// RegisterRoutes registers the coordination handler's routes on the given mux.
func (h *CoordinationHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware) {
	base := "/api/coordination"
	self := authMiddleware.RequireCollector("cid")
	fleet := authMiddleware.RequireRole(auth.RoleCollector, auth.RoleAdmin)

	mux.HandleFunc("POST "+base+"/collectors/{cid}/claim", self(h.Claim))
	mux.HandleFunc("POST "+base+"/collectors/{cid}/checkin", self(h.Checkin))
	mux.HandleFunc("POST "+base+"/collectors/{cid}/heartbeat", self(h.Heartbeat))
	mux.HandleFunc("POST "+base+"/collectors/{cid}/release", self(h.Release))
	mux.HandleFunc("POST "+base+"/collectors/{cid}/errors", self(h.ReportError))
	mux.HandleFunc("POST "+base+"/collectors/{cid}/release-offline", self(h.ReleaseOffline))
	mux.HandleFunc("GET "+base+"/stats", fleet(h.Stats))
	mux.HandleFunc("GET "+base+"/entities", fleet(h.ListEntities))
	mux.HandleFunc("POST "+base+"/entities", fleet(h.Register))
}

// decodeOptionalBody decodes a JSON body into v; an empty body leaves v unchanged.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, logger *zap.Logger, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body"); err != nil {
			logger.Error("Failed to write error response", zap.Error(err))
		}
		return false
	}
	return true
}

// Claim handles POST /api/coordination/collectors/{cid}/claim
func (h *CoordinationHandler) Claim(w http.ResponseWriter, r *http.Request) {
	var req ClaimRequest
	if !decodeOptionalBody(w, r, h.logger, &req) {
		return
	}

	claims, err := h.coordination.Claim(r.Context(), r.PathValue("cid"), req.MaxClaims)
	if err != nil {
		writeServiceError(w, h.logger, "claim entities", err)
		return
	}

	writeData(w, h.logger, http.StatusOK, ClaimListResponse{Claims: claims, Total: len(claims)})
}

// Checkin handles POST /api/coordination/collectors/{cid}/checkin
func (h *CoordinationHandler) Checkin(w http.ResponseWriter, r *http.Request) {
	n, err := h.coordination.Checkin(r.Context(), r.PathValue("cid"))
	if err != nil {
		writeServiceError(w, h.logger, "check in", err)
		return
	}

	writeData(w, h.logger, http.StatusOK, CountResponse{Count: n})
}

// Heartbeat handles POST /api/coordination/collectors/{cid}/heartbeat
func (h *CoordinationHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatRequest
	if !decodeBody(w, r, h.logger, &req) {
		return
	}

	if err := h.coordination.Heartbeat(r.Context(), r.PathValue("cid"), req.EntityID, req.ClaimStatusFields); err != nil {
		writeServiceError(w, h.logger, "record heartbeat", err)
		return
	}

	writeData(w, h.logger, http.StatusOK, nil)
}

// Release handles POST /api/coordination/collectors/{cid}/release
func (h *CoordinationHandler) Release(w http.ResponseWriter, r *http.Request) {
	var req ReleaseRequest
	if !decodeBody(w, r, h.logger, &req) {
		return
	}

	n, err := h.coordination.Release(r.Context(), r.PathValue("cid"), req.EntityIDs)
	if err != nil {
		writeServiceError(w, h.logger, "release claims", err)
		return
	}

	writeData(w, h.logger, http.StatusOK, CountResponse{Count: n})
}

// ReportError handles POST /api/coordination/collectors/{cid}/errors
func (h *CoordinationHandler) ReportError(w http.ResponseWriter, r *http.Request) {
	var req ErrorReportRequest
	if !decodeBody(w, r, h.logger, &req) {
		return
	}

	report, err := h.coordination.ReportError(r.Context(), r.PathValue("cid"), req.EntityID)
	if err != nil {
		writeServiceError(w, h.logger, "report error", err)
		return
	}

	writeData(w, h.logger, http.StatusOK, ErrorReportResponse{
		ErrorCount: report.ErrorCount,
		Released:   report.Released,
	})
}

// ReleaseOffline handles POST /api/coordination/collectors/{cid}/release-offline
func (h *CoordinationHandler) ReleaseOffline(w http.ResponseWriter, r *http.Request) {
	var req ClaimRequest
	if !decodeOptionalBody(w, r, h.logger, &req) {
		return
	}

	result, err := h.coordination.ReleaseOfflineAndReclaim(r.Context(), r.PathValue("cid"), req.MaxClaims)
	if err != nil {
		writeServiceError(w, h.logger, "release offline entities", err)
		return
	}

	writeData(w, h.logger, http.StatusOK, result)
}

// Stats handles GET /api/coordination/stats
func (h *CoordinationHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.coordination.Stats(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, "load coordination stats", err)
		return
	}

	writeData(w, h.logger, http.StatusOK, stats)
}

// ListEntities handles GET /api/coordination/entities
func (h *CoordinationHandler) ListEntities(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit", 0, h.logger)
	if !ok {
		return
	}
	offset, ok := queryInt(w, r, "offset", 0, h.logger)
	if !ok {
		return
	}

	q := r.URL.Query()
	filter := models.ClaimFilter{
		CollectorID: q.Get("collector_id"),
		Status:      models.ClaimStatus(q.Get("status")),
		Platform:    q.Get("platform"),
		Limit:       limit,
		Offset:      offset,
	}

	claims, err := h.coordination.ListEntities(r.Context(), filter)
	if err != nil {
		writeServiceError(w, h.logger, "list entities", err)
		return
	}

	writeData(w, h.logger, http.StatusOK, ClaimListResponse{Claims: claims, Total: len(claims)})
}

// Register handles POST /api/coordination/entities
func (h *CoordinationHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req services.RegisterRequest
	if !decodeBody(w, r, h.logger, &req) {
		return
	}

	claim, err := h.coordination.Register(r.Context(), req)
	if err != nil {
		writeServiceError(w, h.logger, "register entity", err)
		return
	}

	writeData(w, h.logger, http.StatusCreated, claim)
}
