package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lumen-bi/lumen-engine/pkg/apperrors"
	"github.com/lumen-bi/lumen-engine/pkg/dialect"
	"github.com/lumen-bi/lumen-engine/pkg/models"
	"github.com/lumen-bi/lumen-engine/pkg/query"
	"github.com/lumen-bi/lumen-engine/pkg/services"
)

// DatasourceResponse is the serialized datasource shape. Config is omitted
// from list responses and included on single-resource reads.
type DatasourceResponse struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Engine    string         `json:"engine"`
	Config    map[string]any `json:"config,omitempty"`
	IsActive  bool           `json:"is_active"`
	CreatedAt string         `json:"created_at"`
	UpdatedAt string         `json:"updated_at"`
}

// ListDatasourcesResponse wraps the datasource array.
type ListDatasourcesResponse struct {
	Datasources []DatasourceResponse `json:"datasources"`
}

// CreateDatasourceRequest for POST body.
type CreateDatasourceRequest struct {
	Name   string         `json:"name"`
	Engine string         `json:"engine"`
	Config map[string]any `json:"config"`
}

// UpdateDatasourceRequest for PUT body.
type UpdateDatasourceRequest struct {
	Name   string         `json:"name"`
	Engine string         `json:"engine"`
	Config map[string]any `json:"config"`
}

// TestConnectionRequest for POST /datasources/test.
type TestConnectionRequest struct {
	Engine string         `json:"engine"`
	Config map[string]any `json:"config"`
}

// QueryRequest for POST /datasources/{id}/query.
type QueryRequest struct {
	SQL      string `json:"sql"`
	Params   []any  `json:"params"`
	RowLimit int    `json:"row_limit"`
}

// DatasourcesHandler exposes datasource CRUD, connection testing, schema
// introspection and ad hoc query execution.
type DatasourcesHandler struct {
	service services.DatasourceService
	logger  *zap.Logger
}

// NewDatasourcesHandler creates a new DatasourcesHandler.
func NewDatasourcesHandler(service services.DatasourceService, logger *zap.Logger) *DatasourcesHandler {
	return &DatasourcesHandler{service: service, logger: logger}
}

// RegisterRoutes registers the datasources handler's routes on the given mux.
func (h *DatasourcesHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/datasources", h.List)
	mux.HandleFunc("POST /api/datasources", h.Create)
	mux.HandleFunc("POST /api/datasources/test", h.TestConnection)
	mux.HandleFunc("GET /api/datasources/{id}", h.Get)
	mux.HandleFunc("PUT /api/datasources/{id}", h.Update)
	mux.HandleFunc("DELETE /api/datasources/{id}", h.Delete)
	mux.HandleFunc("GET /api/datasources/{id}/schema", h.Introspect)
	mux.HandleFunc("POST /api/datasources/{id}/query", h.Query)
	mux.HandleFunc("GET /api/datasources/{id}/history", h.History)
}

// List handles GET /api/datasources.
func (h *DatasourcesHandler) List(w http.ResponseWriter, r *http.Request) {
	datasources, err := h.service.List(r.Context())
	if err != nil {
		h.logger.Error("Failed to list datasources", zap.Error(err))
		_ = ErrorResponse(w, http.StatusInternalServerError, "internal_error", "failed to list datasources")
		return
	}

	resp := ListDatasourcesResponse{Datasources: make([]DatasourceResponse, 0, len(datasources))}
	for _, ds := range datasources {
		resp.Datasources = append(resp.Datasources, toDatasourceResponse(ds, false))
	}

	if err := WriteJSON(w, http.StatusOK, resp); err != nil {
		h.logger.Error("Failed to encode datasources response", zap.Error(err))
	}
}

// Create handles POST /api/datasources.
func (h *DatasourcesHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateDatasourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	if _, err := dialect.ParseEngine(req.Engine); err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "unsupported_engine", err.Error())
		return
	}

	ds, err := h.service.Create(r.Context(), req.Name, req.Engine, req.Config)
	if err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			_ = ErrorResponse(w, http.StatusConflict, "conflict", "a datasource with that name already exists")
			return
		}
		h.logger.Error("Failed to create datasource", zap.Error(err))
		_ = ErrorResponse(w, http.StatusBadRequest, "create_failed", err.Error())
		return
	}

	if err := WriteJSON(w, http.StatusCreated, toDatasourceResponse(ds, true)); err != nil {
		h.logger.Error("Failed to encode datasource response", zap.Error(err))
	}
}

// Get handles GET /api/datasources/{id}.
func (h *DatasourcesHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	ds, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondServiceError(w, err, "failed to get datasource")
		return
	}

	if err := WriteJSON(w, http.StatusOK, toDatasourceResponse(ds, true)); err != nil {
		h.logger.Error("Failed to encode datasource response", zap.Error(err))
	}
}

// Update handles PUT /api/datasources/{id}.
func (h *DatasourcesHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	var req UpdateDatasourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	if _, err := dialect.ParseEngine(req.Engine); err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "unsupported_engine", err.Error())
		return
	}

	if err := h.service.Update(r.Context(), id, req.Name, req.Engine, req.Config); err != nil {
		h.respondServiceError(w, err, "failed to update datasource")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Delete handles DELETE /api/datasources/{id}.
func (h *DatasourcesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	if err := h.service.Delete(r.Context(), id); err != nil {
		h.respondServiceError(w, err, "failed to delete datasource")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// TestConnection handles POST /api/datasources/test.
// Probes connectivity without persisting anything.
func (h *DatasourcesHandler) TestConnection(w http.ResponseWriter, r *http.Request) {
	var req TestConnectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	result, err := h.service.TestConnection(r.Context(), req.Engine, req.Config)
	if err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_config", err.Error())
		return
	}

	if err := WriteJSON(w, http.StatusOK, result); err != nil {
		h.logger.Error("Failed to encode test connection response", zap.Error(err))
	}
}

// Introspect handles GET /api/datasources/{id}/schema.
func (h *DatasourcesHandler) Introspect(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	schema, err := h.service.Introspect(r.Context(), id)
	if err != nil {
		h.respondServiceError(w, err, "failed to introspect datasource")
		return
	}

	if err := WriteJSON(w, http.StatusOK, schema); err != nil {
		h.logger.Error("Failed to encode schema response", zap.Error(err))
	}
}

// Query handles POST /api/datasources/{id}/query.
func (h *DatasourcesHandler) Query(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if req.SQL == "" {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "sql is required")
		return
	}

	result, err := h.service.Query(r.Context(), id, query.Request{
		SQL:      req.SQL,
		Params:   req.Params,
		RowLimit: req.RowLimit,
	})
	if err != nil {
		if errors.Is(err, query.ErrQueryTimeout) {
			_ = ErrorResponse(w, http.StatusGatewayTimeout, "query_timeout", err.Error())
			return
		}
		h.respondServiceError(w, err, "query execution failed")
		return
	}

	if err := WriteJSON(w, http.StatusOK, result); err != nil {
		h.logger.Error("Failed to encode query response", zap.Error(err))
	}
}

// History handles GET /api/datasources/{id}/history. The limit query
// parameter caps the page size.
func (h *DatasourcesHandler) History(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "invalid limit")
			return
		}
		limit = n
	}

	entries, total, err := h.service.History(r.Context(), id, limit)
	if err != nil {
		h.respondServiceError(w, err, "failed to list query history")
		return
	}

	resp := map[string]any{"history": entries, "total": total}
	if err := WriteJSON(w, http.StatusOK, resp); err != nil {
		h.logger.Error("Failed to encode history response", zap.Error(err))
	}
}

func (h *DatasourcesHandler) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "invalid datasource id")
		return uuid.Nil, false
	}
	return id, true
}

func (h *DatasourcesHandler) respondServiceError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		_ = ErrorResponse(w, http.StatusNotFound, "not_found", "datasource not found")
	case errors.Is(err, apperrors.ErrConflict):
		_ = ErrorResponse(w, http.StatusConflict, "conflict", "a datasource with that name already exists")
	default:
		h.logger.Error(fallback, zap.Error(err))
		_ = ErrorResponse(w, http.StatusInternalServerError, "internal_error", fallback)
	}
}

func toDatasourceResponse(ds *models.Datasource, includeConfig bool) DatasourceResponse {
	resp := DatasourceResponse{
		ID:        ds.ID.String(),
		Name:      ds.Name,
		Engine:    ds.Engine,
		IsActive:  ds.IsActive,
		CreatedAt: ds.CreatedAt.Format(time.RFC3339),
		UpdatedAt: ds.UpdatedAt.Format(time.RFC3339),
	}
	if includeConfig {
		resp.Config = ds.Config
	}
	return resp
}
