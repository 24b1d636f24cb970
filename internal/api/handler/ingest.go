package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/Rrens/social-inbox/internal/api/middleware"
	"github.com/Rrens/social-inbox/internal/api/response"
	"github.com/Rrens/social-inbox/internal/service"
	"github.com/google/uuid"
)

// Ingester is the ingestion pipeline entry point
type Ingester interface {
	Ingest(ctx context.Context, platform string, workspaceID uuid.UUID, ev service.RawEvent) (*service.IngestResult, error)
}

// AccessChecker authorizes a user against a workspace
type AccessChecker interface {
	CheckAccess(ctx context.Context, userID, workspaceID uuid.UUID) error
}

// IngestRequest is the body of a direct ingest call
type IngestRequest struct {
	Platform string           `json:"platform" validate:"required,oneof=facebook instagram"`
	Event    service.RawEvent `json:"event"`
}

// IngestHandler accepts already-normalized events from trusted connectors
type IngestHandler struct {
	ingester Ingester
	access   AccessChecker
}

// NewIngestHandler creates a new ingest handler
func NewIngestHandler(ingester Ingester, access AccessChecker) *IngestHandler {
	return &IngestHandler{ingester: ingester, access: access}
}

// Ingest handles POST /workspaces/{workspaceID}/ingest
func (h *IngestHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "unauthorized")
		return
	}

	workspaceID, ok := middleware.GetWorkspaceID(r.Context())
	if !ok {
		response.BadRequest(w, "missing workspace ID")
		return
	}

	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}

	if err := validate.Struct(req); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	if err := h.access.CheckAccess(r.Context(), userID, workspaceID); err != nil {
		serviceError(w, r, err)
		return
	}

	result, err := h.ingester.Ingest(r.Context(), req.Platform, workspaceID, req.Event)
	if err != nil {
		serviceError(w, r, err)
		return
	}

	if result.Duplicate {
		response.OK(w, result)
		return
	}
	response.Created(w, result)
}
