package api

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/starford/kiln/internal/apperr"
	"github.com/starford/kiln/internal/service"
)

// Handler holds API route handlers.
type Handler struct {
	svc *service.Service
}

// NewHandler creates a new Handler.
func NewHandler(svc *service.Service) *Handler {
	return &Handler{svc: svc}
}

// templateID extracts the template id from the URL (everything after /api/templates/).
// Supports encoded slashes from OpenAPI clients (e.g. component%2Fnew).
func templateID(r *http.Request) string {
	raw := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	if raw == "" {
		return ""
	}
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return raw
	}
	return decoded
}

// ListWorkflows handles GET /api/workflows.
//
//	@Summary		List workflow runs, most recent first
//	@Tags			workflows
//	@Produce		json
//	@Param			limit	query		int		false	"Page size"
//	@Param			offset	query		int		false	"Page offset"
//	@Success		200		{object}	WorkflowListResponse
//	@Security		BearerAuth
//	@Router			/workflows [get]
func (h *Handler) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	items, total, err := h.svc.ListWorkflows(r.Context(), limit, offset)
	if err != nil {
		slog.Error("list workflows failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, WorkflowListResponse{Workflows: items, Total: total})
}

// RunWorkflow handles POST /api/workflows. The run is synchronous; progress
// is streamed on /api/events.
//
//	@Summary		Run a workflow
//	@Tags			workflows
//	@Accept			json
//	@Produce		json
//	@Param			body	body		RunWorkflowRequest	true	"Workflow to run"
//	@Success		201		{object}	models.WorkflowResult
//	@Failure		400		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Failure		422		{object}	WorkflowFailure
//	@Security		BearerAuth
//	@Router			/workflows [post]
func (h *Handler) RunWorkflow(w http.ResponseWriter, r *http.Request) {
	var req RunWorkflowRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	res, err := h.svc.RunWorkflow(r.Context(), req.Spec())
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, res)
	case res != nil:
		writeJSON(w, http.StatusUnprocessableEntity, failureBody(res.FailedPhase, err, res))
	case errors.Is(err, apperr.ErrAlreadyExists), errors.Is(err, apperr.ErrConflict):
		writeJSON(w, http.StatusConflict, errorBody(err.Error()))
	default:
		slog.Error("run workflow failed", slog.String("workflow_id", req.ID), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
	}
}

// GetWorkflow handles GET /api/workflows/{id}.
//
//	@Summary		Get a workflow record
//	@Tags			workflows
//	@Produce		json
//	@Param			id	path		string	true	"Workflow id"
//	@Success		200	{object}	models.WorkflowResult
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/workflows/{id} [get]
func (h *Handler) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := h.svc.GetWorkflow(r.Context(), id)
	if err != nil {
		writeLookupError(w, "get workflow", id, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListAttestations handles GET /api/workflows/{id}/attestations.
//
//	@Summary		List and re-verify the attestations of a workflow
//	@Tags			workflows
//	@Produce		json
//	@Param			id	path		string	true	"Workflow id"
//	@Success		200	{object}	AttestationListResponse
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/workflows/{id}/attestations [get]
func (h *Handler) ListAttestations(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	atts, err := h.svc.Attestations(r.Context(), id)
	if err != nil {
		writeLookupError(w, "list attestations", id, err)
		return
	}
	writeJSON(w, http.StatusOK, AttestationListResponse{Attestations: atts})
}

// ListTemplates handles GET /api/templates.
//
//	@Summary		List the template catalog
//	@Tags			templates
//	@Produce		json
//	@Param			generator	query		string	false	"Filter by generator"
//	@Success		200			{object}	TemplateListResponse
//	@Security		BearerAuth
//	@Router			/templates [get]
func (h *Handler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	items := h.svc.ListTemplates(r.Context(), r.URL.Query().Get("generator"))
	writeJSON(w, http.StatusOK, TemplateListResponse{
		Templates: items,
		Total:     len(items),
		Warnings:  h.svc.Warnings(r.Context()),
	})
}

// GetTemplate handles GET /api/templates/*.
//
//	@Summary		Get a single template by id
//	@Tags			templates
//	@Produce		json
//	@Param			id	path		string	true	"Template id"
//	@Success		200	{object}	service.TemplateDetail
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/templates/{id} [get]
func (h *Handler) GetTemplate(w http.ResponseWriter, r *http.Request) {
	id := templateID(r)
	if id == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("id is required"))
		return
	}
	t, err := h.svc.GetTemplate(r.Context(), id)
	if err != nil {
		writeLookupError(w, "get template", id, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// ListGenerators handles GET /api/generators.
//
//	@Summary		List generators and their templates
//	@Tags			templates
//	@Produce		json
//	@Success		200	{object}	GeneratorListResponse
//	@Security		BearerAuth
//	@Router			/generators [get]
func (h *Handler) ListGenerators(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, GeneratorListResponse{Generators: h.svc.Generators(r.Context())})
}

// Rescan handles POST /api/templates/rescan.
//
//	@Summary		Rebuild the template catalog
//	@Tags			templates
//	@Produce		json
//	@Success		200	{object}	RescanResponse
//	@Failure		503	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/templates/rescan [post]
func (h *Handler) Rescan(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.Rescan(r.Context())
	if err != nil {
		if errors.Is(err, apperr.ErrTemplateRootMissing) {
			writeJSON(w, http.StatusServiceUnavailable, errorBody(err.Error()))
			return
		}
		slog.Error("rescan failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, RescanResponse{Templates: n})
}

func writeLookupError(w http.ResponseWriter, op, id string, err error) {
	if errors.Is(err, apperr.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorBody("not found"))
		return
	}
	slog.Error(op+" failed", slog.String("id", id), slog.String("error", err.Error()))
	writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
}
