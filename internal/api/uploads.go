package api

import (
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"

	"github.com/starford/kiln/internal/apperr"
	"github.com/starford/kiln/internal/service"
)

const maxTemplateBytes = 1 << 20 // 1 MB

// UploadHandler accepts template files into the template root.
type UploadHandler struct {
	svc *service.Service
}

// NewUploadHandler creates an upload handler backed by svc.
func NewUploadHandler(svc *service.Service) *UploadHandler {
	return &UploadHandler{svc: svc}
}

// Upload handles POST /api/templates. It accepts either a JSON body
// (UploadTemplateRequest) or multipart/form-data with an "id" field and a
// "file" part.
//
//	@Summary		Add or replace a template
//	@Tags			templates
//	@Accept			json,mpfd
//	@Produce		json
//	@Param			body	body		UploadTemplateRequest	false	"Template (JSON form)"
//	@Success		201		{object}	service.TemplateDetail
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/templates [post]
func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	var req UploadTemplateRequest
	if mediaType == "multipart/form-data" {
		var ok bool
		if req, ok = readMultipart(w, r); !ok {
			return
		}
		if err := validate.Struct(req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("id and file are required"))
			return
		}
	} else if !decodeJSON(w, r, &req) {
		return
	}

	t, err := h.svc.SaveTemplate(r.Context(), req.ID, []byte(req.Content))
	if err != nil {
		switch {
		case errors.Is(err, apperr.ErrInvalidTemplate), errors.Is(err, apperr.ErrPathEscapesRoot):
			writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		case errors.Is(err, apperr.ErrConflict):
			writeJSON(w, http.StatusConflict, errorBody(err.Error()))
		default:
			slog.Error("upload template failed", slog.String("id", req.ID), slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		}
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func readMultipart(w http.ResponseWriter, r *http.Request) (UploadTemplateRequest, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxTemplateBytes+4096)
	if err := r.ParseMultipartForm(maxTemplateBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("file too large or invalid multipart"))
		return UploadTemplateRequest{}, false
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("missing 'file' field in multipart form"))
		return UploadTemplateRequest{}, false
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxTemplateBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("failed to read file"))
		return UploadTemplateRequest{}, false
	}
	return UploadTemplateRequest{ID: r.FormValue("id"), Content: string(data)}, true
}
