package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/minirag/minirag/internal/extract"
	"github.com/minirag/minirag/internal/log"
	"github.com/minirag/minirag/internal/queue"
	"github.com/minirag/minirag/internal/store"
)

// enqueuer is the queue capability the API needs.
type enqueuer interface {
	Enqueue(ctx context.Context, kind string, payload any) (uuid.UUID, error)
}

// sourcesHandler serves the knowledge source endpoints.
type sourcesHandler struct {
	store     *store.Store
	queue     enqueuer
	maxUpload int64
	logger    log.Logger
}

// sourceView is the JSON rendering of a source. For parents with
// children, status and counters are the read-time aggregate.
type sourceView struct {
	ID              uuid.UUID  `json:"id"`
	BotProfileID    uuid.UUID  `json:"bot_profile_id"`
	ParentID        *uuid.UUID `json:"parent_id,omitempty"`
	Name            string     `json:"name"`
	Description     string     `json:"description"`
	SourceType      string     `json:"source_type"`
	Status          string     `json:"status"`
	DocumentCount   int        `json:"document_count"`
	ChunkCount      int        `json:"chunk_count"`
	ErrorMessage    *string    `json:"error_message,omitempty"`
	RefreshSchedule string     `json:"refresh_schedule"`
	LastRefreshedAt *time.Time `json:"last_refreshed_at,omitempty"`
	ChildCount      int        `json:"child_count,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func viewOf(src *store.Source) sourceView {
	return sourceView{
		ID:              src.ID,
		BotProfileID:    src.BotProfileID,
		ParentID:        src.ParentID,
		Name:            src.Name,
		Description:     src.Description,
		SourceType:      string(src.SourceType),
		Status:          string(src.Status),
		DocumentCount:   src.DocumentCount,
		ChunkCount:      src.ChunkCount,
		ErrorMessage:    src.ErrorMessage,
		RefreshSchedule: string(src.RefreshSchedule),
		LastRefreshedAt: src.LastRefreshedAt,
		CreatedAt:       src.CreatedAt,
		UpdatedAt:       src.UpdatedAt,
	}
}

// aggregateView folds a parent's children into its rendered state:
// processing wins over error, error over ready, and ready requires
// every child ready. Counters are the sums across children.
func aggregateView(parent *store.Source, children []*store.Source) sourceView {
	view := viewOf(parent)
	if len(children) == 0 {
		return view
	}

	var processing, errored, ready int
	var docs, chunks int
	for _, c := range children {
		switch c.Status {
		case store.StatusProcessing:
			processing++
		case store.StatusError:
			errored++
		case store.StatusReady:
			ready++
		}
		docs += c.DocumentCount
		chunks += c.ChunkCount
	}

	switch {
	case processing > 0:
		view.Status = string(store.StatusProcessing)
	case errored > 0:
		view.Status = string(store.StatusError)
	case ready == len(children):
		view.Status = string(store.StatusReady)
	default:
		view.Status = string(store.StatusPending)
	}
	view.DocumentCount = docs
	view.ChunkCount = chunks
	view.ChildCount = len(children)
	return view
}

type createSourceRequest struct {
	BotProfileID    uuid.UUID  `json:"bot_profile_id"`
	ParentID        *uuid.UUID `json:"parent_id,omitempty"`
	Name            string     `json:"name"`
	Description     string     `json:"description"`
	SourceType      string     `json:"source_type"`
	Content         *string    `json:"content,omitempty"`
	Config          string     `json:"config,omitempty"`
	RefreshSchedule string     `json:"refresh_schedule,omitempty"`
}

// create handles POST /api/v1/sources.
func (h *sourcesHandler) create(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing_tenant", "tenant not resolved", h.logger)
		return
	}

	var req createSourceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error(), h.logger)
		return
	}

	src, status, code, err := h.createOne(r.Context(), tenantID, req)
	if err != nil {
		writeError(w, status, code, err.Error(), h.logger)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(src), h.logger)
}

// createOne validates and stores one source. Returns the HTTP status
// and error code on failure so batch creation can reuse it.
func (h *sourcesHandler) createOne(ctx context.Context, tenantID uuid.UUID, req createSourceRequest) (*store.Source, int, string, error) {
	if req.Name == "" {
		return nil, http.StatusBadRequest, "invalid_request", fmt.Errorf("name is required")
	}
	sourceType := store.SourceType(req.SourceType)
	if !sourceType.Valid() {
		return nil, http.StatusBadRequest, "invalid_request", fmt.Errorf("invalid source_type %q", req.SourceType)
	}

	// The bot profile must exist and belong to the tenant.
	if _, err := h.store.GetBotProfile(ctx, tenantID, req.BotProfileID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, http.StatusNotFound, "bot_profile_not_found", fmt.Errorf("bot profile not found")
		}
		return nil, http.StatusInternalServerError, "internal_error", err
	}

	src := &store.Source{
		TenantID:        tenantID,
		BotProfileID:    req.BotProfileID,
		ParentID:        req.ParentID,
		Name:            req.Name,
		Description:     req.Description,
		SourceType:      sourceType,
		Content:         req.Content,
		Config:          req.Config,
		RefreshSchedule: store.RefreshSchedule(req.RefreshSchedule),
	}
	if src.RefreshSchedule == "" {
		src.RefreshSchedule = store.RefreshNone
	}

	if err := h.store.CreateSource(ctx, src); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return nil, http.StatusNotFound, "parent_not_found", fmt.Errorf("parent source not found")
		case errors.Is(err, store.ErrConflict):
			return nil, http.StatusBadRequest, "nesting_too_deep", fmt.Errorf("parent source already has a parent")
		default:
			h.logger.Error("creating source", "error", err)
			return nil, http.StatusInternalServerError, "internal_error", fmt.Errorf("internal server error")
		}
	}
	return src, 0, "", nil
}

type batchRequest struct {
	BotProfileID uuid.UUID `json:"bot_profile_id"`
	Parent       struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		SourceType  string `json:"source_type"`
	} `json:"parent"`
	Children []createSourceRequest `json:"children"`
}

// createBatch handles POST /api/v1/sources/batch: one parent and its
// children in a single call. Children with content are enqueued for
// ingestion immediately.
func (h *sourcesHandler) createBatch(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing_tenant", "tenant not resolved", h.logger)
		return
	}

	var req batchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error(), h.logger)
		return
	}
	if len(req.Children) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "at least one child is required", h.logger)
		return
	}

	parentType := req.Parent.SourceType
	if parentType == "" {
		parentType = string(store.SourceTypeText)
	}
	parent, status, code, err := h.createOne(r.Context(), tenantID, createSourceRequest{
		BotProfileID: req.BotProfileID,
		Name:         req.Parent.Name,
		Description:  req.Parent.Description,
		SourceType:   parentType,
	})
	if err != nil {
		writeError(w, status, code, err.Error(), h.logger)
		return
	}

	childViews := make([]sourceView, 0, len(req.Children))
	enqueued := 0
	for i, childReq := range req.Children {
		childReq.BotProfileID = req.BotProfileID
		childReq.ParentID = &parent.ID

		child, status, code, err := h.createOne(r.Context(), tenantID, childReq)
		if err != nil {
			writeError(w, status, code, fmt.Sprintf("child %d: %v", i, err), h.logger)
			return
		}
		childViews = append(childViews, viewOf(child))

		if h.enqueueIngest(r.Context(), tenantID, child.ID) {
			enqueued++
		}
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"parent":   viewOf(parent),
		"children": childViews,
		"enqueued": enqueued,
	}, h.logger)
}

// upload handles POST /api/v1/sources/upload. The file's text is
// extracted synchronously so validation errors surface before anything
// is stored; ingestion of the extracted text is enqueued.
func (h *sourcesHandler) upload(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing_tenant", "tenant not resolved", h.logger)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+64*1024)
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed multipart form", h.logger)
		return
	}

	botProfileID, err := uuid.Parse(r.FormValue("bot_profile_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "bot_profile_id is required", h.logger)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "file field is required", h.logger)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, h.maxUpload+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "reading upload failed", h.logger)
		return
	}

	content, err := extract.FromUpload(header.Filename, data)
	if err != nil {
		status, code := uploadErrorStatus(err)
		writeError(w, status, code, err.Error(), h.logger)
		return
	}

	name := r.FormValue("name")
	if name == "" {
		name = header.Filename
	}

	src, status, code, createErr := h.createOne(r.Context(), tenantID, createSourceRequest{
		BotProfileID: botProfileID,
		Name:         name,
		Description:  r.FormValue("description"),
		SourceType:   string(store.SourceTypeUpload),
		Content:      &content,
	})
	if createErr != nil {
		writeError(w, status, code, createErr.Error(), h.logger)
		return
	}

	jobID, err := h.queue.Enqueue(r.Context(), queue.KindIngestSource, queue.IngestPayload{
		SourceID: src.ID,
		TenantID: tenantID,
	})
	if err != nil {
		h.logger.Error("enqueuing upload ingestion", "source_id", src.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error", h.logger)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"source": viewOf(src),
		"job_id": jobID,
	}, h.logger)
}

func uploadErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, extract.ErrUnsupportedExtension):
		return http.StatusBadRequest, "unsupported_file_type"
	case errors.Is(err, extract.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge, "file_too_large"
	case errors.Is(err, extract.ErrNotUTF8):
		return http.StatusBadRequest, "invalid_encoding"
	default:
		return http.StatusUnprocessableEntity, "extraction_failed"
	}
}

// list handles GET /api/v1/sources: top-level sources with child
// aggregation applied.
func (h *sourcesHandler) list(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing_tenant", "tenant not resolved", h.logger)
		return
	}

	sources, err := h.store.ListTopLevelSources(r.Context(), tenantID)
	if err != nil {
		h.logger.Error("listing sources", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error", h.logger)
		return
	}

	views := make([]sourceView, 0, len(sources))
	for _, src := range sources {
		children, err := h.store.ListChildSources(r.Context(), tenantID, src.ID)
		if err != nil {
			h.logger.Error("listing child sources", "source_id", src.ID, "error", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "internal server error", h.logger)
			return
		}
		views = append(views, aggregateView(src, children))
	}

	writeJSON(w, http.StatusOK, map[string]any{"sources": views}, h.logger)
}

// get handles GET /api/v1/sources/{id}.
func (h *sourcesHandler) get(w http.ResponseWriter, r *http.Request) {
	tenantID, src, ok := h.loadSource(w, r)
	if !ok {
		return
	}

	children, err := h.store.ListChildSources(r.Context(), tenantID, src.ID)
	if err != nil {
		h.logger.Error("listing child sources", "source_id", src.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error", h.logger)
		return
	}
	writeJSON(w, http.StatusOK, aggregateView(src, children), h.logger)
}

// children handles GET /api/v1/sources/{id}/children.
func (h *sourcesHandler) children(w http.ResponseWriter, r *http.Request) {
	tenantID, src, ok := h.loadSource(w, r)
	if !ok {
		return
	}

	children, err := h.store.ListChildSources(r.Context(), tenantID, src.ID)
	if err != nil {
		h.logger.Error("listing child sources", "source_id", src.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error", h.logger)
		return
	}

	views := make([]sourceView, 0, len(children))
	for _, c := range children {
		views = append(views, viewOf(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"children": views}, h.logger)
}

type updateSourceRequest struct {
	Name            *string `json:"name,omitempty"`
	Description     *string `json:"description,omitempty"`
	Content         *string `json:"content,omitempty"`
	Config          *string `json:"config,omitempty"`
	RefreshSchedule *string `json:"refresh_schedule,omitempty"`
}

// update handles PATCH /api/v1/sources/{id}. Status, counters and
// refresh bookkeeping cannot be set through this endpoint.
func (h *sourcesHandler) update(w http.ResponseWriter, r *http.Request) {
	tenantID, src, ok := h.loadSource(w, r)
	if !ok {
		return
	}

	var req updateSourceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error(), h.logger)
		return
	}

	params := store.UpdateSourceParams{
		Name:        req.Name,
		Description: req.Description,
		Content:     req.Content,
		Config:      req.Config,
	}
	if req.RefreshSchedule != nil {
		schedule := store.RefreshSchedule(*req.RefreshSchedule)
		if !schedule.Valid() {
			writeError(w, http.StatusBadRequest, "invalid_request",
				fmt.Sprintf("invalid refresh_schedule %q", *req.RefreshSchedule), h.logger)
			return
		}
		params.RefreshSchedule = &schedule
	}

	updated, err := h.store.UpdateSource(r.Context(), tenantID, src.ID, params)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "source_not_found", "source not found", h.logger)
			return
		}
		h.logger.Error("updating source", "source_id", src.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error", h.logger)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(updated), h.logger)
}

// delete handles DELETE /api/v1/sources/{id}: soft delete cascading to
// children.
func (h *sourcesHandler) delete(w http.ResponseWriter, r *http.Request) {
	tenantID, src, ok := h.loadSource(w, r)
	if !ok {
		return
	}

	if err := h.store.SoftDeleteSource(r.Context(), tenantID, src.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "source_not_found", "source not found", h.logger)
			return
		}
		h.logger.Error("deleting source", "source_id", src.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error", h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ingest handles POST /api/v1/sources/{id}/ingest. A source already
// being processed cannot be triggered again.
func (h *sourcesHandler) ingest(w http.ResponseWriter, r *http.Request) {
	tenantID, src, ok := h.loadSource(w, r)
	if !ok {
		return
	}

	if src.Status == store.StatusProcessing {
		writeError(w, http.StatusConflict, "ingestion_in_progress", "source is already being processed", h.logger)
		return
	}

	jobID, err := h.queue.Enqueue(r.Context(), queue.KindIngestSource, queue.IngestPayload{
		SourceID: src.ID,
		TenantID: tenantID,
	})
	if err != nil {
		h.logger.Error("enqueuing ingestion", "source_id", src.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error", h.logger)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": jobID}, h.logger)
}

// ingestChildren handles POST /api/v1/sources/{id}/ingest-children:
// every child not currently processing is enqueued.
func (h *sourcesHandler) ingestChildren(w http.ResponseWriter, r *http.Request) {
	tenantID, src, ok := h.loadSource(w, r)
	if !ok {
		return
	}

	children, err := h.store.ListChildSources(r.Context(), tenantID, src.ID)
	if err != nil {
		h.logger.Error("listing child sources", "source_id", src.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error", h.logger)
		return
	}

	enqueued := 0
	for _, child := range children {
		if child.Status == store.StatusProcessing {
			continue
		}
		if h.enqueueIngest(r.Context(), tenantID, child.ID) {
			enqueued++
		}
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"enqueued": enqueued,
		"children": len(children),
	}, h.logger)
}

// enqueueIngest enqueues one ingest job, logging failures.
func (h *sourcesHandler) enqueueIngest(ctx context.Context, tenantID, sourceID uuid.UUID) bool {
	_, err := h.queue.Enqueue(ctx, queue.KindIngestSource, queue.IngestPayload{
		SourceID: sourceID,
		TenantID: tenantID,
	})
	if err != nil {
		h.logger.Error("enqueuing ingestion", "source_id", sourceID, "error", err)
		return false
	}
	return true
}

// loadSource resolves the tenant and the {id} path parameter to a
// source, writing the error response itself on failure.
func (h *sourcesHandler) loadSource(w http.ResponseWriter, r *http.Request) (uuid.UUID, *store.Source, bool) {
	tenantID, ok := tenantFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing_tenant", "tenant not resolved", h.logger)
		return uuid.Nil, nil, false
	}

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid source id", h.logger)
		return uuid.Nil, nil, false
	}

	src, err := h.store.GetSource(r.Context(), tenantID, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "source_not_found", "source not found", h.logger)
			return uuid.Nil, nil, false
		}
		h.logger.Error("loading source", "source_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error", h.logger)
		return uuid.Nil, nil, false
	}
	return tenantID, src, true
}

// decodeJSON decodes a bounded JSON request body.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 4*1024*1024)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body")
	}
	return nil
}
