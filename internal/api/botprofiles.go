package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/minirag/minirag/internal/log"
	"github.com/minirag/minirag/internal/store"
)

// botProfilesHandler serves the bot profile CRUD endpoints.
type botProfilesHandler struct {
	store  *store.Store
	logger log.Logger
}

type botProfileView struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	Model        string    `json:"model"`
	SystemPrompt string    `json:"system_prompt"`
	Temperature  float64   `json:"temperature"`
	MaxTokens    int       `json:"max_tokens"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func profileViewOf(p *store.BotProfile) botProfileView {
	return botProfileView{
		ID:           p.ID,
		Name:         p.Name,
		Model:        p.Model,
		SystemPrompt: p.SystemPrompt,
		Temperature:  p.Temperature,
		MaxTokens:    p.MaxTokens,
		CreatedAt:    p.CreatedAt,
		UpdatedAt:    p.UpdatedAt,
	}
}

type createBotProfileRequest struct {
	Name         string   `json:"name"`
	Model        string   `json:"model"`
	SystemPrompt string   `json:"system_prompt"`
	Temperature  *float64 `json:"temperature,omitempty"`
	MaxTokens    *int     `json:"max_tokens,omitempty"`
}

// create handles POST /api/v1/bot-profiles.
func (h *botProfilesHandler) create(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing_tenant", "tenant not resolved", h.logger)
		return
	}

	var req createBotProfileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error(), h.logger)
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "name is required", h.logger)
		return
	}
	if req.Model == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "model is required", h.logger)
		return
	}

	profile := &store.BotProfile{
		TenantID:     tenantID,
		Name:         req.Name,
		Model:        req.Model,
		SystemPrompt: req.SystemPrompt,
		Temperature:  0.7,
		MaxTokens:    1024,
	}
	if req.Temperature != nil {
		profile.Temperature = *req.Temperature
	}
	if req.MaxTokens != nil {
		profile.MaxTokens = *req.MaxTokens
	}
	if err := validateSampling(profile.Temperature, profile.MaxTokens); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error(), h.logger)
		return
	}

	if err := h.store.CreateBotProfile(r.Context(), profile); err != nil {
		h.logger.Error("creating bot profile", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error", h.logger)
		return
	}
	writeJSON(w, http.StatusCreated, profileViewOf(profile), h.logger)
}

// list handles GET /api/v1/bot-profiles.
func (h *botProfilesHandler) list(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing_tenant", "tenant not resolved", h.logger)
		return
	}

	profiles, err := h.store.ListBotProfiles(r.Context(), tenantID)
	if err != nil {
		h.logger.Error("listing bot profiles", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error", h.logger)
		return
	}

	views := make([]botProfileView, 0, len(profiles))
	for _, p := range profiles {
		views = append(views, profileViewOf(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"bot_profiles": views}, h.logger)
}

// get handles GET /api/v1/bot-profiles/{id}.
func (h *botProfilesHandler) get(w http.ResponseWriter, r *http.Request) {
	tenantID, id, ok := h.resolve(w, r)
	if !ok {
		return
	}

	profile, err := h.store.GetBotProfile(r.Context(), tenantID, id)
	if err != nil {
		h.writeLookupError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, profileViewOf(profile), h.logger)
}

type updateBotProfileRequest struct {
	Name         *string  `json:"name,omitempty"`
	Model        *string  `json:"model,omitempty"`
	SystemPrompt *string  `json:"system_prompt,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	MaxTokens    *int     `json:"max_tokens,omitempty"`
}

// update handles PATCH /api/v1/bot-profiles/{id}.
func (h *botProfilesHandler) update(w http.ResponseWriter, r *http.Request) {
	tenantID, id, ok := h.resolve(w, r)
	if !ok {
		return
	}

	var req updateBotProfileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error(), h.logger)
		return
	}

	temperature := 0.7
	maxTokens := 1024
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}
	if err := validateSampling(temperature, maxTokens); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error(), h.logger)
		return
	}

	profile, err := h.store.UpdateBotProfile(r.Context(), tenantID, id, store.UpdateBotProfileParams{
		Name:         req.Name,
		Model:        req.Model,
		SystemPrompt: req.SystemPrompt,
		Temperature:  req.Temperature,
		MaxTokens:    req.MaxTokens,
	})
	if err != nil {
		h.writeLookupError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, profileViewOf(profile), h.logger)
}

// delete handles DELETE /api/v1/bot-profiles/{id}: soft delete, the
// profile's sources and chats remain but the profile no longer resolves.
func (h *botProfilesHandler) delete(w http.ResponseWriter, r *http.Request) {
	tenantID, id, ok := h.resolve(w, r)
	if !ok {
		return
	}

	if err := h.store.DeleteBotProfile(r.Context(), tenantID, id); err != nil {
		h.writeLookupError(w, id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *botProfilesHandler) resolve(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	tenantID, ok := tenantFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing_tenant", "tenant not resolved", h.logger)
		return uuid.Nil, uuid.Nil, false
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid bot profile id", h.logger)
		return uuid.Nil, uuid.Nil, false
	}
	return tenantID, id, true
}

func (h *botProfilesHandler) writeLookupError(w http.ResponseWriter, id uuid.UUID, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "bot_profile_not_found", "bot profile not found", h.logger)
		return
	}
	h.logger.Error("bot profile operation failed", "bot_profile_id", id, "error", err)
	writeError(w, http.StatusInternalServerError, "internal_error", "internal server error", h.logger)
}

func validateSampling(temperature float64, maxTokens int) error {
	if temperature < 0 || temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2")
	}
	if maxTokens < 1 || maxTokens > 32768 {
		return fmt.Errorf("max_tokens must be between 1 and 32768")
	}
	return nil
}
