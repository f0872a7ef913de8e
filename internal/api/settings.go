package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/Harvey-AU/profile-harvester/internal/config"
	"github.com/Harvey-AU/profile-harvester/internal/state"
)

// ConfigResponse is returned by GET and PUT /v1/config
type ConfigResponse struct {
	Settings  config.Settings   `json:"settings"`
	Overrides map[string]string `json:"overrides"`
	Keys      []string          `json:"keys"`
}

// Config reads (GET), updates (PUT) or resets (DELETE) the live settings
// overrides. Workers pick changes up on their next loop iteration.
func (h *Handler) Config(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.writeConfig(w, r, "")
	case http.MethodPut:
		h.updateConfig(w, r)
	case http.MethodDelete:
		if _, err := h.store.Del(r.Context(), state.KeySettings); err != nil {
			DatabaseError(w, r, err)
			return
		}
		loggerWithRequest(r).Info().Msg("Settings overrides cleared")
		h.writeConfig(w, r, "Overrides cleared")
	default:
		MethodNotAllowed(w, r)
	}
}

func (h *Handler) updateConfig(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		BadRequest(w, r, "Invalid JSON request body")
		return
	}
	if len(body) == 0 {
		BadRequest(w, r, "No settings given")
		return
	}

	overrides := make(map[string]string, len(body))
	for key, value := range body {
		key = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(key)), "scraper_")
		switch v := value.(type) {
		case string:
			overrides[key] = v
		case bool:
			overrides[key] = strconv.FormatBool(v)
		case float64:
			overrides[key] = strconv.FormatFloat(v, 'f', -1, 64)
		default:
			BadRequest(w, r, fmt.Sprintf("Setting %s must be a string, number or boolean", key))
			return
		}
	}

	current, err := h.settings.Current(r.Context())
	if err != nil {
		InternalError(w, r, err)
		return
	}
	if _, err := config.ApplyOverrides(current, overrides); err != nil {
		WriteErrorMessage(w, r, err.Error(), http.StatusBadRequest, ErrCodeValidation)
		return
	}

	if err := h.store.HSet(r.Context(), state.KeySettings, overrides); err != nil {
		DatabaseError(w, r, err)
		return
	}
	loggerWithRequest(r).Info().Interface("overrides", overrides).Msg("Settings overrides updated")
	h.writeConfig(w, r, "Settings updated")
}

func (h *Handler) writeConfig(w http.ResponseWriter, r *http.Request, message string) {
	settings, err := h.settings.Current(r.Context())
	if err != nil {
		InternalError(w, r, err)
		return
	}
	overrides, err := h.store.HGetAll(r.Context(), state.KeySettings)
	if err != nil {
		DatabaseError(w, r, err)
		return
	}
	WriteSuccess(w, r, ConfigResponse{
		Settings:  settings,
		Overrides: overrides,
		Keys:      config.SettingKeys(),
	}, message)
}
