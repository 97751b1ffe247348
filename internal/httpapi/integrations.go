package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/envoyhq/envoy/internal/integrations"
	"github.com/envoyhq/envoy/internal/store"
)

// IntegrationsHandler exposes integration listing, credential configuration
// and deletion. Credential values never appear in responses unmasked.
type IntegrationsHandler struct {
	store   *store.Store
	manager *integrations.Manager
}

func (h *IntegrationsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/integrations", h.handleList)
	mux.HandleFunc("POST /api/v1/integrations/{name}/config", h.handleConfig)
	mux.HandleFunc("DELETE /api/v1/integrations/{name}", h.handleDelete)
}

type integrationView struct {
	ID           string              `json:"id"`
	Name         string              `json:"name"`
	Description  string              `json:"description"`
	ConfigSchema []store.ConfigField `json:"config_schema"`
	Enabled      bool                `json:"enabled"`
	Configured   bool                `json:"configured"`
	MaskedValues map[string]*string  `json:"masked_values"`
	Tools        []integrationTool   `json:"tools"`
}

type integrationTool struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Enabled     bool   `json:"enabled"`
}

func (h *IntegrationsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	list, err := h.store.ListIntegrations()
	if err != nil {
		slog.Error("list integrations", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list integrations")
		return
	}

	views := make([]integrationView, 0, len(list))
	for _, in := range list {
		view := integrationView{
			ID:           in.ID,
			Name:         in.Name,
			Description:  in.Description,
			ConfigSchema: in.ConfigSchema,
			Enabled:      in.Enabled,
			Configured:   integrations.Configured(in.ConfigSchema),
			MaskedValues: integrations.MaskedValues(in.ConfigSchema),
			Tools:        []integrationTool{},
		}
		if view.ConfigSchema == nil {
			view.ConfigSchema = []store.ConfigField{}
		}
		toolRows, err := h.store.ListIntegrationTools(in.ID)
		if err != nil {
			slog.Error("list integration tools", "integration", in.Name, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to list integrations")
			return
		}
		for _, t := range toolRows {
			view.Tools = append(view.Tools, integrationTool{
				Name:        in.Name + "_" + t.Name,
				Description: t.Description,
				Enabled:     t.Enabled,
			})
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *IntegrationsHandler) handleConfig(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	in, err := h.store.GetIntegration(name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "integration not found")
			return
		}
		slog.Error("get integration", "integration", name, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load integration")
		return
	}

	var values map[string]string
	if err := json.NewDecoder(r.Body).Decode(&values); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.manager.SaveConfig(in, values); err != nil {
		slog.Error("save integration config", "integration", name, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save configuration")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"configured":    integrations.Configured(in.ConfigSchema),
		"masked_values": integrations.MaskedValues(in.ConfigSchema),
	})
}

func (h *IntegrationsHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := h.store.DeleteIntegration(name); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "integration not found")
			return
		}
		slog.Error("delete integration", "integration", name, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete integration")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}
