package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/envoyhq/envoy/internal/store"
	"github.com/envoyhq/envoy/internal/tools"
)

// ToolsHandler lists the current tool surface and removes custom tools.
// Built-in tools are part of the binary and cannot be deleted.
type ToolsHandler struct {
	store   *store.Store
	catalog *tools.Catalog
}

func (h *ToolsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/tools", h.handleList)
	mux.HandleFunc("DELETE /api/v1/tools/{name}", h.handleDelete)
}

type customToolView struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Description   string          `json:"description"`
	InputSchema   json.RawMessage `json:"input_schema"`
	Enabled       bool            `json:"enabled"`
	IntegrationID string          `json:"integration_id,omitempty"`
}

func (h *ToolsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	custom, err := h.store.ListCustomTools()
	if err != nil {
		slog.Error("list custom tools", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list tools")
		return
	}

	views := make([]customToolView, 0, len(custom))
	for _, t := range custom {
		schema := json.RawMessage(t.InputSchema)
		if !json.Valid(schema) {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		views = append(views, customToolView{
			ID:            t.ID,
			Name:          t.Name,
			Description:   t.Description,
			InputSchema:   schema,
			Enabled:       t.Enabled,
			IntegrationID: t.IntegrationID,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"builtIn": h.catalog.BuildRegistry().BuiltinNames(),
		"custom":  views,
	})
}

func (h *ToolsHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	for _, builtin := range h.catalog.BuildRegistry().BuiltinNames() {
		if name == builtin {
			writeError(w, http.StatusBadRequest, "built-in tools cannot be deleted")
			return
		}
	}

	if err := h.store.DeleteCustomTool(name); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "tool not found")
			return
		}
		slog.Error("delete tool", "tool", name, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete tool")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}
