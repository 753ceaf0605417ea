// Package api exposes the controller over HTTP and WebSocket: live state
// broadcast, control commands, profile storage, and firing reports.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/kilnworks/kilnd/internal/oven"
	"github.com/kilnworks/kilnd/internal/profile"
	"github.com/kilnworks/kilnd/internal/report"
	"github.com/kilnworks/kilnd/internal/store"
	"github.com/kilnworks/kilnd/internal/watcher"
)

// Handler holds all dependencies for HTTP request handling.
type Handler struct {
	Oven    *oven.Oven
	Watcher *watcher.Watcher
	Store   *store.Store
}

// RegisterRoutes adds all API routes to the given ServeMux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /status", h.getStatus)
	mux.HandleFunc("POST /command", h.postCommand)
	mux.HandleFunc("GET /history", h.getHistory)
	mux.HandleFunc("GET /profiles", h.listProfiles)
	mux.HandleFunc("PUT /profiles/{name}", h.putProfile)
	mux.HandleFunc("GET /profiles/{name}", h.getProfile)
	mux.HandleFunc("DELETE /profiles/{name}", h.deleteProfile)
	mux.HandleFunc("GET /firings", h.listFirings)
	mux.HandleFunc("GET /reports/{id}/csv", h.exportCSV)
	mux.HandleFunc("GET /reports/{id}/json", h.exportJSON)
	mux.HandleFunc("GET /reports/{id}/pdf", h.exportPDF)
}

func (h *Handler) getStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Oven.Snapshot())
}

// postCommand accepts the same command JSON the WebSocket accepts. A
// RUN command may name a stored profile instead of embedding one.
func (h *Handler) postCommand(w http.ResponseWriter, r *http.Request) {
	var cmd oven.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	// Resolve {"profile": "name"} against the profile store.
	if cmd.Cmd == "RUN" && len(cmd.Profile) > 0 && cmd.Profile[0] == '"' {
		var name string
		if err := json.Unmarshal(cmd.Profile, &name); err == nil {
			p, err := h.Store.GetProfile(name)
			if err != nil {
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
				return
			}
			if p == nil {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("profile %q not found", name)})
				return
			}
			data, err := p.Encode()
			if err != nil {
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
				return
			}
			cmd.Profile = data
		}
	}

	if err := h.Oven.Apply(cmd); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, h.Oven.Snapshot())
}

func (h *Handler) getHistory(w http.ResponseWriter, r *http.Request) {
	max := backlogPoints
	if s := r.URL.Query().Get("max"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "max must be a positive integer"})
			return
		}
		max = v
	}
	history := h.Watcher.HistorySubset(max)
	if history == nil {
		history = []oven.Snapshot{}
	}
	writeJSON(w, http.StatusOK, history)
}

func (h *Handler) listProfiles(w http.ResponseWriter, r *http.Request) {
	profiles, err := h.Store.ListProfiles()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	out := make([]json.RawMessage, 0, len(profiles))
	for _, p := range profiles {
		data, err := p.Encode()
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		out = append(out, data)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) putProfile(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	body := json.RawMessage{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	p, err := profile.Parse(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if p.Name != name {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "profile name does not match URL"})
		return
	}
	if err := h.Store.SaveProfile(p); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"saved": name})
}

func (h *Handler) getProfile(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	p, err := h.Store.GetProfile(name)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if p == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "profile not found"})
		return
	}
	data, err := p.Encode()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (h *Handler) deleteProfile(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := h.Store.DeleteProfile(name); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": name})
}

func (h *Handler) listFirings(w http.ResponseWriter, r *http.Request) {
	firings, err := h.Store.QueryFirings()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, firings)
}

func (h *Handler) exportCSV(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=firing-%s.csv", id))
	if err := report.ExportCSV(w, h.Store, id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (h *Handler) exportJSON(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	w.Header().Set("Content-Type", "application/json")
	if err := report.ExportJSON(w, h.Store, id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (h *Handler) exportPDF(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=firing-%s.pdf", id))
	if err := report.ExportPDF(w, h.Store, id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
