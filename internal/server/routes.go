package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lazypower/tabflow/internal/config"
	"github.com/lazypower/tabflow/internal/engine"
)

func (s *Server) handleListResources(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

func (s *Server) handleGetResource(w http.ResponseWriter, r *http.Request) {
	h, err := strconv.ParseInt(chi.URLParam(r, "handle"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid handle")
		return
	}
	view, ok := s.engine.Resource(engine.Handle(h))
	if !ok {
		writeError(w, http.StatusNotFound, "resource not found")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Scheduler.Depth())
}

// eventRequest is the wire form of engine.Event.
type eventRequest struct {
	Kind   string `json:"kind"`
	Handle int64  `json:"handle"`
	Value  bool   `json:"value"`
	Domain string `json:"domain"`
	Title  string `json:"title"`
	URL    string `json:"url"`
	Icon   string `json:"icon"`
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	kind, err := engine.ParseEventKind(req.Kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Handle <= 0 && !(kind == engine.EventActivated && !req.Value) {
		writeError(w, http.StatusBadRequest, "handle required")
		return
	}

	ev := engine.Event{
		Kind:   kind,
		Handle: engine.Handle(req.Handle),
		Value:  req.Value,
		Domain: req.Domain,
		Title:  req.Title,
		URL:    req.URL,
		Icon:   req.Icon,
		At:     time.Now(),
	}
	if err := s.engine.Submit(ev); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleResetScores(w http.ResponseWriter, r *http.Request) {
	s.engine.ResetScores()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Policy())
}

func (s *Server) handlePutPolicy(w http.ResponseWriter, r *http.Request) {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var p engine.Policy
	if err := dec.Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if err := s.engine.UpdatePolicy(p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Policy())
}

// handlePreset applies an aggressiveness level's timers and decay rates,
// keeping the current threshold and protected domains.
func (s *Server) handlePreset(w http.ResponseWriter, r *http.Request) {
	preset, err := config.Preset(chi.URLParam(r, "level"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	p := s.engine.Policy()
	p.CountdownMinutes = preset.CountdownMinutes
	p.BatchIntervalMinutes = preset.BatchIntervalMinutes
	p.Decay = preset.Decay
	if err := s.engine.UpdatePolicy(p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Policy())
}

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	tabs, err := s.db.ListReclaimed(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	total, err := s.db.CountReclaimed()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tabs":  tabs,
		"total": total,
	})
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	n, err := s.db.ClearReclaimed()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "cleared", "removed": n})
}

func (s *Server) handleDeleteHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := historyID(w, r)
	if !ok {
		return
	}
	if err := s.db.DeleteReclaimed(id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleRestoreHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := historyID(w, r)
	if !ok {
		return
	}
	if s.restorer == nil {
		writeError(w, http.StatusServiceUnavailable, "browser not connected")
		return
	}

	tab, err := s.db.GetReclaimed(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if tab == nil {
		writeError(w, http.StatusNotFound, "history entry not found")
		return
	}

	if err := s.restorer.Restore(r.Context(), tab.URL, tab.RecoveryHint); err != nil {
		s.log.Warn("restore failed", "id", id, "url", tab.URL, "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if err := s.db.DeleteReclaimed(id); err != nil {
		s.log.Warn("restored entry not removed", "id", id, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "restored", "url": tab.URL})
}

func historyID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}
