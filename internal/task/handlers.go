package task

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"ytdlp-web/internal/process"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body: "+err.Error())
		return false
	}
	return true
}

type startRequest struct {
	URL  string `json:"url"`
	Date string `json:"date"`
}

// parseStart decodes and normalizes the URL of a start request.
func parseStart(w http.ResponseWriter, r *http.Request) (startRequest, bool) {
	var body startRequest
	if !decodeBody(w, r, &body) {
		return body, false
	}
	if body.URL == "" {
		writeError(w, http.StatusBadRequest, "URL is required")
		return body, false
	}
	u, ok := ExtractURL(body.URL)
	if !ok || !IsValidURL(u) {
		writeError(w, http.StatusBadRequest, "Invalid URL format")
		return body, false
	}
	body.URL = u
	return body, true
}

func (m *Manager) writeStartError(w http.ResponseWriter, err error) {
	var spawnErr *process.SpawnError
	switch {
	case errors.Is(err, ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &spawnErr):
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":   "Failed to start downloader",
			"details": spawnErr.Error(),
		})
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (m *Manager) HandleStart(w http.ResponseWriter, r *http.Request) {
	body, ok := parseStart(w, r)
	if !ok {
		return
	}
	id, err := m.StartDownload(body.URL)
	if err != nil {
		m.writeStartError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"message":   "Download started",
		"client_id": id,
		"status":    string(StatusStarted),
		"url":       body.URL,
	})
}

func (m *Manager) HandleStartVOD(w http.ResponseWriter, r *http.Request) {
	body, ok := parseStart(w, r)
	if !ok {
		return
	}
	id, err := m.StartVODDownload(body.URL, body.Date)
	if err != nil {
		if errors.Is(err, ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "Invalid date format. Use YYYY-MM-DD")
			return
		}
		m.writeStartError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"message":   "VOD download started",
		"client_id": id,
		"status":    string(StatusStarted),
		"url":       body.URL,
		"date":      body.Date,
	})
}

type statusResponse struct {
	Task
	Runtime string `json:"runtime"`
}

func (m *Manager) HandleStatus(w http.ResponseWriter, r *http.Request) {
	t, err := m.Status(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Task not found")
		return
	}
	end := m.now()
	if t.Status.IsTerminal() {
		end = t.UpdatedAt
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Task:    t,
		Runtime: end.Sub(t.CreatedAt).Round(time.Second).String(),
	})
}

func (m *Manager) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := m.Cancel(id)
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "Task not found")
	case errors.Is(err, ErrAlreadyTerminal):
		t, _ := m.Status(id)
		writeJSON(w, http.StatusOK, map[string]string{
			"message": "Task already completed",
			"status":  string(t.Status),
		})
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]string{
			"message": "Download cancelled",
			"status":  string(StatusCancelled),
		})
	}
}

func (m *Manager) HandleRemove(w http.ResponseWriter, r *http.Request) {
	if err := m.Remove(r.PathValue("id")); err != nil {
		writeError(w, http.StatusNotFound, "Task not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Task removed successfully"})
}

type batchResult struct {
	ID      string `json:"id"`
	Removed bool   `json:"removed"`
	Error   string `json:"error,omitempty"`
}

func (m *Manager) HandleBatchRemove(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IDs []string `json:"ids"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if len(body.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "ids is required")
		return
	}

	results := m.BatchRemove(body.IDs)
	out := make([]batchResult, 0, len(results))
	removed := 0
	for _, res := range results {
		br := batchResult{ID: res.ID, Removed: res.Err == nil}
		if res.Err != nil {
			br.Error = res.Err.Error()
		} else {
			removed++
		}
		out = append(out, br)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"removed": removed,
		"failed":  len(out) - removed,
		"results": out,
	})
}

func (m *Manager) HandleList(w http.ResponseWriter, r *http.Request) {
	tasks := m.List()
	byID := make(map[string]Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	writeJSON(w, http.StatusOK, byID)
}

func (m *Manager) HandleStatistics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, m.Statistics())
}

func (m *Manager) HandleClear(w http.ResponseWriter, r *http.Request) {
	n := m.Clear()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "All tasks cleared successfully",
		"removed": n,
	})
}
