package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/thatsimonsguy/relay-controller/internal/model"
	"github.com/thatsimonsguy/relay-controller/internal/relayerr"
)

type ScheduleRequest struct {
	StartTime  string           `json:"startTime"`
	EndTime    string           `json:"endTime"`
	Recurrence model.Recurrence `json:"recurrence"`
	DaysOfWeek []int            `json:"daysOfWeek,omitempty"`
}

// ScheduleResponse is the stored entry plus a status field.
type ScheduleResponse struct {
	model.ScheduleEntry
	Status string `json:"status"`
}

func (s *Server) handleSetSchedule(w http.ResponseWriter, r *http.Request) {
	ref, err := s.relayParam(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	var req ScheduleRequest
	if err := decode(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	if req.StartTime == "" || req.EndTime == "" {
		writeBadRequest(w, "startTime and endTime are required")
		return
	}

	e, err := s.rec.SetTimer(r.Context(), ref, model.Window{
		Start:      req.StartTime,
		End:        req.EndTime,
		Recurrence: req.Recurrence,
		DaysOfWeek: req.DaysOfWeek,
	})
	if err != nil && e.ID == "" {
		writeErr(w, r, err)
		return
	}
	// a store error still leaves the schedule in effect
	status := "success"
	if err != nil {
		status = "unsaved"
	}
	writeJSON(w, http.StatusOK, ScheduleResponse{ScheduleEntry: e, Status: status})
}

func (s *Server) handleRelaySchedules(w http.ResponseWriter, r *http.Request) {
	ref, err := s.relayParam(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": nonNil(s.rec.Timers(ref))})
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"timers": nonNil(s.rec.AllTimers())})
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	for _, e := range s.rec.AllTimers() {
		if e.ID == id {
			writeJSON(w, http.StatusOK, e)
			return
		}
	}
	writeErr(w, r, relayerr.NotFound("no schedule found with id %s", id))
}

func (s *Server) handlePatchSchedule(w http.ResponseWriter, r *http.Request) {
	var p model.Patch
	if err := decode(r, &p); err != nil {
		writeErr(w, r, err)
		return
	}
	if p.Empty() {
		writeBadRequest(w, "patch has no fields")
		return
	}
	e, err := s.rec.UpdateTimer(r.Context(), chi.URLParam(r, "id"), p)
	if err != nil && e.ID == "" {
		writeErr(w, r, err)
		return
	}
	status := "success"
	if err != nil {
		status = "unsaved"
	}
	writeJSON(w, http.StatusOK, ScheduleResponse{ScheduleEntry: e, Status: status})
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	removed, err := s.rec.ClearTimer(chi.URLParam(r, "id"))
	if err != nil && removed.ID == "" {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Timer cleared successfully", "id": removed.ID})
}

func nonNil(entries []model.ScheduleEntry) []model.ScheduleEntry {
	if entries == nil {
		return []model.ScheduleEntry{}
	}
	return entries
}
