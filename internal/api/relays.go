package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/relay-controller/db"
	"github.com/thatsimonsguy/relay-controller/internal/modbus"
	"github.com/thatsimonsguy/relay-controller/internal/model"
	"github.com/thatsimonsguy/relay-controller/internal/relayerr"
)

const (
	maxBlink            = time.Minute
	defaultBlink        = 500 * time.Millisecond
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

type RelayResponse struct {
	SlaveID model.SlaveAddress `json:"slaveId"`
	Relay   int                `json:"relay"`
	State   bool               `json:"state"`
	// LastChange is the newest recorded write, on GET only.
	LastChange *db.RelayEvent `json:"lastChange,omitempty"`
}

type SetRelayRequest struct {
	State *bool `json:"state"`
}

type SetRelaysRequest struct {
	States []bool `json:"states"`
}

type SetRelaysResponse struct {
	SlaveID model.SlaveAddress `json:"slaveId"`
	States  []bool             `json:"states"`
}

type BlinkRequest struct {
	DurationMS int `json:"durationMs"`
}

type HealthResponse struct {
	Status string `json:"status"`
	Bus    string `json:"bus"`
	Slaves []int  `json:"slaves"`
}

// slaveParam resolves {slaveId} against the configured slaves.
func (s *Server) slaveParam(r *http.Request) (model.SlaveAddress, error) {
	addr, err := model.ParseSlaveAddress(chi.URLParam(r, "slaveId"))
	if err != nil {
		return 0, err
	}
	if _, ok := s.device.SlaveByID(addr); !ok {
		return 0, relayerr.NotFound("slave %d is not configured", addr)
	}
	return addr, nil
}

func (s *Server) relayParam(r *http.Request) (model.RelayRef, error) {
	addr, err := s.slaveParam(r)
	if err != nil {
		return model.RelayRef{}, err
	}
	n, err := model.ParseRelayNumber(chi.URLParam(r, "n"))
	if err != nil {
		return model.RelayRef{}, err
	}
	return model.RelayRef{Slave: addr, Relay: n}, nil
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return relayerr.Validation("invalid JSON payload: %v", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.device.State()
	resp := HealthResponse{Status: "ok", Bus: state.String(), Slaves: s.slaveIDs()}
	status := http.StatusOK
	if state != modbus.Connected {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleListSlaves(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"slaves": s.slaveIDs()})
}

// slaveIDs widens the addresses; a []uint8 would encode as base64.
func (s *Server) slaveIDs() []int {
	slaves := s.device.Slaves()
	out := make([]int, len(slaves))
	for i, a := range slaves {
		out[i] = int(a)
	}
	return out
}

func (s *Server) handleGetRelay(w http.ResponseWriter, r *http.Request) {
	ref, err := s.relayParam(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	on, err := s.rec.ReadRelay(r.Context(), ref)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	resp := RelayResponse{SlaveID: ref.Slave, Relay: ref.Relay, State: on}
	if s.history != nil {
		ev, ok, err := db.GetLastRelayEvent(s.history, uint8(ref.Slave), ref.Relay)
		if err != nil {
			log.Warn().Err(err).Str("relay", ref.Key()).Msg("Failed to load last relay change")
		} else if ok {
			resp.LastChange = &ev
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSetRelay(w http.ResponseWriter, r *http.Request) {
	ref, err := s.relayParam(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	var req SetRelayRequest
	if err := decode(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	if req.State == nil {
		writeBadRequest(w, "state is required")
		return
	}
	if err := s.rec.SetRelay(r.Context(), ref, *req.State); err != nil {
		writeErr(w, r, err)
		return
	}

	log.Info().
		Uint8("slave_id", uint8(ref.Slave)).
		Int("relay", ref.Relay).
		Bool("state", *req.State).
		Msg("Relay set via API")

	writeJSON(w, http.StatusOK, RelayResponse{SlaveID: ref.Slave, Relay: ref.Relay, State: *req.State})
}

func (s *Server) handleSetRelays(w http.ResponseWriter, r *http.Request) {
	addr, err := s.slaveParam(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	var req SetRelaysRequest
	if err := decode(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	if len(req.States) == 0 {
		writeBadRequest(w, "states must be a non-empty array")
		return
	}
	if err := s.rec.SetRelays(r.Context(), addr, req.States); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SetRelaysResponse{SlaveID: addr, States: req.States})
}

func (s *Server) handleBlink(w http.ResponseWriter, r *http.Request) {
	ref, err := s.relayParam(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	req := BlinkRequest{}
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			writeErr(w, r, err)
			return
		}
	}
	d := defaultBlink
	if req.DurationMS != 0 {
		d = time.Duration(req.DurationMS) * time.Millisecond
	}
	if d <= 0 || d > maxBlink {
		writeBadRequest(w, "durationMs must be between 1 and 60000")
		return
	}
	if err := s.device.Blink(r.Context(), ref, d); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RelayResponse{SlaveID: ref.Slave, Relay: ref.Relay, State: false})
}

func (s *Server) handleRelayHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeNotFound(w, "relay history is disabled")
		return
	}
	ref, err := s.relayParam(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxHistoryLimit {
			writeBadRequest(w, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	events, err := db.GetRelayEvents(s.history, uint8(ref.Slave), ref.Relay, limit)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if events == nil {
		events = []db.RelayEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}
