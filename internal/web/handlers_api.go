package web

import (
	"context"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"time"

	"obc-harness/internal/frame"
	"obc-harness/internal/i2c"
)

// maxDownlinkWait caps the long-poll on GET /api/downlink.
const maxDownlinkWait = 30 * time.Second

func (s *Server) buses() []i2c.BusSelector {
	if s.sys.Controller().SingleBus() {
		return []i2c.BusSelector{i2c.SystemBus}
	}
	return []i2c.BusSelector{i2c.SystemBus, i2c.PayloadBus}
}

func (s *Server) busStates() []i2c.StateEvent {
	states := make([]i2c.StateEvent, 0, 2)
	for _, b := range s.buses() {
		states = append(states, s.sys.Controller().State(b))
	}
	return states
}

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	cfg := s.sys.Config()
	inbox := s.sys.Comm().Inbox()
	status := map[string]any{
		"mode":             cfg.Mode,
		"single_bus":       cfg.SingleBus,
		"run_id":           s.sys.RunID(),
		"buses":            s.busStates(),
		"inbox":            inbox.Len(),
		"inbox_dropped":    inbox.Dropped(),
		"ws_clients":       s.stream.count(),
		"receiver_pending": s.sys.Comm().Receiver().Pending(),
	}
	if sim := s.sys.Sim(); sim != nil {
		status["boot_count"] = sim.BootCount()
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleAPIRestart(w http.ResponseWriter, r *http.Request) {
	if err := s.sys.Restart(r.Context()); err != nil {
		s.logger.Error("restart", "err", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIListBuses(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.busStates())
}

// pathBus resolves the {bus} path value, writing a 404 on failure.
func (s *Server) pathBus(w http.ResponseWriter, r *http.Request) (i2c.BusSelector, bool) {
	bus, err := i2c.ParseBus(r.PathValue("bus"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, "unknown bus")
		return 0, false
	}
	return bus, true
}

func (s *Server) handleAPIGetBus(w http.ResponseWriter, r *http.Request) {
	bus, ok := s.pathBus(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, s.sys.Controller().State(bus))
}

// setBusRequest sets fault flags; absent fields are left alone.
type setBusRequest struct {
	Disabled *bool `json:"disabled"`
	Latched  *bool `json:"latched"`
	Frozen   *bool `json:"frozen"`
}

func (s *Server) handleAPISetBus(w http.ResponseWriter, r *http.Request) {
	bus, ok := s.pathBus(w, r)
	if !ok {
		return
	}
	var req setBusRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	ctrl := s.sys.Controller()
	if req.Disabled != nil {
		switch {
		case bus == i2c.SystemBus && *req.Disabled:
			ctrl.DisableBus()
		case bus == i2c.SystemBus:
			ctrl.EnableBus()
		case *req.Disabled:
			ctrl.DisablePayload()
		default:
			ctrl.EnablePayload()
		}
	}
	if req.Latched != nil {
		if *req.Latched {
			ctrl.Latch(bus)
		} else {
			ctrl.Unlatch(bus)
		}
	}
	if req.Frozen != nil {
		if *req.Frozen {
			ctrl.Freeze(bus)
		} else {
			ctrl.Unfreeze(bus)
		}
	}
	s.writeJSON(w, http.StatusOK, ctrl.State(bus))
}

type transferRequest struct {
	Address uint8  `json:"address"`
	Mode    string `json:"mode"`
	Data    string `json:"data"` // hex
	ReadLen int    `json:"read_len"`
}

type transferResponse struct {
	Data string `json:"data"` // hex
	Code int8   `json:"code"`
}

func (s *Server) handleAPITransfer(w http.ResponseWriter, r *http.Request) {
	bus, ok := s.pathBus(w, r)
	if !ok {
		return
	}
	var req transferRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	mode, err := i2c.ParseMode(req.Mode)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if i2c.Address(req.Address) > i2c.MaxAddress {
		s.writeError(w, http.StatusBadRequest, "address out of 7-bit range")
		return
	}
	data, err := hex.DecodeString(req.Data)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "data must be hex")
		return
	}

	resp := s.sys.Controller().Transfer(r.Context(), i2c.Transaction{
		Bus:     bus,
		Address: i2c.Address(req.Address),
		Mode:    mode,
		Data:    data,
		ReadLen: req.ReadLen,
	})
	s.writeJSON(w, http.StatusOK, transferResponse{Data: hex.EncodeToString(resp.Data), Code: int8(resp.Code)})
}

type enableDeviceRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleAPIEnableDevice(w http.ResponseWriter, r *http.Request) {
	bus, ok := s.pathBus(w, r)
	if !ok {
		return
	}
	addr, err := strconv.ParseUint(r.PathValue("addr"), 0, 8)
	if err != nil || i2c.Address(addr) > i2c.MaxAddress {
		s.writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	if _, found := s.sys.Controller().Device(bus, i2c.Address(addr)); !found {
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	}
	var req enableDeviceRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	s.sys.Controller().Enable(bus, []i2c.Address{i2c.Address(addr)}, req.Enabled)
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "enabled": req.Enabled})
}

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.sys.Devices().List())
}

type uplinkRequest struct {
	APID    uint8  `json:"apid"`
	Payload string `json:"payload"` // hex
}

func (s *Server) handleAPIUplink(w http.ResponseWriter, r *http.Request) {
	var req uplinkRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	data, err := hex.DecodeString(req.Payload)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "payload must be hex")
		return
	}
	if len(data) > frame.MaxPayload {
		s.writeError(w, http.StatusBadRequest, "payload too large")
		return
	}
	s.sys.Comm().PutFrame(frame.Raw{ID: req.APID, Data: data})
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

type downlinkFrame struct {
	APID          uint8  `json:"apid"`
	Seq           uint32 `json:"seq"`
	CorrelationID *uint8 `json:"correlation_id,omitempty"`
	Payload       string `json:"payload"` // hex
}

// handleAPIDownlink takes the next frame from the inbox, optionally
// filtered by ?apid=, waiting up to ?timeout= (a Go duration).
func (s *Server) handleAPIDownlink(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var match frame.Predicate = frame.Any
	if v := q.Get("apid"); v != "" {
		apid, err := strconv.ParseUint(v, 0, 8)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid apid")
			return
		}
		match = frame.ByAPID(uint8(apid))
	}
	timeout := time.Second
	if v := q.Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid timeout")
			return
		}
		timeout = min(d, maxDownlinkWait)
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	f, err := s.sys.Comm().GetFrameContext(ctx, match)
	if errors.Is(err, frame.ErrNoFrame) || errors.Is(err, context.DeadlineExceeded) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, downlinkFrame{
		APID:          f.APID,
		Seq:           f.Seq,
		CorrelationID: f.CorrelationID,
		Payload:       hex.EncodeToString(f.Payload),
	})
}

type schemaView struct {
	Name     string   `json:"name"`
	Version  int      `json:"version"`
	Size     int      `json:"size"`
	Keys     []string `json:"keys"`
	Versions []int    `json:"versions"`
}

func (s *Server) handleAPIBeaconSchema(w http.ResponseWriter, r *http.Request) {
	reg := s.sys.Schemas()
	latest := reg.Latest()
	if latest == nil {
		s.writeError(w, http.StatusNotFound, "no beacon schema")
		return
	}
	s.writeJSON(w, http.StatusOK, schemaView{
		Name:     latest.Name,
		Version:  latest.Version,
		Size:     latest.Size(),
		Keys:     latest.Keys(),
		Versions: reg.Versions(),
	})
}
