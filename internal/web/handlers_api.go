package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"chatterbox-go-home/internal/chatterbox"
	"chatterbox-go-home/internal/coordinator"
	"chatterbox-go-home/internal/store"
)

// deviceTimeout bounds one API call that talks to a device.
const deviceTimeout = 15 * time.Second

// deviceView is a device's reachability plus its cached decoded state.
type deviceView struct {
	coordinator.DeviceStatus
	State chatterbox.State `json:"state"`
}

func (s *Server) deviceView(dev *chatterbox.Device) (deviceView, error) {
	status, err := s.coord.Status(dev.Name())
	if err != nil {
		return deviceView{}, err
	}
	return deviceView{DeviceStatus: status, State: dev.Snapshot()}, nil
}

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.coord.Devices()
	out := make([]deviceView, 0, len(devices))
	for _, dev := range devices {
		v, err := s.deviceView(dev)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	dev, err := s.coord.Device(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	v, err := s.deviceView(dev)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleAPIRefresh(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), deviceTimeout)
	defer cancel()

	st, err := s.coord.Refresh(ctx, r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleAPIClimate(w http.ResponseWriter, r *http.Request) {
	var cmd coordinator.Command
	if !s.decodeBody(w, r, &cmd) {
		return
	}
	// Zone changes go through /zones/{zone}.
	if cmd.Zone != "" || cmd.ZoneEnabled != nil || cmd.DamperPosition != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "zone fields are not accepted here"})
		return
	}
	s.apply(w, r, cmd)
}

type zoneRequest struct {
	Enabled        *bool `json:"enabled"`
	DamperPosition *int  `json:"damper_position"`
}

func (s *Server) handleAPIZone(w http.ResponseWriter, r *http.Request) {
	var req zoneRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	s.apply(w, r, coordinator.Command{
		Zone:           r.PathValue("zone"),
		ZoneEnabled:    req.Enabled,
		DamperPosition: req.DamperPosition,
	})
}

func (s *Server) apply(w http.ResponseWriter, r *http.Request, cmd coordinator.Command) {
	ctx, cancel := context.WithTimeout(r.Context(), deviceTimeout)
	defer cancel()

	st, err := s.coord.Apply(ctx, r.PathValue("id"), cmd)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

type registersResponse struct {
	VRAM         []int `json:"vram"`
	EEPROM       []int `json:"eeprom"`
	EEPROMLoaded bool  `json:"eeprom_loaded"`
}

func (s *Server) handleAPIGetRegisters(w http.ResponseWriter, r *http.Request) {
	dev, err := s.coord.Device(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, registersResponse{
		VRAM:         byteInts(dev.VRAM()),
		EEPROM:       byteInts(dev.EEPROM()),
		EEPROMLoaded: dev.EEPROMLoaded(),
	})
}

func (s *Server) handleAPIWriteRegister(w http.ResponseWriter, r *http.Request) {
	var req coordinator.RegisterWrite
	if !s.decodeBody(w, r, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), deviceTimeout)
	defer cancel()

	st, err := s.coord.WriteRegister(ctx, r.PathValue("id"), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleAPIReadRTC(w http.ResponseWriter, r *http.Request) {
	dev, err := s.coord.Device(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), deviceTimeout)
	defer cancel()

	rtc, err := dev.ReadRTC(ctx)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"rtc": rtc})
}

func (s *Server) handleAPIRegistry(w http.ResponseWriter, r *http.Request) {
	records, err := s.coord.Registry()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if records == nil {
		records = []*store.Device{}
	}
	s.writeJSON(w, http.StatusOK, records)
}

// byteInts keeps register dumps as JSON numbers instead of base64.
func byteInts(b []byte) []int {
	out := make([]int, len(b))
	for i, v := range b {
		out[i] = int(v)
	}
	return out
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

// statusFor maps core and coordinator errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, chatterbox.ErrRange), errors.Is(err, chatterbox.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, chatterbox.ErrUnknownZone), errors.Is(err, coordinator.ErrUnknownDevice):
		return http.StatusNotFound
	case errors.Is(err, chatterbox.ErrConnection), errors.Is(err, chatterbox.ErrProtocol):
		return http.StatusBadGateway
	case errors.Is(err, chatterbox.ErrNotImplemented):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("api request failed", "err", err)
		s.writeJSON(w, status, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
