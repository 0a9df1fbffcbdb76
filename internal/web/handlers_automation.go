package web

import (
	"errors"
	"net/http"

	"chatterbox-go-home/internal/automation"
)

// automationView is a stored script plus the engine's view of it.
type automationView struct {
	*automation.Script
	Running   bool   `json:"running"`
	LoadError string `json:"load_error,omitempty"`
}

// automationRequest is the body of create and update. Devices scopes the
// script to configured chatterboxes; empty means all of them.
type automationRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	LuaCode     string   `json:"lua_code"`
	Enabled     bool     `json:"enabled"`
	Devices     []string `json:"devices"`
}

func (req automationRequest) applyTo(sc *automation.Script) {
	sc.Meta = automation.ScriptMeta{
		Name:        req.Name,
		Description: req.Description,
		Enabled:     req.Enabled,
		Devices:     req.Devices,
	}
	sc.LuaCode = req.LuaCode
}

func (s *Server) handleAPIListAutomations(w http.ResponseWriter, r *http.Request) {
	views := []automationView{}
	if s.scriptMgr == nil {
		s.writeJSON(w, http.StatusOK, views)
		return
	}
	device := r.URL.Query().Get("device")
	if device != "" {
		if _, err := s.coord.Device(device); err != nil {
			s.writeError(w, err)
			return
		}
	}
	scripts, err := s.scriptMgr.List(device)
	if err != nil {
		s.writeAutomationError(w, err)
		return
	}
	for _, sc := range scripts {
		views = append(views, s.automationView(sc, nil))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAPIGetAutomation(w http.ResponseWriter, r *http.Request) {
	sc, ok := s.lookupAutomation(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, s.automationView(sc, nil))
}

func (s *Server) handleAPICreateAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.automationsReady(w) {
		return
	}
	var req automationRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	sc := &automation.Script{}
	req.applyTo(sc)
	s.saveAutomation(w, sc, http.StatusCreated)
}

func (s *Server) handleAPIUpdateAutomation(w http.ResponseWriter, r *http.Request) {
	sc, ok := s.lookupAutomation(w, r)
	if !ok {
		return
	}
	var req automationRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	req.applyTo(sc)
	s.saveAutomation(w, sc, http.StatusOK)
}

func (s *Server) handleAPIToggleAutomation(w http.ResponseWriter, r *http.Request) {
	sc, ok := s.lookupAutomation(w, r)
	if !ok {
		return
	}
	sc.Meta.Enabled = !sc.Meta.Enabled
	s.saveAutomation(w, sc, http.StatusOK)
}

func (s *Server) handleAPIDeleteAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.automationsReady(w) {
		return
	}
	id := r.PathValue("id")
	if err := s.scriptMgr.Delete(id); err != nil {
		s.writeAutomationError(w, err)
		return
	}
	if s.autoEngine != nil {
		s.autoEngine.StopScript(id)
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleAPIRunAutomation runs a stored script once, or the lua_code of the
// body when the id is "_inline".
func (s *Server) handleAPIRunAutomation(w http.ResponseWriter, r *http.Request) {
	if s.autoEngine == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "automations not available"})
		return
	}
	if r.PathValue("id") == "_inline" {
		var req struct {
			LuaCode string `json:"lua_code"`
		}
		if !s.decodeBody(w, r, &req) {
			return
		}
		s.writeJSON(w, http.StatusOK, s.autoEngine.RunLuaCode(req.LuaCode))
		return
	}
	sc, ok := s.lookupAutomation(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, s.autoEngine.RunScript(sc.ID))
}

func (s *Server) automationsReady(w http.ResponseWriter) bool {
	if s.scriptMgr == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "automations not available"})
		return false
	}
	return true
}

func (s *Server) lookupAutomation(w http.ResponseWriter, r *http.Request) (*automation.Script, bool) {
	if !s.automationsReady(w) {
		return nil, false
	}
	sc, err := s.scriptMgr.Get(r.PathValue("id"))
	if err != nil {
		s.writeAutomationError(w, err)
		return nil, false
	}
	return sc, true
}

// saveAutomation writes sc and brings the engine in line with it. A script
// that saves but fails to load is still returned, with the load error.
func (s *Server) saveAutomation(w http.ResponseWriter, sc *automation.Script, status int) {
	saved, err := s.scriptMgr.Save(sc)
	if err != nil {
		s.writeAutomationError(w, err)
		return
	}
	var loadErr error
	if s.autoEngine != nil {
		if saved.Meta.Enabled {
			loadErr = s.autoEngine.ReloadScript(saved.ID)
		} else {
			s.autoEngine.StopScript(saved.ID)
		}
	}
	if loadErr != nil {
		s.logger.Warn("script load failed", "id", saved.ID, "err", loadErr)
	}
	s.writeJSON(w, status, s.automationView(saved, loadErr))
}

func (s *Server) automationView(sc *automation.Script, loadErr error) automationView {
	v := automationView{Script: sc}
	if s.autoEngine != nil {
		v.Running = s.autoEngine.Running(sc.ID)
	}
	if loadErr != nil {
		v.LoadError = loadErr.Error()
	}
	return v
}

// writeAutomationError reports a bad script body or scope as 400 before the
// generic mapping, which would turn an unknown scoped device into 404.
func (s *Server) writeAutomationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, automation.ErrInvalidScript):
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, automation.ErrScriptNotFound):
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	default:
		s.writeError(w, err)
	}
}
