package web

import (
	"net/http"

	"obc-harness/internal/scenario"
)

func (s *Server) scenarioManager(w http.ResponseWriter) (*scenario.Manager, bool) {
	if s.scenarios == nil || s.scenarios.Manager() == nil {
		s.writeError(w, http.StatusServiceUnavailable, "scenarios not available")
		return nil, false
	}
	return s.scenarios.Manager(), true
}

func (s *Server) handleAPIListScenarios(w http.ResponseWriter, r *http.Request) {
	if s.scenarios == nil || s.scenarios.Manager() == nil {
		s.writeJSON(w, http.StatusOK, []any{})
		return
	}
	scripts, err := s.scenarios.Manager().ListTagged(r.URL.Query().Get("tag"))
	if err != nil {
		s.logger.Error("list scenarios", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if scripts == nil {
		scripts = []*scenario.Script{}
	}
	s.writeJSON(w, http.StatusOK, scripts)
}

func (s *Server) handleAPIGetScenario(w http.ResponseWriter, r *http.Request) {
	mgr, ok := s.scenarioManager(w)
	if !ok {
		return
	}
	script, err := mgr.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, "scenario not found")
		return
	}
	s.writeJSON(w, http.StatusOK, script)
}

type saveScenarioRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
	Timeout     string   `json:"timeout"`
	LuaCode     string   `json:"lua_code"`
	Enabled     bool     `json:"enabled"`
}

func (req *saveScenarioRequest) apply(script *scenario.Script) {
	script.Meta.Name = req.Name
	script.Meta.Description = req.Description
	script.Meta.Tags = req.Tags
	script.Meta.Timeout = req.Timeout
	script.Meta.Enabled = req.Enabled
	script.LuaCode = req.LuaCode
}

func (s *Server) handleAPICreateScenario(w http.ResponseWriter, r *http.Request) {
	mgr, ok := s.scenarioManager(w)
	if !ok {
		return
	}
	var req saveScenarioRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	script := &scenario.Script{}
	req.apply(script)
	saved, err := mgr.Save(script)
	if err != nil {
		s.logger.Error("create scenario", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusCreated, saved)
}

func (s *Server) handleAPIUpdateScenario(w http.ResponseWriter, r *http.Request) {
	mgr, ok := s.scenarioManager(w)
	if !ok {
		return
	}
	existing, err := mgr.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, "scenario not found")
		return
	}
	var req saveScenarioRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	req.apply(existing)

	saved, err := mgr.Save(existing)
	if err != nil {
		s.logger.Error("update scenario", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleAPIDeleteScenario(w http.ResponseWriter, r *http.Request) {
	mgr, ok := s.scenarioManager(w)
	if !ok {
		return
	}
	if err := mgr.Delete(r.PathValue("id")); err != nil {
		s.logger.Error("delete scenario", "err", err)
		s.writeError(w, http.StatusNotFound, "scenario not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIToggleScenario(w http.ResponseWriter, r *http.Request) {
	mgr, ok := s.scenarioManager(w)
	if !ok {
		return
	}
	script, err := mgr.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, "scenario not found")
		return
	}
	script.Meta.Enabled = !script.Meta.Enabled
	saved, err := mgr.Save(script)
	if err != nil {
		s.logger.Error("toggle scenario", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, saved)
}

// handleAPIRunScenario runs a stored scenario, or inline Lua from the
// request body when id is "_inline". The result is returned once the
// scenario finishes.
func (s *Server) handleAPIRunScenario(w http.ResponseWriter, r *http.Request) {
	if s.scenarios == nil {
		s.writeError(w, http.StatusServiceUnavailable, "scenario engine not available")
		return
	}

	id := r.PathValue("id")
	if id == "_inline" {
		var req struct {
			Name    string `json:"name"`
			LuaCode string `json:"lua_code"`
		}
		if !s.decodeBody(w, r, &req) {
			return
		}
		if req.Name == "" {
			req.Name = "inline"
		}
		s.writeJSON(w, http.StatusOK, s.scenarios.RunCode(r.Context(), req.Name, req.LuaCode))
		return
	}
	s.writeJSON(w, http.StatusOK, s.scenarios.Run(r.Context(), id))
}
