package web

import (
	"errors"
	"net/http"

	"obc-harness/internal/store"
)

func (s *Server) runStore(w http.ResponseWriter) (store.Store, bool) {
	st := s.sys.Store()
	if st == nil {
		s.writeError(w, http.StatusServiceUnavailable, "run store not configured")
		return nil, false
	}
	return st, true
}

func (s *Server) handleAPIListRuns(w http.ResponseWriter, r *http.Request) {
	st, ok := s.runStore(w)
	if !ok {
		return
	}
	runs, err := st.ListRuns()
	if err != nil {
		s.logger.Error("list runs", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if runs == nil {
		runs = []*store.Run{}
	}
	s.writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleAPIGetRun(w http.ResponseWriter, r *http.Request) {
	st, ok := s.runStore(w)
	if !ok {
		return
	}
	run, err := st.GetRun(r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("get run", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleAPIDeleteRun(w http.ResponseWriter, r *http.Request) {
	st, ok := s.runStore(w)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if id == s.sys.RunID() {
		s.writeError(w, http.StatusConflict, "run in progress")
		return
	}
	if err := st.DeleteRun(id); err != nil {
		s.logger.Error("delete run", "err", err, "id", id)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleAPIRunRecords serves the frames, beacons or faults captured in a
// run.
func (s *Server) handleAPIRunRecords(w http.ResponseWriter, r *http.Request) {
	st, ok := s.runStore(w)
	if !ok {
		return
	}
	id := r.PathValue("id")

	var (
		records any
		err     error
	)
	switch r.PathValue("kind") {
	case "frames":
		records, err = st.ListFrames(id)
	case "beacons":
		records, err = st.ListBeacons(id)
	case "faults":
		records, err = st.ListFaults(id)
	default:
		s.writeError(w, http.StatusNotFound, "unknown record kind")
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("list run records", "err", err, "id", id)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, records)
}
