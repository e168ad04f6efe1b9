package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/driverservice/internal/history"
	"github.com/nerrad567/driverservice/internal/service"
)

// handleGetService returns the current service snapshot.
func (s *Server) handleGetService(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Stats())
}

// handleStopService asks the supervisor to stop the driver. The stop runs
// asynchronously; progress is visible on /service and the event stream.
func (s *Server) handleStopService(w http.ResponseWriter, r *http.Request) {
	if s.requestStop == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "stop is not available")
		return
	}

	st := s.svc.Stats()
	switch st.Status {
	case service.StatusStarting, service.StatusReady:
	default:
		writeError(w, http.StatusConflict, ErrCodeConflict, "service is "+string(st.Status))
		return
	}

	s.logger.Info("stop requested via API",
		"service", st.Name,
		"subject", subjectFromContext(r.Context()),
		"request_id", r.Context().Value(ctxKeyRequestID),
	)
	s.requestStop()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status": service.StatusStopping,
	})
}

// handleListRuns returns a page of run history, most recent first.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "run history is disabled")
		return
	}

	q := r.URL.Query()
	filter := history.Filter{Name: q.Get("name")}

	var err error
	if filter.Limit, err = queryInt(q.Get("limit")); err != nil {
		writeBadRequest(w, "limit must be a non-negative integer")
		return
	}
	if filter.Offset, err = queryInt(q.Get("offset")); err != nil {
		writeBadRequest(w, "offset must be a non-negative integer")
		return
	}

	result, err := s.history.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing runs failed", "error", err)
		writeInternalError(w, "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleGetRun returns a single run.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "run history is disabled")
		return
	}

	run, err := s.history.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, history.ErrNotFound) {
		writeNotFound(w, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("getting run failed", "error", err)
		writeInternalError(w, "failed to get run")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// queryInt parses an optional non-negative integer query parameter.
func queryInt(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, strconv.ErrRange
	}
	return n, nil
}
