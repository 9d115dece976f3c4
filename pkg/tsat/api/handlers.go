package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"

	"github.com/thesyncim/tsat/pkg/tsat"
)

const maxBodyBytes = 1 << 16

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		tsat.Logf("api: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, format string, v ...any) {
	writeJSON(w, status, errorResponse{Error: fmt.Sprintf(format, v...)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"estimators": len(s.registry.Names()),
		"clients":    s.hub.count(),
	})
}

func (s *Server) handleEstimators(w http.ResponseWriter, r *http.Request) {
	estimates := s.registry.Estimates()
	out := make([]Estimate, 0, len(estimates))
	for _, name := range s.registry.Names() {
		st, ok := estimates[name]
		if !ok {
			continue
		}
		out = append(out, Estimate{Strategy: name, State: stateJSON(st)})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleEstimator(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	st, err := s.registry.Estimate(name)
	if errors.Is(err, tsat.ErrUnknownEstimator) {
		writeError(w, http.StatusNotFound, "unknown estimator %q", name)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, Estimate{Strategy: name, State: stateJSON(st)})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "history is not recorded")
		return
	}
	name := r.PathValue("name")
	if _, ok := s.registry.Get(name); !ok {
		writeError(w, http.StatusNotFound, "unknown estimator %q", name)
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit %q", v)
			return
		}
		limit = n
	}

	recs, err := s.history.History(r.Context(), name, limit)
	if err != nil {
		tsat.Logf("api: history %s: %v", name, err)
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	out := make([]Estimate, 0, len(recs))
	for _, rec := range recs {
		at := rec.Time
		out = append(out, Estimate{
			Strategy: rec.Strategy,
			Time:     &at,
			RunID:    rec.RunID.String(),
			State:    stateJSON(rec.State),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleMeasurement(w http.ResponseWriter, r *http.Request) {
	var req MeasurementRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid measurement: %v", err)
		return
	}
	m, err := req.measurement()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid measurement: %v", err)
		return
	}

	estimates, err := s.registry.Update(m)
	resp := MeasurementResponse{Estimates: make([]Estimate, 0, len(estimates))}
	names := make([]string, 0, len(estimates))
	for name := range estimates {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		resp.Estimates = append(resp.Estimates, Estimate{Strategy: name, State: stateJSON(estimates[name])})
	}

	status := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		if len(estimates) == 0 {
			status = http.StatusUnprocessableEntity
		}
	}
	writeJSON(w, status, resp)
}
