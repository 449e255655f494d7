package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/hochfrequenz/vmat-orchestrator/internal/domain"
	"github.com/hochfrequenz/vmat-orchestrator/internal/runstore"
)

// maxSubmitBody bounds the size of a submitted run config
const maxSubmitBody = 1 << 20

// SubmitRequest is the payload of a run submission. Fields that are absent
// keep their default value.
type SubmitRequest struct {
	domain.RunConfig
	// PatientID is accepted as an alias of case_id.
	PatientID string `json:"patient_id,omitempty"`
}

// DecodeSubmitRequest merges a JSON payload over the default run config
func DecodeSubmitRequest(r io.Reader) (domain.RunConfig, error) {
	req := SubmitRequest{RunConfig: domain.DefaultRunConfig()}

	data, err := io.ReadAll(r)
	if err != nil {
		return domain.RunConfig{}, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return req.RunConfig, nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return domain.RunConfig{}, &domain.ValidationError{Problems: []string{"body is not a JSON object: " + err.Error()}}
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return domain.RunConfig{}, &domain.ValidationError{Problems: []string{err.Error()}}
	}
	if _, ok := raw["case_id"]; !ok && req.PatientID != "" {
		req.CaseID = req.PatientID
	}
	return req.RunConfig.WithInferredRoles(), nil
}

// SubmitResponse acknowledges a submission
type SubmitResponse struct {
	RunID    string           `json:"run_id"`
	Status   domain.RunStatus `json:"status"`
	Existing bool             `json:"existing,omitempty"`
}

// ListResponse wraps run summaries
type ListResponse struct {
	Runs []*domain.Run `json:"runs"`
}

func (s *Server) submitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg, err := DecodeSubmitRequest(http.MaxBytesReader(w, r.Body, maxSubmitBody))
		if err != nil {
			writeFailure(w, err)
			return
		}

		res, err := s.runs.Submit(r.Context(), cfg)
		if err != nil {
			writeFailure(w, err)
			return
		}

		code := http.StatusAccepted
		if res.Existing {
			code = http.StatusOK
		}
		writeJSONStatus(w, code, SubmitResponse{
			RunID:    res.Run.ID,
			Status:   res.Run.Status,
			Existing: res.Existing,
		})
	}
}

func (s *Server) listRunsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		opts := runstore.ListOptions{CaseID: q.Get("case_id")}
		if v := q.Get("status"); v != "" {
			opts.Status = domain.ParseRunStatus(v)
			if opts.Status == "" {
				writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(v))
				return
			}
		}
		limit, err := intParam(r, "limit")
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		opts.Limit = limit

		runs, err := s.queries.ListRuns(opts)
		if err != nil {
			writeFailure(w, err)
			return
		}
		if runs == nil {
			runs = []*domain.Run{}
		}
		writeJSON(w, ListResponse{Runs: runs})
	}
}

func (s *Server) getRunHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := s.queries.GetRun(r.Context(), r.PathValue("id"))
		if err != nil {
			writeFailure(w, err)
			return
		}
		writeJSON(w, view)
	}
}

func (s *Server) logsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		max, err := intParam(r, "max")
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		id := r.PathValue("id")
		lines, err := s.queries.Logs(id, max)
		if err != nil {
			writeFailure(w, err)
			return
		}
		if lines == nil {
			lines = []string{}
		}
		writeJSON(w, map[string]interface{}{
			"run_id": id,
			"lines":  lines,
		})
	}
}

func (s *Server) progressHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		max, err := intParam(r, "max")
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		id := r.PathValue("id")
		points, err := s.queries.Progress(id, max)
		if err != nil {
			writeFailure(w, err)
			return
		}
		if points == nil {
			points = []domain.TracePoint{}
		}
		writeJSON(w, map[string]interface{}{
			"run_id":   id,
			"progress": points,
		})
	}
}

func (s *Server) listCasesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ids, err := s.queries.Cases()
		if err != nil {
			writeFailure(w, err)
			return
		}
		if ids == nil {
			ids = []string{}
		}
		writeJSON(w, map[string][]string{"cases": ids})
	}
}

func (s *Server) caseManifestHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, err := s.queries.CaseManifest(r.Context(), r.PathValue("id"))
		if err != nil {
			writeFailure(w, err)
			return
		}
		writeJSON(w, m)
	}
}

func (s *Server) referenceHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		art, err := s.queries.GetReference(r.Context(), r.PathValue("id"))
		if err != nil {
			writeFailure(w, err)
			return
		}
		writeJSON(w, art)
	}
}

func (s *Server) ensureCaseHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cases == nil {
			writeError(w, http.StatusNotImplemented, "case downloads are not configured")
			return
		}
		id := r.PathValue("id")
		if !domain.ValidCaseID(id) {
			writeError(w, http.StatusBadRequest, "invalid case id "+strconv.Quote(id))
			return
		}
		if err := s.cases.Ensure(r.Context(), id); err != nil {
			writeFailure(w, err)
			return
		}
		writeJSON(w, map[string]string{"case_id": id, "status": "available"})
	}
}

func (s *Server) healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, s.queries.Health())
	}
}

func (s *Server) reprobeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.health == nil {
			writeError(w, http.StatusNotImplemented, "re-probe not available")
			return
		}
		writeJSON(w, s.health.Reprobe(r.Context()))
	}
}

func intParam(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New(name + " must be a non-negative integer")
	}
	return n, nil
}
