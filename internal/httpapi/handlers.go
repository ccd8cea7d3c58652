package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"sessionjobs/internal/batch"
	"sessionjobs/internal/job"
	"sessionjobs/internal/ops"
	"sessionjobs/internal/storage"
	"sessionjobs/pkg/logx"
)

const maxBodyBytes = 8 << 20

var (
	ErrNoItems    = errors.New("items must not be empty")
	ErrBadTimeout = errors.New("invalid timeout")
)

type createRequest struct {
	Type    string         `json:"type"`
	Items   []batch.Item   `json:"items"`
	Timeout string         `json:"timeout,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
	Args    batch.Args     `json:"args,omitempty"`
}

type createResponse struct {
	JobID string `json:"job_id"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (r createRequest) validate(reg *ops.Registry) (ops.Operation, time.Duration, error) {
	op, err := reg.Lookup(r.Type)
	if err != nil {
		return ops.Operation{}, 0, err
	}
	if len(r.Items) == 0 {
		return ops.Operation{}, 0, ErrNoItems
	}
	var timeout time.Duration
	if t := strings.TrimSpace(r.Timeout); t != "" {
		d, err := time.ParseDuration(t)
		if err != nil || d <= 0 {
			return ops.Operation{}, 0, fmt.Errorf("%w: %q", ErrBadTimeout, r.Timeout)
		}
		timeout = d
	}
	return op, timeout, nil
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	op, timeout, err := req.validate(s.deps.Ops)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := s.deps.Jobs.Create(op.Name, len(req.Items), req.Meta)
	items, args := req.Items, req.Args
	s.deps.Jobs.Execute(id, func(ctx context.Context) error {
		_, err := s.deps.Exec.Run(ctx, id, items, op.Worker, batch.WithTimeout(timeout), batch.WithArgs(args))
		return err
	})
	s.log.Info("job submitted", logx.String("job", id), logx.String("type", op.Name), logx.Int("total", len(items)))
	writeJSON(w, http.StatusAccepted, createResponse{JobID: id})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.deps.Jobs.Status(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	ok := s.deps.Jobs.Cancel(r.PathValue("id"))
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": ok})
}

func queryLimit(r *http.Request) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid limit: %q", raw)
	}
	return n, nil
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string][]job.Snapshot{"jobs": s.deps.Jobs.List(limit)})
}

type statsResponse struct {
	job.Stats
	Subscribers int `json:"subscribers"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{Stats: s.deps.Jobs.Stats()}
	if s.deps.Progress != nil {
		resp.Subscribers = s.deps.Progress.Total()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleOperations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]ops.Operation{"operations": s.deps.Ops.List()})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.Archive == nil {
		writeError(w, http.StatusServiceUnavailable, storage.ErrDisabled.Error())
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	recs, err := s.deps.Archive.RecentJobs(r.Context(), limit)
	if err != nil {
		s.log.Warn("history read failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	if recs == nil {
		recs = []storage.JobRecord{}
	}
	writeJSON(w, http.StatusOK, map[string][]storage.JobRecord{"jobs": recs})
}
