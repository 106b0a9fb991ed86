package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/conduit/internal/control"
	"github.com/mattjoyce/conduit/internal/engine"
	"github.com/mattjoyce/conduit/internal/pipeline"
	"github.com/mattjoyce/conduit/internal/plan"
	"github.com/mattjoyce/conduit/internal/runstore"
	"github.com/mattjoyce/conduit/internal/trigger"
)

const maxRequestBody = 1 << 20

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Projects:      len(s.ctl.Projects()),
	})
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{"projects": s.ctl.Projects()})
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	project := chi.URLParam(r, "project")
	req, ok := s.decodeTrigger(w, r)
	if !ok {
		return
	}

	run, err := s.ctl.Trigger(r.Context(), project, req.context())
	if errors.Is(err, plan.ErrPipelineFiltered) {
		s.respondJSON(w, http.StatusOK, TriggerResponse{
			Status:  statusFiltered,
			Project: project,
			Reason:  err.Error(),
		})
		return
	}
	if err != nil {
		s.writeControlError(w, err)
		return
	}

	s.logger.Info("pipeline triggered", "project", project, "pipeline_id", run.ID, "ref", run.Ref)
	s.respondJSON(w, http.StatusCreated, TriggerResponse{
		PipelineID: run.ID,
		Status:     run.Status,
		Project:    run.Project,
		Ref:        run.Ref,
	})
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	project := chi.URLParam(r, "project")
	req, ok := s.decodeTrigger(w, r)
	if !ok {
		return
	}

	pl, err := s.ctl.Plan(r.Context(), project, req.context(), plan.Options{IgnoreWorkflow: req.IgnoreWorkflow})
	if errors.Is(err, plan.ErrPipelineFiltered) {
		s.respondJSON(w, http.StatusOK, TriggerResponse{
			Status:  statusFiltered,
			Project: project,
			Reason:  err.Error(),
		})
		return
	}
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, pl)
}

func (s *Server) decodeTrigger(w http.ResponseWriter, r *http.Request) (TriggerRequest, bool) {
	var req TriggerRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return req, false
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
			return req, false
		}
	}
	if req.Source != "" && !req.Source.Valid() {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown source %q", req.Source))
		return req, false
	}
	return req, true
}

func (s *Server) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := runstore.RunFilter{
		Project: q.Get("project"),
		Ref:     q.Get("ref"),
		Limit:   50,
	}
	if v := q.Get("status"); v != "" {
		for _, st := range strings.Split(v, ",") {
			filter.Status = append(filter.Status, runstore.PipelineStatus(strings.TrimSpace(st)))
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = min(n, 500)
	}

	runs, err := s.ctl.Runs(r.Context(), filter)
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	if runs == nil {
		runs = []runstore.Run{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"pipelines": runs})
}

func (s *Server) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := s.ctl.Run(r.Context(), id)
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	jobs, err := s.ctl.Jobs(r.Context(), id)
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, PipelineResponse{Run: run, Jobs: jobs})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.ctl.Jobs(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleListAttempts(w http.ResponseWriter, r *http.Request) {
	attempts, err := s.ctl.Attempts(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "job"))
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"attempts": attempts})
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	manifests, err := s.ctl.Artifacts(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"artifacts": manifests})
}

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	reports, err := s.ctl.Reports(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"reports": reports})
}

func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	id, job := chi.URLParam(r, "id"), chi.URLParam(r, "job")
	if err := s.ctl.Play(r.Context(), id, job); err != nil {
		s.writeControlError(w, err)
		return
	}
	s.logger.Info("manual job played", "pipeline_id", id, "job", job)
	s.respondJSON(w, http.StatusAccepted, map[string]string{"pipeline_id": id, "job": job, "status": "played"})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.ctl.Cancel(r.Context(), id); err != nil {
		s.writeControlError(w, err)
		return
	}
	s.logger.Info("pipeline cancel requested", "pipeline_id", id)
	s.respondJSON(w, http.StatusAccepted, map[string]string{"pipeline_id": id, "status": "canceling"})
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, buildOpenAPIDoc(s.ctl.Projects()))
}

// writeControlError maps control-plane errors onto HTTP status codes.
func (s *Server) writeControlError(w http.ResponseWriter, err error) {
	var verr *pipeline.ValidationError
	switch {
	case errors.Is(err, control.ErrUnknownProject),
		errors.Is(err, runstore.ErrRunNotFound),
		errors.Is(err, runstore.ErrJobNotFound),
		errors.Is(err, engine.ErrUnknownJob):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrJobNotPlayable),
		errors.Is(err, engine.ErrRunFinished),
		errors.Is(err, control.ErrRunNotActive):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, trigger.ErrRefConflict),
		errors.Is(err, trigger.ErrRefMissing),
		errors.As(err, &verr):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrEngineClosed):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.respondJSON(w, code, ErrorResponse{Error: msg})
}

func (s *Server) respondJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}
