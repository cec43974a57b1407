package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kmorrow/rivalscope/internal/artifact"
	"github.com/kmorrow/rivalscope/internal/evidence"
	"github.com/kmorrow/rivalscope/internal/report"
	"github.com/kmorrow/rivalscope/internal/runner"
	"github.com/kmorrow/rivalscope/internal/store"
)

type PDFRenderer interface {
	Render(ctx context.Context, htmlDoc string) ([]byte, error)
}

type Server struct {
	store    *store.Store
	pipeline *runner.Pipeline
	pdf      PDFRenderer
	tracker  *runTracker
}

func NewServer(st *store.Store, pipeline *runner.Pipeline, pdf PDFRenderer) http.Handler {
	s := &Server{store: st, pipeline: pipeline, pdf: pdf, tracker: newRunTracker()}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/projects", s.handleProjects)
	mux.HandleFunc("/v1/competitors", s.handleCompetitors)
	mux.HandleFunc("/v1/evidence", s.handleEvidence)
	mux.HandleFunc("/v1/profiles", s.handleProfiles)
	mux.HandleFunc("/v1/runs", s.handleRuns)
	mux.HandleFunc("/v1/runs/observe", s.handleObserve)
	mux.HandleFunc("/v1/artifacts", s.handleArtifacts)
	mux.HandleFunc("/v1/artifacts/latest", s.handleLatestArtifact)
	mux.HandleFunc("/v1/report", s.handleReport)
	mux.HandleFunc("/v1/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"ok":    false,
		"error": map[string]any{"code": code, "message": message},
	})
}

func writeRunError(w http.ResponseWriter, err error) {
	var re *runner.RunError
	if errors.As(err, &re) {
		status := http.StatusUnprocessableEntity
		switch re.Code {
		case runner.CodeProjectNotFound:
			status = http.StatusNotFound
		case runner.CodeUnexpected:
			status = http.StatusInternalServerError
		}
		writeError(w, status, re.Code, re.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, runner.CodeUnexpected, err.Error())
}

func methodOnly(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func decodeBody(r *http.Request, dst any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(dst)
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req store.Project
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
			return
		}
		if strings.TrimSpace(req.Name) == "" {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "name is required")
			return
		}
		req.ID = ""
		p, err := s.store.CreateProject(r.Context(), req)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, p)
	case http.MethodGet:
		id := strings.TrimSpace(r.URL.Query().Get("project_id"))
		p, err := s.store.GetProject(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, runner.CodeProjectNotFound, "project not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, p)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleCompetitors(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req store.Competitor
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
			return
		}
		if req.ProjectID == "" || strings.TrimSpace(req.Name) == "" {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "project_id and name are required")
			return
		}
		req.ID = ""
		c, err := s.store.CreateCompetitor(r.Context(), req)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, c)
	case http.MethodGet:
		list, err := s.store.ListCompetitors(r.Context(), r.URL.Query().Get("project_id"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"competitors": list})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

type evidenceIngest struct {
	ProjectID string          `json:"project_id"`
	Items     []evidence.Item `json:"items"`
}

func (s *Server) handleEvidence(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req evidenceIngest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
			return
		}
		if req.ProjectID == "" || len(req.Items) == 0 {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "project_id and items are required")
			return
		}
		saved := make([]evidence.Item, 0, len(req.Items))
		for _, it := range req.Items {
			stored, err := s.store.AddEvidenceItem(r.Context(), req.ProjectID, it)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
				return
			}
			saved = append(saved, stored)
		}
		writeJSON(w, http.StatusCreated, map[string]any{"items": saved})
	case http.MethodGet:
		items, err := s.store.ListEvidenceItems(r.Context(), r.URL.Query().Get("project_id"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

type profilesIngest struct {
	ProjectID string                        `json:"project_id"`
	Snapshots []artifact.CompetitorSnapshot `json:"snapshots"`
}

// handleProfiles ingests the competitor_profiles artifact an upstream
// collection step produces. The pipeline refuses to run without one.
func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodPost) {
		return
	}
	var req profilesIngest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if req.ProjectID == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "project_id is required")
		return
	}
	doc := artifact.CompetitorProfilesArtifact{
		Meta: artifact.Meta{
			GeneratedAt:   time.Now().UTC(),
			SchemaVersion: "competitor_profiles_v1.0",
		},
		Snapshots: req.Snapshots,
	}
	body, err := json.Marshal(doc)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	a, err := s.store.CreateArtifact(r.Context(), store.Artifact{
		ProjectID:     req.ProjectID,
		Type:          string(artifact.TypeCompetitorProfiles),
		SchemaVersion: doc.Meta.SchemaVersion,
		ContentJSON:   string(body),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

type runRequest struct {
	ProjectID string `json:"project_id"`
	Wait      bool   `json:"wait"`

	// Deterministic selects the rule-based candidate path, which builds
	// one opportunities artifact without any model calls.
	Deterministic bool `json:"deterministic"`
}

// handleRuns starts a pipeline run. With wait=true the call blocks until
// the run finishes; otherwise it returns an observe handle immediately
// and the run proceeds in the background.
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodPost) {
		return
	}
	var req runRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if req.ProjectID == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "project_id is required")
		return
	}

	if req.Wait {
		if req.Deterministic {
			res, err := s.pipeline.RunDeterministic(r.Context(), req.ProjectID, nil)
			if err != nil {
				writeRunError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"run_id":       res.RunID,
				"artifact_ids": []string{res.ArtifactID},
				"signals":      res.Signals,
			})
			return
		}
		res, err := s.pipeline.Run(r.Context(), req.ProjectID, nil)
		if err != nil {
			writeRunError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"run_id":       res.RunID,
			"artifact_ids": res.ArtifactIDs,
			"signals":      res.Signals,
		})
		return
	}

	handle := "obs-" + uuid.NewString()
	s.tracker.start(handle)
	go func() {
		progress := func(state, message string) {
			s.tracker.append(handle, runEvent{State: state, Message: message})
		}
		var runID string
		var err error
		if req.Deterministic {
			var res runner.CandidateRunResult
			res, err = s.pipeline.RunDeterministic(context.Background(), req.ProjectID, progress)
			runID = res.RunID
		} else {
			var res runner.RunResult
			res, err = s.pipeline.Run(context.Background(), req.ProjectID, progress)
			runID = res.RunID
		}
		if err != nil {
			var re *runner.RunError
			code := runner.CodeUnexpected
			if errors.As(err, &re) {
				code = re.Code
			}
			s.tracker.append(handle, runEvent{State: "failed", Message: err.Error(), Done: true, Error: err.Error(), Code: code})
			return
		}
		s.tracker.append(handle, runEvent{State: "done", Message: "run complete", Done: true, RunID: runID})
	}()
	writeJSON(w, http.StatusAccepted, map[string]any{"observe_id": handle})
}

func (s *Server) handleObserve(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodGet) {
		return
	}
	handle := strings.TrimSpace(r.URL.Query().Get("observe_id"))
	if !s.tracker.known(handle) {
		writeError(w, http.StatusNotFound, "UNKNOWN_RUN", "no run with that observe_id")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	bw := bufio.NewWriter(w)
	ctx := r.Context()
	cursor := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		events, next := s.tracker.since(handle, cursor, 1*time.Second)
		if len(events) == 0 {
			if _, err := bw.WriteString(": keep-alive\n\n"); err != nil {
				return
			}
			if err := bw.Flush(); err != nil {
				return
			}
			flusher.Flush()
			continue
		}
		for _, evt := range events {
			blob, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			if _, err := bw.WriteString(fmt.Sprintf("id: %d\nevent: progress\ndata: ", evt.ID)); err != nil {
				return
			}
			if _, err := bw.Write(blob); err != nil {
				return
			}
			if _, err := bw.WriteString("\n\n"); err != nil {
				return
			}
		}
		if err := bw.Flush(); err != nil {
			return
		}
		flusher.Flush()
		cursor = next

		if events[len(events)-1].Done {
			return
		}
	}
}

// handleArtifacts lists a project's artifacts newest-first, or fetches
// one by id when artifact_id is given.
func (s *Server) handleArtifacts(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodGet) {
		return
	}
	if id := strings.TrimSpace(r.URL.Query().Get("artifact_id")); id != "" {
		a, err := s.store.GetArtifact(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "no artifact with that id")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, a)
		return
	}
	list, err := s.store.ListArtifacts(r.Context(), r.URL.Query().Get("project_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"artifacts": list})
}

func (s *Server) handleLatestArtifact(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodGet) {
		return
	}
	a, err := s.store.LatestArtifact(r.Context(), r.URL.Query().Get("project_id"), r.URL.Query().Get("type"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no artifact of that type")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// handleReport assembles the latest artifact of each kind into a readout
// and renders it as markdown, HTML, or PDF.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodGet) {
		return
	}
	projectID := r.URL.Query().Get("project_id")
	proj, err := s.store.GetProject(r.Context(), projectID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, runner.CodeProjectNotFound, "project not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}

	readout := report.Readout{ProjectName: proj.Name}
	if err := s.loadLatest(r.Context(), projectID, artifact.TypeOpportunities, &readout.Opportunities); err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no opportunities artifact; run the pipeline first")
		return
	}
	// Sibling artifacts are optional in the readout; a missing one just
	// leaves its section empty.
	_ = s.loadLatest(r.Context(), projectID, artifact.TypeJTBD, &readout.JTBD)
	_ = s.loadLatest(r.Context(), projectID, artifact.TypeScorecard, &readout.Scorecard)
	_ = s.loadLatest(r.Context(), projectID, artifact.TypeStrategicBets, &readout.StrategicBets)

	markdown := report.BuildMarkdown(readout)
	switch r.URL.Query().Get("format") {
	case "", "md", "markdown":
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		_, _ = w.Write([]byte(markdown))
	case "html":
		htmlDoc, err := report.RenderHTML(markdown)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(htmlDoc))
	case "pdf":
		if s.pdf == nil {
			writeError(w, http.StatusNotImplemented, "PDF_UNAVAILABLE", "pdf rendering is not configured")
			return
		}
		htmlDoc, err := report.RenderHTML(markdown)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
			return
		}
		pdf, err := s.pdf.Render(r.Context(), htmlDoc)
		if err != nil {
			log.Printf("rivalscope pdf_render_error project=%s err=%q", projectID, err.Error())
			writeError(w, http.StatusInternalServerError, "PDF_RENDER_FAILED", err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write(pdf)
	default:
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "format must be md, html, or pdf")
	}
}

func (s *Server) loadLatest(ctx context.Context, projectID string, typ artifact.Type, dst any) error {
	a, err := s.store.LatestArtifact(ctx, projectID, string(typ))
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(a.ContentJSON), dst)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "pipeline": artifact.PipelineVersion})
}
