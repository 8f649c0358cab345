// Package api exposes the accessioner over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"accessioning/domain/core"
	"accessioning/domain/variant"
	"accessioning/internal/container"
	apperrors "accessioning/internal/errors"
	"accessioning/internal/ingest"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

// MaxBatch bounds the submissions accepted by one request
const MaxBatch = 1000

const shutdownTimeout = 10 * time.Second

// Server serves the accession API
type Server struct {
	router    *chi.Mux
	container *container.Container
	pipeline  *ingest.Pipeline
	log       logrus.FieldLogger
}

// NewServer creates a server over the container's services
func NewServer(c *container.Container) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		container: c,
		pipeline:  ingest.NewPipeline(c.Renormalizer, c.SubmittedVariants, c.Linker, MaxBatch, c.Log),
		log:       c.Log.WithField("component", "api"),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// setupMiddleware configures HTTP middleware
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)

	s.router.Route("/v1/submitted-variants", func(r chi.Router) {
		r.Post("/", s.handleSubmit)
		r.Get("/{accession}", s.handleGetSubmitted)
		r.Post("/{accession}/decluster", s.handleDecluster)
		r.Post("/{accession}/deprecate", s.handleDeprecateSubmitted)
	})

	s.router.Route("/v1/clustered-variants", func(r chi.Router) {
		r.Get("/{accession}", s.handleGetClustered)
		r.Get("/{accession}/qc", s.handleCheckCluster)
		r.Post("/{accession}/merge", s.handleMergeClustered)
	})
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves on addr until ctx is cancelled, then drains in-flight
// requests
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("starting accession API server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.log.Info("shutting down accession API server")
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.container.DB != nil {
		if err := s.container.DB.PingContext(r.Context()); err != nil {
			s.writeError(w, r, apperrors.DatabaseError("database unreachable", err))
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type submitResponse struct {
	Accessions []submitResult `json:"accessions"`
	Linked     int            `json:"linked"`
}

type submitResult struct {
	Accession core.Accession `json:"accession"`
	Hash      core.Hash      `json:"hash"`
	IsNew     bool           `json:"isNew"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var raw []json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		s.writeError(w, r, apperrors.InvalidInput("request body must be a JSON array of submitted variants"))
		return
	}
	if len(raw) == 0 || len(raw) > MaxBatch {
		s.writeError(w, r, apperrors.InvalidInput("request must carry between 1 and 1000 submitted variants"))
		return
	}

	items := make([]variant.SubmittedVariant, len(raw))
	for i, msg := range raw {
		sv := variant.SubmittedVariant{SupportedByEvidence: true, AssemblyMatch: true, AllelesMatch: true}
		if err := json.Unmarshal(msg, &sv); err != nil {
			s.writeError(w, r, apperrors.Wrapf(apperrors.InvalidInput(err.Error()), "item %d", i))
			return
		}
		prepared, err := s.pipeline.Prepare(r.Context(), sv)
		if err != nil {
			s.writeError(w, r, apperrors.Wrapf(err, "item %d", i))
			return
		}
		items[i] = prepared
	}

	out, linked, err := s.pipeline.Submit(r.Context(), items)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := submitResponse{Accessions: make([]submitResult, len(out)), Linked: linked.Linked}
	for i, wr := range out {
		resp.Accessions[i] = submitResult{Accession: wr.Accession, Hash: wr.Hash, IsNew: wr.IsNew}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetSubmitted(w http.ResponseWriter, r *http.Request) {
	accession, ok := s.accessionParam(w, r)
	if !ok {
		return
	}
	resolved, err := s.container.SubmittedVariants.Get(r.Context(), accession)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resolved)
}

func (s *Server) handleGetClustered(w http.ResponseWriter, r *http.Request) {
	accession, ok := s.accessionParam(w, r)
	if !ok {
		return
	}
	resolved, err := s.container.ClusteredVariants.Get(r.Context(), accession)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resolved)
}

func (s *Server) handleDecluster(w http.ResponseWriter, r *http.Request) {
	accession, ok := s.accessionParam(w, r)
	if !ok {
		return
	}
	decision, err := s.container.Decluster.Decluster(r.Context(), accession)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleCheckCluster(w http.ResponseWriter, r *http.Request) {
	accession, ok := s.accessionParam(w, r)
	if !ok {
		return
	}
	finding, err := s.container.Detector.Check(r.Context(), accession)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, finding)
}

type retireRequest struct {
	Into   core.Accession `json:"into"`
	Reason string         `json:"reason"`
}

func (s *Server) handleDeprecateSubmitted(w http.ResponseWriter, r *http.Request) {
	accession, ok := s.accessionParam(w, r)
	if !ok {
		return
	}
	var req retireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Reason == "" {
		s.writeError(w, r, apperrors.InvalidInput("a reason is required"))
		return
	}
	if err := s.container.SubmittedVariants.Deprecate(r.Context(), accession, req.Reason); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMergeClustered(w http.ResponseWriter, r *http.Request) {
	accession, ok := s.accessionParam(w, r)
	if !ok {
		return
	}
	var req retireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Into <= 0 || req.Reason == "" {
		s.writeError(w, r, apperrors.InvalidInput("a target accession and a reason are required"))
		return
	}
	if err := s.container.ClusteredVariants.Merge(r.Context(), accession, req.Into, req.Reason); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) accessionParam(w http.ResponseWriter, r *http.Request) (core.Accession, bool) {
	accession, err := core.ParseAccession(chi.URLParam(r, "accession"))
	if err != nil {
		s.writeError(w, r, apperrors.InvalidInput(err.Error()))
		return 0, false
	}
	return accession, true
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperrors.GetCode(err)
	status := apperrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.log.WithFields(logrus.Fields{
			"request_id": middleware.GetReqID(r.Context()),
			"code":       code,
		}).WithError(err).Error("request failed")
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: code})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
