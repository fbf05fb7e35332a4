// Package api serves capture intake and flag reporting over HTTP.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/peace-maker/anthill/internal/eventbus"
	"github.com/peace-maker/anthill/internal/flagstore"
	"github.com/peace-maker/anthill/internal/types"
)

const (
	maxBodyBytes      = 1 << 20
	defaultEventLimit = 100
)

// Engine is the subset of engine.Engine the API needs.
type Engine interface {
	Capture(ctx context.Context, c types.Capture) (types.Flag, bool, error)
	Statistics() types.Statistics
	Flags(state *types.State) []types.Flag
	Flag(value string) (types.Flag, error)
	Occurrences(value string) ([]types.Occurrence, error)
}

// Config captures the inputs required to build the API handler.
type Config struct {
	Engine Engine
	// Events backs GET /api/events. The route answers 404 when nil.
	Events         *eventbus.Recorder
	AllowedOrigins []string
	Logger         *slog.Logger
	// RequireTeam rejects captures without target_team_id. Set it whenever
	// an own or NOP team is configured, since a missing team decodes as 0.
	RequireTeam bool
}

type server struct {
	engine      Engine
	events      *eventbus.Recorder
	log         *slog.Logger
	requireTeam bool
}

// NewHandler constructs the router.
func NewHandler(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("api: engine is required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	s := &server{engine: cfg.Engine, events: cfg.Events, log: log, requireTeam: cfg.RequireTeam}

	r := chi.NewRouter()
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type"},
			MaxAge:         300,
		}))
	}
	r.Get("/healthz", s.healthz)
	r.Route("/api", func(r chi.Router) {
		r.Post("/captures", s.postCaptures)
		r.Get("/flags", s.listFlags)
		r.Get("/flags/stats", s.stats)
		r.Get("/flags/{value}", s.getFlag)
		r.Get("/flags/{value}/occurrences", s.getOccurrences)
		r.Get("/events", s.listEvents)
	})
	return r, nil
}

func (s *server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// captureRequest tells an absent target_team_id apart from team 0.
type captureRequest struct {
	types.Capture
	TargetTeamID *int `json:"target_team_id"`
}

type captureResult struct {
	Flag  *types.Flag `json:"flag,omitempty"`
	New   bool        `json:"new"`
	Error string      `json:"error,omitempty"`
}

// postCaptures accepts one capture object or an array of them. A single
// malformed capture is a 400; in an array each item reports on its own.
func (s *server) postCaptures(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		WriteJSONError(w, http.StatusBadRequest, "read body", err.Error())
		return
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		WriteJSONError(w, http.StatusBadRequest, "empty body", "")
		return
	}

	if trimmed[0] != '[' {
		var c captureRequest
		if err := json.Unmarshal(trimmed, &c); err != nil {
			WriteJSONError(w, http.StatusBadRequest, "decode capture", err.Error())
			return
		}
		res, status := s.capture(r.Context(), c)
		writeJSON(w, status, res)
		return
	}

	var batch []captureRequest
	if err := json.Unmarshal(trimmed, &batch); err != nil {
		WriteJSONError(w, http.StatusBadRequest, "decode captures", err.Error())
		return
	}
	results := make([]captureResult, len(batch))
	for i, c := range batch {
		results[i], _ = s.capture(r.Context(), c)
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *server) capture(ctx context.Context, req captureRequest) (captureResult, int) {
	c := req.Capture
	if req.TargetTeamID != nil {
		c.TargetTeamID = *req.TargetTeamID
	} else if s.requireTeam {
		return captureResult{Error: "target_team_id is required"}, http.StatusBadRequest
	}
	f, isNew, err := s.engine.Capture(ctx, c)
	switch {
	case errors.Is(err, flagstore.ErrMalformedFlag):
		return captureResult{Error: err.Error()}, http.StatusBadRequest
	case err != nil:
		s.log.Error("capture failed", "flag", c.Flag, "run", c.RunID, "error", err)
		return captureResult{Error: err.Error()}, http.StatusInternalServerError
	}
	status := http.StatusOK
	if isNew {
		status = http.StatusCreated
	}
	return captureResult{Flag: &f, New: isNew}, status
}

func (s *server) listFlags(w http.ResponseWriter, r *http.Request) {
	var filter *types.State
	if raw := r.URL.Query().Get("state"); raw != "" {
		st, err := types.ParseState(raw)
		if err != nil {
			WriteJSONError(w, http.StatusBadRequest, "invalid state", err.Error())
			return
		}
		filter = &st
	}
	flags := s.engine.Flags(filter)
	if limit, err := parseLimit(r, 0); err != nil {
		WriteJSONError(w, http.StatusBadRequest, "invalid limit", err.Error())
		return
	} else if limit > 0 && len(flags) > limit {
		flags = flags[:limit]
	}
	writeJSON(w, http.StatusOK, flags)
}

func (s *server) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Statistics())
}

func (s *server) getFlag(w http.ResponseWriter, r *http.Request) {
	f, err := s.engine.Flag(flagParam(r))
	if err != nil {
		s.lookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *server) getOccurrences(w http.ResponseWriter, r *http.Request) {
	occs, err := s.engine.Occurrences(flagParam(r))
	if err != nil {
		s.lookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, occs)
}

// flagParam returns the decoded {value} segment. chi matches on the raw
// path when the request carried escapes, and flags often contain braces.
func flagParam(r *http.Request) string {
	raw := chi.URLParam(r, "value")
	if v, err := url.PathUnescape(raw); err == nil {
		return v
	}
	return raw
}

func (s *server) lookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, flagstore.ErrNotFound) {
		WriteJSONError(w, http.StatusNotFound, "flag not found", err.Error())
		return
	}
	WriteJSONError(w, http.StatusInternalServerError, "lookup failed", err.Error())
}

func (s *server) listEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		WriteJSONError(w, http.StatusNotFound, "event recording disabled", "")
		return
	}
	limit, err := parseLimit(r, defaultEventLimit)
	if err != nil {
		WriteJSONError(w, http.StatusBadRequest, "invalid limit", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.events.Recent(limit))
}

func parseLimit(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("limit must be a non-negative integer, got %q", raw)
	}
	return n, nil
}

// Serve runs srv until ctx is cancelled, then shuts it down with grace.
func Serve(ctx context.Context, srv *http.Server, grace time.Duration) error {
	errc := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
			return
		}
		errc <- nil
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	return <-errc
}
