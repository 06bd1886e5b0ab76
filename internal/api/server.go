package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/Spatial-NVR/SiteWatch/internal/dispatch"
	"github.com/Spatial-NVR/SiteWatch/internal/events"
	"github.com/Spatial-NVR/SiteWatch/internal/logging"
)

// Streams is the view of the dispatcher the API serves
type Streams interface {
	Streams() []dispatch.StreamInfo
	Domain(streamID string) (string, bool)
	Last(streamID string) (dispatch.Snapshot, bool)
	Cleanup(streamID string)
}

// EventStore is the view of the event service the API serves
type EventStore interface {
	List(ctx context.Context, opts events.ListOptions) ([]*events.Event, int, error)
	Get(ctx context.Context, id string) (*events.Event, error)
	Acknowledge(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	GetStats(ctx context.Context, streamID string) (*events.Stats, error)
}

// HealthCheck reports whether a dependency is usable
type HealthCheck func(ctx context.Context) error

// Deps are the services behind the API. Nil services disable their routes.
// Schema, when set, reports the event store schema version on /api/health.
type Deps struct {
	Streams     Streams
	Events      EventStore
	Logs        *logging.RingBuffer
	Hub         *Hub
	Metrics     http.Handler
	Checks      map[string]HealthCheck
	CORSOrigins []string
	Version     string
	Schema      func() int
}

// Server serves the SiteWatch HTTP API
type Server struct {
	deps   Deps
	logger *slog.Logger
}

// NewServer creates the API server
func NewServer(deps Deps) *Server {
	if deps.Version == "" {
		deps.Version = "dev"
	}
	return &Server{
		deps:   deps,
		logger: slog.Default().With("component", "api"),
	}
}

// Router builds the HTTP handler
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	origins := s.deps.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:*", "http://127.0.0.1:*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}
	if s.deps.Hub != nil {
		r.Get("/ws", s.deps.Hub.HandleWebSocket)
	}

	r.Route("/api", func(r chi.Router) {
		// The log stream is long lived, so it sits outside the timeout
		if s.deps.Logs != nil {
			r.Get("/logs/stream", s.handleLogStream)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Get("/health", s.handleHealth)

			if s.deps.Streams != nil {
				r.Get("/streams", s.handleListStreams)
				r.Get("/streams/{id}/verdict", s.handleGetVerdict)
				r.Post("/streams/{id}/reset", s.handleResetStream)
			}

			if s.deps.Events != nil {
				r.Get("/events", s.handleListEvents)
				r.Get("/events/stats", s.handleEventStats)
				r.Get("/events/{id}", s.handleGetEvent)
				r.Get("/events/{id}/snapshot", s.handleEventSnapshot)
				r.Post("/events/{id}/acknowledge", s.handleAcknowledgeEvent)
				r.Delete("/events/{id}", s.handleDeleteEvent)
			}

			if s.deps.Logs != nil {
				r.Get("/logs", s.handleGetLogs)
			}
		})
	})

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("Request served",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(s.deps.Checks))
	for name := range s.deps.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := "healthy"
	checks := make(map[string]string, len(names))
	for _, name := range names {
		if err := s.deps.Checks[name](r.Context()); err != nil {
			checks[name] = err.Error()
			status = "degraded"
			continue
		}
		checks[name] = "ok"
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	body := map[string]interface{}{
		"status":  status,
		"version": s.deps.Version,
		"checks":  checks,
	}
	if s.deps.Schema != nil {
		body["schema_version"] = s.deps.Schema()
	}
	JSON(w, code, body)
}

func (s *Server) handleListStreams(w http.ResponseWriter, r *http.Request) {
	OK(w, s.deps.Streams.Streams())
}

// streamParam validates the {id} path parameter and that the stream exists
func (s *Server) streamParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if err := ValidateStreamID(id); err != nil {
		BadRequest(w, err.Error())
		return "", false
	}
	if _, ok := s.deps.Streams.Domain(id); !ok {
		NotFound(w, fmt.Sprintf("stream not found: %s", id))
		return "", false
	}
	return id, true
}

func (s *Server) handleGetVerdict(w http.ResponseWriter, r *http.Request) {
	id, ok := s.streamParam(w, r)
	if !ok {
		return
	}
	snap, _ := s.deps.Streams.Last(id)
	if snap.StreamID == "" {
		// Configured but not evaluated yet
		domain, _ := s.deps.Streams.Domain(id)
		snap.StreamID = id
		snap.Domain = domain
	}
	OK(w, snap)
}

func (s *Server) handleResetStream(w http.ResponseWriter, r *http.Request) {
	id, ok := s.streamParam(w, r)
	if !ok {
		return
	}
	s.deps.Streams.Cleanup(id)
	s.logger.Info("Stream state reset", "stream", id)
	NoContent(w)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	opts, errs := ParseEventQuery(r.URL.Query())
	if errs.HasErrors() {
		ValidationErrorResponse(w, errs)
		return
	}

	list, total, err := s.deps.Events.List(r.Context(), opts)
	if err != nil {
		s.logger.Error("Failed to list events", "error", err)
		InternalError(w, "failed to list events")
		return
	}
	List(w, list, total, opts.Limit, opts.Offset)
}

func (s *Server) handleEventStats(w http.ResponseWriter, r *http.Request) {
	stream := r.URL.Query().Get("stream")
	if stream != "" {
		if err := ValidateStreamID(stream); err != nil {
			BadRequest(w, err.Error())
			return
		}
	}
	stats, err := s.deps.Events.GetStats(r.Context(), stream)
	if err != nil {
		s.logger.Error("Failed to get event stats", "error", err)
		InternalError(w, "failed to get event stats")
		return
	}
	OK(w, stats)
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	event, err := s.deps.Events.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.eventError(w, err)
		return
	}
	OK(w, event)
}

func (s *Server) handleEventSnapshot(w http.ResponseWriter, r *http.Request) {
	event, err := s.deps.Events.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.eventError(w, err)
		return
	}
	if event.ThumbnailPath == "" {
		NotFound(w, "event has no snapshot")
		return
	}
	if _, err := os.Stat(event.ThumbnailPath); err != nil {
		NotFound(w, "snapshot file missing")
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	http.ServeFile(w, r, event.ThumbnailPath)
}

func (s *Server) handleAcknowledgeEvent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Events.Acknowledge(r.Context(), id); err != nil {
		s.eventError(w, err)
		return
	}
	event, err := s.deps.Events.Get(r.Context(), id)
	if err != nil {
		s.eventError(w, err)
		return
	}
	OK(w, event)
}

func (s *Server) handleDeleteEvent(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Events.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.eventError(w, err)
		return
	}
	NoContent(w)
}

func (s *Server) eventError(w http.ResponseWriter, err error) {
	if errors.Is(err, events.ErrNotFound) {
		NotFound(w, err.Error())
		return
	}
	s.logger.Error("Event request failed", "error", err)
	InternalError(w, "event request failed")
}

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	q, errs := ParseLogQuery(r.URL.Query())
	if errs.HasErrors() {
		ValidationErrorResponse(w, errs)
		return
	}
	OK(w, s.deps.Logs.Recent(q))
}

// handleLogStream streams new log entries as server-sent events
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		InternalError(w, "streaming not supported")
		return
	}
	q, errs := ParseLogQuery(r.URL.Query())
	if errs.HasErrors() {
		ValidationErrorResponse(w, errs)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.deps.Logs.Subscribe()
	defer s.deps.Logs.Unsubscribe(ch)

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case entry := <-ch:
			if q.Component != "" && entry.Component != q.Component {
				continue
			}
			if logging.ParseLevel(entry.Level) < q.MinLevel {
				continue
			}
			data, err := json.Marshal(entry)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}
