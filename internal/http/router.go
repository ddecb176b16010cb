// Package http serves the REST API: recording uploads, call search and
// review, reference data, alias import and live call events over SSE and
// WebSocket.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"radio-transcription-service/internal/app"
	"radio-transcription-service/internal/events"
	"radio-transcription-service/internal/models"
	"radio-transcription-service/internal/observability/logging"
	"radio-transcription-service/internal/service/audio"
	"radio-transcription-service/internal/service/audio/wav"
	"radio-transcription-service/internal/service/calls"
	"radio-transcription-service/internal/service/dispatch"
	"radio-transcription-service/internal/service/reference"
	"radio-transcription-service/internal/store"
)

// CallService is the calls API backend.
type CallService interface {
	GetCall(ctx context.Context, id int64) (*models.Call, error)
	PatchCall(ctx context.Context, id int64, patch calls.CallPatch) (*models.Call, error)
	SearchCalls(ctx context.Context, p calls.SearchParams) (*calls.Page, error)
}

// ReferenceService is the systems, talkgroups and units backend.
type ReferenceService interface {
	ListSystems(ctx context.Context) ([]models.System, error)
	ResolveSystem(ctx context.Context, name string, description *string) (int64, error)
	ListTalkgroups(ctx context.Context, systemID int64) ([]models.Talkgroup, error)
	ListUnits(ctx context.Context, systemID int64) ([]models.RadioUnit, error)
	ImportTalkgroupAliases(ctx context.Context, systemID int64, aliases map[int]string) (reference.ImportResult, error)
}

// FileSubmitter queues a finished recording for transcription.
type FileSubmitter interface {
	SubmitFile(ctx context.Context, source, path string, hints dispatch.Hints) (*dispatch.Request, error)
}

// Subscriber hands out live event subscriptions.
type Subscriber interface {
	Subscribe(ctx context.Context) *events.Subscription
}

// Deps are the collaborators of the router. Ready may be nil.
type Deps struct {
	App       *app.Application
	Calls     CallService
	Reference ReferenceService
	Files     FileSubmitter
	Events    Subscriber
	Ready     func(ctx context.Context) error

	UploadDir      string
	MaxUploadBytes int64
	DefaultSystem  string
}

type handler struct {
	Deps
	logger zerolog.Logger
}

// NewRouter constructs the HTTP router for the service.
func NewRouter(d Deps) http.Handler {
	if d.MaxUploadBytes <= 0 {
		d.MaxUploadBytes = 64 << 20
	}
	if d.DefaultSystem == "" {
		d.DefaultSystem = "default"
	}
	h := &handler{Deps: d, logger: logging.WithComponent("http")}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)

	// Health endpoints
	r.Get("/v1/liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/v1/readiness", h.readiness)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/transcribe", h.transcribe)

		r.Get("/calls", h.searchCalls)
		r.Get("/calls/{id}", h.getCall)
		r.Patch("/calls/{id}", h.patchCall)

		r.Get("/systems", h.listSystems)
		r.Post("/systems", h.createSystem)
		r.Get("/talkgroups", h.listTalkgroups)
		r.Get("/units", h.listUnits)

		r.Get("/transcription/events", h.sse)
		r.Get("/transcription/ws", h.ws)
	})

	r.Post("/internal/ingest", h.ingestAliases)

	return r
}

func (h *handler) readiness(w http.ResponseWriter, r *http.Request) {
	if h.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Ready(ctx); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (h *handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.logger.Debug().
			Str("requestId", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// fail maps service errors to status codes. Unknown errors are logged and
// hidden behind a 500.
func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, calls.ErrInvalidPatch), errors.Is(err, reference.ErrEmptySystemName),
		errors.Is(err, reference.ErrInvalidXML), errors.Is(err, errBadRequest),
		errors.Is(err, audio.ErrUnsupportedFile), errors.Is(err, wav.ErrNotWAV),
		errors.Is(err, wav.ErrNotPCM), errors.Is(err, wav.ErrMissingDataTag):
		status = http.StatusBadRequest
	case errors.Is(err, reference.ErrNoTalkgroups):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, dispatch.ErrAlreadyInFlight):
		status = http.StatusConflict
	case errors.Is(err, dispatch.ErrQueueFull), errors.Is(err, dispatch.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		h.logger.Error().Err(err).
			Str("requestId", middleware.GetReqID(r.Context())).
			Str("path", r.URL.Path).
			Msg("Request failed")
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

var errBadRequest = errors.New("bad request")

func decodeJSON(r io.Reader, v any) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: decode body: %v", errBadRequest, err)
	}
	return nil
}
