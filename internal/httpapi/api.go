// Package httpapi exposes a [host.Host] over HTTP and WebSocket.
//
// Routes:
//
//	POST   /v1/sessions               create a session, returns its descriptor
//	GET    /v1/sessions               list live sessions
//	POST   /v1/sessions/{id}/commands send one command
//	DELETE /v1/sessions/{id}          destroy a session
//	GET    /v1/sessions/{id}/stream   WebSocket event stream and command input
//	DELETE /v1/memory/{key}           forget a conversation memory key
//
// Failures are answered with {"error":{"code","message","status"}}.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/MrWong99/voicebff/internal/broadcast"
	"github.com/MrWong99/voicebff/internal/host"
	"github.com/MrWong99/voicebff/internal/observe"
)

const (
	// maxBodyBytes caps JSON request bodies. Audio chunks are base64 so this
	// is well above a typical 100ms frame.
	maxBodyBytes = 4 << 20

	defaultStreamBuffer = 256
	defaultWriteTimeout = 5 * time.Second
)

// Error codes produced by the boundary itself rather than the host.
const (
	CodeTooManySubscribers = "too_many_subscribers"
	CodeInternal           = "internal_error"
	CodeInvalidRequest     = "invalid_request"
)

// API serves the session endpoints. It holds no session state of its own.
type API struct {
	host         *host.Host
	log          *slog.Logger
	origins      []string
	streamBuffer int
	writeTimeout time.Duration
}

// Option configures an [API].
type Option func(*API)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *API) {
		if l != nil {
			a.log = l
		}
	}
}

// WithAllowedOrigins sets the origin patterns accepted for WebSocket
// upgrades, e.g. "app.example.com" or "*.example.com". Same-origin requests
// are always accepted.
func WithAllowedOrigins(patterns ...string) Option {
	return func(a *API) { a.origins = append(a.origins, patterns...) }
}

// WithStreamBuffer sets how many messages may queue per stream before the
// socket is closed as too slow.
func WithStreamBuffer(n int) Option {
	return func(a *API) {
		if n > 0 {
			a.streamBuffer = n
		}
	}
}

// WithWriteTimeout bounds a single WebSocket write.
func WithWriteTimeout(d time.Duration) Option {
	return func(a *API) {
		if d > 0 {
			a.writeTimeout = d
		}
	}
}

// New returns an API backed by h.
func New(h *host.Host, opts ...Option) *API {
	a := &API{
		host:         h,
		log:          slog.Default(),
		streamBuffer: defaultStreamBuffer,
		writeTimeout: defaultWriteTimeout,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Register adds the API routes to mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/sessions", a.handleCreate)
	mux.HandleFunc("GET /v1/sessions", a.handleList)
	mux.HandleFunc("POST /v1/sessions/{id}/commands", a.handleCommand)
	mux.HandleFunc("DELETE /v1/sessions/{id}", a.handleDestroy)
	mux.HandleFunc("GET /v1/sessions/{id}/stream", a.handleStream)
	mux.HandleFunc("DELETE /v1/memory/{key}", a.handleResetMemory)
}

// ── Handlers ────────────────────────────────────────────────────────────────

func (a *API) handleCreate(w http.ResponseWriter, r *http.Request) {
	var opts host.CreateOptions
	body, err := readBody(w, r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &opts); err != nil {
			a.writeError(w, r, &host.Error{
				Code:    CodeInvalidRequest,
				Status:  http.StatusBadRequest,
				Message: "request body is not a valid session request",
				Err:     err,
			})
			return
		}
	}

	desc, err := a.host.CreateSession(r.Context(), opts)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, desc)
}

type listResponse struct {
	Sessions []host.Info `json:"sessions"`
}

func (a *API) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, listResponse{Sessions: a.host.Sessions()})
}

type commandResponse struct {
	Status string `json:"status"`
}

func (a *API) handleCommand(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	cmd, err := host.DecodeCommand(body)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	st, err := a.host.HandleCommand(r.Context(), r.PathValue("id"), cmd)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, commandResponse{Status: string(st)})
}

func (a *API) handleDestroy(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !a.host.DestroySession(id, host.DestroyOptions{
		Reason:      host.ReasonClientRequest,
		InitiatedBy: host.InitiatedByClient,
	}) {
		a.writeError(w, r, &host.Error{
			Code:    host.CodeSessionNotFound,
			Status:  http.StatusNotFound,
			Message: "session " + strconv.Quote(id) + " not found",
		})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleResetMemory(w http.ResponseWriter, r *http.Request) {
	if err := a.host.ResetMemory(r.Context(), r.PathValue("key")); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Errors ──────────────────────────────────────────────────────────────────

// ErrorBody is the payload of an error envelope.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

type errorEnvelope struct {
	Error ErrorBody `json:"error"`
}

// toErrorBody maps err onto the wire error. Unknown errors become a generic
// 500 so internal details do not leak to clients.
func toErrorBody(err error) (ErrorBody, time.Duration) {
	var he *host.Error
	switch {
	case errors.As(err, &he):
		msg := he.Message
		if msg == "" {
			msg = he.Code
		}
		return ErrorBody{Code: he.Code, Message: msg, Status: he.Status}, he.RetryAfter
	case errors.Is(err, broadcast.ErrTooManySubscribers):
		return ErrorBody{
			Code:    CodeTooManySubscribers,
			Message: "session has reached its subscriber limit",
			Status:  http.StatusServiceUnavailable,
		}, 0
	case errors.Is(err, broadcast.ErrClosed):
		return ErrorBody{
			Code:    host.CodeSessionNotFound,
			Message: "session is closing",
			Status:  http.StatusNotFound,
		}, 0
	default:
		return ErrorBody{Code: CodeInternal, Message: "internal error", Status: http.StatusInternalServerError}, 0
	}
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	body, retryAfter := toErrorBody(err)
	log := observe.WithTrace(r.Context(), a.log)
	if body.Status >= http.StatusInternalServerError {
		log.Error("httpapi: request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	} else {
		log.Debug("httpapi: request rejected", "method", r.Method, "path", r.URL.Path, "code", body.Code, "err", err)
	}
	if retryAfter > 0 {
		w.Header().Set("Retry-After", retryAfterSeconds(retryAfter))
	}
	writeJSON(w, body.Status, errorEnvelope{Error: body})
}

// retryAfterSeconds rounds d up to whole seconds, at least one.
func retryAfterSeconds(d time.Duration) string {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// ── Helpers ─────────────────────────────────────────────────────────────────

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, &host.Error{
				Code:    CodeInvalidRequest,
				Status:  http.StatusRequestEntityTooLarge,
				Message: "request body too large",
				Err:     err,
			}
		}
		return nil, &host.Error{
			Code:    CodeInvalidRequest,
			Status:  http.StatusBadRequest,
			Message: "could not read request body",
			Err:     err,
		}
	}
	return body, nil
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("httpapi: encode response failed", "err", err)
	}
}
