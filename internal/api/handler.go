// Package api exposes login and broadcast over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/oneclick/internal/channel"
	"github.com/example/oneclick/internal/common"
	"github.com/example/oneclick/internal/dispatch"
	"github.com/example/oneclick/internal/session"
)

const (
	SessionCookie = "oneclick_sid"
	maxBodyBytes  = 64 << 10
)

var (
	reqCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oneclick_http_requests_total",
		Help: "HTTP requests by route and status",
	}, []string{"route", "status"})
	requestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "oneclick_http_request_duration_seconds",
		Help:    "Latency of HTTP requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
)

type Handler struct {
	sessions     *session.Sessions
	coordinator  func() *dispatch.Coordinator
	publisher    dispatch.Publisher
	loginLimiter *loginLimiter
	secureCookie bool
	tracer       trace.Tracer
	logger       zerolog.Logger
}

type Options struct {
	// LoginPerMinute caps login attempts per client address; zero disables
	// the limit.
	LoginPerMinute int
	SecureCookie   bool
	Publisher      dispatch.Publisher
}

// NewHandler takes coordinator as a getter so a reload can swap it between
// requests.
func NewHandler(sessions *session.Sessions, coordinator func() *dispatch.Coordinator, opts Options, logger zerolog.Logger) *Handler {
	h := &Handler{
		sessions:     sessions,
		coordinator:  coordinator,
		publisher:    opts.Publisher,
		secureCookie: opts.SecureCookie,
		tracer:       otel.Tracer("api"),
		logger:       logger,
	}
	if h.publisher == nil {
		h.publisher = dispatch.NopPublisher{}
	}
	if opts.LoginPerMinute > 0 {
		h.loginLimiter = newLoginLimiter(opts.LoginPerMinute)
	}
	return h
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Route("/v1", func(r chi.Router) {
		r.Post("/session", h.instrument("login", h.login))
		r.Get("/session", h.instrument("session", h.status))
		r.Delete("/session", h.instrument("logout", h.logout))
		r.Group(func(r chi.Router) {
			r.Use(h.requireAuth)
			r.Post("/messages", h.instrument("post", h.post))
			r.Get("/channels/status", h.instrument("probe", h.probe))
		})
	})
	return r
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) int {
	ctx, span := h.tracer.Start(r.Context(), "login")
	defer span.End()

	if h.loginLimiter != nil && !h.loginLimiter.Allow(r) {
		return h.writeJSON(w, http.StatusTooManyRequests, session.LoginResult{Message: "Too many login attempts, try again later"})
	}
	var req loginRequest
	if err := decode(w, r, &req); err != nil {
		return h.respondErr(ctx, w, http.StatusBadRequest, err)
	}

	// A successful login always starts a fresh session id.
	sid := uuid.NewString()
	res := h.sessions.For(sid).Login(ctx, req.Username, req.Password)
	if !res.Success {
		return h.writeJSON(w, http.StatusUnauthorized, res)
	}
	if old, ok := sessionID(r); ok {
		h.sessions.For(old).Logout(ctx)
	}
	http.SetCookie(w, h.cookie(sid, 0))
	return h.writeJSON(w, http.StatusOK, res)
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) int {
	authenticated := false
	if sid, ok := sessionID(r); ok {
		authenticated = h.sessions.For(sid).CheckAuth(r.Context())
	}
	return h.writeJSON(w, http.StatusOK, map[string]bool{"authenticated": authenticated})
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) int {
	if sid, ok := sessionID(r); ok {
		h.sessions.For(sid).Logout(r.Context())
	}
	http.SetCookie(w, h.cookie("", -1))
	w.WriteHeader(http.StatusNoContent)
	return http.StatusNoContent
}

func (h *Handler) post(w http.ResponseWriter, r *http.Request) int {
	ctx, span := h.tracer.Start(r.Context(), "post")
	defer span.End()

	var msg channel.Message
	if err := decode(w, r, &msg); err != nil {
		return h.respondErr(ctx, w, http.StatusBadRequest, err)
	}
	res := h.coordinator().PostToAll(ctx, msg)
	span.SetAttributes(attribute.Bool("dispatch.success", res.OverallSuccess))

	if res.Kind == common.KindValidation {
		return h.writeJSON(w, http.StatusUnprocessableEntity, res)
	}
	go h.publish(context.WithoutCancel(ctx), res)
	if !res.OverallSuccess {
		return h.writeJSON(w, http.StatusBadGateway, res)
	}
	return h.writeJSON(w, http.StatusOK, res)
}

func (h *Handler) probe(w http.ResponseWriter, r *http.Request) int {
	return h.writeJSON(w, http.StatusOK, h.coordinator().TestConnections(r.Context()))
}

func (h *Handler) publish(ctx context.Context, res dispatch.Result) {
	if err := h.publisher.Publish(ctx, res); err != nil {
		logger := common.WithContext(ctx, h.logger)
		logger.Error().Err(err).Msg("dispatch event dropped")
	}
}

func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sid, ok := sessionID(r)
		if !ok || !h.sessions.For(sid).CheckAuth(r.Context()) {
			reqCounter.WithLabelValues("auth", http.StatusText(http.StatusUnauthorized)).Inc()
			h.writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Authentication required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) instrument(route string, fn func(http.ResponseWriter, *http.Request) int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		status := fn(w, r)
		reqCounter.WithLabelValues(route, http.StatusText(status)).Inc()
		requestLatency.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func (h *Handler) respondErr(ctx context.Context, w http.ResponseWriter, status int, err error) int {
	logger := common.WithContext(ctx, h.logger)
	logger.Error().Err(err).Int("status", status).Msg("request failed")
	return h.writeJSON(w, status, map[string]string{"message": err.Error()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) int {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
	return status
}

// cookie carries the same attributes on login and logout so the clearing
// cookie replaces the one the browser holds.
func (h *Handler) cookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     SessionCookie,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteStrictMode,
	}
}

// sessionID accepts only well-formed ids so arbitrary cookie values never
// become store keys.
func sessionID(r *http.Request) (string, bool) {
	c, err := r.Cookie(SessionCookie)
	if err != nil {
		return "", false
	}
	id, err := uuid.Parse(c.Value)
	if err != nil {
		return "", false
	}
	return id.String(), true
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid request body: " + err.Error())
	}
	return nil
}
