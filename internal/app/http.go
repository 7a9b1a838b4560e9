package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"nyhetsjeger/api/internal/metrics"
	"nyhetsjeger/api/internal/ranking"
	"nyhetsjeger/api/internal/requests"
	"nyhetsjeger/api/internal/store"
	"nyhetsjeger/api/internal/util"
)

const (
	sessionHeader   = "X-Session-ID"
	defaultPageSize = 50
)

type HTTPOptions struct {
	CORSOrigin     string
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
	MetricsHandler http.Handler
}

type HTTPServer struct {
	service *Service
	opts    HTTPOptions
	log     *slog.Logger
}

func NewHTTPServer(service *Service, opts HTTPOptions) *HTTPServer {
	if opts.CORSOrigin == "" {
		opts.CORSOrigin = "*"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPServer{service: service, opts: opts, log: logger}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withMiddleware)
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})

	r.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	r.Get("/api/ready", s.handleReady)
	if s.opts.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.MetricsHandler)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.requireSession)
		r.Get("/api/session", s.handleSession)
		r.Post("/api/session/reload", s.handleSessionReload)
		r.Get("/api/entries", s.handleEntries)
		r.Post("/api/entries/{id}/open", s.handleOpenEntry)
		r.Get("/api/entries/{id}/case", s.handleCase)
		r.Get("/api/contacts", s.handleContact)
		r.Get("/api/recommendations", s.handleRecommendations)
		r.Post("/api/recommendations/{id}/contact", s.handleRecommendationContact)
		r.Get("/api/jobs", s.handleJobs)
		r.Get("/api/requests", s.handleRequests)
		r.Post("/api/requests", s.handleCreateRequest)
		r.Post("/api/requests/{id}/dispatch", s.handleDispatch)
		r.Put("/api/requests/{id}/outcome", s.handleOutcome)
		r.Put("/api/requests/{id}/recipient", s.handleRecipient)
	})
	return r
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

type sessionKey struct{}

func (s *HTTPServer) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, err := s.service.OpenSession(r.Context(), bearerToken(r), r.Header.Get(sessionHeader))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		w.Header().Set(sessionHeader, session.ID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, session)))
	})
}

func sessionFrom(r *http.Request) *Session {
	session, _ := r.Context().Value(sessionKey{}).(*Session)
	return session
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r)
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"sessionId":     session.ID,
		"userId":        session.Identity.UserID,
		"email":         session.Identity.Email,
		"role":          session.Identity.Role(),
	})
}

func (s *HTTPServer) handleSessionReload(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r)
	if err := s.service.Reload(r.Context(), session); err != nil {
		s.log.WarnContext(r.Context(), "session reload failed", "session_id", session.ID, "error", err)
		writeJSON(w, http.StatusOK, map[string]any{
			"ok":       false,
			"error":    "Kunne ikke oppdatere.",
			"requests": s.service.ListRequests(session, requests.SortNewest),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"requests": s.service.ListRequests(session, requests.SortNewest),
	})
}

func (s *HTTPServer) handleEntries(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit := queryInt(query.Get("limit"), defaultPageSize)
	page := queryInt(query.Get("page"), 1)
	if page < 1 {
		page = 1
	}
	q := store.EntryQuery{
		Text:       query.Get("q"),
		SourceType: query.Get("sourceType"),
		Limit:      limit,
		Offset:     (page - 1) * limit,
	}
	writeJSON(w, http.StatusOK, s.service.ListEntries(r.Context(), sessionFrom(r), q))
}

func (s *HTTPServer) handleOpenEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := entryID(w, r)
	if !ok {
		return
	}
	view, err := s.service.OpenEntry(r.Context(), sessionFrom(r), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handleCase(w http.ResponseWriter, r *http.Request) {
	id, ok := entryID(w, r)
	if !ok {
		return
	}
	reset := r.URL.Query().Get("reset") == "true"
	view, err := s.service.CaseState(r.Context(), sessionFrom(r), id, reset)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handleContact(w http.ResponseWriter, r *http.Request) {
	authority := r.URL.Query().Get("authority")
	writeJSON(w, http.StatusOK, map[string]any{
		"authority": authority,
		"email":     s.service.ResolveContact(authority),
	})
}

func (s *HTTPServer) handleRecommendations(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	order := ranking.ParseOrder(query.Get("sort"))
	items, err := s.service.Recommendations(r.Context(), sessionFrom(r), order, query.Get("refresh") == "true")
	if err != nil {
		s.log.WarnContext(r.Context(), "recommendations failed", "error", err)
		writeJSON(w, http.StatusOK, map[string]any{"items": []Recommendation{}, "sort": order, "error": "Kunne ikke hente anbefalinger."})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "sort": order})
}

func (s *HTTPServer) handleRecommendationContact(w http.ResponseWriter, r *http.Request) {
	id, ok := entryID(w, r)
	if !ok {
		return
	}
	link, err := s.service.ContactRecommendation(r.Context(), sessionFrom(r), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, link)
}

func (s *HTTPServer) handleJobs(w http.ResponseWriter, r *http.Request) {
	order := ranking.ParseJobOrder(r.URL.Query().Get("sort"))
	jobs, err := s.service.Jobs(r.Context(), order)
	if err != nil {
		s.log.WarnContext(r.Context(), "jobs failed", "error", err)
		writeJSON(w, http.StatusOK, map[string]any{"items": []store.Job{}, "sort": order, "error": "Kunne ikke hente stillinger."})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": jobs, "sort": order})
}

func (s *HTTPServer) handleRequests(w http.ResponseWriter, r *http.Request) {
	order := requests.ParseSort(r.URL.Query().Get("sort"))
	writeJSON(w, http.StatusOK, map[string]any{
		"items": s.service.ListRequests(sessionFrom(r), order),
		"sort":  order,
	})
}

func (s *HTTPServer) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		EntryID int64  `json:"entryId"`
		Type    string `json:"type"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if body.EntryID <= 0 {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "entryId is required", nil)
		return
	}
	created, err := s.service.CreateRequest(r.Context(), sessionFrom(r), body.EntryID, store.RequestType(strings.TrimSpace(body.Type)))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Confirm bool `json:"confirm"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	reply, err := s.service.DispatchRequest(r.Context(), sessionFrom(r), chi.URLParam(r, "id"), body.Confirm)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *HTTPServer) handleOutcome(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Outcome string `json:"outcome"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	rows, err := s.service.SetOutcome(r.Context(), sessionFrom(r), chi.URLParam(r, "id"), store.Outcome(body.Outcome))
	s.writeRows(w, r, rows, err)
}

func (s *HTTPServer) handleRecipient(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	rows, err := s.service.SetRecipient(r.Context(), sessionFrom(r), chi.URLParam(r, "id"), body.Email)
	s.writeRows(w, r, rows, err)
}

func (s *HTTPServer) writeRows(w http.ResponseWriter, r *http.Request, rows []RequestRow, err error) {
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": rows})
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.ErrorContext(r.Context(), "request failed",
			"request_id", requestIDFrom(r.Context()), "code", code, "error", err)
	}
	writeError(w, status, code, message, details)
}

func entryID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "INVALID_ID", "Invalid entry id", nil)
		return 0, false
	}
	return id, true
}

func queryInt(value string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = util.NewID("req")
		}
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, requestID))

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.opts.CORSOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(writer, r)

		elapsed := time.Since(started)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		s.opts.Metrics.ObserveHTTP(r.Method, route, strconv.Itoa(writer.status), elapsed)
		s.log.InfoContext(r.Context(), "http request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", elapsed.Milliseconds(),
		)
	})
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-Session-ID")
	header.Set("Access-Control-Expose-Headers", "X-Request-ID, X-Session-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
