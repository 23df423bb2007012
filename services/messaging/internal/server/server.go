package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"

	"motochat/internal/ratelimit"
	"motochat/internal/servicetoken"
	"motochat/internal/util"
	"motochat/pkg/domain"
	"motochat/services/messaging/internal/app"
	"motochat/services/messaging/internal/metrics"
	"motochat/services/messaging/internal/security"
)

const (
	defaultMaxUploadBytes = 10 << 20
	maxJSONBodyBytes      = 1 << 20
	multipartOverhead     = 1 << 20
)

// PrincipalVerifier resolves a user access token.
type PrincipalVerifier interface {
	VerifyPrincipal(ctx context.Context, token string) (domain.Principal, error)
}

// ServiceVerifier validates internal service tokens.
type ServiceVerifier interface {
	Verify(ctx context.Context, token string) (servicetoken.Claims, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App             *app.App
	Gateway         http.Handler
	Verifier        PrincipalVerifier
	ServiceVerifier ServiceVerifier
	SendLimiter     ratelimit.Limiter
	Metrics         *metrics.Metrics
	AllowedOrigins  util.Origins
	TrustedProxies  *util.TrustedProxies
	Alerter         *security.AuditAlerter
	MaxUploadBytes  int64
}

// Server exposes the messaging HTTP API.
type Server struct {
	app             *app.App
	gateway         http.Handler
	verifier        PrincipalVerifier
	serviceVerifier ServiceVerifier
	sendLimiter     ratelimit.Limiter
	metrics         *metrics.Metrics
	origins         util.Origins
	proxies         *util.TrustedProxies
	alerter         *security.AuditAlerter
	maxUploadBytes  int64
	mux             *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("server: app is required")
	}
	if cfg.Verifier == nil {
		return nil, errors.New("server: token verifier is required")
	}
	maxUpload := cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = defaultMaxUploadBytes
	}
	s := &Server{
		app:             cfg.App,
		gateway:         cfg.Gateway,
		verifier:        cfg.Verifier,
		serviceVerifier: cfg.ServiceVerifier,
		sendLimiter:     cfg.SendLimiter,
		metrics:         cfg.Metrics,
		origins:         cfg.AllowedOrigins,
		proxies:         cfg.TrustedProxies,
		alerter:         cfg.Alerter,
		maxUploadBytes:  maxUpload,
		mux:             http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler with the middleware chain applied.
func (s *Server) Router() http.Handler {
	var handler http.Handler = s.mux
	handler = util.WithCORS(s.origins, handler)
	handler = util.WithSecurityHeaders(handler)
	handler = util.WithRequestLog(s.metrics.ObserveRequest, handler)
	return util.WithRequestID(handler)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("GET /metrics", s.metrics.Handler())

	// conversations
	s.mux.Handle("GET /api/conversations", s.authenticated(s.handleListConversations))
	s.mux.Handle("GET /api/conversations/unread-count", s.authenticated(s.handleUnreadCount))
	s.mux.Handle("POST /api/conversations/booking", s.authenticated(s.handleBookingConversation))
	s.mux.Handle("POST /api/conversations/direct", s.authenticated(s.handleDirectConversation))
	s.mux.Handle("GET /api/conversations/{id}", s.authenticated(s.handleGetConversation))
	s.mux.Handle("DELETE /api/conversations/{id}", s.authenticated(s.handleDeleteConversation))
	s.mux.Handle("POST /api/conversations/{id}/archive", s.authenticated(s.handleArchive))
	s.mux.Handle("POST /api/conversations/{id}/unarchive", s.authenticated(s.handleUnarchive))
	s.mux.Handle("POST /api/conversations/{id}/read", s.authenticated(s.handleMarkRead))
	s.mux.Handle("POST /api/conversations/{id}/attachments", s.authenticated(s.handleUpload))

	// messages
	s.mux.Handle("GET /api/conversations/{id}/messages", s.authenticated(s.handleListMessages))
	s.mux.Handle("POST /api/conversations/{id}/messages", s.authenticated(s.handleSendMessage))
	s.mux.Handle("GET /api/messages/search", s.authenticated(s.handleSearch))
	s.mux.Handle("PATCH /api/messages/{id}", s.authenticated(s.handleEditMessage))
	s.mux.Handle("DELETE /api/messages/{id}", s.authenticated(s.handleDeleteMessage))

	if s.gateway != nil {
		s.mux.Handle("GET /ws", s.gateway)
	}

	// internal
	s.mux.Handle("POST /internal/bookings/{id}/close", s.internalOnly(servicetoken.ScopeConversationWrite, s.handleCloseBooking))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// auth wrappers
type authHandler func(http.ResponseWriter, *http.Request, domain.Principal)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			s.audit(r, "messaging.authorize", "fail", "reason", "missing_token")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		principal, err := s.verifier.VerifyPrincipal(r.Context(), token)
		if err != nil {
			s.audit(r, "messaging.authorize", "fail", "reason", "invalid_token", "err", err)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		s.audit(r, "messaging.authorize", "success", "user_id", principal.UserID, "role", string(principal.Role))
		next(w, r, principal)
	})
}

func (s *Server) internalOnly(scope string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.serviceVerifier == nil {
			s.audit(r, "messaging.internal.authorize", "fail", "reason", "not_configured")
			writeError(w, http.StatusServiceUnavailable, "internal api disabled")
			return
		}
		token, ok := servicetoken.BearerToken(r)
		if !ok {
			s.audit(r, "messaging.internal.authorize", "fail", "reason", "missing_token")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		claims, err := s.serviceVerifier.Verify(r.Context(), token)
		if err != nil {
			s.audit(r, "messaging.internal.authorize", "fail", "reason", "invalid_token", "err", err)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if !claims.HasScope(scope) {
			s.audit(r, "messaging.internal.authorize", "fail", "reason", "missing_scope", "service", claims.Issuer)
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		s.audit(r, "messaging.internal.authorize", "success", "service", claims.Issuer)
		next(w, r)
	})
}

// conversations

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	page, ok := pageRequest(w, r)
	if !ok {
		return
	}
	result, err := s.app.ListConversations(r.Context(), p, app.ListOptions{
		Status:      r.URL.Query().Get("status"),
		PageRequest: page,
	})
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleUnreadCount(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	total, err := s.app.UnreadTotal(r.Context(), p)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"count": total})
}

func (s *Server) handleBookingConversation(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	var req struct {
		BookingID string `json:"bookingId"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.BookingID) == "" {
		writeError(w, http.StatusBadRequest, "bookingId is required")
		return
	}
	view, created, err := s.app.GetOrCreateBookingConversation(r.Context(), p, strings.TrimSpace(req.BookingID))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, createdStatus(created), view)
}

func (s *Server) handleDirectConversation(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	var req struct {
		UserID string `json:"userId"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	view, created, err := s.app.GetOrCreateDirectConversation(r.Context(), p, strings.TrimSpace(req.UserID))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, createdStatus(created), view)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	view, err := s.app.GetConversation(r.Context(), p, r.PathValue("id"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	id := r.PathValue("id")
	if err := s.app.DeleteConversation(r.Context(), p, id); err != nil {
		writeAppError(w, err)
		return
	}
	s.audit(r, "messaging.conversation.delete", "success", "user_id", p.UserID, "conversation_id", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	conv, err := s.app.ArchiveConversation(r.Context(), p, r.PathValue("id"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleUnarchive(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	conv, err := s.app.UnarchiveConversation(r.Context(), p, r.PathValue("id"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	marked, err := s.app.MarkConversationAsRead(r.Context(), p, r.PathValue("id"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"marked": marked})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes+multipartOverhead)
	if err := r.ParseMultipartForm(multipartOverhead); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	defer r.MultipartForm.RemoveAll()
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required (field: file)")
		return
	}
	defer file.Close()

	attachment, err := s.app.UploadAttachment(r.Context(), p, r.PathValue("id"), app.UploadInput{
		Name:        header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
		Body:        file,
	})
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, attachment)
}

// messages

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	page, ok := pageRequest(w, r)
	if !ok {
		return
	}
	result, err := s.app.GetMessages(r.Context(), p, r.PathValue("id"), page)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	if !s.allowRate(w, r, s.sendLimiter, "send|"+p.UserID, "too many messages") {
		return
	}
	var req struct {
		Content    string             `json:"content"`
		Type       string             `json:"type"`
		ReplyTo    string             `json:"replyTo"`
		Attachment *domain.Attachment `json:"attachment"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	msg, err := s.app.SendMessage(r.Context(), p, r.PathValue("id"), app.SendInput{
		Content:    req.Content,
		Type:       req.Type,
		ReplyTo:    req.ReplyTo,
		Attachment: req.Attachment,
	})
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	page, ok := pageRequest(w, r)
	if !ok {
		return
	}
	result, err := s.app.SearchMessages(r.Context(), p, r.URL.Query().Get("q"), page)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleEditMessage(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	var req struct {
		Content string `json:"content"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	msg, err := s.app.EditMessage(r.Context(), p, r.PathValue("id"), req.Content)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	if err := s.app.DeleteMessage(r.Context(), p, r.PathValue("id")); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// internal

func (s *Server) handleCloseBooking(w http.ResponseWriter, r *http.Request) {
	conv, err := s.app.CloseBookingConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// helpers

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	ip := util.ClientIP(r, s.proxies)
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", ip,
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)
	result, err := s.alerter.Observe(r.Context(), event, outcome, ip)
	if err != nil {
		logger.Warn("security_alert_observe_failed", "event", event, "err", err)
		return
	}
	if result.Triggered {
		logger.Error("security_alert", "event", event, "outcome", outcome, "ip", ip,
			"count", result.Count, "threshold", result.Threshold, "window", result.Window.String())
	}
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter ratelimit.Limiter, key, msg string) bool {
	if limiter == nil {
		return true
	}
	d := limiter.Allow(r.Context(), key)
	if d.Allowed {
		return true
	}
	s.audit(r, "messaging.rate_limit", "rate_limited", "key", key)
	secs := int(math.Ceil(d.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}

func pageRequest(w http.ResponseWriter, r *http.Request) (app.PageRequest, bool) {
	q := r.URL.Query()
	var req app.PageRequest
	for name, dst := range map[string]*int{"page": &req.Page, "limit": &req.Limit} {
		raw := strings.TrimSpace(q.Get(name))
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, name+" must be a positive integer")
			return app.PageRequest{}, false
		}
		*dst = n
	}
	return req, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBodyBytes))
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func createdStatus(created bool) int {
	if created {
		return http.StatusCreated
	}
	return http.StatusOK
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeAppError maps the messaging error taxonomy onto HTTP statuses.
func writeAppError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrAuthentication):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, app.ErrAccessDenied):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, app.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, app.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
