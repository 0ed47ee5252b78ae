package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"styleai/internal/metrics"
	"styleai/internal/ratelimit"
	"styleai/internal/usertoken"
	"styleai/internal/util"
	"styleai/pkg/catalog"
	"styleai/pkg/domain"
	"styleai/pkg/store"
	"styleai/services/stylesync/internal/app"
)

// TokenVerifier turns a bearer ID token into the signed-in identity.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (usertoken.Identity, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	TokenVerifier  TokenVerifier
	LoginLimiter   ratelimit.Limiter
	TrustedProxies util.TrustedProxies
	MaxUploadBytes int64
}

// Server exposes the local cache and session endpoints.
type Server struct {
	app            *app.App
	tokenVerifier  TokenVerifier
	loginLimiter   ratelimit.Limiter
	trustedProxies util.TrustedProxies
	mux            *http.ServeMux
	maxUploadBytes int64
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	if cfg.TokenVerifier == nil {
		return nil, errors.New("token verifier required")
	}
	maxUploadBytes := cfg.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = 20 * 1024 * 1024
	}
	s := &Server{
		app:            cfg.App,
		tokenVerifier:  cfg.TokenVerifier,
		loginLimiter:   cfg.LoginLimiter,
		trustedProxies: cfg.TrustedProxies,
		mux:            http.NewServeMux(),
		maxUploadBytes: maxUploadBytes,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("stylesync", util.WithSecurityHeaders(s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/metrics", metrics.Handler())

	// catalog
	s.mux.HandleFunc("/v1/catalog", s.handleCatalog)
	s.mux.HandleFunc("/v1/catalog/stream", s.handleCatalogStream)
	s.mux.Handle("/v1/catalog/sync", s.withSession(s.handleCatalogSync))

	// session lifecycle
	s.mux.HandleFunc("/v1/session", s.handleSession)
	s.mux.Handle("/v1/account", s.withSession(s.handleAccount))

	// per-user data
	s.mux.Handle("/v1/history", s.withSession(s.handleHistory))
	s.mux.Handle("/v1/history/resync", s.withSession(s.handleHistoryResync))
	s.mux.Handle("/v1/favorites", s.withSession(s.handleFavorites))
	s.mux.Handle("/v1/profile", s.withSession(s.handleProfile))
	s.mux.Handle("/v1/uploads", s.withSession(s.handleUpload))
}

// Paths lists every route the server registers, for documentation checks.
func Paths() []string {
	return []string{
		"/healthz", "/metrics",
		"/v1/catalog", "/v1/catalog/stream", "/v1/catalog/sync",
		"/v1/session", "/v1/account",
		"/v1/history", "/v1/history/resync", "/v1/favorites", "/v1/profile", "/v1/uploads",
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "strategy": s.app.Strategy()})
}

type sessionHandler func(http.ResponseWriter, *http.Request, *app.Session)

// withSession requires a valid ID token belonging to a user that logged in
// on this device.
func (s *Server) withSession(next sessionHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.identify(w, r)
		if !ok {
			return
		}
		sess, ok := s.app.Session(id.UserID)
		if !ok {
			writeError(w, http.StatusUnauthorized, "session required")
			return
		}
		next(w, r, sess)
	})
}

func (s *Server) identify(w http.ResponseWriter, r *http.Request) (usertoken.Identity, bool) {
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return usertoken.Identity{}, false
	}
	id, err := s.tokenVerifier.Verify(r.Context(), token)
	if err != nil {
		util.LoggerFromContext(r.Context()).Debug("token rejected", "err", err)
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return usertoken.Identity{}, false
	}
	return id, true
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	snap := s.app.Catalog()
	raw := strings.TrimSpace(r.URL.Query().Get("category"))
	if raw == "" {
		writeJSON(w, http.StatusOK, snap)
		return
	}
	category, ok := domain.ParseCategory(raw)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid category")
		return
	}
	items := snap.Items(category)
	writeJSON(w, http.StatusOK, map[string]any{"category": category, "items": items, "count": len(items)})
}

// handleCatalogStream pushes the snapshot as server-sent events: once on
// connect and again after every republish.
func (s *Server) handleCatalogStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	rc := http.NewResponseController(w)
	// The server-wide write timeout would cut long-lived streams.
	_ = rc.SetWriteDeadline(time.Time{})
	updates, cancel := s.app.SubscribeCatalog()
	defer cancel()
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	send := func(snap domain.CatalogSnapshot) bool {
		data, err := json.Marshal(snap)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "event: catalog\ndata: %s\n\n", data); err != nil {
			return false
		}
		return rc.Flush() == nil
	}
	if !send(s.app.Catalog()) {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case snap := <-updates:
			if !send(snap) {
				return
			}
		}
	}
}

func (s *Server) handleCatalogSync(w http.ResponseWriter, r *http.Request, _ *app.Session) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	res, err := s.app.SyncCatalog(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"result": res, "complete": true})
	case errors.Is(err, catalog.ErrPartialSync):
		writeJSON(w, http.StatusOK, map[string]any{"result": res, "complete": false})
	default:
		util.LoggerFromContext(r.Context()).Error("catalog sync failed", "err", err)
		writeError(w, http.StatusBadGateway, "catalog sync failed")
	}
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		if s.loginLimiter != nil {
			if ok, retry := s.loginLimiter.Allow(r.Context(), "ip:"+util.ClientIP(r, s.trustedProxies)); !ok {
				writeRateLimited(w, retry)
				return
			}
		}
		id, ok := s.identify(w, r)
		if !ok {
			return
		}
		sess, err := s.app.Login(r.Context(), id)
		if errors.Is(err, app.ErrClosed) {
			writeError(w, http.StatusServiceUnavailable, "shutting down")
			return
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		resp := map[string]any{"userId": sess.UserID()}
		if p, err := sess.Profile(r.Context()); err == nil {
			resp["profile"] = p
		}
		writeJSON(w, http.StatusCreated, resp)
	case http.MethodDelete:
		id, ok := s.identify(w, r)
		if !ok {
			return
		}
		s.app.Logout(id.UserID)
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request, sess *app.Session) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}
	if err := s.app.DeleteAccount(r.Context(), sess.UserID()); err != nil {
		util.LoggerFromContext(r.Context()).Error("account deletion incomplete", "err", err)
		writeError(w, http.StatusInternalServerError, "account deletion failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type saveHistoryRequest struct {
	URL string `json:"url"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, sess *app.Session) {
	switch r.Method {
	case http.MethodGet:
		items := sess.Recent(r.Context())
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
	case http.MethodPost:
		var req saveHistoryRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		if strings.TrimSpace(req.URL) == "" {
			writeError(w, http.StatusBadRequest, "url required")
			return
		}
		if err := s.app.CheckImageURL(req.URL); err != nil {
			util.LoggerFromContext(r.Context()).Warn("generated image url refused", "err", err)
			writeError(w, http.StatusBadRequest, "image url not allowed")
			return
		}
		local, ok := sess.SaveGenerated(r.Context(), req.URL)
		if !ok {
			writeError(w, http.StatusBadGateway, "generated image not saved")
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"uri": local})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleHistoryResync(w http.ResponseWriter, r *http.Request, sess *app.Session) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	items, err := s.app.ResyncHistory(r.Context(), sess.UserID())
	if err != nil {
		var rl *app.RateLimitError
		if errors.As(err, &rl) {
			writeRateLimited(w, rl.RetryAfter)
			return
		}
		util.LoggerFromContext(r.Context()).Warn("history resync failed", "err", err)
		writeError(w, http.StatusBadGateway, "history resync failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

type favoriteRequest struct {
	Value string `json:"value"`
}

func (s *Server) handleFavorites(w http.ResponseWriter, r *http.Request, sess *app.Session) {
	switch r.Method {
	case http.MethodGet:
		if value := strings.TrimSpace(r.URL.Query().Get("value")); value != "" {
			on, err := sess.IsFavorite(r.Context(), value)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "failed to load favorites")
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"value": value, "favorite": on})
			return
		}
		items, err := sess.Favorites(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load favorites")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
	case http.MethodPost:
		var req favoriteRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		if strings.TrimSpace(req.Value) == "" {
			writeError(w, http.StatusBadRequest, "value required")
			return
		}
		on, err := sess.ToggleFavorite(r.Context(), req.Value)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to update favorites")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"value": strings.TrimSpace(req.Value), "favorite": on})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request, sess *app.Session) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	p, err := sess.Profile(r.Context())
	if errors.Is(err, store.ErrProfileNotFound) {
		notFound(w, "profile not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load profile")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, sess *app.Session) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if r.ContentLength > s.maxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "file too large")
		return
	}
	body := http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	key, err := sess.UploadSource(r.Context(), body, r.ContentLength)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		util.LoggerFromContext(r.Context()).Error("source upload failed", "err", err)
		writeError(w, http.StatusBadGateway, "upload failed")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"key": key})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}

func writeRateLimited(w http.ResponseWriter, retry time.Duration) {
	secs := int(math.Ceil(retry.Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeError(w, http.StatusTooManyRequests, "rate limited")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      errorCodeFor(status, msg),
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

func errorCodeFor(status int, msg string) string {
	message := strings.ToLower(strings.TrimSpace(msg))
	switch {
	case message == "unauthorized":
		return "AUTH_INVALID_TOKEN"
	case message == "session required":
		return "AUTH_SESSION_REQUIRED"
	case message == "rate limited":
		return "SYSTEM_RATE_LIMITED"
	case message == "invalid category":
		return "CATALOG_INVALID_CATEGORY"
	case message == "catalog sync failed":
		return "CATALOG_SYNC_FAILED"
	case message == "generated image not saved":
		return "HISTORY_SAVE_FAILED"
	case message == "history resync failed":
		return "HISTORY_RESYNC_FAILED"
	case message == "profile not found":
		return "PROFILE_NOT_FOUND"
	case message == "file too large":
		return "UPLOAD_FILE_TOO_LARGE"
	case message == "invalid json body":
		return "REQUEST_INVALID_BODY"
	case message == "method not allowed":
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case message == "image url not allowed":
		return "HISTORY_URL_NOT_ALLOWED"
	case message == "shutting down":
		return "SYSTEM_SHUTTING_DOWN"
	}

	switch status {
	case http.StatusBadRequest:
		return "REQUEST_INVALID"
	case http.StatusUnauthorized:
		return "AUTH_INVALID_TOKEN"
	case http.StatusNotFound:
		return "SYSTEM_NOT_FOUND"
	case http.StatusTooManyRequests:
		return "SYSTEM_RATE_LIMITED"
	default:
		if status >= http.StatusInternalServerError {
			return "SYSTEM_INTERNAL_ERROR"
		}
		return "REQUEST_ERROR"
	}
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
