// Package api provides the HTTP API and middleware for the hub.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/connecthub/connecthub/internal/auth"
	"github.com/connecthub/connecthub/internal/config"
	"github.com/connecthub/connecthub/internal/errs"
	"github.com/connecthub/connecthub/internal/ratelimit"
	"github.com/connecthub/connecthub/internal/router"
	"github.com/connecthub/connecthub/internal/store"
)

// Presence reports who is connected right now.
type Presence interface {
	Online() []string
	IsOnline(identity string) bool
	Count() int
}

// Server is the HTTP API server.
type Server struct {
	store         store.Store
	authProvider  auth.Provider
	loginProvider auth.LoginProvider
	router        *router.Router
	presence      Presence
	logger        *slog.Logger
	mux           *chi.Mux
	startTime     time.Time
	maxBodyBytes  int64
	loginLimiter  *ratelimit.Keyed
	limiter       *ratelimit.Keyed
}

// NewServer creates a new API server. lp is nil when accounts live in an
// external identity provider.
func NewServer(s store.Store, ap auth.Provider, lp auth.LoginProvider, rt *router.Router, pres Presence, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:         s,
		authProvider:  ap,
		loginProvider: lp,
		router:        rt,
		presence:      pres,
		logger:        logger.With("component", "api"),
		startTime:     time.Now(),
		maxBodyBytes:  cfg.Server.MaxBodyBytes,
	}

	mux := chi.NewRouter()
	mux.Use(chimw.RequestID)
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(requestLogger(srv.logger))
	mux.Use(securityHeadersMiddleware)
	mux.Use(corsMiddleware(cfg.Server.AllowedOrigins))

	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)
	mux.Get("/api/auth/config", srv.handleAuthConfig)

	if lp != nil {
		srv.loginLimiter = ratelimit.NewKeyed(5, 10)
		mux.Group(func(r chi.Router) {
			r.Use(limitByIP(srv.loginLimiter))
			r.Post("/api/auth/register", srv.handleRegister)
			r.Post("/api/auth/login", srv.handleLogin)
		})
	}

	// Auth handled inside, before the upgrade.
	mux.Get("/ws", rt.HandleWS)

	srv.limiter = ratelimit.NewKeyed(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Use(limitByUser(srv.limiter))

		r.Get("/api/me", srv.handleGetMe)
		r.Get("/api/users", srv.handleListUsers)
		r.Get("/api/users/online", srv.handleListOnline)
		r.Get("/api/chat/{userID}/messages", srv.handleGetConversation)
		r.Get("/api/calls", srv.handleListCalls)
		r.Get("/api/blocks", srv.handleListBlocks)
		r.Post("/api/blocks", srv.handleBlock)
		r.Delete("/api/blocks/{userID}", srv.handleUnblock)
		r.Get("/api/blocks/{userID}/status", srv.handleBlockStatus)
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks sweeps idle rate limiter buckets until ctx ends.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	if s.loginLimiter != nil {
		s.loginLimiter.StartSweeper(ctx, limiterSweepInterval, limiterIdleAge)
	}
	s.limiter.StartSweeper(ctx, limiterSweepInterval, limiterIdleAge)
}

// --- Auth handlers ---

func (s *Server) handleAuthConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"provider":          s.authProvider.Name(),
		"registration_open": s.loginProvider != nil,
	})
}

type credentials struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name,omitempty"`
}

type sessionResponse struct {
	Token string      `json:"token"`
	User  *store.User `json:"user"`
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if !s.decodeBody(w, r, &req) {
		return
	}

	user, err := s.loginProvider.Register(r.Context(), req.Username, req.Password, req.DisplayName)
	switch {
	case errors.Is(err, errs.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, errs.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "username already taken")
		return
	case err != nil:
		s.logger.Error("register failed", "username", req.Username, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to register")
		return
	}

	token, _, err := s.loginProvider.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		s.logger.Error("login after register failed", "user_id", user.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to register")
		return
	}
	s.logger.Info("user registered", "user_id", user.ID, "username", user.Username)
	writeJSON(w, http.StatusCreated, sessionResponse{Token: token, User: user})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	token, user, err := s.loginProvider.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			s.logger.Error("login failed", "username", req.Username, "error", err)
		}
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Token: token, User: user})
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())
	resp := map[string]any{
		"id":       identity.UserID,
		"username": identity.Username,
		"online":   s.presence.IsOnline(identity.UserID),
	}
	if user, err := s.store.GetUserByID(r.Context(), identity.UserID); err == nil && user != nil {
		resp["display_name"] = user.DisplayName
		resp["created_at"] = user.CreatedAt
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Directory handlers ---

type userInfo struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Online      bool   `json:"online"`
}

// handleListUsers returns every account except the caller, by username.
func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())

	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		s.logger.Error("list users failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list users")
		return
	}

	out := make([]userInfo, 0, len(users))
	for _, u := range users {
		if u.ID == identity.UserID {
			continue
		}
		out = append(out, userInfo{
			ID:          u.ID,
			Username:    u.Username,
			DisplayName: u.DisplayName,
			Online:      s.presence.IsOnline(u.ID),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": out})
}

func (s *Server) handleListOnline(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"users": s.presence.Online()})
}

// --- History handlers ---

func parseLimit(r *http.Request) int {
	limit := store.DefaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	return limit
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())
	other := chi.URLParam(r, "userID")

	msgs, err := s.store.ListConversation(r.Context(), identity.UserID, other, parseLimit(r))
	if err != nil {
		s.logger.Error("list conversation failed", "user_id", identity.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to fetch chat history")
		return
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())

	calls, err := s.store.ListCallRecords(r.Context(), identity.UserID, parseLimit(r))
	if err != nil {
		s.logger.Error("list calls failed", "user_id", identity.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to fetch call history")
		return
	}
	if calls == nil {
		calls = []store.CallRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"calls": calls})
}

// --- Block handlers ---

func (s *Server) handleListBlocks(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())

	blocks, err := s.store.ListBlocked(r.Context(), identity.UserID)
	if err != nil {
		s.logger.Error("list blocks failed", "user_id", identity.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list blocked users")
		return
	}
	if blocks == nil {
		blocks = []store.Block{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"blocked": blocks})
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())

	var req struct {
		BlockedID string `json:"blocked_id"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.BlockedID == "" {
		writeError(w, http.StatusBadRequest, "blocked_id is required")
		return
	}
	if req.BlockedID == identity.UserID {
		writeError(w, http.StatusBadRequest, "cannot block yourself")
		return
	}

	err := s.store.BlockUser(r.Context(), identity.UserID, req.BlockedID)
	switch {
	case errors.Is(err, errs.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "user is already blocked")
		return
	case err != nil:
		s.logger.Error("block failed", "user_id", identity.UserID, "blocked_id", req.BlockedID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to block user")
		return
	}
	s.logger.Info("user blocked", "user_id", identity.UserID, "blocked_id", req.BlockedID)
	writeJSON(w, http.StatusCreated, map[string]string{"status": "blocked"})
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())
	blockedID := chi.URLParam(r, "userID")

	err := s.store.UnblockUser(r.Context(), identity.UserID, blockedID)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		writeError(w, http.StatusNotFound, "block not found")
		return
	case err != nil:
		s.logger.Error("unblock failed", "user_id", identity.UserID, "blocked_id", blockedID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to unblock user")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unblocked"})
}

// handleBlockStatus reports both directions of the relationship separately;
// either one is enough to stop messages and calls.
func (s *Server) handleBlockStatus(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())
	other := chi.URLParam(r, "userID")

	iBlocked, err := s.hasBlocked(r.Context(), identity.UserID, other)
	if err != nil {
		s.logger.Error("block status failed", "user_id", identity.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to check block status")
		return
	}
	theyBlocked, err := s.hasBlocked(r.Context(), other, identity.UserID)
	if err != nil {
		s.logger.Error("block status failed", "user_id", identity.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to check block status")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{
		"i_blocked_them":  iBlocked,
		"they_blocked_me": theyBlocked,
	})
}

func (s *Server) hasBlocked(ctx context.Context, blockerID, blockedID string) (bool, error) {
	blocks, err := s.store.ListBlocked(ctx, blockerID)
	if err != nil {
		return false, err
	}
	for _, b := range blocks {
		if b.BlockedID == blockedID {
			return true, nil
		}
	}
	return false, nil
}

// --- Health ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"uptime":      time.Since(s.startTime).Truncate(time.Second).String(),
		"connections": s.router.ConnectionCount(),
		"online":      s.presence.Count(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
