// Package server implements the session broker HTTP endpoint.
//
// One route serves two actions. get-signed-url resolves the caller from an
// optional bearer token, composes the conversation context from the
// caller's profile and fetches a signed ElevenLabs URL. end-conversation
// records when a session ended. Every answer carries permissive CORS
// headers so browser clients can call the broker directly.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"github.com/pranicsoil/fieldvoice/internal/broker"
	"github.com/pranicsoil/fieldvoice/internal/observe"
	"github.com/pranicsoil/fieldvoice/internal/resilience"
	"github.com/pranicsoil/fieldvoice/internal/voice"
)

const maxBodyBytes = 64 << 10

var corsHeaders = map[string]string{
	"Access-Control-Allow-Origin":  "*",
	"Access-Control-Allow-Methods": "GET, POST, PUT, DELETE, OPTIONS",
	"Access-Control-Allow-Headers": "Content-Type, Authorization, X-Client-Info, Apikey",
}

// Config holds the collaborators of a [Server].
type Config struct {
	// Auth resolves bearer tokens. When nil every caller is public.
	Auth Authenticator

	// Store reads profiles and records conversations. When nil nothing is
	// looked up or recorded.
	Store Store

	SignedURLs SignedURLSource
	Metrics    *observe.Metrics

	// Now and NewSessionID default to time.Now and uuid.NewString.
	Now          func() time.Time
	NewSessionID func() string
}

// Server is an [http.Handler] for [broker.FunctionPath].
type Server struct {
	cfg Config
}

// New returns a broker server.
func New(cfg Config) *Server {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewSessionID == nil {
		cfg.NewSessionID = uuid.NewString
	}
	return &Server{cfg: cfg}
}

// Register mounts the broker route on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.Handle(broker.FunctionPath, s)
}

// caller is the resolved identity of a request.
type caller struct {
	kind    voice.ContextKind
	userID  string
	profile *Profile
	details RoleDetails
}

// ServeHTTP implements [http.Handler].
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	for k, v := range corsHeaders {
		w.Header().Set(k, v)
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	var req broker.Request
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.fail(w, r, "", http.StatusBadRequest, "request body too large")
		return
	}
	if len(strings.TrimSpace(string(data))) > 0 {
		if err := sonic.Unmarshal(data, &req); err != nil {
			s.fail(w, r, "", http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	action := r.URL.Query().Get("action")
	if action == "" {
		action = req.Action
	}

	switch action {
	case broker.ActionGetSignedURL:
		s.signedURL(w, r, req)
	case broker.ActionEndConversation:
		s.endConversation(w, r, req)
	default:
		s.fail(w, r, action, http.StatusBadRequest, "Invalid action")
	}
}

func (s *Server) signedURL(w http.ResponseWriter, r *http.Request, req broker.Request) {
	ctx := r.Context()
	log := observe.Logger(ctx)

	c := s.resolve(ctx, r.Header.Get("Authorization"))
	conversationContext := ComposeContext(c.kind, c.profile, c.details)

	sessionID := req.SessionID
	if _, err := uuid.Parse(sessionID); err != nil {
		sessionID = s.cfg.NewSessionID()
	}

	if s.cfg.SignedURLs == nil {
		s.fail(w, r, broker.ActionGetSignedURL, http.StatusInternalServerError, "signed URL source not configured")
		return
	}
	signed, err := s.cfg.SignedURLs.SignedURL(ctx)
	if err != nil {
		log.Error("broker: signed url", "session_id", sessionID, "err", err)
		s.fail(w, r, broker.ActionGetSignedURL, http.StatusInternalServerError, publicMessage(err))
		return
	}

	if c.userID != "" && c.profile != nil && s.cfg.Store != nil {
		err := s.cfg.Store.InsertConversation(ctx, Conversation{
			ProfileID:   c.profile.ID,
			SessionID:   sessionID,
			ContextType: string(c.kind),
			UserRole:    c.profile.Role,
			Metadata:    map[string]any{"conversation_context": conversationContext},
		})
		if err != nil {
			log.Warn("broker: record conversation start", "session_id", sessionID, "err", err)
		}
	}

	log.Info("broker: signed url issued",
		"session_id", sessionID,
		"context", c.kind,
		"role", roleOf(c.profile),
	)
	s.reply(w, r, broker.ActionGetSignedURL, http.StatusOK, broker.SignedURLResponse{
		SignedURL:           signed,
		SessionID:           sessionID,
		ContextType:         string(c.kind),
		ConversationContext: conversationContext,
	})
}

func (s *Server) endConversation(w http.ResponseWriter, r *http.Request, req broker.Request) {
	ctx := r.Context()
	if req.SessionID != "" && s.cfg.Store != nil {
		if err := s.cfg.Store.EndConversation(ctx, req.SessionID, s.cfg.Now().UTC(), req.DurationSeconds); err != nil {
			observe.Logger(ctx).Error("broker: record conversation end", "session_id", req.SessionID, "err", err)
			s.fail(w, r, broker.ActionEndConversation, http.StatusInternalServerError, err.Error())
			return
		}
	}
	s.reply(w, r, broker.ActionEndConversation, http.StatusOK, broker.EndResponse{Success: true})
}

// resolve maps the Authorization header to a caller. Any failure leaves the
// caller public or, once authenticated, without a profile.
func (s *Server) resolve(ctx context.Context, header string) caller {
	c := caller{kind: voice.ContextPublic}
	if header == "" || s.cfg.Auth == nil {
		return c
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	userID, err := s.cfg.Auth.UserID(ctx, token)
	if err != nil {
		slog.Debug("broker: token not accepted, treating caller as public", "err", err)
		return c
	}
	c.kind = voice.ContextAuthenticated
	c.userID = userID

	if s.cfg.Store == nil {
		return c
	}
	profile, err := s.cfg.Store.ProfileByUserID(ctx, userID)
	if err != nil {
		slog.Warn("broker: load profile", "user_id", userID, "err", err)
		return c
	}
	if profile == nil {
		return c
	}
	c.profile = profile
	details, err := s.cfg.Store.RoleDetails(ctx, profile)
	if err != nil {
		slog.Warn("broker: load role details", "profile_id", profile.ID, "role", profile.Role, "err", err)
	}
	c.details = details
	return c
}

func (s *Server) reply(w http.ResponseWriter, r *http.Request, action string, status int, v any) {
	data, err := sonic.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		data = []byte(`{"error":"Internal server error"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordBrokerRequest(r.Context(), actionLabel(action), strconv.Itoa(status))
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, action string, status int, msg string) {
	s.reply(w, r, action, status, broker.ErrorResponse{Error: msg})
}

// publicMessage is the error text sent to clients.
func publicMessage(err error) string {
	var upstream *UpstreamError
	switch {
	case errors.As(err, &upstream):
		return upstream.Error()
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "ElevenLabs API temporarily unavailable"
	default:
		return err.Error()
	}
}

// actionLabel bounds the metric attribute to known actions.
func actionLabel(action string) string {
	switch action {
	case broker.ActionGetSignedURL, broker.ActionEndConversation:
		return action
	default:
		return "invalid"
	}
}

func roleOf(p *Profile) string {
	if p == nil {
		return ""
	}
	return string(p.Role)
}
