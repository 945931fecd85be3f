package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"threadline/internal/ratelimit"
	"threadline/internal/usertoken"
	"threadline/internal/util"
	"threadline/pkg/domain"
	"threadline/services/messaging/internal/app"
	"threadline/services/messaging/internal/authclient"
)

const (
	maxJSONBodyBytes = 1 << 20
	multipartMemory  = 32 << 20
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	Auth           *authclient.Client
	TokenVerifier  *usertoken.Verifier
	SendLimiter    *ratelimit.FixedWindowLimiter
	AllowedOrigins []string
	TrustedProxies *util.TrustedProxies
}

// Server exposes HTTP endpoints for the messaging service.
type Server struct {
	app            *app.App
	auth           *authclient.Client
	tokenVerifier  *usertoken.Verifier
	sendLimiter    *ratelimit.FixedWindowLimiter
	allowedOrigins []string
	trustedProxies *util.TrustedProxies
	mux            *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	if cfg.Auth == nil {
		return nil, errors.New("auth client required")
	}
	s := &Server{
		app:            cfg.App,
		auth:           cfg.Auth,
		tokenVerifier:  cfg.TokenVerifier,
		sendLimiter:    cfg.SendLimiter,
		allowedOrigins: cfg.AllowedOrigins,
		trustedProxies: cfg.TrustedProxies,
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	h := util.WithSecurityHeaders(util.WithCORS(s.allowedOrigins, s.mux))
	return util.WithRequestID(util.WithRequestLog("messaging", s.trustedProxies, h))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /status", s.handleStatus)

	s.mux.Handle("POST /messages", s.withUser(s.handleSend))
	s.mux.Handle("GET /inbox", s.withUser(s.handleInbox))
	s.mux.Handle("GET /sent", s.withUser(s.handleSent))
	s.mux.Handle("GET /conversations/{id}", s.withUser(s.handleGetConversation))
	s.mux.Handle("POST /conversations/{id}/read", s.withUser(s.handleMarkRead))
	s.mux.Handle("DELETE /conversations/{id}", s.withUser(s.handleDeleteConversation))
	s.mux.Handle("GET /attachments/{blobId}", s.withUser(s.handleAttachment))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"Status": "Running"})
}

type userHandler func(http.ResponseWriter, *http.Request, string, domain.User)

func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			s.audit(r, "messaging.authorize", "fail", "reason", "missing_token")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		ctx := r.Context()
		subject := ""
		if s.tokenVerifier != nil {
			sub, err := s.tokenVerifier.VerifySubject(ctx, token)
			if err != nil {
				s.audit(r, "messaging.authorize", "fail", "reason", "invalid_signature_or_claims")
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			subject = sub
		}
		user, err := s.auth.Me(ctx, token)
		if err != nil {
			s.audit(r, "messaging.authorize", "fail", "reason", "auth_me_failed")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if subject != "" && subject != user.ID {
			s.audit(r, "messaging.authorize", "fail", "reason", "subject_mismatch")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		ctx = util.ContextWithLogger(ctx, util.LoggerFromContext(ctx).With("user_id", user.ID))
		next(w, r.WithContext(ctx), token, user)
	})
}

type sendRequest struct {
	ConversationID    string               `json:"conversationId"`
	RecipientUserID   string               `json:"recipientUserId"`
	RecipientFullName string               `json:"recipientFullName"`
	Participants      []domain.Participant `json:"participants"`
	ConversationTitle string               `json:"conversationTitle"`
	Content           string               `json:"content"`
	AttachedContent   json.RawMessage      `json:"attachedContent"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request, _ string, user domain.User) {
	if !s.allowSend(w, r, user) {
		return
	}
	req, files, err := s.decodeSend(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.app.Send(r.Context(), user, app.SendRequest{
		ConversationID:  req.ConversationID,
		RecipientID:     req.RecipientUserID,
		RecipientName:   req.RecipientFullName,
		Participants:    req.Participants,
		Title:           req.ConversationTitle,
		Content:         req.Content,
		AttachedContent: req.AttachedContent,
		Files:           files,
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// decodeSend accepts a JSON body, or multipart with a JSON "payload" field
// and any number of "files" parts.
func (s *Server) decodeSend(w http.ResponseWriter, r *http.Request) (sendRequest, []app.FileUpload, error) {
	var req sendRequest
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBodyBytes)).Decode(&req); err != nil {
			return req, nil, errors.New("invalid JSON body")
		}
		return req, nil, nil
	}

	maxFile := s.app.MaxUploadBytes()
	r.Body = http.MaxBytesReader(w, r.Body, maxFile*int64(s.app.MaxAttachments())+maxJSONBodyBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return req, nil, errors.New("request body too large")
		}
		return req, nil, errors.New("invalid form data")
	}
	defer r.MultipartForm.RemoveAll()
	if payload := r.FormValue("payload"); payload != "" {
		if err := json.Unmarshal([]byte(payload), &req); err != nil {
			return req, nil, errors.New("invalid payload JSON")
		}
	}
	headers := r.MultipartForm.File["files"]
	files := make([]app.FileUpload, 0, len(headers))
	for _, header := range headers {
		f, err := header.Open()
		if err != nil {
			return req, nil, errors.New("unreadable file part")
		}
		// One byte over the limit is enough for the app to reject the file.
		data, err := io.ReadAll(io.LimitReader(f, maxFile+1))
		f.Close()
		if err != nil {
			return req, nil, errors.New("unreadable file part")
		}
		files = append(files, app.FileUpload{
			Name:     header.Filename,
			MimeType: header.Header.Get("Content-Type"),
			Data:     data,
		})
	}
	return req, files, nil
}

func (s *Server) allowSend(w http.ResponseWriter, r *http.Request, user domain.User) bool {
	if s.sendLimiter == nil {
		return true
	}
	decision, err := s.sendLimiter.Allow(r.Context(), user.ID)
	if err != nil {
		util.LoggerFromContext(r.Context()).Warn("send rate limiter unavailable", "err", err)
	}
	if decision.Allowed {
		return true
	}
	retry := int(decision.RetryAfter.Round(time.Second) / time.Second)
	if retry < 1 {
		retry = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	writeError(w, http.StatusTooManyRequests, "too many messages")
	return false
}

func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request, _ string, user domain.User) {
	convs, err := s.app.Inbox(r.Context(), user, queryLimit(r))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": convs, "count": len(convs)})
}

func (s *Server) handleSent(w http.ResponseWriter, r *http.Request, _ string, user domain.User) {
	convs, err := s.app.Sent(r.Context(), user, queryLimit(r))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": convs, "count": len(convs)})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request, token string, user domain.User) {
	view, err := s.app.GetConversation(r.Context(), user, token, r.PathValue("id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request, _ string, user domain.User) {
	conv, err := s.app.MarkRead(r.Context(), user, r.PathValue("id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request, _ string, user domain.User) {
	if err := s.app.Delete(r.Context(), user, r.PathValue("id")); err != nil {
		writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAttachment(w http.ResponseWriter, r *http.Request, _ string, user domain.User) {
	link, err := s.app.AttachmentURL(r.Context(), user, r.PathValue("blobId"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, link)
}

func queryLimit(r *http.Request) int {
	n, err := strconv.Atoi(strings.TrimSpace(r.URL.Query().Get("limit")))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", util.ClientIP(r, s.trustedProxies),
	}
	logAttrs = append(logAttrs, attrs...)
	util.LoggerFromContext(r.Context()).Warn("security_event", logAttrs...)
}

func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, app.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, app.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrConversationNotFound):
		writeError(w, http.StatusNotFound, app.ErrConversationNotFound.Error())
	case errors.Is(err, app.ErrBlobNotFound):
		writeError(w, http.StatusNotFound, app.ErrBlobNotFound.Error())
	case errors.Is(err, app.ErrConversationForbidden):
		writeError(w, http.StatusForbidden, app.ErrConversationForbidden.Error())
	case errors.Is(err, app.ErrConflict):
		writeError(w, http.StatusConflict, app.ErrConflict.Error())
	default:
		util.LoggerFromContext(r.Context()).Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Debug("write response failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
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
