package server

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"sciecho/internal/usertoken"
	"sciecho/internal/util"
	"sciecho/pkg/domain"
	"sciecho/pkg/quota"
	"sciecho/pkg/store"
	"sciecho/services/paper/internal/app"
	"sciecho/services/paper/internal/authclient"
)

const (
	multipartMemory  = 32 << 20
	multipartSlack   = 1 << 20
	maxJSONBodyBytes = 64 << 10

	// revokeTTL bounds the local revocation of a signed-out token whose
	// expiry is unknown.
	revokeTTL = time.Hour
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App           *app.App
	Auth          *authclient.Client
	TokenVerifier *usertoken.Verifier
	// Revoker rejects tokens signed out through this service. Optional.
	Revoker            store.TokenRevoker
	CORSAllowedOrigins []string
}

// Server exposes the paper HTTP API.
type Server struct {
	app           *app.App
	auth          *authclient.Client
	tokenVerifier *usertoken.Verifier
	revoker       store.TokenRevoker
	corsOrigins   []string
	mux           *http.ServeMux
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
		app:           cfg.App,
		auth:          cfg.Auth,
		tokenVerifier: cfg.TokenVerifier,
		revoker:       cfg.Revoker,
		corsOrigins:   cfg.CORSAllowedOrigins,
		mux:           http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("paper", util.WithSecurityHeaders(util.WithCORS(s.corsOrigins, s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/api/me", s.withPrincipal(s.handleMe))
	s.mux.HandleFunc("/api/auth/logout", s.handleLogout)
	s.mux.Handle("/api/status", s.withPrincipal(s.handleStatus))
	s.mux.Handle("/api/document", s.withPrincipal(s.handleDocument))
	s.mux.Handle("/api/document/download", s.withPrincipal(s.handleDownload))
	s.mux.Handle("/api/questions", s.withPrincipal(s.handleQuestions))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type principalHandler func(http.ResponseWriter, *http.Request, domain.Principal)

// withPrincipal resolves the bearer token to a principal. A configured
// verifier checks the token locally before the auth service is asked.
func (s *Server) withPrincipal(next principalHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", "AUTH_INVALID_TOKEN")
			return
		}
		logger := util.LoggerFromContext(r.Context())
		if s.revoker != nil {
			revoked, err := s.revoker.IsRevoked(r.Context(), token)
			if err != nil {
				logger.Warn("token revocation check failed", "error", err)
			}
			if revoked {
				writeError(w, http.StatusUnauthorized, "unauthorized", "AUTH_INVALID_TOKEN")
				return
			}
		}
		subject := ""
		if s.tokenVerifier != nil {
			sub, err := s.tokenVerifier.VerifySubject(r.Context(), token)
			if err != nil {
				logger.Info("token rejected", "error", err)
				writeError(w, http.StatusUnauthorized, "unauthorized", "AUTH_INVALID_TOKEN")
				return
			}
			subject = sub
		}
		principal, err := s.auth.Me(r.Context(), token)
		if err != nil {
			writeAuthError(w, r, err)
			return
		}
		if subject != "" && subject != principal.ID {
			logger.Warn("token subject does not match principal", "subject", subject, "principal", principal.ID)
			writeError(w, http.StatusUnauthorized, "unauthorized", "AUTH_INVALID_TOKEN")
			return
		}
		ctx := util.ContextWithLogger(r.Context(), logger.With("account_id", principal.ID))
		next(w, r.WithContext(ctx), principal)
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, principal domain.Principal) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	status, err := s.app.Bootstrap(r.Context(), principal.ID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, meResponse{User: principal, Status: status})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req logoutRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body", "PAPER_INVALID_INPUT")
		return
	}
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "AUTH_INVALID_TOKEN")
		return
	}
	if err := s.auth.Logout(r.Context(), token, req.RefreshToken); err != nil {
		writeAuthError(w, r, err)
		return
	}
	if s.revoker != nil {
		if err := s.revoker.Revoke(r.Context(), token, s.tokenTTL(r, token)); err != nil {
			util.LoggerFromContext(r.Context()).Warn("revoke signed-out token", "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// tokenTTL is the remaining lifetime of token, or revokeTTL when it cannot be read.
func (s *Server) tokenTTL(r *http.Request, token string) time.Duration {
	if s.tokenVerifier == nil {
		return revokeTTL
	}
	claims, err := s.tokenVerifier.Verify(r.Context(), token)
	if err != nil || claims.ExpiresAt == nil {
		return revokeTTL
	}
	return time.Until(claims.ExpiresAt.Time)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, principal domain.Principal) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	status, err := s.app.GetStatus(r.Context(), principal.ID, time.Time{})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request, principal domain.Principal) {
	switch r.Method {
	case http.MethodPost:
		s.handleUpload(w, r, principal)
	case http.MethodGet:
		doc, ok, err := s.app.CurrentDocument(r.Context(), principal.ID)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		if !ok {
			writeError(w, http.StatusNotFound, "no document uploaded", "PAPER_DOCUMENT_NOT_FOUND")
			return
		}
		writeJSON(w, http.StatusOK, doc)
	case http.MethodDelete:
		if err := s.app.DiscardDocument(r.Context(), principal.ID); err != nil {
			s.writeAppError(w, r, err)
			return
		}
		status, err := s.app.GetStatus(r.Context(), principal.ID, time.Time{})
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, principal domain.Principal) {
	limit := s.app.MaxUploadBytes()
	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartSlack)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeAppError(w, r, app.ErrPayloadTooLarge)
			return
		}
		writeError(w, http.StatusBadRequest, "invalid form data", "PAPER_INVALID_INPUT")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required (field: file)", "PAPER_INVALID_INPUT")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read file", "PAPER_INVALID_INPUT")
		return
	}
	mimeType := strings.TrimSpace(header.Header.Get("Content-Type"))
	if mimeType == "" || strings.HasPrefix(mimeType, "application/octet-stream") {
		mimeType = http.DetectContentType(data)
	}
	result, err := s.app.SubmitUpload(r.Context(), app.UploadRequest{
		AccountID: principal.ID,
		Filename:  header.Filename,
		Content:   data,
		SizeBytes: max(header.Size, int64(len(data))),
		MimeType:  mimeType,
	})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request, principal domain.Principal) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	url, filename, err := s.app.DownloadURL(r.Context(), principal.ID)
	if errors.Is(err, app.ErrNoDocument) || errors.Is(err, app.ErrNotArchived) {
		writeError(w, http.StatusNotFound, "no archived document", "PAPER_DOCUMENT_NOT_FOUND")
		return
	}
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, downloadResponse{URL: url, Filename: filename})
}

func (s *Server) handleQuestions(w http.ResponseWriter, r *http.Request, principal domain.Principal) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req questionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", "PAPER_INVALID_INPUT")
		return
	}
	result, err := s.app.SubmitQuestion(r.Context(), app.QuestionRequest{
		AccountID: principal.ID,
		Question:  req.Question,
	})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	logger := util.LoggerFromContext(r.Context())
	var appErr *app.Error
	if !errors.As(err, &appErr) {
		logger.Error("unclassified paper error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error", "SYSTEM_INTERNAL_ERROR")
		return
	}
	resp := errorResponse{Error: appErr.Error(), Usage: appErr.Usage}
	status := http.StatusInternalServerError
	switch appErr.Kind {
	case app.KindInvalidInput:
		status, resp.Code = http.StatusBadRequest, "PAPER_INVALID_INPUT"
	case app.KindPayloadTooLarge:
		status, resp.Code = http.StatusRequestEntityTooLarge, "PAPER_FILE_TOO_LARGE"
		resp.Error = "file exceeds " + strconv.FormatInt(s.app.MaxUploadBytes()>>20, 10) + " MiB"
	case app.KindQuotaExceeded:
		status = http.StatusTooManyRequests
		resp.Code = "PAPER_QUESTION_QUOTA_EXCEEDED"
		if appErr.Quota == quota.KindUpload {
			resp.Code = "PAPER_UPLOAD_QUOTA_EXCEEDED"
		}
		now := s.app.Now()
		reset := quota.NextReset(now)
		resp.Error = "daily " + string(appErr.Quota) + " limit reached, try again after " + reset.Format(time.RFC3339)
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(now, reset)))
	case app.KindPreconditionFailed:
		status, resp.Code = http.StatusConflict, "PAPER_NO_DOCUMENT"
		resp.Error = "upload a paper before asking questions"
	case app.KindUpstreamFailure:
		status, resp.Code = http.StatusBadGateway, "PAPER_UPSTREAM_FAILURE"
		resp.Error = "the paper engine failed, please try again"
		logger.Warn("engine failure", "error", err)
	case app.KindPartialFailure:
		status, resp.Code = http.StatusInternalServerError, "PAPER_PARTIAL_FAILURE"
		resp.Error = "the request completed but usage could not be recorded"
		logger.Error("partial failure", "error", err)
	case app.KindStoreUnavailable:
		status, resp.Code = http.StatusServiceUnavailable, "SYSTEM_STORE_UNAVAILABLE"
		resp.Error = "storage unavailable, please try again"
		logger.Error("store unavailable", "error", err)
	default:
		resp.Code = "SYSTEM_INTERNAL_ERROR"
		logger.Error("unknown paper error kind", "kind", appErr.Kind, "error", err)
	}
	resp.RequestID = strings.TrimSpace(w.Header().Get("X-Request-Id"))
	writeJSON(w, status, resp)
}

func retryAfterSeconds(now, reset time.Time) int {
	return max(int(math.Ceil(reset.Sub(now).Seconds())), 1)
}

func writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *authclient.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden {
			writeError(w, apiErr.Status, apiErr.Message, "AUTH_INVALID_TOKEN")
			return
		}
		writeError(w, http.StatusBadGateway, "auth service error", "AUTH_SERVICE_UNAVAILABLE")
		return
	}
	util.LoggerFromContext(r.Context()).Warn("auth service unreachable", "error", err)
	writeError(w, http.StatusBadGateway, "auth service unavailable", "AUTH_SERVICE_UNAVAILABLE")
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed", "SYSTEM_METHOD_NOT_ALLOWED")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string        `json:"error"`
	Code      string        `json:"code"`
	RequestID string        `json:"requestId,omitempty"`
	Usage     *domain.Usage `json:"usage,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      code,
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

type meResponse struct {
	User   domain.Principal `json:"user"`
	Status domain.Status    `json:"status"`
}

type logoutRequest struct {
	RefreshToken string `json:"refreshToken,omitempty"`
}

type questionRequest struct {
	Question string `json:"question"`
}

type downloadResponse struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
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
