package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"lexcomply/internal/analysis"
	"lexcomply/internal/audit"
	"lexcomply/internal/chat"
	"lexcomply/internal/compliance"
	"lexcomply/internal/ingest"
	"lexcomply/internal/metrics"
	"lexcomply/internal/ratelimit"
	"lexcomply/internal/usertoken"
	"lexcomply/internal/util"
	"lexcomply/pkg/domain"
	"lexcomply/services/api/internal/app"
)

const (
	maxJSONBodyBytes = 1 << 20
	multipartMemory  = 32 << 20
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App           *app.App
	TokenVerifier *usertoken.Verifier
	// Limiter guards the AI endpoints. Nil disables rate limiting.
	Limiter            *ratelimit.FixedWindowLimiter
	CORSAllowedOrigins []string
	TrustedProxies     *util.TrustedProxies
	MaxUploadBytes     int64
}

// Server exposes HTTP endpoints for the backend.
type Server struct {
	app            *app.App
	tokenVerifier  *usertoken.Verifier
	limiter        *ratelimit.FixedWindowLimiter
	corsOrigins    []string
	trusted        *util.TrustedProxies
	maxUploadBytes int64
	router         chi.Router
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("server requires app")
	}
	if cfg.TokenVerifier == nil {
		return nil, errors.New("server requires token verifier")
	}
	maxUpload := cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = 10*(50<<20) + (1 << 20)
	}
	s := &Server{
		app:            cfg.App,
		tokenVerifier:  cfg.TokenVerifier,
		limiter:        cfg.Limiter,
		corsOrigins:    cfg.CORSAllowedOrigins,
		trusted:        cfg.TrustedProxies,
		maxUploadBytes: maxUpload,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("api", util.WithSecurityHeaders(util.WithCORS(s.corsOrigins, s.router))))
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(metrics.Middleware)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "SYSTEM_NOT_FOUND", "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "INVALID_REQUEST", "method not allowed")
	})

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())
	r.Get("/uploads/{filename}", s.authenticated(s.handleUploadedFile))

	r.Route("/api", func(r chi.Router) {
		// auth
		r.Get("/auth/user", s.authenticated(s.handleCurrentUser))
		r.Post("/auth/logout", s.authenticated(s.handleLogout))

		// documents
		r.Post("/documents/upload", s.authenticated(s.handleUpload))
		r.Get("/documents", s.authenticated(s.handleListDocuments))
		r.Get("/documents/{id}", s.authenticated(s.handleGetDocument))
		r.Get("/documents/{id}/download", s.authenticated(s.handleDownload))
		r.Delete("/documents/{id}", s.authenticated(s.handleDeleteDocument))

		// ai
		r.Post("/chat", s.authenticated(s.handleChat))
		r.Get("/chat/{sessionId}", s.authenticated(s.handleChatHistory))
		r.Post("/contracts/generate", s.authenticated(s.handleGenerateContract))

		// compliance
		r.Get("/compliance/score", s.authenticated(s.handleComplianceScore))
		r.Post("/compliance/score", s.authenticated(s.handleComplianceScoreWithContent))
		r.Post("/compliance/check", s.authenticated(s.handleComplianceCheck))
		r.Post("/compliance/generate-report", s.authenticated(s.handleGenerateReport))
		r.Get("/compliance/reports", s.authenticated(s.handleComplianceReports))

		// audit & stats
		r.Get("/audit-logs", s.authenticated(s.handleAuditLogs))
		r.Get("/audit-logs/stats", s.authenticated(s.handleAuditStats))
		r.Get("/stats", s.authenticated(s.handleStats))

		// admin
		r.Get("/admin/users", s.authenticated(s.handleAdminListUsers))
		r.Patch("/admin/users/{id}", s.authenticated(s.handleAdminUpdateUser))
	})
	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// principal is the verified caller passed to every authenticated handler.
type principal struct {
	User   domain.User
	Claims usertoken.Claims
}

type authHandler func(http.ResponseWriter, *http.Request, principal)

func (s *Server) authenticated(next authHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			s.securityEvent(r, "api.token.verify", "fail", "reason", "missing_token")
			writeError(w, r, http.StatusUnauthorized, "AUTH_INVALID_TOKEN", "unauthorized")
			return
		}
		claims, err := s.tokenVerifier.Verify(r.Context(), token)
		if err != nil {
			reason := "invalid_signature_or_claims"
			if errors.Is(err, usertoken.ErrRevoked) {
				reason = "revoked"
			}
			s.securityEvent(r, "api.token.verify", "fail", "reason", reason)
			writeError(w, r, http.StatusUnauthorized, "AUTH_INVALID_TOKEN", "unauthorized")
			return
		}
		user, err := s.app.UserFromClaims(claims)
		if errors.Is(err, app.ErrForbidden) {
			s.securityEvent(r, "api.authorize", "fail", "user_id", claims.Subject, "reason", "inactive")
			writeError(w, r, http.StatusForbidden, "AUTH_FORBIDDEN", "account disabled")
			return
		}
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		ctx := util.ContextWithLogger(r.Context(), util.LoggerFromContext(r.Context()).With("user_id", user.ID))
		next(w, r.WithContext(ctx), principal{User: user, Claims: claims})
	}
}

func (s *Server) auditContext(r *http.Request, p principal) audit.Context {
	return audit.Context{
		UserID:    p.User.ID,
		IPAddress: util.ClientIP(r, s.trusted),
		UserAgent: r.UserAgent(),
		SessionID: p.Claims.ID,
	}
}

// auth

func (s *Server) handleCurrentUser(w http.ResponseWriter, _ *http.Request, p principal) {
	writeJSON(w, http.StatusOK, p.User)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, p principal) {
	if err := s.tokenVerifier.Revoke(r.Context(), p.Claims); err != nil {
		writeAppError(w, r, fmt.Errorf("revoke token: %w", err))
		return
	}
	s.app.Logout(r.Context(), s.auditContext(r, p))
	s.securityEvent(r, "api.logout", "success", "user_id", p.User.ID)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Logged out successfully"})
}

// documents

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, p principal) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			writeAppError(w, r, ingest.ErrFileTooLarge)
		case errors.Is(err, http.ErrNotMultipart), errors.Is(err, http.ErrMissingBoundary):
			writeAppError(w, r, ingest.ErrNoFiles)
		default:
			writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "invalid multipart form")
		}
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File["files"]
	files := make([]ingest.File, 0, len(headers))
	for _, fh := range headers {
		files = append(files, ingest.File{
			Name:        fh.Filename,
			Size:        fh.Size,
			ContentType: fh.Header.Get("Content-Type"),
			Open: func() (io.ReadCloser, error) {
				f, err := fh.Open()
				if err != nil {
					return nil, err
				}
				return f, nil
			},
		})
	}
	docs, err := s.app.Documents().Upload(r.Context(), p.User, s.auditContext(r, p), files)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"documents": docs})
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request, p principal) {
	docs, err := s.app.Documents().ListDocuments(p.User, parseLimit(r))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, docs)
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request, p principal) {
	doc, err := s.app.Documents().GetDocument(r.Context(), p.User, s.auditContext(r, p), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request, p principal) {
	url, doc, err := s.app.Documents().DownloadURL(r.Context(), p.User, s.auditContext(r, p), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url, "filename": doc.OriginalName})
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request, p principal) {
	if err := s.app.Documents().DeleteDocument(r.Context(), p.User, s.auditContext(r, p), chi.URLParam(r, "id")); err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Document deleted successfully"})
}

func (s *Server) handleUploadedFile(w http.ResponseWriter, r *http.Request, p principal) {
	rc, doc, err := s.app.Documents().OpenFile(r.Context(), p.User, chi.URLParam(r, "filename"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", doc.MimeType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": doc.OriginalName}))
	if doc.FileSize > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(doc.FileSize, 10))
	}
	if _, err := io.Copy(w, rc); err != nil {
		util.LoggerFromContext(r.Context()).Warn("file_stream_failed", "document_id", doc.ID, "err", err)
	}
}

// ai

type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request, p principal) {
	var req chatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeAppError(w, r, chat.ErrEmptyMessage)
		return
	}
	if !s.allowRate(w, r, p, "chat") {
		return
	}
	reply, err := s.app.Chat().Send(r.Context(), p.User, s.auditContext(r, p), req.SessionID, req.Message)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"response":         reply.Message,
		"suggestions":      reply.Suggestions,
		"relatedDocuments": reply.RelatedDocuments,
		"sessionId":        reply.SessionID,
	})
}

func (s *Server) handleChatHistory(w http.ResponseWriter, r *http.Request, p principal) {
	msgs, err := s.app.Chat().History(p.User, chi.URLParam(r, "sessionId"), parseLimit(r))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

type contractRequest struct {
	ContractType string `json:"contractType"`
	Requirements string `json:"requirements"`
	Jurisdiction string `json:"jurisdiction"`
}

func (s *Server) handleGenerateContract(w http.ResponseWriter, r *http.Request, p principal) {
	var req contractRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ContractType) == "" || strings.TrimSpace(req.Requirements) == "" {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "Contract type and requirements are required")
		return
	}
	if !s.allowRate(w, r, p, "contract") {
		return
	}
	contract, err := s.app.GenerateContract(r.Context(), p.User, s.auditContext(r, p), req.ContractType, req.Requirements, req.Jurisdiction)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"contract": contract})
}

// compliance

func (s *Server) handleComplianceScore(w http.ResponseWriter, r *http.Request, p principal) {
	m, err := s.app.Compliance().Score(p.User.ID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type contentRequest struct {
	Content        string `json:"content"`
	ComplianceType string `json:"complianceType"`
}

func (s *Server) handleComplianceScoreWithContent(w http.ResponseWriter, r *http.Request, p principal) {
	var req contentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "Content is required")
		return
	}
	if !s.allowRate(w, r, p, "check") {
		return
	}
	m, err := s.app.Compliance().ScoreWithContent(r.Context(), p.User, s.auditContext(r, p), req.Content)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleComplianceCheck(w http.ResponseWriter, r *http.Request, p principal) {
	var req contentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "Content is required")
		return
	}
	if !s.allowRate(w, r, p, "check") {
		return
	}
	check, err := s.app.Compliance().Check(r.Context(), p.User, s.auditContext(r, p), req.Content, req.ComplianceType)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, check)
}

type reportRequest struct {
	ReportType string `json:"reportType"`
}

func (s *Server) handleGenerateReport(w http.ResponseWriter, r *http.Request, p principal) {
	var req reportRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	reportType := domain.ReportType(strings.TrimSpace(req.ReportType))
	if reportType == "" {
		reportType = domain.ReportGDPR
	}
	if !reportType.Valid() {
		writeAppError(w, r, compliance.ErrInvalidReportType)
		return
	}
	if !s.allowRate(w, r, p, "report") {
		return
	}
	report, err := s.app.Compliance().GenerateReport(r.Context(), p.User, s.auditContext(r, p), reportType)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Compliance report generated successfully",
		"report":  report,
	})
}

func (s *Server) handleComplianceReports(w http.ResponseWriter, r *http.Request, p principal) {
	reports, err := s.app.ComplianceReports(p.User, parseLimit(r))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reports)
}

// audit & stats

func (s *Server) handleAuditLogs(w http.ResponseWriter, r *http.Request, p principal) {
	logs, err := s.app.AuditLogs(p.User, parseLimit(r))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *Server) handleAuditStats(w http.ResponseWriter, r *http.Request, p principal) {
	stats, err := s.app.AuditStats(p.User)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request, p principal) {
	stats, err := s.app.Stats(p.User)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// admin

func (s *Server) handleAdminListUsers(w http.ResponseWriter, r *http.Request, p principal) {
	users, err := s.app.ListUsers(p.User)
	if err != nil {
		if errors.Is(err, app.ErrForbidden) {
			s.securityEvent(r, "api.admin.authorize", "fail", "user_id", p.User.ID, "reason", "forbidden")
		}
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": users, "count": len(users)})
}

type adminUserUpdateRequest struct {
	Role      *domain.UserRole `json:"role"`
	Plan      *domain.Plan     `json:"plan"`
	PlanLimit *int             `json:"planLimit"`
	IsActive  *bool            `json:"isActive"`
}

func (s *Server) handleAdminUpdateUser(w http.ResponseWriter, r *http.Request, p principal) {
	var req adminUserUpdateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	updated, err := s.app.UpdateUser(r.Context(), p.User, s.auditContext(r, p), id, app.UserChanges{
		Role:      req.Role,
		Plan:      req.Plan,
		PlanLimit: req.PlanLimit,
		IsActive:  req.IsActive,
	})
	if err != nil {
		if errors.Is(err, app.ErrForbidden) {
			s.securityEvent(r, "api.admin.authorize", "fail", "user_id", p.User.ID, "reason", "forbidden")
		}
		writeAppError(w, r, err)
		return
	}
	s.securityEvent(r, "api.admin.user.update", "success", "user_id", p.User.ID, "target_user_id", id)
	writeJSON(w, http.StatusOK, updated)
}

// helpers

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, p principal, bucket string) bool {
	if s.limiter == nil {
		return true
	}
	d := s.limiter.Allow(r.Context(), bucket+":"+p.User.ID)
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(s.limiter.Limit()))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	if d.Allowed {
		return true
	}
	retry := int(d.RetryAfter.Seconds())
	if retry < 1 {
		retry = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	s.securityEvent(r, "api.ratelimit", "fail", "user_id", p.User.ID, "bucket", bucket)
	writeError(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests. Please try again later.")
	return false
}

func (s *Server) securityEvent(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", util.ClientIP(r, s.trusted),
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)
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

func parseLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil {
		return 0
	}
	return n
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON body")
		return false
	}
	return true
}

// writeAppError maps a domain error onto a status and error code.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ingest.ErrNoFiles):
		writeError(w, r, http.StatusBadRequest, "DOCUMENT_NO_FILES", err.Error())
	case errors.Is(err, ingest.ErrTooManyFiles):
		writeError(w, r, http.StatusBadRequest, "DOCUMENT_TOO_MANY_FILES", err.Error())
	case errors.Is(err, ingest.ErrFileTooLarge):
		writeError(w, r, http.StatusBadRequest, "DOCUMENT_FILE_TOO_LARGE", err.Error())
	case errors.Is(err, ingest.ErrUnsupportedType):
		writeError(w, r, http.StatusBadRequest, "DOCUMENT_UNSUPPORTED_TYPE", err.Error())
	case errors.Is(err, app.ErrInvalidRequest), errors.Is(err, chat.ErrEmptyMessage), errors.Is(err, compliance.ErrInvalidReportType):
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	case errors.Is(err, app.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "AUTH_FORBIDDEN", "forbidden")
	case errors.Is(err, ingest.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "DOCUMENT_NOT_FOUND", "Document not found")
	case errors.Is(err, app.ErrUserNotFound):
		writeError(w, r, http.StatusNotFound, "SYSTEM_NOT_FOUND", "User not found")
	case errors.Is(err, analysis.ErrAIService):
		util.LoggerFromContext(r.Context()).Error("ai_service_failure", "path", r.URL.Path, "err", err)
		writeError(w, r, http.StatusBadGateway, "AI_SERVICE_FAILURE", "AI service unavailable")
	default:
		util.LoggerFromContext(r.Context()).Error("request_failed", "path", r.URL.Path, "err", err)
		writeError(w, r, http.StatusInternalServerError, "SYSTEM_INTERNAL_ERROR", "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Debug("response_encode_failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, status, map[string]string{
		"error":     msg,
		"code":      code,
		"requestId": util.RequestIDFromRequest(r),
	})
}
