package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"auditdesk/api/internal/export"
	"auditdesk/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
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
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/companies" {
		companies, err := s.service.CompanyOverview(r.Context())
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"companies": companies})
		return
	}

	if r.Method == http.MethodPatch && r.URL.Path == "/api/companies" {
		s.handleCompanyDueDate(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/workspace" {
		companyID := strings.TrimSpace(r.URL.Query().Get("companyId"))
		if companyID == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "companyId is required", nil)
			return
		}
		viewerName := strings.TrimSpace(r.URL.Query().Get("viewerName"))
		workspace, err := s.service.CompanyWorkspace(r.Context(), companyID, viewerName)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, workspace)
		return
	}

	if r.Method == http.MethodPatch && r.URL.Path == "/api/tasks" {
		s.handleTaskUpdate(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/locks" {
		s.handleLockAction(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/stage/advance" {
		s.handleStageAdvance(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/stage/signing" {
		s.handleSendToSigning(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/risk-checklist" {
		s.handleRiskChecklist(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/discussions" {
		s.handleDiscussion(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/presence" {
		s.handlePresencePing(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/presence/leave" {
		s.handlePresenceLeave(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/notifications" {
		viewerName := strings.TrimSpace(r.URL.Query().Get("viewerName"))
		items, err := s.service.NotificationsForViewer(r.Context(), viewerName)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"notifications": items})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/notifications" {
		s.handleNotificationAction(w, r)
		return
	}

	if r.Method == http.MethodPut && r.URL.Path == "/api/signing-document" {
		s.handleSigningDocumentUpdate(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/signing-document/history" {
		companyID := strings.TrimSpace(r.URL.Query().Get("companyId"))
		if companyID == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "companyId is required", nil)
			return
		}
		versions, err := s.service.SigningDocumentHistory(r.Context(), companyID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/signing-document/version" {
		companyID := strings.TrimSpace(r.URL.Query().Get("companyId"))
		hash := strings.TrimSpace(r.URL.Query().Get("hash"))
		if companyID == "" || hash == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "companyId and hash are required", nil)
			return
		}
		content, err := s.service.SigningDocumentVersion(r.Context(), companyID, hash)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"hash": hash, "content": content})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/signing-document/export" {
		s.handleSigningDocumentExport(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/dashboard" {
		dashboard, err := s.service.DashboardSummary(r.Context())
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, dashboard)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		q := strings.TrimSpace(r.URL.Query().Get("q"))
		filterType := strings.TrimSpace(r.URL.Query().Get("type"))
		limit := 20
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
				return
			}
			limit = parsed
		}
		writeJSON(w, http.StatusOK, s.service.Search(q, limit, filterType))
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

type actorBody struct {
	CompanyID string `json:"companyId"`
	ActorID   string `json:"actorId"`
	ActorName string `json:"actorName"`
	ActorRole string `json:"actorRole"`
}

func (b actorBody) validate() (int, string, string) {
	if strings.TrimSpace(b.CompanyID) == "" {
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "companyId is required"
	}
	if strings.TrimSpace(b.ActorID) == "" {
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "actorId is required"
	}
	return 0, "", ""
}

func (s *HTTPServer) handleLockAction(w http.ResponseWriter, r *http.Request) {
	var body struct {
		actorBody
		Action string `json:"action"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if status, code, message := body.validate(); status != 0 {
		writeError(w, status, code, message, nil)
		return
	}

	switch body.Action {
	case "claim":
		if utf8.RuneCountInString(strings.TrimSpace(body.ActorName)) < 2 {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "actorName must be at least 2 characters", nil)
			return
		}
		lock, err := s.service.ClaimLock(r.Context(), body.CompanyID, body.ActorID, strings.TrimSpace(body.ActorName), body.ActorRole)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"lock": lock})
	case "renew":
		lock, err := s.service.RenewLock(r.Context(), body.CompanyID, body.ActorID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"lock": lock})
	case "release":
		if err := s.service.ReleaseLock(r.Context(), body.CompanyID, body.ActorID); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case "force_release":
		if err := s.service.ForceReleaseLock(r.Context(), body.CompanyID, body.ActorRole); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "action must be one of claim, renew, release, force_release", nil)
	}
}

func (s *HTTPServer) handleStageAdvance(w http.ResponseWriter, r *http.Request) {
	var body actorBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if status, code, message := body.validate(); status != 0 {
		writeError(w, status, code, message, nil)
		return
	}
	company, err := s.service.AdvanceStage(r.Context(), body.CompanyID, body.ActorID, body.ActorRole)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"company": company})
}

func (s *HTTPServer) handleSendToSigning(w http.ResponseWriter, r *http.Request) {
	var body actorBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if status, code, message := body.validate(); status != 0 {
		writeError(w, status, code, message, nil)
		return
	}
	company, err := s.service.SendToSigning(r.Context(), body.CompanyID, body.ActorID, body.ActorRole)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"company": company})
}

func (s *HTTPServer) handleTaskUpdate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		actorBody
		TaskID   string  `json:"taskId"`
		Status   *string `json:"status"`
		Comment  *string `json:"comment"`
		Evidence *string `json:"evidence"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if status, code, message := body.validate(); status != 0 {
		writeError(w, status, code, message, nil)
		return
	}
	if strings.TrimSpace(body.TaskID) == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "taskId is required", nil)
		return
	}
	if body.Status == nil && body.Comment == nil && body.Evidence == nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "At least one of status, comment, evidence is required", nil)
		return
	}
	if body.Status != nil && !ValidTaskStatus(*body.Status) {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "status must be one of Completed, Needs review, In progress, Blocked", nil)
		return
	}

	task, lock, err := s.service.UpdateTask(r.Context(), body.CompanyID, body.TaskID, body.ActorID, store.TaskPatch{
		Status:   body.Status,
		Comment:  body.Comment,
		Evidence: body.Evidence,
	})
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task, "lock": lock})
}

func (s *HTTPServer) handleRiskChecklist(w http.ResponseWriter, r *http.Request) {
	var body struct {
		actorBody
		Field string          `json:"field"`
		Value json.RawMessage `json:"value"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if status, code, message := body.validate(); status != 0 {
		writeError(w, status, code, message, nil)
		return
	}

	var value bool
	if len(body.Value) == 0 || string(body.Value) == "null" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "value must be a boolean", nil)
		return
	}
	if err := json.Unmarshal(body.Value, &value); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "value must be a boolean", nil)
		return
	}

	company, err := s.service.UpdateRiskChecklist(r.Context(), body.CompanyID, body.ActorID, body.Field, value)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"company": company})
}

func (s *HTTPServer) handleDiscussion(w http.ResponseWriter, r *http.Request) {
	var body struct {
		actorBody
		TaskID  string `json:"taskId"`
		Message string `json:"message"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if status, code, message := body.validate(); status != 0 {
		writeError(w, status, code, message, nil)
		return
	}
	if strings.TrimSpace(body.TaskID) == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "taskId is required", nil)
		return
	}
	comment, err := s.service.AddTaskDiscussion(r.Context(), body.CompanyID, body.TaskID, body.ActorID, body.ActorName, body.ActorRole, body.Message)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"discussion": comment})
}

func (s *HTTPServer) handlePresencePing(w http.ResponseWriter, r *http.Request) {
	var body struct {
		actorBody
		ActiveTab string `json:"activeTab"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if status, code, message := body.validate(); status != 0 {
		writeError(w, status, code, message, nil)
		return
	}
	presence, err := s.service.PresencePing(r.Context(), body.CompanyID, body.ActorID, body.ActorName, body.ActorRole, body.ActiveTab)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"presence": presence})
}

func (s *HTTPServer) handlePresenceLeave(w http.ResponseWriter, r *http.Request) {
	var body actorBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if status, code, message := body.validate(); status != 0 {
		writeError(w, status, code, message, nil)
		return
	}
	if err := s.service.PresenceLeave(r.Context(), body.CompanyID, body.ActorID); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleNotificationAction(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Action     string `json:"action"`
		ID         int64  `json:"id"`
		ViewerName string `json:"viewerName"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if body.Action != "mark_read" {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "action must be mark_read", nil)
		return
	}
	if body.ID <= 0 {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "id is required", nil)
		return
	}
	if err := s.service.MarkNotificationRead(r.Context(), body.ID, body.ViewerName); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleCompanyDueDate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		actorBody
		DueDate *string `json:"dueDate"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if strings.TrimSpace(body.CompanyID) == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "companyId is required", nil)
		return
	}
	if body.DueDate != nil && *body.DueDate != "" {
		if _, err := time.Parse("2006-01-02", *body.DueDate); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "dueDate must be formatted as YYYY-MM-DD", nil)
			return
		}
	}
	company, err := s.service.UpdateCompanyDueDate(r.Context(), body.CompanyID, body.DueDate, body.ActorRole, body.ActorID, body.ActorName)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"company": company})
}

func (s *HTTPServer) handleSigningDocumentUpdate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		actorBody
		Content string `json:"content"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if status, code, message := body.validate(); status != 0 {
		writeError(w, status, code, message, nil)
		return
	}
	company, err := s.service.UpdateSigningDocument(r.Context(), body.CompanyID, body.ActorID, body.ActorRole, body.Content)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"company": company})
}

func (s *HTTPServer) handleSigningDocumentExport(w http.ResponseWriter, r *http.Request) {
	companyID := strings.TrimSpace(r.URL.Query().Get("companyId"))
	if companyID == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "companyId is required", nil)
		return
	}
	format := export.Format(strings.TrimSpace(r.URL.Query().Get("format")))
	if format == "" {
		format = export.FormatHTML
	}
	result, err := s.service.ExportSigningDocument(r.Context(), companyID, format)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
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
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
