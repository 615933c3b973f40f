package app

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"angkor/offline/internal/auth"
	"angkor/offline/internal/httpapi"
	"angkor/offline/internal/logging"
)

// EnrollTokenHeader carries the shared enrollment secret.
const EnrollTokenHeader = "X-Angkor-Enroll-Token"

const maxMutationBytes = 1 << 20

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *slog.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, logger *slog.Logger) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, logger: logging.For(logger, logging.ChannelHTTP)}
}

func (s *HTTPServer) Handler() http.Handler {
	return httpapi.Middleware(s.logger, s.corsOrigin, http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		httpapi.WriteJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		httpapi.WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
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

		httpapi.WriteJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/agents/token" {
		var body EnrollRequest
		if err := httpapi.DecodeBody(r, &body); err != nil {
			httpapi.WriteError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		enrollment, err := s.service.EnrollAgent(r.Context(), r.Header.Get(EnrollTokenHeader), body)
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		httpapi.WriteJSON(w, http.StatusCreated, enrollment)
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		httpapi.WriteJSON(w, http.StatusOK, map[string]any{
			"agentId":   session.AgentID,
			"name":      session.AgentName,
			"site":      session.Site,
			"role":      session.Role,
			"expiresAt": session.ExpiresAt,
		})
		return
	}

	if r.Method == http.MethodDelete && r.URL.Path == "/api/agents/token" {
		if err := s.service.RevokeToken(r.Context(), session); err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		httpapi.WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/sync" {
		payload, err := io.ReadAll(io.LimitReader(r.Body, maxMutationBytes+1))
		if err != nil {
			httpapi.WriteError(w, http.StatusBadRequest, "INVALID_BODY", "Could not read body", nil)
			return
		}
		if len(payload) > maxMutationBytes {
			httpapi.WriteError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "Mutation exceeds 1MiB", nil)
			return
		}
		mutation, duplicate, err := s.service.RecordMutation(r.Context(), session, r.Header.Get("Idempotency-Key"), payload)
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		status := http.StatusCreated
		if duplicate {
			status = http.StatusOK
		}
		httpapi.WriteJSON(w, status, map[string]any{
			"ok":        true,
			"duplicate": duplicate,
			"mutation":  mutation,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/sync" {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		mutations, err := s.service.ListMutations(r.Context(), session, r.URL.Query().Get("agent"), limit)
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		httpapi.WriteJSON(w, http.StatusOK, map[string]any{"items": mutations})
		return
	}

	httpapi.WriteError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := httpapi.BearerToken(r)
	if token == "" {
		httpapi.WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		status, code, message, details := mapError(err)
		if status == http.StatusNotFound {
			status, code, message, details = http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
		}
		httpapi.WriteError(w, status, code, message, details)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) writeMappedError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"request_id", httpapi.RequestID(r.Context()),
			"path", r.URL.Path,
			"error", err,
		)
	}
	httpapi.WriteError(w, status, code, message, details)
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
