package app

import (
	"net"
	"net/http"
	"strings"

	"familymeal/api/internal/apperr"
)

func (s *HTTPServer) handleProfile(w http.ResponseWriter, r *http.Request, caller Caller, parts []string) {
	ctx := r.Context()
	profiles := s.service.profiles

	if len(parts) == 3 && parts[2] == "role" {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		var body struct {
			Role string `json:"role"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, apperr.CodeInvalidArgument, err.Error(), nil)
			return
		}
		profile, err := profiles.AssignRole(ctx, caller.Identity, body.Role)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "profile": profile})
		return
	}
	if len(parts) != 2 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch r.Method {
	case http.MethodGet:
		profile, err := profiles.Ensure(ctx, caller.Identity)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "profile": profile})
	case http.MethodPatch:
		var body struct {
			DisplayName string `json:"displayName"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, apperr.CodeInvalidArgument, err.Error(), nil)
			return
		}
		profile, err := profiles.UpdateDisplayName(ctx, caller.Identity, body.DisplayName)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "profile": profile})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleImageUpload(w http.ResponseWriter, r *http.Request, caller Caller) {
	var body struct {
		ContentType string `json:"contentType"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, apperr.CodeInvalidArgument, err.Error(), nil)
		return
	}
	upload, err := s.service.uploads.Presign(r.Context(), caller.Identity.UID, body.ContentType)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "upload": upload})
}

type clientErrorReport struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Stack     string `json:"stack"`
	Source    string `json:"source"`
	Line      int    `json:"lineno"`
	Column    int    `json:"colno"`
	URL       string `json:"url"`
	UserAgent string `json:"userAgent"`
	Timestamp string `json:"timestamp"`
}

const clientErrorFieldMax = 4000

// handleClientError records a browser-side error report. It needs no
// credentials, so it is rate limited per client address.
func (s *HTTPServer) handleClientError(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow(clientIP(r, s.service.cfg.TrustProxy)) {
		writeError(w, http.StatusTooManyRequests, apperr.CodeRateLimited, "Too many error reports", nil)
		return
	}
	var report clientErrorReport
	if err := decodeBody(r, &report); err != nil {
		writeError(w, http.StatusBadRequest, apperr.CodeInvalidArgument, err.Error(), nil)
		return
	}
	if strings.TrimSpace(report.Type) == "" || strings.TrimSpace(report.Message) == "" {
		writeError(w, http.StatusBadRequest, apperr.CodeInvalidArgument, "type and message are required", nil)
		return
	}

	userAgent := report.UserAgent
	if userAgent == "" {
		userAgent = r.UserAgent()
	}
	s.logger.Error(r.Context(), "client error",
		"type", clip(report.Type),
		"message", clip(report.Message),
		"stack", clip(report.Stack),
		"source", clip(report.Source),
		"lineno", report.Line,
		"colno", report.Column,
		"url", clip(report.URL),
		"user_agent", clip(userAgent),
		"reported_at", clip(report.Timestamp),
	)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func clip(value string) string {
	if len(value) <= clientErrorFieldMax {
		return value
	}
	return value[:clientErrorFieldMax]
}

// clientIP returns the peer address, or the first X-Forwarded-For entry when
// the API runs behind a trusted proxy.
func clientIP(r *http.Request, trustProxy bool) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); trustProxy && forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
