package app

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"familymeal/api/internal/apperr"
	"familymeal/api/internal/deletion"
	"familymeal/api/internal/meals"
	"familymeal/api/internal/store"
)

// streamHeartbeat keeps idle proxies from closing the event stream.
const streamHeartbeat = 25 * time.Second

type mealBody struct {
	UserIDs     *[]string       `json:"userIds"`
	Description *string         `json:"description"`
	Type        *string         `json:"type"`
	ImageURL    *string         `json:"imageUrl"`
	Timestamp   json.RawMessage `json:"timestamp"`
	Comments    []string        `json:"comments"`
}

// parseTimestamp accepts an RFC 3339 string or epoch milliseconds.
func parseTimestamp(raw json.RawMessage) (*time.Time, error) {
	value := strings.TrimSpace(string(raw))
	if value == "" || value == "null" {
		return nil, nil
	}
	if value[0] == '"' {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, apperr.InvalidArgument("timestamp must be an RFC 3339 string or epoch milliseconds")
		}
		parsed, err := time.Parse(time.RFC3339, text)
		if err != nil {
			return nil, apperr.InvalidArgument("timestamp must be an RFC 3339 string or epoch milliseconds")
		}
		return &parsed, nil
	}
	millis, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return nil, apperr.InvalidArgument("timestamp must be an RFC 3339 string or epoch milliseconds")
	}
	parsed := time.UnixMilli(millis)
	return &parsed, nil
}

func (s *HTTPServer) handleMeals(w http.ResponseWriter, r *http.Request, caller Caller, parts []string) {
	ctx := r.Context()
	repo := s.service.meals

	if len(parts) == 2 {
		switch r.Method {
		case http.MethodGet:
			day, err := repo.ParseDay(r.URL.Query().Get("date"))
			if err != nil {
				s.fail(w, r, err)
				return
			}
			items, err := repo.ListForDay(ctx, caller.Actor, day)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"meals": nonNil(items)})
		case http.MethodPost:
			var body mealBody
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, apperr.CodeInvalidArgument, err.Error(), nil)
				return
			}
			ts, err := parseTimestamp(body.Timestamp)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			in := meals.CreateInput{Timestamp: ts, Comments: body.Comments}
			if body.UserIDs != nil {
				in.UserIDs = *body.UserIDs
			}
			if body.Description != nil {
				in.Description = *body.Description
			}
			if body.Type != nil {
				in.Type = *body.Type
			}
			if body.ImageURL != nil {
				in.ImageURL = *body.ImageURL
			}
			meal, err := repo.Create(ctx, caller.Actor, in)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"success": true, "meal": meal})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	switch {
	case len(parts) == 3 && parts[2] == "search":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		items, err := repo.Search(ctx, caller.Actor, r.URL.Query().Get("q"))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"meals": nonNil(items)})
		return
	case len(parts) == 4 && parts[2] == "stats" && parts[3] == "weekly":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		stats, err := repo.WeeklyStats(ctx, caller.Actor)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"stats": stats})
		return
	case len(parts) == 3 && parts[2] == "stream":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		s.handleStream(w, r, caller)
		return
	}

	mealID := parts[2]
	if len(parts) == 3 {
		s.handleMeal(w, r, caller, mealID)
		return
	}
	if parts[3] != "comments" || len(parts) > 5 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	if len(parts) == 4 {
		s.handleComments(w, r, caller, mealID)
		return
	}
	s.handleComment(w, r, caller, mealID, parts[4])
}

func (s *HTTPServer) handleMeal(w http.ResponseWriter, r *http.Request, caller Caller, mealID string) {
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		meal, err := s.service.meals.Get(ctx, caller.Actor, mealID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"meal": meal})
	case http.MethodPatch:
		var body mealBody
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, apperr.CodeInvalidArgument, err.Error(), nil)
			return
		}
		ts, err := parseTimestamp(body.Timestamp)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		meal, err := s.service.meals.Update(ctx, caller.Actor, mealID, meals.UpdateInput{
			UserIDs:     body.UserIDs,
			Description: body.Description,
			Type:        body.Type,
			ImageURL:    body.ImageURL,
			Timestamp:   ts,
		})
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "meal": meal})
	case http.MethodDelete:
		result, err := s.service.deletion.Delete(ctx, mealID, caller.Actor)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		status := http.StatusOK
		if result.Status == deletion.StatusAlreadyProcessing {
			status = http.StatusAccepted
		}
		writeJSON(w, status, map[string]any{"ok": true, "deleted": result.Deleted, "status": result.Status})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

type commentBody struct {
	Text string `json:"text"`
}

func (s *HTTPServer) handleComments(w http.ResponseWriter, r *http.Request, caller Caller, mealID string) {
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		items, err := s.service.comments.List(ctx, mealID, caller.Actor)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if items == nil {
			items = []store.Comment{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"comments": items})
	case http.MethodPost:
		var body commentBody
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, apperr.CodeInvalidArgument, err.Error(), nil)
			return
		}
		author, err := s.service.RequireRole(ctx, caller)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		comment, err := s.service.comments.Add(ctx, mealID, author.Actor, body.Text)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "comment": comment})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleComment(w http.ResponseWriter, r *http.Request, caller Caller, mealID, commentID string) {
	ctx := r.Context()
	if r.Method != http.MethodPatch && r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}
	caller, err := s.service.RequireRole(ctx, caller)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	switch r.Method {
	case http.MethodPatch:
		var body commentBody
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, apperr.CodeInvalidArgument, err.Error(), nil)
			return
		}
		comment, err := s.service.comments.Update(ctx, mealID, commentID, caller.Actor, body.Text)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "comment": comment})
	case http.MethodDelete:
		if err := s.service.comments.Remove(ctx, mealID, commentID, caller.Actor); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

// handleStream pushes the day's meal list as server-sent events until the
// client goes away.
func (s *HTTPServer) handleStream(w http.ResponseWriter, r *http.Request, caller Caller) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, apperr.CodeInternal, "Streaming unsupported", nil)
		return
	}
	day, err := s.service.meals.ParseDay(r.URL.Query().Get("date"))
	if err != nil {
		s.fail(w, r, err)
		return
	}

	// Latest snapshot wins; the subscription goroutine is the only sender.
	updates := make(chan []store.Meal, 1)
	failures := make(chan error, 1)
	push := func(items []store.Meal) {
		select {
		case updates <- items:
		default:
			select {
			case <-updates:
			default:
			}
			updates <- items
		}
	}
	report := func(err error) {
		select {
		case failures <- err:
		default:
		}
	}

	ctx := r.Context()
	stop, err := s.service.meals.Subscribe(ctx, caller.Actor, day, push, report)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer stop()

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(streamHeartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case items := <-updates:
			payload, err := json.Marshal(map[string]any{"meals": nonNil(items)})
			if err != nil {
				s.logger.Error(ctx, "encode stream snapshot", "error", err)
				return
			}
			if _, err := fmt.Fprintf(w, "event: meals\ndata: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		case err := <-failures:
			_, _, message, _ := mapError(err)
			payload, _ := json.Marshal(map[string]any{"error": message})
			_, _ = fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
			flusher.Flush()
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func nonNil(items []store.Meal) []store.Meal {
	if items == nil {
		return []store.Meal{}
	}
	return items
}
