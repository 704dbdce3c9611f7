package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"familymeal/api/internal/auth"
	"familymeal/api/internal/config"
	"familymeal/api/internal/session"
	"familymeal/api/internal/store"
)

const testSecret = "test-secret"

type testEnv struct {
	svc    *Service
	server *HTTPServer
	store  *store.MemoryStore
}

func newTestEnv(t *testing.T, limiter *RateLimiter) *testEnv {
	t.Helper()
	st := store.NewMemoryStore()
	svc := New(config.Config{
		IDTokenSecret:             testSecret,
		Timezone:                  "Asia/Seoul",
		StrictMealRead:            true,
		LegacyParticipantFallback: true,
		AppVersion:                "test",
	}, Deps{Store: st, Revocations: session.NewMemoryStore()})
	t.Cleanup(svc.Close)
	return &testEnv{svc: svc, server: NewHTTPServer(svc, "*", limiter), store: st}
}

func issue(t *testing.T, uid, email string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte(testSecret), auth.Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uid,
			ID:        uid + "-token",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	require.NoError(t, err)
	return token
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rr, req)

	var response map[string]any
	if rr.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &response), rr.Body.String())
	}
	return rr, response
}

func (e *testEnv) signUp(t *testing.T, uid, email, role string) string {
	t.Helper()
	token := issue(t, uid, email)
	rr, _ := e.do(t, http.MethodGet, "/api/profile", token, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	rr, _ = e.do(t, http.MethodPost, "/api/profile/role", token, map[string]any{"role": role})
	require.Equal(t, http.StatusOK, rr.Code)
	return token
}

func TestRequiresBearerToken(t *testing.T) {
	env := newTestEnv(t, nil)

	rr, body := env.do(t, http.MethodGet, "/api/meals", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, false, body["ok"])
	assert.Equal(t, "UNAUTHENTICATED", body["code"])

	rr, _ = env.do(t, http.MethodGet, "/api/meals", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestProfileRoleFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	token := issue(t, "mom-uid", "mom@example.com")

	rr, body := env.do(t, http.MethodGet, "/api/profile", token, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	profile := body["profile"].(map[string]any)
	assert.Equal(t, "mom@example.com", profile["email"])

	rr, body = env.do(t, http.MethodPost, "/api/profile/role", token, map[string]any{"role": "삼촌"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "INVALID_ARGUMENT", body["code"])

	rr, _ = env.do(t, http.MethodPost, "/api/profile/role", token, map[string]any{"role": "엄마"})
	require.Equal(t, http.StatusOK, rr.Code)

	rr, body = env.do(t, http.MethodPost, "/api/profile/role", token, map[string]any{"role": "아빠"})
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, "FORBIDDEN", body["code"])

	rr, body = env.do(t, http.MethodPatch, "/api/profile", token, map[string]any{"displayName": "엄마"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "엄마", body["profile"].(map[string]any)["displayName"])
}

func TestMealLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	mom := env.signUp(t, "mom-uid", "mom@example.com", "엄마")
	son := env.signUp(t, "son-uid", "son@example.com", "아들")

	rr, body := env.do(t, http.MethodPost, "/api/meals", mom, map[string]any{
		"userIds":     []string{"엄마", "아빠"},
		"description": "된장찌개와 밥",
		"type":        "저녁",
		"timestamp":   "2026-03-04T19:00:00+09:00",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, true, body["success"])
	meal := body["meal"].(map[string]any)
	mealID := meal["id"].(string)
	assert.Equal(t, "mom-uid", meal["ownerUid"])
	assert.EqualValues(t, 0, meal["commentCount"])

	rr, body = env.do(t, http.MethodGet, "/api/meals?date=2026-03-04", mom, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, body["meals"], 1)

	rr, body = env.do(t, http.MethodGet, "/api/meals?date=2026-03-04", son, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, body["meals"], 0)

	rr, _ = env.do(t, http.MethodGet, "/api/meals/"+mealID, son, nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr, body = env.do(t, http.MethodGet, "/api/meals/search?q=된장", mom, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, body["meals"], 1)

	rr, body = env.do(t, http.MethodPatch, "/api/meals/"+mealID, son, map[string]any{"description": "hacked"})
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, "FORBIDDEN", body["code"])

	rr, body = env.do(t, http.MethodPatch, "/api/meals/"+mealID, mom, map[string]any{"description": "김치찌개"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "김치찌개", body["meal"].(map[string]any)["description"])

	rr, body = env.do(t, http.MethodPost, "/api/meals/"+mealID+"/comments", mom, map[string]any{"text": "맛있었다"})
	require.Equal(t, http.StatusCreated, rr.Code)
	commentID := body["comment"].(map[string]any)["id"].(string)

	rr, body = env.do(t, http.MethodGet, "/api/meals/"+mealID, mom, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 1, body["meal"].(map[string]any)["commentCount"])

	rr, body = env.do(t, http.MethodGet, "/api/meals/"+mealID+"/comments", mom, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, body["comments"], 1)

	rr, _ = env.do(t, http.MethodPatch, "/api/meals/"+mealID+"/comments/"+commentID, son, map[string]any{"text": "x"})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr, _ = env.do(t, http.MethodDelete, "/api/meals/"+mealID, son, nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr, body = env.do(t, http.MethodDelete, "/api/meals/"+mealID, mom, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, true, body["deleted"])

	rr, body = env.do(t, http.MethodDelete, "/api/meals/"+mealID, mom, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "already_deleted", body["status"])
	assert.Equal(t, false, body["deleted"])

	rr, body = env.do(t, http.MethodGet, "/api/meals/"+mealID, mom, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "NOT_FOUND", body["code"])
}

func TestDeleteInProgressIsAccepted(t *testing.T) {
	env := newTestEnv(t, nil)
	mom := env.signUp(t, "mom-uid", "mom@example.com", "엄마")

	rr, body := env.do(t, http.MethodPost, "/api/meals", mom, map[string]any{
		"userIds":     []string{"엄마"},
		"description": "토스트",
		"type":        "아침",
	})
	require.Equal(t, http.StatusOK, rr.Code)
	mealID := body["meal"].(map[string]any)["id"].(string)

	require.NoError(t, env.store.UpsertDeleteJob(context.Background(), store.DeleteJob{
		MealID:      mealID,
		Status:      store.DeleteJobProcessing,
		RequestedBy: "mom-uid",
		StartedAt:   time.Now(),
		Attempts:    1,
	}))

	rr, body = env.do(t, http.MethodDelete, "/api/meals/"+mealID, mom, nil)
	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, "already_processing", body["status"])
}

func TestCreateMealValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	mom := env.signUp(t, "mom-uid", "mom@example.com", "엄마")

	rr, body := env.do(t, http.MethodPost, "/api/meals", mom, map[string]any{
		"userIds": []string{"엄마"}, "description": "   ", "type": "저녁",
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "INVALID_ARGUMENT", body["code"])

	rr, _ = env.do(t, http.MethodPost, "/api/meals", mom, map[string]any{
		"userIds": []string{"엄마"}, "description": "밥", "type": "저녁", "timestamp": "yesterday",
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr, _ = env.do(t, http.MethodGet, "/api/meals?date=03/04/2026", mom, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestParseTimestamp(t *testing.T) {
	ts, err := parseTimestamp(json.RawMessage(`1772618400000`))
	require.NoError(t, err)
	assert.Equal(t, int64(1772618400000), ts.UnixMilli())

	ts, err = parseTimestamp(json.RawMessage(`"2026-03-04T19:00:00+09:00"`))
	require.NoError(t, err)
	assert.Equal(t, 10, ts.UTC().Hour())

	ts, err = parseTimestamp(json.RawMessage(`null`))
	require.NoError(t, err)
	assert.Nil(t, ts)

	_, err = parseTimestamp(json.RawMessage(`true`))
	assert.Error(t, err)
}

func TestWeeklyStatsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	mom := env.signUp(t, "mom-uid", "mom@example.com", "엄마")

	rr, body := env.do(t, http.MethodGet, "/api/meals/stats/weekly", mom, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, body["stats"], 7)
}

func TestSessionRevoke(t *testing.T) {
	env := newTestEnv(t, nil)
	mom := env.signUp(t, "mom-uid", "mom@example.com", "엄마")

	rr, _ := env.do(t, http.MethodPost, "/api/session/revoke", mom, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr, body := env.do(t, http.MethodGet, "/api/profile", mom, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "UNAUTHENTICATED", body["code"])
}

func TestImageUploadDisabled(t *testing.T) {
	env := newTestEnv(t, nil)
	mom := env.signUp(t, "mom-uid", "mom@example.com", "엄마")

	rr, body := env.do(t, http.MethodPost, "/api/uploads/image", mom, map[string]any{"contentType": "image/png"})
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "UNAVAILABLE", body["code"])
}

func TestClientErrorsRateLimited(t *testing.T) {
	env := newTestEnv(t, NewRateLimiter(time.Minute, 2))
	report := map[string]any{"type": "TypeError", "message": "x is undefined"}

	rr, _ := env.do(t, http.MethodPost, "/api/client-errors", "", map[string]any{"type": "TypeError"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr, body := env.do(t, http.MethodPost, "/api/client-errors", "", report)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, body["ok"])

	rr, body = env.do(t, http.MethodPost, "/api/client-errors", "", report)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "RATE_LIMITED", body["code"])

	rr, _ = env.do(t, http.MethodGet, "/api/client-errors", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestUnknownRoute(t *testing.T) {
	env := newTestEnv(t, nil)
	mom := env.signUp(t, "mom-uid", "mom@example.com", "엄마")

	rr, _ := env.do(t, http.MethodGet, "/api/meals/abc/likes", mom, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	rr, _ = env.do(t, http.MethodGet, "/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/client-errors", nil)
	req.RemoteAddr = "10.0.0.7:5555"
	assert.Equal(t, "10.0.0.7", clientIP(req, false))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "10.0.0.7", clientIP(req, false))
	assert.Equal(t, "203.0.113.9", clientIP(req, true))
}

func TestClientErrorsLimitIgnoresSpoofedForwardedFor(t *testing.T) {
	env := newTestEnv(t, NewRateLimiter(time.Minute, 1))
	report := map[string]any{"type": "TypeError", "message": "boom"}

	send := func(forwarded string) int {
		raw, err := json.Marshal(report)
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/api/client-errors", bytes.NewReader(raw))
		req.Header.Set("X-Forwarded-For", forwarded)
		rr := httptest.NewRecorder()
		env.server.Handler().ServeHTTP(rr, req)
		return rr.Code
	}

	assert.Equal(t, http.StatusOK, send("198.51.100.1"))
	assert.Equal(t, http.StatusTooManyRequests, send("198.51.100.2"))
}

func TestCommentWritesRequireRole(t *testing.T) {
	env := newTestEnv(t, nil)
	mom := env.signUp(t, "mom-uid", "mom@example.com", "엄마")

	rr, body := env.do(t, http.MethodPost, "/api/meals", mom, map[string]any{
		"userIds": []string{"엄마"}, "description": "비빔밥", "type": "점심",
	})
	require.Equal(t, http.StatusOK, rr.Code)
	mealID := body["meal"].(map[string]any)["id"].(string)

	newcomer := issue(t, "new-uid", "new@example.com")
	rr, _ = env.do(t, http.MethodGet, "/api/profile", newcomer, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr, body = env.do(t, http.MethodPost, "/api/meals/"+mealID+"/comments", newcomer, map[string]any{"text": "hi"})
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, "FORBIDDEN", body["code"])

	rr, _ = env.do(t, http.MethodDelete, "/api/meals/"+mealID+"/comments/c1", newcomer, nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr, body = env.do(t, http.MethodPost, "/api/meals", newcomer, map[string]any{
		"userIds": []string{"엄마"}, "description": "라면", "type": "간식", "comments": []string{"hi"},
	})
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, "FORBIDDEN", body["code"])

	rr, _ = env.do(t, http.MethodPut, "/api/meals/"+mealID+"/comments/c1", mom, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}
