package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/cadenza-app/backend/internal/auth"
	"github.com/cadenza-app/backend/internal/changelog"
	"github.com/cadenza-app/backend/internal/entity"
	"github.com/cadenza-app/backend/internal/idempotency"
	"github.com/cadenza-app/backend/internal/syncer"
)

func newTestHandler(t *testing.T) (http.Handler, *entity.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	databasePath := filepath.Join(t.TempDir(), "server.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&entity.Record{}, &entity.SequenceCounter{}, &entity.UserSyncState{}, &idempotency.Record{}, &changelog.Change{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	store, err := entity.NewStore(entity.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct entity store: %v", err)
	}
	syncService, err := syncer.NewService(syncer.ServiceConfig{
		Entities:   store,
		IDProvider: syncer.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to construct sync service: %v", err)
	}
	changeLog, err := changelog.NewService(changelog.ServiceConfig{
		Database:   db,
		Entities:   store,
		IDProvider: syncer.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to construct change log service: %v", err)
	}
	idempotencyStore, err := idempotency.NewStore(idempotency.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct idempotency store: %v", err)
	}
	tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-secret"),
		Issuer:        "cadenza-auth",
		Audience:      "cadenza-api",
		TokenTTL:      30 * time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to construct token issuer: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		TokenManager: tokenManager,
		SyncService:  syncService,
		ChangeLog:    changeLog,
		Idempotency:  idempotencyStore,
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}
	return handler, store
}

func issueToken(t *testing.T, handler http.Handler, userID string) string {
	t.Helper()
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "/auth/token", strings.NewReader(`{"user_id":"`+userID+`"}`))
	request.Header.Set("Content-Type", "application/json")
	handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("token issuance failed with status %d: %s", recorder.Code, recorder.Body.String())
	}
	var response struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode token response: %v", err)
	}
	return response.AccessToken
}

func doJSON(t *testing.T, handler http.Handler, method, path, token, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(method, path, strings.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	for name, value := range headers {
		request.Header.Set(name, value)
	}
	handler.ServeHTTP(recorder, request)
	return recorder
}

func TestSyncRoutesRequireAuthorization(t *testing.T) {
	handler, _ := newTestHandler(t)

	for _, route := range []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/sync/push"},
		{http.MethodGet, "/sync/pull"},
		{http.MethodPost, "/sync/batch"},
		{http.MethodPost, "/v2/sync"},
		{http.MethodPost, "/v2/sync/migrate"},
	} {
		recorder := doJSON(t, handler, route.method, route.path, "", "{}", nil)
		if recorder.Code != http.StatusUnauthorized {
			t.Fatalf("%s %s: expected 401, got %d", route.method, route.path, recorder.Code)
		}
	}
}

func TestPushThenPullRoundTrip(t *testing.T) {
	handler, _ := newTestHandler(t)
	token := issueToken(t, handler, "user-1")

	pushBody := `{"entries":[{"id":"e1","duration":30,"instrument":"Piano"}]}`
	recorder := doJSON(t, handler, http.MethodPost, "/sync/push", token, pushBody, map[string]string{
		"X-Device-Id": "phone",
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("push failed with status %d: %s", recorder.Code, recorder.Body.String())
	}

	var pushResponse struct {
		Success   bool   `json:"success"`
		SyncToken string `json:"syncToken"`
		Stats     struct {
			EntriesProcessed int `json:"entriesProcessed"`
		} `json:"stats"`
		Conflicts []any `json:"conflicts"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &pushResponse); err != nil {
		t.Fatalf("failed to decode push response: %v", err)
	}
	if !pushResponse.Success || pushResponse.Stats.EntriesProcessed != 1 {
		t.Fatalf("unexpected push response: %s", recorder.Body.String())
	}
	if pushResponse.SyncToken == "" {
		t.Fatalf("expected a fresh sync token")
	}
	if len(pushResponse.Conflicts) != 0 {
		t.Fatalf("expected zero conflicts, got %s", recorder.Body.String())
	}

	pull := doJSON(t, handler, http.MethodGet, "/sync/pull", token, "", nil)
	if pull.Code != http.StatusOK {
		t.Fatalf("pull failed with status %d", pull.Code)
	}
	var pullResponse struct {
		Entities map[string][]map[string]any `json:"entities"`
	}
	if err := json.Unmarshal(pull.Body.Bytes(), &pullResponse); err != nil {
		t.Fatalf("failed to decode pull response: %v", err)
	}
	entries := pullResponse.Entities[entity.TypeLogbookEntry]
	if len(entries) != 1 || entries[0]["entityId"] != "e1" {
		t.Fatalf("unexpected pull payload: %s", pull.Body.String())
	}
}

func TestPushReplaysWithIdempotencyKey(t *testing.T) {
	handler, store := newTestHandler(t)
	token := issueToken(t, handler, "user-1")
	headers := map[string]string{"Idempotency-Key": "push-key-1"}
	body := `{"entries":[{"id":"e1","duration":30}]}`

	first := doJSON(t, handler, http.MethodPost, "/sync/push", token, body, headers)
	if first.Code != http.StatusOK {
		t.Fatalf("first push failed with status %d: %s", first.Code, first.Body.String())
	}
	second := doJSON(t, handler, http.MethodPost, "/sync/push", token, body, headers)
	if second.Code != http.StatusOK {
		t.Fatalf("second push failed with status %d: %s", second.Code, second.Body.String())
	}

	if first.Body.String() != second.Body.String() {
		t.Fatalf("replayed response must be byte-identical:\n%s\n%s", first.Body.String(), second.Body.String())
	}
	if second.Header().Get("Idempotent-Replay") != "true" {
		t.Fatalf("expected replay marker header")
	}

	record, err := store.Get(t.Context(), "user-1", entity.TypeLogbookEntry, "e1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record == nil || record.Version != 1 {
		t.Fatalf("mutation must run exactly once; version %v", record)
	}
}

func TestPushRejectsReusedKeyWithDifferentBody(t *testing.T) {
	handler, _ := newTestHandler(t)
	token := issueToken(t, handler, "user-1")
	headers := map[string]string{"Idempotency-Key": "push-key-1"}

	first := doJSON(t, handler, http.MethodPost, "/sync/push", token, `{"entries":[{"id":"e1","duration":30}]}`, headers)
	if first.Code != http.StatusOK {
		t.Fatalf("first push failed with status %d", first.Code)
	}
	second := doJSON(t, handler, http.MethodPost, "/sync/push", token, `{"entries":[{"id":"e2","duration":99}]}`, headers)
	if second.Code != http.StatusConflict {
		t.Fatalf("expected 409 for reused key, got %d: %s", second.Code, second.Body.String())
	}
}

func TestBatchRouteReportsVersionConflicts(t *testing.T) {
	handler, store := newTestHandler(t)
	token := issueToken(t, handler, "user-1")

	cloudVersion := int64(3)
	if _, err := store.Upsert(t.Context(), entity.UpsertInput{
		UserID:     "user-1",
		EntityType: entity.TypeGoal,
		EntityID:   "goal-1",
		Data:       map[string]any{"title": "cloud"},
		Version:    &cloudVersion,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	body := `{"entities":[{"type":"goal","id":"goal-1","data":{"title":"stale"},"version":1}]}`
	recorder := doJSON(t, handler, http.MethodPost, "/sync/batch", token, body, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("batch failed with status %d: %s", recorder.Code, recorder.Body.String())
	}

	var response struct {
		Conflicts []struct {
			EntityID      string `json:"entityId"`
			LocalVersion  int64  `json:"localVersion"`
			RemoteVersion int64  `json:"remoteVersion"`
		} `json:"conflicts"`
		NewSyncToken string `json:"newSyncToken"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode batch response: %v", err)
	}
	if len(response.Conflicts) != 1 {
		t.Fatalf("expected one conflict: %s", recorder.Body.String())
	}
	if response.Conflicts[0].LocalVersion != 1 || response.Conflicts[0].RemoteVersion != 3 {
		t.Fatalf("unexpected conflict payload: %s", recorder.Body.String())
	}
}

func TestChangeLogSyncRoute(t *testing.T) {
	handler, _ := newTestHandler(t)
	token := issueToken(t, handler, "user-1")

	body := `{"lastKnownServerVersion":0,"changes":[{"changeId":"c1","changeType":"CREATED","entityType":"logbook_entry","entityId":"e1","changeData":{"duration":30}}]}`
	recorder := doJSON(t, handler, http.MethodPost, "/v2/sync", token, body, map[string]string{"X-Device-Id": "phone"})
	if recorder.Code != http.StatusOK {
		t.Fatalf("v2 sync failed with status %d: %s", recorder.Code, recorder.Body.String())
	}

	var response struct {
		NewChanges          []map[string]any `json:"newChanges"`
		LatestServerVersion int64            `json:"latestServerVersion"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode v2 response: %v", err)
	}
	if response.LatestServerVersion != 1 || len(response.NewChanges) != 1 {
		t.Fatalf("unexpected v2 response: %s", recorder.Body.String())
	}
}

func TestChangeLogMigrateRoute(t *testing.T) {
	handler, store := newTestHandler(t)
	token := issueToken(t, handler, "user-1")

	if _, err := store.Upsert(t.Context(), entity.UpsertInput{
		UserID:     "user-1",
		EntityType: entity.TypeLogbookEntry,
		EntityID:   "e1",
		Data:       map[string]any{"duration": 30.0},
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	recorder := doJSON(t, handler, http.MethodPost, "/v2/sync/migrate", token, "{}", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("migrate failed with status %d: %s", recorder.Code, recorder.Body.String())
	}
	if !strings.Contains(recorder.Body.String(), `"seeded":1`) {
		t.Fatalf("unexpected migrate response: %s", recorder.Body.String())
	}

	again := doJSON(t, handler, http.MethodPost, "/v2/sync/migrate", token, "{}", nil)
	if !strings.Contains(again.Body.String(), `"seeded":0`) {
		t.Fatalf("migration must be idempotent per user: %s", again.Body.String())
	}
}
