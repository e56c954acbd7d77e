package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/annel0/mmo-territory/internal/auth"
	"github.com/annel0/mmo-territory/internal/cache"
	"github.com/annel0/mmo-territory/internal/economy"
	"github.com/annel0/mmo-territory/internal/engine"
	"github.com/annel0/mmo-territory/internal/eventbus"
	"github.com/annel0/mmo-territory/internal/pricing"
	"github.com/annel0/mmo-territory/internal/storage"
	"github.com/annel0/mmo-territory/internal/worker"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	rs   *RestServer
	eng  *engine.Engine
	econ *economy.MemoryEconomy
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	pe, err := pricing.New(pricing.DefaultConfig())
	require.NoError(t, err)
	econ := economy.NewMemoryEconomy()
	bus := eventbus.NewMemoryBus(256)
	t.Cleanup(func() { bus.Close() })

	eng, err := engine.New(engine.DefaultConfig(), storage.NewMemoryRepository(), cache.NewIndex(), econ, pe,
		engine.WithEventBus(bus), engine.WithSource("api-test"))
	require.NoError(t, err)

	plain, err := auth.HashPassword("plugin-pass")
	require.NoError(t, err)
	admin, err := auth.HashPassword("admin-pass")
	require.NoError(t, err)
	store, err := auth.NewMemoryAccountStore([]auth.SeedAccount{
		{Name: "survival", PasswordHash: plain},
		{Name: "console", PasswordHash: admin, IsAdmin: true},
	})
	require.NoError(t, err)
	issuer, err := auth.NewTokenIssuer("", time.Hour)
	require.NoError(t, err)

	pool := worker.New(2)
	t.Cleanup(pool.Close)

	reg := prometheus.NewRegistry()
	rs, err := NewRestServer(Config{
		Engine:        eng,
		Authenticator: auth.NewAuthenticator(store, issuer),
		Workers:       pool,
		Bus:           bus,
		Registry:      reg,
		Gatherer:      reg,
		NodeID:        "node-test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { rs.webhooks.Close() })

	return &testServer{rs: rs, eng: eng, econ: econ}
}

func (ts *testServer) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	ts.rs.Router().ServeHTTP(w, req)
	return w
}

func (ts *testServer) login(t *testing.T, player uuid.UUID, admin bool) string {
	t.Helper()
	req := auth.LoginRequest{Account: "survival", Password: "plugin-pass", Player: player}
	if admin {
		req = auth.LoginRequest{Account: "console", Password: "admin-pass", Player: player, Admin: true}
	}
	w := ts.do(t, http.MethodPost, "/api/auth/login", "", req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Data auth.LoginResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Data.Token
}

func decodeResult(t *testing.T, w *httptest.ResponseRecorder) engine.Result {
	t.Helper()
	var res engine.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res), w.Body.String())
	return res
}

func decodeGeneric(t *testing.T, w *httptest.ResponseRecorder, data interface{}) GenericResponse {
	t.Helper()
	resp := GenericResponse{Data: data}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

func TestStatusFor(t *testing.T) {
	cases := map[engine.Category]int{
		"":                                http.StatusOK,
		engine.CategoryNotFound:           http.StatusNotFound,
		engine.CategoryPermissionDenied:   http.StatusForbidden,
		engine.CategoryInsufficientFunds:  http.StatusPaymentRequired,
		engine.CategoryCapacityExceeded:   http.StatusConflict,
		engine.CategoryInvalidState:       http.StatusConflict,
		engine.CategoryPersistenceFailure: http.StatusServiceUnavailable,
	}
	for cat, want := range cases {
		assert.Equal(t, want, statusFor(cat), "Категория %q", cat)
	}
}

func TestAuthRoutes(t *testing.T) {
	ts := newTestServer(t)
	player := uuid.New()

	t.Run("Health Without Token", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, "/health", "", nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("Protected Route Without Token", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, "/api/pool", "", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		w = ts.do(t, http.MethodGet, "/api/pool", "garbage", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("Wrong Password", func(t *testing.T) {
		w := ts.do(t, http.MethodPost, "/api/auth/login", "",
			auth.LoginRequest{Account: "survival", Password: "wrong", Player: player})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("Admin Token For Regular Account", func(t *testing.T) {
		w := ts.do(t, http.MethodPost, "/api/auth/login", "",
			auth.LoginRequest{Account: "survival", Password: "plugin-pass", Player: player, Admin: true})
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("Admin Routes", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, "/api/admin/consistency", ts.login(t, player, false), nil)
		assert.Equal(t, http.StatusForbidden, w.Code)

		w = ts.do(t, http.MethodGet, "/api/admin/consistency", ts.login(t, player, true), nil)
		require.Equal(t, http.StatusOK, w.Code)
		resp := decodeGeneric(t, w, nil)
		assert.True(t, resp.Success, "Пустой индекс согласован")
	})
}

func TestClaimRoutes(t *testing.T) {
	ts := newTestServer(t)
	owner, stranger := uuid.New(), uuid.New()
	ownerToken := ts.login(t, owner, false)
	strangerToken := ts.login(t, stranger, false)

	w := ts.do(t, http.MethodPost, "/api/cells/claim", ownerToken, map[string]interface{}{"world": "world", "x": 0, "z": 0})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	claimID := decodeResult(t, w).ClaimID
	require.NotZero(t, claimID)

	w = ts.do(t, http.MethodPost, "/api/cells/claim", ownerToken, map[string]interface{}{"world": "world", "x": 1, "z": 0})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	t.Run("Foreign Cell", func(t *testing.T) {
		w := ts.do(t, http.MethodPost, "/api/cells/claim", strangerToken, map[string]interface{}{"world": "world", "x": 0, "z": 0})
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, engine.ReasonAlreadyClaimed, decodeResult(t, w).Reason)
	})

	t.Run("Read Claim And Cell", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, fmt.Sprintf("/api/claims/%d", claimID), strangerToken, nil)
		assert.Equal(t, http.StatusOK, w.Code)

		w = ts.do(t, http.MethodGet, "/api/claims/999", strangerToken, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)

		w = ts.do(t, http.MethodGet, "/api/claims/abc", strangerToken, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)

		var cell struct {
			History []json.RawMessage `json:"history"`
			Claim   *struct {
				ID int64 `json:"id"`
			} `json:"claim"`
		}
		w = ts.do(t, http.MethodGet, "/api/cells/world/0/0", strangerToken, nil)
		require.Equal(t, http.StatusOK, w.Code)
		decodeGeneric(t, w, &cell)
		assert.Len(t, cell.History, 1, "Захват записан в историю")
		require.NotNil(t, cell.Claim)

		var region struct {
			Count int `json:"count"`
		}
		w = ts.do(t, http.MethodGet, fmt.Sprintf("/api/claims/%d/region?x=0&z=0", claimID), strangerToken, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		decodeGeneric(t, w, &region)
		assert.Equal(t, 2, region.Count)

		var claims struct {
			Total int `json:"total"`
		}
		w = ts.do(t, http.MethodGet, "/api/players/"+owner.String()+"/claims?world=world", strangerToken, nil)
		require.Equal(t, http.StatusOK, w.Code)
		decodeGeneric(t, w, &claims)
		assert.Equal(t, 1, claims.Total)
	})

	t.Run("Pool And Purchase", func(t *testing.T) {
		w := ts.do(t, http.MethodPost, "/api/pool/purchase", ownerToken, map[string]int{"count": 1})
		assert.Equal(t, http.StatusPaymentRequired, w.Code, "Нет денег")

		ts.econ.SetBalance(owner, 1000)
		w = ts.do(t, http.MethodPost, "/api/pool/purchase", ownerToken, map[string]int{"count": 1})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var pool engine.PoolView
		w = ts.do(t, http.MethodGet, "/api/pool", ownerToken, nil)
		require.Equal(t, http.StatusOK, w.Code)
		decodeGeneric(t, w, &pool)
		assert.Equal(t, 1, pool.Available)

		w = ts.do(t, http.MethodPost, fmt.Sprintf("/api/claims/%d/allocate", claimID), ownerToken, map[string]int{"count": 1})
		assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

		w = ts.do(t, http.MethodPost, "/api/pool/purchase", ownerToken, map[string]int{"count": 0})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Stranger Cannot Unclaim", func(t *testing.T) {
		w := ts.do(t, http.MethodPost, fmt.Sprintf("/api/claims/%d/unclaim", claimID), strangerToken,
			map[string]interface{}{"cell": map[string]interface{}{"world": "world", "x": 1, "z": 0}})
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("Unclaim And Delete", func(t *testing.T) {
		w := ts.do(t, http.MethodPost, fmt.Sprintf("/api/claims/%d/unclaim", claimID), ownerToken,
			map[string]interface{}{"cell": map[string]interface{}{"world": "world", "x": 1, "z": 0}})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		w = ts.do(t, http.MethodDelete, fmt.Sprintf("/api/claims/%d", claimID), ownerToken, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.True(t, decodeResult(t, w).ClaimDeleted)

		claims, cells := ts.eng.Stats()
		assert.Zero(t, claims)
		assert.Zero(t, cells)
	})
}

func TestBulkTransferJob(t *testing.T) {
	ts := newTestServer(t)
	owner, target := uuid.New(), uuid.New()
	ownerToken := ts.login(t, owner, false)

	var claimID int64
	for x := 0; x < 3; x++ {
		w := ts.do(t, http.MethodPost, "/api/cells/claim", ownerToken, map[string]interface{}{"world": "world", "x": x, "z": 0})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		claimID = decodeResult(t, w).ClaimID
	}

	w := ts.do(t, http.MethodPost, fmt.Sprintf("/api/claims/%d/transfer", claimID), ownerToken, map[string]interface{}{
		"cells":  []map[string]interface{}{{"world": "world", "x": 0, "z": 0}},
		"bulk":   true,
		"target": target,
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var accepted struct {
		JobID string `json:"job_id"`
	}
	decodeGeneric(t, w, &accepted)
	require.NotEmpty(t, accepted.JobID)

	t.Run("Foreign Job Hidden", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, "/api/jobs/"+accepted.JobID, ts.login(t, uuid.New(), false), nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	require.Eventually(t, func() bool {
		w := ts.do(t, http.MethodGet, "/api/jobs/"+accepted.JobID, ownerToken, nil)
		return w.Code == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond, "Задача должна завершиться")

	var job struct {
		Status string        `json:"status"`
		Result engine.Result `json:"result"`
	}
	w = ts.do(t, http.MethodGet, "/api/jobs/"+accepted.JobID, ownerToken, nil)
	decodeGeneric(t, w, &job)
	assert.Equal(t, "done", job.Status)
	require.True(t, job.Result.Success, job.Result.Message)
	assert.Len(t, job.Result.Cells, 3, "Передана вся связная область")
	assert.Len(t, ts.eng.ClaimsOf(context.Background(), target, "world"), 1)
	assert.Empty(t, ts.eng.ClaimsOf(context.Background(), owner, "world"), "Опустевший клейм удалён")
}

func TestGroupRoutes(t *testing.T) {
	ts := newTestServer(t)
	owner, member, stranger := uuid.New(), uuid.New(), uuid.New()
	ownerToken := ts.login(t, owner, false)

	w := ts.do(t, http.MethodPost, "/api/cells/claim", ownerToken, map[string]interface{}{"world": "world", "x": 5, "z": 5})
	require.Equal(t, http.StatusOK, w.Code)
	base := fmt.Sprintf("/api/claims/%d", decodeResult(t, w).ClaimID)

	w = ts.do(t, http.MethodPost, base+"/groups/migrate", ts.login(t, stranger, false), nil)
	assert.Equal(t, http.StatusForbidden, w.Code, "Чужой не управляет группами")

	w = ts.do(t, http.MethodPost, base+"/groups/migrate", ownerToken, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do(t, http.MethodPost, base+"/groups", ownerToken, groupPayload{
		Name: "masons", Priority: 25, ClaimPerms: []string{"enter", "build"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do(t, http.MethodPost, base+"/groups", ownerToken, groupPayload{
		Name: "bad", ClaimPerms: []string{"fly"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code, "Неизвестное право")

	w = ts.do(t, http.MethodPost, base+"/members", ownerToken, memberPayload{Player: member, Group: "masons"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do(t, http.MethodPut, base+"/groups/masons/permissions", ownerToken, groupPayload{
		ClaimPerms: []string{"enter", "build", "break"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do(t, http.MethodDelete, base+"/members/"+member.String(), ownerToken, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do(t, http.MethodDelete, base+"/members/"+member.String(), ownerToken, nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "Повторное удаление")

	w = ts.do(t, http.MethodPost, base+"/members/not-a-uuid/promote", ownerToken, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatsRoute(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/api/stats", ts.login(t, uuid.New(), false), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var stats map[string]json.RawMessage
	decodeGeneric(t, w, &stats)
	assert.Contains(t, stats, "server")
	assert.Contains(t, stats, "territory")
	assert.Contains(t, stats, "workers")
	assert.Contains(t, stats, "eventbus")
}

func TestWebhookDelivery(t *testing.T) {
	ts := newTestServer(t)
	player := uuid.New()
	adminToken := ts.login(t, player, true)

	var (
		mu       sync.Mutex
		received []OutboundWebhookEvent
		sigOK    = true
	)
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var ev OutboundWebhookEvent
		_ = json.Unmarshal(body, &ev)
		mu.Lock()
		received = append(received, ev)
		if r.Header.Get("X-Webhook-Signature") != Signature(body, "s3cret") {
			sigOK = false
		}
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer target.Close()

	w := ts.do(t, http.MethodPost, "/api/admin/webhooks", adminToken, OutboundWebhook{
		Name: "registry", URL: target.URL, Secret: "s3cret", Events: []string{eventbus.CellClaimed},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = ts.do(t, http.MethodGet, "/api/admin/webhooks/events", adminToken, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodPost, "/api/cells/claim", adminToken, map[string]interface{}{"world": "world", "x": 9, "z": 9})
	require.Equal(t, http.StatusOK, w.Code)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, 2*time.Second, 10*time.Millisecond, "Событие доставлено")

	mu.Lock()
	assert.Equal(t, eventbus.CellClaimed, received[0].EventType)
	assert.Equal(t, player, received[0].Data.Actor)
	assert.True(t, sigOK, "Подпись совпадает")
	mu.Unlock()

	t.Run("Disable And Delete", func(t *testing.T) {
		inactive := false
		w := ts.do(t, http.MethodPut, "/api/admin/webhooks/1", adminToken, WebhookUpdate{Active: &inactive})
		require.Equal(t, http.StatusOK, w.Code)
		var hook OutboundWebhook
		decodeGeneric(t, w, &hook)
		assert.False(t, hook.Active)
		assert.Equal(t, "registry", hook.Name, "Незаданные поля не меняются")

		w = ts.do(t, http.MethodDelete, "/api/admin/webhooks/1", adminToken, nil)
		assert.Equal(t, http.StatusOK, w.Code)
		w = ts.do(t, http.MethodGet, "/api/admin/webhooks/1", adminToken, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}
