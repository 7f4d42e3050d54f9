package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfarm/farm-runtime-go/internal/config"
	apperrors "github.com/openfarm/farm-runtime-go/internal/errors"
	"github.com/openfarm/farm-runtime-go/internal/governor"
	"github.com/openfarm/farm-runtime-go/internal/model"
	"github.com/openfarm/farm-runtime-go/internal/runtime"
	"github.com/openfarm/farm-runtime-go/internal/service"
	"github.com/openfarm/farm-runtime-go/internal/store"
)

// fakeSession satisfies runtime.Session for routes that go through a live
// session. Methods the tests never hit panic via the embedded nil interface.
type fakeSession struct {
	runtime.Session
	accountID string
}

func (s *fakeSession) Start(ctx context.Context) error        { return nil }
func (s *fakeSession) Stop()                                  {}
func (s *fakeSession) ApplySettings(model.AutomationSettings) {}

func (s *fakeSession) Info() runtime.Info {
	return runtime.Info{AccountID: s.accountID, Connected: true}
}

func (s *fakeSession) FarmOperation(_ context.Context, mode string) (*runtime.CycleReport, error) {
	if !runtime.ValidFarmMode(mode) {
		return nil, apperrors.ValidationError("unknown farm mode: " + mode)
	}
	return &runtime.CycleReport{Mode: mode, Harvested: 2}, nil
}

func (s *fakeSession) Lands(context.Context) (*service.LandAnalysis, error) {
	return &service.LandAnalysis{}, nil
}

func (s *fakeSession) Sell(context.Context) (*service.SellReport, error) {
	return &service.SellReport{}, nil
}

type handlerEnv struct {
	router  http.Handler
	manager *runtime.Manager
	hub     *runtime.LogHub
}

func newTestEnv(t *testing.T, govCfg governor.Config) *handlerEnv {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "handler_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	hub := runtime.NewLogHub(store.NewLogRepository(db), 200, 50, time.Hour)
	gov := governor.New(govCfg, governor.NewMemoryCooldowns())

	cfg := &config.Config{
		GatewayURL:                 "wss://example.test/ws",
		StartRetryMaxAttempts:      2,
		StartRetryBaseDelaySeconds: 0.001,
		StartRetryMaxDelaySeconds:  0.002,
		AutoStartConcurrency:       2,
		HeartbeatIntervalSeconds:   25,
		RPCTimeoutSeconds:          10,
	}
	manager := runtime.NewManager(
		cfg,
		store.NewAccountRepository(db),
		store.NewSettingsRepository(db),
		store.NewRuntimeStatusRepository(db),
		gov,
		hub,
	)
	manager.SetSessionFactory(func(account model.Account, _ model.AutomationSettings) runtime.Session {
		return &fakeSession{accountID: account.ID}
	})
	t.Cleanup(func() { manager.StopAll(context.Background()) })

	h := New(manager, gov, store.NewBindingRepository(db), store.NewWhitelistRepository(db))
	return &handlerEnv{router: h.Routes(), manager: manager, hub: hub}
}

func (env *handlerEnv) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

func (env *handlerEnv) createAccount(t *testing.T, name string) string {
	t.Helper()
	rec := env.do(t, http.MethodPost, "/accounts", map[string]any{"name": name, "code": "code-" + name})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	id := body["account"].(map[string]any)["id"].(string)
	require.NotEmpty(t, id)
	return id
}

func TestAccountLifecycle(t *testing.T) {
	env := newTestEnv(t, governor.Config{GlobalLimit: 10, InflightLimit: 4})

	id := env.createAccount(t, "alpha")

	rec := env.do(t, http.MethodGet, "/accounts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	accounts := decodeBody(t, rec)["accounts"].([]any)
	require.Len(t, accounts, 1)

	rec = env.do(t, http.MethodPost, "/accounts/"+id+"/start", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	status := decodeBody(t, rec)
	assert.Equal(t, "running", status["status"].(map[string]any)["runtimeState"])
	assert.Equal(t, true, status["live"].(map[string]any)["connected"])

	rec = env.do(t, http.MethodPost, "/accounts/"+id+"/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/accounts/"+id+"/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "stopped", decodeBody(t, rec)["status"].(map[string]any)["runtimeState"])

	rec = env.do(t, http.MethodDelete, "/accounts/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/accounts/"+id+"/status", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpsertAccountRequiresCode(t *testing.T) {
	env := newTestEnv(t, governor.Config{GlobalLimit: 10, InflightLimit: 4})

	rec := env.do(t, http.MethodPost, "/accounts", map[string]any{"name": "alpha"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, string(apperrors.ErrCodeValidation), body["code"])
	assert.Contains(t, body["hint"], "login code")
}

func TestGameRouteOnStoppedAccount(t *testing.T) {
	env := newTestEnv(t, governor.Config{GlobalLimit: 10, InflightLimit: 4})
	id := env.createAccount(t, "alpha")

	rec := env.do(t, http.MethodGet, "/accounts/"+id+"/lands", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(apperrors.ErrCodeNotRunning), decodeBody(t, rec)["code"])
}

func TestFarmOperationRoute(t *testing.T) {
	env := newTestEnv(t, governor.Config{GlobalLimit: 10, InflightLimit: 4})
	id := env.createAccount(t, "alpha")
	rec := env.do(t, http.MethodPost, "/accounts/"+id+"/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	t.Run("explicit mode", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/accounts/"+id+"/farm", map[string]any{"mode": "harvest"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		body := decodeBody(t, rec)
		assert.Equal(t, "harvest", body["mode"])
		assert.Equal(t, float64(2), body["harvested"])
	})

	t.Run("empty body defaults to a full pass", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/accounts/"+id+"/farm", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, runtime.FarmModeAll, decodeBody(t, rec)["mode"])
	})

	t.Run("unknown mode", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/accounts/"+id+"/farm", map[string]any{"mode": "arson"})
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown payload field", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/accounts/"+id+"/farm", map[string]any{"mod": "harvest"})
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

// seedRunningAccount creates and starts an account through the manager so
// cooldown tests begin with a cold operator track.
func (env *handlerEnv) seedRunningAccount(t *testing.T, name string) string {
	t.Helper()
	account, _, err := env.manager.UpsertAccount(context.Background(), model.UpsertAccountParams{
		Name: name,
		Code: "code-" + name,
	})
	require.NoError(t, err)
	require.NoError(t, env.manager.StartAccount(context.Background(), account.ID))
	return account.ID
}

func TestWriteCooldownMapsToTooManyRequests(t *testing.T) {
	env := newTestEnv(t, governor.Config{
		GlobalLimit:   10,
		InflightLimit: 4,
		WriteCooldown: time.Hour,
	})
	id := env.seedRunningAccount(t, "alpha")

	rec := env.do(t, http.MethodPost, "/accounts/"+id+"/sell", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/accounts/"+id+"/sell", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, string(apperrors.ErrCodeCooldownActive), body["code"])
	assert.Contains(t, body["hint"], "try again")
}

func TestControlRoutesShareWriteCooldown(t *testing.T) {
	env := newTestEnv(t, governor.Config{
		GlobalLimit:   10,
		InflightLimit: 4,
		WriteCooldown: time.Hour,
	})
	id := env.seedRunningAccount(t, "alpha")

	rec := env.do(t, http.MethodPost, "/accounts/"+id+"/settings", map[string]any{"max_profit": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// every mutating route rides the same per-operator write track
	rec = env.do(t, http.MethodPost, "/accounts/"+id+"/automation", map[string]any{"sell": false})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, string(apperrors.ErrCodeCooldownActive), body["code"])

	// reads stay on their own track and keep working
	rec = env.do(t, http.MethodGet, "/accounts/"+id+"/settings", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestFriendGIDValidation(t *testing.T) {
	env := newTestEnv(t, governor.Config{GlobalLimit: 10, InflightLimit: 4})
	id := env.createAccount(t, "alpha")

	rec := env.do(t, http.MethodGet, "/accounts/"+id+"/friends/zero/lands", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/accounts/"+id+"/friends/-3/lands", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSettingsRoutes(t *testing.T) {
	env := newTestEnv(t, governor.Config{GlobalLimit: 10, InflightLimit: 4})
	id := env.createAccount(t, "alpha")

	t.Run("patch account settings", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/accounts/"+id+"/settings", map[string]any{
			"strategy":   "max_profit",
			"automation": map[string]bool{"friend_bad": true},
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		body := decodeBody(t, rec)
		assert.Equal(t, "max_profit", body["strategy"])
		assert.Equal(t, true, body["automation"].(map[string]any)["friend_bad"])
	})

	t.Run("invalid enum rejected", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/accounts/"+id+"/settings", map[string]any{
			"fertilizer": "plutonium",
		})
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("automation shorthand", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/accounts/"+id+"/automation", map[string]any{
			"class": "sell", "enabled": false,
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, false, decodeBody(t, rec)["automation"].(map[string]any)["sell"])
	})

	t.Run("automation shorthand rejects unknown class", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/accounts/"+id+"/automation", map[string]any{
			"class": "mine_bitcoin", "enabled": true,
		})
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("shared defaults", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/settings", map[string]any{"strategy": "max_exp"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		rec = env.do(t, http.MethodGet, "/settings", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "max_exp", decodeBody(t, rec)["strategy"])
	})
}

func TestBindingRoutes(t *testing.T) {
	env := newTestEnv(t, governor.Config{GlobalLimit: 10, InflightLimit: 4})
	id := env.createAccount(t, "alpha")

	rec := env.do(t, http.MethodPost, "/bindings", map[string]any{"userId": "op-1", "accountId": id})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/bindings/op-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	t.Run("second owner rejected", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/bindings", map[string]any{"userId": "op-2", "accountId": id})
		require.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("unknown account rejected", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/bindings", map[string]any{"userId": "op-3", "accountId": "999"})
		require.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("missing fields rejected", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/bindings", map[string]any{"userId": "op-4"})
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	rec = env.do(t, http.MethodDelete, "/bindings/op-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/bindings/op-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWhitelistRoutes(t *testing.T) {
	env := newTestEnv(t, governor.Config{GlobalLimit: 10, InflightLimit: 4})

	rec := env.do(t, http.MethodPost, "/whitelist", map[string]any{"type": "user", "id": "op-9"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = env.do(t, http.MethodPost, "/whitelist", map[string]any{"type": "group", "id": "room-1"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/whitelist", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, []any{"op-9"}, body["users"])
	assert.Equal(t, []any{"room-1"}, body["groups"])

	t.Run("unknown type rejected", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/whitelist", map[string]any{"type": "planet", "id": "mars"})
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	rec = env.do(t, http.MethodDelete, "/whitelist", map[string]any{"type": "user", "id": "op-9"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/whitelist", nil)
	assert.Empty(t, decodeBody(t, rec)["users"])
}

func TestLogsRoute(t *testing.T) {
	env := newTestEnv(t, governor.Config{GlobalLimit: 10, InflightLimit: 4})

	now := time.Now()
	env.hub.Append(model.RuntimeLogEntry{Time: now, AccountID: "1", Module: "farm", Event: "cycle", Message: "harvested 3"})
	env.hub.Append(model.RuntimeLogEntry{Time: now, AccountID: "1", Module: "farm", Event: "cycle", Message: "water failed", IsWarn: true})
	env.hub.Append(model.RuntimeLogEntry{Time: now, AccountID: "2", Module: "session", Event: "login", Message: "ok"})

	rec := env.do(t, http.MethodGet, "/logs?account=1&warn=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, float64(1), body["count"])
	logs := body["logs"].([]any)
	assert.Equal(t, "water failed", logs[0].(map[string]any)["msg"])

	rec = env.do(t, http.MethodGet, "/logs?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), decodeBody(t, rec)["count"])
}

func TestServiceStatusRoute(t *testing.T) {
	env := newTestEnv(t, governor.Config{GlobalLimit: 10, InflightLimit: 4})
	id := env.createAccount(t, "alpha")
	rec := env.do(t, http.MethodPost, "/accounts/"+id+"/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(1), body["accounts"])
	assert.Equal(t, float64(1), body["running"])
}
