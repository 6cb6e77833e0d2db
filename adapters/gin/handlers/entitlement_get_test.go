package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open-rails/entitlementkit/core"
	"github.com/open-rails/entitlementkit/reconcile"
	memorystore "github.com/open-rails/entitlementkit/store/memory"
	"github.com/open-rails/entitlementkit/testkit"
)

type entitlementResponse struct {
	Record  core.Record `json:"record"`
	Premium bool        `json:"premium"`
	Stale   bool        `json:"stale"`
	Outcome string      `json:"outcome"`
	Offline bool        `json:"offline"`
}

func readAPIRouter(t *testing.T, rail *testkit.FakeRail) (*gin.Engine, *core.Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	svc := core.NewService(memorystore.New(), core.ServiceConfig{Logger: quietLogger()})
	sched := reconcile.NewScheduler(svc, []reconcile.RailClient{rail}, reconcile.SchedulerConfig{Logger: quietLogger()})
	r := gin.New()
	r.GET("/entitlements/:account_id", HandleEntitlementGET(svc))
	r.POST("/entitlements/:account_id/restore", HandleRestorePOST(svc, sched))
	return r, svc
}

func doJSON(t *testing.T, r *gin.Engine, method, path string) (int, entitlementResponse) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var resp entitlementResponse
	if w.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w.Code, resp
}

func TestEntitlementGETUnknownAccount(t *testing.T) {
	r, _ := readAPIRouter(t, testkit.NewFakeRail(core.RailNative))

	code, resp := doJSON(t, r, http.MethodGet, "/entitlements/"+uuid.NewString())
	require.Equal(t, http.StatusOK, code)
	assert.False(t, resp.Premium)
	assert.False(t, resp.Stale)
	assert.Equal(t, core.StatusNotSubscribed, resp.Record.Status)
	assert.Equal(t, core.TierFree, resp.Record.Tier)
}

func TestEntitlementGETPremiumAccount(t *testing.T) {
	r, svc := readAPIRouter(t, testkit.NewFakeRail(core.RailNative))
	accountID := uuid.New()
	expiry := time.Now().UTC().Add(30 * 24 * time.Hour)
	_, _, err := svc.ApplyEvent(context.Background(), core.Event{
		AccountID:  accountID,
		EventID:    "ev-1",
		Rail:       core.RailNative,
		Status:     core.StatusActive,
		ExpiresAt:  &expiry,
		OccurredAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	code, resp := doJSON(t, r, http.MethodGet, "/entitlements/"+accountID.String())
	require.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Premium)
	assert.Equal(t, core.StatusActive, resp.Record.Status)
}

func TestEntitlementGETInvalidID(t *testing.T) {
	r, _ := readAPIRouter(t, testkit.NewFakeRail(core.RailNative))
	code, _ := doJSON(t, r, http.MethodGet, "/entitlements/not-a-uuid")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestRestoreAppliesRailState(t *testing.T) {
	rail := testkit.NewFakeRail(core.RailNative)
	r, _ := readAPIRouter(t, rail)

	accountID := uuid.New()
	expiry := time.Now().UTC().Add(30 * 24 * time.Hour)
	rail.Respond([]core.Event{{
		AccountID:  accountID,
		EventID:    "rail-ev-1",
		Rail:       core.RailNative,
		Status:     core.StatusActive,
		ExpiresAt:  &expiry,
		OccurredAt: time.Now().UTC(),
	}}, nil)

	code, resp := doJSON(t, r, http.MethodPost, "/entitlements/"+accountID.String()+"/restore")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, string(reconcile.OutcomeUpdated), resp.Outcome)
	assert.False(t, resp.Offline)
	assert.True(t, resp.Premium)
}

func TestRestoreOfflineKeepsLastKnownState(t *testing.T) {
	rail := testkit.NewFakeRail(core.RailNative)
	r, svc := readAPIRouter(t, rail)

	accountID := uuid.New()
	expiry := time.Now().UTC().Add(30 * 24 * time.Hour)
	_, _, err := svc.ApplyEvent(context.Background(), core.Event{
		AccountID:  accountID,
		EventID:    "ev-1",
		Rail:       core.RailNative,
		Status:     core.StatusActive,
		ExpiresAt:  &expiry,
		OccurredAt: time.Now().UTC().Add(-time.Minute),
	})
	require.NoError(t, err)

	rail.Respond(nil, core.ErrRailUnavailable)

	code, resp := doJSON(t, r, http.MethodPost, "/entitlements/"+accountID.String()+"/restore")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, string(reconcile.OutcomeSourceUnavailable), resp.Outcome)
	assert.True(t, resp.Offline, "offline restore reports offline, not loss of entitlement")
	assert.True(t, resp.Premium, "last known premium survives an offline restore")
}
