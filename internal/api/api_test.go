package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/flowguard/internal/backend/memory"
	"firestige.xyz/flowguard/internal/core"
	"firestige.xyz/flowguard/internal/guard"
	"firestige.xyz/flowguard/internal/registry"
	"firestige.xyz/flowguard/internal/scheduler"
)

type fixture struct {
	backend *memory.Backend
	guard   *guard.Guard
	reg     *registry.Registry
	router  http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b := memory.New("device:s1", "device:s2", "host:h1")
	sched := scheduler.NewManualScheduler(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	g, err := guard.New(b, sched, guard.Options{Limits: guard.Limits{MaxEvents: 2, BanDuration: time.Minute}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close(context.Background()) })

	reg := registry.New(b, b, registry.Options{})
	srv := NewServer("127.0.0.1:0", g, reg)
	return &fixture{backend: b, guard: g, reg: reg, router: srv.Router()}
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, statusResponse) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	return rec.Code, resp
}

func TestStoreTest(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/store/test", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"hello":"world"}`, rec.Body.String())
}

func TestAddRuleAcceptsTablaField(t *testing.T) {
	f := newFixture(t)
	code, resp := f.do(t, http.MethodPost, "/store/addRule/r1",
		`{"match":"icmp","tabla":"ingress.table0_control.table0","action":"ingress.table0_control.drop","param":""}`)

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", resp.Status)

	rules := f.reg.Rules()
	require.Len(t, rules, 2, "installed on every device:s* device")
	for _, e := range rules {
		assert.Equal(t, "ingress.table0_control.table0", e.Rule.Table)
		assert.Equal(t, registry.DefaultOwner, e.Owner)
	}
	assert.Equal(t, 2, f.backend.Len())

	code, resp = f.do(t, http.MethodPost, "/store/addRule/r1",
		`{"match":"icmp","table":"ingress.table0_control.table0","action":"ingress.table0_control.drop"}`)
	assert.Equal(t, http.StatusOK, code, "duplicate id is reported, not an error")
	assert.Equal(t, 2, f.backend.Len())
	result, _ := json.Marshal(resp.Result)
	assert.Contains(t, string(result), string(registry.OutcomeDuplicateID))
}

func TestAddRuleRejectsBadInput(t *testing.T) {
	f := newFixture(t)

	code, resp := f.do(t, http.MethodPost, "/store/addRule/r1", `{"match":`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "error", resp.Status)

	code, resp = f.do(t, http.MethodPost, "/store/addRule/r1", `{"match":"sctp","table":"t","action":"a"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, resp.Error, "sctp")
	assert.Equal(t, 0, f.backend.Len())
}

func TestDeleteRoutes(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"r1", "r2"} {
		code, _ := f.do(t, http.MethodPost, "/store/addRule/"+id,
			`{"match":"`+map[string]string{"r1": "icmp", "r2": "tcp"}[id]+`","table":"t","action":"drop","owner":"app-a"}`)
		require.Equal(t, http.StatusOK, code)
	}
	require.Equal(t, 4, f.backend.Len())

	code, resp := f.do(t, http.MethodDelete, "/store/delRule/r1/", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 2, f.backend.Len())

	code, _ = f.do(t, http.MethodDelete, "/store/delRule/unknown/", "")
	assert.Equal(t, http.StatusOK, code, "unknown rule id is not an error")

	code, resp = f.do(t, http.MethodDelete, "/store/delAllRuleApp/app-a/", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, map[string]interface{}{"owner": "app-a", "cleared": float64(2)}, resp.Result)
	assert.Equal(t, 0, f.backend.Len())
	assert.Empty(t, f.reg.Rules())
}

func TestGuardConfigRoutes(t *testing.T) {
	f := newFixture(t)

	code, resp := f.do(t, http.MethodGet, "/guard/config", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, map[string]interface{}{"max_events": float64(2), "ban_duration": "1m0s"}, resp.Result)

	code, _ = f.do(t, http.MethodPut, "/guard/config", `{"max_events":9,"ban_duration":"2m"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, guard.Limits{MaxEvents: 9, BanDuration: 2 * time.Minute}, f.guard.Limits())

	code, resp = f.do(t, http.MethodPut, "/guard/config", `{"max_events":0,"ban_duration":"2m"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, 9, f.guard.Limits().MaxEvents, "rejected limits leave the old ones in force")
}

func TestGuardBansRoute(t *testing.T) {
	f := newFixture(t)
	src := core.MustParseMAC("00:00:00:00:00:01")
	dst := core.MustParseMAC("00:00:00:00:00:02")
	for i := 0; i < 3; i++ {
		f.guard.OnEvent(context.Background(), "device:s1", src, dst)
	}

	code, resp := f.do(t, http.MethodGet, "/guard/bans", "")
	assert.Equal(t, http.StatusOK, code)
	raw, err := json.Marshal(resp.Result)
	require.NoError(t, err)

	var snap guard.Snapshot
	require.NoError(t, json.Unmarshal(raw, &snap))
	require.Len(t, snap.Bans, 1)
	assert.Equal(t, core.FlowKey{Device: "device:s1", Src: src, Dst: dst}, snap.Bans[0].Key)
	assert.Equal(t, guard.BanActive, snap.Bans[0].State)
}

func TestUnknownRoute(t *testing.T) {
	f := newFixture(t)
	code, resp := f.do(t, http.MethodGet, "/store/nothing", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "error", resp.Status)

	code, _ = f.do(t, http.MethodGet, "/store/delRule/r1/", "")
	assert.Equal(t, http.StatusMethodNotAllowed, code)
}

func TestServerStartStop(t *testing.T) {
	f := newFixture(t)
	srv := NewServer("127.0.0.1:0", f.guard, f.reg)
	require.NoError(t, srv.Start(context.Background()))

	resp, err := http.Get("http://" + srv.Addr() + "/store/rules")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, srv.Stop(context.Background()))
}
