package opsapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/bridge"
	"tradecore/internal/health"
	"tradecore/internal/safety"
	"tradecore/internal/scheduler"
	"tradecore/internal/schema"
)

type fakeHealth struct {
	last  []health.Result
	at    time.Time
	runs  int
	fresh []health.Result
}

func (f *fakeHealth) RunChecks(context.Context) []health.Result {
	f.runs++
	return f.fresh
}

func (f *fakeHealth) Last() ([]health.Result, time.Time) { return f.last, f.at }

type fakeGuard struct{ res schema.GuardResult }

func (f fakeGuard) CheckBeforeExtract(expected string) schema.GuardResult {
	r := f.res
	r.Expected = expected
	return r
}

type fakeExecutor struct {
	res     bridge.ExecResult
	err     error
	payload any
}

func (f *fakeExecutor) Execute(_ context.Context, payload any) (bridge.ExecResult, error) {
	f.payload = payload
	return f.res, f.err
}

type fakeFlags struct {
	set     map[string]string
	cleared []string
	refresh int
}

func (f *fakeFlags) Set(_ context.Context, name, value string) error {
	if name == "bogus" {
		return errors.New("unknown flag")
	}
	if f.set == nil {
		f.set = map[string]string{}
	}
	f.set[name] = value
	return nil
}

func (f *fakeFlags) Clear(_ context.Context, name string) error {
	f.cleared = append(f.cleared, name)
	return nil
}

func (f *fakeFlags) Values() map[string]bool { return map[string]bool{"safe_mode": true} }

func (f *fakeFlags) Refresh(context.Context) error {
	f.refresh++
	return nil
}

type fakeScheduler struct{}

func (fakeScheduler) States() map[string]scheduler.TargetState {
	return map[string]scheduler.TargetState{scheduler.TargetPipeline: {Runs: 4}}
}

func newLayer() *safety.Layer {
	return safety.NewLayer(safety.NewMachine(), safety.NewLogNotifier(zerolog.Nop()), safety.LayerOptions{}, zerolog.Nop())
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	fh := &fakeHealth{fresh: []health.Result{{OK: true, Name: health.CheckConfigBackend}}}
	s := New(":0", Deps{Safety: newLayer(), Health: fh}, zerolog.Nop())

	rec := do(t, s.Handler(), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, fh.runs, "no previous pass so checks run now")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	fh.last = []health.Result{{OK: false, Name: health.CheckRepository, Message: "down"}}
	fh.at = time.Now()
	rec = do(t, s.Handler(), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, 1, fh.runs)

	var body struct {
		Healthy bool            `json:"healthy"`
		Checks  []health.Result `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.Healthy)
	require.Len(t, body.Checks, 1)
	assert.Equal(t, "down", body.Checks[0].Message)
}

func TestHealthzWithoutMonitor(t *testing.T) {
	s := New(":0", Deps{Safety: newLayer()}, zerolog.Nop())
	rec := do(t, s.Handler(), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSafetyAndRecovery(t *testing.T) {
	layer := newLayer()
	ctx := context.Background()
	layer.RecordFailSafe(ctx, safety.FS040, "reject", safety.StageAct)
	layer.RecordFailSafe(ctx, safety.FS040, "reject", safety.StageAct)

	s := New(":0", Deps{Safety: layer}, zerolog.Nop())

	rec := do(t, s.Handler(), http.MethodGet, "/safety", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap safety.LayerSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, safety.StateLockdown, snap.State)
	assert.False(t, snap.TradingAllowed)

	rec = do(t, s.Handler(), http.MethodPost, "/safety/recover", `{"operator_approved":false}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, safety.StateLockdown, layer.Snapshot().State)

	rec = do(t, s.Handler(), http.MethodPost, "/safety/recover", `{"operator_approved":true}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	var tr safety.TransitionResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tr))
	assert.True(t, tr.Applied)
	assert.Equal(t, safety.StateNormal, tr.To)

	rec = do(t, s.Handler(), http.MethodPost, "/safety/recover", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSchemaGuard(t *testing.T) {
	guard := fakeGuard{res: schema.GuardResult{Allowed: false, Reason: schema.GuardVersionMismatch, Current: "1.0.0"}}
	s := New(":0", Deps{Safety: newLayer(), Schema: guard, ExpectedSchemaVersion: "2.0.0"}, zerolog.Nop())

	rec := do(t, s.Handler(), http.MethodGet, "/schema/guard", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	var res schema.GuardResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "2.0.0", res.Expected)

	rec = do(t, s.Handler(), http.MethodGet, "/schema/guard?expected=1.0.0", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "1.0.0", res.Expected)
}

func TestFlagsRoutes(t *testing.T) {
	ff := &fakeFlags{}
	s := New(":0", Deps{Safety: newLayer(), FlagStore: ff, Flags: ff}, zerolog.Nop())

	rec := do(t, s.Handler(), http.MethodPut, "/flags/safe_mode", `{"value":"true"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "true", ff.set["safe_mode"])
	assert.Equal(t, 1, ff.refresh)

	rec = do(t, s.Handler(), http.MethodPut, "/flags/bogus", `{"value":"1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s.Handler(), http.MethodDelete, "/flags/safe_mode", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"safe_mode"}, ff.cleared)

	rec = do(t, s.Handler(), http.MethodGet, "/flags", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"safe_mode":true}`, rec.Body.String())
}

func TestSchedulerRoute(t *testing.T) {
	s := New(":0", Deps{Safety: newLayer()}, zerolog.Nop())
	assert.Equal(t, http.StatusServiceUnavailable, do(t, s.Handler(), http.MethodGet, "/scheduler", "").Code)

	s = New(":0", Deps{Safety: newLayer(), Scheduler: fakeScheduler{}}, zerolog.Nop())
	rec := do(t, s.Handler(), http.MethodGet, "/scheduler", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"runs":4`)
}

func TestExecuteRoute(t *testing.T) {
	exec := &fakeExecutor{res: bridge.ExecResult{Denied: true, Reason: "kill switch on", Code: safety.GExeKillSwitchOn}}
	s := New(":0", Deps{Safety: newLayer(), Executor: exec}, zerolog.Nop())

	rec := do(t, s.Handler(), http.MethodPost, "/orders/execute", `{"symbol":"005930","side":"BUY","qty":1}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), safety.GExeKillSwitchOn)
	assert.IsType(t, []byte{}, exec.payload)

	exec.res = bridge.ExecResult{}
	exec.err = errors.New("bad payload")
	rec = do(t, s.Handler(), http.MethodPost, "/orders/execute", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsAndNotFound(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("# metrics\n"))
	})
	s := New(":0", Deps{Safety: newLayer(), Metrics: metrics}, zerolog.Nop())

	rec := do(t, s.Handler(), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "# metrics\n", rec.Body.String())

	rec = do(t, s.Handler(), http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s.Handler(), http.MethodDelete, "/safety", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.JSONEq(t, `{"error":"method not allowed"}`, rec.Body.String())

	rec = do(t, s.Handler(), http.MethodGet, "/orders/execute", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRequestIDPropagates(t *testing.T) {
	s := New(":0", Deps{Safety: newLayer()}, zerolog.Nop())
	req := httptest.NewRequest(http.MethodGet, "/safety", nil)
	req.Header.Set("X-Request-ID", "abc123")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "abc123", rec.Header().Get("X-Request-ID"))
}
