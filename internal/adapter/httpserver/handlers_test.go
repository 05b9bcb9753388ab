package httpserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpserver "github.com/fairyhunter13/voucher-orchestrator/internal/adapter/httpserver"
	"github.com/fairyhunter13/voucher-orchestrator/internal/adapter/otp/memmail"
	"github.com/fairyhunter13/voucher-orchestrator/internal/adapter/registry/memreg"
	"github.com/fairyhunter13/voucher-orchestrator/internal/config"
	"github.com/fairyhunter13/voucher-orchestrator/internal/domain"
	"github.com/fairyhunter13/voucher-orchestrator/internal/usecase"
)

type stubDirectory struct {
	mu       sync.Mutex
	bindings map[string]domain.Binding
}

func newStubDirectory(bs ...domain.Binding) *stubDirectory {
	d := &stubDirectory{bindings: map[string]domain.Binding{}}
	for _, b := range bs {
		d.bindings[b.ID] = b
	}
	return d
}

func (d *stubDirectory) Resolve(_ domain.Context, id string) (domain.Binding, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.bindings[id]
	if !ok {
		return domain.Binding{}, fmt.Errorf("op=directory.resolve: %s: %w", id, domain.ErrNotFound)
	}
	return b, nil
}

func (d *stubDirectory) MarkDeviceTrusted(_ domain.Context, id, deviceID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	b := d.bindings[id]
	b.LastDeviceID = deviceID
	d.bindings[id] = b
	return nil
}

func testServerConfig() config.Config {
	return config.Config{
		WorkerIntervalMSDefault:  800,
		MaxRetryStatusDefault:    2,
		CooldownOnErrorMSDefault: 1500,
		RateLimitPerMin:          60,
	}
}

func newHandlerServer(t *testing.T) (*httpserver.Server, *memreg.Registry, *memmail.Mailbox, *stubDirectory) {
	t.Helper()
	reg := memreg.New(time.Minute)
	mbox := memmail.New()
	dir := newStubDirectory(domain.Binding{
		ID:     "b1",
		MSISDN: "6281234567890",
		Server: domain.Server{BaseURL: "http://upstream.local", TimeoutMS: 5000},
	})
	control := usecase.NewControlService(reg, dir, mbox, nil)
	srv := httpserver.NewServer(testServerConfig(), control, nil, nil)
	return srv, reg, mbox, dir
}

func doJSON(t *testing.T, h http.HandlerFunc, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body == "" {
		rd = bytes.NewReader(nil)
	} else {
		rd = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, target, rd)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeResults(t *testing.T, rec *httptest.ResponseRecorder) []usecase.ItemResult {
	t.Helper()
	var out struct {
		Action string               `json:"action"`
		Items  []usecase.ItemResult `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.NotEmpty(t, out.Action)
	return out.Items
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var out struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out.Error.Code
}

func TestStartHandler_ProvisionsWorker(t *testing.T) {
	srv, reg, _, _ := newHandlerServer(t)

	body := `{"binding_ids":["b1"],"product_id":"XL5GB","email":"ops@example.com","limit_harga":100000}`
	rec := doJSON(t, srv.StartHandler(), http.MethodPost, "/v1/orchestration/start", body)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	results := decodeResults(t, rec)
	require.Len(t, results, 1)
	assert.True(t, results[0].OK)
	assert.Equal(t, "started", results[0].Message)

	cfg, err := reg.GetConfig(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, "XL5GB", cfg.ProductID)
	assert.Equal(t, int64(100_000), cfg.LimitHarga)
	// Omitted knobs fall back to process defaults.
	assert.Equal(t, 800, cfg.IntervalMS)
	assert.Equal(t, 2, cfg.MaxRetryStatus)

	st, err := reg.GetState(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, domain.WorkerRunning, st.Status)
}

func TestStartHandler_ExplicitKnobsOverrideDefaults(t *testing.T) {
	srv, reg, _, _ := newHandlerServer(t)

	body := `{"binding_ids":["b1"],"product_id":"XL5GB","email":"ops@example.com","limit_harga":100000,` +
		`"interval_ms":1200,"max_retry_status":5,"cooldown_on_error_ms":2000}`
	rec := doJSON(t, srv.StartHandler(), http.MethodPost, "/v1/orchestration/start", body)
	require.Equal(t, http.StatusOK, rec.Code)

	cfg, err := reg.GetConfig(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, 1200, cfg.IntervalMS)
	assert.Equal(t, 5, cfg.MaxRetryStatus)
	assert.Equal(t, 2000, cfg.CooldownOnErrorMS)
}

func TestStartHandler_ValidationFailures(t *testing.T) {
	srv, _, _, _ := newHandlerServer(t)

	cases := []struct {
		name string
		body string
	}{
		{"missing bindings", `{"product_id":"XL5GB","email":"ops@example.com","limit_harga":100000}`},
		{"empty bindings", `{"binding_ids":[],"product_id":"XL5GB","email":"ops@example.com","limit_harga":100000}`},
		{"bad email", `{"binding_ids":["b1"],"product_id":"XL5GB","email":"nope","limit_harga":100000}`},
		{"zero limit", `{"binding_ids":["b1"],"product_id":"XL5GB","email":"ops@example.com","limit_harga":0}`},
		{"interval too low", `{"binding_ids":["b1"],"product_id":"XL5GB","email":"ops@example.com","limit_harga":100000,"interval_ms":50}`},
		{"retry too high", `{"binding_ids":["b1"],"product_id":"XL5GB","email":"ops@example.com","limit_harga":100000,"max_retry_status":11}`},
		{"invalid json", `{"binding_ids":`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, srv.StartHandler(), http.MethodPost, "/v1/orchestration/start", tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "INVALID_ARGUMENT", errorCode(t, rec))
		})
	}
}

func TestStartHandler_UnknownBindingFailsItemNotCall(t *testing.T) {
	srv, _, _, _ := newHandlerServer(t)

	body := `{"binding_ids":["b1","ghost"],"product_id":"XL5GB","email":"ops@example.com","limit_harga":100000}`
	rec := doJSON(t, srv.StartHandler(), http.MethodPost, "/v1/orchestration/start", body)

	require.Equal(t, http.StatusOK, rec.Code)
	results := decodeResults(t, rec)
	require.Len(t, results, 2)
	assert.True(t, results[0].OK)
	assert.False(t, results[1].OK)
	assert.Equal(t, "binding_not_found", results[1].Message)
}

func TestStartHandler_RejectsNonJSONAccept(t *testing.T) {
	srv, _, _, _ := newHandlerServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/orchestration/start", strings.NewReader(`{}`))
	req.Header.Set("Accept", "text/html")
	rec := httptest.NewRecorder()
	srv.StartHandler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotAcceptable, rec.Code)
	assert.Equal(t, "INVALID_ARGUMENT", errorCode(t, rec))
}

func TestPauseResumeStopHandlers(t *testing.T) {
	srv, _, _, _ := newHandlerServer(t)

	start := `{"binding_ids":["b1"],"product_id":"XL5GB","email":"ops@example.com","limit_harga":100000}`
	require.Equal(t, http.StatusOK, doJSON(t, srv.StartHandler(), http.MethodPost, "/start", start).Code)

	rec := doJSON(t, srv.PauseHandler(), http.MethodPost, "/pause", `{"binding_ids":["b1"],"reason":"maintenance"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	results := decodeResults(t, rec)
	require.Len(t, results, 1)
	assert.True(t, results[0].OK)
	assert.Equal(t, "paused", results[0].Message)

	rec = doJSON(t, srv.ResumeHandler(), http.MethodPost, "/resume", `{"binding_ids":["b1"]}`)
	results = decodeResults(t, rec)
	require.Len(t, results, 1)
	assert.Equal(t, "resumed", results[0].Message)

	rec = doJSON(t, srv.StopHandler(), http.MethodPost, "/stop", `{"binding_ids":["b1"]}`)
	results = decodeResults(t, rec)
	require.Len(t, results, 1)
	assert.True(t, results[0].OK)
	assert.Equal(t, "stop_requested", results[0].Message)

	// Pausing a stopped binding reports not_running per item.
	rec = doJSON(t, srv.PauseHandler(), http.MethodPost, "/pause", `{"binding_ids":["b1"]}`)
	results = decodeResults(t, rec)
	assert.False(t, results[0].OK)
	assert.Equal(t, "not_running", results[0].Message)
}

func TestStatusHandler_UnknownBindingReportsIdle(t *testing.T) {
	srv, _, _, _ := newHandlerServer(t)

	rec := doJSON(t, srv.StatusHandler(), http.MethodPost, "/status", `{"binding_ids":["ghost"]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Items []usecase.StatusItem `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.Items, 1)
	assert.Equal(t, "idle", out.Items[0].State)
	assert.Equal(t, "not_found", out.Items[0].Reason)
}

func TestMonitorHandler_ReturnsFleetView(t *testing.T) {
	srv, reg, _, _ := newHandlerServer(t)
	ctx := context.Background()

	_, err := reg.SetState(ctx, "b1", "", domain.WorkerRunning, "started")
	require.NoError(t, err)
	got, err := reg.AcquireLock(ctx, "b1", "node-1:b1", time.Minute)
	require.NoError(t, err)
	require.True(t, got)

	req := httptest.NewRequest(http.MethodGet, "/v1/orchestration/monitor", nil)
	rec := httptest.NewRecorder()
	srv.MonitorHandler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var out usecase.MonitorResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, 1, out.TotalWorkers)
	assert.Equal(t, 1, out.ActiveWorkers)
	require.Len(t, out.Items, 1)
	assert.Equal(t, "node-1:b1", out.Items[0].LockOwner)
}

func TestOTPHandler_AcceptsAndConflicts(t *testing.T) {
	srv, _, mbox, _ := newHandlerServer(t)

	rec := doJSON(t, srv.OTPHandler(), http.MethodPost, "/otp", `{"binding_id":"b1","otp":"123456"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var accepted struct {
		Accepted bool `json:"accepted"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))
	assert.True(t, accepted.Accepted)

	// The slot is single occupancy until a worker consumes it.
	rec = doJSON(t, srv.OTPHandler(), http.MethodPost, "/otp", `{"binding_id":"b1","otp":"654321"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "CONFLICT", errorCode(t, rec))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	code, err := mbox.Wait(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, "123456", code)
}

func TestOTPHandler_Validation(t *testing.T) {
	srv, _, _, _ := newHandlerServer(t)

	rec := doJSON(t, srv.OTPHandler(), http.MethodPost, "/otp", `{"binding_id":"ghost","otp":"123456"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", errorCode(t, rec))

	rec = doJSON(t, srv.OTPHandler(), http.MethodPost, "/otp", `{"binding_id":"b1","otp":"12ab"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv.OTPHandler(), http.MethodPost, "/otp", `{"binding_id":"b1","otp":"12"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReadyzHandler_AggregatesChecks(t *testing.T) {
	srv, _, _, _ := newHandlerServer(t)
	srv.DBCheck = func(context.Context) error { return nil }
	srv.RedisCheck = func(context.Context) error { return errors.New("dial tcp: refused") }

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	srv.ReadyzHandler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var out struct {
		Checks []struct {
			Name string `json:"name"`
			OK   bool   `json:"ok"`
		} `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.Checks, 2)
	assert.True(t, out.Checks[0].OK)
	assert.False(t, out.Checks[1].OK)

	srv.RedisCheck = func(context.Context) error { return nil }
	rec = httptest.NewRecorder()
	srv.ReadyzHandler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
