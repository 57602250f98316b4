package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fukugan/internal/camera"
	"fukugan/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig はテスト用の設定を返す
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0 // ランダムポートを使用
	return cfg
}

// newTestServer はモックのカメラn台で構成したServerを返す
func newTestServer(t *testing.T, n int) (*Server, *camera.Registry, *camera.MockSessionCreator, *camera.MockDiscovery) {
	t.Helper()

	discovery := camera.NewMockDiscovery(camera.NewMockDevices(n)...)
	creator := camera.NewMockSessionCreator()
	registry := camera.NewRegistry(discovery, creator, camera.RegistryOptions{PollRateHz: 100, StabiliseFrames: 2}, nil)
	require.NoError(t, registry.Start(context.Background()))
	t.Cleanup(func() { _ = registry.Close() })

	return New(testConfig(), registry, nil), registry, creator, discovery
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}

	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

// TestServerStartAndShutdown はサーバーの起動とシャットダウンをテストする
func TestServerStartAndShutdown(t *testing.T) {
	srv, _, _, _ := newTestServer(t, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	require.Eventually(t, func() bool { return srv.Addr() != nil }, time.Second, 5*time.Millisecond)

	resp, err := http.Get(fmt.Sprintf("http://%s/health", srv.Addr()))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("サーバーの停止がタイムアウトしました")
	}
}

func TestServer_QuitCommandStopsServer(t *testing.T) {
	srv, _, _, _ := newTestServer(t, 1)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(context.Background())
	}()
	require.Eventually(t, func() bool { return srv.Addr() != nil }, time.Second, 5*time.Millisecond)

	resp, err := http.Post(fmt.Sprintf("http://%s/api/commands", srv.Addr()), "application/json", strings.NewReader(`{"command":"q"}`))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("quitコマンドでサーバーが停止しませんでした")
	}
}

func TestHandler_HealthAndStatus(t *testing.T) {
	srv, registry, _, _ := newTestServer(t, 2)
	require.NoError(t, registry.Available(context.Background()))

	w := doRequest(t, srv.Handler(), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decode[HealthResponse](t, w).Status)

	w = doRequest(t, srv.Handler(), http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	status := decode[StatusResponse](t, w)
	assert.Equal(t, "running", status.Status)
	assert.Equal(t, 2, status.Cameras)
	assert.True(t, status.Initialised)
	assert.True(t, status.Polling)
	assert.Equal(t, "127.0.0.1", status.Server.Host)
}

func TestHandler_GetDevices(t *testing.T) {
	srv, registry, _, discovery := newTestServer(t, 2)
	require.NoError(t, registry.Available(context.Background()))
	require.Eventually(t, discovery.Subscribed, time.Second, 5*time.Millisecond)

	discovery.Detach("MOCK0000")

	w := doRequest(t, srv.Handler(), http.MethodGet, "/api/devices", "")
	require.Equal(t, http.StatusOK, w.Code)

	devices := decode[DevicesResponse](t, w).Devices
	require.Len(t, devices, 1)
	assert.Equal(t, 0, devices[0].Index)
	assert.Equal(t, "MOCK0001", devices[0].Serial)
}

func TestHandler_SaveFrames(t *testing.T) {
	srv, _, creator, _ := newTestServer(t, 2)

	w := doRequest(t, srv.Handler(), http.MethodPost, "/api/save", "")
	require.Equal(t, http.StatusOK, w.Code)

	res := decode[CommandResponse](t, w)
	assert.Equal(t, "save", res.Command)
	require.NotNil(t, res.Result)
	assert.Equal(t, camera.OpSave, res.Result.Operation)
	assert.Len(t, res.Result.Serials, 2)
	assert.NotEmpty(t, res.Result.BatchID)

	w = doRequest(t, srv.Handler(), http.MethodPost, "/api/save/1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"MOCK0001"}, decode[CommandResponse](t, w).Result.Serials)

	assert.Equal(t, 1, creator.Session("MOCK0000").Writes())
	assert.Equal(t, 2, creator.Session("MOCK0001").Writes())
}

func TestHandler_SaveFramesOutOfRange(t *testing.T) {
	srv, _, _, _ := newTestServer(t, 1)

	w := doRequest(t, srv.Handler(), http.MethodPost, "/api/save/5", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[CommandResponse](t, w).Result.Serials)

	w = doRequest(t, srv.Handler(), http.MethodPost, "/api/save/abc", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_index", decode[ErrorResponse](t, w).Error)
}

func TestHandler_SetLaser(t *testing.T) {
	srv, _, creator, _ := newTestServer(t, 2)

	w := doRequest(t, srv.Handler(), http.MethodPost, "/api/laser/0", `{"on":true,"power":"max"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "laser1@0 max", decode[CommandResponse](t, w).Command)

	on, power := creator.Session("MOCK0000").Laser()
	assert.True(t, on)
	assert.Equal(t, camera.LaserMax, power.Level)

	on, _ = creator.Session("MOCK0001").Laser()
	assert.False(t, on)

	w = doRequest(t, srv.Handler(), http.MethodPost, "/api/laser", `{"on":false}`)
	require.Equal(t, http.StatusOK, w.Code)
	on, _ = creator.Session("MOCK0000").Laser()
	assert.False(t, on)
}

func TestHandler_SetLaserInvalid(t *testing.T) {
	srv, _, _, _ := newTestServer(t, 1)

	tests := []struct {
		name string
		body string
		code string
	}{
		{"onなし", `{"power":"max"}`, "invalid_request"},
		{"不正なJSON", `{"on":`, "invalid_request"},
		{"不正な出力", `{"on":true,"power":"loud"}`, "invalid_power"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(t, srv.Handler(), http.MethodPost, "/api/laser", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, tt.code, decode[ErrorResponse](t, w).Error)
		})
	}
}

func TestHandler_StabiliseExposure(t *testing.T) {
	srv, _, _, _ := newTestServer(t, 2)

	w := doRequest(t, srv.Handler(), http.MethodPost, "/api/stabilise/1", "")
	require.Equal(t, http.StatusOK, w.Code)

	res := decode[CommandResponse](t, w)
	assert.Equal(t, camera.OpStabilise, res.Result.Operation)
	assert.Equal(t, []string{"MOCK0001"}, res.Result.Serials)
}

func TestHandler_RunCommand(t *testing.T) {
	srv, _, creator, _ := newTestServer(t, 2)

	w := doRequest(t, srv.Handler(), http.MethodPost, "/api/commands", `{"command":"l1@1 150"}`)
	require.Equal(t, http.StatusOK, w.Code)
	on, power := creator.Session("MOCK0001").Laser()
	assert.True(t, on)
	assert.Equal(t, 150.0, power.Value)

	w = doRequest(t, srv.Handler(), http.MethodPost, "/api/commands", `{"command":"help"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, decode[CommandResponse](t, w).Help, "laser1")

	w = doRequest(t, srv.Handler(), http.MethodPost, "/api/commands", `{"command":"fly"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_command", decode[ErrorResponse](t, w).Error)

	w = doRequest(t, srv.Handler(), http.MethodPost, "/api/commands", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_CommandWaitsForAvailable(t *testing.T) {
	discovery := camera.NewMockDiscovery(camera.NewMockDevices(1)...)
	discovery.SetQueryDelay(time.Second)

	registry := camera.NewRegistry(discovery, camera.NewMockSessionCreator(), camera.RegistryOptions{PollRateHz: 100}, nil)
	require.NoError(t, registry.Start(context.Background()))
	t.Cleanup(func() { _ = registry.Close() })

	srv := New(testConfig(), registry, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	req := httptest.NewRequest(http.MethodPost, "/api/save", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "not_available", decode[ErrorResponse](t, w).Error)
}

func TestHandler_DeviceStream(t *testing.T) {
	srv, registry, creator, _ := newTestServer(t, 1)
	require.NoError(t, registry.Available(context.Background()))

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/devices/MOCK0000/stream", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "multipart/x-mixed-replace; boundary=frame", resp.Header.Get("Content-Type"))

	session := creator.Session("MOCK0000")
	require.Eventually(t, session.PreviewSubscribed, time.Second, 5*time.Millisecond)

	frame := []byte{0xFF, 0xD8, 0x01, 0x02, 0xFF, 0xD9}
	session.PublishPreview(frame)

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "--frame\r\n", line)

	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "Content-Type: image/jpeg\r\n", line)

	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "Content-Length: 6\r\n", line)
}

func TestHandler_DeviceStreamNotFound(t *testing.T) {
	srv, _, _, _ := newTestServer(t, 1)

	w := doRequest(t, srv.Handler(), http.MethodGet, "/api/devices/UNKNOWN/stream", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "camera_not_found", decode[ErrorResponse](t, w).Error)
}
