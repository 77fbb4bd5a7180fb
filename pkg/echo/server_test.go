package echo

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devproxy/pkg/logger"
)

// setupTestLogger creates a logger for testing
func setupTestLogger() *logger.Logger {
	return logger.New("echo", logger.LevelDebug)
}

func TestNew(t *testing.T) {
	server := New("echo.test", setupTestLogger())
	assert.NotNil(t, server)
	assert.Equal(t, "echo.test", server.name)
	assert.Empty(t, server.Addr())
}

func TestGetTLSVersion(t *testing.T) {
	tests := []struct {
		name     string
		version  uint16
		expected string
	}{
		{
			name:     "TLS 1.2",
			version:  tls.VersionTLS12,
			expected: "TLS_1.2",
		},
		{
			name:     "TLS 1.3",
			version:  tls.VersionTLS13,
			expected: "TLS_1.3",
		},
		{
			name:     "Unknown Version",
			version:  0xFFFF,
			expected: "unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, getTLSVersion(tt.version))
		})
	}
}

func TestGetCipherSuiteName(t *testing.T) {
	assert.Equal(t, "TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256", getCipherSuiteName(tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256))
	assert.Equal(t, "unknown", getCipherSuiteName(0xFFFF))
}

func TestServeHTTPReflectsRequest(t *testing.T) {
	ts := httptest.NewServer(New("backend", setupTestLogger()))
	defer ts.Close()

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/users?page=2", nil)
	require.NoError(t, err)
	req.Host = "app.localhost:3000"
	req.Header.Set("X-Test", "value")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var info ConnectionInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.Equal(t, "backend", info.Name)
	assert.Equal(t, http.MethodGet, info.Request.Method)
	assert.Equal(t, "/api/users", info.Request.Path)
	assert.Equal(t, "page=2", info.Request.Query)
	assert.Equal(t, "app.localhost:3000", info.Request.Host)
	assert.Equal(t, "value", info.Request.Headers.Get("X-Test"))
	assert.NotEmpty(t, info.LocalAddr)
	assert.Nil(t, info.TLS)
}

func TestServeHTTPReportsTLS(t *testing.T) {
	ts := httptest.NewTLSServer(New("secure", setupTestLogger()))
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	var info ConnectionInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	require.NotNil(t, info.TLS)
	assert.NotEqual(t, "unknown", info.TLS.Version)
}

func TestWebSocketEcho(t *testing.T) {
	ts := httptest.NewServer(New("ws", setupTestLogger()))
	defer ts.Close()

	wsURL := "ws" + ts.URL[len("http"):] + "/ws"
	ws, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer ws.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	messages := []string{"hello", "", "world"}
	for _, msg := range messages {
		require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(msg)))
		kind, got, err := ws.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, websocket.TextMessage, kind)
		assert.Equal(t, msg, string(got))
	}

	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte{0x00, 0xff}))
	kind, got, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, kind)
	assert.Equal(t, []byte{0x00, 0xff}, got)
}

func TestStartStop(t *testing.T) {
	server := New("lifecycle", setupTestLogger())
	require.NoError(t, server.Start("127.0.0.1:0"))
	addr := server.Addr()
	assert.NotEmpty(t, addr)

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Get("http://" + addr + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, server.Stop(context.Background()))

	_, err = client.Get("http://" + addr + "/health")
	assert.Error(t, err)
}

func TestStartTLSRequiresConfig(t *testing.T) {
	server := New("tls", setupTestLogger())
	assert.Error(t, server.StartTLS("127.0.0.1:0", nil))
}

func TestWaitReturnsServeError(t *testing.T) {
	server := New("failing", setupTestLogger())
	require.NoError(t, server.Start("127.0.0.1:0"))

	// the accept loop fails once its listener is gone
	require.NoError(t, server.listener.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := server.wait(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, net.ErrClosed)
	assert.NoError(t, ctx.Err(), "wait returned on the serve error, not the deadline")
}

func TestWaitStopsOnCancel(t *testing.T) {
	server := New("canceled", setupTestLogger())
	require.NoError(t, server.Start("127.0.0.1:0"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, server.wait(ctx))
}
