// Package e2e drives the assembled gateway against fake appliances over HTTP.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	"github.com/timeplus-io/fw-alert-gateway/pkg/api"
	"github.com/timeplus-io/fw-alert-gateway/pkg/app"
	"github.com/timeplus-io/fw-alert-gateway/pkg/config"
)

const testToken = "e2e-token"

// FakeFortigate serves the three monitor endpoints with a settable CPU load
type FakeFortigate struct {
	*httptest.Server

	mu    sync.Mutex
	cpu   float64
	calls int
}

// StartFortigate starts a fake appliance that is closed with the test
func StartFortigate(t *testing.T, cpu float64) *FakeFortigate {
	t.Helper()
	fg := &FakeFortigate{cpu: cpu}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v2/monitor/system/resource/usage", fg.handle(func() any {
		fg.mu.Lock()
		defer fg.mu.Unlock()
		fg.calls++
		return map[string]any{
			"cpu":     []any{map[string]any{"current": fg.cpu}},
			"mem":     []any{map[string]any{"current": 40}},
			"session": []any{map[string]any{"current": 1200}},
		}
	}))
	mux.HandleFunc("/api/v2/monitor/system/interface", fg.handle(func() any {
		return map[string]any{
			"port1": map[string]any{"name": "port1", "link": true, "speed": 1000, "rx_bytes": 5000, "tx_bytes": 7000},
		}
	}))
	mux.HandleFunc("/api/v2/monitor/firewall/traffic", fg.handle(func() any {
		return []any{
			map[string]any{"srcip": "10.0.0.5", "dstip": "1.1.1.1", "proto": "tcp", "dstport": 443, "sentbyte": 600, "rcvdbyte": 400, "sentpkt": 3, "rcvdpkt": 2},
			map[string]any{"srcip": "10.0.0.9", "dstip": "8.8.8.8", "proto": "udp", "dstport": 53, "sentbyte": 50, "rcvdbyte": 50, "sentpkt": 1, "rcvdpkt": 1},
			map[string]any{"srcip": "10.0.0.5", "dstip": "9.9.9.9", "proto": "tcp", "dstport": 443, "sentbyte": 1500, "rcvdbyte": 500, "sentpkt": 4, "rcvdpkt": 4},
		}
	}))
	fg.Server = httptest.NewServer(mux)
	t.Cleanup(fg.Close)
	return fg
}

func (fg *FakeFortigate) handle(results func() any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+testToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "success", "results": results()})
	}
}

// SetCPU changes the load reported by the next poll
func (fg *FakeFortigate) SetCPU(v float64) {
	fg.mu.Lock()
	fg.cpu = v
	fg.mu.Unlock()
}

// Calls counts resource usage requests
func (fg *FakeFortigate) Calls() int {
	fg.mu.Lock()
	defer fg.mu.Unlock()
	return fg.calls
}

// GatewayConfig points one fortigate source at url with sqlite storage
func GatewayConfig(t *testing.T, url string) *config.Config {
	t.Helper()
	return &config.Config{
		Database: config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "e2e.db")},
		History:  config.HistoryConfig{Backend: "sqlite"},
		Sources: []config.SourceConfig{
			{Name: "edge-fw", Vendor: "fortigate", Hostname: url, CredentialRef: "fg"},
		},
		Credentials: map[string]config.CredentialConfig{"fg": {Token: testToken}},
		Thresholds: []config.ThresholdConfig{
			{MetricType: "cpu", Comparator: ">", Value: 70, Severity: "warning"},
			{MetricType: "cpu", Comparator: ">", Value: 90, Severity: "critical"},
		},
	}
}

// Gateway is a built app with its HTTP routes mounted
type Gateway struct {
	*app.App
	Echo *echo.Echo
}

// NewGateway builds the app and registers the API
func NewGateway(t *testing.T, cfg *config.Config) *Gateway {
	t.Helper()
	a, err := app.Build(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	e := echo.New()
	api.NewAPIHandler(api.Deps{
		Alerts:      a.Alerts,
		History:     a.History,
		Notifier:    a.Dispatcher,
		Remediation: a.Remediation,
		Sources:     a.Poller,
	}).SetupRoutes(e)
	return &Gateway{App: a, Echo: e}
}

// Do sends a request through the router and decodes a JSON response into out
func (g *Gateway) Do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	g.Echo.ServeHTTP(rec, req)
	if out != nil && rec.Code < 300 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec.Code
}
