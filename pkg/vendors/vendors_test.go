package vendors

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func targetFor(srv *httptest.Server, vendor Vendor, creds Credentials, params map[string]string) Target {
	return Target{
		Vendor:      vendor,
		Hostname:    strings.TrimPrefix(srv.URL, "https://"),
		Credentials: creds,
		Params:      params,
	}
}

func TestParseVendor(t *testing.T) {
	v, err := ParseVendor("Palo_Alto")
	require.NoError(t, err)
	assert.Equal(t, PaloAlto, v)

	_, err = ParseVendor("checkpoint")
	assert.Error(t, err)

	_, err = New(Vendor("checkpoint"), nil)
	assert.Error(t, err)
	assert.Len(t, NewSet(nil), 3)
}

func TestPaloAltoFetch(t *testing.T) {
	var seenQuery atomic.Value
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("key") != "pa-key" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		switch {
		case q.Get("type") == "log":
			seenQuery.Store(q.Get("query"))
			_, _ = w.Write([]byte(`{"response":{"status":"success","result":{"log":{"logs":{"entry":[{"src":"10.0.0.5","dst":"8.8.8.8","bytes":"1200"}]}}}}}`))
		case strings.Contains(q.Get("cmd"), "<system>"):
			_, _ = w.Write([]byte(`{"response":{"status":"success","result":{"system":{"hostname":"pa-1","cpu-load":"42"}}}}`))
		case strings.Contains(q.Get("cmd"), "<interface>"):
			_, _ = w.Write([]byte(`{"response":{"status":"success","result":{"ifnet":{"entry":[{"name":"ethernet1/1","state":"up"}]}}}}`))
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	adapter, err := New(PaloAlto, srv.Client())
	require.NoError(t, err)

	target := targetFor(srv, PaloAlto, Credentials{Token: "pa-key"}, map[string]string{"query": "(addr.src in 10.0.0.5)"})
	payload, err := adapter.Fetch(context.Background(), target)
	require.NoError(t, err)

	assert.Equal(t, PaloAlto, payload.Vendor)
	assert.False(t, payload.CollectedAt.IsZero())
	assert.Contains(t, string(payload.Sections[SectionSystem]), "cpu-load")
	assert.Contains(t, string(payload.Sections[SectionInterfaces]), "ethernet1/1")
	assert.Contains(t, string(payload.Sections[SectionTraffic]), "10.0.0.5")
	assert.Equal(t, "(addr.src in 10.0.0.5)", seenQuery.Load())
}

func TestPaloAltoErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    error
	}{
		{
			name: "bad key in body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"response":{"status":"error","code":"403","msg":"Invalid Credential"}}`))
			},
			want: ErrUpstreamAuth,
		},
		{
			name: "forbidden status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusForbidden)
			},
			want: ErrUpstreamAuth,
		},
		{
			name: "not json",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`<response status="success"/>`))
			},
			want: ErrUpstreamProtocol,
		},
		{
			name: "unexpected status with body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`bad request`))
			},
			want: ErrUpstreamProtocol,
		},
		{
			name: "service unavailable",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
			},
			want: ErrUpstreamUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewTLSServer(tt.handler)
			defer srv.Close()

			adapter, err := New(PaloAlto, srv.Client())
			require.NoError(t, err)

			_, err = adapter.Fetch(context.Background(), targetFor(srv, PaloAlto, Credentials{Token: "k"}, nil))
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)

			var ue *UpstreamError
			require.True(t, errors.As(err, &ue))
			assert.Equal(t, PaloAlto, ue.Vendor)
		})
	}
}

func TestUnreachableHostIsUnavailable(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	target := targetFor(srv, Fortigate, Credentials{Token: "t"}, nil)
	client := srv.Client()
	srv.Close()

	adapter, err := New(Fortigate, client)
	require.NoError(t, err)

	_, err = adapter.Fetch(context.Background(), target)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
}

func TestFetchHonoursContextDeadline(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	adapter, err := New(Fortigate, srv.Client())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = adapter.Fetch(ctx, targetFor(srv, Fortigate, Credentials{Token: "t"}, nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFortigateFetch(t *testing.T) {
	var trafficQuery atomic.Value
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer fg-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/api/v2/monitor/system/resource/usage":
			_, _ = w.Write([]byte(`{"status":"success","results":{"cpu":[{"current":12}],"mem":[{"current":40}]}}`))
		case "/api/v2/monitor/system/interface":
			_, _ = w.Write([]byte(`{"status":"success","results":{"port1":{"name":"port1","link":true}}}`))
		case "/api/v2/monitor/firewall/traffic":
			trafficQuery.Store(r.URL.RawQuery)
			_, _ = w.Write([]byte(`{"status":"success","results":[]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	adapter, err := New(Fortigate, srv.Client())
	require.NoError(t, err)

	target := targetFor(srv, Fortigate, Credentials{Token: "fg-token"}, map[string]string{"filter": "srcip==10.0.0.5", "limit": "50"})
	payload, err := adapter.Fetch(context.Background(), target)
	require.NoError(t, err)
	assert.Len(t, payload.Sections, 3)
	assert.Contains(t, trafficQuery.Load(), "limit=50")
	assert.Contains(t, trafficQuery.Load(), "filter=srcip")

	target.Credentials.Token = "wrong"
	_, err = adapter.Fetch(context.Background(), target)
	assert.ErrorIs(t, err, ErrUpstreamAuth)
}

func newUniFiServer(t *testing.T, logins *int32) *httptest.Server {
	t.Helper()
	return httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/login":
			atomic.AddInt32(logins, 1)
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["username"] != "ops" || body["password"] != "pw" {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"meta":{"rc":"error","msg":"api.err.Invalid"},"data":[]}`))
				return
			}
			http.SetCookie(w, &http.Cookie{Name: "unifises", Value: "session-1", Path: "/"})
			_, _ = w.Write([]byte(`{"meta":{"rc":"ok"},"data":[]}`))
		case "/api/s/lab/stat/device", "/api/s/lab/stat/event":
			if c, err := r.Cookie("unifises"); err != nil || c.Value != "session-1" {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"meta":{"rc":"error","msg":"api.err.LoginRequired"},"data":[]}`))
				return
			}
			if strings.HasSuffix(r.URL.Path, "event") {
				assert.Equal(t, "traffic", r.URL.Query().Get("type"))
				assert.Equal(t, "100", r.URL.Query().Get("limit"))
				_, _ = w.Write([]byte(`{"meta":{"rc":"ok"},"data":[{"src_ip":"10.0.0.9","bytes":10}]}`))
				return
			}
			_, _ = w.Write([]byte(`{"meta":{"rc":"ok"},"data":[{"name":"usg","system-stats":{"cpu":"7.5","mem":"33"}}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestUniFiLogsInBeforeEachFetch(t *testing.T) {
	var logins int32
	srv := newUniFiServer(t, &logins)
	defer srv.Close()

	adapter, err := New(UniFi, srv.Client())
	require.NoError(t, err)

	target := targetFor(srv, UniFi, Credentials{Username: "ops", Password: "pw"}, map[string]string{"site": "lab"})
	for i := 0; i < 2; i++ {
		payload, err := adapter.Fetch(context.Background(), target)
		require.NoError(t, err)
		assert.Contains(t, string(payload.Sections[SectionSystem]), "system-stats")
		assert.Equal(t, payload.Sections[SectionSystem], payload.Sections[SectionInterfaces])
		assert.Contains(t, string(payload.Sections[SectionTraffic]), "10.0.0.9")
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&logins))
}

func TestUniFiBadLoginIsAuthError(t *testing.T) {
	var logins int32
	srv := newUniFiServer(t, &logins)
	defer srv.Close()

	adapter, err := New(UniFi, srv.Client())
	require.NoError(t, err)

	target := targetFor(srv, UniFi, Credentials{Username: "ops", Password: "nope"}, map[string]string{"site": "lab"})
	_, err = adapter.Fetch(context.Background(), target)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUpstreamAuth)

	var ue *UpstreamError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, "login", ue.Op)
}
