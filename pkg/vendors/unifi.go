package vendors

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// UniFiAdapter talks to a UniFi controller. The controller is session based,
// so every Fetch logs in first and uses a fresh cookie jar.
type UniFiAdapter struct {
	base
}

var errNoSession = errors.New("login response carried no session cookie")

// Fetch logs in, then pulls device stats and traffic events
func (a *UniFiAdapter) Fetch(ctx context.Context, target Target) (*RawPayload, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, upstreamErr(ErrUpstreamUnavailable, target, "login", 0, nil, err)
	}
	shared := a.clientFor(target)
	client := &http.Client{Transport: shared.Transport, Timeout: shared.Timeout, Jar: jar}

	if err := a.login(ctx, client, target); err != nil {
		return nil, err
	}

	site := target.param("site", "default")
	root := baseURL(target) + "/api/s/" + url.PathEscape(site)

	devices, err := a.get(ctx, client, target, "devices", root+"/stat/device")
	if err != nil {
		return nil, err
	}
	q := url.Values{"type": {"traffic"}, "limit": {target.param("limit", "100")}}
	events, err := a.get(ctx, client, target, string(SectionTraffic), root+"/stat/event?"+q.Encode())
	if err != nil {
		return nil, err
	}

	return &RawPayload{
		Vendor:      UniFi,
		Hostname:    target.Hostname,
		CollectedAt: time.Now().UTC(),
		Sections: map[Section][]byte{
			SectionSystem:     devices,
			SectionInterfaces: devices,
			SectionTraffic:    events,
		},
	}, nil
}

func (a *UniFiAdapter) login(ctx context.Context, client *http.Client, target Target) error {
	username := target.Credentials.Username
	if username == "" {
		username = target.param("username", "admin")
	}
	password := target.Credentials.Password
	if password == "" {
		password = target.param("password", "admin")
	}
	payload, err := json.Marshal(map[string]string{"username": username, "password": password})
	if err != nil {
		return upstreamErr(ErrUpstreamProtocol, target, "login", 0, nil, err)
	}

	req, err := http.NewRequest(http.MethodPost, baseURL(target)+"/api/login", bytes.NewReader(payload))
	if err != nil {
		return upstreamErr(ErrUpstreamProtocol, target, "login", 0, nil, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, body, err := do(ctx, client, req, target, "login")
	if err != nil {
		// The controller answers a bad login with 400 api.err.Invalid
		var ue *UpstreamError
		if errors.As(err, &ue) && ue.StatusCode == http.StatusBadRequest {
			ue.Kind = ErrUpstreamAuth
		}
		return err
	}
	if rc := gjson.GetBytes(body, "meta.rc").String(); rc != "" && rc != "ok" {
		return upstreamErr(ErrUpstreamAuth, target, "login", resp.StatusCode, body, nil)
	}
	if len(resp.Cookies()) == 0 {
		return upstreamErr(ErrUpstreamAuth, target, "login", resp.StatusCode, body, errNoSession)
	}
	return nil
}

func (a *UniFiAdapter) get(ctx context.Context, client *http.Client, target Target, op, u string) ([]byte, error) {
	req, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return nil, upstreamErr(ErrUpstreamProtocol, target, op, 0, nil, err)
	}
	req.Header.Set("Accept", "application/json")

	_, body, err := do(ctx, client, req, target, op)
	if err != nil {
		return nil, err
	}
	meta := gjson.GetBytes(body, "meta")
	if meta.Get("rc").String() == "error" {
		if strings.Contains(meta.Get("msg").String(), "LoginRequired") {
			return nil, upstreamErr(ErrUpstreamAuth, target, op, http.StatusOK, body, nil)
		}
		return nil, upstreamErr(ErrUpstreamProtocol, target, op, http.StatusOK, body, nil)
	}
	return body, nil
}
