package vendors

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// FortigateAdapter talks to the FortiOS REST monitor API with a bearer token
type FortigateAdapter struct {
	base
}

// Fetch pulls resource usage, interface state and the firewall traffic table
func (a *FortigateAdapter) Fetch(ctx context.Context, target Target) (*RawPayload, error) {
	client := a.clientFor(target)
	payload := &RawPayload{
		Vendor:      Fortigate,
		Hostname:    target.Hostname,
		CollectedAt: time.Now().UTC(),
		Sections:    make(map[Section][]byte, 3),
	}

	traffic := url.Values{}
	if filter := target.param("filter", ""); filter != "" {
		traffic.Set("filter", filter)
	}
	if n := target.param("limit", ""); n != "" {
		traffic.Set("limit", n)
	}

	calls := []struct {
		section Section
		path    string
		query   url.Values
	}{
		{SectionSystem, "/api/v2/monitor/system/resource/usage", nil},
		{SectionInterfaces, "/api/v2/monitor/system/interface", nil},
		{SectionTraffic, "/api/v2/monitor/firewall/traffic", traffic},
	}
	for _, call := range calls {
		body, err := a.get(ctx, client, target, string(call.section), call.path, call.query)
		if err != nil {
			return nil, err
		}
		payload.Sections[call.section] = body
	}
	return payload, nil
}

func (a *FortigateAdapter) get(ctx context.Context, client *http.Client, target Target, op, path string, q url.Values) ([]byte, error) {
	u := baseURL(target) + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return nil, upstreamErr(ErrUpstreamProtocol, target, op, 0, nil, err)
	}
	req.Header.Set("Authorization", "Bearer "+target.Credentials.Token)
	req.Header.Set("Accept", "application/json")

	_, body, err := do(ctx, client, req, target, op)
	if err != nil {
		return nil, err
	}
	if status := gjson.GetBytes(body, "status").String(); strings.EqualFold(status, "error") {
		return nil, upstreamErr(ErrUpstreamProtocol, target, op, http.StatusOK, body, nil)
	}
	return body, nil
}
