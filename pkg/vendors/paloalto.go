package vendors

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const (
	paSystemInfoCmd = "<show><system><info></info></system></show>"
	paInterfacesCmd = "<show><interface>all</interface></show>"
)

// PaloAltoAdapter talks to the PAN-OS XML/JSON API using an API key
type PaloAltoAdapter struct {
	base
}

// Fetch pulls system info, interface state and traffic logs
func (a *PaloAltoAdapter) Fetch(ctx context.Context, target Target) (*RawPayload, error) {
	client := a.clientFor(target)
	payload := &RawPayload{
		Vendor:      PaloAlto,
		Hostname:    target.Hostname,
		CollectedAt: time.Now().UTC(),
		Sections:    make(map[Section][]byte, 3),
	}

	calls := []struct {
		section Section
		query   url.Values
	}{
		{SectionSystem, url.Values{"type": {"op"}, "cmd": {paSystemInfoCmd}}},
		{SectionInterfaces, url.Values{"type": {"op"}, "cmd": {paInterfacesCmd}}},
		{SectionTraffic, a.trafficQuery(target)},
	}
	for _, call := range calls {
		call.query.Set("key", target.Credentials.Token)
		body, err := a.get(ctx, client, target, string(call.section), call.query)
		if err != nil {
			return nil, err
		}
		payload.Sections[call.section] = body
	}
	return payload, nil
}

func (a *PaloAltoAdapter) trafficQuery(target Target) url.Values {
	q := url.Values{"type": {"log"}, "log-type": {"traffic"}}
	if filter := target.param("query", ""); filter != "" {
		q.Set("query", filter)
	}
	if n := target.param("limit", ""); n != "" {
		q.Set("nlogs", n)
	}
	return q
}

func (a *PaloAltoAdapter) get(ctx context.Context, client *http.Client, target Target, op string, q url.Values) ([]byte, error) {
	req, err := http.NewRequest(http.MethodGet, baseURL(target)+"/api/?"+q.Encode(), nil)
	if err != nil {
		return nil, upstreamErr(ErrUpstreamProtocol, target, op, 0, nil, err)
	}
	req.Header.Set("Accept", "application/json")

	_, body, err := do(ctx, client, req, target, op)
	if err != nil {
		return nil, err
	}

	// PAN-OS answers 200 with status=error for a bad key
	res := gjson.ParseBytes(body)
	if strings.EqualFold(res.Get("response.status").String(), "error") {
		code := res.Get("response.code").String()
		msg := strings.ToLower(res.Get("response.msg").String())
		if code == "403" || code == "401" || strings.Contains(msg, "credential") || strings.Contains(msg, "api key") {
			return nil, upstreamErr(ErrUpstreamAuth, target, op, http.StatusOK, body, nil)
		}
		return nil, upstreamErr(ErrUpstreamProtocol, target, op, http.StatusOK, body, nil)
	}
	return body, nil
}
