package vendors

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// maxBodyBytes caps how much of an upstream response is read
const maxBodyBytes = 16 << 20

type base struct {
	client   *http.Client
	insecure *http.Client
}

func newBase(client *http.Client) base {
	if client == nil {
		client = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	insecure := client
	if t, ok := client.Transport.(*http.Transport); ok {
		tt := t.Clone()
		if tt.TLSClientConfig == nil {
			tt.TLSClientConfig = &tls.Config{}
		}
		tt.TLSClientConfig.InsecureSkipVerify = true
		insecure = &http.Client{Transport: tt, Timeout: client.Timeout, Jar: client.Jar}
	}
	return base{client: client, insecure: insecure}
}

// clientFor honours the per-source insecure_skip_verify param, since appliances
// frequently present self-signed certificates.
func (b base) clientFor(target Target) *http.Client {
	if skip, _ := strconv.ParseBool(target.param("insecure_skip_verify", "false")); skip {
		return b.insecure
	}
	return b.client
}

func baseURL(target Target) string {
	host := strings.TrimRight(target.Hostname, "/")
	if strings.Contains(host, "://") {
		return host
	}
	return "https://" + host
}

// do executes req and classifies the outcome. A nil error means a 200 with a JSON body.
func do(ctx context.Context, client *http.Client, req *http.Request, target Target, op string) (*http.Response, []byte, error) {
	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		return nil, nil, upstreamErr(ErrUpstreamUnavailable, target, op, 0, nil, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp, nil, upstreamErr(ErrUpstreamUnavailable, target, op, resp.StatusCode, nil, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return resp, body, upstreamErr(ErrUpstreamAuth, target, op, resp.StatusCode, body, nil)
	case resp.StatusCode == http.StatusBadGateway ||
		resp.StatusCode == http.StatusServiceUnavailable ||
		resp.StatusCode == http.StatusGatewayTimeout ||
		(resp.StatusCode >= 500 && len(body) == 0):
		return resp, body, upstreamErr(ErrUpstreamUnavailable, target, op, resp.StatusCode, body, nil)
	default:
		return resp, body, upstreamErr(ErrUpstreamProtocol, target, op, resp.StatusCode, body, nil)
	}

	if !gjson.ValidBytes(body) {
		return resp, body, upstreamErr(ErrUpstreamProtocol, target, op, resp.StatusCode, body, errNotJSON)
	}
	return resp, body, nil
}

var errNotJSON = errors.New("response body is not valid JSON")
