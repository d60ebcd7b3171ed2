package adapter

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opsverify/conncheck/internal/bridge"
	"github.com/opsverify/conncheck/internal/result"
)

// HTTPParams configures an HTTP adapter.
type HTTPParams struct {
	BaseURL string
	// AuthPath is the endpoint the authentication probe hits; defaults to
	// the base URL itself.
	AuthPath           string
	BearerToken        string
	BasicAuthUser      string
	BasicAuthPassword  string
	Headers            map[string]string
	InsecureSkipVerify bool
	Timeout            time.Duration
	Delegate           *bridge.Delegate
}

// httpAdapter probes an HTTP(S) API with the standard library client.
type httpAdapter struct {
	params   HTTPParams
	protocol result.Protocol
	client   *http.Client
	log      logrus.FieldLogger
}

// NewHTTP builds the HTTP adapter for the given parameters. The protocol tag
// (http vs https) is derived from the base URL scheme.
func NewHTTP(params HTTPParams, log logrus.FieldLogger) HTTPService {
	protocol := result.ProtocolHTTP
	if strings.HasPrefix(params.BaseURL, "https://") {
		protocol = result.ProtocolHTTPS
	}

	if params.Delegate != nil {
		return &delegatedHTTP{
			delegate: params.Delegate,
			protocol: protocol,
			baseURL:  params.BaseURL,
		}
	}

	transport := &http.Transport{}
	if params.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // operator opt-in for self-signed test endpoints
	}

	return &httpAdapter{
		params:   params,
		protocol: protocol,
		client: &http.Client{
			Timeout:   params.Timeout,
			Transport: transport,
		},
		log: log.WithField("adapter", "http"),
	}
}

func (a *httpAdapter) Protocol() result.Protocol { return a.protocol }

func (a *httpAdapter) newRequest(ctx context.Context, method, url string, authed bool) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}

	for k, v := range a.params.Headers {
		req.Header.Set(k, v)
	}

	if authed {
		switch {
		case a.params.BearerToken != "":
			req.Header.Set("Authorization", "Bearer "+a.params.BearerToken)
		case a.params.BasicAuthUser != "":
			req.SetBasicAuth(a.params.BasicAuthUser, a.params.BasicAuthPassword)
		}
	}

	return req, nil
}

// TestConnectivity sends a lightweight HEAD request to the base URL. Any
// response below 500 proves the endpoint is up; the semantics of individual
// status codes belong to the functional probes.
func (a *httpAdapter) TestConnectivity(ctx context.Context) Outcome {
	start := time.Now()

	req, err := a.newRequest(ctx, http.MethodHead, a.params.BaseURL, false)
	if err != nil {
		return probeFailure(start, fmt.Errorf("building request: %w", err), result.FailureUnreachable)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return probeFailure(start, fmt.Errorf("connecting to %s: %w", a.params.BaseURL, err), result.FailureUnreachable)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusInternalServerError {
		return fail(start, result.FailureUnreachable,
			fmt.Errorf("server error from %s: HTTP %d", a.params.BaseURL, resp.StatusCode)).
			With("status_code", resp.StatusCode)
	}

	return pass(start, fmt.Sprintf("connected to %s", a.params.BaseURL)).
		With("url", a.params.BaseURL).
		With("status_code", resp.StatusCode)
}

// TestAuthentication exchanges the configured credential (bearer token or
// basic auth) against the auth endpoint.
func (a *httpAdapter) TestAuthentication(ctx context.Context) Outcome {
	start := time.Now()

	url := a.params.BaseURL
	if a.params.AuthPath != "" {
		url = joinURL(a.params.BaseURL, a.params.AuthPath)
	}

	req, err := a.newRequest(ctx, http.MethodGet, url, true)
	if err != nil {
		return probeFailure(start, fmt.Errorf("building request: %w", err), result.FailureUnreachable)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return probeFailure(start, fmt.Errorf("authenticating against %s: %w", url, err), result.FailureUnreachable)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
		return pass(start, "http authentication successful").
			With("endpoint", url).
			With("status_code", resp.StatusCode)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fail(start, result.FailureAuthRejected,
			fmt.Errorf("credentials rejected by %s: HTTP %d", url, resp.StatusCode)).
			With("status_code", resp.StatusCode)
	default:
		return fail(start, result.FailureFunctional,
			fmt.Errorf("unexpected status from %s: HTTP %d", url, resp.StatusCode)).
			With("status_code", resp.StatusCode)
	}
}

// TestHealth probes a health endpoint; only 200 counts as healthy.
func (a *httpAdapter) TestHealth(ctx context.Context, path string) Outcome {
	return a.TestEndpoint(ctx, http.MethodGet, path, http.StatusOK)
}

// TestEndpoint probes a named endpoint and compares the status code.
func (a *httpAdapter) TestEndpoint(ctx context.Context, method, path string, expectStatus int) Outcome {
	start := time.Now()

	url := joinURL(a.params.BaseURL, path)

	req, err := a.newRequest(ctx, method, url, true)
	if err != nil {
		return probeFailure(start, fmt.Errorf("building request: %w", err), result.FailureUnreachable)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return probeFailure(start, fmt.Errorf("%s %s: %w", method, url, err), result.FailureFunctional)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != expectStatus {
		return fail(start, result.FailureFunctional,
			fmt.Errorf("%s %s returned HTTP %d, expected %d", method, path, resp.StatusCode, expectStatus)).
			With("status_code", resp.StatusCode).
			With("endpoint", path)
	}

	return pass(start, fmt.Sprintf("%s %s returned HTTP %d", method, path, resp.StatusCode)).
		With("status_code", resp.StatusCode).
		With("endpoint", path).
		With("content_type", resp.Header.Get("Content-Type"))
}

// Close is a no-op: the stdlib client holds no connection state worth
// releasing beyond idle keep-alives.
func (a *httpAdapter) Close() error {
	a.client.CloseIdleConnections()
	return nil
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}
