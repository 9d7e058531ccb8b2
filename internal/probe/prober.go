// Package probe runs the periodic account health sweep. It leases ready
// accounts through the same pool operations harvesters use, issues one
// low-cost authenticated call per account, and feeds the outcome back as a
// release, cooldown, or quarantine.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/harvest-pool/internal/classify"
	"github.com/harvest-pool/internal/logging"
	"github.com/harvest-pool/internal/models"
)

// DefaultProbeTimeout bounds one probe call end to end.
const DefaultProbeTimeout = 10 * time.Second

// Prober issues one low-cost call for a leased account and classifies the
// result.
type Prober interface {
	Probe(ctx context.Context, lease *models.Lease) classify.Outcome
}

// HTTPProber probes accounts by fetching a cheap authenticated endpoint,
// routed through the lease's bound proxy when one is attached.
type HTTPProber struct {
	endpoint string
	timeout  time.Duration
	logger   *logging.Logger
}

// NewHTTPProber creates an HTTP prober against the given endpoint.
func NewHTTPProber(endpoint string, timeout time.Duration) (*HTTPProber, error) {
	if endpoint == "" {
		return nil, errors.New("probe endpoint is required")
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, fmt.Errorf("invalid probe endpoint: %w", err)
	}
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}

	return &HTTPProber{
		endpoint: endpoint,
		timeout:  timeout,
		logger:   logging.GetGlobalLogger(),
	}, nil
}

// Probe performs the health call for one lease. Transport and protocol
// failures are folded into the outcome; Probe itself never fails.
func (p *HTTPProber) Probe(ctx context.Context, lease *models.Lease) classify.Outcome {
	client, err := p.clientFor(lease.Proxy)
	if err != nil {
		p.logger.WithError(err).WithField("account_id", lease.AccountID).Warn("Failed to build probe client")
		return classify.OutcomeNetworkError
	}

	req, err := http.NewRequestWithContext(ctx, "GET", p.endpoint, nil)
	if err != nil {
		return classify.OutcomeNetworkError
	}
	req.SetBasicAuth(lease.Credential.Username, lease.Credential.Password)

	resp, err := client.Do(req)
	if err != nil {
		return classify.Classify(0, err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	return classify.Classify(resp.StatusCode, nil)
}

// clientFor builds the HTTP client for one probe call. Clients are per call
// because each lease may route through a different proxy.
func (p *HTTPProber) clientFor(proxy *models.ProxyConfig) (*http.Client, error) {
	client := &http.Client{Timeout: p.timeout}
	if proxy == nil {
		return client, nil
	}

	proxyURL := proxy.HTTPSURL
	if proxyURL == "" {
		proxyURL = proxy.HTTPURL
	}
	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy url for %s: %w", proxy.ProxyID, err)
	}

	client.Transport = &http.Transport{Proxy: http.ProxyURL(parsed)}
	return client, nil
}
