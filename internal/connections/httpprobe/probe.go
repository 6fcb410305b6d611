// Package httpprobe performs the lightweight "who am I" request most
// connection kinds use to confirm a credential authenticates.
package httpprobe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lecca-io/connectd/internal/connections"
)

const (
	defaultTimeout   = 10 * time.Second
	maxErrorBodySize = 4 << 10
	userAgent        = "connectd"
)

type Probe struct {
	URL    string
	Method string
	HTTP   *http.Client
}

// New returns a GET probe against rawURL.
func New(rawURL string) (*Probe, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, errors.New("probe URL is required")
	}
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		return nil, fmt.Errorf("probe URL %q must use http or https", rawURL)
	}
	return &Probe{
		URL:    rawURL,
		Method: http.MethodGet,
		HTTP:   &http.Client{Timeout: defaultTimeout},
	}, nil
}

// Check sends the probe after authorize has attached credentials to it.
// 401 and 403 mean the credential was rejected; 429, 5xx and transport
// failures are network problems; anything else non-2xx is unknown.
func (p *Probe) Check(ctx context.Context, authorize func(*http.Request)) error {
	method := p.Method
	if method == "" {
		method = http.MethodGet
	}
	client := p.HTTP
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}

	req, err := http.NewRequestWithContext(ctx, method, p.URL, nil)
	if err != nil {
		return connections.UnknownFailure(err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if authorize != nil {
		authorize(req)
	}

	resp, err := client.Do(req)
	if err != nil {
		return connections.NetworkFailure(err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodySize))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return connections.InvalidCredential(statusError(req, resp))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return connections.NetworkFailure(statusError(req, resp))
	default:
		return connections.UnknownFailure(statusError(req, resp))
	}
}

func statusError(req *http.Request, resp *http.Response) error {
	return fmt.Errorf("%s %s returned status %d", req.Method, req.URL.Redacted(), resp.StatusCode)
}
