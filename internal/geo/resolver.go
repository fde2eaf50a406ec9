// Package geo resolves coarse client location from IP addresses. Lookups are bounded in time and
// failures degrade to an unknown location.
package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"campus-auth/backend/internal/platform/dependency"
	"campus-auth/backend/internal/session/domain"
)

const (
	defaultBaseURL = "https://ipwho.is"
	defaultTimeout = 2 * time.Second
)

// Resolver returns the location of ip, or nil when it cannot be determined. It never fails.
type Resolver interface {
	Resolve(ctx context.Context, ip string) *domain.Geo
}

// NopResolver always returns nil.
type NopResolver struct{}

func (NopResolver) Resolve(context.Context, string) *domain.Geo { return nil }

// IPWhoIsClient looks up locations via the ipwho.is JSON API.
type IPWhoIsClient struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
	limiter    *rate.Limiter
}

// NewIPWhoIsClient returns a client for baseURL (default https://ipwho.is). ratePerSec > 0 caps
// outbound lookups; a lookup that cannot get a slot within timeout is skipped.
func NewIPWhoIsClient(baseURL string, timeout time.Duration, ratePerSec float64) *IPWhoIsClient {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c := &IPWhoIsClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: timeout},
		Timeout:    timeout,
	}
	if ratePerSec > 0 {
		burst := int(ratePerSec)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(ratePerSec), burst)
	}
	return c
}

type ipwhoisResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Country string `json:"country"`
	Region  string `json:"region"`
	City    string `json:"city"`
}

// Lookup queries the API for ip. Errors are wrapped as dependency.ErrUnavailable.
func (c *IPWhoIsClient) Lookup(ctx context.Context, ip string) (*domain.Geo, error) {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, dependency.Unavailable("geo", fmt.Errorf("rate limited: %w", err))
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/"+url.PathEscape(ip), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, dependency.Unavailable("geo", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, dependency.Unavailable("geo", fmt.Errorf("status %d", resp.StatusCode))
	}
	var body ipwhoisResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, dependency.Unavailable("geo", fmt.Errorf("decode: %w", err))
	}
	if !body.Success {
		return nil, dependency.Unavailable("geo", fmt.Errorf("lookup rejected: %s", body.Message))
	}
	if body.Country == "" && body.Region == "" && body.City == "" {
		return nil, nil
	}
	return &domain.Geo{Country: body.Country, Region: body.Region, City: body.City}, nil
}

// Resolve implements Resolver. Non-routable addresses are not looked up; failures are logged.
func (c *IPWhoIsClient) Resolve(ctx context.Context, ip string) *domain.Geo {
	if !routable(ip) {
		return nil
	}
	g, err := c.Lookup(ctx, ip)
	if err != nil {
		log.Printf("geo: lookup failed: %v", err)
		return nil
	}
	return g
}
