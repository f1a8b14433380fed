package enrich

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	hblog "github.com/mkaserer/hookbook/internal/log"
)

// HTTPConnectivityChecker probes the API host with a HEAD request and
// caches the outcome. Safe for concurrent callers.
type HTTPConnectivityChecker struct {
	url      string
	cacheFor time.Duration
	client   *http.Client
	logger   zerolog.Logger

	mu        sync.Mutex
	lastCheck time.Time
	lastOK    bool
}

// NewHTTPConnectivityChecker creates a checker against the given base URL.
func NewHTTPConnectivityChecker(baseURL string) *HTTPConnectivityChecker {
	return &HTTPConnectivityChecker{
		url:      baseURL,
		cacheFor: 60 * time.Second,
		client:   &http.Client{Timeout: 3 * time.Second},
		logger:   hblog.WithComponent("connectivity"),
	}
}

// Available implements ConnectivityChecker.
func (c *HTTPConnectivityChecker) Available(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if time.Since(c.lastCheck) < c.cacheFor {
		return c.lastOK
	}

	ok := c.probe(ctx)
	c.lastCheck = time.Now()
	c.lastOK = ok
	c.logger.Info().
		Str("event", "connectivity.checked").
		Bool("available", ok).
		Msg("connectivity check")
	return ok
}

func (c *HTTPConnectivityChecker) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.url, nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 500
}
