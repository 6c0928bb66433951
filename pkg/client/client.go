// Package client provides the Torn City API client: rate-limited,
// classification-driven retries, and loop-safe pagination.
package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/torn-tools/tornpipe/pkg/logging"
	"github.com/torn-tools/tornpipe/pkg/ratelimit"
	"github.com/torn-tools/tornpipe/pkg/record"
)

// Prometheus metrics for API requests.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tornpipe_api_requests_total",
		Help: "Total API requests by endpoint and status",
	}, []string{"endpoint", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tornpipe_api_request_duration_seconds",
		Help:    "API request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"endpoint"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tornpipe_api_errors_total",
		Help: "Total API errors by class",
	}, []string{"class"})
)

// DefaultBaseURL is the production Torn City API.
const DefaultBaseURL = "https://api.torn.com"

// Config holds the API client configuration.
type Config struct {
	// APIKey authenticates every request.
	APIKey string

	// BaseURL overrides the API host (tests point this at a mock server).
	BaseURL string

	// RateLimit is the requests-per-minute budget.
	RateLimit int

	// Timeout bounds each HTTP request.
	Timeout time.Duration

	// MaxRetries and RetryDelay parameterize the retry policy.
	MaxRetries int
	RetryDelay time.Duration
}

// DefaultConfig returns a configuration matching the API's documented limits.
func DefaultConfig(apiKey string) Config {
	return Config{
		APIKey:     apiKey,
		BaseURL:    DefaultBaseURL,
		RateLimit:  60,
		Timeout:    30 * time.Second,
		MaxRetries: 3,
		RetryDelay: 60 * time.Second,
	}
}

// Client is a rate-limited Torn City API client. It serializes all outbound
// calls: no concurrent in-flight requests are issued for a single instance.
type Client struct {
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	retry      RetryConfig
	cfg        Config
	logger     zerolog.Logger
}

// New creates an API client.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 60
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 60 * time.Second
	}

	logger := logging.NewLogger("api-client")

	limiter, err := ratelimit.New(cfg.RateLimit, logger)
	if err != nil {
		return nil, err
	}

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    limiter,
		retry:      RetryConfig{MaxRetries: cfg.MaxRetries, RetryDelay: cfg.RetryDelay},
		cfg:        cfg,
		logger:     logger,
	}, nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// FetchPage fetches a single page of results. The API key is injected, the
// rate limiter is consulted first, and the retry policy wraps the request.
func (c *Client) FetchPage(ctx context.Context, endpoint string, offset int, params url.Values) (*record.Object, error) {
	query := url.Values{}
	for k, vs := range params {
		for _, v := range vs {
			query.Add(k, v)
		}
	}
	query.Set("key", c.cfg.APIKey)
	if offset > 0 {
		query.Set("offset", strconv.Itoa(offset))
	}

	reqURL := c.cfg.BaseURL + endpoint + "?" + query.Encode()

	if err := c.limiter.WaitIfNeeded(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	var result *record.Object
	err := doWithRetry(ctx, c.retry, c.logger, func() error {
		obj, err := c.doRequest(ctx, endpoint, reqURL)
		if err != nil {
			if class := Classify(err); class != "" {
				errorsTotal.WithLabelValues(string(class)).Inc()
			}
			return err
		}
		result = obj
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// doRequest executes one HTTP GET and maps failures onto the error taxonomy.
func (c *Client) doRequest(ctx context.Context, endpoint, reqURL string) (*record.Object, error) {
	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		requestsTotal.WithLabelValues(endpoint, "network_error").Inc()
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	requestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &AuthError{StatusCode: resp.StatusCode}
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &ThrottleError{StatusCode: resp.StatusCode}
	case resp.StatusCode >= 400:
		return nil, &TransientError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%s", resp.Status),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("read response body: %w", err)}
	}

	obj, err := record.Decode(body)
	if err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	if apiErr := extractAPIError(obj); apiErr != nil {
		return nil, apiErr
	}

	return obj, nil
}

// extractAPIError detects an error payload in a parsed response. The API
// reports semantic failures as {"error": <message>, "code": <code>} with a
// 200 status.
func extractAPIError(obj *record.Object) *APIError {
	errVal, ok := obj.Get("error")
	if !ok {
		return nil
	}

	apiErr := &APIError{Message: "Unknown error"}

	switch errVal.Kind() {
	case record.KindString:
		apiErr.Message = errVal.String()
	case record.KindObject:
		// Some endpoints nest the payload: {"error": {"code": ..., "error": ...}}.
		nested := errVal.Object()
		if msg, ok := nested.Get("error"); ok && msg.Kind() == record.KindString {
			apiErr.Message = msg.String()
		}
		if code, ok := nested.Get("code"); ok && code.Kind() == record.KindInt {
			apiErr.Code = int(code.Int())
		}
	}

	if code, ok := obj.Get("code"); ok && code.Kind() == record.KindInt {
		apiErr.Code = int(code.Int())
	}

	return apiErr
}
