package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	exerr "github.com/tradewire/exkit/errors"
	"github.com/tradewire/exkit/logger"
	"github.com/tradewire/exkit/resilience"
	"github.com/tradewire/exkit/version"
)

// Client is an HTTP client that composes rate limiting, circuit
// breaking and retrying around every request. One client per adapter
// instance; the limiter and breaker it owns are never shared.
type Client struct {
	httpClient *http.Client
	config     Config
	cb         *resilience.CircuitBreaker
	rl         *resilience.RateLimiter
	bh         *resilience.Bulkhead
	log        *logger.Logger
	retryable  map[int]bool
}

// New creates a new HTTP client with the given configuration.
func New(cfg Config) (*Client, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}
	log = log.WithComponent("httpclient")
	if cfg.Name != "" {
		log = log.WithExchange(cfg.Name)
	}

	c := &Client{
		httpClient: &http.Client{
			Transport: http.DefaultTransport.(*http.Transport).Clone(),
		},
		config:    cfg,
		log:       log,
		retryable: make(map[int]bool, len(cfg.Retry.RetryableStatuses)),
	}
	for _, status := range cfg.Retry.RetryableStatuses {
		c.retryable[status] = true
	}

	cbCfg := *cfg.CircuitBreaker
	if cbCfg.OnStateChange == nil {
		cbCfg.OnStateChange = func(name string, from, to resilience.State) {
			log.Warn("circuit breaker state change", logger.Fields(
				"breaker", name, "from", from.String(), "to", to.String()))
		}
	}
	c.cb = resilience.NewCircuitBreaker(cbCfg)

	if cfg.RateLimiter != nil {
		rlCfg := *cfg.RateLimiter
		if rlCfg.Name == "" {
			rlCfg.Name = cfg.Name
		}
		c.rl = resilience.NewRateLimiter(rlCfg)
	}
	if cfg.Bulkhead != nil {
		c.bh = resilience.NewBulkhead(*cfg.Bulkhead)
	}

	return c, nil
}

// RateLimiter returns the client's rate limiter, or nil when local
// rate limiting is disabled. Adapters use it to gate calls that bypass
// the HTTP client (e.g. signed websocket requests).
func (c *Client) RateLimiter() *resilience.RateLimiter {
	return c.rl
}

// CircuitBreaker returns the client's circuit breaker.
func (c *Client) CircuitBreaker() *resilience.CircuitBreaker {
	return c.cb
}

// Unwrap returns the underlying *http.Client for advanced use cases.
func (c *Client) Unwrap() *http.Client {
	return c.httpClient
}

// Get performs a GET request.
func (c *Client) Get(ctx context.Context, path string, opts ...RequestOption) (*Response, error) {
	return c.Do(ctx, buildRequestValue(http.MethodGet, path, nil, opts))
}

// Post performs a POST request.
func (c *Client) Post(ctx context.Context, path string, body any, opts ...RequestOption) (*Response, error) {
	return c.Do(ctx, buildRequestValue(http.MethodPost, path, body, opts))
}

// Put performs a PUT request.
func (c *Client) Put(ctx context.Context, path string, body any, opts ...RequestOption) (*Response, error) {
	return c.Do(ctx, buildRequestValue(http.MethodPut, path, body, opts))
}

// Patch performs a PATCH request with a JSON body.
func (c *Client) Patch(ctx context.Context, path string, body any, opts ...RequestOption) (*Response, error) {
	return c.Do(ctx, buildRequestValue(http.MethodPatch, path, body, opts))
}

// Delete performs a DELETE request.
func (c *Client) Delete(ctx context.Context, path string, opts ...RequestOption) (*Response, error) {
	return c.Do(ctx, buildRequestValue(http.MethodDelete, path, nil, opts))
}

func buildRequestValue(method, path string, body any, opts []RequestOption) Request {
	req := Request{Method: method, Path: path, Body: body}
	for _, opt := range opts {
		opt(&req)
	}
	return req
}

// Do executes a request through the full admission pipeline:
// rate limiter, bulkhead slot, circuit breaker permission, then the
// retrying attempt loop. The returned error is always one of the typed
// kinds from the errors package (or the caller's context error on
// cancellation).
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	if c.rl != nil {
		if err := c.rl.Acquire(ctx, req.EndpointName); err != nil {
			return nil, err
		}
	}

	// The bulkhead is asked before the breaker so that a refused
	// request never claims the breaker's half-open trial slot.
	if c.bh != nil {
		resp, err := resilience.ExecuteWithResult(c.bh, ctx, func() (*Response, error) {
			return c.doGated(ctx, req)
		})
		if errors.Is(err, resilience.ErrBulkheadFull) || errors.Is(err, resilience.ErrBulkheadTimeout) {
			return nil, exerr.RateLimited(req.EndpointName).WithCause(err).WithDetail("bulkhead", true)
		}
		return resp, err
	}

	return c.doGated(ctx, req)
}

// doGated checks breaker permission and runs the attempt loop. Every
// permission grant is balanced by a report (or trial release) inside
// doAttempts.
func (c *Client) doGated(ctx context.Context, req Request) (*Response, error) {
	if err := c.cb.Allow(); err != nil {
		c.log.Debug("request refused by open circuit", logger.Fields(
			logger.FieldEndpoint, req.EndpointName, "path", req.Path))
		return nil, exerr.CircuitOpen(c.config.CircuitBreaker.Name)
	}
	return c.doAttempts(ctx, req)
}

// doAttempts runs the attempt loop, reporting each outcome to the
// circuit breaker and backing off between retryable failures.
func (c *Client) doAttempts(ctx context.Context, req Request) (*Response, error) {
	retry := c.config.Retry

	var lastResp *Response
	var lastErr *exerr.Error

	for attempt := 1; attempt <= retry.MaxAttempts; attempt++ {
		resp, attErr := c.attempt(ctx, req)
		if attErr == nil {
			c.cb.RecordSuccess()
			return resp, nil
		}

		// The caller's context ending says nothing about exchange
		// health: it must not count as a breaker failure, only free a
		// half-open trial slot it may hold.
		if ctx.Err() != nil {
			c.cb.ReleaseTrial()
			return nil, ctx.Err()
		}

		c.cb.RecordFailure()
		lastResp, lastErr = resp, attErr

		if !c.shouldRetry(attErr) || attempt == retry.MaxAttempts {
			break
		}

		delay := resilience.Backoff(attempt, retry.InitialDelay, retry.MaxDelay, retry.Multiplier, retry.Jitter)
		c.log.Debug("retrying request", logger.Fields(
			logger.FieldEndpoint, req.EndpointName,
			logger.FieldAttempt, attempt,
			logger.FieldStatus, exerr.StatusOf(attErr),
			"delay", delay.String()))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	c.log.Warn("request failed", logger.Fields(
		logger.FieldEndpoint, req.EndpointName,
		"path", req.Path,
		logger.FieldError, lastErr.Error()))
	return lastResp, lastErr
}

// shouldRetry reports whether a typed attempt error is worth retrying.
func (c *Client) shouldRetry(err *exerr.Error) bool {
	if err.StatusCode > 0 {
		return c.retryable[err.StatusCode]
	}
	return err.Code == exerr.ErrCodeNetwork
}

// attempt performs a single transport call under the hard per-attempt
// timeout and classifies the outcome. For HTTP-level failures both the
// response and the typed error are returned.
func (c *Client) attempt(ctx context.Context, req Request) (*Response, *exerr.Error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	httpReq, err := c.buildRequest(attemptCtx, req)
	if err != nil {
		return nil, exerr.New(exerr.ErrCodeInvalidRequest, err.Error()).WithCause(err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if attemptCtx.Err() != nil && ctx.Err() == nil {
			return nil, exerr.Timeout(err)
		}
		return nil, exerr.Network(err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, exerr.Network(fmt.Errorf("read response body: %w", err))
	}

	result := &Response{
		StatusCode: resp.StatusCode,
		Headers:    flattenHeaders(resp.Header),
		Body:       body,
	}

	if classErr := exerr.FromStatusCode(resp.StatusCode, body); classErr != nil {
		return result, classErr
	}

	return result, nil
}

// buildRequest constructs an *http.Request from the client config and request.
func (c *Client) buildRequest(ctx context.Context, req Request) (*http.Request, error) {
	url := req.Path
	if c.config.BaseURL != "" && !strings.HasPrefix(req.Path, "http://") && !strings.HasPrefix(req.Path, "https://") {
		url = strings.TrimRight(c.config.BaseURL, "/") + "/" + strings.TrimLeft(req.Path, "/")
	}

	body, contentType, err := encodeBody(req.Body)
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if len(req.Query) > 0 {
		q := httpReq.URL.Query()
		for k, v := range req.Query {
			q.Set(k, v)
		}
		httpReq.URL.RawQuery = q.Encode()
	}

	httpReq.Header.Set("User-Agent", version.UserAgent())
	for k, v := range c.config.Headers {
		httpReq.Header.Set(k, v)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	if body != nil && httpReq.Header.Get("Content-Type") == "" && contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}

	return httpReq, nil
}

// encodeBody converts a body value into an io.Reader and content type.
func encodeBody(body any) (io.Reader, string, error) {
	if body == nil {
		return nil, "", nil
	}
	switch v := body.(type) {
	case io.Reader:
		return v, "", nil
	case []byte:
		return bytes.NewReader(v), "", nil
	case string:
		return strings.NewReader(v), "text/plain", nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, "", err
		}
		return bytes.NewReader(data), "application/json", nil
	}
}

// flattenHeaders converts multi-value headers to single-value.
func flattenHeaders(h http.Header) map[string]string {
	result := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			result[k] = v[0]
		}
	}
	return result
}
