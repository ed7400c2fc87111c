package httpclient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	exerr "github.com/tradewire/exkit/errors"
	"github.com/tradewire/exkit/resilience"
)

// fastRetry keeps test backoffs in the millisecond range.
func fastRetry(maxAttempts int) *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  maxAttempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func newTestClient(t *testing.T, baseURL string, mutate func(*Config)) *Client {
	t.Helper()
	cfg := Config{
		Name:    "testexchange",
		BaseURL: baseURL,
		Retry:   fastRetry(3),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestClient_SuccessReturnsParsedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"symbol":"BTCUSDC","last":"64000.5"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)

	type ticker struct {
		Symbol string `json:"symbol"`
		Last   string `json:"last"`
	}
	resp, err := Get[ticker](c, context.Background(), "/ticker")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Data.Symbol != "BTCUSDC" || resp.Data.Last != "64000.5" {
		t.Errorf("unexpected decode: %+v", resp.Data)
	}
}

func TestClient_400IsNeverRetried(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		http.Error(w, `{"error":"bad symbol"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)

	_, err := c.Get(context.Background(), "/ticker")
	if !exerr.IsInvalidRequest(err) {
		t.Errorf("expected InvalidRequest, got %v", err)
	}
	if n := atomic.LoadInt64(&calls); n != 1 {
		t.Errorf("400 must produce a single transport call, got %d", n)
	}
}

func TestClient_503RetriedToExhaustion(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)

	_, err := c.Get(context.Background(), "/ticker")
	if !exerr.IsExchangeUnavailable(err) {
		t.Errorf("expected ExchangeUnavailable, got %v", err)
	}
	if n := atomic.LoadInt64(&calls); n != 3 {
		t.Errorf("expected exactly 3 transport calls, got %d", n)
	}
}

func TestClient_429SurfacesAsServerRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)

	_, err := c.Get(context.Background(), "/orders")
	if !exerr.IsServerRateLimited(err) {
		t.Errorf("expected ServerRateLimited, got %v", err)
	}
}

func TestClient_RecoversOnRetry(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&calls, 1) < 3 {
			http.Error(w, "flapping", http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)

	resp, err := c.Get(context.Background(), "/ticker")
	if err != nil {
		t.Fatalf("expected recovery on third attempt: %v", err)
	}
	if !resp.IsSuccess() {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if n := atomic.LoadInt64(&calls); n != 3 {
		t.Errorf("expected 3 calls, got %d", n)
	}
}

func TestClient_NetworkErrorAfterRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse all connections

	c := newTestClient(t, srv.URL, nil)

	_, err := c.Get(context.Background(), "/ticker")
	if !exerr.IsNetwork(err) {
		t.Errorf("expected Network error, got %v", err)
	}
}

func TestClient_PerAttemptTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	c := newTestClient(t, srv.URL, func(cfg *Config) {
		cfg.Timeout = 30 * time.Millisecond
		cfg.Retry = fastRetry(2)
	})

	start := time.Now()
	_, err := c.Get(context.Background(), "/slow")
	if !exerr.IsNetwork(err) {
		t.Errorf("expected Network (timeout) error, got %v", err)
	}
	// Two attempts of ~30ms plus a few ms of backoff.
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("timeout not enforced per attempt, took %v", elapsed)
	}
}

func TestClient_CircuitOpensAndFailsFast(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, func(cfg *Config) {
		cfg.Retry = fastRetry(1)
		cfg.CircuitBreaker = &resilience.CircuitBreakerConfig{
			FailureThreshold: 2,
			ResetTimeout:     time.Hour,
		}
	})

	// Trip the breaker.
	_, _ = c.Get(context.Background(), "/a")
	_, _ = c.Get(context.Background(), "/a")

	before := atomic.LoadInt64(&calls)
	_, err := c.Get(context.Background(), "/a")
	if !exerr.IsCircuitOpen(err) {
		t.Fatalf("expected CircuitOpen, got %v", err)
	}
	if after := atomic.LoadInt64(&calls); after != before {
		t.Errorf("circuit-open request produced %d transport calls", after-before)
	}
}

func TestClient_HalfOpenProbeRecovers(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, func(cfg *Config) {
		cfg.Retry = fastRetry(1)
		cfg.CircuitBreaker = &resilience.CircuitBreakerConfig{
			FailureThreshold: 1,
			SuccessThreshold: 2,
			ResetTimeout:     20 * time.Millisecond,
		}
	})

	_, _ = c.Get(context.Background(), "/a") // trips
	failing.Store(false)
	time.Sleep(30 * time.Millisecond)

	// Two half-open probes must both succeed before steady state.
	if _, err := c.Get(context.Background(), "/a"); err != nil {
		t.Fatalf("first probe: %v", err)
	}
	if c.CircuitBreaker().State() != resilience.StateHalfOpen {
		t.Errorf("breaker should still be half-open after one probe")
	}
	if _, err := c.Get(context.Background(), "/a"); err != nil {
		t.Fatalf("second probe: %v", err)
	}
	if c.CircuitBreaker().State() != resilience.StateClosed {
		t.Errorf("breaker should be closed after success threshold")
	}
}

func TestClient_RateLimiterWeightsRequests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, func(cfg *Config) {
		cfg.RateLimiter = &resilience.RateLimiterConfig{
			MaxTokens:  10,
			RefillRate: 0.001,
			Weights:    map[string]float64{"cancelAllOrders": 10},
		}
	})

	if _, err := c.Get(context.Background(), "/cancel", WithEndpoint("cancelAllOrders")); err != nil {
		t.Fatal(err)
	}

	// Bucket is drained; an unweighted request must now block.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := c.Get(ctx, "/ticker"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected blocked acquire to time out, got %v", err)
	}
}

func TestClient_DefaultHeadersApplied(t *testing.T) {
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Client")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, func(cfg *Config) {
		cfg.Headers = map[string]string{"X-Client": "exkit"}
	})

	if _, err := c.Get(context.Background(), "/"); err != nil {
		t.Fatal(err)
	}
	if gotHeader != "exkit" {
		t.Errorf("X-Client = %q", gotHeader)
	}
}

func TestClient_PostEncodesJSONBody(t *testing.T) {
	var gotBody string
	var gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf, _ := io.ReadAll(r.Body)
		gotBody = string(buf)
		gotContentType = r.Header.Get("Content-Type")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)

	type order struct {
		Symbol string `json:"symbol"`
		Side   string `json:"side"`
	}
	_, err := c.Post(context.Background(), "/orders", order{Symbol: "ETHUSDC", Side: "buy"},
		WithEndpoint("createOrder"))
	if err != nil {
		t.Fatal(err)
	}
	if gotContentType != "application/json" {
		t.Errorf("Content-Type = %q", gotContentType)
	}
	if gotBody != `{"symbol":"ETHUSDC","side":"buy"}` {
		t.Errorf("body = %s", gotBody)
	}
}

func TestClient_BulkheadRefusalDoesNotConsumeHalfOpenTrial(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/slow" {
			started <- struct{}{}
			<-release
			_, _ = w.Write([]byte(`{}`))
			return
		}
		if failing.Load() {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, func(cfg *Config) {
		cfg.Retry = fastRetry(1)
		cfg.Bulkhead = &resilience.BulkheadConfig{MaxConcurrent: 1}
		cfg.CircuitBreaker = &resilience.CircuitBreakerConfig{
			FailureThreshold: 1,
			SuccessThreshold: 1,
			ResetTimeout:     20 * time.Millisecond,
		}
	})

	_, _ = c.Get(context.Background(), "/a") // trips the breaker
	failing.Store(false)
	time.Sleep(30 * time.Millisecond)

	// The half-open trial goes to a request holding the only bulkhead
	// slot.
	trialDone := make(chan error, 1)
	go func() {
		_, err := c.Get(context.Background(), "/slow")
		trialDone <- err
	}()
	<-started

	// A request refused by the full bulkhead must never reach the
	// breaker, so it cannot claim or wedge the trial slot.
	if _, err := c.Get(context.Background(), "/b"); !exerr.IsRateLimited(err) {
		t.Fatalf("expected bulkhead refusal, got %v", err)
	}

	close(release)
	if err := <-trialDone; err != nil {
		t.Fatalf("trial request: %v", err)
	}

	// The trial succeeded; the breaker must be closed and serving again.
	if _, err := c.Get(context.Background(), "/c"); err != nil {
		t.Fatalf("request after recovery: %v", err)
	}
	if c.CircuitBreaker().State() != resilience.StateClosed {
		t.Errorf("breaker state = %v, want closed", c.CircuitBreaker().State())
	}
}

func TestClient_CallerCancellationDoesNotTripBreaker(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, func(cfg *Config) {
		cfg.Retry = fastRetry(1)
		cfg.CircuitBreaker = &resilience.CircuitBreakerConfig{
			FailureThreshold: 2,
			ResetTimeout:     time.Hour,
		}
	})

	// Impatient callers against a slow-but-healthy exchange: their
	// deadlines must not count as exchange failures.
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
			defer cancel()
			if _, err := c.Get(ctx, "/slow"); !errors.Is(err, context.DeadlineExceeded) {
				t.Errorf("expected DeadlineExceeded, got %v", err)
			}
		}()
	}
	wg.Wait()

	if got := c.CircuitBreaker().State(); got != resilience.StateClosed {
		t.Fatalf("breaker state after cancellations = %v, want closed", got)
	}

	close(release)
	if _, err := c.Get(context.Background(), "/ok"); err != nil {
		t.Errorf("healthy request after cancellations: %v", err)
	}
}

func TestClient_BulkheadRefusalIsTyped(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started <- struct{}{}
		<-release
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, func(cfg *Config) {
		cfg.Bulkhead = &resilience.BulkheadConfig{MaxConcurrent: 1}
	})

	go func() { _, _ = c.Get(context.Background(), "/slow") }()
	<-started

	_, err := c.Get(context.Background(), "/fast")
	if !exerr.IsRateLimited(err) {
		t.Errorf("expected RateLimited for bulkhead refusal, got %v", err)
	}
	close(release)
}
