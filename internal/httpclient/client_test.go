package httpclient

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAppliesDefaultsAndOptions(t *testing.T) {
	c := New()
	assert.Equal(t, 5, c.maxRetries)
	assert.Equal(t, 2*time.Second, c.baseDelay)
	assert.NotNil(t, c.strategyFunc)

	c = New(WithMaxRetries(3), WithBaseDelay(5*time.Second), WithMaxDelay(30*time.Second))
	assert.Equal(t, 3, c.maxRetries)
	assert.Equal(t, 5*time.Second, c.baseDelay)
	assert.Equal(t, 30*time.Second, c.maxDelay)

	c = New(WithHeaderParser(func(http.Header) RateLimitInfo { return RateLimitInfo{RetryAfter: 10 * time.Second} }))
	info := c.headerParser(http.Header{})
	assert.Equal(t, 10*time.Second, info.RetryAfter)
}

func TestDefaultStrategy(t *testing.T) {
	assert.Equal(t, SmartRetry, DefaultStrategy(http.StatusTooManyRequests))
	assert.Equal(t, SmartRetry, DefaultStrategy(http.StatusServiceUnavailable))
	assert.Equal(t, ConservativeRetry, DefaultStrategy(http.StatusInternalServerError))
	assert.Equal(t, ConservativeRetry, DefaultStrategy(http.StatusBadGateway))
	assert.Equal(t, NoRetry, DefaultStrategy(http.StatusBadRequest))
	assert.Equal(t, NoRetry, DefaultStrategy(http.StatusOK))
}

func TestDoSucceedsWithoutRetry(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := New(WithHTTPClient(server.Client()))
	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	resp, err := c.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDoRetriesServerErrorThenSucceeds(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := New(WithHTTPClient(server.Client()), WithMaxRetries(3), WithBaseDelay(5*time.Millisecond))
	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	resp, err := c.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 3, attempts)
}

func TestDoReturnsRetryableErrorAfterMaxRetries(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := New(WithHTTPClient(server.Client()), WithMaxRetries(2), WithBaseDelay(5*time.Millisecond))
	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	_, err := c.Do(req)
	require.Error(t, err)
	var retryErr *RetryableError
	require.ErrorAs(t, err, &retryErr)
	assert.Equal(t, http.StatusInternalServerError, retryErr.StatusCode)
	assert.Equal(t, 3, attempts, "initial attempt plus 2 retries")
}

func TestDoHonorsRetryAfterHeader(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := New(WithHTTPClient(server.Client()), WithMaxRetries(3), WithHeaderParser(ParseOpenAIRateLimitHeaders))
	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	start := time.Now()
	resp, err := c.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, attempts)
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
}

func TestCalculateDelayConservativeStopsAfterTwoAttempts(t *testing.T) {
	c := New(WithBaseDelay(1 * time.Second))
	assert.Equal(t, 2*time.Second, c.calculateDelay(ConservativeRetry, 0, RateLimitInfo{}))
	assert.Equal(t, 3*time.Second, c.calculateDelay(ConservativeRetry, 1, RateLimitInfo{}))
	assert.Equal(t, time.Duration(0), c.calculateDelay(ConservativeRetry, 2, RateLimitInfo{}))
}

func TestCalculateDelaySmartRetryPrefersRetryAfter(t *testing.T) {
	c := New(WithBaseDelay(1 * time.Second))
	d := c.calculateDelay(SmartRetry, 0, RateLimitInfo{RetryAfter: 5 * time.Second})
	assert.Equal(t, 5*time.Second, d)
}
