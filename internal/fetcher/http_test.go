package fetcher

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/sells-group/bosswiki/internal/resilience"
)

func newTestFetcher() *HTTPFetcher {
	return NewHTTPFetcher(HTTPOptions{
		UserAgent:         "test-agent (ops@example.com)",
		Timeout:           5 * time.Second,
		RequestsPerSecond: 1000,
		Burst:             1000,
		Retry: resilience.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
		},
	})
}

func TestGet_SendsUserAgentAndQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-agent (ops@example.com)", r.Header.Get("User-Agent"))
		assert.Equal(t, "query", r.URL.Query().Get("action"))
		assert.Equal(t, "json", r.URL.Query().Get("format"))
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	body, err := newTestFetcher().Get(context.Background(), srv.URL+"/api.php?format=json", url.Values{"action": {"query"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(body))
}

func TestPostForm_SendsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		assert.Empty(t, r.URL.RawQuery)
		raw, _ := io.ReadAll(r.Body)
		form, err := url.ParseQuery(string(raw))
		assert.NoError(t, err)
		assert.Equal(t, "File:A.gif|File:B.gif", form.Get("titles"))
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	_, err := newTestFetcher().PostForm(context.Background(), srv.URL, url.Values{"titles": {"File:A.gif|File:B.gif"}})
	require.NoError(t, err)
}

func TestGet_RetriesOn429(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	body, err := newTestFetcher().Get(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
	assert.Equal(t, int32(3), calls.Load())
}

func TestGet_RetriesOn5xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	_, err := newTestFetcher().Get(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGet_Exhausts429(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := newTestFetcher().Get(context.Background(), srv.URL, nil)
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
	assert.Equal(t, http.StatusTooManyRequests, resilience.StatusCode(err))
	assert.Equal(t, int32(3), calls.Load())
}

func TestGet_4xxFailsImmediately(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := newTestFetcher().Get(context.Background(), srv.URL, nil)
	require.Error(t, err)
	assert.False(t, resilience.IsTransient(err))
	assert.Equal(t, http.StatusForbidden, resilience.StatusCode(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestGet_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := srv.URL
	srv.Close()

	_, err := newTestFetcher().Get(context.Background(), addr, nil)
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestGet_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestFetcher().Get(ctx, srv.URL, nil)
	assert.Error(t, err)
}

func TestAdaptiveLimiter(t *testing.T) {
	a := NewAdaptiveLimiter(8, 8)
	a.OnRateLimit()
	assert.Equal(t, rate.Limit(4), a.limit())
	a.OnRateLimit()
	a.OnRateLimit()
	assert.Equal(t, rate.Limit(2), a.limit(), "floor is a quarter of the initial rate")

	for range 20 {
		a.OnSuccess()
	}
	assert.Equal(t, rate.Limit(8), a.limit(), "never exceeds the configured rate")
}

func TestLimiterFor_PerHost(t *testing.T) {
	f := newTestFetcher()
	assert.Same(t, f.limiterFor("tibia.fandom.com"), f.limiterFor("tibia.fandom.com"))
	assert.NotSame(t, f.limiterFor("tibia.fandom.com"), f.limiterFor("other.example"))
}
