package retrieval

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codescribe/codescribe/internal/retry"
)

func fastRetry() retry.RetryConfig {
	return retry.RetryConfig{
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
		Multiplier: 2.0,
	}
}

func TestRetrieve_FiltersSortsAndTruncates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req queryRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "codescribe_rules", req.Collection)
		assert.Equal(t, "internal/foo.go (Bar)", req.QueryText)

		json.NewEncoder(w).Encode(map[string]interface{}{
			"results": []map[string]interface{}{
				{"snippet_text": "low", "score": 0.1},
				{"snippet_text": "mid", "score": 0.6},
				{"snippet_text": "high", "score": 0.9},
				{"snippet_text": "also-high", "score": 0.8},
			},
		})
	}))
	defer server.Close()

	c := NewClient(Config{
		Endpoint:   server.URL,
		Collection: "codescribe_rules",
		TopK:       2,
		MinScore:   0.5,
		Retry:      fastRetry(),
	})

	result, err := c.Retrieve(context.Background(), "internal/foo.go (Bar)")
	require.NoError(t, err)
	require.Len(t, result.Snippets, 2)
	assert.Equal(t, "high", result.Snippets[0].Text)
	assert.Equal(t, "also-high", result.Snippets[1].Text)
}

func TestRetrieve_DegradesToEmptyOnExhaustion(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c := NewClient(Config{
		Endpoint: server.URL,
		TopK:     5,
		Retry:    fastRetry(),
	})

	result, err := c.Retrieve(context.Background(), "query")
	require.NoError(t, err, "exhausted retrieval must not fail the job")
	assert.True(t, result.Empty())
	assert.Equal(t, int32(3), calls.Load(), "expected 1 attempt + 2 retries")
}

func TestRetrieve_RecoversAfterTransientFailure(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"results": []map[string]interface{}{
				{"snippet_text": "ok", "score": 0.7},
			},
		})
	}))
	defer server.Close()

	c := NewClient(Config{Endpoint: server.URL, TopK: 3, MinScore: 0.5, Retry: fastRetry()})

	result, err := c.Retrieve(context.Background(), "query")
	require.NoError(t, err)
	require.Len(t, result.Snippets, 1)
	assert.Equal(t, "ok", result.Snippets[0].Text)
}

func TestRetrieve_EmptyQueryShortCircuits(t *testing.T) {
	c := NewClient(Config{Endpoint: "http://localhost:1", Retry: fastRetry()})

	result, err := c.Retrieve(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, result.Empty())
}
