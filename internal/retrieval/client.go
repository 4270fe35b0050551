package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/codescribe/codescribe/internal/retry"
	"github.com/codescribe/codescribe/pkg/models"
)

// Config configures the knowledge retriever.
type Config struct {
	Endpoint   string        // base URL of the similarity-search service
	Collection string        // collection to query
	TopK       int           // maximum snippets to keep
	MinScore   float64       // drop snippets scoring below this
	Timeout    time.Duration // per-request timeout
	Retry      retry.RetryConfig
}

// Client queries the external similarity-search service. Retrieval is an
// enrichment, not a hard dependency: once the retry budget is exhausted the
// client returns an empty result so the review proceeds degraded.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a retriever for the similarity-search service.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type queryRequest struct {
	Collection string `json:"collection"`
	QueryText  string `json:"query_text"`
	TopK       int    `json:"top_k"`
}

type queryResponse struct {
	Results []struct {
		SnippetText string  `json:"snippet_text"`
		Score       float64 `json:"score"`
	} `json:"results"`
}

// Retrieve returns the top-k knowledge snippets above the minimum-score
// threshold for the given query text, sorted by descending relevance.
// Transient failures are retried with exponential backoff; on exhaustion an
// empty result and a nil error are returned.
func (c *Client) Retrieve(ctx context.Context, queryText string) (models.RetrievalResult, error) {
	if c.cfg.Endpoint == "" || queryText == "" {
		return models.RetrievalResult{}, nil
	}

	var resp queryResponse
	result := retry.WithBackoff(ctx, c.cfg.Retry, func() error {
		return c.query(ctx, queryText, &resp)
	})

	if !result.Success {
		log.Warn().Err(result.LastError).Int("attempts", result.Attempts).
			Msg("knowledge retrieval unavailable, proceeding without snippets")
		return models.RetrievalResult{}, nil
	}

	snippets := make([]models.Snippet, 0, len(resp.Results))
	for _, r := range resp.Results {
		if r.Score < c.cfg.MinScore {
			continue
		}
		snippets = append(snippets, models.Snippet{Text: r.SnippetText, Score: r.Score})
	}

	sort.SliceStable(snippets, func(i, j int) bool { return snippets[i].Score > snippets[j].Score })

	if c.cfg.TopK > 0 && len(snippets) > c.cfg.TopK {
		snippets = snippets[:c.cfg.TopK]
	}

	return models.RetrievalResult{Snippets: snippets}, nil
}

func (c *Client) query(ctx context.Context, queryText string, out *queryResponse) error {
	payload, err := json.Marshal(queryRequest{
		Collection: c.cfg.Collection,
		QueryText:  queryText,
		TopK:       c.cfg.TopK,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint+"/query", bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("similarity search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("similarity search error (status %d): %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode search response: %w", err)
	}

	return nil
}
