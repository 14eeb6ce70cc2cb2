// Package knowledge queries the external content store (owned by the
// scraping/indexing system) for passages supporting a draft reply.
package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrUnavailable is returned when the content store cannot be reached or
// answers with an error. Callers treat this as a degraded condition, not a
// fatal one.
var ErrUnavailable = errors.New("knowledge store unavailable")

const maxPassageBodySize = 1 << 20 // 1MB

// Passage is a ranked supporting text fragment from the content store.
type Passage struct {
	ID        string
	URL       string
	Title     string
	Text      string
	Score     float64
	UpdatedAt time.Time
}

// Client talks to the content store's query API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Client for the content store at baseURL with the given
// per-request timeout.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type searchResult struct {
	ID        string  `json:"id"`
	URL       string  `json:"url"`
	Title     string  `json:"title"`
	Snippet   string  `json:"snippet"`
	Score     float64 `json:"score"`
	UpdatedAt string  `json:"updated_at"`
}

type searchResponse struct {
	Results []searchResult `json:"results"`
}

// Retrieve returns up to k passages relevant to query, ranked by relevance
// descending with ties broken by recency. Results whose body is not inlined
// in the index response are fetched concurrently. Any store failure wraps
// ErrUnavailable.
func (c *Client) Retrieve(ctx context.Context, query string, k int) ([]Passage, error) {
	if k <= 0 {
		return nil, nil
	}

	u := fmt.Sprintf("%s/search?q=%s&k=%s", c.baseURL, url.QueryEscape(query), strconv.Itoa(k))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating search request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: search returned status %d", ErrUnavailable, resp.StatusCode)
	}

	var sr searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("%w: decoding search response: %v", ErrUnavailable, err)
	}

	passages := make([]Passage, len(sr.Results))
	for i, r := range sr.Results {
		p := Passage{
			ID:    r.ID,
			URL:   r.URL,
			Title: r.Title,
			Text:  r.Snippet,
			Score: r.Score,
		}
		if t, err := time.Parse(time.RFC3339, r.UpdatedAt); err == nil {
			p.UpdatedAt = t
		}
		passages[i] = p
	}

	if err := c.fillBodies(ctx, passages); err != nil {
		return nil, err
	}

	sort.SliceStable(passages, func(i, j int) bool {
		if passages[i].Score != passages[j].Score {
			return passages[i].Score > passages[j].Score
		}
		return passages[i].UpdatedAt.After(passages[j].UpdatedAt)
	})

	if len(passages) > k {
		passages = passages[:k]
	}
	return passages, nil
}

// fillBodies fetches passage bodies missing from the index response.
// Fetches run concurrently, bounded to avoid overwhelming the store.
func (c *Client) fillBodies(ctx context.Context, passages []Passage) error {
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for i := range passages {
		if passages[i].Text != "" {
			continue
		}
		i := i
		g.Go(func() error {
			body, err := c.fetchBody(gCtx, passages[i].ID)
			if err != nil {
				return fmt.Errorf("fetching passage %s: %w", passages[i].ID, err)
			}
			passages[i].Text = body
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if errors.Is(err, ErrUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (c *Client) fetchBody(ctx context.Context, id string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/passages/"+url.PathEscape(id), nil)
	if err != nil {
		return "", err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: passage fetch returned status %d", ErrUnavailable, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPassageBodySize))
	if err != nil {
		return "", fmt.Errorf("%w: reading passage body: %v", ErrUnavailable, err)
	}
	return string(data), nil
}
