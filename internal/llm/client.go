// Package llm drafts candidate replies through the external generation
// capability and composes the bounded prompts sent to it.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

// ErrGeneration is returned when the generation capability fails or times
// out. The orchestrator retries and then escalates; a failed generation is
// never silently dropped.
var ErrGeneration = errors.New("generation failed")

const (
	defaultTimeout = 60 * time.Second
	maxRetries     = 3
	initialBackoff = 500 * time.Millisecond
)

// Client communicates with the generation capability's HTTP API.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewClient creates a generation client. timeout <= 0 uses the default.
func NewClient(baseURL, apiKey, model string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

// Generation is the raw result returned by the generation capability.
type Generation struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Generate sends the prompt and returns the raw generation result. Rate
// limits (HTTP 429) are retried with exponential backoff inside the client;
// every other failure wraps ErrGeneration.
func (c *Client) Generate(ctx context.Context, prompt string) (Generation, error) {
	body, err := json.Marshal(generateRequest{Model: c.model, Prompt: prompt})
	if err != nil {
		return Generation{}, fmt.Errorf("marshaling request: %w", err)
	}

	var lastErr error
	for attempt := range maxRetries {
		res, err := c.doGenerate(ctx, body)
		if err == nil {
			return res, nil
		}

		if !isRateLimit(err) {
			return Generation{}, err
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return Generation{}, fmt.Errorf("%w: %v", ErrGeneration, ctx.Err())
			case <-time.After(backoff):
			}
		}
	}

	return Generation{}, fmt.Errorf("%w: rate limited after %d retries: %v", ErrGeneration, maxRetries, lastErr)
}

// rateLimitError is returned on HTTP 429.
type rateLimitError struct {
	status int
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited (HTTP %d)", e.status)
}

func isRateLimit(err error) bool {
	var rle *rateLimitError
	return errors.As(err, &rle)
}

func (c *Client) doGenerate(ctx context.Context, body []byte) (Generation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/generate", bytes.NewReader(body))
	if err != nil {
		return Generation{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Generation{}, fmt.Errorf("%w: %v", ErrGeneration, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return Generation{}, &rateLimitError{status: resp.StatusCode}
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Generation{}, fmt.Errorf("%w: unexpected status %d: %s", ErrGeneration, resp.StatusCode, string(respBody))
	}

	var res Generation
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return Generation{}, fmt.Errorf("%w: decoding response: %v", ErrGeneration, err)
	}
	return res, nil
}
