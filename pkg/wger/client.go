// Package wger fetches the paginated exercise listing of a wger server.
package wger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/pario-ai/tollgate/pkg/config"
)

// ErrMalformedPage is returned when a page body cannot be decoded.
var ErrMalformedPage = errors.New("malformed page")

// StatusError is a non-2xx response. RetryAfter is zero when the server sent
// no usable Retry-After header.
type StatusError struct {
	StatusCode int
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("wger API error: %d", e.StatusCode)
}

// Page is one page of the listing. Next is empty on the last page.
type Page struct {
	Next    string
	Results []Exercise
}

type pageBody struct {
	Next    *string    `json:"next"`
	Results []Exercise `json:"results"`
}

// Client reads exercise pages. Requests are paced by a token bucket so a
// long sync stays under the server's rate limits.
type Client struct {
	http     *http.Client
	baseURL  string
	apiKey   string
	pageSize int
	language int
	limiter  *rate.Limiter
}

// New creates a Client from the sync config.
func New(cfg config.SyncConfig) *Client {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		http:     &http.Client{Timeout: timeout},
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:   strings.TrimSpace(cfg.APIKey),
		pageSize: cfg.PageSize,
		language: cfg.LanguageID,
		limiter:  rate.NewLimiter(limit, 1),
	}
}

// FirstPage returns the cursor of the first page.
func (c *Client) FirstPage() string {
	return fmt.Sprintf("%s/exerciseinfo/?limit=%d&language=%d", c.baseURL, c.pageSize, c.language)
}

// FetchPage fetches the page at cursor. Non-2xx responses return a
// *StatusError; transport failures are returned as-is.
func (c *Client) FetchPage(ctx context.Context, cursor string) (*Page, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cursor, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Token "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	var body pageBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPage, err)
	}
	page := &Page{Results: body.Results}
	if body.Next != nil {
		page.Next = *body.Next
	}
	return page, nil
}

func parseRetryAfter(v string) time.Duration {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}
