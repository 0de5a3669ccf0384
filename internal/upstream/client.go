// Package upstream fetches the regulation catalogue from the remote API.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/promecarus/tax-rag/internal/regulation"
)

// DetailRetryInterval is the fixed sleep between detail fetch attempts.
const DetailRetryInterval = 100 * time.Millisecond

// listPageConcurrency caps the fan-out when fetching catalogue pages.
const listPageConcurrency = 8

const sortKey = "tanggal_efektif[desc]"

// proxyRequest is the envelope the upstream proxy endpoint expects: the real
// API call is described in the body of a POST to /api/req-be.
type proxyRequest struct {
	Method string `json:"method"`
	URL    string `json:"url"`
	Data   any    `json:"data"`
}

type listData struct {
	SortedBy   string         `json:"sorted_by"`
	Pagination listPagination `json:"pagination"`
}

type listPagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
}

type listResponse struct {
	Data struct {
		SearchData []regulation.Summary `json:"search_data"`
	} `json:"data"`
	Pagination struct {
		TotalPage int `json:"total_page"`
	} `json:"pagination"`
}

type detailResponse struct {
	Data []regulation.Detail `json:"data"`
}

// Client talks to the catalogue list and detail endpoints.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiURL     string
	newBackoff func() backoff.BackOff
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetryPolicy replaces the detail-fetch retry policy. The default retries
// forever at a fixed short interval; tests inject a bounded policy.
func WithRetryPolicy(factory func() backoff.BackOff) Option {
	return func(c *Client) { c.newBackoff = factory }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a catalogue client. baseURL is the proxy endpoint host,
// apiURL the upstream API base embedded in each proxied request.
func NewClient(baseURL, apiURL string, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		baseURL:    baseURL,
		apiURL:     apiURL,
		newBackoff: func() backoff.BackOff {
			return backoff.NewConstantBackOff(DetailRetryInterval)
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// post issues one proxied API call and decodes the response into out.
// Non-200 responses are errors; callers decide whether to retry.
func (c *Client) post(ctx context.Context, url string, data, out any) error {
	body, err := json.Marshal(proxyRequest{Method: "post", URL: url, Data: data})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/req-be", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// fetchListPage fetches a single catalogue page.
func (c *Client) fetchListPage(ctx context.Context, page, limit int) (*listResponse, error) {
	var resp listResponse
	err := c.post(ctx, c.apiURL+"/peraturan/list", listData{
		SortedBy:   sortKey,
		Pagination: listPagination{Page: page, Limit: limit},
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("list page %d: %w", page, err)
	}
	return &resp, nil
}

// FetchAllSummaries fetches the full catalogue. Page 1 is fetched first to
// learn the page count, the remaining pages fan out concurrently, and the
// concatenated result is deduplicated by permalink. Any page failure fails
// the whole fetch: a partial catalogue would make the differ treat the
// missing tail as deleted.
func (c *Client) FetchAllSummaries(ctx context.Context, limit int) ([]regulation.Summary, error) {
	first, err := c.fetchListPage(ctx, 1, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch summaries: %w", err)
	}

	totalPages := first.Pagination.TotalPage
	if totalPages < 1 {
		return nil, fmt.Errorf("fetch summaries: first page reports %d total pages", totalPages)
	}
	c.logger.Info("Fetched first catalogue page",
		"total_pages", totalPages, "rows", len(first.Data.SearchData))

	pages := make([][]regulation.Summary, totalPages+1)
	pages[1] = first.Data.SearchData

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(listPageConcurrency)
	for page := 2; page <= totalPages; page++ {
		g.Go(func() error {
			resp, err := c.fetchListPage(gctx, page, limit)
			if err != nil {
				return err
			}
			pages[page] = resp.Data.SearchData
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("fetch summaries: %w", err)
	}

	seen := make(map[string]struct{})
	var summaries []regulation.Summary
	for _, page := range pages {
		for _, s := range page {
			if _, ok := seen[s.Permalink]; ok {
				continue
			}
			seen[s.Permalink] = struct{}{}
			summaries = append(summaries, s)
		}
	}

	c.logger.Info("Fetched catalogue", "regulations", len(summaries))
	return summaries, nil
}

// FetchDetail fetches the full detail record for one permalink. It retries on
// any error or non-200 response under the configured policy; the default
// policy retries forever at a fixed interval, so callers needing bounded
// latency must cancel the context.
func (c *Client) FetchDetail(ctx context.Context, permalink string) (regulation.Detail, error) {
	var detail regulation.Detail

	operation := func() error {
		var resp detailResponse
		err := c.post(ctx, c.apiURL+"/peraturan/detail",
			map[string]string{"permalink": permalink}, &resp)
		if err != nil {
			c.logger.Warn("Detail fetch retrying", "permalink", permalink, "error", err)
			return err
		}
		if len(resp.Data) == 0 {
			err := fmt.Errorf("detail %s: empty data array", permalink)
			c.logger.Warn("Detail fetch retrying", "permalink", permalink, "error", err)
			return err
		}
		detail = resp.Data[0]
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(c.newBackoff(), ctx))
	if err != nil {
		return regulation.Detail{}, fmt.Errorf("fetch detail %s: %w", permalink, err)
	}
	return detail, nil
}
