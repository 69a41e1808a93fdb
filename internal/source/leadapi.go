package source

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

	"golang.org/x/time/rate"
)

// SearchRecord is one raw lead returned by the external search provider.
type SearchRecord struct {
	Fields map[string]string `json:"fields"`
}

// LeadClient fetches paginated search results from the lead data provider.
// All calls share one limiter so concurrent page fetches stay inside the
// provider's rate limit.
type LeadClient struct {
	BaseURL  string
	APIKey   string
	PageSize int
	Client   *http.Client

	limiter *rate.Limiter
}

func NewLeadClient(baseURL, apiKey string, pageSize int, rps float64, burst int) *LeadClient {
	if baseURL == "" {
		baseURL = "https://api.leadsource.example.com"
	}
	if pageSize <= 0 {
		pageSize = 25
	}
	if rps <= 0 {
		rps = 10
	}
	if burst <= 0 {
		burst = 1
	}
	return &LeadClient{
		BaseURL:  baseURL,
		APIKey:   apiKey,
		PageSize: pageSize,
		Client:   &http.Client{Timeout: 60 * time.Second},
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
	}
}

type searchReq struct {
	Query    string `json:"query"`
	Page     int    `json:"page"`
	PageSize int    `json:"page_size"`
}

type searchResp struct {
	Records []SearchRecord `json:"records"`
	Total   int            `json:"total"`
	Error   string         `json:"error,omitempty"`
}

// Count returns the total number of records matching the query without
// fetching any of them.
func (c *LeadClient) Count(ctx context.Context, query string) (int, error) {
	_, total, err := c.do(ctx, query, 1, 0)
	return total, err
}

// Search fetches one page of results. Pages are 1-based.
func (c *LeadClient) Search(ctx context.Context, query string, page int) ([]SearchRecord, int, error) {
	return c.do(ctx, query, page, c.PageSize)
}

func (c *LeadClient) do(ctx context.Context, query string, page, pageSize int) ([]SearchRecord, int, error) {
	if c.Client == nil {
		return nil, 0, errors.New("leadapi: http client is nil")
	}
	if strings.TrimSpace(c.APIKey) == "" {
		return nil, 0, fmt.Errorf("%w: api key is required", ErrAuthFailed)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	b, err := json.Marshal(searchReq{Query: query, Page: page, PageSize: pageSize})
	if err != nil {
		return nil, 0, err
	}

	url := fmt.Sprintf("%s/v1/leads/search", strings.TrimRight(c.BaseURL, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrTransient, ctx.Err())
		}
		return nil, 0, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return nil, 0, fmt.Errorf("%w: leadapi: %s", classifyStatus(resp.StatusCode), msg)
	}

	var decoded searchResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	if decoded.Error != "" {
		return nil, 0, fmt.Errorf("%w: %s", ErrPermanent, decoded.Error)
	}
	return decoded.Records, decoded.Total, nil
}
