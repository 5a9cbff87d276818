package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tildaslashalef/driftsync/internal/config"
	"github.com/tildaslashalef/driftsync/internal/loggy"
	"golang.org/x/oauth2"
)

// ErrNotFound is returned when the remote system has no record for the
// requested external id.
var ErrNotFound = errors.New("remote record not found")

// APIError represents an error response from the remote API.
type APIError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	ErrorCode  string `json:"error"`
}

func (e APIError) Error() string {
	return fmt.Sprintf("remote API error %d: %s - %s", e.StatusCode, e.ErrorCode, e.Message)
}

// IsRetryable classifies an error from a client call as transient.
// Retryable: network-level failures, timeouts, 408, 429, and 5xx.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var apiErr APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusRequestTimeout:
			return true
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return true
		case apiErr.StatusCode >= 500:
			return true
		}
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// Client communicates with the authoritative remote system.
type Client struct {
	baseURL    string
	maxBulkIDs int
	httpClient *http.Client
	logger     *loggy.Logger

	rateMu   sync.RWMutex
	rateInfo RateInfo
}

// NewClient creates a remote client from config. Auth rides on an oauth2
// static token source layered over a pooled transport.
func NewClient(cfg config.RemoteConfig, logger *loggy.Logger) *Client {
	transport := &http.Transport{
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
	}

	base := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: transport,
	}

	httpClient := base
	if cfg.Token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
		httpClient = oauth2.NewClient(ctx, ts)
		httpClient.Timeout = cfg.Timeout
	}

	maxBulk := cfg.MaxBulkIDs
	if maxBulk <= 0 {
		maxBulk = 200
	}

	return &Client{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		maxBulkIDs: maxBulk,
		httpClient: httpClient,
		logger:     logger,
	}
}

// MaxBulkIDs returns the per-call id cap for BulkGetByIDs.
func (c *Client) MaxBulkIDs() int {
	return c.maxBulkIDs
}

// RateInfo returns the remote's rate-limit signals observed on the most
// recent response.
func (c *Client) RateInfo() RateInfo {
	c.rateMu.RLock()
	defer c.rateMu.RUnlock()
	return c.rateInfo
}

// GetByID fetches a single entity snapshot by its external id.
func (c *Client) GetByID(ctx context.Context, externalID string) (*Snapshot, error) {
	if externalID == "" {
		return nil, fmt.Errorf("external id is required")
	}

	var snap Snapshot
	endpoint := fmt.Sprintf("%s/api/records/%s", c.baseURL, url.PathEscape(externalID))
	if err := c.doJSON(ctx, http.MethodGet, endpoint, nil, &snap); err != nil {
		return nil, err
	}

	return &snap, nil
}

// BulkGetByIDs fetches up to MaxBulkIDs snapshots in one call. Callers
// with more ids chunk at this boundary.
func (c *Client) BulkGetByIDs(ctx context.Context, ids []string) (*BulkResult, error) {
	if len(ids) == 0 {
		return &BulkResult{}, nil
	}
	if len(ids) > c.maxBulkIDs {
		return nil, fmt.Errorf("bulk fetch limited to %d ids, got %d", c.maxBulkIDs, len(ids))
	}

	body := struct {
		IDs []string `json:"ids"`
	}{IDs: ids}

	var result BulkResult
	endpoint := fmt.Sprintf("%s/api/records/bulk", c.baseURL)
	if err := c.doJSON(ctx, http.MethodPost, endpoint, body, &result); err != nil {
		return nil, err
	}

	return &result, nil
}

// ListChangedSince walks the remote change feed one cursor page at a time.
func (c *Client) ListChangedSince(ctx context.Context, since time.Time, cursor string) (*ChangePage, error) {
	params := url.Values{}
	params.Set("since", since.UTC().Format(time.RFC3339))
	if cursor != "" {
		params.Set("cursor", cursor)
	}

	var page ChangePage
	endpoint := fmt.Sprintf("%s/api/records/changes?%s", c.baseURL, params.Encode())
	if err := c.doJSON(ctx, http.MethodGet, endpoint, nil, &page); err != nil {
		return nil, err
	}

	return &page, nil
}

func (c *Client) doJSON(ctx context.Context, method, endpoint string, body, out interface{}) error {
	var bodyReader *strings.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
		bodyReader = strings.NewReader(string(bodyBytes))
	} else {
		bodyReader = strings.NewReader("")
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, bodyReader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	c.recordRateInfo(resp)

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr APIError
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil {
			return APIError{StatusCode: resp.StatusCode, Message: resp.Status}
		}
		apiErr.StatusCode = resp.StatusCode
		return apiErr
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}

	return nil
}

// recordRateInfo captures X-RateLimit-Remaining / X-RateLimit-Reset from
// a response. Absent headers leave the previous observation in place.
func (c *Client) recordRateInfo(resp *http.Response) {
	remaining := resp.Header.Get("X-RateLimit-Remaining")
	if remaining == "" {
		return
	}

	n, err := strconv.Atoi(remaining)
	if err != nil {
		return
	}

	info := RateInfo{Remaining: n}
	if reset := resp.Header.Get("X-RateLimit-Reset"); reset != "" {
		if unix, err := strconv.ParseInt(reset, 10, 64); err == nil {
			info.ResetAt = time.Unix(unix, 0)
		}
	}

	c.rateMu.Lock()
	c.rateInfo = info
	c.rateMu.Unlock()

	if info.Remaining == 0 {
		c.logger.Warn("Remote rate limit exhausted", "reset_at", info.ResetAt)
	}
}
