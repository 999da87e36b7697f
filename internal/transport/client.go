// Package transport implements the HTTP client side of the sync wire
// contract: batched pushes of local change records and paginated pulls of
// remote changes, authenticated with a bearer token from a TokenProvider.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tallyops/tallysync/internal/change"
)

// ErrDependencyConflict is returned by Push when the server rejects the
// whole batch with 409: at least one record references an entity the server
// has not seen yet.
var ErrDependencyConflict = errors.New("transport: batch dependency conflict")

// PushRequest is the client-to-server push payload.
type PushRequest struct {
	Changes         []change.Record `json:"changes"`
	ClientTimestamp time.Time       `json:"client_timestamp"`
}

// PushResponse reports per-record outcomes. A change absent from both
// FailedChanges and Conflicts was accepted.
type PushResponse struct {
	ProcessedCount  int             `json:"processed_count"`
	FailedChanges   []change.Record `json:"failed_changes"`
	Conflicts       []change.Record `json:"conflicts"`
	ServerTimestamp time.Time       `json:"server_timestamp"`
}

// PullResponse is one page of remote changes.
type PullResponse struct {
	Changes         []change.Record `json:"changes"`
	ServerTimestamp time.Time       `json:"server_timestamp"`
	HasMore         bool            `json:"has_more"`
	TotalAvailable  int             `json:"total_available,omitempty"`
}

// TokenProvider supplies the bearer token attached to every request.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// Client talks to the remote tally authority.
type Client struct {
	baseURL    string
	tokens     TokenProvider
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a transport client. Timeout bounds every push and pull
// call; zero means 30 seconds.
func NewClient(baseURL string, tokens TokenProvider, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    baseURL,
		tokens:     tokens,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With("component", "transport"),
	}
}

// Push sends one batch of change records. It returns ErrDependencyConflict
// on a 409 response, the decoded response on 200, and a generic error on
// anything else (network failure, unexpected status).
func (c *Client) Push(ctx context.Context, changes []change.Record) (*PushResponse, error) {
	body, err := json.Marshal(PushRequest{
		Changes:         changes,
		ClientTimestamp: time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("transport: marshal push request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/sync/push", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("transport: create push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.authorize(ctx, req); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport: push: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusConflict:
		io.Copy(io.Discard, resp.Body)
		return nil, ErrDependencyConflict
	case resp.StatusCode != http.StatusOK:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("transport: push status %d: %s", resp.StatusCode, data)
	}

	var pr PushResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, fmt.Errorf("transport: decode push response: %w", err)
	}

	c.logger.Debug("batch pushed",
		"changes", len(changes),
		"processed", pr.ProcessedCount,
		"failed", len(pr.FailedChanges),
		"conflicts", len(pr.Conflicts))
	return &pr, nil
}

// Pull fetches one page of remote changes. lastSync is nil on the first
// ever pull.
func (c *Client) Pull(ctx context.Context, lastSync *time.Time, limit, offset int) (*PullResponse, error) {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(limit))
	params.Set("offset", strconv.Itoa(offset))
	if lastSync != nil {
		params.Set("last_sync", lastSync.UTC().Format(time.RFC3339Nano))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/v1/sync/pull?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("transport: create pull request: %w", err)
	}
	if err := c.authorize(ctx, req); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport: pull: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("transport: pull status %d: %s", resp.StatusCode, data)
	}

	var pr PullResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, fmt.Errorf("transport: decode pull response: %w", err)
	}

	c.logger.Debug("page pulled",
		"changes", len(pr.Changes),
		"has_more", pr.HasMore,
		"offset", offset)
	return &pr, nil
}

func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	if c.tokens == nil {
		return nil
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("transport: token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}
