// Package remote is the station's client for the check-in store.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ceremonia/checkin/internal/errors"
	"github.com/ceremonia/checkin/internal/metrics"
	"github.com/ceremonia/checkin/internal/models"
)

// DefaultTimeout bounds a single store request.
const DefaultTimeout = 10 * time.Second

// maxErrorBody caps how much of a failed response is read into the error.
const maxErrorBody = 4 << 10

// SubmitResult is the store's answer to a check-in submission.
type SubmitResult struct {
	OK        bool   `json:"ok"`
	ID        string `json:"id"`
	Duplicate bool   `json:"duplicate"`
}

type listResponse struct {
	OK    bool                   `json:"ok"`
	Items []models.CheckInRecord `json:"items"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Submitter writes check-ins to the store.
type Submitter interface {
	Submit(ctx context.Context, rec models.CheckInRecord) (*SubmitResult, error)
}

// Lister reads a ceremony's confirmed check-ins from the store.
type Lister interface {
	List(ctx context.Context, ceremonyID string) ([]models.CheckInRecord, error)
}

// Client talks to the store over HTTP. Every failure is returned as an
// AppError coded ErrRemoteUnavailable or ErrMalformedResponse.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

var (
	_ Submitter = (*Client)(nil)
	_ Lister    = (*Client)(nil)
)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// NewClient creates a client for the store at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the store URL the client was created with.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Submit posts rec once. There is no retry loop; callers fall back to the
// local queue on error.
func (c *Client) Submit(ctx context.Context, rec models.CheckInRecord) (*SubmitResult, error) {
	start := time.Now()
	result, err := c.submit(ctx, rec)

	outcome := "ok"
	switch {
	case errors.Is(err, errors.ErrMalformedResponse):
		outcome = "malformed"
	case err != nil:
		outcome = "unavailable"
	case result.Duplicate:
		outcome = "duplicate"
	}
	metrics.RemoteWriteDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())

	return result, err
}

func (c *Client) submit(ctx context.Context, rec models.CheckInRecord) (*SubmitResult, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "encode check-in", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/checkins", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(errors.ErrRemoteUnavailable, "build submit request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var result SubmitResult
	if err := c.do(req, &result); err != nil {
		return nil, err
	}
	if !result.OK {
		return nil, errors.New(errors.ErrMalformedResponse, "store did not confirm the check-in")
	}
	return &result, nil
}

// List fetches the confirmed check-ins of a ceremony, newest first.
func (c *Client) List(ctx context.Context, ceremonyID string) ([]models.CheckInRecord, error) {
	q := url.Values{"ceremonyId": []string{ceremonyID}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/checkins?"+q.Encode(), nil)
	if err != nil {
		return nil, errors.Wrap(errors.ErrRemoteUnavailable, "build list request", err)
	}

	var resp listResponse
	if err := c.do(req, &resp); err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, errors.New(errors.ErrMalformedResponse, "store listing was not ok")
	}
	return resp.Items, nil
}

// Ping checks the store health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/health", nil)
	if err != nil {
		return errors.Wrap(errors.ErrRemoteUnavailable, "build health request", err)
	}
	return c.do(req, nil)
}

// do sends req and decodes a 2xx JSON body into out when out is non-nil.
func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(errors.ErrRemoteUnavailable, req.Method+" "+req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Wrap(errors.ErrRemoteUnavailable, req.Method+" "+req.URL.Path, statusError(resp))
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(errors.ErrMalformedResponse, "decode "+req.URL.Path+" response", err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var e errorResponse
	if json.Unmarshal(body, &e) == nil {
		if e.Error != "" {
			return fmt.Errorf("store returned %d: %s", resp.StatusCode, e.Error)
		}
		if e.Message != "" {
			return fmt.Errorf("store returned %d: %s", resp.StatusCode, e.Message)
		}
	}
	return fmt.Errorf("store returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
