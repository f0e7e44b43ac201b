package minerapi

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

	"github.com/bardlex/qpow/pkg/errors"
)

// Client talks to a remote miner service. Transport failures and 5xx/429
// answers come back as retryable unreachable errors; 4xx answers are not
// retryable.
type Client struct {
	baseURL string
	http    *http.Client
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

// WithTimeout sets the per-request timeout of the default http.Client.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) {
		if d > 0 {
			cl.http.Timeout = d
		}
	}
}

// NewClient creates a client for the service at baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New(errors.ErrorTypeValidation, "new_client", "miner endpoint must not be empty")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "new_client", "invalid miner endpoint")
	}

	cl := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(cl)
	}
	return cl, nil
}

// Endpoint returns the base URL.
func (c *Client) Endpoint() string {
	return c.baseURL
}

// Mine submits work.
func (c *Client) Mine(ctx context.Context, req MineRequest) (MineResponse, error) {
	var out MineResponse
	if err := c.do(ctx, http.MethodPost, "/mine", req, &out); err != nil {
		return MineResponse{}, err
	}
	return out, nil
}

// Result polls a job.
func (c *Client) Result(ctx context.Context, jobID string) (ResultResponse, error) {
	var out ResultResponse
	if err := c.do(ctx, http.MethodGet, "/result/"+url.PathEscape(jobID), nil, &out); err != nil {
		return ResultResponse{}, err
	}
	return out, nil
}

// Cancel cancels a job.
func (c *Client) Cancel(ctx context.Context, jobID string) (CancelResponse, error) {
	var out CancelResponse
	if err := c.do(ctx, http.MethodPost, "/cancel/"+url.PathEscape(jobID), nil, &out); err != nil {
		return CancelResponse{}, err
	}
	return out, nil
}

// Health checks the service.
func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	var out HealthResponse
	if err := c.do(ctx, http.MethodGet, "/healthz", nil, &out); err != nil {
		return HealthResponse{}, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	op := method + " " + path

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeValidation, op, "encode request")
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, op, "build request")
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		se := errors.Wrap(err, errors.ErrorTypeUnreachable, op, "miner service unreachable").
			WithContext("endpoint", c.baseURL)
		// a cancelled or expired ctx is final here; callers that bound each
		// attempt with their own deadline decide whether to try again
		se.Retryable = ctx.Err() == nil
		return se
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(op, resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, op, "decode response").
			WithContext("endpoint", c.baseURL)
	}
	return nil
}

func statusError(op string, resp *http.Response) error {
	var e ErrorResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&e)
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	msg = fmt.Sprintf("status %d: %s", resp.StatusCode, msg)

	var se *errors.ServiceError
	switch {
	case resp.StatusCode == http.StatusConflict:
		se = errors.New(errors.ErrorTypeDuplicateJob, op, msg)
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		se = errors.New(errors.ErrorTypeUnreachable, op, msg)
	default:
		se = errors.New(errors.ErrorTypeValidation, op, msg)
	}
	return se.WithContext("status_code", resp.StatusCode)
}
