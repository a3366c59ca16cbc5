package subworkflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	defaultMaxRetries  = 2
	defaultBaseBackoff = 500 * time.Millisecond
	maxResponseBytes   = 4 << 20
)

// HTTPInvoker calls a remote sub-workflow service. The request envelope is
// POSTed as JSON; the response must decode strictly into Result.
type HTTPInvoker struct {
	endpoint    string
	client      *http.Client
	maxRetries  int
	baseBackoff time.Duration
}

// HTTPOption configures an HTTPInvoker.
type HTTPOption func(*HTTPInvoker)

// WithHTTPClient sets the client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPInvoker) {
		if c != nil {
			h.client = c
		}
	}
}

// WithRetries sets the retry count and base backoff for transient errors.
func WithRetries(n int, backoff time.Duration) HTTPOption {
	return func(h *HTTPInvoker) {
		h.maxRetries = n
		h.baseBackoff = backoff
	}
}

// NewHTTPInvoker creates an invoker for endpoint.
func NewHTTPInvoker(endpoint string, opts ...HTTPOption) (*HTTPInvoker, error) {
	if endpoint == "" {
		return nil, errors.New("sub-workflow endpoint required")
	}
	h := &HTTPInvoker{
		endpoint:    endpoint,
		client:      &http.Client{},
		maxRetries:  defaultMaxRetries,
		baseBackoff: defaultBaseBackoff,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Invoke implements Invoker. Transport errors, 429 and 5xx are retried with
// exponential backoff.
func (h *HTTPInvoker) Invoke(ctx context.Context, req Request) (*Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= h.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := h.baseBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		res, err := h.do(ctx, body)
		if err == nil {
			return res, nil
		}
		lastErr = err
		var re *retryableError
		if !errors.As(err, &re) || ctx.Err() != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (h *HTTPInvoker) do(ctx context.Context, body []byte) (*Result, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &retryableError{err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &retryableError{err: errors.New("rate limited (429)")}
	case resp.StatusCode >= 500:
		return nil, &retryableError{err: fmt.Errorf("server error (%d): %s", resp.StatusCode, truncate(data, 256))}
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: status %d: %s", ErrFailure, resp.StatusCode, truncate(data, 256))
	}

	return DecodeResult(data)
}

// DecodeResult strictly decodes a Result. Unknown fields, wrong types and a
// missing success or response field are contract violations.
func DecodeResult(data []byte) (*Result, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: response is not a JSON object: %v", ErrContractViolation, err)
	}
	for _, key := range []string{"success", "response"} {
		if _, ok := fields[key]; !ok {
			return nil, fmt.Errorf("%w: missing %q", ErrContractViolation, key)
		}
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var res Result
	if err := dec.Decode(&res); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContractViolation, err)
	}
	return &res, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
