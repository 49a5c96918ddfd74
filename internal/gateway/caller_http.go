package gateway

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	dErrors "bastion/pkg/domain-errors"
)

const maxResponseBytes = 4 << 20

// HTTPCaller dispatches requests as HTTP POSTs to per-endpoint target URLs.
// It reports every answered request as a Response, including error statuses;
// the gateway owns classification and retries.
type HTTPCaller struct {
	client  *http.Client
	targets map[string]string
	now     func() time.Time
}

// HTTPCallerOption configures an HTTPCaller.
type HTTPCallerOption func(*HTTPCaller)

// WithHTTPClient overrides the underlying client.
func WithHTTPClient(client *http.Client) HTTPCallerOption {
	return func(c *HTTPCaller) { c.client = client }
}

// NewHTTPCaller creates a caller over the endpoint-to-URL map. Per-attempt
// timeouts come from the request context, not the client.
func NewHTTPCaller(targets map[string]string, opts ...HTTPCallerOption) *HTTPCaller {
	c := &HTTPCaller{
		client:  &http.Client{},
		targets: targets,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call posts the payload to the endpoint's target URL.
func (c *HTTPCaller) Call(ctx context.Context, req *Request) (*Response, error) {
	target, ok := c.targets[req.Endpoint]
	if !ok {
		return nil, dErrors.Newf(dErrors.CodeValidation, "no target configured for endpoint %s", req.Endpoint)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(req.Payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}

	return &Response{
		Status:      httpResp.StatusCode,
		Body:        body,
		InputUnits:  int64(len(req.Payload)),
		OutputUnits: int64(len(body)),
		RetryAfter:  c.retryAfter(httpResp.Header.Get("Retry-After")),
	}, nil
}

// retryAfter parses the Retry-After header, which is either delay seconds or
// an HTTP date. Unparseable values report no hint.
func (c *HTTPCaller) retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(c.now()); d > 0 {
			return d
		}
	}
	return 0
}
