package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"verdict/pkg/platform/sentinel"
)

// HTTPClient wraps the shared retry policy for upstream calls: transient
// failures (network errors, 5xx) are retried a bounded number of times;
// 4xx responses never are.
type HTTPClient struct {
	client  *http.Client
	retries int
}

func NewHTTPClient(timeout time.Duration, retries int) *HTTPClient {
	if retries < 0 {
		retries = 0
	}
	return &HTTPClient{
		client:  &http.Client{Timeout: timeout},
		retries: retries,
	}
}

// Do performs the request, returning the final response. The caller owns the
// response body. Responses with status >= 500 after all retries surface as
// sentinel.ErrUnavailable so they are never mistaken for empty data.
func (c *HTTPClient) Do(ctx context.Context, method, url string, body []byte) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			}
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return nil, err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("%w: %s %s: %v", sentinel.ErrUnavailable, method, url, err)
			continue
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			resp.Body.Close()
			lastErr = fmt.Errorf("%w: %s %s: status %d", sentinel.ErrUnavailable, method, url, resp.StatusCode)
			continue
		}
		return resp, nil
	}
	return nil, lastErr
}

// ReadOK consumes the response, requiring a 2xx status. Other statuses are
// unavailable-class: the decision engine must not fabricate "no data" from a
// broken upstream.
func ReadOK(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", sentinel.ErrUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: unexpected status %d for %s",
			sentinel.ErrUnavailable, resp.StatusCode, resp.Request.URL)
	}
	return raw, nil
}
