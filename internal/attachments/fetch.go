package attachments

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/and161185/convokeeper/internal/errs"
)

// HTTPFetcher downloads attachments with a plain HTTP GET.
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher wraps client; nil uses a client with a one-minute timeout.
func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: time.Minute}
	}
	return &HTTPFetcher{client: client}
}

// Fetch returns the response body of url. Server errors are transient.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrTransient, err)
	}
	switch {
	case resp.StatusCode >= 500:
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: status %d", errs.ErrTransient, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		_ = resp.Body.Close()
		return nil, fmt.Errorf("attachment %s: %w", url, errs.ErrNotFound)
	case resp.StatusCode >= 300:
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: status %d", errs.ErrRejected, resp.StatusCode)
	}
	return resp.Body, nil
}
