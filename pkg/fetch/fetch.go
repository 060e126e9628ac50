// Package fetch retrieves upstream pages as UTF-8 text.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/net/html/charset"
)

const (
	// DefaultTimeout bounds a fetch when the Fetcher is built without a client.
	DefaultTimeout = 15 * time.Second
	// DefaultMaxBody is the MaxBody set by New.
	DefaultMaxBody = 32 << 20
)

var (
	// ErrUpstreamUnreachable is wrapped by errors caused by the upstream or the network.
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
	// ErrBodyTooLarge is returned when the decoded body exceeds MaxBody.
	ErrBodyTooLarge = errors.New("upstream body too large")
)

// StatusError reports a non-2xx upstream response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream %s responded with status %d", e.URL, e.StatusCode)
}

// Fetcher performs one GET per call. It holds no per-request state and is safe
// for concurrent use.
type Fetcher struct {
	Client *http.Client
	// UserAgent is sent when non-empty; otherwise the client default is used.
	UserAgent string
	// MaxBody caps the decoded body in bytes. Zero means unlimited.
	MaxBody int64
}

// New returns a Fetcher using client, or a client with DefaultTimeout if nil.
func New(client *http.Client) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	return &Fetcher{Client: client, MaxBody: DefaultMaxBody}
}

// Fetch issues a single GET to target and returns the body decoded to UTF-8
// from the declared or sniffed charset. There are no retries. Bodies larger
// than MaxBody yield ErrBodyTooLarge; every other failure wraps
// ErrUpstreamUnreachable.
func (f *Fetcher) Fetch(ctx context.Context, target string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", unreachable(fmt.Errorf("building request: %w", err))
	}
	if f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return "", unreachable(fmt.Errorf("fetching site: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain so the connection can be reused.
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10)) //nolint:errcheck
		return "", unreachable(&StatusError{URL: target, StatusCode: resp.StatusCode})
	}

	if f.MaxBody > 0 && resp.ContentLength > f.MaxBody {
		return "", fmt.Errorf("%w: content length %d exceeds %d bytes", ErrBodyTooLarge, resp.ContentLength, f.MaxBody)
	}

	var r io.Reader
	r, err = charset.NewReader(resp.Body, resp.Header.Get("Content-Type"))
	if err != nil {
		return "", unreachable(fmt.Errorf("detecting charset: %w", err))
	}
	if f.MaxBody > 0 {
		r = io.LimitReader(r, f.MaxBody+1)
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return "", unreachable(fmt.Errorf("reading response body: %w", err))
	}
	if f.MaxBody > 0 && int64(len(body)) > f.MaxBody {
		return "", fmt.Errorf("%w: exceeds %d bytes", ErrBodyTooLarge, f.MaxBody)
	}
	return string(body), nil
}

func unreachable(err error) error {
	return fmt.Errorf("%w: %w", ErrUpstreamUnreachable, err)
}
