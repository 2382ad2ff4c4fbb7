// Package httpcopy implements the Generic fetch strategy: a plain streaming
// byte copy of an HTTP(S) response body.
package httpcopy

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/JakeFAU/zipmailer/internal/bundle"
)

// StatusError reports a non-2xx origin response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d", e.Code)
}

// Config controls the HTTP client used for downloads.
type Config struct {
	UserAgent string
}

// Fetcher streams response bodies into the destination writer.
type Fetcher struct {
	client *http.Client
	cfg    Config
}

// New returns a Fetcher. A nil client uses a client without an overall
// timeout; per-task deadlines come from the caller's context.
func New(client *http.Client, cfg Config) *Fetcher {
	if client == nil {
		client = &http.Client{}
	}
	return &Fetcher{client: client, cfg: cfg}
}

// Fetch copies link's body into w. Format is ignored: the bytes are stored as
// served.
func (f *Fetcher) Fetch(ctx context.Context, link string, _ bundle.Format, w io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	if f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("http get: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, &StatusError{Code: resp.StatusCode}
	}
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("copy body: %w", err)
	}
	return n, nil
}
