package ics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/avast/retry-go"
)

// ErrorCategory classifies a failed fetch for callers and feed health.
type ErrorCategory string

const (
	CategoryDead         ErrorCategory = "dead"
	CategoryAuthRequired ErrorCategory = "auth_required"
	CategoryRateLimited  ErrorCategory = "rate_limited"
	CategoryServerError  ErrorCategory = "server_error"
	CategoryTimeout      ErrorCategory = "timeout"
)

// FetchError carries the HTTP status (0 for transport failures) and its
// classification.
type FetchError struct {
	Status             int
	Category           ErrorCategory
	Retryable          bool
	UserActionRequired bool
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("feed fetch failed: status=%d category=%s", e.Status, e.Category)
}

// ClassifyStatus maps an HTTP status to the feed error taxonomy. Status 0
// means timeout or transport failure.
func ClassifyStatus(status int) *FetchError {
	switch {
	case status == http.StatusNotFound || status == http.StatusGone:
		return &FetchError{Status: status, Category: CategoryDead, Retryable: false, UserActionRequired: true}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &FetchError{Status: status, Category: CategoryAuthRequired, Retryable: false, UserActionRequired: true}
	case status == http.StatusTooManyRequests:
		return &FetchError{Status: status, Category: CategoryRateLimited, Retryable: true}
	case status >= 500:
		return &FetchError{Status: status, Category: CategoryServerError, Retryable: true}
	case status == 0:
		return &FetchError{Status: 0, Category: CategoryTimeout, Retryable: true}
	}
	return &FetchError{Status: status, Category: CategoryServerError, Retryable: false}
}

// FetchResult is one conditional GET outcome. NotModified means the server
// answered 304; Body is nil in that case.
type FetchResult struct {
	NotModified  bool
	Body         []byte
	ETag         string
	LastModified string
}

// Fetcher issues conditional feed requests. Transient categories retry with
// backoff inside a single Fetch call.
type Fetcher struct {
	client  *http.Client
	retries uint
}

func NewFetcher(timeout time.Duration) *Fetcher {
	return &Fetcher{
		client:  &http.Client{Timeout: timeout},
		retries: 3,
	}
}

func (f *Fetcher) Fetch(ctx context.Context, url, etag, lastModified string) (*FetchResult, error) {
	var result *FetchResult
	err := retry.Do(
		func() error {
			var err error
			result, err = f.fetchOnce(ctx, url, etag, lastModified)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(f.retries),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			var fe *FetchError
			return errors.As(err, &fe) && fe.Retryable
		}),
	)
	return result, err
}

func (f *Fetcher) fetchOnce(ctx context.Context, url, etag, lastModified string) (*FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/calendar, text/plain")
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	if lastModified != "" {
		req.Header.Set("If-Modified-Since", lastModified)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, ClassifyStatus(0)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ClassifyStatus(0)
		}
		return nil, ClassifyStatus(0)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return &FetchResult{NotModified: true}, nil
	case resp.StatusCode == http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
		if err != nil {
			return nil, ClassifyStatus(0)
		}
		return &FetchResult{
			Body:         body,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
		}, nil
	default:
		return nil, ClassifyStatus(resp.StatusCode)
	}
}
