package apiclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
)

// StatusError is a non-2xx answer from the destination API.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("api status %d", e.Code)
	}
	return fmt.Sprintf("api status %d: %s", e.Code, truncate(e.Body, 200))
}

// ContractError means the API answered successfully but the response did
// not have the shape we rely on: malformed JSON or a missing field.
type ContractError struct {
	Op   string
	Body string
	Err  error
}

func (e *ContractError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: unexpected response: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: unexpected response: %s", e.Op, truncate(e.Body, 200))
}

func (e *ContractError) Unwrap() error {
	return e.Err
}

// ImageDownloadError wraps any failure to fetch the raw bytes of an image.
type ImageDownloadError struct {
	URL string
	Err error
}

func (e *ImageDownloadError) Error() string {
	return fmt.Sprintf("image download %s: %v", e.URL, e.Err)
}

func (e *ImageDownloadError) Unwrap() error {
	return e.Err
}

// retryable reports whether err is transient: an HTTP status error, a
// connection or network error, or a request timeout. Cancellation of the
// caller's context is never retried.
func retryable(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}

	var contract *ContractError
	if errors.As(err, &contract) {
		return false
	}

	var status *StatusError
	if errors.As(err, &status) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// errorKind labels err for metrics.
func errorKind(err error) string {
	var (
		status   *StatusError
		contract *ContractError
		download *ImageDownloadError
	)
	switch {
	case errors.As(err, &download):
		return "image_download"
	case errors.As(err, &contract):
		return "contract"
	case errors.As(err, &status):
		return "status"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "transport"
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
