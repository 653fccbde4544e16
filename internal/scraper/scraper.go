package scraper

import (
	"context"
	"errors"
	"fmt"

	"github.com/maltedev/fixprice-etl/internal/browser"
)

// listingPageSize is the number of product cards the catalog renders per
// page. A shorter page without a next link is the last one.
const listingPageSize = 12

// PageLoader renders a URL and returns the resulting HTML. It is satisfied by
// *browser.Browser.
type PageLoader interface {
	Load(ctx context.Context, url, readySelector string) (string, error)
}

var _ PageLoader = (*browser.Browser)(nil)

// ProgressFunc is called after each product fetch of a batch completes.
type ProgressFunc func(done, total int)

// FetchError reports a page that could not be loaded: a navigation failure,
// a timeout or an HTTP error status.
type FetchError struct {
	URL    string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.Status)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

func newFetchError(url string, err error) *FetchError {
	fe := &FetchError{URL: url, Err: err}
	var se *browser.StatusError
	if errors.As(err, &se) {
		fe.Status = se.Status
	}
	return fe
}
