package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/maltedev/fixprice-etl/internal/metrics"
	"github.com/maltedev/fixprice-etl/internal/models"
	"github.com/maltedev/fixprice-etl/internal/ratelimit"
)

const (
	defaultContentType  = "image/jpeg"
	defaultImagePause   = 200 * time.Millisecond
	healthCheckTimeout  = 10 * time.Second
	downloadUserAgent   = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
	maxImageBytes       = 32 << 20
	maxResponseBodySize = 1 << 20
)

// RetryPolicy bounds the attempts made for one upload or create call.
type RetryPolicy struct {
	Attempts int
	Backoff  ratelimit.Backoff
}

// DefaultRetryPolicy makes up to 3 attempts, waiting 2s then 4s, never more
// than 10s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts: 3,
		Backoff:  ratelimit.DefaultBackoff(),
	}
}

type Options struct {
	BaseURL        string
	ProductsURL    string
	MediaUploadURL string
	Token          string
	Source         string
	Timeout        time.Duration
	Concurrency    int
	Retry          RetryPolicy
	ImagePause     time.Duration
	HTTPClient     *http.Client
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
}

// Client publishes products and their images to the destination API. Every
// outbound request (image downloads included) passes through one gate of
// Options.Concurrency slots.
type Client struct {
	http           *http.Client
	baseURL        string
	productsURL    string
	mediaUploadURL string
	token          string
	source         string
	retry          RetryPolicy
	imagePause     time.Duration
	gate           *semaphore.Weighted
	logger         *slog.Logger
	metrics        *metrics.Metrics
}

// DownloadedImage is an image held in memory between download and upload.
type DownloadedImage struct {
	Data        []byte
	ContentType string
}

func (d *DownloadedImage) Size() int64 {
	return int64(len(d.Data))
}

// CreateResult is the parsed answer to a create-product call.
type CreateResult struct {
	Success   bool
	ProductID string
	Message   string
	Errors    any
}

func New(opts Options) *Client {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Retry.Attempts < 1 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.ImagePause == 0 {
		opts.ImagePause = defaultImagePause
	}
	if opts.Source == "" {
		opts.Source = models.DefaultSource
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		http:           httpClient,
		baseURL:        opts.BaseURL,
		productsURL:    opts.ProductsURL,
		mediaUploadURL: opts.MediaUploadURL,
		token:          opts.Token,
		source:         opts.Source,
		retry:          opts.Retry,
		imagePause:     opts.ImagePause,
		gate:           semaphore.NewWeighted(int64(opts.Concurrency)),
		logger:         logger.With("component", "api_client"),
		metrics:        opts.Metrics,
	}
}

// Close releases idle connections of the underlying HTTP client.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
}

// do runs one gated request and returns the body of a 2xx response.
func (c *Client) do(ctx context.Context, req *http.Request) ([]byte, error) {
	if err := c.gate.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.gate.Release(1)

	resp, err := c.http.Do(req.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

// withRetry calls fn until it succeeds, fails with a non-retryable error or
// the policy runs out of attempts. The last error is returned as is.
func (c *Client) withRetry(ctx context.Context, op string, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		c.metrics.IncAPIRequest(op, err)
		if err == nil {
			return nil
		}
		if attempt >= c.retry.Attempts || !retryable(ctx, err) {
			c.metrics.IncError(errorKind(err))
			return err
		}

		wait := c.retry.Backoff.Duration(attempt)
		c.metrics.IncRetry(op)
		c.logger.Warn("retrying request", "op", op, "attempt", attempt, "wait", wait, "error", err)
		if werr := ratelimit.Pause(ctx, wait); werr != nil {
			return err
		}
	}
}

// DownloadImage fetches an image into memory. Any failure is returned as an
// *ImageDownloadError.
func (c *Client) DownloadImage(ctx context.Context, imageURL string) (*DownloadedImage, error) {
	req, err := http.NewRequest(http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, &ImageDownloadError{URL: imageURL, Err: err}
	}
	req.Header.Set("User-Agent", downloadUserAgent)

	if err := c.gate.Acquire(ctx, 1); err != nil {
		return nil, &ImageDownloadError{URL: imageURL, Err: err}
	}
	defer c.gate.Release(1)

	resp, err := c.http.Do(req.WithContext(ctx))
	if err != nil {
		return nil, &ImageDownloadError{URL: imageURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBodySize))
		return nil, &ImageDownloadError{URL: imageURL, Err: &StatusError{Code: resp.StatusCode}}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, &ImageDownloadError{URL: imageURL, Err: err}
	}

	c.metrics.IncAPIRequest("download_image", nil)
	return &DownloadedImage{
		Data:        data,
		ContentType: detectContentType(resp.Header.Get("Content-Type"), imageURL),
	}, nil
}

func detectContentType(header, imageURL string) string {
	if mt, _, err := mime.ParseMediaType(header); err == nil && mt != "" && mt != "application/octet-stream" {
		return mt
	}
	if u, err := url.Parse(imageURL); err == nil {
		if mt := mime.TypeByExtension(strings.ToLower(path.Ext(u.Path))); mt != "" {
			if base, _, err := mime.ParseMediaType(mt); err == nil {
				return base
			}
		}
	}
	return defaultContentType
}

var imageExtensions = map[string]string{
	"image/jpeg":    ".jpg",
	"image/png":     ".png",
	"image/webp":    ".webp",
	"image/gif":     ".gif",
	"image/avif":    ".avif",
	"image/svg+xml": ".svg",
	"image/bmp":     ".bmp",
}

func extensionFor(contentType string) string {
	if ext, ok := imageExtensions[contentType]; ok {
		return ext
	}
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".jpg"
}

// UploadImage posts the image as multipart form data and returns the URL the
// API stored it under.
func (c *Client) UploadImage(ctx context.Context, data []byte, filename, contentType string) (string, error) {
	body, formType, err := multipartBody(data, filename, contentType)
	if err != nil {
		return "", err
	}

	var uploaded string
	err = c.withRetry(ctx, "upload_image", func() error {
		req, err := http.NewRequest(http.MethodPost, c.mediaUploadURL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		c.authorize(req)
		req.Header.Set("Content-Type", formType)

		respBody, err := c.do(ctx, req)
		if err != nil {
			return err
		}

		obj, err := decodeObject(respBody)
		if err != nil {
			return &ContractError{Op: "upload_image", Body: string(respBody), Err: err}
		}
		u, ok := firstString(obj, UploadURLKeys)
		if !ok {
			return &ContractError{Op: "upload_image", Body: string(respBody)}
		}
		uploaded = u
		return nil
	})
	if err != nil {
		return "", err
	}

	c.logger.Debug("image uploaded", "filename", filename, "url", uploaded)
	return uploaded, nil
}

func multipartBody(data []byte, filename, contentType string) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(filename)))
	header.Set("Content-Type", contentType)

	part, err := w.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form part: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", fmt.Errorf("failed to write form part: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close form: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

// ProcessProductImages downloads and re-uploads the product's images one at
// a time. A failing image is recorded on the product and skipped. It returns
// the uploaded URLs in image order.
func (c *Client) ProcessProductImages(ctx context.Context, p *models.Product) []string {
	var uploaded []string
	prefix := p.SourceID
	if prefix == "" {
		prefix = "product"
	}

	for idx := range p.Images {
		img := &p.Images[idx]
		if idx > 0 {
			if err := ratelimit.Pause(ctx, c.imagePause); err != nil {
				p.AddError(fmt.Sprintf("image processing interrupted: %v", err))
				break
			}
		}

		downloaded, err := c.DownloadImage(ctx, img.OriginalURL)
		if err != nil {
			c.metrics.IncError("image_download")
			c.logger.Warn("image download failed", "url", img.OriginalURL, "error", err)
			p.AddError(fmt.Sprintf("image %s: %v", img.OriginalURL, err))
			continue
		}

		filename := fmt.Sprintf("%s_%d%s", prefix, idx, extensionFor(downloaded.ContentType))
		u, err := c.UploadImage(ctx, downloaded.Data, filename, downloaded.ContentType)
		if err != nil {
			c.logger.Warn("image upload failed", "url", img.OriginalURL, "error", err)
			p.AddError(fmt.Sprintf("image %s: upload failed: %v", img.OriginalURL, err))
			continue
		}

		img.UploadedURL = u
		img.Filename = filename
		img.MimeType = downloaded.ContentType
		img.SizeBytes = downloaded.Size()
		uploaded = append(uploaded, u)
	}

	return uploaded
}

// CreateProduct posts the product payload. On success the product is marked
// as uploaded; an explicit success=false from the API is returned as a
// result, not an error.
func (c *Client) CreateProduct(ctx context.Context, p *models.Product) (*CreateResult, error) {
	payload, err := json.Marshal(p.APIPayload(c.source))
	if err != nil {
		return nil, fmt.Errorf("failed to encode product: %w", err)
	}

	var result *CreateResult
	err = c.withRetry(ctx, "create_product", func() error {
		req, err := http.NewRequest(http.MethodPost, c.productsURL, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		c.authorize(req)
		req.Header.Set("Content-Type", "application/json")

		respBody, err := c.do(ctx, req)
		if err != nil {
			return err
		}

		obj, err := decodeObject(respBody)
		if err != nil {
			return &ContractError{Op: "create_product", Body: string(respBody), Err: err}
		}

		result = &CreateResult{Success: successFlag(obj), Errors: obj["errors"]}
		result.ProductID, _ = firstString(obj, ProductIDKeys)
		if msg, ok := obj["message"].(string); ok {
			result.Message = msg
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	switch {
	case result.Success && result.ProductID != "":
		p.APIProductID = result.ProductID
		p.UploadedToAPI = true
		c.logger.Info("product created", "id", result.ProductID, "title", p.Title)
	case result.Success:
		c.logger.Warn("product created without id", "title", p.Title, "message", result.Message)
	default:
		c.logger.Warn("product rejected", "title", p.Title, "message", result.Message, "errors", result.Errors)
	}

	return result, nil
}

// ProcessProduct uploads the product's images and then the product itself.
// It never panics and never returns an error: every failure ends up on
// p.Errors and the result is false.
func (c *Client) ProcessProduct(ctx context.Context, p *models.Product) (ok bool) {
	if p == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			c.metrics.IncError("panic")
			c.logger.Error("product processing panicked", "url", p.SourceURL, "panic", r)
			p.AddError(fmt.Sprintf("product processing failed: %v", r))
			ok = false
		}
	}()

	c.logger.Info("processing product", "title", p.Title, "images", len(p.Images))

	if len(p.Images) > 0 {
		if uploaded := c.ProcessProductImages(ctx, p); len(uploaded) == 0 {
			c.logger.Warn("no images uploaded", "title", p.Title)
		}
	}

	result, err := c.CreateProduct(ctx, p)
	if err != nil {
		c.logger.Error("product creation failed", "title", p.Title, "error", err)
		p.AddError(fmt.Sprintf("product creation failed: %v", err))
		return false
	}
	if !result.Success {
		detail := result.Message
		if detail == "" && result.Errors != nil {
			detail = fmt.Sprint(result.Errors)
		}
		p.AddError(fmt.Sprintf("api rejected product: %s", detail))
		return false
	}
	return true
}

// ProcessProductsBatch processes every product concurrently and waits for
// all of them. success+failed always equals len(products).
func (c *Client) ProcessProductsBatch(ctx context.Context, products []*models.Product) (success, failed int) {
	results := make([]bool, len(products))
	var wg sync.WaitGroup

	for i, p := range products {
		wg.Add(1)
		go func(i int, p *models.Product) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("batch task panicked", "panic", r)
					results[i] = false
				}
			}()
			results[i] = c.ProcessProduct(ctx, p)
		}(i, p)
	}
	wg.Wait()

	for _, ok := range results {
		if ok {
			success++
		} else {
			failed++
		}
	}

	c.logger.Info("batch processed", "success", success, "failed", failed)
	return success, failed
}

// HealthCheck reports whether the API base URL answers. A 404 counts as
// healthy since the API may have no root resource.
func (c *Client) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL, nil)
	if err != nil {
		c.logger.Error("health check request invalid", "error", err)
		return false
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Error("api unreachable", "url", c.baseURL, "error", err)
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBodySize))

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNotFound:
		c.logger.Info("api reachable", "url", c.baseURL, "status", resp.StatusCode)
		return true
	default:
		c.logger.Warn("api unhealthy", "url", c.baseURL, "status", resp.StatusCode)
		return false
	}
}
