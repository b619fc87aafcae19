// Package fetch implements the "GET url -> status, body" capability used for WPAD
// probing and PAC script downloads. Requests never go through a proxy.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/yolkispalkis/proxyscout/pkg/common"
)

const (
	defaultFetchTimeout = 10 * time.Second
	maxBodyBytes        = 1 * 1024 * 1024
	userAgent           = "proxyscout/pac-fetcher"
)

// Response is the outcome of a fetch. Body is already decoded to UTF-8.
type Response struct {
	StatusCode  int
	Body        []byte
	ContentType string
	// FinalURL is the URL after redirects.
	FinalURL string
}

// Fetcher retrieves a resource. Implementations must return an error wrapping
// common.ErrUnresolvedHost when the target host name does not resolve.
type Fetcher interface {
	Get(ctx context.Context, rawURL string) (*Response, error)
}

// Options configures an HTTPFetcher.
type Options struct {
	Timeout time.Duration
	Retries int
	// Charset forces the body charset, overriding Content-Type and BOM detection.
	Charset string
	// WrapTransport lets callers decorate the proxy-less transport (e.g. SPNEGO auth).
	WrapTransport func(http.RoundTripper) http.RoundTripper
}

// HTTPFetcher fetches http, https and file URLs. Redirects are followed.
type HTTPFetcher struct {
	client  *retryablehttp.Client
	timeout time.Duration
	charset string
}

func NewHTTPFetcher(opts Options) *HTTPFetcher {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	retries := opts.Retries
	if retries < 0 {
		retries = 0
	}

	var transport http.RoundTripper = &http.Transport{
		Proxy: nil, // Never use a proxy to find the proxy configuration
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          5,
		IdleConnTimeout:       60 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if opts.WrapTransport != nil {
		transport = opts.WrapTransport(transport)
	}

	client := retryablehttp.NewClient()
	client.HTTPClient = &http.Client{Transport: transport, Timeout: timeout}
	client.Logger = slog.Default()
	client.RetryMax = retries
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if common.IsUnresolvedHostError(err) {
			return false, nil
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &HTTPFetcher{client: client, timeout: timeout, charset: opts.Charset}
}

func (f *HTTPFetcher) Get(ctx context.Context, rawURL string) (*Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return f.getHTTP(ctx, u)
	case "file":
		return f.getFile(u)
	default:
		return nil, fmt.Errorf("unsupported URL scheme %q in %s", u.Scheme, rawURL)
	}
}

func (f *HTTPFetcher) getHTTP(ctx context.Context, u *url.URL) (*Response, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", u, err)
	}
	req.Header.Set("Accept", common.PacMimeType)
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		if common.IsUnresolvedHostError(err) {
			return nil, fmt.Errorf("%w: %s: %v", common.ErrUnresolvedHost, u.Hostname(), err)
		}
		return nil, fmt.Errorf("GET %s: %w", u, err)
	}
	defer resp.Body.Close()

	body, err := readLimited(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body from %s: %w", u, err)
	}

	contentType := resp.Header.Get("Content-Type")
	out := &Response{
		StatusCode:  resp.StatusCode,
		ContentType: contentType,
		FinalURL:    u.String(),
	}
	if resp.Request != nil && resp.Request.URL != nil {
		out.FinalURL = resp.Request.URL.String()
	}
	out.Body = decodeBody(body, contentType, f.charset, u.String())
	return out, nil
}

func (f *HTTPFetcher) getFile(u *url.URL) (*Response, error) {
	filePath := u.Path
	if u.Opaque != "" {
		filePath = u.Opaque
	}
	// file:///C:/path on Windows
	if strings.HasPrefix(filePath, "/") && len(filePath) > 2 && filePath[2] == ':' {
		filePath = filePath[1:]
	}
	filePath = filepath.Clean(filePath)

	file, err := os.Open(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Response{StatusCode: http.StatusNotFound, FinalURL: u.String()}, nil
		}
		return nil, fmt.Errorf("failed to open %s: %w", filePath, err)
	}
	defer file.Close()

	body, err := readLimited(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", filePath, err)
	}
	return &Response{
		StatusCode: http.StatusOK,
		Body:       decodeBody(body, "", f.charset, u.String()),
		FinalURL:   u.String(),
	}, nil
}

func readLimited(r io.Reader) ([]byte, error) {
	limited := &io.LimitedReader{R: r, N: maxBodyBytes + 1}
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if len(body) > maxBodyBytes {
		return nil, fmt.Errorf("body exceeds limit of %d bytes", maxBodyBytes)
	}
	return body, nil
}
