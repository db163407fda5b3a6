package fetcher

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"golang.org/x/text/encoding/unicode"

	"metadump/pkg/types"
)

// Fetcher reads a single metadata path. It never returns a Go error: every failure is
// folded into the result so the walk can record it and move on.
type Fetcher interface {
	Fetch(ctx context.Context, path string) types.FetchResult
}

// Options controls how metadata requests are issued.
type Options struct {
	BaseURL      string
	Headers      map[string]string
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int64
	Limiter      *Limiter
	Transport    http.RoundTripper
}

// HTTPFetcher implements Fetcher against an HTTP metadata endpoint.
type HTTPFetcher struct {
	client       *http.Client
	baseURL      string
	userAgent    string
	headers      map[string]string
	maxBodyBytes int64
	limiter      *Limiter
}

// StatusError reports a response outside the 2xx range.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// ErrBodyTooLarge is returned when a response exceeds MaxBodyBytes.
var ErrBodyTooLarge = errors.New("response body exceeds limit")

// NewHTTPFetcher constructs a fetcher using the provided options.
func NewHTTPFetcher(opts Options) (*HTTPFetcher, error) {
	base := strings.TrimSpace(opts.BaseURL)
	if base == "" {
		return nil, errors.New("base url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 4 * 1024 * 1024
	}

	transport := opts.Transport
	if transport == nil {
		transport = &http.Transport{
			DialContext:           (&net.Dialer{Timeout: opts.Timeout, KeepAlive: 30 * time.Second}).DialContext,
			MaxIdleConns:          4,
			IdleConnTimeout:       30 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}
	}

	headers := make(map[string]string, len(opts.Headers))
	for k, v := range opts.Headers {
		headers[k] = v
	}

	return &HTTPFetcher{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		baseURL:      strings.TrimRight(base, "/"),
		userAgent:    opts.UserAgent,
		headers:      headers,
		maxBodyBytes: opts.MaxBodyBytes,
		limiter:      opts.Limiter,
	}, nil
}

// Fetch requests baseURL+path and returns its text or the classified failure.
func (f *HTTPFetcher) Fetch(ctx context.Context, path string) types.FetchResult {
	if err := f.limiter.Wait(ctx); err != nil {
		return types.FailureResult(Classify(err))
	}
	body, err := f.get(ctx, path)
	if err != nil {
		return types.FailureResult(Classify(err))
	}
	return types.ContentResult(decodeText(body))
}

// URL returns the request target for a metadata path.
func (f *HTTPFetcher) URL(path string) string {
	return f.baseURL + path
}

func (f *HTTPFetcher) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL(path), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	for k, v := range f.headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	body, err := f.readBody(resp)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode}
	}
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (f *HTTPFetcher) readBody(resp *http.Response) ([]byte, error) {
	if resp == nil || resp.Body == nil {
		return nil, errors.New("empty response body")
	}

	reader := io.Reader(resp.Body)
	closers := []io.Closer{resp.Body}

	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("gzip decode: %w", err)
		}
		reader = gz
		closers = append(closers, gz)
	case "br":
		reader = brotli.NewReader(resp.Body)
	case "deflate":
		fl := flate.NewReader(resp.Body)
		reader = fl
		closers = append(closers, fl)
	}

	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}()

	body, err := io.ReadAll(io.LimitReader(reader, f.maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > f.maxBodyBytes {
		return nil, fmt.Errorf("%w of %d bytes", ErrBodyTooLarge, f.maxBodyBytes)
	}
	return body, nil
}

// decodeText turns a body into UTF-8 text, replacing invalid sequences with U+FFFD.
func decodeText(body []byte) string {
	out, err := unicode.UTF8.NewDecoder().Bytes(body)
	if err != nil {
		return strings.ToValidUTF8(string(body), "\uFFFD")
	}
	return string(out)
}

// Classify maps a fetch error onto the failure taxonomy written to the dump.
func Classify(err error) types.Failure {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return types.Failure{Kind: types.FailureHTTPStatus, StatusCode: statusErr.Code}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return types.Failure{Kind: types.FailureTimeout}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return types.Failure{Kind: types.FailureTimeout}
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Err != nil && !errors.Is(err, context.Canceled) {
		return types.Failure{Kind: types.FailureTransport, Message: transportReason(urlErr.Err)}
	}
	return types.Failure{Kind: types.FailureUnknown, Message: err.Error()}
}

// transportReason drops the Go client's "Get <url>:" prefix and keeps the innermost cause.
func transportReason(err error) string {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Err != nil {
		return opErr.Err.Error()
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Error()
	}
	return err.Error()
}
