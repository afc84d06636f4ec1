// Package probe issues the outbound HTTP calls for scheduled tasks through
// a transport that measures request duration and response size.
package probe

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Response headers the monitoring transport attaches so callers can read
// the measurements without re-timing the request.
const (
	DurationHeader     = "X-Probe-Duration"
	ResponseSizeHeader = "X-Probe-Response-Size"
)

const defaultMaxBodyBytes = 10 << 20

type startTimeKey struct{}

// monitorTransport stamps a start-time marker into the request context on
// send and, on response receipt, attaches the elapsed milliseconds and body
// byte length as response headers. It carries no state across requests.
type monitorTransport struct {
	next         http.RoundTripper
	maxBodyBytes int64
}

func (t *monitorTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.WithContext(context.WithValue(req.Context(), startTimeKey{}, time.Now()))

	resp, err := t.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	elapsed := time.Duration(0)
	if start, ok := req.Context().Value(startTimeKey{}).(time.Time); ok {
		elapsed = time.Since(start)
	}

	// The body has to be consumed to know its size; hand the caller a
	// replayable copy. Reads are capped so a huge response can't blow up
	// memory, at the cost of under-reporting its size.
	body, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBodyBytes))
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	resp.Header.Set(DurationHeader, strconv.FormatInt(elapsed.Milliseconds(), 10))
	resp.Header.Set(ResponseSizeHeader, strconv.Itoa(len(body)))
	return resp, nil
}

// Result carries the measurements of one completed probe.
type Result struct {
	StatusCode        int
	Duration          time.Duration
	ResponseSizeBytes int64
}

// Client is an outbound HTTP client with monitoring attached.
type Client struct {
	hc *http.Client
}

// Options tune the probe client. Zero values mean a 30s timeout and a 10MiB
// response size cap.
type Options struct {
	Timeout      time.Duration
	MaxBodyBytes int64
}

func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &Client{
		hc: &http.Client{
			Timeout: opts.Timeout,
			Transport: &monitorTransport{
				next:         http.DefaultTransport,
				maxBodyBytes: opts.MaxBodyBytes,
			},
		},
	}
}

// Do performs one probe. Any received response, including 4xx/5xx, returns
// a Result and nil error; a non-nil error means no response was obtained at
// all (network, DNS, TLS, timeout).
func (c *Client) Do(ctx context.Context, method, url string, headers map[string]string, body string) (Result, error) {
	if method == "" {
		method = http.MethodGet
	}
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), url, reader)
	if err != nil {
		return Result{}, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused; the transport already buffered
	// the bytes that count toward the size measurement.
	_, _ = io.Copy(io.Discard, resp.Body)

	durationMS, _ := strconv.ParseInt(resp.Header.Get(DurationHeader), 10, 64)
	size, _ := strconv.ParseInt(resp.Header.Get(ResponseSizeHeader), 10, 64)
	return Result{
		StatusCode:        resp.StatusCode,
		Duration:          time.Duration(durationMS) * time.Millisecond,
		ResponseSizeBytes: size,
	}, nil
}
