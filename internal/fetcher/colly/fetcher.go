// Package collyfetcher implements the fetch collaborator using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/fetchfleet/fetchfleet/internal/fleet"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
}

// Fetcher implements fleet.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
}

// New builds a Fetcher with a pooled transport shared across fetches.
func New(cfg Config) *Fetcher {
	c := colly.NewCollector(colly.Async(false))
	transport := newHTTPTransport()
	c.WithTransport(transport)

	return &Fetcher{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
	}
}

// Fetch executes a single HTTP request. HTTP error statuses are returned
// in the response, not as errors; the caller classifies them.
func (f *Fetcher) Fetch(ctx context.Context, request fleet.FetchRequest) (fleet.FetchResponse, error) {
	var (
		result   fleet.FetchResponse
		fetchErr error
	)
	start := time.Now()
	collector := f.buildCollector(request, start, &result, &fetchErr)

	if err := f.visit(ctx, collector, request, &result, &fetchErr); err != nil {
		return fleet.FetchResponse{}, err
	}
	return result, nil
}

func (f *Fetcher) buildCollector(
	request fleet.FetchRequest,
	start time.Time,
	result *fleet.FetchResponse,
	fetchErr *error,
) *colly.Collector {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	timeout := f.cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	collector.SetRequestTimeout(timeout)
	collector.WithTransport(f.transport)

	collector.OnRequest(func(r *colly.Request) {
		copyHeaders(request.Headers, r)
	})

	collector.OnResponse(func(r *colly.Response) {
		*result = fleet.FetchResponse{
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			// The server answered; surface the status instead of the
			// transport-level error colly wraps it in.
			*result = fleet.FetchResponse{
				StatusCode: r.StatusCode,
				Headers:    headersOrEmpty(r),
				Body:       append([]byte(nil), r.Body...),
				Duration:   time.Since(start),
			}
			return
		}
		*fetchErr = err
	})

	return collector
}

// visit runs the request in a goroutine so a canceled context unblocks
// the caller even when colly is mid-dial.
func (f *Fetcher) visit(
	ctx context.Context,
	collector *colly.Collector,
	request fleet.FetchRequest,
	result *fleet.FetchResponse,
	fetchErr *error,
) error {
	done := make(chan error, 1)
	go func() {
		done <- f.issue(collector, request)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("fetch %s: %w", request.Target, *fetchErr)
		}
		if err != nil && result.StatusCode == 0 {
			return fmt.Errorf("fetch %s: %w", request.Target, err)
		}
		return nil
	}
}

func (f *Fetcher) issue(collector *colly.Collector, request fleet.FetchRequest) error {
	switch strings.ToUpper(request.Method) {
	case http.MethodPost:
		return collector.Post(request.Target, request.Params)
	case http.MethodHead:
		return collector.Head(withQuery(request.Target, request.Params))
	default:
		return collector.Visit(withQuery(request.Target, request.Params))
	}
}

// withQuery appends task parameters to the target's query string.
func withQuery(target string, params map[string]string) string {
	if len(params) == 0 {
		return target
	}
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func copyHeaders(headers http.Header, r *colly.Request) {
	for key, values := range headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func headersOrEmpty(r *colly.Response) http.Header {
	if r.Headers == nil {
		return http.Header{}
	}
	return r.Headers.Clone()
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
