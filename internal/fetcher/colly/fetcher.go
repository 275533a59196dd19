// Package collyfetcher implements crawler.Transport using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
)

const defaultTimeout = 15 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Fetcher implements crawler.Transport using the Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

type result struct {
	status int
	body   []byte
	err    error
}

// New builds a Fetcher. The collector revisits URLs freely (retries hit the
// same URL) and skips robots.txt, which does not apply to the JSON API.
func New(cfg Config) *Fetcher {
	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
	)
	c.IgnoreRobotsTxt = true
	c.ParseHTTPErrorResponse = true
	c.WithTransport(newHTTPTransport())
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	// Clones share the backend, so the timeout is set once here.
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	c.SetRequestTimeout(timeout)
	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
	}
}

// Get executes a single HTTP GET. Non-2xx statuses are returned with a nil
// error; only transport failures produce an error.
func (f *Fetcher) Get(ctx context.Context, url string, headers map[string]string) (int, []byte, error) {
	res := &result{}
	collector := f.buildCollector(headers, res)
	out, err := f.runCollector(ctx, collector, url, res)
	if err != nil {
		return out.status, nil, err
	}
	return out.status, out.body, nil
}

func (f *Fetcher) buildCollector(headers map[string]string, res *result) *colly.Collector {
	collector := f.baseCollector.Clone()
	f.configureCollectorHooks(collector, headers, res)
	return collector
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, headers map[string]string, res *result) {
	hooks.OnRequest(func(r *colly.Request) {
		for key, value := range headers {
			if value != "" {
				r.Headers.Set(key, value)
			}
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		res.status = r.StatusCode
		res.body = append([]byte(nil), r.Body...)
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			res.status = r.StatusCode
		}
		res.err = err
	})
}

// runCollector visits url and returns a copy of res once the visit ends. A
// canceled visit keeps running in the background and still owns res, so
// the canceled path returns a zero result without reading it.
func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, res *result) (result, error) {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return result{}, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		out := *res
		if err != nil {
			return out, fmt.Errorf("colly visit failed: %w", err)
		}
		if out.err != nil {
			return out, fmt.Errorf("colly response failed: %w", out.err)
		}
		return out, nil
	}
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
