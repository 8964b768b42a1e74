package fetch

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/mediagrab/mediagrab/internal/grab"
)

// CollyStrategy fetches through a colly collector, which carries its
// own cookie jar and connection pool. Remotes that fingerprint the
// bare resty clients sometimes accept it.
type CollyStrategy struct {
	userAgent string
	timeout   time.Duration
	base      *colly.Collector
}

// NewColly builds a CollyStrategy.
func NewColly(userAgent string, timeout time.Duration) *CollyStrategy {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	c.WithTransport(newHTTPTransport())
	return &CollyStrategy{
		userAgent: userAgent,
		timeout:   timeout,
		base:      c,
	}
}

// Name identifies the strategy in job attempt records.
func (s *CollyStrategy) Name() string {
	return "http-colly"
}

// Attempt executes a single visit on a cloned collector.
func (s *CollyStrategy) Attempt(ctx context.Context, locator string) (grab.Payload, error) {
	collector := s.base.Clone()
	if s.userAgent != "" {
		collector.UserAgent = s.userAgent
	}
	collector.SetRequestTimeout(s.timeout)

	var (
		payload  grab.Payload
		fetchErr error
	)
	start := time.Now()
	collector.OnResponse(func(r *colly.Response) {
		payload = grab.Payload{
			Body:     append([]byte(nil), r.Body...),
			FinalURL: r.Request.URL.String(),
			Strategy: s.Name(),
			Duration: time.Since(start),
		}
		fetchErr = statusToError(r.StatusCode, s.Name())
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			fetchErr = statusToError(r.StatusCode, s.Name())
			return
		}
		fetchErr = fmt.Errorf("%w: %s: %v", grab.ErrFetchFailed, s.Name(), err)
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(locator)
	}()

	select {
	case <-ctx.Done():
		return grab.Payload{}, fmt.Errorf("%w: %s: %v", grab.ErrFetchFailed, s.Name(), ctx.Err())
	case err := <-done:
		if fetchErr != nil {
			return grab.Payload{}, fetchErr
		}
		if err != nil {
			return grab.Payload{}, fmt.Errorf("%w: %s: %v", grab.ErrFetchFailed, s.Name(), err)
		}
		return payload, nil
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
