package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/mediagrab/mediagrab/internal/capture"
	"github.com/mediagrab/mediagrab/internal/grab"
	"github.com/mediagrab/mediagrab/internal/pool"
)

// RenderConfig controls the session-backed strategy.
type RenderConfig struct {
	// HostQPS caps render-driven traffic per remote host, on top of
	// global admission control. Zero disables the budget.
	HostQPS float64
	// DownloadTimeout bounds each candidate download.
	DownloadTimeout time.Duration
}

// RenderStrategy is the last resort in the chain: it leases a session
// from the pool, drives the extraction adapter against the rendered
// page, drains the capture channel, and downloads the best candidate.
type RenderStrategy struct {
	cfg          RenderConfig
	pool         *pool.Pool
	extractor    grab.Extractor
	cache        *capture.Cache
	downloader   *resty.Client
	hostLimiters sync.Map
}

// NewRender builds a RenderStrategy.
func NewRender(cfg RenderConfig, p *pool.Pool, extractor grab.Extractor, cache *capture.Cache) *RenderStrategy {
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = 60 * time.Second
	}
	return &RenderStrategy{
		cfg:        cfg,
		pool:       p,
		extractor:  extractor,
		cache:      cache,
		downloader: resty.New().SetTimeout(cfg.DownloadTimeout),
	}
}

// Name identifies the strategy in job attempt records.
func (s *RenderStrategy) Name() string {
	return "session-render"
}

// Attempt renders the locator in a leased session and downloads a
// captured media candidate. Cached captures from an earlier render are
// tried first, skipping the session entirely. A session lost under us
// surfaces as grab.ErrSessionLost for the job's own chain to handle;
// an engine launch failure propagates as-is.
func (s *RenderStrategy) Attempt(ctx context.Context, locator string) (grab.Payload, error) {
	start := time.Now()

	if cached, ok := s.cache.Get(locator); ok {
		if payload, err := s.downloadBest(ctx, cached, start); err == nil {
			return payload, nil
		}
		// Stale captures; render fresh ones.
	}

	if err := s.waitHostBudget(ctx, locator); err != nil {
		return grab.Payload{}, err
	}

	sess, err := s.pool.Acquire(ctx)
	if err != nil {
		return grab.Payload{}, err
	}
	defer s.pool.Release(sess)

	candidates, err := s.extract(sess, locator)
	if err != nil {
		if sess.Lost() && ctx.Err() == nil {
			return grab.Payload{}, fmt.Errorf("%w: %v", grab.ErrSessionLost, err)
		}
		return grab.Payload{}, err
	}
	s.cache.Put(locator, candidates)

	return s.downloadBest(ctx, candidates, start)
}

// extract runs the adapter and drains its capture channel for the
// operation's lifetime.
func (s *RenderStrategy) extract(sess *pool.Session, locator string) ([]grab.MediaCandidate, error) {
	captures := make(chan grab.MediaCandidate, 32)
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.extractor.Extract(sess.Context(), locator, captures)
		close(captures)
	}()

	seen := make(map[string]struct{})
	var candidates []grab.MediaCandidate
	for c := range captures {
		if _, dup := seen[c.URL]; dup {
			continue
		}
		seen[c.URL] = struct{}{}
		candidates = append(candidates, c)
	}
	err := <-errCh
	if err != nil {
		// A not-found from the adapter only covers the rendered DOM;
		// candidates observed on the wire still count.
		if !errors.Is(err, grab.ErrNotFound) || len(candidates) == 0 {
			return nil, err
		}
	}
	if len(candidates) == 0 {
		return nil, grab.ErrNotFound
	}
	return candidates, nil
}

// downloadBest fetches candidates in preference order (video first)
// and returns the first non-empty payload.
func (s *RenderStrategy) downloadBest(ctx context.Context, candidates []grab.MediaCandidate, start time.Time) (grab.Payload, error) {
	ordered := make([]grab.MediaCandidate, len(candidates))
	copy(ordered, candidates)
	sort.SliceStable(ordered, func(i, j int) bool {
		return mediaRank(ordered[i].Type) < mediaRank(ordered[j].Type)
	})

	var lastErr error
	for _, c := range ordered {
		resp, err := s.downloader.R().SetContext(ctx).Get(c.URL)
		if err != nil {
			lastErr = fmt.Errorf("%w: download %s: %v", grab.ErrFetchFailed, c.Type, err)
			continue
		}
		if err := statusToError(resp.StatusCode(), s.Name()); err != nil {
			lastErr = err
			continue
		}
		body := resp.Body()
		if len(body) == 0 {
			lastErr = fmt.Errorf("%w: empty %s body", grab.ErrFetchFailed, c.Type)
			continue
		}
		return grab.Payload{
			Body:     body,
			FinalURL: c.URL,
			Strategy: s.Name(),
			Duration: time.Since(start),
		}, nil
	}
	if lastErr == nil {
		lastErr = grab.ErrNotFound
	}
	return grab.Payload{}, lastErr
}

func mediaRank(kind string) int {
	if kind == "video" {
		return 0
	}
	return 1
}

func (s *RenderStrategy) waitHostBudget(ctx context.Context, locator string) error {
	if s.cfg.HostQPS <= 0 {
		return nil
	}
	parsed, err := url.Parse(locator)
	if err != nil {
		return fmt.Errorf("%w: parse locator: %v", grab.ErrFetchFailed, err)
	}
	host := strings.ToLower(parsed.Host)
	val, _ := s.hostLimiters.LoadOrStore(host, rate.NewLimiter(rate.Limit(s.cfg.HostQPS), 1))
	limiter, ok := val.(*rate.Limiter)
	if !ok {
		return fmt.Errorf("unexpected limiter type %T", val)
	}
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("host budget wait: %w", err)
	}
	return nil
}
