package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mediagrab/mediagrab/internal/capture"
	"github.com/mediagrab/mediagrab/internal/clock/system"
	"github.com/mediagrab/mediagrab/internal/grab"
	"github.com/mediagrab/mediagrab/internal/metrics"
	"github.com/mediagrab/mediagrab/internal/pool"
)

type stubEngine struct {
	lastCancel context.CancelFunc
}

func (e *stubEngine) NewSession() (context.Context, context.CancelFunc, error) {
	ctx, cancel := context.WithCancel(context.Background())
	e.lastCancel = cancel
	return ctx, cancel, nil
}

func (e *stubEngine) Close() {}

type stubLauncher struct {
	engine *stubEngine
}

func (l *stubLauncher) Launch(context.Context) (pool.Engine, error) {
	return l.engine, nil
}

type stubExtractor struct {
	calls      int64
	candidates []grab.MediaCandidate
	err        error
	sever      func()
}

func (e *stubExtractor) Extract(_ context.Context, _ string, captures chan<- grab.MediaCandidate) error {
	atomic.AddInt64(&e.calls, 1)
	for _, c := range e.candidates {
		captures <- c
	}
	if e.sever != nil {
		e.sever()
	}
	return e.err
}

func newRenderHarness(t *testing.T, extractor grab.Extractor) (*RenderStrategy, *capture.Cache) {
	t.Helper()
	metrics.Init()
	engine := &stubEngine{}
	p := pool.New(pool.Config{MaxSessions: 4, MaxRequests: 100},
		&stubLauncher{engine: engine}, system.New(), zap.NewNop())
	t.Cleanup(p.Close)
	cache := capture.New(16, time.Minute, system.New())
	t.Cleanup(cache.Close)
	return NewRender(RenderConfig{DownloadTimeout: 5 * time.Second}, p, extractor, cache), cache
}

// TestRenderAttemptDownloadsBestCandidate verifies a rendered capture
// is downloaded, preferring video over image.
func TestRenderAttemptDownloadsBestCandidate(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()
	mux.HandleFunc("/clip.mp4", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("video-bytes"))
	})
	mux.HandleFunc("/poster.jpg", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("image-bytes"))
	})

	extractor := &stubExtractor{candidates: []grab.MediaCandidate{
		{Type: "image", URL: srv.URL + "/poster.jpg"},
		{Type: "video", URL: srv.URL + "/clip.mp4"},
	}}
	s, _ := newRenderHarness(t, extractor)

	payload, err := s.Attempt(context.Background(), "https://example.com/p/1")
	require.NoError(t, err)
	require.Equal(t, []byte("video-bytes"), payload.Body)
	require.Equal(t, "session-render", payload.Strategy)
}

// TestRenderAttemptUsesCache verifies a second attempt for the same
// locator reuses cached captures without re-rendering.
func TestRenderAttemptUsesCache(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("video-bytes"))
	}))
	defer srv.Close()

	extractor := &stubExtractor{candidates: []grab.MediaCandidate{
		{Type: "video", URL: srv.URL + "/clip.mp4"},
	}}
	s, cache := newRenderHarness(t, extractor)

	_, err := s.Attempt(context.Background(), "https://example.com/p/1")
	require.NoError(t, err)
	require.Equal(t, 1, cache.Len())

	_, err = s.Attempt(context.Background(), "https://example.com/p/1")
	require.NoError(t, err)
	require.EqualValues(t, 1, atomic.LoadInt64(&extractor.calls))
}

// TestRenderAttemptWireCaptureWithoutMetaTags verifies a candidate
// observed on the wire is downloaded even when the rendered DOM holds
// no media references and the adapter reports not-found.
func TestRenderAttemptWireCaptureWithoutMetaTags(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("video-bytes"))
	}))
	defer srv.Close()

	extractor := &stubExtractor{
		candidates: []grab.MediaCandidate{
			{Type: "video", URL: srv.URL + "/stream.mp4"},
		},
		err: grab.ErrNotFound,
	}
	s, _ := newRenderHarness(t, extractor)

	payload, err := s.Attempt(context.Background(), "https://example.com/p/1")
	require.NoError(t, err)
	require.Equal(t, []byte("video-bytes"), payload.Body)
}

// TestRenderAttemptNoCandidates verifies an empty extraction maps to
// not-found.
func TestRenderAttemptNoCandidates(t *testing.T) {
	t.Parallel()

	s, _ := newRenderHarness(t, &stubExtractor{})
	_, err := s.Attempt(context.Background(), "https://example.com/p/1")
	require.ErrorIs(t, err, grab.ErrNotFound)
}

// TestRenderAttemptExtractorError verifies adapter errors pass through
// when the session is still healthy.
func TestRenderAttemptExtractorError(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("navigation refused")
	s, _ := newRenderHarness(t, &stubExtractor{err: wantErr})
	_, err := s.Attempt(context.Background(), "https://example.com/p/1")
	require.ErrorIs(t, err, wantErr)
}

// TestRenderAttemptSessionLost verifies a session severed mid-render
// maps to the lost-session error rather than the raw adapter failure.
func TestRenderAttemptSessionLost(t *testing.T) {
	t.Parallel()

	engine := &stubEngine{}
	extractor := &stubExtractor{err: errors.New("target crashed")}
	extractor.sever = func() {
		if engine.lastCancel != nil {
			engine.lastCancel()
		}
	}
	metrics.Init()
	p := pool.New(pool.Config{MaxSessions: 4, MaxRequests: 100},
		&stubLauncher{engine: engine}, system.New(), zap.NewNop())
	t.Cleanup(p.Close)
	cache := capture.New(16, time.Minute, system.New())
	t.Cleanup(cache.Close)
	s := NewRender(RenderConfig{DownloadTimeout: 5 * time.Second}, p, extractor, cache)

	_, err := s.Attempt(context.Background(), "https://example.com/p/1")
	require.ErrorIs(t, err, grab.ErrSessionLost)
}

// TestRenderHostBudgetSpacesAcquires verifies the per-host budget
// delays back-to-back renders of the same host.
func TestRenderHostBudgetSpacesAcquires(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("video-bytes"))
	}))
	defer srv.Close()

	extractor := &stubExtractor{candidates: []grab.MediaCandidate{
		{Type: "video", URL: srv.URL + "/clip.mp4"},
	}}
	engine := &stubEngine{}
	metrics.Init()
	p := pool.New(pool.Config{MaxSessions: 4, MaxRequests: 100},
		&stubLauncher{engine: engine}, system.New(), zap.NewNop())
	t.Cleanup(p.Close)
	cache := capture.New(16, time.Minute, system.New())
	t.Cleanup(cache.Close)
	s := NewRender(RenderConfig{HostQPS: 10, DownloadTimeout: 5 * time.Second}, p, extractor, cache)

	start := time.Now()
	_, err := s.Attempt(context.Background(), "https://example.com/p/1")
	require.NoError(t, err)
	// Different path, same host; the cache misses and the budget must
	// space the second render.
	_, err = s.Attempt(context.Background(), "https://example.com/p/2")
	require.NoError(t, err)
	require.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}
