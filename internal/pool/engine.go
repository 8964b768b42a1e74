package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
)

// ChromeConfig controls the headless Chrome launcher.
type ChromeConfig struct {
	UserAgent  string
	NavTimeout time.Duration
}

// ChromeLauncher launches headless Chrome engines via chromedp.
type ChromeLauncher struct {
	cfg ChromeConfig
}

// NewChromeLauncher constructs a ChromeLauncher.
func NewChromeLauncher(cfg ChromeConfig) *ChromeLauncher {
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 2 * time.Minute
	}
	return &ChromeLauncher{cfg: cfg}
}

// Launch starts a browser process and warms it up. The returned engine
// hands out tab contexts as sessions.
func (l *ChromeLauncher) Launch(_ context.Context) (Engine, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if l.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(l.cfg.UserAgent))
	}
	// The allocator hangs off Background, not the caller's context:
	// the engine outlives the acquire that launched it.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}
	return &chromeEngine{
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		allocCancel:   allocCancel,
		navTimeout:    l.cfg.NavTimeout,
	}, nil
}

type chromeEngine struct {
	browserCtx    context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc
	navTimeout    time.Duration
}

// NewSession opens a fresh tab bound to the shared browser, capped by
// the navigation timeout.
func (e *chromeEngine) NewSession() (context.Context, context.CancelFunc, error) {
	tabCtx, tabCancel := chromedp.NewContext(e.browserCtx)
	ctx, timeoutCancel := context.WithTimeout(tabCtx, e.navTimeout)
	cancel := func() {
		timeoutCancel()
		tabCancel()
	}
	return ctx, cancel, nil
}

func (e *chromeEngine) Close() {
	e.browserCancel()
	e.allocCancel()
}
