// Package extract contains extraction adapters that turn a rendered
// page into media candidates.
package extract

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/mediagrab/mediagrab/internal/grab"
)

// MetaTagExtractor is the default adapter: it renders the target,
// reads OpenGraph media tags from the settled DOM, and additionally
// captures media documents observed on the wire. Site-specific
// adapters replace it behind grab.Extractor.
type MetaTagExtractor struct {
	// SettleDelay lets late-loading content land before the DOM is read.
	SettleDelay time.Duration
	// CaptureWait keeps the page open after the DOM read so in-flight
	// media responses can still reach the wire listener.
	CaptureWait time.Duration
}

// Extract navigates the session to the locator and pushes every media
// reference it finds into captures. The caller owns the channel and
// drains it for the operation's lifetime; sends never block (full
// channel drops the candidate rather than wedging the CDP event loop).
func (e *MetaTagExtractor) Extract(ctx context.Context, locator string, captures chan<- grab.MediaCandidate) error {
	chromedp.ListenTarget(ctx, func(ev interface{}) {
		resp, ok := ev.(*network.EventResponseReceived)
		if !ok || resp.Response == nil {
			return
		}
		if resp.Type != network.ResourceTypeMedia {
			return
		}
		candidate := grab.MediaCandidate{
			Type:          "video",
			URL:           resp.Response.URL,
			EstimatedSize: int64(resp.Response.EncodedDataLength),
		}
		select {
		case captures <- candidate:
		default:
		}
	})

	settle := e.SettleDelay
	if settle <= 0 {
		settle = 500 * time.Millisecond
	}

	var html string
	tasks := chromedp.Tasks{
		network.Enable(),
		chromedp.Navigate(locator),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(settle),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(ctx, tasks); err != nil {
		return fmt.Errorf("render target: %w", err)
	}
	if err := e.waitCapture(ctx); err != nil {
		return err
	}

	found, err := e.pushMetaCandidates(html, captures)
	if err != nil {
		return err
	}
	if !found {
		return grab.ErrNotFound
	}
	return nil
}

// waitCapture holds the session open so late media responses land
// before the adapter reports its result.
func (e *MetaTagExtractor) waitCapture(ctx context.Context) error {
	if e.CaptureWait <= 0 {
		return nil
	}
	timer := time.NewTimer(e.CaptureWait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("capture wait: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func (e *MetaTagExtractor) pushMetaCandidates(html string, captures chan<- grab.MediaCandidate) (bool, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return false, fmt.Errorf("%w: parse rendered dom: %v", grab.ErrStructureChanged, err)
	}

	found := false
	push := func(kind, url string) {
		if url == "" {
			return
		}
		found = true
		select {
		case captures <- grab.MediaCandidate{Type: kind, URL: url}:
		default:
		}
	}

	doc.Find("meta[property='og:video'], meta[property='og:video:url'], meta[property='og:video:secure_url']").
		Each(func(_ int, s *goquery.Selection) {
			push("video", s.AttrOr("content", ""))
		})
	doc.Find("video source[src], video[src]").Each(func(_ int, s *goquery.Selection) {
		push("video", s.AttrOr("src", ""))
	})
	doc.Find("meta[property='og:image'], meta[property='og:image:url']").
		Each(func(_ int, s *goquery.Selection) {
			push("image", s.AttrOr("content", ""))
		})

	return found, nil
}
