package fetch

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/mediagrab/mediagrab/internal/grab"
)

// Profile is one identity the plain HTTP strategies present to the
// remote. Varying it between chain entries is the cheapest way around
// identity-keyed blocking.
type Profile struct {
	Name      string
	UserAgent string
	Headers   map[string]string
}

// DesktopProfile mimics a desktop browser.
func DesktopProfile() Profile {
	return Profile{
		Name:      "http-desktop",
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36",
		Headers: map[string]string{
			"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
			"Accept-Language": "en-US,en;q=0.9",
		},
	}
}

// MobileProfile mimics a phone browser; some remotes serve lighter,
// less defended markup to it.
func MobileProfile() Profile {
	return Profile{
		Name:      "http-mobile",
		UserAgent: "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1",
		Headers: map[string]string{
			"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
			"Accept-Language": "en-US,en;q=0.9",
		},
	}
}

// RestyStrategy performs a lightweight network fetch with one profile.
type RestyStrategy struct {
	profile Profile
	client  *resty.Client
}

// NewResty builds a RestyStrategy with its own pooled client.
func NewResty(profile Profile, timeout time.Duration) *RestyStrategy {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(5)).
		SetHeader("User-Agent", profile.UserAgent)
	return &RestyStrategy{profile: profile, client: client}
}

// Name identifies the strategy in job attempt records.
func (s *RestyStrategy) Name() string {
	return s.profile.Name
}

// Attempt executes a single GET under the strategy's identity.
func (s *RestyStrategy) Attempt(ctx context.Context, locator string) (grab.Payload, error) {
	start := time.Now()
	resp, err := s.client.R().
		SetContext(ctx).
		SetHeaders(s.profile.Headers).
		Get(locator)
	if err != nil {
		return grab.Payload{}, fmt.Errorf("%w: %s: %v", grab.ErrFetchFailed, s.profile.Name, err)
	}
	if err := statusToError(resp.StatusCode(), s.profile.Name); err != nil {
		return grab.Payload{}, err
	}
	return grab.Payload{
		Body:     resp.Body(),
		FinalURL: resp.RawResponse.Request.URL.String(),
		Strategy: s.profile.Name,
		Duration: time.Since(start),
	}, nil
}

// statusToError maps HTTP status codes onto the failure taxonomy.
func statusToError(status int, strategy string) error {
	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s: status %d", grab.ErrRateLimited, strategy, status)
	case status == http.StatusForbidden, status == http.StatusUnavailableForLegalReasons:
		return fmt.Errorf("%w: %s: status %d", grab.ErrBlocked, strategy, status)
	case status >= 400:
		return fmt.Errorf("%w: %s: status %d", grab.ErrFetchFailed, strategy, status)
	default:
		return nil
	}
}
