package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mediagrab/mediagrab/internal/grab"
)

// TestStatusToErrorMapping verifies status codes land in the right
// taxonomy bucket.
func TestStatusToErrorMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status int
		want   error
	}{
		{http.StatusOK, nil},
		{http.StatusPartialContent, nil},
		{http.StatusTooManyRequests, grab.ErrRateLimited},
		{http.StatusForbidden, grab.ErrBlocked},
		{http.StatusUnavailableForLegalReasons, grab.ErrBlocked},
		{http.StatusNotFound, grab.ErrFetchFailed},
		{http.StatusBadGateway, grab.ErrFetchFailed},
	}
	for _, tc := range cases {
		err := statusToError(tc.status, "test")
		if tc.want == nil {
			require.NoError(t, err, "status %d", tc.status)
			continue
		}
		require.ErrorIs(t, err, tc.want, "status %d", tc.status)
	}
}

// TestRestyAttemptSuccess verifies headers and payload flow through the
// resty strategy.
func TestRestyAttemptSuccess(t *testing.T) {
	t.Parallel()

	profile := MobileProfile()
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		_, _ = w.Write([]byte("<html>mobile page</html>"))
	}))
	defer srv.Close()

	s := NewResty(profile, 5*time.Second)
	require.Equal(t, "http-mobile", s.Name())

	payload, err := s.Attempt(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, []byte("<html>mobile page</html>"), payload.Body)
	require.Equal(t, "http-mobile", payload.Strategy)
	require.Equal(t, profile.UserAgent, gotUA)
}

// TestRestyAttemptTaxonomy verifies error statuses map through.
func TestRestyAttemptTaxonomy(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	s := NewResty(DesktopProfile(), 5*time.Second)
	_, err := s.Attempt(context.Background(), srv.URL)
	require.ErrorIs(t, err, grab.ErrRateLimited)
}

// TestRestyAttemptFollowsRedirects verifies the final URL is reported
// after redirects.
func TestRestyAttemptFollowsRedirects(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/final", http.StatusFound)
	})
	mux.HandleFunc("/final", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>landed</html>"))
	})

	s := NewResty(DesktopProfile(), 5*time.Second)
	payload, err := s.Attempt(context.Background(), srv.URL+"/start")
	require.NoError(t, err)
	require.Equal(t, srv.URL+"/final", payload.FinalURL)
}

// TestCollyAttempt verifies the colly strategy fetches and maps error
// statuses.
func TestCollyAttempt(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>colly page</html>"))
	})
	mux.HandleFunc("/blocked", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	s := NewColly("test-agent", 5*time.Second)
	require.Equal(t, "http-colly", s.Name())

	payload, err := s.Attempt(context.Background(), srv.URL+"/ok")
	require.NoError(t, err)
	require.Equal(t, []byte("<html>colly page</html>"), payload.Body)

	_, err = s.Attempt(context.Background(), srv.URL+"/blocked")
	require.ErrorIs(t, err, grab.ErrBlocked)
}

// TestMediaRankPrefersVideo verifies candidate ordering.
func TestMediaRankPrefersVideo(t *testing.T) {
	t.Parallel()

	require.Less(t, mediaRank("video"), mediaRank("image"))
	require.Equal(t, mediaRank("image"), mediaRank("unknown"))
}
