package extract

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mediagrab/mediagrab/internal/grab"
)

func drain(captures chan grab.MediaCandidate) []grab.MediaCandidate {
	close(captures)
	var out []grab.MediaCandidate
	for c := range captures {
		out = append(out, c)
	}
	return out
}

// TestPushMetaCandidates verifies OpenGraph and video-element
// references become candidates with the right kinds.
func TestPushMetaCandidates(t *testing.T) {
	t.Parallel()

	html := `<html><head>
<meta property="og:video" content="https://cdn.example.com/a.mp4"/>
<meta property="og:video:secure_url" content="https://cdn.example.com/b.mp4"/>
<meta property="og:image" content="https://cdn.example.com/poster.jpg"/>
</head><body>
<video src="https://cdn.example.com/inline.mp4"></video>
<video><source src="https://cdn.example.com/source.mp4"/></video>
</body></html>`

	e := &MetaTagExtractor{}
	captures := make(chan grab.MediaCandidate, 16)
	found, err := e.pushMetaCandidates(html, captures)
	require.NoError(t, err)
	require.True(t, found)

	got := drain(captures)
	var videos, images []string
	for _, c := range got {
		switch c.Type {
		case "video":
			videos = append(videos, c.URL)
		case "image":
			images = append(images, c.URL)
		}
	}
	require.ElementsMatch(t, []string{
		"https://cdn.example.com/a.mp4",
		"https://cdn.example.com/b.mp4",
		"https://cdn.example.com/inline.mp4",
		"https://cdn.example.com/source.mp4",
	}, videos)
	require.Equal(t, []string{"https://cdn.example.com/poster.jpg"}, images)
}

// TestPushMetaCandidatesEmptyPage verifies a page without media
// references reports nothing found.
func TestPushMetaCandidatesEmptyPage(t *testing.T) {
	t.Parallel()

	e := &MetaTagExtractor{}
	captures := make(chan grab.MediaCandidate, 4)
	found, err := e.pushMetaCandidates("<html><body><p>text only</p></body></html>", captures)
	require.NoError(t, err)
	require.False(t, found)
	require.Empty(t, drain(captures))
}

// TestPushMetaCandidatesIgnoresEmptyAttrs verifies blank content
// attributes are skipped.
func TestPushMetaCandidatesIgnoresEmptyAttrs(t *testing.T) {
	t.Parallel()

	e := &MetaTagExtractor{}
	captures := make(chan grab.MediaCandidate, 4)
	found, err := e.pushMetaCandidates(
		`<html><head><meta property="og:video" content=""/></head></html>`, captures)
	require.NoError(t, err)
	require.False(t, found)
	require.Empty(t, drain(captures))
}

// TestWaitCapture verifies the post-render capture window elapses
// fully and is cut short by context cancellation.
func TestWaitCapture(t *testing.T) {
	t.Parallel()

	e := &MetaTagExtractor{}
	require.NoError(t, e.waitCapture(context.Background()))

	e.CaptureWait = 20 * time.Millisecond
	start := time.Now()
	require.NoError(t, e.waitCapture(context.Background()))
	require.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)

	e.CaptureWait = 10 * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := e.waitCapture(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
