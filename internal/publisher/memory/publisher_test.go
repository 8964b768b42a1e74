package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mediagrab/mediagrab/internal/grab"
)

// TestPublishRecordsMessages verifies publishes are recorded in order
// with distinct IDs.
func TestPublishRecordsMessages(t *testing.T) {
	t.Parallel()

	p := New()
	id1, err := p.Publish(context.Background(), "batch-completions", grab.CompletionEvent{BatchID: "a"})
	require.NoError(t, err)
	id2, err := p.Publish(context.Background(), "batch-completions", grab.CompletionEvent{BatchID: "b"})
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	msgs := p.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "batch-completions", msgs[0].Topic)
	event, ok := msgs[0].Payload.(grab.CompletionEvent)
	require.True(t, ok)
	require.Equal(t, "a", event.BatchID)
}
