package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mediagrab/mediagrab/internal/config"
	"github.com/mediagrab/mediagrab/internal/grab"
	"github.com/mediagrab/mediagrab/internal/metrics"
	"github.com/mediagrab/mediagrab/internal/queue"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Storage.Provider = "memory"
	cfg.Publisher.Provider = "memory"
	cfg.Diagnostics.Dir = t.TempDir()
	return cfg
}

// TestNewWiresSubsystems verifies the memory-provider graph builds and
// shuts down cleanly without ever launching a rendering engine.
func TestNewWiresSubsystems(t *testing.T) {
	t.Parallel()

	metrics.Init()
	ctx := context.Background()
	orch, err := New(ctx, testConfig(t), zap.NewNop())
	require.NoError(t, err)

	stats := orch.GetStats()
	require.False(t, stats.Pool.EngineRunning)
	require.Equal(t, 3, stats.Queue.MaxConcurrent)
	require.Equal(t, 15, stats.Admission.MaxPerMinute)

	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, orch.Shutdown(shutdownCtx))
}

// TestSubmitValidationSurfaces verifies input errors pass through the
// facade untouched.
func TestSubmitValidationSurfaces(t *testing.T) {
	t.Parallel()

	metrics.Init()
	orch, err := New(context.Background(), testConfig(t), zap.NewNop())
	require.NoError(t, err)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	}()

	_, err = orch.Submit(nil, grab.DestinationContext{Directory: "out"})
	require.ErrorIs(t, err, grab.ErrInvalidInput)

	_, err = orch.GetStatus("no-such-batch")
	require.ErrorIs(t, err, queue.ErrBatchNotFound)
}

// TestNewRejectsUnknownProviders verifies provider typos fail fast.
func TestNewRejectsUnknownProviders(t *testing.T) {
	t.Parallel()

	metrics.Init()
	cfg := testConfig(t)
	cfg.Storage.Provider = "tape"
	_, err := New(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)

	cfg = testConfig(t)
	cfg.Publisher.Provider = "carrier-pigeon"
	_, err = New(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
}

// TestNewHonorsHeadlessDisable verifies disabling the rendering engine
// drops the session-render strategy from the chain.
func TestNewHonorsHeadlessDisable(t *testing.T) {
	t.Parallel()

	metrics.Init()
	cfg := testConfig(t)
	cfg.Pool.HeadlessDisable = true
	orch, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	}()

	require.Len(t, orch.strategies, 3)
	for _, s := range orch.strategies {
		require.NotEqual(t, "session-render", s.Name())
	}

	full, err := New(context.Background(), testConfig(t), zap.NewNop())
	require.NoError(t, err)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = full.Shutdown(ctx)
	}()
	require.Len(t, full.strategies, 4)
	require.Equal(t, "session-render", full.strategies[len(full.strategies)-1].Name())
}
