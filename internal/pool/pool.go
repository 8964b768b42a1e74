// Package pool manages the single headless rendering engine and lends
// bounded, short-lived sessions to callers.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mediagrab/mediagrab/internal/grab"
	"github.com/mediagrab/mediagrab/internal/metrics"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("session pool closed")

// Engine is a live rendering engine instance. At most one exists per
// pool at any time.
type Engine interface {
	// NewSession opens a per-operation handle bound to the engine.
	NewSession() (context.Context, context.CancelFunc, error)
	// Close tears the engine down, severing all open handles.
	Close()
}

// Launcher starts engine instances. Seam for tests.
type Launcher interface {
	Launch(ctx context.Context) (Engine, error)
}

// MemorySampler reports process resident memory in MB.
type MemorySampler func() (float64, error)

// Config controls Pool behavior.
type Config struct {
	MaxSessions   int
	MaxRequests   int
	MaxMemoryMB   int
	IdleTimeout   time.Duration
	MemoryCheck   time.Duration
	MemorySampler MemorySampler
}

// Session is a leased, single-use execution handle bound to the pool's
// engine. It must not outlive its generation.
type Session struct {
	id         int64
	generation int
	leasedAt   time.Time
	ctx        context.Context
	cancel     context.CancelFunc
}

// Context returns the session-scoped context used to drive the engine.
// It is canceled when the session is released, evicted, or its engine
// is force-closed.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Generation identifies the engine instance this session belongs to.
func (s *Session) Generation() int {
	return s.generation
}

// Lost reports whether the session's underlying handle is gone.
func (s *Session) Lost() bool {
	return s.ctx.Err() != nil
}

type launchState struct {
	done chan struct{}
	err  error
}

// Pool owns the engine lifecycle: lazy coalesced launch, request-count
// recycling, memory-pressure force close, and idle shutdown.
type Pool struct {
	mu           sync.Mutex
	cfg          Config
	launcher     Launcher
	engine       Engine
	generation   int
	requests     int
	restartCount int
	recycleDue   bool
	leases       map[int64]*Session
	leaseSeq     int64
	launching    *launchState
	lastActivity time.Time
	idleTimer    *time.Timer
	currentMB    float64
	peakMB       float64
	closed       bool
	stopSampler  chan struct{}
	samplerDone  chan struct{}
	clock        grab.Clock
	logger       *zap.Logger
}

// Stats is the pool section of the service stats payload.
type Stats struct {
	EngineRunning bool        `json:"engine_running"`
	RequestCount  int         `json:"request_count"`
	MaxRequests   int         `json:"max_requests"`
	RestartCount  int         `json:"restart_count"`
	Memory        MemoryStats `json:"memory"`
}

// MemoryStats reports sampled resident memory.
type MemoryStats struct {
	CurrentMB float64 `json:"current_mb"`
	PeakMB    float64 `json:"peak_mb"`
	MaxMB     float64 `json:"max_mb"`
}

// New constructs a Pool and starts its memory sampler.
func New(cfg Config, launcher Launcher, clock grab.Clock, logger *zap.Logger) *Pool {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 5
	}
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = 50
	}
	p := &Pool{
		cfg:         cfg,
		launcher:    launcher,
		leases:      make(map[int64]*Session),
		stopSampler: make(chan struct{}),
		samplerDone: make(chan struct{}),
		clock:       clock,
		logger:      logger,
	}
	p.lastActivity = clock.Now()
	go p.sampleLoop()
	return p
}

// Acquire returns a session backed by the live engine, launching one if
// needed. Concurrent calls during a cold start coalesce onto a single
// launch. Launch failure is fatal to the caller; the pool never retries
// a launch on its own.
func (p *Pool) Acquire(ctx context.Context) (*Session, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		if p.engine != nil {
			s, err := p.leaseLocked()
			p.mu.Unlock()
			return s, err
		}
		if p.launching != nil {
			st := p.launching
			p.mu.Unlock()
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("acquire session: %w", ctx.Err())
			case <-st.done:
			}
			if st.err != nil {
				return nil, st.err
			}
			continue
		}

		st := &launchState{done: make(chan struct{})}
		p.launching = st
		p.mu.Unlock()

		engine, err := p.launcher.Launch(ctx)

		p.mu.Lock()
		p.launching = nil
		if err != nil {
			st.err = fmt.Errorf("%w: %v", grab.ErrSessionLaunch, err)
			close(st.done)
			p.mu.Unlock()
			return nil, st.err
		}
		if p.closed {
			close(st.done)
			p.mu.Unlock()
			engine.Close()
			return nil, ErrPoolClosed
		}
		p.engine = engine
		p.generation++
		p.requests = 0
		p.recycleDue = false
		p.touchLocked()
		close(st.done)
		p.logger.Info("rendering engine launched", zap.Int("generation", p.generation))
		p.mu.Unlock()
	}
}

// Release closes the per-operation handle, never the shared engine, and
// resets the idle timer. If a recycle is due and no leases remain, the
// engine is closed so the next Acquire starts a fresh generation.
func (p *Pool) Release(s *Session) {
	if s == nil {
		return
	}
	s.cancel()
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.leases, s.id)
	metrics.SetSessionsLeased(len(p.leases))
	if p.recycleDue && len(p.leases) == 0 && p.engine != nil && s.generation == p.generation {
		p.logger.Info("request budget reached, recycling engine",
			zap.Int("generation", p.generation),
			zap.Int("requests", p.requests),
		)
		p.closeEngineLocked("requests")
	}
	p.touchLocked()
}

func (p *Pool) leaseLocked() (*Session, error) {
	if len(p.leases) >= p.cfg.MaxSessions {
		p.evictOldestLocked()
	}
	ctx, cancel, err := p.engine.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	p.leaseSeq++
	s := &Session{
		id:         p.leaseSeq,
		generation: p.generation,
		leasedAt:   p.clock.Now(),
		ctx:        ctx,
		cancel:     cancel,
	}
	p.leases[s.id] = s
	p.requests++
	if p.requests >= p.cfg.MaxRequests {
		p.recycleDue = true
	}
	p.touchLocked()
	metrics.SetSessionsLeased(len(p.leases))
	return s, nil
}

// evictOldestLocked forcibly closes the oldest lease to make room. Its
// holder observes a lost session on the next interaction.
func (p *Pool) evictOldestLocked() {
	var oldest *Session
	for _, s := range p.leases {
		if oldest == nil || s.leasedAt.Before(oldest.leasedAt) {
			oldest = s
		}
	}
	if oldest == nil {
		return
	}
	p.logger.Warn("session cap reached, evicting oldest lease", zap.Int64("session_id", oldest.id))
	oldest.cancel()
	delete(p.leases, oldest.id)
}

// closeEngineLocked closes the live engine and counts a restart.
func (p *Pool) closeEngineLocked(reason string) {
	if p.engine == nil {
		return
	}
	p.engine.Close()
	p.engine = nil
	p.recycleDue = false
	if reason != "shutdown" {
		p.restartCount++
		metrics.ObserveEngineRestart(reason)
	}
}

// forceCloseLocked severs every lease, then closes the engine. Holders
// see their operations fail with a lost session.
func (p *Pool) forceCloseLocked(reason string) {
	for id, s := range p.leases {
		s.cancel()
		delete(p.leases, id)
	}
	metrics.SetSessionsLeased(0)
	p.closeEngineLocked(reason)
}

func (p *Pool) touchLocked() {
	p.lastActivity = p.clock.Now()
	if p.idleTimer != nil {
		p.idleTimer.Stop()
		p.idleTimer = nil
	}
	if p.cfg.IdleTimeout > 0 && p.engine != nil {
		p.idleTimer = time.AfterFunc(p.cfg.IdleTimeout, p.idleCheck)
	}
}

func (p *Pool) idleCheck() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.engine == nil || len(p.leases) > 0 {
		return
	}
	if p.clock.Now().Sub(p.lastActivity) < p.cfg.IdleTimeout {
		return
	}
	p.logger.Info("engine idle, shutting down", zap.Duration("idle_timeout", p.cfg.IdleTimeout))
	// Idle shutdown is not counted as a restart; the next Acquire
	// relaunches transparently.
	p.engine.Close()
	p.engine = nil
}

func (p *Pool) sampleLoop() {
	defer close(p.samplerDone)
	if p.cfg.MemoryCheck <= 0 || p.cfg.MemorySampler == nil {
		return
	}
	ticker := time.NewTicker(p.cfg.MemoryCheck)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopSampler:
			return
		case <-ticker.C:
			p.sampleMemory()
		}
	}
}

func (p *Pool) sampleMemory() {
	mb, err := p.cfg.MemorySampler()
	if err != nil {
		p.logger.Debug("memory sample failed", zap.Error(err))
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.currentMB = mb
	if mb > p.peakMB {
		p.peakMB = mb
	}
	metrics.SetEngineMemoryMB(mb)
	if p.engine != nil && p.cfg.MaxMemoryMB > 0 && mb > float64(p.cfg.MaxMemoryMB) {
		p.logger.Warn("memory limit exceeded, forcing engine close",
			zap.Float64("current_mb", mb),
			zap.Int("max_mb", p.cfg.MaxMemoryMB),
		)
		p.forceCloseLocked("memory")
	}
}

// Stats reports the pool's current state.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		EngineRunning: p.engine != nil,
		RequestCount:  p.requests,
		MaxRequests:   p.cfg.MaxRequests,
		RestartCount:  p.restartCount,
		Memory: MemoryStats{
			CurrentMB: p.currentMB,
			PeakMB:    p.peakMB,
			MaxMB:     float64(p.cfg.MaxMemoryMB),
		},
	}
}

// Close shuts the pool down: stops the sampler, severs leases, closes
// the engine. Acquire fails afterwards.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	if p.idleTimer != nil {
		p.idleTimer.Stop()
	}
	p.forceCloseLocked("shutdown")
	p.mu.Unlock()
	close(p.stopSampler)
	<-p.samplerDone
}
