// Package queue accepts batches of download jobs and runs them under
// bounded concurrency through an ordered fallback chain of strategies.
package queue

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mediagrab/mediagrab/internal/admission"
	"github.com/mediagrab/mediagrab/internal/diagnostics"
	"github.com/mediagrab/mediagrab/internal/fetch"
	"github.com/mediagrab/mediagrab/internal/grab"
	"github.com/mediagrab/mediagrab/internal/metrics"
)

// ErrBatchNotFound is returned by Status for unknown or purged batches.
var ErrBatchNotFound = errors.New("batch not found")

// Config controls Queue behavior.
type Config struct {
	MaxConcurrent     int
	MinPayloadBytes   int
	FetchTimeout      time.Duration
	JobTimeout        time.Duration
	Retention         time.Duration
	RateLimitCooldown time.Duration
	Topic             string
	ContentType       string
}

// Queue owns batch/job state and the scheduler that drains it.
type Queue struct {
	cfg        Config
	admission  *admission.Controller
	strategies []fetch.Strategy
	diag       *diagnostics.Recorder
	store      grab.Store
	publisher  grab.Publisher
	idGen      grab.IDGenerator
	clock      grab.Clock
	logger     *zap.Logger

	mu      sync.Mutex
	batches map[string]*batchState
	pending []*jobState
	active  int
	closed  bool

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	timers  []*time.Timer
}

// Stats is the queue section of the service stats payload.
type Stats struct {
	Pending       int `json:"pending"`
	Active        int `json:"active"`
	MaxConcurrent int `json:"max_concurrent"`
	LiveBatches   int `json:"live_batches"`
}

type batchState struct {
	batch grab.Batch
}

type jobState struct {
	batchID string
	index   int
	locator string
	dest    grab.DestinationContext
	name    string
}

type jobOutcome struct {
	status    grab.JobStatus
	attempted []string
	errText   string
}

// New constructs a Queue. Strategies are tried in slice order.
func New(
	cfg Config,
	adm *admission.Controller,
	strategies []fetch.Strategy,
	diag *diagnostics.Recorder,
	store grab.Store,
	publisher grab.Publisher,
	idGen grab.IDGenerator,
	clock grab.Clock,
	logger *zap.Logger,
) *Queue {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.MinPayloadBytes <= 0 {
		cfg.MinPayloadBytes = 1000
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 60 * time.Second
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 2 * time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 5 * time.Minute
	}
	if cfg.RateLimitCooldown <= 0 {
		cfg.RateLimitCooldown = time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		cfg:        cfg,
		admission:  adm,
		strategies: strategies,
		diag:       diag,
		store:      store,
		publisher:  publisher,
		idGen:      idGen,
		clock:      clock,
		logger:     logger,
		batches:    make(map[string]*batchState),
		baseCtx:    ctx,
		cancel:     cancel,
	}
}

// Submit validates and enqueues a batch, returning its ID. Jobs start
// as capacity allows.
func (q *Queue) Submit(items []grab.SubmitItem, dest grab.DestinationContext) (string, error) {
	if len(items) == 0 {
		return "", fmt.Errorf("%w: no items", grab.ErrInvalidInput)
	}
	for i, item := range items {
		if strings.TrimSpace(item.DestinationName) == "" {
			return "", fmt.Errorf("%w: item %d: destination name required", grab.ErrInvalidInput, i)
		}
		u, err := url.Parse(item.Locator)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return "", fmt.Errorf("%w: item %d: malformed locator", grab.ErrInvalidInput, i)
		}
	}

	batchID, err := q.idGen.NewID()
	if err != nil {
		return "", fmt.Errorf("generate batch id: %w", err)
	}

	now := q.clock.Now()
	b := grab.Batch{
		ID:          batchID,
		Status:      grab.BatchStatusPending,
		Total:       len(items),
		Destination: dest,
		Submitted:   now,
		Items:       make([]grab.Job, len(items)),
	}
	jobs := make([]*jobState, len(items))
	for i, item := range items {
		b.Items[i] = grab.Job{
			BatchID:  batchID,
			Locator:  item.Locator,
			DestName: item.DestinationName,
			Status:   grab.JobStatusPending,
		}
		jobs[i] = &jobState{
			batchID: batchID,
			index:   i,
			locator: item.Locator,
			dest:    dest,
			name:    item.DestinationName,
		}
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", errors.New("queue closed")
	}
	q.batches[batchID] = &batchState{batch: b}
	q.pending = append(q.pending, jobs...)
	q.mu.Unlock()

	q.logger.Info("batch submitted", zap.String("batch_id", batchID), zap.Int("total", len(items)))
	q.schedule()
	return batchID, nil
}

// schedule pulls pending jobs while capacity remains. Called after
// submission and after each job completion.
func (q *Queue) schedule() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for !q.closed && q.active < q.cfg.MaxConcurrent && len(q.pending) > 0 {
		job := q.pending[0]
		q.pending = q.pending[1:]
		q.active++
		q.markActiveLocked(job)
		q.wg.Add(1)
		go q.run(job)
	}
}

func (q *Queue) markActiveLocked(job *jobState) {
	st, ok := q.batches[job.batchID]
	if !ok {
		return
	}
	st.batch.Items[job.index].Status = grab.JobStatusActive
	if st.batch.Status == grab.BatchStatusPending {
		st.batch.Status = grab.BatchStatusProcessing
	}
}

func (q *Queue) run(job *jobState) {
	defer q.wg.Done()
	metrics.IncActiveJobs()

	ctx, cancel := context.WithTimeout(q.baseCtx, q.cfg.JobTimeout)
	outcome := q.execute(ctx, job)
	cancel()

	q.finish(job, outcome)
	metrics.DecActiveJobs()

	q.mu.Lock()
	q.active--
	q.mu.Unlock()
	q.schedule()
}

// execute runs one job: idempotency check, admission wait, then the
// strategy chain until a viable payload lands in the store.
func (q *Queue) execute(ctx context.Context, job *jobState) jobOutcome {
	exists, err := q.store.Exists(ctx, job.dest, job.name)
	if err != nil {
		q.logger.Warn("destination existence check failed",
			zap.String("batch_id", job.batchID), zap.String("name", job.name), zap.Error(err))
	} else if exists {
		q.logger.Info("destination exists, skipping",
			zap.String("batch_id", job.batchID), zap.String("name", job.name))
		return jobOutcome{status: grab.JobStatusSkipped}
	}

	if err := q.admission.AwaitSlot(ctx); err != nil {
		return jobOutcome{status: grab.JobStatusFailed, errText: fmt.Sprintf("admission: %v", err)}
	}

	var (
		attempted  []string
		lastErr    error
		lastReport *diagnostics.Report
	)
	for _, strat := range q.strategies {
		attemptCtx, cancel := context.WithTimeout(ctx, q.cfg.FetchTimeout)
		payload, err := strat.Attempt(attemptCtx, job.locator)
		cancel()
		attempted = append(attempted, strat.Name())

		if err != nil {
			kind := errorKind(err)
			metrics.ObserveFetchAttempt(strat.Name(), kind)
			q.diag.TrackError(kind)
			if errors.Is(err, grab.ErrRateLimited) {
				q.admission.TriggerCooldown(q.cfg.RateLimitCooldown)
			}
			q.logger.Warn("strategy attempt failed",
				zap.String("batch_id", job.batchID),
				zap.String("locator", job.locator),
				zap.String("strategy", strat.Name()),
				zap.Error(err),
			)
			lastErr = err
			continue
		}

		if len(payload.Body) < q.cfg.MinPayloadBytes {
			// Valid-looking response that is probably an error-page
			// substitute; let diagnostics classify and keep a copy.
			report := q.diag.Analyze(payload.Body, job.locator)
			q.diag.Persist(payload.Body, report)
			lastReport = &report
			metrics.ObserveFetchAttempt(strat.Name(), "too_small")
			q.diag.TrackError("too_small")
			lastErr = fmt.Errorf("%w: %d bytes via %s", grab.ErrPayloadTooSmall, len(payload.Body), strat.Name())
			continue
		}

		contentType := job.dest.ContentType
		if contentType == "" {
			contentType = q.cfg.ContentType
		}
		uri, err := q.store.Put(ctx, job.dest, job.name, contentType, payload.Body)
		if err != nil {
			metrics.ObserveFetchAttempt(strat.Name(), "store_failed")
			return jobOutcome{
				status:    grab.JobStatusFailed,
				attempted: attempted,
				errText:   fmt.Sprintf("store payload: %v", err),
			}
		}
		metrics.ObserveFetchAttempt(strat.Name(), "success")
		q.logger.Info("job succeeded",
			zap.String("batch_id", job.batchID),
			zap.String("name", job.name),
			zap.String("strategy", strat.Name()),
			zap.String("uri", uri),
			zap.Int("bytes", len(payload.Body)),
		)
		return jobOutcome{status: grab.JobStatusSuccess, attempted: attempted}
	}

	errText := "all fetch strategies exhausted"
	if lastErr != nil {
		errText = lastErr.Error()
	}
	if lastReport != nil {
		errText = q.diag.Describe(*lastReport)
	}
	return jobOutcome{status: grab.JobStatusFailed, attempted: attempted, errText: errText}
}

// finish records a terminal job status and detects batch completion,
// which fires exactly once.
func (q *Queue) finish(job *jobState, outcome jobOutcome) {
	metrics.ObserveJob(string(outcome.status))

	q.mu.Lock()
	st, ok := q.batches[job.batchID]
	if !ok {
		q.mu.Unlock()
		return
	}
	item := &st.batch.Items[job.index]
	item.Status = outcome.status
	item.Attempted = outcome.attempted
	item.ErrorText = outcome.errText
	switch outcome.status {
	case grab.JobStatusFailed:
		st.batch.Failed++
	default:
		st.batch.Completed++
	}

	completedNow := st.batch.Status != grab.BatchStatusComplete &&
		st.batch.Completed+st.batch.Failed == st.batch.Total
	var event grab.CompletionEvent
	if completedNow {
		now := q.clock.Now()
		st.batch.Status = grab.BatchStatusComplete
		st.batch.Finished = &now
		event = grab.CompletionEvent{
			BatchID:   st.batch.ID,
			Total:     st.batch.Total,
			Completed: st.batch.Completed,
			Failed:    st.batch.Failed,
			At:        now,
		}
		timer := time.AfterFunc(q.cfg.Retention, func() { q.purge(job.batchID) })
		q.timers = append(q.timers, timer)
	}
	q.mu.Unlock()

	if completedNow {
		metrics.ObserveBatchComplete()
		q.logger.Info("batch complete",
			zap.String("batch_id", event.BatchID),
			zap.Int("completed", event.Completed),
			zap.Int("failed", event.Failed),
		)
		q.publishCompletion(event)
	}
}

func (q *Queue) publishCompletion(event grab.CompletionEvent) {
	if q.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := q.publisher.Publish(ctx, q.cfg.Topic, event); err != nil {
		q.logger.Warn("publish completion event failed",
			zap.String("batch_id", event.BatchID), zap.Error(err))
	}
}

func (q *Queue) purge(batchID string) {
	q.mu.Lock()
	delete(q.batches, batchID)
	q.mu.Unlock()
	q.logger.Debug("batch purged", zap.String("batch_id", batchID))
}

// Status returns a copy of the batch's current view.
func (q *Queue) Status(batchID string) (grab.Batch, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	st, ok := q.batches[batchID]
	if !ok {
		return grab.Batch{}, ErrBatchNotFound
	}
	out := st.batch
	out.Items = make([]grab.Job, len(st.batch.Items))
	copy(out.Items, st.batch.Items)
	return out, nil
}

// Stats reports scheduler state for the health surface.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Pending:       len(q.pending),
		Active:        q.active,
		MaxConcurrent: q.cfg.MaxConcurrent,
		LiveBatches:   len(q.batches),
	}
}

// Shutdown stops pulling new jobs, cancels in-flight ones, and waits
// for them to unwind or the context to expire.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.pending = nil
	for _, t := range q.timers {
		t.Stop()
	}
	q.mu.Unlock()
	q.cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("queue shutdown: %w", ctx.Err())
	case <-done:
		return nil
	}
}

// errorKind maps taxonomy sentinels to counter labels.
func errorKind(err error) string {
	switch {
	case errors.Is(err, grab.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, grab.ErrBlocked):
		return "blocked"
	case errors.Is(err, grab.ErrSessionLost):
		return "session_lost"
	case errors.Is(err, grab.ErrSessionLaunch):
		return "launch_failed"
	case errors.Is(err, grab.ErrPayloadTooSmall):
		return "too_small"
	case errors.Is(err, grab.ErrNotFound):
		return "not_found"
	case errors.Is(err, grab.ErrStructureChanged):
		return "structure_changed"
	default:
		return "fetch_failed"
	}
}
