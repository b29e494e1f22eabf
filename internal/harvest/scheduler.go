package harvest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/sitemap-harvester/internal/clock/system"
	"github.com/JakeFAU/sitemap-harvester/internal/progress"
)

// Config holds the batching and backoff knobs of the scheduler.
type Config struct {
	BatchSize        int
	InitialBackoff   time.Duration
	BackoffIncrement time.Duration
	MaxRetries       int
	InterBatchDelay  time.Duration
}

// DefaultConfig returns the stock scheduler settings.
func DefaultConfig() Config {
	return Config{
		BatchSize:        5,
		InitialBackoff:   10 * time.Second,
		BackoffIncrement: 5 * time.Second,
		MaxRetries:       5,
		InterBatchDelay:  5 * time.Second,
	}
}

// Validate checks for obviously bad settings.
func (c Config) Validate() error {
	if c.BatchSize <= 0 {
		return errors.New("batch size must be > 0")
	}
	if c.MaxRetries <= 0 {
		return errors.New("max retries must be > 0")
	}
	if c.InitialBackoff < 0 || c.BackoffIncrement < 0 || c.InterBatchDelay < 0 {
		return errors.New("delays must be >= 0")
	}
	return nil
}

// ItemProcessor runs the per-item unit of work. Processor is the production
// implementation.
type ItemProcessor interface {
	Process(ctx context.Context, item ItemRef) Outcome
}

// BatchState is owned by the scheduler for the lifetime of one batch and is
// threaded through each round. Pending only holds items whose last outcome was
// OutcomeRateLimited.
type BatchState struct {
	Pending    []ItemRef
	RetryCount int
	Backoff    time.Duration
}

// Partition splits items into contiguous batches of at most size, preserving
// order.
func Partition(items []ItemRef, size int) [][]ItemRef {
	if size <= 0 || len(items) == 0 {
		return nil
	}
	batches := make([][]ItemRef, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		batches = append(batches, items[start:end:end])
	}
	return batches
}

// Scheduler drives items through batches and retry rounds.
type Scheduler struct {
	cfg       Config
	processor ItemProcessor
	failures  FailureSink
	pauser    Pauser
	clock     Clock
	emitter   progress.Emitter
	logger    *zap.Logger
	runID     [16]byte
}

// SchedulerOption customizes a Scheduler.
type SchedulerOption func(*Scheduler)

// WithPauser overrides how the scheduler waits between rounds and batches.
func WithPauser(p Pauser) SchedulerOption {
	return func(s *Scheduler) {
		if p != nil {
			s.pauser = p
		}
	}
}

// WithClock overrides the clock used for failure timestamps and events.
func WithClock(c Clock) SchedulerOption {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithEmitter routes progress events to e.
func WithEmitter(e progress.Emitter) SchedulerOption {
	return func(s *Scheduler) {
		if e != nil {
			s.emitter = e
		}
	}
}

// WithSchedulerLogger sets the logger.
func WithSchedulerLogger(logger *zap.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRunID tags emitted events with id.
func WithRunID(id uuid.UUID) SchedulerOption {
	return func(s *Scheduler) {
		s.runID = progress.UUIDToBytes(id)
	}
}

// NewScheduler validates cfg and returns a Scheduler.
func NewScheduler(cfg Config, processor ItemProcessor, failures FailureSink, opts ...SchedulerOption) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scheduler config: %w", err)
	}
	if processor == nil {
		return nil, errors.New("processor is required")
	}
	if failures == nil {
		return nil, errors.New("failure sink is required")
	}
	s := &Scheduler{
		cfg:       cfg,
		processor: processor,
		failures:  failures,
		pauser:    TimerPauser{},
		clock:     system.New(),
		emitter:   progress.NopEmitter{},
		logger:    zap.NewNop(),
		runID:     progress.UUIDToBytes(uuid.New()),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run processes items batch by batch. Batches run strictly in order; items in
// a round run concurrently. A cancelled ctx stops the run after the current
// round settles and the partial summary is returned with ctx.Err().
func (s *Scheduler) Run(ctx context.Context, items []ItemRef) (Summary, error) {
	batches := Partition(items, s.cfg.BatchSize)
	summary := Summary{Total: len(items), Batches: len(batches)}
	started := s.clock.Now()
	s.emit(progress.Event{Stage: progress.StageRunStart, Items: len(items)})
	s.logger.Info("harvest started",
		zap.Int("items", len(items)),
		zap.Int("batches", len(batches)),
		zap.Int("batch_size", s.cfg.BatchSize),
	)

	var runErr error
	for i, batch := range batches {
		res, err := s.runBatch(ctx, i+1, batch)
		summary.Succeeded += res.counts.Succeeded
		summary.Exhausted += res.counts.Exhausted
		summary.Dropped += res.counts.Failed
		summary.Records = append(summary.Records, res.records...)
		if err != nil {
			runErr = err
			break
		}
		if i < len(batches)-1 {
			s.pauser.Pause(ctx, s.cfg.InterBatchDelay)
		}
	}

	s.emit(progress.Event{
		Stage: progress.StageRunDone,
		Items: summary.Total,
		Dur:   s.clock.Now().Sub(started),
		Counts: progress.Counts{
			Succeeded: summary.Succeeded,
			Failed:    summary.Dropped,
			Exhausted: summary.Exhausted,
		},
	})
	return summary, runErr
}

type batchResult struct {
	records []Record
	counts  progress.Counts
}

func (s *Scheduler) runBatch(ctx context.Context, index int, batch []ItemRef) (batchResult, error) {
	var res batchResult
	started := s.clock.Now()
	logger := s.logger.With(zap.Int("batch", index))
	s.emit(progress.Event{Stage: progress.StageBatchStart, Batch: index, Items: len(batch)})

	state := BatchState{Pending: batch, Backoff: s.cfg.InitialBackoff}
	round := 0
	for len(state.Pending) > 0 && state.RetryCount < s.cfg.MaxRetries {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		round++
		var rr roundResult
		state, rr = s.round(ctx, index, round, state)
		res.records = append(res.records, rr.records...)
		res.counts.Succeeded += rr.counts.Succeeded
		res.counts.Failed += rr.counts.Failed
		res.counts.RateLimited += rr.counts.RateLimited
	}

	if len(state.Pending) > 0 {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		s.recordExhausted(ctx, logger, state)
		res.counts.Exhausted = len(state.Pending)
	}

	logger.Info("batch complete",
		zap.Int("items", len(batch)),
		zap.Int("rounds", round),
		zap.Int("succeeded", res.counts.Succeeded),
		zap.Int("failed", res.counts.Failed),
		zap.Int("exhausted", res.counts.Exhausted),
	)
	s.emit(progress.Event{
		Stage:  progress.StageBatchDone,
		Batch:  index,
		Items:  len(batch),
		Dur:    s.clock.Now().Sub(started),
		Counts: res.counts,
	})
	return res, nil
}

type roundResult struct {
	records []Record
	counts  progress.Counts
}

// round runs one attempt over state.Pending and returns the state for the next
// round. Before every round but the first it pauses for the current backoff
// and grows it by the configured increment.
func (s *Scheduler) round(ctx context.Context, batch, index int, state BatchState) (BatchState, roundResult) {
	var rr roundResult
	var backoff time.Duration
	if state.RetryCount > 0 {
		backoff = state.Backoff
		s.pauser.Pause(ctx, backoff)
		state.Backoff += s.cfg.BackoffIncrement
	}

	started := s.clock.Now()
	outcomes, err := s.dispatch(ctx, state.Pending)
	if err != nil {
		s.logger.Error("round dispatch failed",
			zap.Int("batch", batch),
			zap.Int("round", index),
			zap.Int("pending", len(state.Pending)),
			zap.Error(err),
		)
		state.RetryCount++
		s.emit(progress.Event{
			Stage:   progress.StageRoundDone,
			Batch:   batch,
			Round:   index,
			Items:   len(state.Pending),
			Backoff: backoff,
			Note:    err.Error(),
		})
		return state, rr
	}

	next := make([]ItemRef, 0, len(outcomes))
	for _, out := range outcomes {
		switch out.Kind {
		case OutcomeSuccess:
			rr.counts.Succeeded++
			rr.records = append(rr.records, *out.Record)
		case OutcomeRateLimited:
			rr.counts.RateLimited++
			next = append(next, out.Item)
		default:
			rr.counts.Failed++
			s.logger.Debug("item dropped",
				zap.String("url", out.Item.URL),
				zap.Int("status", out.StatusCode),
				zap.Error(out.Err),
			)
		}
		s.emitItem(batch, index, out)
	}
	dispatched := len(state.Pending)
	state.Pending = next
	if len(next) > 0 {
		state.RetryCount++
	}

	s.logger.Info("round complete",
		zap.Int("batch", batch),
		zap.Int("round", index),
		zap.Duration("backoff", backoff),
		zap.Int("dispatched", dispatched),
		zap.Int("succeeded", rr.counts.Succeeded),
		zap.Int("rate_limited", rr.counts.RateLimited),
		zap.Int("failed", rr.counts.Failed),
	)
	s.emit(progress.Event{
		Stage:   progress.StageRoundDone,
		Batch:   batch,
		Round:   index,
		Items:   dispatched,
		Backoff: backoff,
		Dur:     s.clock.Now().Sub(started),
		Counts:  rr.counts,
	})
	return state, rr
}

// dispatch fans out one Process call per pending item and joins them all.
// Outcomes are indexed by input position.
func (s *Scheduler) dispatch(ctx context.Context, pending []ItemRef) ([]Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBatchDispatch, err)
	}
	outcomes := make([]Outcome, len(pending))
	var g errgroup.Group
	g.SetLimit(s.cfg.BatchSize)
	for i, item := range pending {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("process %s panicked: %v", item.URL, r)
				}
			}()
			outcomes[i] = s.processor.Process(ctx, item)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBatchDispatch, err)
	}
	return outcomes, nil
}

func (s *Scheduler) recordExhausted(ctx context.Context, logger *zap.Logger, state BatchState) {
	failedAt := s.clock.Now()
	for _, item := range state.Pending {
		report := FailureReport{URL: item.URL, FailedAt: failedAt, Attempts: state.RetryCount}
		if err := s.failures.AppendFailure(ctx, report); err != nil {
			logger.Error("append failure report failed",
				zap.String("url", item.URL),
				zap.Error(errors.Join(ErrPersistence, err)),
			)
		}
		logger.Warn("retries exhausted", zap.String("url", item.URL), zap.Int("attempts", state.RetryCount))
		s.emit(progress.Event{Stage: progress.StageExhausted, URL: item.URL})
	}
}

func (s *Scheduler) emitItem(batch, round int, out Outcome) {
	evt := progress.Event{
		Stage:       progress.StageItemDone,
		Batch:       batch,
		Round:       round,
		URL:         out.Item.URL,
		Outcome:     out.Kind.String(),
		StatusClass: progress.ClassifyStatus(out.StatusCode),
		Bytes:       int64(out.Bytes),
		Dur:         out.Duration,
	}
	if out.Err != nil {
		evt.Note = out.Err.Error()
	}
	s.emit(evt)
}

func (s *Scheduler) emit(evt progress.Event) {
	evt.RunID = s.runID
	evt.TS = s.clock.Now()
	s.emitter.Emit(evt)
}
