package harvest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitemap-harvester/internal/progress"
)

type schedulerHarness struct {
	scheduler *Scheduler
	fetcher   *scriptedFetcher
	sink      *memorySink
	pauser    *recordingPauser
	emitter   *recordingEmitter
	now       time.Time
}

func newHarness(t *testing.T, cfg Config, statuses map[string][]int, opts ...SchedulerOption) *schedulerHarness {
	t.Helper()

	h := &schedulerHarness{
		fetcher: newScriptedFetcher(statuses),
		sink:    newMemorySink(),
		pauser:  &recordingPauser{},
		emitter: &recordingEmitter{},
		now:     time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	processor := NewProcessor(h.fetcher, nameExtractor{}, h.sink)
	opts = append([]SchedulerOption{
		WithPauser(h.pauser),
		WithClock(fixedClock{now: h.now}),
		WithEmitter(h.emitter),
	}, opts...)
	s, err := NewScheduler(cfg, processor, h.sink, opts...)
	require.NoError(t, err)
	h.scheduler = s
	return h
}

func TestPartitionPreservesOrder(t *testing.T) {
	t.Parallel()

	items := make([]ItemRef, 12)
	for i := range items {
		items[i] = ItemRef{URL: fmt.Sprintf("https://apps.example.com/%02d", i)}
	}
	batches := Partition(items, 5)
	require.Len(t, batches, 3)
	require.Len(t, batches[0], 5)
	require.Len(t, batches[1], 5)
	require.Len(t, batches[2], 2)

	var flat []ItemRef
	for _, b := range batches {
		flat = append(flat, b...)
	}
	require.Equal(t, items, flat)

	require.Nil(t, Partition(nil, 5))
	require.Nil(t, Partition(items, 0))
}

func TestSchedulerAlwaysThrottledIsExhausted(t *testing.T) {
	t.Parallel()

	const url = "https://apps.example.com/busy"
	cfg := DefaultConfig()
	h := newHarness(t, cfg, map[string][]int{url: {429}})

	summary, err := h.scheduler.Run(context.Background(), appRefs(url))
	require.NoError(t, err)
	require.Equal(t, 1, summary.Exhausted)
	require.Zero(t, summary.Succeeded)
	require.Zero(t, summary.Dropped)
	require.Equal(t, cfg.MaxRetries, h.fetcher.Calls(url))

	failures := h.sink.Failures()
	require.Len(t, failures, 1)
	require.Equal(t, url, failures[0].URL)
	require.Equal(t, cfg.MaxRetries, failures[0].Attempts)
	require.Equal(t, h.now, failures[0].FailedAt)
	require.Empty(t, h.sink.Records())

	require.Equal(t, []time.Duration{
		10 * time.Second,
		15 * time.Second,
		20 * time.Second,
		25 * time.Second,
	}, h.pauser.Delays())
	require.Len(t, h.emitter.Stage(progress.StageExhausted), 1)
}

func TestSchedulerBackoffBeforeEachRound(t *testing.T) {
	t.Parallel()

	const url = "https://apps.example.com/busy"
	cfg := DefaultConfig()
	cfg.InitialBackoff = 3 * time.Second
	cfg.BackoffIncrement = 2 * time.Second
	cfg.MaxRetries = 4
	h := newHarness(t, cfg, map[string][]int{url: {429}})

	_, err := h.scheduler.Run(context.Background(), appRefs(url))
	require.NoError(t, err)

	rounds := h.emitter.Stage(progress.StageRoundDone)
	require.Len(t, rounds, cfg.MaxRetries)
	for i, evt := range rounds {
		k := i + 1
		require.Equal(t, k, evt.Round)
		if k == 1 {
			require.Zero(t, evt.Backoff, "first round has no delay")
			continue
		}
		want := cfg.InitialBackoff + time.Duration(k-2)*cfg.BackoffIncrement
		require.Equal(t, want, evt.Backoff, "round %d", k)
	}
}

func TestSchedulerThrottledOnceThenSucceeds(t *testing.T) {
	t.Parallel()

	const url = "https://apps.example.com/flaky"
	h := newHarness(t, DefaultConfig(), map[string][]int{url: {429, 200}})

	summary, err := h.scheduler.Run(context.Background(), appRefs(url))
	require.NoError(t, err)
	require.Equal(t, 1, summary.Succeeded)
	require.Len(t, summary.Records, 1)

	records := h.sink.Records()
	require.Len(t, records, 1)
	require.Equal(t, url, records[0].URL)
	require.Empty(t, h.sink.Failures())
	require.Equal(t, []time.Duration{10 * time.Second}, h.pauser.Delays())
}

func TestSchedulerNotFoundIsDroppedWithoutRetry(t *testing.T) {
	t.Parallel()

	const url = "https://apps.example.com/gone"
	h := newHarness(t, DefaultConfig(), map[string][]int{url: {404}})

	summary, err := h.scheduler.Run(context.Background(), appRefs(url))
	require.NoError(t, err)
	require.Equal(t, 1, summary.Dropped)
	require.Equal(t, 1, h.fetcher.Calls(url))
	require.Empty(t, h.sink.Records())
	require.Empty(t, h.sink.Failures())
	require.Empty(t, h.pauser.Delays())
}

func TestSchedulerEveryItemEndsInOneBucket(t *testing.T) {
	t.Parallel()

	statuses := map[string][]int{
		"https://apps.example.com/a": {200},
		"https://apps.example.com/b": {404},
		"https://apps.example.com/c": {429},
		"https://apps.example.com/d": {429, 200},
		"https://apps.example.com/e": nil,
		"https://apps.example.com/f": {200},
		"https://apps.example.com/g": {500},
	}
	items := appRefs(
		"https://apps.example.com/a",
		"https://apps.example.com/b",
		"https://apps.example.com/c",
		"https://apps.example.com/d",
		"https://apps.example.com/e",
		"https://apps.example.com/f",
		"https://apps.example.com/g",
	)
	cfg := DefaultConfig()
	cfg.MaxRetries = 3
	h := newHarness(t, cfg, statuses)

	summary, err := h.scheduler.Run(context.Background(), items)
	require.NoError(t, err)
	require.Equal(t, len(items), summary.Total)
	require.Equal(t, summary.Total, summary.Succeeded+summary.Exhausted+summary.Dropped)
	require.Equal(t, 3, summary.Succeeded)
	require.Equal(t, 1, summary.Exhausted)
	require.Equal(t, 3, summary.Dropped)

	succeeded := make(map[string]bool)
	for _, r := range h.sink.Records() {
		require.False(t, succeeded[r.URL], "duplicate success for %s", r.URL)
		succeeded[r.URL] = true
	}
	for _, f := range h.sink.Failures() {
		require.False(t, succeeded[f.URL], "%s in both streams", f.URL)
	}
	require.Len(t, succeeded, 3)
	require.Equal(t, "https://apps.example.com/c", h.sink.Failures()[0].URL)
}

func TestSchedulerBatchesRunSequentially(t *testing.T) {
	t.Parallel()

	statuses := make(map[string][]int)
	urls := make([]string, 12)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://apps.example.com/%02d", i)
		statuses[urls[i]] = []int{200}
	}
	cfg := DefaultConfig()
	h := newHarness(t, cfg, statuses)
	h.fetcher.delay = 10 * time.Millisecond

	summary, err := h.scheduler.Run(context.Background(), appRefs(urls...))
	require.NoError(t, err)
	require.Equal(t, 3, summary.Batches)
	require.Equal(t, 12, summary.Succeeded)
	require.LessOrEqual(t, int(h.fetcher.maxSeen.Load()), cfg.BatchSize)

	starts := h.emitter.Stage(progress.StageBatchStart)
	require.Len(t, starts, 3)
	for i, want := range []int{5, 5, 2} {
		require.Equal(t, i+1, starts[i].Batch)
		require.Equal(t, want, starts[i].Items)
	}

	index := make(map[string]int, len(urls))
	for i, u := range urls {
		index[u] = i
	}
	lastBatch := 0
	for _, evt := range h.emitter.Stage(progress.StageItemDone) {
		require.Equal(t, index[evt.URL]/cfg.BatchSize+1, evt.Batch)
		require.GreaterOrEqual(t, evt.Batch, lastBatch, "batches must not interleave")
		lastBatch = evt.Batch
	}

	require.Equal(t, []time.Duration{cfg.InterBatchDelay, cfg.InterBatchDelay}, h.pauser.Delays(),
		"inter-batch delay applies between batches only")
}

func TestSchedulerBackoffResetsPerBatch(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.BatchSize = 1
	cfg.MaxRetries = 3
	cfg.InterBatchDelay = 7 * time.Second
	h := newHarness(t, cfg, map[string][]int{
		"https://apps.example.com/a": {429},
		"https://apps.example.com/b": {429},
	})

	summary, err := h.scheduler.Run(context.Background(), appRefs("https://apps.example.com/a", "https://apps.example.com/b"))
	require.NoError(t, err)
	require.Equal(t, 2, summary.Exhausted)
	require.Equal(t, []time.Duration{
		10 * time.Second, 15 * time.Second,
		7 * time.Second,
		10 * time.Second, 15 * time.Second,
	}, h.pauser.Delays())
}

func TestSchedulerEventsAreValid(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultConfig(), map[string][]int{
		"https://apps.example.com/a": {200},
		"https://apps.example.com/b": {429, 404},
	})
	_, err := h.scheduler.Run(context.Background(), appRefs("https://apps.example.com/a", "https://apps.example.com/b"))
	require.NoError(t, err)

	h.emitter.mu.Lock()
	defer h.emitter.mu.Unlock()
	require.NotEmpty(t, h.emitter.events)
	require.Equal(t, progress.StageRunStart, h.emitter.events[0].Stage)
	require.Equal(t, progress.StageRunDone, h.emitter.events[len(h.emitter.events)-1].Stage)
	for _, evt := range h.emitter.events {
		require.NoError(t, evt.Validate(), "stage %s", evt.Stage)
	}
}

func TestSchedulerCancelledBeforeStart(t *testing.T) {
	t.Parallel()

	const url = "https://apps.example.com/a"
	h := newHarness(t, DefaultConfig(), map[string][]int{url: {200}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := h.scheduler.Run(ctx, appRefs(url))
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, summary.Succeeded)
	require.Zero(t, h.fetcher.Calls(url))
}

type cancelingPauser struct {
	cancel context.CancelFunc
}

func (p cancelingPauser) Pause(context.Context, time.Duration) {
	p.cancel()
}

func TestSchedulerCancelDuringBackoffCountsUnproductiveRound(t *testing.T) {
	t.Parallel()

	const url = "https://apps.example.com/busy"
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, DefaultConfig(), map[string][]int{url: {429}}, WithPauser(cancelingPauser{cancel: cancel}))

	_, err := h.scheduler.Run(ctx, appRefs(url))
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, h.fetcher.Calls(url))
	require.Empty(t, h.sink.Failures(), "cancelled runs do not report exhaustion")

	rounds := h.emitter.Stage(progress.StageRoundDone)
	require.Len(t, rounds, 2)
	require.Contains(t, rounds[1].Note, ErrBatchDispatch.Error())
}

func TestNewSchedulerValidates(t *testing.T) {
	t.Parallel()

	processor := NewProcessor(newScriptedFetcher(nil), nameExtractor{}, newMemorySink())
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "zero batch", mutate: func(c *Config) { c.BatchSize = 0 }},
		{name: "zero retries", mutate: func(c *Config) { c.MaxRetries = 0 }},
		{name: "negative backoff", mutate: func(c *Config) { c.InitialBackoff = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			_, err := NewScheduler(cfg, processor, newMemorySink())
			require.Error(t, err)
		})
	}

	_, err := NewScheduler(DefaultConfig(), nil, newMemorySink())
	require.Error(t, err)
	_, err = NewScheduler(DefaultConfig(), processor, nil)
	require.Error(t, err)
}

// panickyProcessor panics on the first call for each URL in panicOnce and
// succeeds otherwise.
type panickyProcessor struct {
	mu        sync.Mutex
	panicOnce map[string]bool
	calls     int
}

func (p *panickyProcessor) Process(_ context.Context, item ItemRef) Outcome {
	p.mu.Lock()
	p.calls++
	shouldPanic := p.panicOnce[item.URL]
	delete(p.panicOnce, item.URL)
	p.mu.Unlock()
	if shouldPanic {
		panic("processor exploded")
	}
	return Outcome{Kind: OutcomeSuccess, Item: item, StatusCode: 200, Record: &Record{URL: item.URL}}
}

func TestSchedulerProcessorPanicIsUnproductiveRound(t *testing.T) {
	t.Parallel()

	const (
		good = "https://apps.example.com/good"
		bad  = "https://apps.example.com/bad"
	)
	proc := &panickyProcessor{panicOnce: map[string]bool{bad: true}}
	sink := newMemorySink()
	pauser := &recordingPauser{}
	emitter := &recordingEmitter{}
	cfg := DefaultConfig()
	s, err := NewScheduler(cfg, proc, sink,
		WithPauser(pauser),
		WithClock(fixedClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}),
		WithEmitter(emitter),
	)
	require.NoError(t, err)

	summary, err := s.Run(context.Background(), appRefs(good, bad))
	require.NoError(t, err)
	require.Equal(t, 2, summary.Succeeded)
	require.Zero(t, summary.Exhausted)
	require.Equal(t, 4, proc.calls)
	require.Equal(t, []time.Duration{cfg.InitialBackoff}, pauser.Delays())

	rounds := emitter.Stage(progress.StageRoundDone)
	require.Len(t, rounds, 2)
	require.Contains(t, rounds[0].Note, ErrBatchDispatch.Error())
	require.Contains(t, rounds[0].Note, "processor exploded")
	require.Equal(t, 2, rounds[1].Counts.Succeeded)
}
