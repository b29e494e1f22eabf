package harvest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JakeFAU/sitemap-harvester/internal/progress"
)

// scriptedFetcher replays a per-URL status sequence; the last status repeats.
type scriptedFetcher struct {
	mu       sync.Mutex
	statuses map[string][]int
	calls    map[string]int
	delay    time.Duration
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func newScriptedFetcher(statuses map[string][]int) *scriptedFetcher {
	return &scriptedFetcher{statuses: statuses, calls: make(map[string]int)}
}

func (f *scriptedFetcher) Fetch(ctx context.Context, url string) (FetchResponse, error) {
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		prev := f.maxSeen.Load()
		if cur <= prev || f.maxSeen.CompareAndSwap(prev, cur) {
			break
		}
	}
	if f.delay > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(f.delay):
		}
	}

	f.mu.Lock()
	seq := f.statuses[url]
	n := f.calls[url]
	f.calls[url] = n + 1
	f.mu.Unlock()

	if len(seq) == 0 {
		return FetchResponse{}, errors.New("connection refused")
	}
	status := seq[min(n, len(seq)-1)]
	return FetchResponse{URL: url, StatusCode: status, Body: []byte("name:" + url)}, nil
}

func (f *scriptedFetcher) Calls(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

// nameExtractor uses the body as the record name; bodies without the
// "name:" prefix yield an empty record.
type nameExtractor struct{}

func (nameExtractor) Extract(body []byte) (Record, error) {
	const prefix = "name:"
	s := string(body)
	if len(s) < len(prefix) || s[:len(prefix)] != prefix {
		return Record{}, nil
	}
	return Record{BasicInfo: BasicInfo{Name: s[len(prefix):]}}, nil
}

// memorySink records every write in order.
type memorySink struct {
	mu         sync.Mutex
	records    []Record
	failures   []FailureReport
	snapshots  map[string][]ItemRef
	recordErr  error
	failureErr error
	snapErr    error
}

func newMemorySink() *memorySink {
	return &memorySink{snapshots: make(map[string][]ItemRef)}
}

func (s *memorySink) AppendRecord(_ context.Context, record Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recordErr != nil {
		return s.recordErr
	}
	s.records = append(s.records, record)
	return nil
}

func (s *memorySink) AppendFailure(_ context.Context, report FailureReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failureErr != nil {
		return s.failureErr
	}
	s.failures = append(s.failures, report)
	return nil
}

func (s *memorySink) Snapshot(_ context.Context, target string, items []ItemRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapErr != nil {
		return s.snapErr
	}
	s.snapshots[target] = append([]ItemRef(nil), items...)
	return nil
}

func (s *memorySink) Close() error { return nil }

func (s *memorySink) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.records...)
}

func (s *memorySink) Failures() []FailureReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]FailureReport(nil), s.failures...)
}

// recordingPauser returns immediately and remembers every requested delay.
type recordingPauser struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (p *recordingPauser) Pause(_ context.Context, delay time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delays = append(p.delays, delay)
}

func (p *recordingPauser) Delays() []time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]time.Duration(nil), p.delays...)
}

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time { return c.now }

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (e *recordingEmitter) Emit(evt progress.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
}

func (e *recordingEmitter) Stage(stage progress.Stage) []progress.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []progress.Event
	for _, evt := range e.events {
		if evt.Stage == stage {
			out = append(out, evt)
		}
	}
	return out
}

func appRefs(urls ...string) []ItemRef {
	refs := make([]ItemRef, 0, len(urls))
	for _, u := range urls {
		refs = append(refs, ItemRef{URL: u, Category: CategoryApp})
	}
	return refs
}
