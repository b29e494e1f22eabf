package harvest

import (
	"context"
	"time"
)

// Fetcher issues the network request for one URL. HTTP error statuses are
// returned in FetchResponse.StatusCode with a nil error; err is reserved for
// transport-level failures.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (FetchResponse, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, url string) (FetchResponse, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, url string) (FetchResponse, error) {
	return f(ctx, url)
}

// Extractor turns document content into a record. A record without a name is
// treated as incomplete by the caller.
type Extractor interface {
	Extract(body []byte) (Record, error)
}

// ExtractorFunc adapts a function to the Extractor interface.
type ExtractorFunc func(body []byte) (Record, error)

// Extract calls f.
func (f ExtractorFunc) Extract(body []byte) (Record, error) {
	return f(body)
}

// Discoverer returns the item references to process, partitioned by category.
type Discoverer interface {
	Discover(ctx context.Context, sitemapURL string) (Discovery, error)
}

// RecordSink durably appends successful records. Implementations must be safe
// for concurrent use and write each record as one self-contained entry.
type RecordSink interface {
	AppendRecord(ctx context.Context, record Record) error
}

// FailureSink durably appends permanent-failure reports.
type FailureSink interface {
	AppendFailure(ctx context.Context, report FailureReport) error
}

// Snapshotter writes a full reference list to target, replacing prior content.
type Snapshotter interface {
	Snapshot(ctx context.Context, target string, items []ItemRef) error
}

// Sink bundles the persistence contract consumed by the pipeline.
type Sink interface {
	RecordSink
	FailureSink
	Snapshotter
	Close() error
}

// Publisher announces persisted records downstream.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Limiter paces outbound requests.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// Pauser suspends the caller for delay or until ctx ends.
type Pauser interface {
	Pause(ctx context.Context, delay time.Duration)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
