package harvest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Notification is the payload published after a record is persisted.
type Notification struct {
	URL  string `json:"url"`
	Name string `json:"name"`
}

// Processor runs the fetch-and-classify unit of work for one item.
type Processor struct {
	fetcher   Fetcher
	extractor Extractor
	records   RecordSink
	limiter   Limiter
	publisher Publisher
	topic     string
	logger    *zap.Logger
}

// ProcessorOption customizes a Processor.
type ProcessorOption func(*Processor)

// WithLimiter paces every fetch through l.
func WithLimiter(l Limiter) ProcessorOption {
	return func(p *Processor) {
		p.limiter = l
	}
}

// WithPublisher announces each persisted record on topic.
func WithPublisher(pub Publisher, topic string) ProcessorOption {
	return func(p *Processor) {
		p.publisher = pub
		p.topic = topic
	}
}

// WithProcessorLogger sets the logger.
func WithProcessorLogger(logger *zap.Logger) ProcessorOption {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewProcessor wires the per-item collaborators.
func NewProcessor(fetcher Fetcher, extractor Extractor, records RecordSink, opts ...ProcessorOption) *Processor {
	p := &Processor{
		fetcher:   fetcher,
		extractor: extractor,
		records:   records,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process turns item into exactly one Outcome. It never panics: every error
// path, including a recovered panic, yields OutcomeFailed. Successful records
// are appended to the record sink before Process returns.
func (p *Processor) Process(ctx context.Context, item ItemRef) (out Outcome) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			out = Outcome{
				Kind: OutcomeFailed,
				Item: item,
				Err:  fmt.Errorf("process %s: recovered panic: %v", item.URL, r),
			}
		}
		out.Duration = time.Since(start)
	}()

	out = Outcome{Kind: OutcomeFailed, Item: item}
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx, item.URL); err != nil {
			out.Err = fmt.Errorf("wait for limiter: %w", err)
			return out
		}
	}

	resp, err := p.fetcher.Fetch(ctx, item.URL)
	out.StatusCode = resp.StatusCode
	out.Bytes = len(resp.Body)
	if err != nil {
		out.Err = fmt.Errorf("fetch %s: %w: %w", item.URL, ErrUnreachable, err)
		return out
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		out.Kind = OutcomeRateLimited
		out.Err = &StatusError{Code: resp.StatusCode}
		return out
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		out.Err = &StatusError{Code: resp.StatusCode}
		return out
	}

	record, err := p.extractor.Extract(resp.Body)
	if err != nil {
		out.Err = fmt.Errorf("extract %s: %w", item.URL, err)
		return out
	}
	if !record.HasMinimumContent() {
		out.Err = fmt.Errorf("extract %s: %w", item.URL, ErrIncompleteExtraction)
		return out
	}
	record.URL = item.URL

	p.persist(ctx, record)
	out.Kind = OutcomeSuccess
	out.Record = &record
	return out
}

func (p *Processor) persist(ctx context.Context, record Record) {
	if err := p.records.AppendRecord(ctx, record); err != nil {
		p.logger.Error("append record failed",
			zap.String("url", record.URL),
			zap.Error(errors.Join(ErrPersistence, err)),
		)
		return
	}
	if p.publisher == nil {
		return
	}
	msgID, err := p.publisher.Publish(ctx, p.topic, Notification{URL: record.URL, Name: record.BasicInfo.Name})
	if err != nil {
		p.logger.Warn("publish notification failed", zap.String("url", record.URL), zap.Error(err))
		return
	}
	p.logger.Debug("published notification", zap.String("url", record.URL), zap.String("message_id", msgID))
}
