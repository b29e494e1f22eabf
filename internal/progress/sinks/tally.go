package sinks

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/sitemap-harvester/internal/progress"
)

// Tally is a point-in-time view of a run, served by the status API.
type Tally struct {
	RunID        string    `json:"run_id,omitempty"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	FinishedAt   time.Time `json:"finished_at,omitempty"`
	TotalItems   int       `json:"total_items"`
	Batch        int       `json:"current_batch"`
	Round        int       `json:"current_round"`
	BatchesDone  int       `json:"batches_done"`
	Succeeded    int       `json:"succeeded"`
	RateLimited  int       `json:"rate_limited_attempts"`
	Failed       int       `json:"failed"`
	Exhausted    int       `json:"exhausted"`
	BytesFetched int64     `json:"bytes_fetched"`
	LastURL      string    `json:"last_url,omitempty"`
}

// TallySink folds events into a running Tally.
type TallySink struct {
	mu    sync.RWMutex
	tally Tally
}

// NewTallySink returns an empty TallySink.
func NewTallySink() *TallySink {
	return &TallySink{}
}

// Consume folds the batch into the tally.
func (s *TallySink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		s.apply(evt)
	}
	return nil
}

func (s *TallySink) apply(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart:
		s.tally = Tally{
			RunID:      evt.RunUUID().String(),
			StartedAt:  evt.TS,
			TotalItems: evt.Items,
		}
	case progress.StageRunDone:
		s.tally.FinishedAt = evt.TS
	case progress.StageBatchStart:
		s.tally.Batch = evt.Batch
		s.tally.Round = 0
	case progress.StageBatchDone:
		s.tally.BatchesDone++
	case progress.StageRoundDone:
		s.tally.Round = evt.Round
	case progress.StageItemDone:
		s.tally.LastURL = evt.URL
		s.tally.BytesFetched += evt.Bytes
		switch evt.Outcome {
		case "success":
			s.tally.Succeeded++
		case "rate_limited":
			s.tally.RateLimited++
		default:
			s.tally.Failed++
		}
	case progress.StageExhausted:
		s.tally.Exhausted++
	}
}

// Snapshot returns a copy of the current tally.
func (s *TallySink) Snapshot() Tally {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tally
}

// Close implements the Sink interface; it performs no action.
func (s *TallySink) Close(context.Context) error {
	return nil
}
