package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart   Stage = "RUN_START"
	StageRunDone    Stage = "RUN_DONE"
	StageBatchStart Stage = "BATCH_START"
	StageBatchDone  Stage = "BATCH_DONE"
	StageRoundDone  Stage = "ROUND_DONE"
	StageItemDone   Stage = "ITEM_DONE"
	StageExhausted  Stage = "ITEM_EXHAUSTED"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for item completions.
const (
	Status2xx       StatusClass = "2xx"
	Status3xx       StatusClass = "3xx"
	Status429       StatusClass = "429"
	Status4xx       StatusClass = "4xx"
	Status5xx       StatusClass = "5xx"
	StatusTransport StatusClass = "transport"
)

// Counts carries per-round, per-batch, or per-run classification totals.
type Counts struct {
	Succeeded   int
	RateLimited int
	Failed      int
	Exhausted   int
}

// Event captures a single component of harvest progress.
type Event struct {
	// RunID identifies one harvest run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// Batch is the 1-based batch index for batch, round, and item events.
	Batch int
	// Round is the 1-based round index within the batch.
	Round int
	// Items is the number of items the event covers (run total, batch size, round fan-out).
	Items int
	// URL is set on item events.
	URL string
	// Outcome is the item classification (success, rate_limited, failed).
	Outcome string
	// StatusClass groups HTTP response codes for item events.
	StatusClass StatusClass
	// Bytes carries the response size for item events.
	Bytes int64
	// Backoff is the delay applied before the round, zero for first rounds.
	Backoff time.Duration
	// Dur captures latency for items and wall time for rounds, batches, and runs.
	Dur time.Duration
	// Counts is populated on round, batch, and run completions.
	Counts Counts
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone:
	case StageBatchStart, StageBatchDone:
		if e.Batch <= 0 {
			return errors.New("batch events require a batch index")
		}
	case StageRoundDone:
		if e.Batch <= 0 || e.Round <= 0 {
			return errors.New("round done requires batch and round indexes")
		}
	case StageItemDone, StageExhausted:
		if e.URL == "" {
			return errors.New("item events require url")
		}
		if e.Stage == StageItemDone && e.Outcome == "" {
			return errors.New("item done requires outcome")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 || e.Backoff < 0 {
		return errors.New("durations must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ClassifyStatus groups HTTP status codes for item events. Zero means the
// request never produced a response.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code == 429:
		return Status429
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusTransport
	}
}
