// Package harvest implements the batched, rate-limit-aware fetch-and-persist
// pipeline: item discovery hand-off, per-item fetch-and-classify, the batch
// retry scheduler, and the driver that sequences a full run.
package harvest
