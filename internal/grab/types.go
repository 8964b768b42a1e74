// Package grab defines core types shared across subsystems.
package grab

import "time"

// BatchStatus represents the lifecycle state of a submitted batch.
type BatchStatus string

// Batch status values reported by the status endpoint.
const (
	BatchStatusPending    BatchStatus = "pending"
	BatchStatusProcessing BatchStatus = "processing"
	BatchStatusComplete   BatchStatus = "complete"
)

// JobStatus represents the state of one item within a batch.
type JobStatus string

// Job status values. Skipped counts toward the batch's completed total.
const (
	JobStatusPending JobStatus = "pending"
	JobStatusActive  JobStatus = "active"
	JobStatusSuccess JobStatus = "success"
	JobStatusSkipped JobStatus = "skipped"
	JobStatusFailed  JobStatus = "failed"
)

// SubmitItem is one requested download within a submission.
type SubmitItem struct {
	Locator         string `json:"locator"`
	DestinationName string `json:"destination_name"`
}

// DestinationContext carries where a batch's payloads should land.
type DestinationContext struct {
	Directory   string `json:"directory"`
	ContentType string `json:"content_type,omitempty"`
}

// Job is one unit of work inside a batch. A job transitions to a
// terminal status at most once.
type Job struct {
	BatchID   string    `json:"batch_id"`
	Locator   string    `json:"locator"`
	DestName  string    `json:"destination_name"`
	Status    JobStatus `json:"status"`
	Attempted []string  `json:"attempted,omitempty"`
	ErrorText string    `json:"error,omitempty"`
}

// Batch groups jobs submitted together.
type Batch struct {
	ID          string             `json:"id"`
	Status      BatchStatus        `json:"status"`
	Total       int                `json:"total"`
	Completed   int                `json:"completed"`
	Failed      int                `json:"failed"`
	Destination DestinationContext `json:"destination"`
	Submitted   time.Time          `json:"submitted_at"`
	Finished    *time.Time         `json:"finished_at,omitempty"`
	Items       []Job              `json:"items"`
}

// MediaCandidate is one media reference an extraction adapter found.
type MediaCandidate struct {
	Type          string `json:"type"`
	URL           string `json:"url"`
	EstimatedSize int64  `json:"estimated_size,omitempty"`
}

// Payload is the result of one successful fetch strategy attempt.
type Payload struct {
	Body     []byte
	FinalURL string
	Strategy string
	Duration time.Duration
}

// CompletionEvent is published once when a batch reaches complete.
type CompletionEvent struct {
	BatchID   string    `json:"batch_id"`
	Total     int       `json:"total"`
	Completed int       `json:"completed"`
	Failed    int       `json:"failed"`
	At        time.Time `json:"at"`
}
