package resilience

import (
	"time"

	"github.com/sells-group/pcf-provenance/internal/model"
)

// Error classes recorded on dead-letter entries.
const (
	ErrorTransient = "transient"
	ErrorPermanent = "permanent"
)

// DLQEntry is a lifecycle message that could not be processed and was set
// aside so the queue can advance.
type DLQEntry struct {
	ID           string     `json:"id"`
	FootprintID  string     `json:"footprint_id,omitempty"`
	Step         model.Step `json:"step"`
	Topic        string     `json:"topic,omitempty"`
	Payload      []byte     `json:"payload"`
	Error        string     `json:"error"`
	ErrorType    string     `json:"error_type"`
	RetryCount   int        `json:"retry_count"`
	MaxRetries   int        `json:"max_retries"`
	NextRetryAt  time.Time  `json:"next_retry_at"`
	CreatedAt    time.Time  `json:"created_at"`
	LastFailedAt time.Time  `json:"last_failed_at"`
}

// DLQFilter narrows a dead-letter query.
type DLQFilter struct {
	ErrorType string     `json:"error_type,omitempty"`
	Step      model.Step `json:"step,omitempty"`
	Limit     int        `json:"limit,omitempty"`
}

// CanRetry reports whether the entry is below its retry budget.
func (e *DLQEntry) CanRetry() bool {
	return e.ErrorType == ErrorTransient && e.RetryCount < e.MaxRetries
}

// ClassifyError maps err to ErrorTransient or ErrorPermanent.
func ClassifyError(err error) string {
	if IsTransient(err) {
		return ErrorTransient
	}
	return ErrorPermanent
}
