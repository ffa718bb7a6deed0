package resilience

import (
	"time"

	"github.com/fiskala/regtruth/internal/model"
)

// DLQEntry represents a failed job parked for later inspection or replay.
type DLQEntry struct {
	ID           string      `json:"id"`
	Job          model.Job   `json:"job"`
	Error        string      `json:"error"`
	ErrorClass   ErrorClass  `json:"error_class"`
	FailedStage  model.Stage `json:"failed_stage"`
	RetryCount   int         `json:"retry_count"`
	MaxRetries   int         `json:"max_retries"`
	CreatedAt    time.Time   `json:"created_at"`
	LastFailedAt time.Time   `json:"last_failed_at"`
}

// DLQFilter specifies criteria for querying the dead letter queue.
type DLQFilter struct {
	ErrorClass ErrorClass  `json:"error_class,omitempty"`
	Stage      model.Stage `json:"stage,omitempty"`
	Limit      int         `json:"limit,omitempty"`
}

// CanRetry returns true if this entry hasn't exceeded its max retry count
// and its error class permits another attempt.
func (e *DLQEntry) CanRetry() bool {
	return e.ErrorClass.Retryable() && e.RetryCount < e.MaxRetries
}
