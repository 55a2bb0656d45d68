package domain

import "time"

// RetryStatus is the lifecycle state of a single retry attempt.
type RetryStatus string

const (
	RetryStatusPending    RetryStatus = "PENDING"
	RetryStatusInProgress RetryStatus = "IN_PROGRESS"
	RetryStatusSuccess    RetryStatus = "SUCCESS"
	RetryStatusFailed     RetryStatus = "FAILED"
	RetryStatusCancelled  RetryStatus = "CANCELLED"
)

// ActiveRetryStatuses are the states that block a new attempt and can be cancelled.
var ActiveRetryStatuses = []RetryStatus{RetryStatusPending, RetryStatusInProgress}

// IsActive reports whether the status still counts as an in-flight attempt.
func (s RetryStatus) IsActive() bool {
	return s == RetryStatusPending || s == RetryStatusInProgress
}

// IsTerminal reports whether no further transitions are possible.
func (s RetryStatus) IsTerminal() bool {
	return s == RetryStatusSuccess || s == RetryStatusFailed || s == RetryStatusCancelled
}

// RetryAttempt is one numbered try to resubmit the original operation.
type RetryAttempt struct {
	TransactionID string        `json:"transaction_id"`
	AttemptNumber int           `json:"attempt_number"`
	Status        RetryStatus   `json:"status"`
	InitiatedBy   string        `json:"initiated_by"`
	Reason        string        `json:"reason,omitempty"`
	InitiatedAt   time.Time     `json:"initiated_at"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
	Result        AttemptResult `json:"result"`
}

// AttemptResult is the outcome recorded when an attempt settles.
type AttemptResult struct {
	Success      bool          `json:"success"`
	StatusCode   int           `json:"status_code,omitempty"`
	Message      string        `json:"message,omitempty"`
	ErrorDetails string        `json:"error_details,omitempty"`
	Duration     time.Duration `json:"duration"`
}
