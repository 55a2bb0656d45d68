package domain

import "time"

// Event is a domain event emitted after a mutation has been applied.
type Event interface {
	EventType() EventType
	EventTransactionID() string
}

type EventType string

const (
	EventTypeExceptionStatusChanged EventType = "exception_status_changed"
	EventTypeRetryAttemptStarted    EventType = "retry_attempt_started"
	EventTypeRetryAttemptCompleted  EventType = "retry_attempt_completed"
)

// ExceptionStatusChanged is emitted whenever an exception moves to a new status.
type ExceptionStatusChanged struct {
	TransactionID string          `json:"transaction_id"`
	FromStatus    ExceptionStatus `json:"from_status"`
	ToStatus      ExceptionStatus `json:"to_status"`
	By            string          `json:"by"`
	Reason        string          `json:"reason,omitempty"`
	Notes         string          `json:"notes,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

func (e ExceptionStatusChanged) EventType() EventType       { return EventTypeExceptionStatusChanged }
func (e ExceptionStatusChanged) EventTransactionID() string { return e.TransactionID }

// RetryAttemptStarted is emitted when a new attempt is recorded as PENDING.
type RetryAttemptStarted struct {
	TransactionID string    `json:"transaction_id"`
	AttemptNumber int       `json:"attempt_number"`
	By            string    `json:"by"`
	Reason        string    `json:"reason,omitempty"`
	Notes         string    `json:"notes,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

func (e RetryAttemptStarted) EventType() EventType       { return EventTypeRetryAttemptStarted }
func (e RetryAttemptStarted) EventTransactionID() string { return e.TransactionID }

// RetryAttemptCompleted is emitted when an attempt reaches a terminal state.
type RetryAttemptCompleted struct {
	TransactionID string      `json:"transaction_id"`
	AttemptNumber int         `json:"attempt_number"`
	Status        RetryStatus `json:"status"`
	Success       bool        `json:"success"`
	ErrorMessage  string      `json:"error_message,omitempty"`
	DurationMs    int64       `json:"duration_ms"`
	OccurredAt    time.Time   `json:"occurred_at"`
}

func (e RetryAttemptCompleted) EventType() EventType       { return EventTypeRetryAttemptCompleted }
func (e RetryAttemptCompleted) EventTransactionID() string { return e.TransactionID }
