package domain

import (
	"fmt"
	"strings"
	"time"
)

// InterfaceType identifies the source system an exception came from.
type InterfaceType string

const (
	InterfaceTypeOrder        InterfaceType = "ORDER"
	InterfaceTypePartnerOrder InterfaceType = "PARTNER_ORDER"
	InterfaceTypeCollection   InterfaceType = "COLLECTION"
	InterfaceTypeDistribution InterfaceType = "DISTRIBUTION"
)

// InterfaceTypes lists every known interface type.
var InterfaceTypes = []InterfaceType{
	InterfaceTypeOrder,
	InterfaceTypePartnerOrder,
	InterfaceTypeCollection,
	InterfaceTypeDistribution,
}

// ParseInterfaceType converts a case-insensitive name into an InterfaceType.
func ParseInterfaceType(s string) (InterfaceType, error) {
	t := InterfaceType(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range InterfaceTypes {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown interface type %q", s)
}

// ExceptionStatus is the lifecycle status of an interface exception.
type ExceptionStatus string

const (
	StatusNew            ExceptionStatus = "NEW"
	StatusAcknowledged   ExceptionStatus = "ACKNOWLEDGED"
	StatusRetriedSuccess ExceptionStatus = "RETRIED_SUCCESS"
	StatusRetriedFailed  ExceptionStatus = "RETRIED_FAILED"
	StatusEscalated      ExceptionStatus = "ESCALATED"
	StatusResolved       ExceptionStatus = "RESOLVED"
	StatusClosed         ExceptionStatus = "CLOSED"
)

// RetryableStatuses are the statuses a retry may start from.
var RetryableStatuses = []ExceptionStatus{StatusNew, StatusRetriedFailed, StatusEscalated}

// AllowsRetry reports whether a retry may start from s.
func (s ExceptionStatus) AllowsRetry() bool {
	for _, candidate := range RetryableStatuses {
		if s == candidate {
			return true
		}
	}
	return false
}

// Severity classifies the business impact of an exception.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// InterfaceException is a recorded failure of a cross-service operation.
type InterfaceException struct {
	TransactionID   string          `json:"transaction_id"`
	ExternalID      string          `json:"external_id"`
	InterfaceType   InterfaceType   `json:"interface_type"`
	Operation       string          `json:"operation"`
	Status          ExceptionStatus `json:"status"`
	Severity        Severity        `json:"severity"`
	Retryable       bool            `json:"retryable"`
	RetryCount      int             `json:"retry_count"`
	MaxRetries      int             `json:"max_retries"`
	CustomerID      string          `json:"customer_id,omitempty"`
	ExceptionReason string          `json:"exception_reason,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	AcknowledgedAt  *time.Time      `json:"acknowledged_at,omitempty"`
	AcknowledgedBy  string          `json:"acknowledged_by,omitempty"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty"`
	ResolvedBy      string          `json:"resolved_by,omitempty"`
	LastRetryAt     *time.Time      `json:"last_retry_at,omitempty"`
}

// HasRetriesLeft reports whether another retry attempt is still allowed.
func (e *InterfaceException) HasRetriesLeft() bool {
	return e.RetryCount < e.MaxRetries
}

// StatusChange is an immutable record of one exception status transition.
type StatusChange struct {
	TransactionID string          `json:"transaction_id"`
	From          ExceptionStatus `json:"from_status"`
	To            ExceptionStatus `json:"to_status"`
	ChangedBy     string          `json:"changed_by"`
	ChangedAt     time.Time       `json:"changed_at"`
	Reason        string          `json:"reason,omitempty"`
	Notes         string          `json:"notes,omitempty"`
}

// ValidationProjection holds only the fields mutation validation reads.
type ValidationProjection struct {
	TransactionID  string          `db:"transaction_id"`
	Status         ExceptionStatus `db:"status"`
	Retryable      bool            `db:"retryable"`
	RetryCount     int             `db:"retry_count"`
	MaxRetries     int             `db:"max_retries"`
	TotalAttempts  int             `db:"total_attempts"`
	ActiveAttempts int             `db:"active_attempts"`
}
