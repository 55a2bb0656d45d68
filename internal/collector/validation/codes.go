package validation

import (
	"fmt"
	"strings"

	"github.com/vietddude/collector/internal/core/domain"
)

// Code is a machine-readable validation failure code.
type Code string

const (
	CodeExceptionNotFound       Code = "EXCEPTION_NOT_FOUND"
	CodeNotRetryable            Code = "NOT_RETRYABLE"
	CodeInvalidStatusForRetry   Code = "INVALID_STATUS_FOR_RETRY"
	CodeRetryLimitExceeded      Code = "RETRY_LIMIT_EXCEEDED"
	CodePendingRetryExists      Code = "PENDING_RETRY_EXISTS"
	CodeInvalidStatusTransition Code = "INVALID_STATUS_TRANSITION"
	CodeNoPendingRetryToCancel  Code = "NO_PENDING_RETRY_TO_CANCEL"
	CodeNoCancellableRetries    Code = "NO_CANCELLABLE_RETRIES"
	CodeInvalidOperationType    Code = "INVALID_OPERATION_TYPE"
	CodeInvalidTransactionID    Code = "INVALID_TRANSACTION_ID"
	CodeInvalidReasonLength     Code = "INVALID_REASON_LENGTH"
	CodeInvalidNotesLength      Code = "INVALID_NOTES_LENGTH"
	CodeMissingRequiredField    Code = "MISSING_REQUIRED_FIELD"
	CodeValidationError         Code = "VALIDATION_ERROR"
)

// Operation names a mutation that can be validated.
type Operation string

const (
	OpRetry       Operation = "retry"
	OpAcknowledge Operation = "acknowledge"
	OpResolve     Operation = "resolve"
	OpCancel      Operation = "cancel"
)

// Operations lists every operation with a composite verdict.
var Operations = []Operation{OpRetry, OpAcknowledge, OpResolve, OpCancel}

// ParseOperation converts a case-insensitive name into an Operation.
func ParseOperation(s string) (Operation, error) {
	op := Operation(strings.ToLower(strings.TrimSpace(s)))
	if op == "cancel_retry" {
		return OpCancel, nil
	}
	for _, known := range Operations {
		if op == known {
			return op, nil
		}
	}
	return "", fmt.Errorf("unknown operation %q", s)
}

// Statuses from which each operation may proceed.
var (
	RetryableStatuses = domain.RetryableStatuses

	AcknowledgeableStatuses = []domain.ExceptionStatus{
		domain.StatusNew,
		domain.StatusRetriedFailed,
		domain.StatusEscalated,
	}
	ResolvableStatuses = []domain.ExceptionStatus{
		domain.StatusNew,
		domain.StatusAcknowledged,
		domain.StatusRetriedFailed,
		domain.StatusEscalated,
	}
)

func statusIn(s domain.ExceptionStatus, set []domain.ExceptionStatus) bool {
	for _, candidate := range set {
		if s == candidate {
			return true
		}
	}
	return false
}
