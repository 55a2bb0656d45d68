// Package mutation exposes the operator actions on interface exceptions:
// retry, acknowledge, resolve and cancel.
package mutation

import (
	"github.com/vietddude/collector/internal/collector/validation"
)

// Codes produced outside validation.
const (
	CodeUserLimitExceeded   validation.Code = "USER_LIMIT_EXCEEDED"
	CodeSystemLimitExceeded validation.Code = "SYSTEM_LIMIT_EXCEEDED"
	CodeConcurrentUpdate    validation.Code = "CONCURRENT_MODIFICATION"
	CodeInternalError       validation.Code = "INTERNAL_ERROR"
)

// Request is the input of one mutation.
type Request struct {
	Operation     validation.Operation
	TransactionID string
	Reason        string
	Notes         string
	By            string
}

// Result is the outcome of one mutation.
type Result struct {
	Operation     validation.Operation `json:"operation"`
	TransactionID string               `json:"transaction_id"`
	Success       bool                 `json:"success"`
	Code          validation.Code      `json:"code,omitempty"`
	Message       string               `json:"message,omitempty"`
	AttemptNumber int                  `json:"attempt_number,omitempty"`
	Status        string               `json:"status,omitempty"`
}

func failure(req Request, code validation.Code, message string) Result {
	return Result{
		Operation:     req.Operation,
		TransactionID: req.TransactionID,
		Code:          code,
		Message:       message,
	}
}

func rejected(req Request, v validation.Result) Result {
	return failure(req, v.Code(), v.Message())
}

func (r Result) outcome() string {
	if r.Success {
		return "success"
	}
	return string(r.Code)
}
