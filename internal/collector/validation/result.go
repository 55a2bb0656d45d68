package validation

// ValidationError is one failed check.
type ValidationError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return string(e.Code) + ": " + e.Message
}

// Result is the verdict for one operation on one transaction.
type Result struct {
	Operation     Operation         `json:"operation"`
	TransactionID string            `json:"transaction_id"`
	Valid         bool              `json:"valid"`
	Errors        []ValidationError `json:"errors,omitempty"`
}

func valid(op Operation, transactionID string) Result {
	return Result{Operation: op, TransactionID: transactionID, Valid: true}
}

func invalid(op Operation, transactionID string, code Code, message string) Result {
	return Result{
		Operation:     op,
		TransactionID: transactionID,
		Errors:        []ValidationError{{Code: code, Message: message}},
	}
}

// Code returns the first error code, or "" when the result is valid.
func (r Result) Code() Code {
	if r.Valid || len(r.Errors) == 0 {
		return ""
	}
	return r.Errors[0].Code
}

// Message returns the first error message, or "" when the result is valid.
func (r Result) Message() string {
	if r.Valid || len(r.Errors) == 0 {
		return ""
	}
	return r.Errors[0].Message
}

// HasCode reports whether any error carries code.
func (r Result) HasCode(code Code) bool {
	for _, e := range r.Errors {
		if e.Code == code {
			return true
		}
	}
	return false
}

func (r Result) codeLabel() string {
	if r.Valid {
		return "VALID"
	}
	return string(r.Code())
}
