package repositories

import "fmt"

// OrderErrorCode enumerates repository error causes for order writes.
type OrderErrorCode string

const (
	// OrderErrorUnknown represents an unspecified failure.
	OrderErrorUnknown OrderErrorCode = "order_unknown"
	// OrderErrorVoucherExhausted indicates a voucher cap was reached while the order was being committed.
	OrderErrorVoucherExhausted OrderErrorCode = "order_voucher_exhausted"
	// OrderErrorDuplicateReference indicates the customer reference is already taken.
	OrderErrorDuplicateReference OrderErrorCode = "order_duplicate_reference"
	// OrderErrorInsufficientFunds indicates a wallet debit exceeded the balance.
	OrderErrorInsufficientFunds OrderErrorCode = "order_insufficient_funds"
)

// OrderError wraps order-specific failures with machine readable codes.
type OrderError struct {
	Op      string
	Code    OrderErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *OrderError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Unwrap exposes the underlying error, if any.
func (e *OrderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewOrderError constructs a typed order error.
func NewOrderError(code OrderErrorCode, message string, err error) *OrderError {
	if message == "" {
		message = string(code)
	}
	return &OrderError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}
