package services

import (
	"errors"
	"fmt"

	"github.com/quicrefill/api/internal/repositories"
)

var (
	// ErrValidation signals a malformed command that failed boundary validation.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidInput signals a well-formed command carrying unusable values.
	ErrInvalidInput = errors.New("invalid input")
	// ErrMissingFields signals required fields were absent.
	ErrMissingFields = errors.New("missing required fields")

	ErrServiceNotFound         = errors.New("service: not found")
	ErrAddressLocationNotFound = errors.New("address: location not found")
	ErrOrderNotFound           = errors.New("order: not found")
	ErrVoucherNotFound         = errors.New("voucher: not found")

	// ErrUnauthorized signals the caller does not own the resource it acts on.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden signals the caller's role may not perform the operation.
	ErrForbidden = errors.New("forbidden")

	ErrServiceUnavailable        = errors.New("service: unavailable at delivery location")
	ErrPaymentMethodNotAvailable = errors.New("payment: method not available")
	ErrPaymentProcessingFailed   = errors.New("payment: processing failed")
	ErrCalculationFailed         = errors.New("pricing: calculation failed")
	ErrOrderCreationFailed       = errors.New("order: creation failed")
	ErrOrderCancellationFailed   = errors.New("order: cancellation failed")
	ErrInvalidOrderStatus        = errors.New("order: invalid status transition")
	ErrInvalidConfirmationCode   = errors.New("order: invalid confirmation code")
	ErrVoucherExhausted          = errors.New("voucher: usage limit reached")

	// ErrConflict signals a duplicate write, such as a second review for the same order.
	ErrConflict = errors.New("conflict")
	// ErrRepositoryUnavailable signals the backing store could not be reached.
	ErrRepositoryUnavailable = errors.New("repository unavailable")
)

// Alternative is a nearby orderable service suggested when the requested one cannot deliver.
type Alternative struct {
	ServiceID    string
	Name         string
	ProviderID   string
	DistanceKm   float64
	AvgRating    float64
	RatingCount  int
	PricePerUnit string
}

// ServiceUnavailableError is returned when the delivery point lies beyond 1.5x the service radius.
type ServiceUnavailableError struct {
	ServiceID    string
	DistanceKm   float64
	RadiusKm     float64
	Alternatives []Alternative
}

func (e *ServiceUnavailableError) Error() string {
	return fmt.Sprintf("%s: %s is %.2fkm away, radius %.2fkm", ErrServiceUnavailable.Error(), e.ServiceID, e.DistanceKm, e.RadiusKm)
}

func (e *ServiceUnavailableError) Unwrap() error {
	return ErrServiceUnavailable
}

// mapRepositoryError converts repository failures into service sentinels. notFound is used for
// not-found errors so callers keep resource specific codes.
func mapRepositoryError(err error, notFound error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			if notFound == nil {
				notFound = ErrInvalidInput
			}
			return fmt.Errorf("%w: %v", notFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrRepositoryUnavailable, err)
		}
	}
	return err
}

func isRepositoryNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

// serviceSentinels lists errors that already carry a code and pass through wrappers untouched.
var serviceSentinels = []error{
	ErrValidation, ErrInvalidInput, ErrMissingFields,
	ErrServiceNotFound, ErrAddressLocationNotFound, ErrOrderNotFound, ErrVoucherNotFound,
	ErrUnauthorized, ErrForbidden, ErrServiceUnavailable,
	ErrPaymentMethodNotAvailable, ErrPaymentProcessingFailed, ErrCalculationFailed,
	ErrOrderCreationFailed, ErrOrderCancellationFailed, ErrInvalidOrderStatus,
	ErrInvalidConfirmationCode, ErrVoucherExhausted, ErrConflict, ErrRepositoryUnavailable,
}

func isServiceError(err error) bool {
	for _, sentinel := range serviceSentinels {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

// wrapUnexpected tags err with fallback unless it already maps to a service error.
func wrapUnexpected(err error, fallback error) error {
	if err == nil || isServiceError(err) {
		return err
	}
	return fmt.Errorf("%w: %v", fallback, err)
}
