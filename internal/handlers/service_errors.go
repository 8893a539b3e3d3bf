package handlers

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/quicrefill/api/internal/platform/httpx"
	"github.com/quicrefill/api/internal/platform/requestctx"
	"github.com/quicrefill/api/internal/services"
)

type errorMapping struct {
	target error
	code   string
	status int
	// expose forwards the wrapped error text to the client.
	expose bool
}

var serviceErrorMappings = []errorMapping{
	{services.ErrValidation, "VALIDATION_ERROR", http.StatusBadRequest, true},
	{services.ErrMissingFields, "MISSING_FIELDS", http.StatusBadRequest, true},
	{services.ErrInvalidInput, "INVALID_INPUT", http.StatusBadRequest, true},
	{services.ErrServiceNotFound, "SERVICE_NOT_FOUND", http.StatusNotFound, false},
	{services.ErrAddressLocationNotFound, "ADDRESS_LOCATION_NOT_FOUND", http.StatusNotFound, true},
	{services.ErrOrderNotFound, "ORDER_NOT_FOUND", http.StatusNotFound, false},
	{services.ErrVoucherNotFound, "VOUCHER_NOT_FOUND", http.StatusNotFound, true},
	{services.ErrUnauthorized, "UNAUTHORIZED", http.StatusForbidden, false},
	{services.ErrForbidden, "FORBIDDEN", http.StatusForbidden, true},
	{services.ErrPaymentMethodNotAvailable, "PAYMENT_METHOD_NOT_AVAILABLE", http.StatusBadRequest, true},
	{services.ErrPaymentProcessingFailed, "PAYMENT_PROCESSING_FAILED", http.StatusPaymentRequired, false},
	{services.ErrInvalidOrderStatus, "INVALID_ORDER_STATUS", http.StatusConflict, true},
	{services.ErrInvalidConfirmationCode, "INVALID_CONFIRMATION_CODE", http.StatusBadRequest, false},
	{services.ErrVoucherExhausted, "VOUCHER_EXHAUSTED", http.StatusConflict, false},
	{services.ErrConflict, "CONFLICT", http.StatusConflict, false},
	{services.ErrCalculationFailed, "CALCULATION_FAILED", http.StatusInternalServerError, false},
	{services.ErrOrderCreationFailed, "ORDER_CREATION_FAILED", http.StatusInternalServerError, false},
	{services.ErrOrderCancellationFailed, "ORDER_CANCELLATION_FAILED", http.StatusInternalServerError, false},
	{services.ErrRepositoryUnavailable, "INTERNAL_ERROR", http.StatusServiceUnavailable, false},
}

var defaultErrorMessages = map[string]string{
	"SERVICE_NOT_FOUND":         "service not found",
	"ORDER_NOT_FOUND":           "order not found",
	"UNAUTHORIZED":              "not allowed to act on this resource",
	"PAYMENT_PROCESSING_FAILED": "payment could not be processed",
	"INVALID_CONFIRMATION_CODE": "confirmation code does not match",
	"VOUCHER_EXHAUSTED":         "voucher usage limit reached",
	"CONFLICT":                  "resource already exists",
	"CALCULATION_FAILED":        "price calculation failed",
	"ORDER_CREATION_FAILED":     "order could not be created",
	"ORDER_CANCELLATION_FAILED": "order could not be cancelled",
	"INTERNAL_ERROR":            "service temporarily unavailable",
}

// writeServiceError maps a service error to the response envelope. Unknown errors are logged and
// reported as INTERNAL_ERROR without their text.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	var unavailable *services.ServiceUnavailableError
	if errors.As(err, &unavailable) {
		httpx.WriteError(ctx, w, httpx.NewError("SERVICE_UNAVAILABLE", "service does not deliver to this address", http.StatusUnprocessableEntity).
			WithDetails(map[string]any{
				"serviceId":    unavailable.ServiceID,
				"distanceKm":   unavailable.DistanceKm,
				"radiusKm":     unavailable.RadiusKm,
				"alternatives": buildAlternatives(unavailable.Alternatives),
			}))
		return
	}
	if errors.Is(err, services.ErrServiceUnavailable) {
		httpx.WriteError(ctx, w, httpx.NewError("SERVICE_UNAVAILABLE", "service does not deliver to this address", http.StatusUnprocessableEntity))
		return
	}

	for _, mapping := range serviceErrorMappings {
		if !errors.Is(err, mapping.target) {
			continue
		}
		message := defaultErrorMessages[mapping.code]
		if mapping.expose {
			message = err.Error()
		}
		if mapping.status >= http.StatusInternalServerError {
			requestctx.Logger(ctx).Error("request failed", zap.String("code", mapping.code), zap.Error(err))
		}
		httpx.WriteError(ctx, w, httpx.NewError(mapping.code, message, mapping.status))
		return
	}

	requestctx.Logger(ctx).Error("unexpected service error", zap.Error(err))
	httpx.WriteError(ctx, w, httpx.NewError("INTERNAL_ERROR", "internal server error", http.StatusInternalServerError))
}
