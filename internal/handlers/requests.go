package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quicrefill/api/internal/platform/auth"
	"github.com/quicrefill/api/internal/platform/httpx"
	"github.com/quicrefill/api/internal/services"
)

const defaultMaxBodySize = 16 * 1024

var (
	errBodyTooLarge = errors.New("request body too large")
	errEmptyBody    = errors.New("request body is required")
)

// fieldErrors collects validation failures keyed by request field.
type fieldErrors map[string]string

func (f fieldErrors) add(field, message string) {
	if _, exists := f[field]; !exists {
		f[field] = message
	}
}

// writeIfAny writes a VALIDATION_ERROR listing every failed field and reports whether it did.
func (f fieldErrors) writeIfAny(ctx context.Context, w http.ResponseWriter) bool {
	if len(f) == 0 {
		return false
	}
	fields := make([]string, 0, len(f))
	for field := range f {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	details := make(map[string]any, len(f))
	for field, message := range f {
		details[field] = message
	}
	httpx.WriteError(ctx, w, httpx.NewError("VALIDATION_ERROR", "invalid fields: "+strings.Join(fields, ", "), http.StatusBadRequest).
		WithDetails(map[string]any{"fields": details}))
	return true
}

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, errEmptyBody
	}
	if limit <= 0 {
		limit = defaultMaxBodySize
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errEmptyBody
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}

// decodeBody reads a JSON body into dst. When optional is set an empty body leaves dst untouched.
// On failure the error response has already been written.
func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, dst any, optional bool) bool {
	ctx := r.Context()
	body, err := readLimitedBody(r, limit)
	if err != nil {
		switch {
		case errors.Is(err, errEmptyBody):
			if optional {
				return true
			}
			httpx.WriteError(ctx, w, httpx.NewError("MISSING_FIELDS", "request body is required", http.StatusBadRequest))
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("VALIDATION_ERROR", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("VALIDATION_ERROR", "unable to read request body", http.StatusBadRequest))
		}
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("VALIDATION_ERROR", "invalid JSON payload", http.StatusBadRequest))
		return false
	}
	return true
}

// requireActor resolves the authenticated caller. On failure the error response has been written.
func requireActor(w http.ResponseWriter, r *http.Request) (services.Actor, bool) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(r.Context(), w, httpx.NewError("UNAUTHORIZED", "authentication required", http.StatusUnauthorized))
		return services.Actor{}, false
	}
	role := strings.ToLower(strings.TrimSpace(identity.Role))
	if role == "" {
		role = services.RoleCustomer
	}
	return services.Actor{ID: strings.TrimSpace(identity.UID), Role: role}, true
}

func serviceUnavailable(ctx context.Context, w http.ResponseWriter, name string) {
	httpx.WriteError(ctx, w, httpx.NewError("INTERNAL_ERROR", name+" service unavailable", http.StatusServiceUnavailable))
}

// validateQuantity checks an order quantity: present, positive and at most two decimal places.
func validateQuantity(errs fieldErrors, field string, value *decimal.Decimal) decimal.Decimal {
	switch {
	case value == nil:
		errs.add(field, "is required")
	case !value.IsPositive():
		errs.add(field, "must be greater than zero")
	case !value.Equal(value.Round(2)):
		errs.add(field, "must have at most two decimal places")
	default:
		return *value
	}
	return decimal.Zero
}

func validateID(errs fieldErrors, field, value string) string {
	value = strings.TrimSpace(value)
	switch {
	case value == "":
		errs.add(field, "is required")
	case len(value) > 128 || strings.ContainsAny(value, "/\\ \t\n"):
		errs.add(field, "is not a valid identifier")
	}
	return value
}

func parseDay(errs fieldErrors, field, value string) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}
	}
	day, err := time.Parse(time.DateOnly, value)
	if err != nil {
		errs.add(field, "must be a YYYY-MM-DD date")
		return time.Time{}
	}
	return day
}

func money(value decimal.Decimal) string {
	return value.StringFixed(2)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func buildAlternatives(alternatives []services.Alternative) []alternativePayload {
	items := make([]alternativePayload, 0, len(alternatives))
	for _, alt := range alternatives {
		items = append(items, alternativePayload{
			ServiceID:    alt.ServiceID,
			Name:         alt.Name,
			ProviderID:   alt.ProviderID,
			DistanceKm:   alt.DistanceKm,
			AvgRating:    alt.AvgRating,
			RatingCount:  alt.RatingCount,
			PricePerUnit: alt.PricePerUnit,
		})
	}
	return items
}

type alternativePayload struct {
	ServiceID    string  `json:"service_id"`
	Name         string  `json:"name"`
	ProviderID   string  `json:"provider_id"`
	DistanceKm   float64 `json:"distance_km"`
	AvgRating    float64 `json:"avg_rating"`
	RatingCount  int     `json:"rating_count"`
	PricePerUnit string  `json:"price_per_unit"`
}
