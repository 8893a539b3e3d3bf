package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/quicrefill/api/internal/domain"
	"github.com/quicrefill/api/internal/repositories"
)

func newReviewFixture(t *testing.T, status domain.OrderStatus) (*stubReviewRepo, ReviewService) {
	t.Helper()
	store := newMemoryOrderStore(nil)
	store.put(domain.ServiceOrder{
		ID:         "ord_r",
		UserID:     testCustomer.ID,
		ServiceID:  "svc-gas",
		ProviderID: testProvider.ID,
		Status:     status,
	}, nil)
	reviews := &stubReviewRepo{}
	svc, err := NewReviewService(ReviewServiceDeps{Orders: store.orderRepo(), Reviews: reviews, Clock: fixedClock})
	if err != nil {
		t.Fatalf("NewReviewService: %v", err)
	}
	return reviews, svc
}

func TestReviewServiceAddsRating(t *testing.T) {
	reviews, svc := newReviewFixture(t, domain.OrderStatusDelivered)

	result, err := svc.AddServiceOrderRating(context.Background(), RateOrderCommand{
		OrderID: "ord_r",
		Actor:   testCustomer,
		Rating:  4,
		Comment: "  <b>Quick</b>   delivery\r\n<i>thanks</i>  ",
	})
	if err != nil {
		t.Fatalf("AddServiceOrderRating: %v", err)
	}
	if len(reviews.added) != 1 {
		t.Fatalf("expected one review, got %d", len(reviews.added))
	}
	review := reviews.added[0]
	if review.ID != "ord_r" || review.ServiceID != "svc-gas" || review.Rating != 4 || !review.CreatedAt.Equal(testNow) {
		t.Fatalf("unexpected review %+v", review)
	}
	if review.Comment != "Quick delivery\nthanks" {
		t.Fatalf("unexpected sanitized comment %q", review.Comment)
	}
	if result.Summary.RatingCount != 1 || result.Summary.AvgRating != 4 {
		t.Fatalf("unexpected summary %+v", result.Summary)
	}
}

func TestReviewServiceValidation(t *testing.T) {
	tests := []struct {
		name   string
		status domain.OrderStatus
		cmd    RateOrderCommand
		want   error
	}{
		{name: "rating too low", status: domain.OrderStatusDelivered, cmd: RateOrderCommand{OrderID: "ord_r", Actor: testCustomer, Rating: 0}, want: ErrInvalidInput},
		{name: "rating too high", status: domain.OrderStatusDelivered, cmd: RateOrderCommand{OrderID: "ord_r", Actor: testCustomer, Rating: 6}, want: ErrInvalidInput},
		{
			name:   "comment too long",
			status: domain.OrderStatusDelivered,
			cmd:    RateOrderCommand{OrderID: "ord_r", Actor: testCustomer, Rating: 5, Comment: strings.Repeat("a", 1001)},
			want:   ErrInvalidInput,
		},
		{name: "not delivered", status: domain.OrderStatusOutForDelivery, cmd: RateOrderCommand{OrderID: "ord_r", Actor: testCustomer, Rating: 5}, want: ErrInvalidOrderStatus},
		{name: "someone else's order", status: domain.OrderStatusDelivered, cmd: RateOrderCommand{OrderID: "ord_r", Actor: Actor{ID: "cust-2", Role: RoleCustomer}, Rating: 5}, want: ErrUnauthorized},
		{name: "provider", status: domain.OrderStatusDelivered, cmd: RateOrderCommand{OrderID: "ord_r", Actor: testProvider, Rating: 5}, want: ErrForbidden},
		{name: "unknown order", status: domain.OrderStatusDelivered, cmd: RateOrderCommand{OrderID: "ord_x", Actor: testCustomer, Rating: 5}, want: ErrOrderNotFound},
		{name: "missing order", status: domain.OrderStatusDelivered, cmd: RateOrderCommand{Actor: testCustomer, Rating: 5}, want: ErrMissingFields},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			reviews, svc := newReviewFixture(t, tc.status)
			if _, err := svc.AddServiceOrderRating(context.Background(), tc.cmd); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if len(reviews.added) != 0 {
				t.Fatalf("expected no review to be stored")
			}
		})
	}
}

func TestReviewServiceDuplicateRating(t *testing.T) {
	reviews, svc := newReviewFixture(t, domain.OrderStatusDelivered)
	reviews.addFn = func(context.Context, domain.OrderReview) (repositories.RatingSummary, error) {
		return repositories.RatingSummary{}, stubRepoError{conflict: true}
	}

	_, err := svc.AddServiceOrderRating(context.Background(), RateOrderCommand{OrderID: "ord_r", Actor: testCustomer, Rating: 3})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestSanitizeReviewText(t *testing.T) {
	tests := map[string]string{
		"":                        "",
		"   ":                     "",
		"good  service":           "good service",
		"line one\r\nline   two":  "line one\nline two",
		"bell\x07 removed":        "bell removed",
		"  spaced   out  words  ": "spaced out words",
	}
	for input, want := range tests {
		if got := sanitizeReviewText(input); got != want {
			t.Fatalf("sanitizeReviewText(%q) = %q, want %q", input, got, want)
		}
	}
}
