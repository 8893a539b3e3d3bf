package services

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"

	"github.com/quicrefill/api/internal/domain"
	"github.com/quicrefill/api/internal/repositories"
)

const (
	minReviewRating        = 1
	maxReviewRating        = 5
	maxReviewCommentLength = 1000
)

// ReviewServiceDeps bundles collaborators for the review service.
type ReviewServiceDeps struct {
	Orders    repositories.OrderRepository
	Reviews   repositories.ReviewRepository
	Clock     func() time.Time
	Sanitizer func(string) string
	Logger    func(ctx context.Context, event string, fields map[string]any)
}

type reviewService struct {
	orders   repositories.OrderRepository
	reviews  repositories.ReviewRepository
	clock    func() time.Time
	sanitize func(string) string
	logger   func(context.Context, string, map[string]any)
}

var _ ReviewService = (*reviewService)(nil)

// NewReviewService constructs a ReviewService.
func NewReviewService(deps ReviewServiceDeps) (ReviewService, error) {
	if deps.Orders == nil {
		return nil, errors.New("review service: order repository is required")
	}
	if deps.Reviews == nil {
		return nil, errors.New("review service: review repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	sanitize := deps.Sanitizer
	if sanitize == nil {
		policy := bluemonday.StrictPolicy()
		sanitize = func(input string) string {
			return sanitizeReviewText(html.UnescapeString(policy.Sanitize(input)))
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &reviewService{
		orders:  deps.Orders,
		reviews: deps.Reviews,
		clock: func() time.Time {
			return clock().UTC()
		},
		sanitize: sanitize,
		logger:   logger,
	}, nil
}

// AddServiceOrderRating stores the customer's rating of a delivered order. The service aggregate is
// recomputed from every review of the service in the same transaction.
func (s *reviewService) AddServiceOrderRating(ctx context.Context, cmd RateOrderCommand) (ReviewResult, error) {
	if strings.TrimSpace(cmd.OrderID) == "" {
		return ReviewResult{}, fmt.Errorf("%w: order id is required", ErrMissingFields)
	}
	if err := requireRole(cmd.Actor, RoleCustomer); err != nil {
		return ReviewResult{}, err
	}
	if cmd.Rating < minReviewRating || cmd.Rating > maxReviewRating {
		return ReviewResult{}, fmt.Errorf("%w: rating must be between %d and %d", ErrInvalidInput, minReviewRating, maxReviewRating)
	}
	comment := s.sanitize(cmd.Comment)
	if utf8.RuneCountInString(comment) > maxReviewCommentLength {
		return ReviewResult{}, fmt.Errorf("%w: comment exceeds %d characters", ErrInvalidInput, maxReviewCommentLength)
	}

	order, err := s.orders.FindByID(ctx, cmd.OrderID)
	if err != nil {
		return ReviewResult{}, mapOrderError(err, nil)
	}
	if order.UserID != cmd.Actor.ID {
		return ReviewResult{}, fmt.Errorf("%w: order %s belongs to another customer", ErrUnauthorized, order.ID)
	}
	if order.Status != domain.OrderStatusDelivered {
		return ReviewResult{}, fmt.Errorf("%w: only delivered orders can be rated", ErrInvalidOrderStatus)
	}

	review := domain.OrderReview{
		ID:             order.ID,
		ServiceOrderID: order.ID,
		ServiceID:      order.ServiceID,
		UserID:         cmd.Actor.ID,
		Rating:         cmd.Rating,
		Comment:        comment,
		CreatedAt:      s.clock(),
	}
	summary, err := s.reviews.Add(ctx, review)
	if err != nil {
		mapped := mapRepositoryError(err, ErrServiceNotFound)
		if errors.Is(mapped, ErrConflict) {
			return ReviewResult{}, fmt.Errorf("%w: order %s has already been rated", ErrConflict, order.ID)
		}
		return ReviewResult{}, mapped
	}

	s.logger(ctx, "review.created", map[string]any{
		"orderId":     order.ID,
		"serviceId":   order.ServiceID,
		"rating":      cmd.Rating,
		"avgRating":   summary.AvgRating,
		"ratingCount": summary.RatingCount,
	})
	return ReviewResult{Review: review, Summary: summary}, nil
}

// sanitizeReviewText trims whitespace, strips control characters and collapses runs of spaces while
// keeping intentional newlines.
func sanitizeReviewText(input string) string {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return ""
	}

	normalized := strings.ReplaceAll(strings.ReplaceAll(trimmed, "\r\n", "\n"), "\r", "\n")
	lines := strings.Split(normalized, "\n")
	for i, line := range lines {
		line = strings.Map(func(r rune) rune {
			if unicode.IsControl(r) && r != '\n' {
				return -1
			}
			return r
		}, line)
		lines[i] = strings.Join(strings.Fields(line), " ")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
