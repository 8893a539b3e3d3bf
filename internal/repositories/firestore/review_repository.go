package firestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/quicrefill/api/internal/domain"
	pfirestore "github.com/quicrefill/api/internal/platform/firestore"
	"github.com/quicrefill/api/internal/repositories"
)

const reviewsCollection = "orderReviews"

type reviewDocument struct {
	ServiceOrderID string    `firestore:"serviceOrderId"`
	ServiceID      string    `firestore:"serviceId"`
	UserID         string    `firestore:"userId"`
	Rating         int       `firestore:"rating"`
	Comment        string    `firestore:"comment,omitempty"`
	CreatedAt      time.Time `firestore:"createdAt"`
}

// ReviewRepository stores one review per order, keyed by the order id.
type ReviewRepository struct {
	provider *pfirestore.Provider
}

var _ repositories.ReviewRepository = (*ReviewRepository)(nil)

// NewReviewRepository constructs a Firestore-backed review repository.
func NewReviewRepository(provider *pfirestore.Provider) (*ReviewRepository, error) {
	if provider == nil {
		return nil, errors.New("review repository requires firestore provider")
	}
	return &ReviewRepository{provider: provider}, nil
}

func (r *ReviewRepository) Add(ctx context.Context, review domain.OrderReview) (repositories.RatingSummary, error) {
	if review.ServiceOrderID == "" || review.ServiceID == "" {
		return repositories.RatingSummary{}, errors.New("review add: order and service ids are required")
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return repositories.RatingSummary{}, pfirestore.WrapError("reviews.add", err)
	}
	reviewRef := client.Collection(reviewsCollection).Doc(review.ServiceOrderID)
	serviceRef := client.Collection(servicesCollection).Doc(review.ServiceID)

	var summary repositories.RatingSummary
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if _, err := tx.Get(reviewRef); err == nil {
			return pfirestore.Conflict("reviews.add", "order %s already reviewed", review.ServiceOrderID)
		} else if status.Code(err) != codes.NotFound {
			return err
		}
		if _, err := tx.Get(serviceRef); err != nil {
			return err
		}

		snaps, err := tx.Documents(client.Collection(reviewsCollection).Where("serviceId", "==", review.ServiceID)).GetAll()
		if err != nil {
			return err
		}
		ratings := make([]int, 0, len(snaps)+1)
		for _, snap := range snaps {
			var doc reviewDocument
			if err := snap.DataTo(&doc); err != nil {
				return fmt.Errorf("decode review %s: %w", snap.Ref.ID, err)
			}
			ratings = append(ratings, doc.Rating)
		}
		ratings = append(ratings, review.Rating)
		avg, count := domain.SummarizeRatings(ratings)

		createdAt := review.CreatedAt.UTC()
		if err := tx.Create(reviewRef, reviewDocument{
			ServiceOrderID: review.ServiceOrderID,
			ServiceID:      review.ServiceID,
			UserID:         review.UserID,
			Rating:         review.Rating,
			Comment:        review.Comment,
			CreatedAt:      createdAt,
		}); err != nil {
			return err
		}
		if err := tx.Update(serviceRef, []firestore.Update{
			{Path: "avgRating", Value: avg},
			{Path: "ratingCount", Value: count},
			{Path: "updatedAt", Value: createdAt},
		}); err != nil {
			return err
		}
		summary = repositories.RatingSummary{ServiceID: review.ServiceID, AvgRating: avg, RatingCount: count}
		return nil
	})
	if err != nil {
		return repositories.RatingSummary{}, err
	}
	return summary, nil
}
