package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/quicrefill/api/internal/domain"
	pfirestore "github.com/quicrefill/api/internal/platform/firestore"
	"github.com/quicrefill/api/internal/repositories"
)

const addressesCollection = "addresses"

type addressDocument struct {
	UserID    string    `firestore:"userId"`
	Label     string    `firestore:"label,omitempty"`
	Line1     string    `firestore:"line1"`
	City      string    `firestore:"city,omitempty"`
	State     string    `firestore:"state,omitempty"`
	Latitude  *float64  `firestore:"latitude"`
	Longitude *float64  `firestore:"longitude"`
	CreatedAt time.Time `firestore:"createdAt"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

func (d addressDocument) toDomain(id string) domain.Address {
	return domain.Address{
		ID:        id,
		UserID:    d.UserID,
		Label:     d.Label,
		Line1:     d.Line1,
		City:      d.City,
		State:     d.State,
		Location:  geoPoint(d.Latitude, d.Longitude),
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

// AddressRepository reads delivery addresses from Firestore.
type AddressRepository struct {
	provider *pfirestore.Provider
}

var _ repositories.AddressRepository = (*AddressRepository)(nil)

// NewAddressRepository constructs a Firestore-backed address repository.
func NewAddressRepository(provider *pfirestore.Provider) (*AddressRepository, error) {
	if provider == nil {
		return nil, errors.New("address repository requires firestore provider")
	}
	return &AddressRepository{provider: provider}, nil
}

func (r *AddressRepository) FindByID(ctx context.Context, addressID string) (domain.Address, error) {
	addressID = strings.TrimSpace(addressID)
	if addressID == "" {
		return domain.Address{}, pfirestore.NotFound("addresses.get", "address id is empty")
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.Address{}, pfirestore.WrapError("addresses.get", err)
	}
	snap, err := client.Collection(addressesCollection).Doc(addressID).Get(ctx)
	if err != nil {
		return domain.Address{}, pfirestore.WrapError("addresses.get", err)
	}
	var doc addressDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Address{}, pfirestore.WrapError("addresses.decode", err)
	}
	return doc.toDomain(snap.Ref.ID), nil
}
