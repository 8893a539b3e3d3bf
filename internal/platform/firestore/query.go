package firestore

import (
	"errors"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
)

// Collect drains iter, decoding each snapshot. The iterator is always stopped.
func Collect[T any](op string, iter *firestore.DocumentIterator, decode func(*firestore.DocumentSnapshot) (T, error)) ([]T, error) {
	defer iter.Stop()

	var out []T
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return out, nil
		}
		if err != nil {
			return nil, WrapError(op, err)
		}
		item, err := decode(snap)
		if err != nil {
			return nil, WrapError(op+".decode", err)
		}
		out = append(out, item)
	}
}

// Decode returns a decoder that loads a snapshot into D and converts it with toDomain.
func Decode[D any, T any](toDomain func(id string, doc D) T) func(*firestore.DocumentSnapshot) (T, error) {
	return func(snap *firestore.DocumentSnapshot) (T, error) {
		var doc D
		if err := snap.DataTo(&doc); err != nil {
			var zero T
			return zero, err
		}
		return toDomain(snap.Ref.ID, doc), nil
	}
}
