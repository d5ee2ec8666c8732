package services

import (
	"context"

	"weather-ingest/internal/models"
	"weather-ingest/internal/repository"
)

// DuplicateIndex is a snapshot of the keys stored when a run starts. It is
// never written after LoadDuplicateIndex returns, so workers read it
// without locking.
type DuplicateIndex struct {
	keys map[models.ObservationKey]struct{}
}

// LoadDuplicateIndex streams every existing key from store.
func LoadDuplicateIndex(ctx context.Context, store repository.IngestionStore) (*DuplicateIndex, error) {
	idx := &DuplicateIndex{keys: make(map[models.ObservationKey]struct{})}
	err := store.ForEachObservationKey(ctx, func(key models.ObservationKey) error {
		idx.keys[key] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return idx, nil
}

// NewDuplicateIndex builds an index from known keys.
func NewDuplicateIndex(keys ...models.ObservationKey) *DuplicateIndex {
	idx := &DuplicateIndex{keys: make(map[models.ObservationKey]struct{}, len(keys))}
	for _, k := range keys {
		idx.keys[k] = struct{}{}
	}
	return idx
}

// Contains reports whether key was already stored at snapshot time.
func (d *DuplicateIndex) Contains(key models.ObservationKey) bool {
	if d == nil {
		return false
	}
	_, ok := d.keys[key]
	return ok
}

// Len returns the number of keys in the snapshot.
func (d *DuplicateIndex) Len() int {
	if d == nil {
		return 0
	}
	return len(d.keys)
}
