package badgerstore

import (
	"context"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/memfabric/memfabric/pkg/relationship"
)

// RelStore implements relationship.Store on the same Badger database as the
// atom ledger. CAS runs inside a single transaction.
type RelStore struct {
	db *badger.DB
}

// NewRelStore shares the atom store's database handle.
func NewRelStore(s *Store) *RelStore {
	return &RelStore{db: s.db}
}

func relKey(tenantID, userID string) []byte {
	return []byte(fmt.Sprintf("rel:%s:%s", tenantID, userID))
}

func (s *RelStore) Get(ctx context.Context, tenantID, userID string) (*relationship.Record, error) {
	var rec relationship.Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(relKey(tenantID, userID))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return relationship.ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return deserialize(val, &rec)
		})
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *RelStore) Update(ctx context.Context, rec *relationship.Record) error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(relKey(rec.TenantID, rec.UserID))
		if err == nil {
			var existing relationship.Record
			if verr := item.Value(func(val []byte) error {
				return deserialize(val, &existing)
			}); verr != nil {
				return verr
			}
			if existing.Version != rec.Version {
				return relationship.ErrVersionConflict
			}
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		rec.Version++
		data, err := serialize(rec)
		if err != nil {
			return err
		}
		return txn.Set(relKey(rec.TenantID, rec.UserID), data)
	})
}

func (s *RelStore) ForEach(ctx context.Context, fn func(rec *relationship.Record) error) error {
	var records []*relationship.Record
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("rel:")

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var rec relationship.Record
			if err := it.Item().Value(func(val []byte) error {
				return deserialize(val, &rec)
			}); err != nil {
				continue
			}
			records = append(records, &rec)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, rec := range records {
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func (s *RelStore) Delete(ctx context.Context, tenantID, userID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		key := relKey(tenantID, userID)
		if _, err := txn.Get(key); err != nil {
			if err == badger.ErrKeyNotFound {
				return relationship.ErrNotFound
			}
			return err
		}
		return txn.Delete(key)
	})
}
