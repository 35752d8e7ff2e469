// Package badgerstore provides the Badger-backed implementation of the atom
// store. Every write is durable and idempotency-keyed appends resolve inside
// a single transaction.
package badgerstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/memfabric/memfabric/pkg/atom"
)

// Config holds configuration for the Badger store.
type Config struct {
	Path             string
	SyncWrites       bool
	ValueLogFileSize int64
}

// Store implements atom.Store on top of Badger.
type Store struct {
	db     *badger.DB
	config *Config
}

// New opens or creates the Badger database at the configured path.
func New(config *Config) (*Store, error) {
	opts := badger.DefaultOptions(config.Path)
	opts.SyncWrites = config.SyncWrites
	if config.ValueLogFileSize > 0 {
		opts.ValueLogFileSize = config.ValueLogFileSize
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, &atom.StoreUnavailableError{Cause: err}
	}

	return &Store{db: db, config: config}, nil
}

// Key layout. Memory ids are ULIDs, so the user index sorts chronologically
// and reverse iteration yields newest-first.
func atomKey(memoryID string) []byte {
	return []byte("atom:" + memoryID)
}

func idemKey(tenantID, userID, key string) []byte {
	return []byte(fmt.Sprintf("idem:%s:%s:%s", tenantID, userID, key))
}

func userIndexKey(tenantID, userID, memoryID string) []byte {
	return []byte(fmt.Sprintf("uidx:%s:%s:%s", tenantID, userID, memoryID))
}

func userIndexPrefix(tenantID, userID string) []byte {
	return []byte(fmt.Sprintf("uidx:%s:%s:", tenantID, userID))
}

func shadowKey(tenantID, userID, shadowID string) []byte {
	return []byte(fmt.Sprintf("shadow:%s:%s:%s", tenantID, userID, shadowID))
}

func traceKey(subject, eventID string) []byte {
	return []byte(fmt.Sprintf("trace:%s:%s", subject, eventID))
}

func ruleKey(tenantID, userID, ruleID string) []byte {
	return []byte(fmt.Sprintf("rule:%s:%s:%s", tenantID, userID, ruleID))
}

func serialize(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, &atom.SerializationError{Operation: "marshal", Cause: err}
	}
	return data, nil
}

func deserialize(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return &atom.SerializationError{Operation: "unmarshal", Cause: err}
	}
	return nil
}

// AppendAtom persists the atom unless its idempotency key already resolved
// for (tenant, user). Duplicate keys return the first writer's atom; the
// check and write share one transaction, so concurrent duplicates serialize.
func (s *Store) AppendAtom(ctx context.Context, a *atom.MemoryAtom) (*atom.MemoryAtom, bool, error) {
	var stored *atom.MemoryAtom
	created := false

	err := s.db.Update(func(txn *badger.Txn) error {
		if a.IdempotencyKey != "" {
			item, err := txn.Get(idemKey(a.TenantID, a.UserID, a.IdempotencyKey))
			if err == nil {
				var existingID string
				if err := item.Value(func(val []byte) error {
					existingID = string(val)
					return nil
				}); err != nil {
					return err
				}
				existing, err := getAtomInTxn(txn, existingID)
				if err != nil {
					return err
				}
				stored = existing
				return nil
			}
			if err != badger.ErrKeyNotFound {
				return err
			}
		}

		data, err := serialize(a)
		if err != nil {
			return err
		}
		if err := txn.Set(atomKey(a.MemoryID), data); err != nil {
			return err
		}
		if err := txn.Set(userIndexKey(a.TenantID, a.UserID, a.MemoryID), []byte{}); err != nil {
			return err
		}
		if a.IdempotencyKey != "" {
			if err := txn.Set(idemKey(a.TenantID, a.UserID, a.IdempotencyKey), []byte(a.MemoryID)); err != nil {
				return err
			}
		}
		stored = a
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

func getAtomInTxn(txn *badger.Txn, memoryID string) (*atom.MemoryAtom, error) {
	item, err := txn.Get(atomKey(memoryID))
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return nil, atom.ErrNotFound
		}
		return nil, err
	}
	var a atom.MemoryAtom
	if err := item.Value(func(val []byte) error {
		return deserialize(val, &a)
	}); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Store) GetAtom(ctx context.Context, memoryID string) (*atom.MemoryAtom, error) {
	var a *atom.MemoryAtom
	err := s.db.View(func(txn *badger.Txn) error {
		got, err := getAtomInTxn(txn, memoryID)
		if err != nil {
			return err
		}
		a = got
		return nil
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Store) UpdateAtom(ctx context.Context, a *atom.MemoryAtom) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := getAtomInTxn(txn, a.MemoryID); err != nil {
			return err
		}
		data, err := serialize(a)
		if err != nil {
			return err
		}
		return txn.Set(atomKey(a.MemoryID), data)
	})
}

// ListByUser scans the user index in reverse so results come newest first.
func (s *Store) ListByUser(ctx context.Context, tenantID, userID string, limit int) ([]*atom.MemoryAtom, error) {
	var out []*atom.MemoryAtom

	err := s.db.View(func(txn *badger.Txn) error {
		prefix := userIndexPrefix(tenantID, userID)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		opts.Reverse = true

		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration seeks past the last key under the prefix.
		seek := append(append([]byte{}, prefix...), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			key := string(it.Item().Key())
			memoryID := key[strings.LastIndex(key, ":")+1:]
			a, err := getAtomInTxn(txn, memoryID)
			if err != nil {
				continue // orphaned index entry
			}
			out = append(out, a)
			if limit > 0 && len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) RecentAtoms(ctx context.Context, tenantID, userID string, window time.Duration, limit int) ([]*atom.MemoryAtom, error) {
	all, err := s.ListByUser(ctx, tenantID, userID, 0)
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-window)
	var out []*atom.MemoryAtom
	for _, a := range all {
		if a.IngestTime.Before(cutoff) {
			break
		}
		if a.State == atom.StateQuarantined {
			continue
		}
		out = append(out, a)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) SaveShadow(ctx context.Context, e *atom.SafetyShadowEntry) error {
	data, err := serialize(e)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(shadowKey(e.TenantID, e.UserID, e.ShadowID), data)
	})
}

func (s *Store) ListShadows(ctx context.Context, tenantID, userID string) ([]*atom.SafetyShadowEntry, error) {
	var out []*atom.SafetyShadowEntry
	prefix := []byte(fmt.Sprintf("shadow:%s:%s:", tenantID, userID))
	err := s.scanPrefix(prefix, func(val []byte) error {
		var e atom.SafetyShadowEntry
		if err := deserialize(val, &e); err != nil {
			return err
		}
		out = append(out, &e)
		return nil
	})
	return out, err
}

func (s *Store) AppendTrace(ctx context.Context, ev *atom.TraceEvent) error {
	subject := ev.Subject
	if subject == "" {
		subject = ev.MemoryID
	}
	data, err := serialize(ev)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(traceKey(subject, ev.EventID), data)
	})
}

func (s *Store) TraceChain(ctx context.Context, subject string) ([]*atom.TraceEvent, error) {
	var out []*atom.TraceEvent
	prefix := []byte("trace:" + subject + ":")
	err := s.scanPrefix(prefix, func(val []byte) error {
		var ev atom.TraceEvent
		if err := deserialize(val, &ev); err != nil {
			return err
		}
		out = append(out, &ev)
		return nil
	})
	return out, err
}

func (s *Store) SaveRule(ctx context.Context, r *atom.BehaviorRule) error {
	data, err := serialize(r)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(ruleKey(r.TenantID, r.UserID, r.RuleID), data)
	})
}

func (s *Store) ListRules(ctx context.Context, tenantID, userID string) ([]*atom.BehaviorRule, error) {
	var out []*atom.BehaviorRule
	prefix := []byte(fmt.Sprintf("rule:%s:%s:", tenantID, userID))
	err := s.scanPrefix(prefix, func(val []byte) error {
		var r atom.BehaviorRule
		if err := deserialize(val, &r); err != nil {
			return err
		}
		out = append(out, &r)
		return nil
	})
	return out, err
}

func (s *Store) ForEachUser(ctx context.Context, fn func(tenantID, userID string) error) error {
	seen := make(map[string][2]string)

	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte("uidx:")
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			parts := strings.SplitN(key, ":", 4)
			if len(parts) != 4 {
				continue
			}
			seen[parts[1]+":"+parts[2]] = [2]string{parts[1], parts[2]}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, pair := range seen {
		if err := fn(pair[0], pair[1]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) PruneExpired(ctx context.Context, now time.Time) (int, error) {
	var expired []*atom.MemoryAtom

	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte("atom:")
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var a atom.MemoryAtom
			if err := it.Item().Value(func(val []byte) error {
				return deserialize(val, &a)
			}); err != nil {
				continue
			}
			if a.RetentionDays <= 0 || a.State == atom.StateQuarantined {
				continue
			}
			if now.Sub(a.IngestTime) > time.Duration(a.RetentionDays)*24*time.Hour {
				cp := a
				expired = append(expired, &cp)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	count := 0
	for _, a := range expired {
		err := s.db.Update(func(txn *badger.Txn) error {
			if err := txn.Delete(atomKey(a.MemoryID)); err != nil {
				return err
			}
			if err := txn.Delete(userIndexKey(a.TenantID, a.UserID, a.MemoryID)); err != nil {
				return err
			}
			if a.IdempotencyKey != "" {
				if err := txn.Delete(idemKey(a.TenantID, a.UserID, a.IdempotencyKey)); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func (s *Store) DeleteUser(ctx context.Context, tenantID, userID string) (int, error) {
	atoms, err := s.ListByUser(ctx, tenantID, userID, 0)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, a := range atoms {
		err := s.db.Update(func(txn *badger.Txn) error {
			if err := txn.Delete(atomKey(a.MemoryID)); err != nil {
				return err
			}
			if err := txn.Delete(userIndexKey(tenantID, userID, a.MemoryID)); err != nil {
				return err
			}
			if a.IdempotencyKey != "" {
				if err := txn.Delete(idemKey(tenantID, userID, a.IdempotencyKey)); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return count, err
		}
		count++
	}

	// Shadow entries and rules go with the user. Audit traces survive so the
	// deletion itself remains provable.
	for _, prefix := range [][]byte{
		[]byte(fmt.Sprintf("shadow:%s:%s:", tenantID, userID)),
		[]byte(fmt.Sprintf("rule:%s:%s:", tenantID, userID)),
	} {
		if err := s.deletePrefix(prefix); err != nil {
			return count, err
		}
	}
	return count, nil
}

// Close runs a value-log GC pass and closes the database.
func (s *Store) Close() error {
	if err := s.db.RunValueLogGC(0.5); err != nil && err != badger.ErrNoRewrite {
		// GC failure is not fatal on close.
	}
	return s.db.Close()
}

func (s *Store) scanPrefix(prefix []byte, fn func(val []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := it.Item().Value(fn); err != nil {
				continue
			}
		}
		return nil
	})
}

func (s *Store) deletePrefix(prefix []byte) error {
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}
