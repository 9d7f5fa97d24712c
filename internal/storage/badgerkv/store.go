// Package badgerkv is the embedded, versioned key-value engine behind
// every table in the storage contract of spec.md §6. It is grounded on
// the teacher's internal/storage/badger package, but talks to
// github.com/dgraph-io/badger/v4 directly instead of through the
// badgerhold ORM, because the CAS contract in spec.md (get returns a
// version tag; conditional put is predicated on that tag) maps exactly
// onto badger's own per-key MVCC version — badgerhold's Upsert does not
// expose it.
package badgerkv

import (
	"bytes"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("badgerkv: key not found")

// ErrConflict is returned when a conditional write's expected version
// tag no longer matches the stored value (optimistic-concurrency loss).
var ErrConflict = errors.New("badgerkv: conflict")

// ErrAlreadyExists is returned by CreateIfAbsent when the key is present.
var ErrAlreadyExists = errors.New("badgerkv: already exists")

// Version is the opaque CAS cookie returned on read and accepted on a
// conditional write. It is backed by badger's internal commit version.
type Version uint64

// Store wraps a badger.DB and exposes the storage contract's primitives:
// create-if-absent, get-with-version, unconditional put, conditional put,
// delete, and a partition-filtered scan.
type Store struct {
	db *badger.DB
}

// Open opens (creating if necessary) a badger database at dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badgerkv: open %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *badger.DB for operations (e.g. GC) that
// don't belong on the narrow contract above.
func (s *Store) DB() *badger.DB { return s.db }

// key builds the full storage key for a table/partition/row triple.
func key(table, partition, row string) []byte {
	return []byte(table + "\x00" + partition + "\x00" + row)
}

// prefix builds the scan prefix for every row in one partition of a
// table.
func prefix(table, partition string) []byte {
	return []byte(table + "\x00" + partition + "\x00")
}

// Get reads a value and its version tag. Returns ErrNotFound if absent.
func (s *Store) Get(table, partition, row string) ([]byte, Version, error) {
	var value []byte
	var ver Version
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(table, partition, row))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		ver = Version(item.Version())
		return item.Value(func(val []byte) error {
			value = append([]byte(nil), val...)
			return nil
		})
	})
	if err != nil {
		return nil, 0, err
	}
	return value, ver, nil
}

// Put writes value unconditionally, overwriting any existing value.
// Returns the new version tag.
func (s *Store) Put(table, partition, row string, value []byte) (Version, error) {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(table, partition, row), value)
	})
	if err != nil {
		return 0, err
	}
	return s.readVersion(table, partition, row)
}

// CreateIfAbsent writes value only if the key does not already exist.
// Returns ErrAlreadyExists if it does.
func (s *Store) CreateIfAbsent(table, partition, row string, value []byte) (Version, error) {
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key(table, partition, row))
		if err == nil {
			return ErrAlreadyExists
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key(table, partition, row), value)
	})
	if err != nil {
		return 0, err
	}
	return s.readVersion(table, partition, row)
}

// ConditionalPut writes value only if the current stored version equals
// expected. A version mismatch returns ErrConflict; a missing key
// returns ErrNotFound. The read-check-write happens inside a single badger
// transaction, and badger's own serializable-snapshot isolation detects
// any concurrent writer racing on the same key at commit time, so the
// check-then-set is atomic even under concurrent callers.
func (s *Store) ConditionalPut(table, partition, row string, value []byte, expected Version) (Version, error) {
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key(table, partition, row))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if Version(item.Version()) != expected {
			return ErrConflict
		}
		return txn.Set(key(table, partition, row), value)
	})
	if err != nil {
		if errors.Is(err, badger.ErrConflict) {
			return 0, ErrConflict
		}
		return 0, err
	}
	return s.readVersion(table, partition, row)
}

// Delete removes a key. Deleting an absent key is not an error.
func (s *Store) Delete(table, partition, row string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(key(table, partition, row))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

// Row is one entry returned by ScanPartition.
type Row struct {
	Key     string
	Value   []byte
	Version Version
}

// ScanPartition returns every row under table/partition, in key order.
func (s *Store) ScanPartition(table, partition string) ([]Row, error) {
	var rows []Row
	pfx := prefix(table, partition)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = pfx
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(pfx); it.ValidForPrefix(pfx); it.Next() {
			item := it.Item()
			full := item.KeyCopy(nil)
			row := bytes.TrimPrefix(full, pfx)
			var value []byte
			if err := item.Value(func(val []byte) error {
				value = append([]byte(nil), val...)
				return nil
			}); err != nil {
				return err
			}
			rows = append(rows, Row{
				Key:     string(row),
				Value:   value,
				Version: Version(item.Version()),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *Store) readVersion(table, partition, row string) (Version, error) {
	var ver Version
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(table, partition, row))
		if err != nil {
			return err
		}
		ver = Version(item.Version())
		return nil
	})
	return ver, err
}
