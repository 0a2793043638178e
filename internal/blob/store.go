// Package blob keeps attachment payloads in a content-addressed badger
// store, apart from the message metadata in sqlite.
package blob

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

const (
	refPrefix = "sha256:"
	keyPrefix = "blob:"
)

var (
	// ErrNotFound is returned for refs with no stored payload.
	ErrNotFound = errors.New("blob not found")
	// ErrBadRef is returned for refs that are not sha256 content addresses.
	ErrBadRef = errors.New("malformed blob ref")
)

// Store is a content-addressed binary store. Identical payloads share one
// entry.
type Store struct {
	db     *badger.DB
	logger *zap.Logger
}

// Open opens a badger store in dir. An empty dir keeps everything in memory.
func Open(dir string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := badger.DefaultOptions(dir).WithLogger(badgerLogger{logger.Sugar()})
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying badger database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ref returns the content address of data.
func Ref(data []byte) string {
	sum := sha256.Sum256(data)
	return refPrefix + hex.EncodeToString(sum[:])
}

func key(ref string) ([]byte, error) {
	hexSum, ok := strings.CutPrefix(ref, refPrefix)
	if !ok || len(hexSum) != sha256.Size*2 {
		return nil, fmt.Errorf("%w: %q", ErrBadRef, ref)
	}
	if _, err := hex.DecodeString(hexSum); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrBadRef, ref)
	}
	return []byte(keyPrefix + hexSum), nil
}

// Put stores data and returns its ref. Storing a payload that is already
// present is a no-op and reports created=false.
func (s *Store) Put(data []byte) (ref string, created bool, err error) {
	ref = Ref(data)
	k, _ := key(ref)
	err = s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(k)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		created = true
		return txn.Set(k, data)
	})
	if err != nil {
		return "", false, fmt.Errorf("put blob: %w", err)
	}
	if created {
		s.logger.Debug("stored blob", zap.String("ref", ref), zap.Int("bytes", len(data)))
	}
	return ref, created, nil
}

// Get returns the payload for ref.
func (s *Store) Get(ref string) ([]byte, error) {
	k, err := key(ref)
	if err != nil {
		return nil, err
	}
	var data []byte
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("get blob: %w", err)
	}
	return data, nil
}

// Has reports whether ref is stored.
func (s *Store) Has(ref string) (bool, error) {
	k, err := key(ref)
	if err != nil {
		return false, err
	}
	err = s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(k)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Delete removes ref. Deleting a missing ref is not an error.
func (s *Store) Delete(ref string) error {
	k, err := key(ref)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(k)
	})
}

// Refs lists every stored ref.
func (s *Store) Refs() ([]string, error) {
	var refs []string
	prefix := []byte(keyPrefix)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			refs = append(refs, refPrefix+strings.TrimPrefix(string(it.Item().Key()), keyPrefix))
		}
		return nil
	})
	return refs, err
}

// DropAll removes every payload.
func (s *Store) DropAll() error {
	return s.db.DropPrefix([]byte(keyPrefix))
}

// badgerLogger routes badger's logging into zap.
type badgerLogger struct {
	*zap.SugaredLogger
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.Warnf(format, args...)
}
