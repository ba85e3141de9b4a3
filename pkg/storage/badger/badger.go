// Package badger provides a Badger-based implementation of the snapshot store.
package badger

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/nextstep/nextstep/pkg/storage"
)

// Config holds configuration for BadgerStorage.
type Config struct {
	Path              string
	SyncWrites        bool
	ValueLogFileSize  int64
	NumVersionsToKeep int
	// HistoryLimit caps the stored snapshots per course. Zero keeps all.
	HistoryLimit int
}

// BadgerStorage implements storage.Store using Badger.
//
// Layout:
//
//	snapshot:active:{course}                   -> history key of the active snapshot
//	snapshot:history:{course}:{unixnano}:{id}  -> encoded snapshot
type BadgerStorage struct {
	db     *badger.DB
	config *Config
}

// NewBadgerStorage creates a new Badger storage instance.
func NewBadgerStorage(config *Config) (*BadgerStorage, error) {
	opts := badger.DefaultOptions(config.Path)
	opts.SyncWrites = config.SyncWrites
	if config.ValueLogFileSize > 0 {
		opts.ValueLogFileSize = config.ValueLogFileSize
	}
	if config.NumVersionsToKeep > 0 {
		opts.NumVersionsToKeep = config.NumVersionsToKeep
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, &storage.StorageUnavailableError{Cause: err}
	}

	return &BadgerStorage{
		db:     db,
		config: config,
	}, nil
}

const (
	activePrefix  = "snapshot:active:"
	historyPrefix = "snapshot:history:"
)

// Course ids are escaped so that ':' inside an id never splits a key.
func escape(courseID string) string {
	return url.QueryEscape(courseID)
}

func activeKey(courseID string) []byte {
	return []byte(activePrefix + escape(courseID))
}

func historyCoursePrefix(courseID string) []byte {
	return []byte(historyPrefix + escape(courseID) + ":")
}

func historyKey(snap *storage.Snapshot) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", historyPrefix, escape(snap.CourseID), snap.CreatedAt.UnixNano(), snap.ID))
}

// SaveSnapshot seals snap, appends it to the course history and points the
// active key at it in one transaction.
func (b *BadgerStorage) SaveSnapshot(ctx context.Context, snap *storage.Snapshot) error {
	if err := snap.Seal(); err != nil {
		return err
	}
	data, err := storage.Encode(snap)
	if err != nil {
		return err
	}

	hk := historyKey(snap)
	return b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(hk, data); err != nil {
			return err
		}
		if err := txn.Set(activeKey(snap.CourseID), hk); err != nil {
			return err
		}
		if b.config.HistoryLimit > 0 {
			return b.pruneInTxn(txn, snap.CourseID, hk)
		}
		return nil
	})
}

// pruneInTxn drops the oldest history entries beyond the limit. The entry
// just written is never dropped.
func (b *BadgerStorage) pruneInTxn(txn *badger.Txn, courseID string, keep []byte) error {
	keys := historyKeysInTxn(txn, courseID)
	excess := len(keys) - b.config.HistoryLimit
	for _, k := range keys {
		if excess <= 0 {
			break
		}
		if string(k) == string(keep) {
			continue
		}
		if err := txn.Delete(k); err != nil {
			return err
		}
		excess--
	}
	return nil
}

// historyKeysInTxn returns the history keys of a course, oldest first. The
// transaction's own pending writes are included.
func historyKeysInTxn(txn *badger.Txn, courseID string) [][]byte {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = historyCoursePrefix(courseID)
	opts.PrefetchValues = false

	it := txn.NewIterator(opts)
	defer it.Close()

	var keys [][]byte
	for it.Rewind(); it.Valid(); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	return keys
}

// LoadSnapshot returns the active snapshot of a course.
func (b *BadgerStorage) LoadSnapshot(ctx context.Context, courseID string) (*storage.Snapshot, error) {
	var data []byte

	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(activeKey(courseID))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return &storage.NotFoundError{EntityType: "snapshot", ID: courseID}
			}
			return err
		}
		hk, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}

		item, err = txn.Get(hk)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				// Dangling pointer: the active snapshot itself is gone.
				data = []byte{}
				return nil
			}
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}

	return storage.Open(courseID, data)
}

// ListCourses returns the courses with an active snapshot.
func (b *BadgerStorage) ListCourses(ctx context.Context) ([]string, error) {
	var courses []string

	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(activePrefix)
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			escaped := strings.TrimPrefix(string(it.Item().Key()), activePrefix)
			c, err := url.QueryUnescape(escaped)
			if err != nil {
				continue
			}
			courses = append(courses, c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(courses)
	return courses, nil
}

// ListHistory returns snapshots of a course, newest first.
func (b *BadgerStorage) ListHistory(ctx context.Context, courseID string, limit int) ([]storage.SnapshotInfo, error) {
	infos := []storage.SnapshotInfo{}

	err := b.db.View(func(txn *badger.Txn) error {
		prefix := historyCoursePrefix(courseID)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.Reverse = true

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(append(append([]byte(nil), prefix...), 0xFF)); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(infos) == limit {
				break
			}
			var snap *storage.Snapshot
			err := it.Item().Value(func(val []byte) error {
				var err error
				snap, err = storage.Decode(val)
				return err
			})
			if err != nil {
				continue // Skip undecodable history entries
			}
			infos = append(infos, snap.Info())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return infos, nil
}

// DeleteSnapshot removes the active pointer and the history of a course.
func (b *BadgerStorage) DeleteSnapshot(ctx context.Context, courseID string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(activeKey(courseID)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return &storage.NotFoundError{EntityType: "snapshot", ID: courseID}
			}
			return err
		}
		for _, k := range historyKeysInTxn(txn, courseID) {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return txn.Delete(activeKey(courseID))
	})
}

// Close closes the Badger database.
func (b *BadgerStorage) Close() error {
	// Best-effort value log GC; a failure must not block close.
	_ = b.db.RunValueLogGC(0.5)

	return b.db.Close()
}

var _ storage.Store = (*BadgerStorage)(nil)
