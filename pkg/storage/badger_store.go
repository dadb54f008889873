package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"listing-crawler/pkg/log"
	"listing-crawler/pkg/models"
	"listing-crawler/pkg/utils"
)

const (
	adKeyPrefix = "ad:"      // Prefix for ad URL keys in DB
	seenDBDir   = "seen_db" // Subdirectory name within stateDir for Badger DB files
)

// BadgerStore implements SeenStore using BadgerDB
type BadgerStore struct {
	db       *badger.DB
	log      *logrus.Entry
	ctx      context.Context
	keyCount atomic.Int64 // Cached key count for O(1) GetSeenCount
}

var _ SeenStore = (*BadgerStore)(nil)

// NewBadgerStore opens the seen-ads database under stateDir/<scope>_seen_db.
// Without resume the directory is wiped first.
func NewBadgerStore(ctx context.Context, stateDir, scope string, resume bool, logger *logrus.Entry) (*BadgerStore, error) {
	store := &BadgerStore{
		log: logger,
		ctx: ctx,
	}

	dbPath := filepath.Join(stateDir, utils.SanitizeFilename(scope)+"_"+seenDBDir)

	if !resume {
		logger.Warnf("Resume disabled. Removing existing state directory: %s", dbPath)
		if err := os.RemoveAll(dbPath); err != nil {
			logger.Errorf("Failed to remove existing state directory %s: %v", dbPath, err)
		}
	}

	logger.Infof("Opening seen-ads database at: %s (Resume: %v)", dbPath, resume)

	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, utils.WrapErrorf(utils.ErrFilesystem, "cannot create state directory %s: %v", dbPath, err)
	}

	opts := badger.DefaultOptions(dbPath).
		WithLogger(log.NewBadgerLogrusAdapter(logger.WithField("component", "badgerdb"))).
		WithNumVersionsToKeep(1)

	var err error
	store.db, err = badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: open badger database at %s: %w", utils.ErrDatabase, dbPath, err)
	}

	if resume {
		count, err := store.countKeys()
		if err != nil {
			logger.Warnf("Failed to count existing keys on resume: %v", err)
		} else {
			store.keyCount.Store(int64(count))
			logger.Infof("Resuming with %d known ads", count)
		}
	}

	return store, nil
}

func (s *BadgerStore) countKeys() (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte(adKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

const maxConflictRetries = 10

// dbUpdate retries db.Update on badger.ErrConflict.
func (s *BadgerStore) dbUpdate(fn func(txn *badger.Txn) error) error {
	for i := range maxConflictRetries {
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.log.Debugf("BadgerDB transaction conflict (attempt %d/%d), retrying", i+1, maxConflictRetries)
	}
	return fmt.Errorf("%w: transaction conflict not resolved after %d retries", utils.ErrDatabase, maxConflictRetries)
}

// decodeEntry treats an empty or unreadable value as pending.
func (s *BadgerStore) decodeEntry(key []byte, val []byte) (models.AdStatus, *models.AdDBEntry) {
	if len(val) == 0 {
		return models.AdStatusPending, nil
	}
	var entry models.AdDBEntry
	if err := json.Unmarshal(val, &entry); err != nil {
		s.log.Warnf("Failed to unmarshal AdDBEntry for key '%s': %v. Treating as 'pending'.", string(key), err)
		return models.AdStatusPending, nil
	}
	if !entry.Status.IsValid() {
		return models.AdStatusPending, &entry
	}
	return entry.Status, &entry
}

// MarkAdSeen implements AdStore
func (s *BadgerStore) MarkAdSeen(adURL, category string) (bool, error) {
	if s.db == nil {
		return false, fmt.Errorf("%w: seen database not initialized", utils.ErrDatabase)
	}
	key := []byte(adKeyPrefix + adURL)
	pending, err := json.Marshal(&models.AdDBEntry{
		Status:      models.AdStatusPending,
		Category:    category,
		LastAttempt: time.Now(),
	})
	if err != nil {
		return false, fmt.Errorf("%w: marshal pending entry: %w", utils.ErrParsing, err)
	}

	claim := false
	isNew := false
	err = s.dbUpdate(func(txn *badger.Txn) error {
		claim, isNew = false, false
		item, errGet := txn.Get(key)
		switch {
		case errors.Is(errGet, badger.ErrKeyNotFound):
			isNew = true
		case errGet != nil:
			return errGet
		default:
			var status models.AdStatus
			errVal := item.Value(func(val []byte) error {
				status, _ = s.decodeEntry(key, val)
				return nil
			})
			if errVal != nil {
				return errVal
			}
			if status.IsFinal() {
				return nil
			}
		}
		claim = true
		return txn.SetEntry(badger.NewEntry(key, pending))
	})
	if err != nil {
		s.log.WithField("key", string(key)).Errorf("DB Update error in MarkAdSeen: %v", err)
		return false, fmt.Errorf("%w: marking ad key '%s': %w", utils.ErrDatabase, string(key), err)
	}
	if isNew {
		s.keyCount.Add(1)
	}
	return claim, nil
}

// CheckAdStatus implements AdStore
func (s *BadgerStore) CheckAdStatus(adURL string) (models.AdStatus, *models.AdDBEntry, error) {
	status := models.AdStatusNotFound
	var entry *models.AdDBEntry
	key := []byte(adKeyPrefix + adURL)

	errView := s.db.View(func(txn *badger.Txn) error {
		item, errGet := txn.Get(key)
		if errors.Is(errGet, badger.ErrKeyNotFound) {
			return nil
		}
		if errGet != nil {
			return fmt.Errorf("%w: failed getting ad key '%s': %w", utils.ErrDatabase, string(key), errGet)
		}
		return item.Value(func(val []byte) error {
			status, entry = s.decodeEntry(key, val)
			return nil
		})
	})
	if errView != nil {
		s.log.Errorf("DB View error in CheckAdStatus for key '%s': %v", string(key), errView)
		return models.AdStatusDBError, nil, errView
	}
	return status, entry, nil
}

// UpdateAdStatus implements AdStore
func (s *BadgerStore) UpdateAdStatus(adURL string, entry *models.AdDBEntry) error {
	if s.db == nil {
		return fmt.Errorf("%w: seen database not initialized", utils.ErrDatabase)
	}
	key := []byte(adKeyPrefix + adURL)

	entryBytes, errJSON := json.Marshal(entry)
	if errJSON != nil {
		wrapped := fmt.Errorf("%w: failed to marshal AdDBEntry for key '%s': %w", utils.ErrParsing, string(key), errJSON)
		s.log.Error(wrapped)
		return wrapped
	}

	isNew := false
	err := s.dbUpdate(func(txn *badger.Txn) error {
		_, errGet := txn.Get(key)
		isNew = errors.Is(errGet, badger.ErrKeyNotFound)
		return txn.SetEntry(badger.NewEntry(key, entryBytes))
	})
	if err != nil {
		s.log.WithField("key", string(key)).Errorf("DB Update error in UpdateAdStatus: %v", err)
		return fmt.Errorf("%w: failed setting ad status for key '%s': %w", utils.ErrDatabase, string(key), err)
	}
	if isNew {
		s.keyCount.Add(1)
	}

	s.log.Debugf("Ad '%s' -> %s", adURL, entry.Status)
	return nil
}

// GetSeenCount implements StoreAdmin
func (s *BadgerStore) GetSeenCount() (int, error) {
	return int(s.keyCount.Load()), nil
}

// CountByStatus implements StoreAdmin
func (s *BadgerStore) CountByStatus(ctx context.Context) (map[models.AdStatus]int, int, error) {
	counts := make(map[models.AdStatus]int)
	scanErrors := 0

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte(adKeyPrefix)

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			key := item.KeyCopy(nil)
			errVal := item.Value(func(val []byte) error {
				status, _ := s.decodeEntry(key, val)
				counts[status]++
				return nil
			})
			if errVal != nil {
				s.log.Errorf("Status scan: error reading value for '%s': %v", string(key), errVal)
				scanErrors++
			}
		}
		return nil
	})
	return counts, scanErrors, err
}

// RunGC implements StoreAdmin
func (s *BadgerStore) RunGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if s.db == nil || s.db.IsClosed() {
				continue
			}
			var err error
			for {
				if err = s.db.RunValueLogGC(0.5); err != nil {
					break
				}
			}
			if !errors.Is(err, badger.ErrNoRewrite) {
				s.log.Errorf("BadgerDB GC error: %v", err)
			}
		case <-ctx.Done():
			s.log.Debugf("Stopping BadgerDB GC: %v", ctx.Err())
			return
		}
	}
}

// WriteSeenLog implements StoreAdmin
func (s *BadgerStore) WriteSeenLog(filePath string) error {
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return utils.WrapErrorf(utils.ErrFilesystem, "create seen log dir: %v", err)
	}
	file, err := os.Create(filePath)
	if err != nil {
		return utils.WrapErrorf(utils.ErrFilesystem, "create seen log '%s': %v", filePath, err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	var firstErr error
	written := 0
	prefix := []byte(adKeyPrefix)

	iterErr := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := s.ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			key := item.KeyCopy(nil)
			var status models.AdStatus
			if errVal := item.Value(func(val []byte) error {
				status, _ = s.decodeEntry(key, val)
				return nil
			}); errVal != nil {
				status = models.AdStatusDBError
			}
			line := status.String() + "\t" + string(bytes.TrimPrefix(key, prefix)) + "\n"
			if _, errW := writer.WriteString(line); errW != nil && firstErr == nil {
				firstErr = errW
			}
			written++
		}
		return nil
	})

	if iterErr != nil && !errors.Is(iterErr, context.Canceled) && !errors.Is(iterErr, context.DeadlineExceeded) && firstErr == nil {
		firstErr = iterErr
	}
	if flushErr := writer.Flush(); flushErr != nil && firstErr == nil {
		firstErr = flushErr
	}
	if syncErr := file.Sync(); syncErr != nil && firstErr == nil {
		firstErr = syncErr
	}

	if errors.Is(iterErr, context.Canceled) || errors.Is(iterErr, context.DeadlineExceeded) {
		return iterErr
	}
	if firstErr != nil {
		s.log.Warnf("Seen log written with errors (~%d ads) to %s: %v", written, filePath, firstErr)
		return fmt.Errorf("%w: write seen log: %w", utils.ErrFilesystem, firstErr)
	}
	s.log.Infof("Wrote %d ads to seen log: %s", written, filePath)
	return nil
}

// Close implements StoreAdmin
func (s *BadgerStore) Close() error {
	if s.db == nil || s.db.IsClosed() {
		return nil
	}
	if err := s.db.Close(); err != nil {
		s.log.Errorf("Error closing seen DB: %v", err)
		return err
	}
	s.log.Debug("Seen DB closed.")
	return nil
}
