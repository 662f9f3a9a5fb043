package storage

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/site-archiver/pkg/log"
	"github.com/Sriram-PR/site-archiver/pkg/utils"
)

const (
	urlKeyPrefix   = "url:"      // Admitted URLs
	hashKeyPrefix  = "hash:"     // Content digests of stored assets
	depthKeyPrefix = "depth:"    // First-discovery depth per URL
	ledgerDBDir    = "ledger_db" // Subdirectory name within stateDir for Badger DB files
)

// BadgerStore implements the CrawlStore interface using BadgerDB.
// The database is wiped on open: a store never outlives the run that created it
type BadgerStore struct {
	db       *badger.DB
	log      *logrus.Entry
	ctx      context.Context
	inMemory bool

	urlCount   atomic.Int64
	hashCount  atomic.Int64
	depthCount atomic.Int64
}

// NewBadgerStore opens an empty BadgerStore under stateDir. An empty stateDir runs Badger in memory.
func NewBadgerStore(ctx context.Context, stateDir, name string, logger *logrus.Entry) (*BadgerStore, error) {
	store := &BadgerStore{
		log:      logger,
		ctx:      ctx,
		inMemory: stateDir == "",
	}

	badgerLogger := log.NewBadgerLogrusAdapter(logger.WithField("component", "badgerdb"))

	var opts badger.Options
	if store.inMemory {
		logger.Info("Initializing in-memory crawl ledger (BadgerDB)")
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		dbPath := filepath.Join(stateDir, utils.SanitizeFilename(name)+"_"+ledgerDBDir)
		if err := os.RemoveAll(dbPath); err != nil {
			logger.Errorf("Failed to remove previous ledger directory %s: %v", dbPath, err)
		}
		if err := os.MkdirAll(dbPath, 0755); err != nil {
			return nil, fmt.Errorf("%w: cannot create state directory %s: %w", utils.ErrFilesystem, dbPath, err)
		}
		logger.Infof("Initializing crawl ledger database at: %s", dbPath)
		opts = badger.DefaultOptions(dbPath)
	}
	opts = opts.WithLogger(badgerLogger).WithNumVersionsToKeep(1)

	var err error
	store.db, err = badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open badger database: %w", utils.ErrDatabase, err)
	}

	logger.Info("Crawl ledger database initialized successfully.")
	return store, nil
}

const maxConflictRetries = 10

// dbUpdate wraps db.Update with a retry loop for BadgerDB transaction conflicts.
// Concurrent MVCC transactions on overlapping keys can return badger.ErrConflict;
// these resolve in microseconds, so a tight retry loop is sufficient.
func (s *BadgerStore) dbUpdate(fn func(txn *badger.Txn) error) error {
	for i := 0; i < maxConflictRetries; i++ {
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.log.Debugf("BadgerDB transaction conflict (attempt %d/%d), retrying", i+1, maxConflictRetries)
	}
	return fmt.Errorf("%w: transaction conflict not resolved after %d retries", utils.ErrDatabase, maxConflictRetries)
}

// setIfAbsent writes value under key only if the key does not exist, in a single transaction.
// A losing concurrent writer sees ErrConflict, retries, and then observes the key.
func (s *BadgerStore) setIfAbsent(key, value []byte) (bool, error) {
	if s.db == nil {
		return false, errors.New("ledger DB not initialized")
	}
	added := false
	err := s.dbUpdate(func(txn *badger.Txn) error {
		added = false
		_, errGet := txn.Get(key)
		if errors.Is(errGet, badger.ErrKeyNotFound) {
			if errSet := txn.SetEntry(badger.NewEntry(key, value)); errSet != nil {
				return errSet
			}
			added = true
			return nil
		}
		return errGet // nil when the key already exists
	})
	if err != nil {
		s.log.WithField("key", string(key)).Errorf("DB Update error: %v", err)
		return false, fmt.Errorf("%w: set-if-absent '%s': %w", utils.ErrDatabase, string(key), err)
	}
	return added, nil
}

// AdmitURL implements the CrawlStore interface
func (s *BadgerStore) AdmitURL(normalizedURL string) (bool, error) {
	added, err := s.setIfAbsent([]byte(urlKeyPrefix+normalizedURL), nil)
	if added {
		s.urlCount.Add(1)
	}
	return added, err
}

// AdmitContentHash implements the CrawlStore interface
func (s *BadgerStore) AdmitContentHash(digest string) (bool, error) {
	added, err := s.setIfAbsent([]byte(hashKeyPrefix+digest), nil)
	if added {
		s.hashCount.Add(1)
	}
	return added, err
}

// RecordDepth implements the CrawlStore interface
func (s *BadgerStore) RecordDepth(normalizedURL string, depth int) (bool, error) {
	added, err := s.setIfAbsent([]byte(depthKeyPrefix+normalizedURL), []byte(strconv.Itoa(depth)))
	if added {
		s.depthCount.Add(1)
	}
	return added, err
}

// DepthOf implements the CrawlStore interface
func (s *BadgerStore) DepthOf(normalizedURL string) (int, bool, error) {
	depth, found := 0, false
	key := []byte(depthKeyPrefix + normalizedURL)

	errView := s.db.View(func(txn *badger.Txn) error {
		item, errGet := txn.Get(key)
		if errors.Is(errGet, badger.ErrKeyNotFound) {
			return nil
		}
		if errGet != nil {
			return errGet
		}
		return item.Value(func(val []byte) error {
			d, errConv := strconv.Atoi(string(val))
			if errConv != nil {
				return fmt.Errorf("%w: corrupt depth value %q: %w", utils.ErrParsing, string(val), errConv)
			}
			depth, found = d, true
			return nil
		})
	})
	if errView != nil {
		s.log.Errorf("DB View error in DepthOf for key '%s': %v", string(key), errView)
		return 0, false, fmt.Errorf("%w: reading depth for '%s': %w", utils.ErrDatabase, normalizedURL, errView)
	}
	return depth, found, nil
}

// Stats implements the CrawlStore interface.
// Counts are maintained by atomic increments on writes.
func (s *BadgerStore) Stats() Stats {
	return Stats{
		AdmittedURLs:  int(s.urlCount.Load()),
		ContentHashes: int(s.hashCount.Load()),
		DepthEntries:  int(s.depthCount.Load()),
	}
}

// RunGC runs BadgerDB's garbage collection periodically. It returns at once for in-memory stores
func (s *BadgerStore) RunGC(ctx context.Context, interval time.Duration) {
	if s.inMemory {
		return
	}
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Debug("BadgerDB GC goroutine started.")

	for {
		select {
		case <-ticker.C:
			if s.db == nil || s.db.IsClosed() {
				s.log.Info("DB GC: Database is nil or closed, skipping GC cycle.")
				continue
			}

			var err error
			for {
				// Run GC if log is at least 50% reclaimable space
				if err = s.db.RunValueLogGC(0.5); err != nil {
					break
				}
			}
			if !errors.Is(err, badger.ErrNoRewrite) {
				s.log.Errorf("BadgerDB GC error: %v", err)
			}

		case <-ctx.Done():
			s.log.Debugf("Stopping BadgerDB garbage collection goroutine: %v", ctx.Err())
			return
		}
	}
}

// WriteVisitedLog implements the CrawlStore interface.
func (s *BadgerStore) WriteVisitedLog(filePath string) error {
	file, err := os.Create(filePath)
	if err != nil {
		s.log.Errorf("Failed create visited log '%s': %v", filePath, err)
		return fmt.Errorf("create visited log '%s': %w", filePath, err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	var ioErr error
	writtenCount := 0

	iterErr := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(urlKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			select {
			case <-s.ctx.Done():
				s.log.Warnf("WriteVisitedLog scan interrupted by context cancellation: %v", s.ctx.Err())
				return s.ctx.Err()
			default:
			}

			key := it.Item().KeyCopy(nil)
			if _, writeErr := writer.WriteString(string(key[len(urlKeyPrefix):]) + "\n"); writeErr != nil && ioErr == nil {
				ioErr = writeErr
			}
			writtenCount++
			if writtenCount%5000 == 0 {
				if flushErr := writer.Flush(); flushErr != nil && ioErr == nil {
					ioErr = flushErr
				}
			}
		}
		return nil
	})

	if flushErr := writer.Flush(); flushErr != nil && ioErr == nil {
		ioErr = flushErr
	}
	if syncErr := file.Sync(); syncErr != nil && ioErr == nil {
		ioErr = syncErr
	}

	if iterErr != nil {
		return iterErr
	}
	if ioErr != nil {
		s.log.Warnf("Finished writing visited log with errors. Wrote ~%d URLs to %s", writtenCount, filePath)
		return ioErr
	}
	s.log.Infof("Finished writing %d URLs to visited log: %s", writtenCount, filePath)
	return nil
}

// Close implements the CrawlStore interface
func (s *BadgerStore) Close() error {
	if s.db != nil && !s.db.IsClosed() {
		if err := s.db.Close(); err != nil {
			s.log.Errorf("Error closing ledger DB: %v", err)
			return err
		}
		s.log.Debug("Ledger DB closed.")
	}
	return nil
}
