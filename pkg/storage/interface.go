package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/site-archiver/pkg/utils"
)

// URLLedger records which normalized URLs have been admitted to the crawl queue.
type URLLedger interface {
	// AdmitURL atomically checks and inserts the URL.
	// Returns true if the URL was newly admitted, false if it had been seen before
	AdmitURL(normalizedURL string) (bool, error)
}

// ContentLedger records the digests of asset payloads already written to disk.
type ContentLedger interface {
	// AdmitContentHash atomically checks and inserts the digest.
	// Returns true if this is the first time the content has been seen
	AdmitContentHash(digest string) (bool, error)
}

// DepthTracker maps a normalized URL to the depth at which it was first discovered.
type DepthTracker interface {
	// RecordDepth stores depth for the URL unless one is already recorded.
	// Returns true if this call set the depth
	RecordDepth(normalizedURL string, depth int) (bool, error)

	// DepthOf returns the recorded depth and whether one exists
	DepthOf(normalizedURL string) (depth int, found bool, err error)
}

// Stats is a point-in-time snapshot of ledger sizes.
type Stats struct {
	AdmittedURLs  int
	ContentHashes int
	DepthEntries  int
}

// StoreAdmin handles lifecycle and reporting operations
type StoreAdmin interface {
	// Stats returns the current ledger sizes
	Stats() Stats

	// WriteVisitedLog writes every admitted URL to the specified file path, one per line
	WriteVisitedLog(filePath string) error

	// Close releases the store's resources
	Close() error
}

// CrawlStore combines all store interfaces. One CrawlStore serves exactly one crawl run
type CrawlStore interface {
	URLLedger
	ContentLedger
	DepthTracker
	StoreAdmin
}

// Backend selects a CrawlStore implementation.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendBadger Backend = "badger"
)

// ParseBackend validates a backend name. The empty string selects BackendMemory.
func ParseBackend(name string) (Backend, error) {
	switch b := Backend(strings.ToLower(strings.TrimSpace(name))); b {
	case "", BackendMemory:
		return BackendMemory, nil
	case BackendBadger:
		return BackendBadger, nil
	default:
		return "", fmt.Errorf("%w: unknown state backend %q (want %q or %q)", utils.ErrConfigValidation, name, BackendMemory, BackendBadger)
	}
}

// Open creates an empty CrawlStore for one run. For BackendBadger an empty stateDir keeps the database in memory.
func Open(ctx context.Context, backend Backend, stateDir, name string, logger *logrus.Entry) (CrawlStore, error) {
	switch backend {
	case BackendBadger:
		return NewBadgerStore(ctx, stateDir, name, logger)
	case BackendMemory, "":
		return NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("%w: unknown state backend %q", utils.ErrConfigValidation, backend)
}
