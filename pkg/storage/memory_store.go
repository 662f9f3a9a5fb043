package storage

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"sync"
)

// MemoryStore implements CrawlStore with mutex-guarded maps.
type MemoryStore struct {
	mu     sync.Mutex
	urls   map[string]struct{}
	hashes map[string]struct{}
	depths map[string]int
}

// NewMemoryStore returns an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		urls:   make(map[string]struct{}),
		hashes: make(map[string]struct{}),
		depths: make(map[string]int),
	}
}

// AdmitURL implements the CrawlStore interface
func (m *MemoryStore) AdmitURL(normalizedURL string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, seen := m.urls[normalizedURL]; seen {
		return false, nil
	}
	m.urls[normalizedURL] = struct{}{}
	return true, nil
}

// AdmitContentHash implements the CrawlStore interface
func (m *MemoryStore) AdmitContentHash(digest string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, seen := m.hashes[digest]; seen {
		return false, nil
	}
	m.hashes[digest] = struct{}{}
	return true, nil
}

// RecordDepth implements the CrawlStore interface
func (m *MemoryStore) RecordDepth(normalizedURL string, depth int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.depths[normalizedURL]; exists {
		return false, nil
	}
	m.depths[normalizedURL] = depth
	return true, nil
}

// DepthOf implements the CrawlStore interface
func (m *MemoryStore) DepthOf(normalizedURL string) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.depths[normalizedURL]
	return d, ok, nil
}

// Stats implements the CrawlStore interface
func (m *MemoryStore) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{AdmittedURLs: len(m.urls), ContentHashes: len(m.hashes), DepthEntries: len(m.depths)}
}

// WriteVisitedLog implements the CrawlStore interface. URLs are written in sorted order.
func (m *MemoryStore) WriteVisitedLog(filePath string) error {
	m.mu.Lock()
	urls := make([]string, 0, len(m.urls))
	for u := range m.urls {
		urls = append(urls, u)
	}
	m.mu.Unlock()
	sort.Strings(urls)

	file, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("create visited log '%s': %w", filePath, err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	for _, u := range urls {
		if _, err := writer.WriteString(u + "\n"); err != nil {
			return fmt.Errorf("write visited log '%s': %w", filePath, err)
		}
	}
	if err := writer.Flush(); err != nil {
		return fmt.Errorf("flush visited log '%s': %w", filePath, err)
	}
	return file.Sync()
}

// Close implements the CrawlStore interface. The maps are kept so Stats stays readable.
func (m *MemoryStore) Close() error { return nil }
