package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/site-archiver/pkg/models"
	"github.com/Sriram-PR/site-archiver/pkg/utils"
)

// Writer persists pages and assets beneath a base directory. Each artifact is
// written all-or-nothing: a failed write never leaves a partial file behind and
// never damages an artifact previously stored at the same path.
type Writer struct {
	baseDir string
	log     *logrus.Entry

	mu     sync.Mutex
	claims map[string]string // relative path -> source URL that last wrote it
}

// NewWriter creates a Writer rooted at baseDir. Directories are created on demand.
func NewWriter(baseDir string, log *logrus.Entry) *Writer {
	return &Writer{
		baseDir: baseDir,
		log:     log,
		claims:  make(map[string]string),
	}
}

// BaseDir returns the directory all artifact paths are relative to.
func (w *Writer) BaseDir() string { return w.baseDir }

// WritePage stores an HTML page and returns its path relative to the base directory.
func (w *Writer) WritePage(host, urlPath, sourceURL string, body []byte) (string, error) {
	rel := PagePath(host, urlPath)
	return rel, w.write(rel, sourceURL, models.CategoryHTML, body)
}

// WriteAsset stores an asset and returns its path relative to the base directory.
func (w *Writer) WriteAsset(host string, category models.Category, urlPath, sourceURL string, body []byte, contentHash, ext string) (string, error) {
	rel := AssetPath(host, category, urlPath, contentHash, ext)
	return rel, w.write(rel, sourceURL, category, body)
}

func (w *Writer) write(rel, sourceURL string, category models.Category, body []byte) error {
	w.mu.Lock()
	previous, claimed := w.claims[rel]
	w.claims[rel] = sourceURL
	w.mu.Unlock()

	if claimed && previous != sourceURL {
		w.log.WithFields(logrus.Fields{
			"path":         rel,
			"url":          sourceURL,
			"previous_url": previous,
			"category":     category,
		}).Warn("Path collision: overwriting artifact written for a different URL")
	}

	if err := WriteFileAtomic(FilesystemPath(w.baseDir, rel), body); err != nil {
		return fmt.Errorf("%w: writing %s: %w", utils.ErrFilesystem, rel, err)
	}
	return nil
}

// WriteFileAtomic writes data to a temporary file in the destination directory, syncs it and
// renames it over filePath. On any failure the temporary file is removed.
func WriteFileAtomic(filePath string, data []byte) (err error) {
	dir := filepath.Dir(filePath)
	if err = os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(filePath)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Chmod(tmpName, 0644); err != nil {
		return err
	}
	return os.Rename(tmpName, filePath)
}
