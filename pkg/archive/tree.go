package archive

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	indentPrefix    = "    "
	entryPrefix     = "├── "
	lastEntryPrefix = "└── "
	verticalLine    = "│   "
)

// WriteTree walks targetDir and writes a text-based directory tree to outputFilePath.
// Temporary files left by interrupted writes are not listed.
func WriteTree(targetDir, outputFilePath string, log *logrus.Entry) error {
	info, err := os.Stat(targetDir)
	if err != nil {
		return fmt.Errorf("target directory '%s': %w", targetDir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("target '%s' is not a directory", targetDir)
	}

	if err := os.MkdirAll(filepath.Dir(outputFilePath), 0755); err != nil {
		return fmt.Errorf("create directory for '%s': %w", outputFilePath, err)
	}
	file, err := os.Create(outputFilePath)
	if err != nil {
		return fmt.Errorf("failed to create output file '%s': %w", outputFilePath, err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	if _, err := fmt.Fprintf(writer, "Directory Structure for: %s\n%s\n\n%s/\n",
		targetDir, strings.Repeat("=", 25+len(targetDir)), filepath.Base(targetDir)); err != nil {
		return err
	}

	if err := walkDirRecursive(writer, targetDir, "", log); err != nil {
		log.Errorf("Error occurred during recursive walk for '%s': %v", targetDir, err)
		return fmt.Errorf("error generating tree structure for '%s': %w", targetDir, err)
	}
	return writer.Flush()
}

func walkDirRecursive(writer io.Writer, dirPath string, currentIndent string, log *logrus.Entry) error {
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		log.Warnf("Failed to read directory '%s': %v", dirPath, err)
		return fmt.Errorf("failed to read directory '%s': %w", dirPath, err)
	}
	entries = slices.DeleteFunc(entries, func(e os.DirEntry) bool {
		return strings.HasPrefix(e.Name(), ".") && strings.HasSuffix(e.Name(), ".tmp")
	})

	// Directories first, then alphabetically by name
	slices.SortFunc(entries, func(a, b os.DirEntry) int {
		if a.IsDir() != b.IsDir() {
			if a.IsDir() {
				return -1
			}
			return 1
		}
		return strings.Compare(strings.ToLower(a.Name()), strings.ToLower(b.Name()))
	})

	for i, entry := range entries {
		isLast := i == len(entries)-1
		connector := entryPrefix
		if isLast {
			connector = lastEntryPrefix
		}

		if _, err := fmt.Fprintf(writer, "%s%s%s\n", currentIndent, connector, entry.Name()); err != nil {
			return err
		}

		if entry.IsDir() {
			nextIndent := currentIndent + verticalLine
			if isLast {
				nextIndent = currentIndent + indentPrefix
			}
			if err := walkDirRecursive(writer, filepath.Join(dirPath, entry.Name()), nextIndent, log); err != nil {
				return err
			}
		}
	}
	return nil
}
