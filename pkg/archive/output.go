package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/Sriram-PR/site-archiver/pkg/models"
)

// OutputOptions selects the run reports an OutputManager produces.
type OutputOptions struct {
	EnableMapping    bool
	MappingFilename  string
	EnableMetadata   bool
	MetadataFilename string
	SiteConfig       any // Dumped into metadata as site_configuration
}

// OutputManager owns the per-run report files: the TSV URL-to-file mapping and the YAML run metadata.
type OutputManager struct {
	log        *logrus.Entry
	opts       OutputOptions
	reportsDir string

	mappingFile     *os.File
	mappingFileMu   sync.Mutex
	mappingFilePath string

	collected     []models.ArtifactMetadata
	metadataMutex sync.Mutex
}

// NewOutputManager creates an OutputManager without opening files.
func NewOutputManager(log *logrus.Entry, reportsDir string, opts OutputOptions) *OutputManager {
	return &OutputManager{
		log:        log,
		opts:       opts,
		reportsDir: reportsDir,
	}
}

// ReportsDir returns the directory report files are written to.
func (om *OutputManager) ReportsDir() string { return om.reportsDir }

// Open creates the reports directory and truncates the mapping file if mapping is enabled.
func (om *OutputManager) Open() error {
	if err := os.MkdirAll(om.reportsDir, 0755); err != nil {
		return fmt.Errorf("create reports directory %s: %w", om.reportsDir, err)
	}
	if !om.opts.EnableMapping {
		om.log.Debug("TSV URL-to-file mapping is disabled.")
		return nil
	}

	om.mappingFilePath = filepath.Join(om.reportsDir, om.opts.MappingFilename)
	file, err := os.OpenFile(om.mappingFilePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		om.log.Errorf("Failed to open TSV mapping file '%s': %v. Mapping output will be disabled.", om.mappingFilePath, err)
		return nil
	}
	om.mappingFile = file
	om.log.Infof("TSV URL-to-file mapping enabled. Output file: %s", om.mappingFilePath)
	return nil
}

// Record registers a stored artifact in the mapping file and the metadata collection.
func (om *OutputManager) Record(artifact models.ArtifactMetadata) {
	om.writeToMappingFile(artifact)

	if om.opts.EnableMetadata {
		om.metadataMutex.Lock()
		om.collected = append(om.collected, artifact)
		om.metadataMutex.Unlock()
	}
}

// Recorded returns the number of artifacts collected for metadata.
func (om *OutputManager) Recorded() int {
	om.metadataMutex.Lock()
	defer om.metadataMutex.Unlock()
	return len(om.collected)
}

func (om *OutputManager) writeToMappingFile(artifact models.ArtifactMetadata) {
	om.mappingFileMu.Lock()
	defer om.mappingFileMu.Unlock()

	if om.mappingFile == nil {
		return
	}

	line := fmt.Sprintf("%s\t%s\t%s\n", artifact.URL, artifact.Category, artifact.LocalPath)
	if _, err := om.mappingFile.WriteString(line); err != nil {
		om.log.WithFields(logrus.Fields{
			"tsv_mapping_file": om.mappingFilePath,
			"line_content":     strings.TrimSpace(line),
		}).Errorf("Failed to write to TSV mapping file: %v", err)
	}
}

// Close syncs and closes the mapping file and writes the YAML metadata file from summary.
func (om *OutputManager) Close(summary models.CrawlMetadata) error {
	om.closeMappingFile()
	return om.writeMetadataYAML(summary)
}

func (om *OutputManager) closeMappingFile() {
	om.mappingFileMu.Lock()
	defer om.mappingFileMu.Unlock()

	if om.mappingFile != nil {
		if err := om.mappingFile.Sync(); err != nil {
			om.log.Errorf("Error syncing TSV mapping file '%s': %v", om.mappingFilePath, err)
		}
		if err := om.mappingFile.Close(); err != nil {
			om.log.Errorf("Error closing TSV mapping file '%s': %v", om.mappingFilePath, err)
		}
		om.mappingFile = nil
	}
}

func (om *OutputManager) writeMetadataYAML(summary models.CrawlMetadata) error {
	if !om.opts.EnableMetadata {
		return nil
	}
	yamlFilePath := filepath.Join(om.reportsDir, om.opts.MetadataFilename)

	if om.opts.SiteConfig != nil {
		var siteConfigMap map[string]interface{}
		if raw, err := yaml.Marshal(om.opts.SiteConfig); err != nil {
			om.log.Warnf("Could not marshal site_configuration for YAML metadata: %v", err)
		} else if err := yaml.Unmarshal(raw, &siteConfigMap); err != nil {
			om.log.Warnf("Could not unmarshal site_configuration into map for YAML metadata: %v", err)
		} else {
			summary.SiteConfiguration = siteConfigMap
		}
	}

	om.metadataMutex.Lock()
	summary.Artifacts = make([]models.ArtifactMetadata, len(om.collected))
	copy(summary.Artifacts, om.collected)
	om.metadataMutex.Unlock()

	if summary.CrawlEndTime.IsZero() {
		summary.CrawlEndTime = time.Now()
	}

	yamlData, err := yaml.Marshal(&summary)
	if err != nil {
		return fmt.Errorf("failed to marshal crawl metadata to YAML for site '%s': %w", summary.SiteKey, err)
	}
	if err := WriteFileAtomic(yamlFilePath, yamlData); err != nil {
		return fmt.Errorf("failed to write metadata YAML file '%s' for site '%s': %w", yamlFilePath, summary.SiteKey, err)
	}

	om.log.Infof("Wrote crawl metadata (%d artifacts) to %s", len(summary.Artifacts), yamlFilePath)
	return nil
}
