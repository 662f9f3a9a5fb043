package models

import (
	"fmt"
	"time"
)

// AssetKind is the request context that produced a fetch. It is a closed set;
// switches over it are expected to cover every value.
type AssetKind int

const (
	KindPage AssetKind = iota
	KindStylesheet
	KindScript
	KindImage
)

// String implements fmt.Stringer for logging
func (k AssetKind) String() string {
	switch k {
	case KindPage:
		return "page"
	case KindStylesheet:
		return "stylesheet"
	case KindScript:
		return "script"
	case KindImage:
		return "image"
	}
	return fmt.Sprintf("AssetKind(%d)", int(k))
}

// IsPage reports whether items of this kind are HTML pages that may be expanded.
func (k AssetKind) IsPage() bool { return k == KindPage }

// Priority orders the work queue. Lower values are dispatched first, so pages
// are never starved by asset downloads.
func (k AssetKind) Priority() int {
	if k == KindPage {
		return 0
	}
	return 1
}

// Category is the storage bucket an artifact is written under.
func (k AssetKind) Category() Category {
	switch k {
	case KindPage:
		return CategoryHTML
	case KindStylesheet:
		return CategoryCSS
	case KindScript:
		return CategoryJS
	case KindImage:
		return CategoryImage
	}
	return CategoryBinary
}

// Category classifies a stored artifact.
type Category string

const (
	CategoryHTML   Category = "html"
	CategoryCSS    Category = "css"
	CategoryJS     Category = "js"
	CategoryImage  Category = "image"
	CategoryBinary Category = "binary"
)

// Dir returns the directory name assets of this category are stored under.
// HTML pages mirror the URL structure instead and return "".
func (c Category) Dir() string {
	switch c {
	case CategoryCSS:
		return "css"
	case CategoryJS:
		return "js"
	case CategoryImage:
		return "images"
	case CategoryHTML:
		return ""
	}
	return "files"
}

// CrawlTarget is an admitted URL waiting to be fetched. It is never mutated after creation.
type CrawlTarget struct {
	URL      string
	Depth    int
	Kind     AssetKind
	Referrer string // URL of the page that linked to it; empty for seeds
}

// CrawlMetadata holds the run summary written after a crawl of a site.
type CrawlMetadata struct {
	SiteKey           string                 `yaml:"site_key"`
	RunID             string                 `yaml:"run_id"`
	AllowedDomains    []string               `yaml:"allowed_domains"`
	StartURLs         []string               `yaml:"start_urls"`
	MaxDepth          int                    `yaml:"max_depth"`
	CrawlStartTime    time.Time              `yaml:"crawl_start_time"`
	CrawlEndTime      time.Time              `yaml:"crawl_end_time"`
	Outcomes          map[string]int64       `yaml:"outcomes"`
	SiteConfiguration map[string]interface{} `yaml:"site_configuration,omitempty"`
	Artifacts         []ArtifactMetadata     `yaml:"artifacts"`
}

// ArtifactMetadata holds metadata for a single stored page or asset.
type ArtifactMetadata struct {
	URL         string    `yaml:"url"`
	Category    Category  `yaml:"category"`
	LocalPath   string    `yaml:"local_path"`
	Depth       int       `yaml:"depth"`
	ContentHash string    `yaml:"content_hash,omitempty"`
	Bytes       int       `yaml:"bytes"`
	SavedAt     time.Time `yaml:"saved_at"`
}
