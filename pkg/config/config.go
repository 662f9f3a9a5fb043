package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultMaxDepth is applied when a site leaves max_depth unset
const DefaultMaxDepth = 3

// SiteConfig holds configuration specific to a single website archive run
type SiteConfig struct {
	StartURLs              []string      `yaml:"start_urls"`
	AllowedDomains         []string      `yaml:"allowed_domains,omitempty"`
	MaxDepth               *int          `yaml:"max_depth,omitempty"` // nil = DefaultMaxDepth, 0 = seeds only
	RespectRobots          *bool         `yaml:"respect_robots,omitempty"`
	UserAgent              string        `yaml:"user_agent,omitempty"`
	DelayPerHost           time.Duration `yaml:"delay_per_host,omitempty"`
	DisallowedPathPatterns []string      `yaml:"disallowed_path_patterns,omitempty"` // Regex patterns for page links to exclude
	SkipAssets             *bool         `yaml:"skip_assets,omitempty"`
	EnableOutputMapping    *bool         `yaml:"enable_output_mapping,omitempty"`
	OutputMappingFilename  string        `yaml:"output_mapping_filename,omitempty"`
	EnableMetadataYAML     *bool         `yaml:"enable_metadata_yaml,omitempty"`
	MetadataYAMLFilename   string        `yaml:"metadata_yaml_filename,omitempty"`
}

// AppConfig holds the global application configuration
type AppConfig struct {
	DefaultUserAgent         string                `yaml:"default_user_agent"`
	DefaultDelayPerHost      time.Duration         `yaml:"default_delay_per_host"`
	NumWorkers               int                   `yaml:"num_workers"`
	MaxRequests              int                   `yaml:"max_requests"`
	MaxRequestsPerHost       int                   `yaml:"max_requests_per_host"`
	RequestsPerSecondPerHost float64               `yaml:"requests_per_second_per_host,omitempty"` // 0 = no token bucket
	OutputBaseDir            string                `yaml:"output_base_dir"`
	StateDir                 string                `yaml:"state_dir,omitempty"` // Empty = in-memory ledger
	MaxRetries               int                   `yaml:"max_retries,omitempty"`
	InitialRetryDelay        time.Duration         `yaml:"initial_retry_delay,omitempty"`
	MaxRetryDelay            time.Duration         `yaml:"max_retry_delay,omitempty"`
	SemaphoreAcquireTimeout  time.Duration         `yaml:"semaphore_acquire_timeout,omitempty"`
	GlobalCrawlTimeout       time.Duration         `yaml:"global_crawl_timeout,omitempty"`
	ProgressInterval         time.Duration         `yaml:"progress_interval,omitempty"`
	MaxBodyBytes             int64                 `yaml:"max_body_bytes,omitempty"`
	SkipAssets               bool                  `yaml:"skip_assets,omitempty"`
	RespectRobots            bool                  `yaml:"respect_robots,omitempty"`
	ProxyURL                 string                `yaml:"proxy_url,omitempty"`
	MetricsAddr              string                `yaml:"metrics_addr,omitempty"`
	HTTPClientSettings       HTTPClientConfig      `yaml:"http_client_settings,omitempty"`
	Sites                    map[string]SiteConfig `yaml:"sites"`
	EnableOutputMapping      bool                  `yaml:"enable_output_mapping,omitempty"`
	OutputMappingFilename    string                `yaml:"output_mapping_filename,omitempty"`
	EnableMetadataYAML       bool                  `yaml:"enable_metadata_yaml,omitempty"`
	MetadataYAMLFilename     string                `yaml:"metadata_yaml_filename,omitempty"`
}

// HTTPClientConfig holds settings for the shared HTTP client
type HTTPClientConfig struct {
	Timeout               time.Duration `yaml:"timeout,omitempty"`                 // Overall request timeout
	MaxIdleConns          int           `yaml:"max_idle_conns,omitempty"`          // Max total idle connections
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host,omitempty"` // Max idle connections per host
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout,omitempty"`       // Timeout for idle connections
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout,omitempty"`   // Timeout for TLS handshake
	ExpectContinueTimeout time.Duration `yaml:"expect_continue_timeout,omitempty"` // Timeout for 100-continue
	ForceAttemptHTTP2     *bool         `yaml:"force_attempt_http2,omitempty"`     // nil=default, true=force, false=disable
	DialerTimeout         time.Duration `yaml:"dialer_timeout,omitempty"`          // Connection dial timeout
	DialerKeepAlive       time.Duration `yaml:"dialer_keep_alive,omitempty"`       // TCP keep-alive interval
}

// Load reads and decodes a YAML configuration file
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file '%s': %w", path, err)
	}
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file '%s': %w", path, err)
	}
	return &cfg, nil
}

// GetEffectiveMaxDepth resolves the site depth limit, DefaultMaxDepth when unset
func GetEffectiveMaxDepth(siteCfg SiteConfig) int {
	if siteCfg.MaxDepth != nil {
		return *siteCfg.MaxDepth
	}
	return DefaultMaxDepth
}

// GetEffectiveUserAgent prefers the site UA over the global default
func GetEffectiveUserAgent(siteCfg SiteConfig, appCfg AppConfig) string {
	if siteCfg.UserAgent != "" {
		return siteCfg.UserAgent
	}
	return appCfg.DefaultUserAgent
}

// GetEffectiveDelay prefers the site politeness delay over the global default
func GetEffectiveDelay(siteCfg SiteConfig, appCfg AppConfig) time.Duration {
	if siteCfg.DelayPerHost > 0 {
		return siteCfg.DelayPerHost
	}
	return appCfg.DefaultDelayPerHost
}

// GetEffectiveRespectRobots determines whether robots.txt is consulted for a site
func GetEffectiveRespectRobots(siteCfg SiteConfig, appCfg AppConfig) bool {
	if siteCfg.RespectRobots != nil {
		return *siteCfg.RespectRobots
	}
	return appCfg.RespectRobots
}

// GetEffectiveSkipAssets determines whether only pages are archived
func GetEffectiveSkipAssets(siteCfg SiteConfig, appCfg AppConfig) bool {
	if siteCfg.SkipAssets != nil {
		return *siteCfg.SkipAssets
	}
	return appCfg.SkipAssets
}

// GetEffectiveEnableOutputMapping determines the effective setting for enabling the mapping file
func GetEffectiveEnableOutputMapping(siteCfg SiteConfig, appCfg AppConfig) bool {
	if siteCfg.EnableOutputMapping != nil {
		return *siteCfg.EnableOutputMapping
	}
	return appCfg.EnableOutputMapping
}

// GetEffectiveOutputMappingFilename determines the effective filename for the mapping file.
// Site config (if non-empty) overrides global; a hardcoded default covers both being empty.
func GetEffectiveOutputMappingFilename(siteCfg SiteConfig, appCfg AppConfig) string {
	if siteCfg.OutputMappingFilename != "" {
		return siteCfg.OutputMappingFilename
	}
	if appCfg.OutputMappingFilename != "" {
		return appCfg.OutputMappingFilename
	}
	return "url_to_file_map.tsv"
}

// GetEffectiveEnableMetadataYAML determines if YAML metadata should be generated.
func GetEffectiveEnableMetadataYAML(siteCfg SiteConfig, appCfg AppConfig) bool {
	if siteCfg.EnableMetadataYAML != nil {
		return *siteCfg.EnableMetadataYAML
	}
	return appCfg.EnableMetadataYAML
}

// GetEffectiveMetadataYAMLFilename determines the filename for the YAML metadata.
func GetEffectiveMetadataYAMLFilename(siteCfg SiteConfig, appCfg AppConfig) string {
	if siteCfg.MetadataYAMLFilename != "" {
		return siteCfg.MetadataYAMLFilename
	}
	if appCfg.MetadataYAMLFilename != "" {
		return appCfg.MetadataYAMLFilename
	}
	return "metadata.yaml"
}
