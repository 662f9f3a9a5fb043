package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/Sriram-PR/site-archiver/pkg/parse"
	"github.com/Sriram-PR/site-archiver/pkg/utils"
)

const (
	defaultUserAgent     = "Mozilla/5.0 (compatible; site-archiver/1.0)"
	defaultDelayPerHost  = 1500 * time.Millisecond
	defaultMaxBodyBytes  = 50 << 20
	defaultProgressEvery = 30 * time.Second
)

// Validate checks AppConfig fields and applies sensible defaults.
// Returns collected warnings and any fatal error.
// Modifies receiver in place to apply defaults.
func (c *AppConfig) Validate() (warnings []string, err error) {
	if c.DefaultUserAgent == "" {
		c.DefaultUserAgent = defaultUserAgent
	}

	if c.DefaultDelayPerHost < 0 {
		warnings = append(warnings, "default_delay_per_host cannot be negative, setting to 0")
		c.DefaultDelayPerHost = 0
	} else if c.DefaultDelayPerHost == 0 {
		c.DefaultDelayPerHost = defaultDelayPerHost
	}

	if c.NumWorkers <= 0 {
		warnings = append(warnings, "num_workers should be > 0, defaulting to 8")
		c.NumWorkers = 8
	}

	if c.MaxRequests <= 0 {
		warnings = append(warnings, "max_requests should be > 0, defaulting to 8")
		c.MaxRequests = 8
	}

	if c.MaxRequestsPerHost <= 0 {
		warnings = append(warnings, "max_requests_per_host should be > 0, defaulting to 2")
		c.MaxRequestsPerHost = 2
	}

	if c.RequestsPerSecondPerHost < 0 {
		warnings = append(warnings, "requests_per_second_per_host cannot be negative, disabling token bucket")
		c.RequestsPerSecondPerHost = 0
	}

	if c.OutputBaseDir == "" {
		warnings = append(warnings, "output_base_dir is empty, defaulting to './archive'")
		c.OutputBaseDir = "./archive"
	}

	if c.MaxRetries < 0 {
		warnings = append(warnings, "max_retries cannot be negative, setting to 0")
		c.MaxRetries = 0
	}
	if c.MaxRetries == 0 && c.InitialRetryDelay == 0 {
		c.MaxRetries = 3
	}

	// Retry delays (only if retries enabled)
	if c.MaxRetries > 0 {
		if c.InitialRetryDelay <= 0 {
			c.InitialRetryDelay = 1 * time.Second
		}
		if c.MaxRetryDelay <= 0 {
			c.MaxRetryDelay = 30 * time.Second
		}
	}

	if c.InitialRetryDelay > c.MaxRetryDelay && c.MaxRetryDelay > 0 {
		warnings = append(warnings, fmt.Sprintf(
			"initial_retry_delay (%v) > max_retry_delay (%v), using max_retry_delay for initial",
			c.InitialRetryDelay, c.MaxRetryDelay))
		c.InitialRetryDelay = c.MaxRetryDelay
	}

	if c.SemaphoreAcquireTimeout <= 0 {
		c.SemaphoreAcquireTimeout = 30 * time.Second
	}

	if c.GlobalCrawlTimeout < 0 {
		warnings = append(warnings, "global_crawl_timeout cannot be negative, disabling timeout")
		c.GlobalCrawlTimeout = 0
	}

	if c.ProgressInterval <= 0 {
		c.ProgressInterval = defaultProgressEvery
	}

	if c.MaxBodyBytes < 0 {
		warnings = append(warnings, "max_body_bytes cannot be negative, using default (50 MiB)")
		c.MaxBodyBytes = defaultMaxBodyBytes
	} else if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = defaultMaxBodyBytes
	}

	if c.ProxyURL != "" {
		if err := validateProxyURL(c.ProxyURL); err != nil {
			return warnings, err
		}
	}

	c.validateHTTPClientSettings()

	if c.EnableOutputMapping && c.OutputMappingFilename == "" {
		warnings = append(warnings,
			"Global 'enable_output_mapping' is true but 'output_mapping_filename' is empty. "+
				"Defaulting to 'url_to_file_map.tsv'")
		c.OutputMappingFilename = "url_to_file_map.tsv"
	}

	if c.EnableMetadataYAML && c.MetadataYAMLFilename == "" {
		warnings = append(warnings,
			"Global 'enable_metadata_yaml' is true but 'metadata_yaml_filename' is empty. "+
				"Defaulting to 'metadata.yaml'")
		c.MetadataYAMLFilename = "metadata.yaml"
	}

	return warnings, nil
}

func validateProxyURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: proxy_url '%s' is not a valid URL: %v", utils.ErrConfigValidation, raw, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "socks5", "socks5h":
	default:
		return fmt.Errorf("%w: proxy_url scheme '%s' unsupported (want http, https or socks5)", utils.ErrConfigValidation, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: proxy_url '%s' has no host", utils.ErrConfigValidation, raw)
	}
	return nil
}

// validateHTTPClientSettings applies defaults to HTTP client settings.
func (c *AppConfig) validateHTTPClientSettings() {
	h := &c.HTTPClientSettings
	if h.Timeout <= 0 {
		h.Timeout = 45 * time.Second
	}
	if h.MaxIdleConns <= 0 {
		h.MaxIdleConns = 100
	}
	if h.MaxIdleConnsPerHost <= 0 {
		h.MaxIdleConnsPerHost = 2
	}
	if h.IdleConnTimeout <= 0 {
		h.IdleConnTimeout = 90 * time.Second
	}
	if h.TLSHandshakeTimeout <= 0 {
		h.TLSHandshakeTimeout = 10 * time.Second
	}
	if h.ExpectContinueTimeout <= 0 {
		h.ExpectContinueTimeout = 1 * time.Second
	}
	if h.DialerTimeout <= 0 {
		h.DialerTimeout = 15 * time.Second
	}
	if h.DialerKeepAlive <= 0 {
		h.DialerKeepAlive = 30 * time.Second
	}
}

// Validate checks SiteConfig fields and applies defaults.
// Returns collected warnings and any fatal error.
// Modifies receiver in place (seed trimming, default domains and depth).
func (c *SiteConfig) Validate() (warnings []string, err error) {
	if len(c.StartURLs) == 0 {
		return nil, fmt.Errorf("%w: site has no start_urls", utils.ErrConfigValidation)
	}

	seedHosts := make([]string, 0, len(c.StartURLs))
	for i, raw := range c.StartURLs {
		seed, err := parse.ParseSeed(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: start_urls[%d]: %v", utils.ErrConfigValidation, i, err)
		}
		c.StartURLs[i] = strings.TrimSpace(raw)
		seedHosts = append(seedHosts, seed.Host)
	}

	if len(c.AllowedDomains) == 0 {
		c.AllowedDomains = dedupeStrings(seedHosts)
		warnings = append(warnings, fmt.Sprintf(
			"allowed_domains not set, defaulting to start URL hosts %v", c.AllowedDomains))
	} else {
		domains := parse.NewDomainSet(c.AllowedDomains)
		for _, h := range seedHosts {
			if !domains.Contains(h) {
				warnings = append(warnings, fmt.Sprintf(
					"start URL host '%s' is not in allowed_domains; that seed will be dropped", h))
			}
		}
	}

	if c.MaxDepth == nil {
		d := DefaultMaxDepth
		c.MaxDepth = &d
	} else if *c.MaxDepth < 0 {
		warnings = append(warnings, fmt.Sprintf(
			"max_depth cannot be negative, defaulting to %d", DefaultMaxDepth))
		d := DefaultMaxDepth
		c.MaxDepth = &d
	}

	if c.DelayPerHost < 0 {
		warnings = append(warnings, "delay_per_host cannot be negative, using global default")
		c.DelayPerHost = 0
	}

	if _, err := utils.CompileRegexPatterns(c.DisallowedPathPatterns); err != nil {
		return warnings, err
	}

	return warnings, nil
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
