// Package orchestrate runs the crawls of one or more configured sites against a shared fetch service.
package orchestrate

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Sriram-PR/site-archiver/pkg/config"
	"github.com/Sriram-PR/site-archiver/pkg/crawler"
	"github.com/Sriram-PR/site-archiver/pkg/metrics"
	"github.com/Sriram-PR/site-archiver/pkg/models"
	"github.com/Sriram-PR/site-archiver/pkg/storage"
)

const ledgerGCInterval = 10 * time.Minute

// SiteResult contains the result of crawling a single site
type SiteResult struct {
	SiteKey  string
	RunID    string
	Success  bool
	Error    error
	Outcomes map[string]int64
	Duration time.Duration
}

// Orchestrator runs several site crawls in parallel. All sites share the fetch
// service, so the global request limit, per-host semaphores and politeness
// delays apply across sites. Each site gets its own ledger and reports.
type Orchestrator struct {
	appCfg   *config.AppConfig
	log      *logrus.Entry
	siteKeys []string
	fetcher  crawler.Fetcher
	metrics  *metrics.Metrics

	mu       sync.Mutex
	crawlers map[string]*crawler.Crawler
	stopped  bool
	results  []SiteResult
}

// NewOrchestrator creates an orchestrator for siteKeys. appCfg must already be validated.
func NewOrchestrator(appCfg *config.AppConfig, siteKeys []string, fetcher crawler.Fetcher, m *metrics.Metrics, log *logrus.Entry) *Orchestrator {
	return &Orchestrator{
		appCfg:   appCfg,
		log:      log,
		siteKeys: siteKeys,
		fetcher:  fetcher,
		metrics:  m,
		crawlers: make(map[string]*crawler.Crawler, len(siteKeys)),
		results:  make([]SiteResult, 0, len(siteKeys)),
	}
}

// Run crawls every site and waits for all of them. A failing site does not stop
// the others; the returned error is the first site failure, if any. Results
// are sorted by site key.
func (o *Orchestrator) Run(ctx context.Context) ([]SiteResult, error) {
	startTime := time.Now()
	o.log.Infof("Starting crawl of %d site(s): %v", len(o.siteKeys), o.siteKeys)

	var g errgroup.Group
	for _, siteKey := range o.siteKeys {
		siteKey := siteKey
		g.Go(func() error {
			result := o.crawlSite(ctx, siteKey)
			o.mu.Lock()
			o.results = append(o.results, result)
			o.mu.Unlock()
			if result.Error != nil {
				return fmt.Errorf("site '%s': %w", siteKey, result.Error)
			}
			return nil
		})
	}
	err := g.Wait()

	o.mu.Lock()
	results := make([]SiteResult, len(o.results))
	copy(results, o.results)
	o.mu.Unlock()
	sort.Slice(results, func(i, j int) bool { return results[i].SiteKey < results[j].SiteKey })

	o.logSummary(results, time.Since(startTime))
	return results, err
}

// crawlSite crawls a single site with its own ledger.
func (o *Orchestrator) crawlSite(ctx context.Context, siteKey string) SiteResult {
	startTime := time.Now()
	result := SiteResult{SiteKey: siteKey}
	siteLog := o.log.WithField("site_key", siteKey)

	siteCfg, exists := o.appCfg.Sites[siteKey]
	if !exists {
		result.Error = fmt.Errorf("site '%s' not found in configuration", siteKey)
		siteLog.Error(result.Error)
		return result
	}

	siteCtx, siteCancel := context.WithCancel(ctx)
	defer siteCancel()

	store, err := storage.Open(siteCtx, BackendFor(o.appCfg), o.appCfg.StateDir, siteKey, siteLog)
	if err != nil {
		result.Error = fmt.Errorf("failed to create ledger: %w", err)
		siteLog.Errorf("Failed to create ledger for site '%s': %v", siteKey, err)
		return result
	}
	defer func() {
		if err := store.Close(); err != nil {
			siteLog.Warnf("Error closing ledger: %v", err)
		}
	}()
	if gc, ok := store.(*storage.BadgerStore); ok {
		go gc.RunGC(siteCtx, ledgerGCInterval)
	}

	c, err := crawler.NewCrawler(o.appCfg, &siteCfg, siteKey, o.fetcher, store, o.metrics, o.log)
	if err != nil {
		result.Error = fmt.Errorf("failed to create crawler: %w", err)
		siteLog.Errorf("Failed to create crawler for site '%s': %v", siteKey, err)
		return result
	}
	result.RunID = c.RunID()

	if !o.register(siteKey, c) {
		result.Error = context.Canceled
		siteLog.Warn("Orchestrator stopped before the crawl started")
		return result
	}
	defer o.unregister(siteKey)

	siteLog.Infof("Starting crawl for site '%s'", siteKey)
	if err := c.Run(siteCtx); err != nil {
		result.Error = err
		siteLog.Errorf("Crawl failed for site '%s': %v", siteKey, err)
	} else {
		result.Success = true
		siteLog.Infof("Crawl completed for site '%s'", siteKey)
	}

	result.Outcomes = c.Stats()
	result.Duration = time.Since(startTime)
	return result
}

func (o *Orchestrator) register(siteKey string, c *crawler.Crawler) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return false
	}
	o.crawlers[siteKey] = c
	return true
}

func (o *Orchestrator) unregister(siteKey string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.crawlers, siteKey)
}

// Stop asks every running crawl to finish gracefully. Crawls that have not
// started yet will not start.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopped = true
	o.log.Infof("Stopping %d running crawl(s)...", len(o.crawlers))
	for _, c := range o.crawlers {
		c.Stop()
	}
}

// Progress returns the outcome counts of the crawls currently running.
func (o *Orchestrator) Progress() map[string]map[string]int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	progress := make(map[string]map[string]int64, len(o.crawlers))
	for key, c := range o.crawlers {
		progress[key] = c.Stats()
	}
	return progress
}

// logSummary logs a summary of all crawl results
func (o *Orchestrator) logSummary(results []SiteResult, totalDuration time.Duration) {
	o.log.Info("============================================")
	o.log.Infof("Crawl of all sites completed in %v", totalDuration)
	o.log.Info("Site Results:")

	var totalSaved int64
	successCount := 0
	failCount := 0

	for _, r := range results {
		status := "SUCCESS"
		if !r.Success {
			status = "FAILED"
			failCount++
		} else {
			successCount++
		}
		saved := r.Outcomes[models.StateSaved.String()]
		totalSaved += saved

		o.log.Infof("  %s: %s - %d artifacts saved, %d failed in %v",
			r.SiteKey, status, saved, r.Outcomes[models.StateFailed.String()], r.Duration)
		if r.Error != nil {
			o.log.Infof("    Error: %v", r.Error)
		}
	}

	o.log.Info("--------------------------------------------")
	o.log.Infof("Total: %d sites (%d success, %d failed), %d artifacts saved",
		len(results), successCount, failCount, totalSaved)
	o.log.Info("============================================")
}

// BackendFor picks the ledger backend: BadgerDB under state_dir when one is
// configured, otherwise the in-memory store.
func BackendFor(appCfg *config.AppConfig) storage.Backend {
	if appCfg.StateDir != "" {
		return storage.BackendBadger
	}
	return storage.BackendMemory
}

// ValidateSiteKeys checks that all provided site keys exist in the config
func ValidateSiteKeys(appCfg *config.AppConfig, siteKeys []string) error {
	for _, key := range siteKeys {
		if _, exists := appCfg.Sites[key]; !exists {
			return fmt.Errorf("site '%s' not found. Available sites: %v", key, GetAllSiteKeys(appCfg))
		}
	}
	return nil
}

// GetAllSiteKeys returns all site keys from the config, sorted
func GetAllSiteKeys(appCfg *config.AppConfig) []string {
	keys := make([]string, 0, len(appCfg.Sites))
	for k := range appCfg.Sites {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
