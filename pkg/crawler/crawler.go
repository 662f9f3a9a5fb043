// FILE: pkg/crawler/crawler.go
package crawler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/site-archiver/pkg/archive"
	"github.com/Sriram-PR/site-archiver/pkg/config"
	"github.com/Sriram-PR/site-archiver/pkg/fetch"
	"github.com/Sriram-PR/site-archiver/pkg/metrics"
	"github.com/Sriram-PR/site-archiver/pkg/models"
	"github.com/Sriram-PR/site-archiver/pkg/parse"
	"github.com/Sriram-PR/site-archiver/pkg/queue"
	"github.com/Sriram-PR/site-archiver/pkg/storage"
	"github.com/Sriram-PR/site-archiver/pkg/utils"
)

const (
	// ReportsDirName is the folder under the output base that holds per-site run reports.
	ReportsDirName = "_reports"
	// VisitedLogFilename lists every admitted URL once the run ends.
	VisitedLogFilename = "visited_urls.txt"

	defaultProgressInterval = 30 * time.Second
)

var errAlreadyAdmitted = errors.New("already admitted")

// Fetcher retrieves one admitted URL. *fetch.Service is the production implementation.
type Fetcher interface {
	Fetch(ctx context.Context, req fetch.Request) (*fetch.Response, error)
}

// Crawler archives a single configured site
type Crawler struct {
	log     *logrus.Entry // Logger contextualized with site_key and run_id
	appCfg  *config.AppConfig
	siteCfg *config.SiteConfig
	siteKey string
	runID   string

	disallowed    []*regexp.Regexp
	userAgent     string
	delay         time.Duration
	respectRobots bool
	skipAssets    bool

	// Core components
	state   *CrawlState
	pq      *queue.ThreadSafePriorityQueue
	fetcher Fetcher
	writer  *archive.Writer
	output  *archive.OutputManager
	metrics *metrics.Metrics

	// Tracking and coordination
	wg        sync.WaitGroup // One count per queued or in-flight target
	outcomes  map[models.ItemState]*atomic.Int64
	discarded atomic.Int64 // Admitted targets dropped by Stop or cancellation
	stopCh    chan struct{}
	stopOnce  sync.Once
	startTime time.Time
}

// NewCrawler creates a Crawler for one site. siteCfg must already be validated.
// store must be empty and is owned by the caller, who closes it after Run returns.
func NewCrawler(
	appCfg *config.AppConfig,
	siteCfg *config.SiteConfig,
	siteKey string,
	fetcher Fetcher,
	store storage.CrawlStore,
	m *metrics.Metrics, // may be nil
	baseLogger *logrus.Entry,
) (*Crawler, error) {
	runID := uuid.NewString()
	logger := baseLogger.WithFields(logrus.Fields{"site_key": siteKey, "run_id": runID})

	disallowed, err := utils.CompileRegexPatterns(siteCfg.DisallowedPathPatterns)
	if err != nil {
		return nil, fmt.Errorf("compiling disallowed patterns for site '%s': %w", siteKey, err)
	}
	if len(disallowed) > 0 {
		logger.Infof("Compiled %d disallowed path patterns.", len(disallowed))
	}

	domains := parse.NewDomainSet(siteCfg.AllowedDomains)
	if domains.Len() == 0 {
		return nil, fmt.Errorf("%w: site '%s' has no allowed_domains", utils.ErrConfigValidation, siteKey)
	}

	reportsDir := filepath.Join(appCfg.OutputBaseDir, ReportsDirName, utils.SanitizeFilename(siteKey))
	output := archive.NewOutputManager(logger, reportsDir, archive.OutputOptions{
		EnableMapping:    config.GetEffectiveEnableOutputMapping(*siteCfg, *appCfg),
		MappingFilename:  config.GetEffectiveOutputMappingFilename(*siteCfg, *appCfg),
		EnableMetadata:   config.GetEffectiveEnableMetadataYAML(*siteCfg, *appCfg),
		MetadataFilename: config.GetEffectiveMetadataYAMLFilename(*siteCfg, *appCfg),
		SiteConfig:       siteCfg,
	})

	outcomes := make(map[models.ItemState]*atomic.Int64, len(models.Outcomes))
	for _, s := range models.Outcomes {
		outcomes[s] = &atomic.Int64{}
	}

	return &Crawler{
		log:           logger,
		appCfg:        appCfg,
		siteCfg:       siteCfg,
		siteKey:       siteKey,
		runID:         runID,
		disallowed:    disallowed,
		userAgent:     config.GetEffectiveUserAgent(*siteCfg, *appCfg),
		delay:         config.GetEffectiveDelay(*siteCfg, *appCfg),
		respectRobots: config.GetEffectiveRespectRobots(*siteCfg, *appCfg),
		skipAssets:    config.GetEffectiveSkipAssets(*siteCfg, *appCfg),
		state:         NewCrawlState(store, domains, config.GetEffectiveMaxDepth(*siteCfg)),
		pq:            queue.NewThreadSafePriorityQueue(logger),
		fetcher:       fetcher,
		writer:        archive.NewWriter(appCfg.OutputBaseDir, logger),
		output:        output,
		metrics:       m,
		outcomes:      outcomes,
		stopCh:        make(chan struct{}),
	}, nil
}

// RunID identifies this crawl in logs and metadata.
func (c *Crawler) RunID() string { return c.runID }

// ReportsDir is where the visited log, mapping file, metadata and tree listings are written.
func (c *Crawler) ReportsDir() string { return c.output.ReportsDir() }

// Stop asks the crawl to finish gracefully: queued targets are discarded and
// in-flight targets run to completion. Safe to call more than once.
func (c *Crawler) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Stats returns the number of targets settled in each terminal state so far.
func (c *Crawler) Stats() map[string]int64 {
	out := make(map[string]int64, len(c.outcomes))
	for state, n := range c.outcomes {
		out[state.String()] = n.Load()
	}
	return out
}

// Run crawls the site and blocks until every admitted target has settled, Stop
// is called, or ctx ends. It returns ctx.Err() when the crawl was cut short by
// cancellation or the global timeout, and nil otherwise.
func (c *Crawler) Run(ctx context.Context) error {
	c.startTime = time.Now()
	runLog := c.log.WithFields(logrus.Fields{
		"domains":   c.state.Domains().Domains(),
		"max_depth": c.state.MaxDepth(),
	})
	numWorkers := max(c.appCfg.NumWorkers, 1)
	runLog.Infof("Crawl starting with %d worker(s)...", numWorkers)

	if c.appCfg.GlobalCrawlTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.appCfg.GlobalCrawlTimeout)
		defer cancel()
	}

	seeded, err := c.seed(runLog)
	if err != nil {
		c.discard(c.pq.CloseAndDrain())
		return err
	}
	if seeded == 0 {
		return fmt.Errorf("%w: no start URL of site '%s' is inside allowed_domains", utils.ErrConfigValidation, c.siteKey)
	}
	runLog.Infof("Seeded %d start URL(s) at depth 0.", seeded)

	if err := c.output.Open(); err != nil {
		c.discard(c.pq.CloseAndDrain())
		return fmt.Errorf("%w: preparing reports for site '%s': %w", utils.ErrFilesystem, c.siteKey, err)
	}

	var workersWg sync.WaitGroup
	for i := 1; i <= numWorkers; i++ {
		workersWg.Add(1)
		workerLog := c.log.WithField("worker_id", i)
		go func() {
			defer workersWg.Done()
			c.worker(ctx, workerLog)
		}()
	}

	progressDone := make(chan struct{})
	go c.reportProgress(progressDone)

	tasksDone := make(chan struct{})
	go func() { c.wg.Wait(); close(tasksDone) }()

	select {
	case <-tasksDone:
		runLog.Info("All admitted targets settled.")
	case <-c.stopCh:
		runLog.Warn("Stop requested: discarding queued targets and letting in-flight targets finish.")
		c.discard(c.pq.CloseAndDrain())
	case <-ctx.Done():
		runLog.Warnf("Crawl context ended (%v): discarding queued targets.", ctx.Err())
		c.discard(c.pq.CloseAndDrain())
	}

	c.pq.Close()
	workersWg.Wait()
	<-tasksDone
	close(progressDone)

	c.finish(runLog, ctx.Err() == nil)
	return ctx.Err()
}

// seed admits the configured start URLs at depth 0.
func (c *Crawler) seed(runLog *logrus.Entry) (int, error) {
	seeded := 0
	for i, raw := range c.siteCfg.StartURLs {
		seedLog := runLog.WithFields(logrus.Fields{"index": i, "url": raw})
		seedURL, err := parse.ParseSeed(raw)
		if err != nil {
			return seeded, fmt.Errorf("%w: start_urls[%d]: %w", utils.ErrConfigValidation, i, err)
		}
		adm, err := c.state.Admit(nil, seedURL.String(), 0, models.KindPage)
		if err != nil {
			return seeded, err
		}
		if adm.State != models.StateAdmitted {
			seedLog.Warnf("Start URL not admitted: %v. Skipping.", adm.Err)
			continue
		}
		if c.enqueue(&models.CrawlTarget{URL: parse.NormalizeURL(adm.URL), Depth: 0, Kind: models.KindPage}) {
			seeded++
		}
	}
	return seeded, nil
}

// enqueue hands an admitted target to the workers. It reports false when the
// queue has already been closed by Stop or cancellation.
func (c *Crawler) enqueue(target *models.CrawlTarget) bool {
	c.wg.Add(1)
	if !c.pq.Add(target) {
		c.wg.Done()
		c.discarded.Add(1)
		return false
	}
	c.metrics.SetQueueDepth(c.siteKey, c.pq.Len())
	return true
}

// discard releases targets that were admitted but will never be dispatched.
func (c *Crawler) discard(targets []*models.CrawlTarget) {
	if len(targets) == 0 {
		return
	}
	c.log.Warnf("Discarding %d queued target(s).", len(targets))
	c.discarded.Add(int64(len(targets)))
	for range targets {
		c.wg.Done()
	}
	c.metrics.SetQueueDepth(c.siteKey, 0)
}

// worker pops targets until the queue is closed and empty.
func (c *Crawler) worker(ctx context.Context, workerLog *logrus.Entry) {
	workerLog.Debug("Worker starting")
	defer workerLog.Debug("Worker finished")

	for {
		target, ok := c.pq.Pop()
		if !ok {
			return
		}
		c.metrics.SetQueueDepth(c.siteKey, c.pq.Len())
		c.processTarget(ctx, target, workerLog)
	}
}

func (c *Crawler) reportProgress(done <-chan struct{}) {
	interval := c.appCfg.ProgressInterval
	if interval <= 0 {
		interval = defaultProgressInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			ledger := c.state.Store().Stats()
			fields := logrus.Fields{
				"queue_len":      c.pq.Len(),
				"admitted_urls":  ledger.AdmittedURLs,
				"content_hashes": ledger.ContentHashes,
			}
			for state, n := range c.Stats() {
				fields[state] = n
			}
			c.log.WithFields(fields).Info("Crawl Progress")
		}
	}
}

// finish writes the end-of-run reports. Directory trees are only listed for
// runs that were not cut short.
func (c *Crawler) finish(runLog *logrus.Entry, completed bool) {
	endTime := time.Now()
	reportsDir := c.output.ReportsDir()

	if err := c.state.Store().WriteVisitedLog(filepath.Join(reportsDir, VisitedLogFilename)); err != nil {
		runLog.Warnf("Failed to write visited URL log: %v", err)
	}

	for _, host := range c.state.Domains().Domains() {
		if !completed {
			break
		}
		root := archive.DomainRoot(host)
		dir := filepath.Join(c.writer.BaseDir(), root)
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			continue
		}
		if err := archive.WriteTree(dir, filepath.Join(reportsDir, root+"_structure.txt"), runLog); err != nil {
			runLog.Warnf("Failed to write directory tree for %s: %v", root, err)
		}
	}

	summary := models.CrawlMetadata{
		SiteKey:        c.siteKey,
		RunID:          c.runID,
		AllowedDomains: c.state.Domains().Domains(),
		StartURLs:      c.siteCfg.StartURLs,
		MaxDepth:       c.state.MaxDepth(),
		CrawlStartTime: c.startTime,
		CrawlEndTime:   endTime,
		Outcomes:       c.Stats(),
	}
	if err := c.output.Close(summary); err != nil {
		runLog.Errorf("Failed to write final metadata YAML: %v", err)
	}

	stats := c.Stats()
	summaryLog := c.log.WithField("domains", c.state.Domains().Domains())
	summaryLog.Info("========================================================================")
	summaryLog.Info("CRAWL FINISHED")
	summaryLog.Infof("Duration:         %v", endTime.Sub(c.startTime))
	summaryLog.Infof("Saved: %d, Failed: %d, Skipped (duplicate): %d, Skipped (depth): %d, Discarded: %d",
		stats[models.StateSaved.String()], stats[models.StateFailed.String()],
		stats[models.StateSkippedDuplicate.String()], stats[models.StateSkippedDepthExceeded.String()],
		c.discarded.Load())
	summaryLog.Info("========================================================================")
}
