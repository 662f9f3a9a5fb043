package fetch

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/temoto/robotstxt"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/Sriram-PR/site-archiver/pkg/config"
)

const maxRobotsBytes = 512 << 10

// RobotsHandler manages fetching, parsing, caching, and checking robots.txt data.
// Robots files are cached per scheme+host for the lifetime of the handler.
type RobotsHandler struct {
	fetcher         *Fetcher
	rateLimiter     *RateLimiter
	globalSemaphore *semaphore.Weighted
	robotsCache     map[string]*robotstxt.RobotsData // origin -> parsed data (or nil)
	robotsCacheMu   sync.Mutex
	inflight        singleflight.Group
	cfg             *config.AppConfig
	log             *logrus.Entry
}

// NewRobotsHandler creates a RobotsHandler
func NewRobotsHandler(
	fetcher *Fetcher,
	rateLimiter *RateLimiter,
	globalSemaphore *semaphore.Weighted,
	cfg *config.AppConfig,
	log *logrus.Entry,
) *RobotsHandler {
	return &RobotsHandler{
		fetcher:         fetcher,
		rateLimiter:     rateLimiter,
		globalSemaphore: globalSemaphore,
		robotsCache:     make(map[string]*robotstxt.RobotsData),
		cfg:             cfg,
		log:             log,
	}
}

func robotsOrigin(u *url.URL) string {
	scheme := u.Scheme
	if scheme != "http" && scheme != "https" {
		scheme = "https"
	}
	return scheme + "://" + u.Host
}

func (rh *RobotsHandler) cached(origin string) (*robotstxt.RobotsData, bool) {
	rh.robotsCacheMu.Lock()
	defer rh.robotsCacheMu.Unlock()
	data, ok := rh.robotsCache[origin]
	return data, ok
}

func (rh *RobotsHandler) store(origin string, data *robotstxt.RobotsData) {
	rh.robotsCacheMu.Lock()
	rh.robotsCache[origin] = data
	rh.robotsCacheMu.Unlock()
}

// GetRobotsData retrieves robots.txt data for the targetURL's origin, using the
// cache or fetching it once. Returns nil on any error, 4xx or missing file.
func (rh *RobotsHandler) GetRobotsData(ctx context.Context, targetURL *url.URL, userAgent string) *robotstxt.RobotsData {
	origin := robotsOrigin(targetURL)
	if data, found := rh.cached(origin); found {
		return data
	}

	v, _, _ := rh.inflight.Do(origin, func() (interface{}, error) {
		if data, found := rh.cached(origin); found {
			return data, nil
		}
		data := rh.fetchRobots(ctx, origin, targetURL.Host, userAgent)
		rh.store(origin, data)
		return data, nil
	})
	data, _ := v.(*robotstxt.RobotsData)
	return data
}

func (rh *RobotsHandler) fetchRobots(ctx context.Context, origin, host, userAgent string) *robotstxt.RobotsData {
	robotsURLStr := origin + "/robots.txt"
	robotsLog := rh.log.WithFields(logrus.Fields{"host": host, "robots_url": robotsURLStr})
	robotsLog.Info("Fetching robots.txt...")

	ctxAcquire, cancelAcquire := context.WithTimeout(ctx, rh.cfg.SemaphoreAcquireTimeout)
	err := rh.globalSemaphore.Acquire(ctxAcquire, 1)
	cancelAcquire()
	if err != nil {
		robotsLog.Errorf("Error acquiring global semaphore: %v", err)
		return nil
	}
	defer rh.globalSemaphore.Release(1)

	if err := rh.rateLimiter.ApplyDelay(ctx, host, rh.cfg.DefaultDelayPerHost); err != nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURLStr, nil)
	if err != nil {
		robotsLog.Errorf("Error creating request: %v", err)
		return nil
	}
	if userAgent == "" {
		userAgent = rh.cfg.DefaultUserAgent
	}
	req.Header.Set("User-Agent", userAgent)

	resp, fetchErr := rh.fetcher.FetchWithRetry(req, ctx)
	rh.rateLimiter.UpdateLastRequestTime(host)
	if fetchErr != nil {
		drainAndClose(resp)
		robotsLog.Infof("No usable robots.txt, allowing all: %v", fetchErr)
		return nil
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		robotsLog.Errorf("Error reading body: %v", err)
		return nil
	}

	data, err := robotstxt.FromBytes(bodyBytes)
	if err != nil {
		robotsLog.Errorf("Error parsing content: %v", err)
		return nil
	}
	robotsLog.Info("Successfully fetched and parsed robots.txt")
	return data
}

// TestAgent reports whether userAgent may fetch targetURL.
// Returns true when robots data could not be obtained.
func (rh *RobotsHandler) TestAgent(ctx context.Context, targetURL *url.URL, userAgent string) bool {
	robotsData := rh.GetRobotsData(ctx, targetURL, userAgent)
	if robotsData == nil {
		return true
	}
	return robotsData.TestAgent(targetURL.RequestURI(), userAgent)
}
