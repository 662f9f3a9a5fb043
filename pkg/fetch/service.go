package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/Sriram-PR/site-archiver/pkg/config"
	"github.com/Sriram-PR/site-archiver/pkg/metrics"
	"github.com/Sriram-PR/site-archiver/pkg/models"
	"github.com/Sriram-PR/site-archiver/pkg/utils"
)

// Request describes one fetch issued by the crawl orchestrator
type Request struct {
	URL           *url.URL
	Kind          models.AssetKind
	UserAgent     string
	RespectRobots bool
	Delay         time.Duration // politeness delay for the host; 0 = service default
}

// Response is a fully read, successful (2xx) response
type Response struct {
	RequestURL *url.URL
	FinalURL   *url.URL // after redirects
	StatusCode int
	Header     http.Header
	Body       []byte
}

// ContentType returns the declared media type without parameters, lower-cased
func (r *Response) ContentType() string {
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return ""
	}
	return mediaType
}

// Service is the fetch capability shared by every crawl in a process. It
// applies, in order: robots check, per-host permit, global permit,
// politeness delay, retrying fetch, and the body size cap.
type Service struct {
	fetcher     *Fetcher
	robots      *RobotsHandler
	rateLimiter *RateLimiter
	hostSems    *HostSemaphorePool
	globalSem   *semaphore.Weighted
	cfg         *config.AppConfig
	metrics     *metrics.Metrics
	log         *logrus.Entry
}

// NewService wires the fetch pipeline around client. m may be nil.
func NewService(client *http.Client, cfg *config.AppConfig, m *metrics.Metrics, log *logrus.Entry) *Service {
	maxRequests := int64(cfg.MaxRequests)
	if maxRequests <= 0 {
		maxRequests = 1
	}
	globalSem := semaphore.NewWeighted(maxRequests)
	fetcher := NewFetcher(client, cfg, log.WithField("component", "fetcher"))
	rateLimiter := NewRateLimiter(cfg.DefaultDelayPerHost, log.WithField("component", "rate_limiter"))
	rateLimiter.SetRequestsPerSecond(cfg.RequestsPerSecondPerHost)

	return &Service{
		fetcher:     fetcher,
		robots:      NewRobotsHandler(fetcher, rateLimiter, globalSem, cfg, log.WithField("component", "robots")),
		rateLimiter: rateLimiter,
		hostSems:    NewHostSemaphorePool(cfg.MaxRequestsPerHost, log.WithField("component", "host_semaphores")),
		globalSem:   globalSem,
		cfg:         cfg,
		metrics:     m,
		log:         log,
	}
}

// RunMaintenance evicts idle per-host state until ctx is done
func (s *Service) RunMaintenance(ctx context.Context) {
	s.hostSems.RunEviction(ctx, defaultHostIdleTTL)
}

// Fetch retrieves req.URL. Any non-2xx final status, robots denial, semaphore
// timeout or oversized body is returned as an error.
func (s *Service) Fetch(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	resp, err := s.fetch(ctx, req)
	s.metrics.ObserveFetch(req.Kind.String(), err, time.Since(start))
	return resp, err
}

func (s *Service) fetch(ctx context.Context, req Request) (*Response, error) {
	if req.URL == nil {
		return nil, utils.WrapErrorf(utils.ErrRequestCreation, "nil URL")
	}
	target := req.URL
	host := target.Host
	userAgent := req.UserAgent
	if userAgent == "" {
		userAgent = s.cfg.DefaultUserAgent
	}
	fetchLog := s.log.WithFields(logrus.Fields{"url": target.String(), "kind": req.Kind.String()})

	if req.RespectRobots && !s.robots.TestAgent(ctx, target, userAgent) {
		return nil, utils.WrapErrorf(utils.ErrRobotsDisallowed, "%s", target.String())
	}

	releaseHost, err := s.hostSems.Acquire(ctx, host, s.cfg.SemaphoreAcquireTimeout)
	if err != nil {
		return nil, err
	}
	defer releaseHost()

	if err := s.acquireGlobal(ctx); err != nil {
		return nil, err
	}
	defer s.globalSem.Release(1)

	if err := s.rateLimiter.ApplyDelay(ctx, host, req.Delay); err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", utils.ErrRequestCreation, err)
	}
	httpReq.Header.Set("User-Agent", userAgent)
	httpReq.Header.Set("Accept", acceptHeader(req.Kind))

	httpResp, err := s.fetcher.FetchWithRetry(httpReq, ctx)
	s.rateLimiter.UpdateLastRequestTime(host)
	if err != nil {
		drainAndClose(httpResp)
		return nil, err
	}
	defer httpResp.Body.Close()

	body, err := s.readBody(httpResp)
	if err != nil {
		return nil, err
	}

	finalURL := target
	if httpResp.Request != nil && httpResp.Request.URL != nil {
		finalURL = httpResp.Request.URL
	}
	if finalURL.String() != target.String() {
		fetchLog.WithField("final_url", finalURL.String()).Debug("Fetch followed redirects")
	}

	return &Response{
		RequestURL: target,
		FinalURL:   finalURL,
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       body,
	}, nil
}

func (s *Service) acquireGlobal(ctx context.Context) error {
	timeout := s.cfg.SemaphoreAcquireTimeout
	if timeout <= 0 {
		return s.globalSem.Acquire(ctx, 1)
	}
	acquireCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := s.globalSem.Acquire(acquireCtx, 1)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return utils.WrapErrorf(utils.ErrSemaphoreTimeout, "global after %v", timeout)
	}
	return err
}

func (s *Service) readBody(resp *http.Response) ([]byte, error) {
	limit := s.cfg.MaxBodyBytes
	if limit > 0 && resp.ContentLength > limit {
		return nil, utils.WrapErrorf(utils.ErrBodyTooLarge, "declared %d bytes, limit %d", resp.ContentLength, limit)
	}
	reader := io.Reader(resp.Body)
	if limit > 0 {
		reader = io.LimitReader(resp.Body, limit+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", utils.ErrResponseBodyRead, err)
	}
	if limit > 0 && int64(len(body)) > limit {
		return nil, utils.WrapErrorf(utils.ErrBodyTooLarge, "more than %d bytes", limit)
	}
	return body, nil
}

func acceptHeader(kind models.AssetKind) string {
	switch kind {
	case models.KindPage:
		return "text/html,application/xhtml+xml,*/*;q=0.8"
	case models.KindStylesheet:
		return "text/css,*/*;q=0.1"
	case models.KindImage:
		return "image/avif,image/webp,image/*,*/*;q=0.8"
	default:
		return "*/*"
	}
}
