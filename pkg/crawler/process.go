package crawler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"runtime/debug"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/site-archiver/pkg/classify"
	"github.com/Sriram-PR/site-archiver/pkg/fetch"
	"github.com/Sriram-PR/site-archiver/pkg/models"
	"github.com/Sriram-PR/site-archiver/pkg/parse"
	"github.com/Sriram-PR/site-archiver/pkg/utils"
)

// item tracks one dispatched target through the state machine.
type item struct {
	target *models.CrawlTarget
	state  models.ItemState
	log    *logrus.Entry
	start  time.Time
}

// advance moves it to next, logging and counting terminal outcomes. Illegal
// transitions are logged and ignored.
func (c *Crawler) advance(it *item, next models.ItemState, fields logrus.Fields, err error) {
	if !it.state.CanTransitionTo(next) {
		it.log.Errorf("Illegal state transition %s -> %s ignored", it.state, next)
		return
	}
	it.state = next
	if !next.IsTerminal() {
		it.log.Debugf("State: %s", next)
		return
	}

	c.outcomes[next].Add(1)
	c.metrics.ObserveOutcome(c.siteKey, next.String())

	outcomeLog := it.log.WithFields(fields).WithFields(logrus.Fields{
		"outcome":  next.String(),
		"duration": time.Since(it.start).String(),
	})
	switch next {
	case models.StateFailed:
		outcomeLog = outcomeLog.WithField("error_type", utils.CategorizeError(err))
		if it.target.Referrer != "" {
			outcomeLog = outcomeLog.WithField("referrer", it.target.Referrer)
		}
		if errors.Is(err, utils.ErrFilesystem) || errors.Is(err, utils.ErrDatabase) {
			outcomeLog.Errorf("Target failed: %v", err)
		} else {
			outcomeLog.Warnf("Target failed: %v", err)
		}
	case models.StateSaved:
		outcomeLog.Info("Saved")
	default:
		if err != nil {
			outcomeLog.Infof("Skipped: %v", err)
		} else {
			outcomeLog.Info("Skipped")
		}
	}
}

// processTarget fetches, stores and (for pages) expands one target.
func (c *Crawler) processTarget(ctx context.Context, target *models.CrawlTarget, workerLog *logrus.Entry) {
	it := &item{
		target: target,
		state:  models.StateAdmitted,
		log: workerLog.WithFields(logrus.Fields{
			"url":   target.URL,
			"depth": target.Depth,
			"kind":  target.Kind.String(),
		}),
		start: time.Now(),
	}

	defer c.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			it.log.WithFields(logrus.Fields{
				"panic_info":  r,
				"stack_trace": string(debug.Stack()),
			}).Error("PANIC recovered in processTarget")
			if it.state == models.StateAdmitted {
				c.advance(it, models.StateFetching, nil, nil)
			}
			c.advance(it, models.StateFailed, nil, fmt.Errorf("panic: %v", r))
		}
	}()

	if ctx.Err() != nil {
		it.log.Debug("Crawl context ended before dispatch; discarding target.")
		c.discarded.Add(1)
		return
	}

	if target.Kind.IsPage() && !c.state.WithinDepth(target.Depth) {
		c.advance(it, models.StateSkippedDepthExceeded, nil,
			utils.WrapErrorf(utils.ErrMaxDepthExceeded, "depth %d > %d", target.Depth, c.state.MaxDepth()))
		return
	}

	reqURL, err := url.Parse(target.URL)
	c.advance(it, models.StateFetching, nil, nil)
	if err != nil {
		c.advance(it, models.StateFailed, nil, utils.WrapErrorf(utils.ErrMalformedLink, "%v", err))
		return
	}

	resp, err := c.fetcher.Fetch(ctx, fetch.Request{
		URL:           reqURL,
		Kind:          target.Kind,
		UserAgent:     c.userAgent,
		RespectRobots: c.respectRobots,
		Delay:         c.delay,
	})
	if err != nil {
		c.advance(it, models.StateFailed, nil, err)
		return
	}

	finalURL := resp.FinalURL
	if finalURL == nil {
		finalURL = reqURL
	}
	if parse.NormalizeURL(finalURL) != target.URL {
		normalized, fresh, err := c.state.MarkRedirectTarget(finalURL, target.Depth)
		if err != nil {
			c.advance(it, models.StateFailed, logrus.Fields{"final_url": finalURL.String()}, err)
			return
		}
		it.log = it.log.WithField("final_url", normalized.String())
		if !fresh {
			c.advance(it, models.StateSkippedDuplicate, nil,
				fmt.Errorf("redirect target %w", errAlreadyAdmitted))
			return
		}
		finalURL = normalized
	}

	category, ext := classify.Classify(target.Kind, finalURL.Path, resp.ContentType())
	if category == models.CategoryHTML {
		c.savePage(it, finalURL, resp.Body)
		return
	}
	c.saveAsset(it, finalURL, category, ext, resp.Body)
}

// savePage stores an HTML page and then expands it. Pages are stored under their
// URL path, so they are not checked against the content ledger.
func (c *Crawler) savePage(it *item, pageURL *url.URL, body []byte) {
	rel, err := c.writer.WritePage(pageURL.Host, pageURL.Path, pageURL.String(), body)
	if err != nil {
		c.advance(it, models.StateFailed, logrus.Fields{"category": models.CategoryHTML}, err)
		return
	}
	c.record(it, pageURL, models.CategoryHTML, rel, "", body)
	c.advance(it, models.StateSaved, logrus.Fields{"category": models.CategoryHTML, "path": rel}, nil)

	c.expand(it, pageURL, body)
}

// saveAsset stores a non-HTML artifact unless identical bytes were already stored in this run.
func (c *Crawler) saveAsset(it *item, assetURL *url.URL, category models.Category, ext string, body []byte) {
	digest := utils.ContentDigest(body)
	fields := logrus.Fields{"category": category, "content_hash": utils.ShortDigest(digest)}

	fresh, err := c.state.Store().AdmitContentHash(digest)
	if err != nil {
		c.advance(it, models.StateFailed, fields, err)
		return
	}
	if !fresh {
		c.advance(it, models.StateSkippedDuplicate, fields, nil)
		return
	}

	rel, err := c.writer.WriteAsset(assetURL.Host, category, assetURL.Path, assetURL.String(), body, digest, ext)
	if err != nil {
		c.advance(it, models.StateFailed, fields, err)
		return
	}
	c.record(it, assetURL, category, rel, digest, body)
	fields["path"] = rel
	c.advance(it, models.StateSaved, fields, nil)
}

func (c *Crawler) record(it *item, sourceURL *url.URL, category models.Category, rel, digest string, body []byte) {
	c.output.Record(models.ArtifactMetadata{
		URL:         sourceURL.String(),
		Category:    category,
		LocalPath:   rel,
		Depth:       it.target.Depth,
		ContentHash: digest,
		Bytes:       len(body),
		SavedAt:     time.Now(),
	})
	c.metrics.AddBytes(c.siteKey, string(category), len(body))
}

// expand offers every reference on a saved page to the CrawlState. Page links
// are only followed below the depth ceiling; assets are always fetched unless
// skip_assets is set.
func (c *Crawler) expand(it *item, pageURL *url.URL, body []byte) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		it.log.Warnf("%v: %v", utils.ErrParsing, err)
		return
	}
	base := parse.DocumentBase(doc, pageURL)
	canExpand := c.state.CanExpand(it.target.Depth)
	referrer := pageURL.String()

	var pages, assets int
	for _, ref := range parse.ExtractReferences(doc) {
		if ref.Kind.IsPage() {
			if !canExpand {
				continue
			}
		} else if c.skipAssets {
			continue
		}
		if c.discover(it, base, ref, referrer) {
			if ref.Kind.IsPage() {
				pages++
			} else {
				assets++
			}
		}
	}
	it.log.WithFields(logrus.Fields{"new_pages": pages, "new_assets": assets}).Debug("Expanded page")
}

// discover admits one reference and queues it. Returns true if it was queued.
func (c *Crawler) discover(it *item, base *url.URL, ref parse.Reference, referrer string) bool {
	childDepth := it.target.Depth + 1

	if ref.Kind.IsPage() && len(c.disallowed) > 0 {
		if u, err := parse.Normalize(base, ref.Raw, c.state.Domains()); err == nil && utils.MatchesAny(c.disallowed, u.Path) {
			it.log.WithField("link", u.String()).Debug("Link matches a disallowed path pattern")
			return false
		}
	}

	adm, err := c.state.Admit(base, ref.Raw, childDepth, ref.Kind)
	if err != nil {
		it.log.WithField("link", ref.Raw).Errorf("Admission failed: %v", err)
		return false
	}

	switch adm.State {
	case models.StateAdmitted:
		return c.enqueue(&models.CrawlTarget{
			URL:      parse.NormalizeURL(adm.URL),
			Depth:    adm.Depth,
			Kind:     ref.Kind,
			Referrer: referrer,
		})
	case models.StateSkippedDepthExceeded:
		skipped := &item{
			target: &models.CrawlTarget{URL: parse.NormalizeURL(adm.URL), Depth: adm.Depth, Kind: ref.Kind, Referrer: referrer},
			state:  models.StateAdmitted,
			log:    it.log.WithFields(logrus.Fields{"url": parse.NormalizeURL(adm.URL), "depth": adm.Depth, "kind": ref.Kind.String()}),
			start:  time.Now(),
		}
		c.advance(skipped, models.StateSkippedDepthExceeded, nil, adm.Err)
	default:
		if !errors.Is(adm.Err, errAlreadyAdmitted) {
			it.log.WithField("link", ref.Raw).Debugf("Link rejected: %v", adm.Err)
		}
	}
	return false
}
