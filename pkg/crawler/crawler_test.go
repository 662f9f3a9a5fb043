package crawler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/Sriram-PR/site-archiver/pkg/archive"
	"github.com/Sriram-PR/site-archiver/pkg/config"
	"github.com/Sriram-PR/site-archiver/pkg/fetch"
	"github.com/Sriram-PR/site-archiver/pkg/metrics"
	"github.com/Sriram-PR/site-archiver/pkg/models"
	"github.com/Sriram-PR/site-archiver/pkg/storage"
	"github.com/Sriram-PR/site-archiver/pkg/utils"
)

// --- fake fetch service ---

type fakeResource struct {
	contentType string
	body        string
	redirectTo  string // final URL reported after a redirect
	err         error
}

type fakeFetcher struct {
	mu        sync.Mutex
	resources map[string]fakeResource
	calls     map[string]int

	// hold, when set, blocks every fetch except the seeds until released.
	hold    chan struct{}
	started chan string
	seeds   map[string]bool
}

func newFakeFetcher(resources map[string]fakeResource) *fakeFetcher {
	return &fakeFetcher{resources: resources, calls: make(map[string]int)}
}

func (f *fakeFetcher) Fetch(ctx context.Context, req fetch.Request) (*fetch.Response, error) {
	key := req.URL.String()
	f.mu.Lock()
	f.calls[key]++
	res, ok := f.resources[key]
	f.mu.Unlock()

	if f.hold != nil && !f.seeds[key] {
		f.started <- key
		select {
		case <-f.hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if !ok {
		return nil, fmt.Errorf("%w: status 404 Not Found", utils.ErrClientHTTPError)
	}
	if res.err != nil {
		return nil, res.err
	}
	final := req.URL
	if res.redirectTo != "" {
		final, _ = url.Parse(res.redirectTo)
	}
	header := http.Header{}
	if res.contentType != "" {
		header.Set("Content-Type", res.contentType)
	}
	return &fetch.Response{
		RequestURL: req.URL,
		FinalURL:   final,
		StatusCode: http.StatusOK,
		Header:     header,
		Body:       []byte(res.body),
	}, nil
}

func (f *fakeFetcher) callsTo(u string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[u]
}

func (f *fakeFetcher) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

func html(body string) fakeResource {
	return fakeResource{contentType: "text/html; charset=utf-8", body: "<html><body>" + body + "</body></html>"}
}

// --- helpers ---

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func intPtr(i int) *int    { return &i }
func boolPtr(b bool) *bool { return &b }

func testAppConfig(t *testing.T) *config.AppConfig {
	t.Helper()
	return &config.AppConfig{
		DefaultUserAgent:    "archiver-test",
		NumWorkers:          4,
		OutputBaseDir:       t.TempDir(),
		ProgressInterval:    time.Hour,
		EnableOutputMapping: true,
		EnableMetadataYAML:  true,
	}
}

func exampleSite(maxDepth int, startURLs ...string) *config.SiteConfig {
	return &config.SiteConfig{
		StartURLs:      startURLs,
		AllowedDomains: []string{"example.com"},
		MaxDepth:       intPtr(maxDepth),
	}
}

func newTestCrawler(t *testing.T, appCfg *config.AppConfig, siteCfg *config.SiteConfig, f Fetcher, m *metrics.Metrics) *Crawler {
	t.Helper()
	c, err := NewCrawler(appCfg, siteCfg, "example", f, storage.NewMemoryStore(), m, testLogger())
	require.NoError(t, err)
	return c
}

func runCrawl(t *testing.T, c *Crawler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, c.Run(ctx))
}

func archived(t *testing.T, appCfg *config.AppConfig, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(appCfg.OutputBaseDir, filepath.FromSlash(rel)))
	require.NoError(t, err, "expected %s in archive", rel)
	return string(data)
}

func assertNotArchived(t *testing.T, appCfg *config.AppConfig, rel string) {
	t.Helper()
	_, err := os.Stat(filepath.Join(appCfg.OutputBaseDir, filepath.FromSlash(rel)))
	assert.True(t, os.IsNotExist(err), "did not expect %s in archive", rel)
}

// --- scenarios ---

func TestRun_NormalizedLinkSavedAtDepth(t *testing.T) {
	f := newFakeFetcher(map[string]fakeResource{
		"https://example.com/":      html(`<a href="/about?x=1#sec">About</a>`),
		"https://example.com/about": html(`<a href="/deeper">Deeper</a>`),
	})
	appCfg := testAppConfig(t)
	c := newTestCrawler(t, appCfg, exampleSite(1, "https://example.com/"), f, nil)

	runCrawl(t, c)

	assert.Contains(t, archived(t, appCfg, "example_com/index.html"), "About")
	assert.Contains(t, archived(t, appCfg, "example_com/about/index.html"), "Deeper")
	assert.Equal(t, 1, f.callsTo("https://example.com/about"))
	assert.Equal(t, 0, f.callsTo("https://example.com/deeper"), "leaf page at max depth is not expanded")

	depth, found, err := c.state.Store().DepthOf("https://example.com/about")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 1, depth)
	assert.Equal(t, int64(2), c.Stats()[models.StateSaved.String()])
}

func TestRun_IdenticalAssetsStoredOnce(t *testing.T) {
	css := fakeResource{contentType: "text/css", body: "body { color: red }"}
	f := newFakeFetcher(map[string]fakeResource{
		"https://example.com/": html(`
			<link rel="stylesheet" href="/style1.css">
			<link rel="stylesheet" href="/style1-mirror.css">`),
		"https://example.com/style1.css":        css,
		"https://example.com/style1-mirror.css": css,
	})
	appCfg := testAppConfig(t)
	appCfg.NumWorkers = 1
	c := newTestCrawler(t, appCfg, exampleSite(1, "https://example.com/"), f, nil)

	runCrawl(t, c)

	assert.Equal(t, 1, f.callsTo("https://example.com/style1.css"))
	assert.Equal(t, 1, f.callsTo("https://example.com/style1-mirror.css"))
	assert.Equal(t, "body { color: red }", archived(t, appCfg, "example_com/css/style1.css"))
	assertNotArchived(t, appCfg, "example_com/css/style1-mirror.css")

	entries, err := os.ReadDir(filepath.Join(appCfg.OutputBaseDir, "example_com", "css"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats[models.StateSkippedDuplicate.String()])
	assert.Equal(t, int64(2), stats[models.StateSaved.String()])
}

func TestRun_ImageExtensionFromMIME(t *testing.T) {
	f := newFakeFetcher(map[string]fakeResource{
		"https://example.com/":         html(`<img src="/img/logo">`),
		"https://example.com/img/logo": {contentType: "image/png", body: "\x89PNG"},
	})
	appCfg := testAppConfig(t)
	c := newTestCrawler(t, appCfg, exampleSite(1, "https://example.com/"), f, nil)

	runCrawl(t, c)

	assert.Equal(t, "\x89PNG", archived(t, appCfg, "example_com/images/logo.png"))
}

func TestRun_LinkedImageKeepsImageContext(t *testing.T) {
	f := newFakeFetcher(map[string]fakeResource{
		"https://example.com/":         html(`<a href="/img/logo"><img src="/img/logo"></a>`),
		"https://example.com/img/logo": {contentType: "image/png", body: "\x89PNG"},
	})
	appCfg := testAppConfig(t)
	c := newTestCrawler(t, appCfg, exampleSite(1, "https://example.com/"), f, nil)

	runCrawl(t, c)

	assert.Equal(t, "\x89PNG", archived(t, appCfg, "example_com/images/logo.png"))
	assertNotArchived(t, appCfg, "example_com/files/logo.png")
	assert.Equal(t, 1, f.callsTo("https://example.com/img/logo"))
}

func TestRun_OffDomainLinkNeverFetched(t *testing.T) {
	f := newFakeFetcher(map[string]fakeResource{
		"https://example.com/": html(`
			<a href="http://other-domain.com/page">elsewhere</a>
			<script src="https://cdn.other-domain.com/lib.js"></script>`),
	})
	appCfg := testAppConfig(t)
	c := newTestCrawler(t, appCfg, exampleSite(3, "https://example.com/"), f, nil)

	runCrawl(t, c)

	assert.Equal(t, 0, f.callsTo("http://other-domain.com/page"))
	assert.Equal(t, 0, f.callsTo("https://cdn.other-domain.com/lib.js"))
	assert.Equal(t, 1, f.totalCalls())
	assert.Equal(t, 1, c.state.Store().Stats().AdmittedURLs)
}

func TestRun_CyclicGraphFetchesEachURLOnce(t *testing.T) {
	nav := `<a href="/">home</a><a href="/a">a</a><a href="/b">b</a><a href="/a#again">a</a>
		<link rel="stylesheet" href="/site.css"><img src="/site.css">`
	f := newFakeFetcher(map[string]fakeResource{
		"https://example.com/":         html(nav),
		"https://example.com/a":        html(nav),
		"https://example.com/b":        html(nav + `<a href="/c?page=2">c</a>`),
		"https://example.com/c":        html(nav),
		"https://example.com/site.css": {contentType: "text/css", body: "*{}"},
	})
	appCfg := testAppConfig(t)
	c := newTestCrawler(t, appCfg, exampleSite(10, "https://example.com/"), f, nil)

	runCrawl(t, c)

	for u := range f.resources {
		assert.Equal(t, 1, f.callsTo(u), u)
	}
	assert.Equal(t, int64(5), c.Stats()[models.StateSaved.String()])
}

func TestRun_SeedsOnlyAtDepthZero(t *testing.T) {
	f := newFakeFetcher(map[string]fakeResource{
		"https://example.com/":          html(`<a href="/next">next</a><link rel="stylesheet" href="/s.css">`),
		"https://example.com/next":      html(""),
		"https://example.com/s.css":     {contentType: "text/css", body: "p{}"},
		"https://example.com/docs/":     html(""),
		"https://example.com/docs/more": html(""),
	})
	appCfg := testAppConfig(t)
	c := newTestCrawler(t, appCfg, exampleSite(0, "https://example.com/", "https://example.com/docs/"), f, nil)

	runCrawl(t, c)

	assert.Equal(t, 0, f.callsTo("https://example.com/next"))
	assert.Equal(t, 1, f.callsTo("https://example.com/s.css"), "assets of a leaf page are archived")
	archived(t, appCfg, "example_com/docs/index.html")
}

func TestRun_FailuresDoNotStopCrawl(t *testing.T) {
	f := newFakeFetcher(map[string]fakeResource{
		"https://example.com/": html(`<a href="/missing">x</a><a href="/flaky">y</a><a href="/ok">z</a>`),
		"https://example.com/flaky": {err: fmt.Errorf("%w: %w: status 503 Service Unavailable",
			utils.ErrRetryFailed, utils.ErrServerHTTPError)},
		"https://example.com/ok": html("fine"),
	})
	appCfg := testAppConfig(t)
	m := metrics.New(prometheus.NewRegistry())
	c := newTestCrawler(t, appCfg, exampleSite(2, "https://example.com/"), f, m)

	runCrawl(t, c)

	stats := c.Stats()
	assert.Equal(t, int64(2), stats[models.StateFailed.String()])
	assert.Equal(t, int64(2), stats[models.StateSaved.String()])
	assert.Contains(t, archived(t, appCfg, "example_com/ok/index.html"), "fine")
	assertNotArchived(t, appCfg, "example_com/missing/index.html")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ItemsTotal.WithLabelValues("example", "failed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ItemsTotal.WithLabelValues("example", "saved")))
}

func TestRun_RedirectWithinScope(t *testing.T) {
	f := newFakeFetcher(map[string]fakeResource{
		"https://example.com/": html(`<a href="/old">old</a>`),
		"https://example.com/old": {
			contentType: "text/html",
			body:        `<a href="../new/">self</a><a href="child">child</a>`,
			redirectTo:  "https://example.com/new/",
		},
		"https://example.com/new/child": html("child"),
	})
	appCfg := testAppConfig(t)
	c := newTestCrawler(t, appCfg, exampleSite(3, "https://example.com/"), f, nil)

	runCrawl(t, c)

	archived(t, appCfg, "example_com/new/index.html")
	assertNotArchived(t, appCfg, "example_com/old/index.html")
	assert.Equal(t, 0, f.callsTo("https://example.com/new/"), "redirect target is marked visited")
	assert.Equal(t, 1, f.callsTo("https://example.com/new/child"), "links resolve against the final URL")
}

func TestRun_RedirectToAdmittedPageIsDuplicate(t *testing.T) {
	f := newFakeFetcher(map[string]fakeResource{
		"https://example.com/":     html(`<a href="/new/">new</a><a href="/old">old</a>`),
		"https://example.com/new/": html(`<a href="/new/child">child</a>`),
		"https://example.com/old": {
			contentType: "text/html",
			body:        `<a href="/new/child">child</a>`,
			redirectTo:  "https://example.com/new/",
		},
		"https://example.com/new/child": html("child"),
	})
	appCfg := testAppConfig(t)
	c := newTestCrawler(t, appCfg, exampleSite(3, "https://example.com/"), f, nil)

	runCrawl(t, c)

	stats := c.Stats()
	assert.Equal(t, int64(3), stats[models.StateSaved.String()], "root, /new/ and /new/child")
	assert.Equal(t, int64(1), stats[models.StateSkippedDuplicate.String()])
	assert.Equal(t, 1, f.callsTo("https://example.com/new/"))
	assert.Equal(t, 1, f.callsTo("https://example.com/new/child"))
	assertNotArchived(t, appCfg, "example_com/old/index.html")
}

func TestRun_RedirectOutOfScopeFails(t *testing.T) {
	f := newFakeFetcher(map[string]fakeResource{
		"https://example.com/": html(`<a href="/leave">leave</a>`),
		"https://example.com/leave": {
			contentType: "text/html",
			body:        "<p>elsewhere</p>",
			redirectTo:  "https://tracker.example.net/landing",
		},
	})
	appCfg := testAppConfig(t)
	c := newTestCrawler(t, appCfg, exampleSite(3, "https://example.com/"), f, nil)

	runCrawl(t, c)

	assert.Equal(t, int64(1), c.Stats()[models.StateFailed.String()])
	assertNotArchived(t, appCfg, "tracker_example_net")
}

func TestRun_SkipAssetsAndDisallowedPatterns(t *testing.T) {
	f := newFakeFetcher(map[string]fakeResource{
		"https://example.com/": html(`
			<a href="/docs/intro">intro</a>
			<a href="/private/keys">keys</a>
			<img src="/logo.png">`),
		"https://example.com/docs/intro":   html(""),
		"https://example.com/private/keys": html(""),
		"https://example.com/logo.png":     {contentType: "image/png", body: "png"},
	})
	appCfg := testAppConfig(t)
	site := exampleSite(2, "https://example.com/")
	site.SkipAssets = boolPtr(true)
	site.DisallowedPathPatterns = []string{`^/private/`}
	c := newTestCrawler(t, appCfg, site, f, nil)

	runCrawl(t, c)

	assert.Equal(t, 1, f.callsTo("https://example.com/docs/intro"))
	assert.Equal(t, 0, f.callsTo("https://example.com/private/keys"))
	assert.Equal(t, 0, f.callsTo("https://example.com/logo.png"))
}

func TestRun_NonHTMLPageStoredAsFile(t *testing.T) {
	f := newFakeFetcher(map[string]fakeResource{
		"https://example.com/":            html(`<a href="/manual.pdf">manual</a><a href="/manual-copy">copy</a>`),
		"https://example.com/manual.pdf":  {contentType: "application/pdf", body: "%PDF-1.7"},
		"https://example.com/manual-copy": {contentType: "application/pdf", body: "%PDF-1.7"},
	})
	appCfg := testAppConfig(t)
	c := newTestCrawler(t, appCfg, exampleSite(1, "https://example.com/"), f, nil)

	runCrawl(t, c)

	entries, err := os.ReadDir(filepath.Join(appCfg.OutputBaseDir, "example_com", "files"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "byte-identical binaries are stored once")
	assert.Equal(t, int64(1), c.Stats()[models.StateSkippedDuplicate.String()])
}

func TestRun_WritesReports(t *testing.T) {
	f := newFakeFetcher(map[string]fakeResource{
		"https://example.com/":       html(`<a href="/about">about</a><script src="/app.js"></script>`),
		"https://example.com/about":  html(""),
		"https://example.com/app.js": {contentType: "application/javascript", body: "run()"},
	})
	appCfg := testAppConfig(t)
	c := newTestCrawler(t, appCfg, exampleSite(1, "https://example.com/"), f, nil)

	runCrawl(t, c)

	reports := c.ReportsDir()
	assert.Equal(t, filepath.Join(appCfg.OutputBaseDir, ReportsDirName, "example"), reports)

	visited, err := os.ReadFile(filepath.Join(reports, VisitedLogFilename))
	require.NoError(t, err)
	assert.Len(t, strings.Fields(string(visited)), 3)

	tsv, err := os.ReadFile(filepath.Join(reports, "url_to_file_map.tsv"))
	require.NoError(t, err)
	assert.Contains(t, string(tsv), "https://example.com/app.js\tjs\texample_com/js/app.js")

	tree, err := os.ReadFile(filepath.Join(reports, "example_com_structure.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(tree), "app.js")

	raw, err := os.ReadFile(filepath.Join(reports, "metadata.yaml"))
	require.NoError(t, err)
	var meta models.CrawlMetadata
	require.NoError(t, yaml.Unmarshal(raw, &meta))
	assert.Equal(t, "example", meta.SiteKey)
	assert.Equal(t, c.RunID(), meta.RunID)
	assert.Equal(t, int64(3), meta.Outcomes["saved"])
	assert.Len(t, meta.Artifacts, 3)
	assert.Equal(t, 1, meta.MaxDepth)
}

// --- lifecycle ---

func TestRun_StopDiscardsQueuedTargets(t *testing.T) {
	resources := map[string]fakeResource{}
	var links strings.Builder
	for i := 0; i < 5; i++ {
		fmt.Fprintf(&links, `<a href="/p%d">p</a>`, i)
		resources[fmt.Sprintf("https://example.com/p%d", i)] = html("")
	}
	resources["https://example.com/"] = html(links.String())

	f := newFakeFetcher(resources)
	f.hold = make(chan struct{})
	f.started = make(chan string, 8)
	f.seeds = map[string]bool{"https://example.com/": true}

	appCfg := testAppConfig(t)
	appCfg.NumWorkers = 1
	c := newTestCrawler(t, appCfg, exampleSite(2, "https://example.com/"), f, nil)

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	select {
	case <-f.started:
	case <-time.After(5 * time.Second):
		t.Fatal("first child fetch never started")
	}
	c.Stop()
	c.Stop()
	// Give the waiter time to drain the queue before the in-flight fetch completes.
	time.Sleep(50 * time.Millisecond)
	close(f.hold)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}

	assert.Equal(t, 2, f.totalCalls(), "only the seed and the in-flight target were fetched")
	assert.Equal(t, int64(2), c.Stats()[models.StateSaved.String()])
	assert.Equal(t, int64(4), c.discarded.Load())
}

func TestRun_CancelledContext(t *testing.T) {
	f := newFakeFetcher(map[string]fakeResource{
		"https://example.com/":     html(`<a href="/slow">slow</a>`),
		"https://example.com/slow": html(""),
	})
	f.hold = make(chan struct{})
	f.started = make(chan string, 1)
	f.seeds = map[string]bool{"https://example.com/": true}

	appCfg := testAppConfig(t)
	c := newTestCrawler(t, appCfg, exampleSite(2, "https://example.com/"), f, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	<-f.started
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assert.Equal(t, int64(1), c.Stats()[models.StateFailed.String()])
}

func TestRun_GlobalTimeout(t *testing.T) {
	f := newFakeFetcher(map[string]fakeResource{
		"https://example.com/":     html(`<a href="/slow">slow</a>`),
		"https://example.com/slow": html(""),
	})
	f.hold = make(chan struct{})
	f.started = make(chan string, 1)
	f.seeds = map[string]bool{"https://example.com/": true}

	appCfg := testAppConfig(t)
	appCfg.GlobalCrawlTimeout = 100 * time.Millisecond
	c := newTestCrawler(t, appCfg, exampleSite(2, "https://example.com/"), f, nil)

	err := c.Run(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRun_SeedValidation(t *testing.T) {
	appCfg := testAppConfig(t)

	c := newTestCrawler(t, appCfg, exampleSite(1, "https://not-allowed.org/"), newFakeFetcher(nil), nil)
	err := c.Run(context.Background())
	assert.ErrorIs(t, err, utils.ErrConfigValidation)

	c = newTestCrawler(t, appCfg, exampleSite(1, "/relative/only"), newFakeFetcher(nil), nil)
	err = c.Run(context.Background())
	assert.ErrorIs(t, err, utils.ErrConfigValidation)
}

func TestRun_DuplicateSeedsAdmittedOnce(t *testing.T) {
	f := newFakeFetcher(map[string]fakeResource{"https://example.com/": html("")})
	appCfg := testAppConfig(t)
	c := newTestCrawler(t, appCfg, exampleSite(1, "https://example.com", "https://EXAMPLE.com:443/", "https://example.com/?a=b"), f, nil)

	runCrawl(t, c)

	assert.Equal(t, 1, f.callsTo("https://example.com/"))
}

func TestNewCrawler_RejectsBadPattern(t *testing.T) {
	site := exampleSite(1, "https://example.com/")
	site.DisallowedPathPatterns = []string{"("}
	_, err := NewCrawler(testAppConfig(t), site, "example", newFakeFetcher(nil), storage.NewMemoryStore(), nil, testLogger())
	assert.Error(t, err)
}

func TestAdvance_IgnoresIllegalTransition(t *testing.T) {
	c := newTestCrawler(t, testAppConfig(t), exampleSite(1, "https://example.com/"), newFakeFetcher(nil), nil)
	it := &item{target: &models.CrawlTarget{URL: "https://example.com/"}, state: models.StateAdmitted, log: testLogger(), start: time.Now()}

	c.advance(it, models.StateSaved, nil, nil)

	assert.Equal(t, models.StateAdmitted, it.state)
	assert.Equal(t, int64(0), c.Stats()[models.StateSaved.String()])
}

// --- end to end over HTTP ---

func TestRun_WithFetchService(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><head><link rel="stylesheet" href="/css/main"></head>
			<body><a href="/guide/">guide</a><img src="/pixel"></body></html>`)
	})
	mux.HandleFunc("/guide/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<a href="/">home</a>`)
	})
	mux.HandleFunc("/css/main", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/css")
		fmt.Fprint(w, "h1{}")
	})
	mux.HandleFunc("/pixel", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/gif")
		fmt.Fprint(w, "GIF89a")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	host := strings.TrimPrefix(srv.URL, "http://")
	appCfg := testAppConfig(t)
	appCfg.MaxRequests = 4
	appCfg.MaxRequestsPerHost = 2
	appCfg.SemaphoreAcquireTimeout = 5 * time.Second
	appCfg.MaxBodyBytes = 1 << 20
	svc := fetch.NewService(&http.Client{Timeout: 5 * time.Second}, appCfg, nil, testLogger())

	store, err := storage.Open(context.Background(), storage.BackendBadger, "", "example", testLogger())
	require.NoError(t, err)
	defer store.Close()

	site := &config.SiteConfig{StartURLs: []string{srv.URL + "/"}, AllowedDomains: []string{"127.0.0.1"}, MaxDepth: intPtr(2)}
	c, err := NewCrawler(appCfg, site, "local", svc, store, nil, testLogger())
	require.NoError(t, err)

	runCrawl(t, c)

	root := archive.DomainRoot(host)
	archived(t, appCfg, root+"/index.html")
	archived(t, appCfg, root+"/guide/index.html")
	assert.Equal(t, "h1{}", archived(t, appCfg, root+"/css/main.css"))
	assert.Equal(t, "GIF89a", archived(t, appCfg, root+"/images/pixel.gif"))
	assert.Equal(t, int64(4), c.Stats()[models.StateSaved.String()])
}
