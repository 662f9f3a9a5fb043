package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/site-archiver/pkg/config"
	"github.com/Sriram-PR/site-archiver/pkg/metrics"
	"github.com/Sriram-PR/site-archiver/pkg/models"
	"github.com/Sriram-PR/site-archiver/pkg/utils"
)

func serviceConfig() *config.AppConfig {
	return &config.AppConfig{
		DefaultUserAgent:        "archiver-test",
		MaxRequests:             4,
		MaxRequestsPerHost:      2,
		MaxRetries:              0,
		InitialRetryDelay:       time.Millisecond,
		MaxRetryDelay:           5 * time.Millisecond,
		SemaphoreAcquireTimeout: 5 * time.Second,
		MaxBodyBytes:            1 << 20,
	}
}

func newTestService(cfg *config.AppConfig, m *metrics.Metrics) *Service {
	return NewService(testClient(), cfg, m, testLogger())
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestService_Fetch_Success(t *testing.T) {
	var gotUA, gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotAccept = r.Header.Get("Accept")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, "<html><body>hi</body></html>")
	}))
	defer srv.Close()

	svc := newTestService(serviceConfig(), nil)
	resp, err := svc.Fetch(context.Background(), Request{URL: mustParse(t, srv.URL+"/"), Kind: models.KindPage})

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "<html><body>hi</body></html>", string(resp.Body))
	assert.Equal(t, "text/html", resp.ContentType())
	assert.Equal(t, srv.URL+"/", resp.FinalURL.String())
	assert.Equal(t, "archiver-test", gotUA)
	assert.Contains(t, gotAccept, "text/html")
}

func TestService_Fetch_SiteUserAgentOverrides(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	svc := newTestService(serviceConfig(), nil)
	_, err := svc.Fetch(context.Background(), Request{URL: mustParse(t, srv.URL), Kind: models.KindScript, UserAgent: "site-ua"})

	require.NoError(t, err)
	assert.Equal(t, "site-ua", gotUA)
}

func TestService_Fetch_FollowsRedirect(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new/", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/new/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "moved")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	svc := newTestService(serviceConfig(), nil)
	resp, err := svc.Fetch(context.Background(), Request{URL: mustParse(t, srv.URL+"/old"), Kind: models.KindPage})

	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/old", resp.RequestURL.String())
	assert.Equal(t, srv.URL+"/new/", resp.FinalURL.String())
	assert.Equal(t, "moved", string(resp.Body))
}

func TestService_Fetch_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	svc := newTestService(serviceConfig(), nil)
	resp, err := svc.Fetch(context.Background(), Request{URL: mustParse(t, srv.URL+"/missing.css"), Kind: models.KindStylesheet})

	assert.Nil(t, resp)
	require.Error(t, err)
	assert.True(t, errors.Is(err, utils.ErrClientHTTPError))
	assert.Equal(t, "HTTP_404", utils.CategorizeError(err))
}

func TestService_Fetch_BodyTooLarge(t *testing.T) {
	payload := strings.Repeat("x", 2048)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/chunked" {
			// No Content-Length: the cap is enforced while reading.
			w.(http.Flusher).Flush()
		}
		fmt.Fprint(w, payload)
	}))
	defer srv.Close()

	cfg := serviceConfig()
	cfg.MaxBodyBytes = 1024
	svc := newTestService(cfg, nil)

	for _, path := range []string{"/declared", "/chunked"} {
		t.Run(path, func(t *testing.T) {
			_, err := svc.Fetch(context.Background(), Request{URL: mustParse(t, srv.URL+path), Kind: models.KindImage})
			require.Error(t, err)
			assert.True(t, errors.Is(err, utils.ErrBodyTooLarge), "got %v", err)
		})
	}

	cfg2 := serviceConfig()
	cfg2.MaxBodyBytes = 2048
	resp, err := newTestService(cfg2, nil).Fetch(context.Background(), Request{URL: mustParse(t, srv.URL+"/exact"), Kind: models.KindImage})
	require.NoError(t, err)
	assert.Len(t, resp.Body, 2048)
}

func TestService_Fetch_Robots(t *testing.T) {
	var robotsHits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		robotsHits.Add(1)
		fmt.Fprint(w, "User-agent: *\nDisallow: /private/\n")
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	svc := newTestService(serviceConfig(), nil)
	ctx := context.Background()

	_, err := svc.Fetch(ctx, Request{URL: mustParse(t, srv.URL+"/private/secret"), Kind: models.KindPage, RespectRobots: true})
	require.Error(t, err)
	assert.True(t, errors.Is(err, utils.ErrRobotsDisallowed))

	_, err = svc.Fetch(ctx, Request{URL: mustParse(t, srv.URL+"/public"), Kind: models.KindPage, RespectRobots: true})
	require.NoError(t, err)

	// Switch off: robots rules are not consulted.
	_, err = svc.Fetch(ctx, Request{URL: mustParse(t, srv.URL+"/private/secret"), Kind: models.KindPage})
	require.NoError(t, err)

	assert.Equal(t, int32(1), robotsHits.Load(), "robots.txt fetched once per origin")
}

func TestService_Fetch_MissingRobotsAllowsAll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	svc := newTestService(serviceConfig(), nil)
	_, err := svc.Fetch(context.Background(), Request{URL: mustParse(t, srv.URL+"/anything"), Kind: models.KindPage, RespectRobots: true})
	assert.NoError(t, err)
}

func TestService_Fetch_GlobalConcurrencyLimit(t *testing.T) {
	var inside, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inside.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inside.Add(-1)
	}))
	defer srv.Close()

	cfg := serviceConfig()
	cfg.MaxRequests = 1
	cfg.MaxRequestsPerHost = 4
	svc := newTestService(cfg, nil)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Fetch(context.Background(), Request{URL: mustParse(t, fmt.Sprintf("%s/p%d", srv.URL, i)), Kind: models.KindPage})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), peak.Load())
}

func TestService_Fetch_PolitenessDelay(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	svc := newTestService(serviceConfig(), nil)
	ctx := context.Background()
	u := mustParse(t, srv.URL+"/")

	_, err := svc.Fetch(ctx, Request{URL: u, Kind: models.KindPage, Delay: 100 * time.Millisecond})
	require.NoError(t, err)

	start := time.Now()
	_, err = svc.Fetch(ctx, Request{URL: u, Kind: models.KindPage, Delay: 100 * time.Millisecond})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestService_Fetch_CancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestService(serviceConfig(), nil).Fetch(ctx, Request{URL: mustParse(t, srv.URL), Kind: models.KindPage})
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
}

func TestService_Fetch_RecordsMetrics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/gone" {
			w.WriteHeader(http.StatusGone)
		}
	}))
	defer srv.Close()

	m := metrics.New(prometheus.NewRegistry())
	svc := newTestService(serviceConfig(), m)

	svc.Fetch(context.Background(), Request{URL: mustParse(t, srv.URL+"/ok"), Kind: models.KindPage})
	svc.Fetch(context.Background(), Request{URL: mustParse(t, srv.URL+"/gone"), Kind: models.KindImage})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.FetchesTotal.WithLabelValues("page", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FetchesTotal.WithLabelValues("image", "HTTP_4xx")))
}

func TestService_Fetch_NilURL(t *testing.T) {
	_, err := newTestService(serviceConfig(), nil).Fetch(context.Background(), Request{Kind: models.KindPage})
	assert.True(t, errors.Is(err, utils.ErrRequestCreation))
}
