package crawler

import (
	"net/url"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/site-archiver/pkg/models"
	"github.com/Sriram-PR/site-archiver/pkg/parse"
	"github.com/Sriram-PR/site-archiver/pkg/storage"
	"github.com/Sriram-PR/site-archiver/pkg/utils"
)

func newTestState(maxDepth int) *CrawlState {
	return NewCrawlState(storage.NewMemoryStore(), parse.NewDomainSet([]string{"example.com"}), maxDepth)
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestAdmit_NormalizesAndRecordsDepth(t *testing.T) {
	s := newTestState(1)
	base := mustURL(t, "https://example.com/")

	adm, err := s.Admit(base, "/about?x=1#sec", 1, models.KindPage)
	require.NoError(t, err)
	assert.Equal(t, models.StateAdmitted, adm.State)
	assert.Equal(t, "https://example.com/about", adm.URL.String())
	assert.Equal(t, 1, adm.Depth)

	depth, found, err := s.Store().DepthOf("https://example.com/about")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 1, depth)
}

func TestAdmit_Rejections(t *testing.T) {
	s := newTestState(3)
	base := mustURL(t, "https://example.com/docs/")

	tests := []struct {
		name    string
		raw     string
		wantErr error
	}{
		{"other domain", "http://other-domain.com/page", utils.ErrDisallowedDomain},
		{"subdomain not listed", "https://cdn.example.com/a.css", utils.ErrDisallowedDomain},
		{"mailto", "mailto:someone@example.com", utils.ErrMalformedLink},
		{"javascript", "javascript:void(0)", utils.ErrMalformedLink},
		{"bad escape", "%zz", utils.ErrMalformedLink},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adm, err := s.Admit(base, tt.raw, 1, models.KindPage)
			require.NoError(t, err)
			assert.Equal(t, models.StateDiscovered, adm.State)
			assert.ErrorIs(t, adm.Err, tt.wantErr)
		})
	}
	assert.Equal(t, 0, s.Store().Stats().AdmittedURLs)
}

func TestAdmit_OncePerURL(t *testing.T) {
	s := newTestState(3)
	base := mustURL(t, "https://example.com/")

	first, err := s.Admit(base, "/page", 1, models.KindPage)
	require.NoError(t, err)
	require.Equal(t, models.StateAdmitted, first.State)

	// Same address reached through a longer path, with a fragment and query.
	second, err := s.Admit(base, "https://EXAMPLE.com:443/page?ref=nav#top", 3, models.KindPage)
	require.NoError(t, err)
	assert.Equal(t, models.StateDiscovered, second.State)
	assert.ErrorIs(t, second.Err, errAlreadyAdmitted)

	depth, _, err := s.Store().DepthOf("https://example.com/page")
	require.NoError(t, err)
	assert.Equal(t, 1, depth, "first discovery keeps its depth")
}

func TestAdmit_PagesAndAssetsShareLedger(t *testing.T) {
	s := newTestState(3)
	base := mustURL(t, "https://example.com/")

	adm, err := s.Admit(base, "/logo.png", 1, models.KindImage)
	require.NoError(t, err)
	require.Equal(t, models.StateAdmitted, adm.State)

	adm, err = s.Admit(base, "/logo.png", 1, models.KindPage)
	require.NoError(t, err)
	assert.Equal(t, models.StateDiscovered, adm.State)
}

func TestAdmit_DepthCeiling(t *testing.T) {
	s := newTestState(1)
	base := mustURL(t, "https://example.com/a/")

	page, err := s.Admit(base, "deep", 2, models.KindPage)
	require.NoError(t, err)
	assert.Equal(t, models.StateSkippedDepthExceeded, page.State)
	assert.ErrorIs(t, page.Err, utils.ErrMaxDepthExceeded)

	asset, err := s.Admit(base, "style.css", 2, models.KindStylesheet)
	require.NoError(t, err)
	assert.Equal(t, models.StateAdmitted, asset.State, "assets of a leaf page are still fetched")
}

func TestAdmit_ConcurrentDiscoveryAdmitsOnce(t *testing.T) {
	s := newTestState(3)
	base := mustURL(t, "https://example.com/")

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			adm, err := s.Admit(base, "/contested", 1, models.KindPage)
			assert.NoError(t, err)
			if adm.State == models.StateAdmitted {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), admitted.Load())
}

func TestCrawlState_DepthPredicates(t *testing.T) {
	s := newTestState(2)

	assert.True(t, s.CanExpand(1))
	assert.False(t, s.CanExpand(2), "leaf pages at the ceiling are not expanded")
	assert.True(t, s.WithinDepth(2))
	assert.False(t, s.WithinDepth(3))

	seedsOnly := newTestState(0)
	assert.False(t, seedsOnly.CanExpand(0))
	assert.True(t, seedsOnly.WithinDepth(0))
}

func TestMarkRedirectTarget(t *testing.T) {
	s := newTestState(3)

	_, _, err := s.MarkRedirectTarget(mustURL(t, "https://elsewhere.org/landing"), 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, utils.ErrScopeViolation)

	final, fresh, err := s.MarkRedirectTarget(mustURL(t, "https://example.com/new/?utm=x"), 1)
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.Equal(t, "https://example.com/new/", final.String())

	adm, err := s.Admit(mustURL(t, "https://example.com/"), "/new/", 2, models.KindPage)
	require.NoError(t, err)
	assert.Equal(t, models.StateDiscovered, adm.State, "redirect target is not fetched again")
}

func TestMarkRedirectTarget_AlreadyAdmitted(t *testing.T) {
	s := newTestState(3)
	base := mustURL(t, "https://example.com/")

	adm, err := s.Admit(base, "/new/", 1, models.KindPage)
	require.NoError(t, err)
	require.Equal(t, models.StateAdmitted, adm.State)

	final, fresh, err := s.MarkRedirectTarget(mustURL(t, "https://example.com/new/"), 2)
	require.NoError(t, err)
	assert.False(t, fresh)
	assert.Equal(t, "https://example.com/new/", final.String())

	depth, _, err := s.Store().DepthOf("https://example.com/new/")
	require.NoError(t, err)
	assert.Equal(t, 1, depth, "depth of the earlier admission is kept")
}
