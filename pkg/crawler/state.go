package crawler

import (
	"fmt"
	"net/url"

	"github.com/Sriram-PR/site-archiver/pkg/models"
	"github.com/Sriram-PR/site-archiver/pkg/parse"
	"github.com/Sriram-PR/site-archiver/pkg/storage"
	"github.com/Sriram-PR/site-archiver/pkg/utils"
)

// Admission is the result of offering a discovered link to the CrawlState.
type Admission struct {
	URL   *url.URL // normalized; nil when rejected
	Depth int      // recorded depth (first discovery wins)
	State models.ItemState
	Err   error // rejection reason for StateDiscovered
}

// CrawlState owns everything that decides whether a discovered link enters the
// crawl: the allowed hosts, the depth ceiling, and the run's ledgers. It is
// passed to whoever needs admission checks; nothing about it is global.
type CrawlState struct {
	store    storage.CrawlStore
	domains  parse.DomainSet
	maxDepth int
}

// NewCrawlState creates the state for one run. store must be empty.
func NewCrawlState(store storage.CrawlStore, domains parse.DomainSet, maxDepth int) *CrawlState {
	return &CrawlState{store: store, domains: domains, maxDepth: maxDepth}
}

func (s *CrawlState) Domains() parse.DomainSet { return s.domains }
func (s *CrawlState) MaxDepth() int { return s.maxDepth }
func (s *CrawlState) Store() storage.CrawlStore { return s.store }
func (s *CrawlState) InScope(host string) bool { return s.domains.Contains(host) }
func (s *CrawlState) CanExpand(depth int) bool { return depth < s.maxDepth }
func (s *CrawlState) WithinDepth(depth int) bool { return depth <= s.maxDepth }

// Admit runs the Discovered -> Admitted transition for rawLink found on base.
//
// The returned State is:
//   - StateDiscovered when the link is malformed, off-domain or already admitted (Err says which)
//   - StateSkippedDepthExceeded when kind is a page beyond the depth ceiling
//   - StateAdmitted otherwise
//
// A ledger error is returned as the second value and leaves the link unadmitted.
func (s *CrawlState) Admit(base *url.URL, rawLink string, depth int, kind models.AssetKind) (Admission, error) {
	normalized, err := parse.Normalize(base, rawLink, s.domains)
	if err != nil {
		return Admission{State: models.StateDiscovered, Err: err}, nil
	}
	key := parse.NormalizeURL(normalized)

	fresh, err := s.store.AdmitURL(key)
	if err != nil {
		return Admission{State: models.StateDiscovered}, fmt.Errorf("admitting %s: %w", key, err)
	}
	if !fresh {
		return Admission{URL: normalized, State: models.StateDiscovered, Err: errAlreadyAdmitted}, nil
	}

	if _, err := s.store.RecordDepth(key, depth); err != nil {
		return Admission{URL: normalized, State: models.StateDiscovered}, fmt.Errorf("recording depth of %s: %w", key, err)
	}
	recorded, _, err := s.store.DepthOf(key)
	if err != nil {
		return Admission{URL: normalized, State: models.StateDiscovered}, fmt.Errorf("reading depth of %s: %w", key, err)
	}

	adm := Admission{URL: normalized, Depth: recorded, State: models.StateAdmitted}
	if kind.IsPage() && !s.WithinDepth(recorded) {
		adm.State = models.StateSkippedDepthExceeded
		adm.Err = utils.WrapErrorf(utils.ErrMaxDepthExceeded, "depth %d > %d", recorded, s.maxDepth)
	}
	return adm, nil
}

// MarkRedirectTarget records the final URL of a redirected fetch in the ledger
// so a later link to it is not fetched again. fresh is false when the final URL
// was already admitted, in which case its recorded depth is left alone. Returns
// ErrScopeViolation when the redirect left the allowed hosts.
func (s *CrawlState) MarkRedirectTarget(final *url.URL, depth int) (normalized *url.URL, fresh bool, err error) {
	normalized, err = parse.Normalize(nil, final.String(), s.domains)
	if err != nil {
		return nil, false, fmt.Errorf("%w: redirected to %s: %w", utils.ErrScopeViolation, final.String(), err)
	}
	key := parse.NormalizeURL(normalized)
	fresh, err = s.store.AdmitURL(key)
	if err != nil || !fresh {
		return normalized, false, err
	}
	if _, err := s.store.RecordDepth(key, depth); err != nil {
		return normalized, true, err
	}
	return normalized, true, nil
}
