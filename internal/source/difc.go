package source

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/lexiai-legal/uae-crawler/internal/crawl"
	"github.com/lexiai-legal/uae-crawler/pkg/logger"
)

// consentSelectors are the cookie-banner buttons seen on difccourts.ae.
var consentSelectors = []string{
	"#uc-deny-all-button",
	"#uc-accept-all-button",
	`button[data-testid="uc-accept-all-button"]`,
	`button[data-testid="uc-deny-all-button"]`,
}

// removeConsentScript strips consent overlays that survived the click
// attempts and restores scrolling.
const removeConsentScript = `(function() {
	const sels = ['#uc-main-dialog','#main-view','#uc-banner','#uc-cmp-container',
		'#uc-overlay','.uc-overlay','#CybotCookiebotDialog',
		'#CybotCookiebotDialogBodyUnderlay','#usercentrics-root'];
	sels.forEach(s => document.querySelectorAll(s).forEach(e => e.remove()));
	document.body.style.overflow = 'auto';
	document.documentElement.style.overflow = 'auto';
	return true;
})()`

// DIFCSource lists judgment and order categories from the DIFC Courts
// site. Listings are sorted newest-first by the ccm_order_by query, which
// is what makes the orchestrator's stop-on-seen shortcut sound.
type DIFCSource struct {
	baseURL string
	session *Session
	log     *logger.Logger
}

// NewDIFCSource builds a source over an already-constructed session.
func NewDIFCSource(baseURL string, session *Session, log *logger.Logger) *DIFCSource {
	if log == nil {
		log = logger.Default()
	}
	return &DIFCSource{
		baseURL: baseURL,
		session: session,
		log:     log.WithComponent("difc-source"),
	}
}

// StartURL is the judgments-orders landing page.
func (s *DIFCSource) StartURL() string {
	return s.baseURL + "/rules-decisions/judgments-orders"
}

func (s *DIFCSource) dismissConsent() {
	for _, sel := range consentSelectors {
		// Best effort: the banner may not be present at all.
		err := s.session.RunWithTimeout(2*time.Second,
			chromedp.Click(sel, chromedp.ByQuery, chromedp.NodeVisible),
			chromedp.Sleep(500*time.Millisecond),
		)
		if err == nil {
			return
		}
	}
	var removed bool
	if err := s.session.Run(chromedp.Evaluate(removeConsentScript, &removed)); err != nil {
		s.log.WithError(err).Debug("consent cleanup script failed")
	}
}

// Discover fetches the category links from the landing page.
func (s *DIFCSource) Discover(ctx context.Context) ([]crawl.Collection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.log.Info("fetching categories", "url", s.StartURL())

	if err := s.session.Navigate(s.StartURL(), chromedp.Sleep(2*time.Second)); err != nil {
		return nil, fmt.Errorf("failed to load landing page: %w", err)
	}
	s.dismissConsent()

	html, err := s.session.HTML()
	if err != nil {
		return nil, fmt.Errorf("failed to capture landing page: %w", err)
	}

	cols, err := parseCategories(html, s.baseURL)
	if err != nil {
		return nil, err
	}
	for _, c := range cols {
		s.log.Info("category", "name", c.Name, "url", c.URL)
	}
	return cols, nil
}

// TotalPages reads the pagination widget on the collection's first page.
func (s *DIFCSource) TotalPages(ctx context.Context, col crawl.Collection) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := s.session.Navigate(col.URL); err != nil {
		return 0, fmt.Errorf("failed to load %s: %w", col.URL, err)
	}
	s.dismissConsent()

	html, err := s.session.HTML()
	if err != nil {
		return 0, err
	}
	return parseMaxPage(html), nil
}

// Fetch scrapes one listing page of a category.
func (s *DIFCSource) Fetch(ctx context.Context, col crawl.Collection, page int) ([]crawl.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	target := col.URL
	if page > 1 {
		target = fmt.Sprintf("%s?ccm_paging_p=%d&ccm_order_by=ak_date&ccm_order_by_direction=desc", col.URL, page)
	}
	s.log.Info("listing page", "collection", col.Name, "page", page, "url", target)

	if err := s.session.Navigate(target); err != nil {
		return nil, fmt.Errorf("failed to load listing page %d: %w", page, err)
	}
	s.dismissConsent()

	// The result block renders late; tolerate its absence and parse what
	// is there.
	if err := s.session.RunWithTimeout(10*time.Second,
		chromedp.WaitVisible("div.col-sm-9.content-block", chromedp.ByQuery),
	); err != nil {
		s.log.Debug("content block did not appear, parsing anyway", "page", page)
	}

	if err := s.session.ScrollToBottom(); err != nil {
		s.log.WithError(err).Debug("scroll failed", "page", page)
	}

	html, err := s.session.HTML()
	if err != nil {
		return nil, fmt.Errorf("failed to capture listing page %d: %w", page, err)
	}

	items, err := parseJudgmentListing(html, s.baseURL)
	if err != nil {
		return nil, err
	}
	s.log.Info("parsed listing", "collection", col.Name, "page", page, "items", len(items))
	return items, nil
}
