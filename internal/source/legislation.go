package source

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/lexiai-legal/uae-crawler/internal/crawl"
	"github.com/lexiai-legal/uae-crawler/pkg/logger"
)

// CollectionName is the single legislation collection.
const CollectionName = "UAE Legislations"

// waitLoaderGoneScript reports whether the table loading overlay is gone.
const waitLoaderGoneScript = `(function() {
	const l = document.querySelector('.l_');
	return !l || l.offsetParent === null;
})()`

// applyYearFilterScript ticks the all-years checkbox; returns whether the
// checkbox was found.
const applyYearFilterScript = `(function() {
	const chk = document.querySelector("input[name='year-all']");
	if (!chk) return false;
	if (!chk.checked) chk.click();
	return true;
})()`

// clickNextScript advances the paginator; returns whether a usable next
// button existed.
const clickNextScript = `(function() {
	let next = document.querySelector('#legislationsPaginator a.next_');
	if (!next) next = document.querySelector('.table_pagination a.next_');
	if (!next || next.offsetParent === null) return false;
	const href = next.getAttribute('href') || '';
	if (href === '#' || href.includes('javascript')) return false;
	next.click();
	return true;
})()`

// LegislationSource walks the uaelegislation.gov.ae table. The site pages
// through one ajax table, so the source keeps the browser parked on the
// current page and advances with the paginator; a recycled session is
// recovered by replaying from page one.
type LegislationSource struct {
	baseURL string
	session *Session
	log     *logger.Logger

	currentPage int
}

// NewLegislationSource builds a source over an already-constructed session.
func NewLegislationSource(baseURL string, session *Session, log *logger.Logger) *LegislationSource {
	if log == nil {
		log = logger.Default()
	}
	return &LegislationSource{
		baseURL: baseURL,
		session: session,
		log:     log.WithComponent("legislation-source"),
	}
}

// ListingURL is the filtered legislations table.
func (s *LegislationSource) ListingURL() string {
	return s.baseURL + "/en/legislations"
}

// Discover returns the single legislation collection.
func (s *LegislationSource) Discover(ctx context.Context) ([]crawl.Collection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return []crawl.Collection{{Name: CollectionName, URL: s.ListingURL()}}, nil
}

// TotalPages is unknown upfront; the table only reveals a next button.
func (s *LegislationSource) TotalPages(ctx context.Context, col crawl.Collection) (int, error) {
	return 0, nil
}

func (s *LegislationSource) waitForTable() error {
	if err := s.session.RunWithTimeout(20*time.Second,
		chromedp.WaitVisible("#legislationsTable", chromedp.ByQuery),
	); err != nil {
		s.log.Debug("legislations table slow to appear, extra wait")
		if err := s.session.Run(chromedp.Sleep(5 * time.Second)); err != nil {
			return err
		}
	}
	// Poll the loader overlay out of the way, then let the rows settle.
	for i := 0; i < 30; i++ {
		var gone bool
		if err := s.session.Run(chromedp.Evaluate(waitLoaderGoneScript, &gone)); err != nil {
			return err
		}
		if gone {
			break
		}
		if err := s.session.Run(chromedp.Sleep(500 * time.Millisecond)); err != nil {
			return err
		}
	}
	return s.session.Run(chromedp.Sleep(2 * time.Second))
}

func (s *LegislationSource) openListing() error {
	if err := s.session.Navigate(s.ListingURL()); err != nil {
		return fmt.Errorf("failed to load legislations page: %w", err)
	}
	if err := s.waitForTable(); err != nil {
		return err
	}

	var found bool
	if err := s.session.Run(chromedp.Evaluate(applyYearFilterScript, &found)); err != nil {
		return err
	}
	if !found {
		s.log.Warn("year filter checkbox not found, continuing without it")
	} else {
		s.log.Info("year filter applied")
		if err := s.waitForTable(); err != nil {
			return err
		}
	}
	s.currentPage = 1
	return nil
}

// advance moves the table to the next page. Returns false when the last
// page was reached.
func (s *LegislationSource) advance() (bool, error) {
	var clicked bool
	if err := s.session.Run(chromedp.Evaluate(clickNextScript, &clicked)); err != nil {
		return false, err
	}
	if !clicked {
		// Click path gone; fall back to navigating the next href if the
		// markup still exposes one.
		html, err := s.session.HTML()
		if err != nil {
			return false, err
		}
		next := parseNextHref(html, s.baseURL)
		if next == "" {
			return false, nil
		}
		if err := s.session.Navigate(next); err != nil {
			return false, fmt.Errorf("fallback pagination failed: %w", err)
		}
	}
	if err := s.waitForTable(); err != nil {
		return false, err
	}
	s.currentPage++
	return true, nil
}

// Fetch returns one page of legislation rows. Pages must be requested in
// order; the source replays pagination from the start after a session
// restart.
func (s *LegislationSource) Fetch(ctx context.Context, col crawl.Collection, page int) ([]crawl.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch {
	case page == 1:
		if err := s.openListing(); err != nil {
			return nil, err
		}
	case page == s.currentPage+1:
		ok, err := s.advance()
		if err != nil {
			return nil, err
		}
		if !ok {
			s.log.Info("no next-page button, table exhausted", "page", page)
			return nil, nil
		}
	default:
		s.log.Info("replaying pagination after session restart", "target_page", page)
		if err := s.openListing(); err != nil {
			return nil, err
		}
		for p := 1; p < page; p++ {
			ok, err := s.advance()
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, nil
			}
		}
	}

	html, err := s.session.HTML()
	if err != nil {
		return nil, fmt.Errorf("failed to capture legislations page %d: %w", page, err)
	}

	items, err := parseLegislationRows(html, s.baseURL)
	if err != nil {
		return nil, err
	}
	s.log.Info("parsed legislations", "page", page, "items", len(items))
	return items, nil
}
