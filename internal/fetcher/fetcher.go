// Package fetcher materializes discovered items into object storage. The
// direct HTTP path is preferred; the headless browser covers downloads
// that need cookies or a rendered page.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/lexiai-legal/uae-crawler/internal/crawl"
	"github.com/lexiai-legal/uae-crawler/internal/source"
	"github.com/lexiai-legal/uae-crawler/internal/storage"
	"github.com/lexiai-legal/uae-crawler/pkg/logger"
)

// minPDFSize guards against the sites serving an error page instead of a
// document.
const minPDFSize = 500

// Config tunes the download behavior of both fetchers.
type Config struct {
	UserAgent       string
	MaxRetries      int
	RetryDelay      time.Duration
	DownloadTimeout time.Duration
	DownloadDir     string
}

// stripChromeScript removes page furniture before printing a detail page
// to PDF.
const stripChromeScript = `(function() {
	const selectors = ['header', 'footer', 'nav', '.uc-banner', '#usercentrics-root', '.cookie-banner'];
	for (const s of selectors) {
		document.querySelectorAll(s).forEach(el => el.remove());
	}
	return true;
})()`

// contentTextScript reads the printable body of a judgment detail page.
const contentTextScript = `(function() {
	const el = document.querySelector('div.content_desc');
	return el ? el.innerText.trim() : '';
})()`

type httpDownloader struct {
	client *http.Client
	cfg    Config
	log    *logger.Logger
}

func newHTTPDownloader(cfg Config, log *logger.Logger) *httpDownloader {
	timeout := cfg.DownloadTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &httpDownloader{
		client: &http.Client{Timeout: timeout},
		cfg:    cfg,
		log:    log,
	}
}

// get downloads a URL with browser-like headers and exponential backoff.
func (d *httpDownloader) get(ctx context.Context, targetURL string) ([]byte, error) {
	var lastErr error
	delay := d.cfg.RetryDelay

	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			d.log.Debug("retrying download", "url", targetURL, "attempt", attempt, "delay", delay)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		body, err := d.fetch(ctx, targetURL)
		if err == nil {
			return body, nil
		}
		lastErr = err
		d.log.WithError(err).Warn("download failed", "url", targetURL, "attempt", attempt)
	}
	return nil, fmt.Errorf("all retries failed: %w", lastErr)
}

func (d *httpDownloader) fetch(ctx context.Context, targetURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", d.cfg.UserAgent)
	req.Header.Set("Accept", "application/pdf,text/html,application/xhtml+xml,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Upgrade-Insecure-Requests", "1")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return body, nil
}

func validatePDF(data []byte) error {
	if len(data) < minPDFSize {
		return crawl.Failf("download too small (%d bytes), likely an error page", len(data))
	}
	return nil
}

func isDirectPDF(rawURL string) bool {
	u := rawURL
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	return strings.HasSuffix(strings.ToLower(u), ".pdf")
}

// JudgmentFetcher stores DIFC judgments and orders. Direct PDF links go
// over plain HTTP; detail pages are rendered headless and printed to PDF.
type JudgmentFetcher struct {
	cfg     Config
	session *source.Session
	store   storage.ObjectStore
	http    *httpDownloader
	log     *logger.Logger
}

func NewJudgmentFetcher(cfg Config, session *source.Session, store storage.ObjectStore, log *logger.Logger) *JudgmentFetcher {
	if log == nil {
		log = logger.Default()
	}
	log = log.WithComponent("judgment-fetcher")
	return &JudgmentFetcher{
		cfg:     cfg,
		session: session,
		store:   store,
		http:    newHTTPDownloader(cfg, log),
		log:     log,
	}
}

func (f *JudgmentFetcher) Fetch(ctx context.Context, item crawl.Item) (*crawl.Artifact, error) {
	key := storage.JudgmentKey(item.Label, item.Title)

	var (
		data []byte
		err  error
	)
	if isDirectPDF(item.URL) {
		data, err = f.http.get(ctx, item.URL)
		if err != nil && f.session != nil {
			f.log.WithError(err).Warn("direct download failed, falling back to browser", "url", item.URL)
			data, err = downloadViaBrowser(ctx, f.session, f.cfg, item.URL)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, crawl.Failf("download failed: %v", err)
		}
		if !strings.HasPrefix(string(data[:min(len(data), 5)]), "%PDF") {
			return nil, crawl.Failf("response is not a PDF (%d bytes)", len(data))
		}
	} else {
		data, err = f.printDetailPage(ctx, item)
		if err != nil {
			return nil, err
		}
	}

	if err := validatePDF(data); err != nil {
		return nil, err
	}
	if _, err := f.store.UploadBytes(ctx, data, key, "application/pdf"); err != nil {
		return nil, crawl.Failf("upload failed: %v", err)
	}
	f.log.Info("document stored", "key", key, "bytes", len(data))
	return &crawl.Artifact{StorageKey: key, LocalRemoved: true}, nil
}

// printDetailPage renders a judgment detail page headless and prints it to
// an A4 PDF.
func (f *JudgmentFetcher) printDetailPage(ctx context.Context, item crawl.Item) ([]byte, error) {
	if f.session == nil {
		return nil, fmt.Errorf("no browser session for detail page %s", item.URL)
	}
	if err := f.session.Navigate(item.URL); err != nil {
		return nil, fmt.Errorf("failed to open detail page: %w", err)
	}

	var text string
	if err := f.session.Run(chromedp.Evaluate(contentTextScript, &text)); err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, crawl.Failf("detail page has no printable content: %s", item.URL)
	}

	var stripped bool
	if err := f.session.Run(chromedp.Evaluate(stripChromeScript, &stripped)); err != nil {
		return nil, err
	}

	var pdf []byte
	err := f.session.RunWithTimeout(f.cfg.DownloadTimeout, chromedp.ActionFunc(func(ctx context.Context) error {
		buf, _, err := page.PrintToPDF().
			WithPrintBackground(true).
			WithPaperWidth(8.27).
			WithPaperHeight(11.69).
			WithMarginTop(0.4).
			WithMarginBottom(0.4).
			WithMarginLeft(0.4).
			WithMarginRight(0.4).
			Do(ctx)
		if err != nil {
			return err
		}
		pdf = buf
		return nil
	}))
	if err != nil {
		return nil, fmt.Errorf("print to pdf failed: %w", err)
	}
	return pdf, nil
}

func (f *JudgmentFetcher) Recycle(ctx context.Context) error {
	if f.session == nil {
		return nil
	}
	f.log.Info("recycling browser session")
	return f.session.Restart()
}

// LegislationFetcher stores UAE legislation PDFs through the site's direct
// download endpoint.
type LegislationFetcher struct {
	cfg     Config
	baseURL string
	session *source.Session
	store   storage.ObjectStore
	http    *httpDownloader
	log     *logger.Logger
}

func NewLegislationFetcher(cfg Config, baseURL string, session *source.Session, store storage.ObjectStore, log *logger.Logger) *LegislationFetcher {
	if log == nil {
		log = logger.Default()
	}
	log = log.WithComponent("legislation-fetcher")
	return &LegislationFetcher{
		cfg:     cfg,
		baseURL: baseURL,
		session: session,
		store:   store,
		http:    newHTTPDownloader(cfg, log),
		log:     log,
	}
}

// DownloadURL maps a legislation detail URL to its direct download
// endpoint.
func (f *LegislationFetcher) DownloadURL(detailURL string) (string, error) {
	id := source.LegislationID(detailURL)
	if id == "" {
		return "", crawl.Failf("no legislation id in url: %s", detailURL)
	}
	return fmt.Sprintf("%s/en/legislations/%s/download", f.baseURL, id), nil
}

func (f *LegislationFetcher) Fetch(ctx context.Context, item crawl.Item) (*crawl.Artifact, error) {
	downloadURL, err := f.DownloadURL(item.URL)
	if err != nil {
		return nil, err
	}

	data, err := f.http.get(ctx, downloadURL)
	if err != nil && f.session != nil {
		f.log.WithError(err).Warn("direct download failed, falling back to browser", "url", downloadURL)
		data, err = downloadViaBrowser(ctx, f.session, f.cfg, downloadURL)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, crawl.Failf("download failed: %v", err)
	}
	if err := validatePDF(data); err != nil {
		return nil, err
	}

	key := storage.LegislationKey(item.Title)
	if _, err := f.store.UploadBytes(ctx, data, key, "application/pdf"); err != nil {
		return nil, crawl.Failf("upload failed: %v", err)
	}
	f.log.Info("legislation stored", "key", key, "bytes", len(data))
	return &crawl.Artifact{StorageKey: key, LocalRemoved: true}, nil
}

func (f *LegislationFetcher) Recycle(ctx context.Context) error {
	if f.session == nil {
		return nil
	}
	f.log.Info("recycling browser session")
	return f.session.Restart()
}

// downloadViaBrowser drives the headless browser through a download and
// returns the file contents. The download runs in its own tab so the
// progress listener dies with the tab instead of piling up on the shared
// browser context. The temp file is removed before returning.
func downloadViaBrowser(ctx context.Context, session *source.Session, cfg Config, targetURL string) ([]byte, error) {
	bctx, err := session.Context()
	if err != nil {
		return nil, err
	}

	tabCtx, cancelTab := chromedp.NewContext(bctx)
	defer cancelTab()

	dir := cfg.DownloadDir
	if dir == "" {
		dir = os.TempDir()
	}

	done := make(chan string, 1)
	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		if e, ok := ev.(*browser.EventDownloadProgress); ok && e.State == browser.DownloadProgressStateCompleted {
			select {
			case done <- e.GUID:
			default:
			}
		}
	})

	if err := chromedp.Run(tabCtx,
		browser.SetDownloadBehavior(browser.SetDownloadBehaviorBehaviorAllowAndName).
			WithDownloadPath(dir).
			WithEventsEnabled(true),
	); err != nil {
		return nil, fmt.Errorf("failed to enable downloads: %w", err)
	}

	// Navigating to a download aborts the navigation itself; that error
	// is expected and ignored.
	go func() {
		_ = chromedp.Run(tabCtx, chromedp.Navigate(targetURL))
	}()

	timeout := cfg.DownloadTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	var guid string
	select {
	case guid = <-done:
	case <-time.After(timeout):
		return nil, fmt.Errorf("browser download timed out after %s: %s", timeout, targetURL)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	localPath := filepath.Join(dir, guid)
	data, err := os.ReadFile(localPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read downloaded file: %w", err)
	}
	if err := os.Remove(localPath); err != nil {
		return nil, fmt.Errorf("failed to remove temp download: %w", err)
	}
	return data, nil
}
