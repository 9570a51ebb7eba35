// Package source implements the listing-page sources for the DIFC Courts
// and UAE legislation sites on top of a headless browser session.
package source

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/lexiai-legal/uae-crawler/pkg/logger"
)

// SessionConfig tunes the owned browser session.
type SessionConfig struct {
	UserAgent   string
	Headless    bool
	NavTimeout  time.Duration
	DownloadDir string
}

// Session owns one headless browser instance with explicit acquire/release.
// Recycling recreates the whole allocator and browser context rather than
// resetting anything field by field.
type Session struct {
	cfg SessionConfig
	log *logger.Logger

	parent        context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

// NewSession builds an unstarted session.
func NewSession(cfg SessionConfig, log *logger.Logger) *Session {
	if log == nil {
		log = logger.Default()
	}
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 30 * time.Second
	}
	return &Session{cfg: cfg, log: log.WithComponent("browser")}
}

// Start launches the browser. ctx bounds the whole session lifetime.
func (s *Session) Start(ctx context.Context) error {
	s.Stop()
	s.parent = ctx

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", s.cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("no-first-run", true),
		chromedp.UserAgent(s.cfg.UserAgent),
		chromedp.WindowSize(1920, 1080),
	)

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	// Force the browser process to start now so a broken Chrome install
	// fails loudly instead of on the first navigation.
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return fmt.Errorf("failed to launch browser: %w", err)
	}

	s.allocCancel = allocCancel
	s.browserCtx = browserCtx
	s.browserCancel = browserCancel
	s.log.Info("browser session started", "headless", s.cfg.Headless)
	return nil
}

// Stop tears the browser down. Safe to call on a stopped session.
func (s *Session) Stop() {
	if s.browserCancel != nil {
		s.browserCancel()
		s.browserCancel = nil
	}
	if s.allocCancel != nil {
		s.allocCancel()
		s.allocCancel = nil
	}
	s.browserCtx = nil
}

// Restart recycles the session wholesale.
func (s *Session) Restart() error {
	if s.parent == nil {
		return fmt.Errorf("session was never started")
	}
	s.log.Info("restarting browser session")
	return s.Start(s.parent)
}

// Context exposes the live browser context for listeners.
func (s *Session) Context() (context.Context, error) {
	if s.browserCtx == nil {
		return nil, fmt.Errorf("browser session not started")
	}
	return s.browserCtx, nil
}

// Run executes chromedp actions against the live browser under the
// per-navigation timeout.
func (s *Session) Run(actions ...chromedp.Action) error {
	return s.RunWithTimeout(s.cfg.NavTimeout, actions...)
}

// RunWithTimeout executes actions under an explicit timeout.
func (s *Session) RunWithTimeout(timeout time.Duration, actions ...chromedp.Action) error {
	if s.browserCtx == nil {
		return fmt.Errorf("browser session not started")
	}
	runCtx, cancel := context.WithTimeout(s.browserCtx, timeout)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

// Navigate loads url and waits for the body to exist.
func (s *Session) Navigate(url string, extra ...chromedp.Action) error {
	actions := append([]chromedp.Action{
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}, extra...)
	return s.Run(actions...)
}

// HTML captures the full page markup.
func (s *Session) HTML() (string, error) {
	var html string
	if err := s.Run(chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return html, nil
}

// ScrollToBottom scrolls in steps to trigger lazy-loaded listing content,
// then returns to the top.
func (s *Session) ScrollToBottom() error {
	script := `(function() {
		window.scrollBy(0, window.innerHeight);
		return window.pageYOffset + window.innerHeight >= document.body.scrollHeight;
	})()`

	for i := 0; i < 50; i++ {
		var atBottom bool
		if err := s.Run(
			chromedp.Evaluate(script, &atBottom),
			chromedp.Sleep(400*time.Millisecond),
		); err != nil {
			return err
		}
		if atBottom {
			break
		}
	}
	return s.Run(
		chromedp.Evaluate(`window.scrollTo(0, 0)`, nil),
		chromedp.Sleep(800*time.Millisecond),
	)
}
