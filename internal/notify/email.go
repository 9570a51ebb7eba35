// Package notify delivers the end-of-run email digest. Delivery is
// best-effort throughout: a crawl never fails because mail could not be
// sent.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"strings"
	"time"

	gomail "gopkg.in/gomail.v2"

	"github.com/lexiai-legal/uae-crawler/internal/config"
	"github.com/lexiai-legal/uae-crawler/internal/crawl"
	"github.com/lexiai-legal/uae-crawler/pkg/logger"
)

const digestTemplate = `<html>
<body style="font-family: Arial, sans-serif; color: #222;">
  <h2>{{.Variant}}: {{.Count}} new document{{if ne .Count 1}}s{{end}}</h2>
  <p>Crawl finished {{.FinishedAt}} in {{.Duration}}.</p>
  <table border="1" cellpadding="6" cellspacing="0" style="border-collapse: collapse;">
    <tr style="background: #f0f0f0;">
      <th>Title</th><th>Category</th><th>Type</th><th>Date</th>
    </tr>
    {{range .Items}}
    <tr>
      <td><a href="{{.URL}}">{{.Title}}</a></td>
      <td>{{.Category}}</td>
      <td>{{.Kind}}</td>
      <td>{{.Date}}</td>
    </tr>
    {{end}}
  </table>
  <p style="color: #777; font-size: 12px;">
    Pages scanned: {{.Stats.PagesScanned}} &middot;
    Skipped (already stored): {{.Stats.Skipped}} &middot;
    Failed: {{.Stats.Failed}} &middot;
    Run {{.Stats.RunID}}
  </p>
</body>
</html>`

var digestTmpl = template.Must(template.New("digest").Parse(digestTemplate))

// sendFunc abstracts the SMTP dial for tests.
type sendFunc func(m *gomail.Message) error

// EmailNotifier implements crawl.Notifier over SMTP.
type EmailNotifier struct {
	cfg     config.EmailConfig
	variant string // subject label, e.g. "UAE Judgments"
	// Overrides replaces the subscriber list when set (the --email-to
	// flag).
	Overrides []string
	log       *logger.Logger
	send      sendFunc
}

func NewEmailNotifier(cfg config.EmailConfig, variant string, log *logger.Logger) *EmailNotifier {
	if log == nil {
		log = logger.Default()
	}
	n := &EmailNotifier{
		cfg:     cfg,
		variant: variant,
		log:     log.WithComponent("notifier"),
	}
	n.send = func(m *gomail.Message) error {
		d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
		return d.DialAndSend(m)
	}
	return n
}

// Recipients resolves the digest audience: the --email-to override when
// present, otherwise the subscriber API plus the admin address.
func (n *EmailNotifier) Recipients(ctx context.Context) []string {
	if len(n.Overrides) > 0 {
		return dedupe(n.Overrides)
	}

	var addrs []string
	if n.cfg.UsersAPIURL != "" {
		users, err := FetchUsers(ctx, n.cfg.UsersAPIURL)
		if err != nil {
			n.log.WithError(err).Warn("failed to fetch subscriber list, falling back to admin only")
		}
		for _, u := range users {
			addrs = append(addrs, u.Email)
		}
	}
	if n.cfg.AdminAddress != "" {
		addrs = append(addrs, n.cfg.AdminAddress)
	}
	return dedupe(addrs)
}

func dedupe(addrs []string) []string {
	seen := make(map[string]struct{}, len(addrs))
	out := addrs[:0:0]
	for _, a := range addrs {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		key := strings.ToLower(a)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, a)
	}
	return out
}

// RenderDigest builds the HTML body for a run.
func RenderDigest(variant string, items []crawl.NewItem, stats crawl.Stats) (string, error) {
	data := struct {
		Variant    string
		Count      int
		FinishedAt string
		Duration   string
		Items      []crawl.NewItem
		Stats      crawl.Stats
	}{
		Variant:    variant,
		Count:      len(items),
		FinishedAt: time.Now().Format("January 2, 2006 15:04 MST"),
		Duration:   stats.Duration.Round(time.Second).String(),
		Items:      items,
		Stats:      stats,
	}

	var buf bytes.Buffer
	if err := digestTmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render digest: %w", err)
	}
	return buf.String(), nil
}

func (n *EmailNotifier) Notify(ctx context.Context, items []crawl.NewItem, stats crawl.Stats) error {
	if len(items) == 0 {
		return nil
	}
	if n.cfg.Username == "" || n.cfg.Password == "" {
		n.log.Warn("email credentials not configured, skipping digest")
		return nil
	}

	recipients := n.Recipients(ctx)
	if len(recipients) == 0 {
		n.log.Warn("no digest recipients, skipping")
		return nil
	}

	body, err := RenderDigest(n.variant, items, stats)
	if err != nil {
		return err
	}
	subject := fmt.Sprintf("%s: %d new document(s) - %s",
		n.variant, len(items), time.Now().Format("2006-01-02"))

	var failed int
	for i, to := range recipients {
		if i > 0 && n.cfg.SendDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(n.cfg.SendDelay):
			}
		}

		m := gomail.NewMessage()
		m.SetHeader("From", n.cfg.Username)
		m.SetHeader("To", to)
		m.SetHeader("Subject", subject)
		m.SetBody("text/html", body)

		if err := n.send(m); err != nil {
			failed++
			n.log.WithError(err).Warn("digest send failed", "to", to)
			continue
		}
		n.log.Info("digest sent", "to", to, "items", len(items))
	}

	if failed == len(recipients) {
		return fmt.Errorf("digest delivery failed for all %d recipients", failed)
	}
	return nil
}

// SendTest delivers a short plain message to verify SMTP settings.
func (n *EmailNotifier) SendTest(ctx context.Context, to string) error {
	if n.cfg.Username == "" || n.cfg.Password == "" {
		return fmt.Errorf("email credentials not configured")
	}
	m := gomail.NewMessage()
	m.SetHeader("From", n.cfg.Username)
	m.SetHeader("To", to)
	m.SetHeader("Subject", "UAE crawler test message")
	m.SetBody("text/plain", "SMTP configuration is working.")
	return n.send(m)
}
