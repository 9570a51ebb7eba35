// Package main is the entry point for the UAE legal document crawler CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lexiai-legal/uae-crawler/internal/config"
	"github.com/lexiai-legal/uae-crawler/internal/crawl"
	"github.com/lexiai-legal/uae-crawler/internal/fetcher"
	"github.com/lexiai-legal/uae-crawler/internal/notify"
	"github.com/lexiai-legal/uae-crawler/internal/source"
	"github.com/lexiai-legal/uae-crawler/internal/state"
	"github.com/lexiai-legal/uae-crawler/internal/storage"
	"github.com/lexiai-legal/uae-crawler/pkg/logger"
)

// Version information (set during build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// crawlFlags are shared by every crawl subcommand.
type crawlFlags struct {
	DryRun         bool
	EmailTo        []string
	ListRecipients bool
	Headless       bool
}

func (f *crawlFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.DryRun, "dry-run", false, "scan and report without downloading or marking anything")
	cmd.Flags().StringSliceVar(&f.EmailTo, "email-to", nil, "override digest recipients (repeatable)")
	cmd.Flags().BoolVar(&f.ListRecipients, "list-recipients", false, "print resolved digest recipients and exit")
	cmd.Flags().BoolVar(&f.Headless, "headless", true, "run the browser headless")
}

type app struct {
	cfg *config.Config
	log *logger.Logger
}

func setup() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log := logger.New(logger.Config{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		AddSource: cfg.Log.AddSource,
		Dir:       cfg.Log.Dir,
	})
	log.SetDefault()

	return &app{cfg: cfg, log: log}, nil
}

func (a *app) close() {
	if a.log != nil {
		_ = a.log.Close()
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	rootCmd := &cobra.Command{
		Use:     "uae-crawler",
		Short:   "UAE legal document crawler",
		Long:    "Incremental crawler for DIFC Courts judgments/orders and UAE federal legislation PDFs.",
		Version: fmt.Sprintf("%s (built %s)", Version, BuildTime),
	}

	rootCmd.AddCommand(newJudgmentsCmd())
	rootCmd.AddCommand(newJudgmentsDailyCmd())
	rootCmd.AddCommand(newLegislationCmd())
	rootCmd.AddCommand(newLegislationWeeklyCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newTestEmailCmd())

	return rootCmd.Execute()
}

func newJudgmentsCmd() *cobra.Command {
	flags := &crawlFlags{}
	cmd := &cobra.Command{
		Use:   "judgments",
		Short: "Full crawl of DIFC Courts judgments and orders",
		Long:  "Scans every category and every page, downloading documents missing from storage.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.close()
			return runJudgments(a, flags, a.cfg.State.MainFile, "")
		},
	}
	flags.register(cmd)
	return cmd
}

func newJudgmentsDailyCmd() *cobra.Command {
	flags := &crawlFlags{}
	cmd := &cobra.Command{
		Use:   "judgments-daily",
		Short: "Incremental daily crawl of DIFC Courts judgments and orders",
		Long: "Runs against a working state file seeded from the main one; completed categories " +
			"stop at the first fully-seen page. New work is folded back into the main state file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.close()
			return runJudgments(a, flags, a.cfg.State.IncrementalFile, a.cfg.State.MainFile)
		},
	}
	flags.register(cmd)
	return cmd
}

// runJudgments runs one judgments crawl against statePath. When seedPath is
// set, its ledger seeds the dedup set before the run and absorbs the
// results after it.
func runJudgments(a *app, flags *crawlFlags, statePath, seedPath string) error {
	ctx, cancel := signalContext()
	defer cancel()

	cfg := a.cfg
	notifier := notify.NewEmailNotifier(cfg.Email, "UAE Judgments", a.log)
	notifier.Overrides = flags.EmailTo
	if flags.ListRecipients {
		return printRecipients(ctx, notifier)
	}

	ledger := state.New(statePath, a.log)
	if err := ledger.Load(); err != nil {
		return err
	}

	var seed *state.Ledger
	if seedPath != "" {
		seed = state.New(seedPath, a.log)
		if err := seed.Load(); err != nil {
			return err
		}
		ledger.MergeFrom(seed)
	}

	store, err := openStore(ctx, cfg, cfg.Storage.JudgmentsBucket, flags.DryRun, a.log)
	if err != nil {
		return err
	}

	sessionCfg := source.SessionConfig{
		UserAgent:   cfg.Crawl.UserAgent,
		Headless:    flags.Headless,
		NavTimeout:  cfg.Crawl.NavigationTimeout,
		DownloadDir: cfg.Crawl.DownloadDir,
	}

	listSession := source.NewSession(sessionCfg, a.log)
	if err := listSession.Start(ctx); err != nil {
		return fmt.Errorf("failed to start listing browser: %w", err)
	}
	defer listSession.Stop()

	fetchSession := source.NewSession(sessionCfg, a.log)
	if err := fetchSession.Start(ctx); err != nil {
		return fmt.Errorf("failed to start download browser: %w", err)
	}
	defer fetchSession.Stop()

	src := source.NewDIFCSource(cfg.Crawl.DIFCBaseURL, listSession, a.log)
	docs := fetcher.NewJudgmentFetcher(fetcherConfig(cfg), fetchSession, store, a.log)

	opts := crawl.Options{
		ItemDelay:       cfg.Crawl.ItemDelay,
		RecycleEvery:    cfg.Crawl.RecycleEvery,
		SeenPagesToStop: 1,
		DryRun:          flags.DryRun,
	}

	orch := crawl.New(src, docs, notifier, ledger, opts, a.log)
	_, err = orch.Run(ctx)

	ledger.Persist()
	if seed != nil && !flags.DryRun {
		seed.MergeFrom(ledger)
		seed.Persist()
	}
	return err
}

func newLegislationCmd() *cobra.Command {
	flags := &crawlFlags{}
	cmd := &cobra.Command{
		Use:   "legislation",
		Short: "Full crawl of UAE federal legislation",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.close()
			return runLegislation(a, flags, 1)
		},
	}
	flags.register(cmd)
	return cmd
}

func newLegislationWeeklyCmd() *cobra.Command {
	flags := &crawlFlags{}
	cmd := &cobra.Command{
		Use:   "legislation-weekly",
		Short: "Incremental weekly crawl of UAE federal legislation",
		Long: "Like legislation, but an incremental run only stops after two consecutive " +
			"fully-seen pages, since the table occasionally reorders within a page.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.close()
			return runLegislation(a, flags, 2)
		},
	}
	flags.register(cmd)
	return cmd
}

func runLegislation(a *app, flags *crawlFlags, seenPagesToStop int) error {
	ctx, cancel := signalContext()
	defer cancel()

	cfg := a.cfg
	notifier := notify.NewEmailNotifier(cfg.Email, "UAE Legislation", a.log)
	notifier.Overrides = flags.EmailTo
	if flags.ListRecipients {
		return printRecipients(ctx, notifier)
	}

	ledger := state.New(cfg.State.LegislationFile, a.log)
	if err := ledger.Load(); err != nil {
		return err
	}

	store, err := openStore(ctx, cfg, cfg.Storage.LegislationBucket, flags.DryRun, a.log)
	if err != nil {
		return err
	}

	sessionCfg := source.SessionConfig{
		UserAgent:   cfg.Crawl.UserAgent,
		Headless:    flags.Headless,
		NavTimeout:  cfg.Crawl.NavigationTimeout,
		DownloadDir: cfg.Crawl.DownloadDir,
	}

	listSession := source.NewSession(sessionCfg, a.log)
	if err := listSession.Start(ctx); err != nil {
		return fmt.Errorf("failed to start listing browser: %w", err)
	}
	defer listSession.Stop()

	fetchSession := source.NewSession(sessionCfg, a.log)
	if err := fetchSession.Start(ctx); err != nil {
		return fmt.Errorf("failed to start download browser: %w", err)
	}
	defer fetchSession.Stop()

	src := source.NewLegislationSource(cfg.Crawl.LegislationBaseURL, listSession, a.log)
	docs := fetcher.NewLegislationFetcher(fetcherConfig(cfg), cfg.Crawl.LegislationBaseURL, fetchSession, store, a.log)

	opts := crawl.Options{
		ItemDelay:       cfg.Crawl.ItemDelay,
		RecycleEvery:    cfg.Crawl.RecycleEvery,
		SeenPagesToStop: seenPagesToStop,
		DryRun:          flags.DryRun,
	}

	orch := crawl.New(src, docs, notifier, ledger, opts, a.log)
	_, err = orch.Run(ctx)

	ledger.Persist()
	return err
}

func newStatusCmd() *cobra.Command {
	var withStorage bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show crawl state and storage counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := signalContext()
			defer cancel()

			files := []struct {
				name string
				path string
			}{
				{"judgments (main)", a.cfg.State.MainFile},
				{"judgments (incremental)", a.cfg.State.IncrementalFile},
				{"legislation", a.cfg.State.LegislationFile},
			}
			for _, f := range files {
				l := state.New(f.path, a.log)
				if err := l.Load(); err != nil {
					fmt.Printf("%-26s %s: unreadable (%v)\n", f.name, f.path, err)
					continue
				}
				fmt.Printf("%-26s %s: %d processed, %d failed\n",
					f.name, f.path, l.ProcessedCount(), l.FailedCount())
			}

			if !withStorage {
				return nil
			}

			buckets := []struct {
				bucket   string
				prefixes []string
			}{
				{a.cfg.Storage.JudgmentsBucket, []string{storage.PrefixJudgments, storage.PrefixOrders}},
				{a.cfg.Storage.LegislationBucket, []string{storage.PrefixLegislation}},
			}
			for _, b := range buckets {
				store, err := openStore(ctx, a.cfg, b.bucket, true, a.log)
				if err != nil {
					return err
				}
				for _, prefix := range b.prefixes {
					objects, err := store.List(ctx, prefix+"/")
					if err != nil {
						return fmt.Errorf("failed to list %s/%s: %w", b.bucket, prefix, err)
					}
					fmt.Printf("%-26s s3://%s/%s/: %d objects\n", "storage", b.bucket, prefix, len(objects))
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&withStorage, "storage", false, "also count stored objects per prefix")
	return cmd
}

func newTestEmailCmd() *cobra.Command {
	var to string
	cmd := &cobra.Command{
		Use:   "test-email",
		Short: "Send a test message to verify SMTP settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := signalContext()
			defer cancel()

			if to == "" {
				to = a.cfg.Email.AdminAddress
			}
			if to == "" {
				return errors.New("no recipient: pass --to or set EMAIL_ADMIN_ADDRESS")
			}

			n := notify.NewEmailNotifier(a.cfg.Email, "UAE Crawler", a.log)
			if err := n.SendTest(ctx, to); err != nil {
				return fmt.Errorf("test email failed: %w", err)
			}
			fmt.Printf("test email sent to %s\n", to)
			return nil
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "recipient (defaults to the admin address)")
	return cmd
}

func printRecipients(ctx context.Context, n *notify.EmailNotifier) error {
	for _, r := range n.Recipients(ctx) {
		fmt.Println(r)
	}
	return nil
}

func fetcherConfig(cfg *config.Config) fetcher.Config {
	return fetcher.Config{
		UserAgent:       cfg.Crawl.UserAgent,
		MaxRetries:      cfg.Crawl.MaxRetries,
		RetryDelay:      cfg.Crawl.RetryDelay,
		DownloadTimeout: cfg.Crawl.DownloadTimeout,
		DownloadDir:     cfg.Crawl.DownloadDir,
	}
}

// openStore builds the MinIO client for a bucket. Dry runs skip bucket
// creation so they work without write access.
func openStore(ctx context.Context, cfg *config.Config, bucket string, dryRun bool, log *logger.Logger) (storage.ObjectStore, error) {
	store, err := storage.NewMinIOStore(storage.MinIOConfig{
		Endpoint:        cfg.Storage.Endpoint,
		AccessKeyID:     cfg.Storage.AccessKeyID,
		SecretAccessKey: cfg.Storage.SecretAccessKey,
		BucketName:      bucket,
		UseSSL:          cfg.Storage.UseSSL,
		Region:          cfg.Storage.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	if !dryRun {
		if err := store.InitBucket(ctx); err != nil {
			return nil, fmt.Errorf("failed to init bucket %s: %w", bucket, err)
		}
		log.Info("storage ready", "bucket", bucket)
	}
	return store, nil
}
