package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/civil"

	"yta-ingest/catalog"
	"yta-ingest/config"
	"yta-ingest/fetcher"
	"yta-ingest/metrics"
	"yta-ingest/runner"
	"yta-ingest/services"
	"yta-ingest/source/youtube"
	"yta-ingest/storage"
	"yta-ingest/utils"
)

func main() {
	start := flag.String("start", "", "window start YYYY-MM-DD (needs --end)")
	end := flag.String("end", "", "window end YYYY-MM-DD (needs --start)")
	reports := flag.String("reports", "", "reports to run, comma or space separated (default: all)")
	flag.Parse()

	logger := utils.NewLogger()
	defer logger.Sync()
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	override, err := services.ParseOverrides(*start, *end)
	if err != nil {
		logger.Error("%v", err)
		os.Exit(2)
	}
	if override == nil && (*start != "" || *end != "") {
		logger.Warn("Only one of --start/--end given, ignoring both")
	}

	loc, err := time.LoadLocation(cfg.CaptureTimezone)
	if err != nil {
		logger.Error("Invalid CAPTURE_TIMEZONE %q: %v", cfg.CaptureTimezone, err)
		os.Exit(1)
	}
	fallback, err := civil.ParseDate(cfg.FallbackStartDate)
	if err != nil {
		logger.Error("Invalid FALLBACK_START_DATE %q: %v", cfg.FallbackStartDate, err)
		os.Exit(1)
	}
	today := func() civil.Date { return civil.DateOf(time.Now().In(loc)) }

	cat := catalog.Default()
	if cfg.CatalogFile != "" {
		if cat, err = cat.LoadOverrides(cfg.CatalogFile); err != nil {
			logger.Error("Catalog overrides: %v", err)
			os.Exit(1)
		}
	}
	ids := splitIDs(*reports, flag.Args())
	if _, err := cat.Select(ids); err != nil {
		logger.Error("%v (known: %s)", err, strings.Join(cat.IDs(), ", "))
		os.Exit(2)
	}

	logger.Info("=== YouTube Analytics ingest starting ===")
	logger.Info("Config | output: %s | zone: %s | lookback: %dd | retries: %d | rate: %dms",
		cfg.OutputDir, cfg.CaptureTimezone, cfg.RollingLookbackDays, cfg.MaxRetries, cfg.RateLimitMs)

	ts, err := youtube.LoadTokenSource(ctx, cfg.ClientSecretPath, cfg.TokenPath)
	if err != nil {
		logger.Error("Credentials: %v", err)
		os.Exit(1)
	}
	analytics, err := youtube.NewAnalyticsClient(ctx, ts, cfg.ChannelIDs)
	if err != nil {
		logger.Error("%v", err)
		os.Exit(1)
	}

	store, err := storage.NewCSVStore(cfg.OutputDir, logger, today)
	if err != nil {
		logger.Error("%v", err)
		os.Exit(1)
	}

	collector := metrics.NewCollector()
	deps := runner.Deps{
		Catalog: cat,
		Client:  analytics,
		Fetcher: fetcher.New(analytics, logger,
			fetcher.WithPacer(utils.NewPacer(cfg.RateLimitMs)),
			fetcher.WithMetrics(collector),
			fetcher.WithDefaultPageSize(cfg.DefaultPageSize)),
		Resolver:   services.NewWindowResolver(logger, cfg.RollingLookbackDays, fallback, today),
		Normalizer: services.NewNormalizer(logger, loc),
		Store:      store,
		Metrics:    collector,
		Retry: &utils.RetryConfig{
			MaxAttempts: cfg.MaxRetries,
			BaseDelay:   2 * time.Second,
			Logger:      logger,
		},
		Logger: logger,
	}

	// Channel metadata is optional; without it windows fall back to defaults.
	if channels, err := youtube.NewChannelClient(ctx, ts, logger); err != nil {
		logger.Warn("Data API unavailable: %v", err)
	} else {
		deps.Channels = append(deps.Channels, channels)
		deps.Items = channels
	}
	if cfg.ChannelURL != "" {
		deps.Channels = append(deps.Channels, youtube.NewAboutPageProbe(cfg.ChannelURL, cfg.ChromeBin, logger))
	}

	if cfg.LedgerPath != "" {
		ledger, err := storage.NewLedger(cfg.LedgerPath)
		if err != nil {
			logger.Error("Run ledger: %v", err)
			os.Exit(1)
		}
		defer ledger.Close()
		deps.Recorder = ledger
	}
	if cfg.PostgresDSN != "" {
		if pg, err := storage.NewPostgresMirror(ctx, cfg.PostgresDSN); err != nil {
			logger.Warn("PostgreSQL mirror disabled: %v", err)
		} else {
			defer pg.Close()
			deps.Mirrors = append(deps.Mirrors, pg)
		}
	}
	if cfg.ArchiveEnabled() {
		archive, err := storage.NewObjectArchive(ctx, storage.ArchiveConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			Prefix:    cfg.MinioPrefix,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			logger.Warn("Object archive disabled: %v", err)
		} else {
			deps.Mirrors = append(deps.Mirrors, archive)
		}
	}

	summary, err := runner.New(deps).Run(ctx, runner.Request{ReportIDs: ids, Override: override})
	if err != nil {
		var unknown *catalog.UnknownReportError
		if errors.As(err, &unknown) {
			os.Exit(2)
		}
		logger.Error("Run failed: %v", err)
		os.Exit(1)
	}

	if cfg.MetricsTextfile != "" {
		if err := collector.WriteTextfile(cfg.MetricsTextfile); err != nil {
			logger.Warn("Metrics textfile: %v", err)
		}
	}

	summarySvc := services.NewSummaryService(logger)
	summarySvc.Print(summary, summarySvc.Generate(summary))

	fmt.Printf("  Done. Canonical tables in %s (%d of %d reports ok)\n\n",
		cfg.OutputDir, len(summary.Outcomes)-summary.Failed(), len(summary.Outcomes))
}

// splitIDs accepts "--reports day,country", "--reports 'day country'" and trailing ids.
func splitIDs(flagValue string, rest []string) []string {
	fields := strings.FieldsFunc(flagValue, func(r rune) bool { return r == ',' || r == ' ' })
	for _, arg := range rest {
		fields = append(fields, strings.FieldsFunc(arg, func(r rune) bool { return r == ',' || r == ' ' })...)
	}
	return fields
}
