package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"listing-crawler/pkg/config"
	"listing-crawler/pkg/crawl"
	"listing-crawler/pkg/enrich"
	"listing-crawler/pkg/export"
	"listing-crawler/pkg/extract"
	"listing-crawler/pkg/fetch"
	"listing-crawler/pkg/filter"
	applog "listing-crawler/pkg/log"
	"listing-crawler/pkg/metrics"
	"listing-crawler/pkg/models"
	"listing-crawler/pkg/rotate"
	"listing-crawler/pkg/storage"
	"listing-crawler/pkg/utils"
)

const (
	exitOK     = 0
	exitFailed = 1
	exitConfig = 2
)

// cliFlags holds parsed command line values. Filter and cap flags override the config file only when given.
type cliFlags struct {
	ConfigPath   string
	LogLevel     string
	Resume       bool
	MetricsAddr  string
	WriteSeenLog bool
	Format       string
	MaxAds       int
	Price        string
	SellerAds    string
	RegDate      string
	MinRating    string
	Delivery     bool

	set map[string]bool
}

func parseFlags(args []string, stderr io.Writer) (*cliFlags, error) {
	fs := flag.NewFlagSet("crawler", flag.ContinueOnError)
	fs.SetOutput(stderr)
	f := &cliFlags{set: make(map[string]bool)}

	fs.StringVar(&f.ConfigPath, "config", "config.yaml", "Path to YAML config file")
	fs.StringVar(&f.LogLevel, "loglevel", "info", "Log level (trace, debug, info, warn, error)")
	fs.BoolVar(&f.Resume, "resume", false, "Keep the seen-ads database from the previous run")
	fs.StringVar(&f.MetricsAddr, "metrics-addr", "", "Address for the /metrics and pprof endpoint (e.g. ':9090'); overrides config")
	fs.BoolVar(&f.WriteSeenLog, "write-seen-log", false, "Write every stored ad URL with its status after the run")
	fs.StringVar(&f.Format, "format", "", "Output format: xlsx, csv or postgres; overrides config")
	fs.IntVar(&f.MaxAds, "max-ads", 0, "Cap on accepted ads; overrides config")
	fs.StringVar(&f.Price, "price", "", "Price range, e.g. '100-80000' or a minimum '500'")
	fs.StringVar(&f.SellerAds, "seller-ads", "", "Seller active ad count, e.g. '5' (max) or '2-10'")
	fs.StringVar(&f.RegDate, "reg-date", "", "Seller registration date 'DD-MM-YYYY' or range 'DD-MM-YYYY:DD-MM-YYYY'")
	fs.StringVar(&f.MinRating, "min-rating", "", "Minimum seller rating (0-5)")
	fs.BoolVar(&f.Delivery, "delivery", false, "Only ads that offer delivery")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	fs.Visit(func(fl *flag.Flag) { f.set[fl.Name] = true })
	return f, nil
}

// applyOverrides copies explicitly given flags onto cfg before validation.
func applyOverrides(cfg *config.AppConfig, f *cliFlags) error {
	if f.set["metrics-addr"] {
		cfg.MetricsAddr = f.MetricsAddr
	}
	if f.set["format"] {
		cfg.Output.Format = f.Format
	}
	if f.set["max-ads"] {
		cfg.MaxAds = f.MaxAds
	}
	if f.set["price"] {
		cfg.Filters.Price = f.Price
	}
	if f.set["seller-ads"] {
		cfg.Filters.SellerAds = f.SellerAds
	}
	if f.set["reg-date"] {
		cfg.Filters.RegDate = f.RegDate
		cfg.Filters.RegDateFrom = ""
		cfg.Filters.RegDateTo = ""
	}
	if f.set["min-rating"] {
		v, err := strconv.ParseFloat(f.MinRating, 64)
		if err != nil {
			return utils.WrapErrorf(utils.ErrConfigValidation, "-min-rating %q is not a number", f.MinRating)
		}
		cfg.Filters.MinRating = &v
	}
	if f.set["delivery"] {
		cfg.Filters.Delivery = f.Delivery
	}
	return nil
}

// inputs are the validated files the crawl needs before any network activity
type inputs struct {
	categories []string
	proxies    []models.ProxyEntry
	blacklist  filter.Blacklist
	filters    *filter.Config
}

func loadInputs(cfg *config.AppConfig, log *logrus.Logger) (*inputs, error) {
	categories, warnings, err := config.LoadCategories(cfg.CategoriesFile)
	for _, w := range warnings {
		log.Warn(w)
	}
	if err != nil {
		return nil, err
	}
	proxies, warnings, err := config.LoadProxies(cfg.ProxiesFile)
	for _, w := range warnings {
		log.Warn(w)
	}
	if err != nil {
		return nil, err
	}
	blacklist, err := config.LoadBlacklist(cfg.BlacklistFile)
	if err != nil {
		return nil, err
	}
	filters, err := cfg.FilterConfig()
	if err != nil {
		return nil, err
	}
	return &inputs{categories: categories, proxies: proxies, blacklist: blacklist, filters: filters}, nil
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags, err := parseFlags(args, os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}

	log, err := applog.New(flags.LogLevel, os.Stderr)
	if err != nil {
		log.Warnf("Invalid log level '%s', using 'info': %v", flags.LogLevel, err)
	}

	// --- Configuration (fatal before any network activity) ---
	log.Infof("Loading configuration from %s", flags.ConfigPath)
	cfg, err := config.LoadFile(flags.ConfigPath)
	if err != nil {
		log.Errorf("Configuration error: %v", err)
		return exitConfig
	}
	if err := applyOverrides(cfg, flags); err != nil {
		log.Errorf("Configuration error: %v", err)
		return exitConfig
	}
	warnings, err := cfg.Validate()
	for _, w := range warnings {
		log.Warn(w)
	}
	if err != nil {
		log.Errorf("Configuration error: %v", err)
		return exitConfig
	}
	in, err := loadInputs(cfg, log)
	if err != nil {
		log.Errorf("Input error: %v", err)
		return exitConfig
	}
	logEffectiveConfig(cfg, in, log)

	// --- Context & signals ---
	var ctx context.Context
	var cancel context.CancelFunc
	if cfg.GlobalCrawlTimeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), cfg.GlobalCrawlTimeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		sig, ok := <-sigChan
		if !ok {
			return
		}
		log.Warnf("Received %v, stopping after the current step and exporting what was collected...", sig)
		cancel()
		select {
		case sig = <-sigChan:
			log.Warnf("Received second signal %v, forcing exit", sig)
			os.Exit(exitFailed)
		case <-time.After(60 * time.Second):
			log.Warn("Graceful shutdown period exceeded, forcing exit")
			os.Exit(exitFailed)
		}
	}()

	// --- Components ---
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rnd := utils.NewLockedRand(seed)
	m := metrics.New()
	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, m, log)
	}

	probability := config.DefaultRotationChance
	if cfg.Rotation.Probability != nil {
		probability = *cfg.Rotation.Probability
	}
	rotator := rotate.NewRotator(rotate.Settings{
		MinThreshold: cfg.Rotation.MinThreshold,
		MaxThreshold: cfg.Rotation.MaxThreshold,
		Probability:  probability,
		UserAgents:   cfg.Rotation.UserAgents,
		Referer:      cfg.Rotation.Referer,
	}, in.proxies, rnd, log.WithField("component", "rotator"))

	client := fetch.NewClient(cfg.HTTPClientSettings, log.WithField("component", "http"))
	execOpts := []fetch.Option{fetch.WithMetrics(m)}
	if n := rotator.ProxyCount(); n == 0 {
		log.Info("No proxies loaded, using direct connections")
	} else {
		log.Infof("Rotating across %d proxies", n)
	}
	if rotator.ProxyCount() > 0 && cfg.ProxyProbe.IsEnabled() {
		execOpts = append(execOpts, fetch.WithProber(fetch.NewProber(cfg.ProxyProbe, log.WithField("component", "prober"))))
	}
	if cfg.RespectRobotsTxt {
		execOpts = append(execOpts, fetch.WithRobots(fetch.NewRobotsPolicy(client, log.WithField("component", "robots"))))
	}
	executor := fetch.NewExecutor(client, cfg, rotator, rnd, log.WithField("component", "executor"), execOpts...)

	extractor, err := extract.NewSelectorExtractor(cfg.Selectors, log.WithField("component", "extract"))
	if err != nil {
		log.Errorf("Selector configuration error: %v", err)
		return exitConfig
	}

	accept := func(rec models.AdRecord) (bool, filter.Reason) {
		return filter.Evaluate(rec, in.filters, in.blacklist)
	}
	pool := enrich.NewPool(executor, extractor, accept, enrich.Config{
		Width:       cfg.NumWorkers,
		CourtesyMin: cfg.CourtesyDelay.Min,
		CourtesyMax: cfg.CourtesyDelay.Max,
	}, rnd, log.WithField("component", "enrich"), enrich.WithMetrics(m))

	store, err := storage.NewBadgerStore(ctx, cfg.StateDir, "listings", flags.Resume, log.WithField("component", "store"))
	if err != nil {
		log.Errorf("Failed to open seen-ads database: %v", err)
		return exitFailed
	}
	defer store.Close()
	go store.RunGC(ctx, 10*time.Minute)
	if flags.Resume {
		logResumeState(ctx, store, log)
	}

	naming := export.Naming{Dir: cfg.Output.Dir, Prefix: cfg.Output.Prefix, Stamp: time.Now()}
	exporter, err := export.NewExporter(cfg.Output, naming, log.WithField("component", "export"))
	if err != nil {
		log.Errorf("Output configuration error: %v", err)
		return exitConfig
	}

	driver := crawl.NewDriver(crawl.Options{
		Categories:          in.categories,
		MaxAds:              cfg.MaxAds,
		MaxPagesPerCategory: cfg.MaxPagesPerCategory,
		PageDelayMin:        cfg.PageDelay.Min,
		PageDelayMax:        cfg.PageDelay.Max,
		ProgressInterval:    cfg.ProgressInterval,
		Naming:              naming,
		WriteSummary:        cfg.Output.SummaryEnabled(),
	}, executor, extractor, pool, exporter, rnd, log.WithField("component", "crawl"),
		crawl.WithStore(store),
		crawl.WithRequestCounter(executor),
		crawl.WithMetrics(m),
	)

	// --- Run ---
	result, runErr := driver.Run(ctx)

	if flags.WriteSeenLog {
		seenPath := filepath.Join(cfg.Output.Dir, utils.SanitizeFilename(cfg.Output.Prefix)+"_seen.txt")
		if err := store.WriteSeenLog(seenPath); err != nil && !errors.Is(err, context.Canceled) {
			log.Errorf("Failed to write seen log: %v", err)
		}
	}

	if runErr != nil {
		log.Errorf("Crawl finished with error: %v", runErr)
		return exitFailed
	}
	log.WithFields(logrus.Fields{
		"output":             result.OutputPath,
		"accepted":           result.Accepted,
		"requests_succeeded": result.RequestsSucceeded,
		"requests_failed":    result.RequestsFailed,
		"rotations":          rotator.Rotations(),
		"known_ads":          seenCount(store),
		"elapsed":            result.Duration().Round(time.Second).String(),
	}).Infof("Done (%s)", result.StopReason)
	return exitOK
}

func serveMetrics(addr string, m *metrics.Metrics, log *logrus.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	log.Infof("Serving metrics on http://%s/metrics", addr)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Errorf("Metrics server on %s failed: %v", addr, err)
	}
}

func logResumeState(ctx context.Context, store storage.StoreAdmin, log *logrus.Logger) {
	known, _ := store.GetSeenCount()
	if known == 0 {
		log.Info("Resuming: seen-ads database is empty")
		return
	}
	counts, scanErrors, err := store.CountByStatus(ctx)
	if err != nil {
		log.Warnf("Could not scan seen-ads database: %v", err)
		return
	}
	fields := logrus.Fields{"known": known, "scan_errors": scanErrors}
	for status, n := range counts {
		fields[status.String()] = n
	}
	log.WithFields(fields).Info("Resuming: previously seen ads")
}

func seenCount(store storage.StoreAdmin) int {
	n, err := store.GetSeenCount()
	if err != nil {
		return -1
	}
	return n
}

func logEffectiveConfig(cfg *config.AppConfig, in *inputs, log *logrus.Logger) {
	log.Infof("Config: categories:%d proxies:%d blacklist:%d max_ads:%d workers:%d attempts:%d",
		len(in.categories), len(in.proxies), len(in.blacklist), cfg.MaxAds, cfg.NumWorkers, cfg.MaxAttempts)
	log.Infof("Config delays: backoff:%s rotation_pause:%s courtesy:%s page:%s",
		cfg.RetryBackoff, cfg.RotationPause, cfg.CourtesyDelay, cfg.PageDelay)
	log.Infof("Config output: format:%s dir:%s prefix:%s summary:%t",
		cfg.Output.Format, cfg.Output.Dir, cfg.Output.Prefix, cfg.Output.SummaryEnabled())
	if in.filters.IsEmpty() {
		log.Info("Config filters: none (blacklist still applies)")
	} else {
		log.Infof("Config filters: %+v", cfg.Filters)
	}
}
