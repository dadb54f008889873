package config

import (
	"fmt"
	"strings"
	"time"

	"listing-crawler/pkg/filter"
	"listing-crawler/pkg/utils"
)

// Default values applied by Validate.
const (
	DefaultMaxAds         = 150
	DefaultNumWorkers     = 5
	DefaultMaxAttempts    = 3
	DefaultProbeURL       = "https://api.ipify.org?format=json"
	DefaultOutputFormat   = "xlsx"
	DefaultOutputPrefix   = "listings"
	DefaultPostgresTable  = "listings"
	DefaultRotationChance = 0.3
)

// Supported output formats.
var outputFormats = map[string]bool{"xlsx": true, "csv": true, "postgres": true}

// Validate checks AppConfig fields and applies sensible defaults.
// Returns collected warnings and any fatal error.
// Modifies receiver in place to apply defaults.
func (c *AppConfig) Validate() (warnings []string, err error) {
	if strings.TrimSpace(c.CategoriesFile) == "" {
		return warnings, utils.WrapErrorf(utils.ErrConfigValidation, "categories_file is required")
	}

	if c.MaxAds <= 0 {
		warnings = append(warnings, fmt.Sprintf("max_ads should be > 0, defaulting to %d", DefaultMaxAds))
		c.MaxAds = DefaultMaxAds
	}
	if c.NumWorkers <= 0 {
		warnings = append(warnings, fmt.Sprintf("num_workers should be > 0, defaulting to %d", DefaultNumWorkers))
		c.NumWorkers = DefaultNumWorkers
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.MaxPagesPerCategory < 0 {
		warnings = append(warnings, "max_pages_per_category cannot be negative, disabling the limit")
		c.MaxPagesPerCategory = 0
	}

	warnings = append(warnings, applyDelayDefault("retry_backoff", &c.RetryBackoff, 5*time.Second, 10*time.Second)...)
	warnings = append(warnings, applyDelayDefault("rotation_pause", &c.RotationPause, 2*time.Second, 5*time.Second)...)
	warnings = append(warnings, applyDelayDefault("courtesy_delay", &c.CourtesyDelay, 1*time.Second, 3*time.Second)...)
	warnings = append(warnings, applyDelayDefault("page_delay", &c.PageDelay, 3*time.Second, 7*time.Second)...)

	if err := c.validateRotation(); err != nil {
		return warnings, err
	}
	c.validateProbe()

	if c.MaxRequestsPerSecond < 0 {
		warnings = append(warnings, "max_requests_per_second cannot be negative, disabling the limiter")
		c.MaxRequestsPerSecond = 0
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 10 << 20
	}
	if c.StateDir == "" {
		warnings = append(warnings, "state_dir is empty, defaulting to './crawler_state'")
		c.StateDir = "./crawler_state"
	}
	if c.GlobalCrawlTimeout < 0 {
		warnings = append(warnings, "global_crawl_timeout cannot be negative, disabling timeout")
		c.GlobalCrawlTimeout = 0
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = 30 * time.Second
	}

	c.validateHTTPClientSettings()
	c.validateSelectors()

	outWarnings, err := c.validateOutput()
	warnings = append(warnings, outWarnings...)
	if err != nil {
		return warnings, err
	}

	if _, err := c.Filters.Compile(); err != nil {
		return warnings, err
	}

	return warnings, nil
}

// FilterConfig compiles the filters section. Call after Validate.
func (c *AppConfig) FilterConfig() (*filter.Config, error) {
	return c.Filters.Compile()
}

func applyDelayDefault(name string, d *DelayRange, min, max time.Duration) []string {
	if d.IsZero() {
		d.Min, d.Max = min, max
		return nil
	}
	var warnings []string
	if d.Min < 0 || d.Max < 0 {
		warnings = append(warnings, fmt.Sprintf("%s cannot be negative, defaulting to %v-%v", name, min, max))
		d.Min, d.Max = min, max
		return warnings
	}
	if d.Max < d.Min {
		warnings = append(warnings, fmt.Sprintf("%s max (%v) < min (%v), using min for both", name, d.Max, d.Min))
		d.Max = d.Min
	}
	return warnings
}

func (c *AppConfig) validateRotation() error {
	r := &c.Rotation
	if r.MinThreshold <= 0 {
		r.MinThreshold = 3
	}
	if r.MaxThreshold <= 0 {
		r.MaxThreshold = 8
	}
	if r.MaxThreshold < r.MinThreshold {
		return utils.WrapErrorf(utils.ErrConfigValidation,
			"rotation.max_threshold (%d) < rotation.min_threshold (%d)", r.MaxThreshold, r.MinThreshold)
	}
	if r.Probability == nil {
		p := DefaultRotationChance
		r.Probability = &p
	}
	if *r.Probability < 0 || *r.Probability > 1 {
		return utils.WrapErrorf(utils.ErrConfigValidation, "rotation.probability %.2f outside 0-1", *r.Probability)
	}
	return nil
}

func (c *AppConfig) validateProbe() {
	p := &c.ProxyProbe
	if p.URL == "" {
		p.URL = DefaultProbeURL
	}
	if p.Timeout <= 0 {
		p.Timeout = 5 * time.Second
	}
	if p.CacheTTL < 0 {
		p.CacheTTL = 0
	}
	if p.CacheSize <= 0 {
		p.CacheSize = 256
	}
}

// validateHTTPClientSettings applies defaults to HTTP client settings.
func (c *AppConfig) validateHTTPClientSettings() {
	h := &c.HTTPClientSettings
	if h.Timeout <= 0 {
		h.Timeout = 30 * time.Second
	}
	if h.MaxIdleConns <= 0 {
		h.MaxIdleConns = 100
	}
	if h.MaxIdleConnsPerHost <= 0 {
		h.MaxIdleConnsPerHost = 5
	}
	if h.IdleConnTimeout <= 0 {
		h.IdleConnTimeout = 90 * time.Second
	}
	if h.TLSHandshakeTimeout <= 0 {
		h.TLSHandshakeTimeout = 10 * time.Second
	}
	if h.ExpectContinueTimeout <= 0 {
		h.ExpectContinueTimeout = 1 * time.Second
	}
	if h.DialerTimeout <= 0 {
		h.DialerTimeout = 15 * time.Second
	}
	if h.DialerKeepAlive <= 0 {
		h.DialerKeepAlive = 30 * time.Second
	}
}

func (c *AppConfig) validateSelectors() {
	def := DefaultSelectors()
	s := &c.Selectors
	fill := func(dst *[]string, src []string) {
		if len(*dst) == 0 {
			*dst = src
		}
	}
	fill(&s.ListingItems, def.ListingItems)
	fill(&s.ListingItemsFallback, def.ListingItemsFallback)
	fill(&s.Title, def.Title)
	fill(&s.Description, def.Description)
	fill(&s.Price, def.Price)
	fill(&s.Location, def.Location)
	fill(&s.PublishedAt, def.PublishedAt)
	fill(&s.Views, def.Views)
	fill(&s.SellerBlock, def.SellerBlock)
	fill(&s.SellerName, def.SellerName)
	fill(&s.SellerRegistered, def.SellerRegistered)
	fill(&s.SellerAdCount, def.SellerAdCount)
	fill(&s.SellerRating, def.SellerRating)
	fill(&s.DeliveryPatterns, def.DeliveryPatterns)
	if s.ListingLink == "" {
		s.ListingLink = def.ListingLink
	}
	if s.DefaultPrice == "" {
		s.DefaultPrice = def.DefaultPrice
	}
}

func (c *AppConfig) validateOutput() (warnings []string, err error) {
	o := &c.Output
	o.Format = strings.ToLower(strings.TrimSpace(o.Format))
	if o.Format == "" {
		o.Format = DefaultOutputFormat
	}
	if !outputFormats[o.Format] {
		return warnings, utils.WrapErrorf(utils.ErrConfigValidation, "output.format %q not supported (xlsx, csv, postgres)", o.Format)
	}
	if o.Dir == "" {
		warnings = append(warnings, "output.dir is empty, defaulting to './output'")
		o.Dir = "./output"
	}
	if o.Prefix == "" {
		o.Prefix = DefaultOutputPrefix
	}
	o.Prefix = utils.SanitizeFilename(o.Prefix)
	if o.Format == "postgres" {
		if o.PostgresDSN == "" {
			return warnings, utils.WrapErrorf(utils.ErrConfigValidation, "output.postgres_dsn is required for the postgres format")
		}
		if o.PostgresTable == "" {
			o.PostgresTable = DefaultPostgresTable
		}
		if o.PostgresBatchSize <= 0 {
			o.PostgresBatchSize = 200
		}
	}
	return warnings, nil
}

// DefaultSelectors returns the built-in selectors for the classifieds markup.
func DefaultSelectors() SelectorConfig {
	return SelectorConfig{
		ListingItems: []string{
			"article.ads__unit[data-finnkode]",
			`div[data-testid="ad-item"]`,
			`article[data-testid="ad-card"]`,
		},
		ListingItemsFallback: []string{"article", `div[class*="ad"]`},
		ListingLink:          "a[href]",
		Title:                []string{`h1[data-testid="title"]`, `h1[class*="title"]`, `h1[class*="heading"]`, "h1"},
		Description:          []string{`div[data-testid="description"]`, `div[class*="description"]`, `div[class*="Description"]`},
		Price:                []string{`div[data-testid="price"]`, `div[class*="price"]`, `div[class*="Price"]`},
		Location:             []string{`div[data-testid="location"]`, `span[class*="location"]`, `span[class*="Location"]`},
		PublishedAt:          []string{`div[data-testid="published-date"]`, `time[class*="date"]`, `time[class*="timestamp"]`},
		Views:                []string{`div[data-testid="view-count"]`, `span[class*="viewcount"]`, `span[class*="views"]`},
		SellerBlock:          []string{`div[data-testid="seller-info"]`, `div[class*="seller"]`, `div[class*="profile"]`},
		SellerName:           []string{"h3", `span[class*="name"]`},
		SellerRegistered:     []string{`[data-testid="seller-registered"]`, `[class*="member-since"]`},
		SellerAdCount:        []string{`[data-testid="seller-ad-count"]`, `[class*="ad-count"]`},
		SellerRating:         []string{`[data-testid="seller-rating"]`, `[class*="rating"]`},
		DeliveryPatterns:     []string{`(?i)frakt|lever|delivery`},
		DefaultPrice:         "0 kr",
	}
}
