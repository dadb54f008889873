package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"listing-crawler/pkg/filter"
	"listing-crawler/pkg/utils"
)

// AppConfig holds the global application configuration
type AppConfig struct {
	CategoriesFile       string           `yaml:"categories_file"`                  // One category listing URL per line
	ProxiesFile          string           `yaml:"proxies_file,omitempty"`           // Optional; empty or missing = direct connections
	BlacklistFile        string           `yaml:"blacklist_file,omitempty"`         // Optional; JSON array or one name per line
	MaxAds               int              `yaml:"max_ads"`                          // Global cap on accepted records
	NumWorkers           int              `yaml:"num_workers"`                      // Enrichment pool width
	MaxAttempts          int              `yaml:"max_attempts"`                     // Attempts per URL
	MaxPagesPerCategory  int              `yaml:"max_pages_per_category,omitempty"` // 0 = until an empty page
	RetryBackoff         DelayRange       `yaml:"retry_backoff,omitempty"`
	RotationPause        DelayRange       `yaml:"rotation_pause,omitempty"` // Extra pause after a forced rotation
	CourtesyDelay        DelayRange       `yaml:"courtesy_delay,omitempty"` // After each accepted record
	PageDelay            DelayRange       `yaml:"page_delay,omitempty"`     // Between listing pages
	Rotation             RotationConfig   `yaml:"rotation,omitempty"`
	ProxyProbe           ProbeConfig      `yaml:"proxy_probe,omitempty"`
	MaxRequestsPerSecond float64          `yaml:"max_requests_per_second,omitempty"` // 0 = unlimited
	RespectRobotsTxt     bool             `yaml:"respect_robots_txt,omitempty"`
	MaxBodyBytes         int64            `yaml:"max_body_bytes,omitempty"`
	StateDir             string           `yaml:"state_dir"`
	GlobalCrawlTimeout   time.Duration    `yaml:"global_crawl_timeout,omitempty"`
	ProgressInterval     time.Duration    `yaml:"progress_interval,omitempty"`
	MetricsAddr          string           `yaml:"metrics_addr,omitempty"` // e.g. ":9090"; empty disables the endpoint
	Seed                 int64            `yaml:"seed,omitempty"`         // Non-zero makes random draws reproducible
	HTTPClientSettings   HTTPClientConfig `yaml:"http_client_settings,omitempty"`
	Output               OutputConfig     `yaml:"output,omitempty"`
	Selectors            SelectorConfig   `yaml:"selectors,omitempty"`
	Filters              filter.Spec      `yaml:"filters,omitempty"`
}

// DelayRange is a closed interval a random pause is drawn from.
type DelayRange struct {
	Min time.Duration `yaml:"min"`
	Max time.Duration `yaml:"max"`
}

// IsZero reports whether neither bound is set.
func (d DelayRange) IsZero() bool { return d.Min == 0 && d.Max == 0 }

func (d DelayRange) String() string { return fmt.Sprintf("%v-%v", d.Min, d.Max) }

// RotationConfig controls scheduled identity rotation.
type RotationConfig struct {
	MinThreshold int      `yaml:"min_threshold,omitempty"`
	MaxThreshold int      `yaml:"max_threshold,omitempty"`
	Probability  *float64 `yaml:"probability,omitempty"` // Pointer: 0 is a valid explicit value
	UserAgents   []string `yaml:"user_agents,omitempty"`
	Referer      string   `yaml:"referer,omitempty"`
}

// ProbeConfig controls the proxy liveness probe.
type ProbeConfig struct {
	Enabled   *bool         `yaml:"enabled,omitempty"` // nil = enabled
	URL       string        `yaml:"url,omitempty"`
	Timeout   time.Duration `yaml:"timeout,omitempty"`
	CacheTTL  time.Duration `yaml:"cache_ttl,omitempty"` // 0 disables caching: every attempt probes
	CacheSize int           `yaml:"cache_size,omitempty"`
}

// IsEnabled resolves the tri-state Enabled flag.
func (p ProbeConfig) IsEnabled() bool { return p.Enabled == nil || *p.Enabled }

// OutputConfig selects where accepted records go.
type OutputConfig struct {
	Dir               string `yaml:"dir"`
	Format            string `yaml:"format"` // xlsx, csv or postgres
	Prefix            string `yaml:"prefix,omitempty"`
	PostgresDSN       string `yaml:"postgres_dsn,omitempty"`
	PostgresTable     string `yaml:"postgres_table,omitempty"`
	PostgresBatchSize int    `yaml:"postgres_batch_size,omitempty"`
	WriteSummary      *bool  `yaml:"write_summary,omitempty"` // nil = true
}

// SummaryEnabled resolves the tri-state WriteSummary flag.
func (o OutputConfig) SummaryEnabled() bool { return o.WriteSummary == nil || *o.WriteSummary }

// HTTPClientConfig holds settings for the shared HTTP client
type HTTPClientConfig struct {
	Timeout               time.Duration `yaml:"timeout,omitempty"`                 // Per-attempt request timeout
	MaxIdleConns          int           `yaml:"max_idle_conns,omitempty"`          // Max total idle connections
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host,omitempty"` // Max idle connections per host
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout,omitempty"`       // Timeout for idle connections
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout,omitempty"`   // Timeout for TLS handshake
	ExpectContinueTimeout time.Duration `yaml:"expect_continue_timeout,omitempty"` // Timeout for 100-continue
	ForceAttemptHTTP2     *bool         `yaml:"force_attempt_http2,omitempty"`     // nil=default, true=force, false=disable
	DialerTimeout         time.Duration `yaml:"dialer_timeout,omitempty"`          // Connection dial timeout
	DialerKeepAlive       time.Duration `yaml:"dialer_keep_alive,omitempty"`       // TCP keep-alive interval
}

// SelectorConfig holds the CSS selectors used to pull data out of listing and detail pages.
// Each list is tried in order; the first selector that matches wins.
type SelectorConfig struct {
	ListingItems         []string `yaml:"listing_items,omitempty"`
	ListingItemsFallback []string `yaml:"listing_items_fallback,omitempty"`
	ListingLink          string   `yaml:"listing_link,omitempty"`
	Title                []string `yaml:"title,omitempty"`
	Description          []string `yaml:"description,omitempty"`
	Price                []string `yaml:"price,omitempty"`
	Location             []string `yaml:"location,omitempty"`
	PublishedAt          []string `yaml:"published_at,omitempty"`
	Views                []string `yaml:"views,omitempty"`
	SellerBlock          []string `yaml:"seller_block,omitempty"`
	SellerName           []string `yaml:"seller_name,omitempty"`
	SellerRegistered     []string `yaml:"seller_registered,omitempty"`
	SellerAdCount        []string `yaml:"seller_ad_count,omitempty"`
	SellerRating         []string `yaml:"seller_rating,omitempty"`
	DeliveryPatterns     []string `yaml:"delivery_patterns,omitempty"`
	DescriptionMarkdown  bool     `yaml:"description_markdown,omitempty"`
	DefaultPrice         string   `yaml:"default_price,omitempty"`
}

// LoadFile reads and parses a YAML configuration file. It does not validate.
func LoadFile(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading config file '%s': %w", utils.ErrFilesystem, path, err)
	}
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing config file '%s': %w", utils.ErrParsing, path, err)
	}
	return &cfg, nil
}
