package models

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"listing-crawler/pkg/utils"
)

// Identity is the set of client-presentation headers sent with one request.
// It is a value type: the rotator hands out copies, so a snapshot never changes under a fetch.
type Identity struct {
	UserAgent      string
	Accept         string
	AcceptLanguage string
	Referer        string
	ForwardedFor   string // Spoofed X-Forwarded-For, empty when unset
}

// Apply writes the identity onto request headers.
func (id Identity) Apply(h http.Header) {
	set := func(k, v string) {
		if v != "" {
			h.Set(k, v)
		}
	}
	set("User-Agent", id.UserAgent)
	set("Accept", id.Accept)
	set("Accept-Language", id.AcceptLanguage)
	set("Referer", id.Referer)
	set("X-Forwarded-For", id.ForwardedFor)
	h.Set("Upgrade-Insecure-Requests", "1")
}

// ProxyEntry is one forward proxy from the proxy list.
type ProxyEntry struct {
	Scheme   string // http, https or socks5
	Host     string
	Port     string
	Username string
	Password string
}

// ParseProxyEntry accepts "host:port", "user:pass@host:port" and any of those
// prefixed with a scheme ("socks5://host:port").
func ParseProxyEntry(line string) (ProxyEntry, error) {
	raw := strings.TrimSpace(line)
	if raw == "" {
		return ProxyEntry{}, utils.WrapErrorf(utils.ErrParsing, "empty proxy line")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ProxyEntry{}, utils.WrapErrorf(utils.ErrParsing, "proxy URL %q: %v", line, err)
	}
	switch u.Scheme {
	case "http", "https", "socks5":
	default:
		return ProxyEntry{}, utils.WrapErrorf(utils.ErrParsing, "proxy %q: unsupported scheme %q", line, u.Scheme)
	}
	host, port, err := net.SplitHostPort(u.Host)
	if err != nil || host == "" {
		return ProxyEntry{}, utils.WrapErrorf(utils.ErrParsing, "proxy %q: expected host:port", line)
	}
	if p, err := strconv.Atoi(port); err != nil || p <= 0 || p > 65535 {
		return ProxyEntry{}, utils.WrapErrorf(utils.ErrParsing, "proxy %q: invalid port %q", line, port)
	}
	entry := ProxyEntry{Scheme: u.Scheme, Host: host, Port: port}
	if u.User != nil {
		entry.Username = u.User.Username()
		entry.Password, _ = u.User.Password()
	}
	return entry, nil
}

// URL returns the proxy as a URL usable by http.Transport.
func (p ProxyEntry) URL() *url.URL {
	u := &url.URL{Scheme: p.Scheme, Host: net.JoinHostPort(p.Host, p.Port)}
	if u.Scheme == "" {
		u.Scheme = "http"
	}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u
}

// String is safe for logs: credentials are never included.
func (p ProxyEntry) String() string {
	scheme := p.Scheme
	if scheme == "" {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(p.Host, p.Port))
}

// SellerInfo describes the seller of one ad. Nil pointers mean the value was not
// found on the page; nothing is ever filled in with a guess.
type SellerInfo struct {
	Name         string     // Empty when unknown
	RegisteredAt *time.Time // Account registration date
	AdCount      *int       // Number of active ads
	Rating       *float64   // 0.0 - 5.0
}

// ListingStub is a detail-page reference taken from a listing page.
type ListingStub struct {
	URL      string
	Category string // Category URL the stub was found under
	Page     int
}

// AdRecord is one fully enriched ad. It is immutable once the enrichment pool hands it back.
type AdRecord struct {
	Title       string
	Description string
	PriceRaw    string // As displayed, e.g. "12 500 kr"
	URL         string
	Location    string
	PublishedAt string // As displayed on the page
	Views       int
	Delivery    bool
	Seller      SellerInfo
	ScrapedAt   time.Time
}

// PriceValue is the numeric view of PriceRaw: every non-digit is stripped.
// ok is false when no digit remains.
func (r AdRecord) PriceValue() (float64, bool) {
	digits := utils.DigitsOnly(r.PriceRaw)
	if digits == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(digits, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// AdDBEntry stores the processing result of an ad URL in the state store
type AdDBEntry struct {
	Status      AdStatus  `json:"status"`
	Category    string    `json:"category,omitempty"`
	ErrorType   string    `json:"error_type,omitempty"`   // Error category (on failure)
	Reason      string    `json:"reason,omitempty"`       // Filter rejection reason
	ProcessedAt time.Time `json:"processed_at,omitempty"` // Timestamp of the final outcome
	LastAttempt time.Time `json:"last_attempt"`
}

// CrawlResult summarises one finished run.
type CrawlResult struct {
	RunID             string     `yaml:"run_id"`
	StartTime         time.Time  `yaml:"start_time"`
	EndTime           time.Time  `yaml:"end_time"`
	StopReason        StopReason `yaml:"stop_reason"`
	Cap               int        `yaml:"cap"`
	Accepted          int        `yaml:"accepted"`
	Rejected          int        `yaml:"rejected"`
	Discarded         int        `yaml:"discarded"`  // Accepted by the filters after the cap was already met
	Duplicates        int        `yaml:"duplicates"` // Stubs skipped because they were already seen
	DetailFailures    int        `yaml:"detail_failures"`
	RequestsSucceeded int64      `yaml:"requests_succeeded"`
	RequestsFailed    int64      `yaml:"requests_failed"`
	CategoriesVisited int        `yaml:"categories_visited"`
	PagesVisited      int        `yaml:"pages_visited"`
	OutputPath        string     `yaml:"output_path,omitempty"`
	Records           []AdRecord `yaml:"-"`
}

// Duration is the wall-clock length of the run.
func (r *CrawlResult) Duration() time.Duration {
	if r.EndTime.IsZero() {
		return time.Since(r.StartTime)
	}
	return r.EndTime.Sub(r.StartTime)
}
