package fetch

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/temoto/robotstxt"
	"golang.org/x/sync/singleflight"
)

// RobotsPolicy fetches, caches and evaluates robots.txt per host.
type RobotsPolicy struct {
	client  *http.Client
	cache   map[string]*robotstxt.RobotsData // host -> parsed data (nil = allow all)
	cacheMu sync.Mutex
	group   singleflight.Group // Collapses concurrent fetches for the same host
	log     *logrus.Entry
}

// NewRobotsPolicy creates a RobotsPolicy using client for robots.txt requests.
func NewRobotsPolicy(client *http.Client, log *logrus.Entry) *RobotsPolicy {
	return &RobotsPolicy{
		client: client,
		cache:  make(map[string]*robotstxt.RobotsData),
		log:    log.WithField("component", "robots"),
	}
}

// Allowed reports whether userAgent may fetch target. Missing or unreadable
// robots.txt files allow everything.
func (rp *RobotsPolicy) Allowed(ctx context.Context, target *url.URL, userAgent string) bool {
	data := rp.robotsData(ctx, target)
	if data == nil {
		return true
	}
	return data.TestAgent(target.RequestURI(), userAgent)
}

func (rp *RobotsPolicy) robotsData(ctx context.Context, target *url.URL) *robotstxt.RobotsData {
	host := target.Host

	rp.cacheMu.Lock()
	data, found := rp.cache[host]
	rp.cacheMu.Unlock()
	if found {
		return data
	}

	v, _, _ := rp.group.Do(host, func() (any, error) {
		data := rp.fetch(ctx, target)
		rp.cacheMu.Lock()
		rp.cache[host] = data
		rp.cacheMu.Unlock()
		return data, nil
	})
	return v.(*robotstxt.RobotsData)
}

func (rp *RobotsPolicy) fetch(ctx context.Context, target *url.URL) *robotstxt.RobotsData {
	scheme := target.Scheme
	if scheme != "http" && scheme != "https" {
		scheme = "https"
	}
	robotsURL := (&url.URL{Scheme: scheme, Host: target.Host, Path: "/robots.txt"}).String()
	robotsLog := rp.log.WithField("robots_url", robotsURL)
	robotsLog.Info("Fetching robots.txt...")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		robotsLog.Errorf("Error creating request: %v", err)
		return nil
	}
	resp, err := rp.client.Do(req)
	if err != nil {
		robotsLog.Warnf("Fetching robots.txt failed, allowing all: %v", err)
		return nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 512<<10))
	if err != nil {
		robotsLog.Warnf("Error reading robots.txt body, allowing all: %v", err)
		return nil
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		robotsLog.Warnf("Error parsing robots.txt, allowing all: %v", err)
		return nil
	}
	robotsLog.WithField("status_code", resp.StatusCode).Info("robots.txt loaded")
	return data
}
