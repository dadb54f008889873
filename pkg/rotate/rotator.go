// Package rotate owns the client identity and proxy selection shared by every fetch.
package rotate

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"listing-crawler/pkg/models"
	"listing-crawler/pkg/utils"
)

const (
	defaultAccept         = "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8"
	defaultAcceptLanguage = "en-US,en;q=0.5,nb;q=0.3"
	defaultReferer        = "https://www.google.com/"
)

// Settings controls when scheduled rotations happen.
type Settings struct {
	MinThreshold int     // Lower bound for the redrawn request threshold
	MaxThreshold int     // Upper bound for the redrawn request threshold
	Probability  float64 // Chance of rotating on any single check
	UserAgents   []string
	Referer      string
}

// Rotator hands out identity snapshots and proxies, and decides when to rotate.
// All methods are safe for concurrent use.
type Rotator struct {
	settings Settings
	proxies  []models.ProxyEntry // Read-only after construction
	rnd      utils.Rand
	log      *logrus.Entry

	mu        sync.Mutex
	identity  models.Identity
	counter   int
	threshold int

	rotations atomic.Int64
}

// NewRotator creates a rotator with a freshly generated identity.
func NewRotator(settings Settings, proxies []models.ProxyEntry, rnd utils.Rand, log *logrus.Entry) *Rotator {
	if settings.MinThreshold <= 0 {
		settings.MinThreshold = 3
	}
	if settings.MaxThreshold < settings.MinThreshold {
		settings.MaxThreshold = settings.MinThreshold
	}
	if len(settings.UserAgents) == 0 {
		settings.UserAgents = DefaultUserAgents
	}
	if settings.Referer == "" {
		settings.Referer = defaultReferer
	}
	r := &Rotator{
		settings: settings,
		proxies:  append([]models.ProxyEntry(nil), proxies...),
		rnd:      rnd,
		log:      log.WithField("component", "rotator"),
	}
	r.identity = r.newIdentity()
	r.threshold = r.drawThreshold()
	return r
}

// CurrentIdentity returns a snapshot of the identity in effect.
func (r *Rotator) CurrentIdentity() models.Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.identity
}

// SelectProxy picks a proxy uniformly at random. ok is false when no proxies are loaded.
func (r *Rotator) SelectProxy() (proxy models.ProxyEntry, ok bool) {
	if len(r.proxies) == 0 {
		return models.ProxyEntry{}, false
	}
	return r.proxies[r.rnd.Intn(len(r.proxies))], true
}

// ProxyCount returns the number of loaded proxies.
func (r *Rotator) ProxyCount() int { return len(r.proxies) }

// NotifyRotationCheck is called once per fetch attempt. It advances the request
// counter and rotates when the threshold is reached or the per-attempt draw hits.
func (r *Rotator) NotifyRotationCheck() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.counter++
	if r.counter >= r.threshold {
		r.rotateLocked("threshold")
		return true
	}
	if r.rnd.Float64() < r.settings.Probability {
		r.rotateLocked("random")
		return true
	}
	return false
}

// Rotate forces a rotation, used after a blocking response or transport error.
func (r *Rotator) Rotate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rotateLocked("forced")
}

// State returns the current counter and threshold.
func (r *Rotator) State() (counter, threshold int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counter, r.threshold
}

// Rotations returns how many rotations happened so far.
func (r *Rotator) Rotations() int64 { return r.rotations.Load() }

func (r *Rotator) rotateLocked(reason string) {
	r.identity = r.newIdentity()
	r.counter = 0
	r.threshold = r.drawThreshold()
	n := r.rotations.Add(1)
	r.log.WithFields(logrus.Fields{
		"reason":         reason,
		"rotation":       n,
		"next_threshold": r.threshold,
	}).Debug("Identity rotated")
}

func (r *Rotator) drawThreshold() int {
	return utils.IntBetween(r.rnd, r.settings.MinThreshold, r.settings.MaxThreshold)
}

func (r *Rotator) newIdentity() models.Identity {
	agents := r.settings.UserAgents
	return models.Identity{
		UserAgent:      agents[r.rnd.Intn(len(agents))],
		Accept:         defaultAccept,
		AcceptLanguage: defaultAcceptLanguage,
		Referer:        r.settings.Referer,
		ForwardedFor: fmt.Sprintf("%d.%d.%d.%d",
			1+r.rnd.Intn(255), 1+r.rnd.Intn(255), 1+r.rnd.Intn(255), 1+r.rnd.Intn(255)),
	}
}
