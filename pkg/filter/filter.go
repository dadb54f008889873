// Package filter decides whether an enriched ad record is kept.
// Evaluation is pure: it reads the record, the compiled configuration and the
// blacklist and touches nothing else.
package filter

import (
	"strings"
	"time"

	"listing-crawler/pkg/models"
)

// DateLayout is the day-first date format used for filter input and seller dates.
const DateLayout = "02-01-2006"

// FloatRange is an optional closed interval. A nil bound is unbounded.
type FloatRange struct {
	Min *float64
	Max *float64
}

func (r FloatRange) contains(v float64) bool {
	if r.Min != nil && v < *r.Min {
		return false
	}
	if r.Max != nil && v > *r.Max {
		return false
	}
	return true
}

// IntRange is an optional closed integer interval.
type IntRange struct {
	Min *int
	Max *int
}

func (r IntRange) contains(v int) bool {
	if r.Min != nil && v < *r.Min {
		return false
	}
	if r.Max != nil && v > *r.Max {
		return false
	}
	return true
}

// DateRange constrains the seller registration date, compared by calendar day.
// When Start or End is set the range applies and Exact must be nil.
type DateRange struct {
	Start *time.Time
	End   *time.Time
	Exact *time.Time
}

func (r DateRange) isRange() bool { return r.Start != nil || r.End != nil }

func (r DateRange) contains(t time.Time) bool {
	day := truncateDay(t)
	if r.isRange() {
		if r.Start != nil && day.Before(truncateDay(*r.Start)) {
			return false
		}
		if r.End != nil && day.After(truncateDay(*r.End)) {
			return false
		}
		return true
	}
	if r.Exact != nil {
		return day.Equal(truncateDay(*r.Exact))
	}
	return true
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Config is the compiled filter configuration. Every field is optional.
type Config struct {
	Price            *FloatRange
	SellerAds        *IntRange
	RegDate          *DateRange
	MinRating        *float64
	DeliveryRequired bool
}

// IsEmpty reports whether no constraint is configured.
func (c *Config) IsEmpty() bool {
	return c == nil || (c.Price == nil && c.SellerAds == nil && c.RegDate == nil && c.MinRating == nil && !c.DeliveryRequired)
}

// Blacklist is a read-only set of seller names. Lookups ignore case and surrounding space.
type Blacklist map[string]struct{}

// NewBlacklist builds a blacklist from names, skipping blanks.
func NewBlacklist(names []string) Blacklist {
	bl := make(Blacklist, len(names))
	for _, n := range names {
		if key := normalizeName(n); key != "" {
			bl[key] = struct{}{}
		}
	}
	return bl
}

// Contains reports whether the seller name is blacklisted. Unknown (empty) names never match.
func (b Blacklist) Contains(name string) bool {
	key := normalizeName(name)
	if key == "" {
		return false
	}
	_, ok := b[key]
	return ok
}

func normalizeName(n string) string {
	return strings.ToLower(strings.TrimSpace(n))
}

// Reason names the first predicate a record failed.
type Reason string

const (
	ReasonNone      Reason = ""
	ReasonPrice     Reason = "price"
	ReasonSellerAds Reason = "seller_ads"
	ReasonRegDate   Reason = "reg_date"
	ReasonRating    Reason = "rating"
	ReasonDelivery  Reason = "delivery"
	ReasonBlacklist Reason = "blacklist"
)

// Evaluate runs the predicates in order (price, seller ad count, registration
// date, rating, delivery, blacklist) and returns the first failing one.
// A nil cfg imposes no configured constraint; the blacklist always applies.
func Evaluate(rec models.AdRecord, cfg *Config, bl Blacklist) (bool, Reason) {
	if cfg != nil {
		if cfg.Price != nil {
			price, ok := rec.PriceValue()
			if !ok || !cfg.Price.contains(price) {
				return false, ReasonPrice
			}
		}
		if cfg.SellerAds != nil {
			if rec.Seller.AdCount == nil || !cfg.SellerAds.contains(*rec.Seller.AdCount) {
				return false, ReasonSellerAds
			}
		}
		if cfg.RegDate != nil && (cfg.RegDate.isRange() || cfg.RegDate.Exact != nil) {
			if rec.Seller.RegisteredAt == nil || !cfg.RegDate.contains(*rec.Seller.RegisteredAt) {
				return false, ReasonRegDate
			}
		}
		if cfg.MinRating != nil {
			if rec.Seller.Rating == nil || *rec.Seller.Rating < *cfg.MinRating {
				return false, ReasonRating
			}
		}
		if cfg.DeliveryRequired && !rec.Delivery {
			return false, ReasonDelivery
		}
	}
	if bl.Contains(rec.Seller.Name) {
		return false, ReasonBlacklist
	}
	return true, ReasonNone
}

// Accepts is Evaluate without the reason.
func Accepts(rec models.AdRecord, cfg *Config, bl Blacklist) bool {
	ok, _ := Evaluate(rec, cfg, bl)
	return ok
}
