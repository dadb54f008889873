package filter

import (
	"strconv"
	"strings"
	"time"

	"listing-crawler/pkg/utils"
)

// Spec is the user-facing filter input as it appears in YAML or on the command line.
type Spec struct {
	Price       string   `yaml:"price,omitempty"`         // "100-80000", "100" (min only), "-500" (max only)
	SellerAds   string   `yaml:"seller_ads,omitempty"`    // "5-10", "5" (max only)
	RegDate     string   `yaml:"reg_date,omitempty"`      // "12-11-2015" (exact) or "12-11-2015:12-11-2023"
	RegDateFrom string   `yaml:"reg_date_from,omitempty"` // Open-ended range bounds, alternative to reg_date
	RegDateTo   string   `yaml:"reg_date_to,omitempty"`
	MinRating   *float64 `yaml:"min_rating,omitempty"`
	Delivery    bool     `yaml:"delivery,omitempty"`
}

// Compile validates the spec and turns it into a Config.
// An empty spec compiles to nil, which accepts everything except blacklisted sellers.
func (s Spec) Compile() (*Config, error) {
	cfg := &Config{DeliveryRequired: s.Delivery}

	if strings.TrimSpace(s.Price) != "" {
		r, err := ParsePriceRange(s.Price)
		if err != nil {
			return nil, err
		}
		cfg.Price = &r
	}
	if strings.TrimSpace(s.SellerAds) != "" {
		r, err := ParseSellerAdsRange(s.SellerAds)
		if err != nil {
			return nil, err
		}
		cfg.SellerAds = &r
	}

	hasBounds := strings.TrimSpace(s.RegDateFrom) != "" || strings.TrimSpace(s.RegDateTo) != ""
	if strings.TrimSpace(s.RegDate) != "" {
		if hasBounds {
			return nil, utils.WrapErrorf(utils.ErrConfigValidation, "reg_date cannot be combined with reg_date_from/reg_date_to")
		}
		r, err := ParseRegDate(s.RegDate)
		if err != nil {
			return nil, err
		}
		cfg.RegDate = &r
	} else if hasBounds {
		r, err := parseDateBounds(s.RegDateFrom, s.RegDateTo)
		if err != nil {
			return nil, err
		}
		cfg.RegDate = &r
	}

	if s.MinRating != nil {
		if *s.MinRating < 0 || *s.MinRating > 5 {
			return nil, utils.WrapErrorf(utils.ErrConfigValidation, "min_rating %.2f outside 0-5", *s.MinRating)
		}
		v := *s.MinRating
		cfg.MinRating = &v
	}

	if cfg.IsEmpty() {
		return nil, nil
	}
	return cfg, nil
}

// ParsePriceRange parses "min-max", "min", "min-" or "-max".
func ParsePriceRange(s string) (FloatRange, error) {
	lo, hi, single, err := splitRange(s)
	if err != nil {
		return FloatRange{}, err
	}
	var r FloatRange
	if single {
		hi = ""
	}
	if r.Min, err = parseFloatPtr(lo); err != nil {
		return FloatRange{}, err
	}
	if r.Max, err = parseFloatPtr(hi); err != nil {
		return FloatRange{}, err
	}
	if r.Min != nil && r.Max != nil && *r.Min > *r.Max {
		return FloatRange{}, utils.WrapErrorf(utils.ErrConfigValidation, "price range %q: min greater than max", s)
	}
	return r, nil
}

// ParseSellerAdsRange parses "min-max" or a single value, which is an upper bound.
func ParseSellerAdsRange(s string) (IntRange, error) {
	lo, hi, single, err := splitRange(s)
	if err != nil {
		return IntRange{}, err
	}
	if single {
		lo, hi = "", lo
	}
	var r IntRange
	if r.Min, err = parseIntPtr(lo); err != nil {
		return IntRange{}, err
	}
	if r.Max, err = parseIntPtr(hi); err != nil {
		return IntRange{}, err
	}
	if r.Min != nil && r.Max != nil && *r.Min > *r.Max {
		return IntRange{}, utils.WrapErrorf(utils.ErrConfigValidation, "seller_ads range %q: min greater than max", s)
	}
	return r, nil
}

// ParseRegDate parses an exact day ("12-11-2015") or a range ("start:end", either side optional).
func ParseRegDate(s string) (DateRange, error) {
	s = strings.TrimSpace(s)
	if start, end, ok := strings.Cut(s, ":"); ok {
		return parseDateBounds(start, end)
	}
	t, err := ParseDate(s)
	if err != nil {
		return DateRange{}, err
	}
	return DateRange{Exact: &t}, nil
}

// ParseDate parses a DateLayout date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, utils.WrapErrorf(utils.ErrConfigValidation, "date %q: expected dd-mm-yyyy", s)
	}
	return t, nil
}

func parseDateBounds(start, end string) (DateRange, error) {
	start, end = strings.TrimSpace(start), strings.TrimSpace(end)
	if start == "" && end == "" {
		return DateRange{}, utils.WrapErrorf(utils.ErrConfigValidation, "date range needs at least one bound")
	}
	var r DateRange
	if start != "" {
		t, err := ParseDate(start)
		if err != nil {
			return DateRange{}, err
		}
		r.Start = &t
	}
	if end != "" {
		t, err := ParseDate(end)
		if err != nil {
			return DateRange{}, err
		}
		r.End = &t
	}
	if r.Start != nil && r.End != nil && r.Start.After(*r.End) {
		return DateRange{}, utils.WrapErrorf(utils.ErrConfigValidation, "date range %s:%s: start after end", start, end)
	}
	return r, nil
}

// splitRange splits "a-b" into its sides. single is true when no separator is present.
func splitRange(s string) (lo, hi string, single bool, err error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), " ", "")
	if s == "" || s == "-" {
		return "", "", false, utils.WrapErrorf(utils.ErrConfigValidation, "empty range %q", s)
	}
	lo, hi, found := strings.Cut(s, "-")
	if !found {
		return s, "", true, nil
	}
	if strings.Contains(hi, "-") {
		return "", "", false, utils.WrapErrorf(utils.ErrConfigValidation, "range %q: too many separators", s)
	}
	return lo, hi, false, nil
}

func parseFloatPtr(s string) (*float64, error) {
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return nil, utils.WrapErrorf(utils.ErrConfigValidation, "invalid number %q", s)
	}
	return &v, nil
}

func parseIntPtr(s string) (*int, error) {
	if s == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return nil, utils.WrapErrorf(utils.ErrConfigValidation, "invalid integer %q", s)
	}
	return &v, nil
}
