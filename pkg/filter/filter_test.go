package filter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listing-crawler/pkg/models"
)

func fptr(v float64) *float64 { return &v }
func iptr(v int) *int         { return &v }
func day(s string) *time.Time {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		panic(err)
	}
	return &t
}

func baseRecord() models.AdRecord {
	return models.AdRecord{
		Title:    "Sofa",
		PriceRaw: "1 500 kr",
		Delivery: true,
		Seller: models.SellerInfo{
			Name:         "Ola Nordmann",
			RegisteredAt: day("15-06-2018"),
			AdCount:      iptr(4),
			Rating:       fptr(4.6),
		},
	}
}

func TestEvaluate_NilConfigAcceptsEverything(t *testing.T) {
	records := []models.AdRecord{
		baseRecord(),
		{},
		{PriceRaw: "Gis bort"},
	}
	for _, rec := range records {
		assert.True(t, Accepts(rec, nil, nil))
		assert.True(t, Accepts(rec, nil, Blacklist{}))
	}
}

func TestEvaluate_Predicates(t *testing.T) {
	tests := []struct {
		name   string
		cfg    *Config
		mutate func(*models.AdRecord)
		want   Reason
	}{
		{"PriceInRange", &Config{Price: &FloatRange{Min: fptr(100), Max: fptr(2000)}}, nil, ReasonNone},
		{"PriceBoundaryInclusive", &Config{Price: &FloatRange{Min: fptr(1500), Max: fptr(1500)}}, nil, ReasonNone},
		{"PriceTooHigh", &Config{Price: &FloatRange{Max: fptr(1000)}}, nil, ReasonPrice},
		{"PriceTooLow", &Config{Price: &FloatRange{Min: fptr(2000)}}, nil, ReasonPrice},
		{"PriceUnparsable", &Config{Price: &FloatRange{Min: fptr(0)}}, func(r *models.AdRecord) { r.PriceRaw = "Gis bort" }, ReasonPrice},
		{"SellerAdsWithin", &Config{SellerAds: &IntRange{Max: iptr(5)}}, nil, ReasonNone},
		{"SellerAdsTooMany", &Config{SellerAds: &IntRange{Max: iptr(3)}}, nil, ReasonSellerAds},
		{"SellerAdsUnknown", &Config{SellerAds: &IntRange{Max: iptr(3)}}, func(r *models.AdRecord) { r.Seller.AdCount = nil }, ReasonSellerAds},
		{"RegDateInRange", &Config{RegDate: &DateRange{Start: day("01-01-2015"), End: day("31-12-2020")}}, nil, ReasonNone},
		{"RegDateOutOfRange", &Config{RegDate: &DateRange{Start: day("01-01-2019")}}, nil, ReasonRegDate},
		{"RegDateExactMatch", &Config{RegDate: &DateRange{Exact: day("15-06-2018")}}, nil, ReasonNone},
		{"RegDateExactMiss", &Config{RegDate: &DateRange{Exact: day("16-06-2018")}}, nil, ReasonRegDate},
		{"RegDateUnknown", &Config{RegDate: &DateRange{Exact: day("15-06-2018")}}, func(r *models.AdRecord) { r.Seller.RegisteredAt = nil }, ReasonRegDate},
		{"RatingOK", &Config{MinRating: fptr(4.5)}, nil, ReasonNone},
		{"RatingTooLow", &Config{MinRating: fptr(4.7)}, nil, ReasonRating},
		{"RatingUnknown", &Config{MinRating: fptr(1)}, func(r *models.AdRecord) { r.Seller.Rating = nil }, ReasonRating},
		{"DeliveryRequired", &Config{DeliveryRequired: true}, func(r *models.AdRecord) { r.Delivery = false }, ReasonDelivery},
		{"DeliveryPresent", &Config{DeliveryRequired: true}, nil, ReasonNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := baseRecord()
			if tt.mutate != nil {
				tt.mutate(&rec)
			}
			ok, reason := Evaluate(rec, tt.cfg, nil)
			assert.Equal(t, tt.want, reason)
			assert.Equal(t, tt.want == ReasonNone, ok)
		})
	}
}

func TestEvaluate_RangeTakesPrecedenceOverExact(t *testing.T) {
	cfg := &Config{RegDate: &DateRange{Start: day("01-01-2010"), Exact: day("01-01-2000")}}
	assert.True(t, Accepts(baseRecord(), cfg, nil))
}

func TestEvaluate_FirstFailingPredicateWins(t *testing.T) {
	rec := baseRecord()
	rec.PriceRaw = "99999 kr"
	rec.Delivery = false
	cfg := &Config{Price: &FloatRange{Max: fptr(10)}, DeliveryRequired: true}
	_, reason := Evaluate(rec, cfg, NewBlacklist([]string{"Ola Nordmann"}))
	assert.Equal(t, ReasonPrice, reason)
}

func TestEvaluate_BlacklistAlwaysRejects(t *testing.T) {
	bl := NewBlacklist([]string{"  ola nordmann ", "Spam AS"})
	for _, cfg := range []*Config{nil, {}, {MinRating: fptr(0)}, {Price: &FloatRange{Min: fptr(0)}}} {
		ok, reason := Evaluate(baseRecord(), cfg, bl)
		assert.False(t, ok)
		assert.Equal(t, ReasonBlacklist, reason)
	}

	unknown := baseRecord()
	unknown.Seller.Name = ""
	assert.True(t, Accepts(unknown, nil, bl))
}

func TestEvaluate_IsPure(t *testing.T) {
	rec := baseRecord()
	cfg := &Config{MinRating: fptr(4.0), Price: &FloatRange{Max: fptr(5000)}}
	bl := NewBlacklist([]string{"x"})
	first, firstReason := Evaluate(rec, cfg, bl)
	for i := 0; i < 10; i++ {
		ok, reason := Evaluate(rec, cfg, bl)
		require.Equal(t, first, ok)
		require.Equal(t, firstReason, reason)
	}
	assert.Equal(t, 4.0, *cfg.MinRating)
	assert.Equal(t, 4.6, *rec.Seller.Rating)
}

func TestConfig_IsEmpty(t *testing.T) {
	var nilCfg *Config
	assert.True(t, nilCfg.IsEmpty())
	assert.True(t, (&Config{}).IsEmpty())
	assert.False(t, (&Config{DeliveryRequired: true}).IsEmpty())
}

func TestBlacklist_IgnoresCaseAndSpace(t *testing.T) {
	bl := NewBlacklist([]string{"Spam AS", " ", ""})
	assert.Len(t, bl, 1)
	assert.True(t, bl.Contains("spam as"))
	assert.True(t, bl.Contains("  SPAM AS\t"))
	assert.False(t, bl.Contains("Spam ASA"))
	assert.False(t, bl.Contains(""))
}
