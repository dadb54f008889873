// Package extract turns fetched HTML into listing stubs and ad records.
package extract

import "listing-crawler/pkg/models"

// Page is a fetched document together with the URL it was served from.
type Page struct {
	URL  string
	Body []byte
}

// Extractor is the site-specific parsing seam. Implementations must be safe
// for concurrent use: the enrichment pool calls ExtractDetail from several workers.
type Extractor interface {
	// ExtractListingStubs returns the detail-page references on a listing page.
	// An empty result means the category has no further pages.
	ExtractListingStubs(page Page) ([]models.ListingStub, error)
	// ExtractDetail builds an ad record from a detail page. Fields that cannot
	// be found take their documented default, or stay unknown for seller data.
	ExtractDetail(page Page) (models.AdRecord, error)
}
