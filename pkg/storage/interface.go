package storage

import (
	"context"
	"time"

	"listing-crawler/pkg/models"
)

// AdStore tracks which ad URLs have been seen and what happened to them
type AdStore interface {
	// MarkAdSeen records the URL as pending.
	// Returns true if the ad should be processed: it was never seen, or its previous attempt failed or never finished.
	MarkAdSeen(adURL, category string) (bool, error)

	// CheckAdStatus returns the stored status and entry for an ad URL.
	// Unknown URLs report AdStatusNotFound with a nil entry.
	CheckAdStatus(adURL string) (models.AdStatus, *models.AdDBEntry, error)

	// UpdateAdStatus overwrites the entry for an ad URL
	UpdateAdStatus(adURL string, entry *models.AdDBEntry) error
}

// StoreAdmin handles lifecycle and administrative operations
type StoreAdmin interface {
	// GetSeenCount returns the number of ad keys in the store
	GetSeenCount() (int, error)

	// CountByStatus scans the store and tallies entries per status. Used to report resume state.
	CountByStatus(ctx context.Context) (counts map[models.AdStatus]int, scanErrors int, err error)

	// WriteSeenLog writes "<status>\t<url>" lines for every stored ad
	WriteSeenLog(filePath string) error

	// RunGC runs periodic value log garbage collection until ctx is done
	RunGC(ctx context.Context, interval time.Duration)

	Close() error
}

// SeenStore combines both interfaces
type SeenStore interface {
	AdStore
	StoreAdmin
}
