// Package export writes accepted ad records and the run summary.
package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"listing-crawler/pkg/config"
	"listing-crawler/pkg/models"
	"listing-crawler/pkg/utils"
)

// Exporter persists a finished result table and returns where it went
type Exporter interface {
	Export(ctx context.Context, records []models.AdRecord) (string, error)
}

const (
	FormatXLSX     = "xlsx"
	FormatCSV      = "csv"
	FormatPostgres = "postgres"

	stampLayout = "20060102_150405"
	unknown     = "unknown"
)

// Columns is the header row of file exports, in order
var Columns = []string{
	"title", "description", "url", "price", "seller", "date", "location", "views",
	"delivery", "seller_registered", "seller_ad_count", "seller_rating",
}

// Naming builds "<prefix>_<YYYYmmdd_HHMMSS>" paths inside Dir
type Naming struct {
	Dir    string
	Prefix string
	Stamp  time.Time
}

func (n Naming) base() string {
	prefix := n.Prefix
	if prefix == "" {
		prefix = "listings"
	}
	return utils.SanitizeFilename(prefix) + "_" + n.Stamp.Format(stampLayout)
}

// Path returns the output file path for ext
func (n Naming) Path(ext string) string {
	return filepath.Join(n.Dir, n.base()+"."+ext)
}

// SummaryPath returns the path of the YAML run summary
func (n Naming) SummaryPath() string {
	return filepath.Join(n.Dir, n.base()+"_summary.yaml")
}

func (n Naming) ensureDir() error {
	if n.Dir == "" {
		return nil
	}
	if err := os.MkdirAll(n.Dir, 0755); err != nil {
		return utils.WrapErrorf(utils.ErrFilesystem, "create output dir %s: %v", n.Dir, err)
	}
	return nil
}

// NewExporter picks the exporter for cfg.Format
func NewExporter(cfg config.OutputConfig, naming Naming, log *logrus.Entry) (Exporter, error) {
	switch strings.ToLower(cfg.Format) {
	case "", FormatXLSX:
		return &XLSXExporter{naming: naming, log: log}, nil
	case FormatCSV:
		return &CSVExporter{naming: naming, log: log}, nil
	case FormatPostgres:
		if cfg.PostgresDSN == "" {
			return nil, utils.WrapErrorf(utils.ErrConfigValidation, "output.postgres_dsn is required for postgres output")
		}
		return &PostgresExporter{
			dsn:       cfg.PostgresDSN,
			table:     cfg.PostgresTable,
			batchSize: cfg.PostgresBatchSize,
			log:       log,
		}, nil
	}
	return nil, utils.WrapErrorf(utils.ErrConfigValidation, "unknown output format %q", cfg.Format)
}

// row renders a record in column order. Unknown seller data becomes "unknown".
func row(rec models.AdRecord) []any {
	seller := rec.Seller
	out := []any{
		rec.Title,
		rec.Description,
		rec.URL,
		rec.PriceRaw,
		orUnknown(seller.Name),
		rec.PublishedAt,
		rec.Location,
		rec.Views,
		rec.Delivery,
		unknown,
		unknown,
		unknown,
	}
	if seller.RegisteredAt != nil {
		out[9] = seller.RegisteredAt.Format("02-01-2006")
	}
	if seller.AdCount != nil {
		out[10] = *seller.AdCount
	}
	if seller.Rating != nil {
		out[11] = *seller.Rating
	}
	return out
}

func stringRow(rec models.AdRecord) []string {
	cells := row(rec)
	out := make([]string, len(cells))
	for i, c := range cells {
		switch v := c.(type) {
		case string:
			out[i] = v
		case int:
			out[i] = strconv.Itoa(v)
		case bool:
			out[i] = strconv.FormatBool(v)
		case float64:
			out[i] = strconv.FormatFloat(v, 'f', -1, 64)
		default:
			out[i] = fmt.Sprint(v)
		}
	}
	return out
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return unknown
	}
	return s
}
