package export

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"listing-crawler/pkg/models"
	"listing-crawler/pkg/utils"
)

const defaultBatchSize = 200

// PostgresExporter inserts records in batches, skipping URLs already stored
type PostgresExporter struct {
	dsn       string
	table     string
	batchSize int
	log       *logrus.Entry
}

func (e *PostgresExporter) tableIdent() string {
	name := e.table
	if name == "" {
		name = "listings"
	}
	return pgx.Identifier(strings.Split(name, ".")).Sanitize()
}

func (e *PostgresExporter) Export(ctx context.Context, records []models.AdRecord) (string, error) {
	cfg, err := pgxpool.ParseConfig(e.dsn)
	if err != nil {
		return "", utils.WrapErrorf(utils.ErrConfigValidation, "postgres dsn: %v", err)
	}
	cfg.MaxConns = 2
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return "", fmt.Errorf("%w: postgres connect: %w", utils.ErrDatabase, err)
	}
	defer pool.Close()

	table := e.tableIdent()
	if _, err := pool.Exec(ctx, createTableSQL(table)); err != nil {
		return "", fmt.Errorf("%w: create table %s: %w", utils.ErrDatabase, table, err)
	}

	inserted, err := insertRecords(ctx, pool, table, records, e.batchSize)
	if err != nil {
		return "", fmt.Errorf("%w: insert into %s after %d rows: %w", utils.ErrExport, table, inserted, err)
	}
	e.log.Infof("Inserted %d of %d records into %s", inserted, len(records), table)
	return "postgres:" + table, nil
}

func createTableSQL(table string) string {
	return `CREATE TABLE IF NOT EXISTS ` + table + ` (
		url               TEXT PRIMARY KEY,
		title             TEXT NOT NULL,
		description       TEXT,
		price_raw         TEXT,
		price             DOUBLE PRECISION,
		seller            TEXT,
		published         TEXT,
		location          TEXT,
		views             INTEGER,
		delivery          BOOLEAN,
		seller_registered DATE,
		seller_ad_count   INTEGER,
		seller_rating     DOUBLE PRECISION,
		scraped_at        TIMESTAMPTZ
	)`
}

func insertRecords(ctx context.Context, pool *pgxpool.Pool, table string, records []models.AdRecord, batch int) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	if batch <= 0 {
		batch = defaultBatchSize
	}
	total := 0
	query := `INSERT INTO ` + table + `
		(url, title, description, price_raw, price, seller, published, location, views,
		 delivery, seller_registered, seller_ad_count, seller_rating, scraped_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (url) DO NOTHING`

	for i := 0; i < len(records); i += batch {
		j := min(i+batch, len(records))
		b := &pgx.Batch{}
		count := 0
		for _, r := range records[i:j] {
			if strings.TrimSpace(r.URL) == "" {
				continue
			}
			var price *float64
			if v, ok := r.PriceValue(); ok {
				price = &v
			}
			var seller *string
			if r.Seller.Name != "" {
				seller = &r.Seller.Name
			}
			b.Queue(query,
				r.URL, r.Title, r.Description, r.PriceRaw, price, seller, r.PublishedAt, r.Location, r.Views,
				r.Delivery, r.Seller.RegisteredAt, r.Seller.AdCount, r.Seller.Rating, r.ScrapedAt,
			)
			count++
		}
		br := pool.SendBatch(ctx, b)
		for k := 0; k < count; k++ {
			tag, err := br.Exec()
			if err != nil {
				_ = br.Close()
				return total, err
			}
			total += int(tag.RowsAffected())
		}
		if err := br.Close(); err != nil {
			return total, err
		}
	}
	return total, nil
}
