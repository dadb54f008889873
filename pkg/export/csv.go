package export

import (
	"context"
	"encoding/csv"
	"os"

	"github.com/sirupsen/logrus"

	"listing-crawler/pkg/models"
	"listing-crawler/pkg/utils"
)

// CSVExporter writes a comma separated file with a header row
type CSVExporter struct {
	naming Naming
	log    *logrus.Entry
}

func (e *CSVExporter) Export(ctx context.Context, records []models.AdRecord) (string, error) {
	if err := e.naming.ensureDir(); err != nil {
		return "", err
	}
	path := e.naming.Path(FormatCSV)

	f, err := os.Create(path)
	if err != nil {
		return "", utils.WrapErrorf(utils.ErrFilesystem, "create %s: %v", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(Columns); err != nil {
		return "", utils.WrapErrorf(utils.ErrExport, "write csv header: %v", err)
	}
	for i, rec := range records {
		if ctx.Err() != nil {
			e.log.Warnf("Context done while writing csv, %d of %d rows written", i, len(records))
			break
		}
		if err := w.Write(stringRow(rec)); err != nil {
			return "", utils.WrapErrorf(utils.ErrExport, "write csv row %d: %v", i+1, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", utils.WrapErrorf(utils.ErrExport, "flush csv: %v", err)
	}
	if err := f.Sync(); err != nil {
		return "", utils.WrapErrorf(utils.ErrFilesystem, "sync %s: %v", path, err)
	}

	e.log.Infof("Wrote %d records to %s", len(records), path)
	return path, nil
}
