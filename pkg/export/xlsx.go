package export

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"

	"listing-crawler/pkg/models"
	"listing-crawler/pkg/utils"
)

const sheetName = "listings"

// XLSXExporter writes one workbook with a single sheet
type XLSXExporter struct {
	naming Naming
	log    *logrus.Entry
}

func (e *XLSXExporter) Export(ctx context.Context, records []models.AdRecord) (string, error) {
	if err := e.naming.ensureDir(); err != nil {
		return "", err
	}
	path := e.naming.Path(FormatXLSX)

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return "", utils.WrapErrorf(utils.ErrExport, "rename sheet: %v", err)
	}
	header := make([]any, len(Columns))
	for i, c := range Columns {
		header[i] = c
	}
	if err := f.SetSheetRow(sheetName, "A1", &header); err != nil {
		return "", utils.WrapErrorf(utils.ErrExport, "write header: %v", err)
	}
	if style, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}}); err == nil {
		_ = f.SetRowStyle(sheetName, 1, 1, style)
	}
	_ = f.SetColWidth(sheetName, "A", "B", 40)
	_ = f.SetColWidth(sheetName, "C", "C", 60)

	for i, rec := range records {
		if err := ctx.Err(); err != nil {
			e.log.Warnf("Context done while writing workbook, %d of %d rows written", i, len(records))
			break
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return "", utils.WrapErrorf(utils.ErrExport, "cell name for row %d: %v", i+2, err)
		}
		values := row(rec)
		if err := f.SetSheetRow(sheetName, cell, &values); err != nil {
			return "", utils.WrapErrorf(utils.ErrExport, "write row %d: %v", i+2, err)
		}
	}

	if err := f.SaveAs(path); err != nil {
		return "", utils.WrapErrorf(utils.ErrExport, "save %s: %v", path, err)
	}
	e.log.Infof("Wrote %d records to %s", len(records), path)
	return path, nil
}
