// Package exporter renders ranked lookup results into a fixed-layout
// spreadsheet and publishes it atomically.
package exporter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/crossdock/pricing-engine/internal/lookup"
	"github.com/crossdock/pricing-engine/internal/observability"
)

// ErrExportFailed indicates the spreadsheet could not be written. This is a
// job-level fatal error.
var ErrExportFailed = errors.New("export failed")

// Row is one input item with its ranked offers, best first. Fewer than TopN
// offers leaves the remaining slots blank in the output.
type Row struct {
	Brand   string
	Article string
	Offers  []lookup.Offer
}

// Config holds exporter settings.
type Config struct {
	// Dir is the directory finished spreadsheets are published to.
	Dir string
	// BaseURL prefixes the returned result location.
	BaseURL string
	// TopN is the number of offer triples per row.
	TopN int
}

// Excel writes ranked results as .xlsx workbooks.
type Excel struct {
	logger *observability.Logger
	cfg    Config
}

// NewExcel creates a spreadsheet exporter.
func NewExcel(logger *observability.Logger, cfg Config) *Excel {
	if cfg.TopN <= 0 {
		cfg.TopN = 3
	}
	return &Excel{logger: logger, cfg: cfg}
}

// Export writes one data row per input row, in input order, and returns the
// published result location. The workbook is written to a temporary file and
// renamed into place so a partially written file is never visible.
func (e *Excel) Export(ctx context.Context, rows []Row) (string, error) {
	f := excelize.NewFile()
	defer f.Close()

	sheet := f.GetSheetName(0)

	if err := e.writeHeader(f, sheet); err != nil {
		return "", fmt.Errorf("%w: %v", ErrExportFailed, err)
	}

	for i, row := range rows {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("%w: %v", ErrExportFailed, err)
		}
		if err := e.writeRow(f, sheet, i+2, row); err != nil {
			return "", fmt.Errorf("%w: %v", ErrExportFailed, err)
		}
	}

	name := fmt.Sprintf("cross_dock_%s.xlsx", uuid.New())
	location, err := e.publish(f, name)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrExportFailed, err)
	}

	e.logger.Info().
		Int("rows", len(rows)).
		Str("location", location).
		Msg("Export written")
	return location, nil
}

// Header returns the fixed column layout for n offer triples.
func Header(n int) []string {
	headers := []string{"SKU", "Brand", "Article"}
	for i := 1; i <= n; i++ {
		headers = append(headers,
			fmt.Sprintf("Price %d", i),
			fmt.Sprintf("Quantity %d", i),
			fmt.Sprintf("Supplier %d", i),
		)
	}
	return headers
}

func (e *Excel) writeHeader(f *excelize.File, sheet string) error {
	for col, header := range Header(e.cfg.TopN) {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheet, cell, header); err != nil {
			return err
		}
	}
	return nil
}

func (e *Excel) writeRow(f *excelize.File, sheet string, rowNum int, row Row) error {
	setCell := func(col int, value interface{}) error {
		cell, err := excelize.CoordinatesToCellName(col, rowNum)
		if err != nil {
			return err
		}
		return f.SetCellValue(sheet, cell, value)
	}

	if err := setCell(1, fmt.Sprintf("%s|%s", row.Brand, row.Article)); err != nil {
		return err
	}
	if err := setCell(2, row.Brand); err != nil {
		return err
	}
	if err := setCell(3, row.Article); err != nil {
		return err
	}

	// Offer triples; unfilled slots stay blank, never zero.
	for i := 0; i < e.cfg.TopN && i < len(row.Offers); i++ {
		offer := row.Offers[i]
		base := 4 + i*3
		if err := setCell(base, offer.Price); err != nil {
			return err
		}
		if err := setCell(base+1, offer.Quantity); err != nil {
			return err
		}
		if err := setCell(base+2, offer.Supplier); err != nil {
			return err
		}
	}

	return nil
}

// publish writes the workbook to a temp file and atomically renames it into
// the export directory.
func (e *Excel) publish(f *excelize.File, name string) (string, error) {
	if err := os.MkdirAll(e.cfg.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}

	final := filepath.Join(e.cfg.Dir, name)
	tmp := final + ".tmp"

	if err := f.SaveAs(tmp); err != nil {
		return "", fmt.Errorf("write workbook: %w", err)
	}

	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("publish workbook: %w", err)
	}

	return e.cfg.BaseURL + name, nil
}
