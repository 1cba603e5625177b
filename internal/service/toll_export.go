package service

import (
	"context"
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"anpr-toll-service/internal/repository"
)

const (
	exportSheet     = "Tolls"
	exportBatchSize = 500
	// MaxExportRows bounds a single workbook.
	MaxExportRows = 50000
)

var exportHeaders = []string{"Charged At (UTC)", "Plate", "Camera", "Amount", "Confidence", "Toll ID", "User ID"}

// ExportTolls writes every toll matching q (ignoring its paging) to w as an
// XLSX workbook and returns the number of data rows written.
func (s *TollQueryService) ExportTolls(ctx context.Context, q TollQuery, w io.Writer) (int, error) {
	q.Limit, q.Offset = 0, 0
	filter, err := buildFilter(q)
	if err != nil {
		return 0, err
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", exportSheet); err != nil {
		return 0, fmt.Errorf("rename sheet: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
	})
	if err != nil {
		return 0, fmt.Errorf("create header style: %w", err)
	}
	for i, h := range exportHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(exportSheet, cell, h); err != nil {
			return 0, fmt.Errorf("write header: %w", err)
		}
	}
	lastHeader, _ := excelize.CoordinatesToCellName(len(exportHeaders), 1)
	if err := f.SetCellStyle(exportSheet, "A1", lastHeader, headerStyle); err != nil {
		return 0, fmt.Errorf("style header: %w", err)
	}
	_ = f.SetColWidth(exportSheet, "A", "A", 22)
	_ = f.SetColWidth(exportSheet, "B", "C", 16)
	_ = f.SetColWidth(exportSheet, "F", "G", 38)

	row := 2
	total := 0
	filter.Limit = exportBatchSize
	for total < MaxExportRows {
		tolls, err := s.repo.FindTolls(ctx, filter)
		if err != nil {
			return 0, fmt.Errorf("failed to find tolls: %w", err)
		}
		for _, t := range tolls {
			if err := writeTollRow(f, row, t); err != nil {
				return 0, err
			}
			row++
			total++
		}
		if len(tolls) < exportBatchSize {
			break
		}
		filter.Offset += exportBatchSize
	}

	if _, err := f.WriteTo(w); err != nil {
		return 0, fmt.Errorf("write workbook: %w", err)
	}

	s.log.Info().Int("rows", total).Msg("toll export written")
	return total, nil
}

func writeTollRow(f *excelize.File, row int, t repository.Toll) error {
	camera := ""
	if t.CameraID != nil {
		camera = *t.CameraID
	}
	var confidence interface{}
	if t.Confidence != nil {
		confidence = *t.Confidence
	}

	values := []interface{}{
		t.ChargedAt.UTC().Format("2006-01-02 15:04:05"),
		t.Plate,
		camera,
		t.Amount,
		confidence,
		t.ID.String(),
		t.UserID.String(),
	}
	cell, _ := excelize.CoordinatesToCellName(1, row)
	if err := f.SetSheetRow(exportSheet, cell, &values); err != nil {
		return fmt.Errorf("write row %d: %w", row, err)
	}
	return nil
}
