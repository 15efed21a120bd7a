package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"sort"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	sink "fhem-bridge/internal/sink/domain"
)

var header = []string{"Base URL", "Device", "Key", "Value", "Updated"}

func sortReadings(readings []sink.Reading) []sink.Reading {
	out := make([]sink.Reading, len(readings))
	copy(out, readings)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].BaseURL != out[j].BaseURL {
			return out[i].BaseURL < out[j].BaseURL
		}
		return out[i].Key < out[j].Key
	})
	return out
}

func row(r sink.Reading) []string {
	return []string{r.BaseURL, r.Device, r.Key, r.Value, r.UpdatedAt.UTC().Format(time.RFC3339)}
}

// BuildReadingsCSV renders the readings snapshot as CSV.
func BuildReadingsCSV(readings []sink.Reading) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return nil, err
	}
	for _, r := range sortReadings(readings) {
		if err := w.Write(row(r)); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildReadingsXLSX renders a summary sheet and a readings sheet.
func BuildReadingsXLSX(readings []sink.Reading, generated time.Time) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()
	summarySheet := "summary"
	readingsSheet := "readings"
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(readingsSheet); err != nil {
		return nil, err
	}

	connections := map[string]struct{}{}
	for _, r := range readings {
		connections[r.BaseURL] = struct{}{}
	}
	_ = f.SetCellValue(summarySheet, "A1", "Readings Snapshot")
	_ = f.SetCellValue(summarySheet, "A3", "Generated")
	_ = f.SetCellValue(summarySheet, "B3", generated.UTC().Format(time.RFC3339))
	_ = f.SetCellValue(summarySheet, "A4", "Connections")
	_ = f.SetCellValue(summarySheet, "B4", len(connections))
	_ = f.SetCellValue(summarySheet, "A5", "Readings")
	_ = f.SetCellValue(summarySheet, "B5", len(readings))

	for col, title := range header {
		cell, _ := excelize.CoordinatesToCellName(col+1, 1)
		_ = f.SetCellValue(readingsSheet, cell, title)
	}
	for i, r := range sortReadings(readings) {
		for col, value := range row(r) {
			cell, _ := excelize.CoordinatesToCellName(col+1, i+2)
			_ = f.SetCellValue(readingsSheet, cell, value)
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildReadingsPDF renders the readings snapshot as a table.
func BuildReadingsPDF(readings []sink.Reading, generated time.Time) ([]byte, error) {
	pdf := gofpdf.New("L", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Readings Snapshot")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Generated: %s", generated.UTC().Format(time.RFC3339)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Readings: %d", len(readings)))
	pdf.Ln(8)

	widths := []float64{70, 45, 60, 55, 45}
	pdf.SetFont("Arial", "B", 9)
	for i, title := range header {
		pdf.CellFormat(widths[i], 6, title, "1", 0, "C", false, 0, "")
	}
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 9)
	for _, r := range sortReadings(readings) {
		for i, value := range row(r) {
			pdf.CellFormat(widths[i], 6, truncate(pdf, value, widths[i]-2), "1", 0, "L", false, 0, "")
		}
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func truncate(pdf *gofpdf.Fpdf, value string, width float64) string {
	if pdf.GetStringWidth(value) <= width {
		return value
	}
	runes := []rune(value)
	for len(runes) > 0 && pdf.GetStringWidth(string(runes)+"...") > width {
		runes = runes[:len(runes)-1]
	}
	return string(runes) + "..."
}
