package export

import (
	"bytes"
	"fmt"
	"math"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	"pivot-monitor/internal/monitoring/application"
)

var columns = []string{
	"Pivot", "Status", "Quality", "Disconnected (%)", "Median (s)", "Samples",
	"Probe ratio", "Probe timeouts", "Signal / Technology", "Last activity",
}

// Row is one pivot line of a run report.
type Row struct {
	PivotID          string
	Status           string
	Quality          string
	DisconnectedPct  float64
	MedianSec        float64
	Samples          int
	ProbeRatio       float64
	ProbeTimeouts    int
	SignalTechnology string
	LastActivity     string
}

// Rows flattens a state payload into report rows, in payload order.
func Rows(state application.StatePayload) []Row {
	rows := make([]Row, 0, len(state.Pivots))
	for _, p := range state.Pivots {
		rows = append(rows, Row{
			PivotID:          p.PivotID,
			Status:           p.Status.Label,
			Quality:          p.Quality.Label,
			DisconnectedPct:  round(p.DisconnectedPct, 2),
			MedianSec:        round(p.MedianIntervalSec, 1),
			Samples:          p.SampleCount,
			ProbeRatio:       round(p.Probe.Stats.ResponseRatio, 3),
			ProbeTimeouts:    p.Probe.Stats.TimeoutCount,
			SignalTechnology: p.SignalTechnology,
			LastActivity:     formatTS(p.LastActivityTS),
		})
	}
	return rows
}

// BuildRunXLSX renders a run summary workbook.
func BuildRunXLSX(state application.StatePayload) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()
	summarySheet := "summary"
	pivotsSheet := "pivots"
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(pivotsSheet); err != nil {
		return nil, err
	}

	_ = f.SetCellValue(summarySheet, "A1", "Pivot Monitoring Run")
	_ = f.SetCellValue(summarySheet, "A3", "Run")
	_ = f.SetCellValue(summarySheet, "B3", state.RunID)
	_ = f.SetCellValue(summarySheet, "A4", "Started")
	_ = f.SetCellValue(summarySheet, "B4", runStarted(state))
	_ = f.SetCellValue(summarySheet, "A5", "Generated")
	_ = f.SetCellValue(summarySheet, "B5", formatTS(state.GeneratedAtTS))
	_ = f.SetCellValue(summarySheet, "A6", "Pivots")
	_ = f.SetCellValue(summarySheet, "B6", state.Counts.Pivots)
	_ = f.SetCellValue(summarySheet, "A7", "Online")
	_ = f.SetCellValue(summarySheet, "B7", state.Counts.Online)
	_ = f.SetCellValue(summarySheet, "A8", "Offline")
	_ = f.SetCellValue(summarySheet, "B8", state.Counts.Offline)
	_ = f.SetCellValue(summarySheet, "A9", "Critical")
	_ = f.SetCellValue(summarySheet, "B9", state.Counts.Critical)
	_ = f.SetCellValue(summarySheet, "A10", "Probe alerts")
	_ = f.SetCellValue(summarySheet, "B10", state.Counts.ProbeAlerts)

	for i, title := range columns {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return nil, err
		}
		_ = f.SetCellValue(pivotsSheet, cell, title)
	}
	for i, row := range Rows(state) {
		values := []any{
			row.PivotID, row.Status, row.Quality, row.DisconnectedPct, row.MedianSec, row.Samples,
			row.ProbeRatio, row.ProbeTimeouts, row.SignalTechnology, row.LastActivity,
		}
		for col, value := range values {
			cell, err := excelize.CoordinatesToCellName(col+1, i+2)
			if err != nil {
				return nil, err
			}
			_ = f.SetCellValue(pivotsSheet, cell, value)
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildRunPDF renders a landscape run summary.
func BuildRunPDF(state application.StatePayload) ([]byte, error) {
	pdf := gofpdf.New("L", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Pivot Monitoring Run")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Run: %s", state.RunID))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Started: %s", runStarted(state)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Generated: %s", formatTS(state.GeneratedAtTS)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Pivots: %d  Online: %d  Offline: %d  Critical: %d  Probe alerts: %d",
		state.Counts.Pivots, state.Counts.Online, state.Counts.Offline, state.Counts.Critical, state.Counts.ProbeAlerts))
	pdf.Ln(8)

	widths := []float64{40, 22, 24, 26, 20, 16, 22, 24, 44, 38}
	pdf.SetFont("Arial", "B", 8)
	for i, title := range columns {
		pdf.CellFormat(widths[i], 6, title, "1", 0, "C", false, 0, "")
	}
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 8)
	for _, row := range Rows(state) {
		pdf.CellFormat(widths[0], 6, row.PivotID, "1", 0, "L", false, 0, "")
		pdf.CellFormat(widths[1], 6, row.Status, "1", 0, "C", false, 0, "")
		pdf.CellFormat(widths[2], 6, row.Quality, "1", 0, "C", false, 0, "")
		pdf.CellFormat(widths[3], 6, fmt.Sprintf("%.2f", row.DisconnectedPct), "1", 0, "R", false, 0, "")
		pdf.CellFormat(widths[4], 6, fmt.Sprintf("%.1f", row.MedianSec), "1", 0, "R", false, 0, "")
		pdf.CellFormat(widths[5], 6, fmt.Sprintf("%d", row.Samples), "1", 0, "R", false, 0, "")
		pdf.CellFormat(widths[6], 6, fmt.Sprintf("%.3f", row.ProbeRatio), "1", 0, "R", false, 0, "")
		pdf.CellFormat(widths[7], 6, fmt.Sprintf("%d", row.ProbeTimeouts), "1", 0, "R", false, 0, "")
		pdf.CellFormat(widths[8], 6, row.SignalTechnology, "1", 0, "C", false, 0, "")
		pdf.CellFormat(widths[9], 6, row.LastActivity, "1", 0, "C", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func runStarted(state application.StatePayload) string {
	if state.Run == nil {
		return "-"
	}
	return formatTS(state.Run.StartedAtTS)
}

func formatTS(ts float64) string {
	if ts <= 0 {
		return "-"
	}
	sec, frac := math.Modf(ts)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC().Format(time.RFC3339)
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
