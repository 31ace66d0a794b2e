package export

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jung-kurt/gofpdf"

	"lighting-forecast/internal/forecast"
	"lighting-forecast/internal/models"
)

// Fact is one label/value line of the report header
type Fact struct {
	Label string
	Value string
}

// Report is the content of a run report
type Report struct {
	Title       string
	RunID       string
	GeneratedAt time.Time
	Model       string
	Horizon     int
	Facts       []Fact
	Summary     forecast.Summary
	Records     []models.ForecastRecord
	Locale      models.Locale
	// MaxFailures caps the failure list; zero prints all of them.
	MaxFailures int
}

// BuildReportPDF renders the run summary and the forecast table
func BuildReportPDF(r *Report) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteReportPDF(&buf, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteReportPDF renders r to w
func WriteReportPDF(w io.Writer, r *Report) error {
	pdf := gofpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	title := r.Title
	if title == "" {
		title = "Public Lighting Consumption Forecast"
	}
	pdf.SetFont("Arial", "B", 14)
	pdf.Cell(0, 8, tr(title))
	pdf.Ln(10)

	pdf.SetFont("Arial", "", 10)
	line := func(label, value string) {
		pdf.Cell(0, 6, tr(fmt.Sprintf("%s: %s", label, value)))
		pdf.Ln(5)
	}
	if r.RunID != "" {
		line("Run", r.RunID)
	}
	line("Generated", r.GeneratedAt.UTC().Format(time.RFC3339))
	if r.Model != "" {
		line("Model", r.Model)
	}
	line("Horizon (months)", fmt.Sprintf("%d", r.Horizon))
	for _, f := range r.Facts {
		line(f.Label, f.Value)
	}

	pdf.Ln(4)
	pdf.SetFont("Arial", "B", 11)
	pdf.Cell(0, 6, "Accounts")
	pdf.Ln(7)
	pdf.SetFont("Arial", "", 10)
	line("Total", fmt.Sprintf("%d", r.Summary.Accounts))
	line("Forecasted", fmt.Sprintf("%d", r.Summary.Forecasted))
	line("Ineligible (too few months)", fmt.Sprintf("%d", r.Summary.Ineligible))
	line("Fit failed", fmt.Sprintf("%d", r.Summary.FitFailed))
	line("Forecast rows", fmt.Sprintf("%d", r.Summary.Records))

	if len(r.Summary.Failures) > 0 {
		pdf.Ln(3)
		pdf.SetFont("Arial", "B", 10)
		pdf.Cell(0, 6, "Skipped accounts")
		pdf.Ln(6)
		pdf.SetFont("Arial", "", 9)
		for i, f := range r.Summary.Failures {
			if r.MaxFailures > 0 && i >= r.MaxFailures {
				pdf.Cell(0, 5, fmt.Sprintf("... and %d more", len(r.Summary.Failures)-i))
				pdf.Ln(5)
				break
			}
			pdf.MultiCell(0, 5, tr(fmt.Sprintf("%s: %s", f.Account, f.Cause)), "", "L", false)
		}
	}

	pdf.Ln(6)
	header := ForecastHeader(r.Locale)
	widths := []float64{45, 20, 15, 40, 50}
	pdf.SetFont("Arial", "B", 10)
	for i, h := range header {
		pdf.CellFormat(widths[i], 6, tr(h), "1", 0, "C", false, 0, "")
	}
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 9)
	for _, rec := range r.Records {
		pdf.CellFormat(widths[0], 6, tr(rec.Account), "1", 0, "L", false, 0, "")
		pdf.CellFormat(widths[1], 6, fmt.Sprintf("%d", rec.Year), "1", 0, "C", false, 0, "")
		pdf.CellFormat(widths[2], 6, fmt.Sprintf("%d", rec.Month), "1", 0, "C", false, 0, "")
		pdf.CellFormat(widths[3], 6, tr(rec.MonthName), "1", 0, "L", false, 0, "")
		pdf.CellFormat(widths[4], 6, fmt.Sprintf("%.2f", rec.PredictedKWh), "1", 0, "R", false, 0, "")
		pdf.Ln(-1)
	}

	if err := pdf.Output(w); err != nil {
		return fmt.Errorf("render pdf: %w", err)
	}
	return nil
}

// WriteReportFile renders r to path
func WriteReportFile(path string, r *Report) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := WriteReportPDF(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
