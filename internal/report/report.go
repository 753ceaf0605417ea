// Package report exports firing data as CSV, JSON, and a PDF summary.
package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/go-pdf/fpdf"

	"github.com/kilnworks/kilnd/internal/store"
)

// MeasurementJSON is the JSON representation of a measurement for export.
type MeasurementJSON struct {
	Runtime     float64 `json:"runtime"`
	Temperature float64 `json:"temperature"`
	Target      float64 `json:"target"`
	Heat        float64 `json:"heat"`
	Timestamp   string  `json:"timestamp"`
}

// ExportCSV writes a firing's measurements as CSV to w.
// Headers: runtime,temperature,target,heat,timestamp
func ExportCSV(w io.Writer, s *store.Store, firingID string) error {
	measurements, err := s.QueryMeasurements(firingID)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"runtime", "temperature", "target", "heat", "timestamp"}); err != nil {
		return err
	}

	for _, m := range measurements {
		record := []string{
			strconv.FormatFloat(m.Runtime, 'f', 1, 64),
			strconv.FormatFloat(m.Temperature, 'f', 2, 64),
			strconv.FormatFloat(m.Target, 'f', 2, 64),
			strconv.FormatFloat(m.Heat, 'f', 3, 64),
			m.Timestamp.Format(time.RFC3339),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

// ExportJSON writes a firing's measurements as a JSON array to w.
func ExportJSON(w io.Writer, s *store.Store, firingID string) error {
	measurements, err := s.QueryMeasurements(firingID)
	if err != nil {
		return err
	}

	records := make([]MeasurementJSON, len(measurements))
	for i, m := range measurements {
		records[i] = MeasurementJSON{
			Runtime:     m.Runtime,
			Temperature: m.Temperature,
			Target:      m.Target,
			Heat:        m.Heat,
			Timestamp:   m.Timestamp.Format(time.RFC3339),
		}
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}

	_, err = w.Write(data)
	return err
}

// pdfTableRows caps the measurement table in the PDF. Long firings are
// downsampled by uniform stride, keeping the first and last cycles.
const pdfTableRows = 40

// ExportPDF writes a firing summary PDF to w: header info plus a
// downsampled table of the recorded curve.
func ExportPDF(w io.Writer, s *store.Store, firingID string) error {
	firing, err := s.GetFiring(firingID)
	if err != nil {
		return err
	}
	if firing == nil {
		return fmt.Errorf("firing %s not found", firingID)
	}
	measurements, err := s.QueryMeasurements(firingID)
	if err != nil {
		return err
	}

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetAutoPageBreak(true, 15)
	pdf.AddPage()

	pdf.SetFont("Arial", "B", 18)
	pdf.CellFormat(0, 12, "Kiln Firing Report", "", 1, "C", false, 0, "")
	pdf.Ln(4)

	pdf.SetFont("Arial", "", 10)
	info := []struct{ label, value string }{
		{"Firing ID", firing.ID},
		{"Profile", firing.ProfileName},
		{"Status", firing.Status},
		{"Started", firing.StartedAt.Format(time.RFC3339)},
		{"Max Temperature", fmt.Sprintf("%.1f C", firing.MaxTemp)},
		{"Energy Cost", fmt.Sprintf("%.2f", firing.Cost)},
	}
	if firing.FinishedAt != nil {
		info = append(info, struct{ label, value string }{
			"Finished", firing.FinishedAt.Format(time.RFC3339),
		})
		info = append(info, struct{ label, value string }{
			"Duration", firing.FinishedAt.Sub(firing.StartedAt).Round(time.Second).String(),
		})
	}

	for _, item := range info {
		pdf.SetFont("Arial", "B", 10)
		pdf.CellFormat(45, 7, item.label+":", "", 0, "L", false, 0, "")
		pdf.SetFont("Arial", "", 10)
		pdf.CellFormat(0, 7, item.value, "", 1, "L", false, 0, "")
	}

	pdf.Ln(6)

	pdf.SetFont("Arial", "B", 12)
	pdf.CellFormat(0, 8, "Recorded Curve", "", 1, "L", false, 0, "")
	pdf.Ln(2)

	if len(measurements) == 0 {
		pdf.SetFont("Arial", "I", 10)
		pdf.CellFormat(0, 7, "No measurements recorded.", "", 1, "L", false, 0, "")
	} else {
		pdf.SetFont("Arial", "B", 9)
		pdf.SetFillColor(220, 220, 220)
		pdf.CellFormat(30, 7, "Runtime (s)", "1", 0, "R", true, 0, "")
		pdf.CellFormat(35, 7, "Temperature (C)", "1", 0, "R", true, 0, "")
		pdf.CellFormat(35, 7, "Target (C)", "1", 0, "R", true, 0, "")
		pdf.CellFormat(25, 7, "Heat", "1", 0, "R", true, 0, "")
		pdf.CellFormat(0, 7, "Time", "1", 1, "L", true, 0, "")

		pdf.SetFont("Arial", "", 9)
		for _, m := range sampleRows(measurements, pdfTableRows) {
			pdf.CellFormat(30, 6, fmt.Sprintf("%.0f", m.Runtime), "1", 0, "R", false, 0, "")
			pdf.CellFormat(35, 6, fmt.Sprintf("%.1f", m.Temperature), "1", 0, "R", false, 0, "")
			pdf.CellFormat(35, 6, fmt.Sprintf("%.1f", m.Target), "1", 0, "R", false, 0, "")
			pdf.CellFormat(25, 6, fmt.Sprintf("%.2f", m.Heat), "1", 0, "R", false, 0, "")
			pdf.CellFormat(0, 6, m.Timestamp.Format("15:04:05"), "1", 1, "L", false, 0, "")
		}
	}

	return pdf.Output(w)
}

// sampleRows downsamples measurements to at most max rows by uniform
// stride, keeping the first and last.
func sampleRows(ms []store.Measurement, max int) []store.Measurement {
	n := len(ms)
	if n <= max || max < 2 {
		return ms
	}
	out := make([]store.Measurement, max)
	for i := 0; i < max; i++ {
		out[i] = ms[i*(n-1)/(max-1)]
	}
	return out
}
