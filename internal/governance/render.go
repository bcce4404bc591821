package governance

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"time"

	"github.com/go-pdf/fpdf"
)

// RenderCSV writes the proof as a two-section CSV: a summary block followed
// by the event ledger. The proof hash rides in the summary so the document
// is self-verifying.
func RenderCSV(data *ProofData, hash string) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	summary := [][]string{
		{"commitment_id", data.CommitmentID},
		{"client_id", data.ClientID},
		{"client_name", data.ClientName},
		{"window_type", string(data.WindowType)},
		{"window_start", data.WindowStart.UTC().Format(time.RFC3339)},
		{"window_end", data.WindowEnd.UTC().Format(time.RFC3339)},
		{"target_hours", fmt.Sprintf("%.2f", data.TargetHours)},
		{"actual_hours", fmt.Sprintf("%.2f", data.ActualHours)},
		{"status", string(data.Status)},
		{"proof_hash", hash},
	}
	for _, row := range summary {
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}

	if err := w.Write([]string{"event_id", "title", "start", "end", "hours"}); err != nil {
		return nil, err
	}
	for _, ev := range data.Events {
		row := []string{
			ev.EventID,
			ev.Title,
			ev.Start.UTC().Format(time.RFC3339),
			ev.End.UTC().Format(time.RFC3339),
			fmt.Sprintf("%.2f", ev.Hours),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// RenderPDF produces a single-page attestation with the same summary and
// ledger as the CSV form.
func RenderPDF(data *ProofData, hash string) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetAutoPageBreak(true, 15)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 16)
	pdf.Cell(0, 10, "Commitment Proof")
	pdf.Ln(12)

	pdf.SetFont("Helvetica", "", 10)
	line := func(label, value string) {
		pdf.SetFont("Helvetica", "B", 10)
		pdf.CellFormat(40, 6, label, "", 0, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 10)
		pdf.CellFormat(0, 6, value, "", 1, "L", false, 0, "")
	}
	line("Client", fmt.Sprintf("%s (%s)", data.ClientName, data.ClientID))
	line("Commitment", data.CommitmentID)
	line("Window", fmt.Sprintf("%s to %s (%s)",
		data.WindowStart.UTC().Format("2006-01-02"),
		data.WindowEnd.UTC().Format("2006-01-02"),
		data.WindowType))
	line("Target hours", fmt.Sprintf("%.2f", data.TargetHours))
	line("Actual hours", fmt.Sprintf("%.2f", data.ActualHours))
	line("Status", string(data.Status))
	pdf.Ln(4)

	pdf.SetFont("Helvetica", "B", 9)
	pdf.CellFormat(55, 6, "Start", "B", 0, "L", false, 0, "")
	pdf.CellFormat(90, 6, "Title", "B", 0, "L", false, 0, "")
	pdf.CellFormat(0, 6, "Hours", "B", 1, "R", false, 0, "")
	pdf.SetFont("Helvetica", "", 9)
	for _, ev := range data.Events {
		pdf.CellFormat(55, 5, ev.Start.UTC().Format("2006-01-02 15:04"), "", 0, "L", false, 0, "")
		pdf.CellFormat(90, 5, ev.Title, "", 0, "L", false, 0, "")
		pdf.CellFormat(0, 5, fmt.Sprintf("%.2f", ev.Hours), "", 1, "R", false, 0, "")
	}

	pdf.Ln(6)
	pdf.SetFont("Helvetica", "", 7)
	pdf.Cell(0, 4, "SHA-256: "+hash)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
