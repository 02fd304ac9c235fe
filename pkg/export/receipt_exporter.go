package export

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
)

// Receipt carries the fields rendered on a payment receipt.
type Receipt struct {
	ReceiptNo    string
	StudentName  string
	StudentEmail string
	BatchName    string
	TrxID        string
	Method       string
	SenderNumber string
	AmountMinor  int64
	Currency     string
	PaidAt       time.Time
	VerifiedAt   time.Time
	VerifiedBy   string
}

// ReceiptExporter renders approved payment receipts as PDF documents.
type ReceiptExporter struct {
	platformName string
}

// NewReceiptExporter constructs a receipt exporter.
func NewReceiptExporter(platformName string) *ReceiptExporter {
	if platformName == "" {
		platformName = "Crypto Hub"
	}
	return &ReceiptExporter{platformName: platformName}
}

// Render produces the PDF bytes for a single receipt.
func (e *ReceiptExporter) Render(r Receipt) ([]byte, error) {
	if r.ReceiptNo == "" {
		return nil, fmt.Errorf("receipt requires a receipt number")
	}

	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(15, 20, 15)
	pdf.AddPage()

	pdf.SetFont("Arial", "B", 16)
	pdf.CellFormat(0, 10, e.platformName, "", 1, "C", false, 0, "")
	pdf.SetFont("Arial", "", 11)
	pdf.CellFormat(0, 8, "Payment Receipt", "", 1, "C", false, 0, "")
	pdf.Ln(6)

	rows := [][2]string{
		{"Receipt No", r.ReceiptNo},
		{"Student", r.StudentName},
		{"Email", r.StudentEmail},
		{"Course Batch", r.BatchName},
		{"Transaction ID", r.TrxID},
		{"Payment Method", r.Method},
		{"Sender Number", r.SenderNumber},
		{"Amount", formatAmount(r.AmountMinor, r.Currency)},
		{"Paid At", r.PaidAt.Format("02 Jan 2006 15:04 MST")},
		{"Verified At", r.VerifiedAt.Format("02 Jan 2006 15:04 MST")},
	}
	if r.VerifiedBy != "" {
		rows = append(rows, [2]string{"Verified By", r.VerifiedBy})
	}

	pdf.SetFont("Arial", "", 10)
	for _, row := range rows {
		pdf.SetFont("Arial", "B", 10)
		pdf.CellFormat(50, 8, row[0], "1", 0, "", false, 0, "")
		pdf.SetFont("Arial", "", 10)
		pdf.CellFormat(130, 8, row[1], "1", 1, "", false, 0, "")
	}

	pdf.Ln(8)
	pdf.SetFont("Arial", "I", 9)
	pdf.CellFormat(0, 6, "This receipt confirms a manually verified payment. Keep it for your records.", "", 1, "C", false, 0, "")

	buf := &bytes.Buffer{}
	if err := pdf.Output(buf); err != nil {
		return nil, fmt.Errorf("render receipt pdf: %w", err)
	}
	return buf.Bytes(), nil
}

func formatAmount(minor int64, currency string) string {
	if currency == "" {
		currency = "BDT"
	}
	return fmt.Sprintf("%s %d.%02d", currency, minor/100, minor%100)
}
