package export

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/go-pdf/fpdf"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/aurorabench/celltools/internal/model"
)

// LabelInfo holds the data encoded into each sample label's QR code.
type LabelInfo struct {
	SampleID     string `json:"sample_id"`
	RunID        string `json:"run_id"`
	CellNumber   int    `json:"cell_number"`
	RackPosition int    `json:"rack_position"`
	CathodeType  string `json:"cathode_type,omitempty"`
	AnodeType    string `json:"anode_type,omitempty"`
}

// Label layout constants for Avery 5160-compatible labels (3 columns, 10 rows per page).
// Each label cell is approximately 66.7mm x 25.4mm on US Letter paper.
const (
	labelMarginTop  = 12.7 // mm
	labelMarginLeft = 4.8  // mm
	labelWidth      = 66.7 // mm per label
	labelHeight     = 25.4 // mm per label
	labelCols       = 3
	labelRows       = 10
	labelsPerPage   = labelCols * labelRows
	qrSize          = 20.0 // QR code size in mm
	labelPadding    = 2.0  // mm internal padding
)

// CollectLabelInfos builds the label data for all finished cells.
func CollectLabelInfos(cells []model.CellRecord, runID string) []LabelInfo {
	var labels []LabelInfo
	for _, c := range FinishedCells(cells) {
		labels = append(labels, LabelInfo{
			SampleID:     SampleID(runID, c.CellNumber),
			RunID:        runID,
			CellNumber:   c.CellNumber,
			RackPosition: c.RackPosition,
			CathodeType:  c.CathodeType,
			AnodeType:    c.AnodeType,
		})
	}
	return labels
}

// ExportLabels generates a PDF of QR-coded labels for all finished cells.
// Each label carries the sample ID, electrode types and a QR code encoding
// the label data as JSON, laid out on a standard label sheet format
// (Avery 5160 / 3 columns x 10 rows on US Letter).
func ExportLabels(path string, cells []model.CellRecord, runID string) error {
	labels := CollectLabelInfos(cells, runID)
	if len(labels) == 0 {
		return fmt.Errorf("no finished cells to generate labels for")
	}

	pdf := fpdf.New("P", "mm", "Letter", "")
	pdf.SetAutoPageBreak(false, 0)

	for i, label := range labels {
		if i%labelsPerPage == 0 {
			pdf.AddPage()
		}

		posOnPage := i % labelsPerPage
		col := posOnPage % labelCols
		row := posOnPage / labelCols

		x := labelMarginLeft + float64(col)*labelWidth
		y := labelMarginTop + float64(row)*labelHeight

		if err := renderLabel(pdf, x, y, label); err != nil {
			return fmt.Errorf("failed to render label for %q: %w", label.SampleID, err)
		}
	}

	return pdf.OutputFileAndClose(path)
}

// renderLabel draws a single label at the given position.
func renderLabel(pdf *fpdf.Fpdf, x, y float64, info LabelInfo) error {
	// Light border as a cutting guide
	pdf.SetDrawColor(200, 200, 200)
	pdf.SetLineWidth(0.1)
	pdf.Rect(x, y, labelWidth, labelHeight, "D")

	qrData, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal label info: %w", err)
	}

	qrPNG, err := qrcode.Encode(string(qrData), qrcode.Medium, 256)
	if err != nil {
		return fmt.Errorf("failed to generate QR code: %w", err)
	}

	imgName := fmt.Sprintf("qr_%s", info.SampleID)
	pdf.RegisterImageOptionsReader(imgName, fpdf.ImageOptions{ImageType: "PNG"}, bytes.NewReader(qrPNG))

	qrX := x + labelWidth - qrSize - labelPadding
	qrY := y + (labelHeight-qrSize)/2
	pdf.ImageOptions(imgName, qrX, qrY, qrSize, qrSize, false, fpdf.ImageOptions{ImageType: "PNG"}, 0, "")

	textX := x + labelPadding
	textW := labelWidth - qrSize - 3*labelPadding

	pdf.SetFont("Helvetica", "B", 9)
	pdf.SetTextColor(0, 0, 0)
	pdf.SetXY(textX, y+labelPadding)

	sampleID := info.SampleID
	if pdf.GetStringWidth(sampleID) > textW {
		for len(sampleID) > 0 && pdf.GetStringWidth(sampleID+"...") > textW {
			sampleID = sampleID[:len(sampleID)-1]
		}
		sampleID += "..."
	}
	pdf.CellFormat(textW, 4.5, sampleID, "", 1, "L", false, 0, "")

	pdf.SetFont("Helvetica", "", 7)
	pdf.SetXY(textX, y+labelPadding+5)
	electrodes := fmt.Sprintf("%s | %s", info.CathodeType, info.AnodeType)
	pdf.CellFormat(textW, 3.5, electrodes, "", 1, "L", false, 0, "")

	pdf.SetFont("Helvetica", "", 6)
	pdf.SetTextColor(100, 100, 100)
	pdf.SetXY(textX, y+labelPadding+9)
	position := fmt.Sprintf("Cell %d, rack %d", info.CellNumber, info.RackPosition)
	pdf.CellFormat(textW, 3, position, "", 0, "L", false, 0, "")

	pdf.SetTextColor(0, 0, 0)
	return nil
}
