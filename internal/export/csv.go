// Package export writes finished-run data to the formats consumed
// downstream: semicolon-separated CSV for the cycler database, JSON for
// the cycler manager, and QR-coded sample labels as PDF.
package export

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"

	"github.com/aurorabench/celltools/internal/model"
)

// SampleID builds the canonical sample identifier for a finished cell.
func SampleID(runID string, cellNumber int) string {
	return fmt.Sprintf("%s_%02d", runID, cellNumber)
}

// FinishedCells returns the cells that completed pressing without error,
// ordered by cell number.
func FinishedCells(cells []model.CellRecord) []model.CellRecord {
	var out []model.CellRecord
	for _, c := range cells {
		if c.CellNumber > 0 && c.LastCompletedStep >= model.StepPress && c.ErrorCode == 0 {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CellNumber < out[j].CellNumber })
	return out
}

// activeMaterialWeightMG derives the active material mass from the total
// electrode mass, collector mass and active fraction.
func activeMaterialWeightMG(weightMG, collectorMG, fraction float64) float64 {
	return (weightMG - collectorMG) * fraction
}

// fmtFloat renders a float for CSV output. NaN becomes the empty field so
// that downstream parsers see missing data rather than a literal "NaN".
func fmtFloat(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// latestTimestamps reduces the raw timestamp log to one entry per cell and
// step, keeping the most recent timestamp when a step was repeated.
func latestTimestamps(stamps []model.StepTimestamp) map[int]map[int]string {
	out := map[int]map[int]string{}
	for _, ts := range stamps {
		byStep, ok := out[ts.CellNumber]
		if !ok {
			byStep = map[int]string{}
			out[ts.CellNumber] = byStep
		}
		if ts.Timestamp > byStep[ts.StepNumber] {
			byStep[ts.StepNumber] = ts.Timestamp
		}
	}
	return out
}

// csvColumn pairs a header with the function extracting its value.
type csvColumn struct {
	header string
	value  func(c model.CellRecord) string
}

func baseColumns(runID string) []csvColumn {
	return []csvColumn{
		{"Run ID", func(c model.CellRecord) string { return runID }},
		{"Sample ID", func(c model.CellRecord) string { return SampleID(runID, c.CellNumber) }},
		{"Cell Number", func(c model.CellRecord) string { return strconv.Itoa(c.CellNumber) }},
		{"Rack Position", func(c model.CellRecord) string { return strconv.Itoa(c.RackPosition) }},
		{"Batch Number", func(c model.CellRecord) string { return strconv.Itoa(c.BatchNumber) }},
		{"Anode Rack Position", func(c model.CellRecord) string { return strconv.Itoa(c.AnodeRackPosition) }},
		{"Anode Type", func(c model.CellRecord) string { return c.AnodeType }},
		{"Anode Diameter (mm)", func(c model.CellRecord) string { return fmtFloat(c.AnodeDiameterMM) }},
		{"Anode Weight (mg)", func(c model.CellRecord) string { return fmtFloat(c.AnodeWeightMG) }},
		{"Anode Current Collector Weight (mg)", func(c model.CellRecord) string { return fmtFloat(c.AnodeCollectorWeightMG) }},
		{"Anode Active Material Weight Fraction", func(c model.CellRecord) string { return fmtFloat(c.AnodeActiveFraction) }},
		{"Anode Active Material Weight (mg)", func(c model.CellRecord) string {
			return fmtFloat(activeMaterialWeightMG(c.AnodeWeightMG, c.AnodeCollectorWeightMG, c.AnodeActiveFraction))
		}},
		{"Anode Balancing Specific Capacity (mAh/g)", func(c model.CellRecord) string { return fmtFloat(c.AnodeSpecificCapacity) }},
		{"Anode Capacity (mAh)", func(c model.CellRecord) string { return fmtFloat(c.AnodeCapacityMAH) }},
		{"Cathode Rack Position", func(c model.CellRecord) string { return strconv.Itoa(c.CathodeRackPosition) }},
		{"Cathode Type", func(c model.CellRecord) string { return c.CathodeType }},
		{"Cathode Diameter (mm)", func(c model.CellRecord) string { return fmtFloat(c.CathodeDiameterMM) }},
		{"Cathode Weight (mg)", func(c model.CellRecord) string { return fmtFloat(c.CathodeWeightMG) }},
		{"Cathode Current Collector Weight (mg)", func(c model.CellRecord) string { return fmtFloat(c.CathodeCollectorWeightMG) }},
		{"Cathode Active Material Weight Fraction", func(c model.CellRecord) string { return fmtFloat(c.CathodeActiveFraction) }},
		{"Cathode Active Material Weight (mg)", func(c model.CellRecord) string {
			return fmtFloat(activeMaterialWeightMG(c.CathodeWeightMG, c.CathodeCollectorWeightMG, c.CathodeActiveFraction))
		}},
		{"Cathode Balancing Specific Capacity (mAh/g)", func(c model.CellRecord) string { return fmtFloat(c.CathodeSpecificCapacity) }},
		{"Cathode Capacity (mAh)", func(c model.CellRecord) string { return fmtFloat(c.CathodeCapacityMAH) }},
		{"Target N:P Ratio", func(c model.CellRecord) string { return fmtFloat(c.TargetRatio) }},
		{"Actual N:P Ratio", func(c model.CellRecord) string { return fmtFloat(c.ActualRatio) }},
		{"Electrolyte Position", func(c model.CellRecord) string { return strconv.Itoa(c.ElectrolytePosition) }},
		{"Electrolyte Name", func(c model.CellRecord) string { return c.ElectrolyteName }},
		{"Electrolyte Amount (uL)", func(c model.CellRecord) string { return fmtFloat(c.ElectrolyteAmountUL) }},
		{"Separator Type", func(c model.CellRecord) string { return c.SeparatorType }},
		{"Casing Type", func(c model.CellRecord) string { return c.CasingType }},
		{"Spacer (mm)", func(c model.CellRecord) string { return fmtFloat(c.SpacerMM) }},
		{"Comments", func(c model.CellRecord) string { return c.Comments }},
		{"Barcode", func(c model.CellRecord) string { return c.Barcode }},
	}
}

// cyclerRenames maps output headers to the names the cycler database
// expects. Headers without an entry keep their name.
var cyclerRenames = map[string]string{
	"Cell Number":                           "Battery_Number",
	"Rack Position":                         "Rack_Position",
	"Batch Number":                          "Subbatch",
	"Anode Rack Position":                   "Anode Position",
	"Anode Diameter (mm)":                   "Anode_Diameter",
	"Anode Weight (mg)":                     "Anode Weight",
	"Anode Active Material Weight Fraction": "Anode AM Content",
	"Anode Active Material Weight (mg)":     "Anode AM Weight (mg)",
	"Anode Balancing Specific Capacity (mAh/g)": "Anode Practical Capacity (mAh/g)",
	"Cathode Rack Position":                     "Cathode Position",
	"Cathode Active Material Weight Fraction":   "Cathode AM Content",
	"Cathode Active Material Weight (mg)":       "Cathode AM Weight (mg)",
	"Cathode Balancing Specific Capacity (mAh/g)": "Cathode Practical Capacity (mAh/g)",
	"Electrolyte Name":          "Electrolyte",
	"Electrolyte Amount (uL)":   "Electrolyte Amount",
	"Separator Type":            "Separator",
}

// ExportCSV writes the finished cells to a semicolon-separated CSV file,
// one timestamp column per completed assembly step. When renameForCycler
// is set the headers use the cycler database's column names.
func ExportCSV(path string, cells []model.CellRecord, stamps []model.StepTimestamp, runID string, renameForCycler bool) error {
	finished := FinishedCells(cells)
	if len(finished) == 0 {
		return fmt.Errorf("no finished cells to export")
	}

	cols := baseColumns(runID)
	byCell := latestTimestamps(stamps)

	// Timestamp columns for every step that appears in the log, ascending.
	stepSet := map[int]bool{}
	for _, byStep := range byCell {
		for step := range byStep {
			stepSet[step] = true
		}
	}
	steps := make([]int, 0, len(stepSet))
	for step := range stepSet {
		steps = append(steps, step)
	}
	sort.Ints(steps)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	w.Comma = ';'

	header := make([]string, 0, len(cols)+len(steps))
	for _, col := range cols {
		name := col.header
		if renameForCycler {
			if renamed, ok := cyclerRenames[name]; ok {
				name = renamed
			}
		}
		header = append(header, name)
	}
	for _, step := range steps {
		header = append(header, fmt.Sprintf("Timestamp Step %d", step))
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, c := range finished {
		row := make([]string, 0, len(header))
		for _, col := range cols {
			row = append(row, col.value(c))
		}
		for _, step := range steps {
			row = append(row, byCell[c.CellNumber][step])
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	w.Flush()
	return w.Error()
}
