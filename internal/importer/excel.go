// Package importer reads the operator's input workbook and turns it into
// the record tables the rest of the tool works on. The workbook carries
// one sheet with the per-rack-slot plan, one with reusable component
// properties, and one with the electrolyte recipes.
package importer

import (
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/aurorabench/celltools/internal/model"
)

// Sheet names expected in the input workbook.
const (
	SheetInput       = "Input Table"
	SheetComponents  = "Component Properties"
	SheetElectrolyte = "Electrolyte Properties"
)

// Default electrode diameters in mm, used when the component table leaves
// the diameter empty or zero.
const (
	defaultAnodeDiameterMM   = 15.0
	defaultCathodeDiameterMM = 14.0
)

// MaxElectrolyteUL is the hard dispensing limit of the liquid handler.
// Volumes above WarnElectrolyteUL are unusual enough to flag.
const (
	MaxElectrolyteUL  = 500.0
	WarnElectrolyteUL = 150.0
)

// ImportResult holds the outcome of reading an input workbook. Errors are
// fatal: when any are present the result must not be written to the store.
type ImportResult struct {
	Cells        []model.CellRecord
	Electrolytes []model.ElectrolyteRecord
	Presses      []model.PressRecord
	Settings     map[string]string
	Warnings     []string
	Errors       []string
}

// electrodeProps are the per-type properties merged onto every cell that
// uses the type.
type electrodeProps struct {
	DiameterMM        float64
	CollectorWeightMG float64
	ActiveFraction    float64
	SpecificCapacity  float64
}

// headerIndex maps normalized header names to column indices.
type headerIndex map[string]int

func indexHeaders(row []string) headerIndex {
	idx := make(headerIndex, len(row))
	for i, cell := range row {
		name := strings.ToLower(strings.TrimSpace(cell))
		if name != "" {
			if _, dup := idx[name]; !dup {
				idx[name] = i
			}
		}
	}
	return idx
}

// cell returns the trimmed value at the named column, or "" when the
// column is absent or the row is short.
func (h headerIndex) cell(row []string, name string) string {
	i, ok := h[name]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func (h headerIndex) intCell(row []string, name string) int {
	v, err := strconv.Atoi(h.cell(row, name))
	if err != nil {
		return 0
	}
	return v
}

// floatCell returns NaN for empty or unparseable values so that missing
// measurements propagate instead of reading as zero.
func (h headerIndex) floatCell(row []string, name string) float64 {
	s := h.cell(row, name)
	if s == "" {
		return math.NaN()
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN()
	}
	return v
}

func isEmptyRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

// ImportWorkbook reads an input workbook and builds the initial run state:
// 36 cell records, the empty press table, the electrolyte recipes, and the
// settings that identify the run.
func ImportWorkbook(path string) ImportResult {
	result := ImportResult{Settings: map[string]string{}}

	f, err := excelize.OpenFile(path)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("Cannot open workbook: %v", err))
		return result
	}
	defer f.Close()

	inputRows, err := f.GetRows(SheetInput)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("Missing sheet %q: %v", SheetInput, err))
		return result
	}
	componentRows, err := f.GetRows(SheetComponents)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("Missing sheet %q: %v", SheetComponents, err))
		return result
	}
	electrolyteRows, err := f.GetRows(SheetElectrolyte)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("Missing sheet %q: %v", SheetElectrolyte, err))
		return result
	}

	anodes, cathodes, compErrs := parseComponents(componentRows)
	result.Errors = append(result.Errors, compErrs...)

	electrolytes, elErrs := parseElectrolytes(electrolyteRows)
	result.Errors = append(result.Errors, elErrs...)
	result.Electrolytes = electrolytes

	electrolyteNames := make(map[int]string, len(electrolytes))
	for _, e := range electrolytes {
		electrolyteNames[e.Position] = e.Name
	}

	cells, warnings, cellErrs := parseInputTable(inputRows, anodes, cathodes, electrolyteNames)
	result.Cells = cells
	result.Warnings = append(result.Warnings, warnings...)
	result.Errors = append(result.Errors, cellErrs...)

	if len(result.Errors) > 0 {
		return result
	}

	result.Presses = model.NewPressTable()
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	result.Settings["Input Filepath"] = path
	result.Settings["Base Sample ID"] = base
	result.Settings["Run ID"] = uuid.NewString()
	return result
}

// parseComponents reads the component sheet into per-type anode and
// cathode property tables. A duplicated type is fatal because the merge
// onto the cell table would be ambiguous.
func parseComponents(rows [][]string) (anodes, cathodes map[string]electrodeProps, errs []string) {
	anodes = map[string]electrodeProps{}
	cathodes = map[string]electrodeProps{}
	if len(rows) == 0 {
		return anodes, cathodes, []string{"Component sheet is empty"}
	}

	h := indexHeaders(rows[0])
	for _, row := range rows[1:] {
		if isEmptyRow(row) {
			continue
		}
		if t := h.cell(row, "anode type"); t != "" {
			if _, dup := anodes[t]; dup {
				errs = append(errs, fmt.Sprintf("Duplicate anode type %q in component table", t))
				continue
			}
			p := electrodeProps{
				DiameterMM:        h.floatCell(row, "anode diameter (mm)"),
				CollectorWeightMG: h.floatCell(row, "anode current collector weight (mg)"),
				ActiveFraction:    h.floatCell(row, "anode active material weight fraction"),
				SpecificCapacity:  h.floatCell(row, "anode balancing specific capacity (mah/g)"),
			}
			if math.IsNaN(p.DiameterMM) || p.DiameterMM == 0 {
				p.DiameterMM = defaultAnodeDiameterMM
			}
			anodes[t] = p
		}
		if t := h.cell(row, "cathode type"); t != "" {
			if _, dup := cathodes[t]; dup {
				errs = append(errs, fmt.Sprintf("Duplicate cathode type %q in component table", t))
				continue
			}
			p := electrodeProps{
				DiameterMM:        h.floatCell(row, "cathode diameter (mm)"),
				CollectorWeightMG: h.floatCell(row, "cathode current collector weight (mg)"),
				ActiveFraction:    h.floatCell(row, "cathode active material weight fraction"),
				SpecificCapacity:  h.floatCell(row, "cathode balancing specific capacity (mah/g)"),
			}
			if math.IsNaN(p.DiameterMM) || p.DiameterMM == 0 {
				p.DiameterMM = defaultCathodeDiameterMM
			}
			cathodes[t] = p
		}
	}
	return anodes, cathodes, errs
}

// parseElectrolytes reads the electrolyte sheet. The first row is a title
// row, the second carries headers. Mix columns are named "Mix from N".
func parseElectrolytes(rows [][]string) ([]model.ElectrolyteRecord, []string) {
	if len(rows) < 2 {
		return nil, []string{"Electrolyte sheet is empty"}
	}

	h := indexHeaders(rows[1])
	var errs []string
	var out []model.ElectrolyteRecord
	for _, row := range rows[2:] {
		if isEmptyRow(row) {
			continue
		}
		pos := h.intCell(row, "electrolyte position")
		if pos <= 0 {
			continue
		}
		e := model.ElectrolyteRecord{
			Position:    pos,
			Name:        h.cell(row, "name"),
			Description: h.cell(row, "description"),
		}
		for j := 1; ; j++ {
			col := fmt.Sprintf("mix from %d", j)
			if _, ok := h[col]; !ok {
				break
			}
			v := h.floatCell(row, col)
			if math.IsNaN(v) {
				v = 0
			}
			e.Mix = append(e.Mix, v)
		}
		out = append(out, e)
	}
	if len(out) == 0 {
		errs = append(errs, "Electrolyte sheet has no positions")
	}
	return out, errs
}

// parseInputTable reads the 36-row plan sheet into cell records, merging
// electrode properties by type and splitting the electrolyte amount by
// dispense order.
func parseInputTable(rows [][]string, anodes, cathodes map[string]electrodeProps, electrolyteNames map[int]string) (cells []model.CellRecord, warnings, errs []string) {
	if len(rows) < 2 {
		return nil, nil, []string{"Input sheet is empty"}
	}

	h := indexHeaders(rows[0])
	for _, name := range []string{
		"rack position", "anode type", "cathode type", "separator type",
		"electrolyte position", "electrolyte amount (ul)",
		"electrolyte dispense order", "batch number",
		"n:p ratio target", "n:p ratio minimum", "n:p ratio maximum",
	} {
		if _, ok := h[name]; !ok {
			errs = append(errs, fmt.Sprintf("Missing column %q in input sheet", name))
		}
	}
	if len(errs) > 0 {
		return nil, nil, errs
	}

	for i, row := range rows[1:] {
		if isEmptyRow(row) {
			continue
		}
		rack := h.intCell(row, "rack position")
		c := model.NewCellRecord(rack)
		c.AnodeType = h.cell(row, "anode type")
		c.CathodeType = h.cell(row, "cathode type")
		c.SeparatorType = h.cell(row, "separator type")
		c.CasingType = h.cell(row, "casing type")
		c.BatchNumber = h.intCell(row, "batch number")
		c.TargetRatio = h.floatCell(row, "n:p ratio target")
		c.MinRatio = h.floatCell(row, "n:p ratio minimum")
		c.MaxRatio = h.floatCell(row, "n:p ratio maximum")
		c.SpacerMM = h.floatCell(row, "spacer (mm)")
		c.Comments = h.cell(row, "comments")

		c.ElectrolytePosition = h.intCell(row, "electrolyte position")
		c.ElectrolyteName = electrolyteNames[c.ElectrolytePosition]
		c.ElectrolyteAmountUL = h.floatCell(row, "electrolyte amount (ul)")
		c.ElectrolyteDispenseOrder = h.cell(row, "electrolyte dispense order")

		used := c.AnodeType != "" || c.CathodeType != ""
		switch c.ElectrolyteDispenseOrder {
		case "Before":
			c.ElectrolyteBeforeSepUL = c.ElectrolyteAmountUL
			c.ElectrolyteAfterSepUL = 0
		case "After":
			c.ElectrolyteBeforeSepUL = 0
			c.ElectrolyteAfterSepUL = c.ElectrolyteAmountUL
		case "Both":
			c.ElectrolyteBeforeSepUL = c.ElectrolyteAmountUL / 2
			c.ElectrolyteAfterSepUL = c.ElectrolyteAmountUL / 2
		default:
			if used {
				errs = append(errs, fmt.Sprintf(
					"Row %d: electrolyte dispense order must be \"Before\", \"After\" or \"Both\"", i+2))
			}
		}

		if c.ElectrolyteAmountUL > MaxElectrolyteUL {
			errs = append(errs, fmt.Sprintf(
				"Row %d: electrolyte volume %.0f uL exceeds the %.0f uL dispensing limit",
				i+2, c.ElectrolyteAmountUL, MaxElectrolyteUL))
		} else if c.ElectrolyteAmountUL > WarnElectrolyteUL {
			warnings = append(warnings, fmt.Sprintf(
				"Row %d: large electrolyte volume %.0f uL", i+2, c.ElectrolyteAmountUL))
		}

		if c.AnodeType != "" {
			p, ok := anodes[c.AnodeType]
			if !ok {
				errs = append(errs, fmt.Sprintf("Row %d: unknown anode type %q", i+2, c.AnodeType))
			} else {
				c.AnodeRackPosition = rack
				c.AnodeDiameterMM = p.DiameterMM
				c.AnodeCollectorWeightMG = p.CollectorWeightMG
				c.AnodeActiveFraction = p.ActiveFraction
				c.AnodeSpecificCapacity = p.SpecificCapacity
			}
		}
		if c.CathodeType != "" {
			p, ok := cathodes[c.CathodeType]
			if !ok {
				errs = append(errs, fmt.Sprintf("Row %d: unknown cathode type %q", i+2, c.CathodeType))
			} else {
				c.CathodeRackPosition = rack
				c.CathodeDiameterMM = p.DiameterMM
				c.CathodeCollectorWeightMG = p.CollectorWeightMG
				c.CathodeActiveFraction = p.ActiveFraction
				c.CathodeSpecificCapacity = p.SpecificCapacity
			}
		}

		cells = append(cells, c)
	}

	for i, c := range cells {
		if c.RackPosition != i+1 {
			errs = append(errs, fmt.Sprintf(
				"Rack positions must be sequential starting at 1, got %d at row %d",
				c.RackPosition, i+2))
			break
		}
	}
	if len(cells) != model.RackSlots {
		errs = append(errs, fmt.Sprintf(
			"Input sheet must describe all %d rack positions, got %d", model.RackSlots, len(cells)))
	}
	return cells, warnings, errs
}
