package export

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/aurorabench/celltools/internal/model"
)

// AssemblyStep is one completed step in a cell's assembly history.
type AssemblyStep struct {
	Step        string `json:"step"`
	Description string `json:"description"`
	Timestamp   string `json:"timestamp"`
	UTS         int64  `json:"uts"`
}

// CellExport is the JSON record written for each finished cell.
type CellExport struct {
	model.CellRecord
	RunID           string         `json:"run_id"`
	SampleID        string         `json:"sample_id"`
	AssemblyHistory []AssemblyStep `json:"assembly_history"`
}

// assemblyHistory converts a cell's step timestamps into the ordered
// history list, resolving step numbers to their names and descriptions.
func assemblyHistory(byStep map[int]string) []AssemblyStep {
	var history []AssemblyStep
	for _, step := range model.StepOrder {
		ts, ok := byStep[step]
		if !ok {
			continue
		}
		t, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			continue
		}
		info := model.StepDefinitions[step]
		history = append(history, AssemblyStep{
			Step:        info.Name,
			Description: info.Description,
			Timestamp:   t.Format(time.RFC3339),
			UTS:         t.Unix(),
		})
	}
	return history
}

// clearNaN zeroes any remaining NaN measurement fields. The JSON encoder
// rejects NaN, and a finished cell should not carry missing measurements
// anyway.
func clearNaN(c model.CellRecord) model.CellRecord {
	for _, f := range []*float64{
		&c.ElectrolyteAmountUL, &c.ElectrolyteBeforeSepUL, &c.ElectrolyteAfterSepUL,
		&c.AnodeDiameterMM, &c.AnodeWeightMG, &c.AnodeCollectorWeightMG,
		&c.AnodeActiveFraction, &c.AnodeSpecificCapacity, &c.AnodeCapacityMAH,
		&c.CathodeDiameterMM, &c.CathodeWeightMG, &c.CathodeCollectorWeightMG,
		&c.CathodeActiveFraction, &c.CathodeSpecificCapacity, &c.CathodeCapacityMAH,
		&c.TargetRatio, &c.MinRatio, &c.MaxRatio, &c.ActualRatio, &c.SpacerMM,
	} {
		if math.IsNaN(*f) {
			*f = 0
		}
	}
	return c
}

// ExportJSON writes the finished cells, with their assembly histories, to
// a JSON file for the cycler manager.
func ExportJSON(path string, cells []model.CellRecord, stamps []model.StepTimestamp, runID string) error {
	finished := FinishedCells(cells)
	if len(finished) == 0 {
		return fmt.Errorf("no finished cells to export")
	}

	byCell := latestTimestamps(stamps)
	records := make([]CellExport, 0, len(finished))
	for _, c := range finished {
		records = append(records, CellExport{
			CellRecord:      clearNaN(c),
			RunID:           runID,
			SampleID:        SampleID(runID, c.CellNumber),
			AssemblyHistory: assemblyHistory(byCell[c.CellNumber]),
		})
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal cell records: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write JSON file: %w", err)
	}
	return nil
}
