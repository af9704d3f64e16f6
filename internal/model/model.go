// Package model defines the record types exchanged with the robot's
// relational state store: one cell record per rack slot, one press record
// per hydraulic press, plus electrolyte recipes and assembly step metadata.
package model

import "math"

// RackSlots is the number of physical rack positions on the robot deck.
const RackSlots = 36

// PressCount is the number of hydraulic pressing stations.
const PressCount = 6

// PressFaultCode is the sticky error code written to cells whose rack
// class is linked to a faulted press.
const PressFaultCode = 301

// CellRecord describes one rack slot and the cell being assembled in it.
// RackPosition is the immutable key; a CellNumber of 0 means the slot is
// unassigned or the cell was rejected during electrode matching.
type CellRecord struct {
	RackPosition       int `json:"rack_position"`
	CellNumber         int `json:"cell_number"`
	CurrentPressNumber int `json:"current_press_number"`
	LastCompletedStep  int `json:"last_completed_step"`
	ErrorCode          int `json:"error_code"`
	BatchNumber        int `json:"batch_number"`

	ElectrolytePosition      int     `json:"electrolyte_position"`
	ElectrolyteName          string  `json:"electrolyte_name,omitempty"`
	ElectrolyteAmountUL      float64 `json:"electrolyte_amount_ul"`
	ElectrolyteBeforeSepUL   float64 `json:"electrolyte_before_separator_ul"`
	ElectrolyteAfterSepUL    float64 `json:"electrolyte_after_separator_ul"`
	ElectrolyteDispenseOrder string  `json:"electrolyte_dispense_order,omitempty"`

	AnodeRackPosition        int     `json:"anode_rack_position"`
	AnodeType                string  `json:"anode_type,omitempty"`
	AnodeDiameterMM          float64 `json:"anode_diameter_mm"`
	AnodeWeightMG            float64 `json:"anode_weight_mg"`
	AnodeCollectorWeightMG   float64 `json:"anode_collector_weight_mg"`
	AnodeActiveFraction      float64 `json:"anode_active_fraction"`
	AnodeSpecificCapacity    float64 `json:"anode_specific_capacity_mah_g"`
	AnodeCapacityMAH         float64 `json:"anode_capacity_mah"`
	CathodeRackPosition      int     `json:"cathode_rack_position"`
	CathodeType              string  `json:"cathode_type,omitempty"`
	CathodeDiameterMM        float64 `json:"cathode_diameter_mm"`
	CathodeWeightMG          float64 `json:"cathode_weight_mg"`
	CathodeCollectorWeightMG float64 `json:"cathode_collector_weight_mg"`
	CathodeActiveFraction    float64 `json:"cathode_active_fraction"`
	CathodeSpecificCapacity  float64 `json:"cathode_specific_capacity_mah_g"`
	CathodeCapacityMAH       float64 `json:"cathode_capacity_mah"`

	TargetRatio float64 `json:"target_np_ratio"`
	MinRatio    float64 `json:"min_np_ratio"`
	MaxRatio    float64 `json:"max_np_ratio"`
	ActualRatio float64 `json:"actual_np_ratio"`

	SeparatorType string  `json:"separator_type,omitempty"`
	CasingType    string  `json:"casing_type,omitempty"`
	SpacerMM      float64 `json:"spacer_mm"`
	Comments      string  `json:"comments,omitempty"`
	Barcode       string  `json:"barcode,omitempty"`
}

// NewCellRecord returns an empty cell record for the given rack slot.
// Numeric measurement fields start as NaN so that missing data propagates
// through the capacity model instead of being silently read as zero.
func NewCellRecord(rackPosition int) CellRecord {
	nan := math.NaN()
	return CellRecord{
		RackPosition:             rackPosition,
		AnodeWeightMG:            nan,
		AnodeCollectorWeightMG:   nan,
		AnodeActiveFraction:      nan,
		AnodeSpecificCapacity:    nan,
		AnodeCapacityMAH:         nan,
		CathodeWeightMG:          nan,
		CathodeCollectorWeightMG: nan,
		CathodeActiveFraction:    nan,
		CathodeSpecificCapacity:  nan,
		CathodeCapacityMAH:       nan,
		TargetRatio:              nan,
		MinRatio:                 nan,
		MaxRatio:                 nan,
		ActualRatio:              nan,
	}
}

// RackClass reduces a rack position to its press affinity class 1..PressCount.
// Rack positions 1, 7, 13, ... share class 1; 2, 8, 14, ... share class 2.
func RackClass(rackPosition int) int {
	return (rackPosition-1)%PressCount + 1
}

// EligibleForPress reports whether the cell can be loaded onto a press:
// it carries a cell number, has not been returned to the rack, is healthy,
// and is not already on a press.
func (c CellRecord) EligibleForPress(returnStep int) bool {
	return c.CellNumber > 0 &&
		c.LastCompletedStep < returnStep &&
		c.ErrorCode == 0 &&
		c.CurrentPressNumber == 0
}

// EligibleForMatching reports whether the cell participates in electrode
// balancing: it belongs to a batch, has not started assembly, and is healthy.
func (c CellRecord) EligibleForMatching() bool {
	return c.BatchNumber > 0 && c.LastCompletedStep == 0 && c.ErrorCode == 0
}

// PressRecord describes one hydraulic pressing station.
type PressRecord struct {
	PressNumber       int `json:"press_number"`
	LoadedCellNumber  int `json:"loaded_cell_number"`
	ErrorCode         int `json:"error_code"`
	LastCompletedStep int `json:"last_completed_step"`
}

// NewPressTable returns the fixed set of empty, healthy press records.
func NewPressTable() []PressRecord {
	presses := make([]PressRecord, PressCount)
	for i := range presses {
		presses[i] = PressRecord{PressNumber: i + 1}
	}
	return presses
}

// ElectrolyteRecord describes one electrolyte vial position and, for mixed
// electrolytes, the fraction taken from each source position.
type ElectrolyteRecord struct {
	Position    int       `json:"position"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Mix         []float64 `json:"mix,omitempty"` // Mix[j] = fraction from source position j+1

	VolumeRequiredUL           float64 `json:"volume_required_ul"`
	CumulativeVolumeRequiredUL float64 `json:"cumulative_volume_required_ul"`
}

// MixingStep is one vial-to-vial liquid transfer in the electrolyte
// preparation sequence.
type MixingStep struct {
	SourcePosition int     `json:"source_position"`
	TargetPosition int     `json:"target_position"`
	VolumeUL       float64 `json:"volume_ul"`
}

// StepTimestamp records when the robot completed a step for a cell.
type StepTimestamp struct {
	CellNumber int    `json:"cell_number"`
	StepNumber int    `json:"step_number"`
	Timestamp  string `json:"timestamp"` // RFC3339
}
