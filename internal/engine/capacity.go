package engine

import "github.com/aurorabench/celltools/internal/model"

// Capacity converts an electrode's physical measurements to its
// electrochemical capacity in mAh. Weights are in mg, so the product is
// scaled by 1/1000 to reach mAh. Any NaN input yields a NaN capacity;
// missing measurements must stay visible to the matching engine and are
// never coerced to zero.
func Capacity(weightMG, collectorWeightMG, activeFraction, specificCapacityMAHPerG float64) float64 {
	return (weightMG - collectorWeightMG) * activeFraction * specificCapacityMAHPerG / 1000
}

// ComputeCapacities returns a copy of cells with the anode and cathode
// capacity fields filled in from the weighed electrode measurements.
func ComputeCapacities(cells []model.CellRecord) []model.CellRecord {
	out := make([]model.CellRecord, len(cells))
	copy(out, cells)
	for i := range out {
		c := &out[i]
		c.AnodeCapacityMAH = Capacity(
			c.AnodeWeightMG, c.AnodeCollectorWeightMG,
			c.AnodeActiveFraction, c.AnodeSpecificCapacity)
		c.CathodeCapacityMAH = Capacity(
			c.CathodeWeightMG, c.CathodeCollectorWeightMG,
			c.CathodeActiveFraction, c.CathodeSpecificCapacity)
	}
	return out
}
