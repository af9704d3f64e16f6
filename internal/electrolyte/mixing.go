// Package electrolyte computes the vial-to-vial mixing plan that prepares
// every electrolyte needed by a run. Mixed electrolytes are defined as
// fractions of other vial positions; the plan accounts for source vials
// being consumed by later mixes.
package electrolyte

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/aurorabench/celltools/internal/model"
)

// mixDepth is the number of propagation rounds used when accumulating
// cumulative volumes. Recipes deeper than this many levels of mixing are
// not used on the robot.
const mixDepth = 5

// MixFractions assembles the normalized square mixing matrix from the
// electrolyte records: entry (i, j) is the fraction of position j+1 in the
// recipe of position i+1. Rows with no recipe stay zero (stock solutions).
func MixFractions(electrolytes []model.ElectrolyteRecord) (*mat.Dense, error) {
	n := 0
	for _, e := range electrolytes {
		if e.Position > n {
			n = e.Position
		}
	}
	if n == 0 {
		return nil, fmt.Errorf("no electrolyte positions defined")
	}

	m := mat.NewDense(n, n, nil)
	for _, e := range electrolytes {
		if len(e.Mix) > n {
			return nil, fmt.Errorf("electrolyte %d: recipe has %d sources, only %d positions exist",
				e.Position, len(e.Mix), n)
		}
		row := e.Position - 1
		var sum float64
		for _, f := range e.Mix {
			sum += f
		}
		if sum == 0 {
			continue
		}
		for j, f := range e.Mix {
			m.Set(row, j, f/sum)
		}
	}
	return m, nil
}

// RequiredVolumes sums, per electrolyte position, the dispense volume of
// every accepted healthy cell, scaled by the safety factor. The cumulative
// volumes additionally cover what each position loses to the mixes that
// draw from it, propagated through mixDepth rounds of the mixing matrix.
func RequiredVolumes(cells []model.CellRecord, mix *mat.Dense, safetyFactor float64) (volumes, cumulative []float64) {
	n, _ := mix.Dims()
	volumes = make([]float64, n)
	for _, c := range cells {
		if c.CellNumber > 0 && c.ErrorCode == 0 &&
			c.ElectrolytePosition >= 1 && c.ElectrolytePosition <= n {
			volumes[c.ElectrolytePosition-1] += c.ElectrolyteAmountUL * safetyFactor
		}
	}

	cumulative = append([]float64(nil), volumes...)
	remaining := mat.NewVecDense(n, append([]float64(nil), volumes...))
	for d := 0; d < mixDepth; d++ {
		next := mat.NewVecDense(n, nil)
		next.MulVec(mix.T(), remaining)
		remaining = next
		for i := 0; i < n; i++ {
			cumulative[i] += remaining.AtVec(i)
		}
	}
	return volumes, cumulative
}

// MixingSteps turns the mixing matrix and per-position volumes into the
// ordered transfer list. Iterating sources in the outer loop guarantees a
// vial has received all of its own transfers before it is drawn from.
func MixingSteps(mix *mat.Dense, volumes []float64) []model.MixingStep {
	n, _ := mix.Dims()
	var steps []model.MixingStep
	for j := 0; j < n; j++ {
		for i := 0; i < n; i++ {
			v := mix.At(i, j) * volumes[i]
			if v > 0 {
				steps = append(steps, model.MixingStep{
					SourcePosition: j + 1,
					TargetPosition: i + 1,
					VolumeUL:       v,
				})
			}
		}
	}
	return steps
}

// Plan runs the full calculation and returns updated electrolyte records
// (with required volumes filled in) plus the transfer list.
func Plan(cells []model.CellRecord, electrolytes []model.ElectrolyteRecord, safetyFactor float64) ([]model.ElectrolyteRecord, []model.MixingStep, error) {
	mix, err := MixFractions(electrolytes)
	if err != nil {
		return nil, nil, err
	}
	volumes, cumulative := RequiredVolumes(cells, mix, safetyFactor)

	out := make([]model.ElectrolyteRecord, len(electrolytes))
	copy(out, electrolytes)
	for i := range out {
		pos := out[i].Position
		if pos >= 1 && pos <= len(volumes) {
			out[i].VolumeRequiredUL = volumes[pos-1]
			out[i].CumulativeVolumeRequiredUL = cumulative[pos-1]
		}
	}
	return out, MixingSteps(mix, volumes), nil
}
