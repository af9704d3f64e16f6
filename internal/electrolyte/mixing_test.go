package electrolyte

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurorabench/celltools/internal/model"
)

func stock(pos int, name string) model.ElectrolyteRecord {
	return model.ElectrolyteRecord{Position: pos, Name: name}
}

func mixed(pos int, name string, mix ...float64) model.ElectrolyteRecord {
	return model.ElectrolyteRecord{Position: pos, Name: name, Mix: mix}
}

func dispensingCell(cellNumber, position int, amountUL float64) model.CellRecord {
	c := model.NewCellRecord(cellNumber)
	c.CellNumber = cellNumber
	c.ElectrolytePosition = position
	c.ElectrolyteAmountUL = amountUL
	return c
}

func TestMixFractions_NormalizesRows(t *testing.T) {
	m, err := MixFractions([]model.ElectrolyteRecord{
		stock(1, "LP40"),
		stock(2, "LP57"),
		mixed(3, "blend", 3, 1),
	})
	require.NoError(t, err)

	r, c := m.Dims()
	assert.Equal(t, 3, r)
	assert.Equal(t, 3, c)
	assert.InDelta(t, 0.75, m.At(2, 0), 1e-12)
	assert.InDelta(t, 0.25, m.At(2, 1), 1e-12)
	assert.Equal(t, 0.0, m.At(0, 0), "stock rows stay zero")
}

func TestMixFractions_Errors(t *testing.T) {
	_, err := MixFractions(nil)
	assert.Error(t, err)

	_, err = MixFractions([]model.ElectrolyteRecord{
		stock(1, "LP40"),
		mixed(2, "bad", 1, 0, 1), // three sources, two positions
	})
	assert.Error(t, err)
}

func TestPlan_FiftyFiftyBlend(t *testing.T) {
	// Position 3 is an even blend of positions 1 and 2. Two cells dispense
	// 100 uL of the blend each, so the blend vial needs 200 uL, which in
	// turn draws 100 uL from each stock vial.
	electrolytes := []model.ElectrolyteRecord{
		stock(1, "LP40"),
		stock(2, "LP57"),
		mixed(3, "blend", 1, 1),
	}
	cells := []model.CellRecord{
		dispensingCell(1, 3, 100),
		dispensingCell(2, 3, 100),
	}

	out, steps, err := Plan(cells, electrolytes, 1.0)
	require.NoError(t, err)

	assert.Equal(t, 0.0, out[0].VolumeRequiredUL)
	assert.Equal(t, 0.0, out[1].VolumeRequiredUL)
	assert.InDelta(t, 200, out[2].VolumeRequiredUL, 1e-9)

	assert.InDelta(t, 100, out[0].CumulativeVolumeRequiredUL, 1e-9)
	assert.InDelta(t, 100, out[1].CumulativeVolumeRequiredUL, 1e-9)
	assert.InDelta(t, 200, out[2].CumulativeVolumeRequiredUL, 1e-9)

	require.Len(t, steps, 2)
	assert.Equal(t, 1, steps[0].SourcePosition)
	assert.Equal(t, 3, steps[0].TargetPosition)
	assert.InDelta(t, 100, steps[0].VolumeUL, 1e-9)
	assert.Equal(t, 2, steps[1].SourcePosition)
	assert.Equal(t, 3, steps[1].TargetPosition)
	assert.InDelta(t, 100, steps[1].VolumeUL, 1e-9)
}

func TestPlan_SafetyFactor(t *testing.T) {
	electrolytes := []model.ElectrolyteRecord{stock(1, "LP40")}
	cells := []model.CellRecord{dispensingCell(1, 1, 100)}

	out, _, err := Plan(cells, electrolytes, 1.1)
	require.NoError(t, err)
	assert.InDelta(t, 110, out[0].VolumeRequiredUL, 1e-9)
}

func TestRequiredVolumes_SkipsIneligibleCells(t *testing.T) {
	mix, err := MixFractions([]model.ElectrolyteRecord{stock(1, "LP40")})
	require.NoError(t, err)

	rejected := dispensingCell(0, 1, 100) // rejected at matching, no number
	rejected.CellNumber = 0
	faulted := dispensingCell(2, 1, 100)
	faulted.ErrorCode = 301
	outOfRange := dispensingCell(3, 9, 100)
	good := dispensingCell(4, 1, 100)

	volumes, _ := RequiredVolumes(
		[]model.CellRecord{rejected, faulted, outOfRange, good}, mix, 1.0)
	assert.InDelta(t, 100, volumes[0], 1e-9)
}

func TestPlan_ChainedMixPropagates(t *testing.T) {
	// Position 3 draws from 2, which itself draws from 1. The cumulative
	// requirement walks the whole chain.
	electrolytes := []model.ElectrolyteRecord{
		stock(1, "stock"),
		mixed(2, "first", 1),
		mixed(3, "second", 0, 1),
	}
	cells := []model.CellRecord{dispensingCell(1, 3, 100)}

	out, steps, err := Plan(cells, electrolytes, 1.0)
	require.NoError(t, err)

	assert.InDelta(t, 100, out[2].CumulativeVolumeRequiredUL, 1e-9)
	assert.InDelta(t, 100, out[1].CumulativeVolumeRequiredUL, 1e-9)
	assert.InDelta(t, 100, out[0].CumulativeVolumeRequiredUL, 1e-9)

	// Only the direct dispense volume drives the transfers: vial 2 never
	// accumulated its own dispenses, so its restock appears through the
	// cumulative report, not as an extra step.
	require.Len(t, steps, 1)
	assert.Equal(t, model.MixingStep{SourcePosition: 2, TargetPosition: 3, VolumeUL: 100}, steps[0])
}
