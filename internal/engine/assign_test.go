package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurorabench/celltools/internal/model"
)

// readyCell returns a cell that is numbered, healthy, and waiting for a press.
func readyCell(rack, cellNumber int) model.CellRecord {
	c := model.NewCellRecord(rack)
	c.CellNumber = cellNumber
	c.ElectrolytePosition = 1
	return c
}

func pressTable(n int) []model.PressRecord {
	presses := make([]model.PressRecord, n)
	for i := range presses {
		presses[i] = model.PressRecord{PressNumber: i + 1}
	}
	return presses
}

func TestAssign_LinkedRackClasses(t *testing.T) {
	// Three empty presses, five ready cells on rack positions 1, 2, 7, 8
	// and 13. With linking on, press 1 owns class 1 (racks 1, 7, 13) and
	// takes the lowest rack position; press 3 owns class 2 (racks 2, 8);
	// press 2 owns class 4, which has no candidates.
	cells := []model.CellRecord{
		readyCell(1, 11), readyCell(2, 12), readyCell(7, 13),
		readyCell(8, 14), readyCell(13, 15),
	}
	presses := pressTable(3)

	outCells, outPresses, plan, err := Assign(cells, presses, AssignOptions{LinkRackToPress: true})
	require.NoError(t, err)

	require.Len(t, plan.Planned, 2)
	assert.Equal(t, LoadEntry{Press: 1, RackPosition: 1, CellNumber: 11}, plan.Planned[0])
	assert.Equal(t, LoadEntry{Press: 3, RackPosition: 2, CellNumber: 12}, plan.Planned[1])
	assert.Empty(t, plan.AlreadyLoaded)
	assert.Empty(t, plan.Faulted)

	assert.Equal(t, 11, outPresses[0].LoadedCellNumber)
	assert.Equal(t, 0, outPresses[1].LoadedCellNumber, "press 2 (class 4) has no candidates")
	assert.Equal(t, 12, outPresses[2].LoadedCellNumber)

	assert.Equal(t, 1, outCells[0].CurrentPressNumber)
	assert.Equal(t, 3, outCells[1].CurrentPressNumber)
	for _, i := range []int{2, 3, 4} {
		assert.Equal(t, 0, outCells[i].CurrentPressNumber, "rack %d stays unloaded", outCells[i].RackPosition)
	}
}

func TestAssign_UnlinkedFirstFit(t *testing.T) {
	// Without linking every press takes the next cell in rack order.
	cells := []model.CellRecord{readyCell(5, 1), readyCell(9, 2), readyCell(20, 3)}
	presses := pressTable(6)

	_, outPresses, plan, err := Assign(cells, presses, AssignOptions{})
	require.NoError(t, err)

	require.Len(t, plan.Planned, 3)
	assert.Equal(t, 1, outPresses[0].LoadedCellNumber)
	assert.Equal(t, 2, outPresses[1].LoadedCellNumber)
	assert.Equal(t, 3, outPresses[2].LoadedCellNumber)
	assert.Equal(t, 0, outPresses[3].LoadedCellNumber)
}

func TestAssign_DoesNotMutateInputs(t *testing.T) {
	cells := []model.CellRecord{readyCell(1, 1)}
	presses := pressTable(6)

	_, _, _, err := Assign(cells, presses, AssignOptions{})
	require.NoError(t, err)

	assert.Equal(t, 0, cells[0].CurrentPressNumber)
	assert.Equal(t, 0, presses[0].LoadedCellNumber)
}

func TestAssign_KeepsExistingBindings(t *testing.T) {
	// A healthy cell already on press 2 must stay there, be reported as
	// already loaded, and never be re-planned onto another press.
	loaded := readyCell(2, 5)
	loaded.CurrentPressNumber = 2
	cells := []model.CellRecord{readyCell(1, 1), loaded}
	presses := pressTable(6)
	presses[1].LoadedCellNumber = 5

	outCells, outPresses, plan, err := Assign(cells, presses, AssignOptions{})
	require.NoError(t, err)

	require.Len(t, plan.AlreadyLoaded, 1)
	assert.Equal(t, LoadEntry{Press: 2, RackPosition: 2, CellNumber: 5}, plan.AlreadyLoaded[0])
	require.Len(t, plan.Planned, 1)
	assert.Equal(t, 1, plan.Planned[0].Press)

	assert.Equal(t, 5, outPresses[1].LoadedCellNumber)
	assert.Equal(t, 2, outCells[1].CurrentPressNumber)
}

func TestAssign_RepairsOneSidedBinding(t *testing.T) {
	// Press 1 reports cell 5 loaded, but the cell record lost its press
	// pointer. The binding is restored and reported as already loaded;
	// the press must not be treated as empty and given another cell.
	stale := readyCell(2, 5)
	cells := []model.CellRecord{readyCell(1, 1), stale}
	presses := pressTable(6)
	presses[0].LoadedCellNumber = 5

	outCells, outPresses, plan, err := Assign(cells, presses, AssignOptions{})
	require.NoError(t, err)

	require.Len(t, plan.AlreadyLoaded, 1)
	assert.Equal(t, LoadEntry{Press: 1, RackPosition: 2, CellNumber: 5}, plan.AlreadyLoaded[0])
	assert.Equal(t, 1, outCells[1].CurrentPressNumber)
	assert.Equal(t, 5, outPresses[0].LoadedCellNumber)

	// The other cell lands on the next press, not on press 1.
	require.Len(t, plan.Planned, 1)
	assert.Equal(t, LoadEntry{Press: 2, RackPosition: 1, CellNumber: 1}, plan.Planned[0])
}

func TestAssign_FaultedPressMarksLinkedClass(t *testing.T) {
	// Press 3 is faulted. With linking, its rack class (2: racks 2, 8,
	// 14, ...) inherits error 301 and is never loaded anywhere.
	cells := []model.CellRecord{readyCell(1, 1), readyCell(2, 2), readyCell(8, 3)}
	presses := pressTable(6)
	presses[2].ErrorCode = 99

	outCells, outPresses, plan, err := Assign(cells, presses, AssignOptions{LinkRackToPress: true})
	require.NoError(t, err)

	require.Len(t, plan.Faulted, 2)
	assert.Equal(t, model.PressFaultCode, outCells[1].ErrorCode)
	assert.Equal(t, model.PressFaultCode, outCells[2].ErrorCode)
	assert.Equal(t, 0, outCells[1].CurrentPressNumber)
	assert.Equal(t, 0, outPresses[2].LoadedCellNumber, "a faulted press never loads")

	// The healthy class is unaffected.
	assert.Equal(t, 0, outCells[0].ErrorCode)
	assert.Equal(t, 1, outCells[0].CurrentPressNumber)
}

func TestAssign_FaultedPressUnlinkedMutatesNothing(t *testing.T) {
	cells := []model.CellRecord{readyCell(3, 1)}
	presses := pressTable(6)
	presses[0].ErrorCode = 1

	outCells, _, plan, err := Assign(cells, presses, AssignOptions{})
	require.NoError(t, err)

	assert.Empty(t, plan.Faulted)
	assert.Equal(t, 0, outCells[0].ErrorCode)
	// Press 2 picks the cell up instead.
	assert.Equal(t, 2, outCells[0].CurrentPressNumber)
}

func TestAssign_ElectrolyteLimit(t *testing.T) {
	// Six ready cells over three electrolyte positions with a limit of 2:
	// once two distinct positions are in play, only cells reusing them may
	// load.
	positions := []int{1, 1, 2, 3, 2, 3}
	cells := make([]model.CellRecord, len(positions))
	for i, pos := range positions {
		cells[i] = readyCell(i+1, i+1)
		cells[i].ElectrolytePosition = pos
	}
	presses := pressTable(6)

	outCells, _, plan, err := Assign(cells, presses, AssignOptions{ElectrolyteLimit: 2})
	require.NoError(t, err)

	distinct := map[int]bool{}
	for _, e := range plan.Planned {
		distinct[outCells[e.RackPosition-1].ElectrolytePosition] = true
	}
	assert.LessOrEqual(t, len(distinct), 2)

	// Racks 1, 2 (position 1), 3 (position 2) and 5 (position 2) load;
	// position 3 never enters play.
	require.Len(t, plan.Planned, 4)
	for _, e := range plan.Planned {
		assert.NotEqual(t, 3, outCells[e.RackPosition-1].ElectrolytePosition)
	}
}

func TestAssign_ElectrolyteLimitCountsLoadedPresses(t *testing.T) {
	// A press already holding a cell with electrolyte 7 contributes that
	// position to the in-use set.
	loaded := readyCell(1, 1)
	loaded.CurrentPressNumber = 1
	loaded.ElectrolytePosition = 7
	same := readyCell(2, 2)
	same.ElectrolytePosition = 7
	other := readyCell(3, 3)
	other.ElectrolytePosition = 8

	presses := pressTable(6)
	presses[0].LoadedCellNumber = 1

	outCells, _, plan, err := Assign([]model.CellRecord{loaded, same, other}, presses,
		AssignOptions{ElectrolyteLimit: 1})
	require.NoError(t, err)

	require.Len(t, plan.Planned, 1)
	assert.Equal(t, 2, plan.Planned[0].CellNumber, "only the cell sharing electrolyte 7 may load")
	assert.Equal(t, 0, outCells[2].CurrentPressNumber)
}

func TestAssign_IneligibleCellsIgnored(t *testing.T) {
	unnumbered := model.NewCellRecord(1)
	finished := readyCell(2, 2)
	finished.LastCompletedStep = model.StepReturn
	faulted := readyCell(3, 3)
	faulted.ErrorCode = 301

	_, outPresses, plan, err := Assign(
		[]model.CellRecord{unnumbered, finished, faulted}, pressTable(6), AssignOptions{})
	require.NoError(t, err)

	assert.Empty(t, plan.Planned)
	for _, p := range outPresses {
		assert.Equal(t, 0, p.LoadedCellNumber)
	}
}

func TestAssign_InconsistentState(t *testing.T) {
	t.Run("press references missing cell", func(t *testing.T) {
		presses := pressTable(6)
		presses[0].LoadedCellNumber = 42

		_, _, _, err := Assign([]model.CellRecord{readyCell(1, 1)}, presses, AssignOptions{})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInconsistentState)
	})

	t.Run("press references duplicated cell number", func(t *testing.T) {
		a := readyCell(1, 9)
		b := readyCell(2, 9)
		presses := pressTable(6)
		presses[0].LoadedCellNumber = 9

		_, _, _, err := Assign([]model.CellRecord{a, b}, presses, AssignOptions{})
		assert.ErrorIs(t, err, ErrInconsistentState)
	})

	t.Run("press and cell disagree", func(t *testing.T) {
		c := readyCell(1, 5)
		c.CurrentPressNumber = 2
		presses := pressTable(6)
		presses[0].LoadedCellNumber = 5

		_, _, _, err := Assign([]model.CellRecord{c}, presses, AssignOptions{})
		assert.ErrorIs(t, err, ErrInconsistentState)
	})

	t.Run("two cells claim one press", func(t *testing.T) {
		a := readyCell(1, 1)
		a.CurrentPressNumber = 4
		b := readyCell(2, 2)
		b.CurrentPressNumber = 4
		presses := pressTable(6)
		presses[3].LoadedCellNumber = 1

		_, _, _, err := Assign([]model.CellRecord{a, b}, presses, AssignOptions{})
		assert.ErrorIs(t, err, ErrInconsistentState)
	})
}

func TestAssign_NoStealProperty(t *testing.T) {
	// Bindings that exist before the tick survive it untouched, whatever
	// else gets planned.
	var cells []model.CellRecord
	presses := pressTable(6)
	for i := 0; i < 3; i++ {
		c := readyCell(i+1, i+1)
		c.CurrentPressNumber = i + 1
		cells = append(cells, c)
		presses[i].LoadedCellNumber = i + 1
	}
	for i := 3; i < 8; i++ {
		cells = append(cells, readyCell(i+1, i+1))
	}

	outCells, outPresses, _, err := Assign(cells, presses, AssignOptions{})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		assert.Equal(t, i+1, outPresses[i].LoadedCellNumber)
		assert.Equal(t, i+1, outCells[i].CurrentPressNumber)
	}
}
