// Package engine implements the two combinatorial cores of the assembly
// coordinator: first-fit assignment of cells to hydraulic presses, and
// capacity-balanced matching of anodes with cathodes.
package engine

import (
	"fmt"
	"sort"

	"github.com/aurorabench/celltools/internal/model"
)

// AssignOptions controls one press assignment tick.
type AssignOptions struct {
	// LinkRackToPress restricts each press to cells whose rack-position
	// class matches the press's entry in RackToPress.
	LinkRackToPress bool

	// ElectrolyteLimit caps the number of distinct electrolyte positions in
	// concurrent use across loaded presses. 0 disables the limit.
	ElectrolyteLimit int

	// RackToPress maps press number to accepted rack class. Nil selects
	// the default deck layout.
	RackToPress map[int]int

	// ReturnStep marks a cell as finished. 0 selects model.StepReturn.
	ReturnStep int
}

// LoadEntry identifies one press/cell pairing in a load plan.
type LoadEntry struct {
	Press        int
	RackPosition int
	CellNumber   int
}

// LoadPlan separates the bindings that existed before the tick from the
// ones planned during it, so a caller can ask for confirmation before
// committing new loads while cells are still mid-assembly. Faulted lists
// the cells that received a press fault code this tick.
type LoadPlan struct {
	AlreadyLoaded []LoadEntry
	Planned       []LoadEntry
	Faulted       []LoadEntry
}

// Assign runs one press assignment tick over full snapshots of the cell and
// press tables and returns updated copies plus the load plan. Presses are
// visited in ascending press-number order, and each press takes the first
// eligible cell in ascending rack-position order. Existing healthy bindings
// are never disturbed. The input slices are not mutated.
func Assign(cells []model.CellRecord, presses []model.PressRecord, opts AssignOptions) ([]model.CellRecord, []model.PressRecord, LoadPlan, error) {
	if opts.RackToPress == nil {
		opts.RackToPress = model.DefaultRackToPress()
	}
	if opts.ReturnStep == 0 {
		opts.ReturnStep = model.StepReturn
	}

	outCells := make([]model.CellRecord, len(cells))
	copy(outCells, cells)
	outPresses := make([]model.PressRecord, len(presses))
	copy(outPresses, presses)
	sort.Slice(outPresses, func(i, j int) bool {
		return outPresses[i].PressNumber < outPresses[j].PressNumber
	})

	if err := validateBindings(outCells, outPresses); err != nil {
		return nil, nil, LoadPlan{}, err
	}

	// A press can report a loaded cell whose record lost its press pointer,
	// typically an interrupted write. Restore the cell side so the binding
	// is kept instead of the press being treated as empty and reloaded.
	byNumber := make(map[int]int)
	for i, c := range outCells {
		if c.CellNumber > 0 {
			byNumber[c.CellNumber] = i
		}
	}
	for p := range outPresses {
		if n := outPresses[p].LoadedCellNumber; n > 0 {
			if ci := byNumber[n]; outCells[ci].CurrentPressNumber == 0 {
				outCells[ci].CurrentPressNumber = outPresses[p].PressNumber
			}
		}
	}

	var plan LoadPlan

	// Candidate pool: indices into outCells, ascending rack position.
	var pool []int
	for i, c := range outCells {
		if c.EligibleForPress(opts.ReturnStep) {
			pool = append(pool, i)
		}
	}
	sort.Slice(pool, func(a, b int) bool {
		return outCells[pool[a]].RackPosition < outCells[pool[b]].RackPosition
	})

	// cellsByPress resolves the partial bijection from the cell side.
	cellsByPress := make(map[int]int)
	for i, c := range outCells {
		if c.CurrentPressNumber > 0 {
			cellsByPress[c.CurrentPressNumber] = i
		}
	}

	electrolytesInUse := make(map[int]bool)

	for p := range outPresses {
		press := &outPresses[p]

		if len(pool) == 0 {
			break
		}

		if press.ErrorCode != 0 {
			// A faulted press never loads. With linking on, its whole rack
			// class is unusable, so those cells inherit a fault code.
			if opts.LinkRackToPress {
				class := opts.RackToPress[press.PressNumber]
				var remaining []int
				for _, ci := range pool {
					if model.RackClass(outCells[ci].RackPosition) == class {
						outCells[ci].ErrorCode = model.PressFaultCode
						plan.Faulted = append(plan.Faulted, LoadEntry{
							Press:        press.PressNumber,
							RackPosition: outCells[ci].RackPosition,
							CellNumber:   outCells[ci].CellNumber,
						})
					} else {
						remaining = append(remaining, ci)
					}
				}
				pool = remaining
			}
			continue
		}

		if ci, loaded := cellsByPress[press.PressNumber]; loaded {
			loadedCell := outCells[ci]
			plan.AlreadyLoaded = append(plan.AlreadyLoaded, LoadEntry{
				Press:        press.PressNumber,
				RackPosition: loadedCell.RackPosition,
				CellNumber:   loadedCell.CellNumber,
			})
			if loadedCell.ErrorCode == 0 {
				electrolytesInUse[loadedCell.ElectrolytePosition] = true
			}
			continue
		}

		batchFull := opts.ElectrolyteLimit > 0 && len(electrolytesInUse) >= opts.ElectrolyteLimit

		chosen := -1
		for pi, ci := range pool {
			cell := outCells[ci]
			if opts.LinkRackToPress &&
				model.RackClass(cell.RackPosition) != opts.RackToPress[press.PressNumber] {
				continue
			}
			if batchFull && !electrolytesInUse[cell.ElectrolytePosition] {
				continue
			}
			chosen = pi
			break
		}
		if chosen < 0 {
			continue
		}

		ci := pool[chosen]
		cell := &outCells[ci]
		press.LoadedCellNumber = cell.CellNumber
		cell.CurrentPressNumber = press.PressNumber
		electrolytesInUse[cell.ElectrolytePosition] = true
		plan.Planned = append(plan.Planned, LoadEntry{
			Press:        press.PressNumber,
			RackPosition: cell.RackPosition,
			CellNumber:   cell.CellNumber,
		})
		pool = append(pool[:chosen], pool[chosen+1:]...)
	}

	return outCells, outPresses, plan, nil
}

// validateBindings checks the partial bijection between loaded presses and
// cells. A duplicate or dangling binding is a configuration fault: the
// engine refuses to run rather than guess which record is right.
func validateBindings(cells []model.CellRecord, presses []model.PressRecord) error {
	perPress := make(map[int]int)
	perCell := make(map[int]int)
	pressByCell := make(map[int]int)
	for _, c := range cells {
		if c.CurrentPressNumber > 0 {
			perPress[c.CurrentPressNumber]++
			if perPress[c.CurrentPressNumber] > 1 {
				return fmt.Errorf("%w: press %d referenced by more than one cell record",
					ErrInconsistentState, c.CurrentPressNumber)
			}
		}
		if c.CellNumber > 0 {
			perCell[c.CellNumber]++
			pressByCell[c.CellNumber] = c.CurrentPressNumber
		}
	}
	for _, p := range presses {
		if p.LoadedCellNumber == 0 {
			continue
		}
		switch perCell[p.LoadedCellNumber] {
		case 0:
			return fmt.Errorf("%w: press %d loaded with cell %d which has no cell record",
				ErrInconsistentState, p.PressNumber, p.LoadedCellNumber)
		case 1:
			if bound := pressByCell[p.LoadedCellNumber]; bound != 0 && bound != p.PressNumber {
				return fmt.Errorf("%w: press %d loaded with cell %d which claims to be on press %d",
					ErrInconsistentState, p.PressNumber, p.LoadedCellNumber, bound)
			}
		default:
			return fmt.Errorf("%w: press %d loaded with cell %d which matches %d cell records",
				ErrInconsistentState, p.PressNumber, p.LoadedCellNumber, perCell[p.LoadedCellNumber])
		}
	}
	return nil
}
