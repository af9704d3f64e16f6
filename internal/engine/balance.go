package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/aurorabench/celltools/internal/model"
)

// MinBatchRows is the smallest batch worth optimizing. Smaller batches are
// left in place with the identity permutation and reported.
const MinBatchRows = 4

// BatchReport describes what happened to one batch during balancing.
type BatchReport struct {
	BatchNumber int
	Rows        int
	RowsSkipped int // rows of the batch excluded (started assembly or faulted)
	Mode        MatchMode
	FellBack    bool // exact 3D timed out, greedy result used
	TooSmall    bool
}

// BalanceReport summarizes a full balancing run.
type BalanceReport struct {
	Batches          []BatchReport
	Accepted         int
	Rejected         int
	AverageDeviation float64
}

// Balance recomputes electrode capacities, matches anodes with cathodes
// batch by batch, and renumbers the accepted cells. It returns an updated
// copy of the cell table; the input is not mutated. Batches are
// independent: a batch too small to optimize is skipped without failing
// the run, and an exact-3D timeout falls back to the greedy matching.
func Balance(ctx context.Context, cells []model.CellRecord, mode MatchMode, opts MatchOptions) ([]model.CellRecord, BalanceReport, error) {
	out := ComputeCapacities(cells)
	report := BalanceReport{}

	for _, batchNumber := range batchNumbers(out) {
		var rows []int
		skipped := 0
		for i, c := range out {
			if c.BatchNumber != batchNumber {
				continue
			}
			if c.EligibleForMatching() {
				rows = append(rows, i)
			} else {
				skipped++
			}
		}

		br := BatchReport{
			BatchNumber: batchNumber,
			Rows:        len(rows),
			RowsSkipped: skipped,
			Mode:        mode,
		}

		if len(rows) < MinBatchRows {
			br.TooSmall = true
			report.Batches = append(report.Batches, br)
			continue
		}

		batch := make([]model.CellRecord, len(rows))
		for t, i := range rows {
			batch[t] = out[i]
		}

		perm, err := Match(ctx, batch, mode, opts)
		if errors.Is(err, ErrTimeout) && (mode == ModeExact3D || mode == ModeAuto) {
			br.FellBack = true
			perm, err = Match(ctx, batch, ModeGreedy3D, opts)
		}
		if err != nil {
			return nil, BalanceReport{}, fmt.Errorf("batch %d: %w", batchNumber, err)
		}

		applyPermutation(out, rows, perm)
		report.Batches = append(report.Batches, br)
	}

	summary := renumberCells(out, mode.ChecksRatio())
	report.Accepted = summary.accepted
	report.Rejected = summary.rejected
	report.AverageDeviation = summary.averageDeviation
	return out, report, nil
}

// batchNumbers returns the distinct positive batch numbers in ascending order.
func batchNumbers(cells []model.CellRecord) []int {
	seen := make(map[int]bool)
	var numbers []int
	for _, c := range cells {
		if c.BatchNumber > 0 && !seen[c.BatchNumber] {
			seen[c.BatchNumber] = true
			numbers = append(numbers, c.BatchNumber)
		}
	}
	sort.Ints(numbers)
	return numbers
}

// applyPermutation rearranges the anode, cathode, and ratio field groups of
// the batch rows in place: row rows[t] takes its anode fields from the
// original rows[perm.Anode[t]], and so on. All other fields (rack position,
// casing, separator, electrolyte) stay with the slot.
func applyPermutation(cells []model.CellRecord, rows []int, perm Permutation) {
	orig := make([]model.CellRecord, len(rows))
	for t, i := range rows {
		orig[t] = cells[i]
	}
	for t, i := range rows {
		copyAnodeFields(&cells[i], orig[perm.Anode[t]])
		copyCathodeFields(&cells[i], orig[perm.Cathode[t]])
		copyRatioFields(&cells[i], orig[perm.Ratio[t]])
	}
}

func copyAnodeFields(dst *model.CellRecord, src model.CellRecord) {
	dst.AnodeRackPosition = src.AnodeRackPosition
	dst.AnodeType = src.AnodeType
	dst.AnodeDiameterMM = src.AnodeDiameterMM
	dst.AnodeWeightMG = src.AnodeWeightMG
	dst.AnodeCollectorWeightMG = src.AnodeCollectorWeightMG
	dst.AnodeActiveFraction = src.AnodeActiveFraction
	dst.AnodeSpecificCapacity = src.AnodeSpecificCapacity
	dst.AnodeCapacityMAH = src.AnodeCapacityMAH
}

func copyCathodeFields(dst *model.CellRecord, src model.CellRecord) {
	dst.CathodeRackPosition = src.CathodeRackPosition
	dst.CathodeType = src.CathodeType
	dst.CathodeDiameterMM = src.CathodeDiameterMM
	dst.CathodeWeightMG = src.CathodeWeightMG
	dst.CathodeCollectorWeightMG = src.CathodeCollectorWeightMG
	dst.CathodeActiveFraction = src.CathodeActiveFraction
	dst.CathodeSpecificCapacity = src.CathodeSpecificCapacity
	dst.CathodeCapacityMAH = src.CathodeCapacityMAH
}

func copyRatioFields(dst *model.CellRecord, src model.CellRecord) {
	dst.TargetRatio = src.TargetRatio
	dst.MinRatio = src.MinRatio
	dst.MaxRatio = src.MaxRatio
}

type acceptanceSummary struct {
	accepted         int
	rejected         int
	averageDeviation float64
}

// renumberCells recomputes the actual N:P ratio of every row and assigns
// dense sequential cell numbers to the accepted rows in table order;
// rejected and empty rows get cell number 0. With checkRatio false, any
// row with both capacities present is accepted without judging the ratio.
func renumberCells(cells []model.CellRecord, checkRatio bool) acceptanceSummary {
	var summary acceptanceSummary
	var deviationSum float64

	next := 1
	for i := range cells {
		c := &cells[i]
		c.ActualRatio = c.AnodeCapacityMAH / c.CathodeCapacityMAH

		var accepted bool
		if checkRatio {
			accepted = c.ActualRatio >= c.MinRatio && c.ActualRatio <= c.MaxRatio
			if !accepted && !math.IsNaN(c.ActualRatio) {
				summary.rejected++
			}
		} else {
			accepted = !math.IsNaN(c.AnodeCapacityMAH) && !math.IsNaN(c.CathodeCapacityMAH)
		}

		if accepted {
			c.CellNumber = next
			next++
			summary.accepted++
			if checkRatio {
				deviationSum += math.Abs(c.ActualRatio - c.TargetRatio)
			}
		} else {
			c.CellNumber = 0
		}
	}
	if checkRatio && summary.accepted > 0 {
		summary.averageDeviation = deviationSum / float64(summary.accepted)
	}
	return summary
}
