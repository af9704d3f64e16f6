package engine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/aurorabench/celltools/internal/model"
)

// MatchMode selects the electrode matching strategy for a batch.
type MatchMode int

const (
	// ModeKeepOrder applies the identity permutation and later accepts any
	// row with both capacities present, skipping the ratio gate. Used when
	// resuming a partially assembled run.
	ModeKeepOrder MatchMode = iota
	// ModeIdentity applies the identity permutation but still checks ratios.
	ModeIdentity
	// ModeSortByCapacity aligns cathodes with anodes by capacity rank.
	// Kept for comparison; the cost matrix modes beat it.
	ModeSortByCapacity
	// ModeCostMatrix2D solves a 2D minimum-cost assignment. Optimal when
	// all rows of the batch share one target/min/max ratio.
	ModeCostMatrix2D
	// ModeGreedy3D greedily assigns (anode, cathode, ratio) triples.
	ModeGreedy3D
	// ModeExact3D solves the 3D assignment exactly, within a time budget.
	ModeExact3D
	// ModeAuto picks 2D for uniform-ratio batches, otherwise exact 3D with
	// a greedy fallback on timeout.
	ModeAuto
)

func (m MatchMode) String() string {
	switch m {
	case ModeKeepOrder:
		return "keep"
	case ModeIdentity:
		return "identity"
	case ModeSortByCapacity:
		return "sort"
	case ModeCostMatrix2D:
		return "2d"
	case ModeGreedy3D:
		return "greedy3d"
	case ModeExact3D:
		return "exact3d"
	case ModeAuto:
		return "auto"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMatchMode converts the CLI spelling of a mode to its value.
func ParseMatchMode(s string) (MatchMode, error) {
	for _, m := range []MatchMode{
		ModeKeepOrder, ModeIdentity, ModeSortByCapacity,
		ModeCostMatrix2D, ModeGreedy3D, ModeExact3D, ModeAuto,
	} {
		if m.String() == s {
			return m, nil
		}
	}
	return ModeAuto, fmt.Errorf("unknown matching mode %q", s)
}

// ChecksRatio reports whether acceptance applies the min/max ratio gate.
func (m MatchMode) ChecksRatio() bool { return m != ModeKeepOrder }

// MatchOptions tunes the cost model and the exact solver budget.
type MatchOptions struct {
	// RejectionCostFactor scales the cost of out-of-band pairings so they
	// are penalized rather than forbidden. Must be > 1; 0 selects 2.
	RejectionCostFactor float64

	// ExactTimeout bounds the wall-clock time of one exact 3D solve.
	// 0 selects 30 seconds.
	ExactTimeout time.Duration
}

func (o MatchOptions) factor() float64 {
	if o.RejectionCostFactor <= 0 {
		return 2.0
	}
	return o.RejectionCostFactor
}

func (o MatchOptions) timeout() time.Duration {
	if o.ExactTimeout <= 0 {
		return 30 * time.Second
	}
	return o.ExactTimeout
}

// Cost substitutions for missing capacity data. Unknown pairings all carry
// the same very high cost; the diagonal is kept marginally cheaper so that
// electrodes with no data stay in their current slot instead of swapping
// with each other.
const (
	nanCost       = 1000.0
	nanDiagCost2D = 999.99999999
	nanDiagCost3D = 999.999
)

// Permutation holds the three role permutations produced by matching:
// output row t takes its anode fields from input row Anode[t], cathode
// fields from Cathode[t], and ratio bounds from Ratio[t]. Anode is always
// the identity after sorting, so anode electrodes never move.
type Permutation struct {
	Anode   []int
	Cathode []int
	Ratio   []int
}

func identityPerm(n int) []int {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	return p
}

// Match computes the electrode permutation for one batch of cells. The
// context bounds the exact 3D search; other modes return promptly. A
// ModeExact3D run that exhausts its budget returns ErrTimeout so the
// caller can fall back to the greedy strategy.
func Match(ctx context.Context, batch []model.CellRecord, mode MatchMode, opts MatchOptions) (Permutation, error) {
	n := len(batch)
	perm := Permutation{
		Anode:   identityPerm(n),
		Cathode: identityPerm(n),
		Ratio:   identityPerm(n),
	}
	if n == 0 {
		return perm, nil
	}

	switch mode {
	case ModeKeepOrder, ModeIdentity:
		return perm, nil

	case ModeSortByCapacity:
		perm.Cathode = sortAlignedCathodes(batch)
		return perm, nil

	case ModeCostMatrix2D:
		perm.Cathode = solveAssignment(costMatrix2D(batch, opts.factor()))
		return perm, nil

	case ModeGreedy3D:
		perm.Cathode, perm.Ratio = greedy3D(costCube3D(batch, opts.factor()))
		return perm, nil

	case ModeExact3D:
		cathode, ratio, err := exact3DWithBudget(ctx, batch, opts)
		if err != nil {
			return Permutation{}, err
		}
		perm.Cathode, perm.Ratio = cathode, ratio
		return perm, nil

	case ModeAuto:
		if uniformRatios(batch) {
			perm.Cathode = solveAssignment(costMatrix2D(batch, opts.factor()))
			return perm, nil
		}
		cathode, ratio, err := exact3DWithBudget(ctx, batch, opts)
		if err != nil {
			return Permutation{}, err
		}
		perm.Cathode, perm.Ratio = cathode, ratio
		return perm, nil

	default:
		return Permutation{}, fmt.Errorf("unknown matching mode %v", mode)
	}
}

// uniformRatios reports whether every row of the batch shares the same
// target, minimum, and maximum ratio, which makes the 2D assignment
// provably sufficient.
func uniformRatios(batch []model.CellRecord) bool {
	for _, c := range batch[1:] {
		if c.TargetRatio != batch[0].TargetRatio ||
			c.MinRatio != batch[0].MinRatio ||
			c.MaxRatio != batch[0].MaxRatio {
			return false
		}
	}
	return len(batch) > 0
}

// sortAlignedCathodes matches cathodes to anodes by capacity rank: the
// k-th largest cathode goes to the slot of the k-th largest anode, with
// anode positions held fixed. NaN capacities sort last.
func sortAlignedCathodes(batch []model.CellRecord) []int {
	n := len(batch)
	anodeSort := argsortNaNLast(n, func(i int) float64 { return batch[i].AnodeCapacityMAH })
	cathodeSort := argsortNaNLast(n, func(i int) float64 { return batch[i].CathodeCapacityMAH })

	inv := make([]int, n)
	for rank, i := range anodeSort {
		inv[i] = rank
	}
	out := make([]int, n)
	for i := 0; i < n; i++ {
		out[i] = cathodeSort[inv[i]]
	}
	return out
}

func argsortNaNLast(n int, key func(int) float64) []int {
	idx := identityPerm(n)
	sort.SliceStable(idx, func(a, b int) bool {
		x, y := key(idx[a]), key(idx[b])
		if math.IsNaN(x) {
			return false
		}
		if math.IsNaN(y) {
			return true
		}
		return x < y
	})
	return idx
}

// costMatrix2D builds the n×n pairing cost matrix: entry (i,j) is the
// deviation of anode i paired with cathode j from row i's target ratio.
// Ratios outside row i's band are clamped outward by the rejection cost
// factor so bad pairings are expensive rather than impossible.
func costMatrix2D(batch []model.CellRecord, factor float64) *mat.Dense {
	n := len(batch)
	cost := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			r := batch[i].AnodeCapacityMAH / batch[j].CathodeCapacityMAH
			switch {
			case r > batch[i].MaxRatio:
				r = batch[i].MaxRatio * factor
			case r < batch[i].MinRatio:
				r = batch[i].MinRatio / factor
			}
			c := math.Abs(r - batch[i].TargetRatio)
			if math.IsNaN(c) {
				if i == j {
					c = nanDiagCost2D
				} else {
					c = nanCost
				}
			}
			cost.Set(i, j, c)
		}
	}
	return cost
}

// costCube3D builds the n×n×n cost of pairing anode i with cathode j under
// row k's ratio bounds. The deviation from target is normalized by the
// width of the band on that side, so 1.0 is exactly on the bound; anything
// beyond costs the rejection factor. A band with zero width on one side
// rejects any deviation to that side outright.
func costCube3D(batch []model.CellRecord, factor float64) [][][]float64 {
	n := len(batch)
	cube := make([][][]float64, n)
	for i := 0; i < n; i++ {
		cube[i] = make([][]float64, n)
		for j := 0; j < n; j++ {
			cube[i][j] = make([]float64, n)
			for k := 0; k < n; k++ {
				cube[i][j][k] = cost3D(
					batch[i].AnodeCapacityMAH, batch[j].CathodeCapacityMAH,
					batch[k].TargetRatio, batch[k].MinRatio, batch[k].MaxRatio,
					factor, i == j && j == k)
			}
		}
	}
	return cube
}

func cost3D(anode, cathode, target, minRatio, maxRatio, factor float64, diagonal bool) float64 {
	d := anode/cathode - target
	var c float64
	switch {
	case d < 0:
		width := minRatio - target
		if width == 0 {
			c = factor
		} else {
			c = d / width
		}
	case d > 0:
		width := maxRatio - target
		if width == 0 {
			c = factor
		} else {
			c = d / width
		}
	default:
		c = d // 0, or NaN when data is missing
	}
	if c > 1 {
		c = factor
	}
	if math.IsNaN(c) {
		if diagonal {
			return nanDiagCost3D
		}
		return nanCost
	}
	return c
}

// exact3DWithBudget runs the exact solver under the configured wall-clock
// budget, layered on whatever deadline the caller's context already has.
func exact3DWithBudget(ctx context.Context, batch []model.CellRecord, opts MatchOptions) (cathode, ratio []int, err error) {
	ctx, cancel := context.WithTimeout(ctx, opts.timeout())
	defer cancel()
	return exact3D(ctx, costCube3D(batch, opts.factor()))
}

// triple is one candidate (anode, cathode, ratio) pairing.
type triple struct {
	i, j, k int
	cost    float64
}

// greedy3D enumerates every triple, sorts by cost, and accepts a triple
// only when none of its three indices has been used in that role yet.
// Suboptimal, but polynomial and immune to the combinatorial explosion of
// the exact search.
func greedy3D(cube [][][]float64) (cathode, ratio []int) {
	n := len(cube)
	triples := make([]triple, 0, n*n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			for k := 0; k < n; k++ {
				triples = append(triples, triple{i, j, k, cube[i][j][k]})
			}
		}
	}
	sort.Slice(triples, func(a, b int) bool { return triples[a].cost < triples[b].cost })

	usedI := make([]bool, n)
	usedJ := make([]bool, n)
	usedK := make([]bool, n)
	cathode = make([]int, n)
	ratio = make([]int, n)
	chosen := 0
	for _, t := range triples {
		if usedI[t.i] || usedJ[t.j] || usedK[t.k] {
			continue
		}
		usedI[t.i], usedJ[t.j], usedK[t.k] = true, true, true
		cathode[t.i] = t.j
		ratio[t.i] = t.k
		chosen++
		if chosen == n {
			break
		}
	}
	return cathode, ratio
}

// exact3D solves the axial 3D assignment exactly with branch and bound:
// anodes are processed in index order, each branching over every unused
// (cathode, ratio) pair. The static per-anode lower bound prunes branches
// that cannot beat the incumbent (which starts at the greedy solution).
// NP-hard, so the context deadline is checked throughout; expiry yields
// ErrTimeout and the caller decides whether the greedy result is enough.
func exact3D(ctx context.Context, cube [][][]float64) (cathode, ratio []int, err error) {
	n := len(cube)
	if n == 0 {
		return nil, nil, nil
	}

	s := &exactSearch{ctx: ctx, cube: cube, n: n}

	// Per-anode minimum over all (j,k), accumulated into suffix sums for
	// the admissible bound.
	s.suffixBound = make([]float64, n+1)
	for i := n - 1; i >= 0; i-- {
		best := math.Inf(1)
		for j := 0; j < n; j++ {
			for k := 0; k < n; k++ {
				if cube[i][j][k] < best {
					best = cube[i][j][k]
				}
			}
		}
		s.suffixBound[i] = s.suffixBound[i+1] + best
	}

	// Seed the incumbent with the greedy solution so pruning bites early.
	gc, gk := greedy3D(cube)
	s.bestCathode = append([]int(nil), gc...)
	s.bestRatio = append([]int(nil), gk...)
	s.bestCost = 0
	for i := 0; i < n; i++ {
		s.bestCost += cube[i][gc[i]][gk[i]]
	}

	s.usedJ = make([]bool, n)
	s.usedK = make([]bool, n)
	s.curCathode = make([]int, n)
	s.curRatio = make([]int, n)

	if err := s.branch(0, 0); err != nil {
		return nil, nil, err
	}
	return s.bestCathode, s.bestRatio, nil
}

type exactSearch struct {
	ctx  context.Context
	cube [][][]float64
	n    int

	suffixBound []float64
	usedJ       []bool
	usedK       []bool
	curCathode  []int
	curRatio    []int

	bestCathode []int
	bestRatio   []int
	bestCost    float64

	nodes int
}

func (s *exactSearch) branch(i int, cost float64) error {
	s.nodes++
	if s.nodes&1023 == 0 {
		select {
		case <-s.ctx.Done():
			return fmt.Errorf("%w: searched %d nodes", ErrTimeout, s.nodes)
		default:
		}
	}
	if i == s.n {
		if cost < s.bestCost {
			s.bestCost = cost
			copy(s.bestCathode, s.curCathode)
			copy(s.bestRatio, s.curRatio)
		}
		return nil
	}
	if cost+s.suffixBound[i] >= s.bestCost {
		return nil
	}
	for j := 0; j < s.n; j++ {
		if s.usedJ[j] {
			continue
		}
		for k := 0; k < s.n; k++ {
			if s.usedK[k] {
				continue
			}
			next := cost + s.cube[i][j][k]
			if next+s.suffixBound[i+1] >= s.bestCost {
				continue
			}
			s.usedJ[j], s.usedK[k] = true, true
			s.curCathode[i], s.curRatio[i] = j, k
			if err := s.branch(i+1, next); err != nil {
				return err
			}
			s.usedJ[j], s.usedK[k] = false, false
		}
	}
	return nil
}
