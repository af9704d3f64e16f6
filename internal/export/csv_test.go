package export

import (
	"encoding/csv"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurorabench/celltools/internal/model"
)

// finishedCell builds a cell that survived pressing.
func finishedCell(rack, cellNumber int) model.CellRecord {
	c := model.NewCellRecord(rack)
	c.CellNumber = cellNumber
	c.BatchNumber = 1
	c.AnodeType = "Gr"
	c.AnodeWeightMG = 104.2
	c.AnodeCollectorWeightMG = 10
	c.AnodeActiveFraction = 0.95
	c.CathodeType = "NMC811"
	c.LastCompletedStep = model.StepPress
	return c
}

func TestSampleID(t *testing.T) {
	assert.Equal(t, "run7_01", SampleID("run7", 1))
	assert.Equal(t, "run7_12", SampleID("run7", 12))
}

func TestFinishedCells(t *testing.T) {
	pressed := finishedCell(1, 2)
	returned := finishedCell(2, 1)
	returned.LastCompletedStep = model.StepReturn
	rejected := model.NewCellRecord(3) // no cell number
	faulted := finishedCell(4, 3)
	faulted.ErrorCode = 301
	midway := finishedCell(5, 4)
	midway.LastCompletedStep = model.StepSeparator

	got := FinishedCells([]model.CellRecord{pressed, returned, rejected, faulted, midway})

	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].CellNumber, "sorted by cell number, not table order")
	assert.Equal(t, 2, got[1].CellNumber)
}

func TestExportCSV(t *testing.T) {
	cells := []model.CellRecord{finishedCell(1, 1), finishedCell(2, 2)}
	stamps := []model.StepTimestamp{
		{CellNumber: 1, StepNumber: model.StepBottomCasing, Timestamp: "2026-08-29T10:00:00Z"},
		{CellNumber: 1, StepNumber: model.StepPress, Timestamp: "2026-08-29T10:30:00Z"},
		{CellNumber: 2, StepNumber: model.StepBottomCasing, Timestamp: "2026-08-29T10:01:00Z"},
		// A repeated step keeps the most recent attempt.
		{CellNumber: 1, StepNumber: model.StepBottomCasing, Timestamp: "2026-08-29T10:05:00Z"},
	}

	path := filepath.Join(t.TempDir(), "out.csv")
	require.NoError(t, ExportCSV(path, cells, stamps, "run7", false))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	r := csv.NewReader(f)
	r.Comma = ';'
	rows, err := r.ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3, "header plus two cells")

	header := rows[0]
	col := func(name string) int {
		for i, h := range header {
			if h == name {
				return i
			}
		}
		t.Fatalf("missing column %q", name)
		return -1
	}

	assert.Equal(t, "run7_01", rows[1][col("Sample ID")])
	assert.Equal(t, "1", rows[1][col("Cell Number")])
	assert.Equal(t, "Gr", rows[1][col("Anode Type")])

	// Derived active material weight: (104.2 - 10) * 0.95.
	am, err := strconv.ParseFloat(rows[1][col("Anode Active Material Weight (mg)")], 64)
	require.NoError(t, err)
	assert.InDelta(t, 89.49, am, 1e-9)

	assert.Empty(t, rows[1][col("Cathode Weight (mg)")], "NaN prints as empty")

	assert.Equal(t, "2026-08-29T10:05:00Z", rows[1][col("Timestamp Step 10")],
		"repeated step keeps the latest timestamp")
	assert.Equal(t, "2026-08-29T10:30:00Z", rows[1][col("Timestamp Step 130")])
	assert.Equal(t, "", rows[2][col("Timestamp Step 130")], "cell 2 never pressed on record")
}

func TestExportCSV_CyclerHeaders(t *testing.T) {
	cells := []model.CellRecord{finishedCell(1, 1)}
	path := filepath.Join(t.TempDir(), "out.csv")
	require.NoError(t, ExportCSV(path, cells, nil, "run7", true))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	r := csv.NewReader(f)
	r.Comma = ';'
	rows, err := r.ReadAll()
	require.NoError(t, err)

	assert.Contains(t, rows[0], "Battery_Number")
	assert.Contains(t, rows[0], "Anode AM Weight (mg)")
	assert.NotContains(t, rows[0], "Cell Number")
	assert.Contains(t, rows[0], "Sample ID", "headers without a rename keep their name")
}

func TestExportCSV_NoFinishedCells(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	err := ExportCSV(path, []model.CellRecord{model.NewCellRecord(1)}, nil, "run7", false)
	assert.Error(t, err)
}

func TestFmtFloat(t *testing.T) {
	assert.Equal(t, "", fmtFloat(math.NaN()))
	assert.Equal(t, "1.1", fmtFloat(1.1))
	assert.Equal(t, "0", fmtFloat(0))
}
