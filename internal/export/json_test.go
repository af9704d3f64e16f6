package export

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurorabench/celltools/internal/model"
)

func TestExportJSON(t *testing.T) {
	cells := []model.CellRecord{finishedCell(1, 1)}
	stamps := []model.StepTimestamp{
		{CellNumber: 1, StepNumber: model.StepPress, Timestamp: "2026-08-29T10:30:00Z"},
		{CellNumber: 1, StepNumber: model.StepBottomCasing, Timestamp: "2026-08-29T10:00:00Z"},
	}

	path := filepath.Join(t.TempDir(), "out.json")
	require.NoError(t, ExportJSON(path, cells, stamps, "run7"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var records []CellExport
	require.NoError(t, json.Unmarshal(data, &records))
	require.Len(t, records, 1)

	r := records[0]
	assert.Equal(t, "run7", r.RunID)
	assert.Equal(t, "run7_01", r.SampleID)
	assert.Equal(t, 1, r.CellNumber)
	assert.Equal(t, 0.0, r.CathodeWeightMG, "missing measurements export as zero")

	// History follows recipe order regardless of log order.
	require.Len(t, r.AssemblyHistory, 2)
	assert.Equal(t, "Bottom", r.AssemblyHistory[0].Step)
	assert.Equal(t, "Press", r.AssemblyHistory[1].Step)
	assert.Equal(t, int64(1787999400), r.AssemblyHistory[1].UTS)
	assert.Equal(t, "2026-08-29T10:30:00Z", r.AssemblyHistory[1].Timestamp)
}

func TestAssemblyHistory_SkipsUnparseableTimestamps(t *testing.T) {
	history := assemblyHistory(map[int]string{
		model.StepBottomCasing: "not a time",
		model.StepPress:        "2026-08-29T10:30:00Z",
	})
	require.Len(t, history, 1)
	assert.Equal(t, "Press", history[0].Step)
}

func TestExportJSON_NoFinishedCells(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.json")
	err := ExportJSON(path, nil, nil, "run7")
	assert.Error(t, err)
}
