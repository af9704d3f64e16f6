package export

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurorabench/celltools/internal/model"
)

func TestCollectLabelInfos(t *testing.T) {
	done := finishedCell(1, 1)
	unfinished := model.NewCellRecord(2)

	infos := CollectLabelInfos([]model.CellRecord{done, unfinished}, "run7")

	require.Len(t, infos, 1)
	assert.Equal(t, "run7_01", infos[0].SampleID)
	assert.Equal(t, 1, infos[0].CellNumber)
	assert.Equal(t, "NMC811", infos[0].CathodeType)
}

func TestExportLabels(t *testing.T) {
	// Thirty-five cells spill onto a second label page.
	var cells []model.CellRecord
	for i := 1; i <= 35; i++ {
		cells = append(cells, finishedCell(i, i))
	}

	path := filepath.Join(t.TempDir(), "labels.pdf")
	require.NoError(t, ExportLabels(path, cells, "run7"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Greater(t, len(data), 4)
	assert.Equal(t, "%PDF", string(data[:4]))
}

func TestExportLabels_NoFinishedCells(t *testing.T) {
	path := filepath.Join(t.TempDir(), "labels.pdf")
	assert.Error(t, ExportLabels(path, nil, "run7"))
}
