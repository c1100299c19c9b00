package xlparse

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/ckcm0210/xlwatch/internal/cells"
)

func defaultTestOptions() Options {
	return Options{
		EnableFormulaValueCheck: true,
		MaxFormulaValueCells:    1000,
		RowBatchSize:            100,
	}
}

// writeWorkbook builds a small workbook on disk: B1 literal 1, A1 formula
// with cached value 2, C1 literal string.
func writeWorkbook(t *testing.T) string {
	t.Helper()

	f := excelize.NewFile()
	require.NoError(t, f.SetCellValue("Sheet1", "B1", 1))
	require.NoError(t, f.SetCellValue("Sheet1", "A1", 2))
	require.NoError(t, f.SetCellFormula("Sheet1", "A1", "B1+1"))
	require.NoError(t, f.SetCellValue("Sheet1", "C1", "label"))

	path := filepath.Join(t.TempDir(), "book.xlsx")
	require.NoError(t, f.SaveAs(path))
	require.NoError(t, f.Close())

	return path
}

func TestParseFileGrid(t *testing.T) {
	t.Parallel()

	res, err := ParseFile(writeWorkbook(t), defaultTestOptions())
	require.NoError(t, err)

	require.Contains(t, res.Grid, "Sheet1")
	ws := res.Grid["Sheet1"]

	a1, ok := ws["A1"]
	require.True(t, ok)
	assert.Equal(t, "=B1+1", a1.Formula)
	assert.False(t, a1.ExternalRef)
	require.NotNil(t, a1.CachedValue)
	assert.True(t, a1.CachedValue.Equal(cells.Number(2)))

	b1, ok := ws["B1"]
	require.True(t, ok)
	assert.False(t, b1.HasFormula())
	require.NotNil(t, b1.Value)
	assert.True(t, b1.Value.Equal(cells.Number(1)))

	c1, ok := ws["C1"]
	require.True(t, ok)
	require.NotNil(t, c1.Value)
	assert.True(t, c1.Value.Equal(cells.String("label")))

	assert.Equal(t, []string{"Sheet1"}, res.Meta.SheetOrder)
	assert.Empty(t, res.Meta.ExternalRefs)
}

func TestParseFileValuePassCap(t *testing.T) {
	t.Parallel()

	f := excelize.NewFile()
	require.NoError(t, f.SetCellValue("Sheet1", "A1", 10))
	require.NoError(t, f.SetCellFormula("Sheet1", "A1", "B1*2"))
	require.NoError(t, f.SetCellValue("Sheet1", "A2", 20))
	require.NoError(t, f.SetCellFormula("Sheet1", "A2", "B2*2"))

	path := filepath.Join(t.TempDir(), "capped.xlsx")
	require.NoError(t, f.SaveAs(path))
	require.NoError(t, f.Close())

	// Exactly at the cap: the value pass runs.
	opts := defaultTestOptions()
	opts.MaxFormulaValueCells = 2

	res, err := ParseFile(path, opts)
	require.NoError(t, err)
	assert.NotNil(t, res.Grid["Sheet1"]["A1"].CachedValue)
	assert.NotNil(t, res.Grid["Sheet1"]["A2"].CachedValue)

	// One over the cap: all formula cells keep a nil cached value.
	opts.MaxFormulaValueCells = 1

	res, err = ParseFile(path, opts)
	require.NoError(t, err)
	assert.Nil(t, res.Grid["Sheet1"]["A1"].CachedValue)
	assert.Nil(t, res.Grid["Sheet1"]["A2"].CachedValue)
}

func TestParseFileEmptySheetYieldsEmptyGrid(t *testing.T) {
	t.Parallel()

	f := excelize.NewFile()
	path := filepath.Join(t.TempDir(), "empty.xlsx")
	require.NoError(t, f.SaveAs(path))
	require.NoError(t, f.Close())

	res, err := ParseFile(path, defaultTestOptions())
	require.NoError(t, err)
	assert.Empty(t, res.Grid)

	h, err := res.Grid.Hash()
	require.NoError(t, err)
	assert.NotEmpty(t, h)
}

func TestParseFileNotAWorkbook(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "junk.xlsx")
	require.NoError(t, os.WriteFile(path, []byte("this is not a zip archive"), 0o600))

	_, err := ParseFile(path, defaultTestOptions())
	assert.ErrorIs(t, err, ErrNotAWorkbook)
}

func TestFetchValuesTargeted(t *testing.T) {
	t.Parallel()

	path := writeWorkbook(t)

	vals, err := FetchValues(path, map[string][]string{"Sheet1": {"A1", "B1", "Z99"}})
	require.NoError(t, err)

	require.Contains(t, vals, "Sheet1")
	assert.True(t, vals["Sheet1"]["A1"].Equal(cells.Number(2)))
	assert.True(t, vals["Sheet1"]["B1"].Equal(cells.Number(1)))
	_, ok := vals["Sheet1"]["Z99"]
	assert.False(t, ok)
}

func TestReadMetadata(t *testing.T) {
	t.Parallel()

	meta, err := ReadMetadata(writeWorkbook(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"Sheet1"}, meta.SheetOrder)
}
