// Package xlparse extracts the cell grid and metadata from OOXML workbooks.
// Parsing normally runs inside an isolated worker process (see Runner); the
// in-process functions here are the worker's implementation and are also
// used directly by tests.
package xlparse

import (
	"archive/zip"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/ckcm0210/xlwatch/internal/cells"
)

// Options control the value-acquisition passes and batching.
type Options struct {
	EnableFormulaValueCheck         bool `json:"enable_formula_value_check"`
	MaxFormulaValueCells            int  `json:"max_formula_value_cells"`
	AlwaysFetchValueForExternalRefs bool `json:"always_fetch_value_for_external_refs"`
	RowBatchSize                    int  `json:"row_batch_size"`
}

// Metadata is the workbook-level information returned with every parse.
type Metadata struct {
	LastAuthor   string         `json:"last_author,omitempty"`
	SheetOrder   []string       `json:"sheet_order"`
	ExternalRefs map[int]string `json:"external_refs,omitempty"`
}

// Result is a parsed workbook: the full cell grid plus metadata.
type Result struct {
	Grid cells.Grid `json:"grid"`
	Meta Metadata   `json:"meta"`
}

// Excel serial-date epoch offset: days between 1899-12-30 and 1970-01-01.
const (
	serialEpochDays = 25569
	secondsPerDay   = 86400
)

// ParseFile opens the workbook at path and extracts every non-empty cell.
// Pass 1 collects formulas (prettified) and literal values. Pass 2, gated
// by the options, retrieves cached evaluated values for formula cells.
// When the workbook has more formula cells than MaxFormulaValueCells,
// pass 2 is skipped and every formula cell keeps a nil cached value, except
// external-reference cells when AlwaysFetchValueForExternalRefs is set;
// the outcome is deterministic.
func ParseFile(path string, opts Options) (*Result, error) {
	refs, err := ExternalRefTable(path)
	if err != nil {
		return nil, err
	}

	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, classifyOpenError(path, err)
	}
	defer f.Close()

	meta := Metadata{
		SheetOrder:   f.GetSheetList(),
		ExternalRefs: refs,
		LastAuthor:   lastAuthor(f),
	}

	grid := cells.Grid{}

	type formulaCell struct{ sheet, addr string }

	var formulaCells []formulaCell

	batch := opts.RowBatchSize
	if batch < 1 {
		batch = 1000
	}

	for _, sheet := range meta.SheetOrder {
		ws := cells.Sheet{}

		maxCol, maxRow, err := sheetExtent(f, sheet)
		if err != nil {
			return nil, err
		}

		// Row batches keep per-call state small on oversized sheets; the
		// grid itself is materialized exactly once.
		for rowStart := 1; rowStart <= maxRow; rowStart += batch {
			rowEnd := min(rowStart+batch-1, maxRow)

			for row := rowStart; row <= rowEnd; row++ {
				for col := 1; col <= maxCol; col++ {
					addr, err := excelize.CoordinatesToCellName(col, row)
					if err != nil {
						continue
					}

					cell, hasFormula, err := readCell(f, sheet, addr, refs)
					if err != nil {
						return nil, fmt.Errorf("%w: %s!%s: %v", ErrCorruptPackage, sheet, addr, err)
					}

					if cell == nil {
						continue
					}

					ws[addr] = *cell

					if hasFormula {
						formulaCells = append(formulaCells, formulaCell{sheet, addr})
					}
				}
			}
		}

		if len(ws) > 0 {
			grid[sheet] = ws
		}
	}

	// Pass 2: cached evaluated values for formula cells, bounded by the cap.
	valuePass := opts.EnableFormulaValueCheck && len(formulaCells) <= opts.MaxFormulaValueCells
	for _, fc := range formulaCells {
		cell := grid[fc.sheet][fc.addr]

		if !valuePass && !(opts.AlwaysFetchValueForExternalRefs && cell.ExternalRef) {
			continue
		}

		if v, ok := cachedValue(f, fc.sheet, fc.addr); ok {
			cell.CachedValue = cells.ScalarPtr(v)
			grid[fc.sheet][fc.addr] = cell
		}
	}

	return &Result{Grid: grid, Meta: meta}, nil
}

// FetchValues performs the targeted external-ref backfill pass: it returns
// cached values for exactly the requested sheet → addresses, avoiding a
// full workbook scan.
func FetchValues(path string, coords map[string][]string) (map[string]map[string]cells.Scalar, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, classifyOpenError(path, err)
	}
	defer f.Close()

	out := make(map[string]map[string]cells.Scalar, len(coords))

	for sheet, addrs := range coords {
		vals := make(map[string]cells.Scalar, len(addrs))

		for _, addr := range addrs {
			if v, ok := cachedValue(f, sheet, addr); ok {
				vals[addr] = v
			}
		}

		if len(vals) > 0 {
			out[sheet] = vals
		}
	}

	return out, nil
}

// ReadMetadata returns only the workbook metadata (used for author lookups
// by the open/close tracker, without paying for a grid extraction).
func ReadMetadata(path string) (Metadata, error) {
	refs, err := ExternalRefTable(path)
	if err != nil {
		return Metadata{}, err
	}

	f, err := excelize.OpenFile(path)
	if err != nil {
		return Metadata{}, classifyOpenError(path, err)
	}
	defer f.Close()

	return Metadata{
		SheetOrder:   f.GetSheetList(),
		ExternalRefs: refs,
		LastAuthor:   lastAuthor(f),
	}, nil
}

// readCell extracts one cell, returning nil when the cell is empty.
func readCell(f *excelize.File, sheet, addr string, refs map[int]string) (*cells.Cell, bool, error) {
	formula, err := f.GetCellFormula(sheet, addr)
	if err != nil {
		return nil, false, err
	}

	raw, err := f.GetCellValue(sheet, addr, excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, false, err
	}

	if formula == "" && raw == "" {
		return nil, false, nil
	}

	if formula != "" {
		if !strings.HasPrefix(formula, "=") {
			formula = "=" + formula
		}

		pretty := PrettyFormula(formula, refs)

		return &cells.Cell{
			Formula:     pretty,
			ExternalRef: HasExternalReference(pretty),
		}, true, nil
	}

	v := scalarFromRaw(f, sheet, addr, raw)

	return &cells.Cell{Value: cells.ScalarPtr(v)}, false, nil
}

// cachedValue returns the engine's last persisted value for a cell, typed.
func cachedValue(f *excelize.File, sheet, addr string) (cells.Scalar, bool) {
	raw, err := f.GetCellValue(sheet, addr, excelize.Options{RawCellValue: true})
	if err != nil || raw == "" {
		return cells.Null(), false
	}

	return scalarFromRaw(f, sheet, addr, raw), true
}

// scalarFromRaw converts the stored raw cell text into a typed scalar
// using the cell's declared type. Serial dates become epoch seconds.
func scalarFromRaw(f *excelize.File, sheet, addr, raw string) cells.Scalar {
	ct, err := f.GetCellType(sheet, addr)
	if err != nil {
		return cells.String(raw)
	}

	switch ct {
	case excelize.CellTypeBool:
		return cells.Bool(raw == "1" || strings.EqualFold(raw, "true"))
	case excelize.CellTypeDate:
		if serial, perr := strconv.ParseFloat(raw, 64); perr == nil {
			return cells.Number((serial - serialEpochDays) * secondsPerDay)
		}

		return cells.String(raw)
	case excelize.CellTypeNumber, excelize.CellTypeUnset, excelize.CellTypeFormula:
		if n, perr := strconv.ParseFloat(raw, 64); perr == nil {
			return cells.Number(n)
		}

		return cells.String(raw)
	default:
		return cells.String(raw)
	}
}

// sheetExtent returns the used range of a sheet as (maxCol, maxRow).
func sheetExtent(f *excelize.File, sheet string) (int, int, error) {
	dim, err := f.GetSheetDimension(sheet)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: dimension of %s: %v", ErrCorruptPackage, sheet, err)
	}

	if dim == "" {
		return 0, 0, nil
	}

	parts := strings.Split(dim, ":")
	last := parts[len(parts)-1]

	col, row, err := excelize.CellNameToCoordinates(last)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: dimension %q of %s: %v", ErrCorruptPackage, dim, sheet, err)
	}

	return col, row, nil
}

func lastAuthor(f *excelize.File) string {
	props, err := f.GetDocProps()
	if err != nil || props == nil {
		return ""
	}

	if props.LastModifiedBy != "" {
		return props.LastModifiedBy
	}

	return props.Creator
}

func classifyOpenError(path string, err error) error {
	if os.IsNotExist(err) {
		return fmt.Errorf("xlparse: opening %s: %w", path, err)
	}

	if errors.Is(err, zip.ErrFormat) {
		return fmt.Errorf("%w: %s: %v", ErrNotAWorkbook, path, err)
	}

	return fmt.Errorf("%w: %s: %v", ErrCorruptPackage, path, err)
}
