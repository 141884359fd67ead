package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"

	"github.com/xuri/excelize/v2"

	"github.com/roach88/fieldtrip/internal/conflate"
)

// cell renders a row value for CSV and XLSX output. Absent and nil values
// render as the empty string; everything else uses its natural formatting.
func cell(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		if val {
			return "true"
		}
		return "false"
	case float64:
		// JSON numbers decode as float64; render integers without the
		// trailing ".0" a naive %v would sometimes produce.
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func writeCSV(path string, table *conflate.Table) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(table.Columns); err != nil {
		return err
	}
	row := make([]string, len(table.Columns))
	for _, r := range table.Rows {
		for i, col := range table.Columns {
			row[i] = cell(r[col])
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return f.Close()
}

// writeJSON renders the rows as an array of objects, column-complete: every
// object carries every column so consumers see a uniform schema.
func writeJSON(path string, table *conflate.Table) error {
	out := make([]map[string]any, 0, len(table.Rows))
	for _, r := range table.Rows {
		obj := make(map[string]any, len(table.Columns))
		for _, col := range table.Columns {
			v, ok := r[col]
			if !ok {
				v = nil
			}
			obj[col] = v
		}
		out = append(out, obj)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return err
	}
	return f.Close()
}

func writeXLSX(path string, table *conflate.Table) error {
	wb := excelize.NewFile()
	defer wb.Close()

	const sheet = "Sheet1"
	if err := wb.SetSheetName(sheet, table.FormName); err != nil {
		return err
	}

	header := make([]any, len(table.Columns))
	for i, col := range table.Columns {
		header[i] = col
	}
	if err := wb.SetSheetRow(table.FormName, "A1", &header); err != nil {
		return err
	}

	for i, r := range table.Rows {
		row := make([]any, len(table.Columns))
		for j, col := range table.Columns {
			row[j] = sheetValue(r[col])
		}
		ref, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := wb.SetSheetRow(table.FormName, ref, &row); err != nil {
			return err
		}
	}

	return wb.SaveAs(path)
}

// sheetValue keeps numbers and booleans typed in the workbook and forces
// everything structured through the string renderer.
func sheetValue(v any) any {
	switch v.(type) {
	case nil, string, bool, float64, int, int64:
		return v
	default:
		return cell(v)
	}
}
