package ingest

import (
	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/feedback-cli/internal/model"
)

// ReadXLSX parses feedback rows from a worksheet using the same column rules
// as ReadCSV. An empty sheet name selects the first sheet.
func ReadXLSX(path, sheet string) ([]model.FeedbackItem, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: open xlsx %s", path)
	}

	var sh *xlsx.Sheet
	if sheet != "" {
		var ok bool
		if sh, ok = f.Sheet[sheet]; !ok {
			return nil, eris.Errorf("ingest: sheet %q not found", sheet)
		}
	} else {
		if len(f.Sheets) == 0 {
			return nil, nil
		}
		sh = f.Sheets[0]
	}

	records := make([][]string, 0, len(sh.Rows))
	for _, row := range sh.Rows {
		cells := make([]string, len(row.Cells))
		for j, cell := range row.Cells {
			cells[j] = cell.String()
		}
		records = append(records, cells)
	}
	return rowsToItems(records)
}
