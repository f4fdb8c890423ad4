package ingest

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/feedback-cli/internal/model"
	"github.com/sells-group/feedback-cli/internal/store"
)

// ReadCSV parses feedback rows from CSV with a header row.
func ReadCSV(r io.Reader) ([]model.FeedbackItem, error) {
	records, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return nil, eris.Wrap(err, "ingest: read csv")
	}
	return rowsToItems(records)
}

// rowsToItems maps a header row plus data rows to feedback items. The
// "source" and "content" columns are required; "external_id" is optional
// and every other column is kept as metadata. Rows with an empty source or
// content are skipped.
func rowsToItems(records [][]string) ([]model.FeedbackItem, error) {
	if len(records) < 2 {
		return nil, nil
	}

	headers := make([]string, len(records[0]))
	col := map[string]int{}
	for i, h := range records[0] {
		headers[i] = strings.ToLower(strings.TrimSpace(h))
		col[headers[i]] = i
	}
	srcIdx, ok := col["source"]
	if !ok {
		return nil, eris.New("ingest: no source column")
	}
	contentIdx, ok := col["content"]
	if !ok {
		return nil, eris.New("ingest: no content column")
	}
	extIdx, hasExt := col["external_id"]

	var items []model.FeedbackItem
	for _, row := range records[1:] {
		value := func(i int) string {
			if i < len(row) {
				return strings.TrimSpace(row[i])
			}
			return ""
		}
		item := model.FeedbackItem{Source: value(srcIdx), Content: value(contentIdx)}
		if item.Source == "" || item.Content == "" {
			continue
		}
		if hasExt {
			item.ExternalID = value(extIdx)
		}
		for i, h := range headers {
			if i == srcIdx || i == contentIdx || (hasExt && i == extIdx) || h == "" {
				continue
			}
			if v := value(i); v != "" {
				if item.Metadata == nil {
					item.Metadata = map[string]any{}
				}
				item.Metadata[h] = v
			}
		}
		items = append(items, item)
	}
	return items, nil
}

// ImportFile bulk-inserts the feedback rows of a .csv or .xlsx file and
// returns how many were new.
func ImportFile(ctx context.Context, st store.Store, path string) (int64, error) {
	var (
		items []model.FeedbackItem
		err   error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		items, err = ReadXLSX(path, "")
	case ".csv":
		items, err = readCSVFile(path)
	default:
		return 0, eris.Errorf("ingest: unsupported file type %q", filepath.Ext(path))
	}
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}
	n, err := st.BulkInsertFeedback(ctx, items)
	if err != nil {
		return 0, eris.Wrapf(err, "ingest: import %s", filepath.Base(path))
	}
	zap.L().Info("ingest: imported file",
		zap.String("path", path),
		zap.Int("rows", len(items)),
		zap.Int64("inserted", n),
	)
	return n, nil
}

func readCSVFile(path string) ([]model.FeedbackItem, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: open csv %s", path)
	}
	defer f.Close() //nolint:errcheck
	return ReadCSV(f)
}
