package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/feedback-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// sqliteTimeFormat is fixed-width so TEXT timestamps sort chronologically.
const sqliteTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// sqliteMaxParams bounds the number of placeholders per IN clause.
const sqliteMaxParams = 500

// sqlitePragmas are applied by the driver to every pooled connection.
var sqlitePragmas = []string{"journal_mode(WAL)", "busy_timeout(5000)", "synchronous(NORMAL)"}

// NewSQLite opens a SQLite database at the given path with WAL mode and a
// busy timeout on every connection.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", withPragmas(dsn))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	if err := db.Ping(); err != nil {
		db.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "sqlite: ping")
	}
	return &SQLiteStore{db: db}, nil
}

func withPragmas(dsn string) string {
	params := make([]string, len(sqlitePragmas))
	for i, p := range sqlitePragmas {
		params[i] = "_pragma=" + p
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(params, "&")
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS feedback_items (
	id          TEXT PRIMARY KEY,
	source      TEXT NOT NULL,
	content     TEXT NOT NULL,
	external_id TEXT,
	metadata    TEXT NOT NULL DEFAULT '{}',
	processed   INTEGER NOT NULL DEFAULT 0,
	created_at  TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_feedback_source_external ON feedback_items(source, external_id);
CREATE INDEX IF NOT EXISTS idx_feedback_unprocessed ON feedback_items(processed, source, created_at);

CREATE TABLE IF NOT EXISTS pipeline_runs (
	id            TEXT PRIMARY KEY,
	source_filter TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL DEFAULT 'running',
	last_step     TEXT NOT NULL DEFAULT '',
	result        TEXT,
	error         TEXT NOT NULL DEFAULT '',
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_pipeline_runs_status ON pipeline_runs(status, source_filter);

CREATE TABLE IF NOT EXISTS run_steps (
	run_id     TEXT NOT NULL REFERENCES pipeline_runs(id),
	step       TEXT NOT NULL,
	data       BLOB NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (run_id, step)
);

CREATE TABLE IF NOT EXISTS sentiment_results (
	id          TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL,
	feedback_id TEXT NOT NULL REFERENCES feedback_items(id),
	label       TEXT NOT NULL,
	raw_label   TEXT NOT NULL DEFAULT '',
	score       REAL NOT NULL,
	created_at  TEXT NOT NULL,
	UNIQUE (run_id, feedback_id)
);

CREATE INDEX IF NOT EXISTS idx_sentiment_created ON sentiment_results(created_at);

CREATE TABLE IF NOT EXISTS source_summaries (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL,
	source     TEXT NOT NULL,
	summary    TEXT NOT NULL,
	themes     TEXT NOT NULL DEFAULT '[]',
	sentiment  TEXT NOT NULL DEFAULT '',
	positive   INTEGER NOT NULL DEFAULT 0,
	negative   INTEGER NOT NULL DEFAULT 0,
	neutral    INTEGER NOT NULL DEFAULT 0,
	item_count INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	UNIQUE (run_id, source)
);

CREATE INDEX IF NOT EXISTS idx_source_summaries_created ON source_summaries(created_at);

CREATE TABLE IF NOT EXISTS aggregated_insights (
	id                TEXT PRIMARY KEY,
	run_id            TEXT NOT NULL UNIQUE,
	overall_summary   TEXT NOT NULL,
	top_themes        TEXT NOT NULL DEFAULT '[]',
	overall_sentiment TEXT NOT NULL,
	urgent_items      TEXT NOT NULL DEFAULT '[]',
	created_at        TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_aggregated_insights_created ON aggregated_insights(created_at);

CREATE TABLE IF NOT EXISTS unit_failures (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL,
	step       TEXT NOT NULL,
	unit_key   TEXT NOT NULL,
	error      TEXT NOT NULL,
	error_type TEXT NOT NULL DEFAULT 'permanent',
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_unit_failures_run ON unit_failures(run_id);

CREATE TABLE IF NOT EXISTS pipeline_lock (
	id          INTEGER PRIMARY KEY CHECK (id = 1),
	holder      TEXT NOT NULL,
	acquired_at TEXT NOT NULL,
	expires_at  TEXT NOT NULL
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Feedback ---

func (s *SQLiteStore) InsertFeedback(ctx context.Context, item *model.FeedbackItem) (bool, error) {
	prepareFeedback(item, time.Now().UTC())
	metaJSON, err := marshalMetadata(item.Metadata)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: marshal metadata")
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO feedback_items (id, source, content, external_id, metadata, processed, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT DO NOTHING`,
		item.ID, item.Source, item.Content, nullString(item.ExternalID), string(metaJSON),
		boolToInt(item.Processed), formatTime(item.CreatedAt),
	)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: insert feedback")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n > 0, nil
}

// BulkInsertFeedback inserts items in one transaction, skipping duplicates.
func (s *SQLiteStore) BulkInsertFeedback(ctx context.Context, items []model.FeedbackItem) (int64, error) {
	if len(items) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin bulk insert")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO feedback_items (id, source, content, external_id, metadata, processed, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT DO NOTHING`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare bulk insert")
	}
	defer stmt.Close() //nolint:errcheck

	now := time.Now().UTC()
	var total int64
	for i := range items {
		it := &items[i]
		prepareFeedback(it, now)
		metaJSON, err := marshalMetadata(it.Metadata)
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: marshal metadata")
		}
		res, err := stmt.ExecContext(ctx, it.ID, it.Source, it.Content, nullString(it.ExternalID),
			string(metaJSON), boolToInt(it.Processed), formatTime(it.CreatedAt))
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: bulk insert feedback %d", i)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit bulk insert")
	}
	return total, nil
}

func (s *SQLiteStore) SelectUnprocessed(ctx context.Context, source string) ([]model.FeedbackItem, error) {
	query := `SELECT ` + feedbackColumns + ` FROM feedback_items WHERE processed = 0`
	args := []any{}
	if source != "" {
		query += ` AND source = ?`
		args = append(args, source)
	}
	query += ` ORDER BY created_at, rowid`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: select unprocessed")
	}
	defer rows.Close() //nolint:errcheck
	return sqliteCollectFeedback(rows)
}

func (s *SQLiteStore) ListFeedback(ctx context.Context, filter FeedbackFilter) ([]model.FeedbackItem, error) {
	query := `SELECT ` + feedbackColumns + ` FROM feedback_items WHERE 1=1`
	args := []any{}
	if filter.Source != "" {
		query += ` AND source = ?`
		args = append(args, filter.Source)
	}
	if filter.Processed != nil {
		query += ` AND processed = ?`
		args = append(args, boolToInt(*filter.Processed))
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, clampLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list feedback")
	}
	defer rows.Close() //nolint:errcheck
	return sqliteCollectFeedback(rows)
}

func sqliteCollectFeedback(rows *sql.Rows) ([]model.FeedbackItem, error) {
	var items []model.FeedbackItem
	for rows.Next() {
		var it model.FeedbackItem
		var externalID sql.NullString
		var metaJSON, createdAt string
		var processed int
		if err := rows.Scan(&it.ID, &it.Source, &it.Content, &externalID, &metaJSON, &processed, &createdAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan feedback")
		}
		it.ExternalID = externalID.String
		it.Processed = processed != 0
		if metaJSON != "" && metaJSON != "{}" {
			if err := json.Unmarshal([]byte(metaJSON), &it.Metadata); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal metadata")
			}
		}
		var err error
		if it.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, eris.Wrap(rows.Err(), "sqlite: feedback iterate")
}

func (s *SQLiteStore) MarkProcessed(ctx context.Context, ids []string) (int, error) {
	total := 0
	for start := 0; start < len(ids); start += sqliteMaxParams {
		end := min(start+sqliteMaxParams, len(ids))
		chunk := ids[start:end]

		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		res, err := s.db.ExecContext(ctx,
			`UPDATE feedback_items SET processed = 1 WHERE id IN (`+placeholders(len(chunk))+`)`,
			args...,
		)
		if err != nil {
			return total, eris.Wrap(err, "sqlite: mark processed")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, eris.Wrap(err, "sqlite: rows affected")
		}
		total += int(n)
	}
	return total, nil
}

// --- Sentiment ---

func (s *SQLiteStore) InsertSentiment(ctx context.Context, r *model.SentimentResult) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sentiment_results (id, run_id, feedback_id, label, raw_label, score, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (run_id, feedback_id) DO UPDATE SET
		   label = excluded.label, raw_label = excluded.raw_label, score = excluded.score`,
		r.ID, r.RunID, r.FeedbackID, string(r.Label), r.RawLabel, r.Score, formatTime(r.CreatedAt),
	)
	return eris.Wrapf(err, "sqlite: insert sentiment for %s", r.FeedbackID)
}

func (s *SQLiteStore) ListRunSentiments(ctx context.Context, runID string) ([]model.SentimentResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sentimentColumns+` FROM sentiment_results WHERE run_id = ? ORDER BY created_at, rowid`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list run sentiments")
	}
	defer rows.Close() //nolint:errcheck
	return sqliteCollectSentiments(rows)
}

func (s *SQLiteStore) RecentSentiments(ctx context.Context, limit int) ([]model.SentimentResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sentimentColumns+` FROM sentiment_results ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		clampLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: recent sentiments")
	}
	defer rows.Close() //nolint:errcheck
	return sqliteCollectSentiments(rows)
}

func sqliteCollectSentiments(rows *sql.Rows) ([]model.SentimentResult, error) {
	var out []model.SentimentResult
	for rows.Next() {
		var r model.SentimentResult
		var label, createdAt string
		if err := rows.Scan(&r.ID, &r.RunID, &r.FeedbackID, &label, &r.RawLabel, &r.Score, &createdAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan sentiment")
		}
		r.Label = model.SentimentLabel(label)
		var err error
		if r.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: sentiments iterate")
}

func (s *SQLiteStore) SentimentCounts(ctx context.Context) (model.SentimentCounts, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT label, COUNT(*) FROM sentiment_results GROUP BY label`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: sentiment counts")
	}
	defer rows.Close() //nolint:errcheck

	counts := model.SentimentCounts{}
	for rows.Next() {
		var label string
		var n int
		if err := rows.Scan(&label, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan sentiment count")
		}
		counts[model.SentimentLabel(label)] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: sentiment counts iterate")
}

// --- Source summaries ---

func (s *SQLiteStore) InsertSourceSummary(ctx context.Context, sum *model.SourceSummary) error {
	if sum.ID == "" {
		sum.ID = uuid.New().String()
	}
	if sum.CreatedAt.IsZero() {
		sum.CreatedAt = time.Now().UTC()
	}
	themesJSON, err := marshalStrings(sum.Themes)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal themes")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO source_summaries
		 (id, run_id, source, summary, themes, sentiment, positive, negative, neutral, item_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (run_id, source) DO UPDATE SET
		   summary = excluded.summary, themes = excluded.themes, sentiment = excluded.sentiment,
		   positive = excluded.positive, negative = excluded.negative, neutral = excluded.neutral,
		   item_count = excluded.item_count`,
		sum.ID, sum.RunID, sum.Source, sum.Summary, string(themesJSON), sum.Sentiment,
		sum.Breakdown.Positive, sum.Breakdown.Negative, sum.Breakdown.Neutral, sum.ItemCount,
		formatTime(sum.CreatedAt),
	)
	return eris.Wrapf(err, "sqlite: insert source summary %s", sum.Source)
}

func (s *SQLiteStore) ListRunSummaries(ctx context.Context, runID string) ([]model.SourceSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+summaryColumns+` FROM source_summaries WHERE run_id = ? ORDER BY created_at, rowid`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list run summaries")
	}
	defer rows.Close() //nolint:errcheck
	return sqliteCollectSummaries(rows)
}

func (s *SQLiteStore) RecentSourceSummaries(ctx context.Context, limit int) ([]model.SourceSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+summaryColumns+` FROM source_summaries ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		clampLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: recent source summaries")
	}
	defer rows.Close() //nolint:errcheck
	return sqliteCollectSummaries(rows)
}

func sqliteCollectSummaries(rows *sql.Rows) ([]model.SourceSummary, error) {
	var out []model.SourceSummary
	for rows.Next() {
		var sum model.SourceSummary
		var themesJSON, createdAt string
		if err := rows.Scan(&sum.ID, &sum.RunID, &sum.Source, &sum.Summary, &themesJSON, &sum.Sentiment,
			&sum.Breakdown.Positive, &sum.Breakdown.Negative, &sum.Breakdown.Neutral,
			&sum.ItemCount, &createdAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan source summary")
		}
		themes, err := unmarshalStrings([]byte(themesJSON))
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal themes")
		}
		sum.Themes = themes
		if sum.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: source summaries iterate")
}

// --- Aggregated insights ---

func (s *SQLiteStore) InsertAggregatedInsight(ctx context.Context, in *model.AggregatedInsight) error {
	if in.ID == "" {
		in.ID = uuid.New().String()
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}
	themesJSON, err := marshalStrings(in.TopThemes)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal top themes")
	}
	urgentJSON, err := marshalStrings(in.UrgentItems)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal urgent items")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO aggregated_insights
		 (id, run_id, overall_summary, top_themes, overall_sentiment, urgent_items, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (run_id) DO UPDATE SET
		   overall_summary = excluded.overall_summary, top_themes = excluded.top_themes,
		   overall_sentiment = excluded.overall_sentiment, urgent_items = excluded.urgent_items`,
		in.ID, in.RunID, in.OverallSummary, string(themesJSON), string(in.OverallSentiment),
		string(urgentJSON), formatTime(in.CreatedAt),
	)
	return eris.Wrap(err, "sqlite: insert aggregated insight")
}

func (s *SQLiteStore) LatestInsight(ctx context.Context) (*model.AggregatedInsight, error) {
	var in model.AggregatedInsight
	var sentiment, themesJSON, urgentJSON, createdAt string

	err := s.db.QueryRowContext(ctx,
		`SELECT id, run_id, overall_summary, top_themes, overall_sentiment, urgent_items, created_at
		 FROM aggregated_insights ORDER BY created_at DESC, rowid DESC LIMIT 1`,
	).Scan(&in.ID, &in.RunID, &in.OverallSummary, &themesJSON, &sentiment, &urgentJSON, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "sqlite: latest insight")
	}
	in.OverallSentiment = model.SentimentLabel(sentiment)
	if in.TopThemes, err = unmarshalStrings([]byte(themesJSON)); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal top themes")
	}
	if in.UrgentItems, err = unmarshalStrings([]byte(urgentJSON)); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal urgent items")
	}
	if in.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &in, nil
}

// --- Runs ---

func (s *SQLiteStore) CreateRun(ctx context.Context, run *model.Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	run.CreatedAt, run.UpdatedAt = now, now
	if run.Status == "" {
		run.Status = model.RunStatusRunning
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pipeline_runs (id, source_filter, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		run.ID, run.SourceFilter, string(run.Status), formatTime(now), formatTime(now),
	)
	return eris.Wrap(err, "sqlite: insert run")
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, run *model.Run) error {
	var result sql.NullString
	if run.Result != nil {
		data, err := json.Marshal(run.Result)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal run result")
		}
		result = sql.NullString{String: string(data), Valid: true}
	}
	run.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_runs SET status = ?, last_step = ?, result = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(run.Status), string(run.LastStep), result, run.Error, formatTime(run.UpdatedAt), run.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run %s", run.ID)
	}
	return checkRowsAffected(res, "run", run.ID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	r, err := sqliteScanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM pipeline_runs WHERE id = ?`, runID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "sqlite: get run %s", runID)
		}
		return nil, eris.Wrapf(err, "sqlite: get run %s", runID)
	}
	return r, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + runColumns + ` FROM pipeline_runs WHERE 1=1`
	args := []any{}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, clampLimit(filter.Limit))
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.Run
	for rows.Next() {
		r, err := sqliteScanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) FindResumableRun(ctx context.Context, sourceFilter string) (*model.Run, error) {
	r, err := sqliteScanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM pipeline_runs
		 WHERE status = ? AND source_filter = ?
		 ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		string(model.RunStatusRunning), sourceFilter,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "sqlite: find resumable run")
	}
	return r, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func sqliteScanRun(row scannable) (*model.Run, error) {
	var r model.Run
	var status, lastStep, createdAt, updatedAt string
	var result sql.NullString
	if err := row.Scan(&r.ID, &r.SourceFilter, &status, &lastStep, &result, &r.Error, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	r.Status = model.RunStatus(status)
	r.LastStep = model.Step(lastStep)
	if result.Valid && result.String != "" {
		r.Result = &model.RunResult{}
		if err := json.Unmarshal([]byte(result.String), r.Result); err != nil {
			return nil, eris.Wrap(err, "unmarshal run result")
		}
	}
	var err error
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, runID string, step model.Step, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_steps (run_id, step, data, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (run_id, step) DO UPDATE SET data = excluded.data, created_at = excluded.created_at`,
		runID, string(step), data, formatTime(time.Now().UTC()),
	)
	return eris.Wrapf(err, "sqlite: save checkpoint %s/%s", runID, step)
}

func (s *SQLiteStore) LoadCheckpoint(ctx context.Context, runID string, step model.Step) (*model.StepCheckpoint, error) {
	cp := model.StepCheckpoint{RunID: runID, Step: step}
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT data, created_at FROM run_steps WHERE run_id = ? AND step = ?`,
		runID, string(step),
	).Scan(&cp.Data, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: load checkpoint %s/%s", runID, step)
	}
	if cp.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &cp, nil
}

// --- Unit failures ---

func (s *SQLiteStore) RecordUnitFailure(ctx context.Context, f *model.UnitFailure) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO unit_failures (id, run_id, step, unit_key, error, error_type, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.RunID, string(f.Step), f.UnitKey, f.Error, f.ErrorType, formatTime(f.CreatedAt),
	)
	return eris.Wrap(err, "sqlite: record unit failure")
}

func (s *SQLiteStore) ListUnitFailures(ctx context.Context, runID string) ([]model.UnitFailure, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, step, unit_key, error, error_type, created_at
		 FROM unit_failures WHERE run_id = ? ORDER BY created_at, rowid`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list unit failures")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.UnitFailure
	for rows.Next() {
		var f model.UnitFailure
		var step, createdAt string
		if err := rows.Scan(&f.ID, &f.RunID, &step, &f.UnitKey, &f.Error, &f.ErrorType, &createdAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan unit failure")
		}
		f.Step = model.Step(step)
		if f.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: unit failures iterate")
}

// --- Run lock ---

func (s *SQLiteStore) AcquireRunLock(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO pipeline_lock (id, holder, acquired_at, expires_at)
		 VALUES (1, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   holder = excluded.holder, acquired_at = excluded.acquired_at, expires_at = excluded.expires_at
		 WHERE pipeline_lock.expires_at <= excluded.acquired_at OR pipeline_lock.holder = excluded.holder`,
		holder, formatTime(now), formatTime(now.Add(ttl)),
	)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: acquire run lock")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteStore) ReleaseRunLock(ctx context.Context, holder string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pipeline_lock WHERE id = 1 AND holder = ?`, holder)
	return eris.Wrap(err, "sqlite: release run lock")
}

// --- helpers ---

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

func prepareFeedback(item *model.FeedbackItem, now time.Time) {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeFormat)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeFormat, s)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "sqlite: parse time %q", s)
	}
	return t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
