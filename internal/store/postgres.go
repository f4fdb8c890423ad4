package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/feedback-cli/internal/db"
	"github.com/sells-group/feedback-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS feedback_items (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	source      TEXT NOT NULL,
	content     TEXT NOT NULL,
	external_id TEXT,
	metadata    JSONB NOT NULL DEFAULT '{}',
	processed   BOOLEAN NOT NULL DEFAULT false,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_feedback_source_external ON feedback_items(source, external_id);
CREATE INDEX IF NOT EXISTS idx_feedback_unprocessed ON feedback_items(processed, source, created_at);

CREATE TABLE IF NOT EXISTS pipeline_runs (
	id            TEXT PRIMARY KEY,
	source_filter TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL DEFAULT 'running',
	last_step     TEXT NOT NULL DEFAULT '',
	result        JSONB,
	error         TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_pipeline_runs_status ON pipeline_runs(status, source_filter);

CREATE TABLE IF NOT EXISTS run_steps (
	run_id     TEXT NOT NULL REFERENCES pipeline_runs(id),
	step       TEXT NOT NULL,
	data       JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (run_id, step)
);

CREATE TABLE IF NOT EXISTS sentiment_results (
	id          TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL,
	feedback_id TEXT NOT NULL REFERENCES feedback_items(id),
	label       TEXT NOT NULL,
	raw_label   TEXT NOT NULL DEFAULT '',
	score       DOUBLE PRECISION NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (run_id, feedback_id)
);

CREATE INDEX IF NOT EXISTS idx_sentiment_created ON sentiment_results(created_at DESC);

CREATE TABLE IF NOT EXISTS source_summaries (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL,
	source     TEXT NOT NULL,
	summary    TEXT NOT NULL,
	themes     JSONB NOT NULL DEFAULT '[]',
	sentiment  TEXT NOT NULL DEFAULT '',
	positive   INTEGER NOT NULL DEFAULT 0,
	negative   INTEGER NOT NULL DEFAULT 0,
	neutral    INTEGER NOT NULL DEFAULT 0,
	item_count INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (run_id, source)
);

CREATE INDEX IF NOT EXISTS idx_source_summaries_created ON source_summaries(created_at DESC);

CREATE TABLE IF NOT EXISTS aggregated_insights (
	id                TEXT PRIMARY KEY,
	run_id            TEXT NOT NULL UNIQUE,
	overall_summary   TEXT NOT NULL,
	top_themes        JSONB NOT NULL DEFAULT '[]',
	overall_sentiment TEXT NOT NULL,
	urgent_items      JSONB NOT NULL DEFAULT '[]',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_aggregated_insights_created ON aggregated_insights(created_at DESC);

CREATE TABLE IF NOT EXISTS unit_failures (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL,
	step       TEXT NOT NULL,
	unit_key   TEXT NOT NULL,
	error      TEXT NOT NULL,
	error_type TEXT NOT NULL DEFAULT 'permanent',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_unit_failures_run ON unit_failures(run_id);

CREATE TABLE IF NOT EXISTS pipeline_lock (
	id          INTEGER PRIMARY KEY CHECK (id = 1),
	holder      TEXT NOT NULL,
	acquired_at TIMESTAMPTZ NOT NULL,
	expires_at  TIMESTAMPTZ NOT NULL
);
`

// Migrate creates all tables and indexes.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Feedback ---

const feedbackColumns = `id, source, content, external_id, metadata, processed, created_at`

func (s *PostgresStore) InsertFeedback(ctx context.Context, item *model.FeedbackItem) (bool, error) {
	prepareFeedback(item, time.Now().UTC())
	metaJSON, err := marshalMetadata(item.Metadata)
	if err != nil {
		return false, eris.Wrap(err, "postgres: marshal metadata")
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO feedback_items (id, source, content, external_id, metadata, processed, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT DO NOTHING`,
		item.ID, item.Source, item.Content, nullString(item.ExternalID), metaJSON, item.Processed, item.CreatedAt,
	)
	if err != nil {
		return false, eris.Wrap(err, "postgres: insert feedback")
	}
	return tag.RowsAffected() > 0, nil
}

// BulkInsertFeedback loads items with COPY through a temp table, skipping
// items whose (source, external_id) already exists. Returns rows inserted.
func (s *PostgresStore) BulkInsertFeedback(ctx context.Context, items []model.FeedbackItem) (int64, error) {
	now := time.Now().UTC()
	rows := make([][]any, 0, len(items))
	for i := range items {
		it := &items[i]
		prepareFeedback(it, now)
		metaJSON, err := marshalMetadata(it.Metadata)
		if err != nil {
			return 0, eris.Wrap(err, "postgres: marshal metadata")
		}
		rows = append(rows, []any{it.ID, it.Source, it.Content, nullString(it.ExternalID), metaJSON, it.Processed, it.CreatedAt})
	}

	n, err := db.CopyInsert(ctx, s.pool, "feedback_items",
		[]string{"id", "source", "content", "external_id", "metadata", "processed", "created_at"}, rows)
	return n, eris.Wrap(err, "postgres: bulk insert feedback")
}

func (s *PostgresStore) SelectUnprocessed(ctx context.Context, source string) ([]model.FeedbackItem, error) {
	query := `SELECT ` + feedbackColumns + ` FROM feedback_items WHERE processed = false`
	args := []any{}
	if source != "" {
		query += ` AND source = $1`
		args = append(args, source)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: select unprocessed")
	}
	defer rows.Close()
	return collectFeedback(rows)
}

func (s *PostgresStore) ListFeedback(ctx context.Context, filter FeedbackFilter) ([]model.FeedbackItem, error) {
	query := `SELECT ` + feedbackColumns + ` FROM feedback_items WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Source != "" {
		query += fmt.Sprintf(` AND source = $%d`, argIdx)
		args = append(args, filter.Source)
		argIdx++
	}
	if filter.Processed != nil {
		query += fmt.Sprintf(` AND processed = $%d`, argIdx)
		args = append(args, *filter.Processed)
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, argIdx)
	args = append(args, clampLimit(filter.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list feedback")
	}
	defer rows.Close()
	return collectFeedback(rows)
}

func collectFeedback(rows pgx.Rows) ([]model.FeedbackItem, error) {
	var items []model.FeedbackItem
	for rows.Next() {
		var it model.FeedbackItem
		var externalID *string
		var metaJSON []byte
		if err := rows.Scan(&it.ID, &it.Source, &it.Content, &externalID, &metaJSON, &it.Processed, &it.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan feedback")
		}
		if externalID != nil {
			it.ExternalID = *externalID
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &it.Metadata); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal metadata")
			}
		}
		items = append(items, it)
	}
	return items, eris.Wrap(rows.Err(), "postgres: feedback iterate")
}

func (s *PostgresStore) MarkProcessed(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE feedback_items SET processed = true WHERE id = ANY($1)`,
		ids,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: mark processed")
	}
	return int(tag.RowsAffected()), nil
}

// --- Sentiment ---

func (s *PostgresStore) InsertSentiment(ctx context.Context, r *model.SentimentResult) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sentiment_results (id, run_id, feedback_id, label, raw_label, score, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (run_id, feedback_id) DO UPDATE SET label = $4, raw_label = $5, score = $6`,
		r.ID, r.RunID, r.FeedbackID, string(r.Label), r.RawLabel, r.Score, r.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: insert sentiment for %s", r.FeedbackID)
}

const sentimentColumns = `id, run_id, feedback_id, label, raw_label, score, created_at`

func (s *PostgresStore) ListRunSentiments(ctx context.Context, runID string) ([]model.SentimentResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sentimentColumns+` FROM sentiment_results WHERE run_id = $1 ORDER BY created_at, id`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list run sentiments")
	}
	defer rows.Close()
	return collectSentiments(rows)
}

func (s *PostgresStore) RecentSentiments(ctx context.Context, limit int) ([]model.SentimentResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sentimentColumns+` FROM sentiment_results ORDER BY created_at DESC LIMIT $1`,
		clampLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: recent sentiments")
	}
	defer rows.Close()
	return collectSentiments(rows)
}

func collectSentiments(rows pgx.Rows) ([]model.SentimentResult, error) {
	var out []model.SentimentResult
	for rows.Next() {
		var r model.SentimentResult
		var label string
		if err := rows.Scan(&r.ID, &r.RunID, &r.FeedbackID, &label, &r.RawLabel, &r.Score, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan sentiment")
		}
		r.Label = model.SentimentLabel(label)
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: sentiments iterate")
}

func (s *PostgresStore) SentimentCounts(ctx context.Context) (model.SentimentCounts, error) {
	rows, err := s.pool.Query(ctx, `SELECT label, COUNT(*) FROM sentiment_results GROUP BY label`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: sentiment counts")
	}
	defer rows.Close()

	counts := model.SentimentCounts{}
	for rows.Next() {
		var label string
		var n int
		if err := rows.Scan(&label, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan sentiment count")
		}
		counts[model.SentimentLabel(label)] = n
	}
	return counts, eris.Wrap(rows.Err(), "postgres: sentiment counts iterate")
}

// --- Source summaries ---

func (s *PostgresStore) InsertSourceSummary(ctx context.Context, sum *model.SourceSummary) error {
	if sum.ID == "" {
		sum.ID = uuid.New().String()
	}
	if sum.CreatedAt.IsZero() {
		sum.CreatedAt = time.Now().UTC()
	}
	themesJSON, err := marshalStrings(sum.Themes)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal themes")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO source_summaries
		 (id, run_id, source, summary, themes, sentiment, positive, negative, neutral, item_count, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (run_id, source) DO UPDATE SET
		   summary = $4, themes = $5, sentiment = $6, positive = $7, negative = $8, neutral = $9, item_count = $10`,
		sum.ID, sum.RunID, sum.Source, sum.Summary, themesJSON, sum.Sentiment,
		sum.Breakdown.Positive, sum.Breakdown.Negative, sum.Breakdown.Neutral, sum.ItemCount, sum.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: insert source summary %s", sum.Source)
}

const summaryColumns = `id, run_id, source, summary, themes, sentiment, positive, negative, neutral, item_count, created_at`

func (s *PostgresStore) ListRunSummaries(ctx context.Context, runID string) ([]model.SourceSummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+summaryColumns+` FROM source_summaries WHERE run_id = $1 ORDER BY created_at, id`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list run summaries")
	}
	defer rows.Close()
	return collectSummaries(rows)
}

func (s *PostgresStore) RecentSourceSummaries(ctx context.Context, limit int) ([]model.SourceSummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+summaryColumns+` FROM source_summaries ORDER BY created_at DESC LIMIT $1`,
		clampLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: recent source summaries")
	}
	defer rows.Close()
	return collectSummaries(rows)
}

func collectSummaries(rows pgx.Rows) ([]model.SourceSummary, error) {
	var out []model.SourceSummary
	for rows.Next() {
		var sum model.SourceSummary
		var themesJSON []byte
		if err := rows.Scan(&sum.ID, &sum.RunID, &sum.Source, &sum.Summary, &themesJSON, &sum.Sentiment,
			&sum.Breakdown.Positive, &sum.Breakdown.Negative, &sum.Breakdown.Neutral,
			&sum.ItemCount, &sum.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan source summary")
		}
		themes, err := unmarshalStrings(themesJSON)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal themes")
		}
		sum.Themes = themes
		out = append(out, sum)
	}
	return out, eris.Wrap(rows.Err(), "postgres: source summaries iterate")
}

// --- Aggregated insights ---

func (s *PostgresStore) InsertAggregatedInsight(ctx context.Context, in *model.AggregatedInsight) error {
	if in.ID == "" {
		in.ID = uuid.New().String()
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}
	themesJSON, err := marshalStrings(in.TopThemes)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal top themes")
	}
	urgentJSON, err := marshalStrings(in.UrgentItems)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal urgent items")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO aggregated_insights
		 (id, run_id, overall_summary, top_themes, overall_sentiment, urgent_items, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (run_id) DO UPDATE SET
		   overall_summary = $3, top_themes = $4, overall_sentiment = $5, urgent_items = $6`,
		in.ID, in.RunID, in.OverallSummary, themesJSON, string(in.OverallSentiment), urgentJSON, in.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert aggregated insight")
}

func (s *PostgresStore) LatestInsight(ctx context.Context) (*model.AggregatedInsight, error) {
	var in model.AggregatedInsight
	var sentiment string
	var themesJSON, urgentJSON []byte

	err := s.pool.QueryRow(ctx,
		`SELECT id, run_id, overall_summary, top_themes, overall_sentiment, urgent_items, created_at
		 FROM aggregated_insights ORDER BY created_at DESC LIMIT 1`,
	).Scan(&in.ID, &in.RunID, &in.OverallSummary, &themesJSON, &sentiment, &urgentJSON, &in.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: latest insight")
	}
	in.OverallSentiment = model.SentimentLabel(sentiment)
	if in.TopThemes, err = unmarshalStrings(themesJSON); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal top themes")
	}
	if in.UrgentItems, err = unmarshalStrings(urgentJSON); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal urgent items")
	}
	return &in, nil
}

// --- Runs ---

func (s *PostgresStore) CreateRun(ctx context.Context, run *model.Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	run.CreatedAt, run.UpdatedAt = now, now
	if run.Status == "" {
		run.Status = model.RunStatusRunning
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO pipeline_runs (id, source_filter, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO NOTHING`,
		run.ID, run.SourceFilter, string(run.Status), now, now,
	)
	return eris.Wrap(err, "postgres: insert run")
}

func (s *PostgresStore) UpdateRun(ctx context.Context, run *model.Run) error {
	var resultJSON []byte
	if run.Result != nil {
		var err error
		if resultJSON, err = json.Marshal(run.Result); err != nil {
			return eris.Wrap(err, "postgres: marshal run result")
		}
	}
	run.UpdatedAt = time.Now().UTC()

	tag, err := s.pool.Exec(ctx,
		`UPDATE pipeline_runs SET status = $1, last_step = $2, result = $3, error = $4, updated_at = $5 WHERE id = $6`,
		string(run.Status), string(run.LastStep), resultJSON, run.Error, run.UpdatedAt, run.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run %s", run.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", run.ID)
	}
	return nil
}

const runColumns = `id, source_filter, status, last_step, result, error, created_at, updated_at`

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	r, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM pipeline_runs WHERE id = $1`, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "postgres: get run %s", runID)
		}
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + runColumns + ` FROM pipeline_runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, argIdx)
	args = append(args, clampLimit(filter.Limit))
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) FindResumableRun(ctx context.Context, sourceFilter string) (*model.Run, error) {
	r, err := scanRun(s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM pipeline_runs
		 WHERE status = $1 AND source_filter = $2
		 ORDER BY created_at DESC LIMIT 1`,
		string(model.RunStatusRunning), sourceFilter,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: find resumable run")
	}
	return r, nil
}

func scanRun(row pgx.Row) (*model.Run, error) {
	var r model.Run
	var status, lastStep string
	var resultJSON []byte
	if err := row.Scan(&r.ID, &r.SourceFilter, &status, &lastStep, &resultJSON, &r.Error, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Status = model.RunStatus(status)
	r.LastStep = model.Step(lastStep)
	if len(resultJSON) > 0 {
		r.Result = &model.RunResult{}
		if err := json.Unmarshal(resultJSON, r.Result); err != nil {
			return nil, eris.Wrap(err, "unmarshal run result")
		}
	}
	return &r, nil
}

func (s *PostgresStore) SaveCheckpoint(ctx context.Context, runID string, step model.Step, data []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO run_steps (run_id, step, data, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (run_id, step) DO UPDATE SET data = $3, created_at = $4`,
		runID, string(step), data, time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: save checkpoint %s/%s", runID, step)
}

func (s *PostgresStore) LoadCheckpoint(ctx context.Context, runID string, step model.Step) (*model.StepCheckpoint, error) {
	cp := model.StepCheckpoint{RunID: runID, Step: step}
	err := s.pool.QueryRow(ctx,
		`SELECT data, created_at FROM run_steps WHERE run_id = $1 AND step = $2`,
		runID, string(step),
	).Scan(&cp.Data, &cp.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: load checkpoint %s/%s", runID, step)
	}
	return &cp, nil
}

// --- Unit failures ---

func (s *PostgresStore) RecordUnitFailure(ctx context.Context, f *model.UnitFailure) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO unit_failures (id, run_id, step, unit_key, error, error_type, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		f.ID, f.RunID, string(f.Step), f.UnitKey, f.Error, f.ErrorType, f.CreatedAt,
	)
	return eris.Wrap(err, "postgres: record unit failure")
}

func (s *PostgresStore) ListUnitFailures(ctx context.Context, runID string) ([]model.UnitFailure, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, step, unit_key, error, error_type, created_at
		 FROM unit_failures WHERE run_id = $1 ORDER BY created_at, id`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list unit failures")
	}
	defer rows.Close()

	var out []model.UnitFailure
	for rows.Next() {
		var f model.UnitFailure
		var step string
		if err := rows.Scan(&f.ID, &f.RunID, &step, &f.UnitKey, &f.Error, &f.ErrorType, &f.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan unit failure")
		}
		f.Step = model.Step(step)
		out = append(out, f)
	}
	return out, eris.Wrap(rows.Err(), "postgres: unit failures iterate")
}

// --- Run lock ---

// AcquireRunLock takes the single-row pipeline lease. It succeeds when the
// lease is free, expired, or already held by holder.
func (s *PostgresStore) AcquireRunLock(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO pipeline_lock (id, holder, acquired_at, expires_at)
		 VALUES (1, $1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET holder = $1, acquired_at = $2, expires_at = $3
		 WHERE pipeline_lock.expires_at <= $2 OR pipeline_lock.holder = $1`,
		holder, now, now.Add(ttl),
	)
	if err != nil {
		return false, eris.Wrap(err, "postgres: acquire run lock")
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ReleaseRunLock(ctx context.Context, holder string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM pipeline_lock WHERE id = 1 AND holder = $1`, holder)
	return eris.Wrap(err, "postgres: release run lock")
}

// --- helpers ---

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func marshalMetadata(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func marshalStrings(v []string) ([]byte, error) {
	if v == nil {
		v = []string{}
	}
	return json.Marshal(v)
}

func unmarshalStrings(data []byte) ([]string, error) {
	out := []string{}
	if len(data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}
