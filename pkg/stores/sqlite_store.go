package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
	now func() time.Time
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Each connection to :memory: would see its own empty database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
	}

	return &SQLiteStore{
		cfg: cfg,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

// Open creates, initializes and migrates a store at path.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Init opens the database connection with WAL journaling and foreign keys.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path
	if dsn != ":memory:" {
		dsn = "file:" + dsn
	}
	dsn += "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	if s.cfg.Path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// SaveRun creates or updates a pipeline run record.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *engine.Run) error {
	stages, err := json.Marshal(run.Stages)
	if err != nil {
		return fmt.Errorf("failed to encode stages: %w", err)
	}

	query := `
		INSERT INTO runs (id, state, stages, started_at, completed_at, duration_ms, failed_stage, failure, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			stages = excluded.stages,
			completed_at = excluded.completed_at,
			duration_ms = excluded.duration_ms,
			failed_stage = excluded.failed_stage,
			failure = excluded.failure,
			updated_at = excluded.updated_at
	`

	now := s.now()
	_, err = s.db.ExecContext(ctx, query,
		run.ID,
		string(run.State),
		string(stages),
		run.StartedAt,
		run.CompletedAt,
		run.Duration.Milliseconds(),
		nullString(string(run.FailedStage)),
		nullString(run.Failure),
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	return nil
}

// SaveStageResult records the outcome of one stage of a run. Saving the
// same stage twice replaces the earlier result.
func (s *SQLiteStore) SaveStageResult(ctx context.Context, runID string, result *engine.StageResult) error {
	artifacts, err := json.Marshal(result.Artifacts)
	if err != nil {
		return fmt.Errorf("failed to encode artifacts: %w", err)
	}

	var output sql.NullString
	if result.Output != nil {
		// Outputs carrying non-finite floats are kept out of the history
		// rather than failing the stage.
		if b, err := json.Marshal(result.Output); err == nil {
			output = sql.NullString{String: string(b), Valid: true}
		}
	}

	query := `
		INSERT INTO stage_results (run_id, stage, seq, status, artifacts, output, started_at, duration_ms, error)
		VALUES (?, ?, (SELECT COUNT(*) FROM stage_results WHERE run_id = ?), ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, stage) DO UPDATE SET
			status = excluded.status,
			artifacts = excluded.artifacts,
			output = excluded.output,
			started_at = excluded.started_at,
			duration_ms = excluded.duration_ms,
			error = excluded.error
	`

	_, err = s.db.ExecContext(ctx, query,
		runID,
		string(result.Stage),
		runID,
		string(result.Status),
		string(artifacts),
		output,
		result.StartedAt,
		result.Duration.Milliseconds(),
		nullString(result.Error),
	)
	if err != nil {
		return fmt.Errorf("failed to save stage result: %w", err)
	}

	return nil
}

const runColumns = `id, state, stages, started_at, completed_at, duration_ms, failed_stage, failure`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*engine.Run, error) {
	var (
		run         engine.Run
		state       string
		stages      string
		durationMS  int64
		failedStage sql.NullString
		failure     sql.NullString
	)
	if err := row.Scan(&run.ID, &state, &stages, &run.StartedAt, &run.CompletedAt, &durationMS, &failedStage, &failure); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(stages), &run.Stages); err != nil {
		return nil, fmt.Errorf("failed to decode stages of run %s: %w", run.ID, err)
	}
	run.State = engine.PipelineState(state)
	run.Duration = time.Duration(durationMS) * time.Millisecond
	run.FailedStage = engine.StageName(failedStage.String)
	run.Failure = failure.String
	return &run, nil
}

// GetRun retrieves a run with its stage results.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*engine.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = ?`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	results, err := s.listStageResults(ctx, id)
	if err != nil {
		return nil, err
	}
	run.Results = results

	return run, nil
}

func (s *SQLiteStore) listStageResults(ctx context.Context, runID string) ([]engine.StageResult, error) {
	query := `
		SELECT stage, status, artifacts, output, started_at, duration_ms, error
		FROM stage_results
		WHERE run_id = ?
		ORDER BY seq ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list stage results: %w", err)
	}
	defer rows.Close()

	results := []engine.StageResult{}
	for rows.Next() {
		var (
			res        engine.StageResult
			stage      string
			status     string
			artifacts  string
			output     sql.NullString
			durationMS int64
			errMsg     sql.NullString
		)
		if err := rows.Scan(&stage, &status, &artifacts, &output, &res.StartedAt, &durationMS, &errMsg); err != nil {
			return nil, fmt.Errorf("failed to scan stage result: %w", err)
		}
		if err := json.Unmarshal([]byte(artifacts), &res.Artifacts); err != nil {
			return nil, fmt.Errorf("failed to decode artifacts: %w", err)
		}
		res.Stage = engine.StageName(stage)
		res.Status = engine.StageStatus(status)
		if output.Valid {
			res.Output = json.RawMessage(output.String)
		}
		res.Duration = time.Duration(durationMS) * time.Millisecond
		res.Error = errMsg.String
		results = append(results, res)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stage results: %w", err)
	}

	return results, nil
}

// ListRuns lists runs newest first, without stage results.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*engine.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*engine.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// DeleteRun deletes a run and its stage results.
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}

	return expectRow(result, "run", id)
}

// GetOrCreateExperiment returns the experiment with name, creating it on
// first use.
func (s *SQLiteStore) GetOrCreateExperiment(ctx context.Context, name string) (*Experiment, error) {
	if name == "" {
		return nil, fmt.Errorf("experiment name is required")
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO experiments (id, name, created_at) VALUES (?, ?, ?) ON CONFLICT(name) DO NOTHING`,
		uuid.NewString(), name, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to create experiment: %w", err)
	}

	exp := &Experiment{}
	err = s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM experiments WHERE name = ?`, name,
	).Scan(&exp.ID, &exp.Name, &exp.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get experiment: %w", err)
	}

	return exp, nil
}

// CreateTrackingRun creates a tracking run. An empty ID is filled in.
func (s *SQLiteStore) CreateTrackingRun(ctx context.Context, run *TrackingRun) error {
	if run.ID == "" {
		run.ID = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	if run.Status == "" {
		run.Status = TrackingStatusRunning
	}
	if run.StartTime.IsZero() {
		run.StartTime = s.now()
	}

	tags, err := json.Marshal(run.Tags)
	if err != nil {
		return fmt.Errorf("failed to encode tags: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tracking_runs (id, experiment_id, status, tags, start_time, end_time) VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.ExperimentID, string(run.Status), string(tags), run.StartTime, run.EndTime)
	if err != nil {
		return fmt.Errorf("failed to create tracking run: %w", err)
	}

	return nil
}

const trackingRunColumns = `id, experiment_id, status, tags, start_time, end_time`

func scanTrackingRun(row rowScanner) (*TrackingRun, error) {
	var (
		run    TrackingRun
		status string
		tags   string
	)
	if err := row.Scan(&run.ID, &run.ExperimentID, &status, &tags, &run.StartTime, &run.EndTime); err != nil {
		return nil, err
	}
	run.Status = TrackingStatus(status)
	if err := json.Unmarshal([]byte(tags), &run.Tags); err != nil {
		return nil, fmt.Errorf("failed to decode tags of run %s: %w", run.ID, err)
	}
	return &run, nil
}

// GetTrackingRun retrieves a tracking run by ID.
func (s *SQLiteStore) GetTrackingRun(ctx context.Context, id string) (*TrackingRun, error) {
	query := `SELECT ` + trackingRunColumns + ` FROM tracking_runs WHERE id = ?`

	run, err := scanTrackingRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tracking run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tracking run: %w", err)
	}

	return run, nil
}

// ListTrackingRuns lists the runs of an experiment, oldest first.
func (s *SQLiteStore) ListTrackingRuns(ctx context.Context, experimentID string) ([]*TrackingRun, error) {
	query := `SELECT ` + trackingRunColumns + ` FROM tracking_runs WHERE experiment_id = ? ORDER BY start_time ASC`

	rows, err := s.db.QueryContext(ctx, query, experimentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tracking runs: %w", err)
	}
	defer rows.Close()

	runs := []*TrackingRun{}
	for rows.Next() {
		run, err := scanTrackingRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tracking run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tracking runs: %w", err)
	}

	return runs, nil
}

// UpdateTrackingRunStatus sets the status of a tracking run. Terminal
// statuses also set the end time.
func (s *SQLiteStore) UpdateTrackingRunStatus(ctx context.Context, id string, status TrackingStatus) error {
	var endTime *time.Time
	if status.Terminal() {
		now := s.now()
		endTime = &now
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE tracking_runs SET status = ?, end_time = ? WHERE id = ?`,
		string(status), endTime, id)
	if err != nil {
		return fmt.Errorf("failed to update tracking run status: %w", err)
	}

	return expectRow(result, "tracking run", id)
}

// LogParams records parameters of a tracking run. Logging a key again
// overwrites its value.
func (s *SQLiteStore) LogParams(ctx context.Context, runID string, params map[string]string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO params (run_id, key, value) VALUES (?, ?, ?)
			 ON CONFLICT(run_id, key) DO UPDATE SET value = excluded.value`)
		if err != nil {
			return fmt.Errorf("failed to prepare params insert: %w", err)
		}
		defer stmt.Close()

		for k, v := range params {
			if _, err := stmt.ExecContext(ctx, runID, k, v); err != nil {
				return fmt.Errorf("failed to log param %s: %w", k, err)
			}
		}
		return nil
	})
}

// GetParams returns the parameters of a tracking run.
func (s *SQLiteStore) GetParams(ctx context.Context, runID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM params WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get params: %w", err)
	}
	defer rows.Close()

	params := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("failed to scan param: %w", err)
		}
		params[k] = v
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating params: %w", err)
	}

	return params, nil
}

// LogMetrics appends metric values to a tracking run.
func (s *SQLiteStore) LogMetrics(ctx context.Context, runID string, metrics []Metric) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO metrics (run_id, key, value, step, timestamp) VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare metrics insert: %w", err)
		}
		defer stmt.Close()

		for _, m := range metrics {
			ts := m.Timestamp
			if ts.IsZero() {
				ts = s.now()
			}
			if _, err := stmt.ExecContext(ctx, runID, m.Key, m.Value, m.Step, ts); err != nil {
				return fmt.Errorf("failed to log metric %s: %w", m.Key, err)
			}
		}
		return nil
	})
}

// GetMetrics returns the history of one metric ordered by step. An empty
// key returns every metric.
func (s *SQLiteStore) GetMetrics(ctx context.Context, runID, key string) ([]Metric, error) {
	query := `
		SELECT key, value, step, timestamp
		FROM metrics
		WHERE run_id = ? AND (? = '' OR key = ?)
		ORDER BY key ASC, step ASC, id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runID, key, key)
	if err != nil {
		return nil, fmt.Errorf("failed to get metrics: %w", err)
	}
	defer rows.Close()

	metrics := []Metric{}
	for rows.Next() {
		var m Metric
		if err := rows.Scan(&m.Key, &m.Value, &m.Step, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan metric: %w", err)
		}
		metrics = append(metrics, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating metrics: %w", err)
	}

	return metrics, nil
}

// LogArtifact records an artifact path for a tracking run.
func (s *SQLiteStore) LogArtifact(ctx context.Context, runID, path string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (run_id, path, logged_at) VALUES (?, ?, ?)
		 ON CONFLICT(run_id, path) DO UPDATE SET logged_at = excluded.logged_at`,
		runID, path, s.now())
	if err != nil {
		return fmt.Errorf("failed to log artifact: %w", err)
	}

	return nil
}

// ListArtifacts returns the artifact paths of a tracking run.
func (s *SQLiteStore) ListArtifacts(ctx context.Context, runID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT path FROM artifacts WHERE run_id = ? ORDER BY logged_at ASC, path ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	defer rows.Close()

	paths := []string{}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		paths = append(paths, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating artifacts: %w", err)
	}

	return paths, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func expectRow(result sql.Result, what, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
