package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore implements Store over the platform's Postgres database.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a Postgres connection pool and verifies it.
func NewPostgresStore(ctx context.Context, dsn string, maxOpenConns int) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an existing connection. Used by tests.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Ping reports database reachability for health checks.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const scheduleColumns = `id, agent_id, message, cron_expr, timezone, enabled, autonomy, last_run_at, next_run_at, updated_at`

func scanSchedule(row interface{ Scan(...any) error }) (*Schedule, error) {
	var sched Schedule
	var lastRun, nextRun sql.NullTime
	if err := row.Scan(&sched.ID, &sched.AgentID, &sched.Message, &sched.CronExpr,
		&sched.Timezone, &sched.Enabled, &sched.Autonomy, &lastRun, &nextRun, &sched.UpdatedAt); err != nil {
		return nil, err
	}
	if lastRun.Valid {
		sched.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		sched.NextRunAt = &nextRun.Time
	}
	return &sched, nil
}

// Get returns a single schedule by id.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+scheduleColumns+`
		FROM schedules
		WHERE id = $1
	`, id)

	sched, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return sched, nil
}

// ListEnabled returns all schedules with the enabled flag set.
func (s *PostgresStore) ListEnabled(ctx context.Context) ([]Schedule, error) {
	return s.list(ctx, `
		SELECT `+scheduleColumns+`
		FROM schedules
		WHERE enabled = TRUE
		ORDER BY id
	`)
}

// ListAll returns every schedule regardless of enabled state.
func (s *PostgresStore) ListAll(ctx context.Context) ([]Schedule, error) {
	return s.list(ctx, `
		SELECT `+scheduleColumns+`
		FROM schedules
		ORDER BY id
	`)
}

func (s *PostgresStore) list(ctx context.Context, query string) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	schedules := []Schedule{}
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, *sched)
	}
	return schedules, rows.Err()
}

// UpdateRunTimes writes last/next fire timestamps back after an execution.
func (s *PostgresStore) UpdateRunTimes(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE schedules
		SET last_run_at = $2, next_run_at = $3
		WHERE id = $1
	`, id, lastRun, nextRun)
	return err
}

// CreateExecution inserts a new execution record in running state.
func (s *PostgresStore) CreateExecution(ctx context.Context, exec *Execution) error {
	var scheduleID sql.NullString
	if exec.ScheduleID != nil {
		scheduleID = sql.NullString{String: *exec.ScheduleID, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (id, schedule_id, agent_id, message, triggered_by, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, exec.ID, scheduleID, exec.AgentID, exec.Message, string(exec.TriggeredBy), string(exec.Status), exec.StartedAt)
	return err
}

// UpdateExecutionStatus writes a terminal status for a running execution.
// The WHERE status = 'running' guard makes the terminal write atomic: a
// failure callback arriving after a cancellation path already completed the
// record matches zero rows and reports false.
func (s *PostgresStore) UpdateExecutionStatus(ctx context.Context, id string, update ExecutionUpdate) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET status = $2,
		    response = COALESCE($3, response),
		    cost_usd = COALESCE($4, cost_usd),
		    tokens = COALESCE($5, tokens),
		    error = COALESCE($6, error),
		    completed_at = now()
		WHERE id = $1 AND status = 'running'
	`, id, string(update.Status),
		nullString(update.Response), nullFloat(update.CostUSD),
		nullInt(update.Tokens), nullString(update.Error))
	if err != nil {
		return false, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// GetExecution returns a single execution record by id.
func (s *PostgresStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	var exec Execution
	var scheduleID sql.NullString
	var response, errMsg sql.NullString
	var costUSD sql.NullFloat64
	var tokens sql.NullInt64
	var completedAt sql.NullTime
	var triggeredBy, status string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, schedule_id, agent_id, message, triggered_by, status,
		       response, cost_usd, tokens, error, started_at, completed_at
		FROM executions
		WHERE id = $1
	`, id).Scan(&exec.ID, &scheduleID, &exec.AgentID, &exec.Message, &triggeredBy, &status,
		&response, &costUSD, &tokens, &errMsg, &exec.StartedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	exec.TriggeredBy = TriggeredBy(triggeredBy)
	exec.Status = ExecutionStatus(status)
	if scheduleID.Valid {
		exec.ScheduleID = &scheduleID.String
	}
	if response.Valid {
		exec.Response = response.String
	}
	if costUSD.Valid {
		exec.CostUSD = costUSD.Float64
	}
	if tokens.Valid {
		exec.Tokens = tokens.Int64
	}
	if errMsg.Valid {
		exec.Error = errMsg.String
	}
	if completedAt.Valid {
		exec.CompletedAt = &completedAt.Time
	}
	return &exec, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullInt(i *int64) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *i, Valid: true}
}
