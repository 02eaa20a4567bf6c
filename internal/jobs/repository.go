package jobs

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Repository persists export jobs and agent settings.
type Repository interface {
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context, limit int) ([]*Job, error)
	UpdateJobProgress(ctx context.Context, id string, progress int) error
	FinishJob(ctx context.Context, job *Job) error

	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error
}

type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db, now: time.Now}
}

const jobColumns = `id, mode, status, progress, output_path, reason, size_bytes, error, error_code, created_at, updated_at`

func (r *SQLiteRepository) CreateJob(ctx context.Context, j *Job) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO export_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, j.ID, j.Mode, j.Status, j.Progress, j.OutputPath, nullString(j.Reason), j.SizeBytes,
		nullString(j.Error), nullString(j.ErrorCode),
		formatTime(j.CreatedAt), formatTime(j.UpdatedAt))
	return err
}

// GetJob returns nil, nil when id is unknown.
func (r *SQLiteRepository) GetJob(ctx context.Context, id string) (*Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM export_jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

func (r *SQLiteRepository) ListJobs(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM export_jobs ORDER BY created_at DESC, rowid DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (r *SQLiteRepository) UpdateJobProgress(ctx context.Context, id string, progress int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE export_jobs SET progress = ?, updated_at = ? WHERE id = ?
	`, progress, formatTime(r.now()), id)
	return err
}

// FinishJob writes the terminal state of j.
func (r *SQLiteRepository) FinishJob(ctx context.Context, j *Job) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE export_jobs
		SET status = ?, progress = ?, size_bytes = ?, error = ?, error_code = ?, updated_at = ?
		WHERE id = ?
	`, j.Status, j.Progress, j.SizeBytes, nullString(j.Error), nullString(j.ErrorCode), formatTime(j.UpdatedAt), j.ID)
	return err
}

func (r *SQLiteRepository) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, "SELECT value FROM config WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

func (r *SQLiteRepository) SetConfig(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*Job, error) {
	var j Job
	var reason, errMsg, errCode sql.NullString
	var createdAt, updatedAt string

	if err := row.Scan(&j.ID, &j.Mode, &j.Status, &j.Progress, &j.OutputPath, &reason, &j.SizeBytes,
		&errMsg, &errCode, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	j.Reason = reason.String
	j.Error = errMsg.String
	j.ErrorCode = errCode.String
	j.CreatedAt = parseTime(createdAt)
	j.UpdatedAt = parseTime(updatedAt)
	return &j, nil
}

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime also accepts the second-precision RFC 3339 that sqlite's
// strftime writes.
func parseTime(s string) time.Time {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t
	}
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
