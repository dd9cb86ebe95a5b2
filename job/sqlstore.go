package job

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  status TEXT NOT NULL,
  progress INTEGER NOT NULL DEFAULT 0,
  stage TEXT NOT NULL DEFAULT '',
  source TEXT NOT NULL,
  format TEXT NOT NULL,
  quality TEXT NOT NULL,
  origin TEXT NOT NULL,
  meta_id TEXT,
  meta_title TEXT,
  meta_duration INTEGER,
  meta_thumbnail TEXT,
  meta_channel TEXT,
  meta_source TEXT,
  result_success INTEGER,
  audio_url TEXT,
  filename TEXT,
  file_size BIGINT,
  file_size_formatted TEXT,
  result_format TEXT,
  result_quality TEXT,
  error_code TEXT,
  error_message TEXT,
  processing_time DOUBLE PRECISION,
  created_at BIGINT NOT NULL,
  updated_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_created_at_idx ON jobs (created_at);
`

const jobColumns = `id, status, progress, stage, source, format, quality, origin,
  meta_id, meta_title, meta_duration, meta_thumbnail, meta_channel, meta_source,
  result_success, audio_url, filename, file_size, file_size_formatted, result_format, result_quality,
  error_code, error_message, processing_time, created_at, updated_at`

// SQLStore persists jobs through database/sql. Supported drivers are "sqlite"
// (modernc.org/sqlite) and "pgx" (PostgreSQL).
type SQLStore struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

func OpenSQL(driver, dsn string) (*SQLStore, error) {
	switch driver {
	case "sqlite", "pgx":
	case "postgres":
		driver = "pgx"
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if driver == "sqlite" {
		// A single connection serializes writers and keeps ":memory:" databases shared.
		db.SetMaxOpenConns(1)
	}
	s := &SQLStore{db: db, driver: driver, now: time.Now}
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate jobs table: %w", err)
		}
	}
	return s, nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.driver != "pgx" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) Create(ctx context.Context, source string, format Format, quality Quality, origin Origin) (*Job, error) {
	j := newJob(source, format, quality, origin, s.now().UTC())
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO jobs (id, status, progress, stage, source, format, quality, origin, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		j.ID, string(j.Status), j.Progress, j.Stage, j.Source, string(j.Format), string(j.Quality),
		string(j.Origin), j.CreatedAt.UnixMilli(), j.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	return j, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j                                                     Job
		status, format, quality, origin                       string
		metaID, metaTitle, metaThumb, metaChannel, metaSource sql.NullString
		metaDuration                                          sql.NullInt64
		success                                               sql.NullInt64
		audioURL, filename, sizeFmt, resFormat, resQuality    sql.NullString
		errorCode, errorMsg                                   sql.NullString
		fileSize                                              sql.NullInt64
		procTime                                              sql.NullFloat64
		createdMs, updatedMs                                  int64
	)
	if err := row.Scan(&j.ID, &status, &j.Progress, &j.Stage, &j.Source, &format, &quality, &origin,
		&metaID, &metaTitle, &metaDuration, &metaThumb, &metaChannel, &metaSource,
		&success, &audioURL, &filename, &fileSize, &sizeFmt, &resFormat, &resQuality,
		&errorCode, &errorMsg, &procTime, &createdMs, &updatedMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	j.Status = Status(status)
	j.Format = Format(format)
	j.Quality = Quality(quality)
	j.Origin = Origin(origin)
	j.CreatedAt = time.UnixMilli(createdMs).UTC()
	j.UpdatedAt = time.UnixMilli(updatedMs).UTC()

	meta := &Metadata{
		ID:              metaID.String,
		Title:           metaTitle.String,
		DurationSeconds: int(metaDuration.Int64),
		Thumbnail:       metaThumb.String,
		Channel:         metaChannel.String,
		Source:          metaSource.String,
	}
	if !meta.empty() {
		j.Metadata = meta
	}
	if success.Valid {
		j.Result = &Result{
			Success:           success.Int64 == 1,
			AudioURL:          audioURL.String,
			Filename:          filename.String,
			FileSize:          fileSize.Int64,
			FileSizeFormatted: sizeFmt.String,
			Format:            resFormat.String,
			Quality:           resQuality.String,
			ErrorCode:         Code(errorCode.String),
			Error:             errorMsg.String,
			ProcessingTime:    procTime.Float64,
		}
	}
	return &j, nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id)
	return scanJob(row)
}

func (s *SQLStore) Update(ctx context.Context, id string, p Patch) (*Job, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	j, err := scanJob(tx.QueryRowContext(ctx, s.rebind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id))
	if err != nil {
		return nil, err
	}
	if j.Status.Terminal() {
		return nil, ErrTerminal
	}
	p.Apply(j, s.now().UTC())

	meta := j.Metadata
	if meta == nil {
		meta = &Metadata{}
	}
	var (
		success  sql.NullInt64
		res      Result
		fileSize sql.NullInt64
		procTime sql.NullFloat64
	)
	if j.Result != nil {
		res = *j.Result
		success = sql.NullInt64{Int64: 0, Valid: true}
		if res.Success {
			success.Int64 = 1
		}
		fileSize = sql.NullInt64{Int64: res.FileSize, Valid: res.FileSize > 0}
		procTime = sql.NullFloat64{Float64: res.ProcessingTime, Valid: true}
	}

	// The status guard keeps a concurrent terminal write from being overwritten.
	r, err := tx.ExecContext(ctx, s.rebind(
		`UPDATE jobs SET status = ?, progress = ?, stage = ?,
             meta_id = ?, meta_title = ?, meta_duration = ?, meta_thumbnail = ?, meta_channel = ?, meta_source = ?,
             result_success = ?, audio_url = ?, filename = ?, file_size = ?, file_size_formatted = ?,
             result_format = ?, result_quality = ?, error_code = ?, error_message = ?, processing_time = ?,
             updated_at = ?
         WHERE id = ? AND status NOT IN (?, ?)`),
		string(j.Status), j.Progress, j.Stage,
		nullString(meta.ID), nullString(meta.Title), nullInt(meta.DurationSeconds), nullString(meta.Thumbnail),
		nullString(meta.Channel), nullString(meta.Source),
		success, nullString(res.AudioURL), nullString(res.Filename), fileSize, nullString(res.FileSizeFormatted),
		nullString(res.Format), nullString(res.Quality), nullString(string(res.ErrorCode)), nullString(res.Error), procTime,
		j.UpdatedAt.UnixMilli(),
		id, string(StatusCompleted), string(StatusFailed),
	)
	if err != nil {
		return nil, err
	}
	if n, err := r.RowsAffected(); err == nil && n == 0 {
		return nil, ErrTerminal
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return j, nil
}

func (s *SQLStore) List(ctx context.Context, f Filter, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Origin != "" {
		where = append(where, "origin = ?")
		args = append(args, string(f.Origin))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *SQLStore) Stats(ctx context.Context) (Stats, error) {
	st := newStats()
	rows, err := s.db.QueryContext(ctx, `SELECT status, origin, COUNT(*) FROM jobs GROUP BY status, origin`)
	if err != nil {
		return st, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status, origin string
			n              int
		)
		if err := rows.Scan(&status, &origin, &n); err != nil {
			return st, err
		}
		st.add(Status(status), Origin(origin), n)
	}
	return st, rows.Err()
}

func (s *SQLStore) Delete(ctx context.Context, id string) (bool, error) {
	r, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM jobs WHERE id = ?`), id)
	if err != nil {
		return false, err
	}
	n, err := r.RowsAffected()
	return n > 0, err
}

func (s *SQLStore) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := s.now().UTC().Add(-maxAge).UnixMilli()
	r, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM jobs WHERE status IN (?, ?) AND created_at < ?`),
		string(StatusCompleted), string(StatusFailed), cutoff,
	)
	if err != nil {
		return 0, err
	}
	n, err := r.RowsAffected()
	return int(n), err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(i int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(i), Valid: i > 0}
}
