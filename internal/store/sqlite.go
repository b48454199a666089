package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	_ "modernc.org/sqlite"

	"github.com/sells-group/bosswiki/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Timestamps are
// stored as unix milliseconds.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at path with WAL mode and a busy
// timeout applied to every pooled connection.
func NewSQLite(path string) (*SQLiteStore, error) {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS bosses (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	slug          TEXT NOT NULL,
	name          TEXT NOT NULL,
	name_fold     TEXT NOT NULL DEFAULT '',
	hp            INTEGER,
	exp           INTEGER,
	speed         INTEGER,
	version       TEXT,
	walks_through TEXT NOT NULL DEFAULT '[]',
	immunities    TEXT NOT NULL DEFAULT '[]',
	visuals       TEXT,
	raw_wikitext  TEXT NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_bosses_slug ON bosses(slug);
CREATE INDEX IF NOT EXISTS idx_bosses_name ON bosses(name);

CREATE TABLE IF NOT EXISTS system_jobs (
	id        TEXT PRIMARY KEY,
	status    TEXT NOT NULL DEFAULT 'idle',
	owner     TEXT,
	locked_at INTEGER,
	last_run  INTEGER
);

CREATE TABLE IF NOT EXISTS sync_runs (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	trigger      TEXT NOT NULL,
	status       TEXT NOT NULL,
	started_at   INTEGER NOT NULL,
	completed_at INTEGER,
	discovered   INTEGER NOT NULL DEFAULT 0,
	parsed       INTEGER NOT NULL DEFAULT 0,
	saved        INTEGER NOT NULL DEFAULT 0,
	failed       INTEGER NOT NULL DEFAULT 0,
	error        TEXT
);
`

const (
	sqliteUpsertBoss = `INSERT INTO bosses (slug, name, name_fold, hp, exp, speed, version, walks_through, immunities, visuals, raw_wikitext, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(slug) DO UPDATE SET name = excluded.name, name_fold = excluded.name_fold, hp = excluded.hp, exp = excluded.exp, speed = excluded.speed,
	version = excluded.version, walks_through = excluded.walks_through, immunities = excluded.immunities,
	visuals = excluded.visuals, raw_wikitext = excluded.raw_wikitext, updated_at = excluded.updated_at`

	sqliteSelectBoss = `SELECT slug, name, hp, exp, speed, version, walks_through, immunities, visuals, updated_at FROM bosses`
)

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteMigration); err != nil {
		return eris.Wrap(err, "sqlite: migrate")
	}
	if err := s.ensureNameFold(ctx); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_bosses_name_fold ON bosses(name_fold)`)
	return eris.Wrap(err, "sqlite: migrate name_fold index")
}

// ensureNameFold adds and backfills the name_fold column on databases
// created before it existed.
func (s *SQLiteStore) ensureNameFold(ctx context.Context) error {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info('bosses') WHERE name = 'name_fold'`).Scan(&n); err != nil {
		return eris.Wrap(err, "sqlite: inspect bosses columns")
	}
	if n > 0 {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `ALTER TABLE bosses ADD COLUMN name_fold TEXT NOT NULL DEFAULT ''`); err != nil {
		return eris.Wrap(err, "sqlite: add name_fold")
	}

	rows, err := s.db.QueryContext(ctx, `SELECT slug, name FROM bosses`)
	if err != nil {
		return eris.Wrap(err, "sqlite: read names for backfill")
	}
	names := map[string]string{}
	for rows.Next() {
		var slug, name string
		if err := rows.Scan(&slug, &name); err != nil {
			rows.Close() //nolint:errcheck
			return eris.Wrap(err, "sqlite: scan name for backfill")
		}
		names[slug] = name
	}
	rows.Close() //nolint:errcheck
	if err := rows.Err(); err != nil {
		return eris.Wrap(err, "sqlite: iterate names for backfill")
	}

	for slug, name := range names {
		if _, err := s.db.ExecContext(ctx, `UPDATE bosses SET name_fold = ? WHERE slug = ?`, foldName(name), slug); err != nil {
			return eris.Wrapf(err, "sqlite: backfill name_fold %s", slug)
		}
	}
	return nil
}

// foldName case-folds s for search. SQLite's LIKE only folds ASCII, so
// both the column and the pattern are folded here.
func foldName(s string) string {
	return cases.Fold().String(s)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Bosses ---

func bossArgs(r bossRow, now time.Time) []any {
	var vis any
	if r.visuals != nil {
		vis = string(r.visuals)
	}
	ms := toMillis(now)
	return []any{
		r.slug, r.name, foldName(r.name), r.hp, r.exp, r.speed, r.version,
		string(r.walksThrough), string(r.immunities), vis, r.rawWikitext, ms, ms,
	}
}

func (s *SQLiteStore) Upsert(ctx context.Context, boss model.Boss) error {
	r, err := encodeBoss(boss)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, sqliteUpsertBoss, bossArgs(r, time.Now().UTC())...)
	return eris.Wrapf(err, "sqlite: upsert boss %s", r.slug)
}

// UpsertBatch writes the batch in one transaction with a prepared upsert.
func (s *SQLiteStore) UpsertBatch(ctx context.Context, bosses []model.Boss) (int, error) {
	unique := dedupeBySlug(bosses)
	if len(unique) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: upsert batch: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, sqliteUpsertBoss)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: upsert batch: prepare")
	}
	defer stmt.Close() //nolint:errcheck

	now := time.Now().UTC()
	for _, b := range unique {
		r, err := encodeBoss(b)
		if err != nil {
			return 0, err
		}
		if _, err := stmt.ExecContext(ctx, bossArgs(r, now)...); err != nil {
			return 0, eris.Wrapf(err, "sqlite: upsert batch: %s", r.slug)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: upsert batch: commit")
	}
	return len(unique), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLiteBoss(sc scanner, withRaw bool) (model.Boss, error) {
	var r bossRow
	var hp, exp, speed sql.NullInt64
	var version, visuals sql.NullString
	var walks, imm string
	var updated int64

	dest := []any{&r.slug, &r.name, &hp, &exp, &speed, &version, &walks, &imm, &visuals}
	if withRaw {
		dest = append(dest, &r.rawWikitext)
	}
	dest = append(dest, &updated)
	if err := sc.Scan(dest...); err != nil {
		return model.Boss{}, err
	}

	r.hp = nullInt(hp)
	r.exp = nullInt(exp)
	r.speed = nullInt(speed)
	if version.Valid {
		r.version = &version.String
	}
	r.walksThrough = []byte(walks)
	r.immunities = []byte(imm)
	if visuals.Valid {
		r.visuals = []byte(visuals.String)
	}
	return decodeBoss(r, fromMillis(updated))
}

func nullInt(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func (s *SQLiteStore) FindBySlug(ctx context.Context, slug string) (*model.Boss, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT slug, name, hp, exp, speed, version, walks_through, immunities, visuals, raw_wikitext, updated_at FROM bosses WHERE slug = ?`,
		slug)
	b, err := scanSQLiteBoss(row, true)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: find boss %s", slug)
	}
	return &b, nil
}

func (s *SQLiteStore) List(ctx context.Context, q PageQuery) ([]model.Boss, error) {
	q = clampLimit(q)
	rows, err := s.db.QueryContext(ctx, sqliteSelectBoss+` ORDER BY name, slug LIMIT ? OFFSET ?`, q.Limit, q.Offset)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list bosses")
	}
	return s.collect(rows)
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bosses`).Scan(&n); err != nil {
		return 0, eris.Wrap(err, "sqlite: count bosses")
	}
	return n, nil
}

func (s *SQLiteStore) SearchByName(ctx context.Context, term string, q PageQuery) ([]model.Boss, error) {
	pattern, err := searchPattern(term)
	if err != nil {
		return nil, err
	}
	q = clampLimit(q)
	rows, err := s.db.QueryContext(ctx,
		sqliteSelectBoss+` WHERE name_fold LIKE ? ESCAPE '\' ORDER BY name, slug LIMIT ? OFFSET ?`,
		foldName(pattern), q.Limit, q.Offset)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: search bosses")
	}
	return s.collect(rows)
}

func (s *SQLiteStore) CountByName(ctx context.Context, term string) (int, error) {
	pattern, err := searchPattern(term)
	if err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bosses WHERE name_fold LIKE ? ESCAPE '\'`, foldName(pattern)).Scan(&n); err != nil {
		return 0, eris.Wrap(err, "sqlite: count search")
	}
	return n, nil
}

func (s *SQLiteStore) collect(rows *sql.Rows) ([]model.Boss, error) {
	defer rows.Close() //nolint:errcheck
	var out []model.Boss
	for rows.Next() {
		b, err := scanSQLiteBoss(rows, false)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan boss")
		}
		out = append(out, b)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate bosses")
}

// --- Lock ---

func (s *SQLiteStore) EnsureLock(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO system_jobs (id, status) VALUES (?, 'idle') ON CONFLICT(id) DO NOTHING`, id)
	return eris.Wrapf(err, "sqlite: ensure lock %s", id)
}

func (s *SQLiteStore) AcquireLock(ctx context.Context, id, owner string, now, staleBefore time.Time) (bool, error) {
	var stale any
	if !staleBefore.IsZero() {
		stale = toMillis(staleBefore)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE system_jobs SET status = 'running', owner = ?, locked_at = ?
WHERE id = ? AND (status = 'idle' OR locked_at < ?)`,
		owner, toMillis(now), id, stale)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: acquire lock %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: acquire lock rows affected")
	}
	return n == 1, nil
}

func (s *SQLiteStore) ReleaseLock(ctx context.Context, id, owner string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE system_jobs SET status = 'idle', owner = NULL, locked_at = NULL, last_run = ?
WHERE id = ? AND owner = ?`,
		toMillis(now), id, owner)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: release lock %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: release lock rows affected")
	}
	return n == 1, nil
}

func (s *SQLiteStore) GetLock(ctx context.Context, id string) (*model.LockState, error) {
	var st model.LockState
	var status string
	var owner sql.NullString
	var lockedAt, lastRun sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, status, owner, locked_at, last_run FROM system_jobs WHERE id = ?`, id,
	).Scan(&st.ID, &status, &owner, &lockedAt, &lastRun)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get lock %s", id)
	}
	st.Status = model.LockStatus(status)
	st.Owner = owner.String
	st.LockedAt = nullMillis(lockedAt)
	st.LastRun = nullMillis(lastRun)
	return &st, nil
}

func (s *SQLiteStore) ResetLock(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE system_jobs SET status = 'idle', owner = NULL, locked_at = NULL WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: reset lock %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Runs ---

func (s *SQLiteStore) StartRun(ctx context.Context, trigger string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_runs (trigger, status, started_at) VALUES (?, ?, ?)`,
		trigger, string(model.RunStatusRunning), toMillis(time.Now().UTC()))
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: start run")
	}
	id, err := res.LastInsertId()
	return id, eris.Wrap(err, "sqlite: start run id")
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, id int64, stats model.RunStats) error {
	return s.finishRun(ctx, id, model.RunStatusComplete, stats, nil)
}

func (s *SQLiteStore) FailRun(ctx context.Context, id int64, stats model.RunStats, msg string) error {
	return s.finishRun(ctx, id, model.RunStatusFailed, stats, msg)
}

func (s *SQLiteStore) finishRun(ctx context.Context, id int64, status model.RunStatus, stats model.RunStats, msg any) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_runs SET status = ?, completed_at = ?, discovered = ?, parsed = ?, saved = ?, failed = ?, error = ? WHERE id = ?`,
		string(status), toMillis(time.Now().UTC()), stats.Discovered, stats.Parsed, stats.Saved, stats.Failed, msg, id)
	return eris.Wrapf(err, "sqlite: finish run %d", id)
}

func (s *SQLiteStore) SkipRun(ctx context.Context, trigger string) error {
	ms := toMillis(time.Now().UTC())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_runs (trigger, status, started_at, completed_at) VALUES (?, ?, ?, ?)`,
		trigger, string(model.RunStatusSkipped), ms, ms)
	return eris.Wrap(err, "sqlite: skip run")
}

func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]model.SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, trigger, status, started_at, completed_at, discovered, parsed, saved, failed, error
FROM sync_runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.SyncRun
	for rows.Next() {
		var r model.SyncRun
		var status string
		var started int64
		var completed sql.NullInt64
		var msg sql.NullString
		if err := rows.Scan(&r.ID, &r.Trigger, &status, &started, &completed,
			&r.Discovered, &r.Parsed, &r.Saved, &r.Failed, &msg); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		r.Status = model.RunStatus(status)
		r.StartedAt = fromMillis(started)
		r.CompletedAt = nullMillis(completed)
		r.Error = msg.String
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: iterate runs")
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
