package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/bosswiki/internal/db"
	"github.com/sells-group/bosswiki/internal/model"
)

// PostgresStore implements Store on a pgx pool.
type PostgresStore struct {
	pool db.Pool
}

// NewPostgres connects to Postgres and returns a store on the pool.
func NewPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := db.Connect(ctx, databaseURL, 10)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresWithPool wraps an existing pool.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS bosses (
	id            BIGSERIAL PRIMARY KEY,
	slug          TEXT NOT NULL,
	name          TEXT NOT NULL,
	hp            BIGINT,
	exp           BIGINT,
	speed         BIGINT,
	version       TEXT,
	walks_through JSONB NOT NULL DEFAULT '[]',
	immunities    JSONB NOT NULL DEFAULT '[]',
	visuals       JSONB,
	raw_wikitext  TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_bosses_slug ON bosses(slug);
CREATE INDEX IF NOT EXISTS idx_bosses_name ON bosses(name);

CREATE TABLE IF NOT EXISTS system_jobs (
	id        TEXT PRIMARY KEY,
	status    TEXT NOT NULL DEFAULT 'idle',
	owner     TEXT,
	locked_at TIMESTAMPTZ,
	last_run  TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS sync_runs (
	id           BIGSERIAL PRIMARY KEY,
	trigger      TEXT NOT NULL,
	status       TEXT NOT NULL,
	started_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at TIMESTAMPTZ,
	discovered   INTEGER NOT NULL DEFAULT 0,
	parsed       INTEGER NOT NULL DEFAULT 0,
	saved        INTEGER NOT NULL DEFAULT 0,
	failed       INTEGER NOT NULL DEFAULT 0,
	error        TEXT
);

CREATE INDEX IF NOT EXISTS idx_sync_runs_started_at ON sync_runs(started_at DESC);
`

var bossColumns = []string{
	"slug", "name", "hp", "exp", "speed", "version",
	"walks_through", "immunities", "visuals", "raw_wikitext", "updated_at",
}

const (
	pgUpsertBoss = `INSERT INTO bosses (slug, name, hp, exp, speed, version, walks_through, immunities, visuals, raw_wikitext, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (slug) DO UPDATE SET name = EXCLUDED.name, hp = EXCLUDED.hp, exp = EXCLUDED.exp, speed = EXCLUDED.speed,
	version = EXCLUDED.version, walks_through = EXCLUDED.walks_through, immunities = EXCLUDED.immunities,
	visuals = EXCLUDED.visuals, raw_wikitext = EXCLUDED.raw_wikitext, updated_at = EXCLUDED.updated_at`

	pgSelectBoss = `SELECT slug, name, hp, exp, speed, version, walks_through, immunities, visuals, updated_at FROM bosses`
)

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// --- Bosses ---

func (s *PostgresStore) Upsert(ctx context.Context, boss model.Boss) error {
	r, err := encodeBoss(boss)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, pgUpsertBoss,
		r.slug, r.name, r.hp, r.exp, r.speed, r.version,
		r.walksThrough, r.immunities, r.visuals, r.rawWikitext, time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: upsert boss %s", r.slug)
}

// UpsertBatch writes the batch through a temp table and COPY.
func (s *PostgresStore) UpsertBatch(ctx context.Context, bosses []model.Boss) (int, error) {
	unique := dedupeBySlug(bosses)
	if len(unique) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	rows := make([][]any, 0, len(unique))
	for _, b := range unique {
		r, err := encodeBoss(b)
		if err != nil {
			return 0, err
		}
		rows = append(rows, []any{
			r.slug, r.name, r.hp, r.exp, r.speed, r.version,
			r.walksThrough, r.immunities, r.visuals, r.rawWikitext, now,
		})
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "bosses",
		Columns:      bossColumns,
		ConflictKeys: []string{"slug"},
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: upsert batch")
	}
	return int(n), nil
}

func (s *PostgresStore) FindBySlug(ctx context.Context, slug string) (*model.Boss, error) {
	var r bossRow
	var updatedAt time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT slug, name, hp, exp, speed, version, walks_through, immunities, visuals, raw_wikitext, updated_at FROM bosses WHERE slug = $1`,
		slug,
	).Scan(&r.slug, &r.name, &r.hp, &r.exp, &r.speed, &r.version,
		&r.walksThrough, &r.immunities, &r.visuals, &r.rawWikitext, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: find boss %s", slug)
	}
	b, err := decodeBoss(r, updatedAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *PostgresStore) List(ctx context.Context, q PageQuery) ([]model.Boss, error) {
	q = clampLimit(q)
	rows, err := s.pool.Query(ctx, pgSelectBoss+` ORDER BY name, slug LIMIT $1 OFFSET $2`, q.Limit, q.Offset)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list bosses")
	}
	return collectBosses(rows)
}

func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM bosses`).Scan(&n); err != nil {
		return 0, eris.Wrap(err, "postgres: count bosses")
	}
	return n, nil
}

func (s *PostgresStore) SearchByName(ctx context.Context, term string, q PageQuery) ([]model.Boss, error) {
	pattern, err := searchPattern(term)
	if err != nil {
		return nil, err
	}
	q = clampLimit(q)
	rows, err := s.pool.Query(ctx,
		pgSelectBoss+` WHERE name ILIKE $1 ESCAPE '\' ORDER BY name, slug LIMIT $2 OFFSET $3`,
		pattern, q.Limit, q.Offset,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: search bosses")
	}
	return collectBosses(rows)
}

func (s *PostgresStore) CountByName(ctx context.Context, term string) (int, error) {
	pattern, err := searchPattern(term)
	if err != nil {
		return 0, err
	}
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM bosses WHERE name ILIKE $1 ESCAPE '\'`, pattern).Scan(&n); err != nil {
		return 0, eris.Wrap(err, "postgres: count search")
	}
	return n, nil
}

func collectBosses(rows pgx.Rows) ([]model.Boss, error) {
	defer rows.Close()
	var out []model.Boss
	for rows.Next() {
		var r bossRow
		var updatedAt time.Time
		if err := rows.Scan(&r.slug, &r.name, &r.hp, &r.exp, &r.speed, &r.version,
			&r.walksThrough, &r.immunities, &r.visuals, &updatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan boss")
		}
		b, err := decodeBoss(r, updatedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate bosses")
}

// --- Lock ---

func (s *PostgresStore) EnsureLock(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO system_jobs (id, status) VALUES ($1, 'idle') ON CONFLICT (id) DO NOTHING`, id)
	return eris.Wrapf(err, "postgres: ensure lock %s", id)
}

func (s *PostgresStore) AcquireLock(ctx context.Context, id, owner string, now, staleBefore time.Time) (bool, error) {
	var stale *time.Time
	if !staleBefore.IsZero() {
		stale = &staleBefore
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE system_jobs SET status = 'running', owner = $2, locked_at = $3
WHERE id = $1 AND (status = 'idle' OR locked_at < $4)`,
		id, owner, now, stale,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: acquire lock %s", id)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ReleaseLock(ctx context.Context, id, owner string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE system_jobs SET status = 'idle', owner = NULL, locked_at = NULL, last_run = $3
WHERE id = $1 AND owner = $2`,
		id, owner, now,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: release lock %s", id)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) GetLock(ctx context.Context, id string) (*model.LockState, error) {
	var st model.LockState
	var status string
	var owner *string
	err := s.pool.QueryRow(ctx,
		`SELECT id, status, owner, locked_at, last_run FROM system_jobs WHERE id = $1`, id,
	).Scan(&st.ID, &status, &owner, &st.LockedAt, &st.LastRun)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get lock %s", id)
	}
	st.Status = model.LockStatus(status)
	if owner != nil {
		st.Owner = *owner
	}
	return &st, nil
}

func (s *PostgresStore) ResetLock(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE system_jobs SET status = 'idle', owner = NULL, locked_at = NULL WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: reset lock %s", id)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Runs ---

func (s *PostgresStore) StartRun(ctx context.Context, trigger string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO sync_runs (trigger, status, started_at) VALUES ($1, $2, $3) RETURNING id`,
		trigger, string(model.RunStatusRunning), time.Now().UTC(),
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: start run")
	}
	return id, nil
}

func (s *PostgresStore) CompleteRun(ctx context.Context, id int64, stats model.RunStats) error {
	return s.finishRun(ctx, id, model.RunStatusComplete, stats, nil)
}

func (s *PostgresStore) FailRun(ctx context.Context, id int64, stats model.RunStats, msg string) error {
	return s.finishRun(ctx, id, model.RunStatusFailed, stats, &msg)
}

func (s *PostgresStore) finishRun(ctx context.Context, id int64, status model.RunStatus, stats model.RunStats, msg *string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sync_runs SET status = $2, completed_at = $3, discovered = $4, parsed = $5, saved = $6, failed = $7, error = $8 WHERE id = $1`,
		id, string(status), time.Now().UTC(), stats.Discovered, stats.Parsed, stats.Saved, stats.Failed, msg,
	)
	return eris.Wrapf(err, "postgres: finish run %d", id)
}

func (s *PostgresStore) SkipRun(ctx context.Context, trigger string) error {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sync_runs (trigger, status, started_at, completed_at) VALUES ($1, $2, $3, $3)`,
		trigger, string(model.RunStatusSkipped), now,
	)
	return eris.Wrap(err, "postgres: skip run")
}

func (s *PostgresStore) ListRuns(ctx context.Context, limit int) ([]model.SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, trigger, status, started_at, completed_at, discovered, parsed, saved, failed, error
FROM sync_runs ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.SyncRun
	for rows.Next() {
		var r model.SyncRun
		var status string
		var msg *string
		if err := rows.Scan(&r.ID, &r.Trigger, &status, &r.StartedAt, &r.CompletedAt,
			&r.Discovered, &r.Parsed, &r.Saved, &r.Failed, &msg); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		r.Status = model.RunStatus(status)
		if msg != nil {
			r.Error = *msg
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: iterate runs")
}
