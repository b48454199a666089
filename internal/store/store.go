// Package store persists boss records, the scraper lock and the sync run log.
package store

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/bosswiki/internal/model"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = eris.New("store: not found")
	// ErrEmptySearch is returned when a name search is given a blank term.
	ErrEmptySearch = eris.New("store: empty search term")
)

// PageQuery is an offset/limit window over an ordered result set.
type PageQuery struct {
	Offset int
	Limit  int
}

// BossStore is the upsert repository for boss records.
type BossStore interface {
	Upsert(ctx context.Context, boss model.Boss) error
	UpsertBatch(ctx context.Context, bosses []model.Boss) (int, error)
	FindBySlug(ctx context.Context, slug string) (*model.Boss, error)
	List(ctx context.Context, q PageQuery) ([]model.Boss, error)
	Count(ctx context.Context) (int, error)
	SearchByName(ctx context.Context, term string, q PageQuery) ([]model.Boss, error)
	CountByName(ctx context.Context, term string) (int, error)
}

// LockStore holds the compare-and-set primitives behind lock.Mutex.
//
// AcquireLock flips an idle row (or a running row locked before
// staleBefore) to running in one statement and reports whether it did.
// A zero staleBefore disables reclaim. ReleaseLock only frees a row
// still held by owner.
type LockStore interface {
	EnsureLock(ctx context.Context, id string) error
	AcquireLock(ctx context.Context, id, owner string, now, staleBefore time.Time) (bool, error)
	ReleaseLock(ctx context.Context, id, owner string, now time.Time) (bool, error)
	GetLock(ctx context.Context, id string) (*model.LockState, error)
	ResetLock(ctx context.Context, id string) error
}

// RunStore records sync run history.
type RunStore interface {
	StartRun(ctx context.Context, trigger string) (int64, error)
	CompleteRun(ctx context.Context, id int64, stats model.RunStats) error
	FailRun(ctx context.Context, id int64, stats model.RunStats, msg string) error
	SkipRun(ctx context.Context, trigger string) error
	ListRuns(ctx context.Context, limit int) ([]model.SyncRun, error)
}

// Store is the full persistence surface.
type Store interface {
	BossStore
	LockStore
	RunStore

	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// EscapeLike escapes LIKE metacharacters so the term matches literally
// under ESCAPE '\'.
func EscapeLike(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '\\', '%', '_':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// searchPattern builds the substring pattern for a name search.
func searchPattern(term string) (string, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return "", ErrEmptySearch
	}
	return "%" + EscapeLike(term) + "%", nil
}

// dedupeBySlug keeps one record per slug. The last occurrence wins and
// takes the position of the first.
func dedupeBySlug(bosses []model.Boss) []model.Boss {
	idx := make(map[string]int, len(bosses))
	out := make([]model.Boss, 0, len(bosses))
	for _, b := range bosses {
		b.Normalize()
		if i, ok := idx[b.Slug]; ok {
			out[i] = b
			continue
		}
		idx[b.Slug] = len(out)
		out = append(out, b)
	}
	return out
}

func clampLimit(q PageQuery) PageQuery {
	if q.Limit <= 0 {
		q.Limit = 20
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}

// bossRow is the column encoding shared by both backends. List and
// visual fields are stored as JSON.
type bossRow struct {
	slug, name   string
	hp, exp      *int64
	speed        *int64
	version      *string
	walksThrough []byte
	immunities   []byte
	visuals      []byte
	rawWikitext  string
}

func encodeBoss(b model.Boss) (bossRow, error) {
	b.Normalize()
	if b.Slug == "" {
		return bossRow{}, eris.Errorf("store: boss %q has no slug", b.Name)
	}
	walks, err := json.Marshal(b.WalksThrough)
	if err != nil {
		return bossRow{}, eris.Wrap(err, "store: marshal walks_through")
	}
	imm, err := json.Marshal(b.Immunities)
	if err != nil {
		return bossRow{}, eris.Wrap(err, "store: marshal immunities")
	}
	var vis []byte
	if b.Visuals != nil {
		if vis, err = json.Marshal(b.Visuals); err != nil {
			return bossRow{}, eris.Wrap(err, "store: marshal visuals")
		}
	}
	return bossRow{
		slug:         b.Slug,
		name:         b.Name,
		hp:           b.HP,
		exp:          b.Exp,
		speed:        b.Speed,
		version:      b.Version,
		walksThrough: walks,
		immunities:   imm,
		visuals:      vis,
		rawWikitext:  b.RawWikitext,
	}, nil
}

func decodeBoss(r bossRow, updatedAt time.Time) (model.Boss, error) {
	b := model.Boss{
		Name:        r.name,
		Slug:        r.slug,
		HP:          r.hp,
		Exp:         r.exp,
		Speed:       r.speed,
		Version:     r.version,
		RawWikitext: r.rawWikitext,
		UpdatedAt:   updatedAt.UTC(),
	}
	if len(r.walksThrough) > 0 {
		if err := json.Unmarshal(r.walksThrough, &b.WalksThrough); err != nil {
			return b, eris.Wrapf(err, "store: decode walks_through for %s", r.slug)
		}
	}
	if len(r.immunities) > 0 {
		if err := json.Unmarshal(r.immunities, &b.Immunities); err != nil {
			return b, eris.Wrapf(err, "store: decode immunities for %s", r.slug)
		}
	}
	if len(r.visuals) > 0 && string(r.visuals) != "null" {
		b.Visuals = &model.Visuals{}
		if err := json.Unmarshal(r.visuals, b.Visuals); err != nil {
			return b, eris.Wrapf(err, "store: decode visuals for %s", r.slug)
		}
	}
	b.Normalize()
	return b, nil
}
