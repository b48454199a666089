// Package syncer runs the guarded scrape: list boss pages, fetch and parse
// them concurrently, resolve sprites in bulk and upsert each batch.
package syncer

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/bosswiki/internal/images"
	"github.com/sells-group/bosswiki/internal/model"
	"github.com/sells-group/bosswiki/internal/resilience"
	"github.com/sells-group/bosswiki/pkg/mediawiki"
)

// Defaults for Config fields left zero.
const (
	DefaultConcurrency    = 10
	DefaultBatchSize      = 50
	DefaultCategory       = "Category:Bosses"
	defaultReleaseTimeout = 10 * time.Second
	successRateFloor      = 0.9
)

// Wiki is the subset of the wiki client used by a run.
type Wiki interface {
	ListCategoryMembers(ctx context.Context, category string) ([]mediawiki.Page, error)
	FetchWikitext(ctx context.Context, page mediawiki.Page) (string, error)
}

// Parser turns page markup into a record.
type Parser interface {
	Parse(text, title string) (*model.Boss, error)
}

// Images resolves sprite file names to URLs, reporting placeholder
// fallbacks.
type Images interface {
	Resolve(ctx context.Context, filenames []string) (map[string]string, []images.Failure)
}

// Locker guards a run against concurrent execution.
type Locker interface {
	TryLock(ctx context.Context) (owner string, ok bool, err error)
	Unlock(ctx context.Context, owner string) error
}

// Store is the persistence used by a run.
type Store interface {
	UpsertBatch(ctx context.Context, bosses []model.Boss) (int, error)
	Count(ctx context.Context) (int, error)
	StartRun(ctx context.Context, trigger string) (int64, error)
	CompleteRun(ctx context.Context, id int64, stats model.RunStats) error
	FailRun(ctx context.Context, id int64, stats model.RunStats, msg string) error
	SkipRun(ctx context.Context, trigger string) error
}

// Config tunes a Syncer.
type Config struct {
	Category       string
	Concurrency    int
	BatchSize      int
	ReleaseTimeout time.Duration
}

// Result summarizes one Run.
type Result struct {
	RunID   int64
	Trigger string
	Skipped bool
	model.RunStats
	Stored   int
	Duration time.Duration
}

// SuccessRate is saved over discovered, or 1 when nothing was discovered.
func (r *Result) SuccessRate() float64 {
	if r.Discovered == 0 {
		return 1
	}
	return float64(r.Saved) / float64(r.Discovered)
}

// Syncer orchestrates a full scrape. One Syncer may be shared by the
// scheduler, the admin trigger and the CLI; the lock serializes them.
type Syncer struct {
	wiki   Wiki
	parser Parser
	images Images
	lock   Locker
	store  Store
	dead   resilience.DeadLetter
	cfg    Config
}

// New creates a Syncer.
func New(wiki Wiki, parser Parser, img Images, lock Locker, st Store, dead resilience.DeadLetter, cfg Config) *Syncer {
	if cfg.Category == "" {
		cfg.Category = DefaultCategory
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.ReleaseTimeout <= 0 {
		cfg.ReleaseTimeout = defaultReleaseTimeout
	}
	return &Syncer{wiki: wiki, parser: parser, images: img, lock: lock, store: st, dead: dead, cfg: cfg}
}

// Run executes one guarded sync. When another run holds the lock it
// returns a skipped Result and a nil error. Per-page failures are
// dead-lettered and counted; listing and storage failures abort the run.
func (s *Syncer) Run(ctx context.Context, trigger string) (res *Result, err error) {
	log := zap.L().With(zap.String("component", "syncer"), zap.String("trigger", trigger))
	start := time.Now()
	res = &Result{Trigger: trigger}

	owner, ok, err := s.lock.TryLock(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "syncer: acquire lock")
	}
	if !ok {
		res.Skipped = true
		if skipErr := s.store.SkipRun(ctx, trigger); skipErr != nil {
			log.Warn("failed to record skipped run", zap.Error(skipErr))
		}
		log.Info("sync already running, skipped")
		return res, nil
	}
	defer func() {
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ReleaseTimeout)
		defer cancel()
		if relErr := s.lock.Unlock(relCtx, owner); relErr != nil {
			log.Error("failed to release lock", zap.Error(relErr))
		}
	}()

	runID, err := s.store.StartRun(ctx, trigger)
	if err != nil {
		return nil, eris.Wrap(err, "syncer: start run")
	}
	res.RunID = runID
	log = log.With(zap.Int64("run_id", runID))

	defer func() {
		res.Duration = time.Since(start)
		logCtx := context.WithoutCancel(ctx)
		if p := recover(); p != nil {
			_ = s.store.FailRun(logCtx, runID, res.RunStats, fmt.Sprintf("panic: %v", p))
			panic(p)
		}
		if err != nil {
			if failErr := s.store.FailRun(logCtx, runID, res.RunStats, err.Error()); failErr != nil {
				log.Warn("failed to record run failure", zap.Error(failErr))
			}
			return
		}
		if doneErr := s.store.CompleteRun(logCtx, runID, res.RunStats); doneErr != nil {
			log.Warn("failed to record run completion", zap.Error(doneErr))
		}
	}()

	pages, err := s.wiki.ListCategoryMembers(ctx, s.cfg.Category)
	if err != nil {
		return res, eris.Wrap(err, "syncer: list category")
	}
	res.Discovered = len(pages)
	log.Info("pages discovered", zap.Int("count", len(pages)), zap.String("category", s.cfg.Category))

	for i, batch := range images.Chunk(pages, s.cfg.BatchSize) {
		if err := ctx.Err(); err != nil {
			return res, eris.Wrap(err, "syncer: run cancelled")
		}
		bosses := s.collect(ctx, batch, res)
		s.attachGifs(ctx, bosses)

		if len(bosses) > 0 {
			n, err := s.store.UpsertBatch(ctx, bosses)
			if err != nil {
				return res, eris.Wrapf(err, "syncer: upsert batch %d", i)
			}
			res.Saved += n
		}
		log.Debug("batch stored",
			zap.Int("batch", i),
			zap.Int("pages", len(batch)),
			zap.Int("parsed", len(bosses)),
		)
	}

	if stored, countErr := s.store.Count(ctx); countErr == nil {
		res.Stored = stored
		if delta := stored - res.Saved; delta > 0 {
			log.Info("stored records not seen in this listing",
				zap.Int("stored", stored),
				zap.Int("discovered", res.Discovered),
				zap.Int("delta", delta),
			)
		}
	} else {
		log.Warn("failed to count stored records", zap.Error(countErr))
	}

	rate := res.SuccessRate()
	fields := []zap.Field{
		zap.Int("discovered", res.Discovered),
		zap.Int("parsed", res.Parsed),
		zap.Int("saved", res.Saved),
		zap.Int("failed", res.Failed),
		zap.Float64("success_rate", rate),
		zap.Duration("duration", time.Since(start)),
	}
	if rate < successRateFloor {
		log.Warn("sync complete with low success rate", fields...)
	} else {
		log.Info("sync complete", fields...)
	}
	return res, nil
}

// collect fetches and parses one batch concurrently. Results keep the
// batch order; failed slots are dropped after dead-lettering.
func (s *Syncer) collect(ctx context.Context, batch []mediawiki.Page, res *Result) []model.Boss {
	slots := make([]*model.Boss, len(batch))
	var parsed, failed atomic.Int64

	// Workers never return an error so one bad page cannot cancel the batch.
	// A panicking page is dead-lettered like a parse failure.
	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for i, page := range batch {
		g.Go(func() error {
			defer func() {
				if p := recover(); p != nil {
					failed.Add(1)
					s.record(page.Title, resilience.StageParse, eris.Errorf("panic: %v", p), "")
				}
			}()
			boss, stage, raw, err := s.process(ctx, page)
			if err != nil {
				failed.Add(1)
				s.record(page.Title, stage, err, raw)
				return nil
			}
			parsed.Add(1)
			slots[i] = boss
			return nil
		})
	}
	_ = g.Wait()

	res.Parsed += int(parsed.Load())
	res.Failed += int(failed.Load())

	out := make([]model.Boss, 0, len(batch))
	for _, b := range slots {
		if b != nil {
			out = append(out, *b)
		}
	}
	return out
}

func (s *Syncer) process(ctx context.Context, page mediawiki.Page) (*model.Boss, string, string, error) {
	text, err := s.wiki.FetchWikitext(ctx, page)
	if err != nil {
		return nil, resilience.StageFetch, "", err
	}
	boss, err := s.parser.Parse(text, page.Title)
	if err != nil {
		return nil, resilience.StageParse, text, err
	}
	return boss, "", "", nil
}

// attachGifs resolves every batch sprite in bulk and fills gif_url.
func (s *Syncer) attachGifs(ctx context.Context, bosses []model.Boss) {
	if len(bosses) == 0 {
		return
	}
	filenames := make([]string, 0, len(bosses))
	owners := make(map[string]string, len(bosses))
	for i := range bosses {
		if bosses[i].Visuals == nil {
			bosses[i].Visuals = &model.Visuals{Filename: bosses[i].Name + ".gif"}
		}
		fn := bosses[i].Visuals.Filename
		filenames = append(filenames, fn)
		if _, ok := owners[fn]; !ok {
			owners[fn] = bosses[i].Name
		}
	}

	urls, failures := s.images.Resolve(ctx, filenames)
	for _, f := range failures {
		err := f.Err
		if err == nil {
			err = eris.Errorf("image %q not found on wiki", f.Filename)
		}
		s.record(owners[f.Filename], resilience.StageImage, err, resilience.ImageSnippet(f.Filename))
	}
	for i := range bosses {
		bosses[i].Visuals.GifURL = urls[bosses[i].Visuals.Filename]
		if bosses[i].Visuals.GifURL == "" {
			bosses[i].Visuals.GifURL = model.PlaceholderGifURL
		}
	}
}

func (s *Syncer) record(name, stage string, err error, snippet string) {
	if s.dead == nil {
		return
	}
	entry := resilience.DeadLetterEntry{
		BossName:       name,
		Stage:          stage,
		ErrorMessage:   err.Error(),
		RawDataSnippet: snippet,
	}
	if recErr := s.dead.Record(entry); recErr != nil {
		zap.L().Warn("failed to write dead letter",
			zap.String("component", "syncer"),
			zap.String("boss", name),
			zap.Error(recErr),
		)
	}
}
