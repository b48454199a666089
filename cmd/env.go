package main

import (
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/bosswiki/internal/fetcher"
	"github.com/sells-group/bosswiki/internal/images"
	"github.com/sells-group/bosswiki/internal/lock"
	"github.com/sells-group/bosswiki/internal/resilience"
	"github.com/sells-group/bosswiki/internal/store"
	"github.com/sells-group/bosswiki/internal/syncer"
	"github.com/sells-group/bosswiki/internal/wikitext"
	"github.com/sells-group/bosswiki/pkg/mediawiki"
)

// syncEnv holds the collaborators shared by the sync and serve commands.
type syncEnv struct {
	Store  store.Store
	Mutex  *lock.Mutex
	Syncer *syncer.Syncer

	dead *resilience.FileDeadLetter
}

// initSyncEnv wires the wiki client, parser, resolver, dead letter and lock
// around an open store.
func initSyncEnv(st store.Store) (*syncEnv, error) {
	schema, err := wikitext.LoadSchema(cfg.Wiki.AliasesFile)
	if err != nil {
		return nil, err
	}

	dead, err := resilience.NewFileDeadLetter(cfg.DeadLetter.Path, cfg.DeadLetter.MaxSizeMB, cfg.DeadLetter.MaxBackups)
	if err != nil {
		return nil, err
	}

	f := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent: cfg.Wiki.UserAgent,
		Timeout:   time.Duration(cfg.Wiki.TimeoutSecs) * time.Second,
		Retry: resilience.FromRetryConfig(
			cfg.Retry.MaxAttempts,
			cfg.Retry.InitialBackoffMs,
			cfg.Retry.MaxBackoffMs,
			cfg.Retry.Multiplier,
			cfg.Retry.JitterFraction,
		),
		RequestsPerSecond: cfg.Wiki.RequestsPerSecond,
		Burst:             cfg.Wiki.Burst,
	})
	wiki := mediawiki.NewClient(f, mediawiki.WithBaseURL(cfg.Wiki.BaseURL))

	resolver := images.NewResolver(wiki, images.Options{
		ChunkSize:   cfg.Images.BatchSize,
		Concurrency: cfg.Images.Concurrency,
		Placeholder: cfg.Images.PlaceholderURL,
	})

	mu := lock.New(st, lock.WithID(cfg.Lock.ID), lock.WithStaleAfter(cfg.Lock.StaleAfter))

	s := syncer.New(wiki, wikitext.NewParser(schema), resolver, mu, st, dead, syncer.Config{
		Category:    cfg.Wiki.Category,
		Concurrency: cfg.Sync.Concurrency,
		BatchSize:   cfg.Sync.BatchSize,
	})

	return &syncEnv{Store: st, Mutex: mu, Syncer: s, dead: dead}, nil
}

// Close flushes the dead letter log. The store is closed by its opener.
func (e *syncEnv) Close() {
	if e.dead != nil {
		if err := e.dead.Close(); err != nil {
			zap.L().Warn("close dead letter log", zap.Error(err))
		}
	}
}

