// Package images resolves boss sprite file names to public URLs in bulk.
package images

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/bosswiki/internal/model"
	"github.com/sells-group/bosswiki/pkg/mediawiki"
)

// Lookup performs one bulk file-name to URL request.
type Lookup interface {
	ImageURLs(ctx context.Context, filenames []string) (map[string]string, error)
}

// Failure describes a file name that fell back to the placeholder. Err is
// nil when the wiki simply did not know the file.
type Failure struct {
	Filename string
	Err      error
}

// Options configures a Resolver.
type Options struct {
	ChunkSize   int
	Concurrency int
	Placeholder string
}

// Resolver converts file names into asset URLs via chunked bulk lookups.
type Resolver struct {
	lookup Lookup
	opts   Options
}

// NewResolver creates a Resolver. Zero options take the defaults: chunks of
// 50, two chunks in flight, the standard placeholder.
func NewResolver(lookup Lookup, opts Options) *Resolver {
	if opts.ChunkSize <= 0 || opts.ChunkSize > mediawiki.MaxTitlesPerQuery {
		opts.ChunkSize = mediawiki.MaxTitlesPerQuery
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 2
	}
	if opts.Placeholder == "" {
		opts.Placeholder = model.PlaceholderGifURL
	}
	return &Resolver{lookup: lookup, opts: opts}
}

// Resolve returns a URL for every distinct input name. Names the wiki does
// not return, and every name in a chunk whose request failed, map to the
// placeholder and are reported as failures. It never fails.
func (r *Resolver) Resolve(ctx context.Context, filenames []string) (map[string]string, []Failure) {
	names := dedupe(filenames)
	out := make(map[string]string, len(names))
	if len(names) == 0 {
		return out, nil
	}

	log := zap.L().With(zap.String("component", "images"))
	var mu sync.Mutex
	var failures []Failure

	// Chunks are independent; goroutines never return an error so one failed
	// chunk cannot cancel the others.
	var g errgroup.Group
	g.SetLimit(r.opts.Concurrency)
	for _, chunk := range Chunk(names, r.opts.ChunkSize) {
		g.Go(func() error {
			urls, err := r.lookup.ImageURLs(ctx, chunk)
			if err != nil {
				log.Warn("image chunk failed, using placeholders",
					zap.Int("chunk_size", len(chunk)),
					zap.Error(err),
				)
			}

			mu.Lock()
			defer mu.Unlock()
			for _, name := range chunk {
				if u, ok := urls[name]; ok && err == nil {
					out[name] = u
					continue
				}
				out[name] = r.opts.Placeholder
				failures = append(failures, Failure{Filename: name, Err: err})
			}
			return nil
		})
	}
	_ = g.Wait()

	log.Debug("images resolved",
		zap.Int("requested", len(names)),
		zap.Int("placeholders", len(failures)),
	)
	return out, failures
}

// Chunk partitions items into consecutive groups of at most size.
func Chunk[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = 1
	}
	chunks := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		chunks = append(chunks, items[start:end])
	}
	return chunks
}

func dedupe(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, s := range items {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
