package model

import "time"

// PlaceholderGifURL is served when a boss gif cannot be resolved upstream.
const PlaceholderGifURL = "static/placeholder_boss.png"

// Visuals holds the animated sprite reference for a boss.
type Visuals struct {
	Filename string `json:"filename"`
	GifURL   string `json:"gif_url"`
}

// Boss is the canonical structured record for one wiki boss page.
type Boss struct {
	Name         string    `json:"name"`
	Slug         string    `json:"slug"`
	HP           *int64    `json:"hp"`
	Exp          *int64    `json:"exp"`
	Speed        *int64    `json:"speed,omitempty"`
	Version      *string   `json:"version,omitempty"`
	WalksThrough []string  `json:"walks_through"`
	Immunities   []string  `json:"immunities"`
	Visuals      *Visuals  `json:"visuals"`
	RawWikitext  string    `json:"-"`
	UpdatedAt    time.Time `json:"updated_at,omitzero"`
}

// EnsureSlug derives the slug from the name if it has not been assigned yet.
// An existing slug is never rewritten.
func (b *Boss) EnsureSlug() string {
	if b.Slug == "" {
		b.Slug = Slugify(b.Name)
	}
	return b.Slug
}

// Normalize fills the list fields so they serialize as empty arrays.
func (b *Boss) Normalize() {
	b.EnsureSlug()
	if b.WalksThrough == nil {
		b.WalksThrough = []string{}
	}
	if b.Immunities == nil {
		b.Immunities = []string{}
	}
}

// Summary returns the lightweight projection used by list and search responses.
func (b Boss) Summary() BossSummary {
	return BossSummary{
		Name:    b.Name,
		Slug:    b.Slug,
		HP:      b.HP,
		Visuals: b.Visuals,
	}
}

// BossSummary is the list projection of a Boss.
type BossSummary struct {
	Name    string   `json:"name"`
	Slug    string   `json:"slug"`
	HP      *int64   `json:"hp"`
	Visuals *Visuals `json:"visuals"`
}
