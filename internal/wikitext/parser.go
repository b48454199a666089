// Package wikitext extracts boss records from TibiaWiki page markup.
package wikitext

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/sells-group/bosswiki/internal/model"
)

const snippetLen = 200

// ParseError reports a page whose infobox could not be turned into a record.
type ParseError struct {
	Entity  string
	Reason  string
	Snippet string
}

func (e *ParseError) Error() string {
	if e.Entity == "" {
		return "wikitext: " + e.Reason
	}
	return fmt.Sprintf("wikitext: %s: %s", e.Entity, e.Reason)
}

// Parser turns infobox markup into model.Boss records.
type Parser struct {
	schema *Schema
}

// NewParser creates a Parser over the given schema. A nil schema uses the
// built-in alias tables.
func NewParser(schema *Schema) *Parser {
	if schema == nil {
		schema = DefaultSchema()
	}
	return &Parser{schema: schema}
}

var defaultParser = NewParser(nil)

// Parse extracts a record using the built-in alias tables.
func Parse(text, title string) (*model.Boss, error) {
	return defaultParser.Parse(text, title)
}

// Parse locates the boss infobox in text and maps its parameters onto a
// record. title is the page title, used when the template carries no name.
func (p *Parser) Parse(text, title string) (*model.Boss, error) {
	title = strings.TrimSpace(title)
	if strings.TrimSpace(text) == "" {
		return nil, &ParseError{Entity: title, Reason: "empty wikitext"}
	}

	var variant Variant
	tmpl, ok := findTemplate(text, func(name string) bool {
		v, hit := p.schema.Detect(name)
		variant = v
		return hit
	})
	if !ok {
		return nil, &ParseError{
			Entity:  title,
			Reason:  "template 'Infobox Boss' or 'Infobox Creature' not found",
			Snippet: snippet(text),
		}
	}

	boss := &model.Boss{RawWikitext: text}
	var named, positional, walks, immune, image string
	for _, prm := range tmpl.params {
		if prm.key == "1" {
			positional = plainText(prm.value)
			continue
		}
		value := plainText(prm.value)
		switch p.schema.Lookup(variant, prm.key) {
		case FieldName:
			named = value
		case FieldHP:
			boss.HP = ParseCount(value)
		case FieldExp:
			boss.Exp = ParseCount(value)
		case FieldSpeed:
			boss.Speed = ParseCount(value)
		case FieldVersion:
			boss.Version = ParseText(value)
		case FieldWalksThrough:
			walks = joinList(walks, value)
		case FieldImmunities:
			immune = joinList(immune, value)
		case FieldImage:
			image = value
		}
	}

	// The page title outranks a positional name; positional 1 only names
	// pages parsed without a title.
	boss.Name = firstName(named, title, positional)
	if boss.Name == "" {
		return nil, &ParseError{Entity: title, Reason: "boss name missing", Snippet: snippet(text)}
	}
	boss.WalksThrough = ParseList(walks)
	boss.Immunities = ParseList(immune)
	boss.Visuals = &model.Visuals{Filename: imageFilename(image, boss.Name)}
	if boss.EnsureSlug() == "" {
		return nil, &ParseError{Entity: boss.Name, Reason: "name yields an empty slug", Snippet: snippet(text)}
	}
	return boss, nil
}

// joinList concatenates repeated list parameters in document order.
func joinList(acc, value string) string {
	if value == "" {
		return acc
	}
	if acc == "" {
		return value
	}
	return acc + ", " + value
}

// firstName picks the first usable name. Names only reject whole-value
// markers, so "Variable Boss" stays a valid name.
func firstName(candidates ...string) string {
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if isUnknownExact(c) || strings.Trim(c, "?") == "" {
			continue
		}
		return c
	}
	return ""
}

// imageFilename returns the File: page name of the boss sprite. Wiki gifs are
// named after the boss when the infobox does not say otherwise.
func imageFilename(image, name string) string {
	image = strings.TrimSpace(image)
	if image == "" || IsUnknown(image) {
		return name + ".gif"
	}
	image = strings.TrimPrefix(strings.TrimPrefix(image, "File:"), "file:")
	if !strings.Contains(image, ".") {
		image += ".gif"
	}
	return image
}

func snippet(s string) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= snippetLen {
		return s
	}
	r := []rune(s)
	return string(r[:snippetLen])
}
