package wikitext

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Field tags a canonical record field.
type Field int

const (
	FieldUnknown Field = iota
	FieldName
	FieldHP
	FieldExp
	FieldSpeed
	FieldVersion
	FieldWalksThrough
	FieldImmunities
	FieldImage
)

var fieldNames = map[string]Field{
	"name":          FieldName,
	"hp":            FieldHP,
	"exp":           FieldExp,
	"speed":         FieldSpeed,
	"version":       FieldVersion,
	"walks_through": FieldWalksThrough,
	"immunities":    FieldImmunities,
	"image":         FieldImage,
}

// Variant identifies which infobox schema generation a page uses.
type Variant string

const (
	VariantBoss     Variant = "boss"     // {{Infobox Boss}}
	VariantCreature Variant = "creature" // {{Infobox Creature}}, older pages
)

// Alias tables, keyed by normalized parameter name.
var (
	bossAliases = map[string]Field{
		"name":          FieldName,
		"hp":            FieldHP,
		"hitpoints":     FieldHP,
		"health":        FieldHP,
		"exp":           FieldExp,
		"experience":    FieldExp,
		"xp":            FieldExp,
		"speed":         FieldSpeed,
		"implemented":   FieldVersion,
		"version":       FieldVersion,
		"walks through": FieldWalksThrough,
		"walksthrough":  FieldWalksThrough,
		"walks_through": FieldWalksThrough,
		"immunities":    FieldImmunities,
		"immunity":      FieldImmunities,
		"immune":        FieldImmunities,
		"image":         FieldImage,
		"gif":           FieldImage,
	}

	creatureAliases = map[string]Field{
		"name":          FieldName,
		"actualname":    FieldName,
		"hp":            FieldHP,
		"hitpoints":     FieldHP,
		"exp":           FieldExp,
		"experience":    FieldExp,
		"speed":         FieldSpeed,
		"implemented":   FieldVersion,
		"walksthrough":  FieldWalksThrough,
		"walks_through": FieldWalksThrough,
		"immunities":    FieldImmunities,
		"immune to":     FieldImmunities,
		"image":         FieldImage,
	}
)

// Schema maps template names to a variant and its alias table.
type Schema struct {
	aliases map[Variant]map[string]Field
}

// DefaultSchema returns a fresh copy of the built-in alias tables.
func DefaultSchema() *Schema {
	return &Schema{aliases: map[Variant]map[string]Field{
		VariantBoss:     cloneAliases(bossAliases),
		VariantCreature: cloneAliases(creatureAliases),
	}}
}

func cloneAliases(m map[string]Field) map[string]Field {
	out := make(map[string]Field, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Detect returns the variant for a normalized template name.
func (s *Schema) Detect(name string) (Variant, bool) {
	switch name {
	case "infobox boss":
		return VariantBoss, true
	case "infobox creature":
		return VariantCreature, true
	}
	if strings.Contains(name, "infobox") && strings.Contains(name, "boss") {
		return VariantBoss, true
	}
	return "", false
}

// Lookup resolves a normalized parameter name for the given variant.
func (s *Schema) Lookup(v Variant, key string) Field {
	return s.aliases[v][key]
}

// Extend adds aliases to every variant. extra maps a canonical field name
// ("hp", "immunities", ...) to additional wiki parameter names. Built-in
// aliases are never removed.
func (s *Schema) Extend(extra map[string][]string) error {
	for fieldName, aliases := range extra {
		f, ok := fieldNames[strings.ToLower(strings.TrimSpace(fieldName))]
		if !ok {
			return eris.Errorf("wikitext: unknown field %q in alias table", fieldName)
		}
		for _, a := range aliases {
			key := normalizeKey(a)
			if key == "" {
				continue
			}
			for _, table := range s.aliases {
				if _, exists := table[key]; !exists {
					table[key] = f
				}
			}
		}
	}
	return nil
}

// LoadSchema returns the default schema extended with the aliases in the
// YAML file at path. An empty path yields the default schema.
//
//	hp: [life, hit points]
//	immunities: [immune to]
func LoadSchema(path string) (*Schema, error) {
	s := DefaultSchema()
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "wikitext: read alias file")
	}
	var extra map[string][]string
	if err := yaml.Unmarshal(data, &extra); err != nil {
		return nil, eris.Wrap(err, "wikitext: decode alias file")
	}
	if err := s.Extend(extra); err != nil {
		return nil, err
	}
	return s, nil
}
