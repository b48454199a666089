package wikitext

import (
	"regexp"
	"strconv"
	"strings"
)

// template is one {{...}} invocation located in a page.
type template struct {
	name   string // normalized: lowercase, single-spaced, no namespace prefix
	params []param
}

type param struct {
	key   string // lowercase, trimmed; positional params are "1", "2", ...
	value string // raw value, markup intact
}

// findTemplate scans text for the first template whose normalized name
// satisfies match. Nested templates are visited in document order.
func findTemplate(text string, match func(name string) bool) (*template, bool) {
	for i := 0; i+1 < len(text); i++ {
		if text[i] != '{' || text[i+1] != '{' {
			continue
		}
		end := matchBraces(text, i)
		if end < 0 {
			continue
		}
		body := text[i+2 : end]
		parts := splitTopLevel(body, '|')
		name := normalizeTemplateName(parts[0])
		if match(name) {
			return &template{name: name, params: parseParams(parts[1:])}, true
		}
	}
	return nil, false
}

// matchBraces returns the index of the "}}" closing the "{{" at start, or
// -1 when the template never closes.
func matchBraces(text string, start int) int {
	depth := 0
	for i := start; i+1 < len(text); i++ {
		switch {
		case text[i] == '{' && text[i+1] == '{':
			depth++
			i++
		case text[i] == '}' && text[i+1] == '}':
			depth--
			if depth == 0 {
				return i
			}
			i++
		}
	}
	return -1
}

// splitTopLevel splits s on sep, ignoring separators nested inside
// templates or wiki links.
func splitTopLevel(s string, sep byte) []string {
	var parts []string
	braces, brackets, last := 0, 0, 0
	for i := 0; i < len(s); i++ {
		two := i+1 < len(s)
		switch {
		case two && s[i] == '{' && s[i+1] == '{':
			braces++
			i++
		case two && s[i] == '}' && s[i+1] == '}' && braces > 0:
			braces--
			i++
		case two && s[i] == '[' && s[i+1] == '[':
			brackets++
			i++
		case two && s[i] == ']' && s[i+1] == ']' && brackets > 0:
			brackets--
			i++
		case s[i] == sep && braces == 0 && brackets == 0:
			parts = append(parts, s[last:i])
			last = i + 1
		}
	}
	return append(parts, s[last:])
}

func parseParams(raw []string) []param {
	params := make([]param, 0, len(raw))
	positional := 0
	for _, p := range raw {
		if eq := indexTopLevel(p, '='); eq >= 0 {
			params = append(params, param{
				key:   normalizeKey(p[:eq]),
				value: strings.TrimSpace(p[eq+1:]),
			})
			continue
		}
		positional++
		params = append(params, param{
			key:   strconv.Itoa(positional),
			value: strings.TrimSpace(p),
		})
	}
	return params
}

func indexTopLevel(s string, c byte) int {
	parts := splitTopLevel(s, c)
	if len(parts) < 2 {
		return -1
	}
	return len(parts[0])
}

func normalizeKey(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func normalizeTemplateName(s string) string {
	s = strings.ReplaceAll(s, "_", " ")
	s = normalizeKey(stripComments(s))
	return strings.TrimPrefix(s, "template:")
}

var (
	reComment   = regexp.MustCompile(`(?s)<!--.*?-->`)
	reRefBlock  = regexp.MustCompile(`(?is)<ref[^>/]*>.*?</ref\s*>`)
	reRefSingle = regexp.MustCompile(`(?i)<ref[^>]*/>`)
	reBreak     = regexp.MustCompile(`(?i)<br\s*/?>`)
	reTag       = regexp.MustCompile(`</?[a-zA-Z][^>]*>`)
	rePipedLink = regexp.MustCompile(`\[\[[^\]|]*\|([^\]]*)\]\]`)
	reLink      = regexp.MustCompile(`\[\[([^\]]*)\]\]`)
	reExtLabel  = regexp.MustCompile(`\[(?:https?:)?//[^\s\]]+\s+([^\]]+)\]`)
	reExtBare   = regexp.MustCompile(`\[(?:https?:)?//[^\s\]]+\]`)
	reEmphasis  = regexp.MustCompile(`'{2,}`)
	reSpaces    = regexp.MustCompile(`[ \t\r\n]+`)
)

func stripComments(s string) string {
	return reComment.ReplaceAllString(s, "")
}

// plainText reduces a parameter value to plain text: comments, refs, nested
// templates and HTML are removed, links are replaced by their label and line
// breaks become list separators.
func plainText(s string) string {
	s = stripComments(s)
	s = reRefBlock.ReplaceAllString(s, "")
	s = reRefSingle.ReplaceAllString(s, "")
	s = reBreak.ReplaceAllString(s, ", ")
	s = removeTemplates(s)
	s = rePipedLink.ReplaceAllString(s, "$1")
	s = reLink.ReplaceAllString(s, "$1")
	s = reExtLabel.ReplaceAllString(s, "$1")
	s = reExtBare.ReplaceAllString(s, "")
	s = reEmphasis.ReplaceAllString(s, "")
	s = reTag.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "&nbsp;", " ")
	return strings.TrimSpace(reSpaces.ReplaceAllString(s, " "))
}

func removeTemplates(s string) string {
	for {
		start := strings.Index(s, "{{")
		if start < 0 {
			return s
		}
		end := matchBraces(s, start)
		if end < 0 {
			// Unbalanced: drop the opener and keep the rest as text.
			s = s[:start] + s[start+2:]
			continue
		}
		s = s[:start] + s[end+2:]
	}
}
