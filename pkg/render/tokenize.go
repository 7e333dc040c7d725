package render

import "strings"

// Segment is either literal text or a {token} reference.
type Segment struct {
	Literal string
	Token   string // set for token segments
	Start   int    // byte offset of the opening brace in the template
	End     int    // byte offset just past the closing brace
}

// IsToken reports whether the segment is a placeholder.
func (s Segment) IsToken() bool { return s.Token != "" }

// Tokenize splits a template into literal and token segments in one pass.
// A token is {identifier} where identifier is [A-Za-z_][A-Za-z0-9_]*.
// {{ and }} produce literal braces; any other brace is kept verbatim, so
// JSON snippets in templates survive untouched.
func Tokenize(tmpl string) []Segment {
	var segs []Segment
	var lit strings.Builder
	litStart := 0

	flush := func(end int) {
		if lit.Len() > 0 {
			segs = append(segs, Segment{Literal: lit.String(), Start: litStart, End: end})
			lit.Reset()
		}
	}

	for i := 0; i < len(tmpl); {
		c := tmpl[i]
		switch {
		case c == '{' && i+1 < len(tmpl) && tmpl[i+1] == '{':
			if lit.Len() == 0 {
				litStart = i
			}
			lit.WriteByte('{')
			i += 2
		case c == '}' && i+1 < len(tmpl) && tmpl[i+1] == '}':
			if lit.Len() == 0 {
				litStart = i
			}
			lit.WriteByte('}')
			i += 2
		case c == '{':
			if n := identLen(tmpl[i+1:]); n > 0 && i+1+n < len(tmpl) && tmpl[i+1+n] == '}' {
				flush(i)
				end := i + n + 2
				segs = append(segs, Segment{Token: tmpl[i+1 : i+1+n], Start: i, End: end})
				i = end
				litStart = i
				continue
			}
			fallthrough
		default:
			if lit.Len() == 0 {
				litStart = i
			}
			lit.WriteByte(c)
			i++
		}
	}
	flush(len(tmpl))
	return segs
}

// Tokens returns the distinct placeholder names in template order.
func Tokens(tmpl string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range Tokenize(tmpl) {
		if s.IsToken() && !seen[s.Token] {
			seen[s.Token] = true
			out = append(out, s.Token)
		}
	}
	return out
}

func identLen(s string) int {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z'):
		case c >= '0' && c <= '9' && i > 0:
		default:
			return i
		}
	}
	return len(s)
}
