package pipeline

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Filename templates use {name[:fmt]} placeholders:
//
//	{date:%Y%m%d}  calendar date of the file (default fmt %Y%m%d)
//	{v}            version, expands to vI.Q.R
//	{sat}          satellite name
//	{inst}         instrument name
//	{mission}      mission name
//	{level}        product level
//	{nnn}          free three-digit counter
//
// Date formats use strftime-style directives (%Y %y %m %d %j %H %M %S).

const defaultDateFormat = "%Y%m%d"

// TemplateVars carries the values substituted into a template.
type TemplateVars struct {
	Date       time.Time
	Version    Version
	Satellite  string
	Instrument string
	Mission    string
	Level      float64
	NNN        string
}

type tokenKind int

const (
	tokenLiteral tokenKind = iota
	tokenDate
	tokenVersion
	tokenSat
	tokenInst
	tokenMission
	tokenLevel
	tokenNNN
)

type templateToken struct {
	kind    tokenKind
	literal string // literal text, or the date format for tokenDate
}

func tokenizeTemplate(tmpl string) ([]templateToken, error) {
	var out []templateToken
	rest := tmpl
	for len(rest) > 0 {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			out = append(out, templateToken{kind: tokenLiteral, literal: rest})
			break
		}
		if open > 0 {
			out = append(out, templateToken{kind: tokenLiteral, literal: rest[:open]})
		}
		closeIdx := strings.IndexByte(rest[open:], '}')
		if closeIdx < 0 {
			return nil, fmt.Errorf("template %q: unterminated placeholder", tmpl)
		}
		body := rest[open+1 : open+closeIdx]
		rest = rest[open+closeIdx+1:]

		name, format := body, ""
		if i := strings.IndexByte(body, ':'); i >= 0 {
			name, format = body[:i], body[i+1:]
		}
		switch name {
		case "date":
			if format == "" {
				format = defaultDateFormat
			}
			out = append(out, templateToken{kind: tokenDate, literal: format})
		case "v":
			out = append(out, templateToken{kind: tokenVersion})
		case "sat":
			out = append(out, templateToken{kind: tokenSat})
		case "inst":
			out = append(out, templateToken{kind: tokenInst})
		case "mission":
			out = append(out, templateToken{kind: tokenMission})
		case "level":
			out = append(out, templateToken{kind: tokenLevel})
		case "nnn":
			out = append(out, templateToken{kind: tokenNNN})
		default:
			return nil, fmt.Errorf("template %q: unknown placeholder {%s}", tmpl, body)
		}
	}
	return out, nil
}

// strftimeGoLayout converts the supported strftime directives to a Go time
// layout.
func strftimeGoLayout(format string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(format); i++ {
		if format[i] != '%' {
			b.WriteByte(format[i])
			continue
		}
		i++
		if i >= len(format) {
			return "", fmt.Errorf("date format %q: trailing %%", format)
		}
		switch format[i] {
		case 'Y':
			b.WriteString("2006")
		case 'y':
			b.WriteString("06")
		case 'm':
			b.WriteString("01")
		case 'd':
			b.WriteString("02")
		case 'j':
			b.WriteString("002")
		case 'H':
			b.WriteString("15")
		case 'M':
			b.WriteString("04")
		case 'S':
			b.WriteString("05")
		case '%':
			b.WriteByte('%')
		default:
			return "", fmt.Errorf("date format %q: unsupported directive %%%c", format, format[i])
		}
	}
	return b.String(), nil
}

// strftimeRegexp builds the regexp source matching the date format.
func strftimeRegexp(format string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(format); i++ {
		if format[i] != '%' {
			b.WriteString(regexp.QuoteMeta(string(format[i])))
			continue
		}
		i++
		if i >= len(format) {
			return "", fmt.Errorf("date format %q: trailing %%", format)
		}
		switch format[i] {
		case 'Y':
			b.WriteString(`\d{4}`)
		case 'y', 'm', 'd', 'H', 'M', 'S':
			b.WriteString(`\d{2}`)
		case 'j':
			b.WriteString(`\d{3}`)
		case '%':
			b.WriteString("%")
		default:
			return "", fmt.Errorf("date format %q: unsupported directive %%%c", format, format[i])
		}
	}
	return b.String(), nil
}

func formatLevel(level float64) string {
	return strconv.FormatFloat(level, 'g', -1, 64)
}

// SynthesizeFilename substitutes vars into the template, producing the
// canonical filename.
func SynthesizeFilename(tmpl string, vars TemplateVars) (string, error) {
	tokens, err := tokenizeTemplate(tmpl)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, tok := range tokens {
		switch tok.kind {
		case tokenLiteral:
			b.WriteString(tok.literal)
		case tokenDate:
			layout, err := strftimeGoLayout(tok.literal)
			if err != nil {
				return "", err
			}
			b.WriteString(vars.Date.UTC().Format(layout))
		case tokenVersion:
			b.WriteString(vars.Version.Tag())
		case tokenSat:
			b.WriteString(vars.Satellite)
		case tokenInst:
			b.WriteString(vars.Instrument)
		case tokenMission:
			b.WriteString(vars.Mission)
		case tokenLevel:
			b.WriteString(formatLevel(vars.Level))
		case tokenNNN:
			b.WriteString(vars.NNN)
		}
	}
	return b.String(), nil
}

// FilenameTemplate is a compiled template usable for parsing. Placeholders
// whose value is pinned by the product context (satellite, instrument,
// mission, level) match only that literal and do not count as free
// wildcards.
type FilenameTemplate struct {
	raw   string
	re    *regexp.Regexp
	kinds []templateToken // capture group i+1 corresponds to kinds[i]

	// FreeWildcards counts the placeholders left unconstrained; the
	// ambiguity policy prefers the template with the fewest.
	FreeWildcards int
}

// CompileTemplate compiles tmpl for parsing. pinned maps placeholder names
// ("sat", "inst", "mission", "level") to their known values.
func CompileTemplate(tmpl string, pinned map[string]string) (*FilenameTemplate, error) {
	tokens, err := tokenizeTemplate(tmpl)
	if err != nil {
		return nil, err
	}
	var re strings.Builder
	re.WriteString("^")
	ft := &FilenameTemplate{raw: tmpl}
	for _, tok := range tokens {
		switch tok.kind {
		case tokenLiteral:
			re.WriteString(regexp.QuoteMeta(tok.literal))
			continue
		case tokenDate:
			src, err := strftimeRegexp(tok.literal)
			if err != nil {
				return nil, err
			}
			re.WriteString("(" + src + ")")
			ft.FreeWildcards++
		case tokenVersion:
			re.WriteString(`(v\d+\.\d+\.\d+)`)
			ft.FreeWildcards++
		case tokenSat, tokenInst, tokenMission, tokenLevel:
			name := map[tokenKind]string{
				tokenSat: "sat", tokenInst: "inst", tokenMission: "mission", tokenLevel: "level",
			}[tok.kind]
			if v, ok := pinned[name]; ok && v != "" {
				re.WriteString("(" + regexp.QuoteMeta(v) + ")")
			} else {
				if tok.kind == tokenLevel {
					re.WriteString(`(\d+(?:\.\d+)?)`)
				} else {
					re.WriteString(`([A-Za-z0-9-]+)`)
				}
				ft.FreeWildcards++
			}
		case tokenNNN:
			re.WriteString(`(\d{3})`)
			ft.FreeWildcards++
		}
		ft.kinds = append(ft.kinds, tok)
	}
	re.WriteString("$")
	compiled, err := regexp.Compile(re.String())
	if err != nil {
		return nil, fmt.Errorf("template %q: %w", tmpl, err)
	}
	ft.re = compiled
	return ft, nil
}

// ParsedName holds the fields extracted from a filename.
type ParsedName struct {
	Date       time.Time
	HasDate    bool
	Version    Version
	HasVersion bool
	Satellite  string
	NNN        string
}

// Parse matches name against the compiled template. ok is false on no
// match; an error means the name matched the shape but a field failed to
// parse.
func (t *FilenameTemplate) Parse(name string) (*ParsedName, bool, error) {
	m := t.re.FindStringSubmatch(name)
	if m == nil {
		return nil, false, nil
	}
	out := &ParsedName{}
	for i, tok := range t.kinds {
		val := m[i+1]
		switch tok.kind {
		case tokenDate:
			layout, err := strftimeGoLayout(tok.literal)
			if err != nil {
				return nil, false, err
			}
			d, err := time.ParseInLocation(layout, val, time.UTC)
			if err != nil {
				return nil, false, fmt.Errorf("template %q: date %q: %w", t.raw, val, err)
			}
			out.Date = d
			out.HasDate = true
		case tokenVersion:
			v, err := ParseVersion(val)
			if err != nil {
				return nil, false, fmt.Errorf("template %q: %w", t.raw, err)
			}
			out.Version = v
			out.HasVersion = true
		case tokenSat:
			out.Satellite = val
		case tokenNNN:
			out.NNN = val
		}
	}
	return out, true, nil
}
