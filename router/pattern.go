package router

import (
	"fmt"
	"regexp"
	"strings"
)

// segmentKind classifies one path segment of a route pattern.
type segmentKind int

const (
	segLiteral segmentKind = iota
	segCapture
	segWildcard
)

type segment struct {
	kind  segmentKind
	value string // literal text, or the capture/wildcard param name
}

// CompiledPattern is the deterministic matcher derived from a Route's raw
// pattern at startup. It never changes after construction.
type CompiledPattern struct {
	Re          *regexp.Regexp
	ParamNames  []string
	Specificity int // higher wins; literal segments > captures > wildcard, longer path wins ties
	segments    []segment
}

var captureRe = regexp.MustCompile(`^\{([A-Za-z_][A-Za-z0-9_]*)\}$`)
var tailCaptureRe = regexp.MustCompile(`^\{([A-Za-z_][A-Za-z0-9_]*)\*\}$`)

// parsePattern splits a "/" separated pattern into typed segments,
// validating the grammar described in spec §4.1: literal, "{name}", or a
// trailing "*" / "{name*}" tail capture.
func parsePattern(pattern string) ([]segment, error) {
	if !strings.HasPrefix(pattern, "/") {
		return nil, fmt.Errorf("pattern %q must start with /", pattern)
	}
	parts := strings.Split(strings.TrimPrefix(pattern, "/"), "/")
	segments := make([]segment, 0, len(parts))
	for i, part := range parts {
		last := i == len(parts)-1

		switch {
		case part == "*":
			if !last {
				return nil, fmt.Errorf("pattern %q: wildcard must be the last segment", pattern)
			}
			segments = append(segments, segment{kind: segWildcard, value: "rest"})
		case tailCaptureRe.MatchString(part):
			if !last {
				return nil, fmt.Errorf("pattern %q: wildcard must be the last segment", pattern)
			}
			name := tailCaptureRe.FindStringSubmatch(part)[1]
			segments = append(segments, segment{kind: segWildcard, value: name})
		case captureRe.MatchString(part):
			name := captureRe.FindStringSubmatch(part)[1]
			segments = append(segments, segment{kind: segCapture, value: name})
		case strings.ContainsAny(part, "{}*"):
			return nil, fmt.Errorf("pattern %q: malformed segment %q", pattern, part)
		default:
			segments = append(segments, segment{kind: segLiteral, value: part})
		}
	}
	return segments, nil
}

// compilePattern builds the regular matcher and computes the specificity
// score used to order routes deterministically (spec §3 invariant: literal
// segments > captured > wildcard, longer path wins ties).
func compilePattern(pattern string) (*CompiledPattern, error) {
	segments, err := parsePattern(pattern)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	b.WriteString("^")
	var params []string
	specificity := len(segments) // base: reward longer paths on ties
	for _, s := range segments {
		b.WriteString("/")
		switch s.kind {
		case segLiteral:
			b.WriteString(regexp.QuoteMeta(s.value))
			specificity += 300
		case segCapture:
			b.WriteString(fmt.Sprintf("(?P<%s>[^/]+)", s.value))
			params = append(params, s.value)
			specificity += 200
		case segWildcard:
			b.WriteString(fmt.Sprintf("(?P<%s>.*)", s.value))
			params = append(params, s.value)
			specificity += 0
		}
	}
	b.WriteString("$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("pattern %q: %w", pattern, err)
	}

	return &CompiledPattern{
		Re:          re,
		ParamNames:  params,
		Specificity: specificity,
		segments:    segments,
	}, nil
}

// Match reports whether path matches the pattern, returning extracted
// param values keyed by parameter name.
func (c *CompiledPattern) Match(path string) (map[string]string, bool) {
	m := c.Re.FindStringSubmatch(path)
	if m == nil {
		return nil, false
	}
	params := make(map[string]string, len(c.ParamNames))
	for _, name := range c.ParamNames {
		idx := c.Re.SubexpIndex(name)
		if idx >= 0 && idx < len(m) {
			params[name] = m[idx]
		}
	}
	return params, true
}
