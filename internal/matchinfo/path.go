package matchinfo

import (
	"fmt"
	"strconv"
	"strings"
)

type stepKind uint8

const (
	stepKey stepKind = iota
	stepIndex
)

// Step is one hop of a Path: an object key or an array index.
type Step struct {
	kind  stepKind
	key   string
	index int
}

// Path addresses a nested value, e.g. "matches[0].roundstatsall[last].map".
type Path []Step

// ParsePath parses dotted keys with bracketed indexes. "[last]" and negative
// indexes count from the end of an array.
func ParsePath(s string) (Path, error) {
	var p Path
	for _, part := range strings.Split(s, ".") {
		if part == "" {
			return nil, fmt.Errorf("matchinfo: empty segment in path %q", s)
		}
		key := part
		var idx []string
		if open := strings.IndexByte(part, '['); open >= 0 {
			key = part[:open]
			rest := part[open:]
			for rest != "" {
				if rest[0] != '[' {
					return nil, fmt.Errorf("matchinfo: bad index in path %q", s)
				}
				end := strings.IndexByte(rest, ']')
				if end < 0 {
					return nil, fmt.Errorf("matchinfo: unclosed index in path %q", s)
				}
				idx = append(idx, rest[1:end])
				rest = rest[end+1:]
			}
		}
		if key != "" {
			p = append(p, Step{kind: stepKey, key: key})
		}
		for _, raw := range idx {
			if raw == "last" {
				p = append(p, Step{kind: stepIndex, index: -1})
				continue
			}
			n, err := strconv.Atoi(raw)
			if err != nil {
				return nil, fmt.Errorf("matchinfo: bad index %q in path %q", raw, s)
			}
			p = append(p, Step{kind: stepIndex, index: n})
		}
	}
	return p, nil
}

// MustParsePath is ParsePath for package-level path tables.
func MustParsePath(s string) Path {
	p, err := ParsePath(s)
	if err != nil {
		panic(err)
	}
	return p
}

// Lookup follows p from v.
func (v Value) Lookup(p Path) (Value, bool) {
	cur := v
	for _, step := range p {
		var ok bool
		switch step.kind {
		case stepKey:
			cur, ok = cur.Get(step.key)
		case stepIndex:
			cur, ok = cur.Index(step.index)
		}
		if !ok {
			return Value{}, false
		}
	}
	return cur, true
}

func (p Path) String() string {
	var b strings.Builder
	for i, step := range p {
		switch step.kind {
		case stepKey:
			if i > 0 {
				b.WriteByte('.')
			}
			b.WriteString(step.key)
		case stepIndex:
			if step.index == -1 {
				b.WriteString("[last]")
			} else {
				fmt.Fprintf(&b, "[%d]", step.index)
			}
		}
	}
	return b.String()
}
