package filterpattern

import (
	"strconv"
	"strings"
)

// Match evaluates line against the pattern. On a match it returns the named
// fields keyed by column; fields absorbed by Ellipsis are not returned.
// A pattern with a recorded error never matches.
func (p *SpaceDelimited) Match(line string) (map[string]string, bool) {
	if p.err != nil {
		return nil, false
	}
	fields := splitFields(line)

	ellipsisAt := -1
	for i, c := range p.columns {
		if c == Ellipsis {
			ellipsisAt = i
			break
		}
	}

	var bound map[string]string
	if ellipsisAt < 0 {
		if len(fields) != len(p.columns) {
			return nil, false
		}
		bound = bind(p.columns, fields)
	} else {
		before := p.columns[:ellipsisAt]
		after := p.columns[ellipsisAt+1:]
		if len(fields) < len(before)+len(after) {
			return nil, false
		}
		bound = bind(before, fields[:len(before)])
		for k, v := range bind(after, fields[len(fields)-len(after):]) {
			bound[k] = v
		}
	}

	for column, rs := range p.restrictions {
		value := bound[column]
		for _, r := range rs {
			if !r.matches(value) {
				return nil, false
			}
		}
	}
	return bound, true
}

func bind(columns, fields []string) map[string]string {
	m := make(map[string]string, len(columns))
	for i, c := range columns {
		m[c] = fields[i]
	}
	return m
}

func (r restriction) matches(value string) bool {
	if r.isNumber {
		n, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return false
		}
		switch r.comparison {
		case Equal:
			return n == r.num
		case NotEqual:
			return n != r.num
		case Less:
			return n < r.num
		case LessOrEqual:
			return n <= r.num
		case Greater:
			return n > r.num
		case GreaterOrEqual:
			return n >= r.num
		}
		return false
	}

	eq := globMatch(r.str, value)
	if r.comparison == NotEqual {
		return !eq
	}
	return eq
}

// globMatch treats * as the only wildcard, as CloudWatch Logs does.
func globMatch(pattern, value string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == value
	}
	if !strings.HasPrefix(value, parts[0]) {
		return false
	}
	value = value[len(parts[0]):]
	last := parts[len(parts)-1]
	for _, part := range parts[1 : len(parts)-1] {
		i := strings.Index(value, part)
		if i < 0 {
			return false
		}
		value = value[i+len(part):]
	}
	return strings.HasSuffix(value, last)
}

// splitFields splits a log event on runs of spaces. Double-quoted and
// bracketed runs are kept as one field with their delimiters removed.
func splitFields(line string) []string {
	var (
		fields []string
		cur    strings.Builder
		inQ    bool
		inB    bool
		have   bool
	)
	flush := func() {
		if have {
			fields = append(fields, cur.String())
			cur.Reset()
			have = false
		}
	}
	for _, r := range strings.TrimSpace(line) {
		switch {
		case inQ:
			if r == '"' {
				inQ = false
				continue
			}
			cur.WriteRune(r)
		case inB:
			if r == ']' {
				inB = false
				continue
			}
			cur.WriteRune(r)
		case r == '"':
			inQ, have = true, true
		case r == '[':
			inB, have = true, true
		case r == ' ' || r == '\t':
			flush()
		default:
			cur.WriteRune(r)
			have = true
		}
	}
	flush()
	return fields
}
