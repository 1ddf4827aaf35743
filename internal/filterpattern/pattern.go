// Package filterpattern builds CloudWatch Logs filter patterns for
// space-delimited log events and evaluates them locally.
//
// Rendered patterns are byte-for-byte what the metric filters in the
// monitoring stack submit to CloudWatch Logs, so the local matcher can be used
// to preview which flow log records a filter would count.
package filterpattern

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Ellipsis is the column placeholder matching any number of fields.
const Ellipsis = "..."

var (
	// ErrInvalidColumn is returned for malformed, duplicate or unknown columns.
	ErrInvalidColumn = errors.New("invalid column")
	// ErrInvalidComparison is returned for operators the value type does not support.
	ErrInvalidComparison = errors.New("invalid comparison")
)

var columnNameRE = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Comparison operators accepted in column restrictions.
const (
	Equal          = "="
	NotEqual       = "!="
	Less           = "<"
	LessOrEqual    = "<="
	Greater        = ">"
	GreaterOrEqual = ">="
)

var (
	stringComparisons = map[string]bool{Equal: true, NotEqual: true}
	numberComparisons = map[string]bool{
		Equal: true, NotEqual: true,
		Less: true, LessOrEqual: true,
		Greater: true, GreaterOrEqual: true,
	}
)

// restriction is one condition on a column. Exactly one of str and num is
// meaningful, selected by isNumber.
type restriction struct {
	comparison string
	isNumber   bool
	str        string
	num        float64
}

// SpaceDelimited is a filter pattern over space-separated fields, rendered as
// [col1, col2 = "x", ...]. Builder methods record the first error; callers
// check Err before using the pattern.
type SpaceDelimited struct {
	columns      []string
	restrictions map[string][]restriction
	err          error
}

// NewSpaceDelimited returns a pattern naming the fields of a log event in
// order. At most one column may be Ellipsis.
func NewSpaceDelimited(columns ...string) *SpaceDelimited {
	p := &SpaceDelimited{
		columns:      append([]string(nil), columns...),
		restrictions: make(map[string][]restriction),
	}
	seen := make(map[string]bool, len(columns))
	ellipses := 0
	for _, c := range columns {
		switch {
		case c == Ellipsis:
			ellipses++
		case !columnNameRE.MatchString(c):
			p.fail(fmt.Errorf("%w: %q", ErrInvalidColumn, c))
		case seen[c]:
			p.fail(fmt.Errorf("%w: duplicate column %q", ErrInvalidColumn, c))
		}
		seen[c] = true
	}
	if ellipses > 1 {
		p.fail(fmt.Errorf("%w: at most one %q column is allowed", ErrInvalidColumn, Ellipsis))
	}
	return p
}

// WhereString restricts column to values compared against value with = or !=.
// value may contain * wildcards.
func (p *SpaceDelimited) WhereString(column, comparison, value string) *SpaceDelimited {
	if !stringComparisons[comparison] {
		p.fail(fmt.Errorf("%w: %q is not a string comparison", ErrInvalidComparison, comparison))
		return p
	}
	return p.add(column, restriction{comparison: comparison, str: value})
}

// WhereNumber restricts column to numeric values compared against value.
func (p *SpaceDelimited) WhereNumber(column, comparison string, value float64) *SpaceDelimited {
	if !numberComparisons[comparison] {
		p.fail(fmt.Errorf("%w: %q is not a numeric comparison", ErrInvalidComparison, comparison))
		return p
	}
	return p.add(column, restriction{comparison: comparison, isNumber: true, num: value})
}

func (p *SpaceDelimited) add(column string, r restriction) *SpaceDelimited {
	if column == Ellipsis || !p.hasColumn(column) {
		p.fail(fmt.Errorf("%w: no column named %q", ErrInvalidColumn, column))
		return p
	}
	p.restrictions[column] = append(p.restrictions[column], r)
	return p
}

func (p *SpaceDelimited) hasColumn(column string) bool {
	for _, c := range p.columns {
		if c == column {
			return true
		}
	}
	return false
}

func (p *SpaceDelimited) fail(err error) {
	if p.err == nil {
		p.err = err
	}
}

// Err returns the first error recorded while building the pattern.
func (p *SpaceDelimited) Err() error { return p.err }

// Columns returns the column names in order, including any Ellipsis.
func (p *SpaceDelimited) Columns() []string {
	return append([]string(nil), p.columns...)
}

// String renders the pattern in CloudWatch Logs syntax.
func (p *SpaceDelimited) String() string {
	parts := make([]string, len(p.columns))
	for i, c := range p.columns {
		rs := p.restrictions[c]
		if len(rs) == 0 {
			parts[i] = c
			continue
		}
		terms := make([]string, len(rs))
		for j, r := range rs {
			terms[j] = c + " " + r.comparison + " " + r.render()
		}
		parts[i] = strings.Join(terms, " && ")
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func (r restriction) render() string {
	if r.isNumber {
		return strconv.FormatFloat(r.num, 'f', -1, 64)
	}
	return quote(r.str)
}

func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}
