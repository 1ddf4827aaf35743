// Package output renders command results as fixed-width tables or JSON.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/pankaj-dahiya-devops/vpc-flow-logs/internal/models"
)

// ANSI color codes for state output (used when Colored=true).
const (
	ansiReset  = "\033[0m"
	ansiRed    = "\033[0;31m"
	ansiGreen  = "\033[0;32m"
	ansiYellow = "\033[0;33m"
)

// TableOptions controls how tables are rendered.
type TableOptions struct {
	// Colored wraps state labels with ANSI codes. Default false (CI-safe).
	Colored bool
}

// ColorState wraps a check state with ANSI codes when colored is true.
func ColorState(s models.CheckState, colored bool) string {
	return stateCell(s, 0, colored)
}

// ShortenMessage truncates msg to at most max runes, appending "..." when truncated.
// max is treated as at least 4 to guarantee space for the ellipsis.
func ShortenMessage(msg string, max int) string {
	if max < 4 {
		max = 4
	}
	runes := []rune(msg)
	if len(runes) <= max {
		return msg
	}
	return string(runes[:max-3]) + "..."
}

// stateCell returns the state padded to width characters. ANSI codes wrap
// only the text so padding stays aligned.
func stateCell(s models.CheckState, width int, colored bool) string {
	text := string(s)
	if !colored {
		return fmt.Sprintf("%-*s", width, text)
	}
	var code string
	switch s {
	case models.CheckOK:
		code = ansiGreen
	case models.CheckMissing:
		code = ansiYellow
	case models.CheckFailed:
		code = ansiRed
	default:
		return fmt.Sprintf("%-*s", width, text)
	}
	return code + text + ansiReset + strings.Repeat(" ", max(width-len(text), 0))
}

// truncateField shortens s to at most max runes for ID/label columns.
func truncateField(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "~"
}

// column is one fixed-width table column.
type column struct {
	title string
	width int
}

// writeHeader prints the header row and a separator as wide as the header.
func writeHeader(w io.Writer, cols []column) {
	var hb strings.Builder
	for i, c := range cols {
		if i > 0 {
			hb.WriteString("  ")
		}
		if i == len(cols)-1 {
			hb.WriteString(c.title)
			continue
		}
		hb.WriteString(fmt.Sprintf("%-*s", c.width, c.title))
	}
	header := hb.String()
	fmt.Fprintln(w, header)
	fmt.Fprintln(w, strings.Repeat("-", len(header)))
}

// RenderStatus writes the checks and metric sums of a status report.
//
// Column order:
//
//	KIND  NAME  STATE  DETAIL
func RenderStatus(w io.Writer, r *models.StatusReport, opts TableOptions) {
	const (
		wKind  = 14
		wName  = 34
		wState = 8
		wValue = 55
	)

	if len(r.Checks) == 0 {
		fmt.Fprintln(w, "No checks.")
	} else {
		writeHeader(w, []column{{"KIND", wKind}, {"NAME", wName}, {"STATE", wState}, {"DETAIL", wValue}})
		for _, c := range r.Checks {
			fmt.Fprintf(w, "%-*s  %-*s  %s  %s\n",
				wKind, truncateField(c.Kind, wKind),
				wName, truncateField(c.Name, wName),
				stateCell(c.State, wState, opts.Colored),
				ShortenMessage(c.Detail, wValue))
		}
	}

	if len(r.Metrics) == 0 {
		return
	}
	fmt.Fprintln(w)
	writeHeader(w, []column{{"METRIC", wKind + 2 + wName}, {"POINTS", wState}, {"SUM", wValue}})
	for _, m := range r.Metrics {
		name := m.Metric.Namespace + "/" + m.Metric.MetricName
		fmt.Fprintf(w, "%-*s  %-*d  %.0f\n", wKind+2+wName, truncateField(name, wKind+2+wName), wState, m.Points, m.Sum)
	}
}

// RenderDiff writes the planned changes of each stack.
//
// Column order:
//
//	ACTION  LOGICAL ID  TYPE  REPLACEMENT
func RenderDiff(w io.Writer, diffs []models.StackDiff) {
	const (
		wAction  = 8
		wLogical = 36
		wType    = 32
	)
	for i, d := range diffs {
		if i > 0 {
			fmt.Fprintln(w)
		}
		label := "Stack " + d.StackName
		if d.NewStack {
			label += " (new)"
		}
		fmt.Fprintln(w, label)
		if len(d.Changes) == 0 {
			fmt.Fprintln(w, "No changes.")
			continue
		}
		writeHeader(w, []column{{"ACTION", wAction}, {"LOGICAL ID", wLogical}, {"TYPE", wType}, {"REPLACEMENT", 0}})
		for _, c := range d.Changes {
			fmt.Fprintf(w, "%-*s  %-*s  %-*s  %s\n",
				wAction, c.Action,
				wLogical, truncateField(c.LogicalID, wLogical),
				wType, truncateField(c.ResourceType, wType),
				c.Replacement)
		}
	}
}

// RenderDeploy writes one line per deployed stack followed by its outputs.
func RenderDeploy(w io.Writer, results []models.DeployResult) {
	for _, r := range results {
		status := r.Status
		if r.NoChanges {
			status += " (no changes)"
		}
		fmt.Fprintf(w, "%s: %s\n", r.StackName, status)
		keys := make([]string, 0, len(r.Outputs))
		for k := range r.Outputs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "  %s = %s\n", k, r.Outputs[k])
		}
	}
}

// RenderVPC writes a looked-up VPC and its subnets.
//
// Column order:
//
//	SUBNET ID  TYPE  AZ  CIDR  ROUTE TABLE
func RenderVPC(w io.Writer, v models.VPCContext) {
	const (
		wSubnet = 26
		wType   = 8
		wAZ     = 12
		wCIDR   = 18
	)
	fmt.Fprintf(w, "VPC %s (%s) %s\n", v.VPCID, v.VPCName, v.CIDR)
	if len(v.Subnets) == 0 {
		fmt.Fprintln(w, "No subnets.")
		return
	}
	writeHeader(w, []column{{"SUBNET ID", wSubnet}, {"TYPE", wType}, {"AZ", wAZ}, {"CIDR", wCIDR}, {"ROUTE TABLE", 0}})
	for _, s := range v.Subnets {
		fmt.Fprintf(w, "%-*s  %-*s  %-*s  %-*s  %s\n",
			wSubnet, truncateField(s.SubnetID, wSubnet),
			wType, s.Type,
			wAZ, s.AvailabilityZone,
			wCIDR, s.CIDR,
			s.RouteTableID)
	}
}

// RenderPatternResults writes the result of testing log lines against
// metric filter patterns.
//
// Column order:
//
//	LINE  FILTER  MATCH  VALUE  RECORD
func RenderPatternResults(w io.Writer, results []models.PatternResult) {
	const (
		wLine   = 6
		wFilter = 20
		wMatch  = 5
		wValue  = 12
		wRecord = 60
	)
	if len(results) == 0 {
		fmt.Fprintln(w, "No log lines.")
		return
	}
	writeHeader(w, []column{{"LINE", wLine}, {"FILTER", wFilter}, {"MATCH", wMatch}, {"VALUE", wValue}, {"RECORD", wRecord}})
	for _, r := range results {
		match := "no"
		if r.Matched {
			match = "yes"
		}
		fmt.Fprintf(w, "%-*d  %-*s  %-*s  %-*s  %s\n",
			wLine, r.LineNumber,
			wFilter, truncateField(r.Filter, wFilter),
			wMatch, match,
			wValue, truncateField(r.Value, wValue),
			ShortenMessage(r.Line, wRecord))
	}
}

// RenderJSON writes v as indented JSON.
func RenderJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return nil
}
