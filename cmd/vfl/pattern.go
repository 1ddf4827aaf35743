package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/chainguard-dev/clog"
	"github.com/spf13/cobra"

	"github.com/pankaj-dahiya-devops/vpc-flow-logs/internal/filterpattern"
	"github.com/pankaj-dahiya-devops/vpc-flow-logs/internal/flowlog"
	"github.com/pankaj-dahiya-devops/vpc-flow-logs/internal/models"
	"github.com/pankaj-dahiya-devops/vpc-flow-logs/internal/output"
	"github.com/pankaj-dahiya-devops/vpc-flow-logs/internal/stacks"
)

// maxTestMessages is the TestMetricFilter limit on log events per call.
const maxTestMessages = 50

// bytesField is the column whose value both metric filters emit.
const bytesField = "bytes"

type metricFilterTester interface {
	TestMetricFilter(ctx context.Context, params *cloudwatchlogs.TestMetricFilterInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.TestMetricFilterOutput, error)
}

// logLine is one input line with its 1-based position in the source.
type logLine struct {
	number int
	text   string
}

// namedFilter pairs a metric filter id with its pattern.
type namedFilter struct {
	id      string
	pattern *filterpattern.SpaceDelimited
}

func flowLogFilters() []namedFilter {
	return []namedFilter{
		{id: stacks.AcceptFilterID, pattern: stacks.FlowLogPattern(models.FlowAccept)},
		{id: stacks.RejectFilterID, pattern: stacks.FlowLogPattern(models.FlowReject)},
	}
}

func (c *cli) newPatternCmd() *cobra.Command {
	pattern := &cobra.Command{
		Use:   "pattern",
		Short: "Work with the flow log metric filter patterns",
	}

	var remote bool
	test := &cobra.Command{
		Use:   "test FILE|-",
		Short: "Evaluate flow log lines against the Accept and Reject metric filters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			lines, err := readLogLines(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			warnMalformed(ctx, lines)

			var results []models.PatternResult
			if remote {
				s, err := c.newSession(ctx, true)
				if err != nil {
					return err
				}
				results, err = evaluateRemote(ctx, s.aws.Clients.Logs, flowLogFilters(), lines)
				if err != nil {
					return err
				}
			} else {
				results = evaluateLocal(flowLogFilters(), lines)
			}

			if c.format == "json" {
				return output.RenderJSON(cmd.OutOrStdout(), results)
			}
			output.RenderPatternResults(cmd.OutOrStdout(), results)
			return nil
		},
	}
	test.Flags().BoolVar(&remote, "remote", false, "Evaluate with CloudWatch Logs TestMetricFilter instead of locally")

	pattern.AddCommand(test)
	return pattern
}

// readLogLines reads non-blank lines from path, or from stdin when path is "-".
// Lines starting with # are skipped.
func readLogLines(stdin io.Reader, path string) ([]logLine, error) {
	r := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		r = f
	}

	var lines []logLine
	sc := bufio.NewScanner(r)
	n := 0
	for sc.Scan() {
		n++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		lines = append(lines, logLine{number: n, text: text})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read log lines: %w", err)
	}
	return lines, nil
}

// warnMalformed logs lines that are not default-format flow log records.
// They are still evaluated: a metric filter sees them too.
func warnMalformed(ctx context.Context, lines []logLine) {
	log := clog.FromContext(ctx)
	for _, l := range lines {
		if _, err := flowlog.Parse(l.text); err != nil {
			log.Warn("line is not a default flow log record", "line", l.number, "error", err)
		}
	}
}

// evaluateLocal matches every line against every filter.
func evaluateLocal(filters []namedFilter, lines []logLine) []models.PatternResult {
	results := make([]models.PatternResult, 0, len(filters)*len(lines))
	for _, l := range lines {
		for _, f := range filters {
			res := models.PatternResult{LineNumber: l.number, Line: l.text, Filter: f.id}
			if fields, ok := f.pattern.Match(l.text); ok {
				res.Matched = true
				res.Value = fields[bytesField]
				res.Fields = fields
			}
			results = append(results, res)
		}
	}
	return results
}

// evaluateRemote runs TestMetricFilter in batches of maxTestMessages and
// returns results in the same order as evaluateLocal.
func evaluateRemote(ctx context.Context, client metricFilterTester, filters []namedFilter, lines []logLine) ([]models.PatternResult, error) {
	// byFilter[i][j] is the result of filter i on line j.
	byFilter := make([][]models.PatternResult, len(filters))
	for i, f := range filters {
		byFilter[i] = make([]models.PatternResult, len(lines))
		for j, l := range lines {
			byFilter[i][j] = models.PatternResult{LineNumber: l.number, Line: l.text, Filter: f.id}
		}

		for start := 0; start < len(lines); start += maxTestMessages {
			end := min(start+maxTestMessages, len(lines))
			messages := make([]string, 0, end-start)
			for _, l := range lines[start:end] {
				messages = append(messages, l.text)
			}

			out, err := client.TestMetricFilter(ctx, &cloudwatchlogs.TestMetricFilterInput{
				FilterPattern:    aws.String(f.pattern.String()),
				LogEventMessages: messages,
			})
			if err != nil {
				return nil, fmt.Errorf("test metric filter %s: %w", f.id, err)
			}
			for _, m := range out.Matches {
				// EventNumber is 1-based within the batch.
				j := start + int(m.EventNumber) - 1
				if j < start || j >= end {
					continue
				}
				res := &byFilter[i][j]
				res.Matched = true
				res.Value = m.ExtractedValues["$"+bytesField]
				if len(m.ExtractedValues) > 0 {
					res.Fields = make(map[string]string, len(m.ExtractedValues))
					for k, v := range m.ExtractedValues {
						res.Fields[strings.TrimPrefix(k, "$")] = v
					}
				}
			}
		}
	}

	results := make([]models.PatternResult, 0, len(filters)*len(lines))
	for j := range lines {
		for i := range filters {
			results = append(results, byFilter[i][j])
		}
	}
	return results, nil
}
