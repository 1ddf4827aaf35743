// Package status inspects the deployed stacks and the resources they
// declare. Every call is read-only.
package status

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cfn "github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/smithy-go"
	"github.com/chainguard-dev/clog"
	"golang.org/x/sync/errgroup"

	"github.com/pankaj-dahiya-devops/vpc-flow-logs/internal/models"
	"github.com/pankaj-dahiya-devops/vpc-flow-logs/internal/stacks"
)

// Check kinds, as shown in the KIND column.
const (
	KindStack       = "stack"
	KindRole        = "iam-role"
	KindFlowLog     = "flow-log"
	KindInsightRule = "insight-rule"
)

// DefaultWindow is the metric lookback used when Target.Window is zero.
const DefaultWindow = 24 * time.Hour

const maxConcurrentChecks = 4

type stackDescriber interface {
	DescribeStacks(ctx context.Context, params *cfn.DescribeStacksInput, optFns ...func(*cfn.Options)) (*cfn.DescribeStacksOutput, error)
}

type roleGetter interface {
	GetRole(ctx context.Context, params *iam.GetRoleInput, optFns ...func(*iam.Options)) (*iam.GetRoleOutput, error)
}

type flowLogDescriber interface {
	DescribeFlowLogs(ctx context.Context, params *ec2.DescribeFlowLogsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeFlowLogsOutput, error)
}

type cloudWatchReader interface {
	DescribeInsightRules(ctx context.Context, params *cloudwatch.DescribeInsightRulesInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.DescribeInsightRulesOutput, error)
	GetMetricStatistics(ctx context.Context, params *cloudwatch.GetMetricStatisticsInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.GetMetricStatisticsOutput, error)
}

// Target names what to inspect.
type Target struct {
	Stacks       []string
	Roles        []string
	InterfaceID  string
	LogGroupName string
	InsightRule  string
	Metrics      []models.MetricRef
	Window       time.Duration
}

// DefaultTarget returns the resources the two stacks declare with their
// default names.
func DefaultTarget(interfaceID string, window time.Duration) Target {
	return Target{
		Stacks:       []string{stacks.ComputeStackName, stacks.MonitoringStackName},
		Roles:        []string{stacks.DefaultComputeRole, stacks.DefaultFlowLogRole},
		InterfaceID:  interfaceID,
		LogGroupName: stacks.DefaultLogGroupName,
		InsightRule:  stacks.DefaultInsightRuleName,
		Metrics: []models.MetricRef{
			stacks.FlowMetric(stacks.DefaultMetricNamespace, stacks.AcceptMetricName),
			stacks.FlowMetric(stacks.DefaultMetricNamespace, stacks.RejectMetricName),
		},
		Window: window,
	}
}

// Checker runs status checks against one region.
type Checker struct {
	cfn    stackDescriber
	iam    roleGetter
	ec2    flowLogDescriber
	cw     cloudWatchReader
	region string
	now    func() time.Time
}

// NewChecker returns a Checker using the given clients.
func NewChecker(cfnClient stackDescriber, iamClient roleGetter, ec2Client flowLogDescriber, cwClient cloudWatchReader, region string) *Checker {
	return &Checker{
		cfn:    cfnClient,
		iam:    iamClient,
		ec2:    ec2Client,
		cw:     cwClient,
		region: region,
		now:    time.Now,
	}
}

// Run executes every check concurrently. API failures of a single check are
// reported in its row; only metric retrieval and cancellation fail the run.
func (c *Checker) Run(ctx context.Context, t Target) (*models.StatusReport, error) {
	window := t.Window
	if window <= 0 {
		window = DefaultWindow
	}
	end := c.now().UTC()
	start := end.Add(-window)

	var checks []func(context.Context) models.ResourceCheck
	for _, name := range t.Stacks {
		checks = append(checks, func(ctx context.Context) models.ResourceCheck { return c.checkStack(ctx, name) })
	}
	for _, name := range t.Roles {
		checks = append(checks, func(ctx context.Context) models.ResourceCheck { return c.checkRole(ctx, name) })
	}
	if t.InterfaceID != "" {
		checks = append(checks, func(ctx context.Context) models.ResourceCheck {
			return c.checkFlowLog(ctx, t.InterfaceID, t.LogGroupName)
		})
	}
	if t.InsightRule != "" {
		checks = append(checks, func(ctx context.Context) models.ResourceCheck { return c.checkInsightRule(ctx, t.InsightRule) })
	}

	report := &models.StatusReport{
		Region:      c.region,
		GeneratedAt: end,
		Checks:      make([]models.ResourceCheck, len(checks)),
		Metrics:     make([]models.MetricSum, len(t.Metrics)),
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentChecks)
	for i, check := range checks {
		g.Go(func() error {
			row := check(gctx)
			mu.Lock()
			report.Checks[i] = row
			mu.Unlock()
			return gctx.Err()
		})
	}
	for i, m := range t.Metrics {
		g.Go(func() error {
			sum, err := c.metricSum(gctx, m, start, end)
			if err != nil {
				return err
			}
			mu.Lock()
			report.Metrics[i] = sum
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	clog.FromContext(ctx).Debug("status collected",
		"checks", len(report.Checks),
		"metrics", len(report.Metrics),
		"healthy", report.Healthy())
	return report, nil
}

func (c *Checker) checkStack(ctx context.Context, name string) models.ResourceCheck {
	row := models.ResourceCheck{Kind: KindStack, Name: name}
	out, err := c.cfn.DescribeStacks(ctx, &cfn.DescribeStacksInput{StackName: aws.String(name)})
	switch {
	case apiErrorCode(err) == "ValidationError" && strings.Contains(err.Error(), "does not exist"):
		row.State = models.CheckMissing
		return row
	case err != nil:
		row.State, row.Detail = models.CheckFailed, err.Error()
		return row
	case len(out.Stacks) == 0:
		row.State = models.CheckMissing
		return row
	}

	status := string(out.Stacks[0].StackStatus)
	row.Detail = status
	row.State = models.CheckFailed
	if stackHealthy(status) {
		row.State = models.CheckOK
	}
	return row
}

// stackHealthy accepts settled states that are not rollbacks or deletions.
func stackHealthy(status string) bool {
	return strings.HasSuffix(status, "_COMPLETE") &&
		!strings.Contains(status, "ROLLBACK") &&
		!strings.HasPrefix(status, "DELETE")
}

func (c *Checker) checkRole(ctx context.Context, name string) models.ResourceCheck {
	row := models.ResourceCheck{Kind: KindRole, Name: name}
	out, err := c.iam.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(name)})
	switch {
	case apiErrorCode(err) == "NoSuchEntity":
		row.State = models.CheckMissing
	case err != nil:
		row.State, row.Detail = models.CheckFailed, err.Error()
	default:
		row.State = models.CheckOK
		if out.Role != nil {
			row.Detail = aws.ToString(out.Role.Arn)
		}
	}
	return row
}

func (c *Checker) checkFlowLog(ctx context.Context, interfaceID, logGroup string) models.ResourceCheck {
	row := models.ResourceCheck{Kind: KindFlowLog, Name: interfaceID}
	p := ec2.NewDescribeFlowLogsPaginator(c.ec2, &ec2.DescribeFlowLogsInput{
		Filter: []ec2types.Filter{{Name: aws.String("resource-id"), Values: []string{interfaceID}}},
	})
	var found []ec2types.FlowLog
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			row.State, row.Detail = models.CheckFailed, fmt.Sprintf("DescribeFlowLogs: %v", err)
			return row
		}
		for _, fl := range page.FlowLogs {
			if logGroup == "" || aws.ToString(fl.LogGroupName) == logGroup {
				found = append(found, fl)
			}
		}
	}
	if len(found) == 0 {
		row.State = models.CheckMissing
		return row
	}

	fl := found[0]
	row.Detail = fmt.Sprintf("%s %s delivery=%s",
		aws.ToString(fl.FlowLogId), aws.ToString(fl.FlowLogStatus), aws.ToString(fl.DeliverLogsStatus))
	row.State = models.CheckFailed
	if aws.ToString(fl.FlowLogStatus) == "ACTIVE" && aws.ToString(fl.DeliverLogsStatus) != "FAILED" {
		row.State = models.CheckOK
	}
	return row
}

func (c *Checker) checkInsightRule(ctx context.Context, name string) models.ResourceCheck {
	row := models.ResourceCheck{Kind: KindInsightRule, Name: name}
	p := cloudwatch.NewDescribeInsightRulesPaginator(c.cw, &cloudwatch.DescribeInsightRulesInput{})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			row.State, row.Detail = models.CheckFailed, fmt.Sprintf("DescribeInsightRules: %v", err)
			return row
		}
		for _, r := range page.InsightRules {
			if aws.ToString(r.Name) != name {
				continue
			}
			state := aws.ToString(r.State)
			row.Detail = state
			row.State = models.CheckFailed
			if state == "ENABLED" {
				row.State = models.CheckOK
			}
			return row
		}
	}
	row.State = models.CheckMissing
	return row
}

// metricSum adds up the Sum datapoints of m over [start, end).
func (c *Checker) metricSum(ctx context.Context, m models.MetricRef, start, end time.Time) (models.MetricSum, error) {
	out, err := c.cw.GetMetricStatistics(ctx, &cloudwatch.GetMetricStatisticsInput{
		Namespace:  aws.String(m.Namespace),
		MetricName: aws.String(m.MetricName),
		StartTime:  aws.Time(start),
		EndTime:    aws.Time(end),
		Period:     aws.Int32(metricPeriod(m, end.Sub(start))),
		Statistics: []cwtypes.Statistic{cwtypes.StatisticSum},
	})
	if err != nil {
		return models.MetricSum{}, fmt.Errorf("get metric statistics %s/%s: %w", m.Namespace, m.MetricName, err)
	}
	sum := models.MetricSum{Metric: m}
	for _, dp := range out.Datapoints {
		if dp.Sum != nil {
			sum.Sum += *dp.Sum
			sum.Points++
		}
	}
	return sum, nil
}

// metricPeriod widens the metric's own period to whole hours for windows
// longer than an hour, keeping requests under the datapoint limit.
func metricPeriod(m models.MetricRef, window time.Duration) int32 {
	if window > time.Hour {
		return 3600
	}
	if m.PeriodSeconds > 0 {
		return m.PeriodSeconds
	}
	return 60
}

func apiErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}
