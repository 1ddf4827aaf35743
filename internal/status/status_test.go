package status

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cfn "github.com/aws/aws-sdk-go-v2/service/cloudformation"
	cfntypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/smithy-go"

	"github.com/pankaj-dahiya-devops/vpc-flow-logs/internal/models"
)

// ── fakes ─────────────────────────────────────────────────────────────────────

type fakeCFN struct {
	statuses map[string]cfntypes.StackStatus
}

func (f *fakeCFN) DescribeStacks(_ context.Context, in *cfn.DescribeStacksInput, _ ...func(*cfn.Options)) (*cfn.DescribeStacksOutput, error) {
	st, ok := f.statuses[aws.ToString(in.StackName)]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "ValidationError", Message: "Stack with id " + aws.ToString(in.StackName) + " does not exist"}
	}
	return &cfn.DescribeStacksOutput{Stacks: []cfntypes.Stack{{StackName: in.StackName, StackStatus: st}}}, nil
}

type fakeIAM struct {
	roles map[string]bool
	err   error
}

func (f *fakeIAM) GetRole(_ context.Context, in *iam.GetRoleInput, _ ...func(*iam.Options)) (*iam.GetRoleOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	name := aws.ToString(in.RoleName)
	if !f.roles[name] {
		return nil, &iamtypes.NoSuchEntityException{Message: aws.String("role " + name + " not found")}
	}
	return &iam.GetRoleOutput{Role: &iamtypes.Role{RoleName: in.RoleName, Arn: aws.String("arn:aws:iam::123456789012:role/" + name)}}, nil
}

type fakeEC2 struct {
	flowLogs []ec2types.FlowLog
	filter   []ec2types.Filter
}

func (f *fakeEC2) DescribeFlowLogs(_ context.Context, in *ec2.DescribeFlowLogsInput, _ ...func(*ec2.Options)) (*ec2.DescribeFlowLogsOutput, error) {
	f.filter = in.Filter
	return &ec2.DescribeFlowLogsOutput{FlowLogs: f.flowLogs}, nil
}

type fakeCW struct {
	mu        sync.Mutex
	rules     []cwtypes.InsightRule
	points    map[string][]float64
	metricErr error
	periods   []int32
}

func (f *fakeCW) DescribeInsightRules(_ context.Context, _ *cloudwatch.DescribeInsightRulesInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.DescribeInsightRulesOutput, error) {
	return &cloudwatch.DescribeInsightRulesOutput{InsightRules: f.rules}, nil
}

func (f *fakeCW) GetMetricStatistics(_ context.Context, in *cloudwatch.GetMetricStatisticsInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.GetMetricStatisticsOutput, error) {
	if f.metricErr != nil {
		return nil, f.metricErr
	}
	f.mu.Lock()
	f.periods = append(f.periods, aws.ToInt32(in.Period))
	f.mu.Unlock()
	var dps []cwtypes.Datapoint
	for _, v := range f.points[aws.ToString(in.MetricName)] {
		dps = append(dps, cwtypes.Datapoint{Sum: aws.Float64(v)})
	}
	return &cloudwatch.GetMetricStatisticsOutput{Datapoints: dps}, nil
}

// ── helpers ───────────────────────────────────────────────────────────────────

var (
	acceptMetric = models.MetricRef{Namespace: "FlowLogFilter", MetricName: "Accept", Statistic: "Sum", PeriodSeconds: 60}
	rejectMetric = models.MetricRef{Namespace: "FlowLogFilter", MetricName: "Reject", Statistic: "Sum", PeriodSeconds: 60}
)

func healthyFakes() (*fakeCFN, *fakeIAM, *fakeEC2, *fakeCW) {
	c := &fakeCFN{statuses: map[string]cfntypes.StackStatus{
		"Ec2Stack":     cfntypes.StackStatusCreateComplete,
		"FlowLogStack": cfntypes.StackStatusUpdateComplete,
	}}
	i := &fakeIAM{roles: map[string]bool{
		"RoleForEc2AccessSSM":             true,
		"RoleForFlowLogPublishToLogGroup": true,
	}}
	e := &fakeEC2{flowLogs: []ec2types.FlowLog{{
		FlowLogId:         aws.String("fl-0123"),
		FlowLogStatus:     aws.String("ACTIVE"),
		DeliverLogsStatus: aws.String("SUCCESS"),
		LogGroupName:      aws.String("Ec2FlowLogLogGroup"),
	}}}
	w := &fakeCW{
		rules: []cwtypes.InsightRule{
			{Name: aws.String("SomeOtherRule"), State: aws.String("DISABLED")},
			{Name: aws.String("DataTransferMonitorRule"), State: aws.String("ENABLED")},
		},
		points: map[string][]float64{"Accept": {100, 250}, "Reject": {40}},
	}
	return c, i, e, w
}

func testTarget() Target {
	return Target{
		Stacks:       []string{"Ec2Stack", "FlowLogStack"},
		Roles:        []string{"RoleForEc2AccessSSM", "RoleForFlowLogPublishToLogGroup"},
		InterfaceID:  "eni-0fafc042c5f32c0fe",
		LogGroupName: "Ec2FlowLogLogGroup",
		InsightRule:  "DataTransferMonitorRule",
		Metrics:      []models.MetricRef{acceptMetric, rejectMetric},
	}
}

func newTestChecker(c *fakeCFN, i *fakeIAM, e *fakeEC2, w *fakeCW) *Checker {
	ch := NewChecker(c, i, e, w, "us-east-1")
	ch.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	return ch
}

func checkByName(r *models.StatusReport, kind, name string) (models.ResourceCheck, bool) {
	for _, c := range r.Checks {
		if c.Kind == kind && c.Name == name {
			return c, true
		}
	}
	return models.ResourceCheck{}, false
}

// ── tests ─────────────────────────────────────────────────────────────────────

func TestRun_AllHealthy(t *testing.T) {
	c, i, e, w := healthyFakes()
	report, err := newTestChecker(c, i, e, w).Run(context.Background(), testTarget())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(report.Checks) != 6 {
		t.Fatalf("expected 6 checks, got %d", len(report.Checks))
	}
	if !report.Healthy() {
		t.Errorf("expected healthy report, got %+v", report.Checks)
	}
	if report.Region != "us-east-1" {
		t.Errorf("Region = %q", report.Region)
	}
	// Rows keep target order regardless of completion order.
	if report.Checks[0].Name != "Ec2Stack" || report.Checks[5].Kind != KindInsightRule {
		t.Errorf("unexpected row order: %+v", report.Checks)
	}
	if len(e.filter) != 1 || e.filter[0].Values[0] != "eni-0fafc042c5f32c0fe" {
		t.Errorf("flow log filter = %+v", e.filter)
	}

	if len(report.Metrics) != 2 {
		t.Fatalf("expected 2 metrics, got %d", len(report.Metrics))
	}
	if report.Metrics[0].Sum != 350 || report.Metrics[0].Points != 2 {
		t.Errorf("Accept = %+v, want sum 350 over 2 points", report.Metrics[0])
	}
	if report.Metrics[1].Sum != 40 {
		t.Errorf("Reject sum = %v, want 40", report.Metrics[1].Sum)
	}
	for _, p := range w.periods {
		if p != 3600 {
			t.Errorf("period = %d, want 3600 for the default 24h window", p)
		}
	}
}

func TestRun_MissingResources(t *testing.T) {
	c, i, e, w := healthyFakes()
	delete(c.statuses, "FlowLogStack")
	delete(i.roles, "RoleForFlowLogPublishToLogGroup")
	e.flowLogs = nil
	w.rules = w.rules[:1]

	report, err := newTestChecker(c, i, e, w).Run(context.Background(), testTarget())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Healthy() {
		t.Error("report should not be healthy")
	}
	for _, want := range []struct{ kind, name string }{
		{KindStack, "FlowLogStack"},
		{KindRole, "RoleForFlowLogPublishToLogGroup"},
		{KindFlowLog, "eni-0fafc042c5f32c0fe"},
		{KindInsightRule, "DataTransferMonitorRule"},
	} {
		row, ok := checkByName(report, want.kind, want.name)
		if !ok {
			t.Errorf("no row for %s %s", want.kind, want.name)
			continue
		}
		if row.State != models.CheckMissing {
			t.Errorf("%s %s state = %s, want MISSING", want.kind, want.name, row.State)
		}
	}
	if row, _ := checkByName(report, KindStack, "Ec2Stack"); row.State != models.CheckOK {
		t.Errorf("Ec2Stack state = %s, want OK", row.State)
	}
}

func TestRun_FailedStates(t *testing.T) {
	c, i, e, w := healthyFakes()
	c.statuses["Ec2Stack"] = cfntypes.StackStatusUpdateRollbackComplete
	e.flowLogs[0].DeliverLogsStatus = aws.String("FAILED")
	w.rules[1].State = aws.String("DISABLED")

	report, err := newTestChecker(c, i, e, w).Run(context.Background(), testTarget())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stack, _ := checkByName(report, KindStack, "Ec2Stack")
	if stack.State != models.CheckFailed || stack.Detail != "UPDATE_ROLLBACK_COMPLETE" {
		t.Errorf("stack row = %+v", stack)
	}
	fl, _ := checkByName(report, KindFlowLog, "eni-0fafc042c5f32c0fe")
	if fl.State != models.CheckFailed {
		t.Errorf("flow log row = %+v", fl)
	}
	rule, _ := checkByName(report, KindInsightRule, "DataTransferMonitorRule")
	if rule.State != models.CheckFailed || rule.Detail != "DISABLED" {
		t.Errorf("insight rule row = %+v", rule)
	}
}

func TestRun_RoleAPIErrorIsReportedInRow(t *testing.T) {
	c, i, e, w := healthyFakes()
	i.err = errors.New("AccessDenied")

	report, err := newTestChecker(c, i, e, w).Run(context.Background(), testTarget())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	row, _ := checkByName(report, KindRole, "RoleForEc2AccessSSM")
	if row.State != models.CheckFailed || row.Detail != "AccessDenied" {
		t.Errorf("role row = %+v", row)
	}
}

func TestRun_MetricErrorFailsRun(t *testing.T) {
	c, i, e, w := healthyFakes()
	w.metricErr = errors.New("throttled")

	if _, err := newTestChecker(c, i, e, w).Run(context.Background(), testTarget()); err == nil {
		t.Fatal("expected error when metrics cannot be read")
	}
}

func TestDefaultTarget(t *testing.T) {
	got := DefaultTarget("eni-1", time.Hour)
	want := testTarget()
	want.InterfaceID = "eni-1"
	want.Window = time.Hour
	if !reflect.DeepEqual(got, want) {
		t.Errorf("DefaultTarget =\n%+v\nwant\n%+v", got, want)
	}
}

func TestMetricPeriod(t *testing.T) {
	if got := metricPeriod(acceptMetric, 30*time.Minute); got != 60 {
		t.Errorf("short window period = %d, want 60", got)
	}
	if got := metricPeriod(acceptMetric, 6*time.Hour); got != 3600 {
		t.Errorf("long window period = %d, want 3600", got)
	}
	if got := metricPeriod(models.MetricRef{}, time.Minute); got != 60 {
		t.Errorf("unset period = %d, want 60", got)
	}
}

func TestStackHealthy(t *testing.T) {
	tests := map[string]bool{
		"CREATE_COMPLETE":          true,
		"UPDATE_COMPLETE":          true,
		"IMPORT_COMPLETE":          true,
		"CREATE_IN_PROGRESS":       false,
		"ROLLBACK_COMPLETE":        false,
		"UPDATE_ROLLBACK_COMPLETE": false,
		"DELETE_COMPLETE":          false,
		"REVIEW_IN_PROGRESS":       false,
	}
	for status, want := range tests {
		if got := stackHealthy(status); got != want {
			t.Errorf("stackHealthy(%s) = %v, want %v", status, got, want)
		}
	}
}
