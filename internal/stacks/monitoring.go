package stacks

import (
	"context"
	"errors"
	"fmt"

	"github.com/awslabs/goformation/v7/cloudformation"
	"github.com/awslabs/goformation/v7/cloudformation/cloudwatch"
	"github.com/awslabs/goformation/v7/cloudformation/ec2"
	"github.com/awslabs/goformation/v7/cloudformation/iam"
	"github.com/awslabs/goformation/v7/cloudformation/logs"
	"github.com/awslabs/goformation/v7/cloudformation/policies"
	"github.com/chainguard-dev/clog"

	"github.com/pankaj-dahiya-devops/vpc-flow-logs/internal/config"
	"github.com/pankaj-dahiya-devops/vpc-flow-logs/internal/filterpattern"
	"github.com/pankaj-dahiya-devops/vpc-flow-logs/internal/flowlog"
	"github.com/pankaj-dahiya-devops/vpc-flow-logs/internal/insight"
	"github.com/pankaj-dahiya-devops/vpc-flow-logs/internal/models"
)

// Fixed identifiers of the monitoring stack.
const (
	MonitoringStackName = "FlowLogStack"

	DefaultLogGroupName     = "Ec2FlowLogLogGroup"
	DefaultFlowLogRole      = "RoleForFlowLogPublishToLogGroup"
	DefaultFlowLogID        = "Ec2FlowLog"
	DefaultInsightRuleName  = "DataTransferMonitorRule"
	DefaultMetricNamespace  = "FlowLogFilter"
	DefaultRetentionDays    = 1
	DefaultTrafficType      = "ALL"
	DefaultAggregationSecs  = 60
	AcceptFilterID          = "FilterAcceptFlowLog"
	RejectFilterID          = "FilterRejectFlowLog"
	AcceptMetricName        = "Accept"
	RejectMetricName        = "Reject"
	flowLogResourceType     = "NetworkInterface"
	insightRuleStateEnabled = "ENABLED"
	bytesMetricValue        = "$bytes"
	awsServiceFlowLogs      = "vpc-flow-logs.amazonaws.com"
	metricPeriodSeconds     = 60
	metricStatisticSum      = "Sum"
)

// ErrInvalidProps is returned for values CloudFormation would reject.
var ErrInvalidProps = errors.New("invalid stack props")

// retentionDays are the values AWS::Logs::LogGroup accepts for RetentionInDays.
var retentionDays = map[int]bool{
	1: true, 3: true, 5: true, 7: true, 14: true, 30: true, 60: true, 90: true,
	120: true, 150: true, 180: true, 365: true, 400: true, 545: true, 731: true,
	1096: true, 1827: true, 2192: true, 2557: true, 2922: true, 3288: true, 3653: true,
}

// MonitoringProps parameterises the monitoring stack.
type MonitoringProps struct {
	Env         models.Environment
	InterfaceID string

	LogGroupName  string
	RetentionDays int
	RoleName      string

	// TrafficType is ALL, ACCEPT or REJECT.
	TrafficType string
	// MaxAggregationInterval is 60 or 600 seconds.
	MaxAggregationInterval int

	MetricNamespace string
	RuleName        string
	Rule            *insight.Rule
}

// DefaultMonitoringProps returns the props of the deployed monitoring stack.
func DefaultMonitoringProps(cfg *config.Config, env models.Environment, rule *insight.Rule) MonitoringProps {
	return MonitoringProps{
		Env:                    env,
		InterfaceID:            cfg.InterfaceID,
		LogGroupName:           DefaultLogGroupName,
		RetentionDays:          DefaultRetentionDays,
		RoleName:               DefaultFlowLogRole,
		TrafficType:            DefaultTrafficType,
		MaxAggregationInterval: DefaultAggregationSecs,
		MetricNamespace:        DefaultMetricNamespace,
		RuleName:               DefaultInsightRuleName,
		Rule:                   rule,
	}
}

// Validate rejects enumerated values CloudFormation would fail on at deploy
// time. The interface id is not checked; a wrong id fails at deployment.
func (p MonitoringProps) Validate() error {
	switch {
	case !retentionDays[p.RetentionDays]:
		return fmt.Errorf("%w: retention of %d days is not supported", ErrInvalidProps, p.RetentionDays)
	case p.MaxAggregationInterval != 60 && p.MaxAggregationInterval != 600:
		return fmt.Errorf("%w: max aggregation interval must be 60 or 600, got %d", ErrInvalidProps, p.MaxAggregationInterval)
	case p.TrafficType != "ALL" && p.TrafficType != "ACCEPT" && p.TrafficType != "REJECT":
		return fmt.Errorf("%w: traffic type %q", ErrInvalidProps, p.TrafficType)
	case p.InterfaceID == "":
		return fmt.Errorf("%w: interface id is empty", ErrInvalidProps)
	case p.Rule == nil:
		return fmt.Errorf("%w: insight rule body is missing", ErrInvalidProps)
	}
	return nil
}

// MonitoringStack is the synthesised monitoring unit.
type MonitoringStack struct {
	*Stack

	LogGroupID     string
	RoleID         string
	RolePolicyID   string
	FlowLogID      string
	InsightRuleID  string
	AcceptFilterID string
	RejectFilterID string

	AcceptPattern *filterpattern.SpaceDelimited
	RejectPattern *filterpattern.SpaceDelimited

	// AcceptMetric and RejectMetric are the metrics the two filters emit.
	AcceptMetric models.MetricRef
	RejectMetric models.MetricRef
}

// FlowLogPattern returns the space-delimited pattern over the default flow
// log fields restricted to one action.
func FlowLogPattern(action models.FlowAction) *filterpattern.SpaceDelimited {
	return filterpattern.NewSpaceDelimited(flowlog.DefaultFields...).
		WhereString("action", filterpattern.Equal, string(action))
}

// NewMonitoringStack declares the flow log, its log group and delivery role,
// the Accept/Reject byte metric filters and the Contributor Insights rule.
func NewMonitoringStack(ctx context.Context, props MonitoringProps) (*MonitoringStack, error) {
	if err := props.Validate(); err != nil {
		return nil, fmt.Errorf("monitoring stack: %w", err)
	}

	ms := &MonitoringStack{
		Stack:          newStack(MonitoringStackName, "VPC flow log capture with CloudWatch metric filters and an insight rule", props.Env),
		LogGroupID:     props.LogGroupName,
		RoleID:         props.RoleName,
		RolePolicyID:   props.RoleName + "DefaultPolicy",
		FlowLogID:      DefaultFlowLogID,
		InsightRuleID:  props.RuleName,
		AcceptFilterID: AcceptFilterID,
		RejectFilterID: RejectFilterID,
		AcceptPattern:  FlowLogPattern(models.FlowAccept),
		RejectPattern:  FlowLogPattern(models.FlowReject),
	}
	for _, p := range []*filterpattern.SpaceDelimited{ms.AcceptPattern, ms.RejectPattern} {
		if err := p.Err(); err != nil {
			return nil, fmt.Errorf("monitoring stack: %w", err)
		}
	}

	logGroup := &logs.LogGroup{
		LogGroupName:                         cloudformation.String(props.LogGroupName),
		RetentionInDays:                      cloudformation.Int(props.RetentionDays),
		AWSCloudFormationDeletionPolicy:      policies.DeletionPolicy("Delete"),
		AWSCloudFormationUpdateReplacePolicy: policies.UpdateReplacePolicy("Delete"),
	}

	role := &iam.Role{
		RoleName:                 cloudformation.String(props.RoleName),
		AssumeRolePolicyDocument: assumeRoleDocument(awsServiceFlowLogs),
	}
	policy := &iam.Policy{
		PolicyName:     ms.RolePolicyID,
		PolicyDocument: allowDocument([]string{"logs:*"}, cloudformation.GetAtt(ms.LogGroupID, "Arn")),
		Roles:          []string{cloudformation.Ref(ms.RoleID)},
	}

	flowLog := &ec2.FlowLog{
		ResourceId:               props.InterfaceID,
		ResourceType:             flowLogResourceType,
		TrafficType:              cloudformation.String(props.TrafficType),
		DeliverLogsPermissionArn: cloudformation.String(cloudformation.GetAtt(ms.RoleID, "Arn")),
		LogGroupName:             cloudformation.String(cloudformation.Ref(ms.LogGroupID)),
		MaxAggregationInterval:   cloudformation.Int(props.MaxAggregationInterval),
	}

	rule := &cloudwatch.InsightRule{
		RuleName:  props.RuleName,
		RuleBody:  props.Rule.Body,
		RuleState: insightRuleStateEnabled,
		// The rule reads the log group; creating it first would fail.
		AWSCloudFormationDependsOn: []string{ms.LogGroupID},
	}

	ms.AcceptMetric = FlowMetric(props.MetricNamespace, AcceptMetricName)
	ms.RejectMetric = FlowMetric(props.MetricNamespace, RejectMetricName)

	resources := []struct {
		id  string
		res cloudformation.Resource
	}{
		{ms.LogGroupID, logGroup},
		{ms.RoleID, role},
		{ms.RolePolicyID, policy},
		{ms.FlowLogID, flowLog},
		{ms.InsightRuleID, rule},
		{ms.AcceptFilterID, ms.metricFilter(ms.AcceptPattern, ms.AcceptMetric)},
		{ms.RejectFilterID, ms.metricFilter(ms.RejectPattern, ms.RejectMetric)},
	}
	for _, r := range resources {
		if err := ms.addResource(r.id, r.res); err != nil {
			return nil, err
		}
	}

	ms.addOutput("LogGroupName", "Flow log destination", cloudformation.Ref(ms.LogGroupID))
	ms.addOutput("FlowLogId", "Id of the network interface flow log", cloudformation.Ref(ms.FlowLogID))

	log := clog.FromContext(ctx)
	if !props.Rule.ReferencesLogGroup(props.LogGroupName) {
		log.Warn("insight rule does not read the flow log group",
			"rule", props.RuleName,
			"log_group", props.LogGroupName)
	}
	log.Debug("declared monitoring stack",
		"stack", ms.Name,
		"interface", props.InterfaceID,
		"accept_pattern", ms.AcceptPattern.String())
	return ms, nil
}

// FlowMetric is the metric a flow log metric filter emits: the byte sum
// over one-minute periods.
func FlowMetric(namespace, name string) models.MetricRef {
	return models.MetricRef{
		Namespace:     namespace,
		MetricName:    name,
		Statistic:     metricStatisticSum,
		PeriodSeconds: metricPeriodSeconds,
	}
}

// metricFilter counts the bytes of matching records, emitting 0 when
// nothing matched in a period.
func (ms *MonitoringStack) metricFilter(p *filterpattern.SpaceDelimited, m models.MetricRef) *logs.MetricFilter {
	return &logs.MetricFilter{
		FilterPattern: p.String(),
		LogGroupName:  cloudformation.Ref(ms.LogGroupID),
		MetricTransformations: []logs.MetricFilter_MetricTransformation{{
			MetricNamespace: m.Namespace,
			MetricName:      m.MetricName,
			MetricValue:     bytesMetricValue,
			DefaultValue:    cloudformation.Float64(0),
		}},
	}
}
