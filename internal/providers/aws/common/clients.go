package common

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	cfnsvc "github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// ---------------------------------------------------------------------------
// Per-service client interfaces
//
// Each interface covers every operation used anywhere in this project.
// Consumer packages declare narrower interfaces of their own; a value of the
// type declared here always satisfies them.
// ---------------------------------------------------------------------------

// STSClient is the subset of STS operations used by the loader.
type STSClient interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// EC2Client covers VPC lookup, the doctor ENI check and flow log status.
type EC2Client interface {
	DescribeVpcs(ctx context.Context, params *ec2.DescribeVpcsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVpcsOutput, error)
	DescribeSubnets(ctx context.Context, params *ec2.DescribeSubnetsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error)
	DescribeRouteTables(ctx context.Context, params *ec2.DescribeRouteTablesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeRouteTablesOutput, error)
	DescribeNetworkInterfaces(ctx context.Context, params *ec2.DescribeNetworkInterfacesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeNetworkInterfacesOutput, error)
	DescribeFlowLogs(ctx context.Context, params *ec2.DescribeFlowLogsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeFlowLogsOutput, error)
}

// CloudFormationClient covers change-set deployment, destroy and status.
type CloudFormationClient interface {
	DescribeStacks(ctx context.Context, params *cfnsvc.DescribeStacksInput, optFns ...func(*cfnsvc.Options)) (*cfnsvc.DescribeStacksOutput, error)
	CreateChangeSet(ctx context.Context, params *cfnsvc.CreateChangeSetInput, optFns ...func(*cfnsvc.Options)) (*cfnsvc.CreateChangeSetOutput, error)
	DescribeChangeSet(ctx context.Context, params *cfnsvc.DescribeChangeSetInput, optFns ...func(*cfnsvc.Options)) (*cfnsvc.DescribeChangeSetOutput, error)
	ExecuteChangeSet(ctx context.Context, params *cfnsvc.ExecuteChangeSetInput, optFns ...func(*cfnsvc.Options)) (*cfnsvc.ExecuteChangeSetOutput, error)
	DeleteChangeSet(ctx context.Context, params *cfnsvc.DeleteChangeSetInput, optFns ...func(*cfnsvc.Options)) (*cfnsvc.DeleteChangeSetOutput, error)
	DeleteStack(ctx context.Context, params *cfnsvc.DeleteStackInput, optFns ...func(*cfnsvc.Options)) (*cfnsvc.DeleteStackOutput, error)
}

// S3Client covers template upload for templates over the inline size limit.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// IAMClient covers role existence checks.
type IAMClient interface {
	GetRole(ctx context.Context, params *iam.GetRoleInput, optFns ...func(*iam.Options)) (*iam.GetRoleOutput, error)
}

// CloudWatchClient covers insight rule state and metric-filter metrics.
type CloudWatchClient interface {
	DescribeInsightRules(ctx context.Context, params *cloudwatch.DescribeInsightRulesInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.DescribeInsightRulesOutput, error)
	GetMetricStatistics(ctx context.Context, params *cloudwatch.GetMetricStatisticsInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.GetMetricStatisticsOutput, error)
}

// CloudWatchLogsClient covers server-side filter pattern testing.
type CloudWatchLogsClient interface {
	TestMetricFilter(ctx context.Context, params *cloudwatchlogs.TestMetricFilterInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.TestMetricFilterOutput, error)
}

// ---------------------------------------------------------------------------
// ClientSet and ClientFactory
// ---------------------------------------------------------------------------

// ClientSet holds fully initialised AWS service clients for a given profile
// and region. All fields are interfaces so they can be replaced with fakes in
// tests.
type ClientSet struct {
	STS            STSClient
	EC2            EC2Client
	CloudFormation CloudFormationClient
	S3             S3Client
	IAM            IAMClient
	CloudWatch     CloudWatchClient
	Logs           CloudWatchLogsClient
}

// ClientFactory creates a ClientSet from an aws.Config.
// Swap this in tests to inject fake clients.
type ClientFactory func(cfg aws.Config) *ClientSet

// NewClientSet is the production ClientFactory.
func NewClientSet(cfg aws.Config) *ClientSet {
	return &ClientSet{
		STS:            sts.NewFromConfig(cfg),
		EC2:            ec2.NewFromConfig(cfg),
		CloudFormation: cfnsvc.NewFromConfig(cfg),
		S3:             s3.NewFromConfig(cfg),
		IAM:            iam.NewFromConfig(cfg),
		CloudWatch:     cloudwatch.NewFromConfig(cfg),
		Logs:           cloudwatchlogs.NewFromConfig(cfg),
	}
}
