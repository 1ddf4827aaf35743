package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	cwltypes "github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/pankaj-dahiya-devops/vpc-flow-logs/internal/config"
	"github.com/pankaj-dahiya-devops/vpc-flow-logs/internal/lookup"
	"github.com/pankaj-dahiya-devops/vpc-flow-logs/internal/models"
	"github.com/pankaj-dahiya-devops/vpc-flow-logs/internal/providers/aws/common"
)

const (
	testAccount = "123456789012"
	testVPCID   = "vpc-1"
	testVPCName = "main"
)

// ── AWS provider fake ─────────────────────────────────────────────────────────

type fakeProvider struct {
	profile *common.ProfileConfig
	err     error

	calls       int
	lastProfile string
	lastRegion  string
}

func (f *fakeProvider) LoadProfile(_ context.Context, profile, region string) (*common.ProfileConfig, error) {
	f.calls++
	f.lastProfile = profile
	f.lastRegion = region
	return f.profile, f.err
}

func (f *fakeProvider) ConfigForRegion(_ *common.ProfileConfig, region string) aws.Config {
	return aws.Config{Region: region}
}

// offlineProvider fails every credential load.
func offlineProvider() *fakeProvider {
	return &fakeProvider{err: errors.New("no credentials configured")}
}

func providerWith(ec2Client common.EC2Client) *fakeProvider {
	return &fakeProvider{profile: &common.ProfileConfig{
		ProfileName: "default",
		AccountID:   testAccount,
		Region:      "us-east-1",
		Clients:     &common.ClientSet{EC2: ec2Client},
	}}
}

// ── EC2 fake ──────────────────────────────────────────────────────────────────

type fakeEC2 struct {
	vpcs        []ec2types.Vpc
	subnets     []ec2types.Subnet
	routeTables []ec2types.RouteTable
	interfaces  []ec2types.NetworkInterface
	eniErr      error

	vpcCalls int
}

func (f *fakeEC2) DescribeVpcs(_ context.Context, _ *ec2.DescribeVpcsInput, _ ...func(*ec2.Options)) (*ec2.DescribeVpcsOutput, error) {
	f.vpcCalls++
	return &ec2.DescribeVpcsOutput{Vpcs: f.vpcs}, nil
}

func (f *fakeEC2) DescribeSubnets(_ context.Context, _ *ec2.DescribeSubnetsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error) {
	return &ec2.DescribeSubnetsOutput{Subnets: f.subnets}, nil
}

func (f *fakeEC2) DescribeRouteTables(_ context.Context, _ *ec2.DescribeRouteTablesInput, _ ...func(*ec2.Options)) (*ec2.DescribeRouteTablesOutput, error) {
	return &ec2.DescribeRouteTablesOutput{RouteTables: f.routeTables}, nil
}

func (f *fakeEC2) DescribeNetworkInterfaces(_ context.Context, _ *ec2.DescribeNetworkInterfacesInput, _ ...func(*ec2.Options)) (*ec2.DescribeNetworkInterfacesOutput, error) {
	if f.eniErr != nil {
		return nil, f.eniErr
	}
	return &ec2.DescribeNetworkInterfacesOutput{NetworkInterfaces: f.interfaces}, nil
}

func (f *fakeEC2) DescribeFlowLogs(_ context.Context, _ *ec2.DescribeFlowLogsInput, _ ...func(*ec2.Options)) (*ec2.DescribeFlowLogsOutput, error) {
	return &ec2.DescribeFlowLogsOutput{}, nil
}

// publicVPC has one public subnet routed through an internet gateway and one
// private subnet on the main table, plus the configured network interface.
func publicVPC() *fakeEC2 {
	return &fakeEC2{
		vpcs: []ec2types.Vpc{{VpcId: aws.String(testVPCID), CidrBlock: aws.String("10.0.0.0/16")}},
		subnets: []ec2types.Subnet{
			{SubnetId: aws.String("subnet-pub-a"), AvailabilityZone: aws.String("us-east-1a"), CidrBlock: aws.String("10.0.0.0/24")},
			{SubnetId: aws.String("subnet-priv-a"), AvailabilityZone: aws.String("us-east-1a"), CidrBlock: aws.String("10.0.1.0/24")},
		},
		routeTables: []ec2types.RouteTable{
			{
				RouteTableId: aws.String("rtb-main"),
				Associations: []ec2types.RouteTableAssociation{{Main: aws.Bool(true)}},
				Routes:       []ec2types.Route{{GatewayId: aws.String("local")}},
			},
			{
				RouteTableId: aws.String("rtb-public"),
				Associations: []ec2types.RouteTableAssociation{{SubnetId: aws.String("subnet-pub-a")}},
				Routes:       []ec2types.Route{{GatewayId: aws.String("igw-0abc")}},
			},
		},
		interfaces: []ec2types.NetworkInterface{{NetworkInterfaceId: aws.String(config.DefaultInterfaceID)}},
	}
}

// ── CloudWatch Logs fake ──────────────────────────────────────────────────────

type fakeLogs struct {
	// matchFirst reports the first event of every batch as a match when the
	// pattern contains this substring.
	matchFirst string
	err        error

	batchSizes []int
}

func (f *fakeLogs) TestMetricFilter(_ context.Context, in *cloudwatchlogs.TestMetricFilterInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.TestMetricFilterOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.batchSizes = append(f.batchSizes, len(in.LogEventMessages))
	out := &cloudwatchlogs.TestMetricFilterOutput{}
	if f.matchFirst != "" && strings.Contains(aws.ToString(in.FilterPattern), f.matchFirst) {
		out.Matches = []cwltypes.MetricFilterMatchRecord{{
			EventNumber:     1,
			EventMessage:    aws.String(in.LogEventMessages[0]),
			ExtractedValues: map[string]string{"$bytes": "840", "$action": "ACCEPT"},
		}}
	}
	return out, nil
}

// ── helpers ───────────────────────────────────────────────────────────────────

// writeConfig writes a config file into dir pointing at the repository rule
// file and returns its path.
func writeConfig(t *testing.T, dir, account string) string {
	t.Helper()
	rule, err := filepath.Abs("../../rules/data_transfer_rule.json")
	if err != nil {
		t.Fatal(err)
	}
	cfg := map[string]string{
		"VPC_ID":    testVPCID,
		"VPC_NAME":  testVPCName,
		"RULE_FILE": rule,
	}
	if account != "" {
		cfg["ACCOUNT"] = account
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func testVPCContext() models.VPCContext {
	return models.VPCContext{
		VPCID:             testVPCID,
		VPCName:           testVPCName,
		CIDR:              "10.0.0.0/16",
		AvailabilityZones: []string{"us-east-1a"},
		Subnets: []models.Subnet{
			{SubnetID: "subnet-pub-a", AvailabilityZone: "us-east-1a", CIDR: "10.0.0.0/24", RouteTableID: "rtb-public", Type: models.SubnetPublic},
		},
	}
}

// seedCache writes a context cache holding the test VPC for testAccount.
func seedCache(t *testing.T, path string) {
	t.Helper()
	cache, err := lookup.LoadContextCache(path)
	if err != nil {
		t.Fatal(err)
	}
	env := models.Environment{Account: testAccount, Region: config.DefaultRegion}
	if err := cache.Put(lookup.CacheKey(env, testVPCID, testVPCName), testVPCContext()); err != nil {
		t.Fatal(err)
	}
	if err := cache.Save(); err != nil {
		t.Fatal(err)
	}
}

// runCLI executes the root command with args and returns stdout.
func runCLI(t *testing.T, provider common.AWSClientProvider, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCmdWithProvider(provider)
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}
