// Package lookup resolves pre-existing network resources the stacks are
// placed into. Nothing in this package creates resources.
package lookup

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/chainguard-dev/clog"

	"github.com/pankaj-dahiya-devops/vpc-flow-logs/internal/models"
)

var (
	// ErrVPCNotFound is returned when no VPC matches the id and name.
	ErrVPCNotFound = errors.New("vpc not found")
	// ErrAmbiguousVPC is returned when more than one VPC matches.
	ErrAmbiguousVPC = errors.New("more than one vpc matches")
)

// ec2LookupClient is the narrow EC2 interface used for VPC lookup. It also
// satisfies the SDK paginator client interfaces for all three operations.
type ec2LookupClient interface {
	DescribeVpcs(ctx context.Context, params *ec2.DescribeVpcsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVpcsOutput, error)
	DescribeSubnets(ctx context.Context, params *ec2.DescribeSubnetsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error)
	DescribeRouteTables(ctx context.Context, params *ec2.DescribeRouteTablesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeRouteTablesOutput, error)
}

// VPCLookup is implemented by Provider and by test doubles in the stacks
// package.
type VPCLookup interface {
	LookupVPC(ctx context.Context, vpcID, vpcName string) (models.VPCContext, error)
}

// Provider looks up VPCs through EC2, consulting the context cache first.
type Provider struct {
	client ec2LookupClient
	cache  *ContextCache
	env    models.Environment

	// Refresh skips cached entries and overwrites them with fresh results.
	Refresh bool
}

// NewProvider returns a Provider. client may be nil when every lookup is
// expected to be served from cache; cache may be nil to disable caching.
func NewProvider(client ec2LookupClient, env models.Environment, cache *ContextCache) *Provider {
	return &Provider{client: client, cache: cache, env: env}
}

// CacheKey is the context cache key for a VPC lookup.
func CacheKey(env models.Environment, vpcID, vpcName string) string {
	return fmt.Sprintf("vpc-provider:account=%s:filter.tag:Name=%s:filter.vpc-id=%s:region=%s",
		env.Account, vpcName, vpcID, env.Region)
}

// LookupVPC returns the VPC identified by vpcID and tagged Name=vpcName,
// with its subnets classified as public or private.
func (p *Provider) LookupVPC(ctx context.Context, vpcID, vpcName string) (models.VPCContext, error) {
	log := clog.FromContext(ctx).With("vpc_id", vpcID, "vpc_name", vpcName)
	key := CacheKey(p.env, vpcID, vpcName)

	if p.cache != nil && !p.Refresh {
		var cached models.VPCContext
		ok, err := p.cache.Get(key, &cached)
		if err != nil {
			return models.VPCContext{}, err
		}
		if ok {
			log.Debug("vpc lookup served from context cache")
			return cached, nil
		}
	}
	if p.client == nil {
		return models.VPCContext{}, fmt.Errorf("lookup vpc %s: no cached entry and no EC2 client", vpcID)
	}

	log.Info("looking up vpc")
	vpc, err := p.findVPC(ctx, vpcID, vpcName)
	if err != nil {
		return models.VPCContext{}, err
	}
	subnets, err := p.describeSubnets(ctx, vpcID)
	if err != nil {
		return models.VPCContext{}, err
	}
	tables, err := p.describeRouteTables(ctx, vpcID)
	if err != nil {
		return models.VPCContext{}, err
	}

	result := models.VPCContext{
		VPCID:   aws.ToString(vpc.VpcId),
		VPCName: vpcName,
		CIDR:    aws.ToString(vpc.CidrBlock),
		Subnets: classifySubnets(subnets, tables),
	}
	result.AvailabilityZones = availabilityZones(result.Subnets)

	if p.cache != nil {
		if err := p.cache.Put(key, result); err != nil {
			return models.VPCContext{}, err
		}
	}
	log.Info("vpc lookup complete",
		"subnets", len(result.Subnets),
		"public", len(result.SubnetsOfType(models.SubnetPublic)))
	return result, nil
}

func (p *Provider) findVPC(ctx context.Context, vpcID, vpcName string) (ec2types.Vpc, error) {
	var filters []ec2types.Filter
	if vpcID != "" {
		filters = append(filters, ec2types.Filter{Name: aws.String("vpc-id"), Values: []string{vpcID}})
	}
	if vpcName != "" {
		filters = append(filters, ec2types.Filter{Name: aws.String("tag:Name"), Values: []string{vpcName}})
	}

	var vpcs []ec2types.Vpc
	paginator := ec2.NewDescribeVpcsPaginator(p.client, &ec2.DescribeVpcsInput{Filters: filters})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return ec2types.Vpc{}, fmt.Errorf("DescribeVpcs page: %w", err)
		}
		vpcs = append(vpcs, page.Vpcs...)
	}

	switch len(vpcs) {
	case 0:
		return ec2types.Vpc{}, fmt.Errorf("%w: id=%q name=%q", ErrVPCNotFound, vpcID, vpcName)
	case 1:
		return vpcs[0], nil
	default:
		return ec2types.Vpc{}, fmt.Errorf("%w: id=%q name=%q (%d matches)", ErrAmbiguousVPC, vpcID, vpcName, len(vpcs))
	}
}

func (p *Provider) describeSubnets(ctx context.Context, vpcID string) ([]ec2types.Subnet, error) {
	var out []ec2types.Subnet
	paginator := ec2.NewDescribeSubnetsPaginator(p.client, &ec2.DescribeSubnetsInput{
		Filters: []ec2types.Filter{{Name: aws.String("vpc-id"), Values: []string{vpcID}}},
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("DescribeSubnets page: %w", err)
		}
		out = append(out, page.Subnets...)
	}
	return out, nil
}

func (p *Provider) describeRouteTables(ctx context.Context, vpcID string) ([]ec2types.RouteTable, error) {
	var out []ec2types.RouteTable
	paginator := ec2.NewDescribeRouteTablesPaginator(p.client, &ec2.DescribeRouteTablesInput{
		Filters: []ec2types.Filter{{Name: aws.String("vpc-id"), Values: []string{vpcID}}},
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("DescribeRouteTables page: %w", err)
		}
		out = append(out, page.RouteTables...)
	}
	return out, nil
}

// classifySubnets marks a subnet public when the route table governing it
// (its explicit association, else the VPC's main table) has a route to an
// internet gateway. The result is ordered by availability zone, then id.
func classifySubnets(subnets []ec2types.Subnet, tables []ec2types.RouteTable) []models.Subnet {
	explicit := make(map[string]ec2types.RouteTable)
	var main *ec2types.RouteTable
	for i := range tables {
		for _, assoc := range tables[i].Associations {
			if aws.ToBool(assoc.Main) {
				main = &tables[i]
			}
			if id := aws.ToString(assoc.SubnetId); id != "" {
				explicit[id] = tables[i]
			}
		}
	}

	out := make([]models.Subnet, 0, len(subnets))
	for _, s := range subnets {
		id := aws.ToString(s.SubnetId)
		sub := models.Subnet{
			SubnetID:         id,
			AvailabilityZone: aws.ToString(s.AvailabilityZone),
			CIDR:             aws.ToString(s.CidrBlock),
			Type:             models.SubnetPrivate,
		}
		rt, ok := explicit[id]
		if !ok && main != nil {
			rt, ok = *main, true
		}
		if ok {
			sub.RouteTableID = aws.ToString(rt.RouteTableId)
			if routesToInternetGateway(rt) {
				sub.Type = models.SubnetPublic
			}
		}
		out = append(out, sub)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].AvailabilityZone != out[j].AvailabilityZone {
			return out[i].AvailabilityZone < out[j].AvailabilityZone
		}
		return out[i].SubnetID < out[j].SubnetID
	})
	return out
}

func routesToInternetGateway(rt ec2types.RouteTable) bool {
	for _, r := range rt.Routes {
		if strings.HasPrefix(aws.ToString(r.GatewayId), "igw-") {
			return true
		}
	}
	return false
}

func availabilityZones(subnets []models.Subnet) []string {
	seen := make(map[string]bool)
	var azs []string
	for _, s := range subnets {
		if s.AvailabilityZone != "" && !seen[s.AvailabilityZone] {
			seen[s.AvailabilityZone] = true
			azs = append(azs, s.AvailabilityZone)
		}
	}
	return azs
}
