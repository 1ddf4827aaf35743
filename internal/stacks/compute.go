package stacks

import (
	"context"
	"errors"
	"fmt"

	"github.com/awslabs/goformation/v7/cloudformation"
	"github.com/awslabs/goformation/v7/cloudformation/ec2"
	"github.com/awslabs/goformation/v7/cloudformation/iam"
	"github.com/awslabs/goformation/v7/cloudformation/tags"
	"github.com/chainguard-dev/clog"

	"github.com/pankaj-dahiya-devops/vpc-flow-logs/internal/config"
	"github.com/pankaj-dahiya-devops/vpc-flow-logs/internal/lookup"
	"github.com/pankaj-dahiya-devops/vpc-flow-logs/internal/models"
)

// Fixed identifiers of the compute stack.
const (
	ComputeStackName = "Ec2Stack"

	DefaultInstanceName = "Ec2Test"
	DefaultComputeRole  = "RoleForEc2AccessSSM"
	DefaultInstanceType = "t3.small"

	// SSMManagedPolicyArn lets Systems Manager manage the instance.
	SSMManagedPolicyArn = "arn:aws:iam::aws:policy/AmazonSSMManagedInstanceCore"

	awsServiceEC2 = "ec2.amazonaws.com"
)

// ErrNoPublicSubnet is returned when the looked-up VPC has no public subnet
// to place the instance in.
var ErrNoPublicSubnet = errors.New("vpc has no public subnet")

// ComputeProps parameterises the compute stack.
type ComputeProps struct {
	Env     models.Environment
	VPCID   string
	VPCName string

	InstanceName string
	RoleName     string
	InstanceType string
	Image        MachineImage

	// AllowAllOutbound adds a 0.0.0.0/0 all-protocol egress rule to the
	// instance security group. When false the group allows no egress.
	AllowAllOutbound bool
}

// DefaultComputeProps returns the props of the deployed compute stack.
func DefaultComputeProps(cfg *config.Config, env models.Environment) ComputeProps {
	return ComputeProps{
		Env:              env,
		VPCID:            cfg.VPCID,
		VPCName:          cfg.VPCName,
		InstanceName:     DefaultInstanceName,
		RoleName:         DefaultComputeRole,
		InstanceType:     DefaultInstanceType,
		Image:            DefaultMachineImage(),
		AllowAllOutbound: true,
	}
}

// ComputeStack is the synthesised compute unit.
type ComputeStack struct {
	*Stack

	VPC    models.VPCContext
	Subnet models.Subnet

	// Logical ids, for tests and outputs.
	RoleID            string
	RolePolicyID      string
	InstanceProfileID string
	SecurityGroupID   string
	InstanceID        string
	ImageParameterID  string
}

// NewComputeStack looks up the existing VPC and declares an IAM role with
// SSM and S3 permissions plus one instance in the VPC's first public subnet.
func NewComputeStack(ctx context.Context, vpcs lookup.VPCLookup, props ComputeProps) (*ComputeStack, error) {
	vpc, err := vpcs.LookupVPC(ctx, props.VPCID, props.VPCName)
	if err != nil {
		return nil, fmt.Errorf("compute stack: %w", err)
	}
	public := vpc.SubnetsOfType(models.SubnetPublic)
	if len(public) == 0 {
		return nil, fmt.Errorf("compute stack: %w: %s", ErrNoPublicSubnet, vpc.VPCID)
	}

	imageParam, err := props.Image.SSMParameterName()
	if err != nil {
		return nil, fmt.Errorf("compute stack: %w", err)
	}

	name := props.InstanceName
	cs := &ComputeStack{
		Stack:             newStack(ComputeStackName, "EC2 instance with SSM access in an existing VPC", props.Env),
		VPC:               vpc,
		Subnet:            public[0],
		RoleID:            props.RoleName,
		RolePolicyID:      props.RoleName + "DefaultPolicy",
		InstanceProfileID: name + "InstanceProfile",
		SecurityGroupID:   name + "InstanceSecurityGroup",
		InstanceID:        name,
		ImageParameterID:  name + "ImageIdParameter",
	}

	cs.Template.Parameters[cs.ImageParameterID] = cloudformation.Parameter{
		Type:    imageParameterType,
		Default: imageParam,
	}

	role := &iam.Role{
		RoleName:                 cloudformation.String(props.RoleName),
		AssumeRolePolicyDocument: assumeRoleDocument(awsServiceEC2),
		ManagedPolicyArns:        []string{SSMManagedPolicyArn},
	}
	policy := &iam.Policy{
		PolicyName:     cs.RolePolicyID,
		PolicyDocument: allowDocument([]string{"s3:*"}, "*"),
		Roles:          []string{cloudformation.Ref(cs.RoleID)},
	}
	profile := &iam.InstanceProfile{
		Roles: []string{cloudformation.Ref(cs.RoleID)},
	}

	sg := &ec2.SecurityGroup{
		GroupDescription: ComputeStackName + "/" + name + "/InstanceSecurityGroup",
		VpcId:            cloudformation.String(vpc.VPCID),
		Tags:             []tags.Tag{{Key: "Name", Value: ComputeStackName + "/" + name}},
	}
	if props.AllowAllOutbound {
		sg.SecurityGroupEgress = []ec2.SecurityGroup_Egress{{
			CidrIp:      cloudformation.String("0.0.0.0/0"),
			Description: cloudformation.String("Allow all outbound traffic by default"),
			IpProtocol:  "-1",
		}}
	} else {
		// An empty egress list makes EC2 add its own allow-all rule; this
		// unroutable ICMP rule replaces it.
		sg.SecurityGroupEgress = []ec2.SecurityGroup_Egress{{
			CidrIp:      cloudformation.String("255.255.255.255/32"),
			Description: cloudformation.String("Disallow all traffic"),
			FromPort:    cloudformation.Int(252),
			ToPort:      cloudformation.Int(86),
			IpProtocol:  "icmp",
		}}
	}

	instance := &ec2.Instance{
		AvailabilityZone:   cloudformation.String(cs.Subnet.AvailabilityZone),
		IamInstanceProfile: cloudformation.String(cloudformation.Ref(cs.InstanceProfileID)),
		ImageId:            cloudformation.String(cloudformation.Ref(cs.ImageParameterID)),
		InstanceType:       cloudformation.String(props.InstanceType),
		SecurityGroupIds:   []string{cloudformation.GetAtt(cs.SecurityGroupID, "GroupId")},
		SubnetId:           cloudformation.String(cs.Subnet.SubnetID),
		Tags:               []tags.Tag{{Key: "Name", Value: name}},
		// The instance profile is only usable once the role's policy exists.
		AWSCloudFormationDependsOn: []string{cs.RolePolicyID, cs.RoleID},
	}

	for _, r := range []struct {
		id  string
		res cloudformation.Resource
	}{
		{cs.RoleID, role},
		{cs.RolePolicyID, policy},
		{cs.InstanceProfileID, profile},
		{cs.SecurityGroupID, sg},
		{cs.InstanceID, instance},
	} {
		if err := cs.addResource(r.id, r.res); err != nil {
			return nil, err
		}
	}

	cs.addOutput("InstanceId", "Id of the "+name+" instance", cloudformation.Ref(cs.InstanceID))
	cs.addOutput("RoleArn", "ARN of the instance role", cloudformation.GetAtt(cs.RoleID, "Arn"))

	clog.FromContext(ctx).Debug("declared compute stack",
		"stack", cs.Name,
		"vpc", vpc.VPCID,
		"subnet", cs.Subnet.SubnetID,
		"az", cs.Subnet.AvailabilityZone)
	return cs, nil
}
