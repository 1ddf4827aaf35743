package stacks

import "fmt"

// AmazonLinuxGeneration selects the Amazon Linux major version.
type AmazonLinuxGeneration string

const (
	AmazonLinux2    AmazonLinuxGeneration = "AMAZON_LINUX_2"
	AmazonLinux2023 AmazonLinuxGeneration = "AMAZON_LINUX_2023"
)

// AmazonLinuxEdition selects the standard or minimal image.
type AmazonLinuxEdition string

const (
	EditionStandard AmazonLinuxEdition = "STANDARD"
	EditionMinimal  AmazonLinuxEdition = "MINIMAL"
)

// CPUType selects the image architecture.
type CPUType string

const (
	CPUX8664 CPUType = "X86_64"
	CPUArm64 CPUType = "ARM_64"
)

// imageParameterType makes CloudFormation resolve the SSM parameter to an
// AMI id at deploy time, so the template stays region-independent.
const imageParameterType = "AWS::SSM::Parameter::Value<AWS::EC2::Image::Id>"

const ssmAMIPrefix = "/aws/service/ami-amazon-linux-latest/"

// MachineImage describes an Amazon Linux image published through the SSM
// public parameter store.
type MachineImage struct {
	Generation AmazonLinuxGeneration
	Edition    AmazonLinuxEdition
	CPU        CPUType
}

// DefaultMachineImage is Amazon Linux 2, standard edition, x86_64.
func DefaultMachineImage() MachineImage {
	return MachineImage{Generation: AmazonLinux2, Edition: EditionStandard, CPU: CPUX8664}
}

// SSMParameterName returns the public SSM parameter holding the latest AMI id.
func (m MachineImage) SSMParameterName() (string, error) {
	var arch string
	switch m.CPU {
	case CPUX8664, "":
		arch = "x86_64"
	case CPUArm64:
		arch = "arm64"
	default:
		return "", fmt.Errorf("unsupported cpu type %q", m.CPU)
	}

	minimal := m.Edition == EditionMinimal
	if m.Edition != EditionStandard && m.Edition != EditionMinimal && m.Edition != "" {
		return "", fmt.Errorf("unsupported amazon linux edition %q", m.Edition)
	}

	switch m.Generation {
	case AmazonLinux2, "":
		if minimal {
			return ssmAMIPrefix + "amzn2-ami-minimal-hvm-" + arch + "-ebs", nil
		}
		return ssmAMIPrefix + "amzn2-ami-hvm-" + arch + "-gp2", nil
	case AmazonLinux2023:
		if minimal {
			return ssmAMIPrefix + "al2023-ami-minimal-kernel-default-" + arch, nil
		}
		return ssmAMIPrefix + "al2023-ami-kernel-default-" + arch, nil
	default:
		return "", fmt.Errorf("unsupported amazon linux generation %q", m.Generation)
	}
}
