package common

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
)

// ProfileConfig is a resolved AWS profile with its SDK configuration and
// initialised service clients. It is the unit passed between the CLI and the
// lookup, deploy and status packages.
type ProfileConfig struct {
	// ProfileName is the name from ~/.aws/config or "default".
	ProfileName string

	// AccountID is the resolved AWS account ID for this profile (via STS).
	AccountID string

	// Region is the region every client in Clients is scoped to.
	Region string

	// Config is the fully loaded AWS SDK v2 configuration.
	Config aws.Config

	// Clients holds initialised service clients scoped to Region.
	Clients *ClientSet
}

// AWSClientProvider loads AWS configurations.
// It is the sole entry point for AWS credential and region management.
type AWSClientProvider interface {
	// LoadProfile returns a ProfileConfig for the named profile in region.
	// Pass an empty profile to use the default credential chain and an empty
	// region to use the profile's own region.
	LoadProfile(ctx context.Context, profile, region string) (*ProfileConfig, error)

	// ConfigForRegion clones cfg with the target region set.
	ConfigForRegion(cfg *ProfileConfig, region string) aws.Config
}
