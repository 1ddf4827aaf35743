package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Load when the corresponding field is empty.
const (
	DefaultPath        = "config.json"
	DefaultRegion      = "us-east-1"
	DefaultInterfaceID = "eni-0fafc042c5f32c0fe"
	DefaultRuleFile    = "rules/data_transfer_rule.json"

	// AccountEnvVar overrides the account when the config file leaves it empty.
	AccountEnvVar = "VFL_DEFAULT_ACCOUNT"
)

// ErrInvalidConfig is returned by Validate when required fields are missing.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the static input record read at startup. Keys keep the
// upper-case spelling of the config.json the stacks were first deployed with.
//
// JSON is a subset of YAML, so the same decoder reads config.json and
// config.yaml.
type Config struct {
	// VPCID and VPCName identify the pre-existing network. Both are required.
	VPCID   string `yaml:"VPC_ID"   json:"VPC_ID"`
	VPCName string `yaml:"VPC_NAME" json:"VPC_NAME"`

	// InterfaceID is the network interface the flow log captures.
	InterfaceID string `yaml:"INTERFACE_ID" json:"INTERFACE_ID,omitempty"`

	// Region and Account bind both stacks to one environment. An empty
	// Account is resolved from AccountEnvVar, then from STS.
	Region  string `yaml:"REGION"  json:"REGION,omitempty"`
	Account string `yaml:"ACCOUNT" json:"ACCOUNT,omitempty"`

	// Profile selects the AWS shared-config profile. Empty means the default
	// credential chain.
	Profile string `yaml:"PROFILE" json:"PROFILE,omitempty"`

	// RuleFile is the Contributor Insights rule body, relative to the
	// working directory.
	RuleFile string `yaml:"RULE_FILE" json:"RULE_FILE,omitempty"`

	// TemplateBucket, when set, forces templates to be uploaded to S3 and
	// passed to CloudFormation by URL.
	TemplateBucket string `yaml:"TEMPLATE_BUCKET" json:"TEMPLATE_BUCKET,omitempty"`
}

// Loader is the interface for reading Config from disk.
type Loader interface {
	// Load reads, parses, defaults and validates the configuration file.
	Load() (*Config, error)

	// ConfigPath returns the path of the configuration file.
	ConfigPath() string
}

// FileLoader reads Config from a single file path.
type FileLoader struct {
	Path string
}

// NewFileLoader returns a Loader for path. An empty path selects DefaultPath.
func NewFileLoader(path string) *FileLoader {
	if path == "" {
		path = DefaultPath
	}
	return &FileLoader{Path: path}
}

// ConfigPath implements Loader.
func (l *FileLoader) ConfigPath() string { return l.Path }

// Load implements Loader.
func (l *FileLoader) Load() (*Config, error) {
	data, err := os.ReadFile(l.Path)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", l.Path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %q: %w", l.Path, err)
	}
	return cfg, nil
}

// Parse decodes data, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills empty optional fields.
func (c *Config) ApplyDefaults() {
	if c.Region == "" {
		c.Region = DefaultRegion
	}
	if c.InterfaceID == "" {
		c.InterfaceID = DefaultInterfaceID
	}
	if c.RuleFile == "" {
		c.RuleFile = DefaultRuleFile
	}
	if c.Account == "" {
		c.Account = os.Getenv(AccountEnvVar)
	}
}

// Validate reports every missing required field in one error.
func (c *Config) Validate() error {
	var missing []string
	if strings.TrimSpace(c.VPCID) == "" {
		missing = append(missing, "VPC_ID")
	}
	if strings.TrimSpace(c.VPCName) == "" {
		missing = append(missing, "VPC_NAME")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidConfig, strings.Join(missing, ", "))
	}
	return nil
}
