package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/spf13/cobra"

	"github.com/pankaj-dahiya-devops/vpc-flow-logs/internal/config"
	"github.com/pankaj-dahiya-devops/vpc-flow-logs/internal/insight"
	"github.com/pankaj-dahiya-devops/vpc-flow-logs/internal/lookup"
	"github.com/pankaj-dahiya-devops/vpc-flow-logs/internal/models"
	"github.com/pankaj-dahiya-devops/vpc-flow-logs/internal/providers/aws/common"
	"github.com/pankaj-dahiya-devops/vpc-flow-logs/internal/stacks"
)

// DoctorResult is the structured output of vfl doctor. It can be serialised
// to JSON via --format=json or rendered as a human-readable table (default).
type DoctorResult struct {
	Config struct {
		Path  string `json:"path"`
		Valid bool   `json:"valid"`
		Error string `json:"error,omitempty"`
	} `json:"config"`

	AWS struct {
		Profile     string `json:"profile,omitempty"`
		Region      string `json:"region,omitempty"`
		Credentials bool   `json:"credentials_ok"`
		AccountID   string `json:"account_id,omitempty"`
		Error       string `json:"error,omitempty"`
	} `json:"aws"`

	VPC struct {
		Found         bool   `json:"found"`
		ID            string `json:"id,omitempty"`
		PublicSubnets int    `json:"public_subnets"`
		Error         string `json:"error,omitempty"`
	} `json:"vpc"`

	Interface struct {
		ID    string `json:"id,omitempty"`
		Found bool   `json:"found"`
		Error string `json:"error,omitempty"`
	} `json:"interface"`

	Rule struct {
		Path  string `json:"path,omitempty"`
		Valid bool   `json:"valid"`
		Error string `json:"error,omitempty"`
	} `json:"rule"`

	OverallHealthy bool `json:"overall_healthy"`
}

// doctorOptions are the global flags doctor honours.
type doctorOptions struct {
	configPath string
	profile    string
	region     string
	format     string
}

func (c *cli) newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check config, credentials, the VPC, the network interface and the rule file",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := runDoctor(cmd.Context(), c.provider, cmd.OutOrStdout(), doctorOptions{
				configPath: c.configPath,
				profile:    c.profile,
				region:     c.region,
				format:     c.format,
			})
			if err != nil {
				return err
			}
			if !result.OverallHealthy {
				// Exit directly: the report already says what is wrong.
				os.Exit(1)
			}
			return nil
		},
	}
}

// runDoctor collects all diagnostic results, renders them to w in the
// requested format, and returns the result. The returned error covers only
// rendering failures; callers inspect result.OverallHealthy.
func runDoctor(ctx context.Context, provider common.AWSClientProvider, w io.Writer, opts doctorOptions) (DoctorResult, error) {
	result := collectDoctorResult(ctx, provider, opts)

	switch opts.format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return result, fmt.Errorf("encode doctor result: %w", err)
		}
	default:
		renderDoctorTable(result, w)
	}
	return result, nil
}

// collectDoctorResult runs every check. Checks that depend on a failed one
// are left unset and rendered as skipped.
func collectDoctorResult(ctx context.Context, provider common.AWSClientProvider, opts doctorOptions) DoctorResult {
	var result DoctorResult

	// Config: load → validate. Defaults are applied by the loader.
	result.Config.Path = opts.configPath
	cfg, err := config.NewFileLoader(opts.configPath).Load()
	if err != nil {
		result.Config.Error = err.Error()
		return result
	}
	result.Config.Valid = true
	if opts.region != "" {
		cfg.Region = opts.region
	}
	if opts.profile != "" {
		cfg.Profile = opts.profile
	}

	// Rule file: read → schema checks. Independent of AWS.
	result.Rule.Path = cfg.RuleFile
	if _, err := insight.Load(cfg.RuleFile); err != nil {
		result.Rule.Error = err.Error()
	} else {
		result.Rule.Valid = true
	}

	// AWS: credentials → STS account ID.
	result.AWS.Profile = cfg.Profile
	result.AWS.Region = cfg.Region
	pc, err := provider.LoadProfile(ctx, cfg.Profile, cfg.Region)
	switch {
	case err != nil:
		result.AWS.Error = err.Error()
	case cfg.Account != "" && cfg.Account != pc.AccountID:
		result.AWS.AccountID = pc.AccountID
		result.AWS.Error = fmt.Sprintf("credentials are for account %s, config targets %s", pc.AccountID, cfg.Account)
	default:
		result.AWS.Credentials = true
		result.AWS.AccountID = pc.AccountID
	}

	if result.AWS.Credentials {
		env := models.Environment{Account: pc.AccountID, Region: cfg.Region}

		// VPC: uncached lookup, at least one public subnet for the instance.
		vpc, err := lookup.NewProvider(pc.Clients.EC2, env, nil).LookupVPC(ctx, cfg.VPCID, cfg.VPCName)
		if err != nil {
			result.VPC.Error = err.Error()
		} else {
			result.VPC.ID = vpc.VPCID
			result.VPC.PublicSubnets = len(vpc.SubnetsOfType(models.SubnetPublic))
			if result.VPC.PublicSubnets == 0 {
				result.VPC.Error = stacks.ErrNoPublicSubnet.Error()
			} else {
				result.VPC.Found = true
			}
		}

		// Interface: the ENI the flow log attaches to.
		result.Interface.ID = cfg.InterfaceID
		out, err := pc.Clients.EC2.DescribeNetworkInterfaces(ctx, &ec2.DescribeNetworkInterfacesInput{
			NetworkInterfaceIds: []string{cfg.InterfaceID},
		})
		switch {
		case err != nil:
			result.Interface.Error = err.Error()
		case len(out.NetworkInterfaces) == 0:
			result.Interface.Error = "not found"
		default:
			result.Interface.Found = true
		}
	}

	result.OverallHealthy = result.Config.Valid &&
		result.Rule.Valid &&
		result.AWS.Credentials &&
		result.VPC.Found &&
		result.Interface.Found
	return result
}

// renderDoctorTable writes the human-readable diagnostic output from result to w.
func renderDoctorTable(result DoctorResult, w io.Writer) {
	fmt.Fprintln(w, "Environment Diagnostics")

	fmt.Fprintf(w, "\nConfig (%s):\n", result.Config.Path)
	if !result.Config.Valid {
		doctorPrint(w, "Config valid", "FAIL", result.Config.Error)
		return
	}
	doctorPrint(w, "Config valid", "OK", "")

	fmt.Fprintln(w, "\nRule file:")
	if result.Rule.Valid {
		doctorPrint(w, "Rule valid", "OK", result.Rule.Path)
	} else {
		doctorPrint(w, "Rule valid", "FAIL", result.Rule.Error)
	}

	if result.AWS.Profile != "" {
		fmt.Fprintf(w, "\nAWS (profile: %s, region: %s):\n", result.AWS.Profile, result.AWS.Region)
	} else {
		fmt.Fprintf(w, "\nAWS (region: %s):\n", result.AWS.Region)
	}
	if !result.AWS.Credentials {
		doctorPrint(w, "Credentials", "FAIL", result.AWS.Error)
		doctorPrint(w, "VPC", "FAIL", "skipped")
		doctorPrint(w, "Network interface", "FAIL", "skipped")
		return
	}
	doctorPrint(w, "Credentials", "OK", "Account: "+result.AWS.AccountID)
	if result.VPC.Found {
		doctorPrint(w, "VPC", "OK", fmt.Sprintf("%s, %d public subnets", result.VPC.ID, result.VPC.PublicSubnets))
	} else {
		doctorPrint(w, "VPC", "FAIL", result.VPC.Error)
	}
	if result.Interface.Found {
		doctorPrint(w, "Network interface", "OK", result.Interface.ID)
	} else {
		doctorPrint(w, "Network interface", "FAIL", result.Interface.ID+": "+result.Interface.Error)
	}
}

// doctorPrint writes a single diagnostic check line to w.
// When detail is non-empty it is appended in parentheses.
func doctorPrint(w io.Writer, label, status, detail string) {
	if detail != "" {
		fmt.Fprintf(w, "  %s: %s (%s)\n", label, status, detail)
	} else {
		fmt.Fprintf(w, "  %s: %s\n", label, status)
	}
}
