package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/spf13/cobra"

	"github.com/pankaj-dahiya-devops/vpc-flow-logs/internal/config"
	"github.com/pankaj-dahiya-devops/vpc-flow-logs/internal/deploy"
	"github.com/pankaj-dahiya-devops/vpc-flow-logs/internal/lookup"
	"github.com/pankaj-dahiya-devops/vpc-flow-logs/internal/models"
	"github.com/pankaj-dahiya-devops/vpc-flow-logs/internal/output"
	"github.com/pankaj-dahiya-devops/vpc-flow-logs/internal/providers/aws/common"
	"github.com/pankaj-dahiya-devops/vpc-flow-logs/internal/stacks"
	"github.com/pankaj-dahiya-devops/vpc-flow-logs/internal/status"
	"github.com/pankaj-dahiya-devops/vpc-flow-logs/internal/version"
)

// cli carries the global flags and the AWS entry point shared by every
// subcommand.
type cli struct {
	provider common.AWSClientProvider

	configPath string
	profile    string
	region     string
	outDir     string
	cachePath  string
	noCache    bool
	format     string
	logLevel   string
	logFile    string

	logCloser io.Closer
}

func newRootCmd() *cobra.Command {
	return newRootCmdWithProvider(common.NewDefaultAWSClientProvider())
}

func newRootCmdWithProvider(provider common.AWSClientProvider) *cobra.Command {
	c := &cli{provider: provider}

	root := &cobra.Command{
		Use:           "vfl",
		Short:         "EC2 instance and VPC flow log monitoring stacks on CloudFormation",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.initLogging(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if c.logCloser != nil {
				return c.logCloser.Close()
			}
			return nil
		},
	}

	f := root.PersistentFlags()
	f.StringVar(&c.configPath, "config", config.DefaultPath, "Path to the JSON or YAML config file")
	f.StringVar(&c.profile, "profile", "", "AWS profile name (default: PROFILE from config, then the credential chain)")
	f.StringVar(&c.region, "region", "", "AWS region (default: REGION from config)")
	f.StringVar(&c.outDir, "out", stacks.DefaultOutDir, "Directory synthesised templates are written to")
	f.StringVar(&c.cachePath, "context-file", lookup.DefaultCachePath, "Lookup context cache file")
	f.BoolVar(&c.noCache, "no-cache", false, "Skip cached lookups and overwrite them with fresh results from AWS")
	f.StringVar(&c.format, "format", "table", `Output format: "table" or "json"`)
	f.StringVar(&c.logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	f.StringVar(&c.logFile, "log-file", "", "Also write JSON logs to this file")

	root.AddCommand(
		newVersionCmd(),
		c.newSynthCmd(),
		c.newDeployCmd(),
		c.newDiffCmd(),
		c.newDestroyCmd(),
		c.newStatusCmd(),
		c.newLookupCmd(),
		c.newPatternCmd(),
		c.newDoctorCmd(),
	)
	return root
}

func (c *cli) initLogging(cmd *cobra.Command) error {
	var file io.Writer
	if c.logFile != "" {
		f, err := os.OpenFile(c.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file %q: %w", c.logFile, err)
		}
		c.logCloser = f
		file = f
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, err := setupLog(ctx, cmd.ErrOrStderr(), c.logLevel, file)
	if err != nil {
		return err
	}
	cmd.SetContext(ctx)
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprint(cmd.OutOrStdout(), version.Info())
			return nil
		},
	}
}

// errUnhealthy makes the process exit 1 after a report has been rendered.
var errUnhealthy = errors.New("one or more checks are not OK")

// ── session ───────────────────────────────────────────────────────────────────

// session is the resolved input of one command run.
type session struct {
	cfg   *config.Config
	env   models.Environment
	aws   *common.ProfileConfig
	cache *lookup.ContextCache
}

// newSession loads the config and the lookup cache. AWS credentials are
// loaded when needAWS is set or when no account is configured.
func (c *cli) newSession(ctx context.Context, needAWS bool) (*session, error) {
	cfg, err := config.NewFileLoader(c.configPath).Load()
	if err != nil {
		return nil, err
	}
	if c.region != "" {
		cfg.Region = c.region
	}
	if c.profile != "" {
		cfg.Profile = c.profile
	}

	s := &session{cfg: cfg, env: models.Environment{Account: cfg.Account, Region: cfg.Region}}
	if s.cache, err = lookup.LoadContextCache(c.cachePath); err != nil {
		return nil, err
	}
	if needAWS || s.env.Account == "" {
		if err := c.connect(ctx, s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// connect loads AWS credentials into s. A configured account that differs
// from the credentials' account is rejected.
func (c *cli) connect(ctx context.Context, s *session) error {
	if s.aws != nil {
		return nil
	}
	pc, err := c.provider.LoadProfile(ctx, s.cfg.Profile, s.cfg.Region)
	if err != nil {
		return err
	}
	if s.env.Account != "" && s.env.Account != pc.AccountID {
		return fmt.Errorf("configured account %s does not match credentials for account %s", s.env.Account, pc.AccountID)
	}
	s.aws = pc
	s.env.Account = pc.AccountID
	return nil
}

// vpcLookup returns a lookup provider, connecting to AWS only when the
// configured VPC is not cached. With --no-cache the provider skips the cached
// entry and overwrites it.
func (c *cli) vpcLookup(ctx context.Context, s *session) (*lookup.Provider, error) {
	if s.aws == nil {
		var cached models.VPCContext
		hit := false
		if !c.noCache {
			var err error
			if hit, err = s.cache.Get(lookup.CacheKey(s.env, s.cfg.VPCID, s.cfg.VPCName), &cached); err != nil {
				return nil, err
			}
		}
		if !hit {
			if err := c.connect(ctx, s); err != nil {
				return nil, err
			}
		}
	}

	var p *lookup.Provider
	if s.aws != nil {
		p = lookup.NewProvider(s.aws.Clients.EC2, s.env, s.cache)
	} else {
		p = lookup.NewProvider(nil, s.env, s.cache)
	}
	p.Refresh = c.noCache
	return p, nil
}

// buildApp looks up the VPC and declares both stacks.
func (c *cli) buildApp(ctx context.Context, s *session) (*stacks.App, error) {
	vpcs, err := c.vpcLookup(ctx, s)
	if err != nil {
		return nil, err
	}
	app, err := stacks.NewApp(ctx, s.cfg, s.env, vpcs)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Save(); err != nil {
		return nil, err
	}
	return app, nil
}

func (c *cli) newDeployer(s *session) *deploy.Deployer {
	d := deploy.NewDeployer(s.aws.Clients.CloudFormation, s.aws.Clients.S3, s.env.Region)
	d.Bucket = s.cfg.TemplateBucket
	return d
}

// selectStacks returns the named stacks in deployment order, or all of them
// when names is empty.
func selectStacks(app *stacks.App, names []string) ([]*stacks.Stack, error) {
	if len(names) == 0 {
		return app.Stacks(), nil
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		if app.Stack(n) == nil {
			return nil, fmt.Errorf("unknown stack %q (have %s, %s)", n, stacks.ComputeStackName, stacks.MonitoringStackName)
		}
		want[n] = true
	}
	var out []*stacks.Stack
	for _, s := range app.Stacks() {
		if want[s.Name] {
			out = append(out, s)
		}
	}
	return out, nil
}

// ── synth ─────────────────────────────────────────────────────────────────────

func (c *cli) newSynthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "synth",
		Short: "Render both stacks to CloudFormation templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := c.newSession(ctx, false)
			if err != nil {
				return err
			}
			app, err := c.buildApp(ctx, s)
			if err != nil {
				return err
			}
			m, err := app.Synth(ctx, c.outDir)
			if err != nil {
				return err
			}
			if c.format == "json" {
				return output.RenderJSON(cmd.OutOrStdout(), m)
			}
			for _, st := range m.Stacks {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d resources -> %s\n", st.Name, st.Resources, st.TemplateFile)
			}
			return nil
		},
	}
}

// ── deploy / diff / destroy ───────────────────────────────────────────────────

func (c *cli) newDeployCmd() *cobra.Command {
	var names []string
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy the stacks through CloudFormation change sets",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := c.newSession(ctx, true)
			if err != nil {
				return err
			}
			app, err := c.buildApp(ctx, s)
			if err != nil {
				return err
			}
			selected, err := selectStacks(app, names)
			if err != nil {
				return err
			}
			if _, err := app.Synth(ctx, c.outDir); err != nil {
				return err
			}

			results, err := c.newDeployer(s).DeployAll(ctx, selected)
			if c.format == "json" {
				if rerr := output.RenderJSON(cmd.OutOrStdout(), results); rerr != nil {
					return errors.Join(err, rerr)
				}
			} else {
				output.RenderDeploy(cmd.OutOrStdout(), results)
			}
			if err != nil {
				return fmt.Errorf("deploy failed: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&names, "stack", nil, "Deploy only these stacks (default: all, in order)")
	return cmd
}

func (c *cli) newDiffCmd() *cobra.Command {
	var names []string
	cmd := &cobra.Command{
		Use:   "diff",
		Short: "Show the changes a deployment would make",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := c.newSession(ctx, true)
			if err != nil {
				return err
			}
			app, err := c.buildApp(ctx, s)
			if err != nil {
				return err
			}
			selected, err := selectStacks(app, names)
			if err != nil {
				return err
			}

			d := c.newDeployer(s)
			var diffs []models.StackDiff
			for _, st := range selected {
				diff, err := d.Diff(ctx, st)
				if err != nil {
					return fmt.Errorf("diff failed: %w", err)
				}
				diffs = append(diffs, diff)
			}
			if c.format == "json" {
				return output.RenderJSON(cmd.OutOrStdout(), diffs)
			}
			output.RenderDiff(cmd.OutOrStdout(), diffs)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&names, "stack", nil, "Diff only these stacks (default: all)")
	return cmd
}

func (c *cli) newDestroyCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "destroy",
		Short: "Delete both stacks, monitoring first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				return errors.New("destroy deletes the flow log, its log group and the instance; rerun with --force")
			}
			ctx := cmd.Context()
			s, err := c.newSession(ctx, true)
			if err != nil {
				return err
			}
			d := c.newDeployer(s)
			for _, name := range []string{stacks.MonitoringStackName, stacks.ComputeStackName} {
				if err := d.Destroy(ctx, name); err != nil {
					return fmt.Errorf("destroy failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: destroyed\n", name)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Do not ask for confirmation")
	return cmd
}

// ── status ────────────────────────────────────────────────────────────────────

func (c *cli) newStatusCmd() *cobra.Command {
	var (
		hours   int
		colored bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Inspect the deployed stacks and flow log metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			if hours <= 0 {
				return fmt.Errorf("--hours must be positive, got %d", hours)
			}
			ctx := cmd.Context()
			s, err := c.newSession(ctx, true)
			if err != nil {
				return err
			}
			cl := s.aws.Clients
			checker := status.NewChecker(cl.CloudFormation, cl.IAM, cl.EC2, cl.CloudWatch, s.env.Region)
			report, err := checker.Run(ctx, status.DefaultTarget(s.cfg.InterfaceID, time.Duration(hours)*time.Hour))
			if err != nil {
				return fmt.Errorf("status failed: %w", err)
			}

			if c.format == "json" {
				if err := output.RenderJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
			} else {
				output.RenderStatus(cmd.OutOrStdout(), report, output.TableOptions{Colored: colored})
			}
			if !report.Healthy() {
				clog.FromContext(ctx).Warn("status check found unhealthy resources")
				return errUnhealthy
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&hours, "hours", int(status.DefaultWindow/time.Hour), "Metric lookback window in hours")
	cmd.Flags().BoolVar(&colored, "color", false, "Color the STATE column")
	return cmd
}

// ── lookup ────────────────────────────────────────────────────────────────────

func (c *cli) newLookupCmd() *cobra.Command {
	var reset bool
	cmd := &cobra.Command{
		Use:   "lookup",
		Short: "Look up the configured VPC and cache the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if reset {
				cache, err := lookup.LoadContextCache(c.cachePath)
				if err != nil {
					return err
				}
				keys := cache.Keys()
				cache.Reset()
				if err := cache.Save(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d cached lookups.\n", len(keys))
				return nil
			}

			s, err := c.newSession(ctx, false)
			if err != nil {
				return err
			}
			vpcs, err := c.vpcLookup(ctx, s)
			if err != nil {
				return err
			}
			vpc, err := vpcs.LookupVPC(ctx, s.cfg.VPCID, s.cfg.VPCName)
			if err != nil {
				return err
			}
			if err := s.cache.Save(); err != nil {
				return err
			}
			if c.format == "json" {
				return output.RenderJSON(cmd.OutOrStdout(), vpc)
			}
			output.RenderVPC(cmd.OutOrStdout(), vpc)
			return nil
		},
	}
	cmd.Flags().BoolVar(&reset, "reset", false, "Clear the lookup cache instead of looking up")
	return cmd
}
