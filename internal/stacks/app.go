package stacks

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/chainguard-dev/clog"

	"github.com/pankaj-dahiya-devops/vpc-flow-logs/internal/config"
	"github.com/pankaj-dahiya-devops/vpc-flow-logs/internal/insight"
	"github.com/pankaj-dahiya-devops/vpc-flow-logs/internal/lookup"
	"github.com/pankaj-dahiya-devops/vpc-flow-logs/internal/models"
)

// DefaultOutDir is where Synth writes templates.
const DefaultOutDir = "vfl.out"

const manifestFile = "manifest.json"

// App is the entry point: both stacks built against one pre-existing
// network, in deployment order.
type App struct {
	Env        models.Environment
	Compute    *ComputeStack
	Monitoring *MonitoringStack
}

// NewApp builds the compute and monitoring stacks from cfg. The insight rule
// body is read from cfg.RuleFile.
func NewApp(ctx context.Context, cfg *config.Config, env models.Environment, vpcs lookup.VPCLookup) (*App, error) {
	rule, err := insight.Load(cfg.RuleFile)
	if err != nil {
		return nil, err
	}

	compute, err := NewComputeStack(ctx, vpcs, DefaultComputeProps(cfg, env))
	if err != nil {
		return nil, err
	}
	monitoring, err := NewMonitoringStack(ctx, DefaultMonitoringProps(cfg, env, rule))
	if err != nil {
		return nil, err
	}
	return &App{Env: env, Compute: compute, Monitoring: monitoring}, nil
}

// Stacks returns the stacks in deployment order.
func (a *App) Stacks() []*Stack {
	return []*Stack{a.Compute.Stack, a.Monitoring.Stack}
}

// Stack returns the stack with the given name, or nil.
func (a *App) Stack(name string) *Stack {
	for _, s := range a.Stacks() {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// Manifest describes a synthesised app.
type Manifest struct {
	Version string          `json:"version"`
	Stacks  []ManifestStack `json:"stacks"`
}

// ManifestStack is one entry of Manifest.
type ManifestStack struct {
	Name         string             `json:"name"`
	Environment  models.Environment `json:"environment"`
	TemplateFile string             `json:"template_file"`
	Resources    int                `json:"resources"`
}

// TemplateFileName is the file Synth writes a stack's template to.
func TemplateFileName(stackName string) string {
	return stackName + ".template.json"
}

// Synth renders every stack to dir and writes a manifest listing them.
func (a *App) Synth(ctx context.Context, dir string) (*Manifest, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir %q: %w", dir, err)
	}

	m := &Manifest{Version: "1"}
	for _, s := range a.Stacks() {
		body, err := s.JSON()
		if err != nil {
			return nil, err
		}
		file := TemplateFileName(s.Name)
		if err := os.WriteFile(filepath.Join(dir, file), append(body, '\n'), 0o644); err != nil {
			return nil, fmt.Errorf("write template %q: %w", file, err)
		}
		m.Stacks = append(m.Stacks, ManifestStack{
			Name:         s.Name,
			Environment:  s.Env,
			TemplateFile: file,
			Resources:    len(s.Template.Resources),
		})
		clog.FromContext(ctx).Info("synthesised stack", "stack", s.Name, "file", file, "resources", len(s.Template.Resources))
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, manifestFile), append(data, '\n'), 0o644); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}
	return m, nil
}
