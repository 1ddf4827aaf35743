package models

import "time"

// ChangeAction is the CloudFormation action planned for a resource.
type ChangeAction string

const (
	ChangeAdd     ChangeAction = "Add"
	ChangeModify  ChangeAction = "Modify"
	ChangeRemove  ChangeAction = "Remove"
	ChangeImport  ChangeAction = "Import"
	ChangeDynamic ChangeAction = "Dynamic"
)

// Change is a single row of a change set.
type Change struct {
	Action       ChangeAction `json:"action"`
	LogicalID    string       `json:"logical_id"`
	PhysicalID   string       `json:"physical_id,omitempty"`
	ResourceType string       `json:"resource_type"`
	Replacement  string       `json:"replacement,omitempty"`
}

// StackDiff is the planned change set for one stack.
type StackDiff struct {
	StackName string   `json:"stack_name"`
	NewStack  bool     `json:"new_stack"`
	Changes   []Change `json:"changes"`
}

// DeployResult summarises one stack deployment.
type DeployResult struct {
	StackName string            `json:"stack_name"`
	StackID   string            `json:"stack_id"`
	Status    string            `json:"status"`
	NoChanges bool              `json:"no_changes"`
	Outputs   map[string]string `json:"outputs,omitempty"`
}

// CheckState is the outcome of a single status or doctor check.
type CheckState string

const (
	CheckOK      CheckState = "OK"
	CheckMissing CheckState = "MISSING"
	CheckFailed  CheckState = "FAILED"
)

// ResourceCheck is one row of vfl status.
type ResourceCheck struct {
	Kind   string     `json:"kind"`
	Name   string     `json:"name"`
	State  CheckState `json:"state"`
	Detail string     `json:"detail,omitempty"`
}

// MetricSum is the summed value of a metric over a window.
type MetricSum struct {
	Metric MetricRef `json:"metric"`
	Sum    float64   `json:"sum"`
	Points int       `json:"points"`
}

// StatusReport is the full output of vfl status.
type StatusReport struct {
	Region      string          `json:"region"`
	GeneratedAt time.Time       `json:"generated_at"`
	Checks      []ResourceCheck `json:"checks"`
	Metrics     []MetricSum     `json:"metrics"`
}

// Healthy reports whether every check is OK.
func (r StatusReport) Healthy() bool {
	for _, c := range r.Checks {
		if c.State != CheckOK {
			return false
		}
	}
	return true
}
