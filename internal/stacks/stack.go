// Package stacks declares the compute and monitoring stacks as CloudFormation
// templates. Construction is single-pass: every resource is added once and
// resources refer to each other with Ref/Fn::GetAtt, leaving creation order
// to CloudFormation.
package stacks

import (
	"errors"
	"fmt"

	"github.com/awslabs/goformation/v7/cloudformation"

	"github.com/pankaj-dahiya-devops/vpc-flow-logs/internal/models"
)

// ErrDuplicateLogicalID is returned when two resources share a logical id.
var ErrDuplicateLogicalID = errors.New("duplicate logical id")

// Stack is one deployable unit: a named template bound to an environment.
type Stack struct {
	Name     string
	Env      models.Environment
	Template *cloudformation.Template
}

func newStack(name, description string, env models.Environment) *Stack {
	t := cloudformation.NewTemplate()
	t.Description = description
	return &Stack{Name: name, Env: env, Template: t}
}

func (s *Stack) addResource(logicalID string, r cloudformation.Resource) error {
	if _, exists := s.Template.Resources[logicalID]; exists {
		return fmt.Errorf("%w: %s in stack %s", ErrDuplicateLogicalID, logicalID, s.Name)
	}
	s.Template.Resources[logicalID] = r
	return nil
}

func (s *Stack) addOutput(name, description, value string) {
	s.Template.Outputs[name] = cloudformation.Output{
		Value:       value,
		Description: cloudformation.String(description),
	}
}

// JSON renders the template with intrinsic functions expanded.
func (s *Stack) JSON() ([]byte, error) {
	j, err := s.Template.JSON()
	if err != nil {
		return nil, fmt.Errorf("render template for stack %s: %w", s.Name, err)
	}
	return j, nil
}

// LogicalIDs returns the resource logical ids of the stack.
func (s *Stack) LogicalIDs() []string {
	ids := make([]string, 0, len(s.Template.Resources))
	for id := range s.Template.Resources {
		ids = append(ids, id)
	}
	return ids
}
