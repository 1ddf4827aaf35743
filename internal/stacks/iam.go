package stacks

// IAM policy document values.
const (
	iamPolicyVersion    = "2012-10-17"
	iamEffectAllow      = "Allow"
	stsActionAssumeRole = "sts:AssumeRole"
)

// policyDocument is an IAM policy. Resource entries may hold intrinsic
// function strings; they are expanded when the template is rendered.
type policyDocument struct {
	Version   string            `json:"Version"`
	Statement []policyStatement `json:"Statement"`
}

type policyStatement struct {
	Effect    string         `json:"Effect"`
	Principal map[string]any `json:"Principal,omitempty"`
	Action    any            `json:"Action"`
	Resource  any            `json:"Resource,omitempty"`
}

// assumeRoleDocument trusts a single AWS service principal.
func assumeRoleDocument(service string) policyDocument {
	return policyDocument{
		Version: iamPolicyVersion,
		Statement: []policyStatement{{
			Effect:    iamEffectAllow,
			Principal: map[string]any{"Service": service},
			Action:    stsActionAssumeRole,
		}},
	}
}

// allowDocument grants actions on resources.
func allowDocument(actions []string, resources ...string) policyDocument {
	return policyDocument{
		Version: iamPolicyVersion,
		Statement: []policyStatement{{
			Effect:   iamEffectAllow,
			Action:   actions,
			Resource: resources,
		}},
	}
}
