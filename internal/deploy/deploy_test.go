package deploy

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cfn "github.com/aws/aws-sdk-go-v2/service/cloudformation"
	cfntypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/awslabs/goformation/v7/cloudformation"

	"github.com/pankaj-dahiya-devops/vpc-flow-logs/internal/stacks"
)

// ── CloudFormation fake ───────────────────────────────────────────────────────

// fakeCFN keeps stacks in memory. Change sets complete immediately with
// changeSetStatus (CREATE_COMPLETE when empty) and executing one moves the
// stack to CREATE_COMPLETE or UPDATE_COMPLETE.
type fakeCFN struct {
	stacks map[string]*cfntypes.Stack

	changeSetStatus cfntypes.ChangeSetStatus
	changeSetReason string
	changePages     [][]cfntypes.Change
	outputs         []cfntypes.Output
	executeStatus   cfntypes.StackStatus

	created           []*cfn.CreateChangeSetInput
	executed          []string
	deletedChangeSets []string
	deletedStacks     []string
}

func newFakeCFN() *fakeCFN {
	return &fakeCFN{stacks: map[string]*cfntypes.Stack{}}
}

func (f *fakeCFN) withStack(name string, status cfntypes.StackStatus) *fakeCFN {
	f.stacks[name] = &cfntypes.Stack{
		StackName:   aws.String(name),
		StackId:     aws.String("arn:aws:cloudformation:us-east-1:123456789012:stack/" + name + "/1"),
		StackStatus: status,
	}
	return f
}

func missingStackErr(name string) error {
	return &smithy.GenericAPIError{Code: "ValidationError", Message: "Stack with id " + name + " does not exist"}
}

func (f *fakeCFN) DescribeStacks(_ context.Context, in *cfn.DescribeStacksInput, _ ...func(*cfn.Options)) (*cfn.DescribeStacksOutput, error) {
	name := aws.ToString(in.StackName)
	s, ok := f.stacks[name]
	if !ok {
		return nil, missingStackErr(name)
	}
	return &cfn.DescribeStacksOutput{Stacks: []cfntypes.Stack{*s}}, nil
}

func (f *fakeCFN) CreateChangeSet(_ context.Context, in *cfn.CreateChangeSetInput, _ ...func(*cfn.Options)) (*cfn.CreateChangeSetOutput, error) {
	f.created = append(f.created, in)
	name := aws.ToString(in.StackName)
	if _, ok := f.stacks[name]; !ok {
		f.withStack(name, cfntypes.StackStatusReviewInProgress)
	}
	return &cfn.CreateChangeSetOutput{Id: in.ChangeSetName, StackId: f.stacks[name].StackId}, nil
}

func (f *fakeCFN) DescribeChangeSet(_ context.Context, in *cfn.DescribeChangeSetInput, _ ...func(*cfn.Options)) (*cfn.DescribeChangeSetOutput, error) {
	status := f.changeSetStatus
	if status == "" {
		status = cfntypes.ChangeSetStatusCreateComplete
	}
	out := &cfn.DescribeChangeSetOutput{
		ChangeSetName: in.ChangeSetName,
		Status:        status,
		StatusReason:  aws.String(f.changeSetReason),
	}
	page := 0
	if in.NextToken != nil {
		page = len(aws.ToString(in.NextToken))
	}
	if page < len(f.changePages) {
		out.Changes = f.changePages[page]
		if page+1 < len(f.changePages) {
			out.NextToken = aws.String(strings.Repeat("x", page+1))
		}
	}
	return out, nil
}

func (f *fakeCFN) ExecuteChangeSet(_ context.Context, in *cfn.ExecuteChangeSetInput, _ ...func(*cfn.Options)) (*cfn.ExecuteChangeSetOutput, error) {
	name := aws.ToString(in.StackName)
	f.executed = append(f.executed, name)
	s := f.stacks[name]
	switch {
	case f.executeStatus != "":
		s.StackStatus = f.executeStatus
	case s.StackStatus == cfntypes.StackStatusReviewInProgress:
		s.StackStatus = cfntypes.StackStatusCreateComplete
	default:
		s.StackStatus = cfntypes.StackStatusUpdateComplete
	}
	s.Outputs = f.outputs
	return &cfn.ExecuteChangeSetOutput{}, nil
}

func (f *fakeCFN) DeleteChangeSet(_ context.Context, in *cfn.DeleteChangeSetInput, _ ...func(*cfn.Options)) (*cfn.DeleteChangeSetOutput, error) {
	f.deletedChangeSets = append(f.deletedChangeSets, aws.ToString(in.ChangeSetName))
	return &cfn.DeleteChangeSetOutput{}, nil
}

func (f *fakeCFN) DeleteStack(_ context.Context, in *cfn.DeleteStackInput, _ ...func(*cfn.Options)) (*cfn.DeleteStackOutput, error) {
	name := aws.ToString(in.StackName)
	f.deletedStacks = append(f.deletedStacks, name)
	delete(f.stacks, name)
	return &cfn.DeleteStackOutput{}, nil
}

type fakeS3 struct {
	bucket, key string
	body        []byte
	err         error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.bucket, f.key = aws.ToString(in.Bucket), aws.ToString(in.Key)
	f.body, _ = io.ReadAll(in.Body)
	return &s3.PutObjectOutput{}, nil
}

// ── helpers ───────────────────────────────────────────────────────────────────

func newTestDeployer(c *fakeCFN, s *fakeS3) *Deployer {
	d := NewDeployer(c, s, "us-east-1")
	d.PollInterval = time.Millisecond
	d.Timeout = time.Minute
	d.newChangeSetName = func() string { return "vfl-test" }
	return d
}

func testStack(name string) *stacks.Stack {
	t := cloudformation.NewTemplate()
	t.Description = name + " test stack"
	return &stacks.Stack{Name: name, Template: t}
}

// ── Deploy ────────────────────────────────────────────────────────────────────

func TestDeploy_NewStack(t *testing.T) {
	c := newFakeCFN()
	c.outputs = []cfntypes.Output{{OutputKey: aws.String("InstanceId"), OutputValue: aws.String("i-0abc")}}
	d := newTestDeployer(c, nil)

	res, err := d.Deploy(context.Background(), testStack("Ec2Stack"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(c.created) != 1 {
		t.Fatalf("expected 1 change set, got %d", len(c.created))
	}
	in := c.created[0]
	if in.ChangeSetType != cfntypes.ChangeSetTypeCreate {
		t.Errorf("ChangeSetType = %s, want CREATE", in.ChangeSetType)
	}
	if len(in.Capabilities) != 1 || in.Capabilities[0] != cfntypes.CapabilityCapabilityNamedIam {
		t.Errorf("Capabilities = %v, want CAPABILITY_NAMED_IAM", in.Capabilities)
	}
	if !strings.Contains(aws.ToString(in.TemplateBody), "Ec2Stack test stack") {
		t.Errorf("TemplateBody does not carry the template: %s", aws.ToString(in.TemplateBody))
	}
	if in.TemplateURL != nil {
		t.Errorf("TemplateURL set without a bucket")
	}
	if len(c.executed) != 1 {
		t.Errorf("expected change set to be executed once, got %d", len(c.executed))
	}
	if res.Status != string(cfntypes.StackStatusCreateComplete) {
		t.Errorf("Status = %q", res.Status)
	}
	if res.NoChanges {
		t.Error("NoChanges should be false")
	}
	if res.Outputs["InstanceId"] != "i-0abc" {
		t.Errorf("Outputs = %v", res.Outputs)
	}
}

func TestDeploy_ExistingStackUpdates(t *testing.T) {
	c := newFakeCFN().withStack("FlowLogStack", cfntypes.StackStatusCreateComplete)
	d := newTestDeployer(c, nil)

	res, err := d.Deploy(context.Background(), testStack("FlowLogStack"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.created[0].ChangeSetType != cfntypes.ChangeSetTypeUpdate {
		t.Errorf("ChangeSetType = %s, want UPDATE", c.created[0].ChangeSetType)
	}
	if res.Status != string(cfntypes.StackStatusUpdateComplete) {
		t.Errorf("Status = %q", res.Status)
	}
}

func TestDeploy_RollbackCompleteIsReplaced(t *testing.T) {
	c := newFakeCFN().withStack("Ec2Stack", cfntypes.StackStatusRollbackComplete)
	d := newTestDeployer(c, nil)

	if _, err := d.Deploy(context.Background(), testStack("Ec2Stack")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(c.deletedStacks) != 1 {
		t.Errorf("expected rolled back stack to be deleted, got %v", c.deletedStacks)
	}
	if c.created[0].ChangeSetType != cfntypes.ChangeSetTypeCreate {
		t.Errorf("ChangeSetType = %s, want CREATE", c.created[0].ChangeSetType)
	}
}

func TestDeploy_NoChanges(t *testing.T) {
	c := newFakeCFN().withStack("FlowLogStack", cfntypes.StackStatusUpdateComplete)
	c.changeSetStatus = cfntypes.ChangeSetStatusFailed
	c.changeSetReason = "The submitted information didn't contain changes. Submit different information to create a change set."
	d := newTestDeployer(c, nil)

	res, err := d.Deploy(context.Background(), testStack("FlowLogStack"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.NoChanges {
		t.Error("NoChanges should be true")
	}
	if len(c.executed) != 0 {
		t.Errorf("change set should not be executed, got %v", c.executed)
	}
	if len(c.deletedChangeSets) != 1 {
		t.Errorf("empty change set should be deleted, got %v", c.deletedChangeSets)
	}
	if res.Status != string(cfntypes.StackStatusUpdateComplete) {
		t.Errorf("Status = %q", res.Status)
	}
}

func TestDeploy_ChangeSetFailed(t *testing.T) {
	c := newFakeCFN()
	c.changeSetStatus = cfntypes.ChangeSetStatusFailed
	c.changeSetReason = "Template format error"
	d := newTestDeployer(c, nil)

	_, err := d.Deploy(context.Background(), testStack("Ec2Stack"))
	if !errors.Is(err, ErrChangeSetFailed) {
		t.Fatalf("expected ErrChangeSetFailed, got %v", err)
	}
	if !strings.Contains(err.Error(), "Template format error") {
		t.Errorf("error should carry the status reason: %v", err)
	}
}

func TestDeploy_StackRollsBack(t *testing.T) {
	c := newFakeCFN()
	c.executeStatus = cfntypes.StackStatusRollbackComplete
	d := newTestDeployer(c, nil)

	_, err := d.Deploy(context.Background(), testStack("Ec2Stack"))
	if err == nil {
		t.Fatal("expected error when the stack rolls back")
	}
	if !strings.Contains(err.Error(), "ROLLBACK_COMPLETE") {
		t.Errorf("error should name the final status: %v", err)
	}
}

func TestDeploy_UploadsToBucket(t *testing.T) {
	c := newFakeCFN()
	up := &fakeS3{}
	d := newTestDeployer(c, up)
	d.Bucket = "cfn-templates"

	if _, err := d.Deploy(context.Background(), testStack("Ec2Stack")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if up.bucket != "cfn-templates" {
		t.Errorf("bucket = %q", up.bucket)
	}
	if !strings.HasPrefix(up.key, "vfl/templates/Ec2Stack/") || !strings.HasSuffix(up.key, ".json") {
		t.Errorf("key = %q", up.key)
	}
	if !strings.Contains(string(up.body), "Ec2Stack test stack") {
		t.Errorf("uploaded body does not carry the template")
	}
	in := c.created[0]
	want := "https://cfn-templates.s3.us-east-1.amazonaws.com/" + up.key
	if aws.ToString(in.TemplateURL) != want {
		t.Errorf("TemplateURL = %q, want %q", aws.ToString(in.TemplateURL), want)
	}
	if in.TemplateBody != nil {
		t.Error("TemplateBody should be empty when a URL is used")
	}
}

func TestDeploy_UploadError(t *testing.T) {
	d := newTestDeployer(newFakeCFN(), &fakeS3{err: errors.New("access denied")})
	d.Bucket = "cfn-templates"

	_, err := d.Deploy(context.Background(), testStack("Ec2Stack"))
	if err == nil || !strings.Contains(err.Error(), "access denied") {
		t.Fatalf("expected upload error, got %v", err)
	}
}

func TestDeploy_TemplateTooLarge(t *testing.T) {
	c := newFakeCFN()
	d := newTestDeployer(c, nil)
	s := testStack("Ec2Stack")
	s.Template.Description = strings.Repeat("a", MaxInlineTemplateBytes)

	_, err := d.Deploy(context.Background(), s)
	if !errors.Is(err, ErrTemplateTooLarge) {
		t.Fatalf("expected ErrTemplateTooLarge, got %v", err)
	}
	if len(c.created) != 0 {
		t.Error("no change set should be created")
	}
}

func TestDeployAll_StopsAtFirstFailure(t *testing.T) {
	c := newFakeCFN()
	c.changeSetStatus = cfntypes.ChangeSetStatusFailed
	c.changeSetReason = "boom"
	d := newTestDeployer(c, nil)

	results, err := d.DeployAll(context.Background(), []*stacks.Stack{testStack("Ec2Stack"), testStack("FlowLogStack")})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(results) != 0 {
		t.Errorf("expected no results, got %d", len(results))
	}
	if len(c.created) != 1 {
		t.Errorf("second stack should not be attempted, got %d change sets", len(c.created))
	}
}

// ── Diff ──────────────────────────────────────────────────────────────────────

func TestDiff_ListsChangesAndCleansUp(t *testing.T) {
	c := newFakeCFN().withStack("FlowLogStack", cfntypes.StackStatusCreateComplete)
	c.changePages = [][]cfntypes.Change{
		{{ResourceChange: &cfntypes.ResourceChange{
			Action:             cfntypes.ChangeActionModify,
			LogicalResourceId:  aws.String("Ec2FlowLogLogGroup"),
			PhysicalResourceId: aws.String("Ec2FlowLogLogGroup"),
			ResourceType:       aws.String("AWS::Logs::LogGroup"),
			Replacement:        cfntypes.ReplacementFalse,
		}}},
		{{ResourceChange: &cfntypes.ResourceChange{
			Action:            cfntypes.ChangeActionAdd,
			LogicalResourceId: aws.String("FilterRejectFlowLog"),
			ResourceType:      aws.String("AWS::Logs::MetricFilter"),
		}}},
	}
	d := newTestDeployer(c, nil)

	diff, err := d.Diff(context.Background(), testStack("FlowLogStack"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff.NewStack {
		t.Error("NewStack should be false for an existing stack")
	}
	if len(diff.Changes) != 2 {
		t.Fatalf("expected 2 changes across pages, got %d", len(diff.Changes))
	}
	if diff.Changes[0].LogicalID != "Ec2FlowLogLogGroup" || diff.Changes[0].Replacement != "False" {
		t.Errorf("first change = %+v", diff.Changes[0])
	}
	if diff.Changes[1].Action != "Add" {
		t.Errorf("second change action = %q", diff.Changes[1].Action)
	}
	if len(c.executed) != 0 {
		t.Error("diff must not execute the change set")
	}
	if len(c.deletedChangeSets) != 1 {
		t.Errorf("change set should be deleted, got %v", c.deletedChangeSets)
	}
	if len(c.deletedStacks) != 0 {
		t.Errorf("existing stack must not be deleted, got %v", c.deletedStacks)
	}
}

func TestDiff_NewStackRemovesPlaceholder(t *testing.T) {
	c := newFakeCFN()
	c.changePages = [][]cfntypes.Change{{{ResourceChange: &cfntypes.ResourceChange{
		Action:            cfntypes.ChangeActionAdd,
		LogicalResourceId: aws.String("Ec2Test"),
		ResourceType:      aws.String("AWS::EC2::Instance"),
	}}}}
	d := newTestDeployer(c, nil)

	diff, err := d.Diff(context.Background(), testStack("Ec2Stack"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !diff.NewStack {
		t.Error("NewStack should be true")
	}
	if len(c.deletedStacks) != 1 || c.deletedStacks[0] != "Ec2Stack" {
		t.Errorf("placeholder stack should be deleted, got %v", c.deletedStacks)
	}
}

func TestDiff_NoChanges(t *testing.T) {
	c := newFakeCFN().withStack("Ec2Stack", cfntypes.StackStatusUpdateComplete)
	c.changeSetStatus = cfntypes.ChangeSetStatusFailed
	c.changeSetReason = "No updates are to be performed."
	d := newTestDeployer(c, nil)

	diff, err := d.Diff(context.Background(), testStack("Ec2Stack"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(diff.Changes) != 0 {
		t.Errorf("expected no changes, got %v", diff.Changes)
	}
}

// ── Destroy ───────────────────────────────────────────────────────────────────

func TestDestroy_MissingStackIsNoop(t *testing.T) {
	c := newFakeCFN()
	if err := newTestDeployer(c, nil).Destroy(context.Background(), "Ec2Stack"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(c.deletedStacks) != 0 {
		t.Errorf("nothing should be deleted, got %v", c.deletedStacks)
	}
}

func TestDestroyAll_ReverseOrder(t *testing.T) {
	c := newFakeCFN().
		withStack("Ec2Stack", cfntypes.StackStatusCreateComplete).
		withStack("FlowLogStack", cfntypes.StackStatusCreateComplete)
	d := newTestDeployer(c, nil)

	err := d.DestroyAll(context.Background(), []*stacks.Stack{testStack("Ec2Stack"), testStack("FlowLogStack")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"FlowLogStack", "Ec2Stack"}
	if len(c.deletedStacks) != 2 || c.deletedStacks[0] != want[0] || c.deletedStacks[1] != want[1] {
		t.Errorf("deleted = %v, want %v", c.deletedStacks, want)
	}
}

func TestIsStackMissing(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"missing", missingStackErr("Ec2Stack"), true},
		{"other validation", &smithy.GenericAPIError{Code: "ValidationError", Message: "Template format error"}, false},
		{"throttled", &smithy.GenericAPIError{Code: "Throttling", Message: "Rate exceeded"}, false},
		{"plain", errors.New("does not exist"), false},
	}
	for _, tt := range tests {
		if got := isStackMissing(tt.err); got != tt.want {
			t.Errorf("%s: isStackMissing = %v, want %v", tt.name, got, tt.want)
		}
	}
}
