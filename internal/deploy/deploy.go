// Package deploy hands synthesised stacks to CloudFormation through change
// sets. CloudFormation owns ordering, retries and rollback; this package only
// submits templates and waits for the outcome.
package deploy

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cfn "github.com/aws/aws-sdk-go-v2/service/cloudformation"
	cfntypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/chainguard-dev/clog"
	"github.com/google/uuid"

	"github.com/pankaj-dahiya-devops/vpc-flow-logs/internal/models"
	"github.com/pankaj-dahiya-devops/vpc-flow-logs/internal/stacks"
)

// MaxInlineTemplateBytes is the largest template CloudFormation accepts in
// a TemplateBody; larger templates must be passed by S3 URL.
const MaxInlineTemplateBytes = 51200

const (
	defaultTimeout      = 30 * time.Minute
	defaultPollInterval = 5 * time.Second
	changeSetPrefix     = "vfl-"
	templateKeyPrefix   = "vfl/templates/"
)

var (
	// ErrNoChanges is returned by a change set that would not modify the stack.
	ErrNoChanges = errors.New("change set contains no changes")
	// ErrTemplateTooLarge is returned when a template exceeds the inline limit
	// and no bucket is configured.
	ErrTemplateTooLarge = errors.New("template exceeds inline size limit")
	// ErrChangeSetFailed is returned when CloudFormation rejects a change set.
	ErrChangeSetFailed = errors.New("change set failed")
)

// cfnClient is the narrow CloudFormation interface used by Deployer. It also
// satisfies the SDK waiter client interfaces.
type cfnClient interface {
	DescribeStacks(ctx context.Context, params *cfn.DescribeStacksInput, optFns ...func(*cfn.Options)) (*cfn.DescribeStacksOutput, error)
	CreateChangeSet(ctx context.Context, params *cfn.CreateChangeSetInput, optFns ...func(*cfn.Options)) (*cfn.CreateChangeSetOutput, error)
	DescribeChangeSet(ctx context.Context, params *cfn.DescribeChangeSetInput, optFns ...func(*cfn.Options)) (*cfn.DescribeChangeSetOutput, error)
	ExecuteChangeSet(ctx context.Context, params *cfn.ExecuteChangeSetInput, optFns ...func(*cfn.Options)) (*cfn.ExecuteChangeSetOutput, error)
	DeleteChangeSet(ctx context.Context, params *cfn.DeleteChangeSetInput, optFns ...func(*cfn.Options)) (*cfn.DeleteChangeSetOutput, error)
	DeleteStack(ctx context.Context, params *cfn.DeleteStackInput, optFns ...func(*cfn.Options)) (*cfn.DeleteStackOutput, error)
}

type s3Uploader interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Deployer deploys, diffs and destroys stacks in one region.
type Deployer struct {
	cfn    cfnClient
	s3     s3Uploader
	region string

	// Bucket receives templates before they are passed to CloudFormation by
	// URL. When empty, templates are passed inline.
	Bucket string
	// Timeout bounds every wait on CloudFormation.
	Timeout time.Duration
	// PollInterval is the minimum delay between status polls.
	PollInterval time.Duration

	newChangeSetName func() string
}

// NewDeployer returns a Deployer. s3Client may be nil when no bucket is used.
func NewDeployer(cfnClient cfnClient, s3Client s3Uploader, region string) *Deployer {
	return &Deployer{
		cfn:          cfnClient,
		s3:           s3Client,
		region:       region,
		Timeout:      defaultTimeout,
		PollInterval: defaultPollInterval,
		newChangeSetName: func() string {
			return changeSetPrefix + uuid.NewString()
		},
	}
}

// DeployAll deploys stacks in the given order, stopping at the first failure.
func (d *Deployer) DeployAll(ctx context.Context, all []*stacks.Stack) ([]models.DeployResult, error) {
	results := make([]models.DeployResult, 0, len(all))
	for _, s := range all {
		res, err := d.Deploy(ctx, s)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// Deploy creates or updates one stack through a change set. A change set
// with no changes is deleted and reported with NoChanges set.
func (d *Deployer) Deploy(ctx context.Context, s *stacks.Stack) (models.DeployResult, error) {
	log := clog.FromContext(ctx).With("stack", s.Name)
	res := models.DeployResult{StackName: s.Name}

	cs, err := d.createChangeSet(ctx, s)
	if errors.Is(err, ErrNoChanges) {
		log.Info("stack is up to date")
		d.discardChangeSet(ctx, s.Name, cs)
		res.NoChanges = true
		if cs.stack != nil {
			res.StackID = aws.ToString(cs.stack.StackId)
			res.Status = string(cs.stack.StackStatus)
			res.Outputs = stackOutputs(cs.stack)
		}
		return res, nil
	}
	if err != nil {
		return res, err
	}

	log.Info("executing change set", "change_set", cs.name, "type", cs.kind)
	if _, err := d.cfn.ExecuteChangeSet(ctx, &cfn.ExecuteChangeSetInput{
		StackName:     aws.String(s.Name),
		ChangeSetName: aws.String(cs.name),
	}); err != nil {
		return res, fmt.Errorf("execute change set for %s: %w", s.Name, err)
	}

	if err := d.waitForStack(ctx, s.Name, cs.kind); err != nil {
		return res, err
	}

	stack, err := d.describeStack(ctx, s.Name)
	if err != nil {
		return res, err
	}
	if stack == nil {
		return res, fmt.Errorf("stack %s disappeared after deployment", s.Name)
	}
	res.StackID = aws.ToString(stack.StackId)
	res.Status = string(stack.StackStatus)
	res.Outputs = stackOutputs(stack)
	log.Info("stack deployed", "status", res.Status)
	return res, nil
}

// Diff creates a change set, reports its changes and deletes it again. A
// stack created only to hold the change set is deleted as well.
func (d *Deployer) Diff(ctx context.Context, s *stacks.Stack) (models.StackDiff, error) {
	diff := models.StackDiff{StackName: s.Name}

	cs, err := d.createChangeSet(ctx, s)
	if cs.name != "" {
		defer d.discardChangeSet(ctx, s.Name, cs)
	}
	diff.NewStack = cs.kind == cfntypes.ChangeSetTypeCreate
	if errors.Is(err, ErrNoChanges) {
		return diff, nil
	}
	if err != nil {
		return diff, err
	}

	changes, err := d.listChanges(ctx, s.Name, cs.name)
	if err != nil {
		return diff, err
	}
	diff.Changes = changes
	return diff, nil
}

// DestroyAll deletes stacks in reverse order.
func (d *Deployer) DestroyAll(ctx context.Context, all []*stacks.Stack) error {
	for i := len(all) - 1; i >= 0; i-- {
		if err := d.Destroy(ctx, all[i].Name); err != nil {
			return err
		}
	}
	return nil
}

// Destroy deletes a stack and waits for completion. A stack that does not
// exist is not an error.
func (d *Deployer) Destroy(ctx context.Context, name string) error {
	log := clog.FromContext(ctx).With("stack", name)

	stack, err := d.describeStack(ctx, name)
	if err != nil {
		return err
	}
	if stack == nil {
		log.Info("stack does not exist, nothing to destroy")
		return nil
	}

	log.Info("deleting stack")
	if _, err := d.cfn.DeleteStack(ctx, &cfn.DeleteStackInput{StackName: aws.String(name)}); err != nil {
		return fmt.Errorf("delete stack %s: %w", name, err)
	}
	w := cfn.NewStackDeleteCompleteWaiter(d.cfn, func(o *cfn.StackDeleteCompleteWaiterOptions) {
		o.MinDelay = d.PollInterval
	})
	if err := w.Wait(ctx, &cfn.DescribeStacksInput{StackName: aws.String(name)}, d.Timeout); err != nil {
		return fmt.Errorf("wait for stack %s deletion: %w", name, err)
	}
	log.Info("stack deleted")
	return nil
}

// changeSet is a created change set and the stack it was created against.
type changeSet struct {
	name  string
	kind  cfntypes.ChangeSetType
	stack *cfntypes.Stack
}

// createChangeSet submits the template and waits until the change set is
// ready. It returns ErrNoChanges, with the change set still present, when
// the template matches the deployed stack.
func (d *Deployer) createChangeSet(ctx context.Context, s *stacks.Stack) (changeSet, error) {
	log := clog.FromContext(ctx).With("stack", s.Name)
	var cs changeSet

	stack, err := d.describeStack(ctx, s.Name)
	if err != nil {
		return cs, err
	}
	if stack != nil && stack.StackStatus == cfntypes.StackStatusRollbackComplete {
		// A stack whose creation rolled back can only be deleted.
		log.Warn("removing stack left in ROLLBACK_COMPLETE")
		if err := d.Destroy(ctx, s.Name); err != nil {
			return cs, err
		}
		stack = nil
	}
	cs.stack = stack
	cs.kind = cfntypes.ChangeSetTypeUpdate
	if stack == nil || stack.StackStatus == cfntypes.StackStatusReviewInProgress {
		cs.kind = cfntypes.ChangeSetTypeCreate
	}

	body, err := s.JSON()
	if err != nil {
		return cs, err
	}
	input := &cfn.CreateChangeSetInput{
		StackName:     aws.String(s.Name),
		ChangeSetName: aws.String(d.newChangeSetName()),
		ChangeSetType: cs.kind,
		Capabilities:  []cfntypes.Capability{cfntypes.CapabilityCapabilityNamedIam},
		Description:   aws.String("vfl deployment of " + s.Name),
	}
	if err := d.attachTemplate(ctx, s.Name, body, input); err != nil {
		return cs, err
	}

	if _, err := d.cfn.CreateChangeSet(ctx, input); err != nil {
		return cs, fmt.Errorf("create change set for %s: %w", s.Name, err)
	}
	cs.name = aws.ToString(input.ChangeSetName)
	log.Debug("created change set", "change_set", cs.name, "type", cs.kind)

	describe := &cfn.DescribeChangeSetInput{
		StackName:     aws.String(s.Name),
		ChangeSetName: aws.String(cs.name),
	}
	w := cfn.NewChangeSetCreateCompleteWaiter(d.cfn, func(o *cfn.ChangeSetCreateCompleteWaiterOptions) {
		o.MinDelay = d.PollInterval
	})
	waitErr := w.Wait(ctx, describe, d.Timeout)
	if waitErr == nil {
		return cs, nil
	}

	out, err := d.cfn.DescribeChangeSet(ctx, describe)
	if err != nil {
		return cs, fmt.Errorf("describe change set for %s: %w", s.Name, errors.Join(waitErr, err))
	}
	reason := aws.ToString(out.StatusReason)
	if out.Status == cfntypes.ChangeSetStatusFailed && isNoChangeReason(reason) {
		return cs, ErrNoChanges
	}
	return cs, fmt.Errorf("%w: %s: %s", ErrChangeSetFailed, s.Name, reason)
}

// attachTemplate sets the template on input, uploading it to S3 when a bucket
// is configured. Templates over the inline limit require a bucket.
func (d *Deployer) attachTemplate(ctx context.Context, stackName string, body []byte, input *cfn.CreateChangeSetInput) error {
	if d.Bucket == "" {
		if len(body) > MaxInlineTemplateBytes {
			return fmt.Errorf("%w: %s is %d bytes, set TEMPLATE_BUCKET", ErrTemplateTooLarge, stackName, len(body))
		}
		input.TemplateBody = aws.String(string(body))
		return nil
	}

	sum := sha256.Sum256(body)
	key := templateKeyPrefix + stackName + "/" + hex.EncodeToString(sum[:]) + ".json"
	if _, err := d.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(d.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	}); err != nil {
		return fmt.Errorf("upload template for %s: %w", stackName, err)
	}
	input.TemplateURL = aws.String(d.templateURL(key))
	clog.FromContext(ctx).Debug("uploaded template", "stack", stackName, "bucket", d.Bucket, "key", key)
	return nil
}

func (d *Deployer) templateURL(key string) string {
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", d.Bucket, d.region, key)
}

func (d *Deployer) waitForStack(ctx context.Context, name string, kind cfntypes.ChangeSetType) error {
	input := &cfn.DescribeStacksInput{StackName: aws.String(name)}
	var err error
	if kind == cfntypes.ChangeSetTypeCreate {
		err = cfn.NewStackCreateCompleteWaiter(d.cfn, func(o *cfn.StackCreateCompleteWaiterOptions) {
			o.MinDelay = d.PollInterval
		}).Wait(ctx, input, d.Timeout)
	} else {
		err = cfn.NewStackUpdateCompleteWaiter(d.cfn, func(o *cfn.StackUpdateCompleteWaiterOptions) {
			o.MinDelay = d.PollInterval
		}).Wait(ctx, input, d.Timeout)
	}
	if err == nil {
		return nil
	}
	if stack, derr := d.describeStack(ctx, name); derr == nil && stack != nil {
		return fmt.Errorf("stack %s ended in %s (%s): %w",
			name, stack.StackStatus, aws.ToString(stack.StackStatusReason), err)
	}
	return fmt.Errorf("wait for stack %s: %w", name, err)
}

func (d *Deployer) listChanges(ctx context.Context, stackName, changeSetName string) ([]models.Change, error) {
	var changes []models.Change
	input := &cfn.DescribeChangeSetInput{
		StackName:     aws.String(stackName),
		ChangeSetName: aws.String(changeSetName),
	}
	for {
		out, err := d.cfn.DescribeChangeSet(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("describe change set for %s: %w", stackName, err)
		}
		for _, c := range out.Changes {
			if rc := c.ResourceChange; rc != nil {
				changes = append(changes, models.Change{
					Action:       models.ChangeAction(rc.Action),
					LogicalID:    aws.ToString(rc.LogicalResourceId),
					PhysicalID:   aws.ToString(rc.PhysicalResourceId),
					ResourceType: aws.ToString(rc.ResourceType),
					Replacement:  string(rc.Replacement),
				})
			}
		}
		if aws.ToString(out.NextToken) == "" {
			return changes, nil
		}
		input.NextToken = out.NextToken
	}
}

// discardChangeSet removes a change set created for inspection only. Errors
// are logged; the diff result is still valid.
func (d *Deployer) discardChangeSet(ctx context.Context, stackName string, cs changeSet) {
	log := clog.FromContext(ctx).With("stack", stackName)
	if _, err := d.cfn.DeleteChangeSet(ctx, &cfn.DeleteChangeSetInput{
		StackName:     aws.String(stackName),
		ChangeSetName: aws.String(cs.name),
	}); err != nil {
		log.Warn("failed to delete change set", "change_set", cs.name, "error", err)
	}
	if cs.kind == cfntypes.ChangeSetTypeCreate {
		if _, err := d.cfn.DeleteStack(ctx, &cfn.DeleteStackInput{StackName: aws.String(stackName)}); err != nil {
			log.Warn("failed to delete placeholder stack", "error", err)
		}
	}
}

// describeStack returns nil, nil when the stack does not exist.
func (d *Deployer) describeStack(ctx context.Context, name string) (*cfntypes.Stack, error) {
	out, err := d.cfn.DescribeStacks(ctx, &cfn.DescribeStacksInput{StackName: aws.String(name)})
	if isStackMissing(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("describe stack %s: %w", name, err)
	}
	for i := range out.Stacks {
		if out.Stacks[i].StackStatus == cfntypes.StackStatusDeleteComplete {
			continue
		}
		return &out.Stacks[i], nil
	}
	return nil, nil
}

func stackOutputs(s *cfntypes.Stack) map[string]string {
	if len(s.Outputs) == 0 {
		return nil
	}
	out := make(map[string]string, len(s.Outputs))
	for _, o := range s.Outputs {
		out[aws.ToString(o.OutputKey)] = aws.ToString(o.OutputValue)
	}
	return out
}

// isStackMissing reports whether err is CloudFormation's ValidationError for
// an unknown stack name.
func isStackMissing(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) &&
		apiErr.ErrorCode() == "ValidationError" &&
		strings.Contains(apiErr.ErrorMessage(), "does not exist")
}

func isNoChangeReason(reason string) bool {
	return strings.Contains(reason, "didn't contain changes") ||
		strings.Contains(reason, "No updates are to be performed")
}
