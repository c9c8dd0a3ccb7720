// Package ec2cpi implements cpi.CPI against AWS EC2, grounded on
// internal/config's existing aws-sdk-go-v2 config/credentials wiring
// plus aws-sdk-go-v2/service/ec2 — the same dependency family
// aws-karpenter-provider-aws uses in this retrieval pack for the same
// RunInstances/TerminateInstances shape. This is the CPI's only
// cloud-specific logic; nothing upstream of cpi.CPI knows EC2 is in use.
package ec2cpi

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"

	"github.com/oriys/stratus/internal/cpi"
	"github.com/oriys/stratus/internal/logging"
)

// retryableErrorCodes are the AWS API error codes the factory should be
// allowed to retry, per spec.md's expansion of the CPI taxonomy.
var retryableErrorCodes = map[string]bool{
	"RequestLimitExceeded":         true,
	"InsufficientInstanceCapacity": true,
}

// Client is the subset of *ec2.Client this CPI calls, letting tests
// substitute a fake.
type Client interface {
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
}

// CPI creates/destroys EC2 instances as VM Factory resources. The
// instance's AMI id is taken directly from CreateVMRequest.StemcellCID —
// stemcells map one-to-one onto AMIs in this CPI.
type CPI struct {
	client           Client
	instanceType     types.InstanceType
	subnetID         string
	securityGroupIDs []string
}

// New builds a CPI around an EC2 client, a fixed instance type, and the
// network placement every instance launches into.
func New(client Client, instanceType string, subnetID string, securityGroupIDs []string) *CPI {
	return &CPI{
		client:           client,
		instanceType:     types.InstanceType(instanceType),
		subnetID:         subnetID,
		securityGroupIDs: securityGroupIDs,
	}
}

func (c *CPI) CreateVM(ctx context.Context, req cpi.CreateVMRequest) (cpi.CreateVMResult, error) {
	input := &ec2.RunInstancesInput{
		ImageId:          &req.StemcellCID,
		InstanceType:     c.instanceType,
		MinCount:         aws32(1),
		MaxCount:         aws32(1),
		SubnetId:         &c.subnetID,
		SecurityGroupIds: c.securityGroupIDs,
		TagSpecifications: []types.TagSpecification{{
			ResourceType: types.ResourceTypeInstance,
			Tags: []types.Tag{
				{Key: strPtr("agent-id"), Value: &req.AgentID},
			},
		}},
	}

	out, err := c.client.RunInstances(ctx, input)
	if err != nil {
		return cpi.CreateVMResult{}, &cpi.VMCreationFailed{OkToRetry: isRetryable(err), Err: err}
	}
	if len(out.Instances) == 0 {
		return cpi.CreateVMResult{}, &cpi.VMCreationFailed{OkToRetry: false, Err: errors.New("ec2cpi: RunInstances returned no instances")}
	}

	instanceID := *out.Instances[0].InstanceId
	logging.Op().Info("ec2cpi: instance launched", "instance_id", instanceID, "agent_id", req.AgentID)
	return cpi.CreateVMResult{CID: instanceID}, nil
}

func (c *CPI) DeleteVM(ctx context.Context, cid string) error {
	_, err := c.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{cid},
	})
	if err != nil {
		return fmt.Errorf("ec2cpi: terminate %s: %w", cid, err)
	}
	return nil
}

func isRetryable(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return retryableErrorCodes[apiErr.ErrorCode()]
	}
	return false
}

func aws32(v int32) *int32    { return &v }
func strPtr(s string) *string { return &s }
