// Package provisioner converges an EBS volume and its attachment to an EC2
// instance on a declared state.
package provisioner

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/sirupsen/logrus"

	"github.com/rossigee/ec2-volume-provisioner/internal/config"
	"github.com/rossigee/ec2-volume-provisioner/internal/metrics"
	"github.com/rossigee/ec2-volume-provisioner/internal/retry"
	"github.com/rossigee/ec2-volume-provisioner/pkg/types"
)

// EC2API is the subset of the EC2 client used by the provisioner.
type EC2API interface {
	DescribeVolumes(ctx context.Context, params *ec2.DescribeVolumesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error)
	CreateVolume(ctx context.Context, params *ec2.CreateVolumeInput, optFns ...func(*ec2.Options)) (*ec2.CreateVolumeOutput, error)
	AttachVolume(ctx context.Context, params *ec2.AttachVolumeInput, optFns ...func(*ec2.Options)) (*ec2.AttachVolumeOutput, error)
	DeleteVolume(ctx context.Context, params *ec2.DeleteVolumeInput, optFns ...func(*ec2.Options)) (*ec2.DeleteVolumeOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	GetPasswordData(ctx context.Context, params *ec2.GetPasswordDataInput, optFns ...func(*ec2.Options)) (*ec2.GetPasswordDataOutput, error)
	ModifyInstanceAttribute(ctx context.Context, params *ec2.ModifyInstanceAttributeInput, optFns ...func(*ec2.Options)) (*ec2.ModifyInstanceAttributeOutput, error)
}

// Options tunes polling. Zero values fall back to the config defaults.
type Options struct {
	PollInterval time.Duration
	PollTimeout  time.Duration
}

// Provisioner reaches a declared volume state through the EC2 API.
type Provisioner struct {
	ec2         EC2API
	poll        retry.Config
	pollTimeout time.Duration
}

// New creates a Provisioner.
func New(client EC2API, opts Options) *Provisioner {
	if opts.PollInterval <= 0 {
		opts.PollInterval = config.DefaultPollInterval
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = config.DefaultPollTimeout
	}
	return &Provisioner{
		ec2:         client,
		poll:        retry.PollConfig(opts.PollInterval, opts.PollTimeout),
		pollTimeout: opts.PollTimeout,
	}
}

// waitUntil polls fn until it reports done, giving up once the poll
// timeout has elapsed, however long each check takes.
func (p *Provisioner) waitUntil(ctx context.Context, fn func(ctx context.Context) (bool, error)) error {
	waitCtx, cancel := context.WithTimeout(ctx, p.pollTimeout)
	defer cancel()

	err := retry.Poll(waitCtx, p.poll, fn)
	if err != nil && ctx.Err() == nil && waitCtx.Err() != nil {
		return fmt.Errorf("%w after %s", retry.ErrPollTimeout, p.pollTimeout)
	}
	return err
}

// Provision validates req and dispatches on its desired state. No remote
// call is made when validation fails.
func (p *Provisioner) Provision(ctx context.Context, req types.ProvisionRequest) (result *types.ProvisionResult, err error) {
	if req.State == "" {
		req.State = types.StatePresent
	}

	started := time.Now()
	defer func() {
		metrics.ObserveProvision(string(req.State), started, err)
	}()

	if err := Validate(req); err != nil {
		return nil, err
	}

	log := logrus.WithFields(logrus.Fields{
		"state":       req.State,
		"instance_id": req.InstanceID,
		"volume_id":   req.VolumeID,
		"name":        req.Name,
	})
	log.Info("Provisioning volume")

	switch req.State {
	case types.StateAbsent:
		return p.provisionAbsent(ctx, req)
	case types.StateList:
		volumes, err := p.List(ctx, req.InstanceID)
		if err != nil {
			return nil, err
		}
		return &types.ProvisionResult{Volumes: volumes}, nil
	default:
		return p.provisionPresent(ctx, req)
	}
}

func (p *Provisioner) provisionPresent(ctx context.Context, req types.ProvisionRequest) (*types.ProvisionResult, error) {
	zone := req.Zone

	var inst *instance
	if req.InstanceID != "" {
		var err error
		inst, err = p.describeInstance(ctx, req.InstanceID)
		if err != nil {
			return nil, err
		}
		if zone == "" {
			zone = inst.zone
		}

		// A mapped device short-circuits before any volume is created.
		if res, ok := inst.mapped(req.DeviceName); ok {
			return &types.ProvisionResult{
				VolumeID: res.VolumeID,
				Device:   res.Device,
				Message:  fmt.Sprintf("Volume mapping for %s already exists on instance %s", req.DeviceName, req.InstanceID),
			}, nil
		}
	}

	vol, created, err := p.EnsureCreated(ctx, req, zone)
	if err != nil {
		return nil, err
	}

	result := &types.ProvisionResult{
		Changed:  created,
		VolumeID: vol.ID,
		Volume:   vol,
	}

	if inst == nil {
		return result, nil
	}

	att, err := p.attach(ctx, vol, inst, req.DeviceName, req.DeleteOnTermination)
	if err != nil {
		return nil, fmt.Errorf("volume %s is provisioned but not attached: %w", vol.ID, err)
	}

	result.Changed = result.Changed || att.Changed
	result.VolumeID = att.VolumeID
	result.Device = att.Device
	return result, nil
}

func (p *Provisioner) provisionAbsent(ctx context.Context, req types.ProvisionRequest) (*types.ProvisionResult, error) {
	volumeID, changed, err := p.EnsureAbsent(ctx, req)
	if err != nil {
		return nil, err
	}
	result := &types.ProvisionResult{Changed: changed, VolumeID: volumeID}
	if changed {
		result.Message = fmt.Sprintf("Volume %s deleted", volumeID)
	}
	return result, nil
}
