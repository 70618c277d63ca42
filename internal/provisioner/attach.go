package provisioner

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/sirupsen/logrus"

	"github.com/rossigee/ec2-volume-provisioner/internal/metrics"
	"github.com/rossigee/ec2-volume-provisioner/pkg/types"
)

const (
	// Device names picked when none is requested. Instances that expose
	// password data (Windows) get the xvd naming.
	defaultDevice         = "/dev/sdf"
	defaultPasswordDevice = "/dev/xvdf"

	codeInstanceNotFound = "InvalidInstanceID.NotFound"
)

// AttachResult is the outcome of EnsureAttached.
type AttachResult struct {
	VolumeID string
	Device   string
	Changed  bool
}

type instance struct {
	id       string
	zone     string
	mappings map[string]string // device name -> volume id
}

// mapped reports the volume already mapped at device, if any.
func (i *instance) mapped(device string) (AttachResult, bool) {
	if device == "" {
		return AttachResult{}, false
	}
	volumeID, ok := i.mappings[device]
	if !ok {
		return AttachResult{}, false
	}
	return AttachResult{VolumeID: volumeID, Device: device}, true
}

// EnsureAttached attaches vol to instanceID at deviceName, inferring a
// device when deviceName is empty, and waits for the attachment to
// complete. If the instance already maps deviceName, nothing is attached
// and the mapped volume is returned.
func (p *Provisioner) EnsureAttached(ctx context.Context, vol *types.VolumeSummary, instanceID, deviceName string) (*AttachResult, error) {
	if vol == nil || vol.ID == "" {
		return nil, fmt.Errorf("%w: volume is required to attach", ErrMissingParameter)
	}
	if instanceID == "" {
		return nil, fmt.Errorf("%w: instance_id is required to attach a volume", ErrMissingParameter)
	}

	inst, err := p.describeInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return p.attach(ctx, vol, inst, deviceName, nil)
}

func (p *Provisioner) attach(ctx context.Context, vol *types.VolumeSummary, inst *instance, deviceName string, deleteOnTermination *bool) (*AttachResult, error) {
	log := logrus.WithFields(logrus.Fields{
		"volume_id":   vol.ID,
		"instance_id": inst.id,
	})

	if res, ok := inst.mapped(deviceName); ok {
		log.WithField("device", deviceName).Info("Device already mapped on instance")
		return &res, nil
	}

	var res *AttachResult
	switch {
	case vol.AttachedInstanceID == inst.id:
		res = &AttachResult{VolumeID: vol.ID, Device: vol.AttachedDevice}
	case vol.AttachedInstanceID != "":
		return nil, fmt.Errorf("%w: %s is attached to %s", ErrAlreadyAttachedElsewhere, vol.ID, vol.AttachedInstanceID)
	default:
		if deviceName == "" {
			var err error
			deviceName, err = p.inferDeviceName(ctx, inst.id)
			if err != nil {
				return nil, err
			}
		}

		_, err := p.ec2.AttachVolume(ctx, &ec2.AttachVolumeInput{
			Device:     aws.String(deviceName),
			InstanceId: aws.String(inst.id),
			VolumeId:   aws.String(vol.ID),
		})
		metrics.ObserveAPICall("AttachVolume", err)
		if err != nil {
			return nil, providerError("AttachVolume", err)
		}

		log = log.WithField("device", deviceName)
		log.Info("Attaching volume, waiting for attachment")

		if err := p.waitForAttachment(ctx, vol.ID, inst.id); err != nil {
			return nil, err
		}
		log.Info("Volume attached")

		vol.AttachedInstanceID = inst.id
		vol.AttachedDevice = deviceName
		vol.AttachmentState = string(ec2types.VolumeAttachmentStateAttached)
		vol.DeleteOnTermination = false
		res = &AttachResult{VolumeID: vol.ID, Device: deviceName, Changed: true}
	}

	if deleteOnTermination != nil && *deleteOnTermination != vol.DeleteOnTermination {
		if err := p.setDeleteOnTermination(ctx, inst.id, res.Device, vol.ID, *deleteOnTermination); err != nil {
			return nil, err
		}
		vol.DeleteOnTermination = *deleteOnTermination
		res.Changed = true
	}

	return res, nil
}

// inferDeviceName picks a device based on whether the instance exposes
// password data.
func (p *Provisioner) inferDeviceName(ctx context.Context, instanceID string) (string, error) {
	out, err := p.ec2.GetPasswordData(ctx, &ec2.GetPasswordDataInput{InstanceId: aws.String(instanceID)})
	metrics.ObserveAPICall("GetPasswordData", err)
	if err != nil {
		return "", providerError("GetPasswordData", err)
	}
	if aws.ToString(out.PasswordData) == "" {
		return defaultDevice, nil
	}
	return defaultPasswordDevice, nil
}

// waitForAttachment polls until the attachment made by AttachVolume is
// attached. An attachment that disappears or reports detached has failed.
func (p *Provisioner) waitForAttachment(ctx context.Context, volumeID, instanceID string) error {
	return p.waitUntil(ctx, func(ctx context.Context) (bool, error) {
		metrics.ObservePoll(string(ec2types.VolumeAttachmentStateAttached))
		v, err := p.Resolve(ctx, types.ProvisionRequest{VolumeID: volumeID})
		if err != nil {
			return false, err
		}
		switch {
		case v.AttachedInstanceID == "":
			return false, fmt.Errorf("%w: %s to %s is no longer attaching", ErrAttachmentFailed, volumeID, instanceID)
		case v.AttachedInstanceID != instanceID:
			return false, fmt.Errorf("%w: %s is attached to %s", ErrAlreadyAttachedElsewhere, volumeID, v.AttachedInstanceID)
		case v.AttachmentState == string(ec2types.VolumeAttachmentStateDetaching):
			return false, fmt.Errorf("%w: %s to %s is detaching", ErrAttachmentFailed, volumeID, instanceID)
		}
		return v.AttachmentState == string(ec2types.VolumeAttachmentStateAttached), nil
	})
}

func (p *Provisioner) setDeleteOnTermination(ctx context.Context, instanceID, device, volumeID string, value bool) error {
	_, err := p.ec2.ModifyInstanceAttribute(ctx, &ec2.ModifyInstanceAttributeInput{
		InstanceId: aws.String(instanceID),
		BlockDeviceMappings: []ec2types.InstanceBlockDeviceMappingSpecification{{
			DeviceName: aws.String(device),
			Ebs: &ec2types.EbsInstanceBlockDeviceSpecification{
				DeleteOnTermination: aws.Bool(value),
				VolumeId:            aws.String(volumeID),
			},
		}},
	})
	metrics.ObserveAPICall("ModifyInstanceAttribute", err)
	if err != nil {
		return providerError("ModifyInstanceAttribute", err)
	}

	logrus.WithFields(logrus.Fields{
		"volume_id":             volumeID,
		"instance_id":           instanceID,
		"delete_on_termination": value,
	}).Info("Updated delete on termination")
	return nil
}

func (p *Provisioner) describeInstance(ctx context.Context, instanceID string) (*instance, error) {
	out, err := p.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{instanceID}})
	metrics.ObserveAPICall("DescribeInstances", err)
	if err != nil {
		if apiErrorCode(err) == codeInstanceNotFound {
			return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
		}
		return nil, providerError("DescribeInstances", err)
	}

	for _, r := range out.Reservations {
		for _, i := range r.Instances {
			if aws.ToString(i.InstanceId) != instanceID {
				continue
			}
			inst := &instance{
				id:       instanceID,
				mappings: make(map[string]string, len(i.BlockDeviceMappings)),
			}
			if i.Placement != nil {
				inst.zone = aws.ToString(i.Placement.AvailabilityZone)
			}
			for _, m := range i.BlockDeviceMappings {
				var volumeID string
				if m.Ebs != nil {
					volumeID = aws.ToString(m.Ebs.VolumeId)
				}
				inst.mappings[aws.ToString(m.DeviceName)] = volumeID
			}
			return inst, nil
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
}
