package provisioner

import (
	"fmt"
	"strings"

	"github.com/rossigee/ec2-volume-provisioner/pkg/types"
)

// iopsVolumeTypes accept a provisioned IOPS value.
var iopsVolumeTypes = map[string]bool{
	"io1": true,
	"io2": true,
	"gp3": true,
}

var knownVolumeTypes = map[string]bool{
	"standard": true,
	"gp2":      true,
	"gp3":      true,
	"io1":      true,
	"io2":      true,
	"st1":      true,
	"sc1":      true,
}

// Validate rejects requests whose parameters conflict or are incomplete for
// their desired state.
func Validate(req types.ProvisionRequest) error {
	state := req.State
	if state == "" {
		state = types.StatePresent
	}

	switch state {
	case types.StatePresent, types.StateAbsent, types.StateList:
	default:
		return fmt.Errorf("%w: state must be one of present, absent, list; got %q", ErrInvalidParameter, state)
	}

	if req.VolumeSizeGB < 0 {
		return fmt.Errorf("%w: volume_size_gb must be positive, got %d", ErrInvalidParameter, req.VolumeSizeGB)
	}
	if req.IOPS < 0 {
		return fmt.Errorf("%w: iops must be positive, got %d", ErrInvalidParameter, req.IOPS)
	}
	if req.VolumeType != "" && !knownVolumeTypes[req.VolumeType] {
		return fmt.Errorf("%w: unknown volume_type %q", ErrInvalidParameter, req.VolumeType)
	}
	if req.DeviceName != "" && !strings.HasPrefix(req.DeviceName, "/dev/") && !strings.HasPrefix(req.DeviceName, "xvd") {
		return fmt.Errorf("%w: device_name %q is not a device path", ErrInvalidParameter, req.DeviceName)
	}

	if req.VolumeID != "" {
		if req.VolumeSizeGB > 0 || req.SnapshotID != "" {
			return fmt.Errorf("%w: cannot specify volume_size_gb or snapshot_id together with volume_id", ErrParameterConflict)
		}
		if req.Name != "" {
			return fmt.Errorf("%w: cannot specify both name and volume_id", ErrParameterConflict)
		}
	}
	if req.IOPS > 0 && req.VolumeType != "" && !iopsVolumeTypes[req.VolumeType] {
		return fmt.Errorf("%w: iops is only valid for io1, io2 and gp3 volumes, not %s", ErrParameterConflict, req.VolumeType)
	}
	if req.KMSKeyID != "" && !req.Encrypted {
		return fmt.Errorf("%w: kms_key_id requires encrypted", ErrParameterConflict)
	}
	if req.InstanceID == "" && (req.DeviceName != "" || req.DeleteOnTermination != nil) {
		return fmt.Errorf("%w: device_name and delete_on_termination require instance_id", ErrParameterConflict)
	}

	switch state {
	case types.StatePresent:
		if req.VolumeID == "" && req.Name == "" && req.VolumeSizeGB == 0 && req.SnapshotID == "" {
			return fmt.Errorf("%w: volume_size_gb or snapshot_id is required to create a volume", ErrMissingParameter)
		}
	case types.StateAbsent:
		if req.VolumeID == "" && req.Name == "" {
			return fmt.Errorf("%w: volume_id or name is required to delete a volume", ErrMissingParameter)
		}
	case types.StateList:
		if req.InstanceID == "" {
			return fmt.Errorf("%w: instance_id is required to list volumes", ErrMissingParameter)
		}
	}

	return nil
}
