package provisioner

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/sirupsen/logrus"

	"github.com/rossigee/ec2-volume-provisioner/internal/metrics"
	"github.com/rossigee/ec2-volume-provisioner/pkg/types"
)

const (
	nameTag           = "Name"
	defaultVolumeType = "standard"
	iopsVolumeType    = "io1"

	codeVolumeNotFound = "InvalidVolume.NotFound"
)

// Resolve finds the single volume named by req.VolumeID, or by the Name tag
// req.Name optionally narrowed to req.Zone.
func (p *Provisioner) Resolve(ctx context.Context, req types.ProvisionRequest) (*types.VolumeSummary, error) {
	input := &ec2.DescribeVolumesInput{}
	var what string

	switch {
	case req.VolumeID != "":
		input.VolumeIds = []string{req.VolumeID}
		what = "id " + req.VolumeID
	case req.Name != "":
		input.Filters = append(input.Filters, ec2types.Filter{
			Name:   aws.String("tag:" + nameTag),
			Values: []string{req.Name},
		})
		what = "name " + req.Name
	default:
		return nil, fmt.Errorf("%w: volume_id or name is required to look up a volume", ErrMissingParameter)
	}

	if req.Zone != "" {
		input.Filters = append(input.Filters, ec2types.Filter{
			Name:   aws.String("availability-zone"),
			Values: []string{req.Zone},
		})
		what += " in zone " + req.Zone
	}

	volumes, err := p.describeVolumes(ctx, input)
	if err != nil {
		if apiErrorCode(err) == codeVolumeNotFound {
			return nil, fmt.Errorf("%w: no volume with %s", ErrNotFound, what)
		}
		return nil, err
	}

	switch len(volumes) {
	case 0:
		return nil, fmt.Errorf("%w: no volume with %s", ErrNotFound, what)
	case 1:
		return summarize(volumes[0]), nil
	default:
		return nil, fmt.Errorf("%w: found %d volumes with %s", ErrAmbiguous, len(volumes), what)
	}
}

// EnsureCreated returns the volume described by req, creating it in zone
// and waiting for it to become available when it does not exist yet. An
// existing volume must be unattached or attached to req.InstanceID.
func (p *Provisioner) EnsureCreated(ctx context.Context, req types.ProvisionRequest, zone string) (*types.VolumeSummary, bool, error) {
	if err := Validate(req); err != nil {
		return nil, false, err
	}

	if req.VolumeID != "" || req.Name != "" {
		lookup := req
		lookup.Zone = zone
		if req.VolumeID != "" {
			lookup.Zone = req.Zone
		}

		vol, err := p.Resolve(ctx, lookup)
		switch {
		case err == nil:
			if req.InstanceID != "" && vol.AttachedInstanceID != "" && vol.AttachedInstanceID != req.InstanceID {
				return nil, false, fmt.Errorf("%w: %s is attached to %s", ErrAlreadyAttachedElsewhere, vol.ID, vol.AttachedInstanceID)
			}
			return p.usable(ctx, vol)
		case errors.Is(err, ErrNotFound) && req.VolumeID == "":
			// Named volume does not exist yet; create it with that Name tag.
		default:
			return nil, false, err
		}
	}

	if req.VolumeSizeGB == 0 && req.SnapshotID == "" {
		return nil, false, fmt.Errorf("%w: volume_size_gb or snapshot_id is required to create a volume", ErrMissingParameter)
	}
	if zone == "" {
		return nil, false, fmt.Errorf("%w: zone or instance_id is required to create a volume", ErrMissingParameter)
	}

	input := createInput(req, zone)
	out, err := p.ec2.CreateVolume(ctx, input)
	metrics.ObserveAPICall("CreateVolume", err)
	if err != nil {
		return nil, false, providerError("CreateVolume", err)
	}

	volumeID := aws.ToString(out.VolumeId)
	log := logrus.WithFields(logrus.Fields{
		"volume_id": volumeID,
		"zone":      zone,
		"type":      input.VolumeType,
	})
	log.Info("Created volume, waiting for it to become available")

	vol, err := p.waitForStatus(ctx, volumeID, ec2types.VolumeStateAvailable)
	if err != nil {
		return nil, true, fmt.Errorf("volume %s created but not available: %w", volumeID, err)
	}

	log.Info("Volume available")
	return vol, true, nil
}

// usable returns an existing volume once it can be attached. A volume
// still being created is waited for; one that failed or is going away is
// an error.
func (p *Provisioner) usable(ctx context.Context, vol *types.VolumeSummary) (*types.VolumeSummary, bool, error) {
	log := logrus.WithFields(logrus.Fields{
		"volume_id": vol.ID,
		"status":    vol.Status,
	})

	switch ec2types.VolumeState(vol.Status) {
	case ec2types.VolumeStateError, ec2types.VolumeStateDeleting, ec2types.VolumeStateDeleted:
		return nil, false, fmt.Errorf("%w: %s is %s", ErrVolumeFailed, vol.ID, vol.Status)
	case ec2types.VolumeStateCreating:
		log.Info("Existing volume is still being created, waiting for it to become available")
		available, err := p.waitForStatus(ctx, vol.ID, ec2types.VolumeStateAvailable)
		if err != nil {
			return nil, false, fmt.Errorf("volume %s not available: %w", vol.ID, err)
		}
		return available, false, nil
	}

	log.Debug("Using existing volume")
	return vol, false, nil
}

// EnsureAbsent deletes the volume described by req. A volume that does not
// exist is reported unchanged; an attached volume is never deleted.
func (p *Provisioner) EnsureAbsent(ctx context.Context, req types.ProvisionRequest) (string, bool, error) {
	vol, err := p.Resolve(ctx, req)
	if errors.Is(err, ErrNotFound) {
		return req.VolumeID, false, nil
	}
	if err != nil {
		return "", false, err
	}

	if vol.AttachedInstanceID != "" || vol.Status == string(ec2types.VolumeStateInUse) {
		return vol.ID, false, fmt.Errorf("%w: %s is attached to %s at %s", ErrStillAttached, vol.ID, vol.AttachedInstanceID, vol.AttachedDevice)
	}

	_, err = p.ec2.DeleteVolume(ctx, &ec2.DeleteVolumeInput{VolumeId: aws.String(vol.ID)})
	metrics.ObserveAPICall("DeleteVolume", err)
	if err != nil {
		if apiErrorCode(err) == codeVolumeNotFound {
			return vol.ID, false, nil
		}
		return vol.ID, false, providerError("DeleteVolume", err)
	}

	logrus.WithField("volume_id", vol.ID).Info("Deleted volume")
	return vol.ID, true, nil
}

// List returns the volumes attached to instanceID.
func (p *Provisioner) List(ctx context.Context, instanceID string) ([]types.VolumeSummary, error) {
	if instanceID == "" {
		return nil, fmt.Errorf("%w: instance_id is required to list volumes", ErrMissingParameter)
	}

	volumes, err := p.describeVolumes(ctx, &ec2.DescribeVolumesInput{
		Filters: []ec2types.Filter{{
			Name:   aws.String("attachment.instance-id"),
			Values: []string{instanceID},
		}},
	})
	if err != nil {
		return nil, err
	}

	summaries := make([]types.VolumeSummary, 0, len(volumes))
	for _, v := range volumes {
		summaries = append(summaries, *summarize(v))
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].AttachedDevice < summaries[j].AttachedDevice
	})
	return summaries, nil
}

// waitForStatus polls a volume until it reaches want.
func (p *Provisioner) waitForStatus(ctx context.Context, volumeID string, want ec2types.VolumeState) (*types.VolumeSummary, error) {
	var vol *types.VolumeSummary
	err := p.waitUntil(ctx, func(ctx context.Context) (bool, error) {
		metrics.ObservePoll(string(want))
		v, err := p.Resolve(ctx, types.ProvisionRequest{VolumeID: volumeID})
		if err != nil {
			return false, err
		}
		if v.Status == string(ec2types.VolumeStateError) {
			return false, fmt.Errorf("%w: %s", ErrVolumeFailed, volumeID)
		}
		vol = v
		return v.Status == string(want), nil
	})
	if err != nil {
		return nil, err
	}
	return vol, nil
}

func (p *Provisioner) describeVolumes(ctx context.Context, input *ec2.DescribeVolumesInput) ([]ec2types.Volume, error) {
	var volumes []ec2types.Volume
	paginator := ec2.NewDescribeVolumesPaginator(p.ec2, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		metrics.ObserveAPICall("DescribeVolumes", err)
		if err != nil {
			return nil, providerError("DescribeVolumes", err)
		}
		volumes = append(volumes, page.Volumes...)
	}
	return volumes, nil
}

func createInput(req types.ProvisionRequest, zone string) *ec2.CreateVolumeInput {
	volumeType := req.VolumeType
	if volumeType == "" {
		volumeType = defaultVolumeType
		if req.IOPS > 0 {
			volumeType = iopsVolumeType
		}
	}

	input := &ec2.CreateVolumeInput{
		AvailabilityZone: aws.String(zone),
		VolumeType:       ec2types.VolumeType(volumeType),
	}
	if req.VolumeSizeGB > 0 {
		input.Size = aws.Int32(req.VolumeSizeGB)
	}
	if req.SnapshotID != "" {
		input.SnapshotId = aws.String(req.SnapshotID)
	}
	if req.IOPS > 0 {
		input.Iops = aws.Int32(req.IOPS)
	}
	if req.Encrypted {
		input.Encrypted = aws.Bool(true)
		if req.KMSKeyID != "" {
			input.KmsKeyId = aws.String(req.KMSKeyID)
		}
	}

	tags := make(map[string]string, len(req.Tags)+1)
	for k, v := range req.Tags {
		tags[k] = v
	}
	if req.Name != "" {
		tags[nameTag] = req.Name
	}
	if len(tags) > 0 {
		keys := make([]string, 0, len(tags))
		for k := range tags {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		spec := ec2types.TagSpecification{ResourceType: ec2types.ResourceTypeVolume}
		for _, k := range keys {
			spec.Tags = append(spec.Tags, ec2types.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
		}
		input.TagSpecifications = []ec2types.TagSpecification{spec}
	}

	return input
}

// summarize converts an API volume. Only an attachment that is not
// detached is reported.
func summarize(v ec2types.Volume) *types.VolumeSummary {
	s := &types.VolumeSummary{
		ID:         aws.ToString(v.VolumeId),
		Status:     string(v.State),
		SizeGB:     aws.ToInt32(v.Size),
		VolumeType: string(v.VolumeType),
		IOPS:       aws.ToInt32(v.Iops),
		Zone:       aws.ToString(v.AvailabilityZone),
		Encrypted:  aws.ToBool(v.Encrypted),
		SnapshotID: aws.ToString(v.SnapshotId),
		CreateTime: v.CreateTime,
	}

	if len(v.Tags) > 0 {
		s.Tags = make(map[string]string, len(v.Tags))
		for _, t := range v.Tags {
			s.Tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
		}
	}

	for _, a := range v.Attachments {
		if a.State == ec2types.VolumeAttachmentStateDetached {
			continue
		}
		s.AttachedInstanceID = aws.ToString(a.InstanceId)
		s.AttachedDevice = aws.ToString(a.Device)
		s.AttachmentState = string(a.State)
		s.DeleteOnTermination = aws.ToBool(a.DeleteOnTermination)
		break
	}

	return s
}
