package provisioner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
)

// fakeEC2 is an in-memory EC2API. Created volumes report "creating" and
// new attachments report "attaching" for pendingPolls describes before
// settling. With failAttach set, attachments settle as "detached".
// Each DescribeVolumes call takes describeDelay.
type fakeEC2 struct {
	mu sync.Mutex

	volumes       map[string]*ec2types.Volume
	instances     map[string]*ec2types.Instance
	passwordData  map[string]string
	pending       map[string]int
	pendingPolls  int
	failAttach    bool
	describeDelay time.Duration

	errs  map[string]error
	calls map[string]int
	seq   int

	lastCreate *ec2.CreateVolumeInput
	lastAttach *ec2.AttachVolumeInput
	lastModify *ec2.ModifyInstanceAttributeInput
}

func newFakeEC2() *fakeEC2 {
	return &fakeEC2{
		volumes:      make(map[string]*ec2types.Volume),
		instances:    make(map[string]*ec2types.Instance),
		passwordData: make(map[string]string),
		pending:      make(map[string]int),
		pendingPolls: 1,
		errs:         make(map[string]error),
		calls:        make(map[string]int),
	}
}

func apiError(code, message string) error {
	return &smithy.GenericAPIError{Code: code, Message: message}
}

func (f *fakeEC2) addVolume(id, zone, name string, state ec2types.VolumeState) *ec2types.Volume {
	v := &ec2types.Volume{
		VolumeId:         aws.String(id),
		AvailabilityZone: aws.String(zone),
		State:            state,
		Size:             aws.Int32(10),
		VolumeType:       ec2types.VolumeTypeStandard,
	}
	if name != "" {
		v.Tags = []ec2types.Tag{{Key: aws.String("Name"), Value: aws.String(name)}}
	}
	f.volumes[id] = v
	return v
}

func (f *fakeEC2) attachExisting(volumeID, instanceID, device string) {
	v := f.volumes[volumeID]
	v.State = ec2types.VolumeStateInUse
	v.Attachments = []ec2types.VolumeAttachment{{
		InstanceId: aws.String(instanceID),
		Device:     aws.String(device),
		VolumeId:   aws.String(volumeID),
		State:      ec2types.VolumeAttachmentStateAttached,
	}}
	if inst, ok := f.instances[instanceID]; ok {
		inst.BlockDeviceMappings = append(inst.BlockDeviceMappings, ec2types.InstanceBlockDeviceMapping{
			DeviceName: aws.String(device),
			Ebs:        &ec2types.EbsInstanceBlockDevice{VolumeId: aws.String(volumeID)},
		})
	}
}

func (f *fakeEC2) addInstance(id, zone string) *ec2types.Instance {
	inst := &ec2types.Instance{
		InstanceId: aws.String(id),
		Placement:  &ec2types.Placement{AvailabilityZone: aws.String(zone)},
		BlockDeviceMappings: []ec2types.InstanceBlockDeviceMapping{{
			DeviceName: aws.String("/dev/sda1"),
			Ebs:        &ec2types.EbsInstanceBlockDevice{VolumeId: aws.String("vol-root")},
		}},
	}
	f.instances[id] = inst
	return inst
}

func (f *fakeEC2) record(op string) error {
	f.calls[op]++
	return f.errs[op]
}

func (f *fakeEC2) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeEC2) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

func tagValue(tags []ec2types.Tag, key string) string {
	for _, t := range tags {
		if aws.ToString(t.Key) == key {
			return aws.ToString(t.Value)
		}
	}
	return ""
}

func matches(v *ec2types.Volume, filters []ec2types.Filter) bool {
	for _, flt := range filters {
		name := aws.ToString(flt.Name)
		var got string
		switch {
		case name == "availability-zone":
			got = aws.ToString(v.AvailabilityZone)
		case name == "attachment.instance-id":
			if len(v.Attachments) > 0 {
				got = aws.ToString(v.Attachments[0].InstanceId)
			}
		case len(name) > 4 && name[:4] == "tag:":
			got = tagValue(v.Tags, name[4:])
		default:
			return false
		}
		ok := false
		for _, want := range flt.Values {
			if got == want {
				ok = true
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// settle advances pending transitions on each describe.
func (f *fakeEC2) settle(v *ec2types.Volume) {
	id := aws.ToString(v.VolumeId)
	if f.pending[id] > 0 {
		f.pending[id]--
		return
	}
	if v.State == ec2types.VolumeStateCreating {
		v.State = ec2types.VolumeStateAvailable
	}
	for i := range v.Attachments {
		if v.Attachments[i].State != ec2types.VolumeAttachmentStateAttaching {
			continue
		}
		if f.failAttach {
			v.Attachments[i].State = ec2types.VolumeAttachmentStateDetached
			continue
		}
		v.Attachments[i].State = ec2types.VolumeAttachmentStateAttached
		v.State = ec2types.VolumeStateInUse
	}
}

func (f *fakeEC2) DescribeVolumes(ctx context.Context, in *ec2.DescribeVolumesInput, _ ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error) {
	if f.describeDelay > 0 {
		select {
		case <-time.After(f.describeDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DescribeVolumes"); err != nil {
		return nil, err
	}

	out := &ec2.DescribeVolumesOutput{}
	if len(in.VolumeIds) > 0 {
		for _, id := range in.VolumeIds {
			v, ok := f.volumes[id]
			if !ok {
				return nil, apiError("InvalidVolume.NotFound", fmt.Sprintf("The volume '%s' does not exist.", id))
			}
			if matches(v, in.Filters) {
				f.settle(v)
				out.Volumes = append(out.Volumes, *v)
			}
		}
		return out, nil
	}

	for _, v := range f.volumes {
		if matches(v, in.Filters) {
			f.settle(v)
			out.Volumes = append(out.Volumes, *v)
		}
	}
	return out, nil
}

func (f *fakeEC2) CreateVolume(_ context.Context, in *ec2.CreateVolumeInput, _ ...func(*ec2.Options)) (*ec2.CreateVolumeOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateVolume"); err != nil {
		return nil, err
	}

	f.seq++
	id := fmt.Sprintf("vol-%04d", f.seq)
	v := &ec2types.Volume{
		VolumeId:         aws.String(id),
		AvailabilityZone: in.AvailabilityZone,
		State:            ec2types.VolumeStateCreating,
		Size:             in.Size,
		Iops:             in.Iops,
		VolumeType:       in.VolumeType,
		SnapshotId:       in.SnapshotId,
		Encrypted:        in.Encrypted,
	}
	for _, spec := range in.TagSpecifications {
		v.Tags = append(v.Tags, spec.Tags...)
	}
	f.volumes[id] = v
	f.pending[id] = f.pendingPolls
	f.lastCreate = in

	return &ec2.CreateVolumeOutput{VolumeId: aws.String(id), State: v.State}, nil
}

func (f *fakeEC2) AttachVolume(_ context.Context, in *ec2.AttachVolumeInput, _ ...func(*ec2.Options)) (*ec2.AttachVolumeOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("AttachVolume"); err != nil {
		return nil, err
	}

	id := aws.ToString(in.VolumeId)
	v, ok := f.volumes[id]
	if !ok {
		return nil, apiError("InvalidVolume.NotFound", "no such volume")
	}
	if len(v.Attachments) > 0 {
		return nil, apiError("VolumeInUse", fmt.Sprintf("%s is already attached to an instance", id))
	}
	v.Attachments = []ec2types.VolumeAttachment{{
		InstanceId: in.InstanceId,
		Device:     in.Device,
		VolumeId:   in.VolumeId,
		State:      ec2types.VolumeAttachmentStateAttaching,
	}}
	f.pending[id] = f.pendingPolls
	f.lastAttach = in

	return &ec2.AttachVolumeOutput{
		Device:     in.Device,
		InstanceId: in.InstanceId,
		VolumeId:   in.VolumeId,
		State:      ec2types.VolumeAttachmentStateAttaching,
	}, nil
}

func (f *fakeEC2) DeleteVolume(_ context.Context, in *ec2.DeleteVolumeInput, _ ...func(*ec2.Options)) (*ec2.DeleteVolumeOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeleteVolume"); err != nil {
		return nil, err
	}

	id := aws.ToString(in.VolumeId)
	if _, ok := f.volumes[id]; !ok {
		return nil, apiError("InvalidVolume.NotFound", "no such volume")
	}
	delete(f.volumes, id)
	return &ec2.DeleteVolumeOutput{}, nil
}

func (f *fakeEC2) DescribeInstances(_ context.Context, in *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DescribeInstances"); err != nil {
		return nil, err
	}

	out := &ec2.DescribeInstancesOutput{}
	for _, id := range in.InstanceIds {
		inst, ok := f.instances[id]
		if !ok {
			return nil, apiError("InvalidInstanceID.NotFound", fmt.Sprintf("The instance ID '%s' does not exist", id))
		}
		out.Reservations = append(out.Reservations, ec2types.Reservation{Instances: []ec2types.Instance{*inst}})
	}
	return out, nil
}

func (f *fakeEC2) GetPasswordData(_ context.Context, in *ec2.GetPasswordDataInput, _ ...func(*ec2.Options)) (*ec2.GetPasswordDataOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetPasswordData"); err != nil {
		return nil, err
	}

	return &ec2.GetPasswordDataOutput{
		InstanceId:   in.InstanceId,
		PasswordData: aws.String(f.passwordData[aws.ToString(in.InstanceId)]),
	}, nil
}

func (f *fakeEC2) ModifyInstanceAttribute(_ context.Context, in *ec2.ModifyInstanceAttributeInput, _ ...func(*ec2.Options)) (*ec2.ModifyInstanceAttributeOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ModifyInstanceAttribute"); err != nil {
		return nil, err
	}
	f.lastModify = in
	return &ec2.ModifyInstanceAttributeOutput{}, nil
}
