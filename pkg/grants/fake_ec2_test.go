package grants

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
)

// fakeEC2 is an in-memory security group model implementing EC2API. It
// mimics the provider behaviors the allocator and manager depend on:
// duplicate-rule and duplicate-group errors, the default allow-all egress
// rule on new groups, and tag-based group filtering.
type fakeEC2 struct {
	groups         []*ec2types.SecurityGroup
	instanceVPC    map[string]string
	instanceGroups map[string][]string

	groupLimit int // per-interface association limit; 0 means unlimited
	nextGroup  int

	// ingressErrs is a queue of forced results for AuthorizeSecurityGroupIngress;
	// each call pops one, nil meaning proceed normally
	ingressErrs []error

	calls []string
}

func newFakeEC2() *fakeEC2 {
	return &fakeEC2{
		instanceVPC:    map[string]string{},
		instanceGroups: map[string][]string{},
	}
}

func apiError(code string) error {
	return &smithy.GenericAPIError{Code: code, Message: code}
}

func (f *fakeEC2) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeEC2) group(id string) *ec2types.SecurityGroup {
	for _, sg := range f.groups {
		if aws.ToString(sg.GroupId) == id {
			return sg
		}
	}
	return nil
}

// addGroup seeds a tagged whitelist group.
func (f *fakeEC2) addGroup(name, vpcID, instanceTag, instanceID string) *ec2types.SecurityGroup {
	f.nextGroup++
	sg := &ec2types.SecurityGroup{
		GroupId:   aws.String(fmt.Sprintf("sg-%04d", f.nextGroup)),
		GroupName: aws.String(name),
		VpcId:     aws.String(vpcID),
		Tags: []ec2types.Tag{
			{Key: aws.String(instanceTag), Value: aws.String(instanceID)},
		},
		IpPermissionsEgress: []ec2types.IpPermission{
			{
				IpProtocol: aws.String("-1"),
				IpRanges:   []ec2types.IpRange{{CidrIp: aws.String("0.0.0.0/0")}},
			},
		},
	}
	f.groups = append(f.groups, sg)
	return sg
}

func (f *fakeEC2) DescribeSecurityGroups(ctx context.Context, params *ec2.DescribeSecurityGroupsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error) {
	f.record("DescribeSecurityGroups")
	var out []ec2types.SecurityGroup
	for _, sg := range f.groups {
		if matchesFilters(sg, params.Filters) {
			out = append(out, *sg)
		}
	}
	return &ec2.DescribeSecurityGroupsOutput{SecurityGroups: out}, nil
}

func matchesFilters(sg *ec2types.SecurityGroup, filters []ec2types.Filter) bool {
	for _, filter := range filters {
		name := aws.ToString(filter.Name)
		switch {
		case name == "vpc-id":
			if !contains(filter.Values, aws.ToString(sg.VpcId)) {
				return false
			}
		case name == "group-name":
			if !contains(filter.Values, aws.ToString(sg.GroupName)) {
				return false
			}
		case name == "tag-key":
			found := false
			for _, tag := range sg.Tags {
				if contains(filter.Values, aws.ToString(tag.Key)) {
					found = true
				}
			}
			if !found {
				return false
			}
		case strings.HasPrefix(name, "tag:"):
			key := strings.TrimPrefix(name, "tag:")
			found := false
			for _, tag := range sg.Tags {
				if aws.ToString(tag.Key) == key && contains(filter.Values, aws.ToString(tag.Value)) {
					found = true
				}
			}
			if !found {
				return false
			}
		}
	}
	return true
}

func contains(values []string, v string) bool {
	for _, value := range values {
		if value == v {
			return true
		}
	}
	return false
}

func (f *fakeEC2) CreateSecurityGroup(ctx context.Context, params *ec2.CreateSecurityGroupInput, optFns ...func(*ec2.Options)) (*ec2.CreateSecurityGroupOutput, error) {
	f.record("CreateSecurityGroup")
	for _, sg := range f.groups {
		if aws.ToString(sg.GroupName) == aws.ToString(params.GroupName) && aws.ToString(sg.VpcId) == aws.ToString(params.VpcId) {
			return nil, apiError("InvalidGroup.Duplicate")
		}
	}
	f.nextGroup++
	sg := &ec2types.SecurityGroup{
		GroupId:   aws.String(fmt.Sprintf("sg-%04d", f.nextGroup)),
		GroupName: params.GroupName,
		VpcId:     params.VpcId,
		IpPermissionsEgress: []ec2types.IpPermission{
			{
				IpProtocol: aws.String("-1"),
				IpRanges:   []ec2types.IpRange{{CidrIp: aws.String("0.0.0.0/0")}},
			},
		},
	}
	f.groups = append(f.groups, sg)
	return &ec2.CreateSecurityGroupOutput{GroupId: sg.GroupId}, nil
}

func (f *fakeEC2) CreateTags(ctx context.Context, params *ec2.CreateTagsInput, optFns ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error) {
	f.record("CreateTags")
	for _, resource := range params.Resources {
		if sg := f.group(resource); sg != nil {
			sg.Tags = append(sg.Tags, params.Tags...)
		}
	}
	return &ec2.CreateTagsOutput{}, nil
}

func (f *fakeEC2) DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	f.record("DescribeInstances")
	var instances []ec2types.Instance
	for _, id := range params.InstanceIds {
		if vpc, ok := f.instanceVPC[id]; ok {
			instances = append(instances, ec2types.Instance{
				InstanceId: aws.String(id),
				VpcId:      aws.String(vpc),
			})
		}
	}
	return &ec2.DescribeInstancesOutput{
		Reservations: []ec2types.Reservation{{Instances: instances}},
	}, nil
}

func (f *fakeEC2) DescribeInstanceAttribute(ctx context.Context, params *ec2.DescribeInstanceAttributeInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstanceAttributeOutput, error) {
	f.record("DescribeInstanceAttribute")
	var groups []ec2types.GroupIdentifier
	for _, id := range f.instanceGroups[aws.ToString(params.InstanceId)] {
		groups = append(groups, ec2types.GroupIdentifier{GroupId: aws.String(id)})
	}
	return &ec2.DescribeInstanceAttributeOutput{Groups: groups}, nil
}

func (f *fakeEC2) ModifyInstanceAttribute(ctx context.Context, params *ec2.ModifyInstanceAttributeInput, optFns ...func(*ec2.Options)) (*ec2.ModifyInstanceAttributeOutput, error) {
	f.record("ModifyInstanceAttribute")
	if f.groupLimit > 0 && len(params.Groups) > f.groupLimit {
		return nil, apiError("SecurityGroupsPerInstanceLimitExceeded")
	}
	f.instanceGroups[aws.ToString(params.InstanceId)] = params.Groups
	return &ec2.ModifyInstanceAttributeOutput{}, nil
}

func (f *fakeEC2) AuthorizeSecurityGroupIngress(ctx context.Context, params *ec2.AuthorizeSecurityGroupIngressInput, optFns ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupIngressOutput, error) {
	f.record("AuthorizeSecurityGroupIngress")
	if len(f.ingressErrs) > 0 {
		err := f.ingressErrs[0]
		f.ingressErrs = f.ingressErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	sg := f.group(aws.ToString(params.GroupId))
	if sg == nil {
		return nil, apiError("InvalidGroup.NotFound")
	}
	if err := authorize(&sg.IpPermissions, params.IpPermissions); err != nil {
		return nil, err
	}
	return &ec2.AuthorizeSecurityGroupIngressOutput{}, nil
}

func (f *fakeEC2) AuthorizeSecurityGroupEgress(ctx context.Context, params *ec2.AuthorizeSecurityGroupEgressInput, optFns ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupEgressOutput, error) {
	f.record("AuthorizeSecurityGroupEgress")
	sg := f.group(aws.ToString(params.GroupId))
	if sg == nil {
		return nil, apiError("InvalidGroup.NotFound")
	}
	if err := authorize(&sg.IpPermissionsEgress, params.IpPermissions); err != nil {
		return nil, err
	}
	return &ec2.AuthorizeSecurityGroupEgressOutput{}, nil
}

func (f *fakeEC2) RevokeSecurityGroupIngress(ctx context.Context, params *ec2.RevokeSecurityGroupIngressInput, optFns ...func(*ec2.Options)) (*ec2.RevokeSecurityGroupIngressOutput, error) {
	f.record("RevokeSecurityGroupIngress")
	sg := f.group(aws.ToString(params.GroupId))
	if sg == nil {
		return nil, apiError("InvalidGroup.NotFound")
	}
	if err := revoke(&sg.IpPermissions, params.IpPermissions); err != nil {
		return nil, err
	}
	return &ec2.RevokeSecurityGroupIngressOutput{}, nil
}

func (f *fakeEC2) RevokeSecurityGroupEgress(ctx context.Context, params *ec2.RevokeSecurityGroupEgressInput, optFns ...func(*ec2.Options)) (*ec2.RevokeSecurityGroupEgressOutput, error) {
	f.record("RevokeSecurityGroupEgress")
	sg := f.group(aws.ToString(params.GroupId))
	if sg == nil {
		return nil, apiError("InvalidGroup.NotFound")
	}
	if err := revoke(&sg.IpPermissionsEgress, params.IpPermissions); err != nil {
		return nil, err
	}
	return &ec2.RevokeSecurityGroupEgressOutput{}, nil
}

// authorize appends requested permissions, rejecting exact duplicates the
// way the provider does.
func authorize(existing *[]ec2types.IpPermission, requested []ec2types.IpPermission) error {
	for _, req := range requested {
		for _, perm := range *existing {
			if permMatches(perm, req) {
				return apiError("InvalidPermission.Duplicate")
			}
		}
	}
	*existing = append(*existing, requested...)
	return nil
}

// revoke removes the matching permission, or fails with the provider's
// not-found code.
func revoke(existing *[]ec2types.IpPermission, requested []ec2types.IpPermission) error {
	for _, req := range requested {
		found := false
		kept := (*existing)[:0]
		for _, perm := range *existing {
			if !found && permMatches(perm, req) {
				found = true
				continue
			}
			kept = append(kept, perm)
		}
		if !found {
			return apiError("InvalidPermission.NotFound")
		}
		*existing = kept
	}
	return nil
}

// permMatches compares a stored permission against a request. Protocol "-1"
// matches regardless of ports, as the provider does.
func permMatches(perm, req ec2types.IpPermission) bool {
	if aws.ToString(perm.IpProtocol) != aws.ToString(req.IpProtocol) {
		return false
	}
	if aws.ToString(req.IpProtocol) != "-1" {
		if aws.ToInt32(perm.FromPort) != aws.ToInt32(req.FromPort) || aws.ToInt32(perm.ToPort) != aws.ToInt32(req.ToPort) {
			return false
		}
	}
	for _, reqRange := range req.IpRanges {
		for _, permRange := range perm.IpRanges {
			if aws.ToString(permRange.CidrIp) == aws.ToString(reqRange.CidrIp) {
				return true
			}
		}
	}
	for _, reqRange := range req.Ipv6Ranges {
		for _, permRange := range perm.Ipv6Ranges {
			if aws.ToString(permRange.CidrIpv6) == aws.ToString(reqRange.CidrIpv6) {
				return true
			}
		}
	}
	return false
}
