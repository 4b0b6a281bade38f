package grants

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/common-fate/clio"
	"github.com/pkg/errors"

	"github.com/exostack/leasegate/pkg/awsx"
	"github.com/exostack/leasegate/pkg/config"
)

// Container is a whitelist security group scoped to one VPC and tagged to
// one target instance.
type Container struct {
	ID    string
	Name  string
	VPCID string
}

// AssociationResult reports the outcome of attaching a container to an
// instance. Hitting the provider's per-interface group limit is a non-fatal,
// caller-visible outcome rather than an error.
type AssociationResult struct {
	Associated        bool
	AlreadyAssociated bool
	LimitExceeded     bool
	Message           string
}

// Allocator finds or creates a whitelist security group with spare rule
// capacity for an instance.
type Allocator struct {
	api EC2API
	cfg *config.Config
	now func() time.Time
}

func NewAllocator(api EC2API, cfg *config.Config) *Allocator {
	return &Allocator{api: api, cfg: cfg, now: time.Now}
}

// FindOrCreateContainer returns the first container tagged to the instance
// with spare capacity for the requested address family, creating a new one
// when none exists or all are full. Listings are re-read on every call; no
// rule state is cached.
func (a *Allocator) FindOrCreateContainer(ctx context.Context, instanceID string, family Family) (*Container, error) {
	groups, err := a.listContainers(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	if len(groups) == 0 {
		clio.Debugw("no whitelist container exists for instance, creating one", "instanceId", instanceID)
		return a.createContainer(ctx, instanceID, 0)
	}

	for _, sg := range groups {
		count := ruleCount(sg, family)
		if count < a.cfg.MaxRulesPerContainer {
			clio.Debugw("reusing whitelist container with spare capacity", "group", aws.ToString(sg.GroupName), "rules", count)
			return &Container{
				ID:    aws.ToString(sg.GroupId),
				Name:  aws.ToString(sg.GroupName),
				VPCID: aws.ToString(sg.VpcId),
			}, nil
		}
	}

	clio.Debugw("all whitelist containers are at capacity, creating a new one", "instanceId", instanceID, "existing", len(groups))
	return a.createContainer(ctx, instanceID, len(groups))
}

// Grow creates an additional container for the instance. Used when the
// provider rejects a rule for quota reasons despite the soft capacity cap,
// which can happen when concurrent grants overshoot it.
func (a *Allocator) Grow(ctx context.Context, instanceID string) (*Container, error) {
	groups, err := a.listContainers(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return a.createContainer(ctx, instanceID, len(groups))
}

// AssociateWithInstance attaches a container to the instance's security
// group set. It no-ops when the association already exists, and degrades the
// per-interface limit error into an informational result.
func (a *Allocator) AssociateWithInstance(ctx context.Context, instanceID, groupID string) (*AssociationResult, error) {
	attr, err := a.api.DescribeInstanceAttribute(ctx, &ec2.DescribeInstanceAttributeInput{
		InstanceId: aws.String(instanceID),
		Attribute:  ec2types.InstanceAttributeNameGroupSet,
	})
	if err != nil {
		return nil, errors.Wrap(err, "reading instance security group set")
	}

	groupIDs := make([]string, 0, len(attr.Groups)+1)
	for _, g := range attr.Groups {
		if aws.ToString(g.GroupId) == groupID {
			return &AssociationResult{
				AlreadyAssociated: true,
				Message:           fmt.Sprintf("instance %s and container %s association already exists", instanceID, groupID),
			}, nil
		}
		groupIDs = append(groupIDs, aws.ToString(g.GroupId))
	}
	groupIDs = append(groupIDs, groupID)

	_, err = a.api.ModifyInstanceAttribute(ctx, &ec2.ModifyInstanceAttributeInput{
		InstanceId: aws.String(instanceID),
		Groups:     groupIDs,
	})
	if awsx.IsAssociationLimitExceeded(err) {
		msg := fmt.Sprintf("unable to associate container %s with instance %s: security groups per interface limit exceeded", groupID, instanceID)
		clio.Warn(msg)
		return &AssociationResult{LimitExceeded: true, Message: msg}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "associating container with instance")
	}

	return &AssociationResult{
		Associated: true,
		Message:    fmt.Sprintf("associated container %s with instance %s", groupID, instanceID),
	}, nil
}

// listContainers fetches all whitelist groups, scoped to one instance when
// instanceID is non-empty.
func (a *Allocator) listContainers(ctx context.Context, instanceID string) ([]ec2types.SecurityGroup, error) {
	filters := []ec2types.Filter{
		{
			Name:   aws.String("tag-key"),
			Values: []string{a.cfg.InstanceTagName},
		},
	}
	if instanceID != "" {
		filters = append(filters, ec2types.Filter{
			Name:   aws.String("tag:" + a.cfg.InstanceTagName),
			Values: []string{instanceID},
		})
	}

	out, err := a.api.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
		Filters: filters,
	})
	if err != nil {
		return nil, errors.Wrap(err, "listing whitelist containers")
	}
	return out.SecurityGroups, nil
}

// createContainer resolves the instance's VPC and creates a tagged whitelist
// group. The group name includes the count of groups observed at decision
// time, so two concurrent allocators that both saw the same state race to
// create the same name and the provider rejects the loser, which then adopts
// the winner's group.
func (a *Allocator) createContainer(ctx context.Context, instanceID string, generation int) (*Container, error) {
	vpcID, err := a.instanceVPC(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	name := fmt.Sprintf("%s-%s-%d", a.cfg.WhitelistTagPrefix, instanceID, generation)

	created, err := a.api.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
		VpcId:       aws.String(vpcID),
		GroupName:   aws.String(name),
		Description: aws.String(fmt.Sprintf("whitelist container for instance %s (created %s)", instanceID, a.now().UTC().Format(time.RFC3339))),
	})
	if awsx.IsGroupDuplicate(err) {
		clio.Debugw("lost container creation race, adopting existing group", "name", name)
		return a.findContainerByName(ctx, vpcID, name)
	}
	if err != nil {
		return nil, errors.Wrap(err, "creating whitelist container")
	}

	groupID := aws.ToString(created.GroupId)
	_, err = a.api.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{groupID},
		Tags: []ec2types.Tag{
			{
				Key:   aws.String(a.cfg.InstanceTagName),
				Value: aws.String(instanceID),
			},
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "tagging whitelist container")
	}

	clio.Infof("Created whitelist container %s (%s) in vpc %s for instance %s", name, groupID, vpcID, instanceID)
	return &Container{ID: groupID, Name: name, VPCID: vpcID}, nil
}

func (a *Allocator) findContainerByName(ctx context.Context, vpcID, name string) (*Container, error) {
	out, err := a.api.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("vpc-id"), Values: []string{vpcID}},
			{Name: aws.String("group-name"), Values: []string{name}},
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "looking up existing whitelist container")
	}
	if len(out.SecurityGroups) == 0 {
		return nil, errors.Errorf("whitelist container %s disappeared after creation race", name)
	}
	sg := out.SecurityGroups[0]
	return &Container{
		ID:    aws.ToString(sg.GroupId),
		Name:  aws.ToString(sg.GroupName),
		VPCID: aws.ToString(sg.VpcId),
	}, nil
}

func (a *Allocator) instanceVPC(ctx context.Context, instanceID string) (string, error) {
	out, err := a.api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return "", errors.Wrap(err, "describing instance")
	}
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			if aws.ToString(inst.VpcId) != "" {
				return aws.ToString(inst.VpcId), nil
			}
		}
	}
	return "", errors.Errorf("no VPC found for instance %s, the instance may be terminated", instanceID)
}

// ruleCount sums the rules of one address family across a group's ingress
// permissions.
func ruleCount(sg ec2types.SecurityGroup, family Family) int {
	count := 0
	for _, perm := range sg.IpPermissions {
		if family == FamilyIPv4 {
			count += len(perm.IpRanges)
		} else {
			count += len(perm.Ipv6Ranges)
		}
	}
	return count
}
