package grants

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/common-fate/clio"
	"github.com/pkg/errors"

	"github.com/exostack/leasegate/pkg/awsx"
	"github.com/exostack/leasegate/pkg/config"
)

type direction string

const (
	directionIngress direction = "INGRESS"
	directionEgress  direction = "EGRESS"
)

// wildcardCIDR is the all-traffic egress rule revoked on every grant so the
// container denies by default before specific egress is allowed.
const wildcardCIDR = "0.0.0.0/0"

// Manager grants, lists and revokes whitelist rules. A Manager is built per
// request with the tenant's credentials; it holds no cross-tenant state.
type Manager struct {
	api   EC2API
	cfg   *config.Config
	alloc *Allocator
	now   func() time.Time
}

func NewManager(api EC2API, cfg *config.Config) *Manager {
	return &Manager{
		api:   api,
		cfg:   cfg,
		alloc: NewAllocator(api, cfg),
		now:   time.Now,
	}
}

// GrantRequest describes one whitelist grant.
type GrantRequest struct {
	Requester  string
	GrantKey   string
	IP         string
	InstanceID string
	Port       int32
	// DurationHours overrides the configured default when non-zero.
	DurationHours int
}

// GrantResult carries the two-part outcome: the ingress authorization and
// its egress mirror.
type GrantResult struct {
	ContainerID string
	Ingress     string
	Egress      string
	Association *AssociationResult
}

// Message renders the result as UI-ready feedback.
func (r *GrantResult) Message() string {
	return r.Ingress + "\n" + r.Egress
}

// Grant validates the request, allocates container capacity, and authorizes
// a mirrored ingress/egress rule pair carrying the encoded grant metadata.
// A rule that already exists is a success, reported as such.
func (m *Manager) Grant(ctx context.Context, req GrantRequest) (*GrantResult, error) {
	if req.Port < 1 || req.Port > 65535 {
		return nil, &ValidationError{Reason: fmt.Sprintf("port %d is out of range", req.Port)}
	}
	family, err := ParseIP(req.IP)
	if err != nil {
		return nil, err
	}

	durationHours := req.DurationHours
	if durationHours == 0 {
		durationHours = m.cfg.DurationHours
	}
	description, err := EncodeDescription(m.now(), req.Requester, req.GrantKey, req.IP, time.Duration(durationHours)*time.Hour)
	if err != nil {
		return nil, err
	}

	container, err := m.alloc.FindOrCreateContainer(ctx, req.InstanceID, family)
	if err != nil {
		return nil, err
	}
	assoc, err := m.alloc.AssociateWithInstance(ctx, req.InstanceID, container.ID)
	if err != nil {
		return nil, err
	}
	clio.Debug(assoc.Message)

	perm := m.permission(req.Port, req.Port, m.cfg.Protocol, HostCIDR(req.IP, family), description, family)

	result := &GrantResult{ContainerID: container.ID, Association: assoc}

	err = m.authorizeIngress(ctx, container.ID, perm)

	// the soft capacity cap can be overshot by concurrent grants; when the
	// provider itself rejects on its rule quota, grow a fresh container and
	// place the rule there instead
	if awsx.IsRuleLimitExceeded(err) {
		clio.Warnf("Container %s is at the provider rule quota, allocating another", container.ID)
		container, err = m.alloc.Grow(ctx, req.InstanceID)
		if err != nil {
			return nil, err
		}
		assoc, err = m.alloc.AssociateWithInstance(ctx, req.InstanceID, container.ID)
		if err != nil {
			return nil, err
		}
		result.ContainerID = container.ID
		result.Association = assoc
		err = m.authorizeIngress(ctx, container.ID, perm)
	}

	switch {
	case awsx.IsDuplicateRule(err):
		result.Ingress = "Ingress access has previously been granted. (Requested ingress rule already exists)"
		clio.Debug(result.Ingress)
	case err != nil:
		return nil, errors.Wrap(err, "authorizing ingress rule")
	default:
		result.Ingress = fmt.Sprintf("Successfully created the requested whitelist ingress rule. [Instance %s | IP %s | port %d]", req.InstanceID, req.IP, req.Port)
	}

	// deny-by-default hardening: drop the provider's all-traffic egress rule
	// before allowing the specific mirror.
	if err := m.revokeWildcardEgress(ctx, container.ID); err != nil {
		return nil, err
	}

	err = awsx.Do(ctx, func(ctx context.Context) error {
		_, err := m.api.AuthorizeSecurityGroupEgress(ctx, &ec2.AuthorizeSecurityGroupEgressInput{
			GroupId:       aws.String(container.ID),
			IpPermissions: []ec2types.IpPermission{perm},
		})
		return err
	})
	switch {
	case awsx.IsDuplicateRule(err):
		result.Egress = "Egress access has previously been granted. (Requested egress rule already exists)"
		clio.Debug(result.Egress)
	case err != nil:
		return nil, errors.Wrap(err, "authorizing egress rule")
	default:
		result.Egress = fmt.Sprintf("Successfully created the requested whitelist egress rule. [Instance %s | IP %s | port %d]", req.InstanceID, req.IP, req.Port)
	}

	return result, nil
}

func (m *Manager) authorizeIngress(ctx context.Context, groupID string, perm ec2types.IpPermission) error {
	return awsx.Do(ctx, func(ctx context.Context) error {
		_, err := m.api.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
			GroupId:       aws.String(groupID),
			IpPermissions: []ec2types.IpPermission{perm},
		})
		return err
	})
}

// Entry is the display projection of one whitelist rule.
type Entry struct {
	Port        string
	IP          string
	InstanceID  string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	CreatedBy   string
	Description string
}

// List walks every ingress and egress rule of both address families across
// all whitelist containers (scoped to one instance if instanceID is set),
// decodes the descriptions, filters on grant key when given, and returns
// entries sorted ascending by expiry.
func (m *Manager) List(ctx context.Context, grantKey, instanceID string) ([]Entry, error) {
	filter := func(description string) bool {
		if grantKey == "" {
			return true
		}
		decoded, err := DecodeDescription(description)
		return err == nil && decoded.GrantKey == grantKey
	}

	v4, v6, err := m.lookupRules(ctx, filter, filter, instanceID)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(v4)+len(v6))
	for _, rule := range append(v4, v6...) {
		decoded, err := DecodeDescription(rule.Description)
		if err != nil {
			clio.Debugw("skipping rule with undecodable description", "group", rule.GroupID, "description", rule.Description)
			continue
		}
		port := fmt.Sprintf("%d", rule.FromPort)
		if rule.FromPort != rule.ToPort {
			port = fmt.Sprintf("%d - %d", rule.FromPort, rule.ToPort)
		}
		entries = append(entries, Entry{
			Port:        port,
			IP:          decoded.IP,
			InstanceID:  rule.InstanceID,
			CreatedAt:   decoded.CreatedAt,
			ExpiresAt:   decoded.ExpiresAt,
			CreatedBy:   decoded.Requester,
			Description: rule.Description,
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ExpiresAt.Before(entries[j].ExpiresAt)
	})
	return entries, nil
}

// RevokeByRequester revokes every rule whose decoded grant key matches,
// optionally narrowed to one IP.
func (m *Manager) RevokeByRequester(ctx context.Context, grantKey, ip, instanceID string) (string, error) {
	filter := func(description string) bool {
		decoded, err := DecodeDescription(description)
		if err != nil {
			return false
		}
		if ip == "" {
			return decoded.GrantKey == grantKey
		}
		return decoded.GrantKey == grantKey && decoded.IP == ip
	}
	if err := m.revokeByFilter(ctx, filter, ip, instanceID); err != nil {
		return "", err
	}
	msg := fmt.Sprintf("All access revoked for grant key %s to instance %s", grantKey, instanceID)
	if ip != "" {
		msg += " from IP " + ip
	}
	return msg, nil
}

// RevokeByDescription revokes the rule whose description matches exactly.
// Used when the caller already holds the literal description from a prior
// List call and wants precise deletion.
func (m *Manager) RevokeByDescription(ctx context.Context, description, ip, instanceID string) (string, error) {
	filter := func(d string) bool {
		return d == description
	}
	if err := m.revokeByFilter(ctx, filter, ip, instanceID); err != nil {
		return "", err
	}
	return "Requested whitelist rule has been deleted.", nil
}

// SweepExpired revokes every rule of both families, across all containers,
// whose decoded expiry has passed. Running it again once swept finds nothing.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	now := m.now()
	filter := func(description string) bool {
		decoded, err := DecodeDescription(description)
		return err == nil && decoded.Expired(now)
	}

	v4, v6, err := m.lookupRules(ctx, filter, filter, "")
	if err != nil {
		return 0, err
	}

	for _, rules := range [][]ruleRef{v4, v6} {
		if err := m.revokeRules(ctx, directionIngress, rules); err != nil {
			return 0, err
		}
		if err := m.revokeRules(ctx, directionEgress, rules); err != nil {
			return 0, err
		}
	}
	return len(v4) + len(v6), nil
}

// revokeByFilter dispatches on the IP's family to scope the lookup, then
// revokes matching ingress rules and their egress mirrors. An empty IP means
// all families, all matching rules.
func (m *Manager) revokeByFilter(ctx context.Context, filter func(description string) bool, ip, instanceID string) error {
	noMatch := func(string) bool { return false }

	if ip == "" {
		v4, v6, err := m.lookupRules(ctx, filter, filter, instanceID)
		if err != nil {
			return err
		}
		for _, rules := range [][]ruleRef{v4, v6} {
			if err := m.revokeRules(ctx, directionIngress, rules); err != nil {
				return err
			}
			if err := m.revokeRules(ctx, directionEgress, rules); err != nil {
				return err
			}
		}
		return nil
	}

	family, err := ParseIP(ip)
	if err != nil {
		return err
	}

	var rules []ruleRef
	if family == FamilyIPv4 {
		rules, _, err = m.lookupRules(ctx, filter, noMatch, instanceID)
	} else {
		_, rules, err = m.lookupRules(ctx, noMatch, filter, instanceID)
	}
	if err != nil {
		return err
	}
	if err := m.revokeRules(ctx, directionIngress, rules); err != nil {
		return err
	}
	return m.revokeRules(ctx, directionEgress, rules)
}

// ruleRef is one concrete rule located during a container walk, retaining
// enough of the provider shape to revoke it precisely.
type ruleRef struct {
	Direction   direction
	GroupID     string
	FromPort    int32
	ToPort      int32
	Protocol    string
	CIDR        string
	Description string
	InstanceID  string
	family      Family
}

// lookupRules re-reads every whitelist container and returns the v4 and v6
// rules whose descriptions pass the family's filter. Both ingress and egress
// rules are walked; groups missing the instance tag are skipped with a
// warning.
func (m *Manager) lookupRules(ctx context.Context, filterV4, filterV6 func(description string) bool, instanceID string) (v4, v6 []ruleRef, err error) {
	groups, err := m.alloc.listContainers(ctx, instanceID)
	if err != nil {
		return nil, nil, err
	}

	for _, sg := range groups {
		groupID := aws.ToString(sg.GroupId)
		var taggedInstance string
		for _, tag := range sg.Tags {
			if aws.ToString(tag.Key) == m.cfg.InstanceTagName {
				taggedInstance = aws.ToString(tag.Value)
			}
		}
		if taggedInstance == "" {
			clio.Warnf("Found container %s (%s) without the expected tag %q, skipping", aws.ToString(sg.GroupName), groupID, m.cfg.InstanceTagName)
			continue
		}

		collect := func(dir direction, perms []ec2types.IpPermission) {
			for _, perm := range perms {
				for _, r := range perm.IpRanges {
					desc := aws.ToString(r.Description)
					if !filterV4(desc) {
						continue
					}
					v4 = append(v4, ruleRef{
						Direction:   dir,
						GroupID:     groupID,
						FromPort:    aws.ToInt32(perm.FromPort),
						ToPort:      aws.ToInt32(perm.ToPort),
						Protocol:    aws.ToString(perm.IpProtocol),
						CIDR:        aws.ToString(r.CidrIp),
						Description: desc,
						InstanceID:  taggedInstance,
						family:      FamilyIPv4,
					})
				}
				for _, r := range perm.Ipv6Ranges {
					desc := aws.ToString(r.Description)
					if !filterV6(desc) {
						continue
					}
					v6 = append(v6, ruleRef{
						Direction:   dir,
						GroupID:     groupID,
						FromPort:    aws.ToInt32(perm.FromPort),
						ToPort:      aws.ToInt32(perm.ToPort),
						Protocol:    aws.ToString(perm.IpProtocol),
						CIDR:        aws.ToString(r.CidrIpv6),
						Description: desc,
						InstanceID:  taggedInstance,
						family:      FamilyIPv6,
					})
				}
			}
		}

		collect(directionIngress, sg.IpPermissions)
		collect(directionEgress, sg.IpPermissionsEgress)
	}
	return v4, v6, nil
}

// revokeRules removes the rules matching the given direction, one provider
// call per rule. A rule already gone is a success; the change feed may
// deliver the same expiry more than once.
func (m *Manager) revokeRules(ctx context.Context, dir direction, rules []ruleRef) error {
	for _, rule := range rules {
		if rule.Direction != dir {
			continue
		}
		perm := m.permission(rule.FromPort, rule.ToPort, rule.Protocol, rule.CIDR, rule.Description, rule.family)

		err := awsx.Do(ctx, func(ctx context.Context) error {
			if dir == directionIngress {
				_, err := m.api.RevokeSecurityGroupIngress(ctx, &ec2.RevokeSecurityGroupIngressInput{
					GroupId:       aws.String(rule.GroupID),
					IpPermissions: []ec2types.IpPermission{perm},
				})
				return err
			}
			_, err := m.api.RevokeSecurityGroupEgress(ctx, &ec2.RevokeSecurityGroupEgressInput{
				GroupId:       aws.String(rule.GroupID),
				IpPermissions: []ec2types.IpPermission{perm},
			})
			return err
		})
		if awsx.IsRuleNotFound(err) {
			clio.Debugw("rule already revoked", "group", rule.GroupID, "cidr", rule.CIDR)
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "revoking %s rule on %s", dir, rule.GroupID)
		}
	}
	return nil
}

// revokeWildcardEgress removes the provider's default allow-all egress rule
// from a container. Its absence is fine.
func (m *Manager) revokeWildcardEgress(ctx context.Context, groupID string) error {
	_, err := m.api.RevokeSecurityGroupEgress(ctx, &ec2.RevokeSecurityGroupEgressInput{
		GroupId: aws.String(groupID),
		IpPermissions: []ec2types.IpPermission{
			{
				FromPort:   aws.Int32(0),
				ToPort:     aws.Int32(65535),
				IpProtocol: aws.String("-1"),
				IpRanges: []ec2types.IpRange{
					{CidrIp: aws.String(wildcardCIDR)},
				},
			},
		},
	})
	if err != nil && !awsx.IsRuleNotFound(err) {
		return errors.Wrap(err, "revoking wildcard egress rule")
	}
	return nil
}

// permission builds the single-CIDR permission for the family.
func (m *Manager) permission(from, to int32, protocol, cidr, description string, family Family) ec2types.IpPermission {
	perm := ec2types.IpPermission{
		FromPort:   aws.Int32(from),
		ToPort:     aws.Int32(to),
		IpProtocol: aws.String(protocol),
	}
	if family == FamilyIPv4 {
		perm.IpRanges = []ec2types.IpRange{
			{CidrIp: aws.String(cidr), Description: aws.String(description)},
		}
	} else {
		perm.Ipv6Ranges = []ec2types.Ipv6Range{
			{CidrIpv6: aws.String(cidr), Description: aws.String(description)},
		}
	}
	return perm
}
