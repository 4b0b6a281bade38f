// package routing flips an instance's subnet between public and private by
// adding or removing the default route to the VPC's internet gateway on the
// subnet's route table.
package routing

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/common-fate/clio"
	"github.com/pkg/errors"

	"github.com/exostack/leasegate/pkg/awsx"
)

// internetCIDR is the default route destination.
const internetCIDR = "0.0.0.0/0"

// EC2API is the subset of the EC2 API the toggler uses.
type EC2API interface {
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	DescribeInternetGateways(ctx context.Context, params *ec2.DescribeInternetGatewaysInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInternetGatewaysOutput, error)
	DescribeRouteTables(ctx context.Context, params *ec2.DescribeRouteTablesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeRouteTablesOutput, error)
	CreateRoute(ctx context.Context, params *ec2.CreateRouteInput, optFns ...func(*ec2.Options)) (*ec2.CreateRouteOutput, error)
	DeleteRoute(ctx context.Context, params *ec2.DeleteRouteInput, optFns ...func(*ec2.Options)) (*ec2.DeleteRouteOutput, error)
}

// State is the resolved routing read-model for one instance. The caller's
// workflow checks IsMainRouteTable and HasInternetGateway before allowing a
// toggle; both are surfaced here for that validation.
type State struct {
	InstanceID         string
	VPCID              string
	SubnetID           string
	RouteTableID       string
	InternetGatewayID  string
	IsMainRouteTable   bool
	HasInternetGateway bool
	HasInternetRoute   bool
}

// Toggler resolves and mutates an instance's subnet routing. Built per
// request with the tenant's credentials.
type Toggler struct {
	api EC2API
}

func NewToggler(api EC2API) *Toggler {
	return &Toggler{api: api}
}

// State re-resolves the instance's VPC, subnet, internet gateway and route
// table, and reports whether a default route currently exists. Nothing is
// cached between calls.
func (t *Toggler) State(ctx context.Context, instanceID string) (*State, error) {
	if instanceID == "" {
		return nil, errors.New("required parameter instanceId missing")
	}

	vpcID, subnetID, err := t.instanceSubnet(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if vpcID == "" || subnetID == "" {
		return nil, errors.Errorf("invalid VPC or subnet for instance %s, the instance may be terminated", instanceID)
	}

	igwID, err := t.internetGateway(ctx, vpcID)
	if err != nil {
		return nil, err
	}

	routeTableID, isMain, hasInternetRoute, err := t.routeTable(ctx, vpcID, subnetID)
	if err != nil {
		return nil, err
	}

	state := &State{
		InstanceID:         instanceID,
		VPCID:              vpcID,
		SubnetID:           subnetID,
		RouteTableID:       routeTableID,
		InternetGatewayID:  igwID,
		IsMainRouteTable:   isMain,
		HasInternetGateway: igwID != "",
		HasInternetRoute:   hasInternetRoute,
	}
	clio.Debugw("resolved routing state",
		"instanceId", instanceID,
		"vpcId", vpcID,
		"subnetId", subnetID,
		"routeTableId", routeTableID,
		"isMain", isMain,
		"internetGatewayId", igwID,
		"hasInternetRoute", hasInternetRoute,
	)
	return state, nil
}

// MakePublic adds the default route to the VPC's internet gateway on the
// instance subnet's route table. The route already existing is a success.
func (t *Toggler) MakePublic(ctx context.Context, instanceID string) error {
	state, err := t.State(ctx, instanceID)
	if err != nil {
		return err
	}
	if state.InternetGatewayID == "" {
		return errors.Errorf("vpc %s has no internet gateway attached", state.VPCID)
	}

	err = awsx.Do(ctx, func(ctx context.Context) error {
		_, err := t.api.CreateRoute(ctx, &ec2.CreateRouteInput{
			RouteTableId:         aws.String(state.RouteTableID),
			DestinationCidrBlock: aws.String(internetCIDR),
			GatewayId:            aws.String(state.InternetGatewayID),
		})
		return err
	})
	if awsx.IsRouteAlreadyExists(err) {
		clio.Debugw("default route already exists", "routeTableId", state.RouteTableID)
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "creating default route")
	}
	clio.Infof("Created default route to %s on route table %s", state.InternetGatewayID, state.RouteTableID)
	return nil
}

// MakePrivate deletes the default route from the instance subnet's route
// table. A missing route is a success; expiry dispatch may be redelivered.
func (t *Toggler) MakePrivate(ctx context.Context, instanceID string) error {
	state, err := t.State(ctx, instanceID)
	if err != nil {
		return err
	}

	err = awsx.Do(ctx, func(ctx context.Context) error {
		_, err := t.api.DeleteRoute(ctx, &ec2.DeleteRouteInput{
			RouteTableId:         aws.String(state.RouteTableID),
			DestinationCidrBlock: aws.String(internetCIDR),
		})
		return err
	})
	if awsx.IsRouteNotFound(err) {
		clio.Debugw("default route already removed", "routeTableId", state.RouteTableID)
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "deleting default route")
	}
	clio.Infof("Deleted default route from route table %s", state.RouteTableID)
	return nil
}

func (t *Toggler) instanceSubnet(ctx context.Context, instanceID string) (vpcID, subnetID string, err error) {
	out, err := t.api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return "", "", errors.Wrap(err, "describing instance")
	}
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			return aws.ToString(inst.VpcId), aws.ToString(inst.SubnetId), nil
		}
	}
	return "", "", errors.Errorf("instance %s not found", instanceID)
}

func (t *Toggler) internetGateway(ctx context.Context, vpcID string) (string, error) {
	out, err := t.api.DescribeInternetGateways(ctx, &ec2.DescribeInternetGatewaysInput{
		Filters: []ec2types.Filter{
			{
				Name:   aws.String("attachment.vpc-id"),
				Values: []string{vpcID},
			},
		},
	})
	if err != nil {
		return "", errors.Wrap(err, "describing internet gateways")
	}
	if len(out.InternetGateways) == 0 {
		return "", nil
	}
	return aws.ToString(out.InternetGateways[0].InternetGatewayId), nil
}

// routeTable resolves the subnet's specifically-associated route table or,
// absent one, the VPC's main table, flagging which case applied.
func (t *Toggler) routeTable(ctx context.Context, vpcID, subnetID string) (routeTableID string, isMain, hasInternetRoute bool, err error) {
	out, err := t.api.DescribeRouteTables(ctx, &ec2.DescribeRouteTablesInput{
		Filters: []ec2types.Filter{
			{
				Name:   aws.String("association.subnet-id"),
				Values: []string{subnetID},
			},
		},
	})
	if err != nil {
		return "", false, false, errors.Wrap(err, "describing subnet route table")
	}

	tables := out.RouteTables
	if len(tables) == 0 {
		isMain = true
		out, err = t.api.DescribeRouteTables(ctx, &ec2.DescribeRouteTablesInput{
			Filters: []ec2types.Filter{
				{
					Name:   aws.String("association.main"),
					Values: []string{"true"},
				},
				{
					Name:   aws.String("vpc-id"),
					Values: []string{vpcID},
				},
			},
		})
		if err != nil {
			return "", false, false, errors.Wrap(err, "describing main route table")
		}
		tables = out.RouteTables
	}
	if len(tables) == 0 {
		return "", false, false, errors.Errorf("no route table found for subnet %s in vpc %s", subnetID, vpcID)
	}

	table := tables[0]
	for _, route := range table.Routes {
		if aws.ToString(route.DestinationCidrBlock) == internetCIDR {
			hasInternetRoute = true
		}
	}
	return aws.ToString(table.RouteTableId), isMain, hasInternetRoute, nil
}
