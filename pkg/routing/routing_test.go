package routing

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeVPC is an in-memory routing model implementing EC2API.
type fakeVPC struct {
	instanceVPC    map[string]string
	instanceSubnet map[string]string
	gatewayVPC     map[string]string // igw id -> attached vpc

	tables []*fakeTable
}

type fakeTable struct {
	id      string
	vpcID   string
	subnets []string // associated subnets; empty plus main=true means main table
	main    bool
	routes  []string // destination CIDR blocks
}

func newFakeVPC() *fakeVPC {
	return &fakeVPC{
		instanceVPC:    map[string]string{},
		instanceSubnet: map[string]string{},
		gatewayVPC:     map[string]string{},
	}
}

func (f *fakeVPC) table(id string) *fakeTable {
	for _, t := range f.tables {
		if t.id == id {
			return t
		}
	}
	return nil
}

func apiError(code string) error {
	return &smithy.GenericAPIError{Code: code, Message: code}
}

func (f *fakeVPC) DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	var instances []ec2types.Instance
	for _, id := range params.InstanceIds {
		if vpc, ok := f.instanceVPC[id]; ok {
			instances = append(instances, ec2types.Instance{
				InstanceId: aws.String(id),
				VpcId:      aws.String(vpc),
				SubnetId:   aws.String(f.instanceSubnet[id]),
			})
		}
	}
	return &ec2.DescribeInstancesOutput{
		Reservations: []ec2types.Reservation{{Instances: instances}},
	}, nil
}

func (f *fakeVPC) DescribeInternetGateways(ctx context.Context, params *ec2.DescribeInternetGatewaysInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInternetGatewaysOutput, error) {
	var vpcFilter string
	for _, filter := range params.Filters {
		if aws.ToString(filter.Name) == "attachment.vpc-id" && len(filter.Values) > 0 {
			vpcFilter = filter.Values[0]
		}
	}
	var gateways []ec2types.InternetGateway
	for id, vpc := range f.gatewayVPC {
		if vpc == vpcFilter {
			gateways = append(gateways, ec2types.InternetGateway{
				InternetGatewayId: aws.String(id),
			})
		}
	}
	return &ec2.DescribeInternetGatewaysOutput{InternetGateways: gateways}, nil
}

func (f *fakeVPC) DescribeRouteTables(ctx context.Context, params *ec2.DescribeRouteTablesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeRouteTablesOutput, error) {
	var subnetFilter, vpcFilter string
	var mainFilter bool
	for _, filter := range params.Filters {
		switch aws.ToString(filter.Name) {
		case "association.subnet-id":
			subnetFilter = filter.Values[0]
		case "association.main":
			mainFilter = filter.Values[0] == "true"
		case "vpc-id":
			vpcFilter = filter.Values[0]
		}
	}

	var tables []ec2types.RouteTable
	for _, t := range f.tables {
		if subnetFilter != "" {
			matched := false
			for _, subnet := range t.subnets {
				if subnet == subnetFilter {
					matched = true
				}
			}
			if !matched {
				continue
			}
		}
		if mainFilter && !t.main {
			continue
		}
		if vpcFilter != "" && t.vpcID != vpcFilter {
			continue
		}
		var routes []ec2types.Route
		for _, cidr := range t.routes {
			routes = append(routes, ec2types.Route{DestinationCidrBlock: aws.String(cidr)})
		}
		tables = append(tables, ec2types.RouteTable{
			RouteTableId: aws.String(t.id),
			VpcId:        aws.String(t.vpcID),
			Routes:       routes,
		})
	}
	return &ec2.DescribeRouteTablesOutput{RouteTables: tables}, nil
}

func (f *fakeVPC) CreateRoute(ctx context.Context, params *ec2.CreateRouteInput, optFns ...func(*ec2.Options)) (*ec2.CreateRouteOutput, error) {
	t := f.table(aws.ToString(params.RouteTableId))
	if t == nil {
		return nil, apiError("InvalidRouteTableID.NotFound")
	}
	dest := aws.ToString(params.DestinationCidrBlock)
	for _, cidr := range t.routes {
		if cidr == dest {
			return nil, apiError("RouteAlreadyExists")
		}
	}
	t.routes = append(t.routes, dest)
	return &ec2.CreateRouteOutput{Return: aws.Bool(true)}, nil
}

func (f *fakeVPC) DeleteRoute(ctx context.Context, params *ec2.DeleteRouteInput, optFns ...func(*ec2.Options)) (*ec2.DeleteRouteOutput, error) {
	t := f.table(aws.ToString(params.RouteTableId))
	if t == nil {
		return nil, apiError("InvalidRouteTableID.NotFound")
	}
	dest := aws.ToString(params.DestinationCidrBlock)
	for i, cidr := range t.routes {
		if cidr == dest {
			t.routes = append(t.routes[:i], t.routes[i+1:]...)
			return &ec2.DeleteRouteOutput{}, nil
		}
	}
	return nil, apiError("InvalidRoute.NotFound")
}

// privateSubnetVPC wires one instance in a private subnet with a dedicated
// route table and an attached internet gateway.
func privateSubnetVPC() *fakeVPC {
	fake := newFakeVPC()
	fake.instanceVPC["i-1"] = "vpc-1"
	fake.instanceSubnet["i-1"] = "subnet-1"
	fake.gatewayVPC["igw-1"] = "vpc-1"
	fake.tables = append(fake.tables,
		&fakeTable{id: "rtb-main", vpcID: "vpc-1", main: true, routes: []string{"10.0.0.0/16"}},
		&fakeTable{id: "rtb-1", vpcID: "vpc-1", subnets: []string{"subnet-1"}, routes: []string{"10.0.0.0/16"}},
	)
	return fake
}

func TestStateResolvesAssociatedTable(t *testing.T) {
	fake := privateSubnetVPC()
	toggler := NewToggler(fake)

	state, err := toggler.State(context.Background(), "i-1")
	require.NoError(t, err)
	assert.Equal(t, "vpc-1", state.VPCID)
	assert.Equal(t, "subnet-1", state.SubnetID)
	assert.Equal(t, "rtb-1", state.RouteTableID)
	assert.Equal(t, "igw-1", state.InternetGatewayID)
	assert.False(t, state.IsMainRouteTable)
	assert.True(t, state.HasInternetGateway)
	assert.False(t, state.HasInternetRoute)
}

func TestStateFallsBackToMainTable(t *testing.T) {
	fake := privateSubnetVPC()
	// subnet has no explicit association
	fake.table("rtb-1").subnets = nil
	toggler := NewToggler(fake)

	state, err := toggler.State(context.Background(), "i-1")
	require.NoError(t, err)
	assert.Equal(t, "rtb-main", state.RouteTableID)
	assert.True(t, state.IsMainRouteTable)
}

func TestStateRequiresInstanceID(t *testing.T) {
	toggler := NewToggler(newFakeVPC())
	_, err := toggler.State(context.Background(), "")
	require.Error(t, err)
}

func TestStateUnknownInstance(t *testing.T) {
	toggler := NewToggler(newFakeVPC())
	_, err := toggler.State(context.Background(), "i-missing")
	require.Error(t, err)
}

func TestMakePublicAddsDefaultRoute(t *testing.T) {
	fake := privateSubnetVPC()
	toggler := NewToggler(fake)

	require.NoError(t, toggler.MakePublic(context.Background(), "i-1"))
	assert.Contains(t, fake.table("rtb-1").routes, "0.0.0.0/0")

	state, err := toggler.State(context.Background(), "i-1")
	require.NoError(t, err)
	assert.True(t, state.HasInternetRoute)
}

func TestMakePublicIsIdempotent(t *testing.T) {
	fake := privateSubnetVPC()
	toggler := NewToggler(fake)

	require.NoError(t, toggler.MakePublic(context.Background(), "i-1"))
	require.NoError(t, toggler.MakePublic(context.Background(), "i-1"))

	count := 0
	for _, cidr := range fake.table("rtb-1").routes {
		if cidr == "0.0.0.0/0" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestMakePublicRequiresGateway(t *testing.T) {
	fake := privateSubnetVPC()
	delete(fake.gatewayVPC, "igw-1")
	toggler := NewToggler(fake)

	err := toggler.MakePublic(context.Background(), "i-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no internet gateway")
}

func TestMakePrivateRemovesDefaultRoute(t *testing.T) {
	fake := privateSubnetVPC()
	fake.table("rtb-1").routes = append(fake.table("rtb-1").routes, "0.0.0.0/0")
	toggler := NewToggler(fake)

	require.NoError(t, toggler.MakePrivate(context.Background(), "i-1"))
	assert.NotContains(t, fake.table("rtb-1").routes, "0.0.0.0/0")
}

func TestMakePrivateIsIdempotent(t *testing.T) {
	fake := privateSubnetVPC()
	toggler := NewToggler(fake)

	// no default route exists; expiry redelivery tolerates that
	require.NoError(t, toggler.MakePrivate(context.Background(), "i-1"))
	require.NoError(t, toggler.MakePrivate(context.Background(), "i-1"))
}
