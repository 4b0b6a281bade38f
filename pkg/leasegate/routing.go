package leasegate

import (
	"github.com/common-fate/clio"
	"github.com/urfave/cli/v2"

	"github.com/exostack/leasegate/pkg/cloudcreds"
	"github.com/exostack/leasegate/pkg/routing"
)

var RoutingCommand = cli.Command{
	Name:        "routing",
	Usage:       "Inspect and toggle an instance's subnet routing",
	Subcommands: []*cli.Command{&routingStateCommand, &routingPublicCommand, &routingPrivateCommand},
}

func routingFlags() []cli.Flag {
	return append(tenantFlags(),
		&cli.StringFlag{Name: "instance", Usage: "Target instance ID", Required: true},
	)
}

var routingStateCommand = cli.Command{
	Name:  "state",
	Usage: "Show the resolved routing state for an instance's subnet",
	Flags: routingFlags(),
	Action: func(c *cli.Context) error {
		_, tenantCfg, err := resolveTenant(c)
		if err != nil {
			return err
		}

		toggler := routing.NewToggler(cloudcreds.EC2(tenantCfg))
		state, err := toggler.State(c.Context, c.String("instance"))
		if err != nil {
			return err
		}

		clio.Logf("vpc: %s", state.VPCID)
		clio.Logf("subnet: %s", state.SubnetID)
		clio.Logf("route table: %s (main: %t)", state.RouteTableID, state.IsMainRouteTable)
		clio.Logf("internet gateway: %s (attached: %t)", state.InternetGatewayID, state.HasInternetGateway)
		clio.Logf("default route present: %t", state.HasInternetRoute)

		// the workflow layer refuses toggles in these cases; surface them
		// here for the same validation
		if state.IsMainRouteTable {
			clio.Warn("Subnet uses the VPC's main route table; toggling would affect every subnet on it")
		}
		if !state.HasInternetGateway {
			clio.Warn("VPC has no internet gateway; the subnet cannot be made public")
		}
		return nil
	},
}

var routingPublicCommand = cli.Command{
	Name:  "public",
	Usage: "Add a default route to the internet gateway on the instance's subnet",
	Flags: routingFlags(),
	Action: func(c *cli.Context) error {
		_, tenantCfg, err := resolveTenant(c)
		if err != nil {
			return err
		}

		toggler := routing.NewToggler(cloudcreds.EC2(tenantCfg))
		if err := toggler.MakePublic(c.Context, c.String("instance")); err != nil {
			return err
		}
		clio.Success("Subnet is now public")
		return nil
	},
}

var routingPrivateCommand = cli.Command{
	Name:  "private",
	Usage: "Remove the default route from the instance's subnet",
	Flags: routingFlags(),
	Action: func(c *cli.Context) error {
		_, tenantCfg, err := resolveTenant(c)
		if err != nil {
			return err
		}

		toggler := routing.NewToggler(cloudcreds.EC2(tenantCfg))
		if err := toggler.MakePrivate(c.Context, c.String("instance")); err != nil {
			return err
		}
		clio.Success("Subnet is now private")
		return nil
	},
}
