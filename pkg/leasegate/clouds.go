package leasegate

import (
	"os"

	"github.com/common-fate/clio"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"
)

var CloudsCommand = cli.Command{
	Name:        "clouds",
	Usage:       "Inspect tenant cloud connections",
	Subcommands: []*cli.Command{&cloudsListCommand, &cloudsDeleteCommand},
}

var cloudsListCommand = cli.Command{
	Name:  "list",
	Usage: "List the cloud connections configured for a tenant",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "tenant", Usage: "Tenant identifier", EnvVars: []string{"LEASEGATE_TENANT"}, Required: true},
	},
	Action: func(c *cli.Context) error {
		cp, err := loadControlPlane(c.Context)
		if err != nil {
			return err
		}

		clouds, err := cp.store.ListClouds(c.Context, c.String("tenant"))
		if err != nil {
			return err
		}

		table := tablewriter.NewWriter(os.Stderr)
		table.SetHeader([]string{"ACCOUNT", "NAME", "TYPE", "ROLE ARN"})
		table.SetAutoWrapText(false)
		table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
		table.SetAlignment(tablewriter.ALIGN_LEFT)
		table.SetCenterSeparator("")
		table.SetColumnSeparator("")
		table.SetRowSeparator("")
		table.SetHeaderLine(false)
		table.SetBorder(false)
		table.SetTablePadding("\t")
		table.SetNoWhiteSpace(true)
		for _, cloud := range clouds {
			table.Append([]string{cloud.DisplayName(), cloud.Name, cloud.AccountType, cloud.RoleARN})
		}
		table.Render()
		return nil
	},
}

var cloudsDeleteCommand = cli.Command{
	Name:  "delete",
	Usage: "Delete a tenant's cloud connection",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "tenant", Usage: "Tenant identifier", EnvVars: []string{"LEASEGATE_TENANT"}, Required: true},
		&cli.StringFlag{Name: "account", Usage: "Cloud account ID to disconnect", Required: true},
	},
	Action: func(c *cli.Context) error {
		cp, err := loadControlPlane(c.Context)
		if err != nil {
			return err
		}

		if err := cp.store.DeleteCloud(c.Context, c.String("tenant"), c.String("account")); err != nil {
			return err
		}
		clio.Success("Cloud connection deleted")
		return nil
	},
}
