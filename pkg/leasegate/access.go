package leasegate

import (
	"fmt"
	"os"
	"time"

	"github.com/common-fate/clio"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"

	"github.com/exostack/leasegate/pkg/cloudcreds"
	"github.com/exostack/leasegate/pkg/grants"
)

var AccessCommand = cli.Command{
	Name:        "access",
	Usage:       "Manage time-boxed whitelist access to instances",
	Subcommands: []*cli.Command{&grantCommand, &revokeCommand, &listCommand, &sweepCommand},
}

var grantCommand = cli.Command{
	Name:  "grant",
	Usage: "Grant a requester's IP time-boxed access to an instance port",
	Flags: append(tenantFlags(),
		&cli.StringFlag{Name: "requester", Usage: "Requester identity recorded on the rule", Required: true},
		&cli.StringFlag{Name: "grant-key", Usage: "Grant key recorded on the rule", Required: true},
		&cli.StringFlag{Name: "ip", Usage: "IP address to whitelist (v4 or v6)", Required: true},
		&cli.StringFlag{Name: "instance", Usage: "Target instance ID", Required: true},
		&cli.IntFlag{Name: "port", Usage: "Port to open", Required: true},
		&cli.IntFlag{Name: "duration-hours", Usage: "Grant duration in hours (defaults to the configured duration)"},
	),
	Action: func(c *cli.Context) error {
		// validate before the int32 cast; an overflowing value could wrap
		// into the valid range
		port := c.Int("port")
		if port < 1 || port > 65535 {
			return cli.Exit(fmt.Sprintf("port %d is out of range (1-65535)", port), 1)
		}

		cp, tenantCfg, err := resolveTenant(c)
		if err != nil {
			return err
		}

		manager := grants.NewManager(cloudcreds.EC2(tenantCfg), cp.cfg)
		result, err := manager.Grant(c.Context, grants.GrantRequest{
			Requester:     c.String("requester"),
			GrantKey:      c.String("grant-key"),
			IP:            c.String("ip"),
			InstanceID:    c.String("instance"),
			Port:          int32(port),
			DurationHours: c.Int("duration-hours"),
		})
		if err != nil {
			return err
		}
		if result.Association.LimitExceeded {
			clio.Warn(result.Association.Message)
		}
		clio.Log(result.Message())
		return nil
	},
}

var revokeCommand = cli.Command{
	Name:  "revoke",
	Usage: "Revoke granted rules by grant key, or one rule by its exact description",
	Flags: append(tenantFlags(),
		&cli.StringFlag{Name: "grant-key", Usage: "Revoke every rule created under this grant key"},
		&cli.StringFlag{Name: "description", Usage: "Revoke the single rule with this exact description"},
		&cli.StringFlag{Name: "ip", Usage: "Narrow revocation to this IP address"},
		&cli.StringFlag{Name: "instance", Usage: "Target instance ID", Required: true},
	),
	Action: func(c *cli.Context) error {
		cp, tenantCfg, err := resolveTenant(c)
		if err != nil {
			return err
		}

		manager := grants.NewManager(cloudcreds.EC2(tenantCfg), cp.cfg)

		var msg string
		switch {
		case c.String("description") != "":
			msg, err = manager.RevokeByDescription(c.Context, c.String("description"), c.String("ip"), c.String("instance"))
		case c.String("grant-key") != "":
			msg, err = manager.RevokeByRequester(c.Context, c.String("grant-key"), c.String("ip"), c.String("instance"))
		default:
			return cli.Exit("one of --grant-key or --description is required", 1)
		}
		if err != nil {
			return err
		}
		clio.Success(msg)
		return nil
	},
}

var listCommand = cli.Command{
	Name:  "list",
	Usage: "List whitelist rules, optionally filtered by grant key or instance",
	Flags: append(tenantFlags(),
		&cli.StringFlag{Name: "grant-key", Usage: "Only show rules for this grant key"},
		&cli.StringFlag{Name: "instance", Usage: "Only show rules for this instance"},
	),
	Action: func(c *cli.Context) error {
		cp, tenantCfg, err := resolveTenant(c)
		if err != nil {
			return err
		}

		manager := grants.NewManager(cloudcreds.EC2(tenantCfg), cp.cfg)
		entries, err := manager.List(c.Context, c.String("grant-key"), c.String("instance"))
		if err != nil {
			return err
		}

		table := tablewriter.NewWriter(os.Stderr)
		table.SetHeader([]string{"PORT", "IP", "INSTANCE", "CREATED BY", "CREATED AT", "EXPIRES AT"})
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
		for _, entry := range entries {
			table.Append([]string{
				entry.Port,
				entry.IP,
				entry.InstanceID,
				entry.CreatedBy,
				entry.CreatedAt.UTC().Format(time.RFC3339),
				entry.ExpiresAt.UTC().Format(time.RFC3339),
			})
		}
		table.Render()
		return nil
	},
}

var sweepCommand = cli.Command{
	Name:  "sweep",
	Usage: "Revoke every expired whitelist rule across all containers",
	Flags: tenantFlags(),
	Action: func(c *cli.Context) error {
		cp, tenantCfg, err := resolveTenant(c)
		if err != nil {
			return err
		}

		manager := grants.NewManager(cloudcreds.EC2(tenantCfg), cp.cfg)
		swept, err := manager.SweepExpired(c.Context)
		if err != nil {
			return err
		}
		clio.Successf("Swept %d expired rules", swept)
		return nil
	},
}
