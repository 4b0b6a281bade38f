package leasegate

import (
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/common-fate/clio"
	"github.com/urfave/cli/v2"

	"github.com/exostack/leasegate/pkg/leases"
)

var LeaseCommand = cli.Command{
	Name:        "lease",
	Usage:       "Schedule and inspect expiration leases",
	Subcommands: []*cli.Command{&scheduleCommand, &queryCommand},
}

var scheduleCommand = cli.Command{
	Name:  "schedule",
	Usage: "Schedule a future action on a cloud object, overwriting any prior lease for it",
	Flags: append(tenantFlags(),
		&cli.StringFlag{Name: "object", Usage: "Target object key (e.g. instance ID)", Required: true},
		&cli.StringFlag{Name: "resource-type", Usage: "Resource type: EC2 or SubnetRouting", Required: true},
		&cli.StringFlag{Name: "action", Usage: "Lease action: terminate, shut-down, public or private", Required: true},
		&cli.IntFlag{Name: "duration", Usage: "Lease duration", Required: true},
		&cli.StringFlag{Name: "unit", Usage: "Duration unit: mi, hh, dd, wk or mo", Required: true},
		&cli.StringFlag{Name: "requester", Usage: "Requester recorded on the lease"},
		&cli.StringFlag{Name: "request-id", Usage: "Request ID recorded on the lease"},
	),
	Action: func(c *cli.Context) error {
		cp, err := loadControlPlane(c.Context)
		if err != nil {
			return err
		}

		additionalInfo := map[string]string{}
		if c.String("requester") != "" {
			additionalInfo["requester"] = c.String("requester")
		}
		if c.String("request-id") != "" {
			additionalInfo["requestId"] = c.String("request-id")
		}

		store := leases.NewStore(dynamodb.NewFromConfig(cp.aws), cp.cfg.LeaseTable)
		result, err := store.Schedule(c.Context, leases.ScheduleRequest{
			Context: leases.ContextKey{
				TenantID:  c.String("tenant"),
				AccountID: c.String("account"),
				Region:    c.String("region"),
			},
			ObjectKey:    c.String("object"),
			ResourceType: leases.ResourceType(c.String("resource-type")),
			Options: leases.LeaseOptions{
				LeaseAction:       leases.Action(c.String("action")),
				LeaseDuration:     c.Int("duration"),
				LeaseDurationUnit: leases.DurationUnit(c.String("unit")),
			},
			AdditionalInfo: additionalInfo,
		})
		if err != nil {
			return err
		}
		clio.Success(result.Message)
		return nil
	},
}

var queryCommand = cli.Command{
	Name:  "query",
	Usage: "Look up the active lease for an object",
	Flags: append(tenantFlags(),
		&cli.StringFlag{Name: "object", Usage: "Target object key", Required: true},
		&cli.StringFlag{Name: "resource-type", Usage: "Resource type: EC2 or SubnetRouting", Required: true},
	),
	Action: func(c *cli.Context) error {
		cp, err := loadControlPlane(c.Context)
		if err != nil {
			return err
		}

		store := leases.NewStore(dynamodb.NewFromConfig(cp.aws), cp.cfg.LeaseTable)
		record, err := store.Query(c.Context, leases.QueryRequest{
			Context: leases.ContextKey{
				TenantID:  c.String("tenant"),
				AccountID: c.String("account"),
				Region:    c.String("region"),
			},
			ObjectKey:    c.String("object"),
			ResourceType: leases.ResourceType(c.String("resource-type")),
		})
		if err != nil {
			return err
		}
		if record == nil {
			clio.Info("No active lease found")
			return nil
		}
		clio.Logf("%s %s: %s %d%s, expires %s",
			record.ResourceType,
			record.ObjectKey,
			record.Options.LeaseAction,
			record.Options.LeaseDuration,
			record.Options.LeaseDurationUnit,
			record.ExpirationTimeISO,
		)
		return nil
	},
}
