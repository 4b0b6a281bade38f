package leasegate

import (
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/common-fate/clio"
	"github.com/urfave/cli/v2"

	"github.com/exostack/leasegate/pkg/cloudcreds"
	"github.com/exostack/leasegate/pkg/leases"
	"github.com/exostack/leasegate/pkg/routing"
)

var DispatchCommand = cli.Command{
	Name:        "dispatch",
	Usage:       "Consume the lease change feed and execute expired lease actions",
	Subcommands: []*cli.Command{&dispatchRunCommand},
}

var dispatchRunCommand = cli.Command{
	Name:  "run",
	Usage: "Poll the change feed and dispatch expired leases",
	Flags: []cli.Flag{
		&cli.DurationFlag{Name: "interval", Usage: "Keep polling at this interval; a single pass when unset"},
	},
	Action: func(c *cli.Context) error {
		cp, err := loadControlPlane(c.Context)
		if err != nil {
			return err
		}

		db := dynamodb.NewFromConfig(cp.aws)
		feed := leases.NewFeed(cloudcreds.Streams(cp.aws), db, cp.cfg.LeaseTable)
		dispatcher := leases.NewDispatcher(
			cp.resolver,
			func(cfg aws.Config) leases.ComputeAPI { return cloudcreds.EC2(cfg) },
			func(cfg aws.Config) leases.RoutingAPI { return routing.NewToggler(cloudcreds.EC2(cfg)) },
		)

		runOnce := func() error {
			events, err := feed.Poll(c.Context)
			if err != nil {
				return err
			}
			results := dispatcher.Dispatch(c.Context, events)
			failed := 0
			for _, result := range results {
				if result.Err != nil {
					failed++
				}
			}
			if len(results) > 0 {
				clio.Infof("Dispatched %d expired leases (%d failed)", len(results), failed)
			}
			return nil
		}

		interval := c.Duration("interval")
		if interval == 0 {
			return runOnce()
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if err := runOnce(); err != nil {
				// keep the loop alive; the next poll redelivers anything
				// this pass missed
				clio.Errorf("change feed poll failed: %s", err)
			}
			select {
			case <-c.Context.Done():
				return c.Context.Err()
			case <-ticker.C:
			}
		}
	},
}
