package leasegate

import (
	"github.com/common-fate/clio"
	"github.com/urfave/cli/v2"

	"github.com/exostack/leasegate/internal/build"
	"github.com/exostack/leasegate/pkg/config"
)

func GetCliApp() *cli.App {
	flags := []cli.Flag{
		&cli.BoolFlag{Name: "verbose", Usage: "Log debug messages"},
	}

	app := &cli.App{
		Flags:       flags,
		Name:        "leasegate",
		Usage:       "Temporary, auditable network access to cloud compute resources",
		UsageText:   "leasegate [global options] command [command options] [arguments...]",
		Version:     build.Version,
		HideVersion: false,
		Commands: []*cli.Command{
			&AccessCommand,
			&LeaseCommand,
			&RoutingCommand,
			&DispatchCommand,
			&CloudsCommand,
		},
		EnableBashCompletion: true,
		Before: func(c *cli.Context) error {
			clio.SetLevelFromEnv("LEASEGATE_LOG")
			if c.Bool("verbose") {
				clio.SetLevelFromString("debug")
			}
			if err := config.SetupConfigFolder(); err != nil {
				return err
			}
			return nil
		},
	}

	return app
}
