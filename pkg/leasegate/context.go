package leasegate

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/common-fate/clio/clierr"
	"github.com/urfave/cli/v2"

	"github.com/exostack/leasegate/pkg/cloudcreds"
	"github.com/exostack/leasegate/pkg/config"
)

// tenantFlags scope a command to one tenant's cloud. Every operation that
// touches a tenant account requires all three.
func tenantFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "tenant", Usage: "Tenant identifier", EnvVars: []string{"LEASEGATE_TENANT"}, Required: true},
		&cli.StringFlag{Name: "account", Usage: "Tenant cloud account ID", EnvVars: []string{"LEASEGATE_ACCOUNT"}, Required: true},
		&cli.StringFlag{Name: "region", Usage: "Tenant cloud region", EnvVars: []string{"LEASEGATE_REGION"}, Required: true},
	}
}

// controlPlane holds the control-plane clients: the default credential chain
// pointing at the account owning the lease and clouds tables.
type controlPlane struct {
	cfg      *config.Config
	aws      aws.Config
	store    *cloudcreds.Store
	resolver *cloudcreds.Resolver
}

func loadControlPlane(ctx context.Context) (*controlPlane, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.CloudsTable == "" || cfg.LeaseTable == "" {
		return nil, clierr.New("leasegate is not configured",
			clierr.Info("Set LeaseTable and CloudsTable in the config file, or the LEASEGATE_LEASE_TABLE and LEASEGATE_CLOUDS_TABLE environment variables"),
		)
	}

	awsCfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}

	store := cloudcreds.NewStore(dynamodb.NewFromConfig(awsCfg), cfg.CloudsTable, cfg.CloudsTenantIndex)
	broker := cloudcreds.NewBroker(sts.NewFromConfig(awsCfg))
	return &controlPlane{
		cfg:      cfg,
		aws:      awsCfg,
		store:    store,
		resolver: &cloudcreds.Resolver{Store: store, Broker: broker},
	}, nil
}

// resolveTenant exchanges the command's tenant flags for credentials in the
// tenant's account. Service objects are constructed per request from the
// returned config; nothing tenant-scoped is shared between requests.
func resolveTenant(c *cli.Context) (*controlPlane, aws.Config, error) {
	cp, err := loadControlPlane(c.Context)
	if err != nil {
		return nil, aws.Config{}, err
	}
	tenantCfg, err := cp.resolver.Resolve(c.Context, c.String("tenant"), c.String("account"), c.String("region"))
	if err != nil {
		return nil, aws.Config{}, err
	}
	return cp, tenantCfg, nil
}
