package cloudcreds

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/pkg/errors"
)

// Resolver combines the connection store and the broker: it looks up a
// tenant's cloud connection and exchanges it for region-scoped credentials
// in one step. It satisfies the dispatcher's CredentialResolver interface.
type Resolver struct {
	Store  *Store
	Broker *Broker
}

func (r *Resolver) Resolve(ctx context.Context, tenantID, accountID, region string) (aws.Config, error) {
	cloud, err := r.Store.GetCloud(ctx, tenantID, accountID)
	if err != nil {
		return aws.Config{}, err
	}
	if cloud == nil {
		return aws.Config{}, errors.Errorf("no cloud connection found for tenant %s account %s", tenantID, accountID)
	}
	return r.Broker.Exchange(ctx, *cloud, region)
}
