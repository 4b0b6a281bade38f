package leases

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/common-fate/clio"
	"github.com/pkg/errors"
)

// CredentialResolver exchanges a lease's context for credentials in the
// tenant's account.
type CredentialResolver interface {
	Resolve(ctx context.Context, tenantID, accountID, region string) (aws.Config, error)
}

// ComputeAPI is the subset of the EC2 API the dispatcher uses for compute
// leases. Terminate and stop are idempotent on the provider side.
type ComputeAPI interface {
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	StopInstances(ctx context.Context, params *ec2.StopInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error)
}

// RoutingAPI toggles an instance's subnet routing. Both operations tolerate
// redelivery.
type RoutingAPI interface {
	MakePublic(ctx context.Context, instanceID string) error
	MakePrivate(ctx context.Context, instanceID string) error
}

// actionKey pairs a resource type with its lease action. The dispatch table
// below is the complete set of recognized pairs.
type actionKey struct {
	Resource ResourceType
	Action   Action
}

// Dispatcher consumes removal events and performs each expired lease's
// terminal action under the lease's tenant credentials.
type Dispatcher struct {
	resolver CredentialResolver
	compute  func(aws.Config) ComputeAPI
	routing  func(aws.Config) RoutingAPI
}

func NewDispatcher(resolver CredentialResolver, compute func(aws.Config) ComputeAPI, routing func(aws.Config) RoutingAPI) *Dispatcher {
	return &Dispatcher{resolver: resolver, compute: compute, routing: routing}
}

// DispatchResult is the outcome for one record. Results are collected per
// record so one failure never hides or aborts its siblings.
type DispatchResult struct {
	Context   ContextKey
	ObjectKey string
	Err       error
}

// Dispatch processes a batch of change events. Only removals are acted on;
// every record is isolated, and the full set of per-record outcomes is
// returned for reporting or retry.
func (d *Dispatcher) Dispatch(ctx context.Context, events []ChangeEvent) []DispatchResult {
	var results []DispatchResult
	for _, event := range events {
		if event.Type != EventRemove {
			continue
		}
		err := d.dispatchOne(ctx, event)
		if err != nil {
			clio.Errorf("dispatching expired lease for %s: %s", event.ObjectKey, err)
		}
		results = append(results, DispatchResult{
			Context:   event.Context,
			ObjectKey: event.ObjectKey,
			Err:       err,
		})
	}
	return results
}

func (d *Dispatcher) dispatchOne(ctx context.Context, event ChangeEvent) error {
	if event.Record == nil {
		return errors.New("removal event carries no record image")
	}
	record := event.Record

	cfg, err := d.resolver.Resolve(ctx, event.Context.TenantID, event.Context.AccountID, event.Context.Region)
	if err != nil {
		return errors.Wrap(err, "resolving tenant credentials")
	}

	instanceID := event.ObjectKey
	handlers := map[actionKey]func(context.Context) error{
		{ResourceCompute, ActionTerminate}: func(ctx context.Context) error {
			_, err := d.compute(cfg).TerminateInstances(ctx, &ec2.TerminateInstancesInput{
				InstanceIds: []string{instanceID},
			})
			return errors.Wrap(err, "terminating instance")
		},
		{ResourceCompute, ActionShutDown}: func(ctx context.Context) error {
			_, err := d.compute(cfg).StopInstances(ctx, &ec2.StopInstancesInput{
				InstanceIds: []string{instanceID},
			})
			return errors.Wrap(err, "stopping instance")
		},
		// a lease that made the subnet public ends by going private, and
		// vice versa
		{ResourceSubnetRouting, ActionPublic}: func(ctx context.Context) error {
			return d.routing(cfg).MakePrivate(ctx, instanceID)
		},
		{ResourceSubnetRouting, ActionPrivate}: func(ctx context.Context) error {
			return d.routing(cfg).MakePublic(ctx, instanceID)
		},
	}

	key := actionKey{Resource: record.ResourceType, Action: record.Options.LeaseAction}
	handler, ok := handlers[key]
	if !ok {
		return errors.Errorf("no handler for resource type %q with lease action %q", record.ResourceType, record.Options.LeaseAction)
	}

	clio.Debugw("dispatching expired lease",
		"objectKey", instanceID,
		"resourceType", record.ResourceType,
		"leaseAction", record.Options.LeaseAction,
	)
	return handler(ctx)
}
