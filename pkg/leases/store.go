package leases

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/common-fate/clio"
	"github.com/hako/durafmt"
	"github.com/pkg/errors"
)

// ErrAmbiguousLease is returned when more than one lease exists for a key
// that should be unique. This is an invariant violation, never silently
// resolved by picking one.
var ErrAmbiguousLease = errors.New("expected a single lease record")

// StoreAPI is the subset of the DynamoDB API the lease store uses.
type StoreAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Store reads and writes lease records. The table is keyed by contextKey
// (hash) and objectKey (range) with TTL enabled on expirationTime.
type Store struct {
	db    StoreAPI
	table string
	now   func() time.Time
}

func NewStore(db StoreAPI, table string) *Store {
	return &Store{db: db, table: table, now: time.Now}
}

// ScheduleRequest asks for a future action on one cloud object.
type ScheduleRequest struct {
	Context        ContextKey
	ObjectKey      string
	ResourceType   ResourceType
	Options        LeaseOptions
	AdditionalInfo map[string]string
}

// ScheduleResult reports the written lease and a UI-ready message.
type ScheduleResult struct {
	Record  Record
	Message string
}

// Schedule writes the lease record, unconditionally overwriting any prior
// lease for the same (contextKey, objectKey) pair. Last write wins; there is
// no merge and no conflict detection.
func (s *Store) Schedule(ctx context.Context, req ScheduleRequest) (*ScheduleResult, error) {
	start := s.now()
	expiry, err := expirationWindow(start, req.Options.LeaseDuration, req.Options.LeaseDurationUnit)
	if err != nil {
		return nil, err
	}

	record := Record{
		ContextKey:        req.Context.String(),
		ObjectKey:         req.ObjectKey,
		ResourceType:      req.ResourceType,
		Options:           req.Options,
		StartTime:         start.Unix(),
		StartTimeISO:      start.UTC().Format(time.RFC3339),
		ExpirationTime:    expiry.Unix(),
		ExpirationTimeISO: expiry.UTC().Format(time.RFC3339),
		AdditionalInfo:    req.AdditionalInfo,
	}

	item, err := attributevalue.MarshalMap(record)
	if err != nil {
		return nil, errors.Wrap(err, "marshalling lease record")
	}

	_, err = s.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	})
	if err != nil {
		return nil, errors.Wrap(err, "writing lease record")
	}

	remaining := durafmt.Parse(expiry.Sub(start)).LimitFirstN(2)
	clio.Debugw("scheduled lease expiration",
		"contextKey", record.ContextKey,
		"objectKey", record.ObjectKey,
		"resourceType", record.ResourceType,
		"expirationTime", record.ExpirationTimeISO,
	)
	return &ScheduleResult{
		Record:  record,
		Message: fmt.Sprintf("Successfully scheduled %s of %s in %s (at %s)", req.Options.LeaseAction, req.ObjectKey, remaining, record.ExpirationTimeISO),
	}, nil
}

// QueryRequest looks up the active lease for one object and resource type.
type QueryRequest struct {
	Context      ContextKey
	ObjectKey    string
	ResourceType ResourceType
}

// Query returns the active lease, or nil when none exists, when the stored
// lease is for a different resource type, or when it has already expired.
// TTL deletion is eventual, so expiry is re-checked locally. More than one
// record is an invariant violation.
func (s *Store) Query(ctx context.Context, req QueryRequest) (*Record, error) {
	out, err := s.db.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("contextKey = :c AND objectKey = :o"),
		FilterExpression:       aws.String("resourceType = :r"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":c": &ddbtypes.AttributeValueMemberS{Value: req.Context.String()},
			":o": &ddbtypes.AttributeValueMemberS{Value: req.ObjectKey},
			":r": &ddbtypes.AttributeValueMemberS{Value: string(req.ResourceType)},
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "querying lease record")
	}

	switch len(out.Items) {
	case 0:
		return nil, nil
	case 1:
	default:
		return nil, errors.Wrapf(ErrAmbiguousLease, "objectKey %s resourceType %s: found %d", req.ObjectKey, req.ResourceType, len(out.Items))
	}

	var record Record
	if err := attributevalue.UnmarshalMap(out.Items[0], &record); err != nil {
		return nil, errors.Wrap(err, "unmarshalling lease record")
	}
	if record.Expired(s.now()) {
		clio.Debugw("lease found but already expired", "objectKey", req.ObjectKey, "expirationTime", record.ExpirationTimeISO)
		return nil, nil
	}
	return &record, nil
}
