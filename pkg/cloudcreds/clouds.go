// package cloudcreds resolves a tenant's cloud connection record into
// temporary, region-scoped AWS credentials. The connection records (role ARN
// and external ID per tenant account) live in a control-plane DynamoDB table;
// exchanging one for credentials is an STS AssumeRole with ExternalId.
package cloudcreds

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/common-fate/clio"
	"github.com/pkg/errors"
)

// Cloud is one tenant cloud connection: the trust configuration needed to
// assume a role in the tenant's account.
type Cloud struct {
	Name        string `dynamodbav:"cloudName"`
	TenantID    string `dynamodbav:"tenantId"`
	AccountID   string `dynamodbav:"accountId"`
	RoleARN     string `dynamodbav:"roleARN"`
	ExternalID  string `dynamodbav:"externalId"`
	AccountType string `dynamodbav:"accountType"`
}

// DisplayName masks the middle digits of the account ID for UI listings.
func (c Cloud) DisplayName() string {
	id := c.AccountID
	if len(id) <= 8 {
		return id + " (" + c.Name + ")"
	}
	masked := strings.Repeat("*", len(id)-8)
	return id[:4] + masked + id[len(id)-4:] + " (" + c.Name + ")"
}

// StoreAPI is the subset of the DynamoDB API the cloud connection store uses.
type StoreAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// Store reads tenant cloud connections from the control-plane table. The
// table is keyed by tenantId (hash) and accountId (range), with a GSI over
// tenantId for listing.
type Store struct {
	db          StoreAPI
	table       string
	tenantIndex string
}

func NewStore(db StoreAPI, table, tenantIndex string) *Store {
	return &Store{db: db, table: table, tenantIndex: tenantIndex}
}

// GetCloud fetches a single cloud connection for a tenant and account.
// Returns nil when no connection exists.
func (s *Store) GetCloud(ctx context.Context, tenantID, accountID string) (*Cloud, error) {
	clio.Debugw("looking up cloud connection", "tenantId", tenantID, "accountId", accountID)
	out, err := s.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key: map[string]ddbtypes.AttributeValue{
			"tenantId":  &ddbtypes.AttributeValueMemberS{Value: tenantID},
			"accountId": &ddbtypes.AttributeValueMemberS{Value: accountID},
		},
		ProjectionExpression: aws.String("cloudName, tenantId, accountId, externalId, roleARN, accountType"),
	})
	if err != nil {
		return nil, errors.Wrap(err, "fetching cloud connection")
	}
	if out.Item == nil {
		return nil, nil
	}
	var cloud Cloud
	if err := attributevalue.UnmarshalMap(out.Item, &cloud); err != nil {
		return nil, errors.Wrap(err, "unmarshalling cloud connection")
	}
	return &cloud, nil
}

// ListClouds returns all cloud connections for a tenant.
func (s *Store) ListClouds(ctx context.Context, tenantID string) ([]Cloud, error) {
	out, err := s.db.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		IndexName:              aws.String(s.tenantIndex),
		ProjectionExpression:   aws.String("cloudName, tenantId, accountId, externalId, roleARN, accountType"),
		KeyConditionExpression: aws.String("tenantId = :tenantId"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":tenantId": &ddbtypes.AttributeValueMemberS{Value: tenantID},
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "listing cloud connections")
	}
	clouds := make([]Cloud, 0, len(out.Items))
	for _, item := range out.Items {
		var cloud Cloud
		if err := attributevalue.UnmarshalMap(item, &cloud); err != nil {
			return nil, errors.Wrap(err, "unmarshalling cloud connection")
		}
		clouds = append(clouds, cloud)
	}
	clio.Debugw("found cloud connections", "tenantId", tenantID, "count", len(clouds))
	return clouds, nil
}

// DeleteCloud removes a tenant's cloud connection record.
func (s *Store) DeleteCloud(ctx context.Context, tenantID, accountID string) error {
	_, err := s.db.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key: map[string]ddbtypes.AttributeValue{
			"tenantId":  &ddbtypes.AttributeValueMemberS{Value: tenantID},
			"accountId": &ddbtypes.AttributeValueMemberS{Value: accountID},
		},
	})
	return errors.Wrap(err, "deleting cloud connection")
}
