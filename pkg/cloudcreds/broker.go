package cloudcreds

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodbstreams"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/common-fate/clio"
	"github.com/pkg/errors"
	"github.com/segmentio/ksuid"
)

// STSAPI is the subset of the STS API the broker uses.
type STSAPI interface {
	AssumeRole(ctx context.Context, params *sts.AssumeRoleInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleOutput, error)
}

// Broker exchanges a tenant's cloud connection for temporary credentials in
// the tenant's account.
type Broker struct {
	sts STSAPI
}

func NewBroker(client STSAPI) *Broker {
	return &Broker{sts: client}
}

// sessionName returns a unique role session identifier so that activity in
// the tenant account can be audited per exchange.
func sessionName() string {
	return "lsg-" + ksuid.New().String()
}

// Exchange assumes the cloud's role using its external ID and returns an AWS
// config scoped to the given region, carrying the temporary credentials.
func (b *Broker) Exchange(ctx context.Context, cloud Cloud, region string) (aws.Config, error) {
	clio.Debugw("exchanging cloud connection for credentials", "accountId", cloud.AccountID, "roleARN", cloud.RoleARN, "region", region)

	out, err := b.sts.AssumeRole(ctx, &sts.AssumeRoleInput{
		RoleArn:         aws.String(cloud.RoleARN),
		ExternalId:      aws.String(cloud.ExternalID),
		RoleSessionName: aws.String(sessionName()),
	})
	if err != nil {
		return aws.Config{}, errors.Wrap(err, "assuming tenant role, confirm the roleARN and externalId setup in the target account")
	}

	creds := out.Credentials
	cfg := aws.Config{
		Region: region,
		Credentials: credentials.NewStaticCredentialsProvider(
			aws.ToString(creds.AccessKeyId),
			aws.ToString(creds.SecretAccessKey),
			aws.ToString(creds.SessionToken),
		),
	}
	return cfg, nil
}

// EC2 builds an EC2 client from an exchanged config.
func EC2(cfg aws.Config) *ec2.Client {
	return ec2.NewFromConfig(cfg)
}

// DynamoDB builds a DynamoDB client from an exchanged config.
func DynamoDB(cfg aws.Config) *dynamodb.Client {
	return dynamodb.NewFromConfig(cfg)
}

// Streams builds a DynamoDB Streams client from an exchanged config.
func Streams(cfg aws.Config) *dynamodbstreams.Client {
	return dynamodbstreams.NewFromConfig(cfg)
}
