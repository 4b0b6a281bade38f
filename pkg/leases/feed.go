package leases

import (
	"context"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	streamsav "github.com/aws/aws-sdk-go-v2/feature/dynamodbstreams/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodbstreams"
	streamtypes "github.com/aws/aws-sdk-go-v2/service/dynamodbstreams/types"
	"github.com/common-fate/clio"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// EventType mirrors the change feed operation types.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventModify EventType = "MODIFY"
	EventRemove EventType = "REMOVE"
)

// ChangeEvent is one change feed notification. For removals, Record holds
// the record's last-known content at time of deletion.
type ChangeEvent struct {
	Type      EventType
	Context   ContextKey
	ObjectKey string
	Record    *Record
}

// StreamsAPI is the subset of the DynamoDB Streams API the feed uses.
type StreamsAPI interface {
	DescribeStream(ctx context.Context, params *dynamodbstreams.DescribeStreamInput, optFns ...func(*dynamodbstreams.Options)) (*dynamodbstreams.DescribeStreamOutput, error)
	GetShardIterator(ctx context.Context, params *dynamodbstreams.GetShardIteratorInput, optFns ...func(*dynamodbstreams.Options)) (*dynamodbstreams.GetShardIteratorOutput, error)
	GetRecords(ctx context.Context, params *dynamodbstreams.GetRecordsInput, optFns ...func(*dynamodbstreams.Options)) (*dynamodbstreams.GetRecordsOutput, error)
}

// TableAPI resolves the lease table's stream ARN.
type TableAPI interface {
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// Feed reads the lease table's change feed. Delivery is at least once: the
// same removal may be observed on successive polls, so everything downstream
// must be idempotent.
type Feed struct {
	streams StreamsAPI
	db      TableAPI
	table   string
}

func NewFeed(streams StreamsAPI, db TableAPI, table string) *Feed {
	return &Feed{streams: streams, db: db, table: table}
}

// StreamARN resolves the table's latest stream ARN.
func (f *Feed) StreamARN(ctx context.Context) (string, error) {
	out, err := f.db.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(f.table),
	})
	if err != nil {
		return "", errors.Wrap(err, "describing lease table")
	}
	arn := aws.ToString(out.Table.LatestStreamArn)
	if arn == "" {
		return "", errors.Errorf("lease table %s has no stream enabled", f.table)
	}
	return arn, nil
}

// Poll walks every shard of the stream once and returns the change events
// found, in shard order. Shards are read concurrently.
func (f *Feed) Poll(ctx context.Context) ([]ChangeEvent, error) {
	arn, err := f.StreamARN(ctx)
	if err != nil {
		return nil, err
	}

	desc, err := f.streams.DescribeStream(ctx, &dynamodbstreams.DescribeStreamInput{
		StreamArn: aws.String(arn),
	})
	if err != nil {
		return nil, errors.Wrap(err, "describing lease stream")
	}

	var (
		mu     sync.Mutex
		events []ChangeEvent
	)
	g, ctx := errgroup.WithContext(ctx)
	for _, shard := range desc.StreamDescription.Shards {
		shard := shard
		g.Go(func() error {
			shardEvents, err := f.readShard(ctx, arn, shard)
			if err != nil {
				return err
			}
			mu.Lock()
			events = append(events, shardEvents...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	clio.Debugw("polled lease change feed", "shards", len(desc.StreamDescription.Shards), "events", len(events))
	return events, nil
}

func (f *Feed) readShard(ctx context.Context, arn string, shard streamtypes.Shard) ([]ChangeEvent, error) {
	iter, err := f.streams.GetShardIterator(ctx, &dynamodbstreams.GetShardIteratorInput{
		StreamArn:         aws.String(arn),
		ShardId:           shard.ShardId,
		ShardIteratorType: streamtypes.ShardIteratorTypeTrimHorizon,
	})
	if err != nil {
		return nil, errors.Wrap(err, "getting shard iterator")
	}

	var events []ChangeEvent
	iterator := iter.ShardIterator
	for iterator != nil {
		out, err := f.streams.GetRecords(ctx, &dynamodbstreams.GetRecordsInput{
			ShardIterator: iterator,
		})
		if err != nil {
			return nil, errors.Wrap(err, "reading shard records")
		}
		for _, record := range out.Records {
			event, err := convertRecord(record)
			if err != nil {
				clio.Warnf("Skipping undecodable change feed record: %s", err)
				continue
			}
			events = append(events, event)
		}
		// an open shard keeps returning an iterator with no records; stop
		// once the backlog is drained
		if len(out.Records) == 0 {
			break
		}
		iterator = out.NextShardIterator
	}
	return events, nil
}

// convertRecord decodes one stream record into a ChangeEvent, including the
// last-known record image for removals.
func convertRecord(record streamtypes.Record) (ChangeEvent, error) {
	if record.Dynamodb == nil {
		return ChangeEvent{}, errors.New("stream record has no payload")
	}

	var key struct {
		ContextKey string `dynamodbav:"contextKey"`
		ObjectKey  string `dynamodbav:"objectKey"`
	}
	if err := streamsav.UnmarshalMap(record.Dynamodb.Keys, &key); err != nil {
		return ChangeEvent{}, errors.Wrap(err, "unmarshalling record keys")
	}
	contextKey, err := ParseContextKey(key.ContextKey)
	if err != nil {
		return ChangeEvent{}, err
	}

	event := ChangeEvent{
		Type:      EventType(record.EventName),
		Context:   contextKey,
		ObjectKey: key.ObjectKey,
	}

	if record.Dynamodb.OldImage != nil {
		var old Record
		if err := streamsav.UnmarshalMap(record.Dynamodb.OldImage, &old); err != nil {
			return ChangeEvent{}, errors.Wrap(err, "unmarshalling record old image")
		}
		event.Record = &old
	}
	return event, nil
}
