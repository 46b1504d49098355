package etllog

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"
)

// DefaultTTLDays is how long records live before DynamoDB expires them.
const DefaultTTLDays = 30

// DynamoAPI is the subset of the DynamoDB client the logger calls.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Logger is the single source of truth for execution history. Writes are
// idempotent upserts keyed by (executionName, taskId); each key is owned by
// exactly one attempt, so last-writer-wins needs no locking.
type Logger struct {
	dynamo DynamoAPI
	sfn    SFNAPI
	table  string
	ttl    time.Duration
	log    *zap.SugaredLogger
}

// NewLogger builds a Logger over the given execution-log table. ttlDays <= 0
// falls back to DefaultTTLDays.
func NewLogger(dynamo DynamoAPI, sfnClient SFNAPI, table string, ttlDays int, log *zap.SugaredLogger) *Logger {
	if ttlDays <= 0 {
		ttlDays = DefaultTTLDays
	}
	return &Logger{
		dynamo: dynamo,
		sfn:    sfnClient,
		table:  table,
		ttl:    time.Duration(ttlDays) * 24 * time.Hour,
		log:    log,
	}
}

// Put upserts the record. PipelineIndexKey is always recomputed and the TTL
// stamp is filled in when the caller left it zero.
func (l *Logger) Put(ctx context.Context, rec *Record) error {
	rec.PipelineIndexKey = rec.indexKey()
	if rec.ExpirationTime == 0 {
		rec.ExpirationTime = time.Now().Add(l.ttl).Unix()
	}

	av, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal execution log record: %w", err)
	}
	_, err = l.dynamo.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(l.table),
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("failed to put execution log record %s/%s: %w", rec.ExecutionName, rec.TaskID, err)
	}
	return nil
}

// Get fetches one record with a strongly consistent read.
func (l *Logger) Get(ctx context.Context, executionName, taskID string) (*Record, error) {
	result, err := l.dynamo.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(l.table),
		Key: map[string]types.AttributeValue{
			"executionName": &types.AttributeValueMemberS{Value: executionName},
			"taskId":        &types.AttributeValueMemberS{Value: taskID},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get execution log record %s/%s: %w", executionName, taskID, err)
	}
	if len(result.Item) == 0 {
		return nil, nil
	}

	var rec Record
	if err := attributevalue.UnmarshalMap(result.Item, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution log record: %w", err)
	}
	return &rec, nil
}

// Update applies mutate to the stored record and writes it back. A record
// already in a terminal status keeps that status: terminal states never
// regress, and a redelivered update of the same attempt is a no-op.
func (l *Logger) Update(ctx context.Context, executionName, taskID string, mutate func(*Record)) error {
	rec, err := l.Get(ctx, executionName, taskID)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("execution log record %s/%s not found", executionName, taskID)
	}

	previous := rec.Status
	mutate(rec)
	if previous.Terminal() && rec.Status != previous {
		l.log.Infow("ignoring status change on terminal record",
			"executionName", executionName, "taskId", taskID,
			"from", previous, "to", rec.Status)
		rec.Status = previous
	}
	return l.Put(ctx, rec)
}

// Finish marks the record terminal, stamping EndTime once.
func (l *Logger) Finish(ctx context.Context, executionName, taskID string, status Status) error {
	return l.Update(ctx, executionName, taskID, func(rec *Record) {
		rec.Status = status
		if rec.EndTime == "" {
			rec.EndTime = Now()
		}
	})
}

// QuerySubtasks returns every record of the execution sharing parentTaskID.
// The read is strongly consistent: the fan-in decision built on this data
// must observe the caller's own just-completed write.
func (l *Logger) QuerySubtasks(ctx context.Context, executionName, parentTaskID string) ([]Record, error) {
	var records []Record
	var startKey map[string]types.AttributeValue
	for {
		result, err := l.dynamo.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(l.table),
			KeyConditionExpression: aws.String("executionName = :executionName"),
			FilterExpression:       aws.String("parentTaskId = :parentTaskId"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":executionName": &types.AttributeValueMemberS{Value: executionName},
				":parentTaskId":  &types.AttributeValueMemberS{Value: parentTaskID},
			},
			ConsistentRead:    aws.Bool(true),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to query subtasks of %s/%s: %w", executionName, parentTaskID, err)
		}

		var page []Record
		if err := attributevalue.UnmarshalListOfMaps(result.Items, &page); err != nil {
			return nil, fmt.Errorf("failed to unmarshal subtask records: %w", err)
		}
		records = append(records, page...)

		if len(result.LastEvaluatedKey) == 0 {
			break
		}
		startKey = result.LastEvaluatedKey
	}
	return records, nil
}

// CountSubtasksByStatus returns the total number of sibling subtasks and
// how many of them carry the given status. The parent is complete iff
// total == count(Succeeded): fan-in requires unanimous success.
func (l *Logger) CountSubtasksByStatus(ctx context.Context, executionName, parentTaskID string, status Status) (total, matching int, err error) {
	records, err := l.QuerySubtasks(ctx, executionName, parentTaskID)
	if err != nil {
		return 0, 0, err
	}
	for _, rec := range records {
		total++
		if rec.Status == status {
			matching++
		}
	}
	return total, matching, nil
}
