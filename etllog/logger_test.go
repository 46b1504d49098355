package etllog

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeDynamo is an in-memory stand-in for the execution-log table, keyed by
// executionName|taskId and honoring the exact expressions the logger uses.
type fakeDynamo struct {
	items map[string]map[string]types.AttributeValue
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: map[string]map[string]types.AttributeValue{}}
}

func stringAttr(item map[string]types.AttributeValue, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func (f *fakeDynamo) key(item map[string]types.AttributeValue) string {
	return stringAttr(item, "executionName") + "|" + stringAttr(item, "taskId")
}

func (f *fakeDynamo) PutItem(_ context.Context, params *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.items[f.key(params.Item)] = params.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) GetItem(_ context.Context, params *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	return &dynamodb.GetItemOutput{Item: f.items[f.key(params.Key)]}, nil
}

func (f *fakeDynamo) Query(_ context.Context, params *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	// Fan-in decisions must observe the caller's own just-completed write.
	if !aws.ToBool(params.ConsistentRead) {
		return nil, errors.New("query must request a consistent read")
	}
	executionName := params.ExpressionAttributeValues[":executionName"].(*types.AttributeValueMemberS).Value
	parentTaskID := params.ExpressionAttributeValues[":parentTaskId"].(*types.AttributeValueMemberS).Value

	var items []map[string]types.AttributeValue
	for _, item := range f.items {
		if stringAttr(item, "executionName") == executionName && stringAttr(item, "parentTaskId") == parentTaskID {
			items = append(items, item)
		}
	}
	return &dynamodb.QueryOutput{Items: items}, nil
}

// fakeSFN records the callbacks it receives.
type fakeSFN struct {
	heartbeats int
	successes  []string
	failures   []string
}

func (f *fakeSFN) SendTaskHeartbeat(_ context.Context, _ *sfn.SendTaskHeartbeatInput, _ ...func(*sfn.Options)) (*sfn.SendTaskHeartbeatOutput, error) {
	f.heartbeats++
	return &sfn.SendTaskHeartbeatOutput{}, nil
}

func (f *fakeSFN) SendTaskSuccess(_ context.Context, params *sfn.SendTaskSuccessInput, _ ...func(*sfn.Options)) (*sfn.SendTaskSuccessOutput, error) {
	f.successes = append(f.successes, aws.ToString(params.Output))
	return &sfn.SendTaskSuccessOutput{}, nil
}

func (f *fakeSFN) SendTaskFailure(_ context.Context, params *sfn.SendTaskFailureInput, _ ...func(*sfn.Options)) (*sfn.SendTaskFailureOutput, error) {
	f.failures = append(f.failures, aws.ToString(params.Error))
	return &sfn.SendTaskFailureOutput{}, nil
}

func newTestLogger(dynamo DynamoAPI, stepFunctions SFNAPI) *Logger {
	return NewLogger(dynamo, stepFunctions, "etl-log", 0, zap.NewNop().Sugar())
}

func (f *fakeDynamo) record(t *testing.T, executionName, taskID string) Record {
	t.Helper()
	item, ok := f.items[executionName+"|"+taskID]
	require.True(t, ok, "record %s/%s not found", executionName, taskID)
	var rec Record
	require.NoError(t, attributevalue.UnmarshalMap(item, &rec))
	return rec
}

func TestPut_AlwaysRecomputesPipelineIndexKey(t *testing.T) {
	// given
	dynamo := newFakeDynamo()
	logger := newTestLogger(dynamo, &fakeSFN{})
	rec := &Record{
		ExecutionName:    "exec-1",
		TaskID:           "task-1",
		ParentTaskID:     NilParentTaskID,
		PipelineID:       "pipe-1",
		StateMachineName: "LogProcessor",
		Status:           StatusRunning,
		PipelineIndexKey: "stale:value:here",
	}
	// when
	require.NoError(t, logger.Put(context.Background(), rec))
	// then
	stored := dynamo.record(t, "exec-1", "task-1")
	assert.Equal(t, "pipe-1:LogProcessor:task-1", stored.PipelineIndexKey)
	assert.NotZero(t, stored.ExpirationTime)
}

func TestUpdate_RecomputesIndexKeyWithoutExplicitSet(t *testing.T) {
	dynamo := newFakeDynamo()
	logger := newTestLogger(dynamo, &fakeSFN{})
	require.NoError(t, logger.Put(context.Background(), &Record{
		ExecutionName:    "exec-1",
		TaskID:           "task-1",
		PipelineID:       "pipe-1",
		StateMachineName: "LogProcessor",
		Status:           StatusRunning,
	}))

	// An update that only touches status must still leave the derived key
	// consistent with its parts.
	require.NoError(t, logger.Update(context.Background(), "exec-1", "task-1", func(rec *Record) {
		rec.Status = StatusSucceeded
	}))

	stored := dynamo.record(t, "exec-1", "task-1")
	assert.Equal(t, "pipe-1:LogProcessor:task-1", stored.PipelineIndexKey)
	assert.Equal(t, StatusSucceeded, stored.Status)
}

func TestUpdate_TerminalStatusNeverRegresses(t *testing.T) {
	dynamo := newFakeDynamo()
	logger := newTestLogger(dynamo, &fakeSFN{})
	require.NoError(t, logger.Put(context.Background(), &Record{
		ExecutionName: "exec-1", TaskID: "task-1", Status: StatusRunning,
	}))
	require.NoError(t, logger.Finish(context.Background(), "exec-1", "task-1", StatusFailed))

	// A late redelivered update cannot flip the terminal status.
	require.NoError(t, logger.Update(context.Background(), "exec-1", "task-1", func(rec *Record) {
		rec.Status = StatusRunning
	}))

	assert.Equal(t, StatusFailed, dynamo.record(t, "exec-1", "task-1").Status)
}

func TestFinish_SetsEndTimeExactlyOnce(t *testing.T) {
	dynamo := newFakeDynamo()
	logger := newTestLogger(dynamo, &fakeSFN{})
	require.NoError(t, logger.Put(context.Background(), &Record{
		ExecutionName: "exec-1", TaskID: "task-1", Status: StatusRunning,
	}))

	require.NoError(t, logger.Finish(context.Background(), "exec-1", "task-1", StatusSucceeded))
	endTime := dynamo.record(t, "exec-1", "task-1").EndTime
	require.NotEmpty(t, endTime)

	require.NoError(t, logger.Finish(context.Background(), "exec-1", "task-1", StatusSucceeded))
	assert.Equal(t, endTime, dynamo.record(t, "exec-1", "task-1").EndTime)
}

func putSubtask(t *testing.T, logger *Logger, taskID string, status Status) {
	t.Helper()
	require.NoError(t, logger.Put(context.Background(), &Record{
		ExecutionName: "exec-1",
		TaskID:        taskID,
		ParentTaskID:  "parent-1",
		Status:        status,
	}))
}

func TestCountSubtasksByStatus_ParentCompleteOnlyOnUnanimousSuccess(t *testing.T) {
	// given three siblings, one of them failed
	dynamo := newFakeDynamo()
	logger := newTestLogger(dynamo, &fakeSFN{})
	putSubtask(t, logger, "sub-1", StatusSucceeded)
	putSubtask(t, logger, "sub-2", StatusSucceeded)
	putSubtask(t, logger, "sub-3", StatusFailed)
	// when
	total, succeeded, err := logger.CountSubtasksByStatus(context.Background(), "exec-1", "parent-1", StatusSucceeded)
	require.NoError(t, err)
	// then the parent must not be considered complete
	assert.Equal(t, 3, total)
	assert.Equal(t, 2, succeeded)
	assert.NotEqual(t, total, succeeded)

	// and once the failed sibling is retried to success, it is
	putSubtask(t, logger, "sub-3", StatusSucceeded)
	total, succeeded, err = logger.CountSubtasksByStatus(context.Background(), "exec-1", "parent-1", StatusSucceeded)
	require.NoError(t, err)
	assert.Equal(t, total, succeeded)
}

func TestSendCallback_SuccessOnlyForExactlySucceeded(t *testing.T) {
	stepFunctions := &fakeSFN{}
	logger := newTestLogger(newFakeDynamo(), stepFunctions)
	ctx := context.Background()

	require.NoError(t, logger.SendCallback(ctx, "token", StatusSucceeded, `{"ok":true}`, CallbackComplete))
	require.NoError(t, logger.SendCallback(ctx, "token", StatusPartlySucceeded, "", CallbackComplete))
	require.NoError(t, logger.SendCallback(ctx, "token", StatusFailed, "", CallbackComplete))
	require.NoError(t, logger.SendCallback(ctx, "token", StatusRunning, "", CallbackHeartbeat))

	assert.Equal(t, []string{`{"ok":true}`}, stepFunctions.successes)
	assert.Equal(t, []string{"PartlySucceeded", "Failed"}, stepFunctions.failures)
	assert.Equal(t, 1, stepFunctions.heartbeats)
}

func TestSendCallback_NoTokenIsNoOp(t *testing.T) {
	stepFunctions := &fakeSFN{}
	logger := newTestLogger(newFakeDynamo(), stepFunctions)

	require.NoError(t, logger.SendCallback(context.Background(), "", StatusSucceeded, "", CallbackComplete))

	assert.Empty(t, stepFunctions.successes)
}
