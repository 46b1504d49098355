package migration

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamodbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aws-solutions/centralized-logging-with-opensearch-sub005/etllog"
)

// fakeBucket is an in-memory S3, keyed by "bucket/key".
type fakeBucket struct {
	objects map[string][]byte
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{objects: map[string][]byte{}}
}

func notFound() error {
	return &smithy.GenericAPIError{Code: "NoSuchKey", Message: "The specified key does not exist."}
}

func (f *fakeBucket) CopyObject(_ context.Context, params *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	body, ok := f.objects[aws.ToString(params.CopySource)]
	if !ok {
		return nil, notFound()
	}
	f.objects[aws.ToString(params.Bucket)+"/"+aws.ToString(params.Key)] = body
	return &s3.CopyObjectOutput{}, nil
}

func (f *fakeBucket) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	body, ok := f.objects[aws.ToString(params.Bucket)+"/"+aws.ToString(params.Key)]
	if !ok {
		return nil, notFound()
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(string(body)))}, nil
}

func (f *fakeBucket) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(params.Bucket)+"/"+aws.ToString(params.Key)] = body
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeBucket) HeadObject(_ context.Context, params *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if _, ok := f.objects[aws.ToString(params.Bucket)+"/"+aws.ToString(params.Key)]; !ok {
		return nil, notFound()
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeBucket) DeleteObject(_ context.Context, params *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, aws.ToString(params.Bucket)+"/"+aws.ToString(params.Key))
	return &s3.DeleteObjectOutput{}, nil
}

// fakeQueue records requeued message bodies.
type fakeQueue struct {
	bodies []string
}

func (f *fakeQueue) SendMessage(_ context.Context, params *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.bodies = append(f.bodies, aws.ToString(params.MessageBody))
	return &sqs.SendMessageOutput{}, nil
}

// fakeTable is an in-memory execution-log table matching the expressions the
// log layer issues.
type fakeTable struct {
	items map[string]map[string]dynamodbtypes.AttributeValue
}

func newFakeTable() *fakeTable {
	return &fakeTable{items: map[string]map[string]dynamodbtypes.AttributeValue{}}
}

func attrString(item map[string]dynamodbtypes.AttributeValue, name string) string {
	if v, ok := item[name].(*dynamodbtypes.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func (f *fakeTable) PutItem(_ context.Context, params *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.items[attrString(params.Item, "executionName")+"|"+attrString(params.Item, "taskId")] = params.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeTable) GetItem(_ context.Context, params *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	key := attrString(params.Key, "executionName") + "|" + attrString(params.Key, "taskId")
	return &dynamodb.GetItemOutput{Item: f.items[key]}, nil
}

func (f *fakeTable) Query(_ context.Context, params *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	// Fan-in decisions must observe the caller's own just-completed write.
	if !aws.ToBool(params.ConsistentRead) {
		return nil, errors.New("query must request a consistent read")
	}
	executionName := params.ExpressionAttributeValues[":executionName"].(*dynamodbtypes.AttributeValueMemberS).Value
	parentTaskID := params.ExpressionAttributeValues[":parentTaskId"].(*dynamodbtypes.AttributeValueMemberS).Value

	var items []map[string]dynamodbtypes.AttributeValue
	for _, item := range f.items {
		if attrString(item, "executionName") == executionName && attrString(item, "parentTaskId") == parentTaskID {
			items = append(items, item)
		}
	}
	return &dynamodb.QueryOutput{Items: items}, nil
}

func (f *fakeTable) record(t *testing.T, executionName, taskID string) etllog.Record {
	t.Helper()
	item, ok := f.items[executionName+"|"+taskID]
	require.True(t, ok, "record %s/%s not found", executionName, taskID)
	var rec etllog.Record
	require.NoError(t, attributevalue.UnmarshalMap(item, &rec))
	return rec
}

// fakeCallbacks records Step Functions callbacks.
type fakeCallbacks struct {
	heartbeats int
	successes  []string
	failures   []string
}

func (f *fakeCallbacks) SendTaskHeartbeat(_ context.Context, _ *sfn.SendTaskHeartbeatInput, _ ...func(*sfn.Options)) (*sfn.SendTaskHeartbeatOutput, error) {
	f.heartbeats++
	return &sfn.SendTaskHeartbeatOutput{}, nil
}

func (f *fakeCallbacks) SendTaskSuccess(_ context.Context, params *sfn.SendTaskSuccessInput, _ ...func(*sfn.Options)) (*sfn.SendTaskSuccessOutput, error) {
	f.successes = append(f.successes, aws.ToString(params.Output))
	return &sfn.SendTaskSuccessOutput{}, nil
}

func (f *fakeCallbacks) SendTaskFailure(_ context.Context, params *sfn.SendTaskFailureInput, _ ...func(*sfn.Options)) (*sfn.SendTaskFailureOutput, error) {
	f.failures = append(f.failures, aws.ToString(params.Cause))
	return &sfn.SendTaskFailureOutput{}, nil
}

type workerFixture struct {
	bucket    *fakeBucket
	queue     *fakeQueue
	table     *fakeTable
	callbacks *fakeCallbacks
	worker    *Worker
}

func newWorkerFixture() *workerFixture {
	f := &workerFixture{
		bucket:    newFakeBucket(),
		queue:     &fakeQueue{},
		table:     newFakeTable(),
		callbacks: &fakeCallbacks{},
	}
	log := zap.NewNop().Sugar()
	logs := etllog.NewLogger(f.table, f.callbacks, "etl-log", 0, log)
	f.worker = NewWorker(f.bucket, f.queue, logs, "https://sqs/queue", log)
	return f
}

func TestEncodeDecodeTask_RoundTrip(t *testing.T) {
	task := &Task{
		ExecutionName: "exec-1",
		TaskID:        "task-1",
		ParentTaskID:  "parent-1",
		Merge:         true,
		Data: []ObjectSet{{
			Sources:     []Object{{Bucket: "staging", Key: "a.gz"}},
			Destination: Object{Bucket: "archive", Key: "merged.gz"},
		}},
		TaskToken: "token-1",
	}

	body, err := EncodeTask(task)
	require.NoError(t, err)
	decoded, err := DecodeTask(body)
	require.NoError(t, err)

	assert.Equal(t, task, decoded)
}

func TestDecodeTask_MustRejectUnframedBody(t *testing.T) {
	_, err := DecodeTask(`{"taskId":"task-1"}`)
	assert.Error(t, err)
}

func TestProcess_CopiesObjectsAndDeletesSources(t *testing.T) {
	// given
	f := newWorkerFixture()
	f.bucket.objects["staging/app/part-0.parquet"] = []byte("row")
	task := &Task{
		ExecutionName:   "exec-1",
		TaskID:          "task-1",
		ParentTaskID:    etllog.NilParentTaskID,
		DeleteOnSuccess: true,
		Data: []ObjectSet{{
			Sources:     []Object{{Bucket: "staging", Key: "app/part-0.parquet"}},
			Destination: Object{Bucket: "archive", Key: "app/part-0.parquet"},
		}},
	}
	// when
	status, err := f.worker.Process(context.Background(), task)
	// then
	require.NoError(t, err)
	assert.Equal(t, etllog.StatusSucceeded, status)
	assert.Equal(t, []byte("row"), f.bucket.objects["archive/app/part-0.parquet"])
	assert.NotContains(t, f.bucket.objects, "staging/app/part-0.parquet")

	rec := f.table.record(t, "exec-1", "task-1")
	assert.Equal(t, etllog.StatusSucceeded, rec.Status)
	assert.Equal(t, "Lambda: ObjectMigration", rec.API)
	assert.NotEmpty(t, rec.EndTime)
}

func TestProcess_RedeliveredCopyConverges(t *testing.T) {
	// given a task that already ran once, so the sources are gone but the
	// destination exists
	f := newWorkerFixture()
	f.bucket.objects["archive/app/part-0.parquet"] = []byte("row")
	task := &Task{
		ExecutionName:   "exec-1",
		TaskID:          "task-1",
		ParentTaskID:    etllog.NilParentTaskID,
		DeleteOnSuccess: true,
		Data: []ObjectSet{{
			Sources:     []Object{{Bucket: "staging", Key: "app/part-0.parquet"}},
			Destination: Object{Bucket: "archive", Key: "app/part-0.parquet"},
		}},
	}
	// when
	status, err := f.worker.Process(context.Background(), task)
	// then
	require.NoError(t, err)
	assert.Equal(t, etllog.StatusSucceeded, status)
}

func TestProcess_MergeConcatenatesSourcesInOrder(t *testing.T) {
	f := newWorkerFixture()
	f.bucket.objects["staging/a.log"] = []byte("first\n")
	f.bucket.objects["staging/b.log"] = []byte("second\n")
	task := &Task{
		ExecutionName:   "exec-1",
		TaskID:          "task-1",
		ParentTaskID:    etllog.NilParentTaskID,
		Merge:           true,
		DeleteOnSuccess: true,
		Data: []ObjectSet{{
			Sources:     []Object{{Bucket: "staging", Key: "a.log"}, {Bucket: "staging", Key: "b.log"}},
			Destination: Object{Bucket: "archive", Key: "merged.log"},
		}},
	}

	status, err := f.worker.Process(context.Background(), task)

	require.NoError(t, err)
	assert.Equal(t, etllog.StatusSucceeded, status)
	assert.Equal(t, []byte("first\nsecond\n"), f.bucket.objects["archive/merged.log"])
	assert.NotContains(t, f.bucket.objects, "staging/a.log")
	assert.NotContains(t, f.bucket.objects, "staging/b.log")
}

func TestProcess_MergeWithAllSourcesGoneConverges(t *testing.T) {
	f := newWorkerFixture()
	f.bucket.objects["archive/merged.log"] = []byte("first\nsecond\n")
	task := &Task{
		ExecutionName: "exec-1",
		TaskID:        "task-1",
		ParentTaskID:  etllog.NilParentTaskID,
		Merge:         true,
		Data: []ObjectSet{{
			Sources:     []Object{{Bucket: "staging", Key: "a.log"}},
			Destination: Object{Bucket: "archive", Key: "merged.log"},
		}},
	}

	status, err := f.worker.Process(context.Background(), task)

	require.NoError(t, err)
	assert.Equal(t, etllog.StatusSucceeded, status)
}

func seedParent(t *testing.T, f *workerFixture, token string) {
	t.Helper()
	data, err := json.Marshal(map[string]string{"taskToken": token})
	require.NoError(t, err)
	require.NoError(t, f.worker.logs.Put(context.Background(), &etllog.Record{
		ExecutionName: "exec-1",
		TaskID:        "parent-1",
		ParentTaskID:  etllog.NilParentTaskID,
		Data:          string(data),
		Status:        etllog.StatusRunning,
	}))
}

func TestProcess_LastSubtaskCompletesParentAndReleasesToken(t *testing.T) {
	// given a parent waiting on two subtasks, one already succeeded
	f := newWorkerFixture()
	seedParent(t, f, "parent-token")
	require.NoError(t, f.worker.logs.Put(context.Background(), &etllog.Record{
		ExecutionName: "exec-1",
		TaskID:        "sub-1",
		ParentTaskID:  "parent-1",
		Data:          `[{"sources":[]}]`,
		Status:        etllog.StatusSucceeded,
	}))
	f.bucket.objects["staging/b.log"] = []byte("second")
	task := &Task{
		ExecutionName: "exec-1",
		TaskID:        "sub-2",
		ParentTaskID:  "parent-1",
		Data: []ObjectSet{{
			Sources:     []Object{{Bucket: "staging", Key: "b.log"}},
			Destination: Object{Bucket: "archive", Key: "b.log"},
		}},
	}
	// when
	status, err := f.worker.Process(context.Background(), task)
	// then
	require.NoError(t, err)
	assert.Equal(t, etllog.StatusSucceeded, status)

	parent := f.table.record(t, "exec-1", "parent-1")
	assert.Equal(t, etllog.StatusSucceeded, parent.Status)
	assert.NotEmpty(t, parent.EndTime)

	require.Len(t, f.callbacks.successes, 1)
	var output struct {
		TotalSubTask int  `json:"totalSubTask"`
		Migrated     bool `json:"migrated"`
	}
	require.NoError(t, json.Unmarshal([]byte(f.callbacks.successes[0]), &output))
	assert.Equal(t, 2, output.TotalSubTask)
	assert.True(t, output.Migrated)
}

func TestProcess_ParentStaysOpenWhileASiblingIsNotSucceeded(t *testing.T) {
	f := newWorkerFixture()
	seedParent(t, f, "parent-token")
	require.NoError(t, f.worker.logs.Put(context.Background(), &etllog.Record{
		ExecutionName: "exec-1",
		TaskID:        "sub-1",
		ParentTaskID:  "parent-1",
		Status:        etllog.StatusFailed,
	}))
	f.bucket.objects["staging/b.log"] = []byte("second")
	task := &Task{
		ExecutionName: "exec-1",
		TaskID:        "sub-2",
		ParentTaskID:  "parent-1",
		Data: []ObjectSet{{
			Sources:     []Object{{Bucket: "staging", Key: "b.log"}},
			Destination: Object{Bucket: "archive", Key: "b.log"},
		}},
	}

	_, err := f.worker.Process(context.Background(), task)

	require.NoError(t, err)
	assert.Equal(t, etllog.StatusRunning, f.table.record(t, "exec-1", "parent-1").Status)
	assert.Empty(t, f.callbacks.successes)
}

func TestHandleBatch_FailFastRequeuesRemainder(t *testing.T) {
	// given a batch whose first task cannot succeed: its source is gone and
	// the destination was never written
	f := newWorkerFixture()
	failing := &Task{
		ExecutionName: "exec-1",
		TaskID:        "task-1",
		ParentTaskID:  etllog.NilParentTaskID,
		TaskToken:     "token-1",
		Data: []ObjectSet{{
			Sources:     []Object{{Bucket: "staging", Key: "missing.log"}},
			Destination: Object{Bucket: "archive", Key: "missing.log"},
		}},
	}
	pending := &Task{
		ExecutionName: "exec-1",
		TaskID:        "task-2",
		ParentTaskID:  etllog.NilParentTaskID,
	}
	body1, err := EncodeTask(failing)
	require.NoError(t, err)
	body2, err := EncodeTask(pending)
	require.NoError(t, err)
	// when
	err = f.worker.HandleBatch(context.Background(), []string{body1, body2})
	// then: no error surfaces, so the queue does not redeliver the processed
	// part of the batch
	require.NoError(t, err)
	assert.Equal(t, 1, f.callbacks.heartbeats)
	require.Len(t, f.callbacks.failures, 1)
	assert.Contains(t, f.callbacks.failures[0], "task-1")
	assert.Equal(t, []string{body2}, f.queue.bodies)
	assert.Equal(t, etllog.StatusFailed, f.table.record(t, "exec-1", "task-1").Status)
}
