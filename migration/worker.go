package migration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/aws-solutions/centralized-logging-with-opensearch-sub005/etllog"
)

// S3API is the subset of the S3 client the worker calls.
type S3API interface {
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// SQSAPI is the subset of the SQS client used to requeue the unprocessed
// remainder of a batch after a fail-fast stop.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Worker executes migration tasks. All of its writes converge: redelivering
// the same message produces the same end state, not duplicate state.
type Worker struct {
	s3       S3API
	sqs      SQSAPI
	logs     *etllog.Logger
	queueURL string
	log      *zap.SugaredLogger
}

func NewWorker(s3Client S3API, sqsClient SQSAPI, logs *etllog.Logger, queueURL string, log *zap.SugaredLogger) *Worker {
	return &Worker{s3: s3Client, sqs: sqsClient, logs: logs, queueURL: queueURL, log: log}
}

// HandleBatch decodes and processes each framed message body in order. When
// a task fails while holding a task token, processing stops immediately;
// the unprocessed remainder is requeued so a fresh invocation picks it up.
func (w *Worker) HandleBatch(ctx context.Context, bodies []string) error {
	for i, body := range bodies {
		task, err := DecodeTask(body)
		if err != nil {
			return err
		}
		status, err := w.Process(ctx, task)
		if err != nil {
			return err
		}
		if status == etllog.StatusFailed && task.TaskToken != "" {
			if err := w.requeue(ctx, bodies[i+1:]); err != nil {
				return err
			}
			return nil
		}
	}
	return nil
}

func (w *Worker) requeue(ctx context.Context, bodies []string) error {
	for _, body := range bodies {
		_, err := w.sqs.SendMessage(ctx, &sqs.SendMessageInput{
			QueueUrl:    aws.String(w.queueURL),
			MessageBody: aws.String(body),
		})
		if err != nil {
			return fmt.Errorf("failed to requeue migration message: %w", err)
		}
	}
	if len(bodies) > 0 {
		w.log.Infow("requeued unprocessed migration messages", "count", len(bodies))
	}
	return nil
}

// Process executes one task: heartbeat, copy or merge every object set,
// write the subtask's terminal record, then run the parent fan-in check.
func (w *Worker) Process(ctx context.Context, task *Task) (etllog.Status, error) {
	if task.TaskToken != "" {
		// Sent before the real work so the waiting state machine does not
		// time out during a long copy or merge.
		if err := w.logs.SendCallback(ctx, task.TaskToken, etllog.StatusRunning, "", etllog.CallbackHeartbeat); err != nil {
			w.log.Warnw("heartbeat failed", "taskId", task.TaskID, "error", err)
		}
	}

	status := etllog.StatusSucceeded
	if len(task.Data) > 0 {
		data, _ := json.Marshal(task.Data)
		if err := w.logs.Put(ctx, &etllog.Record{
			ExecutionName: task.ExecutionName,
			TaskID:        task.TaskID,
			ParentTaskID:  task.ParentTaskID,
			API:           "Lambda: ObjectMigration",
			Data:          string(data),
			StartTime:     etllog.Now(),
			Status:        etllog.StatusRunning,
			FunctionName:  task.FunctionName,
		}); err != nil {
			return etllog.StatusFailed, err
		}

		status = w.migrate(ctx, task)

		if err := w.logs.Finish(ctx, task.ExecutionName, task.TaskID, status); err != nil {
			return status, err
		}
	}

	if status == etllog.StatusFailed && task.TaskToken != "" {
		cause := fmt.Sprintf("migration task %s failed", task.TaskID)
		if err := w.logs.SendCallback(ctx, task.TaskToken, status, cause, etllog.CallbackComplete); err != nil {
			w.log.Warnw("failure callback failed", "taskId", task.TaskID, "error", err)
		}
		return status, nil
	}

	if err := w.checkParentCompletion(ctx, task); err != nil {
		return status, err
	}
	return status, nil
}

// migrate reduces per-object errors to one coarse status for the whole
// message; retries are the queue's redelivery, not the worker's.
func (w *Worker) migrate(ctx context.Context, task *Task) etllog.Status {
	for _, set := range task.Data {
		var err error
		if task.Merge {
			err = w.mergeObjects(ctx, set, task.DeleteOnSuccess)
		} else {
			err = w.copyObjects(ctx, set, task.DeleteOnSuccess)
		}
		if err != nil {
			w.log.Errorw("object migration failed",
				"taskId", task.TaskID, "destination", set.Destination.Key, "error", err)
			return etllog.StatusFailed
		}
	}
	return etllog.StatusSucceeded
}

func (w *Worker) copyObjects(ctx context.Context, set ObjectSet, deleteOnSuccess bool) error {
	for _, src := range set.Sources {
		_, err := w.s3.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:     aws.String(set.Destination.Bucket),
			Key:        aws.String(set.Destination.Key),
			CopySource: aws.String(src.Bucket + "/" + src.Key),
		})
		if err != nil {
			if isNotFound(err) {
				// Source gone: a previous attempt already copied and
				// deleted it. Converged as long as the destination exists.
				if w.destinationExists(ctx, set.Destination) {
					continue
				}
			}
			return fmt.Errorf("failed to copy s3://%s/%s: %w", src.Bucket, src.Key, err)
		}
	}
	if deleteOnSuccess {
		return w.deleteSources(ctx, set.Sources)
	}
	return nil
}

// mergeObjects concatenates all source objects into the destination. The
// raw bytes are appended as-is: gzip members concatenate into a valid gzip
// stream, and newline-delimited text concatenates trivially.
func (w *Worker) mergeObjects(ctx context.Context, set ObjectSet, deleteOnSuccess bool) error {
	var merged bytes.Buffer
	found := 0
	for _, src := range set.Sources {
		object, err := w.s3.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(src.Bucket),
			Key:    aws.String(src.Key),
		})
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return fmt.Errorf("failed to read s3://%s/%s: %w", src.Bucket, src.Key, err)
		}
		_, err = io.Copy(&merged, object.Body)
		object.Body.Close()
		if err != nil {
			return fmt.Errorf("failed to read body of s3://%s/%s: %w", src.Bucket, src.Key, err)
		}
		found++
	}

	if found == 0 {
		// Every source is gone; a previous attempt finished the merge.
		if w.destinationExists(ctx, set.Destination) {
			return nil
		}
		return fmt.Errorf("no source objects found for s3://%s/%s", set.Destination.Bucket, set.Destination.Key)
	}

	_, err := w.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(set.Destination.Bucket),
		Key:    aws.String(set.Destination.Key),
		Body:   bytes.NewReader(merged.Bytes()),
	})
	if err != nil {
		return fmt.Errorf("failed to write merged object s3://%s/%s: %w", set.Destination.Bucket, set.Destination.Key, err)
	}

	if deleteOnSuccess {
		return w.deleteSources(ctx, set.Sources)
	}
	return nil
}

func (w *Worker) deleteSources(ctx context.Context, sources []Object) error {
	for _, src := range sources {
		_, err := w.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(src.Bucket),
			Key:    aws.String(src.Key),
		})
		if err != nil && !isNotFound(err) {
			return fmt.Errorf("failed to delete s3://%s/%s: %w", src.Bucket, src.Key, err)
		}
	}
	return nil
}

func (w *Worker) destinationExists(ctx context.Context, dst Object) bool {
	_, err := w.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(dst.Bucket),
		Key:    aws.String(dst.Key),
	})
	return err == nil
}

// checkParentCompletion re-scans the siblings and, when every one of them
// succeeded, writes the parent's terminal record and releases the parent's
// task token with a payload noting whether any objects actually moved.
func (w *Worker) checkParentCompletion(ctx context.Context, task *Task) error {
	if task.ParentTaskID == "" || task.ParentTaskID == etllog.NilParentTaskID {
		return nil
	}

	siblings, err := w.logs.QuerySubtasks(ctx, task.ExecutionName, task.ParentTaskID)
	if err != nil {
		return err
	}
	if len(siblings) == 0 {
		return nil
	}
	migrated := false
	for _, sibling := range siblings {
		if sibling.Status != etllog.StatusSucceeded {
			return nil
		}
		if sibling.Data != "" && sibling.Data != "[]" && sibling.Data != "null" {
			migrated = true
		}
	}

	parent, err := w.logs.Get(ctx, task.ExecutionName, task.ParentTaskID)
	if err != nil {
		return err
	}
	if parent == nil {
		w.log.Warnw("parent task record not found",
			"executionName", task.ExecutionName, "parentTaskId", task.ParentTaskID)
		return nil
	}

	if err := w.logs.Finish(ctx, task.ExecutionName, task.ParentTaskID, etllog.StatusSucceeded); err != nil {
		return err
	}
	w.log.Infow("parent task complete",
		"executionName", task.ExecutionName, "parentTaskId", task.ParentTaskID,
		"totalSubTask", len(siblings))

	if token := parentTaskToken(parent); token != "" {
		output, _ := json.Marshal(map[string]any{
			"totalSubTask": len(siblings),
			"migrated":     migrated,
		})
		if err := w.logs.SendCallback(ctx, token, etllog.StatusSucceeded, string(output), etllog.CallbackComplete); err != nil {
			w.log.Warnw("parent success callback failed", "parentTaskId", task.ParentTaskID, "error", err)
		}
	}
	return nil
}

// parentTaskToken digs the task token out of the parent record's payload,
// where the scanning stage stored it.
func parentTaskToken(parent *etllog.Record) string {
	if parent.Data == "" {
		return ""
	}
	var payload struct {
		TaskToken string `json:"taskToken"`
	}
	if err := json.Unmarshal([]byte(parent.Data), &payload); err != nil {
		return ""
	}
	return payload.TaskToken
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "404":
			return true
		}
	}
	return false
}
