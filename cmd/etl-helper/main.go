// The etl-helper Lambda executes the micro-batch maintenance operations
// driven by the pipeline state machines: Athena query execution, batched
// partition updates, execution-log bookkeeping, fan-in completion checks
// and failure notifications.
package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/athena"
	athenatypes "github.com/aws/aws-sdk-go-v2/service/athena/types"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aws-solutions/centralized-logging-with-opensearch-sub005/athenaquery"
	"github.com/aws-solutions/centralized-logging-with-opensearch-sub005/batchupdate"
	"github.com/aws-solutions/centralized-logging-with-opensearch-sub005/config"
	"github.com/aws-solutions/centralized-logging-with-opensearch-sub005/etllog"
	"github.com/aws-solutions/centralized-logging-with-opensearch-sub005/logging"
	"github.com/aws-solutions/centralized-logging-with-opensearch-sub005/notify"
)

// service owns the clients and components, constructed once at cold start
// and reused across invocations.
type service struct {
	cfg      *config.Config
	log      *zap.SugaredLogger
	logs     *etllog.Logger
	tracker  *athenaquery.Tracker
	updater  *batchupdate.Updater
	notifier *notify.Dispatcher
}

func newService(ctx context.Context) (*service, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log := logging.New("etl-helper")

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config, %w", err)
	}

	logs := etllog.NewLogger(
		dynamodb.NewFromConfig(awsCfg), sfn.NewFromConfig(awsCfg),
		cfg.ExecutionLogTable, cfg.TTLDays, log)
	tracker := athenaquery.NewTracker(athena.NewFromConfig(awsCfg), log)

	return &service{
		cfg:      cfg,
		log:      log,
		logs:     logs,
		tracker:  tracker,
		updater:  batchupdate.NewUpdater(s3.NewFromConfig(awsCfg), tracker, log),
		notifier: notify.NewDispatcher(sesv2.NewFromConfig(awsCfg), sns.NewFromConfig(awsCfg), cfg.EmailSender, log),
	}, nil
}

func main() {
	svc, err := newService(context.Background())
	if err != nil {
		panic(err)
	}
	lambda.Start(svc.handle)
}

func (s *service) handle(ctx context.Context, raw json.RawMessage) (any, error) {
	op, err := decodeOperation(raw)
	if err != nil {
		return nil, err
	}
	s.log.Infow("dispatching operation", "api", op.api())

	switch op := op.(type) {
	case startQueryOp:
		return s.startQuery(ctx, op)
	case getQueryOp:
		return s.getQuery(ctx, op)
	case batchUpdateOp:
		return s.batchUpdate(ctx, op)
	case putLogOp:
		return s.putLog(ctx, op)
	case updateLogOp:
		return s.updateLog(ctx, op)
	case checkCompletionOp:
		return s.checkCompletion(ctx, op)
	case sendNotificationOp:
		return s.sendNotification(ctx, op)
	}
	return nil, fmt.Errorf("unhandled operation %q", op.api())
}

func (s *service) startQuery(ctx context.Context, op startQueryOp) (any, error) {
	taskID := op.TaskID
	if taskID == "" {
		taskID = uuid.NewString()
	}
	if err := s.logs.Put(ctx, &etllog.Record{
		ExecutionName:    op.ExecutionName,
		TaskID:           taskID,
		ParentTaskID:     etllog.NilParentTaskID,
		API:              apiStartQueryExecution,
		Data:             op.QueryString,
		StartTime:        etllog.Now(),
		Status:           etllog.StatusRunning,
		FunctionName:     s.cfg.FunctionName,
		PipelineID:       op.PipelineID,
		StateMachineName: op.StateMachine,
		StateName:        op.StateName,
	}); err != nil {
		return nil, err
	}

	rec := s.tracker.Start(ctx, athenaquery.Input{
		Query:          op.QueryString,
		WorkGroup:      op.WorkGroup,
		OutputLocation: op.OutputLocation,
		Asynchronous:   op.Asynchronous,
		PollInterval:   s.cfg.PollInterval(),
	})

	status := queryStatus(rec)
	if status.Terminal() {
		if err := s.logs.Finish(ctx, op.ExecutionName, taskID, status); err != nil {
			return nil, err
		}
	}
	if op.TaskToken != "" {
		// A query still running (asynchronous start) only gets a heartbeat;
		// the completion callback waits for a terminal status.
		mode := etllog.CallbackComplete
		if !status.Terminal() {
			mode = etllog.CallbackHeartbeat
		}
		output, _ := json.Marshal(rec)
		if err := s.logs.SendCallback(ctx, op.TaskToken, status, string(output), mode); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

func (s *service) getQuery(ctx context.Context, op getQueryOp) (any, error) {
	return s.tracker.Status(ctx, op.QueryExecutionID), nil
}

func (s *service) batchUpdate(ctx context.Context, op batchUpdateOp) (any, error) {
	taskID := op.TaskID
	if taskID == "" {
		taskID = uuid.NewString()
	}
	if err := s.logs.Put(ctx, &etllog.Record{
		ExecutionName:    op.ExecutionName,
		TaskID:           taskID,
		ParentTaskID:     etllog.NilParentTaskID,
		API:              apiBatchUpdatePartition,
		StartTime:        etllog.Now(),
		Status:           etllog.StatusRunning,
		FunctionName:     s.cfg.FunctionName,
		PipelineID:       op.PipelineID,
		StateMachineName: op.StateMachine,
		StateName:        op.StateName,
	}); err != nil {
		return nil, err
	}

	result, err := s.updater.Run(ctx, batchupdate.Request{
		ExecutionName:   op.ExecutionName,
		Database:        op.Database,
		TableName:       op.TableName,
		Location:        op.Location,
		PartitionPrefix: op.PartitionPrefix,
		WorkGroup:       op.WorkGroup,
		OutputLocation:  op.OutputLocation,
		Action:          op.Action,
		BatchSize:       s.cfg.BatchSize,
		PollInterval:    s.cfg.PollInterval(),
	})
	if err != nil {
		if finishErr := s.logs.Finish(ctx, op.ExecutionName, taskID, etllog.StatusFailed); finishErr != nil {
			s.log.Errorw("failed to finish task record", "error", finishErr)
		}
		return nil, err
	}

	if err := s.logs.Finish(ctx, op.ExecutionName, taskID, result.Status); err != nil {
		return nil, err
	}
	if op.TaskToken != "" {
		output, _ := json.Marshal(result)
		if err := s.logs.SendCallback(ctx, op.TaskToken, result.Status, string(output), etllog.CallbackComplete); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (s *service) putLog(ctx context.Context, op putLogOp) (any, error) {
	rec := op.Record
	if rec.ParentTaskID == "" {
		rec.ParentTaskID = etllog.NilParentTaskID
	}
	if rec.StartTime == "" {
		rec.StartTime = etllog.Now()
	}
	if rec.Status == "" {
		rec.Status = etllog.StatusRunning
	}
	if rec.FunctionName == "" {
		rec.FunctionName = s.cfg.FunctionName
	}
	if err := s.logs.Put(ctx, &rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *service) updateLog(ctx context.Context, op updateLogOp) (any, error) {
	err := s.logs.Update(ctx, op.ExecutionName, op.TaskID, func(rec *etllog.Record) {
		rec.Status = op.Status
		if op.Data != "" {
			rec.Data = op.Data
		}
		if op.Status.Terminal() && rec.EndTime == "" {
			rec.EndTime = etllog.Now()
		}
	})
	if err != nil {
		return nil, err
	}
	if op.TaskToken != "" {
		mode := etllog.CallbackComplete
		if !op.Status.Terminal() {
			mode = etllog.CallbackHeartbeat
		}
		if err := s.logs.SendCallback(ctx, op.TaskToken, op.Status, "", mode); err != nil {
			return nil, err
		}
	}
	return map[string]string{"executionName": op.ExecutionName, "taskId": op.TaskID}, nil
}

func (s *service) checkCompletion(ctx context.Context, op checkCompletionOp) (any, error) {
	total, succeeded, err := s.logs.CountSubtasksByStatus(ctx, op.ExecutionName, op.ParentTaskID, etllog.StatusSucceeded)
	if err != nil {
		return nil, err
	}
	complete := total > 0 && total == succeeded
	result := map[string]any{
		"totalSubTask": total,
		"taskCount":    succeeded,
		"complete":     complete,
	}
	if complete {
		if err := s.logs.Finish(ctx, op.ExecutionName, op.ParentTaskID, etllog.StatusSucceeded); err != nil {
			return nil, err
		}
		if op.TaskToken != "" {
			output, _ := json.Marshal(result)
			if err := s.logs.SendCallback(ctx, op.TaskToken, etllog.StatusSucceeded, string(output), etllog.CallbackComplete); err != nil {
				return nil, err
			}
		}
	}
	return result, nil
}

func (s *service) sendNotification(ctx context.Context, op sendNotificationOp) (any, error) {
	tasks, err := s.logs.QuerySubtasks(ctx, op.ExecutionName, op.ParentTaskID)
	if err != nil {
		return nil, err
	}
	summary := notify.Summary{
		PipelineID:       op.PipelineID,
		StateMachineName: op.StateMachineName,
		ExecutionName:    op.ExecutionName,
		Status:           op.Status,
		ArchiveURL:       op.ArchiveURL,
		Tasks:            tasks,
	}
	// Best-effort: a notification failure must not re-fail the task.
	if err := s.notifier.Send(ctx, op.Target, summary); err != nil {
		s.log.Errorw("notification delivery failed", "executionName", op.ExecutionName, "error", err)
	}
	return map[string]string{"executionName": op.ExecutionName}, nil
}

func queryStatus(rec athenaquery.Record) etllog.Status {
	switch athenatypes.QueryExecutionState(rec.State) {
	case athenatypes.QueryExecutionStateSucceeded:
		return etllog.StatusSucceeded
	case athenatypes.QueryExecutionStateFailed, athenatypes.QueryExecutionStateCancelled:
		return etllog.StatusFailed
	}
	return etllog.StatusRunning
}
