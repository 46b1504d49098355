// The schedule-provisioner Lambda arms and disarms the recurring triggers
// of a pipeline: one processor, one merger and one archive schedule, each
// carrying the metadata payload its worker needs on every tick.
package main

import (
	"context"
	"fmt"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/scheduler"
	"go.uber.org/zap"

	"github.com/aws-solutions/centralized-logging-with-opensearch-sub005/config"
	"github.com/aws-solutions/centralized-logging-with-opensearch-sub005/etllog"
	"github.com/aws-solutions/centralized-logging-with-opensearch-sub005/logging"
	"github.com/aws-solutions/centralized-logging-with-opensearch-sub005/params"
	"github.com/aws-solutions/centralized-logging-with-opensearch-sub005/schedule"
	"github.com/aws-solutions/centralized-logging-with-opensearch-sub005/tableschema"
)

// event is the pipeline provisioning request.
type event struct {
	Action   string `json:"action"` // create | delete
	Pipeline struct {
		PipelineID        string                `json:"pipelineId"`
		SourceType        string                `json:"sourceType"`
		SrcPath           string                `json:"srcPath"`
		ArchivePath       string                `json:"archivePath"`
		Database          string                `json:"database"`
		TableName         string                `json:"tableName"`
		Schema            string                `json:"schema"` // declarative JSON schema document
		ProcessorSchedule string                `json:"processorSchedule"`
		MergerSchedule    string                `json:"mergerSchedule"`
		ArchiveSchedule   string                `json:"archiveSchedule"`
		IntervalDays      int                   `json:"intervalDays"`
		Statements        schedule.Statements   `json:"statements"`
		Notification      schedule.Notification `json:"notification"`
		TargetArn         string                `json:"targetArn"`
		RoleArn           string                `json:"roleArn"`
	} `json:"pipeline"`
}

type service struct {
	cfg          *config.Config
	orchestrator *schedule.Orchestrator
	dynamo       etllog.AdminAPI
	log          *zap.SugaredLogger
}

func newService(ctx context.Context) (*service, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log := logging.New("schedule-provisioner")

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config, %w", err)
	}

	return &service{
		cfg:          cfg,
		orchestrator: schedule.NewOrchestrator(scheduler.NewFromConfig(awsCfg), log),
		dynamo:       dynamodb.NewFromConfig(awsCfg),
		log:          log,
	}, nil
}

func main() {
	svc, err := newService(context.Background())
	if err != nil {
		panic(err)
	}
	lambda.Start(svc.handle)
}

func (s *service) handle(ctx context.Context, e event) error {
	if e.Pipeline.PipelineID == "" {
		return &params.ValidationError{Name: "pipeline.pipelineId", Reason: "required parameter is missing"}
	}

	switch e.Action {
	case "delete":
		return s.orchestrator.DeletePipelineSchedules(ctx, e.Pipeline.PipelineID, s.cfg.ScheduleGroup)
	case "create", "update":
		return s.provision(ctx, e)
	}
	return &params.ValidationError{Name: "action", Reason: fmt.Sprintf("unknown action %q", e.Action)}
}

// provision derives the partition contract from the pipeline's schema and
// arms all three schedules. Re-running with the same event converges on the
// same three schedule resources.
func (s *service) provision(ctx context.Context, e event) error {
	// The first pipeline on a fresh stack also bootstraps the shared
	// execution-log table its workers write to.
	if err := etllog.EnsureTable(ctx, s.dynamo, s.cfg.ExecutionLogTable, s.log); err != nil {
		return err
	}

	root, err := tableschema.Parse([]byte(e.Pipeline.Schema))
	if err != nil {
		return fmt.Errorf("failed to parse pipeline schema: %w", err)
	}
	derived, err := tableschema.Transform(root)
	if err != nil {
		return fmt.Errorf("failed to derive table schema: %w", err)
	}
	firstPartitionKey := ""
	if len(derived.PartitionKeys) > 0 {
		firstPartitionKey = derived.PartitionKeys[0].Name
	}

	descriptor := schedule.Descriptor{
		PipelineID: e.Pipeline.PipelineID,
		SourceType: e.Pipeline.SourceType,
		Group:      s.cfg.ScheduleGroup,
		TargetArn:  e.Pipeline.TargetArn,
		RoleArn:    e.Pipeline.RoleArn,
		S3: schedule.S3Paths{
			SrcPath:     e.Pipeline.SrcPath,
			ArchivePath: e.Pipeline.ArchivePath,
		},
		Notification: e.Pipeline.Notification,
	}

	statements := e.Pipeline.Statements
	descriptor.Expression = e.Pipeline.ProcessorSchedule
	if err := s.orchestrator.CreateProcessorSchedule(ctx, descriptor, schedule.AthenaMeta{
		TableName:  e.Pipeline.TableName,
		Statements: &statements,
	}); err != nil {
		return err
	}

	maintenanceMeta := schedule.AthenaMeta{
		Database:          e.Pipeline.Database,
		TableName:         e.Pipeline.TableName,
		FirstPartitionKey: firstPartitionKey,
		PartitionInfo:     derived.PartitionInfo,
		IntervalDays:      e.Pipeline.IntervalDays,
	}
	descriptor.Expression = e.Pipeline.MergerSchedule
	if err := s.orchestrator.CreateMergerSchedule(ctx, descriptor, maintenanceMeta); err != nil {
		return err
	}
	descriptor.Expression = e.Pipeline.ArchiveSchedule
	if err := s.orchestrator.CreateArchiveSchedule(ctx, descriptor, maintenanceMeta); err != nil {
		return err
	}

	s.log.Infow("pipeline schedules armed", "pipelineId", e.Pipeline.PipelineID)
	return nil
}
