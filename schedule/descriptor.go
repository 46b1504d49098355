package schedule

import (
	"context"
	"fmt"

	"github.com/aws-solutions/centralized-logging-with-opensearch-sub005/tableschema"
)

// Schedule types; one schedule exists per (pipeline, type).
const (
	TypeLogProcessor = "LogProcessor"
	TypeLogMerger    = "LogMerger"
	TypeLogArchive   = "LogArchive"
)

// Notification names the push-alerting target of a pipeline.
type Notification struct {
	Service    string   `json:"service"` // SES | SNS
	Recipients []string `json:"recipients"`
}

// S3Paths carries the pipeline's source and archive locations.
type S3Paths struct {
	SrcPath     string `json:"srcPath"`
	ArchivePath string `json:"archivePath"`
}

// Statements is the Athena statement bundle a processor run executes.
type Statements struct {
	Create    string `json:"create"`
	Drop      string `json:"drop"`
	Insert    string `json:"insert"`
	Aggregate string `json:"aggregate"`
}

// AthenaMeta describes the table a schedule maintains. Processor schedules
// carry a statement bundle; merger and archive schedules carry the
// partition contract instead.
type AthenaMeta struct {
	Database          string                    `json:"database,omitempty"`
	TableName         string                    `json:"tableName"`
	Statements        *Statements               `json:"statements,omitempty"`
	FirstPartitionKey string                    `json:"firstPartitionKey,omitempty"`
	PartitionInfo     tableschema.PartitionInfo `json:"partitionInfo,omitempty"`
	IntervalDays      int                       `json:"intervalDays,omitempty"`
}

// Metadata is the structured document delivered to the worker on every
// schedule tick.
type Metadata struct {
	PipelineID   string       `json:"pipelineId"`
	SourceType   string       `json:"sourceType"`
	ScheduleType string       `json:"scheduleType"`
	S3           S3Paths      `json:"s3"`
	Athena       AthenaMeta   `json:"athena"`
	Notification Notification `json:"notification"`
}

// Payload is the schedule input document.
type Payload struct {
	Metadata Metadata `json:"metadata"`
}

// Descriptor is everything needed to arm one pipeline schedule.
type Descriptor struct {
	PipelineID   string
	SourceType   string
	Group        string
	Expression   string
	TargetArn    string
	RoleArn      string
	S3           S3Paths
	Notification Notification
}

func scheduleName(pipelineID, scheduleType string) string {
	return fmt.Sprintf("%s-%s", scheduleType, pipelineID)
}

// CreateProcessorSchedule arms the recurring log-processor trigger. The
// window is fixed: downstream freshness depends on the processor running
// exactly on time.
func (o *Orchestrator) CreateProcessorSchedule(ctx context.Context, d Descriptor, athena AthenaMeta) error {
	payload := Payload{Metadata: Metadata{
		PipelineID:   d.PipelineID,
		SourceType:   d.SourceType,
		ScheduleType: TypeLogProcessor,
		S3:           d.S3,
		Athena:       athena,
		Notification: d.Notification,
	}}
	return o.CreateOrUpdate(ctx, scheduleName(d.PipelineID, TypeLogProcessor),
		d.Group, d.Expression, 0, d.TargetArn, d.RoleArn, payload)
}

// CreateMergerSchedule arms the recurring merger trigger with a flexible
// window, letting the scheduler spread merger load.
func (o *Orchestrator) CreateMergerSchedule(ctx context.Context, d Descriptor, athena AthenaMeta) error {
	payload := Payload{Metadata: Metadata{
		PipelineID:   d.PipelineID,
		SourceType:   d.SourceType,
		ScheduleType: TypeLogMerger,
		S3:           d.S3,
		Athena:       athena,
		Notification: d.Notification,
	}}
	return o.CreateOrUpdate(ctx, scheduleName(d.PipelineID, TypeLogMerger),
		d.Group, d.Expression, MaxFlexWindowMinutes, d.TargetArn, d.RoleArn, payload)
}

// CreateArchiveSchedule arms the recurring archive trigger, also with a
// flexible window.
func (o *Orchestrator) CreateArchiveSchedule(ctx context.Context, d Descriptor, athena AthenaMeta) error {
	payload := Payload{Metadata: Metadata{
		PipelineID:   d.PipelineID,
		SourceType:   d.SourceType,
		ScheduleType: TypeLogArchive,
		S3:           d.S3,
		Athena:       athena,
		Notification: d.Notification,
	}}
	return o.CreateOrUpdate(ctx, scheduleName(d.PipelineID, TypeLogArchive),
		d.Group, d.Expression, MaxFlexWindowMinutes, d.TargetArn, d.RoleArn, payload)
}

// DeletePipelineSchedules tears down all three schedules of a pipeline.
// Absent schedules are ignored.
func (o *Orchestrator) DeletePipelineSchedules(ctx context.Context, pipelineID, group string) error {
	for _, scheduleType := range []string{TypeLogProcessor, TypeLogMerger, TypeLogArchive} {
		if err := o.Delete(ctx, scheduleName(pipelineID, scheduleType), group); err != nil {
			return err
		}
	}
	return nil
}
