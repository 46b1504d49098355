package main

import (
	"encoding/json"
	"fmt"

	"github.com/aws-solutions/centralized-logging-with-opensearch-sub005/etllog"
	"github.com/aws-solutions/centralized-logging-with-opensearch-sub005/params"
	"github.com/aws-solutions/centralized-logging-with-opensearch-sub005/partition"
	"github.com/aws-solutions/centralized-logging-with-opensearch-sub005/schedule"
)

// Operation names carried in the event's API field.
const (
	apiStartQueryExecution  = "Athena: StartQueryExecution"
	apiGetQueryExecution    = "Athena: GetQueryExecution"
	apiBatchUpdatePartition = "Athena: BatchUpdatePartition"
	apiPutExecutionLog      = "DynamoDB: PutItem"
	apiUpdateExecutionLog   = "DynamoDB: UpdateItem"
	apiCheckTaskCompletion  = "DynamoDB: CheckTaskCompletion"
	apiSendNotification     = "Notification: Send"
)

// operation is the tagged union of everything this helper can do. The
// event is decoded into exactly one variant at ingress; the dispatcher is a
// switch over the variant, never over raw strings.
type operation interface {
	api() string
}

type startQueryOp struct {
	ExecutionName  string
	TaskID         string
	QueryString    string
	WorkGroup      string
	OutputLocation string
	Asynchronous   bool
	TaskToken      string
	PipelineID     string
	StateMachine   string
	StateName      string
}

func (startQueryOp) api() string { return apiStartQueryExecution }

type getQueryOp struct {
	QueryExecutionID string
}

func (getQueryOp) api() string { return apiGetQueryExecution }

type batchUpdateOp struct {
	ExecutionName   string
	TaskID          string
	Database        string
	TableName       string
	Location        params.S3Location
	PartitionPrefix string
	WorkGroup       string
	OutputLocation  string
	Action          partition.Action
	TaskToken       string
	PipelineID      string
	StateMachine    string
	StateName       string
}

func (batchUpdateOp) api() string { return apiBatchUpdatePartition }

type putLogOp struct {
	Record etllog.Record
}

func (putLogOp) api() string { return apiPutExecutionLog }

type updateLogOp struct {
	ExecutionName string
	TaskID        string
	Status        etllog.Status
	Data          string
	TaskToken     string
}

func (updateLogOp) api() string { return apiUpdateExecutionLog }

type checkCompletionOp struct {
	ExecutionName string
	ParentTaskID  string
	TaskToken     string
}

func (checkCompletionOp) api() string { return apiCheckTaskCompletion }

type sendNotificationOp struct {
	ExecutionName    string
	ParentTaskID     string
	PipelineID       string
	StateMachineName string
	Status           etllog.Status
	ArchiveURL       string
	Target           schedule.Notification
}

func (sendNotificationOp) api() string { return apiSendNotification }

// decodeOperation validates the raw event and builds the one variant its
// API field names. Unknown APIs and malformed parameters fail here, before
// any side effect.
func decodeOperation(raw []byte) (operation, error) {
	p, err := params.FromJSON(raw)
	if err != nil {
		return nil, err
	}
	api, err := p.Required("API")
	if err != nil {
		return nil, err
	}

	switch api {
	case apiStartQueryExecution:
		return decodeStartQuery(p)
	case apiGetQueryExecution:
		id, err := p.Required("queryExecutionId")
		if err != nil {
			return nil, err
		}
		return getQueryOp{QueryExecutionID: id}, nil
	case apiBatchUpdatePartition:
		return decodeBatchUpdate(p)
	case apiPutExecutionLog:
		return decodePutLog(raw)
	case apiUpdateExecutionLog:
		return decodeUpdateLog(p)
	case apiCheckTaskCompletion:
		return decodeCheckCompletion(p)
	case apiSendNotification:
		return decodeSendNotification(raw, p)
	}
	return nil, &params.ValidationError{Name: "API", Reason: fmt.Sprintf("unknown API %q", api)}
}

func decodeStartQuery(p *params.Params) (operation, error) {
	executionName, err := p.Required("executionName")
	if err != nil {
		return nil, err
	}
	query, err := p.Required("queryString")
	if err != nil {
		return nil, err
	}
	workGroup, err := p.Required("workGroup")
	if err != nil {
		return nil, err
	}
	outputLocation, err := p.Required("outputLocation")
	if err != nil {
		return nil, err
	}
	return startQueryOp{
		ExecutionName:  executionName,
		TaskID:         p.Optional("taskId", ""),
		QueryString:    query,
		WorkGroup:      workGroup,
		OutputLocation: outputLocation,
		Asynchronous:   p.Bool("asynchronous", false),
		TaskToken:      p.Optional("taskToken", ""),
		PipelineID:     p.Optional("pipelineId", ""),
		StateMachine:   p.Optional("stateMachineName", ""),
		StateName:      p.Optional("stateName", ""),
	}, nil
}

func decodeBatchUpdate(p *params.Params) (operation, error) {
	executionName, err := p.Required("executionName")
	if err != nil {
		return nil, err
	}
	database, err := p.Required("database")
	if err != nil {
		return nil, err
	}
	tableName, err := p.Required("tableName")
	if err != nil {
		return nil, err
	}
	location, err := p.RequiredS3URI("location")
	if err != nil {
		return nil, err
	}
	workGroup, err := p.Required("workGroup")
	if err != nil {
		return nil, err
	}
	outputLocation, err := p.Required("outputLocation")
	if err != nil {
		return nil, err
	}
	return batchUpdateOp{
		ExecutionName:   executionName,
		TaskID:          p.Optional("taskId", ""),
		Database:        database,
		TableName:       tableName,
		Location:        location,
		PartitionPrefix: p.Optional("partitionPrefix", ""),
		WorkGroup:       workGroup,
		OutputLocation:  outputLocation,
		Action:          partition.ParseAction(p.Optional("action", "ADD")),
		TaskToken:       p.Optional("taskToken", ""),
		PipelineID:      p.Optional("pipelineId", ""),
		StateMachine:    p.Optional("stateMachineName", ""),
		StateName:       p.Optional("stateName", ""),
	}, nil
}

func decodePutLog(raw []byte) (operation, error) {
	var envelope struct {
		Item etllog.Record `json:"item"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode execution log item: %w", err)
	}
	if envelope.Item.ExecutionName == "" {
		return nil, &params.ValidationError{Name: "item.executionName", Reason: "required parameter is missing"}
	}
	if envelope.Item.TaskID == "" {
		return nil, &params.ValidationError{Name: "item.taskId", Reason: "required parameter is missing"}
	}
	return putLogOp{Record: envelope.Item}, nil
}

func decodeUpdateLog(p *params.Params) (operation, error) {
	executionName, err := p.Required("executionName")
	if err != nil {
		return nil, err
	}
	taskID, err := p.Required("taskId")
	if err != nil {
		return nil, err
	}
	status, err := p.Required("status")
	if err != nil {
		return nil, err
	}
	return updateLogOp{
		ExecutionName: executionName,
		TaskID:        taskID,
		Status:        etllog.Status(status),
		Data:          p.Optional("data", ""),
		TaskToken:     p.Optional("taskToken", ""),
	}, nil
}

func decodeCheckCompletion(p *params.Params) (operation, error) {
	executionName, err := p.Required("executionName")
	if err != nil {
		return nil, err
	}
	parentTaskID, err := p.Required("parentTaskId")
	if err != nil {
		return nil, err
	}
	return checkCompletionOp{
		ExecutionName: executionName,
		ParentTaskID:  parentTaskID,
		TaskToken:     p.Optional("taskToken", ""),
	}, nil
}

func decodeSendNotification(raw []byte, p *params.Params) (operation, error) {
	executionName, err := p.Required("executionName")
	if err != nil {
		return nil, err
	}
	parentTaskID, err := p.Required("parentTaskId")
	if err != nil {
		return nil, err
	}
	var envelope struct {
		Notification schedule.Notification `json:"notification"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode notification target: %w", err)
	}
	if envelope.Notification.Service == "" {
		return nil, &params.ValidationError{Name: "notification.service", Reason: "required parameter is missing"}
	}
	return sendNotificationOp{
		ExecutionName:    executionName,
		ParentTaskID:     parentTaskID,
		PipelineID:       p.Optional("pipelineId", ""),
		StateMachineName: p.Optional("stateMachineName", ""),
		Status:           etllog.Status(p.Optional("status", string(etllog.StatusFailed))),
		ArchiveURL:       p.Optional("archiveUrl", ""),
		Target:           envelope.Notification,
	}, nil
}
