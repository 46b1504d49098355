// Package etllog persists task and subtask execution records in DynamoDB
// and implements the fan-in completion checks and state-machine callbacks
// built on top of them.
package etllog

import "time"

// Status of a task or subtask attempt.
type Status string

const (
	StatusRunning         Status = "Running"
	StatusSucceeded       Status = "Succeeded"
	StatusFailed          Status = "Failed"
	StatusPartlySucceeded Status = "PartlySucceeded"
)

// Terminal reports whether the status ends the record's lifecycle.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusPartlySucceeded:
		return true
	}
	return false
}

// NilParentTaskID marks a top-level task that has no parent.
const NilParentTaskID = "00000000-0000-0000-0000-000000000000"

// TimeLayout is the ISO-8601 UTC microsecond format used for every
// timestamp written to the log table.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// FormatTime renders t in the log table's timestamp format.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// Now is the current time in the log table's timestamp format.
func Now() string {
	return FormatTime(time.Now())
}

// Record is one row of the execution log: a single task or subtask attempt.
// (ExecutionName, TaskID) is unique; EndTime is set exactly once, at the
// terminal status.
type Record struct {
	ExecutionName    string `dynamodbav:"executionName" json:"executionName"`
	TaskID           string `dynamodbav:"taskId" json:"taskId"`
	ParentTaskID     string `dynamodbav:"parentTaskId" json:"parentTaskId"`
	API              string `dynamodbav:"api" json:"API"`
	Data             string `dynamodbav:"data" json:"data"`
	StartTime        string `dynamodbav:"startTime" json:"startTime"`
	EndTime          string `dynamodbav:"endTime" json:"endTime"`
	Status           Status `dynamodbav:"status" json:"status"`
	FunctionName     string `dynamodbav:"functionName" json:"functionName"`
	PipelineID       string `dynamodbav:"pipelineId" json:"pipelineId"`
	StateMachineName string `dynamodbav:"stateMachineName" json:"stateMachineName"`
	StateName        string `dynamodbav:"stateName" json:"stateName"`
	PipelineIndexKey string `dynamodbav:"pipelineIndexKey" json:"pipelineIndexKey"`
	ExpirationTime   int64  `dynamodbav:"expirationTime" json:"expirationTime"`
}

// indexKey derives the pipeline index key. It is recomputed on every write
// so the stored value can never drift from its parts.
func (r *Record) indexKey() string {
	return r.PipelineID + ":" + r.StateMachineName + ":" + r.TaskID
}
