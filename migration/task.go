// Package migration moves or merges batches of S3 objects idempotently and
// drives the execution log's fan-in bookkeeping for the surrounding state
// machine.
package migration

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
)

// Object addresses one S3 object.
type Object struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

// ObjectSet is one unit of copy-or-merge work: one source (copy) or several
// (merge) reduced into a single destination object.
type ObjectSet struct {
	Sources     []Object `json:"sources"`
	Destination Object   `json:"destination"`
}

// Task is one batched migration request, consumed exactly once per queue
// delivery. A task without data is a heartbeat/completion-check invocation.
type Task struct {
	ExecutionName   string      `json:"executionName"`
	TaskID          string      `json:"taskId"`
	ParentTaskID    string      `json:"parentTaskId"`
	SourceType      string      `json:"sourceType"`
	Merge           bool        `json:"merge"`
	DeleteOnSuccess bool        `json:"deleteOnSuccess"`
	Data            []ObjectSet `json:"data"`
	FunctionName    string      `json:"functionName"`
	TaskToken       string      `json:"taskToken,omitempty"`
}

// DecodeTask unpacks a queue message body: base64(gzip(json)).
func DecodeTask(body string) (*Task, error) {
	compressed, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("failed to base64-decode migration message: %w", err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("failed to open gzip stream of migration message: %w", err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress migration message: %w", err)
	}

	var task Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return nil, fmt.Errorf("failed to decode migration task: %w", err)
	}
	return &task, nil
}

// EncodeTask frames the task for the queue: base64(gzip(json)).
func EncodeTask(task *Task) (string, error) {
	raw, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("failed to encode migration task: %w", err)
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return "", fmt.Errorf("failed to compress migration task: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("failed to finish compressing migration task: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
