// Package athenaquery executes single SQL statements against Athena and
// normalizes their lifecycle into timestamps usable by the execution log.
package athenaquery

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/athena"
	"github.com/aws/aws-sdk-go-v2/service/athena/types"
	"go.uber.org/zap"

	"github.com/aws-solutions/centralized-logging-with-opensearch-sub005/etllog"
)

// DefaultPollInterval between GetQueryExecution calls for synchronous runs.
const DefaultPollInterval = 1 * time.Second

// API is the subset of the Athena client the tracker calls.
type API interface {
	StartQueryExecution(ctx context.Context, params *athena.StartQueryExecutionInput, optFns ...func(*athena.Options)) (*athena.StartQueryExecutionOutput, error)
	GetQueryExecution(ctx context.Context, params *athena.GetQueryExecutionInput, optFns ...func(*athena.Options)) (*athena.GetQueryExecutionOutput, error)
}

// Input describes one statement execution.
type Input struct {
	Query          string
	WorkGroup      string
	OutputLocation string
	// Asynchronous returns right after submission instead of polling to a
	// terminal state.
	Asynchronous bool
	PollInterval time.Duration
}

// Record is the normalized execution state. Timestamps are ISO-8601 UTC
// with microsecond precision; a missing completion time from the engine is
// stamped with "now".
type Record struct {
	QueryExecutionID   string `json:"queryExecutionId"`
	State              string `json:"state"`
	Query              string `json:"query"`
	SubmissionDateTime string `json:"submissionDateTime"`
	CompletionDateTime string `json:"completionDateTime"`
}

// Terminal reports whether the engine state ends the query lifecycle.
func (r Record) Terminal() bool {
	switch types.QueryExecutionState(r.State) {
	case types.QueryExecutionStateSucceeded,
		types.QueryExecutionStateFailed,
		types.QueryExecutionStateCancelled:
		return true
	}
	return false
}

// Tracker wraps the Athena client.
type Tracker struct {
	client API
	log    *zap.SugaredLogger
}

func NewTracker(client API, log *zap.SugaredLogger) *Tracker {
	return &Tracker{client: client, log: log}
}

// Start submits the query and, unless asynchronous, polls it to a terminal
// state. Submission failures are swallowed into a synthetic FAILED record
// carrying the original query text, so a batch loop over many statements
// keeps going; callers must check State, not an error.
func (t *Tracker) Start(ctx context.Context, in Input) Record {
	if in.PollInterval <= 0 {
		in.PollInterval = DefaultPollInterval
	}

	started, err := t.client.StartQueryExecution(ctx, &athena.StartQueryExecutionInput{
		QueryString: aws.String(in.Query),
		WorkGroup:   aws.String(in.WorkGroup),
		ResultConfiguration: &types.ResultConfiguration{
			OutputLocation: aws.String(in.OutputLocation),
		},
	})
	if err != nil {
		t.log.Errorw("query submission failed", "error", err)
		now := etllog.Now()
		return Record{
			State:              string(types.QueryExecutionStateFailed),
			Query:              in.Query,
			SubmissionDateTime: now,
			CompletionDateTime: now,
		}
	}

	queryExecutionID := aws.ToString(started.QueryExecutionId)
	rec := t.get(ctx, queryExecutionID, in.Query)
	if in.Asynchronous {
		return rec
	}

	for !rec.Terminal() {
		if interrupted := sleepInterruptibly(ctx, in.PollInterval); interrupted {
			return rec
		}
		rec = t.get(ctx, queryExecutionID, in.Query)
	}
	return rec
}

// Status fetches the current normalized state of a submitted query without
// resubmitting or polling.
func (t *Tracker) Status(ctx context.Context, queryExecutionID string) Record {
	return t.get(ctx, queryExecutionID, "")
}

func (t *Tracker) get(ctx context.Context, queryExecutionID, query string) Record {
	rec := Record{
		QueryExecutionID:   queryExecutionID,
		Query:              query,
		SubmissionDateTime: etllog.Now(),
		CompletionDateTime: etllog.Now(),
	}

	result, err := t.client.GetQueryExecution(ctx, &athena.GetQueryExecutionInput{
		QueryExecutionId: aws.String(queryExecutionID),
	})
	if err != nil {
		t.log.Errorw("failed to get query execution", "queryExecutionId", queryExecutionID, "error", err)
		rec.State = string(types.QueryExecutionStateFailed)
		return rec
	}

	execution := result.QueryExecution
	if execution.Status != nil {
		rec.State = string(execution.Status.State)
		if execution.Status.SubmissionDateTime != nil {
			rec.SubmissionDateTime = etllog.FormatTime(*execution.Status.SubmissionDateTime)
		}
		if execution.Status.CompletionDateTime != nil {
			rec.CompletionDateTime = etllog.FormatTime(*execution.Status.CompletionDateTime)
		}
	}
	return rec
}

// sleepInterruptibly waits for d or until ctx is cancelled, reporting
// whether it was interrupted.
func sleepInterruptibly(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	select {
	case <-ctx.Done():
		t.Stop()
		return true
	case <-t.C:
	}
	return false
}
