// Package batchupdate discovers the partitions actually present under an S3
// prefix and reconciles the data catalog with batched ALTER TABLE
// statements.
package batchupdate

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/athena/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/aws-solutions/centralized-logging-with-opensearch-sub005/athenaquery"
	"github.com/aws-solutions/centralized-logging-with-opensearch-sub005/etllog"
	"github.com/aws-solutions/centralized-logging-with-opensearch-sub005/params"
	"github.com/aws-solutions/centralized-logging-with-opensearch-sub005/partition"
)

// S3API is the subset of the S3 client the updater calls.
type S3API interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Request is one partition-maintenance task.
type Request struct {
	ExecutionName   string
	Database        string
	TableName       string
	Location        params.S3Location
	PartitionPrefix string
	WorkGroup       string
	OutputLocation  string
	Action          partition.Action
	BatchSize       int
	PollInterval    time.Duration
}

// Result aggregates the per-statement outcomes of one task.
type Result struct {
	Status       etllog.Status  `json:"status"`
	TotalSubTask int            `json:"totalSubTask"`
	State        map[string]int `json:"state"`
}

// Updater drives partition discovery and DDL execution.
type Updater struct {
	s3      S3API
	tracker *athenaquery.Tracker
	log     *zap.SugaredLogger
}

func NewUpdater(s3Client S3API, tracker *athenaquery.Tracker, log *zap.SugaredLogger) *Updater {
	return &Updater{s3: s3Client, tracker: tracker, log: log}
}

// Run lists the partitions under the request location, generates the DDL
// batches covering them and executes every batch to completion. A failing
// statement never aborts the rest; the result histogram carries the partial
// failure and the aggregate status reduces it to
// Succeeded / PartlySucceeded / Failed.
func (u *Updater) Run(ctx context.Context, req Request) (Result, error) {
	result := Result{Status: etllog.StatusSucceeded, State: map[string]int{}}

	paths, err := u.discoverPartitions(ctx, req.Location, req.PartitionPrefix)
	if err != nil {
		return result, err
	}
	u.log.Infow("discovered partitions",
		"database", req.Database, "table", req.TableName, "count", len(paths))

	gen, err := partition.NewDDLGenerator(req.Database, req.TableName, paths, req.Action, req.BatchSize)
	if err != nil {
		return result, err
	}

	succeeded := 0
	for {
		statement, ok := gen.Next()
		if !ok {
			break
		}
		rec := u.tracker.Start(ctx, athenaquery.Input{
			Query:          statement,
			WorkGroup:      req.WorkGroup,
			OutputLocation: req.OutputLocation,
			PollInterval:   req.PollInterval,
		})
		result.TotalSubTask++
		result.State[rec.State]++
		if rec.State == string(types.QueryExecutionStateSucceeded) {
			succeeded++
		} else {
			u.log.Warnw("partition DDL statement did not succeed",
				"state", rec.State, "queryExecutionId", rec.QueryExecutionID)
		}
	}

	switch {
	case succeeded == result.TotalSubTask:
		result.Status = etllog.StatusSucceeded
	case succeeded == 0 && result.TotalSubTask > 0:
		result.Status = etllog.StatusFailed
	case result.TotalSubTask > 0:
		result.Status = etllog.StatusPartlySucceeded
	}
	return result, nil
}

// discoverPartitions lists every object under prefix/partitionPrefix and
// reduces each key to its parent directory relative to the table's base
// prefix. The result is deduplicated and sorted.
func (u *Updater) discoverPartitions(ctx context.Context, location params.S3Location, partitionPrefix string) ([]string, error) {
	base := strings.TrimSuffix(location.Prefix, "/")
	listPrefix := base
	if partitionPrefix != "" {
		listPrefix = base + "/" + strings.TrimPrefix(partitionPrefix, "/")
	}

	seen := map[string]struct{}{}
	var continuation *string
	for {
		page, err := u.s3.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(location.Bucket),
			Prefix:            aws.String(listPrefix),
			ContinuationToken: continuation,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list objects under s3://%s/%s: %w", location.Bucket, listPrefix, err)
		}
		for _, object := range page.Contents {
			key := aws.ToString(object.Key)
			dir := path.Dir(key)
			rel := strings.TrimPrefix(strings.TrimPrefix(dir, base), "/")
			if rel == "" || rel == "." {
				continue
			}
			seen[rel] = struct{}{}
		}
		if !page.IsTruncated {
			break
		}
		continuation = page.NextContinuationToken
	}

	paths := make([]string, 0, len(seen))
	for p := range seen {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths, nil
}
