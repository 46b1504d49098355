// The object-migrator Lambda consumes batched migration requests from SQS
// and moves or merges the referenced S3 objects, driving the execution
// log's fan-in bookkeeping and the surrounding state machine's callbacks.
package main

import (
	"context"
	"fmt"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"

	"github.com/aws-solutions/centralized-logging-with-opensearch-sub005/config"
	"github.com/aws-solutions/centralized-logging-with-opensearch-sub005/etllog"
	"github.com/aws-solutions/centralized-logging-with-opensearch-sub005/logging"
	"github.com/aws-solutions/centralized-logging-with-opensearch-sub005/migration"
)

type service struct {
	worker *migration.Worker
	log    *zap.SugaredLogger
}

func newService(ctx context.Context) (*service, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log := logging.New("object-migrator")

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config, %w", err)
	}

	logs := etllog.NewLogger(
		dynamodb.NewFromConfig(awsCfg), sfn.NewFromConfig(awsCfg),
		cfg.ExecutionLogTable, cfg.TTLDays, log)
	worker := migration.NewWorker(
		s3.NewFromConfig(awsCfg), sqs.NewFromConfig(awsCfg),
		logs, cfg.MigrationQueueURL, log)

	return &service{worker: worker, log: log}, nil
}

func main() {
	svc, err := newService(context.Background())
	if err != nil {
		panic(err)
	}
	lambda.Start(svc.handle)
}

func (s *service) handle(ctx context.Context, event events.SQSEvent) error {
	bodies := make([]string, 0, len(event.Records))
	for _, record := range event.Records {
		bodies = append(bodies, record.Body)
	}
	s.log.Infow("handling migration batch", "messages", len(bodies))
	return s.worker.HandleBatch(ctx, bodies)
}
