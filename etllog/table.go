package etllog

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"
)

// AdminAPI is the subset of the DynamoDB client used to bootstrap the
// execution-log table on local and development stacks.
type AdminAPI interface {
	ListTables(ctx context.Context, params *dynamodb.ListTablesInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ListTablesOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	UpdateTimeToLive(ctx context.Context, params *dynamodb.UpdateTimeToLiveInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateTimeToLiveOutput, error)
}

// EnsureTable creates the execution-log table if it does not exist yet,
// with the pipeline index and TTL on expirationTime enabled.
func EnsureTable(ctx context.Context, svc AdminAPI, table string, log *zap.SugaredLogger) error {
	exists, err := tableExists(ctx, svc, table)
	if err != nil {
		return err
	}
	if exists {
		log.Debugw("execution log table already exists", "table", table)
		return nil
	}

	_, err = svc.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(table),
		KeySchema: []types.KeySchemaElement{
			{
				AttributeName: aws.String("executionName"),
				KeyType:       types.KeyTypeHash,
			},
			{
				AttributeName: aws.String("taskId"),
				KeyType:       types.KeyTypeRange,
			},
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
			{
				IndexName: aws.String("PipelineIndex"),
				KeySchema: []types.KeySchemaElement{
					{
						AttributeName: aws.String("pipelineIndexKey"),
						KeyType:       types.KeyTypeHash,
					},
				},
				Projection: &types.Projection{
					ProjectionType: types.ProjectionTypeAll,
				},
			},
		},
		AttributeDefinitions: []types.AttributeDefinition{
			{
				AttributeName: aws.String("executionName"),
				AttributeType: types.ScalarAttributeTypeS,
			},
			{
				AttributeName: aws.String("taskId"),
				AttributeType: types.ScalarAttributeTypeS,
			},
			{
				AttributeName: aws.String("pipelineIndexKey"),
				AttributeType: types.ScalarAttributeTypeS,
			},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		return fmt.Errorf("failed to create execution log table %q: %w", table, err)
	}
	log.Infow("created execution log table", "table", table)

	_, err = svc.UpdateTimeToLive(ctx, &dynamodb.UpdateTimeToLiveInput{
		TableName: aws.String(table),
		TimeToLiveSpecification: &types.TimeToLiveSpecification{
			AttributeName: aws.String("expirationTime"),
			Enabled:       aws.Bool(true),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to enable TTL on table %q: %w", table, err)
	}
	return nil
}

func tableExists(ctx context.Context, svc AdminAPI, name string) (bool, error) {
	var startName *string
	for {
		tables, err := svc.ListTables(ctx, &dynamodb.ListTablesInput{
			ExclusiveStartTableName: startName,
		})
		if err != nil {
			return false, fmt.Errorf("failed to list tables: %w", err)
		}
		for _, n := range tables.TableNames {
			if n == name {
				return true, nil
			}
		}
		if tables.LastEvaluatedTableName == nil {
			return false, nil
		}
		startName = tables.LastEvaluatedTableName
	}
}
