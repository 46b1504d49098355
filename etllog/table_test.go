package etllog

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeAdmin struct {
	tables     []string
	creates    int
	ttlEnabled bool
}

func (f *fakeAdmin) ListTables(_ context.Context, _ *dynamodb.ListTablesInput, _ ...func(*dynamodb.Options)) (*dynamodb.ListTablesOutput, error) {
	return &dynamodb.ListTablesOutput{TableNames: f.tables}, nil
}

func (f *fakeAdmin) CreateTable(_ context.Context, params *dynamodb.CreateTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	f.creates++
	f.tables = append(f.tables, aws.ToString(params.TableName))
	return &dynamodb.CreateTableOutput{}, nil
}

func (f *fakeAdmin) UpdateTimeToLive(_ context.Context, params *dynamodb.UpdateTimeToLiveInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateTimeToLiveOutput, error) {
	f.ttlEnabled = aws.ToBool(params.TimeToLiveSpecification.Enabled)
	return &dynamodb.UpdateTimeToLiveOutput{}, nil
}

func TestEnsureTable_CreatesOnceWithTTL(t *testing.T) {
	admin := &fakeAdmin{tables: []string{"unrelated"}}
	ctx := context.Background()

	require.NoError(t, EnsureTable(ctx, admin, "etl-log", zap.NewNop().Sugar()))
	require.NoError(t, EnsureTable(ctx, admin, "etl-log", zap.NewNop().Sugar()))

	assert.Equal(t, 1, admin.creates)
	assert.True(t, admin.ttlEnabled)
	assert.Contains(t, admin.tables, "etl-log")
}
