package repository

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"chat-relay/internal/domain"
)

type fakeDynamo struct {
	getOut       *dynamodb.GetItemOutput
	getErr       error
	putErr       error
	maxItemSize  int
	puts         int
	deleteErr    error
	lastGetInput *dynamodb.GetItemInput
	lastPutInput *dynamodb.PutItemInput
	lastDelInput *dynamodb.DeleteItemInput
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.lastGetInput = in
	return f.getOut, f.getErr
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if f.maxItemSize > 0 && itemSize(in.Item) > f.maxItemSize {
		return nil, errors.New("ValidationException: Item size has exceeded the maximum allowed size")
	}
	f.lastPutInput = in
	f.puts++
	return &dynamodb.PutItemOutput{}, f.putErr
}

func (f *fakeDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.lastDelInput = in
	return &dynamodb.DeleteItemOutput{}, f.deleteErr
}

func makeBlobItem(key, data string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":   &types.AttributeValueMemberS{Value: blobPK(key)},
		"SK":   &types.AttributeValueMemberS{Value: skData},
		"data": &types.AttributeValueMemberS{Value: data},
	}
}

func mustNewClient(t *testing.T, db *fakeDynamo, opts ...Option) *Client {
	t.Helper()
	c, err := New(db, "test-table", opts...)
	require.NoError(t, err)
	return c
}

func TestGetBlob_HappyPath(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: makeBlobItem("conversation/abc", `[]`)}}
	c := mustNewClient(t, db)
	data, ok, err := c.GetBlob(context.Background(), "conversation/abc")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, `[]`, string(data))
	require.True(t, *db.lastGetInput.ConsistentRead)
	require.Equal(t, "BLOB#conversation/abc", db.lastGetInput.Key["PK"].(*types.AttributeValueMemberS).Value)
}

func TestGetBlob_Missing(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{}}
	c := mustNewClient(t, db)
	data, ok, err := c.GetBlob(context.Background(), "conversation/abc")
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, data)
}

func TestGetBlob_GetItemError(t *testing.T) {
	db := &fakeDynamo{getErr: errors.New("boom")}
	c := mustNewClient(t, db)
	_, _, err := c.GetBlob(context.Background(), "conversation/abc")
	require.Error(t, err)
	require.Contains(t, err.Error(), "GetBlob")
	require.NotErrorIs(t, err, ErrCorruptBlob)
}

func TestGetBlob_MalformedData(t *testing.T) {
	db := &fakeDynamo{
		getOut: &dynamodb.GetItemOutput{
			Item: map[string]types.AttributeValue{
				"PK":   &types.AttributeValueMemberS{Value: blobPK("conversation/abc")},
				"SK":   &types.AttributeValueMemberS{Value: skData},
				"data": &types.AttributeValueMemberN{Value: "12"},
			},
		},
	}
	c := mustNewClient(t, db)
	_, _, err := c.GetBlob(context.Background(), "conversation/abc")
	require.ErrorIs(t, err, ErrCorruptBlob)
}

func TestPutBlob_HappyPath(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	err := c.PutBlob(context.Background(), "conversations/index", []byte(`[{"id":"a"}]`))
	require.NoError(t, err)
	item := db.lastPutInput.Item
	require.Equal(t, `[{"id":"a"}]`, item["data"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, skData, item["SK"].(*types.AttributeValueMemberS).Value)
	require.NotContains(t, item, "ttl")
	require.Nil(t, db.lastPutInput.ConditionExpression)
}

func TestPutBlob_WithTTL(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db, WithTTL(24*time.Hour))
	require.NoError(t, c.PutBlob(context.Background(), "conversation/abc", []byte(`[]`)))
	require.Contains(t, db.lastPutInput.Item, "ttl")

	require.NoError(t, c.PutBlob(context.Background(), "conversations/index", []byte(`[]`)))
	require.NotContains(t, db.lastPutInput.Item, "ttl")
}

func TestPutBlob_RejectsOversizeItem(t *testing.T) {
	db := &fakeDynamo{maxItemSize: maxItemBytes}
	c := mustNewClient(t, db, WithTTL(time.Hour))
	ctx := context.Background()

	err := c.PutBlob(ctx, "conversation/abc", bytes.Repeat([]byte("x"), maxItemBytes))
	require.ErrorIs(t, err, ErrBlobTooLarge)
	require.Zero(t, db.puts)

	require.NoError(t, c.PutBlob(ctx, "conversation/abc", bytes.Repeat([]byte("x"), c.MaxBlobSize())))
	require.Equal(t, 1, db.puts)
}

func TestConversations_LogLimitOnDynamoDB(t *testing.T) {
	db := &fakeDynamo{maxItemSize: maxItemBytes}
	conv := mustNewConversations(t, mustNewClient(t, db, WithTTL(time.Hour)))
	ctx := context.Background()
	require.Equal(t, maxItemBytes-itemOverheadBytes, conv.MaxLogBytes())

	log := domain.Log{{Role: domain.RoleUser, Content: strings.Repeat("a", 100*1024), Timestamp: 1}}
	n, err := conv.LogBytes(log)
	require.NoError(t, err)
	require.Less(t, n, conv.MaxLogBytes())
	require.NoError(t, conv.Put(ctx, "c1", log))

	for len(log) < 4 {
		log = log.Append(domain.Message{Role: domain.RoleAssistant, Content: strings.Repeat("b", 100*1024), Timestamp: 2})
	}
	n, err = conv.LogBytes(log)
	require.NoError(t, err)
	require.Greater(t, n, conv.MaxLogBytes())
	require.ErrorIs(t, conv.Put(ctx, "c1", log), ErrBlobTooLarge)
	require.Equal(t, 1, db.puts)
}

func TestPutBlob_DynamoError(t *testing.T) {
	db := &fakeDynamo{putErr: errors.New("ProvisionedThroughputExceededException")}
	c := mustNewClient(t, db)
	err := c.PutBlob(context.Background(), "conversation/abc", []byte(`[]`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "PutBlob")
}

func TestDeleteBlob(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	require.True(t, c.SupportsDelete())
	require.NoError(t, c.DeleteBlob(context.Background(), "conversation/abc"))
	require.Equal(t, "BLOB#conversation/abc", db.lastDelInput.Key["PK"].(*types.AttributeValueMemberS).Value)

	db.deleteErr = errors.New("internal server error")
	err := c.DeleteBlob(context.Background(), "conversation/abc")
	require.Error(t, err)
	require.Contains(t, err.Error(), "DeleteBlob")
}

func TestBlobPK(t *testing.T) {
	require.Equal(t, "BLOB#conversation/my-conv", blobPK("conversation/my-conv"))
}

func TestNew_NilAPI(t *testing.T) {
	_, err := New(nil, "test-table")
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be nil")
}

func TestNew_EmptyTableName(t *testing.T) {
	_, err := New(&fakeDynamo{}, " ")
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be empty")
}
