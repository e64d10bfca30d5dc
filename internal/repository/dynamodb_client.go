package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	pkPrefixBlob = "BLOB#"
	skData       = "DATA"

	// maxItemBytes is DynamoDB's item size limit, attribute names included.
	maxItemBytes = 400 * 1024
	// itemOverheadBytes covers the key, updatedAt and ttl attributes.
	itemOverheadBytes = 1024
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// Client stores blobs as single items of a DynamoDB table keyed by PK/SK.
type Client struct {
	api       dynamodbAPI
	tableName string
	ttl       time.Duration
}

type Option func(*Client)

// WithTTL sets an expiry on written conversation logs. The index item never
// expires. Zero disables expiry.
func WithTTL(ttl time.Duration) Option {
	return func(c *Client) {
		c.ttl = ttl
	}
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string, opts ...Option) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	c := &Client{api: api, tableName: tableName}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// blobPK returns the DynamoDB partition key for a blob key.
func blobPK(key string) string {
	return pkPrefixBlob + key
}

func (c *Client) itemKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: blobPK(key)},
		"SK": &types.AttributeValueMemberS{Value: skData},
	}
}

// GetBlob reads the blob item with a strongly consistent read.
func (c *Client) GetBlob(ctx context.Context, key string) ([]byte, bool, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            c.itemKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, false, fmt.Errorf("repository: GetBlob get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, false, nil
	}
	data, err := strAttr(out.Item, "data")
	if err != nil {
		return nil, true, fmt.Errorf("%w: %s: %v", ErrCorruptBlob, key, err)
	}
	return []byte(data), true, nil
}

// PutBlob replaces the blob item unconditionally.
// Items over the DynamoDB size limit are rejected without a request.
func (c *Client) PutBlob(ctx context.Context, key string, data []byte) error {
	item := c.blobItem(key, data, time.Now().UTC())
	if n := itemSize(item); n > maxItemBytes {
		return fmt.Errorf("%w: %s is %d bytes, limit %d", ErrBlobTooLarge, key, n, maxItemBytes)
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("repository: PutBlob: %w", err)
	}
	return nil
}

// DeleteBlob removes the blob item. Deleting a missing item succeeds.
func (c *Client) DeleteBlob(ctx context.Context, key string) error {
	_, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.tableName),
		Key:       c.itemKey(key),
	})
	if err != nil {
		return fmt.Errorf("repository: DeleteBlob: %w", err)
	}
	return nil
}

func (c *Client) SupportsDelete() bool { return true }

// MaxBlobSize leaves room for the non-data attributes of the item.
func (c *Client) MaxBlobSize() int { return maxItemBytes - itemOverheadBytes }

func (c *Client) blobItem(key string, data []byte, now time.Time) map[string]types.AttributeValue {
	item := c.itemKey(key)
	item["data"] = &types.AttributeValueMemberS{Value: string(data)}
	item["updatedAt"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(now.UnixMilli(), 10)}
	if c.ttl > 0 && expires(key) {
		item["ttl"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Add(c.ttl).Unix(), 10)}
	}
	return item
}

// itemSize approximates the stored size of an item: attribute name bytes plus
// value bytes. Numbers are counted as their decimal string, which is never
// smaller than their stored form.
func itemSize(item map[string]types.AttributeValue) int {
	n := 0
	for name, v := range item {
		n += len(name)
		switch av := v.(type) {
		case *types.AttributeValueMemberS:
			n += len(av.Value)
		case *types.AttributeValueMemberN:
			n += len(av.Value)
		case *types.AttributeValueMemberB:
			n += len(av.Value)
		}
	}
	return n
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}
