package kv

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const defaultDynamoRetries = 16

// DynamoAPI is the subset of *dynamodb.Client the store needs.
type DynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, opts ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// dynamoItem is the table row. The table's partition key is "pk" (S); "exp"
// can be registered as the table TTL attribute.
type dynamoItem struct {
	Key       string `dynamodbav:"pk"`
	Value     []byte `dynamodbav:"val"`
	Version   int64  `dynamodbav:"ver"`
	ExpiresAt int64  `dynamodbav:"exp,omitempty"`
}

// Dynamo is a Store over one DynamoDB table. Update reads with a consistent
// read and writes conditionally on the version it saw.
type Dynamo struct {
	client     DynamoAPI
	table      string
	now        func() time.Time
	maxRetries int
}

func NewDynamo(client DynamoAPI, table string) *Dynamo {
	return &Dynamo{
		client:     client,
		table:      table,
		now:        time.Now,
		maxRetries: defaultDynamoRetries,
	}
}

func (d *Dynamo) pk(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: key},
	}
}

func (d *Dynamo) expiry(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return d.now().Add(ttl).Unix()
}

func (d *Dynamo) alive(it *dynamoItem) bool {
	return it.ExpiresAt == 0 || d.now().Unix() < it.ExpiresAt
}

// load returns the stored row (even when expired) or nil.
func (d *Dynamo) load(ctx context.Context, key string) (*dynamoItem, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.table),
		Key:            d.pk(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, unavailable(err)
	}
	if out.Item == nil {
		return nil, nil
	}
	var it dynamoItem
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return nil, fmt.Errorf("kv: decode dynamo item %s: %w", key, err)
	}
	return &it, nil
}

func (d *Dynamo) Get(ctx context.Context, key string) ([]byte, error) {
	it, err := d.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if it == nil || !d.alive(it) {
		return nil, ErrNotFound
	}
	return it.Value, nil
}

// Put writes unconditionally with a fresh random version so any Update that
// read the previous row fails its condition.
func (d *Dynamo) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	item, err := attributevalue.MarshalMap(dynamoItem{
		Key:       key,
		Value:     value,
		Version:   rand.Int64(),
		ExpiresAt: d.expiry(ttl),
	})
	if err != nil {
		return fmt.Errorf("kv: encode dynamo item %s: %w", key, err)
	}
	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.table),
		Item:      item,
	})
	return unavailable(err)
}

func (d *Dynamo) Delete(ctx context.Context, key string) (bool, error) {
	out, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:    aws.String(d.table),
		Key:          d.pk(key),
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return false, unavailable(err)
	}
	if len(out.Attributes) == 0 {
		return false, nil
	}
	var old dynamoItem
	if err := attributevalue.UnmarshalMap(out.Attributes, &old); err != nil {
		return true, nil
	}
	return d.alive(&old), nil
}

func (d *Dynamo) Update(ctx context.Context, key string, fn UpdateFunc) error {
	for i := 0; i < d.maxRetries; i++ {
		stored, err := d.load(ctx, key)
		if err != nil {
			return err
		}

		exists := stored != nil && d.alive(stored)
		var current []byte
		if exists {
			current = stored.Value
		}

		mut, err := fn(current, exists)
		if err != nil {
			return err
		}

		switch mut.Op {
		case OpKeep:
			return nil
		case OpPut:
			err = d.putConditional(ctx, key, stored, mut)
		case OpDelete:
			if stored == nil {
				return nil
			}
			err = d.deleteConditional(ctx, key, stored.Version)
		}

		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			continue
		}
		return unavailable(err)
	}
	return ErrConflict
}

func (d *Dynamo) putConditional(ctx context.Context, key string, stored *dynamoItem, mut Mutation) error {
	next := dynamoItem{
		Key:       key,
		Value:     mut.Value,
		Version:   1,
		ExpiresAt: d.expiry(mut.TTL),
	}
	in := &dynamodb.PutItemInput{
		TableName: aws.String(d.table),
	}
	if stored == nil {
		in.ConditionExpression = aws.String("attribute_not_exists(pk)")
	} else {
		next.Version = stored.Version + 1
		in.ConditionExpression = aws.String("ver = :ver")
		in.ExpressionAttributeValues = map[string]types.AttributeValue{
			":ver": &types.AttributeValueMemberN{Value: strconv.FormatInt(stored.Version, 10)},
		}
	}

	item, err := attributevalue.MarshalMap(next)
	if err != nil {
		return fmt.Errorf("kv: encode dynamo item %s: %w", key, err)
	}
	in.Item = item

	_, err = d.client.PutItem(ctx, in)
	return err
}

func (d *Dynamo) deleteConditional(ctx context.Context, key string, version int64) error {
	_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(d.table),
		Key:                 d.pk(key),
		ConditionExpression: aws.String("ver = :ver"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ver": &types.AttributeValueMemberN{Value: strconv.FormatInt(version, 10)},
		},
	})
	return err
}

func (d *Dynamo) Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	paginator := dynamodb.NewScanPaginator(d.client, &dynamodb.ScanInput{
		TableName:        aws.String(d.table),
		ConsistentRead:   aws.Bool(true),
		FilterExpression: aws.String("begins_with(pk, :p)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":p": &types.AttributeValueMemberS{Value: prefix},
		},
	})

	items := make([]dynamoItem, 0)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return unavailable(err)
		}
		for _, raw := range page.Items {
			var it dynamoItem
			if err := attributevalue.UnmarshalMap(raw, &it); err != nil {
				continue
			}
			if d.alive(&it) {
				items = append(items, it)
			}
		}
	}

	for _, it := range items {
		if err := fn(it.Key, it.Value); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dynamo) Close() error { return nil }
