// Package storetest provides an in-process fake of the DynamoDB API slice
// the entity store consumes. It honors the semantics the store relies on
// (conditional puts, SET/if_not_exists update expressions, key-condition
// queries, batch ceilings) so service tests exercise real concurrency
// behavior without a network.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type item = map[string]types.AttributeValue

// Client is a mutex-guarded in-memory table set. The zero value is not
// usable; construct with New.
type Client struct {
	mu     sync.Mutex
	tables map[string]map[string]map[string]item // table -> pk -> sk -> item

	failures map[string][]error

	batchWriteCalls int
	batchWriteSizes []int
	failBatchWrite  map[int]error
}

// New returns an empty fake store.
func New() *Client {
	return &Client{
		tables:         map[string]map[string]map[string]item{},
		failures:       map[string][]error{},
		failBatchWrite: map[int]error{},
	}
}

// Fail queues an error for the next call of the named operation
// ("GetItem", "UpdateItem", "PutItem", "Query", "Scan", "DeleteItem",
// "BatchWriteItem", "BatchGetItem"). Queued errors are consumed in order.
func (c *Client) Fail(op string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[op] = append(c.failures[op], err)
}

// FailBatchWriteOnCall makes the n-th BatchWriteItem call (1-based) fail.
func (c *Client) FailBatchWriteOnCall(n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failBatchWrite[n] = err
}

// BatchWriteCalls reports how many BatchWriteItem calls were issued.
func (c *Client) BatchWriteCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.batchWriteCalls
}

// BatchWriteSizes reports the request size of every BatchWriteItem call.
func (c *Client) BatchWriteSizes() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.batchWriteSizes...)
}

// ItemCount reports how many items a table holds.
func (c *Client) ItemCount(table string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, partition := range c.tables[table] {
		count += len(partition)
	}
	return count
}

func (c *Client) popFailure(op string) error {
	queue := c.failures[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	c.failures[op] = queue[1:]
	return err
}

func (c *Client) partition(table, pk string) map[string]item {
	t, ok := c.tables[table]
	if !ok {
		t = map[string]map[string]item{}
		c.tables[table] = t
	}
	p, ok := t[pk]
	if !ok {
		p = map[string]item{}
		t[pk] = p
	}
	return p
}

func itemKey(av item) (pk, sk string, err error) {
	pkAttr, ok := av["pk"].(*types.AttributeValueMemberS)
	if !ok {
		return "", "", fmt.Errorf("storetest: item missing pk")
	}
	skAttr, ok := av["sk"].(*types.AttributeValueMemberS)
	if !ok {
		return "", "", fmt.Errorf("storetest: item missing sk")
	}
	return pkAttr.Value, skAttr.Value, nil
}

func copyItem(src item) item {
	if src == nil {
		return nil
	}
	dst := make(item, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func conditionFailed() error {
	return &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
}

// GetItem implements entitystore.API.
func (c *Client) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.popFailure("GetItem"); err != nil {
		return nil, err
	}

	pk, sk, err := itemKey(in.Key)
	if err != nil {
		return nil, err
	}
	stored := c.partition(*in.TableName, pk)[sk]
	return &dynamodb.GetItemOutput{Item: copyItem(stored)}, nil
}

// PutItem implements entitystore.API.
func (c *Client) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.popFailure("PutItem"); err != nil {
		return nil, err
	}

	pk, sk, err := itemKey(in.Item)
	if err != nil {
		return nil, err
	}
	partition := c.partition(*in.TableName, pk)

	if in.ConditionExpression != nil {
		ok, err := evalCondition(*in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, partition[sk])
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, conditionFailed()
		}
	}

	partition[sk] = copyItem(in.Item)
	return &dynamodb.PutItemOutput{}, nil
}

// UpdateItem implements entitystore.API. Missing items are created by
// unconditional updates, matching the real store's upsert behavior.
func (c *Client) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.popFailure("UpdateItem"); err != nil {
		return nil, err
	}

	pk, sk, err := itemKey(in.Key)
	if err != nil {
		return nil, err
	}
	partition := c.partition(*in.TableName, pk)
	existing := partition[sk]

	if in.ConditionExpression != nil {
		ok, err := evalCondition(*in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, existing)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, conditionFailed()
		}
	}

	updated := copyItem(existing)
	if updated == nil {
		updated = item{
			"pk": &types.AttributeValueMemberS{Value: pk},
			"sk": &types.AttributeValueMemberS{Value: sk},
		}
	}
	if err := applyUpdate(updated, aws.ToString(in.UpdateExpression), in.ExpressionAttributeNames, in.ExpressionAttributeValues); err != nil {
		return nil, err
	}
	partition[sk] = updated

	return &dynamodb.UpdateItemOutput{Attributes: copyItem(updated)}, nil
}

// DeleteItem implements entitystore.API.
func (c *Client) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.popFailure("DeleteItem"); err != nil {
		return nil, err
	}

	pk, sk, err := itemKey(in.Key)
	if err != nil {
		return nil, err
	}
	delete(c.partition(*in.TableName, pk), sk)
	return &dynamodb.DeleteItemOutput{}, nil
}

// Query implements entitystore.API for key conditions of the forms
// "#pk = :pk" and "#pk = :pk AND begins_with(#sk, :prefix)".
func (c *Client) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.popFailure("Query"); err != nil {
		return nil, err
	}

	pkValue, skPrefix, err := parseKeyCondition(aws.ToString(in.KeyConditionExpression), in.ExpressionAttributeNames, in.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}

	partition := c.partition(*in.TableName, pkValue)
	sortKeys := make([]string, 0, len(partition))
	for sk := range partition {
		if skPrefix != "" && !strings.HasPrefix(sk, skPrefix) {
			continue
		}
		sortKeys = append(sortKeys, sk)
	}
	sort.Strings(sortKeys)
	if in.ScanIndexForward != nil && !*in.ScanIndexForward {
		for i, j := 0, len(sortKeys)-1; i < j; i, j = i+1, j-1 {
			sortKeys[i], sortKeys[j] = sortKeys[j], sortKeys[i]
		}
	}

	start := 0
	if in.ExclusiveStartKey != nil {
		_, startSK, err := itemKey(in.ExclusiveStartKey)
		if err != nil {
			return nil, err
		}
		for i, sk := range sortKeys {
			if sk == startSK {
				start = i + 1
				break
			}
		}
	}

	limit := len(sortKeys)
	if in.Limit != nil && int(*in.Limit) < limit {
		limit = int(*in.Limit)
	}

	out := &dynamodb.QueryOutput{}
	for i := start; i < len(sortKeys) && len(out.Items) < limit; i++ {
		out.Items = append(out.Items, copyItem(partition[sortKeys[i]]))
	}
	if last := start + len(out.Items); last < len(sortKeys) && len(out.Items) > 0 {
		lastPK, lastSK, _ := itemKey(out.Items[len(out.Items)-1])
		out.LastEvaluatedKey = item{
			"pk": &types.AttributeValueMemberS{Value: lastPK},
			"sk": &types.AttributeValueMemberS{Value: lastSK},
		}
	}
	return out, nil
}

// Scan implements entitystore.API without filter support.
func (c *Client) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.popFailure("Scan"); err != nil {
		return nil, err
	}
	if in.FilterExpression != nil {
		return nil, fmt.Errorf("storetest: filter expressions not supported")
	}

	type ref struct{ pk, sk string }
	var refs []ref
	for pk, partition := range c.tables[*in.TableName] {
		for sk := range partition {
			refs = append(refs, ref{pk, sk})
		}
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].pk != refs[j].pk {
			return refs[i].pk < refs[j].pk
		}
		return refs[i].sk < refs[j].sk
	})

	start := 0
	if in.ExclusiveStartKey != nil {
		startPK, startSK, err := itemKey(in.ExclusiveStartKey)
		if err != nil {
			return nil, err
		}
		for i, r := range refs {
			if r.pk == startPK && r.sk == startSK {
				start = i + 1
				break
			}
		}
	}

	limit := len(refs)
	if in.Limit != nil && int(*in.Limit) < limit {
		limit = int(*in.Limit)
	}

	out := &dynamodb.ScanOutput{}
	for i := start; i < len(refs) && len(out.Items) < limit; i++ {
		out.Items = append(out.Items, copyItem(c.tables[*in.TableName][refs[i].pk][refs[i].sk]))
	}
	if last := start + len(out.Items); last < len(refs) && len(out.Items) > 0 {
		lastPK, lastSK, _ := itemKey(out.Items[len(out.Items)-1])
		out.LastEvaluatedKey = item{
			"pk": &types.AttributeValueMemberS{Value: lastPK},
			"sk": &types.AttributeValueMemberS{Value: lastSK},
		}
	}
	return out, nil
}

// BatchWriteItem implements entitystore.API with the 25-request ceiling.
func (c *Client) BatchWriteItem(_ context.Context, in *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.batchWriteCalls++
	total := 0
	for _, requests := range in.RequestItems {
		total += len(requests)
	}
	c.batchWriteSizes = append(c.batchWriteSizes, total)

	if err, ok := c.failBatchWrite[c.batchWriteCalls]; ok {
		return nil, err
	}
	if err := c.popFailure("BatchWriteItem"); err != nil {
		return nil, err
	}
	if total > 25 {
		return nil, fmt.Errorf("storetest: batch write of %d exceeds ceiling of 25", total)
	}

	for table, requests := range in.RequestItems {
		for _, request := range requests {
			switch {
			case request.PutRequest != nil:
				pk, sk, err := itemKey(request.PutRequest.Item)
				if err != nil {
					return nil, err
				}
				c.partition(table, pk)[sk] = copyItem(request.PutRequest.Item)
			case request.DeleteRequest != nil:
				pk, sk, err := itemKey(request.DeleteRequest.Key)
				if err != nil {
					return nil, err
				}
				delete(c.partition(table, pk), sk)
			}
		}
	}
	return &dynamodb.BatchWriteItemOutput{}, nil
}

// BatchGetItem implements entitystore.API with the 100-key ceiling.
func (c *Client) BatchGetItem(_ context.Context, in *dynamodb.BatchGetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.popFailure("BatchGetItem"); err != nil {
		return nil, err
	}

	out := &dynamodb.BatchGetItemOutput{Responses: map[string][]item{}}
	for table, request := range in.RequestItems {
		if len(request.Keys) > 100 {
			return nil, fmt.Errorf("storetest: batch get of %d exceeds ceiling of 100", len(request.Keys))
		}
		for _, key := range request.Keys {
			pk, sk, err := itemKey(key)
			if err != nil {
				return nil, err
			}
			if stored, ok := c.partition(table, pk)[sk]; ok {
				out.Responses[table] = append(out.Responses[table], copyItem(stored))
			}
		}
	}
	return out, nil
}

var _ interface {
	GetItem(context.Context, *dynamodb.GetItemInput, ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
} = (*Client)(nil)

func resolveName(placeholder string, names map[string]string) string {
	if attr, ok := names[placeholder]; ok {
		return attr
	}
	return strings.TrimPrefix(placeholder, "#")
}

func numericValue(av types.AttributeValue) (float64, bool) {
	n, ok := av.(*types.AttributeValueMemberN)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(n.Value, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func valuesEqual(a, b types.AttributeValue) bool {
	switch av := a.(type) {
	case *types.AttributeValueMemberS:
		bv, ok := b.(*types.AttributeValueMemberS)
		return ok && av.Value == bv.Value
	case *types.AttributeValueMemberN:
		an, aok := numericValue(a)
		bn, bok := numericValue(b)
		return aok && bok && an == bn
	case *types.AttributeValueMemberBOOL:
		bv, ok := b.(*types.AttributeValueMemberBOOL)
		return ok && av.Value == bv.Value
	default:
		return false
	}
}
