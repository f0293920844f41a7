package entitystore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// QueryOption tunes Query and Scan reads.
type QueryOption func(*queryConfig)

type queryConfig struct {
	limit      int32
	index      string
	pageToken  string
	descending bool
	filter     string
	names      map[string]string
	values     Fields
}

// WithLimit caps the page size.
func WithLimit(limit int32) QueryOption {
	return func(c *queryConfig) { c.limit = limit }
}

// WithIndex targets a secondary index.
func WithIndex(name string) QueryOption {
	return func(c *queryConfig) { c.index = name }
}

// WithPageToken resumes from a continuation token returned by an earlier
// page.
func WithPageToken(token string) QueryOption {
	return func(c *queryConfig) { c.pageToken = token }
}

// Descending reverses the sort-key order (newest-first for time-ordered
// sort keys).
func Descending() QueryOption {
	return func(c *queryConfig) { c.descending = true }
}

// WithFilter applies a post-read filter expression. Placeholders must be
// registered in names and values.
func WithFilter(expr string, names map[string]string, values Fields) QueryOption {
	return func(c *queryConfig) {
		c.filter = expr
		c.names = names
		c.values = values
	}
}

// Query reads a page of records matching a key condition, e.g.
//
//	Query(ctx, "#pk = :pk AND begins_with(#sk, :prefix)",
//	      Fields{":pk": "ORG#42", ":prefix": "SUB#"})
//
// The #pk and #sk placeholders are pre-bound to the table's key attributes.
// Returns the page, a continuation token ("" when the result set is
// exhausted), and an error.
func (s *Store[T, PT]) Query(ctx context.Context, keyCondition string, values Fields, opts ...QueryOption) ([]PT, string, error) {
	cfg := queryConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	names := map[string]string{"#pk": attrPK, "#sk": attrSK}
	for placeholder, attr := range cfg.names {
		names[placeholder] = attr
	}

	attrValues, err := marshalValues(values, cfg.values)
	if err != nil {
		return nil, "", err
	}

	input := &dynamodb.QueryInput{
		TableName:                 aws.String(s.table),
		KeyConditionExpression:    aws.String(keyCondition),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: attrValues,
	}
	if cfg.limit > 0 {
		input.Limit = aws.Int32(cfg.limit)
	}
	if cfg.index != "" {
		input.IndexName = aws.String(cfg.index)
	}
	if cfg.descending {
		input.ScanIndexForward = aws.Bool(false)
	}
	if cfg.filter != "" {
		input.FilterExpression = aws.String(cfg.filter)
	}
	if cfg.pageToken != "" {
		start, err := decodePageToken(cfg.pageToken)
		if err != nil {
			return nil, "", err
		}
		input.ExclusiveStartKey = start
	}

	var out *dynamodb.QueryOutput
	err = s.withReadRetry(ctx, func() error {
		var queryErr error
		out, queryErr = s.client.Query(ctx, input)
		return translate(queryErr)
	})
	if err != nil {
		return nil, "", fmt.Errorf("querying items: %w", err)
	}

	items, err := s.unmarshalList(out.Items)
	if err != nil {
		return nil, "", err
	}
	next, err := encodePageToken(out.LastEvaluatedKey)
	if err != nil {
		return nil, "", err
	}
	return items, next, nil
}

// Scan reads a page across the whole table. Intended for administrative
// sweeps, not request paths.
func (s *Store[T, PT]) Scan(ctx context.Context, opts ...QueryOption) ([]PT, string, error) {
	cfg := queryConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	input := &dynamodb.ScanInput{
		TableName: aws.String(s.table),
	}
	if cfg.limit > 0 {
		input.Limit = aws.Int32(cfg.limit)
	}
	if cfg.index != "" {
		input.IndexName = aws.String(cfg.index)
	}
	if cfg.filter != "" {
		input.FilterExpression = aws.String(cfg.filter)
		names := map[string]string{"#pk": attrPK, "#sk": attrSK}
		for placeholder, attr := range cfg.names {
			names[placeholder] = attr
		}
		input.ExpressionAttributeNames = names

		attrValues, err := marshalValues(cfg.values, nil)
		if err != nil {
			return nil, "", err
		}
		input.ExpressionAttributeValues = attrValues
	}
	if cfg.pageToken != "" {
		start, err := decodePageToken(cfg.pageToken)
		if err != nil {
			return nil, "", err
		}
		input.ExclusiveStartKey = start
	}

	var out *dynamodb.ScanOutput
	err := s.withReadRetry(ctx, func() error {
		var scanErr error
		out, scanErr = s.client.Scan(ctx, input)
		return translate(scanErr)
	})
	if err != nil {
		return nil, "", fmt.Errorf("scanning items: %w", err)
	}

	items, err := s.unmarshalList(out.Items)
	if err != nil {
		return nil, "", err
	}
	next, err := encodePageToken(out.LastEvaluatedKey)
	if err != nil {
		return nil, "", err
	}
	return items, next, nil
}

func (s *Store[T, PT]) unmarshalList(items []map[string]types.AttributeValue) ([]PT, error) {
	out := make([]PT, 0, len(items))
	for _, item := range items {
		record, err := s.unmarshal(item)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, nil
}

func marshalValues(sets ...Fields) (map[string]types.AttributeValue, error) {
	out := map[string]types.AttributeValue{}
	for _, set := range sets {
		for placeholder, value := range set {
			av, err := attributevalue.Marshal(value)
			if err != nil {
				return nil, fmt.Errorf("marshalling value %s: %w", placeholder, err)
			}
			out[placeholder] = av
		}
	}
	return out, nil
}

// Continuation tokens are the store's ExclusiveStartKey serialized to
// base64 JSON, same shape as the cursor tokens the rest of the platform
// hands to API clients.
func encodePageToken(lastKey map[string]types.AttributeValue) (string, error) {
	if len(lastKey) == 0 {
		return "", nil
	}
	plain := map[string]string{}
	if err := attributevalue.UnmarshalMap(lastKey, &plain); err != nil {
		return "", fmt.Errorf("encoding page token: %w", err)
	}
	raw, err := json.Marshal(plain)
	if err != nil {
		return "", fmt.Errorf("encoding page token: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func decodePageToken(token string) (map[string]types.AttributeValue, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrBadToken
	}
	plain := map[string]string{}
	if err := json.Unmarshal(raw, &plain); err != nil {
		return nil, ErrBadToken
	}
	start, err := attributevalue.MarshalMap(plain)
	if err != nil {
		return nil, ErrBadToken
	}
	return start, nil
}
