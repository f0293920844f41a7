package entitystore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	attrPK        = "pk"
	attrSK        = "sk"
	attrVersion   = "version"
	attrCreatedAt = "created_at"
	attrUpdatedAt = "updated_at"
	attrDeleted   = "deleted"
)

// Fields is a partial set of attributes to write.
type Fields map[string]any

// Store is a typed view over one table. T is the domain model; the pointer
// type must satisfy Record so the store can extract keys and bookkeeping
// without reflection.
type Store[T any, PT interface {
	Record
	*T
}] struct {
	client      API
	table       string
	now         func() time.Time
	readRetries int
	readBackoff time.Duration
}

// Option configures a Store.
type Option func(*storeConfig)

type storeConfig struct {
	now         func() time.Time
	readRetries int
	readBackoff time.Duration
}

// WithClock overrides the timestamp source. Tests pass a fake clock here.
func WithClock(now func() time.Time) Option {
	return func(c *storeConfig) { c.now = now }
}

// WithReadRetry bounds the retry loop applied to idempotent reads when the
// store reports a transient failure. Writes are never retried here.
func WithReadRetry(attempts int, backoff time.Duration) Option {
	return func(c *storeConfig) {
		c.readRetries = attempts
		c.readBackoff = backoff
	}
}

// New builds a Store over the given table.
func New[T any, PT interface {
	Record
	*T
}](client API, table string, opts ...Option) *Store[T, PT] {
	cfg := storeConfig{
		now:         func() time.Time { return time.Now().UTC() },
		readRetries: 2,
		readBackoff: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Store[T, PT]{
		client:      client,
		table:       table,
		now:         cfg.now,
		readRetries: cfg.readRetries,
		readBackoff: cfg.readBackoff,
	}
}

// Create writes a new record with version 1. Fails with ErrAlreadyExists
// when the key is already occupied.
func (s *Store[T, PT]) Create(ctx context.Context, record PT) error {
	record.RecordMeta().stamp(s.now())

	item, err := s.marshal(record)
	if err != nil {
		return err
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(s.table),
		Item:                     item,
		ConditionExpression:      aws.String("attribute_not_exists(#pk)"),
		ExpressionAttributeNames: map[string]string{"#pk": attrPK},
	})
	if err = translate(err); err != nil {
		if errors.Is(err, ErrConditionFailed) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("creating item: %w", err)
	}
	return nil
}

// FindByKey reads a single record. A missing key is (zero, false, nil),
// never an error. Transient failures are retried a bounded number of times.
func (s *Store[T, PT]) FindByKey(ctx context.Context, key Key) (PT, bool, error) {
	var out *dynamodb.GetItemOutput
	err := s.withReadRetry(ctx, func() error {
		var getErr error
		out, getErr = s.client.GetItem(ctx, &dynamodb.GetItemInput{
			TableName: aws.String(s.table),
			Key:       keyAttributes(key),
		})
		return translate(getErr)
	})
	if err != nil {
		return nil, false, fmt.Errorf("getting item: %w", err)
	}
	if out.Item == nil {
		return nil, false, nil
	}

	record, err := s.unmarshal(out.Item)
	if err != nil {
		return nil, false, err
	}
	return record, true, nil
}

// Update applies a partial write. The version counter advances by exactly 1
// and updated_at is restamped on every successful call. The item must
// already exist; extra guard conditions can be supplied through options.
// A failed condition surfaces as ErrConditionFailed.
func (s *Store[T, PT]) Update(ctx context.Context, key Key, fields Fields, opts ...UpdateOption) (PT, error) {
	return s.update(ctx, key, fields, nil, opts...)
}

// SafeUpdate is Update guarded by optimistic concurrency: the write only
// lands if the stored version still equals expectedVersion. A stale version
// fails with ErrVersionConflict and is never silently applied.
func (s *Store[T, PT]) SafeUpdate(ctx context.Context, key Key, fields Fields, expectedVersion int64) (PT, error) {
	record, err := s.update(ctx, key, fields, &expectedVersion)
	if err != nil {
		if errors.Is(err, ErrConditionFailed) {
			return nil, ErrVersionConflict
		}
		return nil, err
	}
	return record, nil
}

func (s *Store[T, PT]) update(ctx context.Context, key Key, fields Fields, expectedVersion *int64, opts ...UpdateOption) (PT, error) {
	cfg := updateConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	names := map[string]string{
		"#pk":      attrPK,
		"#version": attrVersion,
		"#updated": attrUpdatedAt,
	}
	values := map[string]types.AttributeValue{
		":inc": numberValue(1),
	}

	ts, err := attributevalue.Marshal(s.now())
	if err != nil {
		return nil, fmt.Errorf("marshalling timestamp: %w", err)
	}
	values[":ts"] = ts

	assignments := []string{"#version = #version + :inc", "#updated = :ts"}
	for i, name := range sortedFieldNames(fields) {
		placeholder := fmt.Sprintf("#f%d", i)
		valuePlaceholder := fmt.Sprintf(":v%d", i)
		names[placeholder] = name

		av, err := attributevalue.Marshal(fields[name])
		if err != nil {
			return nil, fmt.Errorf("marshalling field %s: %w", name, err)
		}
		values[valuePlaceholder] = av
		assignments = append(assignments, placeholder+" = "+valuePlaceholder)
	}

	condition := "attribute_exists(#pk)"
	if expectedVersion != nil {
		condition += " AND #version = :expected"
		values[":expected"] = numberValue(*expectedVersion)
	}
	if cfg.condition != "" {
		condition += " AND (" + cfg.condition + ")"
		for name, attr := range cfg.names {
			names[name] = attr
		}
		for placeholder, value := range cfg.values {
			av, err := attributevalue.Marshal(value)
			if err != nil {
				return nil, fmt.Errorf("marshalling condition value %s: %w", placeholder, err)
			}
			values[placeholder] = av
		}
	}

	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       keyAttributes(key),
		UpdateExpression:          aws.String("SET " + joinExpressions(assignments)),
		ConditionExpression:       aws.String(condition),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
		ReturnValues:              types.ReturnValueAllNew,
	})
	if err = translate(err); err != nil {
		if errors.Is(err, ErrConditionFailed) {
			return nil, ErrConditionFailed
		}
		return nil, fmt.Errorf("updating item: %w", err)
	}

	return s.unmarshal(out.Attributes)
}

// UpdateRaw issues an arbitrary update expression against a single item.
// It exists for counter-style writes (SET c = if_not_exists(c, :zero) + :n)
// where the caller owns the expression. Names and values are passed through
// verbatim; a condition of "" means unconditional.
func (s *Store[T, PT]) UpdateRaw(ctx context.Context, key Key, expr string, names map[string]string, values Fields, condition string) (PT, error) {
	attrValues := make(map[string]types.AttributeValue, len(values))
	for placeholder, value := range values {
		av, err := attributevalue.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("marshalling value %s: %w", placeholder, err)
		}
		attrValues[placeholder] = av
	}

	input := &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       keyAttributes(key),
		UpdateExpression:          aws.String(expr),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: attrValues,
		ReturnValues:              types.ReturnValueAllNew,
	}
	if condition != "" {
		input.ConditionExpression = aws.String(condition)
	}

	out, err := s.client.UpdateItem(ctx, input)
	if err = translate(err); err != nil {
		if errors.Is(err, ErrConditionFailed) {
			return nil, ErrConditionFailed
		}
		return nil, fmt.Errorf("updating item: %w", err)
	}
	return s.unmarshal(out.Attributes)
}

// Delete removes the item. Deleting a missing key is not an error.
func (s *Store[T, PT]) Delete(ctx context.Context, key Key) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       keyAttributes(key),
	})
	if err = translate(err); err != nil {
		return fmt.Errorf("deleting item: %w", err)
	}
	return nil
}

// SoftDelete tombstones the item instead of removing it. The record stays
// readable (FindByKey still returns it with Deleted set) for audit trails.
// Returns ErrConditionFailed if the item does not exist.
func (s *Store[T, PT]) SoftDelete(ctx context.Context, key Key) (PT, error) {
	return s.Update(ctx, key, Fields{attrDeleted: true})
}

func (s *Store[T, PT]) withReadRetry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = op()
		if err == nil || !errors.Is(err, ErrStoreUnavailable) || attempt >= s.readRetries {
			return err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, ctx.Err())
		case <-time.After(s.readBackoff * time.Duration(attempt+1)):
		}
	}
}

func (s *Store[T, PT]) marshal(record PT) (map[string]types.AttributeValue, error) {
	item, err := attributevalue.MarshalMap(record)
	if err != nil {
		return nil, fmt.Errorf("marshalling item: %w", err)
	}
	key := record.ItemKey()
	item[attrPK] = &types.AttributeValueMemberS{Value: key.PK}
	item[attrSK] = &types.AttributeValueMemberS{Value: key.SK}
	return item, nil
}

func (s *Store[T, PT]) unmarshal(item map[string]types.AttributeValue) (PT, error) {
	var value T
	record := PT(&value)
	if err := attributevalue.UnmarshalMap(item, record); err != nil {
		return nil, fmt.Errorf("unmarshalling item: %w", err)
	}
	return record, nil
}

// UpdateOption adds caller guards to an Update.
type UpdateOption func(*updateConfig)

type updateConfig struct {
	condition string
	names     map[string]string
	values    Fields
}

// WithCondition appends an extra condition expression. Placeholders used in
// expr must be registered through names (#x -> attribute) and values
// (:x -> value).
func WithCondition(expr string, names map[string]string, values Fields) UpdateOption {
	return func(c *updateConfig) {
		c.condition = expr
		c.names = names
		c.values = values
	}
}

func keyAttributes(key Key) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrPK: &types.AttributeValueMemberS{Value: key.PK},
		attrSK: &types.AttributeValueMemberS{Value: key.SK},
	}
}

func numberValue(n int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func sortedFieldNames(fields Fields) []string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		switch name {
		case attrPK, attrSK, attrVersion, attrCreatedAt, attrUpdatedAt:
			// bookkeeping attributes are owned by the store
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func joinExpressions(parts []string) string {
	out := parts[0]
	for _, part := range parts[1:] {
		out += ", " + part
	}
	return out
}
