package entitystore

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	// MaxBatchWrite is the store's per-call write ceiling.
	MaxBatchWrite = 25
	// MaxBatchRead is the store's per-call read ceiling.
	MaxBatchRead = 100
)

// BatchCreate writes items in sequential chunks of batchSize (capped at the
// store's 25-item ceiling). Batch writes are not globally atomic: when chunk
// k fails, chunks before it are already committed and chunks after it are
// never attempted; the returned *BatchError says how far the write got.
func (s *Store[T, PT]) BatchCreate(ctx context.Context, items []PT, batchSize int) ([]PT, error) {
	if batchSize <= 0 || batchSize > MaxBatchWrite {
		batchSize = MaxBatchWrite
	}

	now := s.now()
	applied := 0
	for chunkIndex, chunk := range chunks(items, batchSize) {
		requests := make([]types.WriteRequest, 0, len(chunk))
		for _, record := range chunk {
			record.RecordMeta().stamp(now)
			item, err := s.marshal(record)
			if err != nil {
				return items[:applied], &BatchError{Applied: applied, Chunk: chunkIndex, Err: err}
			}
			requests = append(requests, types.WriteRequest{
				PutRequest: &types.PutRequest{Item: item},
			})
		}

		if err := s.writeBatch(ctx, requests); err != nil {
			return items[:applied], &BatchError{Applied: applied, Chunk: chunkIndex, Err: err}
		}
		applied += len(chunk)
	}
	return items, nil
}

// BatchDelete removes keys in sequential chunks with the same partial-
// failure contract as BatchCreate.
func (s *Store[T, PT]) BatchDelete(ctx context.Context, keys []Key, batchSize int) error {
	if batchSize <= 0 || batchSize > MaxBatchWrite {
		batchSize = MaxBatchWrite
	}

	applied := 0
	for chunkIndex, chunk := range chunks(keys, batchSize) {
		requests := make([]types.WriteRequest, 0, len(chunk))
		for _, key := range chunk {
			requests = append(requests, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{Key: keyAttributes(key)},
			})
		}

		if err := s.writeBatch(ctx, requests); err != nil {
			return &BatchError{Applied: applied, Chunk: chunkIndex, Err: err}
		}
		applied += len(chunk)
	}
	return nil
}

// BatchGet reads keys in sequential chunks of batchSize (capped at the
// store's 100-item ceiling). Missing keys are simply absent from the result.
func (s *Store[T, PT]) BatchGet(ctx context.Context, keys []Key, batchSize int) ([]PT, error) {
	if batchSize <= 0 || batchSize > MaxBatchRead {
		batchSize = MaxBatchRead
	}

	var out []PT
	for chunkIndex, chunk := range chunks(keys, batchSize) {
		keyList := make([]map[string]types.AttributeValue, 0, len(chunk))
		for _, key := range chunk {
			keyList = append(keyList, keyAttributes(key))
		}

		var resp *dynamodb.BatchGetItemOutput
		err := s.withReadRetry(ctx, func() error {
			var getErr error
			resp, getErr = s.client.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{
				RequestItems: map[string]types.KeysAndAttributes{
					s.table: {Keys: keyList},
				},
			})
			return translate(getErr)
		})
		if err != nil {
			return out, &BatchError{Applied: len(out), Chunk: chunkIndex, Err: err}
		}

		records, err := s.unmarshalList(resp.Responses[s.table])
		if err != nil {
			return out, &BatchError{Applied: len(out), Chunk: chunkIndex, Err: err}
		}
		out = append(out, records...)
	}
	return out, nil
}

func (s *Store[T, PT]) writeBatch(ctx context.Context, requests []types.WriteRequest) error {
	resp, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
		RequestItems: map[string][]types.WriteRequest{s.table: requests},
	})
	if err = translate(err); err != nil {
		return err
	}
	if len(resp.UnprocessedItems) > 0 {
		// One immediate retry for throttled leftovers, then give up loudly.
		retry, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: resp.UnprocessedItems,
		})
		if err = translate(err); err != nil {
			return err
		}
		if len(retry.UnprocessedItems) > 0 {
			return fmt.Errorf("%w: %d items unprocessed after retry", ErrStoreUnavailable, len(retry.UnprocessedItems))
		}
	}
	return nil
}

func chunks[V any](items []V, size int) [][]V {
	if len(items) == 0 {
		return nil
	}
	out := make([][]V, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[start:end])
	}
	return out
}
