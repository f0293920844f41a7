// Package entitystore is a generic versioned data-access layer over a
// partitioned key-value table (DynamoDB-style PK/SK items). Every record
// carries a version counter that starts at 1 and advances by exactly 1 per
// successful update; writers racing on the same key are serialized by the
// store's conditional-write primitive, never by in-process locking.
package entitystore

import "time"

// Key identifies a single item: the partition it lives in and its position
// within that partition.
type Key struct {
	PK string `dynamodbav:"pk" json:"pk"`
	SK string `dynamodbav:"sk" json:"sk"`
}

// Meta holds the bookkeeping attributes shared by every stored record.
// Embed it in a domain model and implement ItemKey to satisfy Record.
type Meta struct {
	Version   int64     `dynamodbav:"version" json:"version"`
	CreatedAt time.Time `dynamodbav:"created_at" json:"created_at"`
	UpdatedAt time.Time `dynamodbav:"updated_at" json:"updated_at"`
	Deleted   bool      `dynamodbav:"deleted,omitempty" json:"deleted,omitempty"`
}

// RecordMeta exposes the embedded bookkeeping for the generic store.
func (m *Meta) RecordMeta() *Meta { return m }

// Record is the capability a domain model must provide to be stored:
// key extraction plus access to the shared bookkeeping attributes.
type Record interface {
	ItemKey() Key
	RecordMeta() *Meta
}

// stamp prepares Meta for its first write.
func (m *Meta) stamp(now time.Time) {
	m.Version = 1
	m.CreatedAt = now
	m.UpdatedAt = now
}
