// Package objstore abstracts the document store that holds rendered proof
// artifacts. Keys are opaque slash-separated paths owned by the caller.
package objstore

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("objstore: object not found")

type Object struct {
	Key         string
	Data        []byte
	ContentType string
	Metadata    map[string]string
}

type ObjectStore interface {
	Put(ctx context.Context, obj Object) error
	Get(ctx context.Context, key string) (*Object, error)
	Close() error
}
