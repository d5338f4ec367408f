package blob

import (
	"context"
	"errors"
	"io"
)

// ErrNotExist is returned when a key has no stored object
var ErrNotExist = errors.New("blob: object does not exist")

// NotFoundSentinel is stored as the body of a side artifact when the
// archive was inspected and contained no matching file, so the miss is
// not re-derived on every request.
const NotFoundSentinel = "NOT_FOUND"

// Object is a stored blob opened for reading
type Object struct {
	io.ReadCloser
	Size    int64 // -1 when unknown
	ModTime int64 // unix seconds, 0 when unknown
}

// Store defines the blob storage port holding artifact bytes and side
// artifacts (README, CHANGELOG)
type Store interface {
	Get(ctx context.Context, key string) (*Object, error)
	Put(ctx context.Context, key string, r io.Reader) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}
