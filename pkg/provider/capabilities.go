package provider

import (
	"context"
	"io"
)

// ObjectPutter uploads an object, replacing any existing one. Archives
// need it.
type ObjectPutter interface {
	PutObject(ctx context.Context, key string, body io.Reader, contentLength int64) error
}

// ObjectDeleter removes an object. Remote file stores need it to clear
// applied response files.
type ObjectDeleter interface {
	DeleteObject(ctx context.Context, key string) error
}

// ObjectGetter streams an object's content.
type ObjectGetter interface {
	GetObject(ctx context.Context, key string) (body io.ReadCloser, contentLength int64, err error)
}
