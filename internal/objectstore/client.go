package objectstore

import "context"

// Client is the subset of Pool that the lease lock and block store depend
// on. Tests substitute an in-memory fake satisfying this interface instead
// of exercising a live S3-compatible endpoint (spec.md's testable properties
// are about CAS semantics and block math, not the AWS SDK itself).
type Client interface {
	Get(ctx context.Context, key string) (*Object, error)
	Put(ctx context.Context, key string, data []byte, cond PutCondition) (string, error)
	Delete(ctx context.Context, key string, ifMatch string) error
	EnsureBucket(ctx context.Context) error
}

var _ Client = (*Pool)(nil)
