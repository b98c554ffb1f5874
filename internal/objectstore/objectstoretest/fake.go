// Package objectstoretest provides an in-memory objectstore.Client for other
// packages' tests to exercise conditional-write semantics without a live
// S3-compatible endpoint.
package objectstoretest

import (
	"context"
	"fmt"
	"sync"

	"github.com/tcehjaava/nbd-server/internal/objectstore"
)

// Fake is an in-memory objectstore.Client.
type Fake struct {
	mu      sync.Mutex
	objects map[string]*objectstore.Object
	etagSeq int
	bucket  bool
}

// NewFake returns an empty Fake with the bucket already present.
func NewFake() *Fake {
	return &Fake{objects: make(map[string]*objectstore.Object), bucket: true}
}

func (f *Fake) Get(_ context.Context, key string) (*objectstore.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	obj, ok := f.objects[key]
	if !ok {
		return nil, objectstore.ErrNotFound
	}
	cp := *obj
	return &cp, nil
}

func (f *Fake) Put(_ context.Context, key string, data []byte, cond objectstore.PutCondition) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	existing, exists := f.objects[key]

	if cond.IfNoneMatch && exists {
		return "", objectstore.ErrPreconditionFailed
	}
	if cond.IfMatch != "" {
		if !exists || existing.ETag != cond.IfMatch {
			return "", objectstore.ErrPreconditionFailed
		}
	}

	f.etagSeq++
	etag := fmt.Sprintf("etag-%d", f.etagSeq)
	cp := make([]byte, len(data))
	copy(cp, data)
	f.objects[key] = &objectstore.Object{Data: cp, ETag: etag}
	return etag, nil
}

func (f *Fake) Delete(_ context.Context, key string, ifMatch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	existing, exists := f.objects[key]
	if !exists {
		return objectstore.ErrNotFound
	}
	if ifMatch != "" && existing.ETag != ifMatch {
		return objectstore.ErrPreconditionFailed
	}
	delete(f.objects, key)
	return nil
}

func (f *Fake) EnsureBucket(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bucket = true
	return nil
}

var _ objectstore.Client = (*Fake)(nil)
