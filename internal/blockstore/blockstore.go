// Package blockstore implements the block-granular object-backed storage
// engine of spec.md §4.5: it translates (offset, length) byte ranges into
// fixed-size blocks keyed in an object store, buffering writes per
// connection until an explicit flush.
package blockstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/tcehjaava/nbd-server/internal/lease"
	"github.com/tcehjaava/nbd-server/internal/objectstore"
)

// ErrLeaseHeld is returned by New when another connection already holds the
// export's lease.
var ErrLeaseHeld = errors.New("blockstore: export already in use by another connection")

// ErrFlushFailed is returned by Flush when one or more blocks could not be
// uploaded; the still-dirty blocks remain buffered (spec.md §4.5).
var ErrFlushFailed = errors.New("blockstore: flush failed, unflushed blocks remain buffered")

// Store is the per-connection block store: block-key mapping, write-back
// buffer, and the reader/writer concurrency gate of spec.md §4.5.
type Store struct {
	client     objectstore.Client
	exportName string
	blockSize  int64
	lease      *lease.Lock

	mu    sync.RWMutex
	dirty map[int64][]byte // block offset -> full block_size image

	log *logrus.Entry
}

// New ensures the bucket exists and acquires the export's lease lock; on
// success it returns a Store ready to serve the owning connection. Per
// spec.md §2, storage construction fails (and the connection must be
// dropped) if the lease is already held.
func New(ctx context.Context, client objectstore.Client, l *lease.Lock, exportName string, blockSize int64, log *logrus.Entry) (*Store, error) {
	if err := client.EnsureBucket(ctx); err != nil {
		return nil, fmt.Errorf("ensure bucket: %w", err)
	}

	ok, err := l.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire lease: %w", err)
	}
	if !ok {
		return nil, ErrLeaseHeld
	}

	return &Store{
		client:     client,
		exportName: exportName,
		blockSize:  blockSize,
		lease:      l,
		dirty:      make(map[int64][]byte),
		log:        log.WithField("export", exportName),
	}, nil
}

func (s *Store) blockKey(blockOffset int64) string {
	blockNumber := blockOffset / s.blockSize
	return fmt.Sprintf("blocks/%s/%08x", s.exportName, blockNumber)
}

func (s *Store) blockOffset(offset int64) int64 {
	return (offset / s.blockSize) * s.blockSize
}

// chunk describes one (block_offset, offset_in_block, chunk_size) triple
// produced by splitting a byte range into block-aligned pieces.
type chunk struct {
	blockOffset int64
	offsetInBlk int64
	size        int64
}

func (s *Store) splitRange(offset, length int64) []chunk {
	var chunks []chunk
	var processed int64
	for processed < length {
		current := offset + processed
		blockOff := s.blockOffset(current)
		offInBlk := current - blockOff
		size := min64(length-processed, s.blockSize-offInBlk)
		chunks = append(chunks, chunk{blockOffset: blockOff, offsetInBlk: offInBlk, size: size})
		processed += size
	}
	return chunks
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// Read returns exactly length bytes starting at offset. Each covered block
// is read from the write-back buffer if present (read-your-writes), else
// fetched from the object store, else treated as block_size zeros.
func (s *Store) Read(ctx context.Context, offset, length int64) ([]byte, error) {
	if s.lease.State() == lease.Lost {
		return nil, lease.ErrLost
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]byte, 0, length)
	for _, c := range s.splitRange(offset, length) {
		block, err := s.readBlockLocked(ctx, c.blockOffset)
		if err != nil {
			return nil, err
		}
		result = append(result, block[c.offsetInBlk:c.offsetInBlk+c.size]...)
	}
	return result, nil
}

// readBlockLocked must be called with at least a read lock held.
func (s *Store) readBlockLocked(ctx context.Context, blockOffset int64) ([]byte, error) {
	if data, ok := s.dirty[blockOffset]; ok {
		return data, nil
	}

	key := s.blockKey(blockOffset)
	obj, err := s.client.Get(ctx, key)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return make([]byte, s.blockSize), nil
		}
		return nil, fmt.Errorf("read block %s: %w", key, err)
	}
	return obj.Data, nil
}

// Write splits data across the blocks it overlaps, reading each block's
// current image (buffer, object, or zeros), overwriting the affected
// sub-range, and buffering the full block image. Writes are durable only
// after Flush (spec.md §4.5).
func (s *Store) Write(ctx context.Context, offset int64, data []byte) error {
	if s.lease.State() == lease.Lost {
		return lease.ErrLost
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var written int64
	for _, c := range s.splitRange(offset, int64(len(data))) {
		current, err := s.readBlockLocked(ctx, c.blockOffset)
		if err != nil {
			return err
		}
		block := make([]byte, s.blockSize)
		copy(block, current)
		copy(block[c.offsetInBlk:c.offsetInBlk+c.size], data[written:written+c.size])
		s.dirty[c.blockOffset] = block
		written += c.size
	}

	s.log.WithFields(logrus.Fields{
		"offset":       offset,
		"length":       len(data),
		"dirty_blocks": len(s.dirty),
	}).Debug("buffered write")
	return nil
}

// Flush uploads every buffered block to its object key. Uploads proceed
// concurrently; a block is removed from the buffer only once its upload
// succeeds. If any upload fails, the still-dirty blocks remain buffered and
// Flush returns ErrFlushFailed (spec.md §4.5).
func (s *Store) Flush(ctx context.Context) error {
	if s.lease.State() == lease.Lost {
		return lease.ErrLost
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.dirty) == 0 {
		return nil
	}

	type result struct {
		blockOffset int64
		err         error
	}

	results := make(chan result, len(s.dirty))
	var wg sync.WaitGroup
	for blockOffset, data := range s.dirty {
		wg.Add(1)
		go func(blockOffset int64, data []byte) {
			defer wg.Done()
			key := s.blockKey(blockOffset)
			_, err := s.client.Put(ctx, key, data, objectstore.PutCondition{})
			results <- result{blockOffset: blockOffset, err: err}
		}(blockOffset, data)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var failed bool
	count := 0
	for r := range results {
		if r.err != nil {
			s.log.WithError(r.err).WithField("block_offset", r.blockOffset).Error("failed to upload block")
			failed = true
			continue
		}
		delete(s.dirty, r.blockOffset)
		count++
	}

	if failed {
		return ErrFlushFailed
	}

	s.log.WithField("blocks", count).Info("flushed blocks to object store")
	return nil
}

// Release releases the lease lock. It does not flush: unflushed writes are
// discarded, matching the "durable iff flushed" contract (spec.md §4.5, §9).
func (s *Store) Release(ctx context.Context) error {
	return s.lease.Release(ctx)
}
