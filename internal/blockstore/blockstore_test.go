package blockstore

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcehjaava/nbd-server/internal/lease"
	"github.com/tcehjaava/nbd-server/internal/objectstore"
	"github.com/tcehjaava/nbd-server/internal/objectstore/objectstoretest"
)

const testBlockSize = 4096

func discardLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func newTestStore(t *testing.T, client objectstore.Client) *Store {
	t.Helper()
	l := lease.New(client, lease.Config{ExportName: "vol0", ServerID: "srv1", ConnectionID: "conn1"}, discardLogger())
	store, err := New(context.Background(), client, l, "vol0", testBlockSize, discardLogger())
	require.NoError(t, err)
	return store
}

func TestReadAbsentBlockReturnsZeros(t *testing.T) {
	client := objectstoretest.NewFake()
	store := newTestStore(t, client)

	got, err := store.Read(context.Background(), 0, testBlockSize)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, testBlockSize), got)
}

func TestReadYourOwnWritesBeforeFlush(t *testing.T) {
	client := objectstoretest.NewFake()
	store := newTestStore(t, client)

	payload := bytes.Repeat([]byte{0xAB}, 128)
	require.NoError(t, store.Write(context.Background(), 10, payload))

	got, err := store.Read(context.Background(), 10, 128)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	// Not yet flushed: the backing object store must still be empty.
	_, err = client.Get(context.Background(), store.blockKey(0))
	assert.ErrorIs(t, err, objectstore.ErrNotFound)
}

func TestWriteCrossingBlockBoundary(t *testing.T) {
	client := objectstoretest.NewFake()
	store := newTestStore(t, client)

	payload := bytes.Repeat([]byte{0x42}, testBlockSize+100)
	offset := int64(testBlockSize - 50)
	require.NoError(t, store.Write(context.Background(), offset, payload))

	got, err := store.Read(context.Background(), offset, int64(len(payload)))
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	assert.Len(t, store.dirty, 2)
}

func TestPartialBlockWritePreservesRestOfBlock(t *testing.T) {
	client := objectstoretest.NewFake()
	store := newTestStore(t, client)

	full := bytes.Repeat([]byte{0x11}, testBlockSize)
	require.NoError(t, store.Write(context.Background(), 0, full))
	require.NoError(t, store.Flush(context.Background()))

	patch := []byte{0x22, 0x22, 0x22}
	require.NoError(t, store.Write(context.Background(), 100, patch))

	got, err := store.Read(context.Background(), 0, testBlockSize)
	require.NoError(t, err)

	want := make([]byte, testBlockSize)
	copy(want, full)
	copy(want[100:103], patch)
	assert.Equal(t, want, got)
}

func TestFlushPersistsAndClearsBuffer(t *testing.T) {
	client := objectstoretest.NewFake()
	store := newTestStore(t, client)

	payload := bytes.Repeat([]byte{0x77}, 256)
	require.NoError(t, store.Write(context.Background(), 0, payload))
	assert.Len(t, store.dirty, 1)

	require.NoError(t, store.Flush(context.Background()))
	assert.Empty(t, store.dirty)

	obj, err := client.Get(context.Background(), store.blockKey(0))
	require.NoError(t, err)
	assert.Equal(t, payload, obj.Data[:256])
}

func TestFlushIsNoopWhenNothingDirty(t *testing.T) {
	client := objectstoretest.NewFake()
	store := newTestStore(t, client)

	require.NoError(t, store.Flush(context.Background()))
}

func TestNewFailsWhenLeaseAlreadyHeld(t *testing.T) {
	client := objectstoretest.NewFake()
	_ = newTestStore(t, client) // holds the lease for conn1

	l2 := lease.New(client, lease.Config{ExportName: "vol0", ServerID: "srv1", ConnectionID: "conn2"}, discardLogger())
	_, err := New(context.Background(), client, l2, "vol0", testBlockSize, discardLogger())
	assert.ErrorIs(t, err, ErrLeaseHeld)
}

func TestReleaseDoesNotFlush(t *testing.T) {
	client := objectstoretest.NewFake()
	store := newTestStore(t, client)

	require.NoError(t, store.Write(context.Background(), 0, []byte{0x01, 0x02}))
	require.NoError(t, store.Release(context.Background()))

	_, err := client.Get(context.Background(), store.blockKey(0))
	assert.ErrorIs(t, err, objectstore.ErrNotFound)
}
