// Package export implements the server-wide identity and per-connection
// storage construction described in spec.md §4's "Export registry": one
// server_id per process, and one lease lock plus block store constructed
// fresh for every accepted connection.
package export

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tcehjaava/nbd-server/internal/blockstore"
	"github.com/tcehjaava/nbd-server/internal/lease"
	"github.com/tcehjaava/nbd-server/internal/objectstore"
)

// Registry holds the identity shared by every connection on this server and
// opens per-connection storage on demand.
type Registry struct {
	client        objectstore.Client
	serverID      string
	blockSize     int64
	leaseDuration time.Duration
	log           *logrus.Entry
}

// Config configures a Registry.
type Config struct {
	BlockSize     int64
	LeaseDuration time.Duration
}

// New generates a fresh server_id (spec.md §3: "one server_id, fresh UUID at
// startup") and returns a Registry bound to the given object-store client
// pool.
func New(client objectstore.Client, cfg Config, log *logrus.Entry) *Registry {
	serverID := uuid.NewString()
	return &Registry{
		client:        client,
		serverID:      serverID,
		blockSize:     cfg.BlockSize,
		leaseDuration: cfg.LeaseDuration,
		log:           log.WithField("server_id", serverID),
	}
}

// ServerID returns this process's server_id.
func (r *Registry) ServerID() string {
	return r.serverID
}

// Open constructs the lease lock and block store for one connection's
// chosen export. A fresh connection_id is generated per spec.md §3. On
// failure (most commonly blockstore.ErrLeaseHeld) the caller must close the
// connection without entering the transmission phase (spec.md §4.2).
func (r *Registry) Open(ctx context.Context, exportName string) (*blockstore.Store, string, error) {
	connectionID := uuid.NewString()

	l := lease.New(r.client, lease.Config{
		ExportName:    exportName,
		ServerID:      r.serverID,
		ConnectionID:  connectionID,
		LeaseDuration: r.leaseDuration,
	}, r.log)

	store, err := blockstore.New(ctx, r.client, l, exportName, r.blockSize, r.log)
	if err != nil {
		return nil, connectionID, err
	}
	return store, connectionID, nil
}
