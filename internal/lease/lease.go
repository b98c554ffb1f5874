// Package lease implements the S3-object-based distributed mutual-exclusion
// primitive described in spec.md §4.4: a single JSON object per export,
// mutated only through conditional writes, grants one connection exclusive
// access across arbitrarily many server processes.
package lease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/tcehjaava/nbd-server/internal/objectstore"
)

// State is the lifecycle state of a Lock instance (spec.md §4.4).
type State int

const (
	Inactive State = iota
	Active
	Lost
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Lost:
		return "lost"
	default:
		return "inactive"
	}
}

// ErrLost is returned by the block store's Read, Write and Flush once the
// renewal loop has declared the lease Lost. Callers must treat this as a
// fatal storage failure and drop the NBD connection (spec.md §4.4).
var ErrLost = errors.New("lease: lock lost, renewal failed or ownership changed")

// record is the JSON document stored at locks/{export}/lock.json.
// Field names match spec.md §6 exactly.
type record struct {
	ServerID     string  `json:"server_id"`
	ConnectionID string  `json:"connection_id"`
	Hostname     string  `json:"hostname"`
	PID          int     `json:"pid"`
	Timestamp    float64 `json:"timestamp"`
	ExpiresAt    float64 `json:"expires_at"`
}

func (r record) isHeldBy(serverID, connectionID string) bool {
	return r.ServerID == serverID && r.ConnectionID == connectionID
}

// now is overridable in tests so expiry and renewal can be driven by a fake
// clock instead of wall time.
var now = func() time.Time { return time.Now() }

// Lock coordinates single-writer access to one export across the fleet.
// One Lock belongs to exactly one connection.
type Lock struct {
	client       objectstore.Client
	exportName   string
	serverID     string
	connectionID string

	leaseDuration time.Duration
	renewInterval time.Duration

	mu    sync.Mutex
	state State

	cancel context.CancelFunc
	done   chan struct{}

	log *logrus.Entry
}

// Config configures a new Lock.
type Config struct {
	ExportName    string
	ServerID      string
	ConnectionID  string
	LeaseDuration time.Duration
}

// New constructs a Lock. Acquire must be called before the lease is usable.
func New(client objectstore.Client, cfg Config, log *logrus.Entry) *Lock {
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 30 * time.Second
	}
	return &Lock{
		client:        client,
		exportName:    cfg.ExportName,
		serverID:      cfg.ServerID,
		connectionID:  cfg.ConnectionID,
		leaseDuration: cfg.LeaseDuration,
		renewInterval: cfg.LeaseDuration / 2,
		state:         Inactive,
		log: log.WithFields(logrus.Fields{
			"export":        cfg.ExportName,
			"connection_id": cfg.ConnectionID,
		}),
	}
}

func (l *Lock) lockKey() string {
	return fmt.Sprintf("locks/%s/lock.json", l.exportName)
}

func (l *Lock) newRecord() record {
	nowT := now()
	return record{
		ServerID:     l.serverID,
		ConnectionID: l.connectionID,
		Hostname:     hostname(),
		PID:          os.Getpid(),
		Timestamp:    float64(nowT.Unix()),
		ExpiresAt:    float64(nowT.Add(l.leaseDuration).Unix()),
	}
}

// State returns the current lifecycle state.
func (l *Lock) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Acquire runs the acquisition algorithm of spec.md §4.4: GET, then either
// create (If-None-Match), re-acquire in place, steal an expired lease
// (If-Match), or report the export busy. On success the renewal loop is
// started and Acquire returns true.
func (l *Lock) Acquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	if l.state == Active {
		l.mu.Unlock()
		return true, nil
	}
	l.mu.Unlock()

	key := l.lockKey()

	obj, err := l.client.Get(ctx, key)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			if _, putErr := l.client.Put(ctx, key, encode(l.newRecord()), objectstore.PutCondition{IfNoneMatch: true}); putErr != nil {
				if errors.Is(putErr, objectstore.ErrPreconditionFailed) {
					l.log.Warn("lost race creating lock")
					return false, nil
				}
				return false, fmt.Errorf("create lock: %w", putErr)
			}
			l.log.Info("acquired lock (no previous holder)")
			l.activate(ctx)
			return true, nil
		}
		return false, fmt.Errorf("get lock: %w", err)
	}

	var existing record
	if err := json.Unmarshal(obj.Data, &existing); err != nil {
		return false, fmt.Errorf("decode lock record: %w", err)
	}

	if existing.isHeldBy(l.serverID, l.connectionID) {
		l.log.Info("re-acquiring own lock")
		if _, putErr := l.client.Put(ctx, key, encode(l.newRecord()), objectstore.PutCondition{IfMatch: obj.ETag}); putErr != nil {
			return false, fmt.Errorf("renew own lock: %w", putErr)
		}
		l.activate(ctx)
		return true, nil
	}

	if float64(now().Unix()) > existing.ExpiresAt {
		l.log.WithFields(logrus.Fields{
			"prev_server":     existing.ServerID,
			"prev_connection": existing.ConnectionID,
		}).Warn("lease expired, stealing")

		if _, putErr := l.client.Put(ctx, key, encode(l.newRecord()), objectstore.PutCondition{IfMatch: obj.ETag}); putErr != nil {
			if errors.Is(putErr, objectstore.ErrPreconditionFailed) {
				l.log.Warn("lost race stealing expired lease")
				return false, nil
			}
			return false, fmt.Errorf("steal lock: %w", putErr)
		}
		l.activate(ctx)
		return true, nil
	}

	l.log.WithFields(logrus.Fields{
		"holder_server":     existing.ServerID,
		"holder_connection": existing.ConnectionID,
		"expires_in_s":      existing.ExpiresAt - float64(now().Unix()),
	}).Warn("export already leased")
	return false, nil
}

func (l *Lock) activate(ctx context.Context) {
	l.mu.Lock()
	l.state = Active
	l.mu.Unlock()

	// Detached from ctx's cancellation: the renewal loop must survive the
	// call that acquired the lease and is stopped only by Release, not by
	// whatever context Acquire happened to be called with.
	renewCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.renewLoop(renewCtx)
}

// renewLoop periodically renews the lease while Active. Each tick retries
// transient failures with bounded exponential backoff (starting at 1s,
// doubling, cap 8s; at most 3 attempts, so the waits are 1s and 2s) via
// cenkalti/backoff; if all attempts in a tick fail,
// or ownership has changed, the lease is declared Lost (spec.md §4.4).
func (l *Lock) renewLoop(ctx context.Context) {
	defer close(l.done)

	key := l.lockKey()
	ticker := time.NewTicker(l.renewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if l.State() != Active {
			return
		}

		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = 1 * time.Second
		eb.Multiplier = 2
		eb.MaxInterval = 8 * time.Second
		eb.MaxElapsedTime = 0
		eb.RandomizationFactor = 0

		attempt := 0
		err := backoff.Retry(func() error {
			attempt++
			err := l.renewOnce(ctx, key)
			if errors.Is(err, errOwnershipChanged) {
				return backoff.Permanent(err)
			}
			if err != nil {
				l.log.WithError(err).WithField("attempt", attempt).Warn("lease renewal failed, retrying")
			}
			return err
		}, backoff.WithContext(backoff.WithMaxRetries(eb, 2), ctx))

		if err == nil {
			continue
		}

		if errors.Is(err, errOwnershipChanged) {
			l.log.Warn("lease ownership changed, marking lost")
		} else {
			l.log.WithError(err).Error("renewal failed repeatedly, marking lost")
		}
		l.markLost()
		return
	}
}

var errOwnershipChanged = errors.New("lease: ownership changed")

func (l *Lock) renewOnce(ctx context.Context, key string) error {
	obj, err := l.client.Get(ctx, key)
	if err != nil {
		return err
	}

	var existing record
	if err := json.Unmarshal(obj.Data, &existing); err != nil {
		return err
	}
	if !existing.isHeldBy(l.serverID, l.connectionID) {
		return errOwnershipChanged
	}

	_, err = l.client.Put(ctx, key, encode(l.newRecord()), objectstore.PutCondition{IfMatch: obj.ETag})
	if err != nil {
		if errors.Is(err, objectstore.ErrPreconditionFailed) {
			return errOwnershipChanged
		}
		return err
	}
	l.log.Debug("renewed lease")
	return nil
}

func (l *Lock) markLost() {
	l.mu.Lock()
	l.state = Lost
	l.mu.Unlock()
}

// Release cancels the renewal loop and, if this instance is still the
// recorded owner, deletes the lock object. It never flushes block store
// state (spec.md §9: release does not imply flush).
func (l *Lock) Release(ctx context.Context) error {
	l.mu.Lock()
	wasActive := l.state == Active
	l.state = Inactive
	cancel := l.cancel
	done := l.done
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	if !wasActive {
		return nil
	}

	key := l.lockKey()
	obj, err := l.client.Get(ctx, key)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return nil
		}
		l.log.WithError(err).Error("error reading lock during release")
		return nil
	}

	var existing record
	if err := json.Unmarshal(obj.Data, &existing); err != nil {
		l.log.WithError(err).Error("error decoding lock during release")
		return nil
	}
	if !existing.isHeldBy(l.serverID, l.connectionID) {
		return nil
	}

	if err := l.client.Delete(ctx, key, obj.ETag); err != nil {
		if errors.Is(err, objectstore.ErrNotFound) || errors.Is(err, objectstore.ErrPreconditionFailed) {
			return nil
		}
		l.log.WithError(err).Error("error deleting lock during release")
		return nil
	}

	l.log.Info("released lock")
	return nil
}

func encode(r record) []byte {
	b, _ := json.Marshal(r)
	return b
}
