package nbd

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Keepalive timings from spec.md §4.1: expected dead-connection detection
// after roughly idle + interval*count ≈ 120s.
const (
	KeepAliveIdle     = 60 * time.Second
	KeepAliveInterval = 10 * time.Second
	KeepAliveCount    = 6
)

// Listener accepts TCP connections and runs each one as an independent
// handler (spec.md §4.1).
type Listener struct {
	ln         net.Listener
	exportSize int64
	opener     Opener
	log        *logrus.Entry

	wg sync.WaitGroup
}

// Listen binds addr and returns a ready Listener.
func Listen(addr string, exportSize int64, opener Opener, log *logrus.Entry) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{ln: ln, exportSize: exportSize, opener: opener, log: log}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Serve accepts connections until the listening socket is closed by
// Shutdown. It then returns nil if ctx has been cancelled and the Accept
// error otherwise. Cancelling ctx closes every accepted connection's socket;
// outstanding handlers are awaited by Shutdown, not by Serve itself.
func (l *Listener) Serve(ctx context.Context) error {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}

		l.configureKeepalive(conn)

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handle(ctx, conn)
		}()
	}
}

func (l *Listener) configureKeepalive(conn net.Conn) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	cfg := net.KeepAliveConfig{
		Enable:   true,
		Idle:     KeepAliveIdle,
		Interval: KeepAliveInterval,
		Count:    KeepAliveCount,
	}
	if err := tc.SetKeepAliveConfig(cfg); err != nil {
		// Failures are logged, not fatal (spec.md §4.1): some platforms
		// don't expose per-connection keepalive tuning.
		l.log.WithError(err).Warn("failed to configure TCP keepalive")
	}
}

func (l *Listener) handle(ctx context.Context, conn net.Conn) {
	// Closing the socket on cancellation unblocks the handler's pending read,
	// so Shutdown's wait does not depend on the client disconnecting.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	remote := conn.RemoteAddr().String()
	log := l.log.WithField("remote_addr", remote)
	log.Info("accepted connection")

	c := NewConn(conn, l.exportSize, l.opener, log)
	if err := c.Serve(ctx); err != nil {
		log.WithError(err).Warn("connection closed with error")
		return
	}
	log.Info("connection closed")
}

// Shutdown closes the listening socket, stopping Accept, then waits for
// every in-flight handler to finish — each handler's cleanup releases its
// lease before returning (spec.md §4.1, §5).
func (l *Listener) Shutdown() error {
	err := l.ln.Close()
	l.wg.Wait()
	return err
}
