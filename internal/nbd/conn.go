package nbd

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/tcehjaava/nbd-server/internal/lease"
)

// TransmissionFlags is the NBD_INFO_EXPORT flag set advertised for every
// export this profile serves (spec.md §4.2).
const TransmissionFlags = NBD_FLAG_HAS_FLAGS | NBD_FLAG_SEND_FLUSH

// Storage is the subset of the block store a connection drives during the
// transmission phase (spec.md §4.2's command semantics).
type Storage interface {
	Read(ctx context.Context, offset, length int64) ([]byte, error)
	Write(ctx context.Context, offset int64, data []byte) error
	Flush(ctx context.Context) error
	Release(ctx context.Context) error
}

// Opener constructs per-connection storage once a client has named an
// export via NBD_OPT_GO. Any error (most commonly the export's lease
// already being held) means the connection must be dropped without
// entering transmission (spec.md §4.2, §7).
type Opener interface {
	Open(ctx context.Context, exportName string) (Storage, string, error)
}

// state is the per-connection protocol state machine of spec.md §4.2.
type state int

const (
	stateInit state = iota
	stateSentHandshake
	stateGotClientFlags
	stateReady
	stateTransmission
	stateClosed
)

// Conn drives one accepted TCP connection through negotiation and
// transmission.
type Conn struct {
	nc         net.Conn
	r          *bufio.Reader
	w          io.Writer
	exportSize int64
	opener     Opener
	log        *logrus.Entry

	state   state
	storage Storage
}

// NewConn wraps an accepted socket. exportSize is advertised to every
// export negotiated on this connection (spec.md §6: one export_size shared
// by all exports on a listener).
func NewConn(nc net.Conn, exportSize int64, opener Opener, log *logrus.Entry) *Conn {
	return &Conn{
		nc:         nc,
		r:          bufio.NewReader(nc),
		w:          nc,
		exportSize: exportSize,
		opener:     opener,
		log:        log,
		state:      stateInit,
	}
}

// Serve runs the connection to completion: handshake, negotiation, and (if
// negotiation succeeds) the transmission command loop. It always releases
// any acquired storage before returning.
func (c *Conn) Serve(ctx context.Context) error {
	defer c.close(ctx)

	if err := c.handshake(); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	c.state = stateSentHandshake

	if err := c.receiveClientFlags(); err != nil {
		return fmt.Errorf("client flags: %w", err)
	}
	c.state = stateGotClientFlags

	exportName, err := c.negotiate(ctx)
	if err != nil {
		return fmt.Errorf("negotiate: %w", err)
	}
	if exportName == "" {
		// NBD_OPT_ABORT or an unsupported option: close cleanly, no lease
		// ever acquired (spec.md §7).
		c.state = stateClosed
		return nil
	}

	storage, connectionID, err := c.opener.Open(ctx, exportName)
	if err != nil {
		c.log.WithError(err).WithField("export", exportName).Warn("storage unavailable, dropping connection")
		c.state = stateClosed
		return nil
	}
	c.storage = storage
	c.state = stateReady
	c.log = c.log.WithFields(logrus.Fields{"export": exportName, "connection_id": connectionID})
	c.log.Info("export ready, entering transmission")

	c.state = stateTransmission
	return c.transmissionLoop(ctx)
}

func (c *Conn) close(ctx context.Context) {
	if c.storage != nil {
		// ctx may already be cancelled (shutdown); the release must still run.
		if err := c.storage.Release(context.WithoutCancel(ctx)); err != nil {
			c.log.WithError(err).Warn("error releasing storage")
		}
	}
	c.state = stateClosed
	_ = c.nc.Close()
}

func (c *Conn) handshake() error {
	hs := serverHandshake{Magic: NBDMAGIC, OptsMagic: IHAVEOPT, Flags: NBD_FLAG_FIXED_NEWSTYLE}
	return hs.Write(c.w)
}

func (c *Conn) receiveClientFlags() error {
	var f clientFlags
	if err := f.Read(c.r); err != nil {
		return err
	}
	c.log.WithField("client_flags", f.Flags).Debug("received client flags")
	return nil
}

// negotiate handles exactly one option request, per spec.md §4.2's profile
// (only NBD_OPT_GO and NBD_OPT_ABORT are meaningful; everything else closes
// without reply). It returns the negotiated export name, or "" if the
// connection should close without entering transmission.
func (c *Conn) negotiate(ctx context.Context) (string, error) {
	var hdr optionHeader
	if err := hdr.Read(c.r); err != nil {
		return "", err
	}
	if hdr.Magic != IHAVEOPT {
		return "", fmt.Errorf("bad option magic %x", hdr.Magic)
	}

	data := make([]byte, hdr.Length)
	if hdr.Length > 0 {
		if _, err := io.ReadFull(c.r, data); err != nil {
			return "", err
		}
	}

	switch hdr.Option {
	case NBD_OPT_GO:
		return c.handleGo(hdr.Option, data)
	case NBD_OPT_ABORT:
		c.log.Info("client requested abort")
		return "", nil
	default:
		c.log.WithField("option", hdr.Option).Warn("unsupported option, closing")
		return "", nil
	}
}

func (c *Conn) handleGo(option uint32, data []byte) (string, error) {
	if len(data) < 4 {
		return "", errors.New("short NBD_OPT_GO payload")
	}
	nameLen := binary.BigEndian.Uint32(data[0:4])
	if uint64(len(data)) < 4+uint64(nameLen) {
		return "", errors.New("truncated export name")
	}
	exportName := string(data[4 : 4+nameLen])

	info := optionReplyHeader{Magic: NBD_REP_MAGIC, Option: option, Type: NBD_REP_INFO, Length: 12}
	if err := info.Write(c.w); err != nil {
		return "", err
	}
	payload := infoExportPayload{InfoType: NBD_INFO_EXPORT, ExportSize: uint64(c.exportSize), TransmissionFlag: TransmissionFlags}
	if err := payload.Write(c.w); err != nil {
		return "", err
	}

	ack := optionReplyHeader{Magic: NBD_REP_MAGIC, Option: option, Type: NBD_REP_ACK, Length: 0}
	if err := ack.Write(c.w); err != nil {
		return "", err
	}

	c.log.WithField("export", exportName).Info("negotiated export")
	return exportName, nil
}

// transmissionLoop consumes commands strictly sequentially and writes
// replies strictly in issue order (spec.md §5: no handle multiplexing).
func (c *Conn) transmissionLoop(ctx context.Context) error {
	for {
		var req request
		if err := req.Read(c.r); err != nil {
			return fmt.Errorf("read request: %w", err)
		}
		if req.Magic != NBD_REQUEST_MAGIC {
			return fmt.Errorf("bad request magic %x", req.Magic)
		}

		switch req.Type {
		case NBD_CMD_READ:
			if err := c.handleRead(ctx, req); err != nil {
				return err
			}
		case NBD_CMD_WRITE:
			if err := c.handleWrite(ctx, req); err != nil {
				return err
			}
		case NBD_CMD_FLUSH:
			if err := c.handleFlush(ctx, req); err != nil {
				return err
			}
		case NBD_CMD_DISC:
			c.log.Info("client requested disconnect")
			return nil
		default:
			c.log.WithField("cmd_type", req.Type).Warn("unsupported command")
			if err := c.sendReply(NBD_EPERM_UNSUPP, req.Handle, nil); err != nil {
				return err
			}
		}
	}
}

func (c *Conn) handleRead(ctx context.Context, req request) error {
	data, err := c.storage.Read(ctx, int64(req.Offset), int64(req.Length))
	if err != nil {
		if errors.Is(err, lease.ErrLost) {
			return err
		}
		c.log.WithError(err).WithField("offset", req.Offset).Error("read failed")
		return c.sendReply(NBD_EIO, req.Handle, nil)
	}
	return c.sendReply(NBD_OK, req.Handle, data)
}

func (c *Conn) handleWrite(ctx context.Context, req request) error {
	data := make([]byte, req.Length)
	if _, err := io.ReadFull(c.r, data); err != nil {
		return fmt.Errorf("read write payload: %w", err)
	}
	if err := c.storage.Write(ctx, int64(req.Offset), data); err != nil {
		if errors.Is(err, lease.ErrLost) {
			return err
		}
		c.log.WithError(err).WithField("offset", req.Offset).Error("write failed")
		return c.sendReply(NBD_EIO, req.Handle, nil)
	}
	return c.sendReply(NBD_OK, req.Handle, nil)
}

func (c *Conn) handleFlush(ctx context.Context, req request) error {
	if err := c.storage.Flush(ctx); err != nil {
		if errors.Is(err, lease.ErrLost) {
			return err
		}
		c.log.WithError(err).Error("flush failed")
		return c.sendReply(NBD_EIO, req.Handle, nil)
	}
	return c.sendReply(NBD_OK, req.Handle, nil)
}

func (c *Conn) sendReply(errCode uint32, handle uint64, data []byte) error {
	reply := simpleReply{Magic: NBD_SIMPLE_REPLY_MAGIC, Error: errCode, Handle: handle}
	if err := reply.Write(c.w); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	_, err := c.w.Write(data)
	return err
}
