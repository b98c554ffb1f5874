package nbd

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func discardLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

type fakeStorage struct {
	data map[int64][]byte
}

func (f *fakeStorage) Read(_ context.Context, offset, length int64) ([]byte, error) {
	out := make([]byte, length)
	if d, ok := f.data[offset]; ok {
		copy(out, d)
	}
	return out, nil
}

func (f *fakeStorage) Write(_ context.Context, offset int64, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	f.data[offset] = cp
	return nil
}

func (f *fakeStorage) Flush(_ context.Context) error   { return nil }
func (f *fakeStorage) Release(_ context.Context) error { return nil }

type fakeOpener struct {
	storage *fakeStorage
	err     error
}

func (o *fakeOpener) Open(_ context.Context, exportName string) (Storage, string, error) {
	if o.err != nil {
		return nil, "", o.err
	}
	return o.storage, "conn-1", nil
}

// clientNegotiateGo performs the client side of the handshake + NBD_OPT_GO
// negotiation over conn, returning the negotiated export size.
func clientNegotiateGo(t *testing.T, conn net.Conn, exportName string) uint64 {
	t.Helper()

	hs := make([]byte, 18)
	if _, err := io.ReadFull(conn, hs); err != nil {
		t.Fatalf("read handshake: %v", err)
	}
	if binary.BigEndian.Uint64(hs[0:8]) != NBDMAGIC {
		t.Fatalf("bad handshake magic")
	}

	// client flags (4 bytes)
	if _, err := conn.Write([]byte{0, 0, 0, 0}); err != nil {
		t.Fatalf("write client flags: %v", err)
	}

	nameBytes := []byte(exportName)
	optData := make([]byte, 4+len(nameBytes))
	binary.BigEndian.PutUint32(optData[0:4], uint32(len(nameBytes)))
	copy(optData[4:], nameBytes)

	hdr := make([]byte, 16)
	binary.BigEndian.PutUint64(hdr[0:8], IHAVEOPT)
	binary.BigEndian.PutUint32(hdr[8:12], NBD_OPT_GO)
	binary.BigEndian.PutUint32(hdr[12:16], uint32(len(optData)))
	if _, err := conn.Write(hdr); err != nil {
		t.Fatalf("write option header: %v", err)
	}
	if _, err := conn.Write(optData); err != nil {
		t.Fatalf("write option data: %v", err)
	}

	infoHdr := make([]byte, 20)
	if _, err := io.ReadFull(conn, infoHdr); err != nil {
		t.Fatalf("read info reply: %v", err)
	}
	if binary.BigEndian.Uint32(infoHdr[12:16]) != NBD_REP_INFO {
		t.Fatalf("expected NBD_REP_INFO")
	}

	payload := make([]byte, 12)
	if _, err := io.ReadFull(conn, payload); err != nil {
		t.Fatalf("read info payload: %v", err)
	}
	exportSize := binary.BigEndian.Uint64(payload[2:10])

	ackHdr := make([]byte, 20)
	if _, err := io.ReadFull(conn, ackHdr); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if binary.BigEndian.Uint32(ackHdr[12:16]) != NBD_REP_ACK {
		t.Fatalf("expected NBD_REP_ACK")
	}

	return exportSize
}

func sendCommand(t *testing.T, conn net.Conn, cmdType uint16, handle uint64, offset uint64, length uint32) {
	t.Helper()
	buf := make([]byte, 28)
	binary.BigEndian.PutUint32(buf[0:4], NBD_REQUEST_MAGIC)
	binary.BigEndian.PutUint16(buf[4:6], 0)
	binary.BigEndian.PutUint16(buf[6:8], cmdType)
	binary.BigEndian.PutUint64(buf[8:16], handle)
	binary.BigEndian.PutUint64(buf[16:24], offset)
	binary.BigEndian.PutUint32(buf[24:28], length)
	if _, err := conn.Write(buf); err != nil {
		t.Fatalf("write command: %v", err)
	}
}

func readSimpleReply(t *testing.T, conn net.Conn) (uint32, uint64) {
	t.Helper()
	buf := make([]byte, 16)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	return binary.BigEndian.Uint32(buf[4:8]), binary.BigEndian.Uint64(buf[8:16])
}

func TestServeNegotiatesAndServesReadWrite(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	opener := &fakeOpener{storage: &fakeStorage{data: make(map[int64][]byte)}}
	c := NewConn(serverConn, 1<<30, opener, discardLogger())

	done := make(chan error, 1)
	go func() { done <- c.Serve(context.Background()) }()

	exportSize := clientNegotiateGo(t, clientConn, "e1")
	if exportSize != 1<<30 {
		t.Fatalf("got export size %d", exportSize)
	}

	payload := []byte("Hello, NBD!")
	sendCommand(t, clientConn, NBD_CMD_WRITE, 1, 0, uint32(len(payload)))
	if _, err := clientConn.Write(payload); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	errCode, handle := readSimpleReply(t, clientConn)
	if errCode != NBD_OK || handle != 1 {
		t.Fatalf("write reply: err=%d handle=%d", errCode, handle)
	}

	sendCommand(t, clientConn, NBD_CMD_READ, 2, 0, uint32(len(payload)))
	errCode, handle = readSimpleReply(t, clientConn)
	if errCode != NBD_OK || handle != 2 {
		t.Fatalf("read reply: err=%d handle=%d", errCode, handle)
	}
	got := make([]byte, len(payload))
	if _, err := io.ReadFull(clientConn, got); err != nil {
		t.Fatalf("read data: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q want %q", got, payload)
	}

	sendCommand(t, clientConn, NBD_CMD_DISC, 3, 0, 0)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after disconnect")
	}
}

func TestServeClosesWhenStorageUnavailable(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	opener := &fakeOpener{err: errors.New("export held by another connection")}
	c := NewConn(serverConn, 1<<20, opener, discardLogger())

	done := make(chan error, 1)
	go func() { done <- c.Serve(context.Background()) }()

	clientNegotiateGo(t, clientConn, "e1")

	buf := make([]byte, 1)
	_, err := clientConn.Read(buf)
	if err == nil {
		t.Fatal("expected connection to close after failed storage open")
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}
