package nbd

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestListenServesAcceptedConnections(t *testing.T) {
	opener := &fakeOpener{storage: &fakeStorage{data: make(map[int64][]byte)}}
	ln, err := Listen("127.0.0.1:0", 1<<20, opener, discardLogger())
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	serveErr := make(chan error, 1)
	go func() { serveErr <- ln.Serve(ctx) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	exportSize := clientNegotiateGo(t, conn, "e1")
	if exportSize != 1<<20 {
		t.Fatalf("got export size %d", exportSize)
	}

	cancel()
	if err := ln.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	select {
	case err := <-serveErr:
		if err != nil {
			t.Fatalf("Serve returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}
}

func TestShutdownWaitsForInFlightConnections(t *testing.T) {
	opener := &fakeOpener{storage: &fakeStorage{data: make(map[int64][]byte)}}
	ln, err := Listen("127.0.0.1:0", 1<<20, opener, discardLogger())
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx := context.Background()
	go ln.Serve(ctx)

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	clientNegotiateGo(t, conn, "e1")

	shutdownDone := make(chan error, 1)
	go func() { shutdownDone <- ln.Shutdown() }()

	sendCommand(t, conn, NBD_CMD_DISC, 1, 0, 0)
	conn.Close()

	select {
	case err := <-shutdownDone:
		if err != nil {
			t.Fatalf("Shutdown returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not return")
	}
}
