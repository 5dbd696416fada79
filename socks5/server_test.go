package socks5

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestServerStartAndShutdown(t *testing.T) {
	server, err := NewServer("127.0.0.1", 0)
	require.NoError(t, err)
	require.NoError(t, server.Start())

	addr := server.listener.Addr().String()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, server.Shutdown(ctx))

	_, err = net.Dial("tcp", addr)
	require.Error(t, err)
}

func TestServerShutdownWaitsForActiveSession(t *testing.T) {
	cfg := DefaultConfig("127.0.0.1", 0)
	cfg.HandshakeTimeout = 1 * time.Second
	server, err := NewServerWithConfig(cfg)
	require.NoError(t, err)
	require.NoError(t, server.Start())

	conn, err := net.Dial("tcp", server.listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	// Give the accept loop a moment to register the session before
	// Shutdown starts waiting on it.
	time.Sleep(100 * time.Millisecond)

	shutdownDone := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		shutdownDone <- server.Shutdown(ctx)
	}()

	// The client stays idle past the 1s handshake timeout, so the
	// session exits on its own and Shutdown returns.
	select {
	case err := <-shutdownDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not complete after the idle session timed out")
	}
}
