package socks5

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConnectAgainstRealServer(t *testing.T) {
	upstream, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer upstream.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := upstream.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	server, err := NewServer("127.0.0.1", 0)
	require.NoError(t, err)
	require.NoError(t, server.Start())
	defer server.listener.Close()

	conn, err := net.Dial("tcp", server.listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	upstreamAddr := upstream.Addr().(*net.TCPAddr)
	bound, err := Connect(conn, upstreamAddr.IP.String(), uint16(upstreamAddr.Port), 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, AddrIPv4, bound.Kind)

	select {
	case upConn := <-accepted:
		upConn.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("upstream never saw the relayed connection")
	}
}

func TestConnectRejectsUnreachableTarget(t *testing.T) {
	server, err := NewServer("127.0.0.1", 0)
	require.NoError(t, err)
	require.NoError(t, server.Start())
	defer server.listener.Close()

	conn, err := net.Dial("tcp", server.listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	// nothing listens here
	_, err = Connect(conn, "127.0.0.1", 1, 5*time.Second)
	require.Error(t, err)
}
