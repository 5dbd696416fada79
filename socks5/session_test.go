package socks5

import (
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func testConfig() *Config {
	return &Config{
		BindIP:           "127.0.0.1",
		HandshakeTimeout: 2 * time.Second,
		IdleTimeout:      2 * time.Second,
	}
}

// dialSession starts a session on the server side of a real TCP
// loopback connection and returns the client side for the test to
// drive.
func dialSession(t *testing.T) (client net.Conn, done chan struct{}) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done = make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		ln.Close()
		if err != nil {
			close(done)
			return
		}
		sess := newSession(conn, testConfig(), zerolog.Nop())
		sess.serve()
		close(done)
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	return client, done
}

func TestSessionConnectSucceeds(t *testing.T) {
	upstream, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer upstream.Close()

	upstreamAccepted := make(chan net.Conn, 1)
	go func() {
		conn, err := upstream.Accept()
		if err == nil {
			upstreamAccepted <- conn
		}
	}()

	client, done := dialSession(t)
	defer client.Close()

	_, err = client.Write([]byte{Version, 1, MethodNoAuth})
	require.NoError(t, err)

	methodReply := make([]byte, 2)
	_, err = readFull(client, methodReply)
	require.NoError(t, err)
	require.Equal(t, []byte{Version, MethodNoAuth}, methodReply)

	upstreamAddr := upstream.Addr().(*net.TCPAddr)
	req := buildConnectRequest(upstreamAddr.IP, uint16(upstreamAddr.Port))
	_, err = client.Write(req)
	require.NoError(t, err)

	reply := make([]byte, 10)
	_, err = readFull(client, reply)
	require.NoError(t, err)
	require.Equal(t, byte(ReplySucceeded), reply[1])

	select {
	case conn := <-upstreamAccepted:
		conn.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("upstream never accepted the relayed connection")
	}

	client.Close()
	<-done
}

func TestSessionRejectsBadVersion(t *testing.T) {
	client, done := dialSession(t)
	defer client.Close()

	_, err := client.Write([]byte{0x04, 1, MethodNoAuth})
	require.NoError(t, err)

	buf := make([]byte, 1)
	n, _ := client.Read(buf)
	require.Equal(t, 0, n, "server must not reply to a bad version byte")

	<-done
}

func TestSessionUnsupportedAddressTypeGetsReply(t *testing.T) {
	client, done := dialSession(t)
	defer client.Close()

	_, err := client.Write([]byte{Version, 1, MethodNoAuth})
	require.NoError(t, err)
	methodReply := make([]byte, 2)
	_, err = readFull(client, methodReply)
	require.NoError(t, err)

	// request with an unsupported ATYP
	_, err = client.Write([]byte{Version, CmdConnect, 0x00, 0x7F})
	require.NoError(t, err)

	reply := make([]byte, 10)
	_, err = readFull(client, reply)
	require.NoError(t, err)
	require.Equal(t, byte(ReplyAddressTypeNotSupported), reply[1])

	<-done
}

func buildConnectRequest(ip net.IP, port uint16) []byte {
	ip4 := ip.To4()
	req := []byte{Version, CmdConnect, 0x00, ATYPIPv4}
	req = append(req, ip4...)
	req = append(req, byte(port>>8), byte(port))
	return req
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
