package socks5

import (
	"fmt"
	"io"
	"net"
	"time"
)

// Connect drives conn through the no-authentication SOCKS5 handshake
// (RFC 1928 section 3) and issues a CONNECT request for host:port
// (section 4). On success it returns the bound address the server
// reported and leaves conn ready for the caller to read/write the
// relayed TCP stream. On failure it returns the error without closing
// conn; the caller decides what to do with a half-negotiated socket.
func Connect(conn net.Conn, host string, port uint16, timeout time.Duration) (Address, error) {
	if err := sendGreeting(conn, timeout); err != nil {
		return Address{}, fmt.Errorf("greeting: %w", err)
	}
	if err := recvMethodSelection(conn, timeout); err != nil {
		return Address{}, fmt.Errorf("method selection: %w", err)
	}

	target, err := addressFromHostPort(host, port)
	if err != nil {
		return Address{}, fmt.Errorf("target address: %w", err)
	}
	if err := sendRequest(conn, CmdConnect, target, timeout); err != nil {
		return Address{}, fmt.Errorf("request: %w", err)
	}

	return recvReply(conn, timeout)
}

// UDPAssociate drives conn through the handshake and issues a
// UDP_ASSOCIATE request, returning the server's bound UDP endpoint.
// The caller is then responsible for sending and receiving
// SOCKS5-encapsulated datagrams to and from that endpoint while conn
// stays open.
func UDPAssociate(conn net.Conn, timeout time.Duration) (Address, error) {
	if err := sendGreeting(conn, timeout); err != nil {
		return Address{}, fmt.Errorf("greeting: %w", err)
	}
	if err := recvMethodSelection(conn, timeout); err != nil {
		return Address{}, fmt.Errorf("method selection: %w", err)
	}
	if err := sendRequest(conn, CmdUDPAssociate, placeholderAddress, timeout); err != nil {
		return Address{}, fmt.Errorf("request: %w", err)
	}
	return recvReply(conn, timeout)
}

func sendGreeting(conn net.Conn, timeout time.Duration) error {
	if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	_, err := conn.Write([]byte{Version, 1, MethodNoAuth})
	return err
}

func recvMethodSelection(conn net.Conn, timeout time.Duration) error {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	var reply [2]byte
	if _, err := io.ReadFull(conn, reply[:]); err != nil {
		return err
	}
	if reply[0] != Version {
		return ErrInvalidVersion
	}
	if reply[1] != MethodNoAuth {
		return ErrNoAcceptableAuth
	}
	return nil
}

func sendRequest(conn net.Conn, cmd byte, target Address, timeout time.Duration) error {
	addrBytes, err := encodeAddress(target)
	if err != nil {
		return err
	}
	req := make([]byte, 0, 3+len(addrBytes))
	req = append(req, Version, cmd, 0x00)
	req = append(req, addrBytes...)

	if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	_, err = conn.Write(req)
	return err
}

func recvReply(conn net.Conn, timeout time.Duration) (Address, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return Address{}, err
	}
	var prefix [4]byte
	if _, err := io.ReadFull(conn, prefix[:]); err != nil {
		return Address{}, err
	}
	hdr, err := decodeRequestPrefix(prefix[:])
	if err != nil {
		return Address{}, err
	}

	bound, _, err := decodeAddress(hdr.atyp, conn)
	if err != nil {
		return Address{}, err
	}
	if hdr.cmd != ReplySucceeded {
		return Address{}, fmt.Errorf("socks5: server replied with code %#02x", hdr.cmd)
	}
	return bound, nil
}

func addressFromHostPort(host string, port uint16) (Address, error) {
	if ip := net.ParseIP(host); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			return Address{Kind: AddrIPv4, IP: ip4, Port: port}, nil
		}
		return Address{Kind: AddrIPv6, IP: ip.To16(), Port: port}, nil
	}
	if len(host) == 0 || len(host) > maxDomainLen {
		return Address{}, ErrInvalidFormat
	}
	return Address{Kind: AddrDomain, Domain: host, Port: port}, nil
}
