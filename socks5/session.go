package socks5

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// defaultHandshakeTimeout bounds every read and write during the
// method selection and request negotiation (RFC 1928 sections 3 and
// 4) when a Server isn't given an explicit Config.
const defaultHandshakeTimeout = 10 * time.Second

// session drives a single accepted control connection through the
// SOCKS5 handshake and request phases, then dispatches to the TCP or
// UDP relay. It owns exactly one client socket and at most one
// upstream resource.
type session struct {
	id     uuid.UUID
	client net.Conn
	log    zerolog.Logger

	handshakeTimeout time.Duration
	idleTimeout      time.Duration
}

func newSession(client net.Conn, cfg *Config, log zerolog.Logger) *session {
	id := uuid.New()
	return &session{
		id:               id,
		client:           client,
		log:              log.With().Str("session", id.String()).Str("remote", client.RemoteAddr().String()).Logger(),
		handshakeTimeout: cfg.HandshakeTimeout,
		idleTimeout:      cfg.IdleTimeout,
	}
}

// serve runs the session to completion. It never panics and never
// leaves the client socket open: every return path closes it.
func (s *session) serve() {
	defer s.client.Close()

	if err := s.negotiateAuth(); err != nil {
		s.log.Debug().Err(err).Msg("handshake failed")
		return
	}

	cmd, addr, err := s.readRequest()
	if err != nil {
		s.log.Debug().Err(err).Msg("request read failed")
		return
	}

	switch cmd {
	case CmdConnect:
		s.handleConnect(addr)
	case CmdUDPAssociate:
		s.handleUDPAssociate()
	default:
		s.log.Warn().Uint8("cmd", cmd).Msg("unsupported command")
		s.sendErrorReply(ErrUnsupportedCommand)
	}
}

// negotiateAuth drives the version identifier/method selection
// exchange (RFC 1928 section 3). A version mismatch on the very first
// byte closes with no reply: there is no version yet to echo back.
func (s *session) negotiateAuth() error {
	var verBuf [1]byte
	if err := s.readDeadline(verBuf[:], s.handshakeTimeout); err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	if verBuf[0] != Version {
		return ErrInvalidVersion
	}

	var nmethodsBuf [1]byte
	if err := s.readDeadline(nmethodsBuf[:], s.handshakeTimeout); err != nil {
		return fmt.Errorf("read nmethods: %w", err)
	}

	methods := make([]byte, nmethodsBuf[0])
	if nmethodsBuf[0] > 0 {
		if err := s.readDeadline(methods, s.handshakeTimeout); err != nil {
			return fmt.Errorf("read methods: %w", err)
		}
	}

	greeting, err := decodeGreeting(nmethodsBuf[0], methods)
	if err != nil {
		return fmt.Errorf("decode greeting: %w", err)
	}

	if !slices.Contains(greeting.Methods, MethodNoAuth) {
		s.writeDeadline(encodeMethodSelection(MethodNoAcceptableMethods), s.handshakeTimeout)
		return ErrNoAcceptableAuth
	}

	return s.writeDeadline(encodeMethodSelection(MethodNoAuth), s.handshakeTimeout)
}

// readRequest reads and decodes the request frame. It returns the
// command and target address; the caller has not yet sent any reply.
//
// A malformed address (unsupported ATYP, zero-length domain) is a
// structural protocol error rather than a transport failure, so this
// already owes the client an error reply, sent here before returning
// the error: X'08' ADDRESS TYPE NOT SUPPORTED for an unsupported ATYP,
// X'01' general failure for a zero-length domain (RFC 1928 section 6). A
// transport-level failure (timeout, EOF, short read) owes no reply:
// the request was never successfully parsed.
func (s *session) readRequest() (byte, Address, error) {
	var prefix [4]byte
	if err := s.readDeadline(prefix[:], s.handshakeTimeout); err != nil {
		return 0, Address{}, fmt.Errorf("read request prefix: %w", err)
	}

	hdr, err := decodeRequestPrefix(prefix[:])
	if err != nil {
		return 0, Address{}, err
	}

	if err := s.client.SetReadDeadline(time.Now().Add(s.handshakeTimeout)); err != nil {
		return 0, Address{}, err
	}
	addr, _, err := decodeAddress(hdr.atyp, s.client)
	if err != nil {
		if errors.Is(err, ErrUnsupportedAddressType) || errors.Is(err, ErrInvalidFormat) {
			s.sendErrorReply(err)
		}
		return 0, Address{}, err
	}

	return hdr.cmd, addr, nil
}

// handleConnect implements the CONNECT command (RFC 1928 section 4):
// resolve, dial, reply, relay.
func (s *session) handleConnect(target Address) {
	ctx, cancel := context.WithTimeout(context.Background(), s.handshakeTimeout)
	defer cancel()

	endpoints, err := resolveTCP(ctx, target.Host(), target.Port)
	if err != nil {
		s.log.Debug().Err(err).Str("target", target.String()).Msg("resolve failed")
		s.sendErrorReply(ErrHostUnreachable)
		return
	}

	dialer := net.Dialer{Timeout: s.handshakeTimeout}
	upstream, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(endpoints[0].Addr().String(), fmt.Sprint(endpoints[0].Port())))
	if err != nil {
		s.log.Debug().Err(err).Str("target", target.String()).Msg("dial failed")
		s.sendErrorReply(ErrConnectionRefused)
		return
	}
	defer upstream.Close()

	bound, err := addressFromNetAddr(upstream.LocalAddr())
	if err != nil {
		bound = placeholderAddress
	}
	if err := s.sendReply(ReplySucceeded, bound); err != nil {
		return
	}

	s.log.Debug().Str("target", target.String()).Msg("connect succeeded, entering tcp relay")
	relayTCP(s.client, upstream, s.idleTimeout, s.log, s.id)
}

// handleUDPAssociate implements the UDP ASSOCIATE command (RFC 1928
// sections 4 and 7): open an ephemeral UDP socket on the control
// connection's address family, reply, then run the UDP relay until
// the control connection closes.
func (s *session) handleUDPAssociate() {
	localAddr, ok := s.client.LocalAddr().(*net.TCPAddr)
	if !ok {
		s.sendErrorReply(ErrConnectionFailed)
		return
	}

	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: localAddr.IP, Port: 0})
	if err != nil {
		s.log.Debug().Err(err).Msg("udp listen failed")
		s.sendErrorReply(ErrConnectionFailed)
		return
	}
	defer udpConn.Close()

	bound, err := addressFromNetAddr(udpConn.LocalAddr())
	if err != nil {
		bound = placeholderAddress
	}
	if err := s.sendReply(ReplySucceeded, bound); err != nil {
		return
	}

	remoteAddr, ok := s.client.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return
	}

	s.log.Debug().Str("bound", bound.String()).Msg("udp associate succeeded, entering udp relay")
	assoc := newUDPAssociation(udpConn, s.client, remoteAddr.IP, s.handshakeTimeout, s.log, s.id)
	assoc.run()
}

// sendErrorReply sends exactly one error reply mapped from err, with
// the fixed 0.0.0.0:0 placeholder address (RFC 1928 section 6).
// Callers only reach this after the request prefix has been parsed.
func (s *session) sendErrorReply(err error) {
	_ = s.sendReply(replyCodeFor(err), placeholderAddress)
}

func (s *session) sendReply(code byte, bound Address) error {
	frame, err := encodeReply(code, bound)
	if err != nil {
		frame, _ = encodeReply(code, placeholderAddress)
	}
	return s.writeDeadline(frame, s.handshakeTimeout)
}

func (s *session) readDeadline(buf []byte, d time.Duration) error {
	if err := s.client.SetReadDeadline(time.Now().Add(d)); err != nil {
		return err
	}
	_, err := io.ReadFull(s.client, buf)
	return err
}

func (s *session) writeDeadline(buf []byte, d time.Duration) error {
	if err := s.client.SetWriteDeadline(time.Now().Add(d)); err != nil {
		return err
	}
	_, err := s.client.Write(buf)
	return err
}
