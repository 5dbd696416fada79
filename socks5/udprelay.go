package socks5

import (
	"context"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
)

// maxUDPDatagram is large enough for any SOCKS5 UDP relay datagram
// this module will receive or emit.
const maxUDPDatagram = 65535

// udpAssociation owns one ephemeral UDP socket and relays encapsulated
// datagrams (RFC 1928 section 7) between a client and resolved
// upstream targets, for the lifetime of the control TCP connection
// that requested it.
type udpAssociation struct {
	conn    *net.UDPConn
	control net.Conn

	clientIP   net.IP
	clientPort uint16 // 0 until learned from the first client-side datagram

	lastClientEndpoint *net.UDPAddr

	// dstCache is a strict one-slot cache: every miss flushes it
	// before storing the new entry, so at most one (host, port) ->
	// endpoint mapping is ever held. Keyed on the exact host string
	// plus port integer, no normalization.
	dstCache *gocache.Cache

	resolveTimeout time.Duration

	log       zerolog.Logger
	sessionID uuid.UUID
}

func newUDPAssociation(conn *net.UDPConn, control net.Conn, clientIP net.IP, resolveTimeout time.Duration, log zerolog.Logger, sessionID uuid.UUID) *udpAssociation {
	return &udpAssociation{
		conn:           conn,
		control:        control,
		clientIP:       clientIP,
		dstCache:       gocache.New(gocache.NoExpiration, gocache.NoExpiration),
		resolveTimeout: resolveTimeout,
		log:            log,
		sessionID:      sessionID,
	}
}

type udpRead struct {
	data []byte
	from *net.UDPAddr
	err  error
}

// run processes datagrams until the control connection closes or
// errors, at which point it returns and the caller closes the UDP
// socket. Datagrams are processed strictly sequentially: each one's
// effect (a forward, a drop, or a cache update) completes before the
// next is handled. The reader goroutine may already have received the
// next datagram, but it holds it until the current one is done.
func (a *udpAssociation) run() {
	udpReads := make(chan udpRead)
	ctrlDone := make(chan struct{})

	go func() {
		buf := make([]byte, maxUDPDatagram)
		for {
			n, from, err := a.conn.ReadFromUDP(buf)
			data := append([]byte(nil), buf[:n]...)
			select {
			case udpReads <- udpRead{data: data, from: from, err: err}:
			case <-ctrlDone:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	go func() {
		defer close(ctrlDone)
		var one [1]byte
		a.control.Read(one[:])
	}()

	for {
		select {
		case <-ctrlDone:
			a.log.Debug().Str("session", a.sessionID.String()).Msg("udp association closing: control connection closed")
			return
		case r := <-udpReads:
			if r.err != nil {
				return
			}
			a.handleDatagram(r.data, r.from)
		}
	}
}

func (a *udpAssociation) handleDatagram(data []byte, from *net.UDPAddr) {
	isClientSide := false
	if from.IP.Equal(a.clientIP) {
		if a.clientPort == 0 {
			a.clientPort = uint16(from.Port)
			isClientSide = true
		} else if uint16(from.Port) == a.clientPort {
			isClientSide = true
		}
	}

	if isClientSide {
		a.handleClientDatagram(data, from)
	} else {
		a.handleTargetDatagram(data, from)
	}
}

// handleClientDatagram parses the encapsulation header, resolves the
// destination (via the single-slot cache), and forwards the payload.
// Any structural problem causes a silent drop. clientPort above is
// already set by the time this runs, even if the datagram turns out
// to be malformed: the learning happens in handleDatagram before the
// header is ever parsed.
func (a *udpAssociation) handleClientDatagram(data []byte, from *net.UDPAddr) {
	a.lastClientEndpoint = from

	header, err := decodeUDPHeader(data)
	if err != nil {
		return
	}
	if header.Frag != 0 {
		return
	}

	endpoint, ok := a.resolveCached(header.Addr)
	if !ok {
		return
	}

	payload := data[header.HeaderLen:]
	a.conn.WriteToUDP(payload, net.UDPAddrFromAddrPort(endpoint))
}

// handleTargetDatagram builds a UDP header describing the sending
// target and relays header+payload to the last learned client
// endpoint. Dropped silently if no client has spoken yet.
func (a *udpAssociation) handleTargetDatagram(data []byte, from *net.UDPAddr) {
	if a.clientPort == 0 {
		return
	}

	addr, err := addressFromNetAddr(from)
	if err != nil {
		return
	}

	header, err := encodeUDPHeader(addr)
	if err != nil {
		return
	}

	datagram := make([]byte, 0, len(header)+len(data))
	datagram = append(datagram, header...)
	datagram = append(datagram, data...)
	a.conn.WriteToUDP(datagram, a.lastClientEndpoint)
}

// resolveCached looks up dst in the single-slot cache, resolving and
// replacing the slot on a miss. On resolution failure it invalidates
// the slot and reports a miss so the caller drops the datagram.
func (a *udpAssociation) resolveCached(dst Address) (netip.AddrPort, bool) {
	key := dst.Host() + "|" + strconv.Itoa(int(dst.Port))

	if cached, ok := a.dstCache.Get(key); ok {
		return cached.(netip.AddrPort), true
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.resolveTimeout)
	defer cancel()

	endpoints, err := resolveUDP(ctx, dst.Host(), dst.Port)
	if err != nil || len(endpoints) == 0 {
		a.dstCache.Flush()
		return netip.AddrPort{}, false
	}

	a.dstCache.Flush()
	a.dstCache.Set(key, endpoints[0], gocache.NoExpiration)
	return endpoints[0], true
}

// close tears down the UDP socket. Safe to call once the
// control connection has closed or the relay has otherwise exited.
func (a *udpAssociation) close() {
	a.conn.Close()
}
