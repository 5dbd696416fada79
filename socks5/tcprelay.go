package socks5

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// defaultIdleTimeout is the per-read, per-write deadline applied
// inside the TCP relay when a Server isn't given an explicit Config.
const defaultIdleTimeout = 300 * time.Second

// relayBufferSize bounds a single read/write in the relay pump; tests
// may assume read granularity up to but not exceeding this bound.
const relayBufferSize = 8192

// relayTCP bridges a and b bidirectionally until both directions have
// terminated. It never returns an error: EOF, timeout, and reset are
// all normal completion. When either direction terminates it closes
// both sockets so the other direction unblocks on its next read or
// write.
func relayTCP(a, b net.Conn, idle time.Duration, log zerolog.Logger, sessionID uuid.UUID) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		pumpDirection(a, b, idle)
	}()
	go func() {
		defer wg.Done()
		pumpDirection(b, a, idle)
	}()

	wg.Wait()
	a.Close()
	b.Close()
	log.Debug().Str("session", sessionID.String()).Msg("tcp relay finished")
}

// pumpDirection copies from src to dst until a read or write fails,
// times out, or src reaches EOF. On any termination it closes both
// ends so the peer direction unblocks too.
func pumpDirection(src, dst net.Conn, idle time.Duration) {
	defer src.Close()
	defer dst.Close()

	buf := make([]byte, relayBufferSize)
	for {
		if err := src.SetReadDeadline(time.Now().Add(idle)); err != nil {
			return
		}
		n, err := src.Read(buf)
		if n == 0 || err != nil {
			return
		}

		if err := dst.SetWriteDeadline(time.Now().Add(idle)); err != nil {
			return
		}
		if _, err := dst.Write(buf[:n]); err != nil {
			return
		}
	}
}
