package socks5

import (
	"context"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Server listens for SOCKS5 control connections and drives each one
// through a session.
type Server struct {
	cfg *Config
	log zerolog.Logger

	mu       sync.Mutex
	listener *net.TCPListener
	doneChan chan struct{}
	sessions sync.WaitGroup
	serveErr error
}

// NewServer builds a Server for bindIP:port with this module's
// default timeouts. It opens no socket and never fails on a bind
// error; Start binds the listening socket and begins accepting.
func NewServer(bindIP string, port uint16) (*Server, error) {
	return NewServerWithConfig(DefaultConfig(bindIP, port))
}

// NewServerWithConfig builds a Server from an explicit Config, e.g.
// one loaded with LoadConfig.
func NewServerWithConfig(cfg *Config) (*Server, error) {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	if !cfg.Debug {
		log = log.Level(zerolog.InfoLevel)
	}
	return &Server{cfg: cfg, log: log}, nil
}

// Start binds the listening socket and begins accepting connections
// on a background goroutine. It returns once the socket is bound, so
// callers learn immediately whether the bind failed.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.BindIP, strconv.Itoa(int(s.cfg.Port)))
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return err
	}

	listener, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = listener
	s.doneChan = make(chan struct{})
	s.mu.Unlock()

	s.log.Info().Str("addr", listener.Addr().String()).Msg("socks5 server listening")
	go s.acceptLoop(listener)
	return nil
}

// acceptLoop is the teacher's exponential-backoff accept retry loop,
// generalized to dispatch into a session rather than the old
// negotiation/request/handler pipeline.
func (s *Server) acceptLoop(listener *net.TCPListener) {
	var tempDelay time.Duration
	for {
		conn, err := listener.AcceptTCP()
		if err != nil {
			select {
			case <-s.getDoneChan():
				s.setServeErr(ErrServerClosed)
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := 1 * time.Second; tempDelay > max {
					tempDelay = max
				}
				s.log.Warn().Err(err).Dur("retry_in", tempDelay).Msg("accept error")
				time.Sleep(tempDelay)
				continue
			}
			s.log.Error().Err(err).Msg("accept loop exiting")
			s.setServeErr(err)
			return
		}

		s.sessions.Add(1)
		go func() {
			defer s.sessions.Done()
			sess := newSession(conn, s.cfg, s.log)
			sess.serve()
		}()
	}
}

func (s *Server) setServeErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serveErr = err
}

// Err returns the reason the accept loop stopped running: nil while
// still accepting, ErrServerClosed after a graceful Shutdown, or the
// listener error that ended the loop otherwise.
func (s *Server) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serveErr
}

// Shutdown stops accepting new connections and waits for in-flight
// sessions to finish, or for ctx to be done, whichever comes first.
// It does not forcibly close active client sockets: sessions end on
// their own once their relay loop completes or times out.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.doneChan != nil {
		close(s.doneChan)
	}
	listener := s.listener
	s.mu.Unlock()

	if listener != nil {
		listener.Close()
	}

	waitDone := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(waitDone)
	}()

	select {
	case <-waitDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) getDoneChan() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doneChan
}
