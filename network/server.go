package network

import (
	"errors"
	"fmt"
	"net"
	"sync"
)

// Server accepts inbound TCP sockets. Handshakes run on the manager's links,
// not here, so any number of sockets may be accepted concurrently.
type Server struct {
	listener net.Listener

	incoming chan net.Conn
	errs     chan error

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts a TCP listener and accept loop.
func Listen(address string) (*Server, error) {
	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	server := &Server{
		listener: listener,
		incoming: make(chan net.Conn, 16),
		errs:     make(chan error, 16),
		closed:   make(chan struct{}),
	}

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Incoming returns accepted sockets.
func (s *Server) Incoming() <-chan net.Conn {
	return s.incoming
}

// Errors returns asynchronous accept errors.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Close stops accepting and closes all server channels. Accepted sockets not
// yet taken from Incoming are closed.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()
		s.wg.Wait()
		close(s.incoming)
		for conn := range s.incoming {
			_ = conn.Close()
		}
		close(s.errs)
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}

			s.reportError(fmt.Errorf("accept connection: %w", err))
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		select {
		case s.incoming <- conn:
		case <-s.closed:
			_ = conn.Close()
			return
		}
	}
}

func (s *Server) reportError(err error) {
	if err == nil {
		return
	}

	// Accept loop shutdown produces expected net.ErrClosed errors.
	if errors.Is(err, net.ErrClosed) {
		return
	}

	select {
	case s.errs <- err:
	default:
	}
}
