package network

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
)

// Server accepts inbound links.
type Server struct {
	listener net.Listener
	opts     Options

	links chan *Link
	errs  chan error

	quit     chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup
}

// Listen binds address (":0" when empty) and starts accepting. Each inbound
// connection must complete the hello exchange within ConnectTimeout.
func Listen(address string, options Options) (*Server, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if address == "" {
		address = ":0"
	}

	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("network: listen on %q: %w", address, err)
	}

	s := &Server{
		listener: ln,
		opts:     opts,
		links:    make(chan *Link, 16),
		errs:     make(chan error, 16),
		quit:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.serve()
	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Port returns the bound TCP port.
func (s *Server) Port() int {
	if tcp, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// Links delivers inbound links that completed the hello exchange. It is
// closed by Close.
func (s *Server) Links() <-chan *Link {
	return s.links
}

// Errors reports refused or failed inbound attempts. Reports are dropped
// when nobody reads them. It is closed by Close.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Close stops accepting. Links already delivered stay open.
func (s *Server) Close() error {
	var err error
	s.quitOnce.Do(func() {
		close(s.quit)
		err = s.listener.Close()
		s.wg.Wait()
		close(s.links)
		close(s.errs)
	})
	return err
}

func (s *Server) serve() {
	defer s.wg.Done()

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = 5 * time.Millisecond
	retry.MaxInterval = time.Second
	retry.MaxElapsedTime = 0

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.stopping() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.report(fmt.Errorf("accept: %w", err))
			select {
			case <-time.After(retry.NextBackOff()):
				continue
			case <-s.quit:
				return
			}
		}
		retry.Reset()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.admit(conn)
		}()
	}
}

func (s *Server) admit(conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(s.opts.ConnectTimeout))
	remote, err := greet(conn, s.opts.Identity, false)
	if err == nil {
		err = conn.SetDeadline(time.Time{})
	}
	if err != nil {
		_ = conn.Close()
		s.report(fmt.Errorf("inbound from %s: %w", conn.RemoteAddr(), err))
		return
	}

	link := newLink(conn, remote, s.opts)
	select {
	case s.links <- link:
	case <-s.quit:
		_ = link.Close()
	}
}

func (s *Server) stopping() bool {
	select {
	case <-s.quit:
		return true
	default:
		return false
	}
}

func (s *Server) report(err error) {
	select {
	case s.errs <- err:
	default:
	}
}
