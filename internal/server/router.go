// Package server implements the line-oriented TCP protocol clients use to
// open and read views.
//
// Every request is one line: a command word followed by its arguments.
// Replies are "OK [payload]", "ERR <message>" or "PONG". Arguments that
// can hold spaces or newlines (queries, vCards, ID lists) are JSON. Count
// changes of watched views are pushed as "EVENT <json>" lines between
// replies.
package server

import (
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/celerix-dev/celerix-addressbook/internal/addressbook"
	"github.com/celerix-dev/celerix-addressbook/internal/metrics"
)

const transport = "tcp"

// Options tunes the router. Zero values pick the defaults.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// MaxConnections bounds concurrently served connections. Default 100.
	MaxConnections int
	// IdleTimeout closes connections that send nothing for that long.
	// Default 5 minutes.
	IdleTimeout time.Duration
	// RequestTimeout bounds how long a read waits for a view pass. Default 30s.
	RequestTimeout time.Duration
	// MaxLineBytes bounds one command line. Longer lines end the connection.
	// Default 1 MiB.
	MaxLineBytes int
}

type Router struct {
	book    *addressbook.AddressBook
	logger  *slog.Logger
	metrics *metrics.Metrics
	opts    Options
	cert    *tls.Certificate

	mu       sync.Mutex
	listener net.Listener
	stopped  bool
	sessions map[*session]struct{}
	wg       sync.WaitGroup
}

func NewRouter(book *addressbook.AddressBook, opts Options) *Router {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 100
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 5 * time.Minute
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.MaxLineBytes <= 0 {
		opts.MaxLineBytes = 1 << 20
	}
	return &Router{
		book:     book,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		opts:     opts,
		sessions: make(map[*session]struct{}),
	}
}

// SetCertificate sets the TLS certificate for the router
func (r *Router) SetCertificate(cert tls.Certificate) {
	r.cert = &cert
}

// Listen starts the TCP server on port and serves until Stop.
func (r *Router) Listen(port string) error {
	var listener net.Listener
	var err error

	if r.cert != nil {
		config := &tls.Config{Certificates: []tls.Certificate{*r.cert}, MinVersion: tls.VersionTLS12}
		listener, err = tls.Listen("tcp", ":"+port, config)
	} else {
		listener, err = net.Listen("tcp", ":"+port)
	}
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		listener.Close()
		return nil
	}
	r.listener = listener
	r.mu.Unlock()
	r.logger.Info("line protocol listening", "addr", listener.Addr().String(), "tls", r.cert != nil)

	semaphore := make(chan struct{}, r.opts.MaxConnections)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if r.isStopped() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			r.logger.Warn("accept failed", "error", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		r.wg.Add(1)
		go func(c net.Conn) {
			defer r.wg.Done()
			semaphore <- struct{}{}
			defer func() {
				<-semaphore
				c.Close()
			}()
			r.HandleConnection(c)
		}(conn)
	}
}

// Addr returns the listening address, nil before Listen has bound.
func (r *Router) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

func (r *Router) isStopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

// Stop closes the listener and every open connection, then waits for the
// connection handlers to return.
func (r *Router) Stop() error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	var err error
	if r.listener != nil {
		err = r.listener.Close()
	}
	for s := range r.sessions {
		s.conn.Close()
	}
	r.mu.Unlock()

	r.wg.Wait()
	return err
}

// HandleConnection serves one client until it quits, goes idle or the
// router stops. The views the client opened are closed on return.
func (r *Router) HandleConnection(conn net.Conn) {
	s := newSession(r, conn)

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.sessions[s] = struct{}{}
	r.mu.Unlock()
	r.metrics.ConnectionOpened(transport)

	defer func() {
		s.close()
		r.mu.Lock()
		delete(r.sessions, s)
		r.mu.Unlock()
		r.metrics.ConnectionClosed(transport)
	}()

	s.serve()
}
