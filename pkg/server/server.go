package server

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/marmos91/blockcdp/internal/logger"
	"github.com/marmos91/blockcdp/pkg/config"
	"github.com/marmos91/blockcdp/pkg/transport"
)

// Ctx carries one accepted connection through its handler.
type Ctx struct {
	Conn     net.Conn
	Pkt      *transport.Packet
	ClientID string
	Protocol string

	// SentOk is set once the handler has sent the "ok" preamble;
	// after that point errors are no longer forwarded to the peer.
	SentOk bool
}

// WriteOk sends the success preamble.
func (c *Ctx) WriteOk() error {
	if err := c.Pkt.WriteString(MsgOk); err != nil {
		return err
	}
	c.SentOk = true
	return nil
}

// WriteErr sends an error reply in place of the preamble.
func (c *Ctx) WriteErr(msg string) error {
	c.SentOk = true
	return c.Pkt.WriteString(msg)
}

// Handler serves one protocol on one connection.
type Handler func(ctx *Ctx) error

// Server is the daemon front end: it accepts connections, performs
// the handshake, and dispatches on protocol name. Handlers for the
// protocol map are registered by the daemon (storage, proxy, or
// archive) before Serve.
type Server struct {
	cfg      config.Config
	hostType string
	handlers map[string]Handler

	listener atomic.Pointer[net.Listener]
	sem      chan struct{}
	wg       sync.WaitGroup

	quit         atomic.Bool
	forceQuit    atomic.Bool
	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New builds a server for one daemon kind.
func New(cfg config.Config, hostType string) *Server {
	return &Server{
		cfg:        cfg,
		hostType:   hostType,
		handlers:   make(map[string]Handler),
		sem:        make(chan struct{}, cfg.MaxConnections),
		shutdownCh: make(chan struct{}),
	}
}

// Config returns the daemon configuration.
func (s *Server) Config() config.Config { return s.cfg }

// HostType returns the daemon kind.
func (s *Server) HostType() string { return s.hostType }

// Register adds a protocol handler. Panics on duplicates, which are
// programming errors in daemon setup.
func (s *Server) Register(name string, h Handler) {
	if _, dup := s.handlers[name]; dup {
		panic(fmt.Sprintf("duplicate protocol handler %q", name))
	}
	s.handlers[name] = h
}

// RequestShutdown asks the accept loop to stop by closing the
// listener; Serve still waits for in-flight handlers. Force
// additionally flags long loops to bail out.
func (s *Server) RequestShutdown(force bool) {
	if force {
		s.forceQuit.Store(true)
	}
	s.quit.Store(true)
	s.shutdownOnce.Do(func() {
		close(s.shutdownCh)
		if ln := s.listener.Load(); ln != nil {
			(*ln).Close()
		}
	})
}

// ShuttingDown reports whether a shutdown was requested.
func (s *Server) ShuttingDown() bool { return s.quit.Load() }

// ForceQuit reports whether a force shutdown was requested.
func (s *Server) ForceQuit() bool { return s.forceQuit.Load() }

// Done is closed once shutdown is requested.
func (s *Server) Done() <-chan struct{} { return s.shutdownCh }

// Addr returns the bound listen address once Serve is up, empty
// before that. Useful with an ephemeral port in tests.
func (s *Server) Addr() string {
	if ln := s.listener.Load(); ln != nil {
		return (*ln).Addr().String()
	}
	return ""
}

// Serve accepts connections until shutdown is requested, then waits
// for in-flight handlers.
func (s *Server) Serve() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
	}
	s.listener.Store(&ln)
	if s.quit.Load() {
		// Shutdown raced the listen; close and bail out.
		ln.Close()
		return nil
	}
	logger.Info("daemon listening",
		logger.KeyServerID, s.cfg.NodeID, logger.KeyAddr, s.cfg.Listen, "host_type", s.hostType)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.quit.Load() {
				break
			}
			logger.Warn("accept failed", logger.KeyError, err.Error())
			continue
		}
		s.sem <- struct{}{}
		s.wg.Add(1)
		go func() {
			defer func() {
				<-s.sem
				s.wg.Done()
			}()
			s.serveConn(conn)
		}()
	}

	s.wg.Wait()
	logger.Info("daemon stopped", logger.KeyServerID, s.cfg.NodeID)
	return nil
}

// Refresh pushes the connection deadlines forward; long-running
// handlers call this between bulk chunks.
func (s *Server) Refresh(conn net.Conn) error {
	return s.socketOptions().Refresh(conn)
}

// socketOptions converts the config into transport options.
func (s *Server) socketOptions() transport.SocketOptions {
	return transport.SocketOptions{
		ConnectTimeout: s.cfg.Socket.ConnectTimeout,
		ReadTimeout:    s.cfg.Socket.ReadTimeout,
		WriteTimeout:   s.cfg.Socket.WriteTimeout,
		KeepAlive:      s.cfg.Socket.KeepAlive,
		KeepAliveIdle:  s.cfg.Socket.KeepAliveIdle,
		KeepAliveIntvl: s.cfg.Socket.KeepAliveIntvl,
		KeepAliveCount: s.cfg.Socket.KeepAliveCount,
	}
}

// serveConn runs the handshake and one protocol under the uniform
// top-level guard: errors are logged with the connection identity,
// forwarded to the peer when the preamble has not been sent yet, and
// always end with a socket close.
func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	if err := s.socketOptions().Apply(conn); err != nil {
		logger.Warn("socket options", logger.KeyError, err.Error())
	}

	ctx, err := s.handshake(conn)
	if err != nil {
		logger.Warn("handshake failed",
			logger.KeyAddr, conn.RemoteAddr().String(), logger.KeyError, err.Error())
		return
	}

	handler := s.handlers[ctx.Protocol]
	if handler == nil {
		msg := fmt.Sprintf("unknown protocol %q", ctx.Protocol)
		_ = ctx.Pkt.WriteString(msg)
		logger.Warn("protocol rejected",
			logger.KeyClientID, ctx.ClientID, logger.KeyProtocol, ctx.Protocol)
		return
	}
	if err := ctx.Pkt.WriteString(MsgOk); err != nil {
		return
	}

	if err := handler(ctx); err != nil {
		logger.Error("protocol failed",
			logger.KeyClientID, ctx.ClientID,
			logger.KeyProtocol, ctx.Protocol,
			logger.KeyError, err.Error())
		if !ctx.SentOk {
			_ = ctx.Pkt.WriteString(err.Error())
		}
		return
	}
	logger.Debug("protocol done",
		logger.KeyClientID, ctx.ClientID, logger.KeyProtocol, ctx.Protocol)
}

// handshake reads clientId, protocolName, and the version tuple, then
// answers with the server id. A version mismatch disconnects after an
// error string.
func (s *Server) handshake(conn net.Conn) (*Ctx, error) {
	pkt := transport.NewPacket(conn)
	clientID, err := pkt.ReadString()
	if err != nil {
		return nil, err
	}
	protocol, err := pkt.ReadString()
	if err != nil {
		return nil, err
	}
	version, err := pkt.ReadUint32()
	if err != nil {
		return nil, err
	}
	if err := pkt.WriteString(s.cfg.NodeID); err != nil {
		return nil, err
	}
	if version != transport.ProtocolVersion {
		msg := fmt.Sprintf("version mismatch: client %d server %d", version, transport.ProtocolVersion)
		_ = pkt.WriteString(msg)
		return nil, errors.New(msg)
	}
	return &Ctx{
		Conn:     conn,
		Pkt:      pkt,
		ClientID: clientID,
		Protocol: protocol,
	}, nil
}
