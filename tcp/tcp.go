// Package tcp serves DLMS sessions over TCP, one session per accepted connection.
package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cybroslabs/libdlms-server-go/base"
	"github.com/cybroslabs/libdlms-server-go/capture"
	"go.uber.org/zap"
)

type Config struct {
	Address string
	// IdleTimeout drops a connection without traffic, zero disables it.
	IdleTimeout    time.Duration
	MaxConnections int
}

func DefaultConfig() Config {
	return Config{
		Address:        ":4059",
		IdleTimeout:    2 * time.Minute,
		MaxConnections: 16,
	}
}

// Stats are counters over the life of the listener.
type Stats struct {
	TotalConnections  atomic.Uint64
	ActiveConnections atomic.Int64
	BytesReceived     atomic.Uint64
	BytesSent         atomic.Uint64
	Rejects           atomic.Uint64
}

type Listener struct {
	config   Config
	factory  base.HandlerFactory
	capture  *capture.Writer
	listener net.Listener

	connMu sync.Mutex
	conns  map[net.Conn]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	stats  Stats
	logger *zap.SugaredLogger
}

func New(config Config, factory base.HandlerFactory) *Listener {
	return &Listener{
		config:  config,
		factory: factory,
		conns:   make(map[net.Conn]struct{}),
	}
}

func (l *Listener) SetLogger(logger *zap.SugaredLogger) {
	l.logger = logger
}

// SetCapture records the traffic of every session, it has to be called before Start.
func (l *Listener) SetCapture(w *capture.Writer) {
	l.capture = w
}

func (l *Listener) logf(format string, v ...any) {
	if l.logger != nil {
		l.logger.Infof(format, v...)
	}
}

func (l *Listener) dlogf(format string, v ...any) {
	if l.logger != nil {
		l.logger.Debugf(format, v...)
	}
}

// Start listens and accepts connections until ctx is done or Stop is called.
func (l *Listener) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", l.config.Address)
	if err != nil {
		return fmt.Errorf("listen on %s failed: %w", l.config.Address, err)
	}
	l.listener = listener
	l.ctx, l.cancel = context.WithCancel(ctx)
	l.logf("listening on %s", listener.Addr())

	l.wg.Add(2)
	go l.acceptLoop()
	go func() {
		defer l.wg.Done()
		<-l.ctx.Done()
		_ = l.listener.Close()
		l.connMu.Lock()
		for c := range l.conns {
			_ = c.Close()
		}
		l.connMu.Unlock()
	}()
	return nil
}

// Addr is the bound address, useful with port 0.
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Stop closes the listener and every connection and waits for the sessions to end.
func (l *Listener) Stop() {
	if l.cancel == nil {
		return
	}
	l.cancel()
	l.wg.Wait()
	l.logf("stopped, connections: %d, bytes incoming: %d, outgoing: %d, rejects: %d",
		l.stats.TotalConnections.Load(), l.stats.BytesReceived.Load(), l.stats.BytesSent.Load(), l.stats.Rejects.Load())
}

func (l *Listener) Stats() *Stats {
	return &l.stats
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if l.ctx.Err() != nil {
				return
			}
			l.logf("accept failed: %v", err)
			continue
		}
		if l.config.MaxConnections > 0 && l.stats.ActiveConnections.Load() >= int64(l.config.MaxConnections) {
			l.logf("too many connections, rejecting %s", conn.RemoteAddr())
			_ = conn.Close()
			continue
		}
		if !l.track(conn) {
			_ = conn.Close()
			return
		}
		l.stats.TotalConnections.Add(1)
		l.stats.ActiveConnections.Add(1)

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.serve(conn)
			l.connMu.Lock()
			delete(l.conns, conn)
			l.connMu.Unlock()
			l.stats.ActiveConnections.Add(-1)
		}()
	}
}

// track registers conn for closing on shutdown. It fails once the listener is stopping,
// the closer may have walked the connections already.
func (l *Listener) track(conn net.Conn) bool {
	l.connMu.Lock()
	defer l.connMu.Unlock()
	if l.ctx.Err() != nil {
		return false
	}
	l.conns[conn] = struct{}{}
	return true
}

func (l *Listener) serve(conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	handler, err := l.factory(remote)
	if err != nil {
		l.logf("unable to create session for %s: %v", remote, err)
		return
	}
	if l.logger != nil {
		handler.SetLogger(l.logger.With("remote", remote))
	}
	var flow *capture.Flow
	if l.capture != nil {
		flow = l.capture.Flow(conn.RemoteAddr(), conn.LocalAddr())
	}
	l.logf("connected %s", remote)
	defer l.logf("disconnected %s", remote)

	buf := make([]byte, 2048)
	for {
		if l.config.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(l.config.IdleTimeout))
		}
		n, err := conn.Read(buf)
		if n > 0 {
			l.stats.BytesReceived.Add(uint64(n))
			if flow != nil {
				if cerr := flow.Received(buf[:n]); cerr != nil {
					l.dlogf("capture failed: %v", cerr)
				}
			}
			reply, herr := handler.HandleRequest(buf[:n])
			if herr != nil {
				l.stats.Rejects.Add(1)
				l.logf("session %s rejected: %v", remote, herr)
			}
			if len(reply) > 0 {
				if werr := l.write(conn, flow, reply); werr != nil {
					l.logf("write to %s failed: %v", remote, werr)
					handler.Reset()
					return
				}
			}
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				l.logf("inactivity timeout of %s", remote)
			} else if l.ctx.Err() == nil {
				l.dlogf("read from %s: %v", remote, err)
			}
			handler.Reset()
			return
		}
	}
}

func (l *Listener) write(conn net.Conn, flow *capture.Flow, src []byte) error {
	if flow != nil {
		if err := flow.Sent(src); err != nil {
			l.dlogf("capture failed: %v", err)
		}
	}
	for len(src) > 0 {
		n, err := conn.Write(src)
		l.stats.BytesSent.Add(uint64(n))
		if err != nil {
			return err
		}
		src = src[n:]
	}
	return nil
}
