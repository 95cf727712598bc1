// Package ingest receives framed packet records from the dataplane over
// UDP, reassembles them, and feeds the dispatch queue.
package ingest

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/netplane/dpcap/pkg/config"
	"github.com/netplane/dpcap/pkg/queue"
	"github.com/netplane/dpcap/pkg/registry"
	"github.com/netplane/dpcap/pkg/wire"
)

// Listener owns the ingest UDP socket. One goroutine receives datagrams,
// drains complete frames out of the reassembly accumulator, updates the
// interface registry, and pushes packets to the dispatch queue.
type Listener struct {
	cfg     config.IngestConfig
	q       *queue.Queue
	reg     *registry.Registry
	running *atomic.Bool
	logger  *zap.Logger

	conn *net.UDPConn
	port int
	acc  wire.Accumulator
	done chan struct{}
	err  atomic.Pointer[listenerErr]
}

type listenerErr struct{ err error }

// NewListener creates a listener. running is the session-wide flag; the
// listener clears it when it hits an unrecoverable condition so the other
// workers wind down too.
func NewListener(cfg config.IngestConfig, q *queue.Queue, reg *registry.Registry, running *atomic.Bool, logger *zap.Logger) *Listener {
	return &Listener{
		cfg:     cfg,
		q:       q,
		reg:     reg,
		running: running,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Start binds the socket and launches the receive loop. A bind failure is
// a transport setup error; the session must abort before going active.
func (l *Listener) Start() error {
	addr := &net.UDPAddr{
		IP:   net.ParseIP(l.cfg.BindAddr),
		Port: l.cfg.Port,
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("bind ingest socket: %w", err)
	}

	if l.cfg.ReadBuffer > 0 {
		// Best effort; the default is enough for light capture sessions.
		conn.SetReadBuffer(l.cfg.ReadBuffer)
	}

	l.conn = conn
	l.port = conn.LocalAddr().(*net.UDPAddr).Port

	l.logger.Info("ingest listener started",
		zap.String("bind", l.cfg.BindAddr),
		zap.Int("port", l.port),
	)

	go l.loop()
	return nil
}

// Port reports the bound UDP port.
func (l *Listener) Port() int {
	return l.port
}

// Done is closed when the receive loop has exited.
func (l *Listener) Done() <-chan struct{} {
	return l.done
}

// Err returns the error that stopped the listener, if any. A clean stop
// via the running flag returns nil.
func (l *Listener) Err() error {
	if e := l.err.Load(); e != nil {
		return e.err
	}
	return nil
}

// Close unblocks the receive loop by closing the socket. Idempotent.
func (l *Listener) Close() error {
	if l.conn != nil {
		return l.conn.Close()
	}
	return nil
}

func (l *Listener) loop() {
	defer close(l.done)
	defer l.conn.Close()

	buf := make([]byte, wire.MaxDatagramSize)

	for l.running.Load() {
		// The deadline keeps the loop responsive to shutdown; it is not
		// part of the reassembly contract.
		l.conn.SetReadDeadline(time.Now().Add(l.cfg.ReadTimeout))

		n, _, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if !l.running.Load() {
				return
			}
			if errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) {
				l.fail(fmt.Errorf("ingest socket unrecoverable: %w", err))
				return
			}
			l.logger.Error("ingest receive error", zap.Error(err))
			continue
		}
		if n == 0 {
			continue
		}

		l.acc.Append(buf[:n])
		if err := l.drain(); err != nil {
			// A framing error desynchronizes everything after it; there
			// is no safe resync point mid-stream.
			l.fail(err)
			return
		}
	}
}

// drain decodes every complete frame currently buffered.
func (l *Listener) drain() error {
	for {
		pkt, err := l.acc.Next()
		if err != nil {
			return err
		}
		if pkt == nil {
			return nil
		}

		l.reg.Record(pkt.InterfaceID, pkt.Direction, len(pkt.Payload))
		l.q.Push(pkt)
	}
}

func (l *Listener) fail(err error) {
	l.err.Store(&listenerErr{err: err})
	l.logger.Error("ingest listener stopping", zap.Error(err))
	l.running.Store(false)
}
