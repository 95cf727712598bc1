// Package proxy forwards datagrams from a local interprocess endpoint to
// the ingest listener's UDP address. It exists for deployments where the
// dataplane cannot address the listener's network endpoint directly and
// writes to a filesystem socket instead.
package proxy

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/netplane/dpcap/pkg/wire"
)

// Proxy is a one-directional unixgram-to-UDP forwarder. It never reads
// from the outbound socket and never inspects or batches the datagrams it
// relays.
type Proxy struct {
	socketPath   string
	target       string
	pollInterval time.Duration
	logger       *zap.Logger

	conn     *net.UnixConn
	out      *net.UDPConn
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// New creates a proxy from socketPath to the UDP address target
// ("ip:port").
func New(socketPath, target string, pollInterval time.Duration, logger *zap.Logger) *Proxy {
	return &Proxy{
		socketPath:   socketPath,
		target:       target,
		pollInterval: pollInterval,
		logger:       logger,
		stopCh:       make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start binds the local endpoint and launches the forward loop. Callers
// serialize Start/Stop with the session mutex; two live proxies for one
// session must be impossible.
func (p *Proxy) Start() error {
	// A stale endpoint from a crashed run would make the bind fail.
	os.Remove(p.socketPath)

	addr := &net.UnixAddr{Name: p.socketPath, Net: "unixgram"}
	conn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		return fmt.Errorf("bind proxy socket %s: %w", p.socketPath, err)
	}
	conn.SetReadBuffer(4 * 1024 * 1024)

	// The dataplane runs as a different user and must be able to write.
	if err := os.Chmod(p.socketPath, 0o777); err != nil {
		conn.Close()
		os.Remove(p.socketPath)
		return fmt.Errorf("chmod proxy socket: %w", err)
	}

	udpAddr, err := net.ResolveUDPAddr("udp", p.target)
	if err != nil {
		conn.Close()
		os.Remove(p.socketPath)
		return fmt.Errorf("resolve proxy target %s: %w", p.target, err)
	}

	out, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		conn.Close()
		os.Remove(p.socketPath)
		return fmt.Errorf("create proxy outbound socket: %w", err)
	}

	p.conn = conn
	p.out = out

	p.logger.Info("socket proxy started",
		zap.String("socket", p.socketPath),
		zap.String("target", p.target),
	)

	go p.loop()
	return nil
}

// Stop closes both sockets and removes the local endpoint. Idempotent.
func (p *Proxy) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		if p.conn != nil {
			p.conn.Close()
		}
		<-p.done
		if p.out != nil {
			p.out.Close()
		}
		os.Remove(p.socketPath)
		p.logger.Info("socket proxy stopped", zap.String("socket", p.socketPath))
	})
}

func (p *Proxy) loop() {
	defer close(p.done)

	buf := make([]byte, wire.MaxDatagramSize)
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		// Bounded wait so Stop is observed promptly.
		p.conn.SetReadDeadline(time.Now().Add(p.pollInterval))

		n, _, err := p.conn.ReadFromUnix(buf)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			p.logger.Error("proxy receive error", zap.Error(err))
			continue
		}
		if n == 0 {
			continue
		}

		if _, err := p.out.Write(buf[:n]); err != nil {
			p.logger.Error("proxy forward error", zap.Error(err))
		}
	}
}
