// Package bridge orchestrates one capture session: the handshake with the
// dataplane control agent, the ingest and sink worker threads, the
// optional socket proxy, and graceful teardown.
package bridge

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/netplane/dpcap/pkg/config"
	"github.com/netplane/dpcap/pkg/control"
	"github.com/netplane/dpcap/pkg/health"
	"github.com/netplane/dpcap/pkg/ingest"
	"github.com/netplane/dpcap/pkg/netutil"
	"github.com/netplane/dpcap/pkg/proxy"
	"github.com/netplane/dpcap/pkg/queue"
	"github.com/netplane/dpcap/pkg/registry"
	"github.com/netplane/dpcap/pkg/sink"
)

// State is the session lifecycle.
type State int32

const (
	StateIdle State = iota
	StateRequested
	StateActive
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRequested:
		return "REQUESTED"
	case StateActive:
		return "ACTIVE"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Options selects what one session captures and where it delivers it.
type Options struct {
	// InterfaceID is the dataplane interface to capture.
	InterfaceID uint32
	// OutputPath is the consumer-created pipe or FIFO.
	OutputPath string
	// SinkIP is the address advertised to the dataplane; auto-detected
	// when empty.
	SinkIP string
	// ProxySocketPath, when set, routes packets through a local-socket
	// proxy instead of direct UDP.
	ProxySocketPath string

	CaptureRX bool
	CaptureTX bool
}

// Session owns all per-capture state: worker goroutines, sockets, the
// shared running flag, and the proxy endpoint. Nothing outlives it.
// Start and Stop are serialized by the session mutex, so overlapping
// enable requests cannot produce two live sink/proxy pairs.
type Session struct {
	cfg    *config.Config
	opts   Options
	agent  *control.Client
	logger *zap.Logger

	mu       sync.Mutex
	state    atomic.Int32
	running  atomic.Bool
	stopOnce sync.Once

	reg      *registry.Registry
	q        *queue.Queue
	listener *ingest.Listener
	writer   *sink.Writer
	prx      *proxy.Proxy

	ifaceName string
}

// NewSession creates an idle session.
func NewSession(cfg *config.Config, opts Options, agent *control.Client, logger *zap.Logger) *Session {
	return &Session{
		cfg:    cfg,
		opts:   opts,
		agent:  agent,
		logger: logger,
		reg:    registry.New(),
		q:      queue.New(),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Running reports whether the capture threads should keep going.
func (s *Session) Running() bool {
	return s.running.Load()
}

// Start brings the session to ACTIVE, in order: resolve the target
// interface name from the agent catalog, start the sink writer and
// ingest listener, enable the bridge on the dataplane, and start the
// proxy if a local-socket transport was configured. Any failure rolls
// everything back; the session never stays half-started.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if State(s.state.Load()) != StateIdle {
		return fmt.Errorf("session already started")
	}
	s.state.Store(int32(StateRequested))
	s.running.Store(true)

	if err := s.start(ctx); err != nil {
		s.rollback(ctx)
		s.state.Store(int32(StateStopped))
		return err
	}

	s.state.Store(int32(StateActive))
	s.logger.Info("bridge session active",
		zap.String("interface", s.ifaceName),
		zap.Uint32("sw_if_index", s.opts.InterfaceID),
	)
	return nil
}

func (s *Session) start(ctx context.Context) error {
	// (a) Resolve the real interface name; the dataplane addresses
	// interfaces by name, the consumer by index.
	interfaces, err := s.agent.FetchInterfaces(ctx)
	if err != nil {
		return err
	}
	for _, iface := range interfaces {
		s.reg.Put(iface.ID, iface.Name, iface.Description)
		if iface.ID == s.opts.InterfaceID {
			s.ifaceName = iface.Name
		}
	}
	if s.ifaceName == "" {
		return fmt.Errorf("interface %d not found in dataplane catalog", s.opts.InterfaceID)
	}

	// (b) Workers. The writer starts first so the consumer's pipe open is
	// underway while the listener binds.
	out := sink.New(s.opts.OutputPath, s.cfg.Sink, s.logger)
	s.writer = sink.NewWriter(out, s.q, s.cfg.Sink, sink.Filter{
		InterfaceID: s.opts.InterfaceID,
		CaptureRX:   s.opts.CaptureRX,
		CaptureTX:   s.opts.CaptureTX,
	}, &s.running, s.logger)
	s.writer.Start()

	ingestCfg := s.cfg.Ingest
	if s.cfg.Session.SinkPort != 0 {
		ingestCfg.Port = s.cfg.Session.SinkPort
	}
	s.listener = ingest.NewListener(ingestCfg, s.q, s.reg, &s.running, s.logger)
	if err := s.listener.Start(); err != nil {
		return err
	}

	// (c) Hand the dataplane its destination.
	sinkAddr := s.sinkAddress()
	if err := s.agent.EnableBridge(ctx, s.ifaceName, sinkAddr); err != nil {
		return err
	}

	// (d) Optional local-socket transport.
	if s.opts.ProxySocketPath != "" {
		target := net.JoinHostPort("127.0.0.1", strconv.Itoa(s.listener.Port()))
		s.prx = proxy.New(s.opts.ProxySocketPath, target, s.cfg.Proxy.PollInterval, s.logger)
		if err := s.prx.Start(); err != nil {
			s.prx = nil
			return err
		}
	}

	return nil
}

// sinkAddress is what the dataplane writes packets to: the proxy's local
// socket when configured, the listener's UDP endpoint otherwise.
func (s *Session) sinkAddress() string {
	if s.opts.ProxySocketPath != "" {
		return s.opts.ProxySocketPath
	}

	ip := s.opts.SinkIP
	if ip == "" {
		ip = s.cfg.Session.SinkIP
	}
	if ip == "" {
		ip = netutil.LocalIP()
	}
	return net.JoinHostPort(ip, strconv.Itoa(s.listener.Port()))
}

// rollback tears down whatever start managed to bring up, including a
// best-effort disable call in case the enable went through.
func (s *Session) rollback(ctx context.Context) {
	s.running.Store(false)

	if s.prx != nil {
		s.prx.Stop()
		s.prx = nil
	}
	if s.listener != nil {
		s.listener.Close()
	}
	s.joinWorkers()

	if s.ifaceName != "" {
		if err := s.agent.DisableBridge(ctx, s.ifaceName); err != nil {
			s.logger.Debug("rollback disable failed", zap.Error(err))
		}
	}
}

// Wait blocks until the capture ends: the running flag clears (consumer
// disconnect, framing error), a worker exits, or ctx is cancelled.
func (s *Session) Wait(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-s.writer.Done():
	case <-s.listener.Done():
	}
}

// Stop winds the session down. Safe to call from a signal handler path
// and re-entrant: a second signal during shutdown does not re-run
// cleanup.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		s.state.Store(int32(StateStopping))
		s.running.Store(false)

		if s.listener != nil {
			s.listener.Close()
		}
		s.joinWorkers()

		if s.prx != nil {
			s.prx.Stop()
			s.prx = nil
		}

		// Best-effort: the agent may already be gone.
		if s.ifaceName != "" {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Agent.Timeout)
			if err := s.agent.DisableBridge(ctx, s.ifaceName); err != nil {
				s.logger.Warn("disable bridge failed during shutdown", zap.Error(err))
			}
			cancel()
		}

		s.state.Store(int32(StateStopped))
		s.logger.Info("bridge session stopped")
	})
}

// joinWorkers waits for the worker goroutines with a bounded timeout. A
// thread stuck in a platform pipe write is abandoned rather than holding
// up process exit.
func (s *Session) joinWorkers() {
	deadline := time.NewTimer(s.cfg.Session.JoinTimeout)
	defer deadline.Stop()

	for _, done := range s.workerDoneChans() {
		select {
		case <-done:
		case <-deadline.C:
			s.logger.Warn("worker did not exit in time, abandoning")
			return
		}
	}
}

func (s *Session) workerDoneChans() []<-chan struct{} {
	var chans []<-chan struct{}
	if s.listener != nil {
		chans = append(chans, s.listener.Done())
	}
	if s.writer != nil {
		chans = append(chans, s.writer.Done())
	}
	return chans
}

// Err reports what ended the capture abnormally, nil for a clean end.
func (s *Session) Err() error {
	if s.listener != nil {
		if err := s.listener.Err(); err != nil {
			return err
		}
	}
	if s.writer != nil {
		if err := s.writer.Err(); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot reports the session's current state for status queries.
func (s *Session) Snapshot() health.Snapshot {
	snap := health.Snapshot{
		SessionState: s.State().String(),
		QueueDepth:   s.q.Len(),
	}
	if s.writer != nil {
		snap.SinkState = s.writer.State().String()
		snap.RecordsWritten = s.writer.Written()
	}
	for _, e := range s.reg.Snapshot() {
		snap.Interfaces = append(snap.Interfaces, health.InterfaceStats{
			ID:        e.ID,
			Name:      e.Name,
			RxPackets: e.RxPackets,
			RxBytes:   e.RxBytes,
			TxPackets: e.TxPackets,
			TxBytes:   e.TxBytes,
		})
	}
	return snap
}
