//go:build !windows

package bridge

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/netplane/dpcap/pkg/config"
	"github.com/netplane/dpcap/pkg/control"
	"github.com/netplane/dpcap/pkg/wire"
)

// fakeAgent is an in-process control agent that records the bridge calls
// it receives.
type fakeAgent struct {
	srv *httptest.Server

	mu         sync.Mutex
	enabled    []string
	disabled   []string
	bridgeAddr string
	failEnable bool
}

func newFakeAgent(t *testing.T, interfaces []control.InterfaceInfo) *fakeAgent {
	t.Helper()
	a := &fakeAgent{}

	mux := http.NewServeMux()
	mux.HandleFunc("/interfaces", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"interfaces": interfaces})
	})
	mux.HandleFunc("/enable", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Interface     string `json:"interface"`
			BridgeAddress string `json:"bridge_address"`
		}
		json.NewDecoder(r.Body).Decode(&req)

		a.mu.Lock()
		a.enabled = append(a.enabled, req.Interface)
		a.bridgeAddr = req.BridgeAddress
		fail := a.failEnable
		a.mu.Unlock()

		if fail {
			json.NewEncoder(w).Encode(map[string]any{"success": false, "error": "dataplane rejected"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"success": true})
	})
	mux.HandleFunc("/disable", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Interface string `json:"interface"`
		}
		json.NewDecoder(r.Body).Decode(&req)

		a.mu.Lock()
		a.disabled = append(a.disabled, req.Interface)
		a.mu.Unlock()

		json.NewEncoder(w).Encode(map[string]any{"success": true})
	})

	a.srv = httptest.NewServer(mux)
	t.Cleanup(a.srv.Close)
	return a
}

func (a *fakeAgent) client(t *testing.T) *control.Client {
	t.Helper()
	host, portStr, err := net.SplitHostPort(a.srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("split agent address: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return control.NewClient(host, port, 2*time.Second, zap.NewNop())
}

func (a *fakeAgent) calls() (enabled, disabled []string, addr string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.enabled...), append([]string(nil), a.disabled...), a.bridgeAddr
}

func sessionConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Ingest.BindAddr = "127.0.0.1"
	cfg.Ingest.ReadTimeout = 50 * time.Millisecond
	cfg.Sink.PopTimeout = 50 * time.Millisecond
	cfg.Sink.OpenWait = 2 * time.Second
	cfg.Sink.RetryBackoffBase = 20 * time.Millisecond
	cfg.Sink.RetryBackoffStep = 5 * time.Millisecond
	cfg.Session.JoinTimeout = 500 * time.Millisecond
	return cfg
}

func captureFifo(t *testing.T) (string, <-chan []byte) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capture.fifo")
	if err := unix.Mkfifo(path, 0o600); err != nil {
		t.Fatalf("mkfifo: %v", err)
	}

	out := make(chan []byte, 1)
	go func() {
		f, err := os.Open(path)
		if err != nil {
			out <- nil
			return
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		out <- data
	}()
	return path, out
}

var testCatalog = []control.InterfaceInfo{
	{ID: 1, Name: "gig0/0/0", Description: "uplink"},
	{ID: 7, Name: "tap3", Description: ""},
}

func TestSessionEndToEnd(t *testing.T) {
	agent := newFakeAgent(t, testCatalog)
	fifo, captured := captureFifo(t)

	s := NewSession(sessionConfig(), Options{
		InterfaceID: 7,
		OutputPath:  fifo,
		SinkIP:      "127.0.0.1",
		CaptureRX:   true,
		CaptureTX:   true,
	}, agent.client(t), zap.NewNop())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	if s.State() != StateActive {
		t.Fatalf("state = %v, want ACTIVE", s.State())
	}

	enabled, _, bridgeAddr := agent.calls()
	if len(enabled) != 1 || enabled[0] != "tap3" {
		t.Fatalf("enable calls = %v, want [tap3]", enabled)
	}

	// Play the dataplane: send frames to the address the agent was given.
	dst, err := net.ResolveUDPAddr("udp", bridgeAddr)
	if err != nil {
		t.Fatalf("bridge address %q: %v", bridgeAddr, err)
	}
	conn, err := net.DialUDP("udp", nil, dst)
	if err != nil {
		t.Fatalf("dial bridge address: %v", err)
	}
	defer conn.Close()

	var stream []byte
	stream = wire.EncodeFrame(stream, &wire.Packet{
		InterfaceID: 7, TimestampSec: 1000, Direction: wire.DirectionRX, Payload: make([]byte, 60),
	})
	stream = wire.EncodeFrame(stream, &wire.Packet{
		InterfaceID: 7, TimestampSec: 1001, Direction: wire.DirectionTX, Payload: make([]byte, 90),
	})
	// Noise for an interface this session does not capture.
	stream = wire.EncodeFrame(stream, &wire.Packet{
		InterfaceID: 1, Direction: wire.DirectionRX, Payload: make([]byte, 40),
	})
	conn.Write(stream)

	deadline := time.Now().Add(5 * time.Second)
	for s.Snapshot().RecordsWritten < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := s.Snapshot().RecordsWritten; got != 2 {
		t.Fatalf("records written = %d, want 2", got)
	}

	s.Stop()

	if s.State() != StateStopped {
		t.Errorf("state = %v, want STOPPED", s.State())
	}
	if err := s.Err(); err != nil {
		t.Errorf("Err() = %v, want nil", err)
	}

	_, disabled, _ := agent.calls()
	if len(disabled) != 1 || disabled[0] != "tap3" {
		t.Errorf("disable calls = %v, want [tap3]", disabled)
	}

	data := <-captured
	if data == nil {
		t.Fatal("capture reader failed")
	}
	if len(data) < 24 {
		t.Fatalf("capture too short: %d bytes", len(data))
	}
	if magic := binary.BigEndian.Uint32(data[:4]); magic != 0xa1b2c3d4 {
		t.Errorf("capture magic = %#x", magic)
	}
	// File header plus two records of 60 and 90 bytes.
	if want := 24 + 16 + 60 + 16 + 90; len(data) != want {
		t.Errorf("capture length = %d, want %d", len(data), want)
	}
}

func TestSessionRejectsSecondStart(t *testing.T) {
	agent := newFakeAgent(t, testCatalog)
	fifo, captured := captureFifo(t)

	s := NewSession(sessionConfig(), Options{
		InterfaceID: 7,
		OutputPath:  fifo,
		SinkIP:      "127.0.0.1",
		CaptureRX:   true,
		CaptureTX:   true,
	}, agent.client(t), zap.NewNop())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		s.Stop()
		<-captured
	}()

	if err := s.Start(context.Background()); err == nil {
		t.Error("second Start should fail")
	}

	enabled, _, _ := agent.calls()
	if len(enabled) != 1 {
		t.Errorf("enable calls = %v, a rejected Start must not touch the dataplane", enabled)
	}
}

func TestSessionUnknownInterface(t *testing.T) {
	agent := newFakeAgent(t, testCatalog)

	s := NewSession(sessionConfig(), Options{
		InterfaceID: 99,
		OutputPath:  filepath.Join(t.TempDir(), "unused.fifo"),
		CaptureRX:   true,
	}, agent.client(t), zap.NewNop())

	if err := s.Start(context.Background()); err == nil {
		s.Stop()
		t.Fatal("Start should fail for an interface the dataplane does not have")
	}

	if s.State() != StateStopped {
		t.Errorf("state = %v, want STOPPED after failed start", s.State())
	}
	enabled, _, _ := agent.calls()
	if len(enabled) != 0 {
		t.Errorf("enable calls = %v, want none", enabled)
	}
}

func TestSessionRollbackOnEnableFailure(t *testing.T) {
	agent := newFakeAgent(t, testCatalog)
	agent.failEnable = true
	fifo, _ := captureFifo(t)

	s := NewSession(sessionConfig(), Options{
		InterfaceID: 7,
		OutputPath:  fifo,
		SinkIP:      "127.0.0.1",
		CaptureRX:   true,
	}, agent.client(t), zap.NewNop())

	if err := s.Start(context.Background()); err == nil {
		s.Stop()
		t.Fatal("Start should fail when the dataplane rejects the bridge")
	}

	if s.State() != StateStopped {
		t.Errorf("state = %v, want STOPPED", s.State())
	}
	if s.Running() {
		t.Error("running flag still set after rollback")
	}

	// Rollback disables in case the enable partially landed.
	_, disabled, _ := agent.calls()
	if len(disabled) != 1 || disabled[0] != "tap3" {
		t.Errorf("disable calls = %v, want [tap3]", disabled)
	}
}

func TestSessionStopIdempotent(t *testing.T) {
	agent := newFakeAgent(t, testCatalog)
	fifo, captured := captureFifo(t)

	s := NewSession(sessionConfig(), Options{
		InterfaceID: 1,
		OutputPath:  fifo,
		SinkIP:      "127.0.0.1",
		CaptureRX:   true,
		CaptureTX:   true,
	}, agent.client(t), zap.NewNop())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	s.Stop()
	s.Stop()
	<-captured

	_, disabled, _ := agent.calls()
	if len(disabled) != 1 {
		t.Errorf("disable calls = %v, want exactly one", disabled)
	}
}

func TestSessionWaitReturnsOnStop(t *testing.T) {
	agent := newFakeAgent(t, testCatalog)
	fifo, captured := captureFifo(t)

	s := NewSession(sessionConfig(), Options{
		InterfaceID: 7,
		OutputPath:  fifo,
		SinkIP:      "127.0.0.1",
		CaptureRX:   true,
		CaptureTX:   true,
	}, agent.client(t), zap.NewNop())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitDone := make(chan struct{})
	go func() {
		s.Wait(context.Background())
		close(waitDone)
	}()

	s.Stop()

	select {
	case <-waitDone:
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return after Stop")
	}
	<-captured
}
