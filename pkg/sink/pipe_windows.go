//go:build windows

package sink

import (
	"errors"
	"net"
	"os"
	"sync/atomic"
	"time"

	winio "github.com/Microsoft/go-winio"
	"go.uber.org/zap"
	"golang.org/x/sys/windows"

	"github.com/netplane/dpcap/pkg/config"
)

// pipeSink writes into a named pipe the consumer has already created
// (\\.\pipe\...). The pipe is opened exclusively for writing; if it does
// not exist yet the open is retried until the bounded wait expires.
type pipeSink struct {
	path   string
	cfg    config.SinkConfig
	logger *zap.Logger
	conn   net.Conn
}

// New creates the platform sink for the output target path.
func New(path string, cfg config.SinkConfig, logger *zap.Logger) Sink {
	return &pipeSink{path: path, cfg: cfg, logger: logger}
}

func (s *pipeSink) Open(running *atomic.Bool) error {
	deadline := time.Now().Add(s.cfg.OpenWait)
	dialTimeout := 250 * time.Millisecond

	for {
		if !running.Load() {
			return ErrSinkEnded
		}

		conn, err := winio.DialPipe(s.path, &dialTimeout)
		if err == nil {
			s.conn = conn
			s.logger.Debug("named pipe opened", zap.String("path", s.path))
			return nil
		}

		if time.Now().After(deadline) {
			return ErrSinkUnavailable
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func (s *pipeSink) Write(p []byte) (int, error) {
	if s.conn == nil {
		return 0, os.ErrClosed
	}
	return s.conn.Write(p)
}

// Alive is a no-op probe on Windows: a consumer close surfaces promptly
// as a broken-pipe write error, and the pipe namespace has no cheap
// existence check.
func (s *pipeSink) Alive() bool {
	return true
}

func (s *pipeSink) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// brokenErr reports whether a write failed because the reader went away.
func brokenErr(err error) bool {
	return errors.Is(err, windows.ERROR_BROKEN_PIPE) ||
		errors.Is(err, windows.ERROR_NO_DATA) ||
		errors.Is(err, winio.ErrFileClosed) ||
		errors.Is(err, os.ErrClosed)
}
