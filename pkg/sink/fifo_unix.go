//go:build !windows

package sink

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/netplane/dpcap/pkg/config"
)

// fifoSink writes into a consumer-created FIFO. Opening for write blocks
// until a reader attaches, so the open is done non-blocking with a
// bounded ENXIO retry loop instead.
type fifoSink struct {
	path   string
	cfg    config.SinkConfig
	logger *zap.Logger
	file   *os.File
}

// New creates the platform sink for the output target path.
func New(path string, cfg config.SinkConfig, logger *zap.Logger) Sink {
	return &fifoSink{path: path, cfg: cfg, logger: logger}
}

func (s *fifoSink) Open(running *atomic.Bool) error {
	// The consumer may not have created the FIFO yet.
	if err := awaitPath(s.path, s.cfg.OpenWait, running); err != nil {
		return err
	}

	for attempt := 0; attempt < s.cfg.OpenRetries; attempt++ {
		if !running.Load() {
			return ErrSinkEnded
		}
		if _, err := os.Stat(s.path); err != nil {
			// Consumer removed the FIFO before attaching a reader.
			return ErrSinkEnded
		}

		fd, err := unix.Open(s.path, unix.O_WRONLY|unix.O_NONBLOCK, 0)
		if err == nil {
			// Writes from here on should block; stalls are covered by the
			// writer's liveness probe.
			unix.SetNonblock(fd, false)
			s.file = os.NewFile(uintptr(fd), s.path)
			s.logger.Debug("fifo opened", zap.String("path", s.path))
			return nil
		}

		if errors.Is(err, unix.ENXIO) {
			// No reader yet. Back off a little longer each attempt.
			delay := s.cfg.RetryBackoffBase + time.Duration(attempt)*s.cfg.RetryBackoffStep
			s.logger.Debug("waiting for fifo reader",
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay),
			)
			time.Sleep(delay)
			continue
		}

		return fmt.Errorf("open fifo %s: %w", s.path, err)
	}

	return ErrSinkUnavailable
}

func (s *fifoSink) Write(p []byte) (int, error) {
	if s.file == nil {
		return 0, os.ErrClosed
	}
	return s.file.Write(p)
}

// Alive reports whether the FIFO path still exists. On some platforms a
// consumer-side close only shows up as the path vanishing, not as a
// prompt write error.
func (s *fifoSink) Alive() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

func (s *fifoSink) Close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// brokenErr reports whether a write failed because the reader went away.
func brokenErr(err error) bool {
	return errors.Is(err, syscall.EPIPE) || errors.Is(err, os.ErrClosed)
}
