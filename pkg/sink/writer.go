package sink

import (
	"errors"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/netplane/dpcap/pkg/config"
	"github.com/netplane/dpcap/pkg/pcap"
	"github.com/netplane/dpcap/pkg/queue"
	"github.com/netplane/dpcap/pkg/wire"
)

// Filter selects which packets reach the consumer.
type Filter struct {
	InterfaceID uint32
	CaptureRX   bool
	CaptureTX   bool
}

// Matches reports whether p passes the filter.
func (f Filter) Matches(p *wire.Packet) bool {
	if p.InterfaceID != f.InterfaceID {
		return false
	}
	switch p.Direction {
	case wire.DirectionRX:
		return f.CaptureRX
	case wire.DirectionTX:
		return f.CaptureTX
	default:
		return false
	}
}

// Writer consumes the dispatch queue and streams matching records into
// the platform sink. Single goroutine; every record is written in one
// Write call so the consumer sees live traffic immediately (latency over
// throughput).
type Writer struct {
	sink    Sink
	q       *queue.Queue
	cfg     config.SinkConfig
	filter  Filter
	running *atomic.Bool
	logger  *zap.Logger

	state   atomic.Int32
	written atomic.Uint64
	done    chan struct{}
	err     atomic.Pointer[writerErr]
}

type writerErr struct{ err error }

// NewWriter creates a sink writer around an opened-later sink.
func NewWriter(s Sink, q *queue.Queue, cfg config.SinkConfig, filter Filter, running *atomic.Bool, logger *zap.Logger) *Writer {
	return &Writer{
		sink:    s,
		q:       q,
		cfg:     cfg,
		filter:  filter,
		running: running,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Start launches the writer goroutine.
func (w *Writer) Start() {
	go w.run()
}

// State returns the current lifecycle state.
func (w *Writer) State() State {
	return State(w.state.Load())
}

// Written reports the number of records streamed so far.
func (w *Writer) Written() uint64 {
	return w.written.Load()
}

// Done is closed when the writer goroutine has exited.
func (w *Writer) Done() <-chan struct{} {
	return w.done
}

// Err returns the failure that ended the capture, if any. A capture that
// ended because the consumer went away after receiving data returns nil:
// that is a normal end, not an error.
func (w *Writer) Err() error {
	if e := w.err.Load(); e != nil {
		return e.err
	}
	return nil
}

func (w *Writer) run() {
	defer close(w.done)
	defer w.sink.Close()
	defer w.state.Store(int32(StateClosed))

	w.state.Store(int32(StateAwaitingSink))
	if err := w.sink.Open(w.running); err != nil {
		if errors.Is(err, ErrSinkEnded) {
			w.logger.Info("output target removed before capture started")
		} else {
			w.fail(err)
		}
		w.running.Store(false)
		return
	}

	w.state.Store(int32(StateStreaming))
	pw := pcap.NewWriter(w.sink)

	// The global header goes out immediately so the consumer can begin
	// parsing before the first packet arrives.
	if err := pw.WriteFileHeader(); err != nil {
		w.endOnWriteError(err)
		return
	}
	w.logger.Info("streaming capture", zap.Uint32("interface", w.filter.InterfaceID))

	sinceCheck := 0
	for w.running.Load() {
		pkt, ok := w.q.Pop(w.cfg.PopTimeout)

		sinceCheck++
		if sinceCheck >= w.cfg.LivenessEvery {
			sinceCheck = 0
			if !w.sink.Alive() {
				w.logger.Info("output target gone, ending capture",
					zap.Uint64("records", w.written.Load()))
				w.running.Store(false)
				return
			}
		}

		if !ok {
			continue
		}
		if !w.filter.Matches(pkt) {
			continue
		}

		if err := pw.WriteRecord(pkt.TimestampSec, pkt.TimestampUsec, pkt.Payload); err != nil {
			w.endOnWriteError(err)
			return
		}
		w.written.Add(1)
	}
}

// endOnWriteError classifies a failed write. A broken sink after data has
// flowed is the consumer hitting stop: a clean end. Broken before any
// record means the consumer never got a usable capture.
func (w *Writer) endOnWriteError(err error) {
	if brokenErr(err) {
		if w.written.Load() > 0 {
			w.logger.Info("consumer closed the capture",
				zap.Uint64("records", w.written.Load()))
		} else {
			w.fail(ErrSinkBroken)
		}
	} else {
		w.fail(err)
	}
	w.running.Store(false)
}

func (w *Writer) fail(err error) {
	w.err.Store(&writerErr{err: err})
	w.logger.Error("sink writer failed", zap.Error(err))
}
