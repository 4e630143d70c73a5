// Package eventstream pumps ring buffer records into a handler.
package eventstream

import (
	"context"
	"errors"
	"os"

	"github.com/cilium/ebpf/ringbuf"
	"go.uber.org/zap"
)

// RecordReader is the part of *ringbuf.Reader a Stream uses.
type RecordReader interface {
	Read() (ringbuf.Record, error)
	Close() error
}

// HandlerFunc consumes one raw sample. The sample is only valid during the call.
type HandlerFunc func(raw []byte) error

// Stream reads records from a ring buffer and dispatches them to a handler.
type Stream struct {
	name    string
	reader  RecordReader
	handler HandlerFunc
	logger  *zap.Logger
}

// New creates a Stream. name labels its log entries.
func New(name string, reader RecordReader, handler HandlerFunc, logger *zap.Logger) *Stream {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stream{
		name:    name,
		reader:  reader,
		handler: handler,
		logger:  logger.Named("eventstream").With(zap.String("ring", name)),
	}
}

// Run reads until ctx is cancelled or the reader is closed. Cancelling ctx
// closes the reader to unblock the pending Read.
func (s *Stream) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		if err := s.reader.Close(); err != nil {
			s.logger.Debug("closing ring buffer reader", zap.Error(err))
		}
	})
	defer stop()

	for {
		record, err := s.reader.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("reading from ring buffer", zap.Error(err))
			continue
		}

		if err := s.handler(record.RawSample); err != nil {
			s.logger.Debug("handling event", zap.Error(err))
		}
	}
}
