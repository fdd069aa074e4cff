package usage

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrQueueFull = errors.New("usage queue full")

// Recorder writes records to a Store off the request path. Enqueue never
// blocks; Process drains the queue until its context ends or Close is
// called.
type Recorder struct {
	store  Store
	queue  chan *Record
	logger *zap.Logger

	closeOnce sync.Once
	done      chan struct{}
}

func NewRecorder(store Store, size int, logger *zap.Logger) *Recorder {
	if size <= 0 {
		size = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		store:  store,
		queue:  make(chan *Record, size),
		logger: logger.Named("usage"),
		done:   make(chan struct{}),
	}
}

// Enqueue hands rec to the background writer. A nil Recorder drops it.
func (r *Recorder) Enqueue(rec *Record) error {
	if r == nil {
		return nil
	}
	select {
	case <-r.done:
		return errors.New("usage recorder closed")
	default:
	}
	select {
	case r.queue <- rec:
		return nil
	default:
		r.logger.Warn("dropping usage record", zap.String("request_id", rec.RequestID))
		return ErrQueueFull
	}
}

// Process runs the write loop. On exit it flushes whatever is queued.
func (r *Recorder) Process(ctx context.Context) {
	for {
		select {
		case rec := <-r.queue:
			r.write(rec)
		case <-ctx.Done():
			r.flush()
			return
		case <-r.done:
			r.flush()
			return
		}
	}
}

// Close stops Process after a final flush.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() { close(r.done) })
}

func (r *Recorder) flush() {
	for {
		select {
		case rec := <-r.queue:
			r.write(rec)
		default:
			return
		}
	}
}

func (r *Recorder) write(rec *Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.LogUsage(ctx, rec); err != nil {
		r.logger.Warn("failed to write usage record",
			zap.String("request_id", rec.RequestID),
			zap.Error(err),
		)
	}
}
