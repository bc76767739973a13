package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackzampolin/bookdrop/internal/books"
)

// OpType represents the type of write operation.
type OpType string

const (
	OpPut    OpType = "put"
	OpDelete OpType = "delete"
)

// WriteOp represents a single write operation to be batched.
type WriteOp struct {
	Op     OpType
	ID     string
	Record books.Record // For puts
}

// BatchWriter applies a batch of operations atomically.
type BatchWriter interface {
	WriteBatch(ops []WriteOp) error
}

// SinkConfig configures the write sink.
type SinkConfig struct {
	Writer        BatchWriter
	BatchSize     int           // Flush after N ops (default: 100)
	FlushInterval time.Duration // Or after duration (default: 1s)
	QueueSize     int           // Buffer size (default: 1000)
	Logger        *slog.Logger
}

// Sink batches record writes so workers never wait on disk.
type Sink struct {
	writer BatchWriter
	logger *slog.Logger

	batchSize     int
	flushInterval time.Duration

	queue   chan WriteOp
	batch   []WriteOp
	batchMu sync.Mutex
	flushCh chan struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewSink creates a new write sink.
func NewSink(cfg SinkConfig) *Sink {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Sink{
		writer:        cfg.Writer,
		logger:        cfg.Logger,
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		queue:         make(chan WriteOp, cfg.QueueSize),
		batch:         make([]WriteOp, 0, cfg.BatchSize),
		flushCh:       make(chan struct{}, 1),
	}
}

// Start begins processing write operations.
func (s *Sink) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.runBatcher()
}

// Stop gracefully shuts down the sink, flushing remaining operations.
func (s *Sink) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Debug("stopping sink, flushing remaining operations")

		// Closing the queue makes the batcher flush and exit.
		close(s.queue)
		s.wg.Wait()

		if s.cancel != nil {
			s.cancel()
		}
	})
}

// Send queues a write operation (fire-and-forget).
func (s *Sink) Send(op WriteOp) {
	// Send on a closed queue panics after Stop.
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("sink closed, dropping write op", "id", op.ID, "op", op.Op)
		}
	}()

	select {
	case s.queue <- op:
	default:
		select {
		case s.queue <- op:
		case <-s.ctx.Done():
			s.logger.Warn("sink closed, dropping write op", "id", op.ID, "op", op.Op)
		}
	}
}

// Flush requests an immediate flush of the current batch.
func (s *Sink) Flush() {
	select {
	case s.flushCh <- struct{}{}:
	default:
	}
}

func (s *Sink) runBatcher() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case op, ok := <-s.queue:
			if !ok {
				s.flushBatch()
				return
			}
			s.addToBatch(op)

		case <-ticker.C:
			s.flushBatch()

		case <-s.flushCh:
			s.flushBatch()
		}
	}
}

func (s *Sink) addToBatch(op WriteOp) {
	s.batchMu.Lock()
	s.batch = append(s.batch, op)
	shouldFlush := len(s.batch) >= s.batchSize
	s.batchMu.Unlock()

	if shouldFlush {
		s.flushBatch()
	}
}

func (s *Sink) flushBatch() {
	s.batchMu.Lock()
	if len(s.batch) == 0 {
		s.batchMu.Unlock()
		return
	}
	ops := s.batch
	s.batch = make([]WriteOp, 0, s.batchSize)
	s.batchMu.Unlock()

	if err := s.writer.WriteBatch(ops); err != nil {
		s.logger.Error("batch write failed", "count", len(ops), "error", err)
		return
	}
	s.logger.Debug("flushed batch", "count", len(ops))
}
