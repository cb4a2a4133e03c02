package consistency

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/sekai-engine/sekai-memory/internal/model"
)

var (
	defaultNumWorkers   uint = 3
	defaultJobQueueSize uint = 256
	defaultJobTimeout        = 30 * time.Second
)

// PoolConfig is the configuration for the evaluation worker pool.
type PoolConfig struct {
	Evaluator *Evaluator

	// NumWorkers is the number of background workers (defaults to 3).
	NumWorkers uint

	// QueueSize is the capacity of the buffered job channel (defaults to 256).
	QueueSize uint

	// JobTimeout bounds a single evaluation (defaults to 30s).
	JobTimeout time.Duration

	Logger *slog.Logger
}

// Pool evaluates committed records asynchronously so writes never wait on
// the evaluator.
type Pool struct {
	config *PoolConfig
	queue  chan model.MemoryRecord
	wg     sync.WaitGroup
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewPool starts the worker goroutines.
func NewPool(c *PoolConfig) (*Pool, error) {
	if c.Evaluator == nil {
		return nil, fmt.Errorf("evaluator is required")
	}
	if c.NumWorkers == 0 {
		c.NumWorkers = defaultNumWorkers
	}
	if c.QueueSize == 0 {
		c.QueueSize = defaultJobQueueSize
	}
	if c.JobTimeout == 0 {
		c.JobTimeout = defaultJobTimeout
	}
	if c.NumWorkers > uint(math.MaxInt) {
		return nil, fmt.Errorf("NumWorkers %d exceeds max int", c.NumWorkers)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}

	p := &Pool{
		config: c,
		queue:  make(chan model.MemoryRecord, c.QueueSize),
		logger: c.Logger,
	}
	p.wg.Add(int(c.NumWorkers))
	for i := range c.NumWorkers {
		go p.worker(i)
	}
	return p, nil
}

// Enqueue submits a record for evaluation. Returns false if the queue is full
// or the pool is closed, in which case the record is dropped.
func (p *Pool) Enqueue(rec model.MemoryRecord) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.logger.Warn("evaluation dropped, pool closed", "record", rec.ID)
		return false
	}

	select {
	case p.queue <- rec:
		p.logger.Debug("evaluation queued", "record", rec.ID, "type", rec.Type)
		return true
	default:
		p.logger.Error("evaluation not queued, queue full, job dropped", "record", rec.ID, "type", rec.Type)
		return false
	}
}

// Close stops accepting jobs and waits for queued evaluations to drain.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool) worker(id uint) {
	defer p.wg.Done()
	p.logger.Debug("evaluation worker started", "worker_id", id)

	for rec := range p.queue {
		p.process(rec)
	}

	p.logger.Debug("evaluation worker stopped", "worker_id", id)
}

func (p *Pool) process(rec model.MemoryRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), p.config.JobTimeout)
	defer cancel()

	if _, err := p.config.Evaluator.Evaluate(ctx, rec); err != nil {
		p.logger.Error("consistency evaluation failed", "record", rec.ID, "error", err)
	}
}
