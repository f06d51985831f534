package pipeline

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"signalpipe/internal/broadcast"
	"signalpipe/internal/parser"
	"signalpipe/internal/storage"
	"signalpipe/pkg/logx"
)

// Service executes signal jobs from an unbounded FIFO queue using a fixed
// worker pool.
//
// The queue is deliberately unbounded: Enqueue never blocks the dispatcher,
// and throughput degrades gracefully under load instead of dropping live
// events. Concurrency is bounded at the worker count.
type Service struct {
	log    logx.Logger
	cfg    Config
	store  storage.Store
	parser parser.Parser
	bus    broadcast.Bus

	qmu     sync.Mutex
	qcond   *sync.Cond
	queue   []*Job // nil entry is the shutdown sentinel
	stopped bool

	runMu     sync.Mutex
	running   bool
	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup

	processed atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

func New(cfg Config, store storage.Store, p parser.Parser, bus broadcast.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	s := &Service{log: log, cfg: cfg, store: store, parser: p, bus: bus}
	s.qcond = sync.NewCond(&s.qmu)
	return s
}

// Start is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.runCtx, s.runCancel = context.WithCancel(context.WithoutCancel(ctx))

	s.qmu.Lock()
	s.stopped = false
	s.qmu.Unlock()

	runCtx := s.runCtx
	s.workerWG.Add(s.cfg.Workers)
	for i := 0; i < s.cfg.Workers; i++ {
		idx := i
		go func() {
			defer s.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in signal worker",
						logx.Int("worker", idx), logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())))
				}
			}()
			s.worker(runCtx, idx)
		}()
	}

	s.log.Info("signal pool started",
		logx.Int("workers", s.cfg.Workers), logx.Duration("retention", s.cfg.Retention))
}

// Stop is idempotent. It pushes one shutdown sentinel per worker and waits;
// jobs already queued ahead of the sentinels still run, jobs enqueued after
// Stop are logged and discarded.
func (s *Service) Stop(ctx context.Context) {
	s.runMu.Lock()
	if !s.running {
		s.runMu.Unlock()
		return
	}
	s.running = false
	cancel := s.runCancel
	s.runCancel = nil
	workers := s.cfg.Workers
	s.runMu.Unlock()

	start := time.Now()

	s.qmu.Lock()
	s.stopped = true
	for i := 0; i < workers; i++ {
		s.queue = append(s.queue, nil)
	}
	s.qcond.Broadcast()
	s.qmu.Unlock()

	done := make(chan struct{})
	go func() {
		s.workerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("signal pool stopped", logx.Duration("took", time.Since(start)))
	case <-ctx.Done():
		// stop continues in background; cut in-flight store/parse calls loose
		s.log.Warn("signal pool stop timed out; abandoning drain")
	}
	if cancel != nil {
		cancel()
	}
}

// Enqueue appends a job. It never blocks.
func (s *Service) Enqueue(job *Job) {
	if job == nil {
		return
	}
	s.qmu.Lock()
	if s.stopped {
		s.qmu.Unlock()
		s.dropped.Add(1)
		s.log.Warn("signal pool is shutting down; dropping job",
			logx.Int64("strategy_id", job.StrategyID),
			logx.Int64("telegram_message_id", job.TelegramMessageID))
		return
	}
	s.queue = append(s.queue, job)
	s.qcond.Signal()
	s.qmu.Unlock()
}

// dequeue blocks until a job or a shutdown sentinel (nil, false) is available.
func (s *Service) dequeue() (*Job, bool) {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	for len(s.queue) == 0 {
		s.qcond.Wait()
	}
	job := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	if job == nil {
		return nil, false
	}
	return job, true
}

func (s *Service) Snapshot() Snapshot {
	s.runMu.Lock()
	running := s.running
	workers := s.cfg.Workers
	s.runMu.Unlock()

	s.qmu.Lock()
	qlen := len(s.queue)
	s.qmu.Unlock()

	return Snapshot{
		Running:   running,
		Workers:   workers,
		QueueLen:  qlen,
		Processed: s.processed.Load(),
		Failed:    s.failed.Load(),
		Dropped:   s.dropped.Load(),
	}
}
