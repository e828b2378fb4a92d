package eventlog

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/policyengine/calcd/internal/calc"
	"github.com/policyengine/calcd/internal/model"
	"github.com/policyengine/calcd/internal/scanloop"
)

// Service provides an async event writer.
// Emit performs a non-blocking channel send (drops on overflow).
// A background goroutine flushes batches to the Repo; a second one prunes
// events past the retention window.
type Service struct {
	repo      *Repo
	queue     chan model.CalcEvent
	batchSize int
	interval  time.Duration
	retention time.Duration
	nowFn     func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// ServiceConfig configures the event log service.
type ServiceConfig struct {
	Repo          *Repo
	QueueSize     int
	FlushBatch    int
	FlushInterval time.Duration
	Retention     time.Duration
}

// NewService creates a new event log service.
func NewService(cfg ServiceConfig) *Service {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 4096
	}
	batchSize := cfg.FlushBatch
	if batchSize <= 0 {
		batchSize = 256
	}
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &Service{
		repo:      cfg.Repo,
		queue:     make(chan model.CalcEvent, queueSize),
		batchSize: batchSize,
		interval:  interval,
		retention: retention,
		nowFn:     time.Now,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the flush and prune goroutines.
func (s *Service) Start() {
	s.wg.Add(2)
	go s.flushLoop()
	go func() {
		defer s.wg.Done()
		scanloop.Run(s.stopCh, scanloop.EventPrune, s.prune)
	}()
}

// Stop signals both loops to stop, drains remaining entries, and returns.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Emit enqueues an event. Non-blocking; drops on overflow.
func (s *Service) Emit(e model.CalcEvent) {
	select {
	case s.queue <- e:
	default:
		// Queue full: drop rather than stall the caller.
	}
}

// EmitTransition builds an event from a status change and enqueues it.
func (s *Service) EmitTransition(calcID string, from calc.State, st calc.Status) {
	e := model.CalcEvent{
		ID:        uuid.NewString(),
		CalcID:    calcID,
		TsNs:      s.nowFn().UnixNano(),
		FromState: string(from),
		ToState:   string(st.State),
		Message:   st.Message,
	}
	if st.Progress != nil {
		p := *st.Progress
		e.Progress = &p
	}
	if st.Error != nil {
		e.ErrorCode = string(st.Error.Code)
		e.Message = st.Error.Message
	}
	s.Emit(e)
}

// flushLoop runs until stopCh is closed, flushing on batch-size or timer.
func (s *Service) flushLoop() {
	defer s.wg.Done()

	batch := make([]model.CalcEvent, 0, s.batchSize)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case e := <-s.queue:
			batch = append(batch, e)
			if len(batch) >= s.batchSize {
				s.flush(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(batch)
				batch = batch[:0]
			}

		case <-s.stopCh:
			s.drainAndFlush(batch)
			return
		}
	}
}

func (s *Service) drainAndFlush(batch []model.CalcEvent) {
	for {
		select {
		case e := <-s.queue:
			batch = append(batch, e)
			if len(batch) >= s.batchSize {
				s.flush(batch)
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				s.flush(batch)
			}
			return
		}
	}
}

func (s *Service) flush(events []model.CalcEvent) {
	if _, err := s.repo.InsertBatch(events); err != nil {
		log.Printf("[eventlog] flush %d events failed: %v", len(events), err)
	}
}

func (s *Service) prune() {
	cutoff := s.nowFn().Add(-s.retention).UnixNano()
	n, err := s.repo.Prune(cutoff)
	if err != nil {
		log.Printf("[eventlog] prune failed: %v", err)
		return
	}
	if n > 0 {
		log.Printf("[eventlog] pruned %d events older than %s", n, s.retention)
	}
}

// Repo returns the underlying repository for query access.
func (s *Service) Repo() *Repo {
	return s.repo
}
