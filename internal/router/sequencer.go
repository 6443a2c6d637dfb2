package router

import (
	"sync"

	"github.com/core-coin/nuntius/pkg/logger"
)

// Sequencer runs submitted tasks in FIFO order per key. Tasks with
// different keys run concurrently.
type Sequencer struct {
	logger *logger.Logger

	mu     sync.Mutex
	queues map[string][]func()
	wg     sync.WaitGroup
}

func NewSequencer(logger *logger.Logger) *Sequencer {
	return &Sequencer{logger: logger, queues: make(map[string][]func())}
}

// Submit enqueues task behind earlier tasks with the same key.
func (s *Sequencer) Submit(key string, task func()) {
	s.mu.Lock()
	if pending, busy := s.queues[key]; busy {
		s.queues[key] = append(pending, task)
		s.mu.Unlock()
		return
	}
	s.queues[key] = nil
	s.wg.Add(1)
	s.mu.Unlock()

	go s.drain(key, task)
}

func (s *Sequencer) drain(key string, task func()) {
	defer s.wg.Done()
	for {
		s.run(key, task)

		s.mu.Lock()
		pending := s.queues[key]
		if len(pending) == 0 {
			delete(s.queues, key)
			s.mu.Unlock()
			return
		}
		task = pending[0]
		s.queues[key] = pending[1:]
		s.mu.Unlock()
	}
}

func (s *Sequencer) run(key string, task func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Recovered from panic in sequenced task", "key", key, "panic", r)
		}
	}()
	task()
}

// Wait blocks until every submitted task has finished.
func (s *Sequencer) Wait() {
	s.wg.Wait()
}
