package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/astro-dash/backend/internal/session"
)

// Supervisor owns the running engine and replaces it after a fatal fault.
// Readers call through the supervisor, so a restart is invisible to them
// apart from a short window where ErrNotInitialized is returned.
type Supervisor struct {
	newEngine func() (*Engine, error)
	delay     time.Duration

	mu       sync.RWMutex
	current  *Engine
	restarts int
}

// NewSupervisor builds engines with newEngine and waits delay before each
// restart.
func NewSupervisor(newEngine func() (*Engine, error), delay time.Duration) *Supervisor {
	return &Supervisor{newEngine: newEngine, delay: delay}
}

// Run starts an engine and keeps one running until ctx is cancelled. Only a
// construction error, which a restart cannot fix, is returned.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}

		s.mu.Lock()
		s.restarts++
		s.mu.Unlock()
		log.Printf("[supervisor] restarting engine in %v", s.delay)

		timer := time.NewTimer(s.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// runOnce runs one engine to completion. A nil return with ctx still live
// means the engine faulted and should be replaced.
func (s *Supervisor) runOnce(ctx context.Context) (err error) {
	e, err := s.newEngine()
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[supervisor] recovered: %v", r)
			err = nil
		}
		s.setCurrent(nil)
		e.Destroy()
	}()

	if err := e.Init(ctx); err != nil {
		if ctx.Err() == nil {
			log.Printf("[supervisor] engine init failed: %v", err)
		}
		return nil
	}
	s.setCurrent(e)

	select {
	case <-ctx.Done():
	case <-e.Done():
		if e.Err() != nil {
			log.Printf("[supervisor] engine stopped: %v", e.Err())
		}
	}
	return nil
}

func (s *Supervisor) setCurrent(e *Engine) {
	s.mu.Lock()
	s.current = e
	s.mu.Unlock()
}

// Engine returns the running engine, or nil between restarts.
func (s *Supervisor) Engine() *Engine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Restarts returns how many times the engine has been replaced.
func (s *Supervisor) Restarts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.restarts
}

// SessionState returns the running engine's snapshot, or the empty snapshot
// between restarts.
func (s *Supervisor) SessionState() session.Snapshot {
	if e := s.Engine(); e != nil {
		return e.SessionState()
	}
	return session.Snapshot{}
}

func (s *Supervisor) RefreshSessionState(ctx context.Context) (session.Snapshot, error) {
	e := s.Engine()
	if e == nil {
		return session.Snapshot{}, ErrNotInitialized
	}
	return e.RefreshSessionState(ctx)
}

func (s *Supervisor) MemoryStats() MemoryStats {
	if e := s.Engine(); e != nil {
		return e.MemoryStats()
	}
	return MemoryStats{HeapAllocBytes: heapAlloc()}
}

func (s *Supervisor) Reconnect() error {
	e := s.Engine()
	if e == nil {
		return ErrNotInitialized
	}
	return e.Reconnect()
}

func (s *Supervisor) Status() Status {
	if e := s.Engine(); e != nil {
		return e.Status()
	}
	return Status{}
}
