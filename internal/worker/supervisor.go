package worker

import (
	"fmt"
	"log/slog"
	"sync"
)

// Pipeline is the subset of *manager.Manager's lifecycle the Supervisor
// needs, expressed as an interface so this package does not import
// internal/manager (which itself imports internal/worker to spawn
// children) — avoiding an import cycle the way the teacher's
// stream.Manager stays independent of internal/pipeline.
type Pipeline interface {
	Start() error
	Done()
	JoinSafe() error
	Name() string
}

// entry holds one registered pipeline in the Supervisor's map.
type entry struct {
	pipeline Pipeline
}

// Supervisor tracks zero or more independently-running pipelines in one
// process, adapted from the teacher's internal/stream.Manager registry:
// create/remove/list operations over a mutex-guarded map, generalized
// from "live stream keys" to "running four-process pipelines"
// (SPEC_FULL.md §4.6).
type Supervisor struct {
	log *slog.Logger

	mu        sync.RWMutex
	pipelines map[string]*entry
}

// NewSupervisor creates a Supervisor. If log is nil, slog.Default() is
// used.
func NewSupervisor(log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		log:       log.With("component", "worker-supervisor"),
		pipelines: make(map[string]*entry),
	}
}

// Register starts p and adds it to the registry under its own Name().
// Returns an error if a pipeline with that name is already registered.
func (s *Supervisor) Register(p Pipeline) error {
	name := p.Name()

	s.mu.Lock()
	if _, exists := s.pipelines[name]; exists {
		s.mu.Unlock()
		return fmt.Errorf("worker: pipeline %q already registered", name)
	}
	s.pipelines[name] = &entry{pipeline: p}
	s.mu.Unlock()

	if err := p.Start(); err != nil {
		s.mu.Lock()
		delete(s.pipelines, name)
		s.mu.Unlock()
		return fmt.Errorf("worker: start pipeline %q: %w", name, err)
	}

	s.log.Info("pipeline registered", "name", name)
	return nil
}

// Get returns the named pipeline, or false if none is registered.
func (s *Supervisor) Get(name string) (Pipeline, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.pipelines[name]
	if !ok {
		return nil, false
	}
	return e.pipeline, true
}

// List returns every registered pipeline.
func (s *Supervisor) List() []Pipeline {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Pipeline, 0, len(s.pipelines))
	for _, e := range s.pipelines {
		out = append(out, e.pipeline)
	}
	return out
}

// Remove calls p.Done() and p.JoinSafe() for the named pipeline and
// removes it from the registry. Safe to call more than once; a second
// call is a no-op.
func (s *Supervisor) Remove(name string) error {
	s.mu.Lock()
	e, ok := s.pipelines[name]
	if ok {
		delete(s.pipelines, name)
	}
	s.mu.Unlock()

	if !ok {
		return nil
	}

	e.pipeline.Done()
	err := e.pipeline.JoinSafe()
	s.log.Info("pipeline removed", "name", name)
	return err
}

// StopAll signals and joins every registered pipeline, used for process
// shutdown. Errors are collected but every pipeline is still given the
// chance to join.
func (s *Supervisor) StopAll() error {
	s.mu.RLock()
	names := make([]string, 0, len(s.pipelines))
	for name := range s.pipelines {
		names = append(names, name)
	}
	s.mu.RUnlock()

	var firstErr error
	for _, name := range names {
		if err := s.Remove(name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
